package ingest_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcapay/recoup/ingest"
)

func TestParseAmount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
	}{
		{"1.234,56", "1234.56"},
		{"1,234.56", "1234.56"},
		{"1234.56", "1234.56"},
		{"5,00", "5"},
		{"5.00", "5"},
		{"2,500", "2500"},
		{"2.500", "2500"},
		{"1.234.567,89", "1234567.89"},
		{"12,34 EUR", "12.34"},
		{"€ 99,95", "99.95"},
		{"-15,50", "-15.5"},
		{"0,5", "0.5"},
		{"42", "42"},
	}
	for _, tt := range tests {
		got, err := ingest.ParseAmount(tt.raw)
		require.NoError(t, err, tt.raw)
		want, err := decimal.NewFromString(tt.want)
		require.NoError(t, err)
		assert.True(t, got.Equal(want), "%s: got %s want %s", tt.raw, got, want)
	}
}

func TestParseAmountRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "abc", "EUR", "-", "..,,"} {
		_, err := ingest.ParseAmount(raw)
		assert.Equal(t, ingest.ErrBadAmount, err, raw)
	}
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	t.Run("fixed formats", func(t *testing.T) {
		t.Parallel()
		want := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
		for _, raw := range []string{"2024-03-07", "07.03.2024", "07-03-2024", "2024/03/07"} {
			got := ingest.ParseDate(raw)
			require.NotNil(t, got, raw)
			assert.True(t, got.Equal(want), "%s: got %s", raw, got)
		}
	})

	t.Run("spreadsheet serial", func(t *testing.T) {
		t.Parallel()
		// 45000 days after 1899-12-30
		got := ingest.ParseDate("45000")
		require.NotNil(t, got)
		assert.Equal(t, time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC), *got)
	})

	t.Run("garbage yields nil", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, ingest.ParseDate(""))
		assert.Nil(t, ingest.ParseDate("not a date"))
		assert.Nil(t, ingest.ParseDate("123"))
	})
}

func TestSplitName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		full  string
		first string
		last  string
	}{
		{"Erika Mustermann", "Erika", "Mustermann"},
		{"Mustermann, Erika", "Erika", "Mustermann"},
		{"Jan Peter van der Berg", "Jan", "Peter van der Berg"},
		{"Madonna", "Madonna", "Madonna"},
		{"ERIKA MUSTERMANN", "Erika", "Mustermann"},
		{"  Erika   Mustermann  ", "Erika", "Mustermann"},
		{"", "", ""},
	}
	for _, tt := range tests {
		first, last := ingest.SplitName(tt.full)
		assert.Equal(t, tt.first, first, tt.full)
		assert.Equal(t, tt.last, last, tt.full)
	}
}
