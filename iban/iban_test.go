package iban_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/arcapay/recoup/iban"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "DE89370400440532013000", iban.Normalize("de89 3704 0044 0532 0130 00"))
	assert.Equal(t, "NL91ABNA0417164300", iban.Normalize(" nl91-abna-0417-1643-00 "))
	assert.Equal(t, "", iban.Normalize("  --  "))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("accepts valid IBANs", func(t *testing.T) {
		t.Parallel()
		for _, valid := range []string{
			"DE89370400440532013000",
			"GB29NWBK60161331926819",
			"FR1420041010050500013M02606",
			"NL91ABNA0417164300",
			"ES9121000418450200051332",
			"de89 3704 0044 0532 0130 00",
		} {
			assert.True(t, iban.IsValid(valid), valid)
		}
	})

	t.Run("rejects a flipped check digit", func(t *testing.T) {
		t.Parallel()
		err := iban.Validate("DE98370400440532013000")
		assert.Equal(t, iban.ErrBadChecksum, err)
	})

	t.Run("rejects short and long values", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, iban.ErrTooShort, iban.Validate("DE8937040044"))
		assert.Equal(t, iban.ErrTooLong, iban.Validate("DE89"+strings.Repeat("0", 40)))
	})

	t.Run("rejects a numeric country code", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, iban.ErrBadCountry, iban.Validate("1289370400440532013000"))
	})

	t.Run("valid implies structural invariants", func(t *testing.T) {
		t.Parallel()
		value := "GB29NWBK60161331926819"
		require.True(t, iban.IsValid(value))
		normalized := iban.Normalize(value)
		assert.GreaterOrEqual(t, len(normalized), 15)
		assert.LessOrEqual(t, len(normalized), 34)
		assert.True(t, normalized[0] >= 'A' && normalized[0] <= 'Z')
		assert.True(t, normalized[1] >= 'A' && normalized[1] <= 'Z')
	})
}

func TestHash(t *testing.T) {
	t.Parallel()

	t.Run("is stable across formatting", func(t *testing.T) {
		t.Parallel()
		first := iban.Hash("DE89 3704 0044 0532 0130 00")
		second := iban.Hash("de89370400440532013000")
		assert.Equal(t, first, second)
		assert.Len(t, first, 64)
	})

	t.Run("differs between accounts", func(t *testing.T) {
		t.Parallel()
		assert.NotEqual(t,
			iban.Hash("DE89370400440532013000"),
			iban.Hash("NL91ABNA0417164300"))
	})
}

func TestMask(t *testing.T) {
	t.Parallel()

	masked := iban.Mask("DE89370400440532013000")
	assert.Equal(t, "DE89**************3000", masked)
	assert.NotContains(t, masked, "370400")

	assert.Equal(t, "****", iban.Mask("DE89"))
}

func TestCountryAndBankCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "DE", iban.Country("de89370400440532013000"))
	assert.Equal(t, "37040044", iban.BankCode("DE89370400440532013000"))
	assert.Equal(t, "ABNA", iban.BankCode("NL91ABNA0417164300"))
	assert.Equal(t, "", iban.BankCode("DE"))
}

func TestSEPA(t *testing.T) {
	t.Parallel()

	assert.True(t, iban.IsSEPACountry("DE"))
	assert.True(t, iban.IsSEPACountry("NO"))
	assert.False(t, iban.IsSEPACountry("US"))
	assert.True(t, iban.IsSEPA("NL91ABNA0417164300"))
	assert.Len(t, iban.SEPACountries(), 38)
}
