package ingest_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"gitlab.com/arcapay/recoup/ingest"
)

func TestNormalizeHeader(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "iban number", ingest.NormalizeHeader("IBAN Number"))
	assert.Equal(t, "iban number", ingest.NormalizeHeader("iban_number"))
	assert.Equal(t, "iban number", ingest.NormalizeHeader("  IBAN -- Number  "))
	assert.Equal(t, "e mail", ingest.NormalizeHeader("E-Mail"))
	assert.Equal(t, "", ingest.NormalizeHeader("---"))
}

func TestBuildColumnMapping(t *testing.T) {
	t.Parallel()

	t.Run("maps synonyms onto canonical fields", func(t *testing.T) {
		t.Parallel()
		mapping := ingest.BuildColumnMapping([]string{
			"IBAN", "Vorname", "Nachname", "E-Mail", "Betrag", "Unknown Column",
		})
		expected := map[int]string{
			0: ingest.FieldIban,
			1: ingest.FieldFirstName,
			2: ingest.FieldLastName,
			3: ingest.FieldEmail,
			4: ingest.FieldAmount,
		}
		if diff := cmp.Diff(expected, mapping); diff != "" {
			t.Fatalf("unexpected column mapping: %s", diff)
		}
	})

	t.Run("first column claiming a field wins", func(t *testing.T) {
		t.Parallel()
		mapping := ingest.BuildColumnMapping([]string{"IBAN", "Account Number"})
		assert.Equal(t, ingest.FieldIban, mapping[0])
		_, mapped := mapping[1]
		assert.False(t, mapped)
	})
}

func TestHasMandatoryColumns(t *testing.T) {
	t.Parallel()

	assert.True(t, ingest.HasMandatoryColumns(
		ingest.BuildColumnMapping([]string{"IBAN", "Name", "Amount"})))
	assert.True(t, ingest.HasMandatoryColumns(
		ingest.BuildColumnMapping([]string{"IBAN", "First Name", "Last Name", "Amount"})))

	// no name column
	assert.False(t, ingest.HasMandatoryColumns(
		ingest.BuildColumnMapping([]string{"IBAN", "Amount"})))
	// no amount column
	assert.False(t, ingest.HasMandatoryColumns(
		ingest.BuildColumnMapping([]string{"IBAN", "Name"})))
	// no iban column
	assert.False(t, ingest.HasMandatoryColumns(
		ingest.BuildColumnMapping([]string{"Name", "Amount"})))
}
