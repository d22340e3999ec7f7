package ingest

import (
	"strings"
	"unicode"
)

// Canonical row fields a spreadsheet column can map to.
const (
	FieldIban              = "iban"
	FieldFirstName         = "first_name"
	FieldLastName          = "last_name"
	FieldFullName          = "full_name"
	FieldEmail             = "email"
	FieldPhone             = "phone"
	FieldAmount            = "amount"
	FieldCurrency          = "currency"
	FieldCountry           = "country"
	FieldBirthDate         = "birth_date"
	FieldBic               = "bic"
	FieldExternalReference = "external_reference"
)

// synonyms maps normalized header names onto canonical fields. Matching is
// case insensitive with whitespace and punctuation collapsed, so
// "IBAN Number", "iban_number" and "iban number" all hit the same entry.
var synonyms = map[string]string{
	"iban":                FieldIban,
	"iban number":         FieldIban,
	"iban no":             FieldIban,
	"account iban":        FieldIban,
	"account number":      FieldIban,
	"bank account":        FieldIban,
	"bank account number": FieldIban,
	"kontonummer":         FieldIban,

	"first name":     FieldFirstName,
	"firstname":      FieldFirstName,
	"given name":     FieldFirstName,
	"forename":       FieldFirstName,
	"vorname":        FieldFirstName,
	"prenom":         FieldFirstName,

	"last name":   FieldLastName,
	"lastname":    FieldLastName,
	"surname":     FieldLastName,
	"family name": FieldLastName,
	"nachname":    FieldLastName,
	"nom":         FieldLastName,

	"name":          FieldFullName,
	"full name":     FieldFullName,
	"customer name": FieldFullName,
	"debtor name":   FieldFullName,
	"account holder": FieldFullName,
	"account holder name": FieldFullName,

	"email":          FieldEmail,
	"e mail":         FieldEmail,
	"email address":  FieldEmail,
	"mail":           FieldEmail,

	"phone":        FieldPhone,
	"phone number": FieldPhone,
	"telephone":    FieldPhone,
	"mobile":       FieldPhone,
	"telefon":      FieldPhone,

	"amount":         FieldAmount,
	"sum":            FieldAmount,
	"total":          FieldAmount,
	"betrag":         FieldAmount,
	"debt amount":    FieldAmount,
	"open amount":    FieldAmount,
	"invoice amount": FieldAmount,
	"montant":        FieldAmount,

	"currency":      FieldCurrency,
	"curr":          FieldCurrency,
	"waehrung":      FieldCurrency,

	"country":      FieldCountry,
	"country code": FieldCountry,
	"land":         FieldCountry,

	"birth date":    FieldBirthDate,
	"birthdate":     FieldBirthDate,
	"date of birth": FieldBirthDate,
	"dob":           FieldBirthDate,
	"geburtsdatum":  FieldBirthDate,

	"bic":        FieldBic,
	"swift":      FieldBic,
	"swift code": FieldBic,
	"bic code":   FieldBic,

	"reference":          FieldExternalReference,
	"external reference": FieldExternalReference,
	"external ref":       FieldExternalReference,
	"ref":                FieldExternalReference,
	"order id":           FieldExternalReference,
	"invoice number":     FieldExternalReference,
	"kundennummer":       FieldExternalReference,
}

// NormalizeHeader lowercases a header and collapses whitespace and
// punctuation runs into single spaces.
func NormalizeHeader(header string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(header) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// BuildColumnMapping maps column index -> canonical field for every header
// with a known synonym. The first column claiming a field wins.
func BuildColumnMapping(headers []string) map[int]string {
	mapping := make(map[int]string)
	claimed := make(map[string]struct{})
	for i, header := range headers {
		field, ok := synonyms[NormalizeHeader(header)]
		if !ok {
			continue
		}
		if _, taken := claimed[field]; taken {
			continue
		}
		mapping[i] = field
		claimed[field] = struct{}{}
	}
	return mapping
}

// MappedFields returns the set of canonical fields present in a mapping.
func MappedFields(mapping map[int]string) map[string]struct{} {
	fields := make(map[string]struct{}, len(mapping))
	for _, field := range mapping {
		fields[field] = struct{}{}
	}
	return fields
}

// HasMandatoryColumns checks for an IBAN column, an amount column and some
// name column (full or first/last).
func HasMandatoryColumns(mapping map[int]string) bool {
	fields := MappedFields(mapping)
	_, hasIban := fields[FieldIban]
	_, hasAmount := fields[FieldAmount]
	_, hasFull := fields[FieldFullName]
	_, hasFirst := fields[FieldFirstName]
	_, hasLast := fields[FieldLastName]
	return hasIban && hasAmount && (hasFull || hasFirst || hasLast)
}
