// Package validation runs the ordered per-row checks of the validation
// phase: required fields, name shape, IBAN checksum and SEPA membership,
// amount bounds, email syntax, encoding sanity and the blacklist.
package validation

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"gitlab.com/arcapay/recoup/iban"
	"gitlab.com/arcapay/recoup/models/debtors"
)

const (
	maxNamePartLength = 35
)

var (
	minAmount = decimal.New(1, 0)
	maxAmount = decimal.New(50000, 0)
)

// CheckDebtor runs all checks over one debtor and returns the collected
// error messages. An empty result means the row is valid. The blacklist
// flags come from the batched dedup lookups, so this function stays pure.
func CheckDebtor(debtor debtors.Debtor, nameBlacklisted, emailBlacklisted bool) []string {
	var problems []string

	first, last := "", ""
	if debtor.FirstName != nil {
		first = strings.TrimSpace(*debtor.FirstName)
	}
	if debtor.LastName != nil {
		last = strings.TrimSpace(*debtor.LastName)
	}

	// required fields
	if strings.TrimSpace(debtor.Iban) == "" {
		problems = append(problems, "iban is required")
	}
	if first == "" && last == "" {
		problems = append(problems, "name is required")
	}
	if debtor.Amount.LessThan(minAmount) {
		problems = append(problems, "amount must be at least 1")
	}

	// name shape
	for _, part := range []string{first, last} {
		if part == "" {
			continue
		}
		if len([]rune(part)) > maxNamePartLength {
			problems = append(problems, fmt.Sprintf(
				"name part %q exceeds %d characters", part, maxNamePartLength))
		}
		if badNameCharacter(part) {
			problems = append(problems, fmt.Sprintf(
				"name part %q contains invalid characters", part))
		}
	}

	// iban
	if debtor.Iban != "" {
		if err := iban.Validate(debtor.Iban); err != nil {
			problems = append(problems, "iban is invalid: "+err.Error())
		} else if !iban.IsSEPA(debtor.Iban) {
			problems = append(problems, fmt.Sprintf(
				"iban country %s is not a SEPA member", iban.Country(debtor.Iban)))
		}
	}

	// amount upper bound
	if debtor.Amount.GreaterThan(maxAmount) {
		problems = append(problems, "amount exceeds the maximum of 50000")
	}

	// email
	if debtor.Email != nil && *debtor.Email != "" {
		if _, err := mail.ParseAddress(*debtor.Email); err != nil {
			problems = append(problems, fmt.Sprintf("email %q is invalid", *debtor.Email))
		}
	}

	// country
	if debtor.Country != nil && *debtor.Country != "" {
		if !iban.IsSEPACountry(strings.ToUpper(*debtor.Country)) {
			problems = append(problems, fmt.Sprintf(
				"country %s is not a SEPA member", *debtor.Country))
		}
	}

	// encoding
	fields := map[string]string{"first_name": first, "last_name": last, "iban": debtor.Iban}
	if debtor.Email != nil {
		fields["email"] = *debtor.Email
	}
	for name, value := range fields {
		if problem := CheckEncoding(value); problem != "" {
			problems = append(problems, fmt.Sprintf("%s %s", name, problem))
		}
	}

	// blacklist
	if nameBlacklisted {
		problems = append(problems, "name is blacklisted")
	}
	if emailBlacklisted {
		problems = append(problems, "email is blacklisted")
	}

	return problems
}

// badNameCharacter reports whether the name part contains a digit or a
// symbol outside the allowed set (letters, spaces, hyphen, apostrophe,
// period).
func badNameCharacter(part string) bool {
	for _, r := range part {
		switch {
		case unicode.IsLetter(r):
		case r == ' ' || r == '-' || r == '\'' || r == '.':
		default:
			return true
		}
	}
	return false
}

// CheckEncoding returns a problem description when the value carries a
// replacement character, a raw control character, or the double-encoded
// UTF-8 mojibake signature. Empty string means the value is clean.
func CheckEncoding(value string) string {
	runes := []rune(value)
	for i, r := range runes {
		if r == unicode.ReplacementChar {
			return "contains a replacement character"
		}
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return "contains a control character"
		}
		// "Ã" followed by a C1/latin-1 punctuation rune is the classic
		// signature of UTF-8 decoded as latin-1 and re-encoded
		if r == 0x00C3 && i+1 < len(runes) &&
			runes[i+1] >= 0x80 && runes[i+1] <= 0xBF {
			return "looks like double-encoded UTF-8"
		}
	}
	return ""
}
