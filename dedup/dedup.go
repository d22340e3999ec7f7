// Package dedup classifies incoming debtor rows against history: the
// blacklist, prior chargebacks, already recovered accounts and the recent
// attempt cooldown. The first matching rule wins; a row gets at most one
// skip reason.
package dedup

import (
	"strings"
	"time"

	"gitlab.com/arcapay/recoup/db"
	"gitlab.com/arcapay/recoup/models/attempts"
	"gitlab.com/arcapay/recoup/models/blacklist"
	"gitlab.com/arcapay/recoup/models/debtors"
)

// Reason says why a row was skipped.
type Reason string

const (
	ReasonBlacklisted       Reason = "blacklisted"
	ReasonChargebacked      Reason = "chargebacked"
	ReasonAlreadyRecovered  Reason = "already_recovered"
	ReasonRecentlyAttempted Reason = "recently_attempted"
	ReasonBlacklistedName   Reason = "blacklisted_name"
	ReasonBlacklistedEmail  Reason = "blacklisted_email"

	// import-time model exclusivity reasons, assigned by the ingestor
	ReasonExistingLegacyIban Reason = "existing_legacy_iban"
	ReasonModelConflict      Reason = "model_conflict"
)

// cooldownDays is how long an in-flight attempt blocks re-import.
const cooldownDays = 30

// Record is one normalized incoming row.
type Record struct {
	Index     int
	IbanHash  string
	FirstName string
	LastName  string
	Email     string
}

// Skip is the classification of a skipped row.
type Skip struct {
	Reason    Reason
	Permanent bool
	// DaysAgo is set for the cooldown rule: how long ago the in-flight
	// attempt was made
	DaysAgo *int
	// LastStatus is the status of that in-flight attempt
	LastStatus string
}

// Classify runs the skip rules over a batch. One query per predicate, not
// per row. The returned map is keyed by Record.Index and contains only
// skipped rows.
func Classify(d *db.DB, uploadID int, records []Record) (map[int]Skip, error) {
	result := make(map[int]Skip)
	if len(records) == 0 {
		return result, nil
	}

	hashes := make([]string, 0, len(records))
	nameKeys := make([]string, 0, len(records))
	emails := make([]string, 0, len(records))
	for _, record := range records {
		if record.IbanHash != "" {
			hashes = append(hashes, record.IbanHash)
		}
		if record.FirstName != "" || record.LastName != "" {
			nameKeys = append(nameKeys, blacklist.NameKey(record.FirstName, record.LastName))
		}
		if record.Email != "" {
			emails = append(emails, strings.ToLower(strings.TrimSpace(record.Email)))
		}
	}

	blacklisted, err := blacklist.ContainsHashes(d, hashes)
	if err != nil {
		return nil, err
	}
	chargebacked, err := attempts.ChargebackedHashes(d, hashes)
	if err != nil {
		return nil, err
	}
	recovered, err := debtors.RecoveredHashes(d, hashes, uploadID)
	if err != nil {
		return nil, err
	}
	since := time.Now().UTC().AddDate(0, 0, -cooldownDays)
	inFlight, err := attempts.InFlightByHashes(d, hashes, since)
	if err != nil {
		return nil, err
	}
	blacklistedNames, err := blacklist.ContainsNames(d, nameKeys)
	if err != nil {
		return nil, err
	}
	blacklistedEmails, err := blacklist.ContainsEmails(d, emails)
	if err != nil {
		return nil, err
	}

	for _, record := range records {
		if skip, skipped := classifyOne(record, blacklisted, chargebacked,
			recovered, inFlight, blacklistedNames, blacklistedEmails); skipped {
			result[record.Index] = skip
		}
	}
	return result, nil
}

func classifyOne(record Record,
	blacklisted, chargebacked, recovered map[string]struct{},
	inFlight map[string]attempts.InFlight,
	blacklistedNames, blacklistedEmails map[string]struct{}) (Skip, bool) {

	if record.IbanHash != "" {
		if _, ok := blacklisted[record.IbanHash]; ok {
			return Skip{Reason: ReasonBlacklisted, Permanent: true}, true
		}
		if _, ok := chargebacked[record.IbanHash]; ok {
			return Skip{Reason: ReasonChargebacked, Permanent: true}, true
		}
		if _, ok := recovered[record.IbanHash]; ok {
			return Skip{Reason: ReasonAlreadyRecovered, Permanent: true}, true
		}
		if recent, ok := inFlight[record.IbanHash]; ok {
			daysAgo := int(time.Since(recent.CreatedAt).Hours() / 24)
			return Skip{
				Reason:     ReasonRecentlyAttempted,
				DaysAgo:    &daysAgo,
				LastStatus: string(recent.Status),
			}, true
		}
	}

	if record.FirstName != "" || record.LastName != "" {
		key := blacklist.NameKey(record.FirstName, record.LastName)
		if _, ok := blacklistedNames[key]; ok {
			return Skip{Reason: ReasonBlacklistedName, Permanent: true}, true
		}
	}
	if record.Email != "" {
		key := strings.ToLower(strings.TrimSpace(record.Email))
		if _, ok := blacklistedEmails[key]; ok {
			return Skip{Reason: ReasonBlacklistedEmail, Permanent: true}, true
		}
	}

	return Skip{}, false
}
