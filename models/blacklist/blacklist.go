// Package blacklist is the store for blocked accounts. Entries match by
// iban hash, by case-folded name pair or by case-folded email.
package blacklist

import (
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/arcapay/recoup/build"
	"gitlab.com/arcapay/recoup/db"
)

var log = build.AddSubLogger("BLCK")

// Entry is the DB type for a blacklist entry
type Entry struct {
	ID        int       `db:"id"`
	IbanHash  *string   `db:"iban_hash"`
	Iban      *string   `db:"iban"`
	FirstName *string   `db:"first_name"`
	LastName  *string   `db:"last_name"`
	Email     *string   `db:"email"`
	Reason    string    `db:"reason"`
	Source    string    `db:"source"`
	AddedBy   *string   `db:"added_by"`
	CreatedAt time.Time `db:"created_at"`
}

// Add inserts a blacklist entry. Adding an iban hash that is already listed
// is a no-op, so automatic blacklisting stays idempotent.
func Add(e sqlx.Execer, entry Entry) error {
	if entry.Source == "" {
		entry.Source = "manual"
	}
	_, err := e.Exec(
		`INSERT INTO blacklist (iban_hash, iban, first_name, last_name, email,
			reason, source, added_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (iban_hash) DO NOTHING`,
		entry.IbanHash, entry.Iban, entry.FirstName, entry.LastName,
		entry.Email, entry.Reason, entry.Source, entry.AddedBy)
	if err != nil {
		return errors.Wrap(err, "could not add blacklist entry")
	}
	log.WithField("reason", entry.Reason).Info("Added blacklist entry")
	return nil
}

// ContainsHashes returns which of the given iban hashes are blacklisted.
// One query per batch.
func ContainsHashes(d *db.DB, hashes []string) (map[string]struct{}, error) {
	result := make(map[string]struct{})
	if len(hashes) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(
		`SELECT iban_hash FROM blacklist WHERE iban_hash IN (?)`, hashes)
	if err != nil {
		return nil, errors.Wrap(err, "could not build blacklist hash query")
	}
	var found []string
	if err := d.Select(&found, d.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "could not select blacklisted hashes")
	}
	for _, h := range found {
		result[h] = struct{}{}
	}
	return result, nil
}

// NameKey builds the case-folded key a name pair is matched under.
func NameKey(first, last string) string {
	return strings.ToLower(strings.TrimSpace(first)) + "|" +
		strings.ToLower(strings.TrimSpace(last))
}

// ContainsNames returns which of the given name keys (see NameKey) are
// blacklisted. One query per batch.
func ContainsNames(d *db.DB, nameKeys []string) (map[string]struct{}, error) {
	result := make(map[string]struct{})
	if len(nameKeys) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(
		`SELECT lower(coalesce(first_name, '')) || '|' || lower(coalesce(last_name, ''))
		FROM blacklist
		WHERE first_name IS NOT NULL AND last_name IS NOT NULL
		  AND lower(coalesce(first_name, '')) || '|' || lower(coalesce(last_name, '')) IN (?)`,
		nameKeys)
	if err != nil {
		return nil, errors.Wrap(err, "could not build blacklist name query")
	}
	var found []string
	if err := d.Select(&found, d.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "could not select blacklisted names")
	}
	for _, k := range found {
		result[k] = struct{}{}
	}
	return result, nil
}

// ContainsEmails returns which of the given case-folded emails are
// blacklisted. One query per batch.
func ContainsEmails(d *db.DB, emails []string) (map[string]struct{}, error) {
	result := make(map[string]struct{})
	if len(emails) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(
		`SELECT lower(email) FROM blacklist
		WHERE email IS NOT NULL AND lower(email) IN (?)`, emails)
	if err != nil {
		return nil, errors.Wrap(err, "could not build blacklist email query")
	}
	var found []string
	if err := d.Select(&found, d.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "could not select blacklisted emails")
	}
	for _, e := range found {
		result[e] = struct{}{}
	}
	return result, nil
}

// CountForHash reports how many entries exist for the given hash. Used by
// tests asserting idempotency.
func CountForHash(d db.Getter, hash string) (int, error) {
	var count int
	err := d.Get(&count,
		`SELECT count(*) FROM blacklist WHERE iban_hash = $1`, hash)
	return count, errors.Wrap(err, "could not count blacklist entries")
}
