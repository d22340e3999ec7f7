// Package banks is the store for the bank registry: one row per
// (country, bank code), carrying the institution name, its BIC and whether
// it accepts SEPA direct debit.
package banks

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/arcapay/recoup/db"
)

// ErrNotFound means the registry has no row for the given key
var ErrNotFound = errors.New("bank not found")

// Bank is the DB type for one registry entry
type Bank struct {
	Country     string    `db:"country" json:"country"`
	BankCode    string    `db:"bank_code" json:"bank_code"`
	BankName    string    `db:"bank_name" json:"bank_name"`
	Bic         *string   `db:"bic" json:"bic"`
	SupportsSdd bool      `db:"supports_sdd" json:"supports_sdd"`
	UpdatedAt   time.Time `db:"updated_at" json:"-"`
}

// Get fetches one registry entry
func Get(d db.Getter, country, bankCode string) (Bank, error) {
	var bank Bank
	err := d.Get(&bank,
		`SELECT * FROM banks WHERE country = $1 AND bank_code = $2`,
		country, bankCode)
	if err == sql.ErrNoRows {
		return Bank{}, ErrNotFound
	}
	if err != nil {
		return Bank{}, errors.Wrap(err, "could not get bank")
	}
	return bank, nil
}

// Upsert inserts or refreshes a registry entry
func Upsert(d *db.DB, bank Bank) error {
	_, err := d.NamedExec(
		`INSERT INTO banks (country, bank_code, bank_name, bic, supports_sdd)
		VALUES (:country, :bank_code, :bank_name, :bic, :supports_sdd)
		ON CONFLICT (country, bank_code) DO UPDATE
		SET bank_name = EXCLUDED.bank_name, bic = EXCLUDED.bic,
		    supports_sdd = EXCLUDED.supports_sdd, updated_at = now()`, bank)
	return errors.Wrap(err, "could not upsert bank")
}
