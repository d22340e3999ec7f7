// Package chargebacks stores post-settlement reversals reported by the
// gateway, one row per original transaction.
package chargebacks

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gitlab.com/arcapay/recoup/db"
)

// Source records how a chargeback reached us
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceAPISync Source = "api_sync"
)

// ErrNotFound means no chargeback matches the given key
var ErrNotFound = errors.New("chargeback not found")

// Chargeback is the DB type for a chargeback event
type Chargeback struct {
	ID                int                 `db:"id"`
	BillingAttemptID  int                 `db:"billing_attempt_id"`
	DebtorID          int                 `db:"debtor_id"`
	OriginalUniqueID  string              `db:"original_transaction_unique_id"`
	Type              *string             `db:"cb_type"`
	ReasonCode        *string             `db:"reason_code"`
	ReasonDescription *string             `db:"reason_description"`
	Amount            decimal.NullDecimal `db:"amount"`
	Currency          *string             `db:"currency"`
	PostDate          *time.Time          `db:"post_date"`
	ImportDate        time.Time           `db:"import_date"`
	Source            Source              `db:"source"`
	RawResponse       types.NullJSONText  `db:"raw_response"`
	CreatedAt         time.Time           `db:"created_at"`
}

// Insert stores a chargeback. A second insert for the same original
// transaction unique id is a no-op and returns the existing row, keeping
// webhook replays idempotent.
func Insert(d db.InsertGetter, chargeback Chargeback) (Chargeback, error) {
	if chargeback.Source == "" {
		chargeback.Source = SourceWebhook
	}

	rows, err := d.NamedQuery(
		`INSERT INTO chargebacks (billing_attempt_id, debtor_id,
			original_transaction_unique_id, cb_type, reason_code,
			reason_description, amount, currency, post_date, source, raw_response)
		VALUES (:billing_attempt_id, :debtor_id,
			:original_transaction_unique_id, :cb_type, :reason_code,
			:reason_description, :amount, :currency, :post_date, :source,
			:raw_response)
		ON CONFLICT (original_transaction_unique_id) DO NOTHING
		RETURNING *`, chargeback)
	if err != nil {
		return Chargeback{}, errors.Wrap(err, "could not insert chargeback")
	}
	defer func() { _ = rows.Close() }()

	if rows.Next() {
		var inserted Chargeback
		if err := rows.StructScan(&inserted); err != nil {
			return Chargeback{}, errors.Wrap(err, "could not scan inserted chargeback")
		}
		return inserted, nil
	}

	// conflict: the chargeback already exists
	return GetByUniqueID(d, chargeback.OriginalUniqueID)
}

// GetByUniqueID fetches the chargeback for an original transaction
func GetByUniqueID(d db.Getter, uniqueID string) (Chargeback, error) {
	var chargeback Chargeback
	err := d.Get(&chargeback,
		`SELECT * FROM chargebacks WHERE original_transaction_unique_id = $1`,
		uniqueID)
	if err == sql.ErrNoRows {
		return Chargeback{}, ErrNotFound
	}
	if err != nil {
		return Chargeback{}, errors.Wrap(err, "could not get chargeback")
	}
	return chargeback, nil
}

// CountForUniqueID reports how many chargebacks exist for the given
// original transaction. Used by tests asserting idempotency.
func CountForUniqueID(d db.Getter, uniqueID string) (int, error) {
	var count int
	err := d.Get(&count,
		`SELECT count(*) FROM chargebacks WHERE original_transaction_unique_id = $1`,
		uniqueID)
	return count, errors.Wrap(err, "could not count chargebacks")
}
