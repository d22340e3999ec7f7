// Package attempts is the store for billing attempts: one row per charge
// submitted to the payment gateway. The gateway is authoritative for the
// final status; webhooks and the reconciler move attempts to their terminal
// states.
package attempts

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gitlab.com/arcapay/recoup/db"
	"gitlab.com/arcapay/recoup/models/profiles"
)

// Status is the status of a billing attempt
type Status string

const (
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusDeclined     Status = "declined"
	StatusError        Status = "error"
	StatusVoided       Status = "voided"
	StatusChargebacked Status = "chargebacked"
)

// Terminal reports whether the status accepts no further gateway driven
// transitions. Approved still accepts a chargeback; chargebacked still
// accepts retrieval-request metadata.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeclined, StatusError, StatusVoided, StatusChargebacked:
		return true
	}
	return false
}

// ContextSource records what triggered a billing attempt
type ContextSource string

const (
	SourceBatchUpload      ContextSource = "batch_upload"
	SourceRecurringBilling ContextSource = "recurring_billing"
)

var (
	// ErrNotFound means no attempt matches the given key
	ErrNotFound = errors.New("billing attempt not found")
)

// Attempt is the DB type for a billing attempt
type Attempt struct {
	ID                     int                   `db:"id"`
	DebtorID               int                   `db:"debtor_id"`
	UploadID               *int                  `db:"upload_id"`
	ProfileID              *int                  `db:"profile_id"`
	EmpAccountID           *int                  `db:"emp_account_id"`
	AttemptNumber          int                   `db:"attempt_number"`
	UniqueID               *string               `db:"unique_id"`
	Amount                 decimal.Decimal       `db:"amount"`
	Currency               string                `db:"currency"`
	BillingModel           profiles.BillingModel `db:"billing_model"`
	Status                 Status                `db:"status"`
	ContextSource          ContextSource         `db:"context_source"`
	ErrorCode              *string               `db:"error_code"`
	ErrorMessage           *string               `db:"error_message"`
	ChargebackReasonCode   *string               `db:"chargeback_reason_code"`
	ChargebackedAt         *time.Time            `db:"chargebacked_at"`
	ReconciliationAttempts int                   `db:"reconciliation_attempts"`
	LastReconciledAt       *time.Time            `db:"last_reconciled_at"`
	Meta                   types.JSONText        `db:"meta"`
	CreatedAt              time.Time             `db:"created_at"`
	UpdatedAt              time.Time             `db:"updated_at"`
}

// NextAttemptNumber returns max(attempt_number)+1 for the debtor, inside
// the billing transaction.
func NextAttemptNumber(tx *sqlx.Tx, debtorID int) (int, error) {
	var number int
	err := tx.Get(&number,
		`SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM billing_attempts
		WHERE debtor_id = $1`, debtorID)
	return number, errors.Wrap(err, "could not compute next attempt number")
}

// Insert stores a billing attempt
func Insert(d db.Inserter, attempt Attempt) (Attempt, error) {
	if attempt.Status == "" {
		attempt.Status = StatusPending
	}
	if attempt.ContextSource == "" {
		attempt.ContextSource = SourceBatchUpload
	}
	if len(attempt.Meta) == 0 {
		attempt.Meta = types.JSONText("{}")
	}

	rows, err := d.NamedQuery(
		`INSERT INTO billing_attempts (debtor_id, upload_id, profile_id,
			emp_account_id, attempt_number, unique_id, amount, currency,
			billing_model, status, context_source, error_code, error_message, meta)
		VALUES (:debtor_id, :upload_id, :profile_id, :emp_account_id,
			:attempt_number, :unique_id, :amount, :currency, :billing_model,
			:status, :context_source, :error_code, :error_message, :meta)
		RETURNING *`, attempt)
	if err != nil {
		return Attempt{}, errors.Wrap(err, "could not insert billing attempt")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return Attempt{}, errors.New("insert billing attempt returned no rows")
	}
	var inserted Attempt
	if err := rows.StructScan(&inserted); err != nil {
		return Attempt{}, errors.Wrap(err, "could not scan inserted attempt")
	}
	return inserted, nil
}

// GetByID fetches an attempt
func GetByID(d db.Getter, id int) (Attempt, error) {
	var attempt Attempt
	err := d.Get(&attempt, `SELECT * FROM billing_attempts WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return Attempt{}, ErrNotFound
	}
	if err != nil {
		return Attempt{}, errors.Wrap(err, "could not get billing attempt")
	}
	return attempt, nil
}

// GetByUniqueID fetches the attempt carrying the given gateway unique id
func GetByUniqueID(d db.Getter, uniqueID string) (Attempt, error) {
	var attempt Attempt
	err := d.Get(&attempt,
		`SELECT * FROM billing_attempts WHERE unique_id = $1`, uniqueID)
	if err == sql.ErrNoRows {
		return Attempt{}, ErrNotFound
	}
	if err != nil {
		return Attempt{}, errors.Wrap(err, "could not get attempt by unique ID")
	}
	return attempt, nil
}

// LockByUniqueID loads the attempt for the given gateway unique id inside
// the transaction, taking a row lock.
func LockByUniqueID(tx *sqlx.Tx, uniqueID string) (Attempt, error) {
	var attempt Attempt
	err := tx.Get(&attempt,
		`SELECT * FROM billing_attempts WHERE unique_id = $1 FOR UPDATE`, uniqueID)
	if err == sql.ErrNoRows {
		return Attempt{}, ErrNotFound
	}
	if err != nil {
		return Attempt{}, errors.Wrap(err, "could not lock attempt by unique ID")
	}
	return attempt, nil
}

// GetByDebtorID fetches all attempts of a debtor, newest first
func GetByDebtorID(d db.Getter, debtorID int) ([]Attempt, error) {
	var found []Attempt
	err := d.Select(&found,
		`SELECT * FROM billing_attempts WHERE debtor_id = $1
		ORDER BY attempt_number DESC`, debtorID)
	return found, errors.Wrap(err, "could not get attempts by debtor")
}

// SetStatus updates the status and error fields of an attempt
func SetStatus(e sqlx.Execer, id int, status Status, errorCode, errorMessage *string) error {
	_, err := e.Exec(
		`UPDATE billing_attempts
		SET status = $1, error_code = $2, error_message = $3, updated_at = now()
		WHERE id = $4`, status, errorCode, errorMessage, id)
	return errors.Wrap(err, "could not set attempt status")
}

// MarkChargebacked moves the attempt to chargebacked, recording the reason.
func MarkChargebacked(e sqlx.Execer, id int, reasonCode, errorCode *string,
	chargebackedAt time.Time) error {

	_, err := e.Exec(
		`UPDATE billing_attempts
		SET status = $1, chargeback_reason_code = $2, error_code = $3,
		    chargebacked_at = $4, updated_at = now()
		WHERE id = $5`,
		StatusChargebacked, reasonCode, errorCode, chargebackedAt, id)
	return errors.Wrap(err, "could not mark attempt chargebacked")
}

// MergeMeta sets a single top level meta key on the attempt, server side.
func MergeMeta(e sqlx.Execer, id int, key string, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "could not encode attempt meta value")
	}
	_, err = e.Exec(
		`UPDATE billing_attempts
		SET meta = jsonb_set(meta, $1, $2::jsonb, true), updated_at = now()
		WHERE id = $3`,
		"{"+key+"}", string(encoded), id)
	return errors.Wrapf(err, "could not merge attempt meta key %s", key)
}

// AppendRetrievalRequest appends a retrieval request notification to the
// attempt meta. The attempt status does not change.
func AppendRetrievalRequest(e sqlx.Execer, id int, payload interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "could not encode retrieval request")
	}
	_, err = e.Exec(
		`UPDATE billing_attempts
		SET meta = jsonb_set(meta, '{retrieval_requests}',
			COALESCE(meta -> 'retrieval_requests', '[]'::jsonb) || $1::jsonb, true),
		    updated_at = now()
		WHERE id = $2`,
		string(encoded), id)
	return errors.Wrap(err, "could not append retrieval request")
}

// PendingForReconciliation selects pending attempts older than minAge that
// carry a gateway unique id and still have reconciliation budget, oldest
// first with never-reconciled attempts leading.
func PendingForReconciliation(d db.Getter, minAge time.Duration,
	maxAttempts, limit int) ([]Attempt, error) {

	cutoff := time.Now().UTC().Add(-minAge)
	var found []Attempt
	err := d.Select(&found,
		`SELECT * FROM billing_attempts
		WHERE status = $1
		  AND unique_id IS NOT NULL
		  AND created_at < $2
		  AND reconciliation_attempts < $3
		ORDER BY created_at ASC, last_reconciled_at ASC NULLS FIRST
		LIMIT $4`,
		StatusPending, cutoff, maxAttempts, limit)
	return found, errors.Wrap(err, "could not select attempts for reconciliation")
}

// CountDeclined reports how many declined attempts the debtor has.
func CountDeclined(d db.Getter, debtorID int) (int, error) {
	var count int
	err := d.Get(&count,
		`SELECT count(*) FROM billing_attempts
		WHERE debtor_id = $1 AND status = $2`, debtorID, StatusDeclined)
	return count, errors.Wrap(err, "could not count declined attempts")
}

// TouchReconciliation bumps the reconciliation counter and timestamp.
func TouchReconciliation(e sqlx.Execer, id int) error {
	_, err := e.Exec(
		`UPDATE billing_attempts
		SET reconciliation_attempts = reconciliation_attempts + 1,
		    last_reconciled_at = now(), updated_at = now()
		WHERE id = $1`, id)
	return errors.Wrap(err, "could not touch reconciliation")
}

// InFlightByHashes returns, per iban hash, the most recent in-flight
// (pending or approved) attempt within the lookback window. Used by the
// dedup engine's cooldown rule, one query per batch.
type InFlight struct {
	IbanHash  string    `db:"iban_hash"`
	Status    Status    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
}

func InFlightByHashes(d *db.DB, hashes []string, since time.Time) (map[string]InFlight, error) {
	result := make(map[string]InFlight)
	if len(hashes) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(
		`SELECT DISTINCT ON (dbt.iban_hash)
			dbt.iban_hash, ba.status, ba.created_at
		FROM billing_attempts ba
		JOIN debtors dbt ON dbt.id = ba.debtor_id
		WHERE dbt.iban_hash IN (?)
		  AND ba.status IN (?, ?)
		  AND ba.created_at >= ?
		ORDER BY dbt.iban_hash, ba.created_at DESC`,
		hashes, StatusPending, StatusApproved, since)
	if err != nil {
		return nil, errors.Wrap(err, "could not build in-flight query")
	}

	var found []InFlight
	if err := d.Select(&found, d.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "could not select in-flight attempts")
	}
	for _, f := range found {
		result[f.IbanHash] = f
	}
	return result, nil
}

// ChargebackedHashes returns which of the given iban hashes ever had a
// chargebacked attempt. One query per batch.
func ChargebackedHashes(d *db.DB, hashes []string) (map[string]struct{}, error) {
	result := make(map[string]struct{})
	if len(hashes) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(
		`SELECT DISTINCT dbt.iban_hash
		FROM billing_attempts ba
		JOIN debtors dbt ON dbt.id = ba.debtor_id
		WHERE dbt.iban_hash IN (?) AND ba.status = ?`,
		hashes, StatusChargebacked)
	if err != nil {
		return nil, errors.Wrap(err, "could not build chargebacked query")
	}

	var found []string
	if err := d.Select(&found, d.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "could not select chargebacked hashes")
	}
	for _, h := range found {
		result[h] = struct{}{}
	}
	return result, nil
}
