// Package voplogs stores the outcome of Verification-of-Payee scoring runs.
package voplogs

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"

	"gitlab.com/arcapay/recoup/db"
)

// Result is the VOP score bucket
type Result string

const (
	ResultVerified       Result = "verified"
	ResultLikelyVerified Result = "likely_verified"
	ResultInconclusive   Result = "inconclusive"
	ResultMismatch       Result = "mismatch"
	ResultRejected       Result = "rejected"
)

// NameMatch is the raw BAV name match outcome
type NameMatch string

const (
	MatchYes         NameMatch = "yes"
	MatchPartial     NameMatch = "partial"
	MatchNo          NameMatch = "no"
	MatchUnavailable NameMatch = "unavailable"
)

// VopLog is the DB type for one VOP verification of a debtor
type VopLog struct {
	ID             int            `db:"id"`
	DebtorID       int            `db:"debtor_id"`
	UploadID       *int           `db:"upload_id"`
	IbanMasked     string         `db:"iban_masked"`
	IbanValid      bool           `db:"iban_valid"`
	BankIdentified bool           `db:"bank_identified"`
	BankName       *string        `db:"bank_name"`
	Bic            *string        `db:"bic"`
	Country        *string        `db:"country"`
	VopScore       int            `db:"vop_score"`
	Result         Result         `db:"result"`
	BavVerified    bool           `db:"bav_verified"`
	BavNameMatch   NameMatch      `db:"bav_name_match"`
	Meta           types.JSONText `db:"meta"`
	CreatedAt      time.Time      `db:"created_at"`
}

// Insert stores a VOP log row
func Insert(d db.Inserter, vopLog VopLog) (VopLog, error) {
	if vopLog.BavNameMatch == "" {
		vopLog.BavNameMatch = MatchUnavailable
	}
	if len(vopLog.Meta) == 0 {
		vopLog.Meta = types.JSONText("{}")
	}

	rows, err := d.NamedQuery(
		`INSERT INTO vop_logs (debtor_id, upload_id, iban_masked, iban_valid,
			bank_identified, bank_name, bic, country, vop_score, result,
			bav_verified, bav_name_match, meta)
		VALUES (:debtor_id, :upload_id, :iban_masked, :iban_valid,
			:bank_identified, :bank_name, :bic, :country, :vop_score, :result,
			:bav_verified, :bav_name_match, :meta)
		RETURNING *`, vopLog)
	if err != nil {
		return VopLog{}, errors.Wrap(err, "could not insert VOP log")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return VopLog{}, errors.New("insert VOP log returned no rows")
	}
	var inserted VopLog
	if err := rows.StructScan(&inserted); err != nil {
		return VopLog{}, errors.Wrap(err, "could not scan inserted VOP log")
	}
	return inserted, nil
}

// SetBavResult records the outcome of a bank account verification call on
// an existing VOP log, together with the recomputed score and bucket.
func SetBavResult(d *db.DB, id int, verified bool, match NameMatch,
	score int, result Result) error {

	_, err := d.Exec(
		`UPDATE vop_logs
		SET bav_verified = $1, bav_name_match = $2, vop_score = $3, result = $4
		WHERE id = $5`,
		verified, match, score, result, id)
	return errors.Wrap(err, "could not set BAV result")
}

// GetByDebtorID fetches all VOP logs of a debtor, newest first
func GetByDebtorID(d db.Getter, debtorID int) ([]VopLog, error) {
	var found []VopLog
	err := d.Select(&found,
		`SELECT * FROM vop_logs WHERE debtor_id = $1 ORDER BY created_at DESC`,
		debtorID)
	return found, errors.Wrap(err, "could not get VOP logs by debtor")
}

// LatestByDebtorID fetches the most recent VOP log of a debtor, if any.
func LatestByDebtorID(d db.Getter, debtorID int) (VopLog, bool, error) {
	logs, err := GetByDebtorID(d, debtorID)
	if err != nil {
		return VopLog{}, false, err
	}
	if len(logs) == 0 {
		return VopLog{}, false, nil
	}
	return logs[0], true, nil
}
