// Package debtors is the store for individual debtor rows. A debtor belongs
// to exactly one upload; accounts are identified across uploads by the
// deterministic iban_hash.
package debtors

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

// ValidationStatus is the outcome of the validation phase for a debtor
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "pending"
	ValidationValid   ValidationStatus = "valid"
	ValidationInvalid ValidationStatus = "invalid"
)

// Status is the lifecycle status of a debtor
type Status string

const (
	StatusUploaded  Status = "uploaded"
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusFailed    Status = "failed"
	StatusRecovered Status = "recovered"
)

// ErrNotFound means no debtor exists with the given ID
var ErrNotFound = errors.New("debtor not found")

// Debtor is the DB type for a single uploaded row
type Debtor struct {
	ID               int                `db:"id"`
	UploadID         int                `db:"upload_id"`
	ProfileID        *int               `db:"debtor_profile_id"`
	FirstName        *string            `db:"first_name"`
	LastName         *string            `db:"last_name"`
	Email            *string            `db:"email"`
	Iban             string             `db:"iban"`
	IbanHash         string             `db:"iban_hash"`
	IbanValid        bool               `db:"iban_valid"`
	Country          *string            `db:"country"`
	Amount           decimal.Decimal    `db:"amount"`
	Currency         string             `db:"currency"`
	RawRow           types.NullJSONText `db:"raw_row"`
	ValidationStatus ValidationStatus   `db:"validation_status"`
	ValidationErrors types.NullJSONText `db:"validation_errors"`
	ValidatedAt      *time.Time         `db:"validated_at"`
	Status           Status             `db:"status"`
	SelectedForBav   bool               `db:"selected_for_bav"`
	CreatedAt        time.Time          `db:"created_at"`
	UpdatedAt        time.Time          `db:"updated_at"`
}

// Name returns the debtor's full name, skipping missing parts.
func (d Debtor) Name() string {
	first, last := "", ""
	if d.FirstName != nil {
		first = *d.FirstName
	}
	if d.LastName != nil {
		last = *d.LastName
	}
	switch {
	case first == "":
		return last
	case last == "":
		return first
	}
	return first + " " + last
}

// Insert stores a single debtor row
func Insert(d db.Inserter, debtor Debtor) (Debtor, error) {
	if debtor.Status == "" {
		debtor.Status = StatusUploaded
	}
	if debtor.ValidationStatus == "" {
		debtor.ValidationStatus = ValidationPending
	}
	if debtor.Currency == "" {
		debtor.Currency = "EUR"
	}

	rows, err := d.NamedQuery(
		`INSERT INTO debtors (upload_id, debtor_profile_id, first_name, last_name,
			email, iban, iban_hash, iban_valid, country, amount, currency, raw_row,
			validation_status, validation_errors, status, selected_for_bav)
		VALUES (:upload_id, :debtor_profile_id, :first_name, :last_name, :email,
			:iban, :iban_hash, :iban_valid, :country, :amount, :currency, :raw_row,
			:validation_status, :validation_errors, :status, :selected_for_bav)
		RETURNING *`, debtor)
	if err != nil {
		return Debtor{}, errors.Wrap(err, "could not insert debtor")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return Debtor{}, errors.New("insert debtor returned no rows")
	}
	var inserted Debtor
	if err := rows.StructScan(&inserted); err != nil {
		return Debtor{}, errors.Wrap(err, "could not scan inserted debtor")
	}
	return inserted, nil
}

// GetByID fetches a debtor
func GetByID(d db.Getter, id int) (Debtor, error) {
	var debtor Debtor
	err := d.Get(&debtor, `SELECT * FROM debtors WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return Debtor{}, ErrNotFound
	}
	if err != nil {
		return Debtor{}, errors.Wrap(err, "could not get debtor")
	}
	return debtor, nil
}

// GetByIDs fetches a batch of debtors in one query
func GetByIDs(d *db.DB, ids []int) ([]Debtor, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM debtors WHERE id IN (?)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "could not build debtor batch query")
	}
	var found []Debtor
	if err := d.Select(&found, d.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "could not get debtors by IDs")
	}
	return found, nil
}

// GetByUploadID fetches all debtors of an upload, in insertion order
func GetByUploadID(d db.Getter, uploadID int) ([]Debtor, error) {
	var found []Debtor
	err := d.Select(&found,
		`SELECT * FROM debtors WHERE upload_id = $1 ORDER BY id ASC`, uploadID)
	return found, errors.Wrap(err, "could not get debtors by upload")
}

// IDsForValidation returns the ids of debtors of an upload still awaiting
// validation.
func IDsForValidation(d db.Getter, uploadID int) ([]int, error) {
	var ids []int
	err := d.Select(&ids,
		`SELECT id FROM debtors
		WHERE upload_id = $1 AND validation_status = $2
		ORDER BY id ASC`, uploadID, ValidationPending)
	return ids, errors.Wrap(err, "could not select debtors for validation")
}

// ValidIDs returns the ids of valid debtors of an upload.
func ValidIDs(d db.Getter, uploadID int) ([]int, error) {
	var ids []int
	err := d.Select(&ids,
		`SELECT id FROM debtors
		WHERE upload_id = $1 AND validation_status = $2
		ORDER BY id ASC`, uploadID, ValidationValid)
	return ids, errors.Wrap(err, "could not select valid debtors")
}

// SetValidationResult writes the validation outcome for a debtor. An empty
// error list marks the debtor valid and clears previous errors.
func SetValidationResult(d *db.DB, id int, validationErrors []string) error {
	status := ValidationValid
	var encoded interface{}
	if len(validationErrors) > 0 {
		status = ValidationInvalid
		raw, err := json.Marshal(validationErrors)
		if err != nil {
			return errors.Wrap(err, "could not encode validation errors")
		}
		encoded = types.JSONText(raw)
	}

	_, err := d.Exec(
		`UPDATE debtors
		SET validation_status = $1, validation_errors = $2,
		    validated_at = now(), updated_at = now()
		WHERE id = $3`, status, encoded, id)
	return errors.Wrap(err, "could not set validation result")
}

// SetStatus updates the debtor lifecycle status
func SetStatus(e sqlx.Execer, id int, status Status) error {
	_, err := e.Exec(
		`UPDATE debtors SET status = $1, updated_at = now() WHERE id = $2`,
		status, id)
	return errors.Wrap(err, "could not set debtor status")
}

// LockByID loads a debtor inside the transaction with a row lock. Billing
// serializes per-debtor transitions through this lock.
func LockByID(tx *sqlx.Tx, id int) (Debtor, error) {
	var debtor Debtor
	err := tx.Get(&debtor, `SELECT * FROM debtors WHERE id = $1 FOR UPDATE`, id)
	if err == sql.ErrNoRows {
		return Debtor{}, ErrNotFound
	}
	if err != nil {
		return Debtor{}, errors.Wrap(err, "could not lock debtor")
	}
	return debtor, nil
}

// LinkProfile points the debtor at its per-IBAN profile
func LinkProfile(e sqlx.Execer, debtorID, profileID int) error {
	_, err := e.Exec(
		`UPDATE debtors SET debtor_profile_id = $1, updated_at = now() WHERE id = $2`,
		profileID, debtorID)
	return errors.Wrap(err, "could not link debtor profile")
}

// MarkSelectedForBav flags the given debtors for BAV name matching
func MarkSelectedForBav(d *db.DB, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE debtors SET selected_for_bav = TRUE, updated_at = now()
		WHERE id IN (?)`, ids)
	if err != nil {
		return errors.Wrap(err, "could not build BAV selection query")
	}
	_, err = d.Exec(d.Rebind(query), args...)
	return errors.Wrap(err, "could not mark debtors selected for BAV")
}

// LatestIDByProfileID returns the newest debtor row linked to the given
// profile. Recurring billing charges against this row.
func LatestIDByProfileID(d db.Getter, profileID int) (int, error) {
	var id int
	err := d.Get(&id,
		`SELECT id FROM debtors WHERE debtor_profile_id = $1
		ORDER BY created_at DESC, id DESC LIMIT 1`, profileID)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, errors.Wrap(err, "could not get latest debtor for profile")
}

// RecoveredHashes returns which of the given iban hashes have a recovered
// debtor outside the given upload. One query per batch.
func RecoveredHashes(d *db.DB, hashes []string, excludeUploadID int) (map[string]struct{}, error) {
	result := make(map[string]struct{})
	if len(hashes) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(
		`SELECT DISTINCT iban_hash FROM debtors
		WHERE iban_hash IN (?) AND status = ? AND upload_id != ?`,
		hashes, StatusRecovered, excludeUploadID)
	if err != nil {
		return nil, errors.Wrap(err, "could not build recovered hash query")
	}
	var found []string
	if err := d.Select(&found, d.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "could not select recovered hashes")
	}
	for _, h := range found {
		result[h] = struct{}{}
	}
	return result, nil
}

// EligibleForBilling implements the billing selection predicate: valid,
// still uploaded, matching the target model (or unprofiled, or target
// "all"), not excluded by an in-flight attempt unless on a recurring
// profile, and never with a BAV name mismatch.
func EligibleForBilling(d db.Getter, uploadID int,
	targetModel profiles.BillingModel) ([]int, error) {

	all := targetModel == "all"
	var ids []int
	err := d.Select(&ids,
		`SELECT dbt.id FROM debtors dbt
		LEFT JOIN debtor_profiles prof ON prof.id = dbt.debtor_profile_id
		WHERE dbt.upload_id = $1
		  AND dbt.validation_status = $2
		  AND dbt.status = $3
		  AND ($4 OR prof.billing_model = $5 OR dbt.debtor_profile_id IS NULL)
		  AND (prof.billing_model IN ($6, $7) OR NOT EXISTS (
			SELECT 1 FROM billing_attempts ba
			WHERE ba.debtor_id = dbt.id AND ba.status IN ('pending', 'approved')))
		  AND NOT EXISTS (
			SELECT 1 FROM vop_logs vl
			WHERE vl.debtor_id = dbt.id AND vl.bav_name_match = 'no')
		ORDER BY dbt.id ASC`,
		uploadID, ValidationValid, StatusUploaded,
		all, targetModel, profiles.ModelFlywheel, profiles.ModelRecovery)
	return ids, errors.Wrap(err, "could not select debtors eligible for billing")
}
