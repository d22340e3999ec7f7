// Package profiles holds the per-IBAN debtor profile: the long lived record
// that carries the billing model, the billing cycle anchor and the lifetime
// revenue for an account, across uploads.
package profiles

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gitlab.com/arcapay/recoup/build"
	"gitlab.com/arcapay/recoup/db"
)

var log = build.AddSubLogger("PROF")

// BillingModel decides which amount range and billing cycle apply to an
// account.
type BillingModel string

const (
	// ModelLegacy bills the row amount once, with no cycle.
	ModelLegacy BillingModel = "legacy"
	// ModelFlywheel is the low-amount recurring model.
	ModelFlywheel BillingModel = "flywheel"
	// ModelRecovery is the high-amount recurring model.
	ModelRecovery BillingModel = "recovery"
)

// IsRecurring reports whether the model re-bills on a cycle.
func (m BillingModel) IsRecurring() bool {
	return m == ModelFlywheel || m == ModelRecovery
}

// Valid reports whether the model is one of the three known models.
func (m BillingModel) Valid() bool {
	return m == ModelLegacy || m == ModelFlywheel || m == ModelRecovery
}

var (
	// ErrNotFound means no profile exists for the given key
	ErrNotFound = errors.New("debtor profile not found")
	// ErrModelConflict means the profile is locked to a different recurring
	// model and may not switch without deactivation
	ErrModelConflict = errors.New("profile is locked to a conflicting billing model")
)

// Profile is the DB type for a debtor profile. One row per iban_hash.
type Profile struct {
	ID              int                 `db:"id"`
	IbanHash        string              `db:"iban_hash"`
	IbanMasked      string              `db:"iban_masked"`
	BillingModel    BillingModel        `db:"billing_model"`
	BillingAmount   decimal.NullDecimal `db:"billing_amount"`
	Currency        string              `db:"currency"`
	IsActive        bool                `db:"is_active"`
	LastSuccessAt   *time.Time          `db:"last_success_at"`
	LastBilledAt    *time.Time          `db:"last_billed_at"`
	NextBillAt      *time.Time          `db:"next_bill_at"`
	LifetimeRevenue decimal.Decimal     `db:"lifetime_revenue"`
	CreatedAt       time.Time           `db:"created_at"`
	UpdatedAt       time.Time           `db:"updated_at"`
}

// CycleLocked reports whether billing for this profile is locked until a
// future point in time.
func (p Profile) CycleLocked(now time.Time) bool {
	return p.NextBillAt != nil && now.Before(*p.NextBillAt)
}

// GetByHash fetches the profile for the given iban hash.
func GetByHash(d db.Getter, ibanHash string) (Profile, error) {
	var profile Profile
	err := d.Get(&profile, `SELECT * FROM debtor_profiles WHERE iban_hash = $1`, ibanHash)
	if err == sql.ErrNoRows {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, errors.Wrap(err, "could not get profile by hash")
	}
	return profile, nil
}

// GetByHashes fetches profiles for a batch of iban hashes in one query.
// Hashes without a profile are simply absent from the result.
func GetByHashes(d *db.DB, hashes []string) (map[string]Profile, error) {
	result := make(map[string]Profile)
	if len(hashes) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(
		`SELECT * FROM debtor_profiles WHERE iban_hash IN (?)`, hashes)
	if err != nil {
		return nil, errors.Wrap(err, "could not build profile batch query")
	}

	var found []Profile
	if err := d.Select(&found, d.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "could not get profiles by hashes")
	}
	for _, p := range found {
		result[p.IbanHash] = p
	}
	return result, nil
}

// GetByID fetches a profile by primary key.
func GetByID(d db.Getter, id int) (Profile, error) {
	var profile Profile
	err := d.Get(&profile, `SELECT * FROM debtor_profiles WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, errors.Wrap(err, "could not get profile by ID")
	}
	return profile, nil
}

// LockByHash loads the profile for the given hash inside the transaction,
// taking a row lock. Billing re-checks the cycle lock under this lock.
func LockByHash(tx *sqlx.Tx, ibanHash string) (Profile, error) {
	var profile Profile
	err := tx.Get(&profile,
		`SELECT * FROM debtor_profiles WHERE iban_hash = $1 FOR UPDATE`, ibanHash)
	if err == sql.ErrNoRows {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, errors.Wrap(err, "could not lock profile")
	}
	return profile, nil
}

// GetOrCreate loads the profile for the given hash with a row lock, creating
// it with the given model when it doesn't exist yet.
func GetOrCreate(tx *sqlx.Tx, ibanHash, ibanMasked string,
	model BillingModel, currency string) (Profile, error) {

	profile, err := LockByHash(tx, ibanHash)
	if err == nil {
		return profile, nil
	}
	if err != ErrNotFound {
		return Profile{}, err
	}

	rows, err := tx.NamedQuery(
		`INSERT INTO debtor_profiles (iban_hash, iban_masked, billing_model, currency)
		VALUES (:iban_hash, :iban_masked, :billing_model, :currency)
		ON CONFLICT (iban_hash) DO UPDATE SET updated_at = now()
		RETURNING *`,
		Profile{
			IbanHash:     ibanHash,
			IbanMasked:   ibanMasked,
			BillingModel: model,
			Currency:     currency,
		})
	if err != nil {
		return Profile{}, errors.Wrap(err, "could not create profile")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return Profile{}, errors.New("insert profile returned no rows")
	}
	var inserted Profile
	if err := rows.StructScan(&inserted); err != nil {
		return Profile{}, errors.Wrap(err, "could not scan inserted profile")
	}

	log.WithField("ibanMasked", ibanMasked).Debug("Created debtor profile")
	return inserted, nil
}

// Configure sets the billing model, billing amount and currency on first
// recurring use. The model of an active recurring profile may not switch to
// the other recurring model.
func Configure(tx *sqlx.Tx, profile Profile, model BillingModel,
	amount decimal.Decimal, currency string) (Profile, error) {

	if profile.BillingModel.IsRecurring() && model.IsRecurring() &&
		profile.BillingModel != model {
		return Profile{}, ErrModelConflict
	}

	if !profile.BillingAmount.Valid {
		profile.BillingAmount = decimal.NewNullDecimal(amount)
	}
	profile.BillingModel = model
	profile.Currency = currency

	_, err := tx.Exec(
		`UPDATE debtor_profiles
		SET billing_model = $1, billing_amount = $2, currency = $3, updated_at = now()
		WHERE id = $4`,
		profile.BillingModel, profile.BillingAmount, profile.Currency, profile.ID)
	if err != nil {
		return Profile{}, errors.Wrap(err, "could not configure profile")
	}
	return profile, nil
}

// MarkBilled records a billing outcome on the profile. Approved attempts
// bump last_success_at; recurring models also set the cycle lock.
func MarkBilled(tx *sqlx.Tx, id int, approved bool, nextBillAt *time.Time) error {
	now := time.Now().UTC()

	var lastSuccess interface{}
	if approved {
		lastSuccess = now
	}
	_, err := tx.Exec(
		`UPDATE debtor_profiles
		SET last_billed_at = $1,
		    last_success_at = COALESCE($2, last_success_at),
		    next_bill_at = COALESCE($3, next_bill_at),
		    updated_at = now()
		WHERE id = $4`,
		now, lastSuccess, nextBillAt, id)
	return errors.Wrap(err, "could not mark profile billed")
}

// AddRevenue adds the given amount to the profile's lifetime revenue.
func AddRevenue(e sqlx.Execer, id int, amount decimal.Decimal) error {
	_, err := e.Exec(
		`UPDATE debtor_profiles
		SET lifetime_revenue = lifetime_revenue + $1, updated_at = now()
		WHERE id = $2`, amount, id)
	return errors.Wrap(err, "could not add profile revenue")
}

// DeductRevenue subtracts the given amount from lifetime revenue, clamped
// at zero.
func DeductRevenue(e sqlx.Execer, id int, amount decimal.Decimal) error {
	_, err := e.Exec(
		`UPDATE debtor_profiles
		SET lifetime_revenue = GREATEST(lifetime_revenue - $1, 0), updated_at = now()
		WHERE id = $2`, amount, id)
	return errors.Wrap(err, "could not deduct profile revenue")
}

// Deactivate switches the profile off and clears the cycle lock. Used when a
// chargeback arrives.
func Deactivate(e sqlx.Execer, id int) error {
	_, err := e.Exec(
		`UPDATE debtor_profiles
		SET is_active = FALSE, next_bill_at = NULL, updated_at = now()
		WHERE id = $1`, id)
	return errors.Wrap(err, "could not deactivate profile")
}

// RecordSuccess updates the profile after an approved attempt discovered
// through a webhook or reconciliation: adds revenue and, for recurring
// models, advances the billing anchors.
func RecordSuccess(tx *sqlx.Tx, id int, amount decimal.Decimal,
	nextBillAt *time.Time) error {

	profile, err := lockByID(tx, id)
	if err != nil {
		return err
	}

	if err := AddRevenue(tx, id, amount); err != nil {
		return err
	}
	if profile.BillingModel.IsRecurring() {
		if err := MarkBilled(tx, id, true, nextBillAt); err != nil {
			return err
		}
	}
	return nil
}

// DueForRecurring returns the ids of active recurring profiles whose cycle
// lock has expired, oldest first.
func DueForRecurring(d db.Getter, now time.Time, limit int) ([]int, error) {
	var ids []int
	err := d.Select(&ids,
		`SELECT id FROM debtor_profiles
		WHERE is_active = TRUE
		  AND billing_model IN ($1, $2)
		  AND next_bill_at IS NOT NULL
		  AND next_bill_at <= $3
		ORDER BY next_bill_at ASC
		LIMIT $4`,
		ModelFlywheel, ModelRecovery, now, limit)
	return ids, errors.Wrap(err, "could not select profiles due for recurring billing")
}

func lockByID(tx *sqlx.Tx, id int) (Profile, error) {
	var profile Profile
	err := tx.Get(&profile,
		`SELECT * FROM debtor_profiles WHERE id = $1 FOR UPDATE`, id)
	if err == sql.ErrNoRows {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, errors.Wrap(err, "could not lock profile by ID")
	}
	return profile, nil
}
