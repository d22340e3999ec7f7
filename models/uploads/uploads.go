// Package uploads is the store for spreadsheet uploads and their per-phase
// lifecycle. An upload owns its debtors and moves through the validation,
// VOP, billing and reconciliation phases, each of which runs at most once at
// a time.
package uploads

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"

	"gitlab.com/arcapay/recoup/build"
	"gitlab.com/arcapay/recoup/db"
	"gitlab.com/arcapay/recoup/models/profiles"
)

var log = build.AddSubLogger("UPLD")

// Status is the overall status of an upload
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Phase is one of the processing phases an upload goes through
type Phase string

const (
	PhaseValidation     Phase = "validation"
	PhaseVop            Phase = "vop"
	PhaseBilling        Phase = "billing"
	PhaseReconciliation Phase = "reconciliation"
)

// PhaseStatus is the status of a single phase
type PhaseStatus string

const (
	PhaseIdle      PhaseStatus = "idle"
	PhaseStarted   PhaseStatus = "started"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
)

var (
	// ErrNotFound means no upload exists with the given ID
	ErrNotFound = errors.New("upload not found")
	// ErrPhaseRunning means the phase is already started for this upload
	ErrPhaseRunning = errors.New("phase is already running for this upload")
)

// phaseColumns maps phases to their status column. Only values from this
// map are ever interpolated into queries.
var phaseColumns = map[Phase]string{
	PhaseValidation:     "validation_status",
	PhaseVop:            "vop_status",
	PhaseBilling:        "billing_status",
	PhaseReconciliation: "reconciliation_status",
}

// Upload is the DB type for an uploaded spreadsheet
type Upload struct {
	ID                   int                   `db:"id"`
	OriginalFilename     string                `db:"original_filename"`
	StoredPath           string                `db:"stored_path"`
	FileSize             int64                 `db:"file_size"`
	UploaderID           *int                  `db:"uploader_id"`
	TotalRows            int                   `db:"total_rows"`
	ProcessedRecords     int                   `db:"processed_records"`
	FailedRecords        int                   `db:"failed_records"`
	Status               Status                `db:"status"`
	BillingModel         profiles.BillingModel `db:"billing_model"`
	ValidationStatus     PhaseStatus           `db:"validation_status"`
	VopStatus            PhaseStatus           `db:"vop_status"`
	BillingStatus        PhaseStatus           `db:"billing_status"`
	ReconciliationStatus PhaseStatus           `db:"reconciliation_status"`
	ColumnMapping        types.NullJSONText    `db:"column_mapping"`
	Meta                 types.JSONText        `db:"meta"`
	CreatedAt            time.Time             `db:"created_at"`
	UpdatedAt            time.Time             `db:"updated_at"`
}

// PhaseStatus returns the status of the given phase.
func (u Upload) Phase(phase Phase) PhaseStatus {
	switch phase {
	case PhaseValidation:
		return u.ValidationStatus
	case PhaseVop:
		return u.VopStatus
	case PhaseBilling:
		return u.BillingStatus
	case PhaseReconciliation:
		return u.ReconciliationStatus
	}
	return PhaseIdle
}

// Insert stores a new upload
func Insert(d db.Inserter, upload Upload) (Upload, error) {
	if upload.Status == "" {
		upload.Status = StatusPending
	}
	if upload.BillingModel == "" {
		upload.BillingModel = profiles.ModelLegacy
	}
	if len(upload.Meta) == 0 {
		upload.Meta = types.JSONText("{}")
	}
	upload.ValidationStatus = PhaseIdle
	upload.VopStatus = PhaseIdle
	upload.BillingStatus = PhaseIdle
	upload.ReconciliationStatus = PhaseIdle

	rows, err := d.NamedQuery(
		`INSERT INTO uploads (original_filename, stored_path, file_size,
			uploader_id, total_rows, status, billing_model, validation_status,
			vop_status, billing_status, reconciliation_status, column_mapping, meta)
		VALUES (:original_filename, :stored_path, :file_size, :uploader_id,
			:total_rows, :status, :billing_model, :validation_status, :vop_status,
			:billing_status, :reconciliation_status, :column_mapping, :meta)
		RETURNING *`, upload)
	if err != nil {
		return Upload{}, errors.Wrap(err, "could not insert upload")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return Upload{}, errors.New("insert upload returned no rows")
	}
	var inserted Upload
	if err := rows.StructScan(&inserted); err != nil {
		return Upload{}, errors.Wrap(err, "could not scan inserted upload")
	}
	return inserted, nil
}

// GetByID fetches an upload
func GetByID(d db.Getter, id int) (Upload, error) {
	var upload Upload
	err := d.Get(&upload, `SELECT * FROM uploads WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return Upload{}, ErrNotFound
	}
	if err != nil {
		return Upload{}, errors.Wrap(err, "could not get upload")
	}
	return upload, nil
}

// SetStatus updates the overall upload status
func SetStatus(d *db.DB, id int, status Status) error {
	_, err := d.Exec(
		`UPDATE uploads SET status = $1, updated_at = now() WHERE id = $2`,
		status, id)
	return errors.Wrap(err, "could not set upload status")
}

// SetTotalRows records the parsed row count and column mapping
func SetTotalRows(d *db.DB, id, totalRows int, mapping map[string]string) error {
	encoded, err := json.Marshal(mapping)
	if err != nil {
		return errors.Wrap(err, "could not encode column mapping")
	}
	_, err = d.Exec(
		`UPDATE uploads SET total_rows = $1, column_mapping = $2, updated_at = now()
		WHERE id = $3`, totalRows, types.JSONText(encoded), id)
	return errors.Wrap(err, "could not set upload total rows")
}

// StartPhase transitions the given phase to started. Returns
// ErrPhaseRunning when the phase has already been started, so each phase
// runs at most once per upload at a time.
func StartPhase(d *db.DB, id int, phase Phase, batchID string) error {
	column, ok := phaseColumns[phase]
	if !ok {
		return errors.Errorf("unknown phase %q", phase)
	}

	result, err := d.Exec(
		`UPDATE uploads
		SET `+column+` = $1, status = $2,
		    meta = jsonb_set(meta, $3, to_jsonb($4::text), true),
		    updated_at = now()
		WHERE id = $5 AND `+column+` != $1`,
		PhaseStarted, StatusProcessing,
		"{batches,"+string(phase)+"}", batchID, id)
	if err != nil {
		return errors.Wrapf(err, "could not start phase %s", phase)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "could not read affected rows")
	}
	if affected == 0 {
		return ErrPhaseRunning
	}

	log.WithField("uploadID", id).WithField("phase", phase).Info("Started phase")
	return nil
}

// CompletePhase transitions the given phase to completed.
func CompletePhase(d *db.DB, id int, phase Phase) error {
	return setPhase(d, id, phase, PhaseCompleted)
}

// FailPhase transitions the given phase to failed and marks the upload
// failed.
func FailPhase(d *db.DB, id int, phase Phase) error {
	if err := setPhase(d, id, phase, PhaseFailed); err != nil {
		return err
	}
	return SetStatus(d, id, StatusFailed)
}

// ResetPhase puts a phase back to idle so an operator can re-run it.
func ResetPhase(d *db.DB, id int, phase Phase) error {
	return setPhase(d, id, phase, PhaseIdle)
}

func setPhase(d *db.DB, id int, phase Phase, status PhaseStatus) error {
	column, ok := phaseColumns[phase]
	if !ok {
		return errors.Errorf("unknown phase %q", phase)
	}
	_, err := d.Exec(
		`UPDATE uploads SET `+column+` = $1, updated_at = now() WHERE id = $2`,
		status, id)
	return errors.Wrapf(err, "could not set phase %s to %s", phase, status)
}

// AddCounts atomically bumps the processed and failed row counters.
func AddCounts(d *db.DB, id, processed, failed int) error {
	_, err := d.Exec(
		`UPDATE uploads
		SET processed_records = processed_records + $1,
		    failed_records = failed_records + $2,
		    updated_at = now()
		WHERE id = $3`, processed, failed, id)
	return errors.Wrap(err, "could not bump upload counters")
}

// BumpSkipCount atomically increments the per-reason skip histogram inside
// meta. The merge happens server side so concurrent chunks don't race.
func BumpSkipCount(d *db.DB, id int, reason string, n int) error {
	_, err := d.Exec(
		`UPDATE uploads
		SET meta = jsonb_set(meta, $1,
			(COALESCE(meta #>> $1, '0')::int + $2)::text::jsonb, true),
		    updated_at = now()
		WHERE id = $3`,
		"{skipped,"+reason+"}", n, id)
	return errors.Wrapf(err, "could not bump skip count %s", reason)
}

// rowErrorLimit caps how many row errors are retained for diagnostics.
const rowErrorLimit = 100

// AppendRowErrors appends row errors to meta.errors, keeping at most the
// first hundred.
func AppendRowErrors(d *db.DB, id int, rowErrors []string) error {
	if len(rowErrors) == 0 {
		return nil
	}
	encoded, err := json.Marshal(rowErrors)
	if err != nil {
		return errors.Wrap(err, "could not encode row errors")
	}
	_, err = d.Exec(
		`UPDATE uploads
		SET meta = jsonb_set(meta, '{errors}',
			(SELECT to_jsonb(x) FROM (
				SELECT array_agg(elem) AS x FROM (
					SELECT elem FROM jsonb_array_elements(
						COALESCE(meta -> 'errors', '[]'::jsonb) || $1::jsonb
					) AS elem LIMIT $2
				) limited
			) agg), true),
		    updated_at = now()
		WHERE id = $3`,
		string(encoded), rowErrorLimit, id)
	return errors.Wrap(err, "could not append row errors")
}

// MergeMeta sets a single top level meta key, server side.
func MergeMeta(d *db.DB, id int, key string, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "could not encode meta value")
	}
	_, err = d.Exec(
		`UPDATE uploads SET meta = jsonb_set(meta, $1, $2::jsonb, true),
			updated_at = now()
		WHERE id = $3`,
		"{"+key+"}", string(encoded), id)
	return errors.Wrapf(err, "could not merge meta key %s", key)
}
