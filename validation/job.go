package validation

import (
	"context"
	"fmt"
	"strings"

	uuid "github.com/satori/go.uuid"

	"gitlab.com/arcapay/recoup/build"
	"gitlab.com/arcapay/recoup/db"
	"gitlab.com/arcapay/recoup/kv"
	"gitlab.com/arcapay/recoup/models/blacklist"
	"gitlab.com/arcapay/recoup/models/debtors"
	"gitlab.com/arcapay/recoup/models/uploads"
)

var log = build.AddSubLogger("VLDT")

// UploadJob validates every pending debtor of an upload. Unique per
// upload: a second dispatch while one runs is rejected by the queue.
type UploadJob struct {
	DB       *db.DB
	KV       *kv.KV
	UploadID int
}

// IdentityKey makes the job unique per upload.
func (j *UploadJob) IdentityKey() string {
	return fmt.Sprintf("validate_upload_%d", j.UploadID)
}

// OnFailure marks the validation phase failed.
func (j *UploadJob) OnFailure(err error) {
	log.WithError(err).WithField("uploadID", j.UploadID).
		Error("Validation job failed permanently")
	if failErr := uploads.FailPhase(j.DB, j.UploadID, uploads.PhaseValidation); failErr != nil {
		log.WithError(failErr).Error("Could not mark validation phase failed")
	}
}

// Run validates the upload's debtors and completes the phase.
func (j *UploadJob) Run(ctx context.Context) error {
	batchID := uuid.NewV4().String()
	err := uploads.StartPhase(j.DB, j.UploadID, uploads.PhaseValidation, batchID)
	if err == uploads.ErrPhaseRunning {
		log.WithField("uploadID", j.UploadID).Info("Validation already running, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	all, err := debtors.GetByUploadID(j.DB, j.UploadID)
	if err != nil {
		return err
	}

	// batch the blacklist lookups once for the whole upload
	nameKeys := make([]string, 0, len(all))
	emails := make([]string, 0, len(all))
	for _, debtor := range all {
		first, last := nameParts(debtor)
		if first != "" || last != "" {
			nameKeys = append(nameKeys, blacklist.NameKey(first, last))
		}
		if debtor.Email != nil && *debtor.Email != "" {
			emails = append(emails, strings.ToLower(strings.TrimSpace(*debtor.Email)))
		}
	}
	blacklistedNames, err := blacklist.ContainsNames(j.DB, nameKeys)
	if err != nil {
		return err
	}
	blacklistedEmails, err := blacklist.ContainsEmails(j.DB, emails)
	if err != nil {
		return err
	}

	var failed int
	var rowErrors []string
	for _, debtor := range all {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if debtor.ValidationStatus != debtors.ValidationPending {
			continue
		}

		first, last := nameParts(debtor)
		_, nameHit := blacklistedNames[blacklist.NameKey(first, last)]
		emailHit := false
		if debtor.Email != nil {
			_, emailHit = blacklistedEmails[strings.ToLower(strings.TrimSpace(*debtor.Email))]
		}

		problems := CheckDebtor(debtor, nameHit, emailHit)
		if err := debtors.SetValidationResult(j.DB, debtor.ID, problems); err != nil {
			return err
		}
		if len(problems) > 0 {
			failed++
			rowErrors = append(rowErrors,
				fmt.Sprintf("row %d: %s", debtor.ID, strings.Join(problems, "; ")))
		}

		// drop the per-debtor validation lock so a re-run starts fresh
		if j.KV != nil {
			_ = j.KV.Delete(ctx, fmt.Sprintf("validation_%d_lock", debtor.ID))
		}
	}

	if err := uploads.AppendRowErrors(j.DB, j.UploadID, rowErrors); err != nil {
		return err
	}
	if err := uploads.CompletePhase(j.DB, j.UploadID, uploads.PhaseValidation); err != nil {
		return err
	}

	log.WithField("uploadID", j.UploadID).WithField("invalid", failed).
		WithField("total", len(all)).Info("Validation completed")
	return nil
}

func nameParts(debtor debtors.Debtor) (string, string) {
	first, last := "", ""
	if debtor.FirstName != nil {
		first = strings.TrimSpace(*debtor.FirstName)
	}
	if debtor.LastName != nil {
		last = strings.TrimSpace(*debtor.LastName)
	}
	return first, last
}
