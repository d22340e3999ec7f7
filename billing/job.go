package billing

import (
	"context"
	"fmt"

	"gitlab.com/arcapay/recoup/models/uploads"
)

// UploadJob kicks off the billing phase for one upload. Unique per upload.
type UploadJob struct {
	Orch     *Orchestrator
	UploadID int
}

// IdentityKey makes the job unique per upload.
func (j *UploadJob) IdentityKey() string {
	return fmt.Sprintf("bill_upload_%d", j.UploadID)
}

// OnFailure marks the billing phase failed.
func (j *UploadJob) OnFailure(err error) {
	log.WithError(err).WithField("uploadID", j.UploadID).
		Error("Billing job failed permanently")
	if failErr := uploads.FailPhase(j.Orch.DB, j.UploadID, uploads.PhaseBilling); failErr != nil {
		log.WithError(failErr).Error("Could not mark billing phase failed")
	}
}

// Run dispatches the billing chunks.
func (j *UploadJob) Run(ctx context.Context) error {
	return j.Orch.ProcessBilling(j.UploadID)
}
