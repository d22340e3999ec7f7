package reconcile

import (
	"context"
	"fmt"
	"time"

	"gitlab.com/arcapay/recoup/gateway"
	"gitlab.com/arcapay/recoup/models/attempts"
)

// RefreshProgress is the progress document a bulk refresh publishes to the
// KV store under "emp_refresh_{job_id}".
type RefreshProgress struct {
	Page       int    `json:"page"`
	PagesCount int    `json:"pages_count"`
	Seen       int    `json:"seen"`
	Applied    int    `json:"applied"`
	Done       bool   `json:"done"`
	Error      string `json:"error,omitempty"`
}

// RefreshJob walks the gateway's transaction listing for a date window and
// applies every status it finds. Used to catch up after webhook outages.
// Unique per job id.
type RefreshJob struct {
	Rec   *Reconciler
	JobID string
	From  time.Time
	To    time.Time
}

func (j *RefreshJob) progressKey() string {
	return fmt.Sprintf("emp_refresh_%s", j.JobID)
}

// IdentityKey makes the job unique per job id.
func (j *RefreshJob) IdentityKey() string {
	return fmt.Sprintf("emp_refresh_job_%s", j.JobID)
}

// OnFailure publishes the failure through the progress document.
func (j *RefreshJob) OnFailure(err error) {
	log.WithError(err).WithField("jobID", j.JobID).
		Error("Bulk refresh failed permanently")
	progress := RefreshProgress{Done: true, Error: err.Error()}
	if setErr := j.Rec.KV.SetProgress(context.Background(),
		j.progressKey(), progress); setErr != nil {
		log.WithError(setErr).Error("Could not publish refresh failure")
	}
}

// Run pages through the listing and applies the statuses.
func (j *RefreshJob) Run(ctx context.Context) error {
	progress := RefreshProgress{}
	rate := j.Rec.Orch.Conf.Reconciliation.RatePerSecond

	for page := 1; ; page++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := j.Rec.KV.WaitToken(ctx, rateName, rate); err != nil {
			return err
		}
		result, err := j.Rec.Gateway.Page(ctx, j.From, j.To, page)
		if err != nil {
			return err
		}

		progress.Page = page
		progress.PagesCount = result.PagesCount
		for _, transaction := range result.Transactions {
			progress.Seen++
			applied, err := j.applyTransaction(ctx, transaction)
			if err != nil {
				log.WithError(err).WithField("uniqueID", transaction.UniqueID).
					Warn("Could not apply refreshed transaction")
				continue
			}
			if applied {
				progress.Applied++
			}
		}
		if err := j.Rec.KV.SetProgress(ctx, j.progressKey(), progress); err != nil {
			log.WithError(err).Error("Could not publish refresh progress")
		}

		if !result.HasMore {
			break
		}
	}

	progress.Done = true
	if err := j.Rec.KV.SetProgress(ctx, j.progressKey(), progress); err != nil {
		log.WithError(err).Error("Could not publish refresh progress")
	}
	log.WithField("jobID", j.JobID).WithField("seen", progress.Seen).
		WithField("applied", progress.Applied).Info("Bulk refresh completed")
	return nil
}

// applyTransaction applies one listed transaction, skipping ones we never
// submitted.
func (j *RefreshJob) applyTransaction(ctx context.Context,
	transaction gateway.Transaction) (bool, error) {

	attempt, err := attempts.GetByUniqueID(j.Rec.DB, transaction.UniqueID)
	if err == attempts.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if attempt.Status.Terminal() {
		return false, nil
	}

	if transaction.Status == gateway.StatusChargebacked {
		return true, j.Rec.applyChargeback(ctx, transaction.UniqueID, gateway.Result{
			UniqueID: transaction.UniqueID,
			Status:   transaction.Status,
			Amount:   transaction.Amount,
			Currency: transaction.Currency,
		})
	}
	return true, j.Rec.Orch.Settle(transaction.UniqueID, transaction.Status, nil, nil)
}
