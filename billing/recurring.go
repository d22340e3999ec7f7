package billing

import (
	"context"
	"time"

	"gitlab.com/arcapay/recoup/models/attempts"
	"gitlab.com/arcapay/recoup/models/debtors"
	"gitlab.com/arcapay/recoup/models/profiles"
	"gitlab.com/arcapay/recoup/queue"
)

// dispatchLimit caps how many due profiles one dispatcher run picks up.
const dispatchLimit = 500

// RecurringJob finds active recurring profiles whose billing cycle has
// expired and puts their newest debtor row back on the billing queue. Meant
// to run periodically.
type RecurringJob struct {
	Orch *Orchestrator
}

// IdentityKey makes sure only one dispatcher runs at a time.
func (j *RecurringJob) IdentityKey() string { return "recurring_billing_dispatch" }

// OnFailure only logs; the next scheduled run picks the profiles up again.
func (j *RecurringJob) OnFailure(err error) {
	log.WithError(err).Error("Recurring billing dispatch failed permanently")
}

// Run selects the due profiles and enqueues one single-debtor chunk each.
func (j *RecurringJob) Run(ctx context.Context) error {
	due, err := profiles.DueForRecurring(j.Orch.DB, time.Now().UTC(), dispatchLimit)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	var dispatched int
	for _, profileID := range due {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		debtorID, err := debtors.LatestIDByProfileID(j.Orch.DB, profileID)
		if err == debtors.ErrNotFound {
			log.WithField("profileID", profileID).
				Warn("Due profile has no debtor row, skipping")
			continue
		}
		if err != nil {
			return err
		}

		profile, err := profiles.GetByID(j.Orch.DB, profileID)
		if err != nil {
			return err
		}

		job := &ChunkJob{
			Orch:      j.Orch,
			Model:     profile.BillingModel,
			DebtorIDs: []int{debtorID},
			Source:    attempts.SourceRecurringBilling,
		}
		if err := j.Orch.Broker.Enqueue(queue.QueueBilling, job); err != nil {
			return err
		}
		dispatched++
	}

	log.WithField("dispatched", dispatched).Info("Dispatched recurring billing")
	return nil
}
