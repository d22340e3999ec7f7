// Package reconcile pulls the authoritative status for pending billing
// attempts from the gateway. Attempts older than the configured minimum age
// are polled in chunks, paced by the shared rate bucket, until they reach a
// terminal state or exhaust their reconciliation budget.
package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"

	"gitlab.com/arcapay/recoup/billing"
	"gitlab.com/arcapay/recoup/build"
	"gitlab.com/arcapay/recoup/db"
	"gitlab.com/arcapay/recoup/gateway"
	"gitlab.com/arcapay/recoup/kv"
	"gitlab.com/arcapay/recoup/models/attempts"
	"gitlab.com/arcapay/recoup/models/chargebacks"
	"gitlab.com/arcapay/recoup/queue"
)

var log = build.AddSubLogger("RCNL")

const (
	// chunkSize is how many attempts one queue job reconciles.
	chunkSize = 50
	// selectionLimit caps how many attempts one dispatcher run picks up.
	selectionLimit = 1000
	// circuitKey is the open-flag key of the reconciliation circuit breaker.
	circuitKey = "reconciliation_circuit_open"
	// rateName is the per-second token bucket for reconcile calls.
	rateName = "reconciliation_rate"
	// releaseDelay is how long a chunk waits when the circuit is open.
	releaseDelay = 60 * time.Second
)

// Reconciler wires the reconciliation jobs to their dependencies.
type Reconciler struct {
	DB      *db.DB
	KV      *kv.KV
	Broker  *queue.Broker
	Gateway gateway.Client
	Orch    *billing.Orchestrator
}

func (r *Reconciler) circuit() *kv.Circuit {
	conf := r.Orch.Conf.Reconciliation
	return r.KV.NewCircuit(circuitKey, conf.CircuitThreshold, conf.CircuitOpenFor)
}

// DispatchJob selects the attempts due for reconciliation and fans them out
// in chunks. Meant to run periodically.
type DispatchJob struct {
	Rec *Reconciler
}

// IdentityKey makes sure only one dispatcher runs at a time.
func (j *DispatchJob) IdentityKey() string { return "reconcile_dispatch" }

// OnFailure only logs; the next scheduled run selects again.
func (j *DispatchJob) OnFailure(err error) {
	log.WithError(err).Error("Reconciliation dispatch failed permanently")
}

// Run selects and enqueues the due attempts.
func (j *DispatchJob) Run(ctx context.Context) error {
	conf := j.Rec.Orch.Conf.Reconciliation
	due, err := attempts.PendingForReconciliation(j.Rec.DB,
		conf.MinAge, conf.MaxAttempts, selectionLimit)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	for start := 0; start < len(due); start += chunkSize {
		end := start + chunkSize
		if end > len(due) {
			end = len(due)
		}
		ids := make([]int, 0, end-start)
		for _, attempt := range due[start:end] {
			ids = append(ids, attempt.ID)
		}
		job := &ChunkJob{Rec: j.Rec, AttemptIDs: ids}
		if err := j.Rec.Broker.Enqueue(queue.QueueReconciliation, job); err != nil {
			return err
		}
	}

	log.WithField("due", len(due)).Info("Dispatched reconciliation chunks")
	return nil
}

// ChunkJob reconciles one chunk of attempts.
type ChunkJob struct {
	Rec        *Reconciler
	AttemptIDs []int
}

// IdentityKey returns "" so chunks run in parallel.
func (j *ChunkJob) IdentityKey() string { return "" }

// ReleaseDelay makes the queue hold a released chunk while the circuit
// breaker is open.
func (j *ChunkJob) ReleaseDelay() (time.Duration, bool) {
	return releaseDelay, true
}

// OnFailure logs the chunk; the attempts stay pending and the next
// dispatcher run picks them up again.
func (j *ChunkJob) OnFailure(err error) {
	log.WithError(err).WithField("attempts", len(j.AttemptIDs)).
		Error("Reconciliation chunk failed permanently")
}

// Run reconciles the chunk's attempts, honoring the rate limit and the
// circuit breaker.
func (j *ChunkJob) Run(ctx context.Context) error {
	circuit := j.Rec.circuit()
	open, err := circuit.Open(ctx)
	if err != nil {
		return err
	}
	if open {
		return queue.ErrRelease
	}

	rate := j.Rec.Orch.Conf.Reconciliation.RatePerSecond
	for _, attemptID := range j.AttemptIDs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := j.Rec.KV.WaitToken(ctx, rateName, rate); err != nil {
			return err
		}
		if err := j.Rec.reconcileOne(ctx, attemptID); err != nil {
			log.WithError(err).WithField("attemptID", attemptID).
				Warn("Could not reconcile attempt")
		}

		open, err := circuit.Open(ctx)
		if err != nil {
			return err
		}
		if open {
			return queue.ErrRelease
		}
	}
	return nil
}

// reconcileOne polls the gateway for one attempt and applies the answer.
func (r *Reconciler) reconcileOne(ctx context.Context, attemptID int) error {
	attempt, err := attempts.GetByID(r.DB, attemptID)
	if err != nil {
		return err
	}
	if attempt.UniqueID == nil || attempt.Status.Terminal() {
		return nil
	}

	if err := attempts.TouchReconciliation(r.DB, attempt.ID); err != nil {
		return err
	}

	circuit := r.circuit()
	result, err := r.Gateway.Reconcile(ctx, *attempt.UniqueID)
	if err != nil {
		if !gateway.IsPermanent(err) {
			if _, cbErr := circuit.RecordFailure(ctx); cbErr != nil {
				log.WithError(cbErr).Error("Could not record circuit failure")
			}
		}
		return err
	}
	if err := circuit.RecordSuccess(ctx); err != nil {
		log.WithError(err).Error("Could not reset circuit failures")
	}

	if result.Status == gateway.StatusChargebacked {
		return r.applyChargeback(ctx, *attempt.UniqueID, result)
	}

	var errorCode, errorMessage *string
	if result.ErrorCode != "" {
		errorCode = &result.ErrorCode
	}
	if result.ErrorMessage != "" {
		errorMessage = &result.ErrorMessage
	}
	return r.Orch.Settle(*attempt.UniqueID, result.Status, errorCode, errorMessage)
}

// applyChargeback enriches a chargebacked answer with the reason detail
// before running the shared chargeback fallout.
func (r *Reconciler) applyChargeback(ctx context.Context, uniqueID string,
	result gateway.Result) error {

	event := billing.ChargebackEvent{
		UniqueID: uniqueID,
		Source:   chargebacks.SourceAPISync,
	}
	if result.Amount.GreaterThan(decimal.Zero) {
		event.Amount = decimal.NewNullDecimal(result.Amount)
	}
	if result.Currency != "" {
		currency := result.Currency
		event.Currency = &currency
	}

	detail, err := r.Gateway.ChargebackDetail(ctx, uniqueID)
	if err != nil {
		log.WithError(err).WithField("uniqueID", uniqueID).
			Warn("Could not fetch chargeback detail, applying without reason")
	} else {
		if detail.ReasonCode != "" {
			event.ReasonCode = &detail.ReasonCode
		}
		if detail.ReasonDescription != "" {
			event.ReasonDescription = &detail.ReasonDescription
		}
		if detail.Arn != "" {
			event.Arn = &detail.Arn
		}
		if !detail.PostDate.IsZero() {
			postDate := detail.PostDate
			event.PostDate = &postDate
		}
		if encoded, err := json.Marshal(detail); err == nil {
			event.Raw = types.NullJSONText{JSONText: types.JSONText(encoded), Valid: true}
		}
	}
	return r.Orch.ApplyChargeback(event)
}
