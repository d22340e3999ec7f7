// Package billing submits direct debit charges for eligible debtors. The
// upload-level job fans out fixed size chunks over the billing queue; each
// chunk paces itself against the shared rate bucket and backs off when the
// gateway circuit breaker is open. Every debtor is billed inside its own
// transaction under a row lock, so a charge can never be submitted twice
// concurrently.
package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"

	"gitlab.com/arcapay/recoup/build"
	"gitlab.com/arcapay/recoup/config"
	"gitlab.com/arcapay/recoup/db"
	"gitlab.com/arcapay/recoup/gateway"
	"gitlab.com/arcapay/recoup/iban"
	"gitlab.com/arcapay/recoup/kv"
	"gitlab.com/arcapay/recoup/models/attempts"
	"gitlab.com/arcapay/recoup/models/debtors"
	"gitlab.com/arcapay/recoup/models/profiles"
	"gitlab.com/arcapay/recoup/models/uploads"
	"gitlab.com/arcapay/recoup/queue"
)

var log = build.AddSubLogger("BILL")

const (
	// chunkSize is how many debtors one queue job bills.
	chunkSize = 50
	// circuitKey is the open-flag key of the gateway circuit breaker.
	circuitKey = "emp_circuit_breaker"
	// rateName is the shared per-second token bucket for charge calls.
	rateName = "billing_rate"
	// releaseDelay is how long a chunk waits when the circuit is open.
	releaseDelay = 60 * time.Second
)

// Orchestrator wires the billing jobs to their dependencies.
type Orchestrator struct {
	DB      *db.DB
	KV      *kv.KV
	Broker  *queue.Broker
	Gateway gateway.Client
	Conf    config.Config
}

func (o *Orchestrator) circuit() *kv.Circuit {
	return o.KV.NewCircuit(circuitKey,
		o.Conf.Billing.CircuitThreshold, o.Conf.Billing.CircuitOpenFor)
}

// ProcessBilling starts the billing phase for an upload: selects the
// eligible debtors and fans them out in chunks. The phase completes when the
// last chunk finishes.
func (o *Orchestrator) ProcessBilling(uploadID int) error {
	upload, err := uploads.GetByID(o.DB, uploadID)
	if err != nil {
		return err
	}

	batchID := uuid.NewV4().String()
	err = uploads.StartPhase(o.DB, uploadID, uploads.PhaseBilling, batchID)
	if err == uploads.ErrPhaseRunning {
		log.WithField("uploadID", uploadID).Info("Billing already running, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	eligible, err := debtors.EligibleForBilling(o.DB, uploadID, upload.BillingModel)
	if err != nil {
		failErr := uploads.FailPhase(o.DB, uploadID, uploads.PhaseBilling)
		if failErr != nil {
			log.WithError(failErr).Error("Could not mark billing phase failed")
		}
		return err
	}
	if len(eligible) == 0 {
		log.WithField("uploadID", uploadID).Info("No debtors eligible for billing")
		return uploads.CompletePhase(o.DB, uploadID, uploads.PhaseBilling)
	}

	var batch *queue.Batch
	batch = o.Broker.NewBatch(func() {
		defer o.Broker.Forget(batch.ID)
		if batch.Cancelled() {
			if err := uploads.FailPhase(o.DB, uploadID, uploads.PhaseBilling); err != nil {
				log.WithError(err).Error("Could not fail billing phase")
			}
			return
		}
		if err := uploads.CompletePhase(o.DB, uploadID, uploads.PhaseBilling); err != nil {
			log.WithError(err).Error("Could not complete billing phase")
		}
	})

	for start := 0; start < len(eligible); start += chunkSize {
		end := start + chunkSize
		if end > len(eligible) {
			end = len(eligible)
		}
		job := &ChunkJob{
			Orch:      o,
			UploadID:  &uploadID,
			Model:     upload.BillingModel,
			DebtorIDs: eligible[start:end],
			Source:    attempts.SourceBatchUpload,
		}
		if err := o.Broker.EnqueueInBatch(queue.QueueBilling, job, batch); err != nil {
			batch.Cancel()
			batch.Seal()
			return err
		}
	}
	batch.Seal()

	log.WithField("uploadID", uploadID).WithField("eligible", len(eligible)).
		WithField("chunks", (len(eligible)+chunkSize-1)/chunkSize).
		Info("Dispatched billing chunks")
	return nil
}

// ChunkJob bills one chunk of debtors.
type ChunkJob struct {
	Orch      *Orchestrator
	UploadID  *int
	Model     profiles.BillingModel
	DebtorIDs []int
	Source    attempts.ContextSource
}

// IdentityKey returns "" so parallel chunks of the same upload can run.
func (j *ChunkJob) IdentityKey() string { return "" }

// ReleaseDelay makes the queue hold a released chunk while the circuit
// breaker is open.
func (j *ChunkJob) ReleaseDelay() (time.Duration, bool) {
	return releaseDelay, true
}

// OnFailure logs the chunk; individual debtors keep whatever state they
// reached.
func (j *ChunkJob) OnFailure(err error) {
	log.WithError(err).WithField("debtors", len(j.DebtorIDs)).
		Error("Billing chunk failed permanently")
}

// Run bills the chunk's debtors one at a time, honoring the rate limit and
// the circuit breaker.
func (j *ChunkJob) Run(ctx context.Context) error {
	circuit := j.Orch.circuit()
	open, err := circuit.Open(ctx)
	if err != nil {
		return err
	}
	if open {
		return queue.ErrRelease
	}

	for _, debtorID := range j.DebtorIDs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := j.Orch.KV.WaitToken(ctx, rateName, j.Orch.Conf.Billing.RatePerSecond); err != nil {
			return err
		}

		if err := j.Orch.billDebtor(ctx, debtorID, j.UploadID, j.Model, j.Source); err != nil {
			log.WithError(err).WithField("debtorID", debtorID).
				Warn("Could not bill debtor")
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

// billDebtor runs one charge inside its own transaction. The debtor row
// lock serializes concurrent billing of the same debtor; the profile lock
// serializes the cycle check across debtors sharing an IBAN.
func (o *Orchestrator) billDebtor(ctx context.Context, debtorID int,
	uploadID *int, uploadModel profiles.BillingModel,
	source attempts.ContextSource) error {

	tx, err := o.DB.Beginx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	debtor, err := debtors.LockByID(tx, debtorID)
	if err != nil {
		return err
	}
	if debtor.ValidationStatus != debtors.ValidationValid {
		return nil
	}
	if source == attempts.SourceBatchUpload && debtor.Status != debtors.StatusUploaded {
		// someone billed this row since selection
		return nil
	}

	// recurring dispatches already carry the profile's model; upload rows
	// resolve theirs from the amount ranges
	model := uploadModel
	if source == attempts.SourceBatchUpload {
		model = ResolveRowModel(o.Conf.Billing, uploadModel, debtor.Amount)
	}

	var profile profiles.Profile
	if model.IsRecurring() || debtor.ProfileID != nil {
		profile, err = profiles.GetOrCreate(tx, debtor.IbanHash,
			iban.Mask(debtor.Iban), model, debtor.Currency)
		if err != nil {
			return err
		}
		if !profile.IsActive {
			return nil
		}
		profile, err = profiles.Configure(tx, profile, model, debtor.Amount, debtor.Currency)
		if err != nil {
			return err
		}
		if profile.CycleLocked(time.Now().UTC()) {
			log.WithField("debtorID", debtorID).Debug("Profile cycle locked, skipping")
			return nil
		}
		if debtor.ProfileID == nil {
			if err := debtors.LinkProfile(tx, debtor.ID, profile.ID); err != nil {
				return err
			}
		}
	}

	amount := debtor.Amount
	if model.IsRecurring() && profile.BillingAmount.Valid {
		amount = profile.BillingAmount.Decimal
	}
	if !CanBill(o.Conf.Billing, model, amount) {
		log.WithField("debtorID", debtorID).WithField("model", model).
			Warn("Amount outside model range, skipping")
		return nil
	}

	attemptNumber, err := attempts.NextAttemptNumber(tx, debtor.ID)
	if err != nil {
		return err
	}

	first, last := "", ""
	if debtor.FirstName != nil {
		first = *debtor.FirstName
	}
	if debtor.LastName != nil {
		last = *debtor.LastName
	}

	result, chargeErr := o.Gateway.Charge(ctx, gateway.ChargeRequest{
		Amount:           amount,
		Currency:         debtor.Currency,
		Iban:             debtor.Iban,
		MandateReference: fmt.Sprintf("RECOUP-%d-%d", debtor.ID, attemptNumber),
		FirstName:        first,
		LastName:         last,
		IdempotencyKey:   idempotencyKey(debtor.ID, attemptNumber),
	})

	circuit := o.circuit()
	if chargeErr != nil {
		if !gateway.IsPermanent(chargeErr) {
			if _, err := circuit.RecordFailure(ctx); err != nil {
				log.WithError(err).Error("Could not record circuit failure")
			}
			return chargeErr
		}
		// permanent rejection: record the attempt and move on
		code, message := "gateway_error", chargeErr.Error()
		var gwErr *gateway.Error
		if errors.As(chargeErr, &gwErr) {
			code = gwErr.Code
		}
		if err := recordAttempt(tx, debtor, profile, uploadID, attemptNumber,
			amount, model, source, attempts.StatusError, nil, &code, &message); err != nil {
			return err
		}
		if err := debtors.SetStatus(tx, debtor.ID, debtors.StatusFailed); err != nil {
			return err
		}
		return tx.Commit()
	}
	if err := circuit.RecordSuccess(ctx); err != nil {
		log.WithError(err).Error("Could not reset circuit failures")
	}

	status := gateway.MapStatus(result.Status, attempts.StatusPending)
	var uniqueID *string
	if result.UniqueID != "" {
		uniqueID = &result.UniqueID
	}
	var errorCode, errorMessage *string
	if result.ErrorCode != "" {
		errorCode = &result.ErrorCode
	}
	if result.ErrorMessage != "" {
		errorMessage = &result.ErrorMessage
	}

	if err := recordAttempt(tx, debtor, profile, uploadID, attemptNumber,
		amount, model, source, status, uniqueID, errorCode, errorMessage); err != nil {
		return err
	}

	switch status {
	case attempts.StatusApproved:
		if err := debtors.SetStatus(tx, debtor.ID, debtors.StatusApproved); err != nil {
			return err
		}
		if profile.ID != 0 {
			var nextBill *time.Time
			if model.IsRecurring() {
				next := time.Now().UTC().Add(o.Conf.Billing.Cycle(model))
				nextBill = &next
			}
			if err := profiles.MarkBilled(tx, profile.ID, true, nextBill); err != nil {
				return err
			}
		}
	case attempts.StatusPending:
		if err := debtors.SetStatus(tx, debtor.ID, debtors.StatusPending); err != nil {
			return err
		}
		if profile.ID != 0 && model.IsRecurring() {
			// lock the cycle on submission so a slow gateway answer can't
			// let a second charge through
			next := time.Now().UTC().Add(o.Conf.Billing.Cycle(model))
			if err := profiles.MarkBilled(tx, profile.ID, false, &next); err != nil {
				return err
			}
		}
	default:
		if err := debtors.SetStatus(tx, debtor.ID, debtors.StatusFailed); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func recordAttempt(tx db.Inserter, debtor debtors.Debtor, profile profiles.Profile,
	uploadID *int, attemptNumber int, amount decimal.Decimal,
	model profiles.BillingModel, source attempts.ContextSource,
	status attempts.Status, uniqueID, errorCode, errorMessage *string) error {

	var profileID *int
	if profile.ID != 0 {
		id := profile.ID
		profileID = &id
	}
	_, err := attempts.Insert(tx, attempts.Attempt{
		DebtorID:      debtor.ID,
		UploadID:      uploadID,
		ProfileID:     profileID,
		AttemptNumber: attemptNumber,
		UniqueID:      uniqueID,
		Amount:        amount,
		Currency:      debtor.Currency,
		BillingModel:  model,
		Status:        status,
		ContextSource: source,
		ErrorCode:     errorCode,
		ErrorMessage:  errorMessage,
	})
	return err
}

// idempotencyKey derives a stable key for a (debtor, attempt) pair within an
// hour window, so a retried submission reuses the same key.
func idempotencyKey(debtorID, attemptNumber int) string {
	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%d", debtorID, attemptNumber, bucket)))
	return hex.EncodeToString(sum[:])
}
