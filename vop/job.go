package vop

import (
	"context"
	"fmt"
	"time"

	uuid "github.com/satori/go.uuid"

	"gitlab.com/arcapay/recoup/build"
	"gitlab.com/arcapay/recoup/config"
	"gitlab.com/arcapay/recoup/db"
	"gitlab.com/arcapay/recoup/iban"
	"gitlab.com/arcapay/recoup/kv"
	"gitlab.com/arcapay/recoup/models/debtors"
	"gitlab.com/arcapay/recoup/models/uploads"
	"gitlab.com/arcapay/recoup/models/voplogs"
)

var log = build.AddSubLogger("VOPS")

// BAV call pacing. Debtors whose score landed below the likely-verified
// bucket get the slower rate.
const (
	bavPaceFlagged = 1000 * time.Millisecond
	bavPace        = 500 * time.Millisecond
)

// UploadJob scores every valid debtor of an upload and runs BAV name
// matching for a sampled subset. Unique per upload.
type UploadJob struct {
	DB       *db.DB
	KV       *kv.KV
	Registry *Registry
	Bav      BavClient
	Conf     config.Config
	UploadID int
}

// IdentityKey makes the job unique per upload.
func (j *UploadJob) IdentityKey() string {
	return fmt.Sprintf("vop_upload_%d", j.UploadID)
}

// OnFailure marks the VOP phase failed.
func (j *UploadJob) OnFailure(err error) {
	log.WithError(err).WithField("uploadID", j.UploadID).
		Error("VOP job failed permanently")
	if failErr := uploads.FailPhase(j.DB, j.UploadID, uploads.PhaseVop); failErr != nil {
		log.WithError(failErr).Error("Could not mark VOP phase failed")
	}
}

// Run scores the upload and completes the phase.
func (j *UploadJob) Run(ctx context.Context) error {
	batchID := uuid.NewV4().String()
	err := uploads.StartPhase(j.DB, j.UploadID, uploads.PhaseVop, batchID)
	if err == uploads.ErrPhaseRunning {
		log.WithField("uploadID", j.UploadID).Info("VOP already running, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	ids, err := debtors.ValidIDs(j.DB, j.UploadID)
	if err != nil {
		return err
	}
	all, err := debtors.GetByIDs(j.DB, ids)
	if err != nil {
		return err
	}

	scored := make(map[int]voplogs.VopLog, len(all))
	for _, debtor := range all {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		vopLog, err := j.scoreDebtor(ctx, debtor)
		if err != nil {
			return err
		}
		scored[debtor.ID] = vopLog
	}

	if err := j.runBav(ctx, ids, scored); err != nil {
		return err
	}

	if err := uploads.CompletePhase(j.DB, j.UploadID, uploads.PhaseVop); err != nil {
		return err
	}
	log.WithField("uploadID", j.UploadID).WithField("scored", len(scored)).
		Info("VOP completed")
	return nil
}

func (j *UploadJob) scoreDebtor(ctx context.Context, debtor debtors.Debtor) (voplogs.VopLog, error) {
	bank, bankFound, err := j.Registry.Lookup(ctx, debtor.Iban)
	if err != nil {
		return voplogs.VopLog{}, err
	}

	score := Score(debtor, bank, bankFound, voplogs.MatchUnavailable)
	uploadID := debtor.UploadID

	vopLog := voplogs.VopLog{
		DebtorID:       debtor.ID,
		UploadID:       &uploadID,
		IbanMasked:     iban.Mask(debtor.Iban),
		IbanValid:      debtor.IbanValid,
		BankIdentified: bankFound,
		VopScore:       score,
		Result:         Bucket(score),
	}
	if bankFound {
		name := bank.BankName
		vopLog.BankName = &name
		vopLog.Bic = bank.Bic
		country := bank.Country
		vopLog.Country = &country
	}
	return voplogs.Insert(j.DB, vopLog)
}

// runBav verifies the sampled subset against the bank account verification
// provider, paced so the provider isn't flooded.
func (j *UploadJob) runBav(ctx context.Context, candidates []int,
	scored map[int]voplogs.VopLog) error {

	if !j.Conf.Bav.Enabled || j.Bav == nil {
		return nil
	}

	used, err := usedBavToday(ctx, j.KV, time.Now())
	if err != nil {
		return err
	}
	selected := SampleIDs(candidates, SampleSize(j.Conf.Bav, len(candidates), used))
	if len(selected) == 0 {
		return nil
	}
	if err := debtors.MarkSelectedForBav(j.DB, selected); err != nil {
		return err
	}

	for _, debtorID := range selected {
		vopLog, ok := scored[debtorID]
		if !ok {
			continue
		}

		pace := bavPace
		if vopLog.VopScore < 60 {
			pace = bavPaceFlagged
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pace):
		}

		debtor, err := debtors.GetByID(j.DB, debtorID)
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

		match, err := j.Bav.VerifyName(ctx, debtor.Iban, first, last)
		if err != nil {
			log.WithError(err).WithField("debtorID", debtorID).
				Warn("BAV call failed, leaving match unavailable")
			continue
		}
		if err := takeBavSlot(ctx, j.KV, time.Now()); err != nil {
			return err
		}

		// the initial score carried zero name-match points, so the
		// outcome is a pure addition
		score := vopLog.VopScore + MatchPoints(match)
		if err := voplogs.SetBavResult(j.DB, vopLog.ID,
			Verified(match), match, score, Bucket(score)); err != nil {
			return err
		}
	}
	return nil
}
