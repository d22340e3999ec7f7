package billing

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"

	"gitlab.com/arcapay/recoup/gateway"
	"gitlab.com/arcapay/recoup/models/attempts"
	"gitlab.com/arcapay/recoup/models/blacklist"
	"gitlab.com/arcapay/recoup/models/chargebacks"
	"gitlab.com/arcapay/recoup/models/debtors"
	"gitlab.com/arcapay/recoup/models/profiles"
)

// Settle applies a gateway-reported status to the attempt carrying the
// given unique id. Both the webhook handler and the reconciler funnel
// through here, so the state machine has a single implementation. Terminal
// attempts are left untouched. A chargebacked status runs the full
// chargeback fallout rather than a plain status flip.
func (o *Orchestrator) Settle(uniqueID string, gatewayStatus gateway.Status,
	errorCode, errorMessage *string) error {

	if gatewayStatus == gateway.StatusChargebacked {
		return o.ApplyChargeback(ChargebackEvent{
			UniqueID:   uniqueID,
			ReasonCode: errorCode,
		})
	}

	tx, err := o.DB.Beginx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	attempt, err := attempts.LockByUniqueID(tx, uniqueID)
	if err == attempts.ErrNotFound {
		log.WithField("uniqueID", uniqueID).
			Warn("Status update for unknown transaction, ignoring")
		return nil
	}
	if err != nil {
		return err
	}

	newStatus := gateway.MapStatus(gatewayStatus, attempt.Status)
	if attempt.Status.Terminal() || newStatus == attempt.Status {
		return tx.Commit()
	}

	if err := attempts.SetStatus(tx, attempt.ID, newStatus, errorCode, errorMessage); err != nil {
		return err
	}

	switch newStatus {
	case attempts.StatusApproved:
		if err := debtors.SetStatus(tx, attempt.DebtorID, debtors.StatusRecovered); err != nil {
			return err
		}
		if attempt.ProfileID != nil {
			var nextBill *time.Time
			if attempt.BillingModel.IsRecurring() {
				next := time.Now().UTC().Add(o.Conf.Billing.Cycle(attempt.BillingModel))
				nextBill = &next
			}
			if err := profiles.RecordSuccess(tx, *attempt.ProfileID,
				attempt.Amount, nextBill); err != nil {
				return err
			}
		}
	case attempts.StatusDeclined, attempts.StatusError, attempts.StatusVoided:
		if err := debtors.SetStatus(tx, attempt.DebtorID, debtors.StatusFailed); err != nil {
			return err
		}
		if newStatus == attempts.StatusDeclined {
			if err := o.blacklistRepeatedDecliner(tx, attempt.DebtorID); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.WithField("uniqueID", uniqueID).WithField("status", newStatus).
		Info("Settled billing attempt")
	return nil
}

// blacklistRepeatedDecliner adds a blacklist entry once a debtor crosses
// the configured decline count. Runs inside the settle transaction, after
// the decline has been recorded.
func (o *Orchestrator) blacklistRepeatedDecliner(tx *sqlx.Tx, debtorID int) error {
	threshold := o.Conf.Chargeback.DeclineBlacklistAfter
	if threshold == 0 {
		return nil
	}

	count, err := attempts.CountDeclined(tx, debtorID)
	if err != nil {
		return err
	}
	if count < threshold {
		return nil
	}

	debtor, err := debtors.LockByID(tx, debtorID)
	if err != nil {
		return err
	}
	hash := debtor.IbanHash
	reason := fmt.Sprintf("declined %d times", count)
	return blacklist.Add(tx, blacklist.Entry{
		IbanHash:  &hash,
		FirstName: debtor.FirstName,
		LastName:  debtor.LastName,
		Email:     debtor.Email,
		Reason:    reason,
		Source:    "auto",
	})
}

// ChargebackEvent is a chargeback as reported by the gateway, either over a
// webhook or during a bulk sync.
type ChargebackEvent struct {
	UniqueID          string
	Type              *string
	ReasonCode        *string
	ReasonDescription *string
	Arn               *string
	Amount            decimal.NullDecimal
	Currency          *string
	PostDate          *time.Time
	Source            chargebacks.Source
	Raw               types.NullJSONText
}

// ApplyChargeback moves the attempt to chargebacked and runs the fallout:
// the debtor fails, the profile is switched off and its revenue corrected,
// and the reason code may auto-blacklist the account. Replays of the same
// chargeback are idempotent.
func (o *Orchestrator) ApplyChargeback(event ChargebackEvent) error {
	tx, err := o.DB.Beginx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	attempt, err := attempts.LockByUniqueID(tx, event.UniqueID)
	if err == attempts.ErrNotFound {
		log.WithField("uniqueID", event.UniqueID).
			Warn("Chargeback for unknown transaction, ignoring")
		return nil
	}
	if err != nil {
		return err
	}

	wasApproved := attempt.Status == attempts.StatusApproved
	chargebackedAt := time.Now().UTC()
	if event.PostDate != nil {
		chargebackedAt = *event.PostDate
	}

	if attempt.Status != attempts.StatusChargebacked {
		if err := attempts.MarkChargebacked(tx, attempt.ID,
			event.ReasonCode, nil, chargebackedAt); err != nil {
			return err
		}
	}
	if event.Arn != nil && *event.Arn != "" {
		if err := attempts.MergeMeta(tx, attempt.ID, "arn", *event.Arn); err != nil {
			return err
		}
	}

	if _, err := chargebacks.Insert(tx, chargebacks.Chargeback{
		BillingAttemptID:  attempt.ID,
		DebtorID:          attempt.DebtorID,
		OriginalUniqueID:  event.UniqueID,
		Type:              event.Type,
		ReasonCode:        event.ReasonCode,
		ReasonDescription: event.ReasonDescription,
		Amount:            event.Amount,
		Currency:          event.Currency,
		PostDate:          event.PostDate,
		Source:            event.Source,
		RawResponse:       event.Raw,
	}); err != nil {
		return err
	}

	debtor, err := debtors.LockByID(tx, attempt.DebtorID)
	if err != nil {
		return err
	}
	if err := debtors.SetStatus(tx, debtor.ID, debtors.StatusFailed); err != nil {
		return err
	}

	if attempt.ProfileID != nil {
		if err := profiles.Deactivate(tx, *attempt.ProfileID); err != nil {
			return err
		}
		if wasApproved {
			deduction := attempt.Amount
			if event.Amount.Valid {
				deduction = event.Amount.Decimal
			}
			if err := profiles.DeductRevenue(tx, *attempt.ProfileID, deduction); err != nil {
				return err
			}
		}
	}

	if event.ReasonCode != nil && o.Conf.Chargeback.HasBlacklistCode(*event.ReasonCode) {
		hash := debtor.IbanHash
		reason := "chargeback"
		source := "auto"
		if err := blacklist.Add(tx, blacklist.Entry{
			IbanHash:  &hash,
			FirstName: debtor.FirstName,
			LastName:  debtor.LastName,
			Email:     debtor.Email,
			Reason:    reason,
			Source:    source,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.WithField("uniqueID", event.UniqueID).Info("Applied chargeback")
	return nil
}
