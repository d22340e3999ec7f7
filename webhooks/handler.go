package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"

	"gitlab.com/arcapay/recoup/billing"
	"gitlab.com/arcapay/recoup/build"
	"gitlab.com/arcapay/recoup/db"
	"gitlab.com/arcapay/recoup/gateway"
	"gitlab.com/arcapay/recoup/kv"
	"gitlab.com/arcapay/recoup/models/attempts"
	"gitlab.com/arcapay/recoup/models/chargebacks"
)

var log = build.AddSubLogger("WHOK")

// dedupWindow is how long a (processing type, unique id) pair suppresses
// replays.
const dedupWindow = time.Hour

// Handler applies gateway notifications to the pipeline state.
type Handler struct {
	DB   *db.DB
	KV   *kv.KV
	Orch *billing.Orchestrator
}

// Handle processes one notification and returns the echo body. The echo is
// returned even when the side effects fail; the gateway retries on its own
// schedule and the dedup window is only set after a successful apply.
func (h *Handler) Handle(ctx context.Context, n Notification) []byte {
	echo := EchoXML(n.UniqueID)
	if n.UniqueID == "" {
		log.Warn("Notification without unique_id, echoing only")
		return echo
	}

	dedupKey := fmt.Sprintf("webhook:%s:%s", n.ProcessingType, n.UniqueID)
	if _, found, err := h.KV.Get(ctx, dedupKey); err != nil {
		log.WithError(err).Error("Could not check webhook dedup window")
		return echo
	} else if found {
		log.WithField("uniqueID", n.UniqueID).
			WithField("type", n.ProcessingType).Debug("Duplicate notification, echoing only")
		return echo
	}

	if err := h.apply(n); err != nil {
		log.WithError(err).WithField("uniqueID", n.UniqueID).
			WithField("type", n.ProcessingType).Error("Could not apply notification")
		return echo
	}

	if err := h.KV.Set(ctx, dedupKey, "1", dedupWindow); err != nil {
		log.WithError(err).Error("Could not set webhook dedup window")
	}
	return echo
}

func (h *Handler) apply(n Notification) error {
	switch n.ProcessingType {
	case TypeChargeback:
		return h.Orch.ApplyChargeback(billing.ChargebackEvent{
			UniqueID:          n.UniqueID,
			Type:              optional(n.TransactionType),
			ReasonCode:        optional(n.ReasonCode),
			ReasonDescription: optional(n.ReasonText),
			Arn:               optional(n.Arn),
			Amount:            n.Amount,
			Currency:          optional(n.Currency),
			PostDate:          n.PostDate,
			Source:            chargebacks.SourceWebhook,
			Raw:               encodeRaw(n.Raw),
		})

	case TypeRetrievalRequest:
		attempt, err := attempts.GetByUniqueID(h.DB, n.UniqueID)
		if err == attempts.ErrNotFound {
			log.WithField("uniqueID", n.UniqueID).
				Warn("Retrieval request for unknown transaction, ignoring")
			return nil
		}
		if err != nil {
			return err
		}
		return attempts.AppendRetrievalRequest(h.DB, attempt.ID, n.Raw)

	default:
		return h.Orch.Settle(n.UniqueID, gateway.Status(n.Status),
			optional(n.ErrorCode), optional(n.ReasonText))
	}
}

func encodeRaw(raw map[string]string) types.NullJSONText {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return types.NullJSONText{}
	}
	return types.NullJSONText{JSONText: types.JSONText(encoded), Valid: true}
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
