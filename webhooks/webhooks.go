// Package webhooks ingests asynchronous gateway notifications. Every
// notification is answered with the XML echo the gateway expects, whatever
// happens inside; side effects run at most once per (processing type,
// unique id) within the dedup window.
package webhooks

import (
	"encoding/xml"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Processing types the gateway sends.
const (
	TypeChargeback       = "chargeback"
	TypeRetrievalRequest = "retrieval_request"
	TypeStatusUpdate     = "sdd_status_update"
)

// Notification is a parsed gateway notification.
type Notification struct {
	UniqueID        string
	TransactionType string
	ProcessingType  string
	Status          string
	Arn             string
	ReasonCode      string
	ReasonText      string
	ErrorCode       string
	Amount          decimal.NullDecimal
	Currency        string
	PostDate        *time.Time
	// Raw keeps the flattened form payload for the audit trail
	Raw map[string]string
}

// ParseNotification reads a form-encoded gateway notification. The gateway
// spreads the same fact over several field names depending on the
// notification type, so the reason fields fall back through their aliases.
func ParseNotification(values url.Values) Notification {
	get := func(keys ...string) string {
		for _, key := range keys {
			if v := strings.TrimSpace(values.Get(key)); v != "" {
				return v
			}
		}
		return ""
	}

	n := Notification{
		UniqueID:        get("unique_id"),
		TransactionType: get("transaction_type"),
		ProcessingType:  get("processing_type", "notification_type"),
		Status:          get("status"),
		Arn:             get("arn"),
		ReasonCode:      get("reason_code", "rc_code", "error_code"),
		ReasonText:      get("reason", "rc_description"),
		ErrorCode:       get("error_code"),
		Currency:        get("currency"),
		Raw:             make(map[string]string, len(values)),
	}
	if n.ProcessingType == "" {
		n.ProcessingType = TypeStatusUpdate
	}

	if rawAmount := get("amount"); rawAmount != "" {
		if amount, err := decimal.NewFromString(rawAmount); err == nil {
			n.Amount = decimal.NewNullDecimal(amount)
		}
	}
	if rawDate := get("post_date"); rawDate != "" {
		for _, format := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(format, rawDate); err == nil {
				n.PostDate = &parsed
				break
			}
		}
	}
	for key := range values {
		n.Raw[key] = values.Get(key)
	}
	return n
}

// Echo is the acknowledgment body the gateway expects back.
type Echo struct {
	XMLName  xml.Name `xml:"notification_echo"`
	UniqueID string   `xml:"unique_id"`
}

// EchoXML renders the acknowledgment for a notification, declaration
// included. Rendering never fails for the types involved; a marshal error
// falls back to an empty echo element.
func EchoXML(uniqueID string) []byte {
	header := strings.TrimSpace(xml.Header)
	encoded, err := xml.Marshal(Echo{UniqueID: uniqueID})
	if err != nil {
		return []byte(header + "<notification_echo></notification_echo>")
	}
	return append([]byte(header), encoded...)
}
