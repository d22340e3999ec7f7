// Package gateway wraps the upstream payment gateway's XML protocol. The
// wire shape is fixed by the vendor; this package only marshals it and maps
// gateway statuses onto internal attempt statuses.
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"gitlab.com/arcapay/recoup/models/attempts"
)

// Status is a transaction status as reported by the gateway.
type Status string

const (
	StatusApproved     Status = "approved"
	StatusDeclined     Status = "declined"
	StatusError        Status = "error"
	StatusVoided       Status = "voided"
	StatusChargebacked Status = "chargebacked"
	StatusPending      Status = "pending"
	StatusPendingAsync Status = "pending_async"
)

// MapStatus translates a gateway status into the internal attempt status.
// Unknown gateway statuses leave the current status unchanged.
func MapStatus(gatewayStatus Status, current attempts.Status) attempts.Status {
	switch gatewayStatus {
	case StatusApproved:
		return attempts.StatusApproved
	case StatusDeclined:
		return attempts.StatusDeclined
	case StatusError:
		return attempts.StatusError
	case StatusVoided:
		return attempts.StatusVoided
	case StatusChargebacked:
		return attempts.StatusChargebacked
	case StatusPending, StatusPendingAsync:
		return attempts.StatusPending
	}
	return current
}

// ChargeRequest is a direct debit charge submission.
type ChargeRequest struct {
	Amount   decimal.Decimal
	Currency string
	Iban     string
	// MandateReference identifies the SEPA mandate context
	MandateReference string
	FirstName        string
	LastName         string
	// IdempotencyKey is attached client side; the gateway may or may not
	// honor it, so duplicate unique_id responses must be treated as
	// existing attempts by the caller.
	IdempotencyKey string
}

// Result is the gateway's answer to a charge or reconcile call.
type Result struct {
	UniqueID     string
	Status       Status
	ErrorCode    string
	ErrorMessage string
	Amount       decimal.Decimal
	Currency     string
}

// Transaction is one row of a bulk refresh page.
type Transaction struct {
	UniqueID string
	Status   Status
	Amount   decimal.Decimal
	Currency string
	PostDate time.Time
}

// PageResult is one page of the bulk refresh listing.
type PageResult struct {
	Transactions []Transaction
	HasMore      bool
	PagesCount   int
}

// ChargebackDetail carries reason data for a chargebacked transaction.
type ChargebackDetail struct {
	UniqueID          string
	ReasonCode        string
	ReasonDescription string
	Arn               string
	Amount            decimal.Decimal
	Currency          string
	PostDate          time.Time
}

// Client is what the pipeline needs from the gateway.
type Client interface {
	Charge(ctx context.Context, req ChargeRequest) (Result, error)
	Reconcile(ctx context.Context, uniqueID string) (Result, error)
	Void(ctx context.Context, uniqueID string) (bool, error)
	Page(ctx context.Context, from, to time.Time, page int) (PageResult, error)
	ChargebackDetail(ctx context.Context, uniqueID string) (ChargebackDetail, error)
}
