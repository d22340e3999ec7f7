package gateway

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"gitlab.com/arcapay/recoup/build"
)

var log = build.AddSubLogger("GATE")

// Config has the values we need to reach the gateway.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// EmpAccountID selects the merchant account charges are booked under
	EmpAccountID int
	Timeout      time.Duration
	// MaxPerSecond smooths outbound calls from this process. The shared
	// cross-process budget is enforced separately by the callers.
	MaxPerSecond int
}

// HTTPClient talks to the gateway over its XML protocol. Safe for
// concurrent use; it shares one underlying http.Client.
type HTTPClient struct {
	conf    Config
	http    *http.Client
	limiter *rate.Limiter
}

var _ Client = &HTTPClient{}

// New builds an HTTP gateway client from the given config.
func New(conf Config) *HTTPClient {
	if conf.Timeout == 0 {
		conf.Timeout = 30 * time.Second
	}
	if conf.MaxPerSecond == 0 {
		conf.MaxPerSecond = 100
	}
	return &HTTPClient{
		conf:    conf,
		http:    &http.Client{Timeout: conf.Timeout},
		limiter: rate.NewLimiter(rate.Limit(conf.MaxPerSecond), conf.MaxPerSecond),
	}
}

type chargeRequestXML struct {
	XMLName          xml.Name `xml:"payment_transaction"`
	TransactionType  string   `xml:"transaction_type"`
	TransactionID    string   `xml:"transaction_id"`
	Amount           string   `xml:"amount"`
	Currency         string   `xml:"currency"`
	Iban             string   `xml:"iban"`
	MandateReference string   `xml:"mandate_reference,omitempty"`
	FirstName        string   `xml:"customer_first_name,omitempty"`
	LastName         string   `xml:"customer_last_name,omitempty"`
}

type resultXML struct {
	UniqueID     string `xml:"unique_id"`
	Status       string `xml:"status"`
	ErrorCode    string `xml:"code"`
	ErrorMessage string `xml:"message"`
	Amount       string `xml:"amount"`
	Currency     string `xml:"currency"`
}

func (r resultXML) toResult() Result {
	amount, _ := decimal.NewFromString(r.Amount)
	return Result{
		UniqueID:     r.UniqueID,
		Status:       Status(r.Status),
		ErrorCode:    r.ErrorCode,
		ErrorMessage: r.ErrorMessage,
		Amount:       amount,
		Currency:     r.Currency,
	}
}

// Charge submits a direct debit charge. The idempotency key travels as a
// header; see ChargeRequest for the caveat on gateway support.
func (c *HTTPClient) Charge(ctx context.Context, req ChargeRequest) (Result, error) {
	payload := chargeRequestXML{
		TransactionType:  "sdd_sale",
		TransactionID:    req.IdempotencyKey,
		Amount:           req.Amount.StringFixed(2),
		Currency:         req.Currency,
		Iban:             req.Iban,
		MandateReference: req.MandateReference,
		FirstName:        req.FirstName,
		LastName:         req.LastName,
	}

	var response resultXML
	headers := map[string]string{"Idempotency-Key": req.IdempotencyKey}
	if err := c.post(ctx, "/transactions", payload, headers, &response); err != nil {
		return Result{}, err
	}
	result := response.toResult()

	if result.Status == StatusError && result.ErrorCode != "" {
		log.WithField("code", result.ErrorCode).Debug("Gateway returned error status")
	}
	return result, nil
}

type reconcileRequestXML struct {
	XMLName  xml.Name `xml:"reconcile"`
	UniqueID string   `xml:"unique_id"`
}

// Reconcile queries the current status of a transaction.
func (c *HTTPClient) Reconcile(ctx context.Context, uniqueID string) (Result, error) {
	var response resultXML
	err := c.post(ctx, "/reconcile", reconcileRequestXML{UniqueID: uniqueID}, nil, &response)
	if err != nil {
		return Result{}, err
	}
	return response.toResult(), nil
}

type voidRequestXML struct {
	XMLName  xml.Name `xml:"void"`
	UniqueID string   `xml:"unique_id"`
}

type voidResponseXML struct {
	Status string `xml:"status"`
}

// Void cancels a not yet settled transaction. Returns whether the void was
// accepted.
func (c *HTTPClient) Void(ctx context.Context, uniqueID string) (bool, error) {
	var response voidResponseXML
	err := c.post(ctx, "/void", voidRequestXML{UniqueID: uniqueID}, nil, &response)
	if err != nil {
		return false, err
	}
	return Status(response.Status) == StatusVoided || response.Status == "success", nil
}

type pageRequestXML struct {
	XMLName   xml.Name `xml:"reconcile_by_date"`
	StartDate string   `xml:"start_date"`
	EndDate   string   `xml:"end_date"`
	Page      int      `xml:"page"`
}

type pageResponseXML struct {
	Transactions []struct {
		UniqueID string `xml:"unique_id"`
		Status   string `xml:"status"`
		Amount   string `xml:"amount"`
		Currency string `xml:"currency"`
		PostDate string `xml:"post_date"`
	} `xml:"payment_transaction"`
	Pagination struct {
		Page       int `xml:"page"`
		PagesCount int `xml:"pages_count"`
	} `xml:"pagination"`
}

// Page fetches one page of the date ranged transaction listing, for bulk
// refresh.
func (c *HTTPClient) Page(ctx context.Context, from, to time.Time, page int) (PageResult, error) {
	payload := pageRequestXML{
		StartDate: from.Format("2006-01-02"),
		EndDate:   to.Format("2006-01-02"),
		Page:      page,
	}
	var response pageResponseXML
	if err := c.post(ctx, "/reconcile/by_date", payload, nil, &response); err != nil {
		return PageResult{}, err
	}

	result := PageResult{PagesCount: response.Pagination.PagesCount}
	for _, raw := range response.Transactions {
		amount, _ := decimal.NewFromString(raw.Amount)
		postDate, _ := time.Parse("2006-01-02", raw.PostDate)
		result.Transactions = append(result.Transactions, Transaction{
			UniqueID: raw.UniqueID,
			Status:   Status(raw.Status),
			Amount:   amount,
			Currency: raw.Currency,
			PostDate: postDate,
		})
	}
	result.HasMore = response.Pagination.Page < response.Pagination.PagesCount
	return result, nil
}

type chargebackDetailXML struct {
	UniqueID          string `xml:"original_transaction_unique_id"`
	ReasonCode        string `xml:"reason_code"`
	ReasonDescription string `xml:"reason_description"`
	Arn               string `xml:"arn"`
	Amount            string `xml:"amount"`
	Currency          string `xml:"currency"`
	PostDate          string `xml:"post_date"`
}

// ChargebackDetail fetches reason data for a chargebacked transaction.
func (c *HTTPClient) ChargebackDetail(ctx context.Context, uniqueID string) (ChargebackDetail, error) {
	var response chargebackDetailXML
	err := c.post(ctx, "/chargebacks", reconcileRequestXML{UniqueID: uniqueID}, nil, &response)
	if err != nil {
		return ChargebackDetail{}, err
	}

	amount, _ := decimal.NewFromString(response.Amount)
	postDate, _ := time.Parse("2006-01-02", response.PostDate)
	return ChargebackDetail{
		UniqueID:          response.UniqueID,
		ReasonCode:        response.ReasonCode,
		ReasonDescription: response.ReasonDescription,
		Arn:               response.Arn,
		Amount:            amount,
		Currency:          response.Currency,
		PostDate:          postDate,
	}, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload interface{},
	headers map[string]string, out interface{}) error {

	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "gateway rate limiter")
	}

	body, err := xml.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "could not encode gateway request")
	}
	body = append([]byte(xml.Header), body...)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.conf.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "could not build gateway request")
	}
	req.SetBasicAuth(c.conf.Username, c.conf.Password)
	req.Header.Set("Content-Type", "application/xml")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	response, err := c.http.Do(req)
	if err != nil {
		return NewTransient("network", err.Error())
	}
	defer func() { _ = response.Body.Close() }()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return NewTransient("read", err.Error())
	}

	switch {
	case response.StatusCode >= 500:
		return NewTransient("http_5xx", response.Status)
	case response.StatusCode == http.StatusTooManyRequests:
		return NewTransient("rate_limited", response.Status)
	case response.StatusCode >= 400:
		return NewPermanent("http_4xx", response.Status+": "+string(raw))
	}

	if err := xml.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "could not decode gateway response")
	}
	return nil
}
