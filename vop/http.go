package vop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/arcapay/recoup/models/banks"
	"gitlab.com/arcapay/recoup/models/voplogs"
)

// HTTPConfig has the values we need to reach the verification provider.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPDirectory resolves bank codes against the provider's bank registry
// endpoint.
type HTTPDirectory struct {
	conf HTTPConfig
	http *http.Client
}

var _ BankDirectory = &HTTPDirectory{}

// NewHTTPDirectory builds a bank directory client from the given config.
func NewHTTPDirectory(conf HTTPConfig) *HTTPDirectory {
	if conf.Timeout == 0 {
		conf.Timeout = 10 * time.Second
	}
	return &HTTPDirectory{
		conf: conf,
		http: &http.Client{Timeout: conf.Timeout},
	}
}

type directoryResponse struct {
	Found       bool   `json:"found"`
	BankName    string `json:"bankName"`
	Bic         string `json:"bic"`
	SupportsSdd bool   `json:"supportsSdd"`
}

// Lookup asks the provider for the bank behind a (country, bank code) pair.
func (d *HTTPDirectory) Lookup(ctx context.Context, country, bankCode string) (
	banks.Bank, bool, error) {

	endpoint := fmt.Sprintf("%s/banks/%s/%s",
		d.conf.BaseURL, url.PathEscape(country), url.PathEscape(bankCode))
	var response directoryResponse
	if err := d.get(ctx, endpoint, &response); err != nil {
		return banks.Bank{}, false, err
	}
	if !response.Found {
		return banks.Bank{}, false, nil
	}
	bank := banks.Bank{
		Country:     country,
		BankCode:    bankCode,
		BankName:    response.BankName,
		SupportsSdd: response.SupportsSdd,
	}
	if response.Bic != "" {
		bic := response.Bic
		bank.Bic = &bic
	}
	return bank, true, nil
}

func (d *HTTPDirectory) get(ctx context.Context, endpoint string, into interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "could not build directory request")
	}
	if d.conf.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.conf.APIKey)
	}

	response, err := d.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "directory request failed")
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		return errors.Errorf("directory answered %s", response.Status)
	}
	return errors.Wrap(json.NewDecoder(response.Body).Decode(into),
		"could not decode directory response")
}

// HTTPBavClient runs name verification against the provider's account
// verification endpoint.
type HTTPBavClient struct {
	conf HTTPConfig
	http *http.Client
}

var _ BavClient = &HTTPBavClient{}

// NewHTTPBavClient builds a BAV client from the given config.
func NewHTTPBavClient(conf HTTPConfig) *HTTPBavClient {
	if conf.Timeout == 0 {
		conf.Timeout = 15 * time.Second
	}
	return &HTTPBavClient{
		conf: conf,
		http: &http.Client{Timeout: conf.Timeout},
	}
}

type bavResponse struct {
	NameMatch string `json:"nameMatch"`
}

// VerifyName asks the provider whether the holder name matches the IBAN.
func (b *HTTPBavClient) VerifyName(ctx context.Context, iban, firstName,
	lastName string) (voplogs.NameMatch, error) {

	payload, err := json.Marshal(map[string]string{
		"iban":      iban,
		"firstName": firstName,
		"lastName":  lastName,
	})
	if err != nil {
		return voplogs.MatchUnavailable, errors.Wrap(err, "could not encode BAV request")
	}

	endpoint := b.conf.BaseURL + "/verify"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		bytes.NewReader(payload))
	if err != nil {
		return voplogs.MatchUnavailable, errors.Wrap(err, "could not build BAV request")
	}
	req.Header.Set("Content-Type", "application/json")
	if b.conf.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.conf.APIKey)
	}

	response, err := b.http.Do(req)
	if err != nil {
		return voplogs.MatchUnavailable, errors.Wrap(err, "BAV request failed")
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		return voplogs.MatchUnavailable, errors.Errorf("BAV answered %s", response.Status)
	}

	var decoded bavResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return voplogs.MatchUnavailable, errors.Wrap(err, "could not decode BAV response")
	}

	switch voplogs.NameMatch(decoded.NameMatch) {
	case voplogs.MatchYes:
		return voplogs.MatchYes, nil
	case voplogs.MatchPartial:
		return voplogs.MatchPartial, nil
	case voplogs.MatchNo:
		return voplogs.MatchNo, nil
	default:
		return voplogs.MatchUnavailable, nil
	}
}
