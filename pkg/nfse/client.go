package nfse

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/municipality"
	"github.com/rezonia/nfse-submitter/internal/server"
)

// Response types of the HTTP API
type (
	SubmitResponse  = server.SubmitResponse
	StatusResponse  = server.StatusResponse
	CertificateInfo = certstore.Info
	Capability      = municipality.Capability
)

// APIError is a non-2xx answer from the server
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	Details    string
	Fields     []FieldError
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("nfse api: %d %s", e.StatusCode, e.Message)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	for _, f := range e.Fields {
		msg += fmt.Sprintf("; %s: %s", f.Field, f.Message)
	}
	return msg
}

// Client talks to the nfse-submitter HTTP API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithToken sends token as a bearer credential
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient creates a client for the server at baseURL
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit sends an invoice and returns the record ID and its current state
func (c *Client) Submit(ctx context.Context, inv Invoice) (*SubmitResponse, error) {
	req := server.SubmitRequest{
		IssuerTaxID:                 inv.IssuerTaxID,
		IssuerMunicipalRegistration: inv.IssuerMunicipalRegistration,
		Recipient: server.RecipientRequest{
			TaxID: inv.Recipient.TaxID,
			Name:  inv.Recipient.Name,
			Email: inv.Recipient.Email,
		},
		ServiceCode:        inv.ServiceCode,
		ServiceDescription: inv.ServiceDescription,
		Amount:             inv.Amount,
		TaxRate:            inv.TaxRate,
		IdempotencyKey:     inv.IdempotencyKey,
		MunicipalityCode:   string(inv.MunicipalityCode),
		RPSSeries:          inv.RPS.Series,
		RPSNumber:          inv.RPS.Number,
	}
	if !inv.IssueDate.IsZero() {
		req.IssueDate = inv.IssueDate.Format("2006-01-02")
	}

	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/invoices", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns a snapshot of a submission record
func (c *Client) Status(ctx context.Context, id string) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/invoices/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel cancels a record that has not reached a terminal state
func (c *Client) Cancel(ctx context.Context, id string) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/invoices/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Abandon fails a record permanently and flags it for manual review
func (c *Client) Abandon(ctx context.Context, id, reason string) (*StatusResponse, error) {
	var out StatusResponse
	body := server.AbandonRequest{Reason: reason}
	if err := c.do(ctx, http.MethodPost, "/api/v1/invoices/"+url.PathEscape(id)+"/abandon", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DANFSE downloads the PDF of an issued invoice
func (c *Client) DANFSE(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/invoices/"+url.PathEscape(id)+"/danfse", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// LoadCertificate uploads a PKCS#12 bundle
func (c *Client) LoadCertificate(ctx context.Context, pfx []byte, passphrase string) (*CertificateInfo, error) {
	var out CertificateInfo
	body := server.CertificateRequest{
		PFX:        base64.StdEncoding.EncodeToString(pfx),
		Passphrase: passphrase,
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/certificates", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Certificates lists the certificates loaded on the server
func (c *Client) Certificates(ctx context.Context) ([]CertificateInfo, error) {
	var out struct {
		Certificates []CertificateInfo `json:"certificates"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/certificates", nil, &out); err != nil {
		return nil, err
	}
	return out.Certificates, nil
}

// Municipalities lists the municipalities the server can submit to
func (c *Client) Municipalities(ctx context.Context) ([]Capability, error) {
	var out struct {
		Municipalities []Capability `json:"municipalities"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/municipalities", nil, &out); err != nil {
		return nil, err
	}
	return out.Municipalities, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// send performs the request and turns non-2xx answers into *APIError
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var e server.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		apiErr.Message = e.Error
		apiErr.Code = e.Code
		apiErr.Details = e.Details
		apiErr.Fields = e.Fields
	}
	return nil, apiErr
}
