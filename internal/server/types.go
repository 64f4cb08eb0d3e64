package server

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rezonia/nfse-submitter/internal/model"
)

// dateLayout is the calendar date format accepted for issue_date
const dateLayout = "2006-01-02"

// RecipientRequest is the service taker of a SubmitRequest
type RecipientRequest struct {
	TaxID string `json:"tax_id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// SubmitRequest is the body of POST /api/v1/invoices
type SubmitRequest struct {
	IssuerTaxID                 string           `json:"issuer_tax_id"`
	IssuerMunicipalRegistration string           `json:"issuer_municipal_registration"`
	Recipient                   RecipientRequest `json:"recipient"`
	ServiceCode                 string           `json:"service_code"`
	ServiceDescription          string           `json:"service_description"`
	Amount                      decimal.Decimal  `json:"amount"`
	TaxRate                     decimal.Decimal  `json:"tax_rate"`
	IssueDate                   string           `json:"issue_date"`
	IdempotencyKey              string           `json:"idempotency_key"`
	MunicipalityCode            string           `json:"municipality_code"`
	RPSSeries                   string           `json:"rps_series,omitempty"`
	RPSNumber                   int64            `json:"rps_number,omitempty"`
}

// Invoice converts the request into the canonical invoice
func (r *SubmitRequest) Invoice() (model.Invoice, error) {
	var issued time.Time
	if r.IssueDate != "" {
		t, err := time.Parse(dateLayout, r.IssueDate)
		if err != nil {
			return model.Invoice{}, model.NewEncodingError(model.MunicipalityCode(r.MunicipalityCode), nil, model.FieldError{
				Field:   "issue_date",
				Rule:    "format",
				Message: fmt.Sprintf("expected YYYY-MM-DD, got %q", r.IssueDate),
			})
		}
		issued = t
	}

	return model.Invoice{
		IssuerTaxID:                 r.IssuerTaxID,
		IssuerMunicipalRegistration: r.IssuerMunicipalRegistration,
		Recipient: model.Recipient{
			TaxID: r.Recipient.TaxID,
			Name:  r.Recipient.Name,
			Email: r.Recipient.Email,
		},
		ServiceCode:        r.ServiceCode,
		ServiceDescription: r.ServiceDescription,
		Amount:             r.Amount,
		TaxRate:            r.TaxRate,
		IssueDate:          issued,
		IdempotencyKey:     r.IdempotencyKey,
		MunicipalityCode:   model.MunicipalityCode(r.MunicipalityCode),
		RPS:                model.RPS{Series: r.RPSSeries, Number: r.RPSNumber},
	}, nil
}

// SubmitResponse is returned when an invoice is accepted
type SubmitResponse struct {
	ID    string      `json:"id"`
	State model.State `json:"state"`
}

// StatusResponse is a snapshot of a submission record
type StatusResponse struct {
	ID               string                 `json:"id"`
	State            model.State            `json:"state"`
	Terminal         bool                   `json:"terminal"`
	MunicipalityCode model.MunicipalityCode `json:"municipality_code"`
	IdempotencyKey   string                 `json:"idempotency_key"`
	TrackingID       string                 `json:"tracking_id,omitempty"`
	Attempts         int                    `json:"attempts"`
	ManualReview     bool                   `json:"manual_review"`
	NextRetryAt      *time.Time             `json:"next_retry_at,omitempty"`
	NextPollAt       *time.Time             `json:"next_poll_at,omitempty"`
	LastError        *model.ErrorDetail     `json:"last_error,omitempty"`
	Result           *model.Result          `json:"result,omitempty"`
	History          []model.Transition     `json:"history"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

func newStatusResponse(rec *model.SubmissionRecord) StatusResponse {
	return StatusResponse{
		ID:               rec.ID,
		State:            rec.State,
		Terminal:         rec.State.IsTerminal(),
		MunicipalityCode: rec.Invoice.MunicipalityCode,
		IdempotencyKey:   rec.Invoice.IdempotencyKey,
		TrackingID:       rec.TrackingID,
		Attempts:         rec.Attempts,
		ManualReview:     rec.ManualReview,
		NextRetryAt:      rec.NextRetryAt,
		NextPollAt:       rec.NextPollAt,
		LastError:        rec.LastError,
		Result:           rec.Result,
		History:          rec.History,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
}

// AbandonRequest is the optional body of POST /api/v1/invoices/:id/abandon
type AbandonRequest struct {
	Reason string `json:"reason"`
}

// CertificateRequest uploads a PKCS#12 bundle
type CertificateRequest struct {
	PFX        string `json:"pfx" binding:"required"` // base64
	Passphrase string `json:"passphrase"`
	TaxID      string `json:"tax_id,omitempty"`
}

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error   string             `json:"error"`
	Code    string             `json:"code,omitempty"`
	Details string             `json:"details,omitempty"`
	Fields  []model.FieldError `json:"fields,omitempty"`
}
