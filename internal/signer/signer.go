// Package signer validates and canonicalizes invoices and turns them into
// signed, municipality-specific requests.
package signer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	nfsedecimal "github.com/rezonia/nfse-submitter/internal/decimal"
	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/municipality"
)

// Signer produces SignedRequests. It never touches the network.
type Signer struct {
	certs    *certstore.Store
	registry *municipality.Registry
	clock    clockwork.Clock
	logger   *slog.Logger
}

// Option configures a Signer
type Option func(*Signer)

// WithClock sets the clock stamped on SignedAt
func WithClock(c clockwork.Clock) Option {
	return func(s *Signer) {
		s.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Signer) {
		s.logger = l
	}
}

// New creates a Signer
func New(certs *certstore.Store, registry *municipality.Registry, opts ...Option) *Signer {
	s := &Signer{
		certs:    certs,
		registry: registry,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign validates inv, checks that h may sign for its issuer and delegates
// protocol placement to the municipality adapter.
func (s *Signer) Sign(ctx context.Context, inv *model.Invoice, h *certstore.Handle, code model.MunicipalityCode) (*model.SignedRequest, error) {
	if err := s.Validate(inv); err != nil {
		return nil, err
	}
	canonical := Canonicalize(*inv)
	if code == "" {
		code = canonical.MunicipalityCode
	}

	adapter, err := s.registry.Get(code)
	if err != nil {
		return nil, model.NewEncodingError(code, err, model.FieldError{
			Field: "municipality_code", Rule: "unsupported", Message: err.Error(),
		})
	}

	digest, err := Digest(canonical)
	if err != nil {
		return nil, err
	}

	if err := s.certs.Check(h); err != nil {
		return nil, err
	}
	if h.IssuerTaxID() != canonical.IssuerTaxID {
		return nil, model.NewSigningError(model.SignReasonWrongIssuer, h.ID(),
			fmt.Sprintf("certificate belongs to %s, invoice issuer is %s", h.IssuerTaxID(), canonical.IssuerTaxID), nil)
	}

	req, err := adapter.Encode(ctx, &canonical, h)
	if err != nil {
		return nil, err
	}
	req.IdempotencyKey = canonical.IdempotencyKey
	req.Municipality = code
	req.Digest = digest
	req.CertificateID = h.ID()
	req.SignedAt = s.clock.Now().UTC()

	s.logger.Debug("invoice signed",
		"idempotency_key", canonical.IdempotencyKey,
		"municipality", code,
		"operation", req.Operation,
		"certificate", h.ID(),
		"digest", digest,
	)
	return req, nil
}

// Validate checks every required field and reports all violations at once
func (s *Signer) Validate(inv *model.Invoice) error {
	encErr := model.NewEncodingError(inv.MunicipalityCode, nil)

	issuer := model.DigitsOnly(inv.IssuerTaxID)
	switch {
	case issuer == "":
		encErr.Add("issuer_tax_id", "required", "issuer CNPJ is required")
	case !ValidCNPJ(issuer):
		encErr.Add("issuer_tax_id", "cnpj", "issuer CNPJ must have 14 digits with valid check digits")
	}
	if model.DigitsOnly(inv.IssuerMunicipalRegistration) == "" {
		encErr.Add("issuer_municipal_registration", "required", "municipal registration is required")
	}

	if raw := strings.TrimSpace(inv.Recipient.TaxID); raw != "" {
		doc := model.DigitsOnly(raw)
		switch len(doc) {
		case 11:
			if !ValidCPF(doc) {
				encErr.Add("recipient.tax_id", "cpf", "recipient CPF check digits are invalid")
			}
		case 14:
			if !ValidCNPJ(doc) {
				encErr.Add("recipient.tax_id", "cnpj", "recipient CNPJ check digits are invalid")
			}
		default:
			encErr.Add("recipient.tax_id", "format", "recipient document must be a CPF (11 digits) or CNPJ (14 digits)")
		}
	}
	if strings.TrimSpace(inv.Recipient.Name) == "" {
		encErr.Add("recipient.name", "required", "recipient name is required")
	}

	if strings.TrimSpace(inv.ServiceCode) == "" {
		encErr.Add("service_code", "required", "service code is required")
	}
	if strings.TrimSpace(inv.ServiceDescription) == "" {
		encErr.Add("service_description", "required", "service description is required")
	}

	if !nfsedecimal.IsPositive(nfsedecimal.RoundCents(inv.Amount)) {
		encErr.Add("amount", "positive", "amount must be greater than zero")
	}
	if !nfsedecimal.IsNonNegative(inv.TaxRate) || inv.TaxRate.GreaterThan(nfsedecimal.FromCents(100_00)) {
		encErr.Add("tax_rate", "range", "ISS rate must be between 0 and 100 percent")
	}

	if inv.IssueDate.IsZero() {
		encErr.Add("issue_date", "required", "issue date is required")
	}

	key := strings.TrimSpace(inv.IdempotencyKey)
	switch {
	case key == "":
		encErr.Add("idempotency_key", "required", "idempotency key is required")
	case len(key) > 128:
		encErr.Add("idempotency_key", "max_length", "idempotency key has at most 128 characters")
	}

	if inv.MunicipalityCode == "" {
		encErr.Add("municipality_code", "required", "municipality code is required")
	}
	if inv.RPS.Number < 0 {
		encErr.Add("rps.number", "non_negative", "RPS number cannot be negative")
	}

	if encErr.HasFields() {
		return encErr
	}
	return nil
}

// Canonicalize returns the form of inv that is digested and encoded:
// trimmed text, digit-only documents, cent-rounded amounts and a UTC date
func Canonicalize(inv model.Invoice) model.Invoice {
	inv.IssuerTaxID = model.DigitsOnly(inv.IssuerTaxID)
	inv.IssuerMunicipalRegistration = model.DigitsOnly(inv.IssuerMunicipalRegistration)
	inv.Recipient.TaxID = model.DigitsOnly(inv.Recipient.TaxID)
	inv.Recipient.Name = strings.TrimSpace(inv.Recipient.Name)
	inv.Recipient.Email = strings.ToLower(strings.TrimSpace(inv.Recipient.Email))
	inv.ServiceCode = strings.TrimSpace(inv.ServiceCode)
	inv.ServiceDescription = strings.TrimSpace(inv.ServiceDescription)
	inv.Amount = nfsedecimal.RoundCents(inv.Amount)
	inv.TaxRate = inv.TaxRate.Round(4)
	y, m, d := inv.IssueDate.Date()
	inv.IssueDate = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	inv.IdempotencyKey = strings.TrimSpace(inv.IdempotencyKey)
	inv.MunicipalityCode = model.MunicipalityCode(strings.TrimSpace(string(inv.MunicipalityCode)))
	inv.RPS.Series = strings.TrimSpace(inv.RPS.Series)
	return inv
}

// Digest is the hex SHA-256 of the canonical invoice JSON. Two invoices
// with the same digest are the same invoice.
func Digest(canonical model.Invoice) (string, error) {
	raw, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to encode invoice: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
