package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	nfsedecimal "github.com/rezonia/nfse-submitter/internal/decimal"
)

// MunicipalityCode selects the adapter that talks to a municipality webservice
type MunicipalityCode string

// Recipient is the service taker (tomador)
type Recipient struct {
	TaxID string `json:"tax_id,omitempty"` // CPF (11 digits) or CNPJ (14 digits)
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// RPS identifies the provisional receipt a municipality converts into an NFS-e
type RPS struct {
	Series string `json:"series,omitempty"`
	Number int64  `json:"number,omitempty"`
}

// Invoice is the canonical, municipality-agnostic service invoice.
// It is created once by the caller and never mutated afterwards.
type Invoice struct {
	IssuerTaxID                 string           `json:"issuer_tax_id"`
	IssuerMunicipalRegistration string           `json:"issuer_municipal_registration"`
	Recipient                   Recipient        `json:"recipient"`
	ServiceCode                 string           `json:"service_code"`
	ServiceDescription          string           `json:"service_description"`
	Amount                      decimal.Decimal  `json:"amount"`
	TaxRate                     decimal.Decimal  `json:"tax_rate"` // ISS percent
	IssueDate                   time.Time        `json:"issue_date"`
	IdempotencyKey              string           `json:"idempotency_key"`
	MunicipalityCode            MunicipalityCode `json:"municipality_code"`
	RPS                         RPS              `json:"rps,omitempty"`
}

// ISSAmount returns the municipal service tax owed on the invoice
func (inv *Invoice) ISSAmount() decimal.Decimal {
	return nfsedecimal.CalculateISS(inv.Amount, inv.TaxRate)
}

// NetAmount returns amount minus withheld taxes (ISS is not withheld here)
func (inv *Invoice) NetAmount() decimal.Decimal {
	return nfsedecimal.RoundCents(inv.Amount)
}

// RecipientKind reports whether the recipient document is a CPF, a CNPJ or absent
func (inv *Invoice) RecipientKind() string {
	switch len(DigitsOnly(inv.Recipient.TaxID)) {
	case 11:
		return "CPF"
	case 14:
		return "CNPJ"
	default:
		return ""
	}
}

// DigitsOnly strips punctuation from CPF/CNPJ style identifiers
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}
