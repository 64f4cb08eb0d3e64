package certstore

import (
	"crypto/x509"
	"strings"
	"time"

	"github.com/rezonia/nfse-submitter/internal/model"
)

// Info describes a loaded certificate for operators
type Info struct {
	ID                  string    `json:"id"`
	IssuerTaxID         string    `json:"issuer_tax_id"`
	Subject             string    `json:"subject"`
	Issuer              string    `json:"issuer"`
	SerialNumber        string    `json:"serial_number"`
	ValidFrom           time.Time `json:"valid_from"`
	ValidUntil          time.Time `json:"valid_until"`
	DaysUntilExpiration int       `json:"days_until_expiration"`
	Valid               bool      `json:"valid"`
	Revoked             bool      `json:"revoked"`
}

// Info reports the current state of h
func (s *Store) Info(h *Handle) (Info, error) {
	e, err := s.entry(h)
	if err != nil {
		return Info{}, err
	}
	return s.infoLocked(e), nil
}

func (s *Store) infoLocked(e *entry) Info {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h := e.handle
	now := s.clock.Now()
	return Info{
		ID:                  h.id,
		IssuerTaxID:         h.issuerTaxID,
		Subject:             h.cert.Subject.CommonName,
		Issuer:              h.cert.Issuer.CommonName,
		SerialNumber:        h.cert.SerialNumber.String(),
		ValidFrom:           h.cert.NotBefore,
		ValidUntil:          h.cert.NotAfter,
		DaysUntilExpiration: int(h.cert.NotAfter.Sub(now).Hours() / 24),
		Valid:               s.checkEntry(e) == nil,
		Revoked:             e.revoked,
	}
}

// ExtractTaxID finds the CNPJ in an ICP-Brasil e-CNPJ certificate. The common
// name is "RAZAO SOCIAL:CNPJ"; some CAs place it in the subject serial number.
func ExtractTaxID(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	cn := cert.Subject.CommonName
	if i := strings.LastIndex(cn, ":"); i >= 0 {
		if digits := model.DigitsOnly(cn[i+1:]); len(digits) == 14 {
			return digits
		}
	}
	for _, candidate := range []string{cert.Subject.SerialNumber, cn} {
		if digits := model.DigitsOnly(candidate); len(digits) == 14 {
			return digits
		}
	}
	return ""
}
