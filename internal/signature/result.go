package signature

import (
	"crypto/x509"
	"time"
)

// VerificationResult contains the outcome of verifying every signature in a document
type VerificationResult struct {
	// Valid is true only if every signature verifies and the chain is trusted
	Valid bool `json:"valid"`

	SignatureCount int              `json:"signature_count"`
	Signatures     []SignatureCheck `json:"signatures"`
	CertChainValid bool             `json:"cert_chain_valid"`

	Signer *SignerInfo `json:"signer,omitempty"`

	CertChain []*x509.Certificate `json:"-"`

	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// SignatureCheck is the result for one <Signature> element
type SignatureCheck struct {
	Reference string `json:"reference"`
	Element   string `json:"element"`
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
}

// SignerInfo contains certificate subject information
type SignerInfo struct {
	Name         string    `json:"name"`
	Organization string    `json:"organization,omitempty"`
	SerialNumber string    `json:"serial_number"`
	Issuer       string    `json:"issuer"`
	ValidFrom    time.Time `json:"valid_from"`
	ValidTo      time.Time `json:"valid_to"`
}

// NewVerificationResult creates a new empty result
func NewVerificationResult() *VerificationResult {
	return &VerificationResult{
		Signatures: make([]SignatureCheck, 0),
		Warnings:   make([]string, 0),
		Errors:     make([]string, 0),
	}
}

// AddWarning adds a warning message to the result
func (r *VerificationResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// AddError adds an error message and sets Valid to false
func (r *VerificationResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Valid = false
}

// AddCheck records the outcome of one signature
func (r *VerificationResult) AddCheck(c SignatureCheck) {
	r.Signatures = append(r.Signatures, c)
	r.SignatureCount = len(r.Signatures)
}

// SetSigner populates SignerInfo from an x509 certificate
func (r *VerificationResult) SetSigner(cert *x509.Certificate) {
	if cert == nil {
		return
	}

	signer := &SignerInfo{
		Name:         cert.Subject.CommonName,
		SerialNumber: cert.SerialNumber.String(),
		ValidFrom:    cert.NotBefore,
		ValidTo:      cert.NotAfter,
	}
	if len(cert.Subject.Organization) > 0 {
		signer.Organization = cert.Subject.Organization[0]
	}
	if cert.Issuer.CommonName != "" {
		signer.Issuer = cert.Issuer.CommonName
	} else if len(cert.Issuer.Organization) > 0 {
		signer.Issuer = cert.Issuer.Organization[0]
	}

	r.Signer = signer
}

// ComputeValidity sets Valid from the individual checks
func (r *VerificationResult) ComputeValidity() {
	allValid := r.SignatureCount > 0
	for _, c := range r.Signatures {
		allValid = allValid && c.Valid
	}
	r.Valid = allValid && r.CertChainValid && len(r.Errors) == 0
}
