// Package nfse provides a public API for submitting Brazilian municipal
// service invoices (NFS-e) to a running nfse-submitter server.
//
// Example usage:
//
//	client := nfse.NewClient("http://localhost:8080", nfse.WithToken(token))
//	id, err := client.Submit(ctx, invoice)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	status, err := client.Status(ctx, id)
package nfse

import "github.com/rezonia/nfse-submitter/internal/model"

// Re-export core types for public API
type (
	Invoice          = model.Invoice
	Recipient        = model.Recipient
	RPS              = model.RPS
	MunicipalityCode = model.MunicipalityCode
	State            = model.State
	Result           = model.Result
	Transition       = model.Transition
	ErrorDetail      = model.ErrorDetail
	FieldError       = model.FieldError
)

// Re-export lifecycle states
const (
	StateCreated         = model.StateCreated
	StateSigning         = model.StateSigning
	StateSubmitting      = model.StateSubmitting
	StatePending         = model.StatePending
	StateIssued          = model.StateIssued
	StateRejected        = model.StateRejected
	StateCancelled       = model.StateCancelled
	StateFailedTransient = model.StateFailedTransient
	StateFailedPermanent = model.StateFailedPermanent
)

// RecordID returns the record identifier the server derives for an
// (issuer, idempotency key) pair
func RecordID(issuerTaxID, idempotencyKey string) string {
	return model.RecordID(issuerTaxID, idempotencyKey)
}
