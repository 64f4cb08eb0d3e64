package model

import "time"

// OutcomeKind tags a SubmissionOutcome
type OutcomeKind string

// Outcome kinds returned by adapters. Transport failures and protocol
// errors travel as *TransportError and *ProtocolError instead.
const (
	OutcomeAcceptedPending OutcomeKind = "accepted_pending"
	OutcomeIssued          OutcomeKind = "issued"
	OutcomeRejected        OutcomeKind = "rejected"
	OutcomeNotFound        OutcomeKind = "not_found"
)

// Outcome is the result of a submit or a status query
type Outcome struct {
	Kind             OutcomeKind `json:"kind"`
	TrackingID       string      `json:"tracking_id,omitempty"`
	DocumentNumber   string      `json:"document_number,omitempty"`
	VerificationCode string      `json:"verification_code,omitempty"`
	IssuedAt         *time.Time  `json:"issued_at,omitempty"`
	Reason           string      `json:"reason,omitempty"`
	Raw              []byte      `json:"-"`
}

// AcceptedPending creates an outcome for asynchronous acceptance
func AcceptedPending(trackingID string) *Outcome {
	return &Outcome{Kind: OutcomeAcceptedPending, TrackingID: trackingID}
}

// Issued creates an outcome for an issued document
func Issued(documentNumber string) *Outcome {
	return &Outcome{Kind: OutcomeIssued, DocumentNumber: documentNumber}
}

// Rejected creates an outcome for a government rejection
func Rejected(reason string) *Outcome {
	return &Outcome{Kind: OutcomeRejected, Reason: reason}
}

// NotFound creates an outcome for a status query that matched nothing
func NotFound() *Outcome {
	return &Outcome{Kind: OutcomeNotFound}
}

// SignedRequest is a municipality-specific payload ready to be submitted.
// It is persisted so retries resend exactly the same bytes.
type SignedRequest struct {
	IdempotencyKey string           `json:"idempotency_key"`
	Municipality   MunicipalityCode `json:"municipality"`
	Operation      string           `json:"operation"`
	Body           []byte           `json:"body"`
	Digest         string           `json:"digest"`
	TrackingHint   string           `json:"tracking_hint,omitempty"`
	CertificateID  string           `json:"certificate_id"`
	SignedAt       time.Time        `json:"signed_at"`
}
