package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// recordNamespace scopes name-based record IDs
var recordNamespace = uuid.MustParse("6f1d3c5e-8a42-4c7b-9d0e-2b7a9f4e1c30")

// RecordID derives the record identifier from the uniqueness pair
// (issuer tax ID, idempotency key). Same pair, same ID, on every node.
func RecordID(issuerTaxID, idempotencyKey string) string {
	return uuid.NewSHA1(recordNamespace, []byte(DigitsOnly(issuerTaxID)+"|"+idempotencyKey)).String()
}

// ErrorDetail is the last error attached to a record
type ErrorDetail struct {
	Kind    ErrorKind  `json:"kind"`
	Class   ErrorClass `json:"class,omitempty"`
	Code    string     `json:"code,omitempty"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
}

// Result holds what the municipality returned for a terminal outcome
type Result struct {
	DocumentNumber   string     `json:"document_number,omitempty"`
	VerificationCode string     `json:"verification_code,omitempty"`
	IssuedAt         *time.Time `json:"issued_at,omitempty"`
	Reason           string     `json:"reason,omitempty"`
}

// Transition is one append-only history entry
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// SubmissionRecord tracks one invoice through its lifecycle
type SubmissionRecord struct {
	ID            string         `json:"id"`
	Invoice       Invoice        `json:"invoice"`
	State         State          `json:"state"`
	TrackingID    string         `json:"tracking_id,omitempty"`
	CertificateID string         `json:"certificate_id,omitempty"`
	SignedRequest *SignedRequest `json:"signed_request,omitempty"`
	Attempts      int            `json:"attempts"`
	UnknownErrors int            `json:"unknown_errors"`
	PollFailures  int            `json:"poll_failures"`
	NextRetryAt   *time.Time     `json:"next_retry_at,omitempty"`
	NextPollAt    *time.Time     `json:"next_poll_at,omitempty"`
	LastBackoff   time.Duration  `json:"last_backoff"`
	LastError     *ErrorDetail   `json:"last_error,omitempty"`
	Result        *Result        `json:"result,omitempty"`
	ManualReview  bool           `json:"manual_review"`
	History       []Transition   `json:"history"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewSubmissionRecord creates a record in Created state
func NewSubmissionRecord(inv Invoice, now time.Time) *SubmissionRecord {
	return &SubmissionRecord{
		ID:        RecordID(inv.IssuerTaxID, inv.IdempotencyKey),
		Invoice:   inv,
		State:     StateCreated,
		History:   []Transition{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the record to a new state and appends history.
// Forbidden edges, including any edge out of a terminal state, are returned
// as *InvalidTransitionError and leave the record untouched.
func (r *SubmissionRecord) Transition(to State, reason string, now time.Time) error {
	if !CanTransition(r.State, to) {
		return NewInvalidTransitionError(r.ID, r.State, to)
	}
	r.History = append(r.History, Transition{From: r.State, To: to, At: now, Reason: reason})
	r.State = to
	r.UpdatedAt = now
	return nil
}

// SetError records err as the last error
func (r *SubmissionRecord) SetError(err error, class ErrorClass, now time.Time) {
	detail := &ErrorDetail{
		Kind:    KindOf(err),
		Class:   class,
		Message: err.Error(),
		At:      now,
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		detail.Code = pe.Code
	}
	r.LastError = detail
	r.UpdatedAt = now
}

// Terminal reports whether the record can no longer change state
func (r *SubmissionRecord) Terminal() bool {
	return r.State.IsTerminal()
}

// Clone returns a deep copy safe to hand to callers
func (r *SubmissionRecord) Clone() *SubmissionRecord {
	data, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	var out SubmissionRecord
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}
