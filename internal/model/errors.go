package model

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by stores and the engine
var (
	ErrNotFound         = errors.New("record not found")
	ErrConflict         = errors.New("record version conflict")
	ErrDuplicate        = errors.New("record already exists")
	ErrUnknownAdapter   = errors.New("no adapter registered for municipality")
	ErrNoCertificate    = errors.New("no active certificate for issuer")
	ErrLockNotAcquired  = errors.New("record lock not acquired")
	ErrNotIssued        = errors.New("invoice has not been issued")
	ErrIdempotencyReuse = errors.New("idempotency key reused with a different invoice")
)

// ErrorClass is how an adapter classifies a protocol error
type ErrorClass string

// Error classes
const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
	ClassUnknown   ErrorClass = "unknown"
)

// ErrorKind names the taxonomy entry recorded on a SubmissionRecord
type ErrorKind string

// Error kinds
const (
	KindCertificate       ErrorKind = "certificate"
	KindSigning           ErrorKind = "signing"
	KindEncoding          ErrorKind = "encoding"
	KindTransport         ErrorKind = "transport_failure"
	KindProtocol          ErrorKind = "protocol"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindInternal          ErrorKind = "internal"
)

// Certificate error codes
const (
	CertCodeBadPassphrase   = "BAD_PASSPHRASE"
	CertCodeCorrupt         = "CORRUPT"
	CertCodeUnsupported     = "UNSUPPORTED_FORMAT"
	CertCodeUnsupportedKey  = "UNSUPPORTED_KEY"
	CertCodeMissingTaxID    = "MISSING_TAX_ID"
	CertCodeUnknownHandle   = "UNKNOWN_HANDLE"
	CertCodeChainInvalid    = "CHAIN_INVALID"
	CertCodeOCSPUnavailable = "OCSP_UNAVAILABLE"
)

// CertificateError represents a certificate that cannot be loaded or trusted
type CertificateError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CertificateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("certificate [%s]: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("certificate [%s]: %s", e.Code, e.Message)
}

func (e *CertificateError) Unwrap() error {
	return e.Cause
}

// NewCertificateError creates a new certificate error
func NewCertificateError(code, message string, cause error) *CertificateError {
	return &CertificateError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Signing error reasons
const (
	SignReasonExpired     = "EXPIRED"
	SignReasonNotYetValid = "NOT_YET_VALID"
	SignReasonRevoked     = "REVOKED"
	SignReasonUnknown     = "UNKNOWN_HANDLE"
	SignReasonWrongIssuer = "WRONG_ISSUER"
	SignReasonCrypto      = "CRYPTO"
)

// SigningError represents a refused or failed signature
type SigningError struct {
	Reason        string
	CertificateID string
	Message       string
	Cause         error
}

func (e *SigningError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("signing refused [%s] cert=%s: %s (%v)", e.Reason, e.CertificateID, e.Message, e.Cause)
	}
	return fmt.Sprintf("signing refused [%s] cert=%s: %s", e.Reason, e.CertificateID, e.Message)
}

func (e *SigningError) Unwrap() error {
	return e.Cause
}

// NewSigningError creates a new signing error
func NewSigningError(reason, certificateID, message string, cause error) *SigningError {
	return &SigningError{
		Reason:        reason,
		CertificateID: certificateID,
		Message:       message,
		Cause:         cause,
	}
}

// FieldError is a single invalid invoice field
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// EncodingError lists every field that prevents an invoice from being encoded
type EncodingError struct {
	Municipality MunicipalityCode
	Fields       []FieldError
	Cause        error
}

func (e *EncodingError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s (rule=%s)", f.Field, f.Message, f.Rule))
	}
	msg := strings.Join(parts, "; ")
	if e.Cause != nil {
		if msg != "" {
			msg += "; "
		}
		msg += e.Cause.Error()
	}
	if e.Municipality != "" {
		return fmt.Sprintf("[%s] encoding failed: %s", e.Municipality, msg)
	}
	return fmt.Sprintf("encoding failed: %s", msg)
}

func (e *EncodingError) Unwrap() error {
	return e.Cause
}

// Add appends a field failure
func (e *EncodingError) Add(field, rule, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Rule: rule, Message: message})
}

// HasFields reports whether any field failure was recorded
func (e *EncodingError) HasFields() bool {
	return len(e.Fields) > 0
}

// NewEncodingError creates a new encoding error
func NewEncodingError(municipality MunicipalityCode, cause error, fields ...FieldError) *EncodingError {
	return &EncodingError{
		Municipality: municipality,
		Fields:       fields,
		Cause:        cause,
	}
}

// TransportError represents a failed outbound call: network, deadline or 5xx
type TransportError struct {
	Endpoint   string
	Operation  string
	StatusCode int
	Timeout    bool
	Cause      error
}

func (e *TransportError) Error() string {
	what := "transport failure"
	if e.Timeout {
		what = "timeout"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s calling %s %s: HTTP %d", what, e.Operation, e.Endpoint, e.StatusCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s calling %s %s: %v", what, e.Operation, e.Endpoint, e.Cause)
	}
	return fmt.Sprintf("%s calling %s %s", what, e.Operation, e.Endpoint)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// NewTransportError creates a new transport error
func NewTransportError(endpoint, operation string, statusCode int, timeout bool, cause error) *TransportError {
	return &TransportError{
		Endpoint:   endpoint,
		Operation:  operation,
		StatusCode: statusCode,
		Timeout:    timeout,
		Cause:      cause,
	}
}

// ProtocolError is a government-side error code returned inside a valid response
type ProtocolError struct {
	Code    string
	Message string
	Class   ErrorClass
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %s (%s): %s", e.Code, e.Class, e.Message)
}

// NewProtocolError creates a new protocol error, unclassified until an adapter sees it
func NewProtocolError(code, message string) *ProtocolError {
	return &ProtocolError{
		Code:    code,
		Message: message,
		Class:   ClassUnknown,
	}
}

// InvalidTransitionError reports an attempt to leave a state through a forbidden edge
type InvalidTransitionError struct {
	RecordID string
	From     State
	To       State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for record %s", e.From, e.To, e.RecordID)
}

// NewInvalidTransitionError creates a new invalid transition error
func NewInvalidTransitionError(recordID string, from, to State) *InvalidTransitionError {
	return &InvalidTransitionError{
		RecordID: recordID,
		From:     from,
		To:       to,
	}
}

// KindOf maps an error onto the taxonomy
func KindOf(err error) ErrorKind {
	var (
		certErr  *CertificateError
		signErr  *SigningError
		encErr   *EncodingError
		tranErr  *TransportError
		protoErr *ProtocolError
		transErr *InvalidTransitionError
	)
	switch {
	case errors.As(err, &signErr):
		return KindSigning
	case errors.As(err, &certErr):
		return KindCertificate
	case errors.As(err, &encErr):
		return KindEncoding
	case errors.As(err, &tranErr):
		return KindTransport
	case errors.As(err, &protoErr):
		return KindProtocol
	case errors.As(err, &transErr):
		return KindInvalidTransition
	default:
		return KindInternal
	}
}
