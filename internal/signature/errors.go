package signature

import "fmt"

// Error codes for XML signature handling
const (
	ErrCodeNoSignature        = "NO_SIGNATURE"
	ErrCodeInvalidSignature   = "INVALID_SIGNATURE"
	ErrCodeReferenceNotFound  = "REFERENCE_NOT_FOUND"
	ErrCodeChainInvalid       = "CHAIN_INVALID"
	ErrCodeMalformedDocument  = "MALFORMED_DOCUMENT"
	ErrCodeSigningFailed      = "SIGNING_FAILED"
	ErrCodeMissingCertificate = "MISSING_CERTIFICATE"
)

// SignatureError represents XML signing or verification errors
type SignatureError struct {
	Code    string
	Field   string
	Message string
	Cause   error
}

func (e *SignatureError) Error() string {
	if e.Field != "" && e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Code, e.Field, e.Message, e.Cause)
	}
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SignatureError) Unwrap() error {
	return e.Cause
}

// NewSignatureError creates a new signature error
func NewSignatureError(code, field, message string, cause error) *SignatureError {
	return &SignatureError{
		Code:    code,
		Field:   field,
		Message: message,
		Cause:   cause,
	}
}

// ErrNoSignature returns error when no signature found in document
func ErrNoSignature() *SignatureError {
	return NewSignatureError(ErrCodeNoSignature, "", "no signature found in document", nil)
}

// ErrInvalidSignature returns error when signature validation fails
func ErrInvalidSignature(reference string, cause error) *SignatureError {
	return NewSignatureError(ErrCodeInvalidSignature, reference, "signature validation failed", cause)
}

// ErrReferenceNotFound returns error when a Reference URI points nowhere
func ErrReferenceNotFound(uri string) *SignatureError {
	return NewSignatureError(ErrCodeReferenceNotFound, uri, "referenced element not found", nil)
}

// ErrChainInvalid returns error when certificate chain is invalid
func ErrChainInvalid(cause error) *SignatureError {
	return NewSignatureError(ErrCodeChainInvalid, "chain", "certificate chain validation failed", cause)
}

// ErrMalformedDocument returns error when the XML cannot be parsed
func ErrMalformedDocument(cause error) *SignatureError {
	return NewSignatureError(ErrCodeMalformedDocument, "", "document is not well-formed XML", cause)
}

// ErrSigningFailed wraps a failure while producing a signature
func ErrSigningFailed(element string, cause error) *SignatureError {
	return NewSignatureError(ErrCodeSigningFailed, element, "could not sign element", cause)
}
