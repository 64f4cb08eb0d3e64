package signature

import "context"

// Verifier checks the digital signatures embedded in a signed request
type Verifier interface {
	// Verify verifies every signature in data and reports each one
	Verify(ctx context.Context, data []byte) (*VerificationResult, error)

	// CanVerify returns true if data looks like something this verifier handles
	CanVerify(data []byte) bool
}
