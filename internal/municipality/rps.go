package municipality

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"

	"github.com/rezonia/nfse-submitter/internal/model"
)

const maxDerivedRPSNumber = 999_999_999

// RPSIdentity returns the RPS series and number of inv. When the caller did
// not assign a number one is derived from the issuer and idempotency key, so
// every retry of the same invoice presents the same RPS to the municipality.
func RPSIdentity(inv *model.Invoice, defaultSeries string) (string, int64) {
	series := strings.TrimSpace(inv.RPS.Series)
	if series == "" {
		series = defaultSeries
	}
	if inv.RPS.Number > 0 {
		return series, inv.RPS.Number
	}
	sum := sha256.Sum256([]byte(model.DigitsOnly(inv.IssuerTaxID) + "|" + inv.IdempotencyKey))
	n := binary.BigEndian.Uint64(sum[:8])%maxDerivedRPSNumber + 1
	return series, int64(n)
}
