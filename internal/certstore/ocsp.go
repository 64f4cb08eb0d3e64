package certstore

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ocsp"
)

// Default OCSP configuration
const (
	DefaultOCSPTimeout  = 10 * time.Second
	DefaultOCSPCacheTTL = 1 * time.Hour

	maxOCSPResponseSize = 1 << 20
)

var errOCSPStale = errors.New("OCSP response is outside its validity window")

// OCSPCache remembers responder verdicts per issuer and serial. An entry
// never outlives the responder's own NextUpdate.
type OCSPCache struct {
	mu      sync.RWMutex
	entries map[string]ocspCacheEntry
	ttl     time.Duration
	clock   clockwork.Clock
}

type ocspCacheEntry struct {
	notRevoked bool
	expiresAt  time.Time
}

// NewOCSPCache creates a cache whose entries live at most ttl
func NewOCSPCache(ttl time.Duration, clock clockwork.Clock) *OCSPCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &OCSPCache{
		entries: make(map[string]ocspCacheEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

// Get returns the cached verdict for cert, if still fresh
func (c *OCSPCache) Get(cert *x509.Certificate) (notRevoked bool, found bool) {
	if cert == nil {
		return false, false
	}
	key := ocspKey(cert)

	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()
	if !exists {
		return false, false
	}

	if c.clock.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return false, false
	}
	return entry.notRevoked, true
}

// Set stores a verdict. A non-zero nextUpdate shortens the entry's life.
func (c *OCSPCache) Set(cert *x509.Certificate, notRevoked bool, nextUpdate time.Time) {
	if cert == nil {
		return
	}
	expiresAt := c.clock.Now().Add(c.ttl)
	if !nextUpdate.IsZero() && nextUpdate.Before(expiresAt) {
		expiresAt = nextUpdate
	}
	c.mu.Lock()
	c.entries[ocspKey(cert)] = ocspCacheEntry{notRevoked: notRevoked, expiresAt: expiresAt}
	c.mu.Unlock()
}

// Size returns the number of cached entries
func (c *OCSPCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func ocspKey(cert *x509.Certificate) string {
	return fmt.Sprintf("%x:%s", cert.AuthorityKeyId, cert.SerialNumber.String())
}

// ocspVerdict is one responder answer
type ocspVerdict struct {
	revoked    bool
	nextUpdate time.Time
}

// ocspResponder talks to the OCSP responders named in ICP-Brasil end-entity
// certificates. It owns its HTTP client so a hung responder is cut off by the
// client timeout even when the caller's context has no deadline.
type ocspResponder struct {
	client *http.Client
	clock  clockwork.Clock
}

func newOCSPResponder(timeout time.Duration, clock clockwork.Clock) *ocspResponder {
	return &ocspResponder{
		client: &http.Client{
			Timeout: timeout,
			// responders answer directly; a redirect usually lands on an HTML error page
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		clock: clock,
	}
}

// check asks each responder listed in cert in turn. Some ICP-Brasil ACs only
// publish their responder on the intermediate, so its URLs are tried last.
func (r *ocspResponder) check(ctx context.Context, cert, issuer *x509.Certificate) (ocspVerdict, error) {
	servers := append(append([]string(nil), cert.OCSPServer...), issuer.OCSPServer...)
	if len(servers) == 0 {
		return ocspVerdict{}, fmt.Errorf("no OCSP server URL in certificate")
	}

	req, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return ocspVerdict{}, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	var lastErr error
	for _, server := range servers {
		v, err := r.query(ctx, server, req, cert, issuer)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return ocspVerdict{}, fmt.Errorf("all OCSP servers failed: %w", lastErr)
}

func (r *ocspResponder) query(ctx context.Context, serverURL string, request []byte, cert, issuer *x509.Certificate) (ocspVerdict, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(request))
	if err != nil {
		return ocspVerdict{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")

	resp, err := r.client.Do(req)
	if err != nil {
		return ocspVerdict{}, fmt.Errorf("OCSP request to %s failed: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ocspVerdict{}, fmt.Errorf("OCSP server %s returned status %d", serverURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOCSPResponseSize))
	if err != nil {
		return ocspVerdict{}, fmt.Errorf("failed to read OCSP response: %w", err)
	}

	parsed, err := ocsp.ParseResponseForCert(body, cert, issuer)
	if err != nil {
		return ocspVerdict{}, fmt.Errorf("failed to parse OCSP response: %w", err)
	}

	now := r.clock.Now()
	if parsed.ThisUpdate.After(now) || (!parsed.NextUpdate.IsZero() && parsed.NextUpdate.Before(now)) {
		return ocspVerdict{}, errOCSPStale
	}

	switch parsed.Status {
	case ocsp.Good:
		return ocspVerdict{nextUpdate: parsed.NextUpdate}, nil
	case ocsp.Revoked:
		return ocspVerdict{revoked: true, nextUpdate: parsed.NextUpdate}, nil
	case ocsp.Unknown:
		return ocspVerdict{}, fmt.Errorf("OCSP status unknown")
	default:
		return ocspVerdict{}, fmt.Errorf("unexpected OCSP status: %d", parsed.Status)
	}
}
