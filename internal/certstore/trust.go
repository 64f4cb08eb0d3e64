package certstore

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rezonia/nfse-submitter/internal/model"
)

// TrustStore holds the CA certificates (ICP-Brasil chain) an operator trusts
// and checks revocation through OCSP
type TrustStore struct {
	roots       *x509.CertPool
	rootCerts   []*x509.Certificate
	ocspCache   *OCSPCache
	responder   *ocspResponder
	ocspTTL     time.Duration
	ocspTimeout time.Duration
	softFail    bool
	clock       clockwork.Clock
	loadErrs    []error
}

// TrustStoreOption configures a TrustStore
type TrustStoreOption func(*TrustStore)

// NewTrustStore creates a trust store with no roots; add CAs with options
func NewTrustStore(opts ...TrustStoreOption) *TrustStore {
	store := &TrustStore{
		roots:       x509.NewCertPool(),
		rootCerts:   make([]*x509.Certificate, 0),
		ocspTTL:     DefaultOCSPCacheTTL,
		ocspTimeout: DefaultOCSPTimeout,
		clock:       clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		opt(store)
	}
	store.ocspCache = NewOCSPCache(store.ocspTTL, store.clock)
	store.responder = newOCSPResponder(store.ocspTimeout, store.clock)

	return store
}

// WithSoftFail keeps a certificate usable when its OCSP responder is unreachable
func WithSoftFail() TrustStoreOption {
	return func(s *TrustStore) {
		s.softFail = true
	}
}

// WithOCSPTimeout sets the timeout for OCSP requests
func WithOCSPTimeout(d time.Duration) TrustStoreOption {
	return func(s *TrustStore) {
		s.ocspTimeout = d
	}
}

// WithOCSPCacheTTL sets the TTL for OCSP cache entries
func WithOCSPCacheTTL(d time.Duration) TrustStoreOption {
	return func(s *TrustStore) {
		s.ocspTTL = d
	}
}

// WithTrustClock sets the clock used for chain validity and cache expiry
func WithTrustClock(c clockwork.Clock) TrustStoreOption {
	return func(s *TrustStore) {
		s.clock = c
	}
}

// WithCAFile adds CA certificates from a PEM file
func WithCAFile(path string) TrustStoreOption {
	return func(s *TrustStore) {
		data, err := os.ReadFile(path)
		if err != nil {
			s.loadErrs = append(s.loadErrs, err)
			return
		}
		if err := s.AddCertificatesFromPEM(data); err != nil {
			s.loadErrs = append(s.loadErrs, fmt.Errorf("%s: %w", path, err))
		}
	}
}

// WithCADir adds every .pem/.crt file in dir
func WithCADir(dir string) TrustStoreOption {
	return func(s *TrustStore) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			s.loadErrs = append(s.loadErrs, err)
			return
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if e.IsDir() || (ext != ".pem" && ext != ".crt") {
				continue
			}
			WithCAFile(filepath.Join(dir, e.Name()))(s)
		}
	}
}

// LoadErrors returns problems encountered while applying CA options
func (s *TrustStore) LoadErrors() []error {
	return s.loadErrs
}

// AddCertificate adds a single certificate to the trust store
func (s *TrustStore) AddCertificate(cert *x509.Certificate) {
	if cert != nil {
		s.roots.AddCert(cert)
		s.rootCerts = append(s.rootCerts, cert)
	}
}

// AddCertificatesFromPEM parses and adds certificates from PEM data
func (s *TrustStore) AddCertificatesFromPEM(pemData []byte) error {
	var added int
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return fmt.Errorf("failed to parse certificate: %w", err)
			}
			s.AddCertificate(cert)
			added++
		}
		pemData = rest
	}
	if added == 0 {
		return fmt.Errorf("no certificates found in PEM data")
	}
	return nil
}

// VerifyChain verifies the certificate chain against trusted roots
func (s *TrustStore) VerifyChain(cert *x509.Certificate, intermediates []*x509.Certificate) ([]*x509.Certificate, error) {
	if cert == nil {
		return nil, fmt.Errorf("certificate is nil")
	}

	var interPool *x509.CertPool
	if len(intermediates) > 0 {
		interPool = x509.NewCertPool()
		for _, inter := range intermediates {
			interPool.AddCert(inter)
		}
	}

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots:         s.roots,
		Intermediates: interPool,
		CurrentTime:   s.clock.Now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("chain verification failed: %w", err)
	}
	if len(chains) == 0 {
		return nil, fmt.Errorf("no valid certificate chains found")
	}

	return chains[0], nil
}

// CheckRevocation reports whether cert is still good according to OCSP.
// Certificates whose chain names no responder are treated as good.
func (s *TrustStore) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) (bool, error) {
	if cert == nil || issuer == nil {
		return false, fmt.Errorf("certificate or issuer is nil")
	}

	if notRevoked, found := s.ocspCache.Get(cert); found {
		return notRevoked, nil
	}

	if len(cert.OCSPServer) == 0 && len(issuer.OCSPServer) == 0 {
		return true, nil
	}

	v, err := s.responder.check(ctx, cert, issuer)
	if err != nil {
		if s.softFail {
			return true, model.NewCertificateError(model.CertCodeOCSPUnavailable, "OCSP check failed (soft-fail enabled)", err)
		}
		return false, model.NewCertificateError(model.CertCodeOCSPUnavailable, "OCSP check failed", err)
	}

	s.ocspCache.Set(cert, !v.revoked, v.nextUpdate)
	return !v.revoked, nil
}

// Roots returns the certificate pool
func (s *TrustStore) Roots() *x509.CertPool {
	return s.roots
}

// RootCerts returns the root certificates as a slice
func (s *TrustStore) RootCerts() []*x509.Certificate {
	return s.rootCerts
}

// IsSoftFail returns whether soft-fail mode is enabled
func (s *TrustStore) IsSoftFail() bool {
	return s.softFail
}

// Validate runs chain and OCSP checks for a loaded handle and revokes it in
// the store when the responder reports it revoked
func (s *Store) Validate(ctx context.Context, h *Handle) error {
	if s.trust == nil {
		return s.Check(h)
	}
	chain, err := s.trust.VerifyChain(h.cert, h.chain)
	if err != nil {
		return model.NewCertificateError(model.CertCodeChainInvalid, h.Subject(), err)
	}
	if len(chain) >= 2 {
		good, err := s.trust.CheckRevocation(ctx, h.cert, chain[1])
		if err != nil && !good {
			return err
		}
		if err != nil {
			s.logger.Warn("OCSP unavailable", "certificate_id", h.id, "error", err)
		}
		if !good {
			if rerr := s.Revoke(h); rerr != nil {
				return rerr
			}
			return model.NewSigningError(model.SignReasonRevoked, h.id, "certificate revoked by issuer", nil)
		}
	}
	return s.Check(h)
}
