package certstore

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/pkcs12"

	"github.com/rezonia/nfse-submitter/internal/model"
)

// Environment variables used to bootstrap a certificate without a file on disk
const (
	EnvCertPEM  = "CERTIFICATE_CERT_PEM"
	EnvKeyPEM   = "CERTIFICATE_KEY_PEM"
	EnvPath     = "CERTIFICATE_PATH"
	EnvPassword = "CERTIFICATE_PASSWORD"
)

// Handle is an opaque reference to a loaded signing identity.
// It carries public certificate data only.
type Handle struct {
	id          string
	issuerTaxID string
	cert        *x509.Certificate
	chain       []*x509.Certificate
	loadedAt    time.Time
}

// ID returns the handle identifier (certificate fingerprint prefix)
func (h *Handle) ID() string {
	if h == nil {
		return ""
	}
	return h.id
}

// IssuerTaxID returns the CNPJ the certificate authenticates
func (h *Handle) IssuerTaxID() string { return h.issuerTaxID }

// Subject returns the certificate subject common name
func (h *Handle) Subject() string { return h.cert.Subject.CommonName }

// NotBefore returns the start of the validity window
func (h *Handle) NotBefore() time.Time { return h.cert.NotBefore }

// NotAfter returns the end of the validity window
func (h *Handle) NotAfter() time.Time { return h.cert.NotAfter }

// SerialNumber returns the certificate serial in decimal
func (h *Handle) SerialNumber() string { return h.cert.SerialNumber.String() }

// Certificate returns the public leaf certificate
func (h *Handle) Certificate() *x509.Certificate { return h.cert }

// ChainDER returns the leaf followed by any bundled intermediates, DER encoded
func (h *Handle) ChainDER() [][]byte {
	out := make([][]byte, 0, 1+len(h.chain))
	out = append(out, h.cert.Raw)
	for _, c := range h.chain {
		out = append(out, c.Raw)
	}
	return out
}

type entry struct {
	mu      sync.RWMutex
	handle  *Handle
	key     *rsa.PrivateKey
	revoked bool
}

// Store holds signing identities. Handles are read-mostly; revocation takes
// the entry write lock so it cannot interleave with a signature in progress.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	clock   clockwork.Clock
	trust   *TrustStore
	logger  *slog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the clock used for validity checks
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithTrustStore enables chain and OCSP verification at load time
func WithTrustStore(ts *TrustStore) Option {
	return func(s *Store) {
		s.trust = ts
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates an empty certificate store
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadOption adjusts a single load
type LoadOption func(*loadConfig)

type loadConfig struct {
	issuerTaxID string
}

// WithIssuerTaxID overrides the CNPJ extracted from the certificate subject
func WithIssuerTaxID(taxID string) LoadOption {
	return func(c *loadConfig) {
		c.issuerTaxID = model.DigitsOnly(taxID)
	}
}

// Load decodes a PKCS#12 (A1 .pfx/.p12) container
func (s *Store) Load(source []byte, passphrase string, opts ...LoadOption) (*Handle, error) {
	if len(source) == 0 {
		return nil, model.NewCertificateError(model.CertCodeCorrupt, "empty certificate source", nil)
	}

	key, cert, chain, err := decodePKCS12(source, passphrase)
	if err != nil {
		return nil, err
	}
	return s.add(key, cert, chain, opts...)
}

// LoadPEM loads a certificate (optionally followed by intermediates) and its private key
func (s *Store) LoadPEM(certPEM, keyPEM []byte, opts ...LoadOption) (*Handle, error) {
	certs, err := parseCertificatesPEM(certPEM)
	if err != nil {
		return nil, err
	}
	signer, err := parsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	key, err := rsaKey(signer)
	if err != nil {
		return nil, err
	}

	leaf, chain := pickLeaf(key, certs)
	if leaf == nil {
		return nil, model.NewCertificateError(model.CertCodeCorrupt, "no certificate matches the private key", nil)
	}
	return s.add(key, leaf, chain, opts...)
}

// LoadFile loads a .pfx/.p12 file, or a .pem file holding both certificate and key
func (s *Store) LoadFile(path, passphrase string, opts ...LoadOption) (*Handle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.NewCertificateError(model.CertCodeCorrupt, fmt.Sprintf("read %s", path), err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pfx", ".p12":
		return s.Load(data, passphrase, opts...)
	case ".pem", ".crt":
		return s.LoadPEM(data, data, opts...)
	default:
		return nil, model.NewCertificateError(model.CertCodeUnsupported, fmt.Sprintf("unsupported certificate file %s", filepath.Base(path)), nil)
	}
}

// LoadDir loads every .pfx/.p12 file in dir with the same passphrase.
// Files that fail are logged and skipped.
func (s *Store) LoadDir(dir, passphrase string) ([]*Handle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read certificate dir: %w", err)
	}

	var handles []*Handle
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".pfx" && ext != ".p12" {
			continue
		}
		h, err := s.LoadFile(filepath.Join(dir, e.Name()), passphrase)
		if err != nil {
			s.logger.Warn("skipping certificate", "file", e.Name(), "error", err)
			continue
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// LoadFromEnv bootstraps a certificate from base64-encoded PEM variables
// (CERTIFICATE_CERT_PEM/CERTIFICATE_KEY_PEM) or from CERTIFICATE_PATH.
// It returns (nil, nil) when neither is set.
func (s *Store) LoadFromEnv(opts ...LoadOption) (*Handle, error) {
	certB64, keyB64 := os.Getenv(EnvCertPEM), os.Getenv(EnvKeyPEM)
	if certB64 != "" && keyB64 != "" {
		certPEM, err := base64.StdEncoding.DecodeString(strings.TrimSpace(certB64))
		if err != nil {
			return nil, model.NewCertificateError(model.CertCodeCorrupt, EnvCertPEM+" is not base64", err)
		}
		keyPEM, err := base64.StdEncoding.DecodeString(strings.TrimSpace(keyB64))
		if err != nil {
			return nil, model.NewCertificateError(model.CertCodeCorrupt, EnvKeyPEM+" is not base64", err)
		}
		return s.LoadPEM(certPEM, keyPEM, opts...)
	}

	if path := os.Getenv(EnvPath); path != "" {
		return s.LoadFile(path, os.Getenv(EnvPassword), opts...)
	}
	return nil, nil
}

func (s *Store) add(key *rsa.PrivateKey, cert *x509.Certificate, chain []*x509.Certificate, opts ...LoadOption) (*Handle, error) {
	cfg := &loadConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	taxID := cfg.issuerTaxID
	if taxID == "" {
		taxID = ExtractTaxID(cert)
	}
	if len(taxID) != 14 {
		return nil, model.NewCertificateError(model.CertCodeMissingTaxID,
			fmt.Sprintf("no CNPJ found in certificate %q", cert.Subject.CommonName), nil)
	}

	if s.trust != nil {
		if _, err := s.trust.VerifyChain(cert, chain); err != nil {
			return nil, model.NewCertificateError(model.CertCodeChainInvalid, cert.Subject.CommonName, err)
		}
	}

	sum := sha256.Sum256(cert.Raw)
	h := &Handle{
		id:          hex.EncodeToString(sum[:8]),
		issuerTaxID: taxID,
		cert:        cert,
		chain:       chain,
		loadedAt:    s.clock.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[h.id]; ok {
		existing.mu.RLock()
		revoked := existing.revoked
		existing.mu.RUnlock()
		if revoked {
			return nil, model.NewSigningError(model.SignReasonRevoked, h.id, "certificate was revoked in this process", nil)
		}
		wipeKey(key)
		return existing.handle, nil
	}

	s.entries[h.id] = &entry{handle: h, key: key}
	s.logger.Info("certificate loaded",
		"certificate_id", h.id,
		"issuer_tax_id", taxID,
		"subject", cert.Subject.CommonName,
		"not_after", cert.NotAfter,
	)
	return h, nil
}

// Get returns a handle by ID
func (s *Store) Get(id string) (*Handle, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, model.NewCertificateError(model.CertCodeUnknownHandle, fmt.Sprintf("unknown certificate %s", id), nil)
	}
	return e.handle, nil
}

// ActiveFor returns the usable handle for an issuer with the latest expiry
func (s *Store) ActiveFor(issuerTaxID string) (*Handle, error) {
	taxID := model.DigitsOnly(issuerTaxID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Handle
	for _, e := range s.entries {
		if e.handle.issuerTaxID != taxID {
			continue
		}
		e.mu.RLock()
		err := s.checkEntry(e)
		e.mu.RUnlock()
		if err != nil {
			continue
		}
		if best == nil || e.handle.cert.NotAfter.After(best.cert.NotAfter) {
			best = e.handle
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrNoCertificate, taxID)
	}
	return best, nil
}

// Resolve returns the handle to use for issuerTaxID. When no certificate is
// usable it returns the newest one together with the error Check reports for
// it, so callers can tell an expired certificate from a missing one.
func (s *Store) Resolve(issuerTaxID string) (*Handle, error) {
	if h, err := s.ActiveFor(issuerTaxID); err == nil {
		return h, nil
	}
	taxID := model.DigitsOnly(issuerTaxID)

	s.mu.RLock()
	var latest *entry
	for _, e := range s.entries {
		if e.handle.issuerTaxID == taxID && (latest == nil || e.handle.cert.NotAfter.After(latest.handle.cert.NotAfter)) {
			latest = e
		}
	}
	s.mu.RUnlock()

	if latest == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrNoCertificate, taxID)
	}
	latest.mu.RLock()
	defer latest.mu.RUnlock()
	return latest.handle, s.checkEntry(latest)
}

// List returns info for every loaded certificate, newest expiry first
func (s *Store) List() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Info, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, s.infoLocked(e))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ValidUntil.After(out[j].ValidUntil)
	}) // newest expiry first
	return out
}

// Revoke marks the handle unusable and wipes its key. Signatures that already
// hold the entry read lock complete first; none begin afterwards.
func (s *Store) Revoke(h *Handle) error {
	if h == nil {
		return model.NewCertificateError(model.CertCodeUnknownHandle, "nil handle", nil)
	}
	s.mu.RLock()
	e, ok := s.entries[h.id]
	s.mu.RUnlock()
	if !ok {
		return model.NewCertificateError(model.CertCodeUnknownHandle, fmt.Sprintf("unknown certificate %s", h.id), nil)
	}

	e.mu.Lock()
	e.revoked = true
	wipeKey(e.key)
	e.key = nil
	e.mu.Unlock()

	s.logger.Warn("certificate revoked", "certificate_id", h.id, "issuer_tax_id", h.issuerTaxID)
	return nil
}

// Close wipes every private key held by the store
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		e.mu.Lock()
		wipeKey(e.key)
		e.key = nil
		e.revoked = true
		e.mu.Unlock()
	}
	return nil
}

func (s *Store) entry(h *Handle) (*entry, error) {
	if h == nil {
		return nil, model.NewSigningError(model.SignReasonUnknown, "", "nil certificate handle", nil)
	}
	s.mu.RLock()
	e, ok := s.entries[h.id]
	s.mu.RUnlock()
	if !ok {
		return nil, model.NewSigningError(model.SignReasonUnknown, h.id, "certificate not loaded", nil)
	}
	return e, nil
}

func decodePKCS12(source []byte, passphrase string) (*rsa.PrivateKey, *x509.Certificate, []*x509.Certificate, error) {
	priv, cert, err := pkcs12.Decode(source, passphrase)
	if err == nil {
		key, kerr := rsaKey(priv)
		if kerr != nil {
			return nil, nil, nil, kerr
		}
		return key, cert, nil, nil
	}
	if errors.Is(err, pkcs12.ErrIncorrectPassword) {
		return nil, nil, nil, model.NewCertificateError(model.CertCodeBadPassphrase, "incorrect passphrase", err)
	}

	// Containers that bundle the ICP-Brasil chain have more than two safe
	// bags, which Decode rejects. ToPEM walks every bag.
	blocks, perr := pkcs12.ToPEM(source, passphrase)
	if perr != nil {
		if errors.Is(perr, pkcs12.ErrIncorrectPassword) {
			return nil, nil, nil, model.NewCertificateError(model.CertCodeBadPassphrase, "incorrect passphrase", perr)
		}
		return nil, nil, nil, model.NewCertificateError(model.CertCodeCorrupt, "invalid PKCS#12 container", err)
	}

	var (
		key   *rsa.PrivateKey
		certs []*x509.Certificate
	)
	for _, b := range blocks {
		switch b.Type {
		case "CERTIFICATE":
			c, err := x509.ParseCertificate(b.Bytes)
			if err != nil {
				return nil, nil, nil, model.NewCertificateError(model.CertCodeCorrupt, "invalid certificate bag", err)
			}
			certs = append(certs, c)
		case "PRIVATE KEY":
			k, err := x509.ParsePKCS1PrivateKey(b.Bytes)
			if err != nil {
				return nil, nil, nil, model.NewCertificateError(model.CertCodeUnsupportedKey, "private key is not RSA", err)
			}
			key = k
		}
	}
	if key == nil {
		return nil, nil, nil, model.NewCertificateError(model.CertCodeCorrupt, "no private key in container", nil)
	}
	leaf, chain := pickLeaf(key, certs)
	if leaf == nil {
		return nil, nil, nil, model.NewCertificateError(model.CertCodeCorrupt, "no certificate matches the private key", nil)
	}
	return key, leaf, chain, nil
}

func parseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			c, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, model.NewCertificateError(model.CertCodeCorrupt, "invalid PEM certificate", err)
			}
			certs = append(certs, c)
		}
		data = rest
	}
	if len(certs) == 0 {
		return nil, model.NewCertificateError(model.CertCodeCorrupt, "no certificates found in PEM data", nil)
	}
	return certs, nil
}

func parsePrivateKeyPEM(data []byte) (any, error) {
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, model.NewCertificateError(model.CertCodeCorrupt, "invalid PKCS#1 key", err)
			}
			return k, nil
		case "PRIVATE KEY":
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, model.NewCertificateError(model.CertCodeCorrupt, "invalid PKCS#8 key", err)
			}
			return k, nil
		case "ENCRYPTED PRIVATE KEY":
			return nil, model.NewCertificateError(model.CertCodeUnsupported, "encrypted PEM keys are not supported, use PKCS#12", nil)
		}
		data = rest
	}
	return nil, model.NewCertificateError(model.CertCodeCorrupt, "no private key found in PEM data", nil)
}

func rsaKey(k any) (*rsa.PrivateKey, error) {
	key, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, model.NewCertificateError(model.CertCodeUnsupportedKey, fmt.Sprintf("unsupported key type %T", k), nil)
	}
	return key, nil
}

// pickLeaf returns the certificate matching key and the remaining certificates
func pickLeaf(key *rsa.PrivateKey, certs []*x509.Certificate) (*x509.Certificate, []*x509.Certificate) {
	var (
		leaf  *x509.Certificate
		chain []*x509.Certificate
	)
	for _, c := range certs {
		pub, ok := c.PublicKey.(*rsa.PublicKey)
		if leaf == nil && ok && pub.Equal(&key.PublicKey) {
			leaf = c
			continue
		}
		chain = append(chain, c)
	}
	return leaf, chain
}

func wipeKey(k *rsa.PrivateKey) {
	if k == nil {
		return
	}
	zero := func(n *big.Int) {
		if n != nil {
			n.SetInt64(0)
		}
	}
	zero(k.D)
	for _, p := range k.Primes {
		zero(p)
	}
	zero(k.Precomputed.Dp)
	zero(k.Precomputed.Dq)
	zero(k.Precomputed.Qinv)
}
