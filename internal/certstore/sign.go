package certstore

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"io"

	"github.com/rezonia/nfse-submitter/internal/model"
)

// Check reports whether h may be used right now
func (s *Store) Check(h *Handle) error {
	e, err := s.entry(h)
	if err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return s.checkEntry(e)
}

// checkEntry must be called with e.mu held
func (s *Store) checkEntry(e *entry) error {
	h := e.handle
	now := s.clock.Now()
	switch {
	case e.revoked || e.key == nil:
		return model.NewSigningError(model.SignReasonRevoked, h.id, "certificate revoked", nil)
	case now.Before(h.cert.NotBefore):
		return model.NewSigningError(model.SignReasonNotYetValid, h.id,
			fmt.Sprintf("certificate valid from %s", h.cert.NotBefore.Format("2006-01-02")), nil)
	case now.After(h.cert.NotAfter):
		return model.NewSigningError(model.SignReasonExpired, h.id,
			fmt.Sprintf("certificate expired on %s", h.cert.NotAfter.Format("2006-01-02")), nil)
	}
	return nil
}

// SignBytes signs payload with PKCS#1 v1.5 using the given hash
func (s *Store) SignBytes(h *Handle, payload []byte, hash crypto.Hash) ([]byte, error) {
	if !hash.Available() {
		return nil, model.NewSigningError(model.SignReasonCrypto, h.ID(), fmt.Sprintf("hash %s unavailable", hash), nil)
	}
	hasher := hash.New()
	hasher.Write(payload)
	return s.signDigest(h, rand.Reader, hasher.Sum(nil), hash)
}

func (s *Store) signDigest(h *Handle, r io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	e, err := s.entry(h)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := s.checkEntry(e); err != nil {
		return nil, err
	}
	var sig []byte
	if pss, ok := opts.(*rsa.PSSOptions); ok {
		sig, err = rsa.SignPSS(r, e.key, pss.Hash, digest, pss)
	} else {
		sig, err = rsa.SignPKCS1v15(r, e.key, opts.HashFunc(), digest)
	}
	if err != nil {
		return nil, model.NewSigningError(model.SignReasonCrypto, h.id, "RSA signature failed", err)
	}
	return sig, nil
}

// Signer returns a crypto.Signer bound to h. Every Sign call re-checks validity
// and revocation, so a revoked handle fails closed mid-document.
func (s *Store) Signer(h *Handle) crypto.Signer {
	return &guardedSigner{store: s, handle: h}
}

type guardedSigner struct {
	store  *Store
	handle *Handle
}

func (g *guardedSigner) Public() crypto.PublicKey {
	return g.handle.cert.PublicKey
}

// Sign handles PKCS#1 v1.5 for XMLDSig and PSS for TLS 1.3 handshakes
func (g *guardedSigner) Sign(r io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return g.store.signDigest(g.handle, r, digest, opts)
}

// ClientCertificate returns a tls.Config.GetClientCertificate callback that
// presents h for mutual TLS and refuses the handshake once h is unusable.
func (s *Store) ClientCertificate(h *Handle) func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	return func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		if err := s.Check(h); err != nil {
			return nil, err
		}
		return &tls.Certificate{
			Certificate: h.ChainDER(),
			PrivateKey:  s.Signer(h),
			Leaf:        h.cert,
		}, nil
	}
}
