package certstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ocsp"

	"github.com/rezonia/nfse-submitter/internal/model"
)

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}

func TestNewTrustStore_WithOptions(t *testing.T) {
	store := NewTrustStore(
		WithSoftFail(),
		WithOCSPTimeout(5*time.Second),
	)

	if !store.IsSoftFail() {
		t.Error("softFail should be true after WithSoftFail()")
	}
	if store.ocspTimeout != 5*time.Second {
		t.Errorf("ocspTimeout: got %v, want 5s", store.ocspTimeout)
	}
	if store.ocspCache == nil {
		t.Error("ocspCache should not be nil")
	}
}

func TestTrustStore_AddCertificatesFromPEM_Invalid(t *testing.T) {
	store := NewTrustStore()

	if err := store.AddCertificatesFromPEM([]byte("not a certificate")); err == nil {
		t.Error("expected error for invalid PEM data")
	}
}

func TestTrustStore_WithCADir(t *testing.T) {
	dir := t.TempDir()
	ca := newTestCA(t, "AC Teste RFB v5")
	if err := writeFile(filepath.Join(dir, "ac.pem"), ca.certPEM); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(dir, "README.txt"), []byte("ignored")); err != nil {
		t.Fatal(err)
	}

	store := NewTrustStore(WithCADir(dir))
	if len(store.LoadErrors()) != 0 {
		t.Fatalf("unexpected load errors: %v", store.LoadErrors())
	}
	if got := len(store.RootCerts()); got != 1 {
		t.Errorf("root certs: got %d, want 1", got)
	}
}

func TestTrustStore_VerifyChain(t *testing.T) {
	ca := newTestCA(t, "AC Raiz Teste")
	leaf := issueFrom(t, ca, testCN)

	store := NewTrustStore()
	store.AddCertificate(ca.cert)

	chain, err := store.VerifyChain(leaf.cert, nil)
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if len(chain) != 2 {
		t.Errorf("chain length: got %d, want 2", len(chain))
	}

	other := NewTrustStore()
	if _, err := other.VerifyChain(leaf.cert, nil); err == nil {
		t.Error("expected chain failure against an empty trust store")
	}
}

func TestStore_LoadRejectsUntrustedChain(t *testing.T) {
	ca := newTestCA(t, "AC Raiz Teste")
	stranger := newTestIdentity(t, testCN, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	ts := NewTrustStore()
	ts.AddCertificate(ca.cert)
	s := New(WithTrustStore(ts))

	if _, err := s.LoadPEM(stranger.certPEM, stranger.keyPEM); err == nil {
		t.Fatal("expected untrusted certificate to be rejected")
	}

	leaf := issueFrom(t, ca, testCN)
	h, err := s.LoadPEM(leaf.certPEM, leaf.keyPEM)
	if err != nil {
		t.Fatalf("LoadPEM failed: %v", err)
	}
	// no OCSP responder in the test chain, so validation stays local
	if err := s.Validate(context.Background(), h); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestOCSPCache_Expiration(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := NewOCSPCache(time.Minute, clock)
	cert := newTestIdentity(t, testCN, time.Now(), time.Now().Add(time.Hour)).cert

	if _, found := cache.Get(cert); found {
		t.Error("expected not found for new cert")
	}

	cache.Set(cert, true, time.Time{})
	notRevoked, found := cache.Get(cert)
	if !found || !notRevoked {
		t.Errorf("got (%v, %v), want (true, true)", notRevoked, found)
	}

	clock.Advance(2 * time.Minute)
	if _, found := cache.Get(cert); found {
		t.Error("expected entry to expire")
	}
	if cache.Size() != 0 {
		t.Errorf("expired entry not removed, size=%d", cache.Size())
	}
}

func TestCheckRevocation_NoResponder(t *testing.T) {
	ca := newTestCA(t, "AC Raiz Teste")
	leaf := issueFrom(t, ca, testCN)

	r := newOCSPResponder(time.Second, clockwork.NewRealClock())
	if _, err := r.check(context.Background(), leaf.cert, ca.cert); err == nil {
		t.Error("expected error when certificate has no OCSP URL")
	}

	store := NewTrustStore()
	good, err := store.CheckRevocation(context.Background(), leaf.cert, ca.cert)
	if err != nil || !good {
		t.Errorf("CheckRevocation without responder: got (%v, %v), want (true, nil)", good, err)
	}
}

func TestOCSPCache_NextUpdateShortensEntry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := NewOCSPCache(time.Hour, clock)
	cert := newTestIdentity(t, testCN, time.Now(), time.Now().Add(time.Hour)).cert

	cache.Set(cert, true, clock.Now().Add(5*time.Minute))
	clock.Advance(6 * time.Minute)
	if _, found := cache.Get(cert); found {
		t.Error("entry outlived the responder's NextUpdate")
	}
}

// ocspServer answers every request with status, signed by ca
func ocspServer(t *testing.T, ca testIdentity, status int, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		body, _ := io.ReadAll(r.Body)
		req, err := ocsp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		now := time.Now()
		tmpl := ocsp.Response{
			Status:       status,
			SerialNumber: req.SerialNumber,
			ThisUpdate:   now.Add(-time.Minute),
			NextUpdate:   now.Add(time.Hour),
		}
		if status == ocsp.Revoked {
			tmpl.RevokedAt = now.Add(-time.Hour)
			tmpl.RevocationReason = ocsp.KeyCompromise
		}
		resp, err := ocsp.CreateResponse(ca.cert, ca.cert, tmpl, ca.key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(resp)
	}))
}

func TestCheckRevocation_ResponderVerdicts(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantGood bool
	}{
		{"good", ocsp.Good, true},
		{"revoked", ocsp.Revoked, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ca := newTestCA(t, "AC Raiz Teste")
			var hits int32
			srv := ocspServer(t, ca, tt.status, &hits)
			defer srv.Close()
			leaf := issueWithOCSP(t, ca, testCN, srv.URL)

			store := NewTrustStore()
			for i := 0; i < 2; i++ {
				good, err := store.CheckRevocation(context.Background(), leaf.cert, ca.cert)
				if err != nil {
					t.Fatalf("CheckRevocation: %v", err)
				}
				if good != tt.wantGood {
					t.Errorf("good: got %v, want %v", good, tt.wantGood)
				}
			}
			if got := atomic.LoadInt32(&hits); got != 1 {
				t.Errorf("responder hits: got %d, want 1", got)
			}
		})
	}
}

func TestCheckRevocation_HungResponderTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ca := newTestCA(t, "AC Raiz Teste")
	leaf := issueWithOCSP(t, ca, testCN, srv.URL)
	store := NewTrustStore(WithOCSPTimeout(100 * time.Millisecond))

	start := time.Now()
	// no deadline on the caller's context; the responder client must give up on its own
	good, err := store.CheckRevocation(context.Background(), leaf.cert, ca.cert)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("CheckRevocation blocked for %v", elapsed)
	}
	if good {
		t.Error("hung responder must not report the certificate as good without soft-fail")
	}
	var certErr *model.CertificateError
	if !errors.As(err, &certErr) || certErr.Code != model.CertCodeOCSPUnavailable {
		t.Errorf("got %v, want OCSP_UNAVAILABLE", err)
	}

	soft := NewTrustStore(WithOCSPTimeout(100*time.Millisecond), WithSoftFail())
	good, err = soft.CheckRevocation(context.Background(), leaf.cert, ca.cert)
	if !good || err == nil {
		t.Errorf("soft-fail: got (%v, %v), want (true, OCSP_UNAVAILABLE)", good, err)
	}
}
