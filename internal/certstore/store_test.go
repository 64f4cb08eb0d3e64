package certstore

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/nfse-submitter/internal/model"
)

const testCN = "ACME SERVICOS LTDA:12345678000195"

func loadTestHandle(t *testing.T, s *Store, cn string, notBefore, notAfter time.Time) (*Handle, testIdentity) {
	t.Helper()
	id := newTestIdentity(t, cn, notBefore, notAfter)
	h, err := s.LoadPEM(id.certPEM, id.keyPEM)
	require.NoError(t, err)
	return h, id
}

func TestStore_LoadPEM(t *testing.T) {
	s := New()
	h, id := loadTestHandle(t, s, testCN, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	assert.Equal(t, "12345678000195", h.IssuerTaxID())
	assert.Equal(t, testCN, h.Subject())
	assert.Equal(t, id.cert.SerialNumber.String(), h.SerialNumber())
	assert.Len(t, h.ID(), 16)
	assert.NoError(t, s.Check(h))

	again, err := s.LoadPEM(id.certPEM, id.keyPEM)
	require.NoError(t, err)
	assert.Same(t, h, again)
}

func TestStore_LoadPEM_MissingTaxID(t *testing.T) {
	s := New()
	id := newTestIdentity(t, "Fulano de Tal", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	_, err := s.LoadPEM(id.certPEM, id.keyPEM)
	var certErr *model.CertificateError
	require.ErrorAs(t, err, &certErr)
	assert.Equal(t, model.CertCodeMissingTaxID, certErr.Code)

	h, err := s.LoadPEM(id.certPEM, id.keyPEM, WithIssuerTaxID("11.222.333/0001-81"))
	require.NoError(t, err)
	assert.Equal(t, "11222333000181", h.IssuerTaxID())
}

func TestStore_LoadPEM_KeyMismatch(t *testing.T) {
	a := newTestIdentity(t, testCN, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	b := newTestIdentity(t, testCN, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	_, err := New().LoadPEM(a.certPEM, b.keyPEM)
	var certErr *model.CertificateError
	require.ErrorAs(t, err, &certErr)
	assert.Equal(t, model.CertCodeCorrupt, certErr.Code)
}

func TestStore_Load_CorruptPKCS12(t *testing.T) {
	s := New()

	_, err := s.Load([]byte("definitely not a pfx"), "secret")
	var certErr *model.CertificateError
	require.ErrorAs(t, err, &certErr)
	assert.Equal(t, model.CertCodeCorrupt, certErr.Code)

	_, err = s.Load(nil, "secret")
	require.ErrorAs(t, err, &certErr)
}

func TestStore_LoadFile_Unsupported(t *testing.T) {
	path := t.TempDir() + "/cert.der"
	require.NoError(t, writeFile(path, []byte("x")))

	_, err := New().LoadFile(path, "")
	var certErr *model.CertificateError
	require.ErrorAs(t, err, &certErr)
	assert.Equal(t, model.CertCodeUnsupported, certErr.Code)
}

func TestStore_LoadFromEnv(t *testing.T) {
	id := newTestIdentity(t, testCN, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	t.Setenv(EnvCertPEM, base64.StdEncoding.EncodeToString(id.certPEM))
	t.Setenv(EnvKeyPEM, base64.StdEncoding.EncodeToString(id.keyPEM))

	h, err := New().LoadFromEnv()
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "12345678000195", h.IssuerTaxID())
}

func TestStore_LoadFromEnv_Unset(t *testing.T) {
	t.Setenv(EnvCertPEM, "")
	t.Setenv(EnvKeyPEM, "")
	t.Setenv(EnvPath, "")

	h, err := New().LoadFromEnv()
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestStore_SignBytes(t *testing.T) {
	s := New()
	h, id := loadTestHandle(t, s, testCN, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	payload := []byte("3550308000000001")
	sig, err := s.SignBytes(h, payload, crypto.SHA1)
	require.NoError(t, err)

	digest := sha1.Sum(payload)
	assert.NoError(t, rsa.VerifyPKCS1v15(&id.key.PublicKey, crypto.SHA1, digest[:], sig))
}

func TestStore_SignBytes_Expired(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(WithClock(clock))
	h, _ := loadTestHandle(t, s, testCN,
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	_, err := s.SignBytes(h, []byte("x"), crypto.SHA256)
	require.NoError(t, err)

	clock.Advance(365 * 24 * time.Hour)

	_, err = s.SignBytes(h, []byte("x"), crypto.SHA256)
	var signErr *model.SigningError
	require.ErrorAs(t, err, &signErr)
	assert.Equal(t, model.SignReasonExpired, signErr.Reason)
	assert.Equal(t, h.ID(), signErr.CertificateID)
}

func TestStore_SignBytes_NotYetValid(t *testing.T) {
	s := New()
	h, _ := loadTestHandle(t, s, testCN, time.Now().Add(time.Hour), time.Now().Add(2*time.Hour))

	_, err := s.SignBytes(h, []byte("x"), crypto.SHA256)
	var signErr *model.SigningError
	require.ErrorAs(t, err, &signErr)
	assert.Equal(t, model.SignReasonNotYetValid, signErr.Reason)
}

func TestStore_Revoke(t *testing.T) {
	s := New()
	h, _ := loadTestHandle(t, s, testCN, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	require.NoError(t, s.Revoke(h))

	_, err := s.SignBytes(h, []byte("x"), crypto.SHA256)
	var signErr *model.SigningError
	require.ErrorAs(t, err, &signErr)
	assert.Equal(t, model.SignReasonRevoked, signErr.Reason)

	digest := sha256.Sum256([]byte("x"))
	_, err = s.Signer(h).Sign(nil, digest[:], crypto.SHA256)
	require.ErrorAs(t, err, &signErr)

	_, err = s.ActiveFor("12345678000195")
	assert.ErrorIs(t, err, model.ErrNoCertificate)

	info, err := s.Info(h)
	require.NoError(t, err)
	assert.True(t, info.Revoked)
	assert.False(t, info.Valid)
}

func TestStore_Revoke_Concurrent(t *testing.T) {
	s := New()
	h, id := loadTestHandle(t, s, testCN, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	payload := []byte("payload")
	digest := sha256.Sum256(payload)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				sig, err := s.SignBytes(h, payload, crypto.SHA256)
				if err != nil {
					var signErr *model.SigningError
					assert.ErrorAs(t, err, &signErr)
					continue
				}
				assert.NoError(t, rsa.VerifyPKCS1v15(&id.key.PublicKey, crypto.SHA256, digest[:], sig))
			}
		}()
	}

	require.NoError(t, s.Revoke(h))
	_, err := s.SignBytes(h, payload, crypto.SHA256)
	assert.Error(t, err)
	wg.Wait()
}

func TestStore_ActiveFor(t *testing.T) {
	s := New()
	older, _ := loadTestHandle(t, s, testCN, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	newer, _ := loadTestHandle(t, s, testCN, time.Now().Add(-time.Hour), time.Now().Add(48*time.Hour))
	_, _ = loadTestHandle(t, s, "OUTRA LTDA:11222333000181", time.Now().Add(-time.Hour), time.Now().Add(96*time.Hour))

	h, err := s.ActiveFor("12.345.678/0001-95")
	require.NoError(t, err)
	assert.Equal(t, newer.ID(), h.ID())

	require.NoError(t, s.Revoke(newer))
	h, err = s.ActiveFor("12345678000195")
	require.NoError(t, err)
	assert.Equal(t, older.ID(), h.ID())

	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, "11222333000181", list[0].IssuerTaxID)
}

func TestStore_Resolve(t *testing.T) {
	s := New()
	expired, _ := loadTestHandle(t, s, testCN, time.Now().Add(-48*time.Hour), time.Now().Add(-24*time.Hour))

	h, err := s.Resolve("12345678000195")
	require.NotNil(t, h)
	assert.Equal(t, expired.ID(), h.ID())
	var signErr *model.SigningError
	require.True(t, errors.As(err, &signErr))
	assert.Equal(t, model.SignReasonExpired, signErr.Reason)

	valid, _ := loadTestHandle(t, s, testCN, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	h, err = s.Resolve("12345678000195")
	require.NoError(t, err)
	assert.Equal(t, valid.ID(), h.ID())

	_, err = s.Resolve("11222333000181")
	assert.ErrorIs(t, err, model.ErrNoCertificate)
}

func TestStore_ClientCertificate(t *testing.T) {
	s := New()
	h, id := loadTestHandle(t, s, testCN, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	get := s.ClientCertificate(h)
	tlsCert, err := get(nil)
	require.NoError(t, err)
	require.Len(t, tlsCert.Certificate, 1)
	assert.Equal(t, id.cert.Raw, tlsCert.Certificate[0])

	require.NoError(t, s.Revoke(h))
	_, err = get(nil)
	assert.Error(t, err)
}

func TestStore_Info(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(WithClock(clock))
	h, _ := loadTestHandle(t, s, testCN,
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC))

	info, err := s.Info(h)
	require.NoError(t, err)
	assert.Equal(t, 30, info.DaysUntilExpiration)
	assert.True(t, info.Valid)
	assert.Equal(t, "12345678000195", info.IssuerTaxID)
}

func TestStore_Close(t *testing.T) {
	s := New()
	h, _ := loadTestHandle(t, s, testCN, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	require.NoError(t, s.Close())
	assert.Error(t, s.Check(h))
}

func TestExtractTaxID(t *testing.T) {
	id := newTestIdentity(t, "EMPRESA X:12.345.678/0001-95", time.Now(), time.Now().Add(time.Hour))
	assert.Equal(t, "12345678000195", ExtractTaxID(id.cert))

	id = newTestIdentity(t, "EMPRESA SEM DOCUMENTO", time.Now(), time.Now().Add(time.Hour))
	assert.Equal(t, "", ExtractTaxID(id.cert))
	assert.Equal(t, "", ExtractTaxID(nil))
}
