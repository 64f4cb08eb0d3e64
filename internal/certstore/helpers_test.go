package certstore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

type testIdentity struct {
	cert    *x509.Certificate
	key     *rsa.PrivateKey
	certPEM []byte
	keyPEM  []byte
}

var serialSeq int64 = 100

func newTestCA(t *testing.T, cn string) testIdentity {
	t.Helper()
	return issue(t, cn, time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour), true, nil)
}

func newTestIdentity(t *testing.T, cn string, notBefore, notAfter time.Time) testIdentity {
	t.Helper()
	return issue(t, cn, notBefore, notAfter, false, nil)
}

func issue(t *testing.T, cn string, notBefore, notAfter time.Time, isCA bool, parent *testIdentity, mods ...func(*x509.Certificate)) testIdentity {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	serialSeq++
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serialSeq),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"ICP-Brasil"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	if isCA {
		tmpl.IsCA = true
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		tmpl.ExtKeyUsage = nil
	}
	for _, mod := range mods {
		mod(tmpl)
	}

	signerTmpl, signerKey := tmpl, key
	if parent != nil {
		signerTmpl, signerKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signerTmpl, &key.PublicKey, signerKey)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	return testIdentity{
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		keyPEM:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
	}
}

func issueFrom(t *testing.T, parent testIdentity, cn string) testIdentity {
	t.Helper()
	return issue(t, cn, time.Now().Add(-time.Hour), time.Now().Add(12*time.Hour), false, &parent)
}

func issueWithOCSP(t *testing.T, parent testIdentity, cn, responderURL string) testIdentity {
	t.Helper()
	return issue(t, cn, time.Now().Add(-time.Hour), time.Now().Add(12*time.Hour), false, &parent, func(c *x509.Certificate) {
		c.OCSPServer = []string{responderURL}
	})
}
