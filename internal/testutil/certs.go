// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/model"
)

// IssuerCN is an ICP-Brasil style subject carrying IssuerTaxID
const (
	IssuerTaxID = "12345678000195"
	IssuerCN    = "ACME SERVICOS LTDA:" + IssuerTaxID
)

// Identity is a generated certificate with its key
type Identity struct {
	Cert    *x509.Certificate
	Key     *rsa.PrivateKey
	CertPEM []byte
	KeyPEM  []byte
}

var serial atomic.Int64

// NewIdentity creates a self-signed client certificate
func NewIdentity(t testing.TB, cn string, notBefore, notAfter time.Time) Identity {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1000 + serial.Add(1)),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"ICP-Brasil"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return Identity{
		Cert:    cert,
		Key:     key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
	}
}

// LoadHandle generates a certificate valid around now and loads it into s
func LoadHandle(t testing.TB, s *certstore.Store) *certstore.Handle {
	t.Helper()
	return LoadHandleValid(t, s, time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour))
}

// LoadHandleValid loads a certificate with the given validity window into s
func LoadHandleValid(t testing.TB, s *certstore.Store, notBefore, notAfter time.Time) *certstore.Handle {
	t.Helper()
	id := NewIdentity(t, IssuerCN, notBefore, notAfter)
	h, err := s.LoadPEM(id.CertPEM, id.KeyPEM)
	require.NoError(t, err)
	return h
}

// Invoice returns a valid São Paulo invoice for IssuerTaxID
func Invoice(key string) model.Invoice {
	return model.Invoice{
		IssuerTaxID:                 IssuerTaxID,
		IssuerMunicipalRegistration: "12345678",
		Recipient: model.Recipient{
			TaxID: "98765432000198",
			Name:  "CLIENTE EXEMPLO SA",
			Email: "financeiro@cliente.com.br",
		},
		ServiceCode:        "02919",
		ServiceDescription: "Desenvolvimento de software sob encomenda",
		Amount:             decimal.RequireFromString("1500.00"),
		TaxRate:            decimal.RequireFromString("2"),
		IssueDate:          time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		IdempotencyKey:     key,
		MunicipalityCode:   "3550308",
		RPS:                model.RPS{Series: "A", Number: 42},
	}
}
