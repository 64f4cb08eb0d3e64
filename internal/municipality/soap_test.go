package municipality_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/metrics"
	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/municipality"
	nfsetest "github.com/rezonia/nfse-submitter/internal/testutil"
)

const okEnvelope = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <PingResponse xmlns="urn:test"><outputXML>&lt;Retorno&gt;&lt;Sucesso&gt;true&lt;/Sucesso&gt;&lt;/Retorno&gt;</outputXML></PingResponse>
  </soap:Body>
</soap:Envelope>`

const faultEnvelope = `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body><soap:Fault><faultcode>soap:Server</faultcode><faultstring>Erro interno</faultstring></soap:Fault></soap:Body>
</soap:Envelope>`

var ping = municipality.Operation{Name: "Ping", Action: "urn:test/Ping"}

func pingPayload() *etree.Element {
	el := etree.NewElement("Ping")
	el.CreateAttr("xmlns", "urn:test")
	el.CreateElement("nfseDadosMsg").SetText("<Pedido/>")
	return el
}

func newHandle(t *testing.T) (*certstore.Store, *certstore.Handle) {
	t.Helper()
	s := certstore.New()
	return s, nfsetest.LoadHandle(t, s)
}

func TestTransport_Call(t *testing.T) {
	var gotAction, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAction = r.Header.Get("SOAPAction")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(okEnvelope))
	}))
	defer srv.Close()

	store, h := newHandle(t)
	reg := prometheus.NewRegistry()
	tr := municipality.NewTransport(srv.URL, "3550308", store,
		municipality.WithHTTPClient(srv.Client()),
		municipality.WithMetrics(metrics.New(reg)))

	resp, err := tr.Call(context.Background(), h, ping, pingPayload())
	require.NoError(t, err)
	assert.Equal(t, "PingResponse", resp.Tag)

	assert.Equal(t, `"urn:test/Ping"`, gotAction)
	assert.Contains(t, gotType, "text/xml")
	assert.Contains(t, string(gotBody), "<soap:Body><Ping xmlns=\"urn:test\">")
	assert.Contains(t, string(gotBody), "&lt;Pedido/&gt;")

	text, ok := municipality.MessageText(resp, "outputXML")
	require.True(t, ok)
	msg, err := municipality.ParseMessage(text)
	require.NoError(t, err)
	assert.Equal(t, "true", msg.SelectElement("Sucesso").Text())

	n, err := testutil.GatherAndCount(reg, "nfse_outbound_call_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTransport_SOAP12(t *testing.T) {
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		_, _ = w.Write([]byte(strings.ReplaceAll(okEnvelope,
			"http://schemas.xmlsoap.org/soap/envelope/", "http://www.w3.org/2003/05/soap-envelope")))
	}))
	defer srv.Close()

	store, h := newHandle(t)
	tr := municipality.NewTransport(srv.URL, "3106200", store,
		municipality.WithHTTPClient(srv.Client()),
		municipality.WithSOAPVersion(municipality.SOAP12))

	_, err := tr.Call(context.Background(), h, ping, pingPayload())
	require.NoError(t, err)
	assert.Equal(t, `application/soap+xml; charset=utf-8; action="urn:test/Ping"`, gotType)
}

func TestTransport_Fault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(faultEnvelope))
	}))
	defer srv.Close()

	store, h := newHandle(t)
	tr := municipality.NewTransport(srv.URL, "3550308", store, municipality.WithHTTPClient(srv.Client()))

	_, err := tr.Call(context.Background(), h, ping, pingPayload())
	var pErr *model.ProtocolError
	require.True(t, errors.As(err, &pErr))
	assert.Equal(t, "soap:Server", pErr.Code)
	assert.Equal(t, "Erro interno", pErr.Message)
}

func TestTransport_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store, h := newHandle(t)
	tr := municipality.NewTransport(srv.URL, "3550308", store, municipality.WithHTTPClient(srv.Client()))

	_, err := tr.Call(context.Background(), h, ping, pingPayload())
	var tErr *model.TransportError
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, http.StatusServiceUnavailable, tErr.StatusCode)
	assert.False(t, tErr.Timeout)
	assert.Equal(t, model.KindTransport, model.KindOf(err))
}

func TestTransport_ClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	store, h := newHandle(t)
	tr := municipality.NewTransport(srv.URL, "3550308", store, municipality.WithHTTPClient(srv.Client()))

	_, err := tr.Call(context.Background(), h, ping, pingPayload())
	var pErr *model.ProtocolError
	require.True(t, errors.As(err, &pErr))
	assert.Equal(t, "http:403", pErr.Code)
	assert.Equal(t, model.ClassPermanent, municipality.Catalog{}.Classify(pErr))
}

func TestTransport_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	store, h := newHandle(t)
	tr := municipality.NewTransport(srv.URL, "3550308", store,
		municipality.WithHTTPClient(srv.Client()),
		municipality.WithTimeout(50*time.Millisecond))

	_, err := tr.Call(context.Background(), h, ping, pingPayload())
	var tErr *model.TransportError
	require.True(t, errors.As(err, &tErr))
	assert.True(t, tErr.Timeout)
}

func TestTransport_RevokedHandleNeverCalls(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store, h := newHandle(t)
	require.NoError(t, store.Revoke(h))
	tr := municipality.NewTransport(srv.URL, "3550308", store, municipality.WithHTTPClient(srv.Client()))

	_, err := tr.Call(context.Background(), h, ping, pingPayload())
	var sErr *model.SigningError
	require.True(t, errors.As(err, &sErr))
	assert.Equal(t, model.SignReasonRevoked, sErr.Reason)
	assert.Zero(t, hits.Load())
}

func TestTransport_MutualTLS(t *testing.T) {
	var peerCN atomic.Value
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.TLS.PeerCertificates) > 0 {
			peerCN.Store(r.TLS.PeerCertificates[0].Subject.CommonName)
		}
		_, _ = w.Write([]byte(okEnvelope))
	}))
	srv.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	srv.StartTLS()
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())

	store, h := newHandle(t)
	tr := municipality.NewTransport(srv.URL, "3550308", store, municipality.WithRootCAs(pool))

	_, err := tr.Call(context.Background(), h, ping, pingPayload())
	require.NoError(t, err)
	assert.Equal(t, nfsetest.IssuerCN, peerCN.Load())
}
