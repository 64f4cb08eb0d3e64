package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/engine"
	"github.com/rezonia/nfse-submitter/internal/lock"
	"github.com/rezonia/nfse-submitter/internal/metrics"
	"github.com/rezonia/nfse-submitter/internal/mocks"
	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/municipality"
	"github.com/rezonia/nfse-submitter/internal/server"
	"github.com/rezonia/nfse-submitter/internal/signer"
	"github.com/rezonia/nfse-submitter/internal/store/memory"
	nfsetest "github.com/rezonia/nfse-submitter/internal/testutil"
)

const testSecret = "test-signing-key"

type testEnv struct {
	srv    *server.Server
	store  *memory.Store
	certs  *certstore.Store
	handle *certstore.Handle
}

func newTestServer(t *testing.T, config *server.Config) *testEnv {
	t.Helper()
	ctrl := gomock.NewController(t)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	adapter := mocks.NewMockAdapter(ctrl)
	adapter.EXPECT().Capability().Return(municipality.Capability{
		Code: "3550308", Name: "São Paulo", Protocol: "nfe-paulistana", Async: true,
	}).AnyTimes()

	certs := certstore.New(certstore.WithClock(clock))
	h := nfsetest.LoadHandleValid(t, certs, clock.Now().Add(-time.Hour), clock.Now().Add(24*time.Hour))

	reg := prometheus.NewRegistry()
	registry := municipality.NewRegistry(adapter)
	st := memory.New()
	eng := engine.New(st, lock.NewLocal(), registry, signer.New(certs, registry, signer.WithClock(clock)), certs,
		engine.WithClock(clock),
		engine.WithMetrics(metrics.New(reg)),
	)

	srv := server.NewServer(config, eng, certs,
		server.WithGatherer(reg),
		server.WithClock(clock),
	)
	return &testEnv{srv: srv, store: st, certs: certs, handle: h}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func submitBody(key string) server.SubmitRequest {
	inv := nfsetest.Invoice(key)
	return server.SubmitRequest{
		IssuerTaxID:                 inv.IssuerTaxID,
		IssuerMunicipalRegistration: inv.IssuerMunicipalRegistration,
		Recipient: server.RecipientRequest{
			TaxID: inv.Recipient.TaxID,
			Name:  inv.Recipient.Name,
			Email: inv.Recipient.Email,
		},
		ServiceCode:        inv.ServiceCode,
		ServiceDescription: inv.ServiceDescription,
		Amount:             inv.Amount,
		TaxRate:            inv.TaxRate,
		IssueDate:          "2026-03-10",
		IdempotencyKey:     key,
		MunicipalityCode:   string(inv.MunicipalityCode),
	}
}

func (e *testEnv) submit(t *testing.T, key string) server.SubmitResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/invoices", submitBody(key))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp server.SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t, &server.Config{Address: ":8080"})

	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
	assert.Equal(t, "2026-03-10T12:00:00Z", response["time"])
}

func TestSubmitEndpoint(t *testing.T) {
	env := newTestServer(t, &server.Config{})

	resp := env.submit(t, "order-1")
	assert.Equal(t, model.RecordID(nfsetest.IssuerTaxID, "order-1"), resp.ID)
	assert.Equal(t, model.StateCreated, resp.State)

	// same key, same invoice: same record
	again := env.submit(t, "order-1")
	assert.Equal(t, resp.ID, again.ID)
}

func TestSubmitEndpoint_IdempotencyReuse(t *testing.T) {
	env := newTestServer(t, &server.Config{})
	env.submit(t, "order-1")

	body := submitBody("order-1")
	body.ServiceDescription = "Outro serviço"
	w := env.do(t, http.MethodPost, "/api/v1/invoices", body)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSubmitEndpoint_Validation(t *testing.T) {
	env := newTestServer(t, &server.Config{})

	body := submitBody("order-1")
	body.IssuerTaxID = "123"
	body.ServiceDescription = ""
	w := env.do(t, http.MethodPost, "/api/v1/invoices", body)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp server.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	fields := make([]string, 0, len(resp.Fields))
	for _, f := range resp.Fields {
		fields = append(fields, f.Field)
	}
	assert.Contains(t, fields, "issuer_tax_id")
	assert.Contains(t, fields, "service_description")

	recs, err := env.store.ListByState(context.Background(), model.AllStates()...)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSubmitEndpoint_BadDate(t *testing.T) {
	env := newTestServer(t, &server.Config{})

	body := submitBody("order-1")
	body.IssueDate = "10/03/2026"
	w := env.do(t, http.MethodPost, "/api/v1/invoices", body)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSubmitEndpoint_InvalidJSON(t *testing.T) {
	env := newTestServer(t, &server.Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/invoices", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestServer(t, &server.Config{})
	id := env.submit(t, "order-1").ID

	w := env.do(t, http.MethodGet, "/api/v1/invoices/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp server.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.ID)
	assert.Equal(t, model.StateCreated, resp.State)
	assert.False(t, resp.Terminal)
	assert.Equal(t, model.MunicipalityCode("3550308"), resp.MunicipalityCode)

	w = env.do(t, http.MethodGet, "/api/v1/invoices/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelEndpoint(t *testing.T) {
	env := newTestServer(t, &server.Config{})
	id := env.submit(t, "order-1").ID

	w := env.do(t, http.MethodPost, "/api/v1/invoices/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp server.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, model.StateCancelled, resp.State)
	assert.True(t, resp.Terminal)

	w = env.do(t, http.MethodPost, "/api/v1/invoices/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAbandonEndpoint(t *testing.T) {
	env := newTestServer(t, &server.Config{})
	id := env.submit(t, "order-1").ID

	w := env.do(t, http.MethodPost, "/api/v1/invoices/"+id+"/abandon", server.AbandonRequest{Reason: "duplicated by phone"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp server.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, model.StateFailedPermanent, resp.State)
	assert.True(t, resp.ManualReview)
	require.NotEmpty(t, resp.History)
	assert.Equal(t, "duplicated by phone", resp.History[len(resp.History)-1].Reason)
}

func TestDANFSEEndpoint(t *testing.T) {
	env := newTestServer(t, &server.Config{})
	id := env.submit(t, "order-1").ID

	w := env.do(t, http.MethodGet, "/api/v1/invoices/"+id+"/danfse", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	ctx := context.Background()
	rec, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	issuedAt := time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC)
	rec.State = model.StateIssued
	rec.Result = &model.Result{DocumentNumber: "NFE-000789", VerificationCode: "ABCD1234", IssuedAt: &issuedAt}
	require.NoError(t, env.store.Update(ctx, rec))

	w = env.do(t, http.MethodGet, "/api/v1/invoices/"+id+"/danfse", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "danfse-NFE-000789.pdf")
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF-")))
}

func TestCertificateEndpoints(t *testing.T) {
	env := newTestServer(t, &server.Config{})

	w := env.do(t, http.MethodGet, "/api/v1/certificates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Certificates []certstore.Info `json:"certificates"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Certificates, 1)
	assert.Equal(t, nfsetest.IssuerTaxID, list.Certificates[0].IssuerTaxID)
	assert.True(t, list.Certificates[0].Valid)

	w = env.do(t, http.MethodDelete, "/api/v1/certificates/"+env.handle.ID(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info certstore.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.True(t, info.Revoked)
	assert.False(t, info.Valid)

	w = env.do(t, http.MethodDelete, "/api/v1/certificates/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCertificateUpload_Invalid(t *testing.T) {
	env := newTestServer(t, &server.Config{})

	w := env.do(t, http.MethodPost, "/api/v1/certificates", server.CertificateRequest{PFX: "%%%"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/certificates", server.CertificateRequest{PFX: "bm90IGEgcGZ4", Passphrase: "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/certificates", map[string]string{"passphrase": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMunicipalitiesEndpoint(t *testing.T) {
	env := newTestServer(t, &server.Config{})

	w := env.do(t, http.MethodGet, "/api/v1/municipalities", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Municipalities []municipality.Capability `json:"municipalities"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Municipalities, 1)
	assert.Equal(t, "São Paulo", resp.Municipalities[0].Name)
	assert.True(t, resp.Municipalities[0].Async)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestServer(t, &server.Config{})
	id := env.submit(t, "order-1").ID
	env.do(t, http.MethodPost, "/api/v1/invoices/"+id+"/cancel", nil)

	w := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `to="cancelled"`)
}

func TestAuth(t *testing.T) {
	env := newTestServer(t, &server.Config{JWTSecret: testSecret})

	w := env.do(t, http.MethodGet, "/api/v1/municipalities", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/municipalities", nil, "Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other, err := server.IssueToken("another-key", "ops", time.Hour)
	require.NoError(t, err)
	w = env.do(t, http.MethodGet, "/api/v1/municipalities", nil, "Authorization", "Bearer "+other)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := server.IssueToken(testSecret, "ops", -time.Minute)
	require.NoError(t, err)
	w = env.do(t, http.MethodGet, "/api/v1/municipalities", nil, "Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "expired")

	token, err := server.IssueToken(testSecret, "ops", time.Hour)
	require.NoError(t, err)
	w = env.do(t, http.MethodGet, "/api/v1/municipalities", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)

	// health and metrics stay open
	w = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// Benchmark tests

func BenchmarkHealth(b *testing.B) {
	srv := server.NewServer(&server.Config{}, nil, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
	}
}
