package engine_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/engine"
	"github.com/rezonia/nfse-submitter/internal/lock"
	"github.com/rezonia/nfse-submitter/internal/mocks"
	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/municipality"
	"github.com/rezonia/nfse-submitter/internal/scheduler"
	"github.com/rezonia/nfse-submitter/internal/signer"
	"github.com/rezonia/nfse-submitter/internal/store/memory"
	nfsetest "github.com/rezonia/nfse-submitter/internal/testutil"
)

const sp model.MunicipalityCode = "3550308"

type fakeQueue struct {
	mu    sync.Mutex
	tasks []scheduler.Task
}

func (q *fakeQueue) Enqueue(t scheduler.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return true
}

func (q *fakeQueue) last() scheduler.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[len(q.tasks)-1]
}

type fixture struct {
	eng     *engine.Engine
	store   *memory.Store
	certs   *certstore.Store
	handle  *certstore.Handle
	adapter *mocks.MockAdapter
	queue   *fakeQueue
	clock   *clockwork.FakeClock
}

func newFixture(t *testing.T, cap municipality.Capability, opts ...engine.Option) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	adapter := mocks.NewMockAdapter(ctrl)
	adapter.EXPECT().Capability().Return(cap).AnyTimes()
	adapter.EXPECT().Encode(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, inv *model.Invoice, _ *certstore.Handle) (*model.SignedRequest, error) {
			return &model.SignedRequest{
				Operation:    "EnvioLoteRPS",
				Body:         []byte("<PedidoEnvioLoteRPS/>"),
				TrackingHint: "rps:12345678/A/42",
			}, nil
		}).AnyTimes()

	certs := certstore.New(certstore.WithClock(clock))
	h := nfsetest.LoadHandleValid(t, certs, clock.Now().Add(-time.Hour), clock.Now().Add(24*time.Hour))

	registry := municipality.NewRegistry(adapter)
	st := memory.New()
	q := &fakeQueue{}
	opts = append([]engine.Option{
		engine.WithClock(clock),
		engine.WithQueue(q),
		engine.WithRand(func() float64 { return 0.5 }),
	}, opts...)
	eng := engine.New(st, lock.NewLocal(), registry, signer.New(certs, registry, signer.WithClock(clock)), certs, opts...)

	return &fixture{eng: eng, store: st, certs: certs, handle: h, adapter: adapter, queue: q, clock: clock}
}

func spCapability() municipality.Capability {
	return municipality.Capability{Code: sp, Name: "São Paulo", Async: true}
}

func (f *fixture) submit(t *testing.T, key string) string {
	t.Helper()
	id, err := f.eng.SubmitInvoice(context.Background(), nfsetest.Invoice(key))
	require.NoError(t, err)
	return id
}

func (f *fixture) status(t *testing.T, id string) *model.SubmissionRecord {
	t.Helper()
	rec, err := f.eng.GetStatus(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestSubmitInvoice_ConcurrentDuplicatesCreateOneRecord(t *testing.T) {
	f := newFixture(t, spCapability())

	const callers = 32
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := f.eng.SubmitInvoice(context.Background(), nfsetest.Invoice("order-42"))
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, model.RecordID(nfsetest.IssuerTaxID, "order-42"), ids[0])
}

func TestSubmitInvoice_KeyReuse(t *testing.T) {
	f := newFixture(t, spCapability())
	f.submit(t, "order-42")

	inv := nfsetest.Invoice("order-42")
	inv.Amount = decimal.RequireFromString("99.90")
	_, err := f.eng.SubmitInvoice(context.Background(), inv)
	assert.ErrorIs(t, err, model.ErrIdempotencyReuse)
}

func TestSubmitInvoice_Validation(t *testing.T) {
	f := newFixture(t, spCapability())
	inv := nfsetest.Invoice("order-42")
	inv.Recipient.Name = ""
	inv.Amount = decimal.Zero

	_, err := f.eng.SubmitInvoice(context.Background(), inv)
	var encErr *model.EncodingError
	require.True(t, errors.As(err, &encErr))
	assert.Len(t, encErr.Fields, 2)
	assert.Equal(t, 0, f.store.Len())
}

func TestSubmitInvoice_UnsupportedMunicipality(t *testing.T) {
	f := newFixture(t, spCapability())
	inv := nfsetest.Invoice("order-42")
	inv.MunicipalityCode = "4106902"

	_, err := f.eng.SubmitInvoice(context.Background(), inv)
	assert.ErrorIs(t, err, model.ErrUnknownAdapter)
}

func TestAttempt_AcceptedPending(t *testing.T) {
	f := newFixture(t, spCapability())
	id := f.submit(t, "order-42")
	assert.Equal(t, scheduler.KindSubmit, f.queue.last().Kind)

	f.adapter.EXPECT().Submit(gomock.Any(), f.handle, gomock.Any()).Return(model.AcceptedPending("TRK123"), nil)
	require.NoError(t, f.eng.Attempt(context.Background(), id))

	rec := f.status(t, id)
	assert.Equal(t, model.StatePending, rec.State)
	assert.Equal(t, "TRK123", rec.TrackingID)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, f.handle.ID(), rec.CertificateID)
	require.NotNil(t, rec.SignedRequest)
	assert.Len(t, rec.SignedRequest.Digest, 64)

	poll := f.queue.last()
	assert.Equal(t, scheduler.KindPoll, poll.Kind)
	assert.Equal(t, f.clock.Now().Add(engine.DefaultPolicy().PollInterval).UTC(), poll.NotBefore)

	var states []model.State
	for _, tr := range rec.History {
		states = append(states, tr.To)
	}
	assert.Equal(t, []model.State{model.StateSigning, model.StateSubmitting, model.StatePending}, states)
}

func TestAttempt_DuplicateWhilePendingDoesNotResubmit(t *testing.T) {
	f := newFixture(t, spCapability())
	id := f.submit(t, "order-42")

	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(model.AcceptedPending("TRK123"), nil).Times(1)
	require.NoError(t, f.eng.Attempt(context.Background(), id))

	again := f.submit(t, "order-42")
	assert.Equal(t, id, again)
	require.NoError(t, f.eng.Attempt(context.Background(), id))

	rec := f.status(t, id)
	assert.Equal(t, model.StatePending, rec.State)
	assert.Equal(t, 1, rec.Attempts)
}

func TestAttempt_SyncIssued(t *testing.T) {
	f := newFixture(t, municipality.Capability{Code: sp})
	id := f.submit(t, "order-42")

	issuedAt := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	out := model.Issued("NFE-000789")
	out.VerificationCode = "AB12CD34"
	out.IssuedAt = &issuedAt
	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(out, nil)

	require.NoError(t, f.eng.Attempt(context.Background(), id))
	rec := f.status(t, id)
	assert.Equal(t, model.StateIssued, rec.State)
	require.NotNil(t, rec.Result)
	assert.Equal(t, "NFE-000789", rec.Result.DocumentNumber)
	assert.Equal(t, "AB12CD34", rec.Result.VerificationCode)
}

func TestAttempt_Rejected(t *testing.T) {
	f := newFixture(t, spCapability())
	id := f.submit(t, "order-42")
	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(model.Rejected("1057: CNPJ do tomador inválido"), nil)

	require.NoError(t, f.eng.Attempt(context.Background(), id))
	rec := f.status(t, id)
	assert.Equal(t, model.StateRejected, rec.State)
	assert.Equal(t, "1057: CNPJ do tomador inválido", rec.Result.Reason)
}

func TestAttempt_SixTimeoutsFailPermanently(t *testing.T) {
	f := newFixture(t, spCapability())
	id := f.submit(t, "order-42")

	timeout := model.NewTransportError("https://nfe.prefeitura.sp.gov.br/ws/lotenfe.asmx", "EnvioLoteRPS", 0, true, context.DeadlineExceeded)
	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, timeout).Times(6)
	f.adapter.EXPECT().QueryStatus(gomock.Any(), gomock.Any(), gomock.Any()).Return(model.NotFound(), nil).Times(5)

	var backoffs []time.Duration
	for i := 0; i < 6; i++ {
		require.NoError(t, f.eng.Attempt(context.Background(), id))
		rec := f.status(t, id)
		if i < 5 {
			require.Equal(t, model.StateFailedTransient, rec.State)
			require.NotNil(t, rec.NextRetryAt)
			backoffs = append(backoffs, rec.LastBackoff)
			f.clock.Advance(rec.LastBackoff)
		}
	}

	rec := f.status(t, id)
	assert.Equal(t, model.StateFailedPermanent, rec.State)
	assert.Equal(t, 6, rec.Attempts)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, model.KindTransport, rec.LastError.Kind)
	assert.Nil(t, rec.NextRetryAt)

	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}, backoffs)

	require.NoError(t, f.eng.Attempt(context.Background(), id))
	assert.Equal(t, 6, f.status(t, id).Attempts)
}

func TestAttempt_ExpiredCertificateNeverSubmits(t *testing.T) {
	f := newFixture(t, spCapability())
	id := f.submit(t, "order-42")
	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	f.clock.Advance(48 * time.Hour)
	require.NoError(t, f.eng.Attempt(context.Background(), id))

	rec := f.status(t, id)
	assert.Equal(t, model.StateFailedPermanent, rec.State)
	assert.Equal(t, 0, rec.Attempts)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, model.KindSigning, rec.LastError.Kind)
}

func TestAttempt_CertificateExpiresBetweenRetries(t *testing.T) {
	f := newFixture(t, spCapability())
	id := f.submit(t, "order-42")
	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, model.NewTransportError("https://example", "EnvioLoteRPS", 503, false, nil)).Times(1)

	require.NoError(t, f.eng.Attempt(context.Background(), id))
	require.Equal(t, model.StateFailedTransient, f.status(t, id).State)

	f.clock.Advance(48 * time.Hour)
	require.NoError(t, f.eng.Attempt(context.Background(), id))

	rec := f.status(t, id)
	assert.Equal(t, model.StateFailedPermanent, rec.State)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, model.KindSigning, rec.LastError.Kind)
}

func TestAttempt_RevokedCertificate(t *testing.T) {
	f := newFixture(t, spCapability())
	id := f.submit(t, "order-42")
	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	require.NoError(t, f.certs.Revoke(f.handle))

	require.NoError(t, f.eng.Attempt(context.Background(), id))
	assert.Equal(t, model.StateFailedPermanent, f.status(t, id).State)
}

func TestAttempt_PermanentProtocolError(t *testing.T) {
	f := newFixture(t, spCapability())
	id := f.submit(t, "order-42")

	perr := model.NewProtocolError("1003", "Assinatura inválida")
	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, perr)
	f.adapter.EXPECT().ClassifyError(perr).Return(model.ClassPermanent)

	require.NoError(t, f.eng.Attempt(context.Background(), id))
	rec := f.status(t, id)
	assert.Equal(t, model.StateFailedPermanent, rec.State)
	assert.Equal(t, "1003", rec.LastError.Code)
	assert.Equal(t, model.ClassPermanent, rec.LastError.Class)
	assert.False(t, rec.ManualReview)
}

func TestAttempt_UnknownErrorCap(t *testing.T) {
	f := newFixture(t, spCapability(), engine.WithUnknownErrorCap(3))
	id := f.submit(t, "order-42")

	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, *certstore.Handle, *model.SignedRequest) (*model.Outcome, error) {
			return nil, model.NewProtocolError("777", "erro desconhecido")
		}).Times(4)
	f.adapter.EXPECT().ClassifyError(gomock.Any()).Return(model.ClassUnknown).Times(4)
	f.adapter.EXPECT().QueryStatus(gomock.Any(), gomock.Any(), gomock.Any()).Return(model.NotFound(), nil).Times(3)

	for i := 0; i < 4; i++ {
		require.NoError(t, f.eng.Attempt(context.Background(), id))
	}
	rec := f.status(t, id)
	assert.Equal(t, model.StateFailedPermanent, rec.State)
	assert.True(t, rec.ManualReview)
	assert.Equal(t, 4, rec.UnknownErrors)
	assert.Equal(t, model.ClassUnknown, rec.LastError.Class)
}

func TestAttempt_RetryFindsEarlierRequestIssued(t *testing.T) {
	f := newFixture(t, spCapability())
	id := f.submit(t, "order-42")

	timeout := model.NewTransportError("https://nfe.prefeitura.sp.gov.br/ws/lotenfe.asmx", "EnvioLoteRPS", 0, true, context.DeadlineExceeded)
	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, timeout).Times(1)
	require.NoError(t, f.eng.Attempt(context.Background(), id))
	rec := f.status(t, id)
	require.Equal(t, model.StateFailedTransient, rec.State)

	f.adapter.EXPECT().QueryStatus(gomock.Any(), f.handle, municipality.StatusQuery{
		TrackingID:            "rps:12345678/A/42",
		IssuerTaxID:           nfsetest.IssuerTaxID,
		MunicipalRegistration: "12345678",
	}).Return(model.Issued("NFE-000789"), nil)

	f.clock.Advance(rec.LastBackoff)
	require.NoError(t, f.eng.Attempt(context.Background(), id))

	rec = f.status(t, id)
	assert.Equal(t, model.StateIssued, rec.State)
	assert.Equal(t, "NFE-000789", rec.Result.DocumentNumber)
	assert.Equal(t, 1, rec.Attempts)
}

func TestAttempt_RetryFindsEarlierRequestPending(t *testing.T) {
	f := newFixture(t, spCapability())
	id := f.submit(t, "order-42")

	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, model.NewTransportError("https://example", "EnvioLoteRPS", 502, false, nil)).Times(1)
	require.NoError(t, f.eng.Attempt(context.Background(), id))

	f.adapter.EXPECT().QueryStatus(gomock.Any(), gomock.Any(), gomock.Any()).Return(model.AcceptedPending("TRK123"), nil)
	require.NoError(t, f.eng.Attempt(context.Background(), id))

	rec := f.status(t, id)
	assert.Equal(t, model.StatePending, rec.State)
	assert.Equal(t, "TRK123", rec.TrackingID)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, scheduler.KindPoll, f.queue.last().Kind)
}

func TestAttempt_RetryQueryFailureUsesPollBudget(t *testing.T) {
	f := newFixture(t, spCapability())
	id := f.submit(t, "order-42")

	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, model.NewTransportError("https://example", "EnvioLoteRPS", 503, false, nil)).Times(1)
	require.NoError(t, f.eng.Attempt(context.Background(), id))

	queryErr := model.NewTransportError("https://example", "ConsultaNFe", 503, false, nil)
	f.adapter.EXPECT().QueryStatus(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, queryErr).Times(2)
	for i := 0; i < 2; i++ {
		require.NoError(t, f.eng.Attempt(context.Background(), id))
	}

	rec := f.status(t, id)
	assert.Equal(t, model.StateFailedTransient, rec.State)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 2, rec.PollFailures)
	require.NotNil(t, rec.NextRetryAt)
	assert.Equal(t, scheduler.KindSubmit, f.queue.last().Kind)
}

func TestAttempt_NativelyIdempotentRetrySkipsQuery(t *testing.T) {
	f := newFixture(t, municipality.Capability{Code: sp, NativeIdempotency: true})
	id := f.submit(t, "order-42")

	f.adapter.EXPECT().QueryStatus(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	gomock.InOrder(
		f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, model.NewTransportError("https://example", "GerarNfse", 503, false, nil)),
		f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(model.Issued("NFE-1"), nil),
	)

	require.NoError(t, f.eng.Attempt(context.Background(), id))
	require.NoError(t, f.eng.Attempt(context.Background(), id))

	rec := f.status(t, id)
	assert.Equal(t, model.StateIssued, rec.State)
	assert.Equal(t, 2, rec.Attempts)
}

func TestAttempt_CertificateExpiresBeforeCallDoesNotCountAttempt(t *testing.T) {
	f := newFixture(t, spCapability())
	id := f.submit(t, "order-42")

	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, model.NewTransportError("https://example", "EnvioLoteRPS", 503, false, nil)).Times(1)
	require.NoError(t, f.eng.Attempt(context.Background(), id))

	// the certificate expires while the municipality is being queried
	f.adapter.EXPECT().QueryStatus(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, *certstore.Handle, municipality.StatusQuery) (*model.Outcome, error) {
			f.clock.Advance(48 * time.Hour)
			return model.NotFound(), nil
		})
	require.NoError(t, f.eng.Attempt(context.Background(), id))

	rec := f.status(t, id)
	assert.Equal(t, model.StateFailedPermanent, rec.State)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, model.KindSigning, rec.LastError.Kind)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, spCapability())
	id := f.submit(t, "order-42")

	require.NoError(t, f.eng.Cancel(context.Background(), id))
	assert.Equal(t, model.StateCancelled, f.status(t, id).State)

	var trErr *model.InvalidTransitionError
	err := f.eng.Cancel(context.Background(), id)
	require.True(t, errors.As(err, &trErr))
	assert.Equal(t, model.StateCancelled, trErr.From)

	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	require.NoError(t, f.eng.Attempt(context.Background(), id))
}

func TestCancel_WaitsForInFlightAttempt(t *testing.T) {
	f := newFixture(t, municipality.Capability{Code: sp})
	id := f.submit(t, "order-42")

	entered := make(chan struct{})
	release := make(chan struct{})
	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, *certstore.Handle, *model.SignedRequest) (*model.Outcome, error) {
			close(entered)
			<-release
			return model.Issued("NFE-000789"), nil
		})

	attemptDone := make(chan error, 1)
	go func() { attemptDone <- f.eng.Attempt(context.Background(), id) }()
	<-entered

	cancelDone := make(chan error, 1)
	go func() { cancelDone <- f.eng.Cancel(context.Background(), id) }()

	select {
	case <-cancelDone:
		t.Fatal("cancel did not wait for the in-flight attempt")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-attemptDone)

	var trErr *model.InvalidTransitionError
	require.True(t, errors.As(<-cancelDone, &trErr))
	assert.Equal(t, model.StateIssued, trErr.From)
	assert.Equal(t, model.StateIssued, f.status(t, id).State)
}

func TestAbandonPending(t *testing.T) {
	f := newFixture(t, spCapability())
	id := f.submit(t, "order-42")
	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(model.AcceptedPending("TRK123"), nil)
	require.NoError(t, f.eng.Attempt(context.Background(), id))

	require.NoError(t, f.eng.Abandon(context.Background(), id, "prefeitura perdeu o lote"))
	rec := f.status(t, id)
	assert.Equal(t, model.StateFailedPermanent, rec.State)
	assert.True(t, rec.ManualReview)
}

// stuckInSubmitting simulates a crash after the request was sent
func stuckInSubmitting(t *testing.T, f *fixture, hint string) string {
	t.Helper()
	ctx := context.Background()
	inv := signer.Canonicalize(nfsetest.Invoice("order-42"))
	rec := model.NewSubmissionRecord(inv, f.clock.Now())
	require.NoError(t, f.store.Create(ctx, rec))

	now := f.clock.Now()
	require.NoError(t, rec.Transition(model.StateSigning, "", now))
	require.NoError(t, rec.Transition(model.StateSubmitting, "", now))
	rec.Attempts = 1
	rec.CertificateID = f.handle.ID()
	rec.SignedRequest = &model.SignedRequest{
		IdempotencyKey: "order-42",
		Municipality:   sp,
		Operation:      "EnvioLoteRPS",
		Body:           []byte("<PedidoEnvioLoteRPS/>"),
		TrackingHint:   hint,
		CertificateID:  f.handle.ID(),
	}
	require.NoError(t, f.store.Update(ctx, rec))
	return rec.ID
}

func TestRecover_SubmittingQueriesByTrackingHint(t *testing.T) {
	f := newFixture(t, spCapability())
	id := stuckInSubmitting(t, f, "rps:12345678/A/42")

	n, err := f.eng.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, scheduler.KindSubmit, f.queue.last().Kind)

	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	f.adapter.EXPECT().QueryStatus(gomock.Any(), f.handle, municipality.StatusQuery{
		TrackingID:            "rps:12345678/A/42",
		IssuerTaxID:           nfsetest.IssuerTaxID,
		MunicipalRegistration: "12345678",
	}).Return(model.Issued("NFE-000789"), nil)

	require.NoError(t, f.eng.Attempt(context.Background(), id))
	rec := f.status(t, id)
	assert.Equal(t, model.StateIssued, rec.State)
	assert.Equal(t, 1, rec.Attempts)
}

func TestRecover_SubmittingNotFoundResubmits(t *testing.T) {
	f := newFixture(t, spCapability())
	id := stuckInSubmitting(t, f, "rps:12345678/A/42")

	f.adapter.EXPECT().QueryStatus(gomock.Any(), gomock.Any(), gomock.Any()).Return(model.NotFound(), nil)
	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(model.AcceptedPending("TRK123"), nil)

	require.NoError(t, f.eng.Attempt(context.Background(), id))
	rec := f.status(t, id)
	assert.Equal(t, model.StatePending, rec.State)
	assert.Equal(t, 2, rec.Attempts)
}

func TestRecover_SubmittingWithoutTrackingNeedsReview(t *testing.T) {
	f := newFixture(t, spCapability())
	id := stuckInSubmitting(t, f, "")
	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	require.NoError(t, f.eng.Attempt(context.Background(), id))
	rec := f.status(t, id)
	assert.Equal(t, model.StateFailedPermanent, rec.State)
	assert.True(t, rec.ManualReview)
}

func TestRecover_SubmittingNativelyIdempotentResubmits(t *testing.T) {
	f := newFixture(t, municipality.Capability{Code: sp, NativeIdempotency: true})
	id := stuckInSubmitting(t, f, "")
	f.adapter.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(model.Issued("NFE-1"), nil)

	require.NoError(t, f.eng.Attempt(context.Background(), id))
	assert.Equal(t, model.StateIssued, f.status(t, id).State)
}

func TestRetryPolicy_DelayIsMonotonic(t *testing.T) {
	p := engine.DefaultRetryPolicy()
	r := rand.New(rand.NewPCG(42, 7))

	for run := 0; run < 200; run++ {
		var prev time.Duration
		for n := 1; n <= 12; n++ {
			d := p.Delay(n, prev, r.Float64)
			require.GreaterOrEqual(t, d, prev, "run %d attempt %d", run, n)
			require.LessOrEqual(t, d, p.MaxDelay)
			prev = d
		}
		assert.Equal(t, p.MaxDelay, prev)
	}
}

func TestRetryPolicy_Jitter(t *testing.T) {
	p := engine.DefaultRetryPolicy()
	assert.Equal(t, 1600*time.Millisecond, p.Delay(1, 0, func() float64 { return 0 }))
	assert.Equal(t, 2*time.Second, p.Delay(1, 0, func() float64 { return 0.5 }))
	assert.Equal(t, 3*time.Second, p.Delay(1, 3*time.Second, func() float64 { return 0 }))
	assert.True(t, p.Exhausted(6))
	assert.False(t, p.Exhausted(5))
}
