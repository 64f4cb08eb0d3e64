// Package engine drives submission records through their lifecycle.
//
// Every mutation of a record happens while holding its lock and is written
// with a version compare-and-set, so at most one attempt, poll or cancel
// changes a record at a time, across processes sharing the store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/events"
	"github.com/rezonia/nfse-submitter/internal/lock"
	"github.com/rezonia/nfse-submitter/internal/metrics"
	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/municipality"
	"github.com/rezonia/nfse-submitter/internal/scheduler"
	"github.com/rezonia/nfse-submitter/internal/signer"
	"github.com/rezonia/nfse-submitter/internal/store"
)

// DefaultUnknownErrorCap is how many unclassified protocol errors a record
// may retry before it is failed and flagged for manual review
const DefaultUnknownErrorCap = 3

// Queue accepts scheduler tasks
type Queue interface {
	Enqueue(t scheduler.Task) bool
}

type nopQueue struct{}

func (nopQueue) Enqueue(scheduler.Task) bool { return false }

// Engine owns the submission state machine
type Engine struct {
	store    store.Store
	locker   lock.Locker
	registry *municipality.Registry
	signer   *signer.Signer
	certs    *certstore.Store

	queue      Queue
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	publisher  events.Publisher
	policies   map[model.MunicipalityCode]Policy
	defaults   Policy
	unknownCap int
	rnd        func() float64
}

// Option configures an Engine
type Option func(*Engine)

// WithQueue sets where attempt and poll tasks are scheduled
func WithQueue(q Queue) Option {
	return func(e *Engine) {
		e.queue = q
	}
}

// WithClock sets the clock used for timestamps and retry times
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithPublisher sets the transition event publisher
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithPolicy sets the policy of one municipality
func WithPolicy(code model.MunicipalityCode, p Policy) Option {
	return func(e *Engine) {
		e.policies[code] = p
	}
}

// WithDefaultPolicy sets the policy of municipalities without their own
func WithDefaultPolicy(p Policy) Option {
	return func(e *Engine) {
		e.defaults = p
	}
}

// WithUnknownErrorCap overrides DefaultUnknownErrorCap
func WithUnknownErrorCap(n int) Option {
	return func(e *Engine) {
		e.unknownCap = n
	}
}

// WithRand sets the jitter source, a function returning [0, 1)
func WithRand(rnd func() float64) Option {
	return func(e *Engine) {
		e.rnd = rnd
	}
}

// New creates an Engine
func New(st store.Store, locker lock.Locker, registry *municipality.Registry, sign *signer.Signer, certs *certstore.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      st,
		locker:     locker,
		registry:   registry,
		signer:     sign,
		certs:      certs,
		queue:      nopQueue{},
		clock:      clockwork.NewRealClock(),
		logger:     slog.Default(),
		publisher:  events.Discard{},
		policies:   make(map[model.MunicipalityCode]Policy),
		defaults:   DefaultPolicy(),
		unknownCap: DefaultUnknownErrorCap,
		rnd:        rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PolicyFor returns the policy of a municipality
func (e *Engine) PolicyFor(code model.MunicipalityCode) Policy {
	if p, ok := e.policies[code]; ok {
		return p
	}
	return e.defaults
}

// Now returns the engine clock's current time in UTC
func (e *Engine) Now() time.Time {
	return e.clock.Now().UTC()
}

// Jitter returns the engine's random source
func (e *Engine) Jitter() func() float64 {
	return e.rnd
}

// Registry returns the adapter registry
func (e *Engine) Registry() *municipality.Registry {
	return e.registry
}

// Metrics returns the metrics sink, possibly nil
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Logger returns the engine logger
func (e *Engine) Logger() *slog.Logger {
	return e.logger
}

// HandleFor returns the certificate to authenticate calls about rec: the one
// that signed its request when still usable, else the issuer's current one
func (e *Engine) HandleFor(rec *model.SubmissionRecord) (*certstore.Handle, error) {
	if rec.CertificateID != "" {
		if h, err := e.certs.Get(rec.CertificateID); err == nil && e.certs.Check(h) == nil {
			return h, nil
		}
	}
	return e.certs.Resolve(rec.Invoice.IssuerTaxID)
}

// SubmitInvoice registers inv and schedules its first attempt. Submitting
// the same (issuer, idempotency key) again returns the existing record ID
// without scheduling anything; reusing a key for a different invoice fails
// with model.ErrIdempotencyReuse. Only validation and storage errors are
// returned: everything after acceptance is recorded on the record.
func (e *Engine) SubmitInvoice(ctx context.Context, inv model.Invoice) (string, error) {
	if err := e.signer.Validate(&inv); err != nil {
		return "", err
	}
	canonical := signer.Canonicalize(inv)
	if _, err := e.registry.Get(canonical.MunicipalityCode); err != nil {
		return "", model.NewEncodingError(canonical.MunicipalityCode, err, model.FieldError{
			Field: "municipality_code", Rule: "unsupported", Message: err.Error(),
		})
	}

	rec := model.NewSubmissionRecord(canonical, e.Now())
	err := e.store.Create(ctx, rec)
	switch {
	case err == nil:
		e.logger.Info("invoice accepted",
			"record_id", rec.ID,
			"idempotency_key", canonical.IdempotencyKey,
			"municipality", canonical.MunicipalityCode,
		)
		e.scheduleAttempt(rec, time.Time{})
		return rec.ID, nil
	case errors.Is(err, model.ErrDuplicate):
		return e.resolveDuplicate(ctx, rec)
	default:
		return "", err
	}
}

func (e *Engine) resolveDuplicate(ctx context.Context, rec *model.SubmissionRecord) (string, error) {
	existing, err := e.store.Get(ctx, rec.ID)
	if err != nil {
		return "", err
	}
	want, err := signer.Digest(rec.Invoice)
	if err != nil {
		return "", err
	}
	have, err := signer.Digest(existing.Invoice)
	if err != nil {
		return "", err
	}
	if want != have {
		return "", fmt.Errorf("%w: %s", model.ErrIdempotencyReuse, rec.Invoice.IdempotencyKey)
	}
	e.logger.Debug("duplicate submission", "record_id", existing.ID, "state", existing.State)
	if existing.State == model.StateCreated {
		// the first caller may have crashed before scheduling
		e.scheduleAttempt(existing, time.Time{})
	}
	return existing.ID, nil
}

// GetStatus returns a snapshot of the record
func (e *Engine) GetStatus(ctx context.Context, id string) (*model.SubmissionRecord, error) {
	return e.store.Get(ctx, id)
}

// Cancel moves the record to Cancelled. A cancel that races an in-flight
// attempt waits for it and is then applied only if the resulting state
// still allows it; otherwise the *model.InvalidTransitionError is returned.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	return e.Do(ctx, id, func(tx *Txn) error {
		if err := tx.Transition(model.StateCancelled, "cancelled by caller"); err != nil {
			return err
		}
		tx.Record.NextRetryAt, tx.Record.NextPollAt = nil, nil
		return tx.Save()
	})
}

// Abandon lets an operator fail a record permanently, including one that
// is Pending at the municipality
func (e *Engine) Abandon(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "abandoned by operator"
	}
	return e.Do(ctx, id, func(tx *Txn) error {
		if err := tx.Transition(model.StateFailedPermanent, reason); err != nil {
			return err
		}
		tx.Record.ManualReview = true
		tx.Record.NextRetryAt, tx.Record.NextPollAt = nil, nil
		return tx.Save()
	})
}

// Recover schedules every non-terminal record, typically at startup.
// Records found in Submitting are resolved by their next attempt.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	recs, err := e.store.ListByState(ctx,
		model.StateCreated, model.StateSigning, model.StateSubmitting,
		model.StateFailedTransient, model.StatePending,
	)
	if err != nil {
		return 0, fmt.Errorf("list unfinished records: %w", err)
	}
	for _, rec := range recs {
		switch rec.State {
		case model.StatePending:
			e.SchedulePoll(rec, deref(rec.NextPollAt))
		case model.StateFailedTransient:
			e.scheduleAttempt(rec, deref(rec.NextRetryAt))
		default:
			e.scheduleAttempt(rec, time.Time{})
		}
	}
	e.logger.Info("recovered unfinished records", "count", len(recs))
	return len(recs), nil
}

// SchedulePoll enqueues a status poll for rec at the given time
func (e *Engine) SchedulePoll(rec *model.SubmissionRecord, at time.Time) {
	e.queue.Enqueue(scheduler.Task{
		RecordID:     rec.ID,
		Municipality: rec.Invoice.MunicipalityCode,
		Kind:         scheduler.KindPoll,
		CreatedAt:    rec.CreatedAt,
		NotBefore:    at,
	})
}

func (e *Engine) scheduleAttempt(rec *model.SubmissionRecord, at time.Time) {
	e.queue.Enqueue(scheduler.Task{
		RecordID:     rec.ID,
		Municipality: rec.Invoice.MunicipalityCode,
		Kind:         scheduler.KindSubmit,
		CreatedAt:    rec.CreatedAt,
		NotBefore:    at,
	})
}

// Txn is a locked record being mutated
type Txn struct {
	Record    *model.SubmissionRecord
	e         *Engine
	ctx       context.Context
	published int
}

// Transition changes the record state in memory; Save persists it
func (tx *Txn) Transition(to model.State, reason string) error {
	return tx.Record.Transition(to, reason, tx.e.Now())
}

// Save writes the record with compare-and-set and publishes the
// transitions made since the previous Save
func (tx *Txn) Save() error {
	tx.Record.UpdatedAt = tx.e.Now()
	if err := tx.e.store.Update(tx.ctx, tx.Record); err != nil {
		return fmt.Errorf("save record %s: %w", tx.Record.ID, err)
	}
	for _, tr := range tx.Record.History[tx.published:] {
		tx.e.metrics.RecordTransition(string(tr.From), string(tr.To))
	}
	if len(tx.Record.History) > tx.published {
		tx.e.publisher.Publish(tx.ctx, events.FromRecord(tx.Record))
	}
	tx.published = len(tx.Record.History)
	return nil
}

// Do runs fn with the record locked. Persistence inside fn uses a context
// that survives cancellation of ctx, so a network call cut short by
// shutdown still has its outcome recorded.
func (e *Engine) Do(ctx context.Context, id string, fn func(tx *Txn) error) error {
	lease, err := e.locker.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("release record lock", "record_id", id, "error", err)
		}
	}()

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	tx := &Txn{
		Record:    rec,
		e:         e,
		ctx:       context.WithoutCancel(ctx),
		published: len(rec.History),
	}
	return fn(tx)
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
