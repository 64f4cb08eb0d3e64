// Package reconciler polls municipalities for submissions they accepted
// asynchronously until each one is issued or rejected.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rezonia/nfse-submitter/internal/engine"
	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/municipality"
	"github.com/rezonia/nfse-submitter/internal/store"
)

// DefaultScanInterval is how often Pending records are checked for due polls
const DefaultScanInterval = 15 * time.Second

// Reconciler drives Pending records to a terminal state
type Reconciler struct {
	engine   *engine.Engine
	store    store.Store
	clock    clockwork.Clock
	logger   *slog.Logger
	interval time.Duration
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithClock sets the clock deciding which polls are due
func WithClock(c clockwork.Clock) Option {
	return func(r *Reconciler) {
		r.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = l
	}
}

// WithScanInterval overrides DefaultScanInterval
func WithScanInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// New creates a Reconciler
func New(eng *engine.Engine, st store.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		engine:   eng,
		store:    st,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		interval: DefaultScanInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run scans at every interval until ctx is cancelled
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Scan(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reconciler scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

// Scan schedules a poll for every Pending record whose next poll is due.
// The poll itself runs on the municipality queue, under its rate limits.
func (r *Reconciler) Scan(ctx context.Context) (int, error) {
	due, err := r.due(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range due {
		r.engine.SchedulePoll(rec, time.Time{})
	}
	if len(due) > 0 {
		r.logger.Debug("polls scheduled", "count", len(due))
	}
	return len(due), nil
}

// PollOnce polls every due Pending record inline and returns how many were polled
func (r *Reconciler) PollOnce(ctx context.Context) (int, error) {
	due, err := r.due(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := r.Poll(ctx, rec.ID); err != nil {
			r.logger.Error("poll failed", "record_id", rec.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (r *Reconciler) due(ctx context.Context) ([]*model.SubmissionRecord, error) {
	recs, err := r.store.ListByState(ctx, model.StatePending)
	if err != nil {
		return nil, fmt.Errorf("list pending records: %w", err)
	}
	now := r.clock.Now()
	out := recs[:0]
	for _, rec := range recs {
		if rec.NextPollAt == nil || !rec.NextPollAt.After(now) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Poll queries the municipality once for a Pending record and applies the
// answer. Records in any other state are left alone. Poll failures never
// touch the submission attempt counters.
func (r *Reconciler) Poll(ctx context.Context, id string) error {
	return r.engine.Do(ctx, id, func(tx *engine.Txn) error {
		rec := tx.Record
		if rec.State != model.StatePending {
			return nil
		}

		adapter, err := r.engine.Registry().Get(rec.Invoice.MunicipalityCode)
		if err != nil {
			return r.pollFailed(tx, err)
		}
		h, err := r.engine.HandleFor(rec)
		if err != nil {
			return r.pollFailed(tx, err)
		}

		q := municipality.QueryFor(rec)
		outcome, err := adapter.QueryStatus(ctx, h, q)
		if err != nil {
			return r.pollFailed(tx, err)
		}

		switch outcome.Kind {
		case model.OutcomeIssued, model.OutcomeRejected:
			return tx.Conclude(outcome)
		case model.OutcomeAcceptedPending:
			return r.stillPending(tx)
		default:
			return r.pollFailed(tx, model.NewProtocolError("reconciler:NotFound",
				fmt.Sprintf("municipality has no record of %s", q.TrackingID)))
		}
	})
}

func (r *Reconciler) stillPending(tx *engine.Txn) error {
	rec := tx.Record
	next := r.engine.Now().Add(r.engine.PolicyFor(rec.Invoice.MunicipalityCode).PollInterval)
	rec.NextPollAt = &next
	rec.PollFailures = 0
	rec.LastBackoff = 0
	if err := tx.Save(); err != nil {
		return err
	}
	r.logger.Debug("still processing", "record_id", rec.ID, "next_poll_at", next)
	r.engine.SchedulePoll(rec, next)
	return nil
}

// pollFailed keeps the record Pending and backs off. Once the failure cap
// is reached the record is flagged for review but polling continues at the
// maximum backoff.
func (r *Reconciler) pollFailed(tx *engine.Txn, err error) error {
	rec := tx.Record
	code := rec.Invoice.MunicipalityCode
	policy := r.engine.PolicyFor(code)
	now := r.engine.Now()

	rec.PollFailures++
	r.engine.Metrics().IncrementPollFailures(string(code))
	rec.SetError(err, model.ClassTransient, now)

	if policy.PollFailureCap > 0 && rec.PollFailures >= policy.PollFailureCap && !rec.ManualReview {
		rec.ManualReview = true
		r.engine.Metrics().IncrementManualReview(string(code))
		r.logger.Error("status polling keeps failing, manual review required",
			"record_id", rec.ID,
			"poll_failures", rec.PollFailures,
			"error", err,
		)
	}

	delay := policy.PollBackoff.Delay(rec.PollFailures, rec.LastBackoff, r.engine.Jitter())
	next := now.Add(delay)
	rec.LastBackoff = delay
	rec.NextPollAt = &next
	if err := tx.Save(); err != nil {
		return err
	}
	r.logger.Warn("status poll failed",
		"record_id", rec.ID,
		"poll_failures", rec.PollFailures,
		"retry_in", delay,
		"error", err,
	)
	r.engine.SchedulePoll(rec, next)
	return nil
}
