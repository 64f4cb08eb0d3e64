// Package events publishes submission state transitions.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/rezonia/nfse-submitter/internal/model"
)

// Transition describes one state change of a submission record
type Transition struct {
	RecordID       string                 `json:"record_id"`
	IdempotencyKey string                 `json:"idempotency_key"`
	IssuerTaxID    string                 `json:"issuer_tax_id"`
	Municipality   model.MunicipalityCode `json:"municipality"`
	From           model.State            `json:"from"`
	To             model.State            `json:"to"`
	Reason         string                 `json:"reason,omitempty"`
	Attempts       int                    `json:"attempts"`
	TrackingID     string                 `json:"tracking_id,omitempty"`
	DocumentNumber string                 `json:"document_number,omitempty"`
	ManualReview   bool                   `json:"manual_review,omitempty"`
	At             time.Time              `json:"at"`
}

// FromRecord builds the event for the last history entry of rec
func FromRecord(rec *model.SubmissionRecord) Transition {
	ev := Transition{
		RecordID:       rec.ID,
		IdempotencyKey: rec.Invoice.IdempotencyKey,
		IssuerTaxID:    rec.Invoice.IssuerTaxID,
		Municipality:   rec.Invoice.MunicipalityCode,
		To:             rec.State,
		Attempts:       rec.Attempts,
		TrackingID:     rec.TrackingID,
		ManualReview:   rec.ManualReview,
		At:             rec.UpdatedAt,
	}
	if n := len(rec.History); n > 0 {
		last := rec.History[n-1]
		ev.From, ev.Reason, ev.At = last.From, last.Reason, last.At
	}
	if rec.Result != nil {
		ev.DocumentNumber = rec.Result.DocumentNumber
	}
	return ev
}

// Publisher delivers transition events. Publishing is best effort: the
// record store is the source of truth and a failed publish never rolls
// back a transition.
type Publisher interface {
	Publish(ctx context.Context, ev Transition)
	Close(ctx context.Context) error
}

// LogPublisher writes events to a structured logger
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher writing at info level
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Transition) {
	level := slog.LevelInfo
	if ev.To == model.StateFailedPermanent || ev.ManualReview {
		level = slog.LevelWarn
	}
	p.logger.Log(ctx, level, "submission transition",
		"record_id", ev.RecordID,
		"idempotency_key", ev.IdempotencyKey,
		"municipality", ev.Municipality,
		"from", ev.From,
		"to", ev.To,
		"reason", ev.Reason,
		"attempts", ev.Attempts,
		"tracking_id", ev.TrackingID,
		"document_number", ev.DocumentNumber,
	)
}

func (p *LogPublisher) Close(context.Context) error { return nil }

// Multi fans out to several publishers
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Transition) {
	for _, p := range m {
		p.Publish(ctx, ev)
	}
}

func (m Multi) Close(ctx context.Context) error {
	var first error
	for _, p := range m {
		if err := p.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Discard drops every event
type Discard struct{}

func (Discard) Publish(context.Context, Transition) {}
func (Discard) Close(context.Context) error         { return nil }
