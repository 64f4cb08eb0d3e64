package reconciler

import (
	"context"
	"log/slog"

	"github.com/rezonia/nfse-submitter/internal/engine"
	"github.com/rezonia/nfse-submitter/internal/scheduler"
)

// Handler dispatches scheduler tasks to the engine and the reconciler
func Handler(eng *engine.Engine, rec *Reconciler, logger *slog.Logger) scheduler.Handler {
	return func(ctx context.Context, t scheduler.Task) {
		var err error
		switch t.Kind {
		case scheduler.KindSubmit:
			err = eng.Attempt(ctx, t.RecordID)
		case scheduler.KindPoll:
			err = rec.Poll(ctx, t.RecordID)
		}
		if err != nil && ctx.Err() == nil {
			logger.Error("task failed",
				"record_id", t.RecordID,
				"kind", t.Kind,
				"municipality", t.Municipality,
				"error", err,
			)
		}
	}
}
