// Package store defines persistence for submission records.
package store

import (
	"context"

	"github.com/rezonia/nfse-submitter/internal/model"
)

// Store persists SubmissionRecords with optimistic concurrency.
//
// Create inserts rec only if no record with the same ID exists and returns
// model.ErrDuplicate otherwise. Update is a compare-and-set on Version: it
// succeeds only when the stored version equals rec.Version, then increments
// rec.Version. A stale write returns model.ErrConflict. Get returns
// model.ErrNotFound for unknown IDs.
type Store interface {
	Create(ctx context.Context, rec *model.SubmissionRecord) error
	Get(ctx context.Context, id string) (*model.SubmissionRecord, error)
	Update(ctx context.Context, rec *model.SubmissionRecord) error
	ListByState(ctx context.Context, states ...model.State) ([]*model.SubmissionRecord, error)
}
