// Package memory is an in-process record store for tests and single-node runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps deep copies of records in a map
type Store struct {
	mu      sync.RWMutex
	records map[string]*model.SubmissionRecord
}

// New creates an empty store
func New() *Store {
	return &Store{records: make(map[string]*model.SubmissionRecord)}
}

func (s *Store) Create(_ context.Context, rec *model.SubmissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", model.ErrDuplicate, rec.ID)
	}
	rec.Version = 1
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*model.SubmissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

func (s *Store) Update(_ context.Context, rec *model.SubmissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrNotFound, rec.ID)
	}
	if cur.Version != rec.Version {
		return fmt.Errorf("%w: %s has version %d, write based on %d", model.ErrConflict, rec.ID, cur.Version, rec.Version)
	}
	rec.Version++
	s.records[rec.ID] = rec.Clone()
	return nil
}

// ListByState returns matching records ordered by creation time
func (s *Store) ListByState(_ context.Context, states ...model.State) ([]*model.SubmissionRecord, error) {
	want := make(map[model.State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	s.mu.RLock()
	out := make([]*model.SubmissionRecord, 0)
	for _, rec := range s.records {
		if want[rec.State] {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Len returns the number of stored records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
