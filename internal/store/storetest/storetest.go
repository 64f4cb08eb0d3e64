// Package storetest is a behavioural suite every store.Store must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/store"
)

// Run exercises s. Every subtest uses fresh idempotency keys, so one store
// instance may be shared.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	prefix := fmt.Sprintf("%d", time.Now().UnixNano())
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	newRecord := func(key string, created time.Time) *model.SubmissionRecord {
		inv := model.Invoice{
			IssuerTaxID:                 "12345678000195",
			IssuerMunicipalRegistration: "12345678",
			Recipient:                   model.Recipient{TaxID: "98765432000198", Name: "CLIENTE EXEMPLO SA"},
			ServiceCode:                 "02919",
			ServiceDescription:          "Desenvolvimento de software",
			Amount:                      decimal.RequireFromString("1500.00"),
			TaxRate:                     decimal.RequireFromString("2"),
			IssueDate:                   now,
			IdempotencyKey:              prefix + "-" + key,
			MunicipalityCode:            "3550308",
		}
		return model.NewSubmissionRecord(inv, created)
	}

	t.Run("CreateGet", func(t *testing.T) {
		ctx := context.Background()
		rec := newRecord("create", now)
		require.NoError(t, s.Create(ctx, rec))
		assert.Equal(t, int64(1), rec.Version)

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, model.StateCreated, got.State)
		assert.True(t, got.Invoice.Amount.Equal(decimal.RequireFromString("1500")))
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		ctx := context.Background()
		rec := newRecord("dup", now)
		require.NoError(t, s.Create(ctx, rec))
		err := s.Create(ctx, newRecord("dup", now))
		assert.ErrorIs(t, err, model.ErrDuplicate)
	})

	t.Run("ConcurrentCreate", func(t *testing.T) {
		ctx := context.Background()
		var (
			wg      sync.WaitGroup
			created atomic.Int32
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Create(ctx, newRecord("race", now)); err == nil {
					created.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), created.Load())
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get(context.Background(), "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("UpdateCAS", func(t *testing.T) {
		ctx := context.Background()
		rec := newRecord("cas", now)
		require.NoError(t, s.Create(ctx, rec))

		a, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		b, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)

		require.NoError(t, a.Transition(model.StateSigning, "", now.Add(time.Second)))
		require.NoError(t, s.Update(ctx, a))
		assert.Equal(t, int64(2), a.Version)

		require.NoError(t, b.Transition(model.StateCancelled, "", now.Add(time.Second)))
		assert.ErrorIs(t, s.Update(ctx, b), model.ErrConflict)

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StateSigning, got.State)
		require.Len(t, got.History, 1)
		assert.Equal(t, model.StateCreated, got.History[0].From)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		rec := newRecord("ghost", now)
		rec.Version = 1
		err := s.Update(context.Background(), rec)
		assert.Error(t, err)
	})

	t.Run("ListByState", func(t *testing.T) {
		ctx := context.Background()
		first := newRecord("list-1", now.Add(-2*time.Minute))
		second := newRecord("list-2", now.Add(-time.Minute))
		for _, rec := range []*model.SubmissionRecord{second, first} {
			require.NoError(t, s.Create(ctx, rec))
			require.NoError(t, rec.Transition(model.StateSigning, "", now))
			require.NoError(t, rec.Transition(model.StateSubmitting, "", now))
			require.NoError(t, rec.Transition(model.StatePending, "", now))
			rec.TrackingID = "TRK-" + rec.Invoice.IdempotencyKey
			require.NoError(t, s.Update(ctx, rec))
		}

		got, err := s.ListByState(ctx, model.StatePending)
		require.NoError(t, err)

		var ids []string
		for _, rec := range got {
			assert.Equal(t, model.StatePending, rec.State)
			if rec.ID == first.ID || rec.ID == second.ID {
				ids = append(ids, rec.ID)
			}
		}
		assert.Equal(t, []string{first.ID, second.ID}, ids)
	})
}
