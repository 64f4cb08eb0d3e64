// Package postgres persists submission records in PostgreSQL through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/store"
)

// Schema creates the submissions table. The primary key is the record ID,
// itself derived from (issuer, idempotency key).
const Schema = `
CREATE TABLE IF NOT EXISTS nfse_submissions (
	id              TEXT PRIMARY KEY,
	issuer_tax_id   TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	municipality    TEXT NOT NULL,
	state           TEXT NOT NULL,
	version         BIGINT NOT NULL,
	record          JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (issuer_tax_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS nfse_submissions_state_idx ON nfse_submissions (state, created_at);
`

const uniqueViolation = "23505"

var _ store.Store = (*Store)(nil)

// Store is a pgxpool-backed record store. It is pure I/O: transition rules
// stay in the engine.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool with the sizing used by the service
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies Schema
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate submissions: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, rec *model.SubmissionRecord) error {
	rec.Version = 1
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO nfse_submissions (id, issuer_tax_id, idempotency_key, municipality, state, version, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		rec.ID,
		model.DigitsOnly(rec.Invoice.IssuerTaxID),
		rec.Invoice.IdempotencyKey,
		string(rec.Invoice.MunicipalityCode),
		string(rec.State),
		rec.Version,
		payload,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		rec.Version = 0
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", model.ErrDuplicate, rec.ID)
		}
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.SubmissionRecord, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM nfse_submissions WHERE id = $1`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return decode(payload)
}

// Update writes rec if nobody else wrote since rec was read
func (s *Store) Update(ctx context.Context, rec *model.SubmissionRecord) error {
	expected := rec.Version
	rec.Version++
	payload, err := json.Marshal(rec)
	if err != nil {
		rec.Version = expected
		return fmt.Errorf("encode record: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE nfse_submissions
		SET state = $2, version = $3, record = $4, updated_at = $5
		WHERE id = $1 AND version = $6
	`, rec.ID, string(rec.State), rec.Version, payload, rec.UpdatedAt, expected)
	if err != nil {
		rec.Version = expected
		return fmt.Errorf("update submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		rec.Version = expected
		if _, err := s.Get(ctx, rec.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s version %d", model.ErrConflict, rec.ID, expected)
	}
	return nil
}

func (s *Store) ListByState(ctx context.Context, states ...model.State) ([]*model.SubmissionRecord, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT record FROM nfse_submissions
		WHERE state = ANY($1)
		ORDER BY created_at, id
	`, names)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	out := make([]*model.SubmissionRecord, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		rec, err := decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return out, nil
}

func decode(payload []byte) (*model.SubmissionRecord, error) {
	var rec model.SubmissionRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	return &rec, nil
}
