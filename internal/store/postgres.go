package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"embedding-pipeline/internal/models"
)

// Store wraps pgxpool for Postgres persistence of job records and embeddings.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// SaveRecord upserts a job record. The state machine calls this on every
// transition so a restarted process can recover job status.
func (s *Store) SaveRecord(ctx context.Context, rec models.JobRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_records (id, state, retries, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			retries = EXCLUDED.retries,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`, rec.ID, rec.State, rec.Retries, rec.LastError, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save job record: %w", err)
	}
	return nil
}

// GetRecord fetches a job record by id.
func (s *Store) GetRecord(ctx context.Context, id string) (models.JobRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, state, retries, last_error, created_at, updated_at
		FROM job_records WHERE id = $1
	`, id)

	var rec models.JobRecord
	var lastErr pgtype.Text
	if err := row.Scan(&rec.ID, &rec.State, &rec.Retries, &lastErr, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobRecord{}, false, nil
		}
		return models.JobRecord{}, false, fmt.Errorf("scan job record: %w", err)
	}
	rec.LastError = textPtr(lastErr)
	return rec, true, nil
}

// UpsertEmbedding persists a computed embedding. The unique constraint on
// logical_job_id with DO NOTHING makes redelivered writes a no-op: inserted is
// false when a row for the job already exists.
func (s *Store) UpsertEmbedding(ctx context.Context, rec models.EmbeddingRecord) (bool, error) {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal embedding metadata: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO embeddings (logical_job_id, chunk_text, model, backend, embedding, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (logical_job_id) DO NOTHING
	`, rec.LogicalJobID, rec.ChunkText, rec.Model, rec.Backend, VectorToString(rec.Vector), metadata, createdAt)
	if err != nil {
		return false, fmt.Errorf("upsert embedding: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetEmbedding fetches a persisted embedding by its logical job id.
func (s *Store) GetEmbedding(ctx context.Context, logicalJobID string) (models.EmbeddingRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT logical_job_id, chunk_text, model, backend, embedding::text, metadata, created_at
		FROM embeddings WHERE logical_job_id = $1
	`, logicalJobID)

	var rec models.EmbeddingRecord
	var vectorStr string
	var metadata []byte
	if err := row.Scan(&rec.LogicalJobID, &rec.ChunkText, &rec.Model, &rec.Backend, &vectorStr, &metadata, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EmbeddingRecord{}, false, nil
		}
		return models.EmbeddingRecord{}, false, fmt.Errorf("scan embedding: %w", err)
	}

	vec, err := StringToVector(vectorStr)
	if err != nil {
		return models.EmbeddingRecord{}, false, fmt.Errorf("parse stored vector: %w", err)
	}
	rec.Vector = vec
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return models.EmbeddingRecord{}, false, fmt.Errorf("unmarshal embedding metadata: %w", err)
		}
	}
	return rec, true, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
