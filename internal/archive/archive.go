// Package archive copies expiring results out of Redis into Postgres
// before the retention sweeper purges them.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mail-analysis-service/internal/models"
)

// Store wraps pgxpool for the archival table.
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

const schema = `
CREATE TABLE IF NOT EXISTS archived_results (
    job_id        TEXT PRIMARY KEY,
    client_id     TEXT NOT NULL,
    status        TEXT NOT NULL,
    submitted_at  TIMESTAMPTZ NOT NULL,
    completed_at  TIMESTAMPTZ,
    result        JSONB,
    error         JSONB,
    archived_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_archived_results_client ON archived_results (client_id, submitted_at DESC);
`

// Migrate creates the archival schema if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create archive schema: %w", err)
	}
	return nil
}

// ArchiveJob writes one terminal job and, when present, its result.
// Re-archiving the same job is a no-op.
func (s *Store) ArchiveJob(ctx context.Context, job models.Job, result *models.AnalysisResult) error {
	var resultJSON, errorJSON []byte
	var err error
	if result != nil {
		if resultJSON, err = json.Marshal(result); err != nil {
			return fmt.Errorf("marshal result for archive: %w", err)
		}
	}
	if job.Error != nil {
		if errorJSON, err = json.Marshal(job.Error); err != nil {
			return fmt.Errorf("marshal error for archive: %w", err)
		}
	}

	var completedAt *time.Time
	if result != nil && !result.CompletedAt.IsZero() {
		completedAt = &result.CompletedAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO archived_results (job_id, client_id, status, submitted_at, completed_at, result, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO NOTHING`,
		job.ID, job.ClientID, job.Status, job.SubmittedAt, completedAt, resultJSON, errorJSON)
	if err != nil {
		return fmt.Errorf("archive job %s: %w", job.ID, err)
	}
	return nil
}

// ArchivedResult is one row read back from the archive.
type ArchivedResult struct {
	JobID       string
	ClientID    string
	Status      string
	SubmittedAt time.Time
	Result      *models.AnalysisResult
	Error       *models.Error
	ArchivedAt  time.Time
}

// Lookup fetches an archived job scoped to its owner.
func (s *Store) Lookup(ctx context.Context, jobID, clientID string) (ArchivedResult, error) {
	var (
		row        ArchivedResult
		resultJSON []byte
		errorJSON  []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, client_id, status, submitted_at, result, error, archived_at
		FROM archived_results WHERE job_id = $1 AND client_id = $2`,
		jobID, clientID).
		Scan(&row.JobID, &row.ClientID, &row.Status, &row.SubmittedAt, &resultJSON, &errorJSON, &row.ArchivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ArchivedResult{}, models.NewError(models.KindNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return ArchivedResult{}, fmt.Errorf("lookup archived job %s: %w", jobID, err)
	}

	if len(resultJSON) > 0 {
		row.Result = &models.AnalysisResult{}
		if err := json.Unmarshal(resultJSON, row.Result); err != nil {
			return ArchivedResult{}, fmt.Errorf("decode archived result: %w", err)
		}
	}
	if len(errorJSON) > 0 {
		row.Error = &models.Error{}
		if err := json.Unmarshal(errorJSON, row.Error); err != nil {
			return ArchivedResult{}, fmt.Errorf("decode archived error: %w", err)
		}
	}
	return row, nil
}
