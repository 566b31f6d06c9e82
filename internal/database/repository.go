package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/logging"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/metrics"
	"github.com/therealutkarshpriyadarshi/abrstream/pkg/models"
)

// ErrRecordNotFound is returned when a video has no packaging history
var ErrRecordNotFound = errors.New("packaging record not found")

const schema = `
CREATE TABLE IF NOT EXISTS packaging_jobs (
	video_id     TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	failed_step  TEXT NOT NULL DEFAULT '',
	error_msg    TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_packaging_jobs_status ON packaging_jobs (status);
CREATE INDEX IF NOT EXISTS idx_packaging_jobs_updated_at ON packaging_jobs (updated_at DESC);
`

const recordColumns = `video_id, job_id, status, attempts, failed_step, error_msg, started_at, completed_at, updated_at`

// Repository provides database operations
type Repository struct {
	db     *DB
	logger *logging.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *logging.Logger) *Repository {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Repository{db: db, logger: logger.WithField("component", "database")}
}

// EnsureSchema creates the packaging history table if needed
func (r *Repository) EnsureSchema(ctx context.Context) error {
	start := time.Now()
	_, err := r.db.Pool.Exec(ctx, schema)
	r.observe("ensure_schema", start, err)
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// UpsertPackagingRecord stores the latest state of a video's packaging
func (r *Repository) UpsertPackagingRecord(ctx context.Context, rec *models.PackagingRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	query := `
		INSERT INTO packaging_jobs (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (video_id) DO UPDATE
		SET job_id = EXCLUDED.job_id, status = EXCLUDED.status, attempts = EXCLUDED.attempts,
		    failed_step = EXCLUDED.failed_step, error_msg = EXCLUDED.error_msg,
		    started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at,
		    updated_at = EXCLUDED.updated_at
		WHERE packaging_jobs.updated_at <= EXCLUDED.updated_at
	`

	start := time.Now()
	_, err := r.db.Pool.Exec(ctx, query,
		string(rec.VideoID), rec.JobID, string(rec.Status), rec.Attempts,
		rec.FailedStep, rec.ErrorMsg, rec.StartedAt, rec.CompletedAt, rec.UpdatedAt,
	)
	r.observe("upsert_packaging_record", start, err)
	if err != nil {
		return fmt.Errorf("failed to upsert packaging record: %w", err)
	}

	return nil
}

// RecordStatus lets the repository receive coordinator status transitions
func (r *Repository) RecordStatus(ctx context.Context, rec models.PackagingRecord) error {
	return r.UpsertPackagingRecord(ctx, &rec)
}

// GetPackagingRecord retrieves the packaging history of one video
func (r *Repository) GetPackagingRecord(ctx context.Context, id models.VideoID) (*models.PackagingRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM packaging_jobs WHERE video_id = $1`

	start := time.Now()
	rec, err := scanRecord(r.db.Pool.QueryRow(ctx, query, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		r.observe("get_packaging_record", start, nil)
		return nil, ErrRecordNotFound
	}
	r.observe("get_packaging_record", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get packaging record: %w", err)
	}

	return rec, nil
}

// ListPackagingRecords returns packaging history, most recently updated
// first, optionally filtered by status
func (r *Repository) ListPackagingRecords(ctx context.Context, status models.PackagingStatus, limit, offset int) ([]*models.PackagingRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + recordColumns + `
		FROM packaging_jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`

	start := time.Now()
	rows, err := r.db.Pool.Query(ctx, query, string(status), limit, offset)
	if err != nil {
		r.observe("list_packaging_records", start, err)
		return nil, fmt.Errorf("failed to list packaging records: %w", err)
	}
	defer rows.Close()

	var records []*models.PackagingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			r.observe("list_packaging_records", start, err)
			return nil, fmt.Errorf("failed to scan packaging record: %w", err)
		}
		records = append(records, rec)
	}

	err = rows.Err()
	r.observe("list_packaging_records", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list packaging records: %w", err)
	}

	return records, nil
}

func scanRecord(row pgx.Row) (*models.PackagingRecord, error) {
	var rec models.PackagingRecord
	var id, status string

	err := row.Scan(
		&id, &rec.JobID, &status, &rec.Attempts, &rec.FailedStep, &rec.ErrorMsg,
		&rec.StartedAt, &rec.CompletedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.VideoID = models.VideoID(id)
	rec.Status = models.PackagingStatus(status)
	return &rec, nil
}

func (r *Repository) observe(operation string, start time.Time, err error) {
	duration := time.Since(start)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordDatabaseOperation(operation, status, duration.Seconds())
	r.logger.LogDatabaseOperation(operation, duration, err)
}
