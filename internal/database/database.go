package database

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"time"

	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/models"
)

// DB wraps the SQL database with helper methods
type DB struct {
	*sql.DB

	corrupted atomic.Int64 // checkpoint records skipped as undecodable
}

// New creates a new database connection
func New(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	return &DB{DB: db}, nil
}

// InitSchema initializes the database schema
func (db *DB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		photo_id TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		quality_score REAL,
		user_requested INTEGER NOT NULL DEFAULT 0,
		context TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_dispatch ON jobs(status, priority DESC, created_at ASC);
	CREATE INDEX IF NOT EXISTS idx_jobs_photo ON jobs(photo_id);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		operation_id TEXT NOT NULL,
		operation_name TEXT NOT NULL,
		state TEXT NOT NULL,
		progress REAL NOT NULL,
		payload TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_operation ON checkpoints(operation_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS backups (
		id TEXT PRIMARY KEY,
		source_path TEXT NOT NULL,
		backup_path TEXT NOT NULL,
		checksum TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_backups_created ON backups(created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

// CreateJob inserts a new job
func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO jobs (id, photo_id, priority, status, quality_score, user_requested, context, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.PhotoID, job.Priority, job.Status, nullFloat(job.QualityScore),
		job.UserRequested, nullString(job.Context), job.RetryCount, job.CreatedAt, job.UpdatedAt)
	return err
}

// GetJob retrieves a job by its ID
func (db *DB) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, photo_id, priority, status, quality_score, user_requested, context,
		       retry_count, created_at, updated_at, started_at, error_message
		FROM jobs WHERE id = ?
	`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return job, err
}

// ListPending retrieves pending jobs ordered for dispatch, highest
// priority first and oldest first within a priority.
func (db *DB) ListPending(ctx context.Context, filter models.JobFilter) ([]models.Job, error) {
	query := `SELECT id, photo_id, priority, status, quality_score, user_requested, context,
	          retry_count, created_at, updated_at, started_at, error_message
	          FROM jobs WHERE status = ?`
	args := []interface{}{models.StatusPending}

	if !filter.UpdatedBefore.IsZero() {
		query += " AND updated_at < ?"
		args = append(args, filter.UpdatedBefore)
	}

	query += " ORDER BY priority DESC, created_at ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// GetJobAgeHours returns how many hours ago the job was created
func (db *DB) GetJobAgeHours(ctx context.Context, id string) (float64, error) {
	var hours float64
	err := db.QueryRowContext(ctx,
		"SELECT (julianday('now') - julianday(created_at)) * 24.0 FROM jobs WHERE id = ?",
		id,
	).Scan(&hours)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrNotFound
	}
	return hours, err
}

// UpdateJobPriority writes a recomputed priority value. Only the
// priority field carries scheduling meaning; updated_at is bookkeeping.
func (db *DB) UpdateJobPriority(ctx context.Context, id string, priority int) error {
	res, err := db.ExecContext(ctx,
		"UPDATE jobs SET priority = ?, updated_at = ? WHERE id = ?",
		priority, time.Now(), id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// UpdateJobStatus updates a job's status
func (db *DB) UpdateJobStatus(ctx context.Context, id, status, errorMsg string) error {
	var res sql.Result
	var err error

	now := time.Now()
	if status == models.StatusProcessing {
		res, err = db.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, updated_at = ?, started_at = ?, error_message = ?
			WHERE id = ?
		`, status, now, now, nullString(errorMsg), id)
	} else {
		res, err = db.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, updated_at = ?, error_message = ?
			WHERE id = ?
		`, status, now, nullString(errorMsg), id)
	}
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// IncrementRetry bumps a job's retry counter and returns the new count
func (db *DB) IncrementRetry(ctx context.Context, id string) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE jobs SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?",
		time.Now(), id)
	if err != nil {
		return 0, err
	}
	if err := affectedOrNotFound(res); err != nil {
		return 0, err
	}

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT retry_count FROM jobs WHERE id = ?", id).Scan(&count); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// ResetProcessing returns jobs stuck in processing to pending. Called
// once at startup: a job still marked processing at that point belonged
// to a run that died before writing a terminal status.
func (db *DB) ResetProcessing(ctx context.Context) (int, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, updated_at = ?, started_at = NULL, error_message = ?
		WHERE status = ?
	`, models.StatusPending, time.Now(), "interrupted by shutdown", models.StatusProcessing)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetQueueMetrics retrieves aggregate job counts
func (db *DB) GetQueueMetrics(ctx context.Context) (*models.QueueMetrics, error) {
	var m models.QueueMetrics

	db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&m.TotalJobs)
	db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE status = ?", models.StatusPending).Scan(&m.PendingJobs)
	db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE status = ?", models.StatusProcessing).Scan(&m.ProcessingJobs)
	db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE status = ?", models.StatusCompleted).Scan(&m.CompletedJobs)
	db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE status = ?", models.StatusFailed).Scan(&m.FailedJobs)
	db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE status = ?", models.StatusCancelled).Scan(&m.CancelledJobs)
	db.QueryRowContext(ctx, "SELECT COALESCE(SUM(retry_count), 0) FROM jobs").Scan(&m.TotalRetries)

	return &m, nil
}

// Helper functions

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var qualityScore sql.NullFloat64
	var jobContext sql.NullString
	var startedAt sql.NullTime
	var errorMessage sql.NullString

	err := row.Scan(&job.ID, &job.PhotoID, &job.Priority, &job.Status,
		&qualityScore, &job.UserRequested, &jobContext,
		&job.RetryCount, &job.CreatedAt, &job.UpdatedAt, &startedAt, &errorMessage)
	if err != nil {
		return nil, err
	}

	if qualityScore.Valid {
		v := qualityScore.Float64
		job.QualityScore = &v
	}
	if jobContext.Valid {
		job.Context = jobContext.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if errorMessage.Valid {
		job.ErrorMessage = errorMessage.String
	}

	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]models.Job, error) {
	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			continue
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{Valid: false}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
