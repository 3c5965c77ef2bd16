package models

import (
	"errors"
	"time"
)

// ErrNotFound is returned by job stores when no job matches the given id.
var ErrNotFound = errors.New("job not found")

// Job represents a photo processing task in the scheduling queue
type Job struct {
	ID            string     `json:"id"`
	PhotoID       string     `json:"photo_id"`
	Priority      int        `json:"priority"` // 0 (lowest) .. 10 (highest)
	Status        string     `json:"status"`   // pending, processing, completed, failed, cancelled
	QualityScore  *float64   `json:"quality_score,omitempty"` // AI evaluation on a 0-5 scale, nil until evaluated
	UserRequested bool       `json:"user_requested"`
	Context       string     `json:"context,omitempty"` // origin tag, e.g. session or batch
	RetryCount    int        `json:"retry_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// JobFilter narrows ListPending results
type JobFilter struct {
	UpdatedBefore time.Time // only jobs last touched before this instant; zero means no filter
	Limit         int       // 0 means no limit
}

// QueueMetrics holds aggregate queue counts
type QueueMetrics struct {
	TotalJobs      int64 `json:"total_jobs"`
	PendingJobs    int64 `json:"pending_jobs"`
	ProcessingJobs int64 `json:"processing_jobs"`
	CompletedJobs  int64 `json:"completed_jobs"`
	FailedJobs     int64 `json:"failed_jobs"`
	CancelledJobs  int64 `json:"cancelled_jobs"`
	TotalRetries   int64 `json:"total_retries"`
}

// Status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Context tags recognized by the priority scorer
const (
	ContextSession = "session"
	ContextBatch   = "batch"
)
