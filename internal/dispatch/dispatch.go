// Package dispatch is the hand-off boundary between the scheduling
// core and the worker pool that actually executes jobs. The core
// decides whether and when to hand off; execution happens behind the
// Dispatcher interface.
package dispatch

import (
	"context"
	"errors"

	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/models"
)

// TaskState is the lifecycle of one handed-off task.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskDone      TaskState = "done"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether the task has finished one way or another.
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskCancelled
}

var (
	// ErrIntakePaused is returned by Submit while intake is paused.
	ErrIntakePaused = errors.New("dispatch intake paused")
	// ErrQueueFull is returned by Submit when the hand-off queue is at
	// capacity.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrUnknownTask is returned by Status for a handle the dispatcher
	// has no record of.
	ErrUnknownTask = errors.New("unknown task")
)

// Handle identifies one submitted task.
type Handle struct {
	TaskID string `json:"task_id"`
	JobID  string `json:"job_id"`
}

// Result is the observed outcome of a task. Err is set only for
// failed tasks.
type Result struct {
	State TaskState
	Err   error
}

// Dispatcher hands jobs to a bounded worker pool.
type Dispatcher interface {
	Submit(ctx context.Context, job *models.Job) (Handle, error)
	Status(ctx context.Context, h Handle) (Result, error)
	// Cancel withdraws a task that has not started; it returns false
	// once a worker has claimed the task.
	Cancel(ctx context.Context, h Handle) (bool, error)
	PauseIntake(ctx context.Context) error
	ResumeIntake(ctx context.Context) error
}
