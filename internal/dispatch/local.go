package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/models"
)

// TaskFunc executes one job. It runs on a pool worker goroutine.
type TaskFunc func(ctx context.Context, job *models.Job) error

// LocalDispatcher runs tasks on an in-process worker pool. It is the
// default dispatcher for single-machine deployments and for tests.
type LocalDispatcher struct {
	fn          TaskFunc
	tasks       chan *localTask
	workers     int
	stopTimeout time.Duration
	log         *zap.SugaredLogger

	mu      sync.Mutex
	results map[string]*localTask
	paused  bool
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type localTask struct {
	handle    Handle
	job       *models.Job
	state     TaskState
	err       error
	cancelled bool
}

// NewLocalDispatcher creates a stopped pool of the given size with a
// bounded hand-off queue.
func NewLocalDispatcher(workers, queueDepth int, fn TaskFunc, logger *zap.SugaredLogger) *LocalDispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 64
	}
	return &LocalDispatcher{
		fn:          fn,
		tasks:       make(chan *localTask, queueDepth),
		workers:     workers,
		stopTimeout: 10 * time.Second,
		results:     make(map[string]*localTask),
		log:         logger.Named("dispatch"),
	}
}

// Start launches the pool workers. Calling Start on a running pool is
// a no-op.
func (d *LocalDispatcher) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running = true
	for i := 1; i <= d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.mu.Unlock()

	d.log.Infow("local dispatcher started", "workers", d.workers, "queue_depth", cap(d.tasks))
}

// Stop signals the workers to exit and waits for them with a bounded
// timeout. Queued tasks that never started stay queued in their
// records. Idempotent.
func (d *LocalDispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Infow("local dispatcher stopped")
	case <-time.After(d.stopTimeout):
		d.log.Warnw("local dispatcher did not stop in time", "timeout", d.stopTimeout)
	}
}

func (d *LocalDispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-d.tasks:
			d.run(ctx, id, t)
		}
	}
}

func (d *LocalDispatcher) run(ctx context.Context, workerID int, t *localTask) {
	d.mu.Lock()
	if t.cancelled {
		d.mu.Unlock()
		return
	}
	t.state = TaskRunning
	d.mu.Unlock()

	d.log.Infow("task started",
		"worker", workerID,
		"task_id", t.handle.TaskID,
		"job_id", t.job.ID,
		"photo_id", t.job.PhotoID,
		"priority", t.job.Priority,
	)

	err := d.invoke(ctx, t.job)

	d.mu.Lock()
	if err != nil {
		t.state = TaskFailed
		t.err = err
	} else {
		t.state = TaskDone
	}
	d.mu.Unlock()

	if err != nil {
		d.log.Warnw("task failed", "worker", workerID, "job_id", t.job.ID, "error", err)
	} else {
		d.log.Infow("task finished", "worker", workerID, "job_id", t.job.ID)
	}
}

// invoke shields the pool from a panicking task function.
func (d *LocalDispatcher) invoke(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return d.fn(ctx, job)
}

func (d *LocalDispatcher) Submit(ctx context.Context, job *models.Job) (Handle, error) {
	jobCopy := *job

	d.mu.Lock()
	if d.paused {
		d.mu.Unlock()
		return Handle{}, ErrIntakePaused
	}
	t := &localTask{
		handle: Handle{TaskID: uuid.NewString(), JobID: job.ID},
		job:    &jobCopy,
		state:  TaskQueued,
	}
	d.results[t.handle.TaskID] = t
	d.mu.Unlock()

	select {
	case d.tasks <- t:
		return t.handle, nil
	default:
		d.mu.Lock()
		delete(d.results, t.handle.TaskID)
		d.mu.Unlock()
		return Handle{}, ErrQueueFull
	}
}

func (d *LocalDispatcher) Status(ctx context.Context, h Handle) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.results[h.TaskID]
	if !ok {
		return Result{}, ErrUnknownTask
	}
	return Result{State: t.state, Err: t.err}, nil
}

func (d *LocalDispatcher) Cancel(ctx context.Context, h Handle) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.results[h.TaskID]
	if !ok {
		return false, ErrUnknownTask
	}
	if t.state != TaskQueued {
		return false, nil
	}
	t.cancelled = true
	t.state = TaskCancelled
	return true, nil
}

func (d *LocalDispatcher) PauseIntake(ctx context.Context) error {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
	d.log.Infow("intake paused")
	return nil
}

func (d *LocalDispatcher) ResumeIntake(ctx context.Context) error {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
	d.log.Infow("intake resumed")
	return nil
}
