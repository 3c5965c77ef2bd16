// Package queue holds the resource-aware controller that decides
// whether, when and how fast jobs are handed to the worker pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/dispatch"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/faults"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/metrics"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/models"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/priority"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/ratelimit"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/resource"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/retry"
)

// Config controls the control loop and admission policy.
type Config struct {
	// ControlInterval is the cadence of the adjustment loop.
	ControlInterval time.Duration
	// RebalanceInterval is how often pending priorities are recomputed
	// and starving jobs boosted.
	RebalanceInterval time.Duration
	// StarvationThreshold is how long a pending job may sit untouched
	// before auto-boost raises it.
	StarvationThreshold time.Duration
	// MaxRetries bounds per-job execution retries before the job is
	// marked failed.
	MaxRetries int
	// JobMemoryMB is reserved in the allocator per dispatched job.
	JobMemoryMB int
	// DispatchRetry covers the hand-off call to the worker pool.
	DispatchRetry retry.Config
	StopTimeout   time.Duration
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		ControlInterval:     10 * time.Second,
		RebalanceInterval:   5 * time.Minute,
		StarvationThreshold: 30 * time.Minute,
		MaxRetries:          3,
		JobMemoryMB:         512,
		DispatchRetry: retry.Config{
			MaxRetries:   2,
			Strategy:     retry.StrategyExponential,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		StopTimeout: 5 * time.Second,
	}
}

// Controller runs the resource-aware control loop: it pauses and
// resumes dispatch from the monitor's recommendation, throttles the
// hand-off rate, keeps priorities fresh and writes terminal results
// back to the store.
type Controller struct {
	store JobStore
	disp  dispatch.Dispatcher
	pm    *priority.Manager
	mon   *resource.Monitor
	rl    *ratelimit.Limiter
	ex    *retry.Executor
	rec   *faults.Recorder
	cfg   Config
	log   *zap.SugaredLogger

	mu            sync.Mutex
	paused        bool
	speed         float64
	inflight      map[string]dispatch.Handle // job id -> handle
	lastRebalance time.Time
	running       bool
	cancel        context.CancelFunc
	done          chan struct{}
}

// NewController wires the controller. rl may be nil to disable
// per-source admission limiting.
func NewController(store JobStore, disp dispatch.Dispatcher, pm *priority.Manager, mon *resource.Monitor, rl *ratelimit.Limiter, ex *retry.Executor, rec *faults.Recorder, cfg Config, logger *zap.SugaredLogger) *Controller {
	if cfg.ControlInterval <= 0 {
		cfg.ControlInterval = 10 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Controller{
		store:    store,
		disp:     disp,
		pm:       pm,
		mon:      mon,
		rl:       rl,
		ex:       ex,
		rec:      rec,
		cfg:      cfg,
		log:      logger.Named("queue"),
		speed:    1.0,
		inflight: make(map[string]dispatch.Handle),
	}
}

// Start launches the control loop. Calling Start on a running
// controller is a no-op.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	done := c.done
	c.mu.Unlock()

	c.log.Infow("queue controller started", "interval", c.cfg.ControlInterval)
	go c.loop(ctx, done)
}

// Stop signals the loop to exit and waits for it with a bounded
// timeout. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	select {
	case <-done:
		c.log.Infow("queue controller stopped")
	case <-time.After(c.cfg.StopTimeout):
		c.log.Warnw("queue controller did not stop in time", "timeout", c.cfg.StopTimeout)
	}
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.ControlInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.adjust(ctx)
			c.pollInFlight(ctx)
			c.maintainPriorities(ctx)
			c.drainPending(ctx)
		}
	}
}

// adjust recomputes pause state and speed from the monitor. A manual
// ForcePause or ForceResume holds only until this runs again.
func (c *Controller) adjust(ctx context.Context) {
	mult := c.mon.RecommendedSpeedMultiplier()

	c.mu.Lock()
	wasPaused := c.paused
	c.speed = mult
	if mult == 0 {
		c.paused = true
	} else {
		c.paused = false
	}
	nowPaused := c.paused
	c.mu.Unlock()

	if nowPaused != wasPaused {
		if nowPaused {
			if err := c.disp.PauseIntake(ctx); err != nil {
				c.log.Warnw("pause intake failed", "error", err)
			}
			c.log.Warnw("queue paused",
				"multiplier", mult,
				"state", c.mon.CurrentState().String(),
			)
		} else {
			if err := c.disp.ResumeIntake(ctx); err != nil {
				c.log.Warnw("resume intake failed", "error", err)
			}
			c.log.Infow("queue resumed", "multiplier", mult)
		}
	}

	sample := c.mon.CurrentMetrics()
	metrics.ResourceState.Set(float64(c.mon.CurrentState()))
	metrics.ResourceTemperature.Set(sample.Temperature)
	metrics.ResourceMemoryPercent.Set(sample.MemoryPercent)
	metrics.RecommendedConcurrency.Set(float64(c.RecommendedConcurrency()))
	if nowPaused {
		metrics.QueuePaused.Set(1)
	} else {
		metrics.QueuePaused.Set(0)
		delay, _ := c.ProcessingDelay()
		metrics.ProcessingDelaySeconds.Set(delay.Seconds())
	}
}

// ForcePause pauses dispatch immediately, overriding the automatic
// logic until the next adjustment tick.
func (c *Controller) ForcePause() {
	c.mu.Lock()
	already := c.paused
	c.paused = true
	c.mu.Unlock()

	if already {
		return
	}
	if err := c.disp.PauseIntake(context.Background()); err != nil {
		c.log.Warnw("pause intake failed", "error", err)
	}
	metrics.QueuePaused.Set(1)
	c.log.Warnw("queue force paused")
}

// ForceResume resumes dispatch immediately, overriding the automatic
// logic until the next adjustment tick.
func (c *Controller) ForceResume() {
	c.mu.Lock()
	already := !c.paused
	c.paused = false
	c.mu.Unlock()

	if already {
		return
	}
	if err := c.disp.ResumeIntake(context.Background()); err != nil {
		c.log.Warnw("resume intake failed", "error", err)
	}
	metrics.QueuePaused.Set(0)
	c.log.Infow("queue force resumed")
}

// IsPaused reports whether dispatch is currently paused.
func (c *Controller) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// ProcessingDelay maps the current speed to the wait inserted before
// each dispatch. The second return is true while dispatch is paused
// entirely.
func (c *Controller) ProcessingDelay() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused || c.speed <= 0 {
		return 0, true
	}
	switch {
	case c.speed >= 1.0:
		return 0, false
	case c.speed >= 0.5:
		return 2 * time.Second, false
	default:
		return 5 * time.Second, false
	}
}

// RecommendedConcurrency scales worker slots with core count and
// resource state: 0 when critical, otherwise between cores/4 under
// heavy load and the full core count when idle, never below 1.
func (c *Controller) RecommendedConcurrency() int {
	if c.mon.CurrentState() == resource.StateCritical {
		return 0
	}

	cores := runtime.NumCPU()
	load := c.mon.CurrentMetrics().LoadPercent

	var n int
	switch {
	case load > 80:
		n = cores / 4
	case load < 20:
		n = cores
	default:
		n = cores / 2
	}
	if n < 1 {
		n = 1
	}
	return n
}

// ShouldAcceptNewJobs governs admission of new work, independent of
// jobs already queued.
func (c *Controller) ShouldAcceptNewJobs() bool {
	c.mu.Lock()
	paused := c.paused
	c.mu.Unlock()

	if paused {
		return false
	}
	if c.mon.IsCritical() {
		return false
	}
	return c.mon.CurrentState() != resource.StateCritical
}

// Submit runs admission, computes and persists the job's priority and
// hands the job off at the current speed. A job refused by admission
// is not persisted; a job that cannot be dispatched right now stays
// pending and is drained by the control loop later.
func (c *Controller) Submit(ctx context.Context, job *models.Job, userRequested bool, override *int) error {
	if !c.ShouldAcceptNewJobs() {
		metrics.JobsRejected.WithLabelValues("paused").Inc()
		return c.recordErr(faults.Classify(
			fmt.Errorf("queue not accepting new jobs: %w", dispatch.ErrIntakePaused),
			"submit", job.ID))
	}

	source := job.Context
	if source == "" {
		source = "default"
	}
	if c.rl != nil && !c.rl.Allow(source) {
		metrics.JobsRejected.WithLabelValues("rate_limited").Inc()
		return c.recordErr(faults.Classify(
			fmt.Errorf("source %q: %w", source, ratelimit.ErrLimited),
			"submit", job.ID))
	}

	now := time.Now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Status = models.StatusPending
	job.UserRequested = userRequested
	job.Priority = c.pm.ComputePriority(job, userRequested, override)

	if err := c.store.CreateJob(ctx, job); err != nil {
		return c.recordErr(faults.Classify(fmt.Errorf("persist job: %w", err), "submit", job.ID))
	}
	metrics.JobsSubmitted.Inc()
	c.log.Infow("job accepted",
		"job_id", job.ID,
		"photo_id", job.PhotoID,
		"priority", job.Priority,
		"context", job.Context,
	)

	delay, paused := c.ProcessingDelay()
	if paused {
		return nil
	}
	if delay > 0 {
		if err := waitFor(ctx, delay); err != nil {
			return err
		}
	}
	return c.dispatchJob(ctx, job)
}

// dispatchJob reserves memory and hands one pending job to the worker
// pool. On failure the job row stays pending for a later drain.
func (c *Controller) dispatchJob(ctx context.Context, job *models.Job) error {
	if !c.mon.Allocator().Allocate(job.ID, c.cfg.JobMemoryMB) {
		metrics.JobsRejected.WithLabelValues("memory").Inc()
		return c.recordErr(faults.Classify(
			fmt.Errorf("reserve %d MB for job %s: %w", c.cfg.JobMemoryMB, job.ID, resource.ErrAllocationExceeded),
			"dispatch", job.ID))
	}

	h, err := retry.Do(ctx, c.ex, "dispatch", c.cfg.DispatchRetry, func(ctx context.Context) (dispatch.Handle, error) {
		return c.disp.Submit(ctx, job)
	})
	if err != nil {
		c.mon.Allocator().Deallocate(job.ID)
		return c.recordErr(faults.Classify(fmt.Errorf("hand off job: %w", err), "dispatch", job.ID))
	}

	if err := c.store.UpdateJobStatus(ctx, job.ID, models.StatusProcessing, ""); err != nil {
		c.log.Warnw("status write failed", "job_id", job.ID, "error", err)
	}

	c.mu.Lock()
	c.inflight[job.ID] = h
	c.mu.Unlock()
	return nil
}

// drainPending hands stored pending jobs to the pool up to the
// recommended concurrency, honoring the current processing delay.
func (c *Controller) drainPending(ctx context.Context) {
	delay, paused := c.ProcessingDelay()
	if paused {
		return
	}

	c.mu.Lock()
	slots := c.RecommendedConcurrency() - len(c.inflight)
	c.mu.Unlock()
	if slots <= 0 {
		return
	}

	jobs, err := c.store.ListPending(ctx, models.JobFilter{Limit: slots})
	if err != nil {
		c.log.Warnw("pending scan failed", "error", err)
		return
	}

	for i := range jobs {
		job := &jobs[i]

		c.mu.Lock()
		_, already := c.inflight[job.ID]
		c.mu.Unlock()
		if already {
			continue
		}

		if delay > 0 {
			if err := waitFor(ctx, delay); err != nil {
				return
			}
		}
		if err := c.dispatchJob(ctx, job); err != nil {
			if errors.Is(err, resource.ErrAllocationExceeded) {
				// Memory is full; the rest can wait for the next tick.
				return
			}
		}
	}
}

// maintainPriorities periodically rebalances pending priorities and
// boosts starving jobs.
func (c *Controller) maintainPriorities(ctx context.Context) {
	c.mu.Lock()
	due := c.lastRebalance.IsZero() || time.Since(c.lastRebalance) >= c.cfg.RebalanceInterval
	if due {
		c.lastRebalance = time.Now()
	}
	c.mu.Unlock()
	if !due {
		return
	}

	if changed, err := c.pm.Rebalance(ctx); err != nil {
		c.log.Warnw("rebalance failed", "error", err)
	} else if changed > 0 {
		metrics.PriorityRebalanced.Add(float64(changed))
	}

	if boosted, err := c.pm.AutoBoost(ctx, c.cfg.StarvationThreshold); err != nil {
		c.log.Warnw("auto boost failed", "error", err)
	} else if boosted > 0 {
		metrics.JobsBoosted.Add(float64(boosted))
	}
}

// pollInFlight checks every handed-off job and writes terminal results
// back to the store.
func (c *Controller) pollInFlight(ctx context.Context) {
	c.mu.Lock()
	snapshot := make(map[string]dispatch.Handle, len(c.inflight))
	for id, h := range c.inflight {
		snapshot[id] = h
	}
	c.mu.Unlock()

	for jobID, h := range snapshot {
		res, err := c.disp.Status(ctx, h)
		if err != nil {
			if errors.Is(err, dispatch.ErrUnknownTask) {
				c.finishJob(ctx, jobID, dispatch.Result{State: dispatch.TaskFailed, Err: err})
			} else {
				c.log.Warnw("status poll failed", "job_id", jobID, "error", err)
			}
			continue
		}
		if !res.State.Terminal() {
			continue
		}
		c.finishJob(ctx, jobID, res)
	}
}

// finishJob releases the job's reservation and records its outcome. A
// retryable failure with retries remaining goes back to pending.
func (c *Controller) finishJob(ctx context.Context, jobID string, res dispatch.Result) {
	c.mu.Lock()
	delete(c.inflight, jobID)
	c.mu.Unlock()
	c.mon.Allocator().Deallocate(jobID)

	switch res.State {
	case dispatch.TaskDone:
		if err := c.store.UpdateJobStatus(ctx, jobID, models.StatusCompleted, ""); err != nil {
			c.log.Warnw("status write failed", "job_id", jobID, "error", err)
		}
		metrics.JobsFinished.WithLabelValues(models.StatusCompleted).Inc()
		c.log.Infow("job completed", "job_id", jobID)

	case dispatch.TaskCancelled:
		if err := c.store.UpdateJobStatus(ctx, jobID, models.StatusCancelled, ""); err != nil {
			c.log.Warnw("status write failed", "job_id", jobID, "error", err)
		}
		metrics.JobsFinished.WithLabelValues(models.StatusCancelled).Inc()
		c.log.Infow("job cancelled", "job_id", jobID)

	case dispatch.TaskFailed:
		cause := res.Err
		if cause == nil {
			cause = errors.New("task failed without error detail")
		}
		cls := c.rec.Record(faults.Classify(cause, "execute", jobID))

		retries, err := c.store.IncrementRetry(ctx, jobID)
		if err != nil {
			c.log.Warnw("retry count write failed", "job_id", jobID, "error", err)
			retries = c.cfg.MaxRetries + 1
		}

		if cls.Kind.Retryable() && retries <= c.cfg.MaxRetries {
			if err := c.store.UpdateJobStatus(ctx, jobID, models.StatusPending, cls.Message); err != nil {
				c.log.Warnw("status write failed", "job_id", jobID, "error", err)
			}
			c.log.Infow("job requeued",
				"job_id", jobID,
				"retries", retries,
				"kind", string(cls.Kind),
			)
			return
		}

		if err := c.store.UpdateJobStatus(ctx, jobID, models.StatusFailed, cls.Message); err != nil {
			c.log.Warnw("status write failed", "job_id", jobID, "error", err)
		}
		metrics.JobsFinished.WithLabelValues(models.StatusFailed).Inc()
		c.log.Warnw("job failed permanently",
			"job_id", jobID,
			"retries", retries,
			"kind", string(cls.Kind),
			"error", res.Err,
		)
	}
}

// CancelJob withdraws a job. A pending job is marked cancelled
// directly; a handed-off job is cancelled only if the pool has not
// started it. Returns whether the job was cancelled.
func (c *Controller) CancelJob(ctx context.Context, jobID string) (bool, error) {
	c.mu.Lock()
	h, inflight := c.inflight[jobID]
	c.mu.Unlock()

	if inflight {
		ok, err := c.disp.Cancel(ctx, h)
		if err != nil {
			return false, fmt.Errorf("cancel job %s: %w", jobID, err)
		}
		if !ok {
			return false, nil
		}
		c.finishJob(ctx, jobID, dispatch.Result{State: dispatch.TaskCancelled})
		return true, nil
	}

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != models.StatusPending {
		return false, nil
	}
	if err := c.store.UpdateJobStatus(ctx, jobID, models.StatusCancelled, ""); err != nil {
		return false, err
	}
	metrics.JobsFinished.WithLabelValues(models.StatusCancelled).Inc()
	c.log.Infow("job cancelled", "job_id", jobID)
	return true, nil
}

// InFlight reports how many jobs are currently handed off and not yet
// terminal.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *Controller) recordErr(cls *faults.Classified) error {
	if cls == nil {
		return nil
	}
	return c.rec.Record(cls)
}

func waitFor(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
