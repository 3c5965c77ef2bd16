package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/dispatch"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/faults"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/models"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/priority"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/ratelimit"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/resource"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/retry"
)

// fakeDispatcher scripts hand-off outcomes so controller decisions can
// be asserted without worker timing.
type fakeDispatcher struct {
	mu        sync.Mutex
	submitted []string
	results   map[string]dispatch.Result
	byJob     map[string]string
	submitErr error
	cancelOK  bool
	pauses    int
	resumes   int
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		results: make(map[string]dispatch.Result),
		byJob:   make(map[string]string),
	}
}

func (d *fakeDispatcher) Submit(ctx context.Context, job *models.Job) (dispatch.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.submitErr != nil {
		return dispatch.Handle{}, d.submitErr
	}
	taskID := fmt.Sprintf("task-%s-%d", job.ID, len(d.submitted))
	d.submitted = append(d.submitted, job.ID)
	d.results[taskID] = dispatch.Result{State: dispatch.TaskRunning}
	d.byJob[job.ID] = taskID
	return dispatch.Handle{TaskID: taskID, JobID: job.ID}, nil
}

func (d *fakeDispatcher) Status(ctx context.Context, h dispatch.Handle) (dispatch.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, ok := d.results[h.TaskID]
	if !ok {
		return dispatch.Result{}, dispatch.ErrUnknownTask
	}
	return res, nil
}

func (d *fakeDispatcher) Cancel(ctx context.Context, h dispatch.Handle) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.cancelOK {
		return false, nil
	}
	d.results[h.TaskID] = dispatch.Result{State: dispatch.TaskCancelled}
	return true, nil
}

func (d *fakeDispatcher) PauseIntake(ctx context.Context) error {
	d.mu.Lock()
	d.pauses++
	d.mu.Unlock()
	return nil
}

func (d *fakeDispatcher) ResumeIntake(ctx context.Context) error {
	d.mu.Lock()
	d.resumes++
	d.mu.Unlock()
	return nil
}

// finish scripts the terminal result of a job's latest task.
func (d *fakeDispatcher) finish(jobID string, res dispatch.Result) {
	d.mu.Lock()
	d.results[d.byJob[jobID]] = res
	d.mu.Unlock()
}

func (d *fakeDispatcher) submissions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.submitted...)
}

func optimalSample() resource.Metrics {
	return resource.Metrics{Temperature: 45, MemoryPercent: 30, LoadPercent: 10}
}

func criticalSample() resource.Metrics {
	return resource.Metrics{Temperature: 92, MemoryPercent: 30, LoadPercent: 10}
}

type ctrlParts struct {
	store *MemoryStore
	disp  *fakeDispatcher
	mon   *resource.Monitor
	rec   *faults.Recorder
	ctrl  *Controller
}

func newTestController(t *testing.T, rl *ratelimit.Limiter, mutate func(*Config, *resource.Config)) *ctrlParts {
	t.Helper()

	cfg := DefaultConfig()
	cfg.JobMemoryMB = 64
	cfg.DispatchRetry = retry.Config{MaxRetries: 0, Strategy: retry.StrategyFixed, InitialDelay: time.Millisecond}
	monCfg := resource.DefaultConfig()
	if mutate != nil {
		mutate(&cfg, &monCfg)
	}

	log := zap.NewNop().Sugar()
	store := NewMemoryStore()
	disp := newFakeDispatcher()
	mon := resource.NewMonitor(resource.NewStaticSource(optimalSample()), monCfg, log)
	mon.Observe(optimalSample())
	pm := priority.NewManager(store, priority.DefaultConfig(), log)
	ex := retry.NewExecutor(log)
	rec := faults.NewRecorder(50, log)

	ctrl := NewController(store, disp, pm, mon, rl, ex, rec, cfg, log)
	return &ctrlParts{store: store, disp: disp, mon: mon, rec: rec, ctrl: ctrl}
}

func qualityPtr(v float64) *float64 { return &v }

func TestSubmitComputesAndPersists(t *testing.T) {
	p := newTestController(t, nil, nil)
	ctx := context.Background()

	job := &models.Job{PhotoID: "photo-1", QualityScore: qualityPtr(4.9)}
	if err := p.ctrl.Submit(ctx, job, false, nil); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if job.ID == "" {
		t.Fatal("Submit() did not assign an id")
	}
	if job.CreatedAt.IsZero() {
		t.Fatal("Submit() did not stamp CreatedAt")
	}

	stored, err := p.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if stored.Priority != priority.HighPriority {
		t.Errorf("priority = %d, want %d", stored.Priority, priority.HighPriority)
	}
	// Optimal state dispatches immediately.
	if stored.Status != models.StatusProcessing {
		t.Errorf("status = %s, want processing", stored.Status)
	}
	if got := p.disp.submissions(); len(got) != 1 || got[0] != job.ID {
		t.Errorf("dispatched %v", got)
	}
	if p.ctrl.InFlight() != 1 {
		t.Errorf("InFlight() = %d, want 1", p.ctrl.InFlight())
	}
}

func TestSubmitHonorsOverride(t *testing.T) {
	p := newTestController(t, nil, nil)
	override := 3

	job := &models.Job{PhotoID: "photo-1", QualityScore: qualityPtr(4.9)}
	if err := p.ctrl.Submit(context.Background(), job, true, &override); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if job.Priority != 3 {
		t.Errorf("priority = %d, want the override 3", job.Priority)
	}
}

func TestSubmitRejectedWhenCritical(t *testing.T) {
	p := newTestController(t, nil, nil)
	ctx := context.Background()

	p.mon.Observe(criticalSample())
	p.ctrl.adjust(ctx)

	job := &models.Job{PhotoID: "photo-1"}
	err := p.ctrl.Submit(ctx, job, false, nil)
	if !errors.Is(err, dispatch.ErrIntakePaused) {
		t.Fatalf("Submit() = %v, want ErrIntakePaused", err)
	}
	// A refused job is never persisted.
	if job.ID != "" {
		if _, err := p.store.GetJob(ctx, job.ID); !errors.Is(err, models.ErrNotFound) {
			t.Error("refused job was persisted")
		}
	}
	if stats := p.rec.Statistics(); stats[faults.KindUnavailable] != 1 {
		t.Errorf("recorder stats = %v, want one unavailable", stats)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	rl := ratelimit.New(1, time.Minute)
	p := newTestController(t, rl, nil)
	ctx := context.Background()

	if err := p.ctrl.Submit(ctx, &models.Job{PhotoID: "a", Context: models.ContextBatch}, false, nil); err != nil {
		t.Fatalf("first Submit() error: %v", err)
	}
	err := p.ctrl.Submit(ctx, &models.Job{PhotoID: "b", Context: models.ContextBatch}, false, nil)
	if !errors.Is(err, ratelimit.ErrLimited) {
		t.Fatalf("second Submit() = %v, want ErrLimited", err)
	}

	// Another source has its own budget.
	if err := p.ctrl.Submit(ctx, &models.Job{PhotoID: "c", Context: models.ContextSession}, false, nil); err != nil {
		t.Fatalf("other source Submit() error: %v", err)
	}
}

func TestAdjustFollowsMonitor(t *testing.T) {
	p := newTestController(t, nil, nil)
	ctx := context.Background()

	p.ctrl.adjust(ctx)
	if p.ctrl.IsPaused() {
		t.Fatal("paused under optimal conditions")
	}

	p.mon.Observe(criticalSample())
	p.ctrl.adjust(ctx)
	if !p.ctrl.IsPaused() {
		t.Fatal("not paused under critical conditions")
	}
	if p.disp.pauses != 1 {
		t.Errorf("PauseIntake called %d times, want 1", p.disp.pauses)
	}
	if delay, paused := p.ctrl.ProcessingDelay(); !paused || delay != 0 {
		t.Errorf("ProcessingDelay() = (%v, %v), want (0, true)", delay, paused)
	}

	// Repeating the same state does not re-signal the pool.
	p.ctrl.adjust(ctx)
	if p.disp.pauses != 1 {
		t.Errorf("PauseIntake re-fired on unchanged state: %d", p.disp.pauses)
	}

	p.mon.Observe(optimalSample())
	p.ctrl.adjust(ctx)
	if p.ctrl.IsPaused() {
		t.Fatal("still paused after recovery")
	}
	if p.disp.resumes != 1 {
		t.Errorf("ResumeIntake called %d times, want 1", p.disp.resumes)
	}
}

func TestProcessingDelayMapping(t *testing.T) {
	tests := []struct {
		name       string
		paused     bool
		speed      float64
		wantDelay  time.Duration
		wantPaused bool
	}{
		{"full speed", false, 1.0, 0, false},
		{"slightly reduced", false, 0.8, 2 * time.Second, false},
		{"half speed", false, 0.5, 2 * time.Second, false},
		{"crawling", false, 0.3, 5 * time.Second, false},
		{"zero speed", false, 0, 0, true},
		{"paused wins over speed", true, 1.0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestController(t, nil, nil)
			p.ctrl.mu.Lock()
			p.ctrl.paused = tt.paused
			p.ctrl.speed = tt.speed
			p.ctrl.mu.Unlock()

			delay, paused := p.ctrl.ProcessingDelay()
			if delay != tt.wantDelay || paused != tt.wantPaused {
				t.Errorf("ProcessingDelay() = (%v, %v), want (%v, %v)", delay, paused, tt.wantDelay, tt.wantPaused)
			}
		})
	}
}

func TestRecommendedConcurrency(t *testing.T) {
	p := newTestController(t, nil, nil)

	p.mon.Observe(criticalSample())
	if got := p.ctrl.RecommendedConcurrency(); got != 0 {
		t.Errorf("critical concurrency = %d, want 0", got)
	}

	p.mon.Observe(resource.Metrics{Temperature: 45, MemoryPercent: 30, LoadPercent: 90})
	busy := p.ctrl.RecommendedConcurrency()
	p.mon.Observe(resource.Metrics{Temperature: 45, MemoryPercent: 30, LoadPercent: 50})
	mid := p.ctrl.RecommendedConcurrency()
	p.mon.Observe(resource.Metrics{Temperature: 45, MemoryPercent: 30, LoadPercent: 10})
	idle := p.ctrl.RecommendedConcurrency()

	if busy < 1 || mid < 1 || idle < 1 {
		t.Fatalf("concurrency dropped below 1: busy=%d mid=%d idle=%d", busy, mid, idle)
	}
	if busy > mid || mid > idle {
		t.Errorf("concurrency not monotonic with load: busy=%d mid=%d idle=%d", busy, mid, idle)
	}
}

func TestShouldAcceptNewJobs(t *testing.T) {
	p := newTestController(t, nil, nil)
	ctx := context.Background()

	if !p.ctrl.ShouldAcceptNewJobs() {
		t.Fatal("refusing jobs under optimal conditions")
	}

	p.mon.Observe(criticalSample())
	if p.ctrl.ShouldAcceptNewJobs() {
		t.Fatal("accepting jobs while hardware is critical")
	}

	// ForceResume reopens dispatch but critical hardware still blocks
	// admission.
	p.ctrl.adjust(ctx)
	p.ctrl.ForceResume()
	if p.ctrl.IsPaused() {
		t.Fatal("ForceResume did not clear the pause")
	}
	if p.ctrl.ShouldAcceptNewJobs() {
		t.Error("admission open despite critical hardware")
	}
}

func TestForcePauseHoldsUntilNextAdjust(t *testing.T) {
	p := newTestController(t, nil, nil)
	ctx := context.Background()

	p.ctrl.ForcePause()
	if !p.ctrl.IsPaused() {
		t.Fatal("ForcePause did not pause")
	}
	if p.disp.pauses != 1 {
		t.Errorf("PauseIntake called %d times, want 1", p.disp.pauses)
	}
	if err := p.ctrl.Submit(ctx, &models.Job{PhotoID: "p"}, false, nil); !errors.Is(err, dispatch.ErrIntakePaused) {
		t.Fatalf("Submit() while force paused = %v", err)
	}

	// The next automatic adjustment overrides the manual pause because
	// conditions are fine.
	p.ctrl.adjust(ctx)
	if p.ctrl.IsPaused() {
		t.Fatal("automatic adjust did not lift the manual pause")
	}

	// ForcePause twice only signals the pool once.
	p.ctrl.ForcePause()
	p.ctrl.ForcePause()
	if p.disp.pauses != 2 {
		t.Errorf("PauseIntake called %d times, want 2", p.disp.pauses)
	}
}

func TestDispatchReservesAndReleasesMemory(t *testing.T) {
	p := newTestController(t, nil, func(cfg *Config, monCfg *resource.Config) {
		cfg.JobMemoryMB = 512
		monCfg.MemoryLimitMB = 512
	})
	ctx := context.Background()

	first := pendingJob("first", 5, time.Now())
	p.store.CreateJob(ctx, first)
	if err := p.ctrl.dispatchJob(ctx, first); err != nil {
		t.Fatalf("dispatchJob() error: %v", err)
	}
	if got := p.mon.Allocator().Allocated(); got != 512 {
		t.Errorf("Allocated() = %d, want 512", got)
	}

	// No memory left: the next job is refused and stays pending.
	second := pendingJob("second", 5, time.Now())
	p.store.CreateJob(ctx, second)
	err := p.ctrl.dispatchJob(ctx, second)
	if !errors.Is(err, resource.ErrAllocationExceeded) {
		t.Fatalf("dispatchJob() = %v, want ErrAllocationExceeded", err)
	}
	stored, _ := p.store.GetJob(ctx, "second")
	if stored.Status != models.StatusPending {
		t.Errorf("refused job status = %s, want pending", stored.Status)
	}
	if stats := p.rec.Statistics(); stats[faults.KindResourceExhausted] != 1 {
		t.Errorf("recorder stats = %v", stats)
	}

	// Finishing the first job frees its reservation.
	p.disp.finish("first", dispatch.Result{State: dispatch.TaskDone})
	p.ctrl.pollInFlight(ctx)
	if got := p.mon.Allocator().Allocated(); got != 0 {
		t.Errorf("Allocated() = %d after completion, want 0", got)
	}
	if err := p.ctrl.dispatchJob(ctx, second); err != nil {
		t.Errorf("dispatchJob() after release error: %v", err)
	}
}

func TestDispatchFailureLeavesJobPending(t *testing.T) {
	p := newTestController(t, nil, nil)
	ctx := context.Background()

	p.disp.submitErr = dispatch.ErrQueueFull

	job := pendingJob("job-1", 5, time.Now())
	p.store.CreateJob(ctx, job)
	err := p.ctrl.dispatchJob(ctx, job)
	if !errors.Is(err, dispatch.ErrQueueFull) {
		t.Fatalf("dispatchJob() = %v, want ErrQueueFull", err)
	}

	stored, _ := p.store.GetJob(ctx, "job-1")
	if stored.Status != models.StatusPending {
		t.Errorf("status = %s, want pending for a later drain", stored.Status)
	}
	if got := p.mon.Allocator().Allocated(); got != 0 {
		t.Errorf("reservation leaked: %d MB", got)
	}
	if p.ctrl.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", p.ctrl.InFlight())
	}

	// The pool recovers and the drain picks the job up.
	p.disp.submitErr = nil
	p.ctrl.drainPending(ctx)
	stored, _ = p.store.GetJob(ctx, "job-1")
	if stored.Status != models.StatusProcessing {
		t.Errorf("status after drain = %s, want processing", stored.Status)
	}
}

func TestDrainDispatchesHighestPriorityFirst(t *testing.T) {
	p := newTestController(t, nil, nil)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	p.store.CreateJob(ctx, pendingJob("low", 2, base))
	p.store.CreateJob(ctx, pendingJob("high", 8, base))
	p.store.CreateJob(ctx, pendingJob("mid", 5, base))

	p.ctrl.drainPending(ctx)

	got := p.disp.submissions()
	if len(got) == 0 {
		t.Fatal("drain dispatched nothing")
	}
	if got[0] != "high" {
		t.Errorf("first dispatched = %s, want high", got[0])
	}
	for i := 1; i < len(got); i++ {
		prev, _ := p.store.GetJob(ctx, got[i-1])
		cur, _ := p.store.GetJob(ctx, got[i])
		if prev.Priority < cur.Priority {
			t.Errorf("dispatch order violates priority: %s(%d) before %s(%d)",
				got[i-1], prev.Priority, got[i], cur.Priority)
		}
	}

	// A second drain never re-dispatches in-flight jobs.
	before := len(got)
	p.ctrl.drainPending(ctx)
	seen := map[string]int{}
	for _, id := range p.disp.submissions() {
		seen[id]++
		if seen[id] > 1 {
			t.Errorf("job %s dispatched twice", id)
		}
	}
	if len(p.disp.submissions()) < before {
		t.Error("submissions went backwards")
	}
}

func TestDrainDoesNothingWhilePaused(t *testing.T) {
	p := newTestController(t, nil, nil)
	ctx := context.Background()

	p.store.CreateJob(ctx, pendingJob("job-1", 5, time.Now()))
	p.mon.Observe(criticalSample())
	p.ctrl.adjust(ctx)

	p.ctrl.drainPending(ctx)
	if got := p.disp.submissions(); len(got) != 0 {
		t.Errorf("drain dispatched %v while paused", got)
	}
}

func TestFinishJobCompleted(t *testing.T) {
	p := newTestController(t, nil, nil)
	ctx := context.Background()

	job := &models.Job{PhotoID: "photo-1"}
	if err := p.ctrl.Submit(ctx, job, false, nil); err != nil {
		t.Fatal(err)
	}

	p.disp.finish(job.ID, dispatch.Result{State: dispatch.TaskDone})
	p.ctrl.pollInFlight(ctx)

	stored, _ := p.store.GetJob(ctx, job.ID)
	if stored.Status != models.StatusCompleted {
		t.Errorf("status = %s, want completed", stored.Status)
	}
	if p.ctrl.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", p.ctrl.InFlight())
	}
	if got := p.mon.Allocator().Allocated(); got != 0 {
		t.Errorf("reservation leaked: %d MB", got)
	}
}

func TestFailedJobRequeuesThenFailsPermanently(t *testing.T) {
	p := newTestController(t, nil, func(cfg *Config, monCfg *resource.Config) {
		cfg.MaxRetries = 1
	})
	ctx := context.Background()

	job := &models.Job{PhotoID: "photo-1"}
	if err := p.ctrl.Submit(ctx, job, false, nil); err != nil {
		t.Fatal(err)
	}

	// First failure is transient: the job goes back to pending.
	p.disp.finish(job.ID, dispatch.Result{State: dispatch.TaskFailed, Err: context.DeadlineExceeded})
	p.ctrl.pollInFlight(ctx)

	stored, _ := p.store.GetJob(ctx, job.ID)
	if stored.Status != models.StatusPending {
		t.Fatalf("status after first failure = %s, want pending", stored.Status)
	}
	if stored.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", stored.RetryCount)
	}

	// The drain re-dispatches; a second transient failure exhausts the
	// budget and the job fails for good.
	p.ctrl.drainPending(ctx)
	p.disp.finish(job.ID, dispatch.Result{State: dispatch.TaskFailed, Err: context.DeadlineExceeded})
	p.ctrl.pollInFlight(ctx)

	stored, _ = p.store.GetJob(ctx, job.ID)
	if stored.Status != models.StatusFailed {
		t.Errorf("status after second failure = %s, want failed", stored.Status)
	}
	if stored.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", stored.RetryCount)
	}
	if stored.ErrorMessage == "" {
		t.Error("failed job carries no error message")
	}
}

func TestNonRetryableFailureFailsImmediately(t *testing.T) {
	p := newTestController(t, nil, nil)
	ctx := context.Background()

	job := &models.Job{PhotoID: "photo-1"}
	if err := p.ctrl.Submit(ctx, job, false, nil); err != nil {
		t.Fatal(err)
	}

	p.disp.finish(job.ID, dispatch.Result{State: dispatch.TaskFailed, Err: errors.New("corrupt raw file")})
	p.ctrl.pollInFlight(ctx)

	stored, _ := p.store.GetJob(ctx, job.ID)
	if stored.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed with no requeue", stored.Status)
	}
	if got := p.ctrl.InFlight(); got != 0 {
		t.Errorf("InFlight() = %d, want 0", got)
	}
}

func TestVanishedTaskCountsAsFailure(t *testing.T) {
	p := newTestController(t, nil, func(cfg *Config, monCfg *resource.Config) {
		cfg.MaxRetries = 0
	})
	ctx := context.Background()

	job := &models.Job{PhotoID: "photo-1"}
	if err := p.ctrl.Submit(ctx, job, false, nil); err != nil {
		t.Fatal(err)
	}

	// The pool restarted and lost the task record.
	p.disp.mu.Lock()
	p.disp.results = make(map[string]dispatch.Result)
	p.disp.mu.Unlock()

	p.ctrl.pollInFlight(ctx)

	if p.ctrl.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0 after the task vanished", p.ctrl.InFlight())
	}
	stored, _ := p.store.GetJob(ctx, job.ID)
	if stored.Status == models.StatusProcessing {
		t.Error("job still processing although its task is gone")
	}
}

func TestCancelPendingJob(t *testing.T) {
	p := newTestController(t, nil, nil)
	ctx := context.Background()

	p.store.CreateJob(ctx, pendingJob("job-1", 5, time.Now()))

	ok, err := p.ctrl.CancelJob(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("CancelJob() = (%v, %v), want (true, nil)", ok, err)
	}
	stored, _ := p.store.GetJob(ctx, "job-1")
	if stored.Status != models.StatusCancelled {
		t.Errorf("status = %s, want cancelled", stored.Status)
	}

	// Cancelling again is a no-op.
	ok, err = p.ctrl.CancelJob(ctx, "job-1")
	if err != nil || ok {
		t.Errorf("second CancelJob() = (%v, %v), want (false, nil)", ok, err)
	}

	if _, err := p.ctrl.CancelJob(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("CancelJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestCancelInFlightJob(t *testing.T) {
	p := newTestController(t, nil, nil)
	ctx := context.Background()

	job := &models.Job{PhotoID: "photo-1"}
	if err := p.ctrl.Submit(ctx, job, false, nil); err != nil {
		t.Fatal(err)
	}

	// The pool already claimed the task: cancellation is refused and
	// the job keeps running.
	ok, err := p.ctrl.CancelJob(ctx, job.ID)
	if err != nil || ok {
		t.Fatalf("CancelJob(claimed) = (%v, %v), want (false, nil)", ok, err)
	}
	if p.ctrl.InFlight() != 1 {
		t.Errorf("InFlight() = %d, want 1", p.ctrl.InFlight())
	}

	// Next attempt the pool lets go of it.
	p.disp.cancelOK = true
	ok, err = p.ctrl.CancelJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("CancelJob(queued) = (%v, %v), want (true, nil)", ok, err)
	}
	stored, _ := p.store.GetJob(ctx, job.ID)
	if stored.Status != models.StatusCancelled {
		t.Errorf("status = %s, want cancelled", stored.Status)
	}
	if p.ctrl.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", p.ctrl.InFlight())
	}
}

func TestMaintainPrioritiesRebalancesOnSchedule(t *testing.T) {
	p := newTestController(t, nil, nil)
	ctx := context.Background()

	// Stored priority no longer matches the job's signals.
	drifted := pendingJob("drifted", 2, time.Now())
	drifted.QualityScore = qualityPtr(4.9)
	p.store.CreateJob(ctx, drifted)

	p.ctrl.maintainPriorities(ctx)

	stored, _ := p.store.GetJob(ctx, "drifted")
	if stored.Priority != priority.HighPriority {
		t.Fatalf("priority = %d after rebalance, want %d", stored.Priority, priority.HighPriority)
	}

	// Within the interval nothing runs, even if priorities drift again.
	p.store.UpdateJobPriority(ctx, "drifted", 3)
	p.ctrl.maintainPriorities(ctx)
	stored, _ = p.store.GetJob(ctx, "drifted")
	if stored.Priority != 3 {
		t.Errorf("priority = %d, want 3 until the next scheduled pass", stored.Priority)
	}
}

func TestControllerStartStopIdempotent(t *testing.T) {
	p := newTestController(t, nil, func(cfg *Config, monCfg *resource.Config) {
		cfg.ControlInterval = 10 * time.Millisecond
		cfg.StopTimeout = 2 * time.Second
	})

	p.ctrl.Start()
	p.ctrl.Start()
	time.Sleep(30 * time.Millisecond)
	p.ctrl.Stop()
	p.ctrl.Stop()
}

func TestControllerWithLocalPool(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ControlInterval = 20 * time.Millisecond
	cfg.JobMemoryMB = 64
	cfg.DispatchRetry = retry.Config{MaxRetries: 1, Strategy: retry.StrategyFixed, InitialDelay: time.Millisecond}

	log := zap.NewNop().Sugar()
	store := NewMemoryStore()
	mon := resource.NewMonitor(resource.NewStaticSource(optimalSample()), resource.DefaultConfig(), log)
	mon.Observe(optimalSample())
	pm := priority.NewManager(store, priority.DefaultConfig(), log)
	ex := retry.NewExecutor(log)
	rec := faults.NewRecorder(50, log)

	pool := dispatch.NewLocalDispatcher(2, 16, func(ctx context.Context, job *models.Job) error {
		return nil
	}, log)
	pool.Start()
	defer pool.Stop()

	c := NewController(store, pool, pm, mon, nil, ex, rec, cfg, log)
	c.Start()
	defer c.Stop()

	job := &models.Job{PhotoID: "photo-1"}
	if err := c.Submit(context.Background(), job, true, nil); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		stored, err := store.GetJob(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("GetJob() error: %v", err)
		}
		if stored.Status == models.StatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job stuck in %s", stored.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := mon.Allocator().Allocated(); got != 0 {
		t.Errorf("Allocated() = %d after completion, want 0", got)
	}
}
