// Package priority assigns and maintains job priorities: initial
// computation from quality/age/context signals, starvation detection
// with auto-boost, and periodic rebalancing of the pending queue.
package priority

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/models"
)

// Priority bounds and bands.
const (
	MinPriority    = 0
	MaxPriority    = 10
	LowPriority    = 2
	MediumPriority = 5
	HighPriority   = 8
)

// timeNow is swapped out by tests that need a fixed clock.
var timeNow = time.Now

// Store is the slice of the persistence contract the manager needs.
type Store interface {
	ListPending(ctx context.Context, filter models.JobFilter) ([]models.Job, error)
	UpdateJobPriority(ctx context.Context, id string, priority int) error
	GetJobAgeHours(ctx context.Context, id string) (float64, error)
}

// Config holds the scoring weights and band thresholds.
type Config struct {
	QualityWeight float64
	AgeWeight     float64
	ContextWeight float64

	// Score at or above HighScore lands in the HIGH band, at or above
	// MediumScore in MEDIUM, below that LOW.
	HighScore   float64
	MediumScore float64

	// AgeSaturation is the pending age at which the age signal maxes out.
	AgeSaturation time.Duration

	// BoostStep is added to a starving job's priority per auto-boost.
	BoostStep int

	// NeutralQuality substitutes for a missing quality score so absence
	// never forces the LOW band.
	NeutralQuality float64
}

// DefaultConfig returns the scoring defaults.
func DefaultConfig() Config {
	return Config{
		QualityWeight:  0.5,
		AgeWeight:      0.3,
		ContextWeight:  0.2,
		HighScore:      0.45,
		MediumScore:    0.25,
		AgeSaturation:  48 * time.Hour,
		BoostStep:      2,
		NeutralQuality: 2.5,
	}
}

// Stats counts the manager's write activity since process start.
type Stats struct {
	Computed   int64 `json:"computed"`
	Boosted    int64 `json:"boosted"`
	Rebalanced int64 `json:"rebalanced"`
}

// Manager computes and maintains job priorities.
type Manager struct {
	store Store
	cfg   Config
	log   *zap.SugaredLogger

	mu    sync.Mutex
	stats Stats
}

// NewManager creates a priority manager.
func NewManager(store Store, cfg Config, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		store: store,
		cfg:   cfg,
		log:   logger.Named("priority"),
	}
}

// ComputePriority derives a job's priority. An explicit override wins,
// then the user-requested flag, then the weighted quality/age/context
// score mapped into a band. The result is always within
// [MinPriority, MaxPriority].
func (m *Manager) ComputePriority(job *models.Job, userRequested bool, override *int) int {
	m.mu.Lock()
	m.stats.Computed++
	m.mu.Unlock()

	if override != nil {
		return clamp(*override, MinPriority, MaxPriority)
	}
	if userRequested {
		return clamp(HighPriority, MinPriority, MaxPriority)
	}

	score := m.score(job)
	switch {
	case score >= m.cfg.HighScore:
		return clamp(HighPriority, MinPriority, MaxPriority)
	case score >= m.cfg.MediumScore:
		return clamp(MediumPriority, MinPriority, MaxPriority)
	default:
		return clamp(LowPriority, MinPriority, MaxPriority)
	}
}

// score folds the job's signals into [0,1].
func (m *Manager) score(job *models.Job) float64 {
	quality := m.cfg.NeutralQuality
	if job.QualityScore != nil {
		quality = *job.QualityScore
	}
	qualityNorm := clamp01(quality / 5.0)

	ageNorm := 0.0
	if !job.CreatedAt.IsZero() && m.cfg.AgeSaturation > 0 {
		age := timeNow().Sub(job.CreatedAt)
		ageNorm = clamp01(age.Hours() / m.cfg.AgeSaturation.Hours())
	}

	return m.cfg.QualityWeight*qualityNorm +
		m.cfg.AgeWeight*ageNorm +
		m.cfg.ContextWeight*contextBoost(job.Context)
}

func contextBoost(jobContext string) float64 {
	switch jobContext {
	case models.ContextSession:
		return 1.0
	case models.ContextBatch:
		return 0.3
	default:
		return 0.0
	}
}

// FindStarving returns pending jobs untouched for longer than
// olderThan, regardless of their current priority.
func (m *Manager) FindStarving(ctx context.Context, olderThan time.Duration) ([]models.Job, error) {
	cutoff := timeNow().Add(-olderThan)
	jobs, err := m.store.ListPending(ctx, models.JobFilter{UpdatedBefore: cutoff})
	if err != nil {
		return nil, fmt.Errorf("list starving jobs: %w", err)
	}
	return jobs, nil
}

// AutoBoost raises every starving job's priority by the configured
// step, clamped at MaxPriority, and returns how many were boosted.
// Jobs already at MaxPriority are left untouched.
func (m *Manager) AutoBoost(ctx context.Context, olderThan time.Duration) (int, error) {
	starving, err := m.FindStarving(ctx, olderThan)
	if err != nil {
		return 0, err
	}

	boosted := 0
	for i := range starving {
		job := &starving[i]
		if job.Priority >= MaxPriority {
			continue
		}
		next := clamp(job.Priority+m.cfg.BoostStep, MinPriority, MaxPriority)
		if err := m.store.UpdateJobPriority(ctx, job.ID, next); err != nil {
			m.log.Warnw("boost write failed", "job_id", job.ID, "error", err)
			continue
		}

		ageHours, ageErr := m.store.GetJobAgeHours(ctx, job.ID)
		if ageErr != nil {
			ageHours = timeNow().Sub(job.CreatedAt).Hours()
		}
		m.log.Infow("boosted starving job",
			"job_id", job.ID,
			"from", job.Priority,
			"to", next,
			"age_hours", ageHours,
		)
		boosted++
	}

	if boosted > 0 {
		m.mu.Lock()
		m.stats.Boosted += int64(boosted)
		m.mu.Unlock()
	}
	return boosted, nil
}

// Rebalance recomputes every pending job's priority from current
// signals and writes back only the values that changed, returning the
// change count. With unchanged signals a second call writes nothing.
func (m *Manager) Rebalance(ctx context.Context) (int, error) {
	jobs, err := m.store.ListPending(ctx, models.JobFilter{})
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}

	changed := 0
	for i := range jobs {
		job := &jobs[i]
		want := m.ComputePriority(job, job.UserRequested, nil)
		if want == job.Priority {
			continue
		}
		if err := m.store.UpdateJobPriority(ctx, job.ID, want); err != nil {
			m.log.Warnw("rebalance write failed", "job_id", job.ID, "error", err)
			continue
		}
		changed++
	}

	if changed > 0 {
		m.mu.Lock()
		m.stats.Rebalanced += int64(changed)
		m.mu.Unlock()
		m.log.Infow("rebalanced pending queue", "changed", changed, "scanned", len(jobs))
	}
	return changed, nil
}

// Stats returns a snapshot of the activity counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
