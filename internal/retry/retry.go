// Package retry runs operations with configurable backoff and keeps
// per-operation success statistics for the life of the process.
package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Strategy selects how the delay grows between attempts.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// jitterFraction is the ± spread applied to a delay when jitter is on.
const jitterFraction = 0.25

// Config controls one retried call.
type Config struct {
	MaxRetries   int
	Strategy     Strategy
	InitialDelay time.Duration
	MaxDelay     time.Duration // 0 means no cap
	Jitter       bool
}

// DefaultConfig returns the daemon defaults: three retries with
// jittered exponential backoff from 1s, capped at 1m.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		Strategy:     StrategyExponential,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Jitter:       true,
	}
}

// Stats aggregates all calls made under one operation name.
type Stats struct {
	TotalOperations int64   `json:"total_operations"`
	Successes       int64   `json:"successes"`
	Failures        int64   `json:"failures"`
	SuccessRate     float64 `json:"success_rate"`
	AverageAttempts float64 `json:"average_attempts"`
}

type opStats struct {
	total    int64
	success  int64
	failure  int64
	attempts int64
}

// Executor carries the per-operation statistics. One executor is
// shared by everything that retries, so stats cover the whole process.
type Executor struct {
	mu    sync.Mutex
	stats map[string]*opStats
	log   *zap.SugaredLogger
}

// NewExecutor creates an executor with empty statistics.
func NewExecutor(logger *zap.SugaredLogger) *Executor {
	return &Executor{
		stats: make(map[string]*opStats),
		log:   logger.Named("retry"),
	}
}

// Do runs op until it succeeds or cfg.MaxRetries is exhausted, for at
// most MaxRetries+1 attempts. The final error is returned unchanged so
// callers always see the root cause. A cancelled context aborts the
// wait between attempts and returns ctx.Err().
func Do[T any](ctx context.Context, ex *Executor, name string, cfg Config, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			ex.record(name, attempt, true)
			return result, nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		delay := backoffDelay(cfg, attempt)
		ex.log.Warnw("operation failed, retrying",
			"operation", name,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err,
		)
		if err := sleepCtx(ctx, delay); err != nil {
			ex.record(name, attempt, false)
			return zero, err
		}
	}

	ex.record(name, attempts, false)
	return zero, lastErr
}

// backoffDelay computes the wait after the attempt-th failure.
func backoffDelay(cfg Config, attempt int) time.Duration {
	base := cfg.InitialDelay
	if base <= 0 {
		base = time.Second
	}

	var d time.Duration
	switch cfg.Strategy {
	case StrategyFixed:
		d = base
	case StrategyLinear:
		d = time.Duration(attempt) * base
	default:
		d = time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	}

	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if cfg.Jitter {
		spread := jitterFraction * float64(d)
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if d < 0 {
		d = 0
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Executor) record(name string, attempts int, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.stats[name]
	if !ok {
		s = &opStats{}
		e.stats[name] = s
	}
	s.total++
	s.attempts += int64(attempts)
	if success {
		s.success++
	} else {
		s.failure++
	}
}

// Stats returns the aggregates for one operation name.
func (e *Executor) Stats(name string) (Stats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.stats[name]
	if !ok {
		return Stats{}, false
	}
	return s.snapshot(), true
}

// AllStats returns the aggregates for every operation name.
func (e *Executor) AllStats() map[string]Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]Stats, len(e.stats))
	for name, s := range e.stats {
		out[name] = s.snapshot()
	}
	return out
}

func (s *opStats) snapshot() Stats {
	out := Stats{
		TotalOperations: s.total,
		Successes:       s.success,
		Failures:        s.failure,
	}
	if s.total > 0 {
		out.SuccessRate = float64(s.success) / float64(s.total)
		out.AverageAttempts = float64(s.attempts) / float64(s.total)
	}
	return out
}
