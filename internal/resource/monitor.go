package resource

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State classifies the current hardware conditions. Values are ordered
// by severity so states can be compared directly.
type State int

const (
	StateOptimal State = iota
	StateNormal
	StateThrottled
	StateCritical
)

func (s State) String() string {
	switch s {
	case StateOptimal:
		return "optimal"
	case StateNormal:
		return "normal"
	case StateThrottled:
		return "throttled"
	case StateCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Thresholds holds the temperature (Celsius) and memory (percent)
// boundaries between states.
type Thresholds struct {
	TempOptimal  float64
	TempNormal   float64
	TempCritical float64
	MemOptimal   float64
	MemNormal    float64
	MemCritical  float64
}

// Config controls the monitor loop.
type Config struct {
	SampleInterval time.Duration
	HistorySize    int
	Thresholds     Thresholds
	MemoryLimitMB  int
	StopTimeout    time.Duration
}

// DefaultConfig returns the monitor defaults used by the daemon.
func DefaultConfig() Config {
	return Config{
		SampleInterval: 5 * time.Second,
		HistorySize:    120,
		Thresholds: Thresholds{
			TempOptimal:  60,
			TempNormal:   75,
			TempCritical: 85,
			MemOptimal:   50,
			MemNormal:    70,
			MemCritical:  90,
		},
		MemoryLimitMB: 4096,
		StopTimeout:   5 * time.Second,
	}
}

// ClassifyState maps one sample to a state. Pure: identical inputs
// always produce the identical state.
func ClassifyState(m Metrics, t Thresholds) State {
	switch {
	case m.Temperature >= t.TempCritical || m.MemoryPercent >= t.MemCritical:
		return StateCritical
	case m.Temperature < t.TempOptimal && m.MemoryPercent < t.MemOptimal:
		return StateOptimal
	case m.Temperature < t.TempNormal && m.MemoryPercent < t.MemNormal:
		return StateNormal
	default:
		return StateThrottled
	}
}

// Monitor samples a Source on a fixed interval, tracks the resulting
// state machine and fires registered callbacks on transitions. It also
// owns the memory allocator, whose lifecycle is independent of the
// sampling loop.
type Monitor struct {
	src   Source
	cfg   Config
	log   *zap.SugaredLogger
	alloc *Allocator

	mu       sync.Mutex
	state    State
	metrics  Metrics
	history  []Metrics
	histNext int
	histFull bool
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}

	onStateChange []func(old, new State, m Metrics)
	onThrottle    []func(Metrics)
	onCritical    []func(Metrics)
	onResume      []func(Metrics)
}

// NewMonitor creates a stopped monitor.
func NewMonitor(src Source, cfg Config, logger *zap.SugaredLogger) *Monitor {
	if cfg.HistorySize < 1 {
		cfg.HistorySize = 1
	}
	return &Monitor{
		src:     src,
		cfg:     cfg,
		log:     logger.Named("resource"),
		alloc:   NewAllocator(cfg.MemoryLimitMB),
		history: make([]Metrics, cfg.HistorySize),
	}
}

// Allocator returns the monitor's memory allocator.
func (m *Monitor) Allocator() *Allocator { return m.alloc }

// Start launches the sampling loop. Calling Start on a running monitor
// is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	done := m.done
	m.mu.Unlock()

	m.log.Infow("resource monitor started", "interval", m.cfg.SampleInterval)
	go m.loop(ctx, done)
}

// Stop signals the loop to exit and waits for it with a bounded
// timeout. Calling Stop on a stopped monitor is a no-op. Accumulated
// memory allocations survive a stop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
		m.log.Infow("resource monitor stopped")
	case <-time.After(m.cfg.StopTimeout):
		m.log.Warnw("resource monitor did not stop in time", "timeout", m.cfg.StopTimeout)
	}
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := m.src.Sample(ctx)
			if err != nil {
				m.log.Warnw("metric sample failed", "error", err)
				continue
			}
			m.Observe(sample)
		}
	}
}

// Observe feeds one sample through the state machine. The loop calls
// this on every tick; callers replaying recorded metrics may call it
// directly.
func (m *Monitor) Observe(sample Metrics) {
	m.mu.Lock()
	old := m.state
	next := ClassifyState(sample, m.cfg.Thresholds)
	m.state = next
	m.metrics = sample

	m.history[m.histNext] = sample
	m.histNext = (m.histNext + 1) % len(m.history)
	if m.histNext == 0 {
		m.histFull = true
	}

	var fires []func()
	if next != old {
		for _, fn := range m.onStateChange {
			fn := fn
			fires = append(fires, func() { fn(old, next, sample) })
		}
		if next >= StateThrottled && old < StateThrottled {
			for _, fn := range m.onThrottle {
				fn := fn
				fires = append(fires, func() { fn(sample) })
			}
		}
		if next == StateCritical && old != StateCritical {
			for _, fn := range m.onCritical {
				fn := fn
				fires = append(fires, func() { fn(sample) })
			}
		}
		if next < StateThrottled && old >= StateThrottled {
			for _, fn := range m.onResume {
				fn := fn
				fires = append(fires, func() { fn(sample) })
			}
		}
	}
	m.mu.Unlock()

	if next != old {
		m.log.Infow("resource state changed",
			"from", old.String(),
			"to", next.String(),
			"temperature", sample.Temperature,
			"memory_percent", sample.MemoryPercent,
		)
	}

	// Handlers run outside the lock, in registration order. A panic in
	// one handler must not starve the rest.
	for _, f := range fires {
		m.fire(f)
	}
}

func (m *Monitor) fire(f func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("resource callback panicked", "panic", r)
		}
	}()
	f()
}

// OnStateChange registers a handler for every state transition.
func (m *Monitor) OnStateChange(fn func(old, new State, sample Metrics)) {
	m.mu.Lock()
	m.onStateChange = append(m.onStateChange, fn)
	m.mu.Unlock()
}

// OnThrottle registers a handler fired when the state rises into
// throttled or critical from below.
func (m *Monitor) OnThrottle(fn func(Metrics)) {
	m.mu.Lock()
	m.onThrottle = append(m.onThrottle, fn)
	m.mu.Unlock()
}

// OnCritical registers a handler fired on entry into critical.
func (m *Monitor) OnCritical(fn func(Metrics)) {
	m.mu.Lock()
	m.onCritical = append(m.onCritical, fn)
	m.mu.Unlock()
}

// OnResume registers a handler fired when the state drops out of
// throttled or critical.
func (m *Monitor) OnResume(fn func(Metrics)) {
	m.mu.Lock()
	m.onResume = append(m.onResume, fn)
	m.mu.Unlock()
}

// CurrentState returns the state derived from the latest sample.
func (m *Monitor) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentMetrics returns the latest sample.
func (m *Monitor) CurrentMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// IsCritical reports whether the hardware is in the critical state,
// for example a GPU over its temperature ceiling.
func (m *Monitor) IsCritical() bool {
	return m.CurrentState() == StateCritical
}

// RecommendedSpeedMultiplier maps the current state to a dispatch
// speed factor. 0 means stop dispatching entirely.
func (m *Monitor) RecommendedSpeedMultiplier() float64 {
	switch m.CurrentState() {
	case StateOptimal:
		return 1.0
	case StateNormal:
		return 0.8
	case StateThrottled:
		return 0.5
	default:
		return 0.0
	}
}

// History returns the retained samples, oldest first.
func (m *Monitor) History() []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.histFull {
		out := make([]Metrics, m.histNext)
		copy(out, m.history[:m.histNext])
		return out
	}
	out := make([]Metrics, 0, len(m.history))
	out = append(out, m.history[m.histNext:]...)
	out = append(out, m.history[:m.histNext]...)
	return out
}
