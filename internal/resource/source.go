package resource

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metrics is one sample of the hardware signals the scheduler reacts
// to. Temperature covers whichever device the probe watches (GPU on
// machines that expose it, package temperature otherwise).
type Metrics struct {
	Temperature   float64   `json:"temperature"`
	MemoryPercent float64   `json:"memory_percent"`
	LoadPercent   float64   `json:"load_percent"`
	MemoryUsedMB  float64   `json:"memory_used_mb"`
	Timestamp     time.Time `json:"timestamp"`
}

// Source produces metric samples for the monitor loop.
type Source interface {
	Sample(ctx context.Context) (Metrics, error)
}

// TemperatureProbe reads the current device temperature in Celsius.
type TemperatureProbe func(ctx context.Context) (float64, error)

// SensorProbe returns a probe that reads host temperature sensors and
// reports the hottest sensor whose key contains one of the given
// substrings. With no substrings it reports the hottest sensor overall.
// Machines without exposed sensors read as 0.
func SensorProbe(keys ...string) TemperatureProbe {
	return func(ctx context.Context) (float64, error) {
		sensors, err := host.SensorsTemperaturesWithContext(ctx)
		if err != nil {
			return 0, fmt.Errorf("read temperature sensors: %w", err)
		}

		max := 0.0
		for _, s := range sensors {
			if len(keys) > 0 && !matchesAny(s.SensorKey, keys) {
				continue
			}
			if s.Temperature > max {
				max = s.Temperature
			}
		}
		return max, nil
	}
}

func matchesAny(key string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(strings.ToLower(key), strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// HostSource samples live CPU load and memory pressure from the host,
// plus temperature from an optional probe.
type HostSource struct {
	probe TemperatureProbe
}

// NewHostSource creates a host-backed source. probe may be nil, in
// which case temperature reads as 0 and state follows memory alone.
func NewHostSource(probe TemperatureProbe) *HostSource {
	return &HostSource{probe: probe}
}

func (h *HostSource) Sample(ctx context.Context) (Metrics, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("sample virtual memory: %w", err)
	}

	loads, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Metrics{}, fmt.Errorf("sample cpu load: %w", err)
	}
	load := 0.0
	if len(loads) > 0 {
		load = loads[0]
	}

	temp := 0.0
	if h.probe != nil {
		temp, err = h.probe(ctx)
		if err != nil {
			return Metrics{}, err
		}
	}

	return Metrics{
		Temperature:   temp,
		MemoryPercent: vm.UsedPercent,
		LoadPercent:   load,
		MemoryUsedMB:  float64(vm.Used) / (1024 * 1024),
		Timestamp:     time.Now(),
	}, nil
}

// StaticSource returns a fixed sample until changed. Used by tests and
// by simulation runs that replay recorded metrics.
type StaticSource struct {
	mu sync.Mutex
	m  Metrics
}

// NewStaticSource creates a source that always reports m.
func NewStaticSource(m Metrics) *StaticSource {
	return &StaticSource{m: m}
}

func (s *StaticSource) Sample(ctx context.Context) (Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.m
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	return m, nil
}

// Set replaces the reported sample.
func (s *StaticSource) Set(m Metrics) {
	s.mu.Lock()
	s.m = m
	s.mu.Unlock()
}
