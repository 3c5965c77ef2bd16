package resource

import (
	"errors"
	"sync"
)

// ErrAllocationExceeded is used by callers to report a denied memory
// reservation up the stack.
var ErrAllocationExceeded = errors.New("memory allocation limit exceeded")

// Allocator tracks named memory reservations against a fixed limit.
// It does not allocate anything itself; it is the bookkeeping that
// keeps concurrent jobs from oversubscribing the device.
type Allocator struct {
	mu      sync.Mutex
	limitMB int
	allocs  map[string]int
	totalMB int
}

// NewAllocator creates an allocator with the given limit in MB.
func NewAllocator(limitMB int) *Allocator {
	return &Allocator{
		limitMB: limitMB,
		allocs:  make(map[string]int),
	}
}

// Allocate reserves sizeMB under id. It returns false without mutating
// anything if id is already live, sizeMB is not positive, or the
// reservation would exceed the limit.
func (a *Allocator) Allocate(id string, sizeMB int) bool {
	if sizeMB <= 0 {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, live := a.allocs[id]; live {
		return false
	}
	if a.totalMB+sizeMB > a.limitMB {
		return false
	}
	a.allocs[id] = sizeMB
	a.totalMB += sizeMB
	return true
}

// Deallocate releases the reservation under id. Returns false if id is
// not live.
func (a *Allocator) Deallocate(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, live := a.allocs[id]
	if !live {
		return false
	}
	delete(a.allocs, id)
	a.totalMB -= size
	return true
}

// Available returns limit minus the sum of live reservations, in MB.
func (a *Allocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limitMB - a.totalMB
}

// Allocated returns the sum of live reservations in MB.
func (a *Allocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalMB
}

// Limit returns the configured limit in MB.
func (a *Allocator) Limit() int { return a.limitMB }

// Allocations returns a copy of the live reservation map.
func (a *Allocator) Allocations() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]int, len(a.allocs))
	for id, size := range a.allocs {
		out[id] = size
	}
	return out
}
