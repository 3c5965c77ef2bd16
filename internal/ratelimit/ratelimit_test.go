package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestAllowConsumesTokens(t *testing.T) {
	l := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !l.Allow("session") {
			t.Fatalf("Allow() = false on submission %d, want true", i+1)
		}
	}
	if l.Allow("session") {
		t.Fatal("Allow() = true after the bucket drained")
	}
	if got := l.Remaining("session"); got != 0 {
		t.Errorf("Remaining() = %d, want 0", got)
	}
}

func TestSourcesAreIndependent(t *testing.T) {
	l := New(1, time.Minute)

	if !l.Allow("session") {
		t.Fatal("first source refused its only token")
	}
	if !l.Allow("batch") {
		t.Fatal("second source affected by first source's bucket")
	}
	if l.Allow("session") || l.Allow("batch") {
		t.Fatal("drained buckets still allowing")
	}
}

func TestWindowRefills(t *testing.T) {
	l := New(2, 20*time.Millisecond)

	if !l.Allow("batch") || !l.Allow("batch") {
		t.Fatal("initial tokens missing")
	}
	if l.Allow("batch") {
		t.Fatal("bucket not empty after draining")
	}

	time.Sleep(30 * time.Millisecond)

	if !l.Allow("batch") {
		t.Fatal("bucket did not refill after window elapsed")
	}
	if got := l.Remaining("batch"); got != 1 {
		t.Errorf("Remaining() = %d after one post-refill use, want 1", got)
	}
}

func TestRemainingDoesNotConsume(t *testing.T) {
	l := New(5, time.Minute)

	if got := l.Remaining("session"); got != 5 {
		t.Fatalf("Remaining() = %d on fresh source, want 5", got)
	}
	if got := l.Remaining("session"); got != 5 {
		t.Fatalf("second Remaining() = %d, want 5", got)
	}
}

func TestAllowConcurrent(t *testing.T) {
	const budget = 100
	l := New(budget, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if l.Allow("shared") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// 200 attempts against a budget of 100: exactly the budget passes.
	if allowed != budget {
		t.Errorf("allowed %d submissions, want exactly %d", allowed, budget)
	}
}
