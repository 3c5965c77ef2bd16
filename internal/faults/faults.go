// Package faults maps raw failures into a small taxonomy the scheduler
// can act on, and records them for later statistics. Classification
// never swallows an error; callers always get a typed value to
// propagate.
package faults

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/dispatch"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/failsafe"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/models"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/ratelimit"
	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/resource"
)

// Kind is the failure category.
type Kind string

const (
	KindTransient         Kind = "transient"
	KindResourceExhausted Kind = "resource_exhausted"
	KindValidation        Kind = "validation"
	KindUnavailable       Kind = "unavailable"
	KindFatal             Kind = "fatal"
	KindUnknown           Kind = "unknown"
)

// Retryable reports whether a failure of this kind may succeed on a
// later attempt. Resource exhaustion is surfaced immediately rather
// than retried silently; admission decides when to try again.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindUnavailable
}

// Classified is a failure with its category and context attached.
type Classified struct {
	Kind      Kind      `json:"kind"`
	Op        string    `json:"op"`
	SubjectID string    `json:"subject_id,omitempty"`
	Err       error     `json:"-"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

func (c *Classified) Error() string {
	msg := fmt.Sprintf("%s: %v", c.Kind, c.Err)
	if c.Op != "" {
		msg = c.Op + ": " + msg
	}
	return msg
}

func (c *Classified) Unwrap() error { return c.Err }

// Classify wraps err with its category. An error that is already
// classified keeps its original category and context. Classify(nil)
// returns nil.
func Classify(err error, op, subjectID string) *Classified {
	if err == nil {
		return nil
	}

	var existing *Classified
	if errors.As(err, &existing) {
		return existing
	}

	return &Classified{
		Kind:      kindOf(err),
		Op:        op,
		SubjectID: subjectID,
		Err:       err,
		Message:   err.Error(),
		At:        time.Now(),
	}
}

func kindOf(err error) Kind {
	switch {
	case errors.Is(err, resource.ErrAllocationExceeded):
		return KindResourceExhausted
	case errors.Is(err, ratelimit.ErrLimited),
		errors.Is(err, dispatch.ErrIntakePaused),
		errors.Is(err, dispatch.ErrQueueFull):
		return KindUnavailable
	case errors.Is(err, failsafe.ErrCheckpointCorrupt):
		return KindFatal
	case errors.Is(err, failsafe.ErrInvalidCheckpoint),
		errors.Is(err, failsafe.ErrNotFound),
		errors.Is(err, failsafe.ErrBackupNotFound),
		errors.Is(err, models.ErrNotFound),
		errors.Is(err, fs.ErrNotExist):
		return KindValidation
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTransient
		}
		return KindUnavailable
	}

	return KindUnknown
}

// Recorder keeps per-category counts and a bounded log of recent
// failures. One recorder is shared process-wide via injection.
type Recorder struct {
	mu     sync.Mutex
	counts map[Kind]int64
	recent []*Classified
	limit  int
	log    *zap.SugaredLogger
}

// NewRecorder creates a recorder retaining up to historyLimit recent
// failures (100 when historyLimit is not positive).
func NewRecorder(historyLimit int, logger *zap.SugaredLogger) *Recorder {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &Recorder{
		counts: make(map[Kind]int64),
		limit:  historyLimit,
		log:    logger.Named("faults"),
	}
}

// Record counts and logs a classified failure, returning it unchanged
// so call sites can record and propagate in one expression.
func (r *Recorder) Record(c *Classified) *Classified {
	if c == nil {
		return nil
	}

	r.mu.Lock()
	r.counts[c.Kind]++
	r.recent = append(r.recent, c)
	if len(r.recent) > r.limit {
		r.recent = r.recent[len(r.recent)-r.limit:]
	}
	r.mu.Unlock()

	r.log.Warnw("classified failure",
		"kind", string(c.Kind),
		"op", c.Op,
		"subject_id", c.SubjectID,
		"error", c.Err,
	)
	return c
}

// Statistics returns failure counts by category.
func (r *Recorder) Statistics() map[Kind]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[Kind]int64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// Recent returns up to n of the most recent failures, newest first.
func (r *Recorder) Recent(n int) []*Classified {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > len(r.recent) {
		n = len(r.recent)
	}
	out := make([]*Classified, 0, n)
	for i := len(r.recent) - 1; i >= len(r.recent)-n; i-- {
		out = append(out, r.recent[i])
	}
	return out
}
