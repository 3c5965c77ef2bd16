package failsafe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Checkpoint lifecycle states
const (
	StateInitialized = "initialized"
	StateRunning     = "running"
	StatePaused      = "paused"
	StateCompleted   = "completed"
	StateFailed      = "failed"
)

var (
	// ErrNotFound is returned when no checkpoint matches the given id or operation.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrBackupNotFound is returned when no backup record matches the given id.
	ErrBackupNotFound = errors.New("backup not found")
	// ErrCheckpointCorrupt marks a persisted checkpoint that could not be decoded.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
	// ErrInvalidCheckpoint marks a checkpoint rejected before it was written.
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")
	// ErrNotResumable is returned by ResumeOperation when the latest
	// checkpoint is terminal or missing.
	ErrNotResumable = errors.New("operation not resumable")
)

// Checkpoint is an immutable progress snapshot for a long-running
// operation. Progress is a fraction in [0,1]; Payload is opaque to the
// manager and belongs to whoever resumes the operation.
type Checkpoint struct {
	ID            string            `json:"id"`
	OperationID   string            `json:"operation_id"`
	OperationName string            `json:"operation_name"`
	State         string            `json:"state"`
	Progress      float64           `json:"progress"`
	Payload       map[string]any    `json:"payload,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Clone returns a copy that shares no maps with the original.
func (c *Checkpoint) Clone() *Checkpoint {
	out := *c
	if c.Payload != nil {
		out.Payload = make(map[string]any, len(c.Payload))
		for k, v := range c.Payload {
			out.Payload[k] = v
		}
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (c *Checkpoint) validate() error {
	if c.OperationID == "" {
		return fmt.Errorf("%w: empty operation id", ErrInvalidCheckpoint)
	}
	if c.Progress < 0 || c.Progress > 1 {
		return fmt.Errorf("%w: progress %.3f outside [0,1]", ErrInvalidCheckpoint, c.Progress)
	}
	switch c.State {
	case StateInitialized, StateRunning, StatePaused, StateCompleted, StateFailed:
		return nil
	default:
		return fmt.Errorf("%w: unknown state %q", ErrInvalidCheckpoint, c.State)
	}
}

// BackupRecord describes one whole-file backup copy. The backup file
// itself is never modified after creation; Checksum is the SHA-256 of
// its content, computed at creation time.
type BackupRecord struct {
	ID         string    `json:"id"`
	SourcePath string    `json:"source_path"`
	BackupPath string    `json:"backup_path"`
	Checksum   string    `json:"checksum"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecoverableOperation summarizes an operation whose latest checkpoint
// was left in the running state, implying the process died mid-flight.
type RecoverableOperation struct {
	OperationID   string    `json:"operation_id"`
	OperationName string    `json:"operation_name"`
	CheckpointID  string    `json:"checkpoint_id"`
	Progress      float64   `json:"progress"`
	LastSaved     time.Time `json:"last_saved"`
}

// CheckpointStore persists checkpoints. "Latest" always means most
// recently written, not highest progress.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	LatestCheckpoint(ctx context.Context, operationID string) (*Checkpoint, error)
	// LatestCheckpoints returns the latest checkpoint of every operation.
	LatestCheckpoints(ctx context.Context) ([]Checkpoint, error)
	// PruneCheckpoints deletes the oldest checkpoints of an operation
	// beyond keep, and reports how many were removed.
	PruneCheckpoints(ctx context.Context, operationID string, keep int) (int, error)
	CountCheckpoints(ctx context.Context) (int, error)
	// CorruptedCount reports how many persisted records were skipped as
	// undecodable since the store was opened.
	CorruptedCount() int
}

// BackupStore persists backup metadata records.
type BackupStore interface {
	InsertBackup(ctx context.Context, rec *BackupRecord) error
	GetBackup(ctx context.Context, id string) (*BackupRecord, error)
	// ListBackups returns records newest first.
	ListBackups(ctx context.Context) ([]BackupRecord, error)
	DeleteBackup(ctx context.Context, id string) error
}

// MemoryCheckpointStore is an in-memory CheckpointStore, the default
// when no durable store is wired in and the store used by tests.
type MemoryCheckpointStore struct {
	mu   sync.Mutex
	byID map[string]*Checkpoint
	byOp map[string][]*Checkpoint // append order == write order
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		byID: make(map[string]*Checkpoint),
		byOp: make(map[string][]*Checkpoint),
	}
}

func (s *MemoryCheckpointStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cp.Clone()
	s.byID[stored.ID] = stored
	s.byOp[stored.OperationID] = append(s.byOp[stored.OperationID], stored)
	return nil
}

func (s *MemoryCheckpointStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cp.Clone(), nil
}

func (s *MemoryCheckpointStore) LatestCheckpoint(ctx context.Context, operationID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.byOp[operationID]
	if len(chain) == 0 {
		return nil, ErrNotFound
	}
	return chain[len(chain)-1].Clone(), nil
}

func (s *MemoryCheckpointStore) LatestCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Checkpoint, 0, len(s.byOp))
	for _, chain := range s.byOp {
		if len(chain) == 0 {
			continue
		}
		out = append(out, *chain[len(chain)-1].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperationID < out[j].OperationID })
	return out, nil
}

func (s *MemoryCheckpointStore) PruneCheckpoints(ctx context.Context, operationID string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.byOp[operationID]
	if len(chain) <= keep {
		return 0, nil
	}

	drop := chain[:len(chain)-keep]
	for _, cp := range drop {
		delete(s.byID, cp.ID)
	}
	s.byOp[operationID] = append([]*Checkpoint(nil), chain[len(chain)-keep:]...)
	return len(drop), nil
}

func (s *MemoryCheckpointStore) CountCheckpoints(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID), nil
}

func (s *MemoryCheckpointStore) CorruptedCount() int { return 0 }

// MemoryBackupStore is an in-memory BackupStore.
type MemoryBackupStore struct {
	mu      sync.Mutex
	records map[string]*BackupRecord
	order   []string // insertion order, oldest first
}

// NewMemoryBackupStore creates an empty in-memory backup store.
func NewMemoryBackupStore() *MemoryBackupStore {
	return &MemoryBackupStore{records: make(map[string]*BackupRecord)}
}

func (s *MemoryBackupStore) InsertBackup(ctx context.Context, rec *BackupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *rec
	s.records[rec.ID] = &stored
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *MemoryBackupStore) GetBackup(ctx context.Context, id string) (*BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrBackupNotFound
	}
	out := *rec
	return &out, nil
}

func (s *MemoryBackupStore) ListBackups(ctx context.Context) ([]BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]BackupRecord, 0, len(s.records))
	for i := len(s.order) - 1; i >= 0; i-- {
		if rec, ok := s.records[s.order[i]]; ok {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *MemoryBackupStore) DeleteBackup(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return ErrBackupNotFound
	}
	delete(s.records, id)
	return nil
}
