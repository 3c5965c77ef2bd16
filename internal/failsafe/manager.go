package failsafe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/metrics"
)

// timeNow is swapped out by tests that need a fixed clock.
var timeNow = time.Now

// Config bounds checkpoint and backup retention.
type Config struct {
	// CheckpointRetention is how many checkpoints are kept per
	// operation; the newest always survives.
	CheckpointRetention int
	// BackupRetention is how many backup copies are kept in total.
	BackupRetention int
	// BackupMaxAge prunes backups older than this regardless of count.
	// 0 disables age pruning.
	BackupMaxAge time.Duration
	// BackupDir is where backup copies are written.
	BackupDir   string
	StopTimeout time.Duration
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		CheckpointRetention: 10,
		BackupRetention:     20,
		BackupMaxAge:        14 * 24 * time.Hour,
		BackupDir:           "backups",
		StopTimeout:         5 * time.Second,
	}
}

// Statistics summarizes the persisted failsafe state.
type Statistics struct {
	Checkpoints      int   `json:"checkpoints"`
	Operations       int   `json:"operations"`
	Recoverable      int   `json:"recoverable"`
	Corrupted        int   `json:"corrupted"`
	Backups          int   `json:"backups"`
	BackupSizeBytes  int64 `json:"backup_size_bytes"`
	AutoBackupActive bool  `json:"auto_backup_active"`
}

// Manager is the checkpoint and backup layer that lets long-running
// work survive a process crash. It owns no scheduling decisions; it
// records progress and restores state when asked.
type Manager struct {
	checkpoints CheckpointStore
	backups     BackupStore
	cfg         Config
	log         *zap.SugaredLogger

	mu         sync.Mutex
	autoCancel context.CancelFunc
	autoDone   chan struct{}
	autoOn     bool
}

// NewManager creates a manager over the given stores, makes sure the
// backup directory exists and scans for operations that died
// mid-flight in a previous run. The scan is discovery only; nothing is
// resumed automatically.
func NewManager(checkpoints CheckpointStore, backups BackupStore, cfg Config, logger *zap.SugaredLogger) (*Manager, error) {
	if cfg.CheckpointRetention < 1 {
		cfg.CheckpointRetention = 1
	}
	if cfg.BackupRetention < 1 {
		cfg.BackupRetention = 1
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = "backups"
	}

	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir %s: %w", cfg.BackupDir, err)
	}

	m := &Manager{
		checkpoints: checkpoints,
		backups:     backups,
		cfg:         cfg,
		log:         logger.Named("failsafe"),
	}

	recoverable, err := m.GetRecoverableOperations(context.Background())
	if err != nil {
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}
	for _, op := range recoverable {
		m.log.Warnw("operation is recoverable",
			"operation_id", op.OperationID,
			"operation", op.OperationName,
			"progress", op.Progress,
			"last_saved", op.LastSaved,
		)
	}
	if n := checkpoints.CorruptedCount(); n > 0 {
		m.log.Warnw("skipped corrupted checkpoint records", "count", n)
	}

	return m, nil
}

// SaveCheckpoint validates and persists a checkpoint, then prunes the
// operation's history down to the retention bound. A missing ID or
// timestamp is filled in and written back to cp.
func (m *Manager) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	stored := cp.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = timeNow()
	}
	if err := stored.validate(); err != nil {
		return err
	}

	if err := m.checkpoints.SaveCheckpoint(ctx, stored); err != nil {
		return fmt.Errorf("save checkpoint for %s: %w", stored.OperationID, err)
	}
	cp.ID = stored.ID
	cp.CreatedAt = stored.CreatedAt
	metrics.CheckpointsSaved.Inc()

	if _, err := m.checkpoints.PruneCheckpoints(ctx, stored.OperationID, m.cfg.CheckpointRetention); err != nil {
		m.log.Warnw("checkpoint prune failed", "operation_id", stored.OperationID, "error", err)
	}
	return nil
}

// LoadCheckpoint retrieves a checkpoint by id.
func (m *Manager) LoadCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	cp, err := m.checkpoints.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return cp, nil
}

// GetLatestCheckpoint retrieves the most recently written checkpoint
// of an operation.
func (m *Manager) GetLatestCheckpoint(ctx context.Context, operationID string) (*Checkpoint, error) {
	cp, err := m.checkpoints.LatestCheckpoint(ctx, operationID)
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint of %s: %w", operationID, err)
	}
	return cp, nil
}

// CanResume reports whether the operation's latest checkpoint is
// running or paused. Completed and failed operations, and operations
// with no usable checkpoint at all, are not resumable.
func (m *Manager) CanResume(ctx context.Context, operationID string) bool {
	cp, err := m.checkpoints.LatestCheckpoint(ctx, operationID)
	if err != nil {
		return false
	}
	return cp.State == StateRunning || cp.State == StatePaused
}

// ResumeOperation loads the latest checkpoint and hands it to resume.
// The resume function owns its own follow-up checkpoints, including a
// terminal one; the manager does not infer completion from its return.
func (m *Manager) ResumeOperation(ctx context.Context, operationID string, resume func(*Checkpoint) (any, error)) (any, error) {
	cp, err := m.checkpoints.LatestCheckpoint(ctx, operationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("operation %s has no checkpoint: %w", operationID, ErrNotResumable)
		}
		return nil, fmt.Errorf("latest checkpoint of %s: %w", operationID, err)
	}
	if cp.State != StateRunning && cp.State != StatePaused {
		return nil, fmt.Errorf("operation %s is %s: %w", operationID, cp.State, ErrNotResumable)
	}

	m.log.Infow("resuming operation",
		"operation_id", operationID,
		"operation", cp.OperationName,
		"from_progress", cp.Progress,
	)
	return resume(cp)
}

// GetRecoverableOperations lists every operation whose latest
// checkpoint is still running, meaning the process died before the
// operation wrote a terminal checkpoint.
func (m *Manager) GetRecoverableOperations(ctx context.Context) ([]RecoverableOperation, error) {
	latest, err := m.checkpoints.LatestCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan latest checkpoints: %w", err)
	}

	out := []RecoverableOperation{}
	for _, cp := range latest {
		if cp.State != StateRunning {
			continue
		}
		out = append(out, RecoverableOperation{
			OperationID:   cp.OperationID,
			OperationName: cp.OperationName,
			CheckpointID:  cp.ID,
			Progress:      cp.Progress,
			LastSaved:     cp.CreatedAt,
		})
	}
	return out, nil
}

// GetStatistics summarizes checkpoints, backups and the auto-backup
// loop state.
func (m *Manager) GetStatistics(ctx context.Context) (Statistics, error) {
	stats := Statistics{Corrupted: m.checkpoints.CorruptedCount()}

	count, err := m.checkpoints.CountCheckpoints(ctx)
	if err != nil {
		return stats, fmt.Errorf("count checkpoints: %w", err)
	}
	stats.Checkpoints = count

	latest, err := m.checkpoints.LatestCheckpoints(ctx)
	if err != nil {
		return stats, fmt.Errorf("scan latest checkpoints: %w", err)
	}
	stats.Operations = len(latest)
	for _, cp := range latest {
		if cp.State == StateRunning {
			stats.Recoverable++
		}
	}

	recs, err := m.backups.ListBackups(ctx)
	if err != nil {
		return stats, fmt.Errorf("list backups: %w", err)
	}
	stats.Backups = len(recs)
	for _, rec := range recs {
		stats.BackupSizeBytes += rec.SizeBytes
	}

	m.mu.Lock()
	stats.AutoBackupActive = m.autoOn
	m.mu.Unlock()

	return stats, nil
}
