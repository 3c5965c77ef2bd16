package failsafe

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testManager(t *testing.T, cfg Config) (*Manager, *MemoryCheckpointStore, *MemoryBackupStore) {
	t.Helper()

	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(t.TempDir(), "backups")
	}
	cps := NewMemoryCheckpointStore()
	bs := NewMemoryBackupStore()
	m, err := NewManager(cps, bs, cfg, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	return m, cps, bs
}

func TestSaveAndLoadCheckpoint(t *testing.T) {
	m, _, _ := testManager(t, DefaultConfig())
	ctx := context.Background()

	cp := &Checkpoint{
		OperationID:   "op-1",
		OperationName: "develop-photo",
		State:         StateRunning,
		Progress:      0.4,
		Payload:       map[string]any{"stage": "develop", "photo": "IMG_0042"},
		Metadata:      map[string]string{"session": "morning"},
	}
	if err := m.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint() error: %v", err)
	}
	if cp.ID == "" {
		t.Fatal("SaveCheckpoint() did not assign an id")
	}
	if cp.CreatedAt.IsZero() {
		t.Fatal("SaveCheckpoint() did not stamp CreatedAt")
	}

	got, err := m.LoadCheckpoint(ctx, cp.ID)
	if err != nil {
		t.Fatalf("LoadCheckpoint() error: %v", err)
	}
	if got.OperationID != "op-1" || got.OperationName != "develop-photo" {
		t.Errorf("loaded %+v, identity fields wrong", got)
	}
	if got.State != StateRunning || got.Progress != 0.4 {
		t.Errorf("loaded state=%s progress=%v", got.State, got.Progress)
	}
	if got.Payload["stage"] != "develop" || got.Payload["photo"] != "IMG_0042" {
		t.Errorf("payload = %v", got.Payload)
	}
	if got.Metadata["session"] != "morning" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	if _, err := m.LoadCheckpoint(ctx, "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadCheckpoint(unknown) = %v, want ErrNotFound", err)
	}
}

func TestSaveCheckpointValidates(t *testing.T) {
	m, _, _ := testManager(t, DefaultConfig())
	ctx := context.Background()

	tests := []struct {
		name string
		cp   Checkpoint
	}{
		{"missing operation id", Checkpoint{State: StateRunning}},
		{"progress below zero", Checkpoint{OperationID: "op", State: StateRunning, Progress: -0.1}},
		{"progress above one", Checkpoint{OperationID: "op", State: StateRunning, Progress: 1.1}},
		{"unknown state", Checkpoint{OperationID: "op", State: "meditating"}},
		{"empty state", Checkpoint{OperationID: "op"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.SaveCheckpoint(ctx, &tt.cp)
			if !errors.Is(err, ErrInvalidCheckpoint) {
				t.Errorf("SaveCheckpoint() = %v, want ErrInvalidCheckpoint", err)
			}
		})
	}
}

func TestLatestMeansMostRecentlyWritten(t *testing.T) {
	m, _, _ := testManager(t, DefaultConfig())
	ctx := context.Background()

	// A later write with lower progress still wins: the operation
	// backtracked and the newest snapshot is the truth.
	first := &Checkpoint{OperationID: "op-1", State: StateRunning, Progress: 0.9}
	second := &Checkpoint{OperationID: "op-1", State: StateRunning, Progress: 0.4}
	if err := m.SaveCheckpoint(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveCheckpoint(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := m.GetLatestCheckpoint(ctx, "op-1")
	if err != nil {
		t.Fatalf("GetLatestCheckpoint() error: %v", err)
	}
	if got.ID != second.ID || got.Progress != 0.4 {
		t.Errorf("latest = %+v, want the second write", got)
	}

	if _, err := m.GetLatestCheckpoint(ctx, "never-saved"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetLatestCheckpoint(unknown op) = %v, want ErrNotFound", err)
	}
}

func TestCheckpointRetention(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckpointRetention = 3
	m, cps, _ := testManager(t, cfg)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		cp := &Checkpoint{OperationID: "op-1", State: StateRunning, Progress: float64(i) / 5}
		if err := m.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	count, err := cps.CountCheckpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("retained %d checkpoints, want 3", count)
	}

	// The newest survives pruning.
	latest, err := m.GetLatestCheckpoint(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Progress != 1.0 {
		t.Errorf("latest progress = %v, want 1.0", latest.Progress)
	}
}

func TestCanResume(t *testing.T) {
	tests := []struct {
		state string
		want  bool
	}{
		{StateRunning, true},
		{StatePaused, true},
		{StateInitialized, false},
		{StateCompleted, false},
		{StateFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			m, _, _ := testManager(t, DefaultConfig())
			ctx := context.Background()

			cp := &Checkpoint{OperationID: "op-1", State: tt.state, Progress: 0.5}
			if err := m.SaveCheckpoint(ctx, cp); err != nil {
				t.Fatal(err)
			}
			if got := m.CanResume(ctx, "op-1"); got != tt.want {
				t.Errorf("CanResume() with latest %s = %v, want %v", tt.state, got, tt.want)
			}
		})
	}

	t.Run("no checkpoint at all", func(t *testing.T) {
		m, _, _ := testManager(t, DefaultConfig())
		if m.CanResume(context.Background(), "ghost-op") {
			t.Error("CanResume() = true for an operation that never checkpointed")
		}
	})

	t.Run("only the latest counts", func(t *testing.T) {
		m, _, _ := testManager(t, DefaultConfig())
		ctx := context.Background()

		running := &Checkpoint{OperationID: "op-1", State: StateRunning, Progress: 0.5}
		done := &Checkpoint{OperationID: "op-1", State: StateCompleted, Progress: 1.0}
		if err := m.SaveCheckpoint(ctx, running); err != nil {
			t.Fatal(err)
		}
		if err := m.SaveCheckpoint(ctx, done); err != nil {
			t.Fatal(err)
		}
		if m.CanResume(ctx, "op-1") {
			t.Error("CanResume() = true although the latest checkpoint is terminal")
		}
	})
}

func TestResumeOperation(t *testing.T) {
	m, _, _ := testManager(t, DefaultConfig())
	ctx := context.Background()

	cp := &Checkpoint{
		OperationID: "op-1",
		State:       StatePaused,
		Progress:    0.7,
		Payload:     map[string]any{"stage": "export"},
	}
	if err := m.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatal(err)
	}

	got, err := m.ResumeOperation(ctx, "op-1", func(c *Checkpoint) (any, error) {
		if c.Progress != 0.7 {
			t.Errorf("resume handed progress %v, want 0.7", c.Progress)
		}
		if c.Payload["stage"] != "export" {
			t.Errorf("resume handed payload %v", c.Payload)
		}
		return "resumed from " + c.Payload["stage"].(string), nil
	})
	if err != nil {
		t.Fatalf("ResumeOperation() error: %v", err)
	}
	if got != "resumed from export" {
		t.Errorf("ResumeOperation() = %v", got)
	}
}

func TestResumeOperationNotResumable(t *testing.T) {
	m, _, _ := testManager(t, DefaultConfig())
	ctx := context.Background()

	done := &Checkpoint{OperationID: "op-done", State: StateCompleted, Progress: 1.0}
	if err := m.SaveCheckpoint(ctx, done); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		opID string
	}{
		{"terminal operation", "op-done"},
		{"operation without checkpoints", "op-ghost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			_, err := m.ResumeOperation(ctx, tt.opID, func(c *Checkpoint) (any, error) {
				called = true
				return nil, nil
			})
			if !errors.Is(err, ErrNotResumable) {
				t.Errorf("ResumeOperation() = %v, want ErrNotResumable", err)
			}
			if called {
				t.Error("resume function ran for a non-resumable operation")
			}
		})
	}
}

func TestGetRecoverableOperations(t *testing.T) {
	m, _, _ := testManager(t, DefaultConfig())
	ctx := context.Background()

	crashed := &Checkpoint{OperationID: "op-crashed", OperationName: "develop-photo", State: StateRunning, Progress: 0.6}
	finished := &Checkpoint{OperationID: "op-finished", State: StateCompleted, Progress: 1.0}
	paused := &Checkpoint{OperationID: "op-paused", State: StatePaused, Progress: 0.3}
	for _, cp := range []*Checkpoint{crashed, finished, paused} {
		if err := m.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatal(err)
		}
	}

	got, err := m.GetRecoverableOperations(ctx)
	if err != nil {
		t.Fatalf("GetRecoverableOperations() error: %v", err)
	}
	// Paused means deliberately stopped; only running implies a crash.
	if len(got) != 1 {
		t.Fatalf("recoverable = %+v, want exactly op-crashed", got)
	}
	rec := got[0]
	if rec.OperationID != "op-crashed" || rec.OperationName != "develop-photo" {
		t.Errorf("recoverable identity = %+v", rec)
	}
	if rec.Progress != 0.6 || rec.CheckpointID != crashed.ID {
		t.Errorf("recoverable detail = %+v", rec)
	}
	if rec.LastSaved.IsZero() {
		t.Error("LastSaved not carried over")
	}
}

func TestGetStatistics(t *testing.T) {
	cfg := DefaultConfig()
	m, _, _ := testManager(t, cfg)
	ctx := context.Background()

	for _, cp := range []*Checkpoint{
		{OperationID: "op-1", State: StateRunning, Progress: 0.2},
		{OperationID: "op-1", State: StateRunning, Progress: 0.5},
		{OperationID: "op-2", State: StateCompleted, Progress: 1.0},
	} {
		if err := m.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := m.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics() error: %v", err)
	}
	if stats.Checkpoints != 3 {
		t.Errorf("Checkpoints = %d, want 3", stats.Checkpoints)
	}
	if stats.Operations != 2 {
		t.Errorf("Operations = %d, want 2", stats.Operations)
	}
	if stats.Recoverable != 1 {
		t.Errorf("Recoverable = %d, want 1", stats.Recoverable)
	}
	if stats.Corrupted != 0 {
		t.Errorf("Corrupted = %d, want 0", stats.Corrupted)
	}
	if stats.AutoBackupActive {
		t.Error("AutoBackupActive = true with no loop started")
	}
}

func TestMemoryStorePruneKeepsAtLeastOne(t *testing.T) {
	s := NewMemoryCheckpointStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cp := &Checkpoint{ID: string(rune('a' + i)), OperationID: "op", State: StateRunning}
		if err := s.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatal(err)
		}
	}

	// keep=0 still keeps one: the latest must never be pruned away.
	removed, err := s.PruneCheckpoints(ctx, "op", 0)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed %d, want 2", removed)
	}
	got, err := s.LatestCheckpoint(ctx, "op")
	if err != nil {
		t.Fatalf("latest vanished after prune: %v", err)
	}
	if got.ID != "c" {
		t.Errorf("survivor = %s, want the newest", got.ID)
	}
}

func testTime(t *testing.T, at time.Time) {
	t.Helper()
	timeNow = func() time.Time { return at }
	t.Cleanup(func() { timeNow = time.Now })
}
