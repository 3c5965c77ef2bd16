package failsafe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/metrics"
)

// CreateBackup copies the file at sourcePath into the backup directory
// and records its metadata, including the SHA-256 of the copied
// content. The backup file is never modified after this returns.
func (m *Manager) CreateBackup(ctx context.Context, sourcePath string) (*BackupRecord, error) {
	id := uuid.NewString()
	backupPath := filepath.Join(m.cfg.BackupDir, fmt.Sprintf("%s.%s.bak", filepath.Base(sourcePath), id))

	size, checksum, err := copyFileChecksum(sourcePath, backupPath)
	if err != nil {
		return nil, fmt.Errorf("back up %s: %w", sourcePath, err)
	}

	rec := &BackupRecord{
		ID:         id,
		SourcePath: sourcePath,
		BackupPath: backupPath,
		Checksum:   checksum,
		SizeBytes:  size,
		CreatedAt:  timeNow(),
	}
	if err := m.backups.InsertBackup(ctx, rec); err != nil {
		os.Remove(backupPath)
		return nil, fmt.Errorf("record backup of %s: %w", sourcePath, err)
	}

	m.log.Infow("backup created",
		"backup_id", id,
		"source", sourcePath,
		"bytes", size,
		"checksum", checksum,
	)
	metrics.BackupsCreated.Inc()

	m.pruneBackups(ctx)
	return rec, nil
}

// RestoreBackup writes the backed-up content to its original source
// path and returns that path. The backup copy stays untouched, so the
// restore can be repeated; the recorded checksum lets the caller
// verify the result independently.
func (m *Manager) RestoreBackup(ctx context.Context, id string) (string, error) {
	rec, err := m.backups.GetBackup(ctx, id)
	if err != nil {
		return "", fmt.Errorf("restore backup %s: %w", id, err)
	}

	in, err := os.Open(rec.BackupPath)
	if err != nil {
		return "", fmt.Errorf("open backup copy %s: %w", id, err)
	}
	defer in.Close()

	if dir := filepath.Dir(rec.SourcePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("restore backup %s: %w", id, err)
		}
	}
	out, err := os.Create(rec.SourcePath)
	if err != nil {
		return "", fmt.Errorf("restore backup %s: %w", id, err)
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("restore backup %s to %s: %w", id, rec.SourcePath, err)
	}

	m.log.Infow("backup restored", "backup_id", id, "path", rec.SourcePath)
	return rec.SourcePath, nil
}

// StartAutoBackup snapshots every configured path on a fixed interval
// until StopAutoBackup. A failure on one path never aborts the tick or
// the other paths. Idempotent.
func (m *Manager) StartAutoBackup(paths []string, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}

	m.mu.Lock()
	if m.autoOn {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.autoCancel = cancel
	m.autoDone = make(chan struct{})
	m.autoOn = true
	done := m.autoDone
	m.mu.Unlock()

	m.log.Infow("auto backup started", "paths", len(paths), "interval", interval)
	go m.autoBackupLoop(ctx, done, paths, interval)
}

func (m *Manager) autoBackupLoop(ctx context.Context, done chan struct{}, paths []string, interval time.Duration) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range paths {
				if _, err := m.CreateBackup(ctx, p); err != nil {
					m.log.Warnw("auto backup failed", "path", p, "error", err)
				}
			}
		}
	}
}

// StopAutoBackup stops the auto-backup loop and waits for it with a
// bounded timeout. Idempotent.
func (m *Manager) StopAutoBackup() {
	m.mu.Lock()
	if !m.autoOn {
		m.mu.Unlock()
		return
	}
	m.autoOn = false
	cancel := m.autoCancel
	done := m.autoDone
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
		m.log.Infow("auto backup stopped")
	case <-time.After(m.cfg.StopTimeout):
		m.log.Warnw("auto backup did not stop in time", "timeout", m.cfg.StopTimeout)
	}
}

// pruneBackups enforces the count and age bounds, deleting both the
// records and their backup files.
func (m *Manager) pruneBackups(ctx context.Context) {
	recs, err := m.backups.ListBackups(ctx)
	if err != nil {
		m.log.Warnw("backup prune scan failed", "error", err)
		return
	}

	var cutoff time.Time
	if m.cfg.BackupMaxAge > 0 {
		cutoff = timeNow().Add(-m.cfg.BackupMaxAge)
	}

	// recs is newest first, so everything past the retention index is
	// the oldest overflow.
	for i, rec := range recs {
		tooMany := i >= m.cfg.BackupRetention
		tooOld := !cutoff.IsZero() && rec.CreatedAt.Before(cutoff)
		if !tooMany && !tooOld {
			continue
		}
		if err := m.backups.DeleteBackup(ctx, rec.ID); err != nil {
			m.log.Warnw("backup record delete failed", "backup_id", rec.ID, "error", err)
			continue
		}
		if err := os.Remove(rec.BackupPath); err != nil && !os.IsNotExist(err) {
			m.log.Warnw("backup file delete failed", "path", rec.BackupPath, "error", err)
		}
		m.log.Infow("backup pruned", "backup_id", rec.ID, "created_at", rec.CreatedAt)
	}
}

func copyFileChecksum(src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, "", err
	}

	h := sha256.New()
	size, err := io.Copy(out, io.TeeReader(in, h))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}
