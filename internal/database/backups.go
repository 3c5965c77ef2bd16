package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/failsafe"
)

// InsertBackup records the metadata of a completed backup copy
func (db *DB) InsertBackup(ctx context.Context, rec *failsafe.BackupRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO backups (id, source_path, backup_path, checksum, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SourcePath, rec.BackupPath, rec.Checksum, rec.SizeBytes, rec.CreatedAt)
	return err
}

// GetBackup retrieves a backup record by its ID
func (db *DB) GetBackup(ctx context.Context, id string) (*failsafe.BackupRecord, error) {
	var rec failsafe.BackupRecord
	err := db.QueryRowContext(ctx, `
		SELECT id, source_path, backup_path, checksum, size_bytes, created_at
		FROM backups WHERE id = ?
	`, id).Scan(&rec.ID, &rec.SourcePath, &rec.BackupPath, &rec.Checksum, &rec.SizeBytes, &rec.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, failsafe.ErrBackupNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListBackups returns all backup records, newest first
func (db *DB) ListBackups(ctx context.Context) ([]failsafe.BackupRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, source_path, backup_path, checksum, size_bytes, created_at
		FROM backups ORDER BY created_at DESC, rowid DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []failsafe.BackupRecord{}
	for rows.Next() {
		var rec failsafe.BackupRecord
		if err := rows.Scan(&rec.ID, &rec.SourcePath, &rec.BackupPath, &rec.Checksum, &rec.SizeBytes, &rec.CreatedAt); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteBackup removes a backup record
func (db *DB) DeleteBackup(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, "DELETE FROM backups WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return failsafe.ErrBackupNotFound
	}
	return nil
}
