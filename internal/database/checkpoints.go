package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/neko-jpg/Lightroom-Development-automation-sub002/internal/failsafe"
)

// SaveCheckpoint appends a checkpoint record. Records are never
// updated in place; "latest" is resolved by write order at read time.
func (db *DB) SaveCheckpoint(ctx context.Context, cp *failsafe.Checkpoint) error {
	payload, err := encodeJSON(cp.Payload)
	if err != nil {
		return fmt.Errorf("encode checkpoint payload: %w", err)
	}
	metadata, err := encodeJSON(cp.Metadata)
	if err != nil {
		return fmt.Errorf("encode checkpoint metadata: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, operation_id, operation_name, state, progress, payload, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, cp.ID, cp.OperationID, cp.OperationName, cp.State, cp.Progress, payload, metadata, cp.CreatedAt)
	return err
}

// GetCheckpoint retrieves a checkpoint by its ID. An undecodable
// record surfaces as failsafe.ErrCheckpointCorrupt.
func (db *DB) GetCheckpoint(ctx context.Context, id string) (*failsafe.Checkpoint, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, operation_id, operation_name, state, progress, payload, metadata, created_at
		FROM checkpoints WHERE id = ?
	`, id)

	cp, err := db.scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failsafe.ErrNotFound
	}
	return cp, err
}

// LatestCheckpoint returns the most recently written checkpoint for an
// operation, skipping records that no longer decode.
func (db *DB) LatestCheckpoint(ctx context.Context, operationID string) (*failsafe.Checkpoint, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, operation_id, operation_name, state, progress, payload, metadata, created_at
		FROM checkpoints WHERE operation_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		cp, err := db.scanCheckpoint(rows)
		if err != nil {
			continue
		}
		return cp, nil
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, failsafe.ErrNotFound
}

// LatestCheckpoints returns the latest decodable checkpoint of every
// operation, ordered by operation id.
func (db *DB) LatestCheckpoints(ctx context.Context) ([]failsafe.Checkpoint, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, operation_id, operation_name, state, progress, payload, metadata, created_at
		FROM checkpoints
		ORDER BY operation_id ASC, created_at DESC, rowid DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []failsafe.Checkpoint{}
	seen := map[string]bool{}
	for rows.Next() {
		cp, err := db.scanCheckpoint(rows)
		if err != nil {
			continue
		}
		if seen[cp.OperationID] {
			continue
		}
		seen[cp.OperationID] = true
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// PruneCheckpoints deletes the oldest checkpoints of an operation
// beyond keep. At least one record is always retained.
func (db *DB) PruneCheckpoints(ctx context.Context, operationID string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}

	res, err := db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE operation_id = ? AND rowid NOT IN (
			SELECT rowid FROM checkpoints
			WHERE operation_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		)
	`, operationID, operationID, keep)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountCheckpoints returns the total number of stored checkpoints
func (db *DB) CountCheckpoints(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM checkpoints").Scan(&count)
	return count, err
}

// CorruptedCount reports how many checkpoint records failed to decode
// since this connection was opened.
func (db *DB) CorruptedCount() int {
	return int(db.corrupted.Load())
}

func (db *DB) scanCheckpoint(row rowScanner) (*failsafe.Checkpoint, error) {
	var cp failsafe.Checkpoint
	var payload, metadata sql.NullString

	err := row.Scan(&cp.ID, &cp.OperationID, &cp.OperationName, &cp.State,
		&cp.Progress, &payload, &metadata, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}

	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &cp.Payload); err != nil {
			db.corrupted.Add(1)
			return nil, fmt.Errorf("%w: checkpoint %s payload: %v", failsafe.ErrCheckpointCorrupt, cp.ID, err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &cp.Metadata); err != nil {
			db.corrupted.Add(1)
			return nil, fmt.Errorf("%w: checkpoint %s metadata: %v", failsafe.ErrCheckpointCorrupt, cp.ID, err)
		}
	}

	return &cp, nil
}

func encodeJSON(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]string:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
