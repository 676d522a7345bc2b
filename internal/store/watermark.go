package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Watermark records ingestion progress for one workspace: the highest turn
// sequence observed and the transcript mtime at the last successful ingest.
// A workspace with no watermark row has never been successfully ingested.
type Watermark struct {
	LastSequence int64
	LastModified int64 // epoch ms
}

// GetWatermark reads a workspace's watermark. found is false when the
// workspace has never been ingested (or was cleared).
func (m *Manager) GetWatermark(ctx context.Context, workspaceID string) (wm Watermark, found bool, err error) {
	err = m.db.QueryRowContext(ctx,
		"SELECT last_sequence, last_modified FROM ingest_watermarks WHERE workspace_id = ?",
		workspaceID,
	).Scan(&wm.LastSequence, &wm.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return Watermark{}, false, nil
	}
	if err != nil {
		return Watermark{}, false, err
	}
	return wm, true, nil
}

func (m *Manager) WatermarkCount(ctx context.Context) (int64, error) {
	var out int64
	err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ingest_watermarks").Scan(&out)
	return out, err
}

func (m *Manager) WatermarkWorkspaceIDs(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT workspace_id FROM ingest_watermarks ORDER BY workspace_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// HasWatermarkAtOrAboveZero reports whether any watermark asserts prior
// ingested history (last_sequence >= 0; a fresh default is -1).
func (m *Manager) HasWatermarkAtOrAboveZero(ctx context.Context) (bool, error) {
	var out int
	err := m.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM ingest_watermarks WHERE last_sequence >= 0)",
	).Scan(&out)
	return out != 0, err
}

func upsertWatermark(ctx context.Context, tx *sql.Tx, workspaceID string, wm Watermark) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO ingest_watermarks (workspace_id, last_sequence, last_modified)
VALUES (?, ?, ?)
ON CONFLICT (workspace_id) DO UPDATE SET
  last_sequence = excluded.last_sequence,
  last_modified = excluded.last_modified
`, workspaceID, wm.LastSequence, wm.LastModified); err != nil {
		return fmt.Errorf("upsert watermark: %w", err)
	}
	return nil
}
