package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// EventRow is one assistant turn with non-empty usage. Rows are keyed by
// (workspace_id, response_index); re-ingesting the same logical turn replaces
// the row in place.
type EventRow struct {
	WorkspaceID        string
	ProjectPath        string
	ProjectName        string
	WorkspaceName      string
	ParentWorkspaceID  *string
	AgentID            string
	Timestamp          *int64
	Day                string
	Model              string
	ThinkingLevel      string
	InputTokens        int64
	OutputTokens       int64
	ReasoningTokens    int64
	CachedTokens       int64
	CacheCreateTokens  int64
	InputCostUSD       float64
	OutputCostUSD      float64
	ReasoningCostUSD   float64
	CachedCostUSD      float64
	CacheCreateCostUSD float64
	DurationMs         *int64
	TTFTMs             *int64
	ResponseIndex      int
	IsSubAgent         bool
}

func (r EventRow) TotalCostUSD() float64 {
	return r.InputCostUSD + r.OutputCostUSD + r.ReasoningCostUSD + r.CachedCostUSD + r.CacheCreateCostUSD
}

// HeadSignature identifies the logically-first row of a workspace. Absence
// (no stored rows, or no parsed turns) is its own distinct value, never equal
// to a present signature.
type HeadSignature struct {
	Present      bool
	HasTimestamp bool
	Timestamp    int64
	Model        string
	TotalCostUSD float64
}

func (s HeadSignature) Equal(other HeadSignature) bool {
	return s == other
}

const insertEventSQL = `
INSERT INTO events (
  workspace_id, project_path, project_name, workspace_name, parent_workspace_id,
  agent_id, ts, day, model, thinking_level,
  input_tokens, output_tokens, reasoning_tokens, cached_tokens, cache_create_tokens,
  input_cost_usd, output_cost_usd, reasoning_cost_usd, cached_cost_usd, cache_create_cost_usd,
  duration_ms, ttft_ms, response_index, is_sub_agent
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// ReplaceWorkspaceEvents writes one ingest pass for a workspace: either a
// full per-workspace rebuild (drop every row, insert all) or an in-place
// incremental replace (drop only rows whose response_index matches an
// incoming row, insert those). The watermark update rides the same
// transaction.
func (m *Manager) ReplaceWorkspaceEvents(ctx context.Context, workspaceID string, rebuild bool, rows []EventRow, wm Watermark) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		if rebuild {
			if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE workspace_id = ?", workspaceID); err != nil {
				return fmt.Errorf("clear workspace rows: %w", err)
			}
		} else {
			for _, row := range rows {
				if _, err := tx.ExecContext(ctx,
					"DELETE FROM events WHERE workspace_id = ? AND response_index = ?",
					workspaceID, row.ResponseIndex,
				); err != nil {
					return fmt.Errorf("replace row %d: %w", row.ResponseIndex, err)
				}
			}
		}

		if len(rows) > 0 {
			stmt, err := tx.PrepareContext(ctx, insertEventSQL)
			if err != nil {
				return fmt.Errorf("prepare event insert: %w", err)
			}
			defer stmt.Close()

			for _, row := range rows {
				if _, err := stmt.ExecContext(ctx,
					row.WorkspaceID, row.ProjectPath, row.ProjectName, row.WorkspaceName, row.ParentWorkspaceID,
					row.AgentID, row.Timestamp, row.Day, row.Model, row.ThinkingLevel,
					row.InputTokens, row.OutputTokens, row.ReasoningTokens, row.CachedTokens, row.CacheCreateTokens,
					row.InputCostUSD, row.OutputCostUSD, row.ReasoningCostUSD, row.CachedCostUSD, row.CacheCreateCostUSD,
					row.DurationMs, row.TTFTMs, row.ResponseIndex, boolToInt(row.IsSubAgent),
				); err != nil {
					return fmt.Errorf("insert event row: %w", err)
				}
			}
		}

		return upsertWatermark(ctx, tx, workspaceID, wm)
	})
}

// ClearWorkspace deletes all analytics state for a workspace: its event
// rows, its watermark, and the rollups it parents. Idempotent tombstone.
func (m *Manager) ClearWorkspace(ctx context.Context, workspaceID string) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE workspace_id = ?", workspaceID); err != nil {
			return fmt.Errorf("clear events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM ingest_watermarks WHERE workspace_id = ?", workspaceID); err != nil {
			return fmt.Errorf("clear watermark: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM delegation_rollups WHERE parent_workspace_id = ?", workspaceID); err != nil {
			return fmt.Errorf("clear rollups: %w", err)
		}
		return nil
	})
}

// ResetAll empties every owned table. The first step of a full rebuild.
func (m *Manager) ResetAll(ctx context.Context) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"events", "ingest_watermarks", "delegation_rollups"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
}

func (m *Manager) EventCount(ctx context.Context) (int64, error) {
	var out int64
	err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&out)
	return out, err
}

func (m *Manager) WorkspaceEventCount(ctx context.Context, workspaceID string) (int64, error) {
	var out int64
	err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events WHERE workspace_id = ?", workspaceID).Scan(&out)
	return out, err
}

// StoredHeadSignature returns the head signature of the earliest-by-
// response_index stored row for a workspace.
func (m *Manager) StoredHeadSignature(ctx context.Context, workspaceID string) (HeadSignature, error) {
	var (
		ts    sql.NullInt64
		model string
		cost  float64
	)
	err := m.db.QueryRowContext(ctx, `
SELECT ts, model,
  input_cost_usd + output_cost_usd + reasoning_cost_usd + cached_cost_usd + cache_create_cost_usd
FROM events
WHERE workspace_id = ?
ORDER BY response_index ASC
LIMIT 1
`, workspaceID).Scan(&ts, &model, &cost)
	if errors.Is(err, sql.ErrNoRows) {
		return HeadSignature{}, nil
	}
	if err != nil {
		return HeadSignature{}, err
	}
	return HeadSignature{
		Present:      true,
		HasTimestamp: ts.Valid,
		Timestamp:    ts.Int64,
		Model:        model,
		TotalCostUSD: cost,
	}, nil
}

// WorkspaceEvents returns a workspace's rows ordered by response_index.
func (m *Manager) WorkspaceEvents(ctx context.Context, workspaceID string) ([]EventRow, error) {
	rows, err := m.db.QueryContext(ctx, `
SELECT workspace_id, project_path, project_name, workspace_name, parent_workspace_id,
  agent_id, ts, day, model, thinking_level,
  input_tokens, output_tokens, reasoning_tokens, cached_tokens, cache_create_tokens,
  input_cost_usd, output_cost_usd, reasoning_cost_usd, cached_cost_usd, cache_create_cost_usd,
  duration_ms, ttft_ms, response_index, is_sub_agent
FROM events
WHERE workspace_id = ?
ORDER BY response_index ASC
`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventRows(rows)
}

// DayUsage is one aggregate row for the usage_by_day query.
type DayUsage struct {
	Day          string
	Events       int64
	InputTokens  int64
	OutputTokens int64
	TotalCostUSD float64
}

func (m *Manager) UsageByDay(ctx context.Context) ([]DayUsage, error) {
	rows, err := m.db.QueryContext(ctx, `
SELECT day, COUNT(*), SUM(input_tokens), SUM(output_tokens),
  SUM(input_cost_usd + output_cost_usd + reasoning_cost_usd + cached_cost_usd + cache_create_cost_usd)
FROM events
GROUP BY day
ORDER BY day ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DayUsage
	for rows.Next() {
		var d DayUsage
		if err := rows.Scan(&d.Day, &d.Events, &d.InputTokens, &d.OutputTokens, &d.TotalCostUSD); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanEventRows(rows *sql.Rows) ([]EventRow, error) {
	var out []EventRow
	for rows.Next() {
		var (
			r          EventRow
			parent     sql.NullString
			ts         sql.NullInt64
			duration   sql.NullInt64
			ttft       sql.NullInt64
			isSubAgent int
		)
		if err := rows.Scan(
			&r.WorkspaceID, &r.ProjectPath, &r.ProjectName, &r.WorkspaceName, &parent,
			&r.AgentID, &ts, &r.Day, &r.Model, &r.ThinkingLevel,
			&r.InputTokens, &r.OutputTokens, &r.ReasoningTokens, &r.CachedTokens, &r.CacheCreateTokens,
			&r.InputCostUSD, &r.OutputCostUSD, &r.ReasoningCostUSD, &r.CachedCostUSD, &r.CacheCreateCostUSD,
			&duration, &ttft, &r.ResponseIndex, &isSubAgent,
		); err != nil {
			return nil, err
		}
		if parent.Valid {
			v := parent.String
			r.ParentWorkspaceID = &v
		}
		if ts.Valid {
			v := ts.Int64
			r.Timestamp = &v
		}
		if duration.Valid {
			v := duration.Int64
			r.DurationMs = &v
		}
		if ttft.Valid {
			v := ttft.Int64
			r.TTFTMs = &v
		}
		r.IsSubAgent = isSubAgent != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
