package store

import (
	"context"
	"database/sql"
	"fmt"
)

// RollupRow is a queryable projection of one entry in a parent workspace's
// rolled-up-from ledger. The ledger file is the source of truth; these rows
// are fully replaced on every parent ingest, never merged incrementally.
type RollupRow struct {
	ParentWorkspaceID   string
	ChildWorkspaceID    string
	AgentType           string
	Model               string
	TotalTokens         int64
	ContextTokens       int64
	InputTokens         int64
	OutputTokens        int64
	CachedTokens        int64
	CacheCreateTokens   int64
	TotalCostUSD        *float64
	ReportTokenEstimate int64
	RolledUpAt          int64
}

// ReplaceRollups swaps a parent's rollup rows wholesale (delete-then-insert)
// in one transaction.
func (m *Manager) ReplaceRollups(ctx context.Context, parentID string, rows []RollupRow) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM delegation_rollups WHERE parent_workspace_id = ?", parentID,
		); err != nil {
			return fmt.Errorf("clear rollups: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO delegation_rollups (
  parent_workspace_id, child_workspace_id, agent_type, model,
  total_tokens, context_tokens, input_tokens, output_tokens,
  cached_tokens, cache_create_tokens, total_cost_usd,
  report_token_estimate, rolled_up_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
		if err != nil {
			return fmt.Errorf("prepare rollup insert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx,
				row.ParentWorkspaceID, row.ChildWorkspaceID, row.AgentType, row.Model,
				row.TotalTokens, row.ContextTokens, row.InputTokens, row.OutputTokens,
				row.CachedTokens, row.CacheCreateTokens, row.TotalCostUSD,
				row.ReportTokenEstimate, row.RolledUpAt,
			); err != nil {
				return fmt.Errorf("insert rollup row: %w", err)
			}
		}
		return nil
	})
}

// RollupsForParent returns a parent's rollup rows ordered by child ID.
func (m *Manager) RollupsForParent(ctx context.Context, parentID string) ([]RollupRow, error) {
	rows, err := m.db.QueryContext(ctx, `
SELECT parent_workspace_id, child_workspace_id, agent_type, model,
  total_tokens, context_tokens, input_tokens, output_tokens,
  cached_tokens, cache_create_tokens, total_cost_usd,
  report_token_estimate, rolled_up_at
FROM delegation_rollups
WHERE parent_workspace_id = ?
ORDER BY child_workspace_id ASC
`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RollupRow
	for rows.Next() {
		var (
			r    RollupRow
			cost sql.NullFloat64
		)
		if err := rows.Scan(
			&r.ParentWorkspaceID, &r.ChildWorkspaceID, &r.AgentType, &r.Model,
			&r.TotalTokens, &r.ContextTokens, &r.InputTokens, &r.OutputTokens,
			&r.CachedTokens, &r.CacheCreateTokens, &cost,
			&r.ReportTokenEstimate, &r.RolledUpAt,
		); err != nil {
			return nil, err
		}
		if cost.Valid {
			v := cost.Float64
			r.TotalCostUSD = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
