// Package etl converts a workspace's transcript into analytics rows, tracks
// per-workspace ingestion progress, and detects transcript truncation or
// rewrite so stale rows are never left behind.
package etl

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/kon-rad/sessionmirror/internal/pricing"
	"github.com/kon-rad/sessionmirror/internal/session"
	"github.com/kon-rad/sessionmirror/internal/store"
)

type Engine struct {
	logger  *slog.Logger
	store   *store.Manager
	pricing *pricing.Table
}

// CallerMeta is the identity inherited from the caller (typically a parent
// workspace). A workspace's own metadata.json always wins over these.
type CallerMeta struct {
	ProjectPath       string
	ProjectName       string
	WorkspaceName     string
	ParentWorkspaceID string
}

// Outcome of one ingest pass for a single workspace.
const (
	OutcomeCleared     = "cleared"
	OutcomeUnchanged   = "unchanged"
	OutcomeRebuild     = "rebuild"
	OutcomeIncremental = "incremental"
)

type Report struct {
	WorkspaceID    string
	Outcome        string
	RowsWritten    int
	MalformedLines int
	ChildReports   []Report
}

func NewEngine(logger *slog.Logger, st *store.Manager, table *pricing.Table) *Engine {
	return &Engine{logger: logger, store: st, pricing: table}
}

// IngestWorkspace runs one ingest pass for a workspace, then recursively
// ingests its archived sub-agent sessions.
func (e *Engine) IngestWorkspace(ctx context.Context, workspaceID, sessionDir string, caller CallerMeta) (Report, error) {
	report := Report{WorkspaceID: workspaceID}

	transcriptPath := filepath.Join(sessionDir, session.TranscriptFile)
	fi, err := os.Stat(transcriptPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Idempotent tombstone: the transcript is gone, so every trace of
			// this workspace goes with it.
			if err := e.store.ClearWorkspace(ctx, workspaceID); err != nil {
				return report, fmt.Errorf("clear workspace %s: %w", workspaceID, err)
			}
			report.Outcome = OutcomeCleared
			return report, nil
		}
		return report, fmt.Errorf("stat transcript: %w", err)
	}
	modTime := fi.ModTime().UnixMilli()

	wm, hadWatermark, err := e.store.GetWatermark(ctx, workspaceID)
	if err != nil {
		return report, fmt.Errorf("read watermark: %w", err)
	}
	if !hadWatermark {
		wm = store.Watermark{LastSequence: -1, LastModified: 0}
	}

	// The rollup projection is re-derived on every pass regardless of
	// transcript state; the ledger file is the source of truth.
	e.refreshRollups(ctx, workspaceID, sessionDir)

	identity := e.resolveIdentity(workspaceID, sessionDir, caller)

	if modTime <= wm.LastModified {
		// Nothing changed for this workspace's own rows, but archived
		// children may still need recovery (e.g. after a clear), so the
		// recursion always runs.
		report.Outcome = OutcomeUnchanged
		e.ingestChildren(ctx, workspaceID, sessionDir, identity, &report)
		return report, nil
	}

	turns, malformed, err := session.ParseTranscript(transcriptPath, e.pricing, e.logger)
	if err != nil {
		return report, fmt.Errorf("parse transcript %s: %w", workspaceID, err)
	}
	report.MalformedLines = malformed

	storedCount, err := e.store.WorkspaceEventCount(ctx, workspaceID)
	if err != nil {
		return report, fmt.Errorf("count stored rows: %w", err)
	}
	storedHead, err := e.store.StoredHeadSignature(ctx, workspaceID)
	if err != nil {
		return report, fmt.Errorf("read head signature: %w", err)
	}

	parsedHead := parsedHeadSignature(turns)
	parsedMax, hasParsedMax := maxSequence(turns)

	rebuild := false
	switch {
	case int64(len(turns)) < storedCount:
		// Truncation: fewer turns on disk than rows in the store.
		rebuild = true
	case !storedHead.Equal(parsedHead):
		// A rewrite shifted which turn is first; count and max-sequence
		// checks alone would miss this.
		rebuild = true
	case hadWatermark && (!hasParsedMax || parsedMax < wm.LastSequence):
		// Unexplained sequence regression.
		rebuild = true
	}

	var rows []store.EventRow
	if rebuild {
		rows = eventRows(turns, workspaceID, identity)
		report.Outcome = OutcomeRebuild
	} else {
		var fresh []session.Turn
		for _, t := range turns {
			if t.Sequence >= wm.LastSequence {
				fresh = append(fresh, t)
			}
		}
		rows = eventRows(fresh, workspaceID, identity)
		report.Outcome = OutcomeIncremental
	}

	nextSeq := wm.LastSequence
	if hasParsedMax && parsedMax > nextSeq {
		nextSeq = parsedMax
	}
	next := store.Watermark{LastSequence: nextSeq, LastModified: modTime}
	if err := e.store.ReplaceWorkspaceEvents(ctx, workspaceID, rebuild, rows, next); err != nil {
		return report, fmt.Errorf("write workspace %s: %w", workspaceID, err)
	}
	report.RowsWritten = len(rows)

	e.logger.Info("workspace ingested",
		"workspace", workspaceID,
		"outcome", report.Outcome,
		"rows", report.RowsWritten,
		"sequence", nextSeq,
	)

	e.ingestChildren(ctx, workspaceID, sessionDir, identity, &report)
	return report, nil
}

// resolvedIdentity is a workspace's effective project/name/parent identity
// after merging its own metadata over the caller-supplied fallbacks.
type resolvedIdentity struct {
	ProjectPath       string
	ProjectName       string
	WorkspaceName     string
	ParentWorkspaceID string
}

func (e *Engine) resolveIdentity(workspaceID, sessionDir string, caller CallerMeta) resolvedIdentity {
	id := resolvedIdentity{
		ProjectPath:       caller.ProjectPath,
		ProjectName:       caller.ProjectName,
		WorkspaceName:     caller.WorkspaceName,
		ParentWorkspaceID: caller.ParentWorkspaceID,
	}

	own, err := session.LoadMetadata(sessionDir)
	if err != nil {
		e.logger.Warn("unreadable workspace metadata", "workspace", workspaceID, "error", err)
		return id
	}
	if own == nil {
		return id
	}
	if own.ProjectPath != "" {
		id.ProjectPath = own.ProjectPath
	}
	if own.ProjectName != "" {
		id.ProjectName = own.ProjectName
	}
	if own.WorkspaceName != "" {
		id.WorkspaceName = own.WorkspaceName
	}
	// An explicit parent recorded by the workspace itself is never
	// overwritten; the caller's value is only a fallback.
	if own.ParentWorkspaceID != "" {
		id.ParentWorkspaceID = own.ParentWorkspaceID
	}
	return id
}

func (e *Engine) refreshRollups(ctx context.Context, workspaceID, sessionDir string) {
	ledger, err := session.LoadUsageLedger(sessionDir)
	if err != nil {
		e.logger.Warn("unreadable usage ledger, keeping prior rollups", "workspace", workspaceID, "error", err)
		return
	}
	reports, err := session.LoadSubagentReports(sessionDir)
	if err != nil {
		e.logger.Warn("unreadable subagent reports", "workspace", workspaceID, "error", err)
		reports = nil
	}

	childIDs := make([]string, 0, len(ledger))
	for childID := range ledger {
		childIDs = append(childIDs, childID)
	}
	sort.Strings(childIDs)

	rows := make([]store.RollupRow, 0, len(childIDs))
	for _, childID := range childIDs {
		entry := ledger[childID]
		row := store.RollupRow{
			ParentWorkspaceID: workspaceID,
			ChildWorkspaceID:  childID,
			AgentType:         entry.AgentType,
			Model:             entry.Model,
			TotalTokens:       entry.TotalTokens,
			ContextTokens:     entry.ContextTokens,
			InputTokens:       entry.InputTokens,
			OutputTokens:      entry.OutputTokens,
			CachedTokens:      entry.CachedTokens,
			CacheCreateTokens: entry.CacheCreateTokens,
			TotalCostUSD:      entry.TotalCostUSD,
			RolledUpAt:        entry.RolledUpAtMs,
		}
		if rep, ok := reports[childID]; ok {
			row.ReportTokenEstimate = rep.ReportTokenEstimate
		}
		rows = append(rows, row)
	}

	if err := e.store.ReplaceRollups(ctx, workspaceID, rows); err != nil {
		e.logger.Warn("rollup replace failed", "workspace", workspaceID, "error", err)
	}
}

func (e *Engine) ingestChildren(ctx context.Context, workspaceID, sessionDir string, identity resolvedIdentity, report *Report) {
	archiveDir := filepath.Join(sessionDir, session.SubagentDir)
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn("skipping unreadable subagent archive", "workspace", workspaceID, "error", err)
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		childID := entry.Name()
		childDir := filepath.Join(archiveDir, childID)
		childReport, err := e.IngestWorkspace(ctx, childID, childDir, CallerMeta{
			ProjectPath: identity.ProjectPath,
			ProjectName: identity.ProjectName,
			// Fallback only: the child's own metadata wins when it records a
			// different parent.
			ParentWorkspaceID: workspaceID,
		})
		if err != nil {
			e.logger.Warn("child ingest failed", "parent", workspaceID, "child", childID, "error", err)
			continue
		}
		report.ChildReports = append(report.ChildReports, childReport)
	}
}

func eventRows(turns []session.Turn, workspaceID string, identity resolvedIdentity) []store.EventRow {
	rows := make([]store.EventRow, 0, len(turns))
	for _, t := range turns {
		row := store.EventRow{
			WorkspaceID:        workspaceID,
			ProjectPath:        identity.ProjectPath,
			ProjectName:        identity.ProjectName,
			WorkspaceName:      identity.WorkspaceName,
			AgentID:            t.AgentID,
			Timestamp:          t.Timestamp,
			Day:                t.Day,
			Model:              t.Model,
			ThinkingLevel:      t.ThinkingLevel,
			InputTokens:        t.InputTokens,
			OutputTokens:       t.OutputTokens,
			ReasoningTokens:    t.ReasoningTokens,
			CachedTokens:       t.CachedTokens,
			CacheCreateTokens:  t.CacheCreateTokens,
			InputCostUSD:       t.InputCostUSD,
			OutputCostUSD:      t.OutputCostUSD,
			ReasoningCostUSD:   t.ReasoningCostUSD,
			CachedCostUSD:      t.CachedCostUSD,
			CacheCreateCostUSD: t.CacheCreateCostUSD,
			DurationMs:         t.DurationMs,
			TTFTMs:             t.TTFTMs,
			ResponseIndex:      t.ResponseIndex,
		}
		if identity.ParentWorkspaceID != "" {
			parent := identity.ParentWorkspaceID
			row.ParentWorkspaceID = &parent
			row.IsSubAgent = true
		}
		rows = append(rows, row)
	}
	return rows
}

func parsedHeadSignature(turns []session.Turn) store.HeadSignature {
	if len(turns) == 0 {
		return store.HeadSignature{}
	}
	head := turns[0]
	sig := store.HeadSignature{
		Present:      true,
		Model:        head.Model,
		TotalCostUSD: head.TotalCostUSD(),
	}
	if head.Timestamp != nil {
		sig.HasTimestamp = true
		sig.Timestamp = *head.Timestamp
	}
	return sig
}

func maxSequence(turns []session.Turn) (int64, bool) {
	if len(turns) == 0 {
		return 0, false
	}
	max := turns[0].Sequence
	for _, t := range turns[1:] {
		if t.Sequence > max {
			max = t.Sequence
		}
	}
	return max, true
}
