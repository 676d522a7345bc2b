package etl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kon-rad/sessionmirror/internal/pricing"
	"github.com/kon-rad/sessionmirror/internal/session"
	"github.com/kon-rad/sessionmirror/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Manager) {
	t.Helper()
	m, err := store.Open(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	if err := m.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(logger, m, pricing.NewTable()), m
}

func turnLine(seq, ts int64, model string, inputCost float64) string {
	return fmt.Sprintf(
		`{"role":"assistant","timestamp":%d,"metadata":{"sequence":%d,"model":%q,"usage":{"inputTokens":100,"outputTokens":50,"costUsd":{"input":%g,"output":0.005}}}}`,
		ts, seq, model, inputCost)
}

func writeTranscriptAt(t *testing.T, dir string, mtime time.Time, lines ...string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir session dir: %v", err)
	}
	path := filepath.Join(dir, session.TranscriptFile)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("set transcript mtime: %v", err)
	}
}

func baseTime() time.Time {
	return time.Now().Add(-time.Hour).Truncate(time.Second)
}

func TestFirstIngestRebuilds(t *testing.T) {
	t.Parallel()

	engine, m := newTestEngine(t)
	dir := filepath.Join(t.TempDir(), "ws")
	mtime := baseTime()
	writeTranscriptAt(t, dir, mtime,
		turnLine(10, 1735689600000, "claude-sonnet-4-5", 0.01),
		turnLine(20, 1735689700000, "claude-sonnet-4-5", 0.02),
		turnLine(30, 1735689800000, "claude-sonnet-4-5", 0.03),
	)

	report, err := engine.IngestWorkspace(context.Background(), "ws", dir, CallerMeta{})
	if err != nil {
		t.Fatalf("IngestWorkspace() error = %v", err)
	}
	if report.Outcome != OutcomeRebuild {
		t.Fatalf("outcome = %q, want %q", report.Outcome, OutcomeRebuild)
	}
	if report.RowsWritten != 3 {
		t.Fatalf("rows written = %d, want 3", report.RowsWritten)
	}

	wm, found, err := m.GetWatermark(context.Background(), "ws")
	if err != nil || !found {
		t.Fatalf("GetWatermark() = %+v, %t, %v", wm, found, err)
	}
	if wm.LastSequence != 30 {
		t.Fatalf("watermark sequence = %d, want 30", wm.LastSequence)
	}
	if wm.LastModified != mtime.UnixMilli() {
		t.Fatalf("watermark mtime = %d, want %d", wm.LastModified, mtime.UnixMilli())
	}
}

func TestUnchangedTranscriptWritesNothing(t *testing.T) {
	t.Parallel()

	engine, m := newTestEngine(t)
	dir := filepath.Join(t.TempDir(), "ws")
	writeTranscriptAt(t, dir, baseTime(),
		turnLine(10, 1735689600000, "claude-sonnet-4-5", 0.01),
	)

	ctx := context.Background()
	if _, err := engine.IngestWorkspace(ctx, "ws", dir, CallerMeta{}); err != nil {
		t.Fatalf("first IngestWorkspace() error = %v", err)
	}

	report, err := engine.IngestWorkspace(ctx, "ws", dir, CallerMeta{})
	if err != nil {
		t.Fatalf("second IngestWorkspace() error = %v", err)
	}
	if report.Outcome != OutcomeUnchanged {
		t.Fatalf("outcome = %q, want %q", report.Outcome, OutcomeUnchanged)
	}
	if report.RowsWritten != 0 {
		t.Fatalf("rows written = %d, want 0", report.RowsWritten)
	}
	count, _ := m.WorkspaceEventCount(ctx, "ws")
	if count != 1 {
		t.Fatalf("event count = %d, want 1", count)
	}
}

func TestAppendIngestsIncrementally(t *testing.T) {
	t.Parallel()

	engine, m := newTestEngine(t)
	dir := filepath.Join(t.TempDir(), "ws")
	mtime := baseTime()
	head := turnLine(10, 1735689600000, "claude-sonnet-4-5", 0.01)
	second := turnLine(20, 1735689700000, "claude-sonnet-4-5", 0.02)
	writeTranscriptAt(t, dir, mtime, head, second)

	ctx := context.Background()
	if _, err := engine.IngestWorkspace(ctx, "ws", dir, CallerMeta{}); err != nil {
		t.Fatalf("first IngestWorkspace() error = %v", err)
	}

	writeTranscriptAt(t, dir, mtime.Add(2*time.Second),
		head, second,
		turnLine(30, 1735689800000, "claude-sonnet-4-5", 0.03),
	)
	report, err := engine.IngestWorkspace(ctx, "ws", dir, CallerMeta{})
	if err != nil {
		t.Fatalf("second IngestWorkspace() error = %v", err)
	}
	if report.Outcome != OutcomeIncremental {
		t.Fatalf("outcome = %q, want %q", report.Outcome, OutcomeIncremental)
	}
	// Turns at or above the watermark sequence are re-written: the boundary
	// turn (20) plus the new one (30).
	if report.RowsWritten != 2 {
		t.Fatalf("rows written = %d, want 2", report.RowsWritten)
	}

	count, _ := m.WorkspaceEventCount(ctx, "ws")
	if count != 3 {
		t.Fatalf("event count = %d, want 3", count)
	}
	wm, _, _ := m.GetWatermark(ctx, "ws")
	if wm.LastSequence != 30 {
		t.Fatalf("watermark sequence = %d, want 30", wm.LastSequence)
	}
}

func TestTruncationTriggersRebuild(t *testing.T) {
	t.Parallel()

	engine, m := newTestEngine(t)
	dir := filepath.Join(t.TempDir(), "ws")
	mtime := baseTime()
	head := turnLine(10, 1735689600000, "claude-sonnet-4-5", 0.01)
	second := turnLine(20, 1735689700000, "claude-sonnet-4-5", 0.02)
	writeTranscriptAt(t, dir, mtime,
		head, second,
		turnLine(30, 1735689800000, "claude-sonnet-4-5", 0.03),
	)

	ctx := context.Background()
	if _, err := engine.IngestWorkspace(ctx, "ws", dir, CallerMeta{}); err != nil {
		t.Fatalf("first IngestWorkspace() error = %v", err)
	}

	// Same head, same sequences, but the tail is gone.
	writeTranscriptAt(t, dir, mtime.Add(2*time.Second), head, second)
	report, err := engine.IngestWorkspace(ctx, "ws", dir, CallerMeta{})
	if err != nil {
		t.Fatalf("second IngestWorkspace() error = %v", err)
	}
	if report.Outcome != OutcomeRebuild {
		t.Fatalf("outcome = %q, want %q", report.Outcome, OutcomeRebuild)
	}

	count, _ := m.WorkspaceEventCount(ctx, "ws")
	if count != 2 {
		t.Fatalf("event count = %d, want 2", count)
	}
	// The sequence watermark never regresses on its own.
	wm, _, _ := m.GetWatermark(ctx, "ws")
	if wm.LastSequence != 30 {
		t.Fatalf("watermark sequence = %d, want 30", wm.LastSequence)
	}
}

func TestHeadRewriteTriggersRebuild(t *testing.T) {
	t.Parallel()

	engine, m := newTestEngine(t)
	dir := filepath.Join(t.TempDir(), "ws")
	mtime := baseTime()
	tail := turnLine(20, 1735689700000, "claude-sonnet-4-5", 0.02)
	writeTranscriptAt(t, dir, mtime,
		turnLine(10, 1735689600000, "claude-sonnet-4-5", 0.01),
		tail,
	)

	ctx := context.Background()
	if _, err := engine.IngestWorkspace(ctx, "ws", dir, CallerMeta{}); err != nil {
		t.Fatalf("first IngestWorkspace() error = %v", err)
	}

	// Same count, same max sequence, but the first turn changed model. Only
	// the head signature can catch this.
	writeTranscriptAt(t, dir, mtime.Add(2*time.Second),
		turnLine(10, 1735689600000, "claude-opus-4-5", 0.01),
		tail,
	)
	report, err := engine.IngestWorkspace(ctx, "ws", dir, CallerMeta{})
	if err != nil {
		t.Fatalf("second IngestWorkspace() error = %v", err)
	}
	if report.Outcome != OutcomeRebuild {
		t.Fatalf("outcome = %q, want %q", report.Outcome, OutcomeRebuild)
	}

	rows, _ := m.WorkspaceEvents(ctx, "ws")
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].Model != "claude-opus-4-5" {
		t.Fatalf("head row model = %q, want claude-opus-4-5", rows[0].Model)
	}
}

func TestMissingTranscriptClearsWorkspace(t *testing.T) {
	t.Parallel()

	engine, m := newTestEngine(t)
	dir := filepath.Join(t.TempDir(), "ws")
	writeTranscriptAt(t, dir, baseTime(),
		turnLine(10, 1735689600000, "claude-sonnet-4-5", 0.01),
	)

	ctx := context.Background()
	if _, err := engine.IngestWorkspace(ctx, "ws", dir, CallerMeta{}); err != nil {
		t.Fatalf("first IngestWorkspace() error = %v", err)
	}
	if err := os.Remove(filepath.Join(dir, session.TranscriptFile)); err != nil {
		t.Fatalf("remove transcript: %v", err)
	}

	report, err := engine.IngestWorkspace(ctx, "ws", dir, CallerMeta{})
	if err != nil {
		t.Fatalf("second IngestWorkspace() error = %v", err)
	}
	if report.Outcome != OutcomeCleared {
		t.Fatalf("outcome = %q, want %q", report.Outcome, OutcomeCleared)
	}
	count, _ := m.WorkspaceEventCount(ctx, "ws")
	if count != 0 {
		t.Fatalf("event count = %d, want 0", count)
	}
	if _, found, _ := m.GetWatermark(ctx, "ws"); found {
		t.Fatal("watermark should be gone after clear")
	}
}

func TestSubagentArchiveIngestedRecursively(t *testing.T) {
	t.Parallel()

	engine, m := newTestEngine(t)
	root := t.TempDir()
	parentDir := filepath.Join(root, "p")
	mtime := baseTime()
	writeTranscriptAt(t, parentDir, mtime,
		`{"role":"user","content":"do the thing"}`,
		turnLine(10, 1735689600000, "claude-sonnet-4-5", 0.01),
	)
	meta := `{"projectPath":"/src/app","projectName":"app","workspaceName":"main"}`
	if err := os.WriteFile(filepath.Join(parentDir, session.MetadataFile), []byte(meta), 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}

	childDir := filepath.Join(parentDir, session.SubagentDir, "c")
	writeTranscriptAt(t, childDir, mtime,
		turnLine(5, 1735689650000, "claude-haiku-4-5", 0.001),
	)

	ctx := context.Background()
	report, err := engine.IngestWorkspace(ctx, "p", parentDir, CallerMeta{})
	if err != nil {
		t.Fatalf("IngestWorkspace() error = %v", err)
	}
	if len(report.ChildReports) != 1 || report.ChildReports[0].WorkspaceID != "c" {
		t.Fatalf("child reports = %+v, want one for c", report.ChildReports)
	}

	total, _ := m.EventCount(ctx)
	if total != 2 {
		t.Fatalf("total events = %d, want 2 (one for p, one for c)", total)
	}

	parentRows, _ := m.WorkspaceEvents(ctx, "p")
	if len(parentRows) != 1 || parentRows[0].IsSubAgent || parentRows[0].ParentWorkspaceID != nil {
		t.Fatalf("parent rows = %+v", parentRows)
	}
	if parentRows[0].ProjectName != "app" {
		t.Fatalf("parent project name = %q, want app", parentRows[0].ProjectName)
	}

	childRows, _ := m.WorkspaceEvents(ctx, "c")
	if len(childRows) != 1 {
		t.Fatalf("child rows = %d, want 1", len(childRows))
	}
	if !childRows[0].IsSubAgent {
		t.Fatal("child row should be flagged as sub-agent")
	}
	if childRows[0].ParentWorkspaceID == nil || *childRows[0].ParentWorkspaceID != "p" {
		t.Fatalf("child parent = %v, want p", childRows[0].ParentWorkspaceID)
	}
	// Project identity flows down when the child has no metadata of its own.
	if childRows[0].ProjectName != "app" {
		t.Fatalf("child project name = %q, want app", childRows[0].ProjectName)
	}
}

func TestChildMetadataParentWinsOverCaller(t *testing.T) {
	t.Parallel()

	engine, m := newTestEngine(t)
	root := t.TempDir()
	parentDir := filepath.Join(root, "p")
	mtime := baseTime()
	writeTranscriptAt(t, parentDir, mtime,
		turnLine(10, 1735689600000, "claude-sonnet-4-5", 0.01),
	)

	childDir := filepath.Join(parentDir, session.SubagentDir, "c")
	writeTranscriptAt(t, childDir, mtime,
		turnLine(5, 1735689650000, "claude-haiku-4-5", 0.001),
	)
	childMeta := `{"parentWorkspaceId":"original-parent"}`
	if err := os.WriteFile(filepath.Join(childDir, session.MetadataFile), []byte(childMeta), 0o644); err != nil {
		t.Fatalf("write child metadata: %v", err)
	}

	ctx := context.Background()
	if _, err := engine.IngestWorkspace(ctx, "p", parentDir, CallerMeta{}); err != nil {
		t.Fatalf("IngestWorkspace() error = %v", err)
	}

	childRows, _ := m.WorkspaceEvents(ctx, "c")
	if len(childRows) != 1 {
		t.Fatalf("child rows = %d, want 1", len(childRows))
	}
	if childRows[0].ParentWorkspaceID == nil || *childRows[0].ParentWorkspaceID != "original-parent" {
		t.Fatalf("child parent = %v, want original-parent", childRows[0].ParentWorkspaceID)
	}
}

func TestClearedChildRecoveredByParentReingest(t *testing.T) {
	t.Parallel()

	engine, m := newTestEngine(t)
	root := t.TempDir()
	parentDir := filepath.Join(root, "p")
	mtime := baseTime()
	writeTranscriptAt(t, parentDir, mtime,
		turnLine(10, 1735689600000, "claude-sonnet-4-5", 0.01),
	)
	childDir := filepath.Join(parentDir, session.SubagentDir, "c")
	writeTranscriptAt(t, childDir, mtime,
		turnLine(5, 1735689650000, "claude-haiku-4-5", 0.001),
	)

	ctx := context.Background()
	if _, err := engine.IngestWorkspace(ctx, "p", parentDir, CallerMeta{}); err != nil {
		t.Fatalf("first IngestWorkspace() error = %v", err)
	}
	if err := m.ClearWorkspace(ctx, "c"); err != nil {
		t.Fatalf("ClearWorkspace() error = %v", err)
	}

	// Nothing on disk changed, so the parent is unchanged; the archive walk
	// still finds the cleared child and re-ingests it from scratch.
	report, err := engine.IngestWorkspace(ctx, "p", parentDir, CallerMeta{})
	if err != nil {
		t.Fatalf("second IngestWorkspace() error = %v", err)
	}
	if report.Outcome != OutcomeUnchanged {
		t.Fatalf("parent outcome = %q, want %q", report.Outcome, OutcomeUnchanged)
	}
	if len(report.ChildReports) != 1 || report.ChildReports[0].Outcome != OutcomeRebuild {
		t.Fatalf("child reports = %+v, want one rebuild", report.ChildReports)
	}

	count, _ := m.WorkspaceEventCount(ctx, "c")
	if count != 1 {
		t.Fatalf("child event count after recovery = %d, want 1", count)
	}
}

func TestRollupProjectionReplacedEveryPass(t *testing.T) {
	t.Parallel()

	engine, m := newTestEngine(t)
	dir := filepath.Join(t.TempDir(), "p")
	writeTranscriptAt(t, dir, baseTime(),
		turnLine(10, 1735689600000, "claude-sonnet-4-5", 0.01),
	)
	ledger := `{"rolledUpFrom":{
		"gone-1":{"totalTokens":100,"inputTokens":60,"outputTokens":40,"totalCostUsd":0.05,"agentType":"researcher","model":"claude-haiku-4-5","rolledUpAtMs":1735689600000},
		"gone-2":{"totalTokens":200,"inputTokens":120,"outputTokens":80,"agentType":"coder","model":"claude-sonnet-4-5","rolledUpAtMs":1735689700000}
	}}`
	if err := os.WriteFile(filepath.Join(dir, session.UsageLedgerFile), []byte(ledger), 0o644); err != nil {
		t.Fatalf("write ledger: %v", err)
	}
	reports := `{"gone-1":{"reportTokenEstimate":77}}`
	if err := os.WriteFile(filepath.Join(dir, session.ReportsFile), []byte(reports), 0o644); err != nil {
		t.Fatalf("write reports: %v", err)
	}

	ctx := context.Background()
	if _, err := engine.IngestWorkspace(ctx, "p", dir, CallerMeta{}); err != nil {
		t.Fatalf("first IngestWorkspace() error = %v", err)
	}

	rollups, err := m.RollupsForParent(ctx, "p")
	if err != nil {
		t.Fatalf("RollupsForParent() error = %v", err)
	}
	if len(rollups) != 2 {
		t.Fatalf("rollups = %d, want 2", len(rollups))
	}
	if rollups[0].ChildWorkspaceID != "gone-1" || rollups[0].ReportTokenEstimate != 77 {
		t.Fatalf("rollup 0 = %+v", rollups[0])
	}
	if rollups[0].TotalCostUSD == nil || *rollups[0].TotalCostUSD != 0.05 {
		t.Fatalf("rollup 0 cost = %v, want 0.05", rollups[0].TotalCostUSD)
	}
	if rollups[1].TotalCostUSD != nil {
		t.Fatalf("rollup 1 cost should be unknown, got %v", *rollups[1].TotalCostUSD)
	}

	// Shrinking the ledger shrinks the projection, even on an otherwise
	// unchanged pass: the file is the source of truth.
	smaller := `{"rolledUpFrom":{"gone-2":{"totalTokens":200,"agentType":"coder","model":"claude-sonnet-4-5","rolledUpAtMs":1735689700000}}}`
	if err := os.WriteFile(filepath.Join(dir, session.UsageLedgerFile), []byte(smaller), 0o644); err != nil {
		t.Fatalf("rewrite ledger: %v", err)
	}
	report, err := engine.IngestWorkspace(ctx, "p", dir, CallerMeta{})
	if err != nil {
		t.Fatalf("second IngestWorkspace() error = %v", err)
	}
	if report.Outcome != OutcomeUnchanged {
		t.Fatalf("outcome = %q, want %q", report.Outcome, OutcomeUnchanged)
	}

	rollups, _ = m.RollupsForParent(ctx, "p")
	if len(rollups) != 1 || rollups[0].ChildWorkspaceID != "gone-2" {
		t.Fatalf("rollups after shrink = %+v, want only gone-2", rollups)
	}
}

func TestUnreadableLedgerKeepsPriorRollups(t *testing.T) {
	t.Parallel()

	engine, m := newTestEngine(t)
	dir := filepath.Join(t.TempDir(), "p")
	writeTranscriptAt(t, dir, baseTime(),
		turnLine(10, 1735689600000, "claude-sonnet-4-5", 0.01),
	)
	ledger := `{"rolledUpFrom":{"c":{"totalTokens":100,"agentType":"coder","model":"claude-sonnet-4-5","rolledUpAtMs":1}}}`
	if err := os.WriteFile(filepath.Join(dir, session.UsageLedgerFile), []byte(ledger), 0o644); err != nil {
		t.Fatalf("write ledger: %v", err)
	}

	ctx := context.Background()
	if _, err := engine.IngestWorkspace(ctx, "p", dir, CallerMeta{}); err != nil {
		t.Fatalf("first IngestWorkspace() error = %v", err)
	}

	// Corrupt the ledger: the pass logs and keeps what it has instead of
	// wiping the projection.
	if err := os.WriteFile(filepath.Join(dir, session.UsageLedgerFile), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("corrupt ledger: %v", err)
	}
	if _, err := engine.IngestWorkspace(ctx, "p", dir, CallerMeta{}); err != nil {
		t.Fatalf("second IngestWorkspace() error = %v", err)
	}

	rollups, _ := m.RollupsForParent(ctx, "p")
	if len(rollups) != 1 || rollups[0].ChildWorkspaceID != "c" {
		t.Fatalf("rollups = %+v, want prior row for c", rollups)
	}
}
