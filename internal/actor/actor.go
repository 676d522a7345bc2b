// Package actor is the isolation layer: it owns the sole database handle and
// executes typed tasks one at a time, received over a message channel and
// answered with responses correlated by message ID. No other code path may
// touch the store once the actor is running.
package actor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/kon-rad/sessionmirror/internal/discover"
	"github.com/kon-rad/sessionmirror/internal/etl"
	"github.com/kon-rad/sessionmirror/internal/plan"
	"github.com/kon-rad/sessionmirror/internal/store"
)

type TaskName string

const (
	TaskInit           TaskName = "init"
	TaskIngest         TaskName = "ingest"
	TaskRebuildAll     TaskName = "rebuildAll"
	TaskClearWorkspace TaskName = "clearWorkspace"
	TaskQuery          TaskName = "query"
	TaskNeedsBackfill  TaskName = "needsBackfill"
	TaskCheckpoint     TaskName = "checkpoint"
	TaskShutdown       TaskName = "shutdown"
)

type IngestArgs struct {
	WorkspaceID string
	SessionDir  string
	Meta        etl.CallerMeta
}

type ClearArgs struct {
	WorkspaceID string
}

type QueryKind string

const (
	QueryEventCount     QueryKind = "event_count"
	QueryWatermarkCount QueryKind = "watermark_count"
	QueryWatermarks     QueryKind = "watermarks"
	QueryUsageByDay     QueryKind = "usage_by_day"
	QueryRollups        QueryKind = "rollups"
)

type QueryArgs struct {
	Kind QueryKind
	// ParentWorkspaceID scopes the rollups query.
	ParentWorkspaceID string
}

type Request struct {
	MessageID uint64
	Task      TaskName
	Ingest    *IngestArgs
	Clear     *ClearArgs
	Query     *QueryArgs
}

type WatermarkInfo struct {
	WorkspaceID  string
	LastSequence int64
	LastModified int64
}

type QueryResult struct {
	EventCount                *int64
	WatermarkCount            *int64
	HasWatermarkAtOrAboveZero *bool
	Watermarks                []WatermarkInfo
	UsageByDay                []store.DayUsage
	Rollups                   []store.RollupRow
}

type RebuildReport struct {
	WorkspacesIngested int
	RowsWritten        int
}

type TaskError struct {
	Message string
}

func (e *TaskError) Error() string {
	return e.Message
}

// Response answers exactly one request. At most one payload field is set;
// Err is set instead when the task failed.
type Response struct {
	MessageID     uint64
	Ingest        *etl.Report
	Rebuild       *RebuildReport
	Query         *QueryResult
	NeedsBackfill *bool
	Err           *TaskError
}

// Actor executes tasks serially. It must only ever run in one goroutine.
type Actor struct {
	logger       *slog.Logger
	store        *store.Manager
	engine       *etl.Engine
	sessionsRoot string
	initialized  bool
}

func New(logger *slog.Logger, st *store.Manager, engine *etl.Engine, sessionsRoot string) *Actor {
	return &Actor{
		logger:       logger,
		store:        st,
		engine:       engine,
		sessionsRoot: sessionsRoot,
	}
}

// Run consumes requests until a shutdown message arrives (or the request
// channel closes), then checkpoints, closes the database, closes the
// response channel and returns. Shutdown rides the same queue as everything
// else, so it only runs after all previously submitted work completed.
func (a *Actor) Run(requests <-chan Request, responses chan<- Response) error {
	defer close(responses)

	for req := range requests {
		if req.Task == TaskShutdown {
			return a.shutdown()
		}

		resp, ok := a.dispatch(req)
		if !ok {
			// Malformed request: drop with a warning, no response.
			a.logger.Warn("dropping malformed task request", "message_id", req.MessageID, "task", string(req.Task))
			continue
		}
		responses <- resp
	}
	return a.shutdown()
}

func (a *Actor) shutdown() error {
	ctx := context.Background()
	if err := a.store.Checkpoint(ctx); err != nil {
		a.logger.Warn("shutdown checkpoint failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	a.logger.Info("store actor stopped")
	return nil
}

func (a *Actor) dispatch(req Request) (Response, bool) {
	resp := Response{MessageID: req.MessageID}
	ctx := context.Background()

	fail := func(err error) (Response, bool) {
		resp.Err = &TaskError{Message: err.Error()}
		return resp, true
	}

	if req.Task != TaskInit && !a.initialized {
		return fail(fmt.Errorf("task %s before init", req.Task))
	}

	switch req.Task {
	case TaskInit:
		if a.initialized {
			return fail(fmt.Errorf("init already ran"))
		}
		if err := a.store.EnsureSchema(ctx); err != nil {
			return fail(err)
		}
		a.initialized = true
		return resp, true

	case TaskIngest:
		if req.Ingest == nil || req.Ingest.WorkspaceID == "" {
			return fail(fmt.Errorf("ingest task missing workspace args"))
		}
		report, err := a.engine.IngestWorkspace(ctx, req.Ingest.WorkspaceID, req.Ingest.SessionDir, req.Ingest.Meta)
		if err != nil {
			return fail(err)
		}
		resp.Ingest = &report
		return resp, true

	case TaskRebuildAll:
		report, err := a.rebuildAll(ctx)
		if err != nil {
			return fail(err)
		}
		resp.Rebuild = report
		return resp, true

	case TaskClearWorkspace:
		if req.Clear == nil || req.Clear.WorkspaceID == "" {
			return fail(fmt.Errorf("clearWorkspace task missing workspace id"))
		}
		if err := a.store.ClearWorkspace(ctx, req.Clear.WorkspaceID); err != nil {
			return fail(err)
		}
		return resp, true

	case TaskQuery:
		if req.Query == nil {
			return fail(fmt.Errorf("query task missing args"))
		}
		result, err := a.runQuery(ctx, *req.Query)
		if err != nil {
			return fail(err)
		}
		resp.Query = result
		return resp, true

	case TaskNeedsBackfill:
		needed, err := a.needsBackfill(ctx)
		if err != nil {
			return fail(err)
		}
		resp.NeedsBackfill = &needed
		return resp, true

	case TaskCheckpoint:
		if err := a.store.Checkpoint(ctx); err != nil {
			return fail(err)
		}
		return resp, true

	default:
		return Response{}, false
	}
}

func (a *Actor) rebuildAll(ctx context.Context) (*RebuildReport, error) {
	if err := a.store.ResetAll(ctx); err != nil {
		return nil, fmt.Errorf("reset tables: %w", err)
	}

	knownIDs, err := discover.ListKnownWorkspaceIDs(a.sessionsRoot)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}

	report := &RebuildReport{}
	for _, id := range knownIDs {
		sessionDir := a.workspaceDir(id)
		ingestReport, err := a.engine.IngestWorkspace(ctx, id, sessionDir, etl.CallerMeta{})
		if err != nil {
			return nil, fmt.Errorf("rebuild workspace %s: %w", id, err)
		}
		report.WorkspacesIngested++
		report.RowsWritten += countRows(ingestReport)
	}
	return report, nil
}

func (a *Actor) workspaceDir(workspaceID string) string {
	return filepath.Join(a.sessionsRoot, workspaceID)
}

func countRows(r etl.Report) int {
	total := r.RowsWritten
	for _, child := range r.ChildReports {
		total += countRows(child)
	}
	return total
}

func (a *Actor) needsBackfill(ctx context.Context) (bool, error) {
	eventCount, err := a.store.EventCount(ctx)
	if err != nil {
		return false, err
	}
	watermarkCount, err := a.store.WatermarkCount(ctx)
	if err != nil {
		return false, err
	}
	watermarkIDs, err := a.store.WatermarkWorkspaceIDs(ctx)
	if err != nil {
		return false, err
	}
	hasAtOrAboveZero, err := a.store.HasWatermarkAtOrAboveZero(ctx)
	if err != nil {
		return false, err
	}
	knownIDs, err := discover.ListKnownWorkspaceIDs(a.sessionsRoot)
	if err != nil {
		return false, err
	}

	return plan.ShouldRunInitialBackfill(eventCount, watermarkCount, knownIDs, watermarkIDs, hasAtOrAboveZero), nil
}

func (a *Actor) runQuery(ctx context.Context, args QueryArgs) (*QueryResult, error) {
	result := &QueryResult{}
	switch args.Kind {
	case QueryEventCount:
		count, err := a.store.EventCount(ctx)
		if err != nil {
			return nil, err
		}
		result.EventCount = &count

	case QueryWatermarkCount:
		count, err := a.store.WatermarkCount(ctx)
		if err != nil {
			return nil, err
		}
		result.WatermarkCount = &count

	case QueryWatermarks:
		ids, err := a.store.WatermarkWorkspaceIDs(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			wm, found, err := a.store.GetWatermark(ctx, id)
			if err != nil {
				return nil, err
			}
			if !found {
				continue
			}
			result.Watermarks = append(result.Watermarks, WatermarkInfo{
				WorkspaceID:  id,
				LastSequence: wm.LastSequence,
				LastModified: wm.LastModified,
			})
		}
		hasAtOrAboveZero, err := a.store.HasWatermarkAtOrAboveZero(ctx)
		if err != nil {
			return nil, err
		}
		result.HasWatermarkAtOrAboveZero = &hasAtOrAboveZero

	case QueryUsageByDay:
		usage, err := a.store.UsageByDay(ctx)
		if err != nil {
			return nil, err
		}
		result.UsageByDay = usage

	case QueryRollups:
		if args.ParentWorkspaceID == "" {
			return nil, fmt.Errorf("rollups query missing parent workspace id")
		}
		rollups, err := a.store.RollupsForParent(ctx, args.ParentWorkspaceID)
		if err != nil {
			return nil, err
		}
		result.Rollups = rollups

	default:
		return nil, fmt.Errorf("unknown query kind %q", args.Kind)
	}
	return result, nil
}
