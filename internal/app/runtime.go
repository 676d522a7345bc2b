// Package app wires config, store, engine and actor together and drives the
// poll-based sync loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kon-rad/sessionmirror/internal/actor"
	"github.com/kon-rad/sessionmirror/internal/config"
	"github.com/kon-rad/sessionmirror/internal/discover"
	"github.com/kon-rad/sessionmirror/internal/etl"
	"github.com/kon-rad/sessionmirror/internal/plan"
	"github.com/kon-rad/sessionmirror/internal/pricing"
	"github.com/kon-rad/sessionmirror/internal/session"
	"github.com/kon-rad/sessionmirror/internal/store"
)

type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	client *actor.Client
}

// PassResult summarizes one sync pass.
type PassResult struct {
	RunID        string
	Action       plan.Action
	Ingested     int
	Purged       int
	Refreshed    int
	Checkpointed bool
}

func New(cfg *config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{cfg: cfg, logger: logger}
}

// Start opens the database, spawns the store actor and runs init.
func (r *Runtime) Start(ctx context.Context) error {
	table := pricing.NewTable()
	if err := table.LoadOverrides(r.cfg.PricingPath); err != nil {
		return fmt.Errorf("load pricing overrides: %w", err)
	}

	st, err := store.Open(r.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	engine := etl.NewEngine(r.logger, st, table)
	a := actor.New(r.logger, st, engine, r.cfg.SessionsRoot)
	r.client = actor.Start(a, r.cfg.QueueCapacity)

	if err := r.client.Init(ctx); err != nil {
		shutdownErr := r.client.Shutdown(context.Background())
		return errors.Join(fmt.Errorf("init store: %w", err), shutdownErr)
	}

	r.logger.Info("runtime started",
		"db", r.cfg.DBPath,
		"sessions_root", r.cfg.SessionsRoot,
		"poll_interval", r.cfg.PollInterval.String(),
	)
	return nil
}

// Client exposes the actor client for read-only callers (the status command).
func (r *Runtime) Client() *actor.Client {
	return r.client
}

// RunLoop performs sync passes until the context is cancelled, then drains
// the actor and closes the store.
func (r *Runtime) RunLoop(ctx context.Context) error {
	needed, err := r.client.NeedsBackfill(ctx)
	if err != nil {
		r.logger.Warn("backfill gate failed, running pass anyway", "error", err)
		needed = true
	}
	if needed {
		if _, err := r.SyncOnce(ctx); err != nil {
			r.logger.Error("initial sync pass failed", "error", err)
		}
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("shutting down")
			return r.Stop()
		case <-ticker.C:
			if _, err := r.SyncOnce(ctx); err != nil {
				r.logger.Error("sync pass failed", "error", err)
			}
		}
	}
}

// Stop drains the actor queue and closes the database.
func (r *Runtime) Stop() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.TaskTimeout)
	defer cancel()
	return r.client.Shutdown(shutdownCtx)
}

// SyncOnce runs one full sync pass: gather state, plan, execute, checkpoint
// when warranted.
func (r *Runtime) SyncOnce(ctx context.Context) (PassResult, error) {
	result := PassResult{RunID: uuid.NewString()}

	eventCountQ, err := r.client.Query(ctx, actor.QueryArgs{Kind: actor.QueryEventCount})
	if err != nil {
		return result, fmt.Errorf("query event count: %w", err)
	}
	watermarksQ, err := r.client.Query(ctx, actor.QueryArgs{Kind: actor.QueryWatermarks})
	if err != nil {
		return result, fmt.Errorf("query watermarks: %w", err)
	}

	watermarkIDs := make([]string, 0, len(watermarksQ.Watermarks))
	for _, wm := range watermarksQ.Watermarks {
		watermarkIDs = append(watermarkIDs, wm.WorkspaceID)
	}
	hasAtOrAboveZero := watermarksQ.HasWatermarkAtOrAboveZero != nil && *watermarksQ.HasWatermarkAtOrAboveZero

	knownIDs, err := discover.ListKnownWorkspaceIDs(r.cfg.SessionsRoot)
	if err != nil {
		return result, fmt.Errorf("discover workspaces: %w", err)
	}

	syncPlan, err := plan.DecideSyncPlan(
		*eventCountQ.EventCount,
		int64(len(watermarkIDs)),
		knownIDs,
		watermarkIDs,
		hasAtOrAboveZero,
	)
	if err != nil {
		return result, fmt.Errorf("plan sync: %w", err)
	}
	result.Action = syncPlan.Action

	switch syncPlan.Action {
	case plan.ActionFullRebuild:
		report, err := r.client.RebuildAll(ctx)
		if err != nil {
			return result, fmt.Errorf("rebuild all: %w", err)
		}
		result.Ingested = report.WorkspacesIngested

	case plan.ActionIncremental:
		for _, id := range syncPlan.ToIngest {
			if _, err := r.client.Ingest(ctx, id, filepath.Join(r.cfg.SessionsRoot, id), etl.CallerMeta{}); err != nil {
				r.logger.Warn("workspace ingest failed", "run", result.RunID, "workspace", id, "error", err)
				continue
			}
			result.Ingested++
		}
		for _, id := range syncPlan.ToPurge {
			if err := r.client.ClearWorkspace(ctx, id); err != nil {
				r.logger.Warn("workspace purge failed", "run", result.RunID, "workspace", id, "error", err)
				continue
			}
			result.Purged++
		}
	}

	// The planner only reconciles coverage; workspaces that are covered but
	// whose transcript advanced since the last pass refresh here. Unchanged
	// ones short-circuit on the mtime gate inside the engine.
	if syncPlan.Action != plan.ActionFullRebuild {
		result.Refreshed = r.refreshChanged(ctx, result.RunID, knownIDs, watermarksQ.Watermarks)
	}

	if plan.ShouldCheckpointAfterSync(syncPlan.Action, result.Ingested, result.Purged) || result.Refreshed > 0 {
		if err := r.client.Checkpoint(ctx); err != nil {
			r.logger.Warn("checkpoint failed", "run", result.RunID, "error", err)
		} else {
			result.Checkpointed = true
		}
	}

	r.logger.Info("sync pass complete",
		"run", result.RunID,
		"action", string(result.Action),
		"ingested", result.Ingested,
		"purged", result.Purged,
		"refreshed", result.Refreshed,
		"checkpointed", result.Checkpointed,
	)
	return result, nil
}

// refreshChanged re-ingests covered workspaces whose transcript mtime moved
// past their watermark. Returns the number of workspaces that actually wrote
// rows.
func (r *Runtime) refreshChanged(ctx context.Context, runID string, knownIDs []string, watermarks []actor.WatermarkInfo) int {
	lastModified := make(map[string]int64, len(watermarks))
	for _, wm := range watermarks {
		lastModified[wm.WorkspaceID] = wm.LastModified
	}

	refreshed := 0
	for _, id := range knownIDs {
		prior, covered := lastModified[id]
		if !covered {
			continue
		}
		sessionDir := filepath.Join(r.cfg.SessionsRoot, id)
		fi, err := os.Stat(filepath.Join(sessionDir, session.TranscriptFile))
		if err != nil || fi.ModTime().UnixMilli() <= prior {
			continue
		}
		report, err := r.client.Ingest(ctx, id, sessionDir, etl.CallerMeta{})
		if err != nil {
			r.logger.Warn("workspace refresh failed", "run", runID, "workspace", id, "error", err)
			continue
		}
		if report != nil && report.Outcome != etl.OutcomeUnchanged {
			refreshed++
		}
	}
	return refreshed
}
