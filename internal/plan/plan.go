// Package plan holds the pure decision layer: which sync action to take,
// whether startup needs a backfill, and whether a sync pass warrants a WAL
// checkpoint. Nothing here touches the filesystem or the database.
package plan

import "fmt"

type Action string

const (
	ActionNoop        Action = "noop"
	ActionIncremental Action = "incremental"
	ActionFullRebuild Action = "full_rebuild"
)

// SyncPlan is the planner output: the chosen action plus the workspace IDs an
// incremental pass must ingest or purge. Both lists are empty for noop and
// full_rebuild (a rebuild re-derives everything, so naming IDs is pointless).
type SyncPlan struct {
	Action   Action
	ToIngest []string
	ToPurge  []string
}

// DecideSyncPlan maps current database state versus on-disk workspace state
// to an action plan.
//
// Decision order:
//  1. nothing on disk: rebuild iff stale rows or watermarks remain, else noop
//  2. rows without any watermark bookkeeping: rebuild
//  3. watermarks assert history but the row table is empty: rebuild
//  4. otherwise incremental over the set differences, noop when both empty
func DecideSyncPlan(eventCount, watermarkCount int64, knownWorkspaceIDs, watermarkWorkspaceIDs []string, hasWatermarkAtOrAboveZero bool) (SyncPlan, error) {
	if eventCount < 0 || watermarkCount < 0 {
		return SyncPlan{}, fmt.Errorf("negative counts: events=%d watermarks=%d", eventCount, watermarkCount)
	}

	if len(knownWorkspaceIDs) == 0 {
		if eventCount > 0 || watermarkCount > 0 {
			return SyncPlan{Action: ActionFullRebuild}, nil
		}
		return SyncPlan{Action: ActionNoop}, nil
	}

	if eventCount > 0 && watermarkCount == 0 {
		return SyncPlan{Action: ActionFullRebuild}, nil
	}

	if eventCount == 0 && watermarkCount > 0 && hasWatermarkAtOrAboveZero {
		return SyncPlan{Action: ActionFullRebuild}, nil
	}

	toIngest := diff(knownWorkspaceIDs, watermarkWorkspaceIDs)
	toPurge := diff(watermarkWorkspaceIDs, knownWorkspaceIDs)
	if len(toIngest) == 0 && len(toPurge) == 0 {
		return SyncPlan{Action: ActionNoop}, nil
	}
	return SyncPlan{Action: ActionIncremental, ToIngest: toIngest, ToPurge: toPurge}, nil
}

// ShouldRunInitialBackfill is the coarse startup gate run before the full
// planner: true under any corruption or missing-coverage signal, false only
// when watermark coverage exactly matches the on-disk set (or both sides are
// empty).
func ShouldRunInitialBackfill(eventCount, watermarkCount int64, knownWorkspaceIDs, watermarkWorkspaceIDs []string, hasWatermarkAtOrAboveZero bool) bool {
	if eventCount == 0 && watermarkCount > 0 && hasWatermarkAtOrAboveZero {
		return true
	}
	if len(diff(knownWorkspaceIDs, watermarkWorkspaceIDs)) > 0 {
		return true
	}
	if len(diff(watermarkWorkspaceIDs, knownWorkspaceIDs)) > 0 {
		return true
	}
	if eventCount > 0 && watermarkCount == 0 {
		return true
	}
	return false
}

// ShouldCheckpointAfterSync decides whether a sync pass forces a durability
// checkpoint: a full rebuild always mutates (even into an empty result), an
// incremental pass only when it actually touched workspaces, a noop never.
func ShouldCheckpointAfterSync(action Action, workspacesIngested, workspacesPurged int) bool {
	switch action {
	case ActionFullRebuild:
		return true
	case ActionIncremental:
		return workspacesIngested > 0 || workspacesPurged > 0
	default:
		return false
	}
}

func diff(a, b []string) []string {
	inB := make(map[string]struct{}, len(b))
	for _, id := range b {
		inB[id] = struct{}{}
	}
	var out []string
	for _, id := range a {
		if _, ok := inB[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
