// Package discover enumerates workspace session directories on disk. A
// directory counts as a workspace iff it contains a transcript file;
// everything else is invisible to the rest of the system.
package discover

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kon-rad/sessionmirror/internal/session"
)

// Workspace is a transient discovery result, never persisted.
type Workspace struct {
	WorkspaceID       string
	SessionDir        string
	ParentWorkspaceID string
}

// ListKnownWorkspaceIDs returns the top-level directory names under root that
// contain a transcript file. A missing root is an empty result, not an error.
func ListKnownWorkspaceIDs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions root: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if hasTranscript(filepath.Join(root, entry.Name())) {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// ListArchivedChildWorkspaces lists, for each parent, the archived descendant
// sessions stored flat under <parent>/subagent-transcripts/. Unreadable
// per-parent directories are logged and skipped.
func ListArchivedChildWorkspaces(root string, parentIDs []string, logger *slog.Logger) []Workspace {
	var out []Workspace
	for _, parentID := range parentIDs {
		archiveDir := filepath.Join(root, parentID, session.SubagentDir)
		entries, err := os.ReadDir(archiveDir)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warn("skipping unreadable subagent archive", "parent", parentID, "error", err)
			}
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			childDir := filepath.Join(archiveDir, entry.Name())
			if !hasTranscript(childDir) {
				continue
			}
			out = append(out, Workspace{
				WorkspaceID:       entry.Name(),
				SessionDir:        childDir,
				ParentWorkspaceID: parentID,
			})
		}
	}
	return out
}

func hasTranscript(dir string) bool {
	fi, err := os.Stat(filepath.Join(dir, session.TranscriptFile))
	return err == nil && fi.Mode().IsRegular()
}
