package discover

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/kon-rad/sessionmirror/internal/session"
)

func mkWorkspace(t *testing.T, root, id string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, session.TranscriptFile), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	return dir
}

func TestListKnownWorkspaceIDs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	mkWorkspace(t, root, "ws-b")
	mkWorkspace(t, root, "ws-a")

	// Directory without a transcript and a stray file are both invisible.
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), nil, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	ids, err := ListKnownWorkspaceIDs(root)
	if err != nil {
		t.Fatalf("ListKnownWorkspaceIDs() error = %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"ws-a", "ws-b"}) {
		t.Fatalf("ids = %v, want [ws-a ws-b]", ids)
	}
}

func TestListKnownWorkspaceIDsMissingRoot(t *testing.T) {
	t.Parallel()

	ids, err := ListKnownWorkspaceIDs(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("missing root should not error, got %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("ids = %v, want empty", ids)
	}
}

func TestListArchivedChildWorkspaces(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	parentDir := mkWorkspace(t, root, "parent")
	mkWorkspace(t, root, "loner")

	archive := filepath.Join(parentDir, session.SubagentDir)
	mkWorkspace(t, archive, "child-1")
	mkWorkspace(t, archive, "child-2")

	// Archived directory without a transcript does not count.
	if err := os.MkdirAll(filepath.Join(archive, "stub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	got := ListArchivedChildWorkspaces(root, []string{"parent", "loner"}, logger)

	want := []Workspace{
		{WorkspaceID: "child-1", SessionDir: filepath.Join(archive, "child-1"), ParentWorkspaceID: "parent"},
		{WorkspaceID: "child-2", SessionDir: filepath.Join(archive, "child-2"), ParentWorkspaceID: "parent"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("children = %+v, want %+v", got, want)
	}
}

func TestListArchivedChildWorkspacesSkipsUnreadableArchive(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	parentDir := mkWorkspace(t, root, "parent")
	// A regular file where the archive directory should be makes ReadDir
	// fail; the parent is skipped rather than the whole listing aborting.
	if err := os.WriteFile(filepath.Join(parentDir, session.SubagentDir), nil, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	got := ListArchivedChildWorkspaces(root, []string{"parent"}, logger)
	if len(got) != 0 {
		t.Fatalf("children = %+v, want empty", got)
	}
}
