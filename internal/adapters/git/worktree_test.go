package git

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/logging"
)

func TestManager_CreateAndList(t *testing.T) {
	repo := initTestRepo(t)
	client, err := NewClient(repo)
	if err != nil {
		t.Fatal(err)
	}
	mgr := NewManager(client, "", logging.NewNop())

	head, err := client.RevParseHEAD(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	wt, err := mgr.Create(context.Background(), "agent-1", head)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if wt.Branch != "prodigy/agent-1" {
		t.Errorf("branch = %q", wt.Branch)
	}
	if _, err := os.Stat(wt.Path); err != nil {
		t.Errorf("worktree path missing: %v", err)
	}

	managed, err := mgr.ListSessions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(managed) != 1 || managed[0].Name != "agent-1" {
		t.Errorf("managed = %+v", managed)
	}
}

func TestManager_CreateDuplicateFails(t *testing.T) {
	repo := initTestRepo(t)
	client, _ := NewClient(repo)
	mgr := NewManager(client, "", logging.NewNop())
	head, _ := client.RevParseHEAD(context.Background())

	if _, err := mgr.Create(context.Background(), "dup", head); err != nil {
		t.Fatal(err)
	}
	_, err := mgr.Create(context.Background(), "dup", head)
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr.Code != core.CodeWorktreeExists {
		t.Errorf("expected WORKTREE_EXISTS, got %v", err)
	}
}

func TestManager_RemoveIsIdempotent(t *testing.T) {
	repo := initTestRepo(t)
	client, _ := NewClient(repo)
	mgr := NewManager(client, "", logging.NewNop())
	head, _ := client.RevParseHEAD(context.Background())

	wt, err := mgr.Create(context.Background(), "gone", head)
	if err != nil {
		t.Fatal(err)
	}

	if err := mgr.Remove(context.Background(), wt.Path); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if _, err := os.Stat(wt.Path); !os.IsNotExist(err) {
		t.Error("worktree directory still present")
	}
	// Second removal of a nonexistent worktree succeeds.
	if err := mgr.Remove(context.Background(), wt.Path); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}

func TestManager_RemoveRejectsForeignPath(t *testing.T) {
	repo := initTestRepo(t)
	client, _ := NewClient(repo)
	mgr := NewManager(client, "", logging.NewNop())

	if err := mgr.Remove(context.Background(), filepath.Join(t.TempDir(), "other")); err == nil {
		t.Error("expected rejection of unmanaged path")
	}
}

func TestValidateWorktreeName(t *testing.T) {
	for _, bad := range []string{"", "a/b", "a\\b", "..", "a b"} {
		if err := validateWorktreeName(bad); err == nil {
			t.Errorf("name %q should be invalid", bad)
		}
	}
	if err := validateWorktreeName("agent-3_x.1"); err != nil {
		t.Errorf("valid name rejected: %v", err)
	}
}
