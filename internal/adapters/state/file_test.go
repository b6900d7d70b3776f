package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/logging"
)

func testCheckpoint(sessionID string, state core.StepState) *core.Checkpoint {
	return &core.Checkpoint{
		SessionID:    sessionID,
		WorkflowPath: "workflow.yaml",
		State:        state,
		CompletedSteps: []core.CompletedStep{
			{StepIndex: 0, Command: "echo a", Output: "a\n", Duration: time.Second},
		},
		Variables:    map[string]any{"k": "v"},
		WorkflowType: core.ModeStandard,
		Reason:       "step boundary",
	}
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	store := NewFileStore(t.TempDir(), logging.NewNop())
	ctx := context.Background()

	saved := testCheckpoint("sess-1", core.Completed(0, "a\n"))
	if err := store.Save(ctx, saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load returned nil")
	}
	if loaded.SessionID != "sess-1" || loaded.State.Kind != core.StateCompleted {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Variables["k"] != "v" {
		t.Errorf("variables = %v", loaded.Variables)
	}
	if loaded.IntegrityHash == "" {
		t.Error("integrity hash not persisted")
	}
	if loaded.RecoveredFromHistory {
		t.Error("clean load flagged as recovered")
	}
}

func TestFileStore_LoadMissingIsNil(t *testing.T) {
	store := NewFileStore(t.TempDir(), logging.NewNop())
	cp, err := store.Load(context.Background(), "no-such-session")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp != nil {
		t.Errorf("cp = %+v, want nil", cp)
	}
}

func TestFileStore_CorruptFallsBackToHistory(t *testing.T) {
	root := t.TempDir()
	store := NewFileStore(root, logging.NewNop())
	ctx := context.Background()

	if err := store.Save(ctx, testCheckpoint("sess-2", core.Completed(0, ""))); err != nil {
		t.Fatal(err)
	}
	// Second save archives the first into history.
	if err := store.Save(ctx, testCheckpoint("sess-2", core.Completed(1, ""))); err != nil {
		t.Fatal(err)
	}

	// Corrupt the current checkpoint.
	path := filepath.Join(root, "sessions", "sess-2", "checkpoint.json")
	if err := os.WriteFile(path, []byte(`{"session_id":"sess-2","tampered":true}`), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load(ctx, "sess-2")
	if err != nil {
		t.Fatalf("Load after corruption: %v", err)
	}
	if !loaded.RecoveredFromHistory {
		t.Error("recovered checkpoint not flagged")
	}
	if loaded.State.StepIndex != 0 {
		t.Errorf("recovered step index = %d, want 0 (the archived entry)", loaded.State.StepIndex)
	}
}

func TestFileStore_CorruptWithoutHistoryFails(t *testing.T) {
	root := t.TempDir()
	store := NewFileStore(root, logging.NewNop())
	ctx := context.Background()

	if err := store.Save(ctx, testCheckpoint("sess-3", core.Completed(0, ""))); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, "sessions", "sess-3", "checkpoint.json")
	if err := os.WriteFile(path, []byte(`not json at all`), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := store.Load(ctx, "sess-3")
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr.Code != core.CodeIntegrityMismatch {
		t.Errorf("expected INTEGRITY_MISMATCH, got %v", err)
	}
}

func TestFileStore_TamperedHashDetected(t *testing.T) {
	root := t.TempDir()
	store := NewFileStore(root, logging.NewNop())
	ctx := context.Background()

	if err := store.Save(ctx, testCheckpoint("sess-4", core.Completed(0, ""))); err != nil {
		t.Fatal(err)
	}

	// Flip a field without recomputing the hash.
	path := filepath.Join(root, "sessions", "sess-4", "checkpoint.json")
	data, _ := os.ReadFile(path)
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	raw["workflow_path"] = "evil.yaml"
	tampered, _ := json.Marshal(raw)
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := store.Load(ctx, "sess-4")
	if err == nil {
		t.Error("tampered checkpoint passed integrity check")
	}
}

func TestFileStore_HistoryPruning(t *testing.T) {
	root := t.TempDir()
	store := NewFileStore(root, logging.NewNop(), WithHistoryDepth(3))
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if err := store.Save(ctx, testCheckpoint("sess-5", core.Completed(i, ""))); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(root, "sessions", "sess-5", "history"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) > 3 {
		t.Errorf("history has %d entries, want <= 3", len(entries))
	}
}

func TestFileStore_LoadFromHistory(t *testing.T) {
	store := NewFileStore(t.TempDir(), logging.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.Save(ctx, testCheckpoint("sess-6", core.Completed(i, ""))); err != nil {
			t.Fatal(err)
		}
	}

	// Index 0 is the newest archived entry (step 1); current is step 2.
	cp, err := store.LoadFromHistory(ctx, "sess-6", 0)
	if err != nil {
		t.Fatalf("LoadFromHistory: %v", err)
	}
	if cp == nil || cp.State.StepIndex != 1 {
		t.Errorf("history[0] = %+v", cp)
	}

	cp, err = store.LoadFromHistory(ctx, "sess-6", 99)
	if err != nil || cp != nil {
		t.Errorf("out-of-range = (%+v, %v), want (nil, nil)", cp, err)
	}
}

func TestFileStore_ListResumable(t *testing.T) {
	store := NewFileStore(t.TempDir(), logging.NewNop())
	ctx := context.Background()

	if err := store.Save(ctx, testCheckpoint("sess-a", core.Failed(1, "boom", true))); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, testCheckpoint("sess-b", core.Completed(2, ""))); err != nil {
		t.Fatal(err)
	}

	infos, err := store.ListResumable(ctx)
	if err != nil {
		t.Fatalf("ListResumable: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("len = %d", len(infos))
	}
	ids := map[string]bool{}
	for _, info := range infos {
		ids[info.SessionID] = true
	}
	if !ids["sess-a"] || !ids["sess-b"] {
		t.Errorf("infos = %+v", infos)
	}
}

func TestFileStore_Delete(t *testing.T) {
	store := NewFileStore(t.TempDir(), logging.NewNop())
	ctx := context.Background()

	if err := store.Save(ctx, testCheckpoint("sess-del", core.Completed(0, ""))); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "sess-del"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	cp, err := store.Load(ctx, "sess-del")
	if err != nil || cp != nil {
		t.Errorf("after delete: (%+v, %v)", cp, err)
	}
	// Deleting again succeeds.
	if err := store.Delete(ctx, "sess-del"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestFileStore_JobStateAndIndex(t *testing.T) {
	root := t.TempDir()
	store := NewFileStore(root, logging.NewNop())
	ctx := context.Background()

	state := &core.MapReduceState{
		JobID:     "job-1",
		SessionID: "sess-j",
		Phase:     core.PhaseMap,
		Items: []core.WorkItem{
			{Index: 0, ID: "item-0", Value: []byte(`{"id":0}`)},
		},
		Pending:   []string{"item-0"},
		Completed: map[string]core.AgentResult{},
		Failed:    map[string]core.FailedItem{},
	}
	if err := store.SaveJobState(ctx, state); err != nil {
		t.Fatalf("SaveJobState: %v", err)
	}

	loaded, err := store.LoadJobState(ctx, "job-1")
	if err != nil {
		t.Fatalf("LoadJobState: %v", err)
	}
	if loaded.Phase != core.PhaseMap || len(loaded.Items) != 1 {
		t.Errorf("loaded = %+v", loaded)
	}

	sessionID, err := store.SessionForJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("SessionForJob: %v", err)
	}
	if sessionID != "sess-j" {
		t.Errorf("session = %q", sessionID)
	}

	// Index survives deletion and is rebuilt from a directory scan.
	if err := os.Remove(filepath.Join(root, "mapreduce", "index.json")); err != nil {
		t.Fatal(err)
	}
	sessionID, err = store.SessionForJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("SessionForJob after index removal: %v", err)
	}
	if sessionID != "sess-j" {
		t.Errorf("rebuilt session = %q", sessionID)
	}
}

func TestFileStore_DLQAppendRead(t *testing.T) {
	store := NewFileStore(t.TempDir(), logging.NewNop())
	ctx := context.Background()

	for i, id := range []string{"item-0", "item-5"} {
		entry := core.DLQEntry{
			ItemID:        id,
			Item:          []byte(`{"id":` + string(rune('0'+i)) + `}`),
			ErrorHistory:  []string{"exit 1", "exit 1"},
			LastAttemptAt: time.Now().UTC(),
		}
		if err := store.AppendDLQ(ctx, "job-dlq", entry); err != nil {
			t.Fatalf("AppendDLQ: %v", err)
		}
	}

	entries, err := store.ReadDLQ(ctx, "job-dlq")
	if err != nil {
		t.Fatalf("ReadDLQ: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d", len(entries))
	}
	if entries[0].ItemID != "item-0" || entries[1].ItemID != "item-5" {
		t.Errorf("entries = %+v", entries)
	}
	if len(entries[0].ErrorHistory) != 2 {
		t.Errorf("error history = %v", entries[0].ErrorHistory)
	}
}

func TestFileStore_ReadDLQMissingIsEmpty(t *testing.T) {
	store := NewFileStore(t.TempDir(), logging.NewNop())
	entries, err := store.ReadDLQ(context.Background(), "no-job")
	if err != nil || entries != nil {
		t.Errorf("got (%v, %v)", entries, err)
	}
}
