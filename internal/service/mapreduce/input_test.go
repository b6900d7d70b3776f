package mapreduce

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prodigy-dev/prodigy/internal/core"
)

func TestLoadWorkItems_InlineArray(t *testing.T) {
	items, err := LoadWorkItems(`[{"id":1},{"id":2},{"id":3}]`, "", "")
	if err != nil {
		t.Fatalf("LoadWorkItems: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len = %d", len(items))
	}
	for i, item := range items {
		if item.Index != i {
			t.Errorf("item %d index = %d", i, item.Index)
		}
		if item.ID == "" {
			t.Errorf("item %d has empty id", i)
		}
	}
	// IDs are deterministic across loads.
	again, _ := LoadWorkItems(`[{"id":1},{"id":2},{"id":3}]`, "", "")
	for i := range items {
		if items[i].ID != again[i].ID {
			t.Errorf("item %d id unstable: %s vs %s", i, items[i].ID, again[i].ID)
		}
	}
}

func TestLoadWorkItems_FileWithJSONPath(t *testing.T) {
	dir := t.TempDir()
	doc := `{"report": {"issues": [{"file":"a.go"},{"file":"b.go"}]}}`
	if err := os.WriteFile(filepath.Join(dir, "report.json"), []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"report.issues", "$.report.issues[*]"} {
		items, err := LoadWorkItems("report.json", path, dir)
		if err != nil {
			t.Fatalf("json_path %q: %v", path, err)
		}
		if len(items) != 2 {
			t.Errorf("json_path %q: len = %d", path, len(items))
		}
	}
}

func TestLoadWorkItems_JSONPathMissing(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "doc.json"), []byte(`{"a":1}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadWorkItems("doc.json", "nope.items", dir); err == nil {
		t.Error("expected error for unmatched json_path")
	}
}

func TestLoadWorkItems_Glob(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.md", "b.md", "c.txt", "sub/d.md"} {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	items, err := LoadWorkItems("**/*.md", "", dir)
	if err != nil {
		t.Fatalf("LoadWorkItems: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len = %d, want 3 markdown files", len(items))
	}

	var first map[string]string
	if err := items[0].Decode(&first); err != nil {
		t.Fatal(err)
	}
	if first["path"] == "" {
		t.Errorf("glob item = %v, want {path: ...}", first)
	}
}

func TestLoadWorkItems_SingleObjectBecomesOneItem(t *testing.T) {
	items, err := LoadWorkItems(`{"only":"one"}`, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Errorf("len = %d", len(items))
	}
}

func TestLoadWorkItems_Errors(t *testing.T) {
	if _, err := LoadWorkItems("", "", ""); err == nil {
		t.Error("empty input accepted")
	}
	if _, err := LoadWorkItems("missing-file.json", "", t.TempDir()); err == nil {
		t.Error("missing file accepted")
	}
}

func TestTracker_RetryReentersQueueFIFO(t *testing.T) {
	items := []core.WorkItem{
		{Index: 0, ID: "a", Value: []byte(`0`)},
		{Index: 1, ID: "b", Value: []byte(`1`)},
	}
	track := newTracker("job", "sess", items, nullStore{}, nopLogger(), time.Hour, 1<<30)

	first, ok := track.next(t.Context())
	if !ok || first.ID != "a" {
		t.Fatalf("first = %+v", first)
	}
	// Retryable failure re-enters behind the fresh item.
	if terminal := track.fail("a", "boom", true, 2); terminal {
		t.Fatal("first failure should retry")
	}

	second, _ := track.next(t.Context())
	if second.ID != "b" {
		t.Errorf("second = %s, want b (FIFO: fresh before retry)", second.ID)
	}
	third, _ := track.next(t.Context())
	if third.ID != "a" {
		t.Errorf("third = %s, want retried a", third.ID)
	}
	if track.retryCount("a") != 1 {
		t.Errorf("retry count = %d", track.retryCount("a"))
	}
}

func TestTracker_ExhaustedRetriesGoTerminal(t *testing.T) {
	items := []core.WorkItem{{Index: 0, ID: "a", Value: []byte(`0`)}}
	track := newTracker("job", "sess", items, nullStore{}, nopLogger(), time.Hour, 1<<30)

	if _, ok := track.next(t.Context()); !ok {
		t.Fatal("no item")
	}
	if track.fail("a", "e1", true, 1) {
		t.Fatal("first failure should retry (max_retries=1)")
	}
	if _, ok := track.next(t.Context()); !ok {
		t.Fatal("retry not queued")
	}
	if !track.fail("a", "e2", true, 1) {
		t.Fatal("second failure should be terminal")
	}

	entry := track.moveToDLQ("a")
	if len(entry.ErrorHistory) != 2 {
		t.Errorf("error history = %v", entry.ErrorHistory)
	}

	state := track.snapshot()
	if err := state.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}
