package core

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDomainError_RetryableByCategory(t *testing.T) {
	if !IsRetryable(ErrTimeout("slow")) {
		t.Error("timeout should be retryable")
	}
	if !IsRetryable(ErrTransient(CodeProviderOverloaded, "529")) {
		t.Error("provider overload should be retryable")
	}
	if IsRetryable(ErrTerminal(CodeCommitMissing, "no commit")) {
		t.Error("commit-missing should not be retryable")
	}
	if IsRetryable(ErrCancelled("sigint")) {
		t.Error("cancellation should not be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors should not be retryable")
	}
}

func TestDomainError_TrailAccumulates(t *testing.T) {
	err := ErrStorage(CodeCheckpointWrite, "disk full")
	_ = Trace(err, "save checkpoint", "state.FileStore")
	_ = Trace(err, "execute step", "service.Executor")

	var domErr *DomainError
	if !errors.As(err, &domErr) {
		t.Fatal("not a DomainError")
	}
	if len(domErr.Trail) != 2 {
		t.Fatalf("trail length = %d, want 2", len(domErr.Trail))
	}
	if !strings.Contains(domErr.TrailString(), "save checkpoint -> state.FileStore") {
		t.Errorf("trail = %q", domErr.TrailString())
	}
}

func TestTrace_WrapsPlainErrors(t *testing.T) {
	plain := fmt.Errorf("exec: not found")
	traced := Trace(plain, "spawn", "execx.Runner")

	var domErr *DomainError
	if !errors.As(traced, &domErr) {
		t.Fatal("traced error is not a DomainError")
	}
	if !errors.Is(traced, plain) {
		t.Error("cause not preserved")
	}
	if len(domErr.Trail) != 1 {
		t.Errorf("trail length = %d, want 1", len(domErr.Trail))
	}
}

func TestDomainError_Is(t *testing.T) {
	err := ErrLock("session busy")
	if !errors.Is(err, &DomainError{Category: ErrCatLock, Code: CodeResumeLockHeld}) {
		t.Error("Is() should match category+code")
	}
	if errors.Is(err, &DomainError{Category: ErrCatStorage, Code: CodeResumeLockHeld}) {
		t.Error("Is() should not match different category")
	}
}

func TestDomainError_Suggestion(t *testing.T) {
	if s := ErrLock("busy").Suggestion(); !strings.Contains(s, "lock") {
		t.Errorf("lock suggestion = %q", s)
	}
	if s := ErrCancelled("sigint").Suggestion(); !strings.Contains(s, "resume") {
		t.Errorf("cancel suggestion = %q", s)
	}
	err := ErrTerminal(CodeMaxFailures, "too many")
	if s := err.Suggestion(); !strings.Contains(s, "dlq") && !strings.Contains(s, "DLQ") {
		t.Errorf("max-failures suggestion = %q", s)
	}
}

func TestMapReduceState_CheckInvariants(t *testing.T) {
	state := &MapReduceState{
		Items: []WorkItem{
			{Index: 0, ID: "a", Value: []byte(`1`)},
			{Index: 1, ID: "b", Value: []byte(`2`)},
			{Index: 2, ID: "c", Value: []byte(`3`)},
		},
		Pending:   []string{"a"},
		InFlight:  []string{"b"},
		Completed: map[string]AgentResult{"c": {ItemID: "c", Status: AgentSuccess}},
		Failed:    map[string]FailedItem{},
	}
	if err := state.CheckInvariants(); err != nil {
		t.Errorf("valid partition rejected: %v", err)
	}

	state.InFlight = append(state.InFlight, "a")
	if err := state.CheckInvariants(); err == nil {
		t.Error("overlapping sets should fail invariant check")
	}

	state.InFlight = []string{"b"}
	state.Pending = nil
	if err := state.CheckInvariants(); err == nil {
		t.Error("uncovered item should fail invariant check")
	}
}

func TestDeriveItemID_Deterministic(t *testing.T) {
	a := DeriveItemID(3, []byte(`{"id":9}`))
	b := DeriveItemID(3, []byte(`{"id":9}`))
	if a != b {
		t.Errorf("ids differ: %s vs %s", a, b)
	}
	if a == DeriveItemID(4, []byte(`{"id":9}`)) {
		t.Error("index should change the id")
	}
	if a == DeriveItemID(3, []byte(`{"id":8}`)) {
		t.Error("content should change the id")
	}
}
