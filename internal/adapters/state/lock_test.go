package state

import (
	"errors"
	"testing"

	"github.com/prodigy-dev/prodigy/internal/core"
)

func TestLocker_AcquireRelease(t *testing.T) {
	locker := NewLocker(t.TempDir())

	release, err := locker.Acquire("sess-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()

	// Reacquire after release succeeds.
	release, err = locker.Acquire("sess-1")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	release()
}

func TestLocker_IndependentSessions(t *testing.T) {
	locker := NewLocker(t.TempDir())

	r1, err := locker.Acquire("sess-a")
	if err != nil {
		t.Fatal(err)
	}
	defer r1()

	r2, err := locker.Acquire("sess-b")
	if err != nil {
		t.Errorf("independent session blocked: %v", err)
	} else {
		r2()
	}
}

func TestLocker_ContentionFailsFast(t *testing.T) {
	root := t.TempDir()
	locker := NewLocker(root)

	release, err := locker.Acquire("sess-busy")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	// flock is per-file-descriptor, so a second Locker instance models a
	// second process within this test.
	other := NewLocker(root)
	_, err = other.Acquire("sess-busy")
	if err == nil {
		t.Fatal("expected lock contention error")
	}
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr.Category != core.ErrCatLock {
		t.Errorf("category = %v, want lock", core.GetCategory(err))
	}
}
