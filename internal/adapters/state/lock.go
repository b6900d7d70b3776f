package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/prodigy-dev/prodigy/internal/core"
)

// Compile-time interface conformance check.
var _ core.SessionLocker = (*Locker)(nil)

// Locker prevents two processes from resuming the same session. The lock is
// a flock on a per-session file; the kernel releases it when the holding
// process dies, so a lock held by a dead process is reclaimed on the next
// acquire. Metadata (pid, time) is written for diagnostics.
type Locker struct {
	root string
}

// NewLocker creates a session locker under the state root.
func NewLocker(root string) *Locker {
	return &Locker{root: root}
}

type lockMetadata struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Acquire takes the resume lock for a session, failing fast when another
// live process holds it.
func (l *Locker) Acquire(sessionID string) (func(), error) {
	dir := filepath.Join(l.root, "sessions", sessionID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, core.ErrStorage(core.CodeCheckpointWrite, "creating session directory").WithCause(err)
	}

	path := filepath.Join(dir, "resume.lock")
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, core.ErrStorage(core.CodeCheckpointWrite, "acquiring resume lock").WithCause(err)
	}
	if !locked {
		holder := l.describeHolder(path)
		return nil, core.ErrLock(
			fmt.Sprintf("session %s is locked by %s; wait for it to finish or remove %s if it is stale",
				sessionID, holder, path)).
			Trace("acquire resume lock", "state.Locker")
	}

	meta, _ := json.Marshal(lockMetadata{PID: os.Getpid(), AcquiredAt: time.Now().UTC()})
	_ = os.WriteFile(path, append(meta, '\n'), 0o600)

	release := func() {
		_ = fl.Unlock()
		_ = os.Remove(path)
	}
	return release, nil
}

// describeHolder reads lock metadata for the error message.
func (l *Locker) describeHolder(path string) string {
	data, err := os.ReadFile(path) // #nosec G304 -- path is under the state root
	if err != nil {
		return "another process"
	}
	var meta lockMetadata
	if err := json.Unmarshal(data, &meta); err != nil || meta.PID == 0 {
		return "another process"
	}
	return fmt.Sprintf("pid %d since %s", meta.PID, meta.AcquiredAt.Format(time.RFC3339))
}
