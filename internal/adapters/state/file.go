package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/fsutil"
	"github.com/prodigy-dev/prodigy/internal/logging"
)

// Compile-time interface conformance check.
var _ core.CheckpointStore = (*FileStore)(nil)

const (
	// DefaultHistoryDepth is how many archived checkpoints to keep.
	DefaultHistoryDepth = 20

	historyTimeFormat = "20060102T150405.000000000Z"
)

// FileStore persists checkpoints as JSON files:
//
//	{root}/sessions/{session_id}/checkpoint.json
//	{root}/sessions/{session_id}/history/checkpoint-{UTC-timestamp}.json
//	{root}/mapreduce/jobs/{job_id}/job-state.json
//	{root}/mapreduce/jobs/{job_id}/dlq.jsonl
//	{root}/mapreduce/index.json
//
// Writes are atomic (temp file, fsync, rename) and integrity-checked with a
// SHA-256 over the payload with the hash field cleared. Writes for a given
// session are serialized by an in-process lock.
type FileStore struct {
	root          string
	historyDepth  int
	historyMaxAge time.Duration
	logger        *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// FileStoreOption configures the store.
type FileStoreOption func(*FileStore)

// WithHistoryDepth sets how many history entries are retained.
func WithHistoryDepth(n int) FileStoreOption {
	return func(s *FileStore) { s.historyDepth = n }
}

// WithHistoryMaxAge additionally prunes history entries older than d.
// Zero keeps entries regardless of age.
func WithHistoryMaxAge(d time.Duration) FileStoreOption {
	return func(s *FileStore) { s.historyMaxAge = d }
}

// NewFileStore creates a file-backed checkpoint store rooted at root.
func NewFileStore(root string, logger *logging.Logger, opts ...FileStoreOption) *FileStore {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &FileStore{
		root:         root,
		historyDepth: DefaultHistoryDepth,
		logger:       logger,
		locks:        make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the store's root directory.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) sessionDir(sessionID string) string {
	return filepath.Join(s.root, "sessions", sessionID)
}

func (s *FileStore) checkpointPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "checkpoint.json")
}

func (s *FileStore) historyDir(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "history")
}

func (s *FileStore) jobDir(jobID string) string {
	return filepath.Join(s.root, "mapreduce", "jobs", jobID)
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.root, "mapreduce", "index.json")
}

// sessionLock returns the per-session write lock.
func (s *FileStore) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

// integrityHash computes the SHA-256 over the checkpoint serialized with the
// hash field cleared.
func integrityHash(cp *core.Checkpoint) (string, error) {
	clone := *cp
	clone.IntegrityHash = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Save persists a checkpoint atomically, archiving the previous current
// checkpoint into history. Transient write failures are retried with a small
// backoff before escalating.
func (s *FileStore) Save(ctx context.Context, cp *core.Checkpoint) error {
	if cp.SessionID == "" {
		return core.ErrValidation(core.CodeInvalidConfig, "checkpoint requires a session id")
	}

	lock := s.sessionLock(cp.SessionID)
	lock.Lock()
	defer lock.Unlock()

	cp.Version = core.CheckpointVersion
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	hash, err := integrityHash(cp)
	if err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "marshaling checkpoint").WithCause(err)
	}
	cp.IntegrityHash = hash

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "marshaling checkpoint").WithCause(err)
	}
	data = append(data, '\n')

	backoff := retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
	writeErr := retry.Do(ctx, backoff, func(_ context.Context) error {
		if err := s.writeCheckpoint(cp.SessionID, data); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if writeErr != nil {
		return core.ErrStorage(core.CodeCheckpointWrite,
			fmt.Sprintf("writing checkpoint for session %s", cp.SessionID)).
			WithCause(writeErr).Trace("save checkpoint", "state.FileStore")
	}

	s.logger.Debug("checkpoint saved",
		"session_id", cp.SessionID,
		"state", cp.State.Kind,
		"step_index", cp.State.StepIndex,
		"reason", cp.Reason,
	)
	return nil
}

// writeCheckpoint archives the current file and writes the new one.
func (s *FileStore) writeCheckpoint(sessionID string, data []byte) error {
	path := s.checkpointPath(sessionID)
	if err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}

	// Archive the pre-existing checkpoint before replacing it.
	if prev, err := fsutil.ReadFile(path); err == nil {
		historyDir := s.historyDir(sessionID)
		if err := fsutil.EnsureDir(historyDir); err != nil {
			return err
		}
		stamp := time.Now().UTC().Format(historyTimeFormat)
		archive := filepath.Join(historyDir, "checkpoint-"+stamp+".json")
		if err := atomicWriteFile(archive, prev, 0o600); err != nil {
			return err
		}
	}

	if err := atomicWriteFile(path, data, 0o600); err != nil {
		return err
	}

	s.pruneHistory(sessionID)
	return nil
}

// pruneHistory drops archives beyond the retention depth and age.
func (s *FileStore) pruneHistory(sessionID string) {
	entries, err := os.ReadDir(s.historyDir(sessionID))
	if err != nil {
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "checkpoint-") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // timestamp format sorts chronologically

	cutoff := len(names) - s.historyDepth
	for i, name := range names {
		old := i < cutoff
		if !old && s.historyMaxAge > 0 {
			if ts, err := time.Parse(historyTimeFormat,
				strings.TrimSuffix(strings.TrimPrefix(name, "checkpoint-"), ".json")); err == nil {
				old = time.Since(ts) > s.historyMaxAge
			}
		}
		if old {
			_ = os.Remove(filepath.Join(s.historyDir(sessionID), name))
		}
	}
}

// Load returns the current checkpoint for a session, or (nil, nil) when none
// exists. On integrity mismatch it falls back to history entries newest
// first and flags the result as recovered; with no intact entry it fails.
func (s *FileStore) Load(_ context.Context, sessionID string) (*core.Checkpoint, error) {
	path := s.checkpointPath(sessionID)
	if !fsutil.FileExists(path) {
		return nil, nil
	}

	cp, err := s.loadVerified(path)
	if err == nil {
		return cp, nil
	}

	s.logger.Warn("checkpoint failed integrity check, trying history",
		"session_id", sessionID,
		"error", err,
	)

	names := s.historyNames(sessionID)
	for i := len(names) - 1; i >= 0; i-- {
		historyPath := filepath.Join(s.historyDir(sessionID), names[i])
		cp, histErr := s.loadVerified(historyPath)
		if histErr != nil {
			continue
		}
		cp.RecoveredFromHistory = true
		return cp, nil
	}

	return nil, core.ErrTerminal(core.CodeIntegrityMismatch,
		fmt.Sprintf("checkpoint for session %s is corrupt and no history entry validates", sessionID)).
		Trace("load checkpoint", "state.FileStore")
}

// LoadFromHistory returns the index-th newest archived checkpoint, or
// (nil, nil) when the index is out of range.
func (s *FileStore) LoadFromHistory(_ context.Context, sessionID string, index int) (*core.Checkpoint, error) {
	names := s.historyNames(sessionID)
	if index < 0 || index >= len(names) {
		return nil, nil
	}
	historyPath := filepath.Join(s.historyDir(sessionID), names[len(names)-1-index])
	return s.loadVerified(historyPath)
}

func (s *FileStore) historyNames(sessionID string) []string {
	entries, err := os.ReadDir(s.historyDir(sessionID))
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "checkpoint-") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// loadVerified reads a checkpoint file and recomputes its integrity hash.
func (s *FileStore) loadVerified(path string) (*core.Checkpoint, error) {
	data, err := fsutil.ReadFile(path)
	if err != nil {
		return nil, core.ErrStorage(core.CodeCheckpointWrite, "reading checkpoint").WithCause(err)
	}

	var cp core.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, core.ErrTerminal(core.CodeIntegrityMismatch, "checkpoint is not valid JSON").WithCause(err)
	}

	want := cp.IntegrityHash
	got, err := integrityHash(&cp)
	if err != nil {
		return nil, err
	}
	if want == "" || got != want {
		return nil, core.ErrTerminal(core.CodeIntegrityMismatch, "checkpoint integrity hash mismatch")
	}

	return &cp, nil
}

// ListResumable returns summaries of sessions with a loadable checkpoint.
func (s *FileStore) ListResumable(ctx context.Context) ([]core.SessionInfo, error) {
	sessionsDir := filepath.Join(s.root, "sessions")
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.ErrStorage(core.CodeCheckpointWrite, "reading sessions directory").WithCause(err)
	}

	infos := make([]core.SessionInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cp, err := s.Load(ctx, e.Name())
		if err != nil || cp == nil {
			continue // Corrupt beyond recovery; not resumable.
		}
		infos = append(infos, core.SessionInfo{
			SessionID:    cp.SessionID,
			WorkflowPath: cp.WorkflowPath,
			WorktreePath: cp.WorktreePath,
			State:        cp.State.Kind,
			StepIndex:    cp.State.StepIndex,
			UpdatedAt:    cp.CreatedAt,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos, nil
}

// Delete removes a session's checkpoint, history, and job index entries.
func (s *FileStore) Delete(_ context.Context, sessionID string) error {
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite,
			fmt.Sprintf("deleting session %s", sessionID)).WithCause(err)
	}

	index, err := s.readIndex()
	if err == nil {
		changed := false
		for jobID, sess := range index {
			if sess == sessionID {
				delete(index, jobID)
				changed = true
			}
		}
		if changed {
			_ = s.writeIndex(index)
		}
	}
	return nil
}

// SaveJobState persists MapReduce job state and updates the job index.
func (s *FileStore) SaveJobState(_ context.Context, state *core.MapReduceState) error {
	if state.JobID == "" {
		return core.ErrValidation(core.CodeInvalidConfig, "job state requires a job id")
	}

	lock := s.sessionLock("job:" + state.JobID)
	lock.Lock()
	defer lock.Unlock()

	state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "marshaling job state").WithCause(err)
	}
	data = append(data, '\n')

	dir := s.jobDir(state.JobID)
	if err := fsutil.EnsureDir(dir); err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "creating job directory").WithCause(err)
	}
	if err := atomicWriteFile(filepath.Join(dir, "job-state.json"), data, 0o600); err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite,
			fmt.Sprintf("writing job state for %s", state.JobID)).WithCause(err).
			Trace("save job state", "state.FileStore")
	}

	if state.SessionID != "" {
		index, _ := s.readIndex()
		if index == nil {
			index = make(map[string]string)
		}
		if index[state.JobID] != state.SessionID {
			index[state.JobID] = state.SessionID
			if err := s.writeIndex(index); err != nil {
				s.logger.Warn("job index update failed", "job_id", state.JobID, "error", err)
			}
		}
	}
	return nil
}

// LoadJobState returns persisted job state, or (nil, nil) when absent.
func (s *FileStore) LoadJobState(_ context.Context, jobID string) (*core.MapReduceState, error) {
	path := filepath.Join(s.jobDir(jobID), "job-state.json")
	if !fsutil.FileExists(path) {
		return nil, nil
	}
	data, err := fsutil.ReadFile(path)
	if err != nil {
		return nil, core.ErrStorage(core.CodeCheckpointWrite, "reading job state").WithCause(err)
	}
	var state core.MapReduceState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, core.ErrTerminal(core.CodeIntegrityMismatch, "job state is not valid JSON").WithCause(err)
	}
	return &state, nil
}

// SessionForJob resolves a job id to its owning session, consulting the
// index file and rebuilding it by directory scan when missing.
func (s *FileStore) SessionForJob(ctx context.Context, jobID string) (string, error) {
	index, err := s.readIndex()
	if err == nil {
		if sessionID, ok := index[jobID]; ok {
			return sessionID, nil
		}
	}

	// Rebuild by scanning job-state files.
	jobsDir := filepath.Join(s.root, "mapreduce", "jobs")
	entries, readErr := os.ReadDir(jobsDir)
	if readErr != nil {
		return "", core.ErrValidation(core.CodeJobNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	rebuilt := make(map[string]string, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		state, loadErr := s.LoadJobState(ctx, e.Name())
		if loadErr != nil || state == nil {
			continue
		}
		rebuilt[state.JobID] = state.SessionID
	}
	_ = s.writeIndex(rebuilt)

	if sessionID, ok := rebuilt[jobID]; ok {
		return sessionID, nil
	}
	return "", core.ErrValidation(core.CodeJobNotFound, fmt.Sprintf("job %s not found", jobID))
}

func (s *FileStore) readIndex() (map[string]string, error) {
	data, err := fsutil.ReadFile(s.indexPath())
	if err != nil {
		return nil, err
	}
	var index map[string]string
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, err
	}
	return index, nil
}

func (s *FileStore) writeIndex(index map[string]string) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := fsutil.EnsureDir(filepath.Dir(s.indexPath())); err != nil {
		return err
	}
	return atomicWriteFile(s.indexPath(), data, 0o600)
}

// AppendDLQ appends an entry to a job's dead-letter queue.
func (s *FileStore) AppendDLQ(_ context.Context, jobID string, entry core.DLQEntry) error {
	lock := s.sessionLock("dlq:" + jobID)
	lock.Lock()
	defer lock.Unlock()

	entry.Version = core.CheckpointVersion
	data, err := json.Marshal(entry)
	if err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "marshaling dlq entry").WithCause(err)
	}

	dir := s.jobDir(jobID)
	if err := fsutil.EnsureDir(dir); err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "creating job directory").WithCause(err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "dlq.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "opening dlq").WithCause(err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "appending dlq entry").WithCause(err).
			Trace("append dlq", "state.FileStore")
	}
	return f.Sync()
}

// ReadDLQ returns all dead-letter entries for a job, oldest first.
func (s *FileStore) ReadDLQ(_ context.Context, jobID string) ([]core.DLQEntry, error) {
	path := filepath.Join(s.jobDir(jobID), "dlq.jsonl")
	if !fsutil.FileExists(path) {
		return nil, nil
	}
	data, err := fsutil.ReadFile(path)
	if err != nil {
		return nil, core.ErrStorage(core.CodeCheckpointWrite, "reading dlq").WithCause(err)
	}

	var entries []core.DLQEntry
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry core.DLQEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			s.logger.Warn("skipping malformed dlq line", "job_id", jobID, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
