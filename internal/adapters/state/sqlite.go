package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/logging"
)

// Compile-time interface conformance check.
var _ core.CheckpointStore = (*SQLiteStore)(nil)

// SQLiteStore persists checkpoints in a single SQLite database. The file
// backend remains the canonical layout; this backend trades greppable files
// for transactional history handling on large jobs.
type SQLiteStore struct {
	db           *sql.DB
	historyDepth int
	logger       *logging.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, logger *logging.Logger, historyDepth int) (*SQLiteStore, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if historyDepth <= 0 {
		historyDepth = DefaultHistoryDepth
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, core.ErrStorage(core.CodeCheckpointWrite, "opening sqlite store").WithCause(err)
	}

	s := &SQLiteStore{db: db, historyDepth: historyDepth, logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			session_id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoint_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			data TEXT NOT NULL,
			archived_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_session ON checkpoint_history(session_id, id)`,
		`CREATE TABLE IF NOT EXISTS job_states (
			job_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dlq (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_job ON dlq(job_id, id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return core.ErrStorage(core.CodeCheckpointWrite, "migrating sqlite schema").WithCause(err)
		}
	}
	return nil
}

// Save persists a checkpoint, archiving the previous row into history.
func (s *SQLiteStore) Save(ctx context.Context, cp *core.Checkpoint) error {
	if cp.SessionID == "" {
		return core.ErrValidation(core.CodeInvalidConfig, "checkpoint requires a session id")
	}

	cp.Version = core.CheckpointVersion
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	hash, err := integrityHash(cp)
	if err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "marshaling checkpoint").WithCause(err)
	}
	cp.IntegrityHash = hash

	data, err := json.Marshal(cp)
	if err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "marshaling checkpoint").WithCause(err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "beginning transaction").WithCause(err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	var prev string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE session_id = ?`, cp.SessionID).Scan(&prev)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return core.ErrStorage(core.CodeCheckpointWrite, "reading previous checkpoint").WithCause(err)
	default:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoint_history (session_id, data, archived_at) VALUES (?, ?, ?)`,
			cp.SessionID, prev, now); err != nil {
			return core.ErrStorage(core.CodeCheckpointWrite, "archiving checkpoint").WithCause(err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM checkpoint_history WHERE session_id = ? AND id NOT IN (
				SELECT id FROM checkpoint_history WHERE session_id = ? ORDER BY id DESC LIMIT ?
			)`, cp.SessionID, cp.SessionID, s.historyDepth); err != nil {
			return core.ErrStorage(core.CodeCheckpointWrite, "pruning history").WithCause(err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		cp.SessionID, string(data), now); err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "writing checkpoint").WithCause(err)
	}

	if err := tx.Commit(); err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "committing checkpoint").WithCause(err).
			Trace("save checkpoint", "state.SQLiteStore")
	}
	return nil
}

func decodeVerified(data string) (*core.Checkpoint, error) {
	var cp core.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
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

// Load returns the current checkpoint, falling back through history on
// integrity mismatch.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*core.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE session_id = ?`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrStorage(core.CodeCheckpointWrite, "reading checkpoint").WithCause(err)
	}

	cp, verifyErr := decodeVerified(data)
	if verifyErr == nil {
		return cp, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM checkpoint_history WHERE session_id = ? ORDER BY id DESC`, sessionID)
	if err != nil {
		return nil, core.ErrStorage(core.CodeCheckpointWrite, "reading history").WithCause(err)
	}
	defer rows.Close()

	for rows.Next() {
		var histData string
		if err := rows.Scan(&histData); err != nil {
			continue
		}
		if cp, err := decodeVerified(histData); err == nil {
			cp.RecoveredFromHistory = true
			return cp, nil
		}
	}

	return nil, core.ErrTerminal(core.CodeIntegrityMismatch,
		fmt.Sprintf("checkpoint for session %s is corrupt and no history entry validates", sessionID))
}

// LoadFromHistory returns the index-th newest archived checkpoint.
func (s *SQLiteStore) LoadFromHistory(ctx context.Context, sessionID string, index int) (*core.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoint_history WHERE session_id = ? ORDER BY id DESC LIMIT 1 OFFSET ?`,
		sessionID, index).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrStorage(core.CodeCheckpointWrite, "reading history").WithCause(err)
	}
	return decodeVerified(data)
}

// ListResumable returns summaries of sessions with a loadable checkpoint.
func (s *SQLiteStore) ListResumable(ctx context.Context) ([]core.SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM checkpoints ORDER BY updated_at DESC`)
	if err != nil {
		return nil, core.ErrStorage(core.CodeCheckpointWrite, "listing sessions").WithCause(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}

	infos := make([]core.SessionInfo, 0, len(ids))
	for _, id := range ids {
		cp, err := s.Load(ctx, id)
		if err != nil || cp == nil {
			continue
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
	return infos, nil
}

// Delete removes a session's checkpoint, history, and job rows.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "beginning transaction").WithCause(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM checkpoints WHERE session_id = ?`,
		`DELETE FROM checkpoint_history WHERE session_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, sessionID); err != nil {
			return core.ErrStorage(core.CodeCheckpointWrite, "deleting session").WithCause(err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM dlq WHERE job_id IN (SELECT job_id FROM job_states WHERE session_id = ?)`,
		sessionID); err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "deleting dlq").WithCause(err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM job_states WHERE session_id = ?`, sessionID); err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "deleting job states").WithCause(err)
	}

	return tx.Commit()
}

// SaveJobState persists MapReduce job state.
func (s *SQLiteStore) SaveJobState(ctx context.Context, state *core.MapReduceState) error {
	if state.JobID == "" {
		return core.ErrValidation(core.CodeInvalidConfig, "job state requires a job id")
	}
	state.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "marshaling job state").WithCause(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_states (job_id, session_id, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET session_id = excluded.session_id,
			data = excluded.data, updated_at = excluded.updated_at`,
		state.JobID, state.SessionID, string(data), state.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "writing job state").WithCause(err).
			Trace("save job state", "state.SQLiteStore")
	}
	return nil
}

// LoadJobState returns persisted job state, or (nil, nil) when absent.
func (s *SQLiteStore) LoadJobState(ctx context.Context, jobID string) (*core.MapReduceState, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM job_states WHERE job_id = ?`, jobID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrStorage(core.CodeCheckpointWrite, "reading job state").WithCause(err)
	}
	var state core.MapReduceState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, core.ErrTerminal(core.CodeIntegrityMismatch, "job state is not valid JSON").WithCause(err)
	}
	return &state, nil
}

// SessionForJob resolves a job id to its owning session.
func (s *SQLiteStore) SessionForJob(ctx context.Context, jobID string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM job_states WHERE job_id = ?`, jobID).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", core.ErrValidation(core.CodeJobNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	if err != nil {
		return "", core.ErrStorage(core.CodeCheckpointWrite, "resolving job session").WithCause(err)
	}
	return sessionID, nil
}

// AppendDLQ appends an entry to a job's dead-letter queue.
func (s *SQLiteStore) AppendDLQ(ctx context.Context, jobID string, entry core.DLQEntry) error {
	entry.Version = core.CheckpointVersion
	data, err := json.Marshal(entry)
	if err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "marshaling dlq entry").WithCause(err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO dlq (job_id, data) VALUES (?, ?)`, jobID, string(data)); err != nil {
		return core.ErrStorage(core.CodeCheckpointWrite, "appending dlq entry").WithCause(err)
	}
	return nil
}

// ReadDLQ returns all dead-letter entries for a job, oldest first.
func (s *SQLiteStore) ReadDLQ(ctx context.Context, jobID string) ([]core.DLQEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM dlq WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, core.ErrStorage(core.CodeCheckpointWrite, "reading dlq").WithCause(err)
	}
	defer rows.Close()

	var entries []core.DLQEntry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var entry core.DLQEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			s.logger.Warn("skipping malformed dlq row", "job_id", jobID, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
