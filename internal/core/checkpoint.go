package core

import (
	"time"
)

// CheckpointVersion is written into every persisted checkpoint for forward
// migration.
const CheckpointVersion = 1

// StepStateKind tags the execution-state variant of a checkpoint.
type StepStateKind string

const (
	StateBeforeStep  StepStateKind = "before_step" // About to execute; on resume, retry
	StateCompleted   StepStateKind = "completed"   // Succeeded; on resume, start at step_index+1
	StateFailed      StepStateKind = "failed"      // On resume, retry if retryable
	StateInterrupted StepStateKind = "interrupted" // Signal received; on resume, retry if in_progress
)

// StepState is the tagged execution-state variant.
type StepState struct {
	Kind       StepStateKind `json:"kind"`
	StepIndex  int           `json:"step_index"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Retryable  bool          `json:"retryable,omitempty"`
	InProgress bool          `json:"in_progress,omitempty"`
}

// BeforeStep returns the state written before executing step i.
func BeforeStep(i int) StepState {
	return StepState{Kind: StateBeforeStep, StepIndex: i}
}

// Completed returns the state written after step i succeeds.
func Completed(i int, output string) StepState {
	return StepState{Kind: StateCompleted, StepIndex: i, Output: output}
}

// Failed returns the state written after step i fails for good.
func Failed(i int, errMsg string, retryable bool) StepState {
	return StepState{Kind: StateFailed, StepIndex: i, Error: errMsg, Retryable: retryable}
}

// Interrupted returns the state written when a signal lands during step i.
func Interrupted(i int, inProgress bool) StepState {
	return StepState{Kind: StateInterrupted, StepIndex: i, InProgress: inProgress}
}

// ResumeIndex returns the step index to execute next on resume, and whether
// the workflow should resume at all. forceRetry overrides the retryable
// gate on failed checkpoints.
func (s StepState) ResumeIndex(forceRetry bool) (int, bool) {
	switch s.Kind {
	case StateBeforeStep:
		return s.StepIndex, true
	case StateCompleted:
		return s.StepIndex + 1, true
	case StateFailed:
		if s.Retryable || forceRetry {
			return s.StepIndex, true
		}
		return 0, false
	case StateInterrupted:
		if s.InProgress {
			return s.StepIndex, true
		}
		return s.StepIndex + 1, true
	default:
		return 0, false
	}
}

// CompletedStep records one finished step inside a checkpoint.
type CompletedStep struct {
	StepIndex    int            `json:"step_index"`
	Command      string         `json:"command"`
	Output       string         `json:"output,omitempty"`
	CapturedVars map[string]any `json:"captured_vars,omitempty"`
	Duration     time.Duration  `json:"duration"`
	CompletedAt  time.Time      `json:"completed_at"`
}

// Checkpoint is a durable snapshot of workflow execution state. Exactly one
// current checkpoint exists per session, plus a timestamped history.
type Checkpoint struct {
	Version        int             `json:"version"`
	SessionID      string          `json:"session_id"`
	WorkflowPath   string          `json:"workflow_path"`
	WorktreePath   string          `json:"worktree_path,omitempty"`
	State          StepState       `json:"state"`
	CompletedSteps []CompletedStep `json:"completed_steps"`
	Variables      map[string]any  `json:"variables,omitempty"`
	WorkflowType   WorkflowMode    `json:"workflow_type"`
	MapReduceState *MapReduceState `json:"mapreduce_state,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Reason         string          `json:"reason,omitempty"`
	IntegrityHash  string          `json:"integrity_hash"`

	// RecoveredFromHistory is set by the store when the current checkpoint
	// failed its integrity check and a history entry was used instead.
	RecoveredFromHistory bool `json:"-"`
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionRunning     SessionStatus = "running"
	SessionCompleted   SessionStatus = "completed"
	SessionFailed      SessionStatus = "failed"
	SessionInterrupted SessionStatus = "interrupted"
)

// Session is the running instance of a workflow.
type Session struct {
	SessionID    string        `json:"session_id"`
	Repo         string        `json:"repo"`
	WorkflowPath string        `json:"workflow_path"`
	WorktreePath string        `json:"worktree_path,omitempty"`
	Status       SessionStatus `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// SessionInfo summarizes a resumable session for listings.
type SessionInfo struct {
	SessionID    string        `json:"session_id"`
	WorkflowPath string        `json:"workflow_path"`
	WorktreePath string        `json:"worktree_path,omitempty"`
	State        StepStateKind `json:"state"`
	StepIndex    int           `json:"step_index"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
