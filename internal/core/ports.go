package core

import (
	"context"
)

// CheckpointStore persists workflow and job state. Implementations must make
// Save atomic and verify integrity on Load. Load returns (nil, nil) when no
// checkpoint exists for the session.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, sessionID string) (*Checkpoint, error)
	LoadFromHistory(ctx context.Context, sessionID string, index int) (*Checkpoint, error)
	ListResumable(ctx context.Context) ([]SessionInfo, error)
	Delete(ctx context.Context, sessionID string) error

	SaveJobState(ctx context.Context, state *MapReduceState) error
	LoadJobState(ctx context.Context, jobID string) (*MapReduceState, error)
	SessionForJob(ctx context.Context, jobID string) (string, error)

	AppendDLQ(ctx context.Context, jobID string, entry DLQEntry) error
	ReadDLQ(ctx context.Context, jobID string) ([]DLQEntry, error)
}

// StepSequenceRunner executes a sequence of steps against an interpolation
// scope in a working directory. It breaks the cycle between the merge queue
// and the step executor: the MapReduce engine hands the merge queue this
// indirection instead of the executor itself.
type StepSequenceRunner interface {
	RunSequence(ctx context.Context, steps []Step, workingDir string, vars map[string]any) error
}

// SessionLocker guards a session against concurrent resume. Acquire fails
// fast with a lock error when another live process holds the session.
type SessionLocker interface {
	Acquire(sessionID string) (release func(), err error)
}
