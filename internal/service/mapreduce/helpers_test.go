package mapreduce

import (
	"context"

	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/logging"
)

func nopLogger() *logging.Logger {
	return logging.NewNop()
}

// nullStore discards all persistence; tracker unit tests only exercise the
// in-memory state machine.
type nullStore struct{}

var _ core.CheckpointStore = nullStore{}

func (nullStore) Save(context.Context, *core.Checkpoint) error { return nil }
func (nullStore) Load(context.Context, string) (*core.Checkpoint, error) {
	return nil, nil
}
func (nullStore) LoadFromHistory(context.Context, string, int) (*core.Checkpoint, error) {
	return nil, nil
}
func (nullStore) ListResumable(context.Context) ([]core.SessionInfo, error) { return nil, nil }
func (nullStore) Delete(context.Context, string) error                      { return nil }
func (nullStore) SaveJobState(context.Context, *core.MapReduceState) error  { return nil }
func (nullStore) LoadJobState(context.Context, string) (*core.MapReduceState, error) {
	return nil, nil
}
func (nullStore) SessionForJob(context.Context, string) (string, error) { return "", nil }
func (nullStore) AppendDLQ(context.Context, string, core.DLQEntry) error {
	return nil
}
func (nullStore) ReadDLQ(context.Context, string) ([]core.DLQEntry, error) { return nil, nil }
