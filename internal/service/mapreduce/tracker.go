package mapreduce

import (
	"context"
	"sync"
	"time"

	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/logging"
)

// tracker owns the work-item state machine for a job: every item is in
// exactly one of pending, in-flight, completed, or failed. Transitions are
// counted but not persisted one by one: a full job-state snapshot is written
// every checkpointInterval or checkpointEvery transitions, whichever comes
// first (checked at each transition), and the persisted state is the
// authority on resume.
type tracker struct {
	mu   sync.Mutex
	cond *sync.Cond

	jobID     string
	sessionID string
	phase     core.JobPhase

	items     map[string]core.WorkItem
	order     []string // insertion order for deterministic reduce results
	pending   []string // FIFO shared by retries and fresh items
	inFlight  map[string]bool
	completed map[string]core.AgentResult
	failed    map[string]core.FailedItem
	dlq       []string

	retryCounts map[string]int
	errHistory  map[string][]string

	store              core.CheckpointStore
	logger             *logging.Logger
	checkpointInterval time.Duration
	checkpointEvery    int
	transitions        int
	lastCheckpoint     time.Time
}

func newTracker(jobID, sessionID string, items []core.WorkItem, store core.CheckpointStore, logger *logging.Logger, interval time.Duration, every int) *tracker {
	t := &tracker{
		jobID:              jobID,
		sessionID:          sessionID,
		phase:              core.PhaseMap,
		items:              make(map[string]core.WorkItem, len(items)),
		inFlight:           make(map[string]bool),
		completed:          make(map[string]core.AgentResult),
		failed:             make(map[string]core.FailedItem),
		retryCounts:        make(map[string]int),
		errHistory:         make(map[string][]string),
		store:              store,
		logger:             logger,
		checkpointInterval: interval,
		checkpointEvery:    every,
		lastCheckpoint:     time.Now(),
	}
	t.cond = sync.NewCond(&t.mu)
	for _, item := range items {
		t.items[item.ID] = item
		t.order = append(t.order, item.ID)
		t.pending = append(t.pending, item.ID)
	}
	return t
}

// restoreTracker rebuilds a tracker from persisted job state. Items found
// in-flight never completed, so they return to pending.
func restoreTracker(state *core.MapReduceState, store core.CheckpointStore, logger *logging.Logger, interval time.Duration, every int) *tracker {
	t := newTracker(state.JobID, state.SessionID, state.Items, store, logger, interval, every)
	t.phase = state.Phase
	t.pending = append([]string{}, state.Pending...)
	t.pending = append(t.pending, state.InFlight...)
	t.completed = make(map[string]core.AgentResult, len(state.Completed))
	for id, result := range state.Completed {
		t.completed[id] = result
		t.retryCounts[id] = result.RetryCount
	}
	t.failed = make(map[string]core.FailedItem, len(state.Failed))
	for id, failure := range state.Failed {
		t.failed[id] = failure
		t.retryCounts[id] = failure.RetryCount
	}
	t.dlq = append([]string{}, state.DLQ...)
	return t
}

// reincludeDLQ moves dead-letter items back to pending with a fresh retry
// budget. Entries whose items are no longer tracked are restored from the
// DLQ record itself.
func (t *tracker) reincludeDLQ(entries []core.DLQEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inDLQ := make(map[string]bool, len(t.dlq))
	for _, id := range t.dlq {
		inDLQ[id] = true
	}

	for _, entry := range entries {
		if _, tracked := t.items[entry.ItemID]; !tracked {
			t.items[entry.ItemID] = core.WorkItem{
				Index: len(t.order),
				ID:    entry.ItemID,
				Value: entry.Item,
			}
			t.order = append(t.order, entry.ItemID)
		}
		delete(t.failed, entry.ItemID)
		t.retryCounts[entry.ItemID] = 0
		t.errHistory[entry.ItemID] = nil
		t.pending = append(t.pending, entry.ItemID)
		delete(inDLQ, entry.ItemID)
	}

	t.dlq = t.dlq[:0]
	for id := range inDLQ {
		t.dlq = append(t.dlq, id)
	}
	t.cond.Broadcast()
}

// next blocks until a pending item is available or the map phase is drained.
// It returns (item, true) after moving the item in-flight, or (_, false)
// when no pending item can ever appear again.
func (t *tracker) next(ctx context.Context) (core.WorkItem, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return core.WorkItem{}, false
		}
		if len(t.pending) > 0 {
			id := t.pending[0]
			t.pending = t.pending[1:]
			t.inFlight[id] = true
			t.transitionLocked("dispatch", id)
			return t.items[id], true
		}
		if len(t.inFlight) == 0 {
			return core.WorkItem{}, false
		}
		t.cond.Wait()
	}
}

// wake unblocks next() waiters, e.g. on cancellation.
func (t *tracker) wake() {
	t.cond.Broadcast()
}

// complete records a successful agent result.
func (t *tracker) complete(result core.AgentResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, result.ItemID)
	result.RetryCount = t.retryCounts[result.ItemID]
	t.completed[result.ItemID] = result
	t.transitionLocked("complete", result.ItemID)
	t.cond.Broadcast()
}

// fail records an attempt failure. Retryable failures under the retry limit
// re-enter pending; the rest become terminal. Returns true when the item
// went terminal.
func (t *tracker) fail(itemID string, errMsg string, retryable bool, maxRetries int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.inFlight, itemID)
	t.errHistory[itemID] = append(t.errHistory[itemID], errMsg)

	if retryable && t.retryCounts[itemID] < maxRetries {
		t.retryCounts[itemID]++
		t.pending = append(t.pending, itemID)
		t.transitionLocked("retry", itemID)
		t.cond.Broadcast()
		return false
	}

	t.failed[itemID] = core.FailedItem{Error: errMsg, RetryCount: t.retryCounts[itemID]}
	t.transitionLocked("fail", itemID)
	t.cond.Broadcast()
	return true
}

// moveToDLQ marks a terminally failed item as dead-lettered.
func (t *tracker) moveToDLQ(itemID string) core.DLQEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dlq = append(t.dlq, itemID)
	item := t.items[itemID]
	return core.DLQEntry{
		ItemID:        itemID,
		Item:          item.Value,
		ErrorHistory:  append([]string{}, t.errHistory[itemID]...),
		LastAttemptAt: time.Now().UTC(),
	}
}

// requeue puts a dispatched item back at the head of pending without
// consuming a retry, e.g. when its slot acquisition was cancelled.
func (t *tracker) requeue(itemID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, itemID)
	t.pending = append([]string{itemID}, t.pending...)
	t.cond.Broadcast()
}

// returnInFlightToPending is the cancellation path: interrupted items never
// completed, so they are pending again on resume.
func (t *tracker) returnInFlightToPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.inFlight {
		t.pending = append(t.pending, id)
		delete(t.inFlight, id)
	}
	t.cond.Broadcast()
}

// counts returns (completed, failed, total).
func (t *tracker) counts() (int, int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.completed), len(t.failed), len(t.items)
}

func (t *tracker) failedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.failed)
}

func (t *tracker) retryCount(itemID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryCounts[itemID]
}

func (t *tracker) setPhase(phase core.JobPhase) {
	t.mu.Lock()
	t.phase = phase
	t.mu.Unlock()
	t.persist(true)
}

// results assembles one AgentResult per input item, in item order. Failed
// and never-attempted items appear with their terminal status so the reduce
// phase always sees the full item set.
func (t *tracker) results() []core.AgentResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	results := make([]core.AgentResult, 0, len(t.order))
	for _, id := range t.order {
		if result, ok := t.completed[id]; ok {
			results = append(results, result)
			continue
		}
		if failure, ok := t.failed[id]; ok {
			results = append(results, core.AgentResult{
				ItemID:     id,
				Status:     core.AgentFailed,
				Error:      failure.Error,
				RetryCount: failure.RetryCount,
			})
			continue
		}
		results = append(results, core.AgentResult{ItemID: id, Status: core.AgentSkipped})
	}
	return results
}

// snapshotLocked builds the persistable state. Caller holds t.mu.
func (t *tracker) snapshotLocked() *core.MapReduceState {
	state := &core.MapReduceState{
		JobID:     t.jobID,
		SessionID: t.sessionID,
		Phase:     t.phase,
		Items:     make([]core.WorkItem, 0, len(t.order)),
		Pending:   append([]string{}, t.pending...),
		InFlight:  make([]string, 0, len(t.inFlight)),
		Completed: make(map[string]core.AgentResult, len(t.completed)),
		Failed:    make(map[string]core.FailedItem, len(t.failed)),
		DLQ:       append([]string{}, t.dlq...),
	}
	for _, id := range t.order {
		state.Items = append(state.Items, t.items[id])
	}
	for id := range t.inFlight {
		state.InFlight = append(state.InFlight, id)
	}
	for id, result := range t.completed {
		state.Completed[id] = result
	}
	for id, failure := range t.failed {
		state.Failed[id] = failure
	}
	return state
}

// snapshot builds the persistable state.
func (t *tracker) snapshot() *core.MapReduceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// transitionLocked counts a state transition and compacts a full snapshot
// when the cadence thresholds are reached. Caller holds t.mu.
func (t *tracker) transitionLocked(kind, itemID string) {
	t.transitions++
	t.logger.Debug("item transition", "kind", kind, "item_id", itemID)

	due := t.transitions >= t.checkpointEvery ||
		time.Since(t.lastCheckpoint) >= t.checkpointInterval
	if !due {
		return
	}
	t.transitions = 0
	t.lastCheckpoint = time.Now()
	state := t.snapshotLocked()

	// Persist outside the transition hot path but without releasing the
	// snapshot's consistency; the store serializes per job.
	go t.saveState(state)
}

// persist forces a full snapshot write.
func (t *tracker) persist(wait bool) {
	state := t.snapshot()
	if wait {
		t.saveState(state)
		return
	}
	go t.saveState(state)
}

func (t *tracker) saveState(state *core.MapReduceState) {
	if err := t.store.SaveJobState(context.Background(), state); err != nil {
		t.logger.Error("job state checkpoint failed", "job_id", t.jobID, "error", err)
	}
}
