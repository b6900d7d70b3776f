package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// JobPhase is the current phase of a MapReduce job.
type JobPhase string

const (
	PhaseSetup     JobPhase = "setup"
	PhaseMap       JobPhase = "map"
	PhaseReduce    JobPhase = "reduce"
	PhaseCompleted JobPhase = "completed"
)

// AgentStatus is the terminal status of one agent attempt set.
type AgentStatus string

const (
	AgentSuccess  AgentStatus = "success"
	AgentFailed   AgentStatus = "failed"
	AgentTimedOut AgentStatus = "timed_out"
	AgentSkipped  AgentStatus = "skipped"
)

// WorkItem is one JSON value drawn from the map input source. Identity is the
// 0-based index combined with a deterministic id derived from the source.
type WorkItem struct {
	Index int             `json:"index"`
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

// DeriveItemID builds the deterministic id for an item: its index plus a
// short content hash, stable across resumes of the same input.
func DeriveItemID(index int, value []byte) string {
	sum := sha256.Sum256(value)
	return fmt.Sprintf("item-%d-%s", index, hex.EncodeToString(sum[:4]))
}

// Decode unmarshals the item value into v.
func (w WorkItem) Decode(v any) error {
	return json.Unmarshal(w.Value, v)
}

// AgentResult records the outcome of processing one work item. Exactly one
// AgentResult exists per input item per job.
type AgentResult struct {
	ItemID       string         `json:"item_id"`
	Status       AgentStatus    `json:"status"`
	Output       string         `json:"output,omitempty"`
	CapturedVars map[string]any `json:"captured_vars,omitempty"`
	Duration     time.Duration  `json:"duration"`
	Commits      []string       `json:"commits,omitempty"`
	RetryCount   int            `json:"retry_count"`
	Error        string         `json:"error,omitempty"`
}

// FailedItem records a terminally failed item inside job state.
type FailedItem struct {
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count"`
}

// MapReduceState is the persisted job state. The four item collections are
// pairwise disjoint and their union is the initial item set.
type MapReduceState struct {
	JobID     string                 `json:"job_id"`
	SessionID string                 `json:"session_id"`
	Phase     JobPhase               `json:"phase"`
	Items     []WorkItem             `json:"items"`
	Pending   []string               `json:"pending"`
	InFlight  []string               `json:"in_flight"`
	Completed map[string]AgentResult `json:"completed"`
	Failed    map[string]FailedItem  `json:"failed"`
	DLQ       []string               `json:"dlq"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Item returns the work item with the given id.
func (s *MapReduceState) Item(id string) (WorkItem, bool) {
	for _, it := range s.Items {
		if it.ID == id {
			return it, true
		}
	}
	return WorkItem{}, false
}

// CheckInvariants verifies the item-set partition: pending, in-flight,
// completed, and failed are pairwise disjoint and cover all items.
func (s *MapReduceState) CheckInvariants() error {
	seen := make(map[string]string, len(s.Items))
	mark := func(id, set string) error {
		if prev, dup := seen[id]; dup {
			return ErrValidation(CodeInvalidWorkflow,
				fmt.Sprintf("item %s in both %s and %s", id, prev, set))
		}
		seen[id] = set
		return nil
	}
	for _, id := range s.Pending {
		if err := mark(id, "pending"); err != nil {
			return err
		}
	}
	for _, id := range s.InFlight {
		if err := mark(id, "in_flight"); err != nil {
			return err
		}
	}
	for id := range s.Completed {
		if err := mark(id, "completed"); err != nil {
			return err
		}
	}
	for id := range s.Failed {
		if err := mark(id, "failed"); err != nil {
			return err
		}
	}
	if len(seen) != len(s.Items) {
		return ErrValidation(CodeInvalidWorkflow,
			fmt.Sprintf("item sets cover %d of %d items", len(seen), len(s.Items)))
	}
	for _, it := range s.Items {
		if _, ok := seen[it.ID]; !ok {
			return ErrValidation(CodeInvalidWorkflow, fmt.Sprintf("item %s missing from all sets", it.ID))
		}
	}
	return nil
}

// DLQEntry is one append-only dead-letter record.
type DLQEntry struct {
	Version       int             `json:"version"`
	ItemID        string          `json:"item_id"`
	Item          json.RawMessage `json:"item"`
	ErrorHistory  []string        `json:"error_history"`
	LastAttemptAt time.Time       `json:"last_attempt_at"`
}
