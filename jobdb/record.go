// Package jobdb persists the mapping of batch jobs to tasks. It is the
// single source of truth for the run manager: every submit, queue poll and
// log signal is serialized into an Upsert here before any policy acts on it.
package jobdb

import (
	"fmt"
	"time"
)

// JobID is the scheduler-assigned identity of one job submission.
type JobID string

type State int

const (
	// Record created, submission not yet acknowledged by the scheduler.
	Pending State = iota

	// Accepted by the scheduler, waiting for resources.
	Queued

	// Running on the cluster.
	Running

	// States below are end states.
	// A record in an end state never changes its state again.

	// Exited after its task's work finished.
	Done

	// Exited without finishing, or the submission was rejected.
	Failed

	// Cancelled by the controller (kill-on-error, idle-release, or stop).
	Cancelled
)

func (s State) IsTerminal() bool {
	return s == Done || s == Failed || s == Cancelled
}

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Queued:
		return "QUEUED"
	case Running:
		return "RUNNING"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	case Cancelled:
		return "CANCELLED"
	default:
		panic(fmt.Sprintf("Unexpected jobdb.State %v", int(s)))
	}
}

// ValidTransition reports whether a record may move from one state to
// another. Same-state writes are allowed so that bookkeeping fields
// (LastSeenAt, Node) can be refreshed.
func ValidTransition(from, to State) bool {
	if from == to {
		return true
	}
	switch from {
	case Pending:
		return to == Queued || to == Failed || to == Cancelled
	case Queued:
		return to == Running || to == Done || to == Failed || to == Cancelled
	case Running:
		return to == Done || to == Failed || to == Cancelled
	default:
		// terminal states never revert
		return false
	}
}

// JobRecord is the persisted state of one job submission. A task may
// accumulate several records across retries; at most one is non-terminal at
// a time.
type JobRecord struct {
	JobID       JobID     `json:"job_id"`
	JobName     string    `json:"job_name"`
	TaskIndex   int       `json:"task_index"`
	State       State     `json:"state"`
	FailCount   int       `json:"fail_count"`
	Node        string    `json:"node,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}
