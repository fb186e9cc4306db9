package runman

import (
	"fmt"

	"github.com/hpcsched/runman/jobdb"
	"github.com/hpcsched/runman/logmon"
)

// TaskState is the controller-side lifecycle of one task. It is distinct
// from jobdb.State: a task accumulates many job records over its life, but
// holds at most one live job at a time.
type TaskState int

const (
	// No job yet.
	Unassigned TaskState = iota

	// A submission is in flight or acknowledged but not yet seen in the queue.
	Submitted

	// The task's job is visible in the scheduler queue.
	Active

	// The last job failed and the fail budget allows another submission.
	Retrying

	// The goal is met. Terminal.
	Completed

	// The fail budget is exhausted. Terminal.
	PermanentlyFailed
)

func (s TaskState) IsTerminal() bool {
	return s == Completed || s == PermanentlyFailed
}

// NeedsJob reports whether the task is waiting for a submission.
func (s TaskState) NeedsJob() bool {
	return s == Unassigned || s == Retrying
}

func (s TaskState) String() string {
	switch s {
	case Unassigned:
		return "UNASSIGNED"
	case Submitted:
		return "SUBMITTED"
	case Active:
		return "ACTIVE"
	case Retrying:
		return "RETRYING"
	case Completed:
		return "COMPLETED"
	case PermanentlyFailed:
		return "PERMANENTLY_FAILED"
	default:
		panic(fmt.Sprintf("Unexpected runman.TaskState %v", int(s)))
	}
}

// taskState is the loop-owned bookkeeping for one task. Only the loop
// goroutine touches it; Status readers get copies via the published report.
type taskState struct {
	index     int
	task      Task
	goal      Goal
	state     TaskState
	failCount int

	// current live job, if any
	jobID   jobdb.JobID
	jobName string
	tail    *logmon.Tail
}
