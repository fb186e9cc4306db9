package runman

import (
	"time"

	"github.com/hpcsched/runman/jobdb"
)

// TaskStatus is one task's externally visible state.
type TaskStatus struct {
	Index     int         `json:"index"`
	State     string      `json:"state"`
	FailCount int         `json:"fail_count"`
	JobID     jobdb.JobID `json:"job_id,omitempty"`
	Result    interface{} `json:"result,omitempty"`
}

// Report is a point-in-time snapshot of the run, safe to hand to callers on
// other goroutines. Wait returns the final one.
type Report struct {
	RunID       string       `json:"run_id"`
	JobName     string       `json:"job_name"`
	StartedAt   time.Time    `json:"started_at"`
	Done        bool         `json:"done"`
	Stopped     bool         `json:"stopped"`
	Aborted     bool         `json:"aborted"`
	AbortReason string       `json:"abort_reason,omitempty"`
	TotalFails  int          `json:"total_fails"`
	Tasks       []TaskStatus `json:"tasks"`
}

// Completed returns the indexes of tasks that met their goal.
func (r Report) Completed() []int {
	return r.indexesIn(Completed.String())
}

// Failed returns the indexes of permanently failed tasks.
func (r Report) Failed() []int {
	return r.indexesIn(PermanentlyFailed.String())
}

func (r Report) indexesIn(state string) []int {
	var out []int
	for _, t := range r.Tasks {
		if t.State == state {
			out = append(out, t.Index)
		}
	}
	return out
}
