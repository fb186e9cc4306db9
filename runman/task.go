// Package runman drives independent computational tasks to a goal by mapping
// them onto batch scheduler jobs. It owns the retry and kill policies, keeps
// the job database current, and survives restarts by replaying it.
package runman

import (
	"sync"

	"github.com/pkg/errors"
)

// Partial is one increment of task progress, parsed from a job log.
type Partial struct {
	NPoints int
	Line    string
}

// Task is one unit of work. A task outlives any single job: it may take
// several submissions (and several failures) to drive a task to its goal.
// Implementations must be safe for concurrent Result calls while the
// controller feeds AddResult.
type Task interface {
	// IsDone reports whether the task needs no more jobs.
	IsDone() bool

	// AddResult folds one observed progress increment into the task.
	AddResult(p Partial) error

	// Result returns the task's accumulated result for reporting.
	Result() interface{}
}

// Goal decides when a task is finished. The zero goal is Task.IsDone; a
// caller-supplied goal may be stricter or looser than the task's own notion.
type Goal func(t Task) bool

// DoneGoal defers to the task itself.
func DoneGoal(t Task) bool { return t.IsDone() }

// NPointsGoal is met once a point-counting task has accumulated n points.
func NPointsGoal(n int) Goal {
	return func(t Task) bool {
		pt, ok := t.(*PointTask)
		return ok && pt.NPoints() >= n
	}
}

// PointTask counts points produced by its jobs. Progress markers carry the
// cumulative count, so AddResult keeps the maximum seen rather than summing.
type PointTask struct {
	mu      sync.Mutex
	target  int
	npoints int
}

func NewPointTask(target int) *PointTask {
	return &PointTask{target: target}
}

func (t *PointTask) AddResult(p Partial) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.NPoints < 0 {
		return errors.Errorf("negative npoints %d", p.NPoints)
	}
	if p.NPoints > t.npoints {
		t.npoints = p.NPoints
	}
	return nil
}

func (t *PointTask) NPoints() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.npoints
}

func (t *PointTask) IsDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.target > 0 && t.npoints >= t.target
}

func (t *PointTask) Result() interface{} { return t.NPoints() }

// SequenceTask collects the raw marker lines its jobs emit, in arrival
// order. It is done once it has collected want lines.
type SequenceTask struct {
	mu    sync.Mutex
	want  int
	lines []string
}

func NewSequenceTask(want int) *SequenceTask {
	return &SequenceTask{want: want}
}

func (t *SequenceTask) AddResult(p Partial) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, p.Line)
	return nil
}

func (t *SequenceTask) IsDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.want > 0 && len(t.lines) >= t.want
}

func (t *SequenceTask) Result() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}
