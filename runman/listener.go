package runman

import (
	"github.com/luci/go-render/render"
	log "github.com/sirupsen/logrus"

	"github.com/hpcsched/runman/jobdb"
	"github.com/hpcsched/runman/logmon"
	"github.com/hpcsched/runman/scheduler"
)

// Listener observes controller decisions as they happen on the loop
// goroutine. Implementations must not block.
type Listener interface {
	TaskTransition(index int, from, to TaskState)
	LogEvent(ev logmon.Event)
	QueueReply(queue map[jobdb.JobID]scheduler.QueueEntry)
}

type noopListener struct{}

func (noopListener) TaskTransition(int, TaskState, TaskState)        {}
func (noopListener) LogEvent(logmon.Event)                           {}
func (noopListener) QueueReply(map[jobdb.JobID]scheduler.QueueEntry) {}

// DebugListener dumps every observation at debug level, rendering values
// with go-render so nested structs stay readable in the log.
type DebugListener struct{}

func (DebugListener) TaskTransition(index int, from, to TaskState) {
	log.Debugf("Task %d: %v -> %v", index, from, to)
}

func (DebugListener) LogEvent(ev logmon.Event) {
	log.Debugf("Log event: %s", render.Render(ev))
}

func (DebugListener) QueueReply(queue map[jobdb.JobID]scheduler.QueueEntry) {
	log.Debugf("Queue reply: %s", render.Render(queue))
}

// TransitionListener is notified after every persisted job record state
// change, with the state the record moved from. Creation is reported with
// prev equal to the new record's state.
type TransitionListener interface {
	JobTransition(rec jobdb.JobRecord, prev jobdb.State)
}
