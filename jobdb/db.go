package jobdb

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidTransition is returned by Upsert when a write would move a
// record along an illegal state-machine edge (including any write that would
// revert a terminal state).
var ErrInvalidTransition = errors.New("invalid job record state transition")

// Database is the durable job table. Implementations are safe for
// concurrent readers with a single logical writer; the run manager
// serializes all mutation through its loop goroutine.
type Database interface {
	// Upsert inserts or updates the record keyed by JobID. The state change
	// relative to the stored record must satisfy ValidTransition.
	Upsert(rec JobRecord) error

	// Get returns the current record for the given job.
	Get(id JobID) (JobRecord, bool)

	// All returns every record in insertion order.
	All() []JobRecord

	// ActiveForTask returns the non-terminal records bound to a task.
	ActiveForTask(taskIndex int) []JobRecord

	// Snapshot forces the current state to stable storage. It is the
	// recovery point after a crash.
	Snapshot() error

	Close() error
}

// Open chooses a backend by path: sqlite for .db/.sqlite files, the
// append-biased JSONL file store otherwise.
func Open(path string) (Database, error) {
	if strings.HasSuffix(path, ".db") || strings.HasSuffix(path, ".sqlite") {
		return OpenSqlite(path)
	}
	return OpenFile(path)
}
