package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/hpcsched/runman/jobdb"
)

// Fake is an in-memory scheduler for tests and the CLI demo mode. Submitted
// jobs sit in the queue until a test (or the demo driver) moves them with
// Run/Exit.
type Fake struct {
	mu     sync.Mutex
	nextID int
	live   map[jobdb.JobID]QueueEntry
	logDir string

	// SubmitErr, when set, makes every Submit fail.
	SubmitErr error
	// SubmitErrFor makes Submit fail for specific job names.
	SubmitErrFor map[string]error
}

func NewFake(logDir string) *Fake {
	return &Fake{
		live:         make(map[jobdb.JobID]QueueEntry),
		logDir:       logDir,
		SubmitErrFor: make(map[string]error),
	}
}

func (f *Fake) Submit(ctx context.Context, name string) (jobdb.JobID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	if err := f.SubmitErrFor[name]; err != nil {
		return "", err
	}
	f.nextID++
	id := jobdb.JobID(fmt.Sprintf("%d.fake", f.nextID))
	f.live[id] = QueueEntry{JobName: name, State: StateQueued}
	return id, nil
}

func (f *Fake) Cancel(ctx context.Context, id jobdb.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, id)
	return nil
}

func (f *Fake) Queue(ctx context.Context) (map[jobdb.JobID]QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[jobdb.JobID]QueueEntry, len(f.live))
	for id, e := range f.live {
		out[id] = e
	}
	return out, nil
}

func (f *Fake) JobScript(name string) (string, error) {
	return "#!/bin/sh\n# fake job " + name + "\n", nil
}

func (f *Fake) LogPath(name string, id jobdb.JobID) string {
	return filepath.Join(f.logDir, fmt.Sprintf("%s-%s.log", name, id))
}

// Run marks a queued job as running.
func (f *Fake) Run(id jobdb.JobID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.live[id]; ok {
		e.State = StateRunning
		e.Node = "fakenode1"
		f.live[id] = e
	}
}

// Exit removes a job from the queue, as if it finished or crashed.
func (f *Fake) Exit(id jobdb.JobID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, id)
}

// Lookup returns the ids of live jobs with the given name.
func (f *Fake) Lookup(name string) []jobdb.JobID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []jobdb.JobID
	for id, e := range f.live {
		if e.JobName == name {
			ids = append(ids, id)
		}
	}
	return ids
}
