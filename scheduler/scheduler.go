// Package scheduler adapts an abstract resource request onto a concrete HPC
// batch scheduler. Adapters encode job scripts and shell out to the cluster
// submission commands; the run manager stays agnostic to that encoding and
// only sees Submit/Cancel/Queue.
package scheduler

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hpcsched/runman/common/osexec"
	"github.com/hpcsched/runman/jobdb"
)

// Normalized queue states. Adapters map scheduler-specific states (PBS "Q"/
// "R", SLURM "PENDING"/"RUNNING") onto these; jobs in any other state are
// not reported.
const (
	StateQueued  = "QUEUED"
	StateRunning = "RUNNING"
)

// QueueEntry describes one live job as reported by the scheduler queue.
type QueueEntry struct {
	JobName string
	State   string
	Node    string
	Runtime string
}

// ResourceSpec is the abstract resource request encoded into a submission.
type ResourceSpec struct {
	Cores             int
	CoresPerNode      int // PBS only; 0 means derive a single node
	NumThreads        int
	ExecutorType      string // "mpi4py", "dask-mpi" or "ipyparallel"
	RuntimeExecutable string
	MpiexecExecutable string
	RunScript         string
	LogFolder         string
	ExtraScheduler    []string
	ExtraEnv          []string
}

func (r *ResourceSpec) applyDefaults() {
	if r.Cores == 0 {
		r.Cores = 1
	}
	if r.NumThreads == 0 {
		r.NumThreads = 1
	}
	if r.ExecutorType == "" {
		r.ExecutorType = "mpi4py"
	}
	if r.RuntimeExecutable == "" {
		r.RuntimeExecutable = "python"
	}
	if r.RunScript == "" {
		r.RunScript = "run_learner.py"
	}
}

// Scheduler is the batch scheduler contract consumed by the run manager.
// Submission idempotence is the controller's job: it never calls Submit for
// a task that already has a non-terminal record.
type Scheduler interface {
	// Submit encodes and submits one job under the given name and returns
	// the scheduler-assigned job id. A rejected submission is recoverable;
	// the controller counts it as a job failure.
	Submit(ctx context.Context, name string) (jobdb.JobID, error)

	// Cancel removes the job from the cluster.
	Cancel(ctx context.Context, id jobdb.JobID) error

	// Queue returns all of the caller's queued and running jobs.
	Queue(ctx context.Context) (map[jobdb.JobID]QueueEntry, error)

	// JobScript renders the submission script for a job name.
	JobScript(name string) (string, error)

	// LogPath resolves the job's log file once the job id is known.
	LogPath(name string, id jobdb.JobID) string
}

// Default picks an adapter the way the cluster environment suggests:
// SCHEDULER_SYSTEM wins, then whichever command set is on PATH, then SLURM.
func Default(spec ResourceSpec) Scheduler {
	ex := osexec.NewOsExec()
	switch os.Getenv("SCHEDULER_SYSTEM") {
	case "PBS":
		return NewPBS(spec, ex)
	case "SLURM":
		return NewSLURM(spec, ex)
	case "":
	default:
		log.Warnf("SCHEDULER_SYSTEM=%s is not implemented, use SLURM or PBS; defaulting to SLURM", os.Getenv("SCHEDULER_SYSTEM"))
		return NewSLURM(spec, ex)
	}

	hasPBS := osexec.LookPath("qsub") && osexec.LookPath("qstat")
	hasSLURM := osexec.LookPath("sbatch") && osexec.LookPath("squeue")
	switch {
	case hasPBS && hasSLURM:
		log.Warn("Both SLURM and PBS detected; defaulting to SLURM. Set SCHEDULER_SYSTEM to override.")
		return NewSLURM(spec, ex)
	case hasPBS:
		return NewPBS(spec, ex)
	case hasSLURM:
		return NewSLURM(spec, ex)
	default:
		log.Warn("No scheduler system detected; defaulting to SLURM.")
		return NewSLURM(spec, ex)
	}
}

// CancelAll cancels every live job whose name is in names, re-querying the
// queue until it drains or maxTries is hit. Individual cancel failures are
// logged and retried on the next pass.
func CancelAll(ctx context.Context, s Scheduler, names []string, maxTries int) error {
	want := map[string]bool{}
	for _, n := range names {
		want[n] = true
	}

	var lastErr error
	for try := 0; try < maxTries; try++ {
		queue, err := s.Queue(ctx)
		if err != nil {
			return err
		}
		var ids []jobdb.JobID
		for id, entry := range queue {
			if want[entry.JobName] {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		for _, id := range ids {
			if err := s.Cancel(ctx, id); err != nil {
				log.Warnf("Couldn't cancel %q: %v", id, err)
				lastErr = err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return lastErr
}
