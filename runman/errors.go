package runman

import "github.com/pkg/errors"

// Error taxonomy for a run. SubmissionError and UnexpectedExit are absorbed
// by the retry policy; PersistentFailure is terminal for one task;
// GlobalAbort is terminal for the whole run.
var (
	// The scheduler rejected a submission. Recoverable; counted as a fail.
	ErrSubmission = errors.New("job submission rejected")

	// A job vanished from the queue without its task meeting the goal.
	// Recoverable; counted as a fail.
	ErrUnexpectedExit = errors.New("job exited unexpectedly")

	// The kill-on-error pattern matched in a job log. Forces a cancel and is
	// then treated as an unexpected exit.
	ErrErrorSignal = errors.New("error signal detected in job log")

	// A task exhausted its fail budget. Terminal for the task only.
	ErrPersistentFailure = errors.New("task failed permanently")

	// Too many failures across the run, or an external cancellation.
	ErrGlobalAbort = errors.New("run aborted")
)
