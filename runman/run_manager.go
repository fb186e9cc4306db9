package runman

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/hpcsched/runman/async"
	"github.com/hpcsched/runman/common/stats"
	"github.com/hpcsched/runman/jobdb"
	"github.com/hpcsched/runman/logmon"
	"github.com/hpcsched/runman/scheduler"
)

// Config tunes one run.
type Config struct {
	// RunID identifies this run in reports and notifications. Empty gets a
	// fresh uuid.
	RunID string

	// JobName prefixes every submitted job name ("<JobName>-<taskIndex>").
	JobName string

	// DBPath is where the job database lives. The run manager receives an
	// opened Database; the path is carried for reporting and tooling.
	DBPath string

	// MaxFailsPerJob is each task's retry budget. A task whose jobs fail
	// more than this many times is permanently failed.
	MaxFailsPerJob int

	// MaxSimultaneousJobs bounds the number of live jobs across all tasks.
	MaxSimultaneousJobs int

	// LogInterval is the queue poll cadence.
	LogInterval time.Duration

	// SaveInterval is the database snapshot cadence.
	SaveInterval time.Duration

	// KillOnError, when non-empty, cancels any job whose log contains it.
	KillOnError string

	// GlobalFailThreshold aborts the whole run once cumulative failures
	// across all tasks reach it. Zero derives len(tasks)*MaxFailsPerJob;
	// negative disables the abort.
	GlobalFailThreshold int

	// PollTimeout bounds each scheduler command (submit, cancel, queue).
	PollTimeout time.Duration

	// DebugMode skips starting the loop; tests drive step() directly.
	DebugMode bool

	// RecoverOnStartup replays the database against the live queue before
	// the first admission, reattaching to surviving jobs.
	RecoverOnStartup bool
}

func (c *Config) applyDefaults(ntasks int) {
	if c.RunID == "" {
		c.RunID = NewRunID()
	}
	if c.JobName == "" {
		c.JobName = "runman"
	}
	if c.MaxFailsPerJob == 0 {
		c.MaxFailsPerJob = 40
	}
	if c.MaxSimultaneousJobs == 0 {
		c.MaxSimultaneousJobs = 500
	}
	if c.LogInterval == 0 {
		c.LogInterval = 30 * time.Second
	}
	if c.SaveInterval == 0 {
		c.SaveInterval = 5 * time.Minute
	}
	if c.GlobalFailThreshold == 0 {
		c.GlobalFailThreshold = ntasks * c.MaxFailsPerJob
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 30 * time.Second
	}
}

type stopRequest struct {
	cancelJobs bool
}

// RunManager maps tasks onto scheduler jobs and drives them to their goals.
// All state is owned by the loop goroutine; external calls communicate
// through channels and the published Report.
type RunManager struct {
	cfg   Config
	sched scheduler.Scheduler
	db    jobdb.Database
	mon   *logmon.Monitor
	stat  stats.StatsReceiver

	runID string
	tasks []*taskState
	byJob map[jobdb.JobID]*taskState

	runner  async.Runner
	eventCh chan logmon.Event
	stopCh  chan stopRequest
	doneCh  chan struct{}

	limiter      *rate.Limiter
	pollInFlight bool
	lastSave     time.Time
	started      time.Time

	stopping      bool
	stopRequested bool
	totalFails    int
	abortErr      error

	listeners []TransitionListener
	debug     Listener

	statusMu sync.Mutex
	status   Report
}

// NewRunManager builds the controller and, unless DebugMode is set, starts
// its loop. Tasks whose goal is already met get no jobs at all. With
// RecoverOnStartup the database is replayed synchronously first, so a
// restarted run never double-submits a task that still has a live job.
func NewRunManager(tasks []Task, goal Goal, sch scheduler.Scheduler, db jobdb.Database,
	mon *logmon.Monitor, cfg Config, stat stats.StatsReceiver,
	listeners ...TransitionListener) (*RunManager, error) {

	cfg.applyDefaults(len(tasks))
	if goal == nil {
		goal = DoneGoal
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	if mon == nil {
		mon = logmon.NewMonitor(cfg.KillOnError, cfg.LogInterval)
	}
	var debug Listener = noopListener{}
	if log.IsLevelEnabled(log.DebugLevel) {
		debug = DebugListener{}
	}

	m := &RunManager{
		cfg:       cfg,
		sched:     sch,
		db:        db,
		mon:       mon,
		stat:      stat.Scope("runman"),
		runID:     cfg.RunID,
		byJob:     make(map[jobdb.JobID]*taskState),
		runner:    async.NewRunner(),
		eventCh:   make(chan logmon.Event, 64),
		stopCh:    make(chan stopRequest, 1),
		doneCh:    make(chan struct{}),
		limiter:   rate.NewLimiter(rate.Every(cfg.LogInterval), 1),
		lastSave:  time.Now(),
		started:   time.Now(),
		listeners: listeners,
		debug:     debug,
	}
	for i, t := range tasks {
		ts := &taskState{
			index:   i,
			task:    t,
			goal:    goal,
			jobName: fmt.Sprintf("%s-%d", cfg.JobName, i),
		}
		if goal(t) {
			ts.state = Completed
		}
		m.tasks = append(m.tasks, ts)
	}

	if cfg.RecoverOnStartup {
		if err := m.recoverState(); err != nil {
			return nil, err
		}
	}
	m.publishStatus()

	if !cfg.DebugMode {
		go m.loop()
	}
	return m, nil
}

// SetListener installs a debug listener. Call before the first step.
func (m *RunManager) SetListener(l Listener) {
	if l != nil {
		m.debug = l
	}
}

func (m *RunManager) RunID() string { return m.runID }

// Stop asks the loop to wind down. With cancelJobs the live jobs are
// cancelled on the cluster; without it they are left running unmanaged.
// A pending request is merged, never downgraded: once any caller asked for
// the jobs to be cancelled, they will be.
func (m *RunManager) Stop(cancelJobs bool) {
	for {
		select {
		case m.stopCh <- stopRequest{cancelJobs: cancelJobs}:
			return
		default:
		}
		select {
		case pending := <-m.stopCh:
			cancelJobs = cancelJobs || pending.cancelJobs
		default:
		}
	}
}

// Wait blocks until the loop has wound down and returns the final report.
func (m *RunManager) Wait() Report {
	<-m.doneCh
	return m.Status()
}

// Status returns the report published by the most recent step.
func (m *RunManager) Status() Report {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.status
}

func (m *RunManager) loop() {
	for !m.finished() {
		m.step()
		time.Sleep(50 * time.Millisecond)
	}
	m.finalize()
}

// step makes one pass over the controller's duties. Every mutation of task
// and record state happens here, on the loop goroutine.
func (m *RunManager) step() {
	m.processStopRequests()
	m.runner.ProcessMessages()
	m.processLogEvents()
	m.evaluateGoals()
	m.pollQueue()
	m.admitTasks()
	m.checkpoint()
	m.checkGlobalStop()
	m.publishStatus()
}

func (m *RunManager) finished() bool {
	return m.stopping && m.runner.NumRunning() == 0
}

func (m *RunManager) finalize() {
	for _, ts := range m.tasks {
		m.detachJob(ts)
	}
	if err := m.db.Snapshot(); err != nil {
		log.Warnf("Final snapshot failed: %v", err)
	}
	m.publishStatus()
	close(m.doneCh)
}

func (m *RunManager) processStopRequests() {
	select {
	case req := <-m.stopCh:
		log.Infof("Stop requested (cancelJobs=%v)", req.cancelJobs)
		m.stopping = true
		m.stopRequested = true
		if req.cancelJobs {
			m.cancelLiveJobs()
		}
	default:
	}
}

func (m *RunManager) processLogEvents() {
	for {
		select {
		case ev := <-m.eventCh:
			m.handleLogEvent(ev)
		default:
			return
		}
	}
}

func (m *RunManager) handleLogEvent(ev logmon.Event) {
	ts, ok := m.byJob[ev.JobID]
	if !ok || ts.jobID != ev.JobID {
		// tail of a job we already detached
		return
	}
	m.debug.LogEvent(ev)

	switch ev.Kind {
	case logmon.ProgressEvent:
		m.stat.Counter("progressEvents").Inc(1)
		if err := ts.task.AddResult(Partial{NPoints: ev.NPoints, Line: ev.Line}); err != nil {
			log.Warnf("Task %d rejected progress %q: %v", ts.index, ev.Line, err)
		}
	case logmon.ErrorSignalEvent:
		log.Errorf("Kill-on-error matched for job %s (task %d): %q", ev.JobID, ts.index, ev.Line)
		m.stat.Counter("errorSignals").Inc(1)
		m.cancelJob(ts)
		m.taskFailed(ts, ErrErrorSignal)
	}
}

// evaluateGoals completes tasks that meet their goal without holding a job.
// Attached tasks are judged during reconcile, where the queue snapshot tells
// a finished exit (Done) apart from an idle live job (released as Cancelled).
func (m *RunManager) evaluateGoals() {
	for _, ts := range m.tasks {
		if ts.state.IsTerminal() || ts.jobID != "" || !ts.goal(ts.task) {
			continue
		}
		m.completeTask(ts)
	}
}

func (m *RunManager) pollQueue() {
	if m.pollInFlight || m.liveCount() == 0 || !m.limiter.Allow() {
		return
	}
	m.pollInFlight = true
	m.stat.Counter("queuePolls").Inc(1)
	lat := m.stat.Latency("queueLatency_ms").Time()

	var queue map[jobdb.JobID]scheduler.QueueEntry
	m.runner.RunAsync(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PollTimeout)
		defer cancel()
		var err error
		queue, err = m.sched.Queue(ctx)
		return err
	}, func(err error) {
		m.pollInFlight = false
		lat.Stop()
		if err != nil {
			// transient; liveness just gets re-checked next poll
			log.Warnf("Queue poll failed: %v", err)
			m.stat.Counter("queuePollFailures").Inc(1)
			return
		}
		m.reconcile(queue)
	})
}

// reconcile folds one queue snapshot into task and record state. A job
// absent from the queue has exited: if its task's goal is met the exit is
// the normal end of work, otherwise it is an unexpected exit and the retry
// policy applies.
func (m *RunManager) reconcile(queue map[jobdb.JobID]scheduler.QueueEntry) {
	m.debug.QueueReply(queue)
	now := time.Now()

	for _, ts := range m.tasks {
		if ts.jobID == "" || (ts.state != Submitted && ts.state != Active) {
			continue
		}
		rec, ok := m.db.Get(ts.jobID)
		if !ok {
			log.Errorf("No record for live job %s (task %d); detaching", ts.jobID, ts.index)
			m.detachJob(ts)
			m.transition(ts, Retrying)
			continue
		}

		entry, live := queue[ts.jobID]
		if live {
			if ts.goal(ts.task) {
				// goal met while the job is still up: idle-release it
				m.cancelJob(ts)
				m.completeTask(ts)
				continue
			}
			m.transition(ts, Active)
			to := jobdb.Queued
			if entry.State == scheduler.StateRunning {
				to = jobdb.Running
			}
			rec.Node = entry.Node
			rec.LastSeenAt = now
			m.persist(rec, to)
			continue
		}

		// Freshly submitted jobs may not show up in the very next queue
		// snapshot; give them a grace window before declaring them gone.
		if rec.State == jobdb.Pending && now.Sub(rec.SubmittedAt) < 2*m.cfg.LogInterval {
			continue
		}

		if ts.goal(ts.task) {
			m.persist(rec, jobdb.Done)
			m.completeTask(ts)
		} else {
			m.persist(rec, jobdb.Failed)
			m.taskFailed(ts, ErrUnexpectedExit)
		}
	}
}

// admitTasks submits jobs for tasks that need one, bounded by
// MaxSimultaneousJobs. A task with a surviving non-terminal record is
// adopted (or repaired) instead of resubmitted.
func (m *RunManager) admitTasks() {
	if m.stopping {
		return
	}
	budget := m.cfg.MaxSimultaneousJobs - m.liveCount()
	for _, ts := range m.tasks {
		if budget <= 0 {
			return
		}
		if !ts.state.NeedsJob() {
			continue
		}
		if active := m.db.ActiveForTask(ts.index); len(active) > 0 {
			m.adoptOrRepair(ts, active)
			budget--
			continue
		}
		m.submit(ts)
		budget--
	}
}

func (m *RunManager) submit(ts *taskState) {
	m.transition(ts, Submitted)
	m.stat.Counter("submits").Inc(1)
	name := ts.jobName

	var id jobdb.JobID
	m.runner.RunAsync(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PollTimeout)
		defer cancel()
		var err error
		id, err = m.sched.Submit(ctx, name)
		return err
	}, func(err error) {
		if err != nil {
			log.Warnf("Submission for task %d (%s) rejected: %v", ts.index, name, err)
			m.stat.Counter("submitFailures").Inc(1)
			m.taskFailed(ts, errors.Wrap(ErrSubmission, err.Error()))
			return
		}
		now := time.Now()
		rec := jobdb.JobRecord{
			JobID:       id,
			JobName:     name,
			TaskIndex:   ts.index,
			State:       jobdb.Pending,
			FailCount:   ts.failCount,
			SubmittedAt: now,
			LastSeenAt:  now,
		}
		if err := m.db.Upsert(rec); err != nil {
			log.Errorf("Couldn't record submission %s: %v", id, err)
		}
		m.notifyTransition(rec, rec.State)
		if m.stopping || ts.state.IsTerminal() {
			// the run wound down, or the goal was met, while the
			// submission was in flight
			m.asyncCancel(id)
			m.persist(rec, jobdb.Cancelled)
			return
		}
		m.attach(ts, rec)
	})
}

// adoptOrRepair binds the task to the newest of its non-terminal records and
// cancels the rest. More than one live record breaks the one-live-job
// invariant and is logged as such.
func (m *RunManager) adoptOrRepair(ts *taskState, active []jobdb.JobRecord) {
	newest := active[0]
	for _, r := range active[1:] {
		if r.SubmittedAt.After(newest.SubmittedAt) {
			newest = r
		}
	}
	for _, r := range active {
		if r.JobID == newest.JobID {
			continue
		}
		log.Errorf("Task %d has multiple live jobs; cancelling %s in favor of %s", ts.index, r.JobID, newest.JobID)
		m.stat.Counter("duplicateJobRepairs").Inc(1)
		m.asyncCancel(r.JobID)
		m.persist(r, jobdb.Cancelled)
	}
	log.Infof("Task %d adopting surviving job %s", ts.index, newest.JobID)
	m.attach(ts, newest)
}

// attach binds a live record to its task and starts tailing the job log.
func (m *RunManager) attach(ts *taskState, rec jobdb.JobRecord) {
	ts.jobID = rec.JobID
	m.byJob[rec.JobID] = ts
	if rec.State == jobdb.Pending {
		m.transition(ts, Submitted)
	} else {
		m.transition(ts, Active)
	}
	ts.tail = m.mon.Watch(context.Background(), rec.JobID, m.sched.LogPath(ts.jobName, rec.JobID))
	go m.forward(ts.tail)
}

func (m *RunManager) forward(t *logmon.Tail) {
	for ev := range t.Events() {
		select {
		case m.eventCh <- ev:
		case <-m.doneCh:
			return
		}
	}
}

func (m *RunManager) detachJob(ts *taskState) {
	if ts.tail != nil {
		ts.tail.Stop()
		ts.tail = nil
	}
	if ts.jobID != "" {
		delete(m.byJob, ts.jobID)
		ts.jobID = ""
	}
}

// cancelJob cancels the task's live job on the cluster and closes out its
// record. The job stays attached; callers decide the task's next state.
func (m *RunManager) cancelJob(ts *taskState) {
	if ts.jobID == "" {
		return
	}
	m.stat.Counter("cancels").Inc(1)
	m.asyncCancel(ts.jobID)
	if rec, ok := m.db.Get(ts.jobID); ok && !rec.State.IsTerminal() {
		m.persist(rec, jobdb.Cancelled)
	}
}

func (m *RunManager) asyncCancel(id jobdb.JobID) {
	m.runner.RunAsync(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PollTimeout)
		defer cancel()
		return m.sched.Cancel(ctx, id)
	}, func(err error) {
		if err != nil {
			log.Warnf("Couldn't cancel job %s: %v", id, err)
		}
	})
}

func (m *RunManager) cancelLiveJobs() {
	for _, ts := range m.tasks {
		if ts.jobID == "" {
			continue
		}
		m.cancelJob(ts)
		m.detachJob(ts)
	}
}

func (m *RunManager) completeTask(ts *taskState) {
	m.detachJob(ts)
	m.transition(ts, Completed)
	m.stat.Counter("tasksCompleted").Inc(1)
	log.Infof("Task %d completed", ts.index)
}

// taskFailed applies the retry policy after any kind of job failure.
func (m *RunManager) taskFailed(ts *taskState, cause error) {
	m.detachJob(ts)
	m.totalFails++
	m.stat.Counter("taskFails").Inc(1)
	if ts.failCount < m.cfg.MaxFailsPerJob {
		ts.failCount++
		m.transition(ts, Retrying)
		log.Infof("Task %d failed (%v); will retry, fail %d of %d", ts.index, cause, ts.failCount, m.cfg.MaxFailsPerJob)
	} else {
		m.transition(ts, PermanentlyFailed)
		m.stat.Counter("tasksPermanentlyFailed").Inc(1)
		log.Errorf("Task %d failed permanently: %v (%v)", ts.index, ErrPersistentFailure, cause)
	}
}

func (m *RunManager) checkpoint() {
	if time.Since(m.lastSave) < m.cfg.SaveInterval {
		return
	}
	m.lastSave = time.Now()
	m.runner.RunAsync(m.db.Snapshot, func(err error) {
		if err != nil {
			log.Warnf("Snapshot failed: %v", err)
		}
	})
}

func (m *RunManager) checkGlobalStop() {
	if m.abortErr == nil && m.cfg.GlobalFailThreshold > 0 && m.totalFails >= m.cfg.GlobalFailThreshold {
		m.abortErr = errors.Wrapf(ErrGlobalAbort, "%d failures reached the global threshold %d",
			m.totalFails, m.cfg.GlobalFailThreshold)
		log.Error(m.abortErr)
		m.stopping = true
		m.cancelLiveJobs()
	}
	if !m.stopping && m.allSettled() {
		log.Infof("All %d tasks settled; winding down", len(m.tasks))
		m.stopping = true
	}
}

func (m *RunManager) allSettled() bool {
	for _, ts := range m.tasks {
		if !ts.state.IsTerminal() {
			return false
		}
	}
	return true
}

func (m *RunManager) liveCount() int {
	n := 0
	for _, ts := range m.tasks {
		if ts.state == Submitted || ts.state == Active {
			n++
		}
	}
	return n
}

func (m *RunManager) transition(ts *taskState, to TaskState) {
	if ts.state == to {
		return
	}
	m.debug.TaskTransition(ts.index, ts.state, to)
	log.Debugf("Task %d: %v -> %v", ts.index, ts.state, to)
	ts.state = to
}

// persist writes a record state change, walking through Queued when a
// Pending record is observed directly in a later state. Listeners fire once
// per state actually changed.
func (m *RunManager) persist(rec jobdb.JobRecord, to jobdb.State) {
	if rec.State == jobdb.Pending && (to == jobdb.Running || to == jobdb.Done) {
		m.persist(rec, jobdb.Queued)
		rec.State = jobdb.Queued
	}
	from := rec.State
	rec.State = to
	if err := m.db.Upsert(rec); err != nil {
		log.Errorf("Couldn't persist job %s %v -> %v: %v", rec.JobID, from, to, err)
		return
	}
	if from != to {
		m.stat.Counter("jobTransitions").Inc(1)
		m.notifyTransition(rec, from)
	}
}

func (m *RunManager) notifyTransition(rec jobdb.JobRecord, prev jobdb.State) {
	for _, l := range m.listeners {
		l.JobTransition(rec, prev)
	}
}

func (m *RunManager) publishStatus() {
	rep := Report{
		RunID:      m.runID,
		JobName:    m.cfg.JobName,
		StartedAt:  m.started,
		Done:       m.allSettled(),
		Stopped:    m.stopRequested,
		Aborted:    m.abortErr != nil,
		TotalFails: m.totalFails,
	}
	if m.abortErr != nil {
		rep.AbortReason = m.abortErr.Error()
	}
	for _, ts := range m.tasks {
		rep.Tasks = append(rep.Tasks, TaskStatus{
			Index:     ts.index,
			State:     ts.state.String(),
			FailCount: ts.failCount,
			JobID:     ts.jobID,
			Result:    ts.task.Result(),
		})
	}
	m.stat.Gauge("liveJobs").Update(int64(m.liveCount()))

	m.statusMu.Lock()
	m.status = rep
	m.statusMu.Unlock()
}

// NewRunID generates a fresh run identity.
func NewRunID() string {
	for {
		if u, err := uuid.NewV4(); err == nil {
			return u.String()
		}
	}
}
