// Package config loads the JSON run configuration. Each section knows how
// to Create() the component it describes, so binaries stay a thin wiring
// layer over the sections.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/hpcsched/runman/common/osexec"
	"github.com/hpcsched/runman/jobdb"
	"github.com/hpcsched/runman/notify"
	"github.com/hpcsched/runman/runman"
	"github.com/hpcsched/runman/scheduler"
)

type Config struct {
	Run       RunConfig       `json:"run"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Database  DatabaseConfig  `json:"database"`
	Notify    NotifyConfig    `json:"notify"`
}

// DefaultConfig is the baseline every loaded file overlays.
func DefaultConfig() Config {
	return Config{
		Run: RunConfig{
			JobName:             "runman",
			NTasks:              1,
			MaxFailsPerJob:      40,
			MaxSimultaneousJobs: 500,
			LogIntervalSec:      30,
			SaveIntervalSec:     300,
			RecoverOnStartup:    true,
		},
		Scheduler: SchedulerConfig{
			Cores:     1,
			LogFolder: ".",
		},
		Database: DatabaseConfig{
			Path: "runman-jobs.jsonl",
		},
	}
}

// Parse overlays JSON onto the defaults.
func Parse(data []byte) (Config, error) {
	c := DefaultConfig()
	if len(data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, errors.Wrap(err, "parsing config")
	}
	if c.Run.NTasks <= 0 {
		return Config{}, errors.Errorf("run.n_tasks must be positive, got %d", c.Run.NTasks)
	}
	return c, nil
}

// Load reads and parses a config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %s", path)
	}
	return Parse(data)
}

// RunConfig drives the run manager itself.
type RunConfig struct {
	JobName             string `json:"job_name"`
	NTasks              int    `json:"n_tasks"`
	GoalNPoints         int    `json:"goal_npoints"`
	MaxFailsPerJob      int    `json:"max_fails_per_job"`
	MaxSimultaneousJobs int    `json:"max_simultaneous_jobs"`
	LogIntervalSec      int    `json:"log_interval_sec"`
	SaveIntervalSec     int    `json:"save_interval_sec"`
	KillOnError         string `json:"kill_on_error"`
	GlobalFailThreshold int    `json:"global_fail_threshold"`
	RecoverOnStartup    bool   `json:"recover_on_startup"`
}

// Create builds the controller config, the tasks, and their goal.
func (c RunConfig) Create(dbPath string) (runman.Config, []runman.Task, runman.Goal) {
	cfg := runman.Config{
		JobName:             c.JobName,
		DBPath:              dbPath,
		MaxFailsPerJob:      c.MaxFailsPerJob,
		MaxSimultaneousJobs: c.MaxSimultaneousJobs,
		LogInterval:         time.Duration(c.LogIntervalSec) * time.Second,
		SaveInterval:        time.Duration(c.SaveIntervalSec) * time.Second,
		KillOnError:         c.KillOnError,
		GlobalFailThreshold: c.GlobalFailThreshold,
		RecoverOnStartup:    c.RecoverOnStartup,
	}
	tasks := make([]runman.Task, c.NTasks)
	for i := range tasks {
		tasks[i] = runman.NewPointTask(c.GoalNPoints)
	}
	var goal runman.Goal = runman.DoneGoal
	if c.GoalNPoints > 0 {
		goal = runman.NPointsGoal(c.GoalNPoints)
	}
	return cfg, tasks, goal
}

// JobNames lists every job name the run can submit, for cancel tooling.
func (c RunConfig) JobNames() []string {
	names := make([]string, c.NTasks)
	for i := range names {
		names[i] = fmt.Sprintf("%s-%d", c.JobName, i)
	}
	return names
}

// SchedulerConfig selects and parameterizes the batch scheduler adapter.
type SchedulerConfig struct {
	Type              string   `json:"type"` // "pbs", "slurm", "fake" or "" for autodetect
	Cores             int      `json:"cores"`
	CoresPerNode      int      `json:"cores_per_node"`
	NumThreads        int      `json:"num_threads"`
	Executor          string   `json:"executor"`
	RuntimeExecutable string   `json:"runtime_executable"`
	MpiexecExecutable string   `json:"mpiexec_executable"`
	RunScript         string   `json:"run_script"`
	LogFolder         string   `json:"log_folder"`
	ExtraScheduler    []string `json:"extra_scheduler"`
	ExtraEnv          []string `json:"extra_env"`
}

func (c SchedulerConfig) spec() scheduler.ResourceSpec {
	return scheduler.ResourceSpec{
		Cores:             c.Cores,
		CoresPerNode:      c.CoresPerNode,
		NumThreads:        c.NumThreads,
		ExecutorType:      c.Executor,
		RuntimeExecutable: c.RuntimeExecutable,
		MpiexecExecutable: c.MpiexecExecutable,
		RunScript:         c.RunScript,
		LogFolder:         c.LogFolder,
		ExtraScheduler:    c.ExtraScheduler,
		ExtraEnv:          c.ExtraEnv,
	}
}

func (c SchedulerConfig) Create() (scheduler.Scheduler, error) {
	switch c.Type {
	case "pbs":
		return scheduler.NewPBS(c.spec(), osexec.NewOsExec()), nil
	case "slurm":
		return scheduler.NewSLURM(c.spec(), osexec.NewOsExec()), nil
	case "fake":
		return scheduler.NewFake(c.LogFolder), nil
	case "":
		return scheduler.Default(c.spec()), nil
	default:
		return nil, errors.Errorf("unknown scheduler type %q", c.Type)
	}
}

// DatabaseConfig locates the job database.
type DatabaseConfig struct {
	Path string `json:"path"`
}

func (c DatabaseConfig) Create() (jobdb.Database, error) {
	return jobdb.Open(c.Path)
}

// NotifyConfig wires the optional NATS transition publisher. An empty URL
// disables publishing; Create then returns a nil (no-op) publisher.
type NotifyConfig struct {
	URL string `json:"url"`
}

func (c NotifyConfig) Create(runID string) (*notify.Publisher, error) {
	if c.URL == "" {
		return nil, nil
	}
	return notify.Connect(c.URL, runID)
}
