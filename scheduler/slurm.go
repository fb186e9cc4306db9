package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/hpcsched/runman/common/osexec"
	"github.com/hpcsched/runman/jobdb"
)

const slurmJobIDVar = "${SLURM_JOB_ID}"

// squeueFormat is the fixed-width --Format spec used for queue parsing; the
// reasonlist column is last and wide because it may contain spaces.
var squeueFormat = []struct {
	key   string
	width int
}{
	{"jobid", 100},
	{"name", 100},
	{"state", 100},
	{"nodelist", 100},
	{"timeused", 100},
	{"reasonlist", 4000},
}

// SLURM submits through sbatch and reads the queue with squeue.
type SLURM struct {
	spec ResourceSpec
	exec osexec.OsExec
}

func NewSLURM(spec ResourceSpec, ex osexec.OsExec) *SLURM {
	spec.applyDefaults()
	if spec.MpiexecExecutable == "" {
		spec.MpiexecExecutable = "srun --mpi=pmi2"
	}
	return &SLURM{spec: spec, exec: ex}
}

func (s *SLURM) JobScript(name string) (string, error) {
	executor, err := executorSpecific(&s.spec, name, slurmJobIDVar,
		fmt.Sprintf("srun --ntasks %d ipengine --profile=${profile} --cluster-id='' --log-to-file &", s.spec.Cores-1))
	if err != nil {
		return "", err
	}
	output := strings.Replace(logFname(&s.spec, name, slurmJobIDVar), slurmJobIDVar, "%A", 1)
	return fmt.Sprintf(`#!/bin/bash
#SBATCH --job-name %s
#SBATCH --ntasks %d
#SBATCH --no-requeue
#SBATCH --output %s
%s

%s
%s

%s
`, name, s.spec.Cores, output,
		extraSchedulerLines("SBATCH", s.spec.ExtraScheduler),
		threadEnvLines(s.spec.NumThreads),
		extraEnvLines(s.spec.ExtraEnv),
		executor), nil
}

func (s *SLURM) Submit(ctx context.Context, name string) (jobdb.JobID, error) {
	script, err := s.JobScript(name)
	if err != nil {
		return "", err
	}
	fname := name + ".sbatch"
	if err := writeJobScript(fname, script); err != nil {
		return "", errors.Wrapf(err, "writing job script %s", fname)
	}

	var out []byte
	submit := func() error {
		cmd := s.exec.CommandContext(ctx, "sbatch", fname)
		out, err = cmd.Output()
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 4), ctx)
	if err := backoff.Retry(submit, b); err != nil {
		return "", errors.Wrapf(err, "sbatch rejected job %s", name)
	}

	// sbatch prints "Submitted batch job <id>"
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) == 0 {
		return "", errors.Errorf("sbatch returned no job id for %s", name)
	}
	return jobdb.JobID(fields[len(fields)-1]), nil
}

func (s *SLURM) Cancel(ctx context.Context, id jobdb.JobID) error {
	cmd := s.exec.CommandContext(ctx, "scancel", string(id))
	return errors.Wrapf(cmd.Run(), "scancel %s", id)
}

func (s *SLURM) Queue(ctx context.Context) (map[jobdb.JobID]QueueEntry, error) {
	format := make([]string, 0, len(squeueFormat))
	for _, col := range squeueFormat {
		format = append(format, fmt.Sprintf("%s:%d", col.key, col.width))
	}
	args := []string{
		fmt.Sprintf("--Format=%s", strings.Join(format, ",")),
		"--noheader",
		"--array",
	}
	if me := currentUser(); me != "" {
		args = append(args, "--user="+me)
	}
	cmd := s.exec.CommandContext(ctx, "squeue", args...)
	out, err := cmd.Output()
	if err != nil || strings.Contains(string(out), "squeue: error") || strings.Contains(string(out), "slurm_load_jobs error") {
		return nil, errors.Wrap(err, "SLURM is not responding")
	}

	queue := map[jobdb.JobID]QueueEntry{}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		info := parseSqueueLine(line)
		var state string
		switch info["state"] {
		case "RUNNING":
			state = StateRunning
		case "PENDING":
			state = StateQueued
		default:
			continue
		}
		queue[jobdb.JobID(info["jobid"])] = QueueEntry{
			JobName: info["name"],
			State:   state,
			Node:    info["nodelist"],
			Runtime: info["timeused"],
		}
	}
	return queue, nil
}

// parseSqueueLine slices one squeue output line by the fixed column widths
// requested in squeueFormat.
func parseSqueueLine(line string) map[string]string {
	info := map[string]string{}
	runes := []rune(line)
	for _, col := range squeueFormat {
		end := col.width
		if end > len(runes) {
			end = len(runes)
		}
		info[col.key] = strings.TrimSpace(string(runes[:end]))
		runes = runes[end:]
	}
	return info
}

func (s *SLURM) LogPath(name string, id jobdb.JobID) string {
	return strings.Replace(logFname(&s.spec, name, slurmJobIDVar), slurmJobIDVar, string(id), 1)
}
