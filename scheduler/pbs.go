package scheduler

import (
	"context"
	"fmt"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/hpcsched/runman/common/osexec"
	"github.com/hpcsched/runman/jobdb"
)

const pbsJobIDVar = "${PBS_JOBID}"

// PBS submits through qsub and reads the queue with qstat -f.
type PBS struct {
	spec         ResourceSpec
	exec         osexec.OsExec
	nnodes       int
	coresPerNode int
}

func NewPBS(spec ResourceSpec, ex osexec.OsExec) *PBS {
	spec.applyDefaults()
	if spec.MpiexecExecutable == "" {
		spec.MpiexecExecutable = "mpiexec"
	}
	p := &PBS{spec: spec, exec: ex}
	p.calculateNodes()
	return p
}

// calculateNodes derives the nodes=N:ppn=M resource line. When CoresPerNode
// is unset we ask qnodes for the most common node size; if that fails every
// core gets its own node, which always fits.
func (p *PBS) calculateNodes() {
	if p.spec.CoresPerNode == 0 {
		guessed, err := p.guessCoresPerNode()
		if err != nil {
			log.Warnf("Couldn't guess cores per node (%v); using nodes=%d:ppn=1. Set CoresPerNode to override.", err, p.spec.Cores)
			p.nnodes = p.spec.Cores
			p.coresPerNode = 1
			return
		}
		p.nnodes = (p.spec.Cores + guessed - 1) / guessed
		p.coresPerNode = (p.spec.Cores + p.nnodes - 1) / p.nnodes
		if total := p.nnodes * p.coresPerNode; total != p.spec.Cores {
			log.Warnf("Cores changed from %d to %d to fill nodes=%d:ppn=%d", p.spec.Cores, total, p.nnodes, p.coresPerNode)
			p.spec.Cores = total
		}
		return
	}
	if p.spec.Cores%p.spec.CoresPerNode != 0 {
		log.Warnf("Cores (%d) is not a multiple of CoresPerNode (%d); rounding node count up", p.spec.Cores, p.spec.CoresPerNode)
	}
	p.coresPerNode = p.spec.CoresPerNode
	p.nnodes = (p.spec.Cores + p.spec.CoresPerNode - 1) / p.spec.CoresPerNode
}

func (p *PBS) JobScript(name string) (string, error) {
	executor, err := executorSpecific(&p.spec, name, pbsJobIDVar,
		fmt.Sprintf("%s -n %d ipengine --profile=${profile} --mpi --cluster-id='' --log-to-file &", p.spec.MpiexecExecutable, p.spec.Cores-1))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`#!/bin/sh
#PBS -l nodes=%d:ppn=%d
#PBS -V
#PBS -N %s
#PBS -o /tmp/placeholder
#PBS -e /tmp/placeholder
%s

%s
%s

cd $PBS_O_WORKDIR

%s
`, p.nnodes, p.coresPerNode, name,
		extraSchedulerLines("PBS", p.spec.ExtraScheduler),
		threadEnvLines(p.spec.NumThreads),
		extraEnvLines(p.spec.ExtraEnv),
		executor), nil
}

// Submit writes the batch file and qsubs it. qsub is retried briefly since
// PBS frontends reject submissions transiently under load. The "-k oe" flag
// makes PBS stream output during the run instead of at job end.
func (p *PBS) Submit(ctx context.Context, name string) (jobdb.JobID, error) {
	script, err := p.JobScript(name)
	if err != nil {
		return "", err
	}
	fname := name + ".batch"
	if err := writeJobScript(fname, script); err != nil {
		return "", errors.Wrapf(err, "writing job script %s", fname)
	}

	var out []byte
	submit := func() error {
		cmd := p.exec.CommandContext(ctx, "qsub", "-k", "oe", fname)
		out, err = cmd.Output()
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 4), ctx)
	if err := backoff.Retry(submit, b); err != nil {
		return "", errors.Wrapf(err, "qsub rejected job %s", name)
	}

	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", errors.Errorf("qsub returned no job id for %s", name)
	}
	return jobdb.JobID(id), nil
}

func (p *PBS) Cancel(ctx context.Context, id jobdb.JobID) error {
	cmd := p.exec.CommandContext(ctx, "qdel", string(id))
	return errors.Wrapf(cmd.Run(), "qdel %s", id)
}

// Queue parses `qstat -f` full output: jobs separated by blank lines, each a
// "Job Id:" header followed by "key = value" lines, with long values wrapped
// onto continuation lines.
func (p *PBS) Queue(ctx context.Context) (map[jobdb.JobID]QueueEntry, error) {
	cmd := p.exec.CommandContext(ctx, "qstat", "-f")
	// some clusters truncate queue names without this
	cmd.SetEnv([]string{"SGE_LONG_QNAMES=1000"})
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(err, "qstat is not responding")
	}

	me := currentUser()
	queue := map[jobdb.JobID]QueueEntry{}
	for _, block := range splitByJob(strings.Split(strings.Replace(string(out), "\n\t", "", -1), "\n")) {
		header, info := block[0], parseKeyValues(block[1:])
		if !strings.HasPrefix(header, "Job Id:") {
			continue
		}
		id := strings.TrimSpace(strings.TrimPrefix(header, "Job Id:"))
		var state string
		switch info["job_state"] {
		case "R":
			state = StateRunning
		case "Q":
			state = StateQueued
		default:
			continue
		}
		// the "-u username" flag doesn't combine with "-f" on some
		// clusters, so filter on the owner field instead
		if me != "" && !strings.Contains(info["Job_Owner"], me) {
			continue
		}
		queue[jobdb.JobID(id)] = QueueEntry{
			JobName: info["Job_Name"],
			State:   state,
			Node:    info["exec_host"],
			Runtime: info["resources_used.walltime"],
		}
	}
	return queue, nil
}

func (p *PBS) LogPath(name string, id jobdb.JobID) string {
	return strings.Replace(logFname(&p.spec, name, pbsJobIDVar), pbsJobIDVar, string(id), 1)
}

// guessCoresPerNode asks qnodes for every node's np and takes the most
// common size.
func (p *PBS) guessCoresPerNode() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd := p.exec.CommandContext(ctx, "qnodes")
	out, err := cmd.Output()
	if err != nil {
		return 0, errors.Wrap(err, "qnodes is not responding")
	}

	counts := map[int]int{}
	for _, block := range splitByJob(strings.Split(strings.Replace(string(out), "\n\t", "", -1), "\n")) {
		info := parseKeyValues(block[1:])
		if np, err := strconv.Atoi(info["np"]); err == nil {
			counts[np]++
		}
	}
	best, bestFreq := 0, 0
	for np, freq := range counts {
		if freq > bestFreq {
			best, bestFreq = np, freq
		}
	}
	if best == 0 {
		return 0, errors.New("no node sizes found in qnodes output")
	}
	return best, nil
}

// splitByJob groups non-empty lines into blocks separated by blank lines.
func splitByJob(lines []string) [][]string {
	var jobs [][]string
	var cur []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(cur) > 0 {
				jobs = append(jobs, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		jobs = append(jobs, cur)
	}
	return jobs
}

// parseKeyValues reads "key = value" lines, gluing wrapped lines (no " = ")
// onto the previous value.
func parseKeyValues(lines []string) map[string]string {
	info := map[string]string{}
	lastKey := ""
	for _, line := range lines {
		if k, v, found := strings.Cut(line, " = "); found {
			info[k] = v
			lastKey = k
		} else if lastKey != "" {
			info[lastKey] += line
		}
	}
	return info
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}
