package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/hpcsched/runman/common/osexec"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}

func pbsSpec(t *testing.T) ResourceSpec {
	return ResourceSpec{
		Cores:          8,
		CoresPerNode:   4,
		NumThreads:     2,
		ExecutorType:   "mpi4py",
		LogFolder:      t.TempDir(),
		ExtraScheduler: []string{"-q long"},
		ExtraEnv:       []string{"FOO=bar"},
	}
}

func TestPBSJobScript(t *testing.T) {
	p := NewPBS(pbsSpec(t), osexec.NewFake())
	script, err := p.JobScript("testrun-1")
	if err != nil {
		t.Fatalf("JobScript failed: %v", err)
	}

	for _, want := range []string{
		"#PBS -l nodes=2:ppn=4",
		"#PBS -N testrun-1",
		"#PBS -q long",
		"export MKL_NUM_THREADS=2",
		"export FOO=bar",
		"cd $PBS_O_WORKDIR",
		"-m mpi4py.futures",
		"--job-id ${PBS_JOBID}",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("Expected job script to contain %q, got:\n%s", want, script)
		}
	}
}

func TestPBSNodesMustDivide(t *testing.T) {
	spec := pbsSpec(t)
	spec.Cores = 10
	spec.CoresPerNode = 4
	p := NewPBS(spec, osexec.NewFake())
	// 10 cores over 4-core nodes needs 3 nodes.
	if p.nnodes != 3 {
		t.Errorf("Expected node count rounded up to 3, got %d", p.nnodes)
	}
}

func TestPBSGuessCoresPerNode(t *testing.T) {
	ex := osexec.NewFake()
	ex.Stub("qnodes", osexec.FakeResult{Stdout: `node1
    np = 16
    state = free

node2
    np = 16
    state = free

node3
    np = 8
    state = free
`})
	spec := pbsSpec(t)
	spec.Cores = 32
	spec.CoresPerNode = 0
	p := NewPBS(spec, ex)
	if p.coresPerNode != 16 || p.nnodes != 2 {
		t.Errorf("Expected nodes=2:ppn=16 from qnodes guess, got nodes=%d:ppn=%d", p.nnodes, p.coresPerNode)
	}
}

func TestPBSQnodesProbeIsBounded(t *testing.T) {
	ex := osexec.NewFake()
	ex.Stub("qnodes", osexec.FakeResult{Stdout: "node1\n    np = 8\n"})
	spec := pbsSpec(t)
	spec.CoresPerNode = 0
	NewPBS(spec, ex)

	if len(ex.Ctxs) != 1 {
		t.Fatalf("Expected one qnodes invocation, got %v", ex.History)
	}
	if _, ok := ex.Ctxs[0].Deadline(); !ok {
		t.Errorf("Expected the qnodes command to carry a deadline")
	}
}

func TestPBSSubmitRetriesThenSucceeds(t *testing.T) {
	chdirTemp(t)
	ex := osexec.NewFake()
	ex.Stub("qsub -k oe testrun-1.batch", osexec.FakeResult{Stdout: "1234.cluster\n"})

	p := NewPBS(pbsSpec(t), ex)
	id, err := p.Submit(context.Background(), "testrun-1")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id != "1234.cluster" {
		t.Errorf("Expected job id 1234.cluster, got %q", id)
	}
	if _, err := os.Stat("testrun-1.batch"); err != nil {
		t.Errorf("Expected job script to be written: %v", err)
	}
}

func TestPBSSubmitFailureIsRecoverable(t *testing.T) {
	chdirTemp(t)
	ex := osexec.NewFake()
	ex.Stub("qsub -k oe testrun-1.batch", osexec.FakeResult{Err: errors.New("qsub: would exceed queue's generic per-user limit")})

	p := NewPBS(pbsSpec(t), ex)
	if _, err := p.Submit(context.Background(), "testrun-1"); err == nil {
		t.Fatalf("Expected submit to fail")
	}
	// one initial try plus four retries
	if got := ex.Calls("qsub"); got != 5 {
		t.Errorf("Expected 5 qsub attempts, got %d", got)
	}
}

func TestPBSQueueParsing(t *testing.T) {
	me, err := user.Current()
	if err != nil {
		t.Fatalf("user.Current failed: %v", err)
	}

	out := fmt.Sprintf(`Job Id: 1234.cluster
    Job_Name = testrun-3
    Job_Owner = %s@cluster
    job_state = R
    exec_host = node1/0
    resources_used.walltime = 00:01:02

Job Id: 1235.cluster
    Job_Name = testrun-4
    Job_Owner = %s@cluster
    job_state = Q
    comment = waiting for resources, a very long comment that PBS wraps onto`+"\n\t"+`the next line

Job Id: 1236.cluster
    Job_Name = other-job
    Job_Owner = somebodyelse@cluster
    job_state = R

Job Id: 1237.cluster
    Job_Name = testrun-5
    Job_Owner = %s@cluster
    job_state = C
`, me.Username, me.Username, me.Username)

	ex := osexec.NewFake()
	ex.Stub("qstat -f", osexec.FakeResult{Stdout: out})

	p := NewPBS(pbsSpec(t), ex)
	queue, err := p.Queue(context.Background())
	if err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	if len(queue) != 2 {
		t.Fatalf("Expected 2 of my live jobs, got %d: %v", len(queue), queue)
	}
	running := queue["1234.cluster"]
	if running.State != StateRunning || running.JobName != "testrun-3" || running.Node != "node1/0" {
		t.Errorf("Unexpected running entry: %+v", running)
	}
	if queue["1235.cluster"].State != StateQueued {
		t.Errorf("Expected 1235 queued, got %+v", queue["1235.cluster"])
	}
}

func TestPBSQueueErrorSurfaces(t *testing.T) {
	ex := osexec.NewFake()
	ex.Stub("qstat -f", osexec.FakeResult{Err: errors.New("connection refused")})
	p := NewPBS(pbsSpec(t), ex)
	if _, err := p.Queue(context.Background()); err == nil {
		t.Errorf("Expected queue error to surface")
	}
}

func TestPBSLogPath(t *testing.T) {
	spec := pbsSpec(t)
	p := NewPBS(spec, osexec.NewFake())
	got := p.LogPath("testrun-1", "1234.cluster")
	want := spec.LogFolder + "/testrun-1-1234.cluster.log"
	if got != want {
		t.Errorf("Expected log path %q, got %q", want, got)
	}
}
