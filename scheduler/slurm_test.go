package scheduler

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/hpcsched/runman/common/osexec"
	"github.com/hpcsched/runman/jobdb"
)

func slurmSpec(t *testing.T) ResourceSpec {
	return ResourceSpec{
		Cores:          4,
		ExecutorType:   "dask-mpi",
		LogFolder:      t.TempDir(),
		ExtraScheduler: []string{"--partition=compute"},
	}
}

func TestSLURMJobScript(t *testing.T) {
	s := NewSLURM(slurmSpec(t), osexec.NewFake())
	script, err := s.JobScript("testrun-1")
	if err != nil {
		t.Fatalf("JobScript failed: %v", err)
	}

	for _, want := range []string{
		"#SBATCH --job-name testrun-1",
		"#SBATCH --ntasks 4",
		"#SBATCH --no-requeue",
		"#SBATCH --partition=compute",
		"testrun-1-%A.log",
		"srun --mpi=pmi2 -n 4",
		"--job-id ${SLURM_JOB_ID}",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("Expected job script to contain %q, got:\n%s", want, script)
		}
	}
}

func TestSLURMIpyparallelNeedsCores(t *testing.T) {
	spec := slurmSpec(t)
	spec.ExecutorType = "ipyparallel"
	spec.Cores = 1
	s := NewSLURM(spec, osexec.NewFake())
	if _, err := s.JobScript("testrun-1"); err == nil {
		t.Errorf("Expected ipyparallel with 1 core to be rejected")
	}
}

func TestSLURMSubmitParsesJobID(t *testing.T) {
	chdirTemp(t)
	ex := osexec.NewFake()
	ex.Stub("sbatch testrun-1.sbatch", osexec.FakeResult{Stdout: "Submitted batch job 98765\n"})

	s := NewSLURM(slurmSpec(t), ex)
	id, err := s.Submit(context.Background(), "testrun-1")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id != "98765" {
		t.Errorf("Expected job id 98765, got %q", id)
	}
}

func squeueLine(fields ...string) string {
	var b strings.Builder
	for i, f := range fields {
		b.WriteString(fmt.Sprintf("%-*s", squeueFormat[i].width, f))
	}
	return b.String()
}

func TestSLURMQueueParsing(t *testing.T) {
	out := strings.Join([]string{
		squeueLine("98765", "testrun-3", "RUNNING", "node[1-2]", "1:02", "None"),
		squeueLine("98766", "testrun-4", "PENDING", "", "0:00", "Resources and a reason with spaces"),
		squeueLine("98767", "testrun-5", "COMPLETING", "node3", "5:00", "None"),
	}, "\n") + "\n"

	ex := osexec.NewFake()
	s := NewSLURM(slurmSpec(t), ex)

	// stub the exact squeue command line the adapter builds
	format := make([]string, 0, len(squeueFormat))
	for _, col := range squeueFormat {
		format = append(format, fmt.Sprintf("%s:%d", col.key, col.width))
	}
	args := []string{"squeue", "--Format=" + strings.Join(format, ","), "--noheader", "--array"}
	if me := currentUser(); me != "" {
		args = append(args, "--user="+me)
	}
	ex.Stub(strings.Join(args, " "), osexec.FakeResult{Stdout: out})

	queue, err := s.Queue(context.Background())
	if err != nil {
		t.Fatalf("Queue failed: %v", err)
	}
	if len(queue) != 2 {
		t.Fatalf("Expected 2 live jobs, got %d: %v", len(queue), queue)
	}
	if e := queue[jobdb.JobID("98765")]; e.State != StateRunning || e.JobName != "testrun-3" || e.Node != "node[1-2]" {
		t.Errorf("Unexpected running entry: %+v", e)
	}
	if e := queue[jobdb.JobID("98766")]; e.State != StateQueued {
		t.Errorf("Expected 98766 queued, got %+v", e)
	}
}
