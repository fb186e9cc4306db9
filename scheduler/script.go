package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// executorSpecific renders the command block that actually starts the task's
// executor inside the job. jobIDVar is the scheduler's job-id shell variable
// (e.g. ${PBS_JOBID}), left unexpanded so the cluster fills it in.
func executorSpecific(spec *ResourceSpec, name, jobIDVar, engineLauncher string) (string, error) {
	logFname := logFname(spec, name, jobIDVar)
	switch spec.ExecutorType {
	case "mpi4py":
		return fmt.Sprintf("%s -n %d %s -m mpi4py.futures %s --log-fname %s --job-id %s --name %s",
			spec.MpiexecExecutable, spec.Cores, spec.RuntimeExecutable, spec.RunScript, logFname, jobIDVar, name), nil
	case "dask-mpi":
		return fmt.Sprintf("%s -n %d %s %s --log-fname %s --job-id %s --name %s",
			spec.MpiexecExecutable, spec.Cores, spec.RuntimeExecutable, spec.RunScript, logFname, jobIDVar, name), nil
	case "ipyparallel":
		if spec.Cores <= 1 {
			return "", errors.New("ipyparallel uses one core for the controller and the rest for engines, so use more than 1 core")
		}
		return fmt.Sprintf(`profile=runman_%s

echo "Creating profile ${profile}"
ipython profile create ${profile}

echo "Launching controller"
ipcontroller --ip="*" --profile=${profile} --log-to-file &
sleep 10

echo "Launching engines"
%s

echo "Starting the run script"
%s %s --profile ${profile} --n %d --log-fname %s --job-id %s --name %s
`, jobIDVar, engineLauncher, spec.RuntimeExecutable, spec.RunScript, spec.Cores-1, logFname, jobIDVar, name), nil
	default:
		return "", errors.Errorf("executor type %q not implemented; use 'ipyparallel', 'dask-mpi' or 'mpi4py'", spec.ExecutorType)
	}
}

// logFname is the per-job log file, still containing the unexpanded job-id
// variable. LogPath substitutes the real id once the job is submitted.
func logFname(spec *ResourceSpec, name, jobIDVar string) string {
	if spec.LogFolder != "" {
		os.MkdirAll(spec.LogFolder, 0755)
	}
	return filepath.Join(spec.LogFolder, fmt.Sprintf("%s-%s.log", name, jobIDVar))
}

func extraSchedulerLines(prefix string, extra []string) string {
	lines := make([]string, 0, len(extra))
	for _, arg := range extra {
		lines = append(lines, fmt.Sprintf("#%s %s", prefix, arg))
	}
	return strings.Join(lines, "\n")
}

func extraEnvLines(extra []string) string {
	lines := make([]string, 0, len(extra))
	for _, arg := range extra {
		lines = append(lines, "export "+arg)
	}
	return strings.Join(lines, "\n")
}

func threadEnvLines(numThreads int) string {
	return fmt.Sprintf(`export MKL_NUM_THREADS=%d
export OPENBLAS_NUM_THREADS=%d
export OMP_NUM_THREADS=%d`, numThreads, numThreads, numThreads)
}

func writeJobScript(fname, script string) error {
	return os.WriteFile(fname, []byte(script), 0644)
}
