package workload

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Job is one unit of work bound to one simulated machine. A job is complete
// when a directory with its name appears under the workload's results dir.
type Job struct {
	Name   string   `toml:"name"`
	Rootfs string   `toml:"rootfs"`
	Args   []string `toml:"args"`
}

// Workload is the registry of jobs for one run plus the local results tree
// used as the completion signal.
type Workload struct {
	Name        string `toml:"name"`
	Uniform     string `toml:"uniform_job"`
	Jobs        []Job  `toml:"jobs"`
	InputDir    string `toml:"input_dir"`
	ResultsBase string `toml:"results_base"`
	PostRunHook string `toml:"post_run_hook"`

	RunID      string `toml:"-"`
	resultsDir string
}

// Load reads a workload definition file and stamps it with a fresh run ID.
func Load(path string) (*Workload, error) {
	var w Workload
	if _, err := toml.DecodeFile(path, &w); err != nil {
		return nil, fmt.Errorf("failed to load workload file %s: %w", path, err)
	}
	w.init()
	return &w, nil
}

// NewUniform builds a workload of n identical jobs, one per machine, named
// name0..name(n-1).
func NewUniform(name string, n int, resultsBase string) *Workload {
	w := &Workload{Name: name, Uniform: name, ResultsBase: resultsBase}
	for i := 0; i < n; i++ {
		w.Jobs = append(w.Jobs, Job{Name: fmt.Sprintf("%s%d", name, i)})
	}
	w.init()
	return w
}

func (w *Workload) init() {
	w.RunID = uuid.NewString()
	if w.ResultsBase == "" {
		w.ResultsBase = "results-workload"
	}
	w.resultsDir = filepath.Join(w.ResultsBase, fmt.Sprintf("%s-%s", w.Name, w.RunID[:8]))
	if w.Uniform != "" && len(w.Jobs) == 0 {
		log.Warnf("workload %s: uniform job %s with no job count, jobs are assigned lazily", w.Name, w.Uniform)
	}
}

// Job returns the job for machine index i. Uniform workloads mint jobs on
// demand so a topology larger than the declared job list still gets one job
// per machine.
func (w *Workload) Job(i int) Job {
	if i < len(w.Jobs) {
		return w.Jobs[i]
	}
	if w.Uniform != "" {
		return Job{Name: fmt.Sprintf("%s%d", w.Uniform, i)}
	}
	// Out of declared jobs: reuse the last one with an index suffix so every
	// machine still has a distinct completion marker.
	if len(w.Jobs) > 0 {
		last := w.Jobs[len(w.Jobs)-1]
		return Job{Name: fmt.Sprintf("%s%d", last.Name, i), Rootfs: last.Rootfs, Args: last.Args}
	}
	return Job{Name: fmt.Sprintf("job%d", i)}
}

// ResultsDir is the per-run directory whose subdirectories mark completed
// jobs.
func (w *Workload) ResultsDir() string { return w.resultsDir }

// EnsureResultsDir creates the per-run results directory.
func (w *Workload) EnsureResultsDir() error {
	if err := os.MkdirAll(w.resultsDir, 0o755); err != nil {
		return fmt.Errorf("creating results dir %s: %w", w.resultsDir, err)
	}
	log.Infof("workload %s: results dir %s", w.Name, w.resultsDir)
	return nil
}

// CompletedJobs lists job names whose result directory exists. A missing
// results dir means no job has completed yet.
func (w *Workload) CompletedJobs() []string {
	entries, err := os.ReadDir(w.resultsDir)
	if err != nil {
		log.Debugf("workload %s: listing results dir: %v", w.Name, err)
		return nil
	}
	var done []string
	for _, e := range entries {
		if e.IsDir() {
			done = append(done, e.Name())
		}
	}
	return done
}
