package passes

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"github.com/cmx-Y/firesim/dispatch"
)

// ErrJobsIncomplete is returned when a run reaches its terminal state with
// jobs that never completed, so callers can exit non-zero.
var ErrJobsIncomplete = errors.New("not all jobs completed")

// RunState is the monitor loop's state.
type RunState int

const (
	StateRunning RunState = iota
	StateTeardownRequested
	StateDone
)

func (s RunState) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateTeardownRequested:
		return "TEARDOWN_REQUESTED"
	case StateDone:
		return "DONE"
	}
	return fmt.Sprintf("RunState(%d)", int(s))
}

// State returns the monitor loop's current state.
func (p *Pipeline) State() RunState { return p.state }

// monitorQuery fans a status query out to every host and collects the
// per-host switch/simulation completion flags.
func (p *Pipeline) monitorQuery(ctx context.Context, completedJobs []string, teardown bool) (map[string]dispatch.HostStatus, error) {
	return dispatch.RunOnHosts(ctx, p.dispatcher, "monitor", p.Farm.BoundIPs(),
		func(ctx context.Context, ip string) (dispatch.HostStatus, error) {
			m, err := p.manager(ip)
			if err != nil {
				return dispatch.HostStatus{}, err
			}
			return m.MonitorJobs(ctx, completedJobs, teardown, p.terminateOnCompletion)
		})
}

// globalSimStatus flattens the per-host statuses into one job-completion
// map. Jobs are keyed by name, so a job reported by two hosts collapses to
// one entry.
func globalSimStatus(statuses map[string]dispatch.HostStatus) map[string]bool {
	global := make(map[string]bool)
	for _, st := range statuses {
		for job, done := range st.Sims {
			global[job] = global[job] || done
		}
	}
	return global
}

func anyComplete(global map[string]bool) bool {
	for _, done := range global {
		if done {
			return true
		}
	}
	return false
}

func allComplete(global map[string]bool) bool {
	if len(global) == 0 {
		return false
	}
	for _, done := range global {
		if !done {
			return false
		}
	}
	return true
}

// RunWorkloadPasses boots the deployment and drives it to completion. For
// networked topologies (switch roots) the run is one shared simulation: the
// first simulation to finish triggers a coordinated teardown and one final
// status query so hosts can copy results off and self-terminate. For
// machine-root topologies every simulation completes independently and no
// kill dispatch is needed.
func (p *Pipeline) RunWorkloadPasses(ctx context.Context, useMock bool) error {
	if err := p.bindFarm(ctx, useMock); err != nil {
		return err
	}
	if err := p.Workload.EnsureResultsDir(); err != nil {
		return err
	}
	if err := p.BootPasses(ctx, useMock, true); err != nil {
		return err
	}

	teardownRequired := p.Graph.RootsAreSwitches()
	p.state = StateRunning

	// observed accumulates every completion any host ever reported, so the
	// final verdict survives hosts dropping entries after teardown.
	observed := make(map[string]bool)
	merge := func(statuses map[string]dispatch.HostStatus) map[string]bool {
		global := globalSimStatus(statuses)
		for job, done := range global {
			observed[job] = observed[job] || done
		}
		return global
	}

	for {
		completed := p.Workload.CompletedJobs()
		statuses, err := p.monitorQuery(ctx, completed, false)
		if err != nil {
			return err
		}
		p.printStatusBoard(statuses)

		global := merge(statuses)
		if teardownRequired && anyComplete(global) {
			p.state = StateTeardownRequested
			log.Info("simulation complete on at least one host, tearing down the fleet")
			// Keep block devices attached: result copy-off may still need
			// them. Hosts release them as part of extraction.
			if err := p.KillPasses(ctx, useMock, false); err != nil {
				return err
			}
			completed = p.Workload.CompletedJobs()
			statuses, err := p.monitorQuery(ctx, completed, true)
			if err != nil {
				return err
			}
			merge(statuses)
			p.state = StateDone
			break
		}
		if !teardownRequired && allComplete(global) {
			p.state = StateDone
			break
		}

		p.clk.Sleep(p.tick)
	}

	p.runPostRunHook(ctx)

	// A job counts as completed when its result directory landed locally or
	// some host reported it done before the fleet went away.
	completedSet := make(map[string]bool)
	for _, name := range p.Workload.CompletedJobs() {
		completedSet[name] = true
	}
	allDone := true
	for _, m := range p.Graph.DFSMachines() {
		if m.Job != nil && !completedSet[m.Job.Name] && !observed[m.Job.Name] {
			allDone = false
			break
		}
	}
	log.Infof("simulation exited in state %s; all jobs completed: %v; results in %s",
		p.state, allDone, p.Workload.ResultsDir())
	if !allDone {
		return fmt.Errorf("%w: results in %s", ErrJobsIncomplete, p.Workload.ResultsDir())
	}
	return nil
}

// runPostRunHook invokes the workload's post-run hook, if any, with the
// results directory as its argument. A failing hook is logged, never fatal.
func (p *Pipeline) runPostRunHook(ctx context.Context) {
	hook := p.Workload.PostRunHook
	if hook == "" {
		return
	}
	log.Infof("running post-run hook: %s", hook)
	cmd := exec.CommandContext(ctx, "sh", "-c", fmt.Sprintf("%s %s", hook, p.Workload.ResultsDir()))
	if p.Workload.InputDir != "" {
		cmd.Dir = p.Workload.InputDir
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Warnf("post-run hook failed (non-fatal): %v: %s", err, out)
	}
}

// printStatusBoard logs the per-host simulation status each tick, the way
// operators watch a long run.
func (p *Pipeline) printStatusBoard(statuses map[string]dispatch.HostStatus) {
	running := color.New(color.FgGreen).SprintFunc()
	done := color.New(color.FgYellow).SprintFunc()
	mark := func(completed bool) string {
		if completed {
			return done("done")
		}
		return running("running")
	}

	ips := make([]string, 0, len(statuses))
	for ip := range statuses {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	totalSims, runningSims := 0, 0
	log.Infof("simulation status @ %s (results: %s)", time.Now().UTC().Format(time.RFC3339), p.Workload.ResultsDir())
	for _, ip := range ips {
		label := ip
		if slot, ok := p.Farm.LookupByIP(ip); ok {
			label = fmt.Sprintf("%s [%s]", ip, slot.Identity())
		}
		st := statuses[ip]
		for name, exited := range st.Switches {
			log.Infof("  host %-30s switch %-20s %s", label, name, mark(exited))
		}
		for name, completed := range st.Sims {
			totalSims++
			if !completed {
				runningSims++
			}
			log.Infof("  host %-30s sim    %-20s %s", label, name, mark(completed))
		}
	}
	log.Infof("  %d/%d simulations still running", runningSims, totalSims)
}
