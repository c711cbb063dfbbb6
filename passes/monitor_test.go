package passes

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/cmx-Y/firesim/hwdb"
	"github.com/cmx-Y/firesim/remote"
	"github.com/cmx-Y/firesim/runfarm"
	"github.com/cmx-Y/firesim/topology"
	"github.com/cmx-Y/firesim/workload"
)

// scriptedFleet answers monitor queries from a per-tick schedule and lets
// tests inspect the command stream afterwards.
type scriptedFleet struct {
	mu sync.Mutex
	// schedule[i] is the per-host sim status JSON for the i-th non-teardown
	// monitor query; the last entry repeats.
	schedule []string
	queries  int
}

func (f *scriptedFleet) script(host, command string) (remote.Output, error) {
	if !strings.HasPrefix(command, "fsim-node monitor") {
		return remote.Output{}, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.queries
	if !strings.Contains(command, "--teardown=true") {
		f.queries++
	}
	if idx >= len(f.schedule) {
		idx = len(f.schedule) - 1
	}
	return remote.Output{Stdout: f.schedule[idx]}, nil
}

func newMonitorPipeline(t *testing.T, g *topology.Graph, specs []runfarm.HostSpec,
	exec remote.Executor, opts ...Option) *Pipeline {
	t.Helper()
	db := hwdb.NewDB(&hwdb.RuntimeHWConfig{Name: "default-config", DeployTriplet: "FireSim-default"})
	w := workload.NewUniform("job", len(g.DFSMachines()), t.TempDir())
	inv := runfarm.NewStaticInventory(specs)
	p, err := NewPipeline(g, inv, db, w, testDefaults(), exec, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

// drive runs the workload passes while pumping a mock clock until the loop
// finishes.
func drive(t *testing.T, p *Pipeline, mclk *clock.Mock) error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- p.RunWorkloadPasses(context.Background(), true)
	}()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case err := <-done:
			return err
		case <-timeout:
			t.Fatal("monitor loop did not terminate")
		default:
			mclk.Add(10 * time.Second)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestNetworkedRunTearsDownOnFirstCompletion(t *testing.T) {
	// one switch, two machines: a networked (switch-rooted) topology
	g, err := topology.Build("example_2config", topology.BuildParams{})
	require.NoError(t, err)

	fleet := &scriptedFleet{schedule: []string{
		// job0 finishes while job1 never reports complete; the loop must
		// still terminate by tearing the fleet down.
		`{"switches":{"rootswitch":false},"sims":{"job0":true,"job1":false}}`,
	}}
	exec := remote.NewMockExecutor()
	exec.Script = fleet.script

	mclk := clock.NewMock()
	p := newMonitorPipeline(t, g,
		[]runfarm.HostSpec{{Name: "accel0", Capacity: 2}},
		exec, WithClock(mclk))

	// job1 never completed and produced no results, so the run must finish
	// with a failure code even though teardown succeeded.
	err = drive(t, p, mclk)
	require.ErrorIs(t, err, ErrJobsIncomplete)
	require.Equal(t, StateDone, p.State())

	calls := exec.Calls()
	var killSwitchIdx, killSimIdx, teardownQueryIdx = -1, -1, -1
	teardownQueries := 0
	for i, c := range calls {
		switch {
		case strings.HasPrefix(c.Command, "fsim-node kill-switches"):
			killSwitchIdx = i
		case strings.HasPrefix(c.Command, "fsim-node kill-sims"):
			killSimIdx = i
			// block devices must be retained for result copy-off
			require.True(t, strings.HasSuffix(c.Command, "--release-block-devices="),
				"teardown kill must not release block devices: %s", c.Command)
		case strings.Contains(c.Command, "--teardown=true"):
			teardownQueries++
			teardownQueryIdx = i
		}
	}
	require.NotEqual(t, -1, killSwitchIdx, "kill-switches never dispatched")
	require.NotEqual(t, -1, killSimIdx, "kill-sims never dispatched")
	require.Equal(t, 1, teardownQueries, "exactly one teardown-flagged status query expected")
	require.Less(t, killSwitchIdx, killSimIdx, "switches must die before sims")
	require.Less(t, killSimIdx, teardownQueryIdx, "final status query must follow the kill dispatch")
}

func TestNetworkedRunSucceedsWhenAllJobsReportDone(t *testing.T) {
	g, err := topology.Build("example_2config", topology.BuildParams{})
	require.NoError(t, err)

	// job1 catches up by the final teardown-flagged query; completions
	// reported there still count toward the verdict.
	fleet := &scriptedFleet{schedule: []string{
		`{"switches":{"rootswitch":false},"sims":{"job0":true,"job1":false}}`,
		`{"switches":{"rootswitch":true},"sims":{"job0":true,"job1":true}}`,
	}}
	exec := remote.NewMockExecutor()
	exec.Script = fleet.script

	mclk := clock.NewMock()
	p := newMonitorPipeline(t, g,
		[]runfarm.HostSpec{{Name: "accel0", Capacity: 2}},
		exec, WithClock(mclk))

	require.NoError(t, drive(t, p, mclk))
	require.Equal(t, StateDone, p.State())
}

func TestNonNetworkedRunWaitsForAllJobs(t *testing.T) {
	g, err := topology.Build("no_net_config", topology.BuildParams{NoNetNodes: 3})
	require.NoError(t, err)

	fleet := &scriptedFleet{schedule: []string{
		`{"switches":{},"sims":{"job0":true,"job1":true,"job2":false}}`,
		`{"switches":{},"sims":{"job0":true,"job1":true,"job2":false}}`,
		`{"switches":{},"sims":{"job0":true,"job1":true,"job2":true}}`,
	}}
	exec := remote.NewMockExecutor()
	exec.Script = fleet.script

	mclk := clock.NewMock()
	p := newMonitorPipeline(t, g,
		[]runfarm.HostSpec{{Name: "accel0", Capacity: 4}},
		exec, WithClock(mclk))

	require.NoError(t, drive(t, p, mclk))
	require.Equal(t, StateDone, p.State())

	fleet.mu.Lock()
	queries := fleet.queries
	fleet.mu.Unlock()
	require.GreaterOrEqual(t, queries, 3, "loop must keep polling until every job completes")

	for _, c := range exec.Calls() {
		require.False(t, strings.HasPrefix(c.Command, "fsim-node kill"),
			"non-networked runs must not fire the teardown path: %s", c.Command)
		require.NotContains(t, c.Command, "--teardown=true")
	}
}

func TestPostRunHookFailureIsNonFatal(t *testing.T) {
	g, err := topology.Build("no_net_config", topology.BuildParams{NoNetNodes: 1})
	require.NoError(t, err)

	fleet := &scriptedFleet{schedule: []string{`{"switches":{},"sims":{"job0":true}}`}}
	exec := remote.NewMockExecutor()
	exec.Script = fleet.script

	mclk := clock.NewMock()
	p := newMonitorPipeline(t, g,
		[]runfarm.HostSpec{{Name: "accel0", Capacity: 1}},
		exec, WithClock(mclk))
	p.Workload.PostRunHook = "exit 3"

	require.NoError(t, drive(t, p, mclk), "failing post-run hook must not fail the monitor")
	require.Equal(t, StateDone, p.State())
}

func TestRunStateString(t *testing.T) {
	for state, want := range map[RunState]string{
		StateRunning:           "RUNNING",
		StateTeardownRequested: "TEARDOWN_REQUESTED",
		StateDone:              "DONE",
	} {
		if got := state.String(); got != want {
			t.Errorf("RunState(%d).String() = %q, want %q", int(state), got, want)
		}
	}
	_ = fmt.Sprintf("%v", StateDone)
}
