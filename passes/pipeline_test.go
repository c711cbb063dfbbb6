package passes

import (
	"errors"
	"testing"

	"github.com/cmx-Y/firesim/hwdb"
	"github.com/cmx-Y/firesim/remote"
	"github.com/cmx-Y/firesim/runfarm"
	"github.com/cmx-Y/firesim/topology"
	"github.com/cmx-Y/firesim/workload"
)

func testDefaults() Defaults {
	return Defaults{
		HWConfig:          "default-config",
		LinkLatency:       6405,
		SwitchingLatency:  10,
		Bandwidth:         200,
		ProfileInterval:   -1,
		TraceOutputFormat: "0",
	}
}

func newTestPipeline(t *testing.T, g *topology.Graph, specs []runfarm.HostSpec, opts ...Option) *Pipeline {
	t.Helper()
	db := hwdb.NewDB(
		&hwdb.RuntimeHWConfig{Name: "default-config", DeployTriplet: "FireSim-default"},
		&hwdb.RuntimeHWConfig{Name: "quadcore", DeployTriplet: "FireSim-quad"},
	)
	w := workload.NewUniform("job", len(g.DFSMachines()), t.TempDir())
	inv := runfarm.NewStaticInventory(specs)
	p, err := NewPipeline(g, inv, db, w, testDefaults(), remote.NewMockExecutor(), opts...)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func eightMachineGraph(t *testing.T) *topology.Graph {
	t.Helper()
	g, err := topology.Build("example_8config", topology.BuildParams{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func eightMachineFarm() []runfarm.HostSpec {
	return []runfarm.HostSpec{
		{Name: "sw0", Capacity: 0},
		{Name: "accel0", Capacity: 4},
		{Name: "accel1", Capacity: 4},
	}
}

func TestAddressesFollowDFSOrder(t *testing.T) {
	g := eightMachineGraph(t)
	newTestPipeline(t, g, eightMachineFarm())

	machines := g.DFSMachines()
	seen := make(map[int]bool)
	for i, m := range machines {
		if m.Addr != i {
			t.Errorf("machine %s: expected address %d, got %d", m.Name(), i, m.Addr)
		}
		if seen[m.Addr] {
			t.Errorf("duplicate address %d", m.Addr)
		}
		seen[m.Addr] = true
	}
}

func TestDownlinkSetsPropagateMonotonically(t *testing.T) {
	g := eightMachineGraph(t)
	newTestPipeline(t, g, eightMachineFarm())

	switches := g.DFSSwitches()
	root := switches[0]
	if len(root.DownlinkAddrs) != 8 {
		t.Fatalf("root downlink set should cover all 8 addresses, got %d", len(root.DownlinkAddrs))
	}

	inRoot := make(map[int]bool)
	for _, a := range root.DownlinkAddrs {
		inRoot[a] = true
	}
	for _, sw := range switches[1:] {
		for _, a := range sw.DownlinkAddrs {
			if !inRoot[a] {
				t.Errorf("address %d of %s missing from root's downlink set", a, sw.Name())
			}
		}
	}
}

func TestForwardingTables(t *testing.T) {
	g := eightMachineGraph(t)
	newTestPipeline(t, g, eightMachineFarm())

	for _, sw := range g.DFSSwitches() {
		if len(sw.Table) != 8 {
			t.Errorf("switch %s: table size %d, want 8 (total allocated)", sw.Name(), len(sw.Table))
		}
	}

	// leaf0 carries addresses 0-3 on ports 0-3; everything else defaults to
	// the uplink port, which equals the downlink count.
	leaf0 := g.DFSSwitches()[1]
	for addr := 0; addr < 4; addr++ {
		if leaf0.Table[addr] != addr {
			t.Errorf("leaf0 table[%d] = %d, want %d", addr, leaf0.Table[addr], addr)
		}
	}
	for addr := 4; addr < 8; addr++ {
		if leaf0.Table[addr] != leaf0.UplinkPort() {
			t.Errorf("leaf0 table[%d] = %d, want uplink port %d", addr, leaf0.Table[addr], leaf0.UplinkPort())
		}
	}
	if leaf0.UplinkPort() != 4 {
		t.Errorf("leaf0 uplink port = %d, want 4", leaf0.UplinkPort())
	}
}

func TestPlaceholdersGetAddresses(t *testing.T) {
	g, err := topology.Build("supernode_example_4config", topology.BuildParams{})
	if err != nil {
		t.Fatal(err)
	}
	newTestPipeline(t, g, []runfarm.HostSpec{{Name: "accel0", Capacity: 1}})

	root := g.DFSSwitches()[0]
	if len(root.Table) != 4 {
		t.Errorf("table should cover machine plus placeholders: got %d, want 4", len(root.Table))
	}
	for port, d := range root.Downlinks() {
		if root.Table[port] != port {
			t.Errorf("table[%d] = %d, want %d (node %s)", port, root.Table[port], port, d.Name())
		}
	}
}

func TestPassOrderViolation(t *testing.T) {
	g := eightMachineGraph(t)
	p := &Pipeline{
		Graph: g,
		alloc: topology.NewAddressAllocator(),
		used:  make(map[Stage]bool),
	}
	err := p.passComputeSwitchingTables()
	if !errors.Is(err, ErrPassOrder) {
		t.Errorf("expected ErrPassOrder, got %v", err)
	}
}

func TestHWConfigResolution(t *testing.T) {
	g, _ := topology.Build("no_net_config", topology.BuildParams{NoNetNodes: 3})
	machines := g.DFSMachines()
	machines[0].HWConfig = topology.HWConfigNamed("quadcore")
	p := newTestPipeline(t, g, []runfarm.HostSpec{{Name: "accel0", Capacity: 4}})

	cfg0, err := machines[0].ResolvedHWConfig()
	if err != nil {
		t.Fatalf("machine 0 unresolved: %v", err)
	}
	if cfg0.Name != "quadcore" {
		t.Errorf("named config resolved to %s", cfg0.Name)
	}
	cfg1, err := machines[1].ResolvedHWConfig()
	if err != nil {
		t.Fatalf("machine 1 unresolved: %v", err)
	}
	if cfg1.Name != "default-config" {
		t.Errorf("unset config should take the run default, got %s", cfg1.Name)
	}

	// rerunning the pass must not change the resolved objects
	if err := p.passResolveHWConfigs(); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	again, _ := machines[0].ResolvedHWConfig()
	if again != cfg0 {
		t.Errorf("resolution is not idempotent: got a different config object")
	}
}

func TestDriverBuildCachedAcrossPasses(t *testing.T) {
	g, _ := topology.Build("no_net_config", topology.BuildParams{NoNetNodes: 4})
	builds := 0
	p := newTestPipeline(t, g, []runfarm.HostSpec{{Name: "accel0", Capacity: 4}},
		WithDriverBuilder(func(cfg *hwdb.RuntimeHWConfig) (string, error) {
			builds++
			return "driver", nil
		}))

	if err := p.passBuildDrivers(); err != nil {
		t.Fatalf("passBuildDrivers: %v", err)
	}
	if err := p.passBuildDrivers(); err != nil {
		t.Fatalf("passBuildDrivers (second): %v", err)
	}
	// four machines share one config: exactly one build, ever
	if builds != 1 {
		t.Errorf("expected 1 driver build, got %d", builds)
	}
}

func TestNetDefaultsNeverOverwriteUserValues(t *testing.T) {
	g := eightMachineGraph(t)
	userLatency := 42
	g.DFSMachines()[0].LinkLatency = &userLatency
	newTestPipeline(t, g, eightMachineFarm())

	machines := g.DFSMachines()
	if *machines[0].LinkLatency != 42 {
		t.Errorf("user latency overwritten: got %d", *machines[0].LinkLatency)
	}
	if *machines[1].LinkLatency != 6405 {
		t.Errorf("default latency not applied: got %d", *machines[1].LinkLatency)
	}
	for _, sw := range g.DFSSwitches() {
		if sw.SwitchingLatency == nil || *sw.SwitchingLatency != 10 {
			t.Errorf("switch %s missing default switching latency", sw.Name())
		}
	}
}

func TestJobsAssignedByDFSPosition(t *testing.T) {
	g := eightMachineGraph(t)
	newTestPipeline(t, g, eightMachineFarm())

	for i, m := range g.DFSMachines() {
		if m.Job == nil {
			t.Fatalf("machine %s has no job", m.Name())
		}
		want := "job" + string(rune('0'+i))
		if m.Job.Name != want {
			t.Errorf("machine %s: job %s, want %s", m.Name(), m.Job.Name, want)
		}
	}
}

func TestBlockDevicesStableAcrossReruns(t *testing.T) {
	g, _ := topology.Build("no_net_config", topology.BuildParams{NoNetNodes: 2})
	p := newTestPipeline(t, g, []runfarm.HostSpec{{Name: "accel0", Capacity: 4}})

	machines := g.DFSMachines()
	first := append([]string(nil), machines[0].BlockDevices...)
	if len(first) == 0 {
		t.Fatalf("no block devices allocated")
	}

	if err := p.passAllocateBlockDevices(); err != nil {
		t.Fatalf("second allocation pass: %v", err)
	}
	if len(machines[0].BlockDevices) != len(first) || machines[0].BlockDevices[0] != first[0] {
		t.Errorf("block devices changed across reruns: %v vs %v", first, machines[0].BlockDevices)
	}
	if machines[0].BlockDevices[0] == machines[1].BlockDevices[0] {
		t.Errorf("machines share a block device: %v", machines[0].BlockDevices[0])
	}
}

func TestMapperSelection(t *testing.T) {
	t.Run("TestNamedStrategy", func(t *testing.T) {
		leaf := topology.NewSwitch("leaf", topology.NewMachine("m0"))
		g := &topology.Graph{Roots: []topology.Node{leaf}, MapperName: "single_host"}
		p := newTestPipeline(t, g, []runfarm.HostSpec{{Name: "accel0", Capacity: 4}})
		h := p.Farm.AllHosts()[0]
		if len(h.Switches) != 1 || len(h.Machines) != 1 {
			t.Errorf("single_host strategy not applied: %d switches %d machines", len(h.Switches), len(h.Machines))
		}
	})

	t.Run("TestExplicitCallableWins", func(t *testing.T) {
		called := false
		custom := func(g *topology.Graph, inv *runfarm.Inventory) error {
			called = true
			return nil
		}
		g, _ := topology.Build("no_net_config", topology.BuildParams{NoNetNodes: 1})
		g.MapperName = "single_host"
		newTestPipeline(t, g, []runfarm.HostSpec{{Name: "accel0", Capacity: 4}}, WithMapper(custom))
		if !called {
			t.Errorf("explicit mapper callable was not used")
		}
	})
}
