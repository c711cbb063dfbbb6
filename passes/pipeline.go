// Package passes compiles an abstract target topology into a deployment plan
// bound to a run farm, then orchestrates the farm through setup, boot,
// monitoring and teardown. Compilation is an ordered set of passes over the
// topology graph; each pass records itself and fails fast if a prerequisite
// pass has not run.
package passes

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/cmx-Y/firesim/dispatch"
	"github.com/cmx-Y/firesim/hwdb"
	"github.com/cmx-Y/firesim/remote"
	"github.com/cmx-Y/firesim/runfarm"
	"github.com/cmx-Y/firesim/topology"
	"github.com/cmx-Y/firesim/workload"
)

// ErrPassOrder is returned when a pass runs before one of its declared
// prerequisites. This is a programmer or configuration error and is never
// retried.
var ErrPassOrder = errors.New("pass dependency violation")

// Stage names one pass of the pipeline.
type Stage string

const (
	StageAssignAddresses  Stage = "assign_addresses"
	StageComputeTables    Stage = "compute_switching_tables"
	StageHostMapping      Stage = "host_mapping"
	StageResolveHWConfigs Stage = "resolve_hw_configs"
	StageNetDefaults      Stage = "apply_net_defaults"
	StageAssignJobs       Stage = "assign_jobs"
	StageAllocateBlockDev Stage = "allocate_block_devices"
	StageRenderDiagram    Stage = "render_diagram"
	StageBuildDrivers     Stage = "build_drivers"
	StageBuildSwitches    Stage = "build_switches"
)

// Defaults are the run-wide fallback values applied to any node field the
// user topology left unset.
type Defaults struct {
	HWConfig            string
	LinkLatency         int
	SwitchingLatency    int
	Bandwidth           int
	ProfileInterval     int
	TraceEnable         bool
	TraceSelect         string
	TraceStart          string
	TraceEnd            string
	TraceOutputFormat   string
	AutocounterReadRate int
	ZeroOutDRAM         bool
	DisableAsserts      bool
	PrintStart          string
	PrintEnd            string
	PrintCyclePrefix    bool
}

// SwitchBuilder produces the simulation binary for one switch.
type SwitchBuilder func(*topology.Switch) (string, error)

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithMapper overrides strategy selection with an explicit mapping callable.
func WithMapper(m runfarm.Mapper) Option { return func(p *Pipeline) { p.mapper = m } }

// WithClock injects the clock driving the monitor loop tick.
func WithClock(c clock.Clock) Option { return func(p *Pipeline) { p.clk = c } }

// WithTick overrides the monitor polling interval.
func WithTick(d time.Duration) Option { return func(p *Pipeline) { p.tick = d } }

// WithDiagramDir sets where the topology diagram pass writes its artifact.
// Empty disables the pass.
func WithDiagramDir(dir string) Option { return func(p *Pipeline) { p.diagramDir = dir } }

// WithTerminateOnCompletion forwards the terminate-on-completion flag to
// hosts during monitoring.
func WithTerminateOnCompletion(b bool) Option { return func(p *Pipeline) { p.terminateOnCompletion = b } }

// WithDriverBuilder injects the accelerator driver build capability.
func WithDriverBuilder(b hwdb.DriverBuilder) Option { return func(p *Pipeline) { p.driverBuilder = b } }

// WithSwitchBuilder injects the switch binary build capability.
func WithSwitchBuilder(b SwitchBuilder) Option { return func(p *Pipeline) { p.switchBuilder = b } }

// WithPoolSize bounds the dispatcher's parallel host operations.
func WithPoolSize(n int) Option { return func(p *Pipeline) { p.poolSize = n } }

// Pipeline owns one compilation run: the topology graph, the run farm
// inventory, the address allocator and the set of passes already applied.
// Phase-one passes run automatically on construction and need no host
// binding.
type Pipeline struct {
	Graph    *topology.Graph
	Farm     *runfarm.Inventory
	HWDB     *hwdb.DB
	Workload *workload.Workload
	Defaults Defaults

	alloc      *topology.AddressAllocator
	dispatcher *dispatch.Dispatcher
	managers   map[string]*dispatch.DeployManager

	mapper                runfarm.Mapper
	clk                   clock.Clock
	tick                  time.Duration
	diagramDir            string
	terminateOnCompletion bool
	driverBuilder         hwdb.DriverBuilder
	switchBuilder         SwitchBuilder
	poolSize              int

	used     map[Stage]bool
	state    RunState
	nextBdev int
}

// NewPipeline compiles the topology: it constructs the pipeline and runs all
// phase-one passes. A pass failure aborts compilation.
func NewPipeline(g *topology.Graph, farm *runfarm.Inventory, db *hwdb.DB,
	w *workload.Workload, defaults Defaults, exec remote.Executor, opts ...Option) (*Pipeline, error) {

	p := &Pipeline{
		Graph:    g,
		Farm:     farm,
		HWDB:     db,
		Workload: w,
		Defaults: defaults,
		alloc:    topology.NewAddressAllocator(),
		clk:      clock.New(),
		tick:     10 * time.Second,
		used:     make(map[Stage]bool),
		state:    StateRunning,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.driverBuilder == nil {
		p.driverBuilder = localDriverBuilder
	}
	if p.switchBuilder == nil {
		p.switchBuilder = localSwitchBuilder
	}

	d, err := dispatch.NewDispatcher(exec, p.poolSize)
	if err != nil {
		return nil, err
	}
	p.dispatcher = d

	if err := p.phaseOnePasses(); err != nil {
		return nil, err
	}
	return p, nil
}

// Close releases the dispatcher's worker pool.
func (p *Pipeline) Close() {
	p.dispatcher.Close()
}

// Used reports whether a pass has run.
func (p *Pipeline) Used(s Stage) bool { return p.used[s] }

// require checks prerequisites and records the pass as used.
func (p *Pipeline) require(s Stage, deps ...Stage) error {
	for _, d := range deps {
		if !p.used[d] {
			return fmt.Errorf("%w: pass %q requires %q", ErrPassOrder, s, d)
		}
	}
	p.used[s] = true
	return nil
}

// phaseOnePasses runs every pass that needs no host binding. The diagram
// pass is side-effect only: its failure is logged, never fatal.
func (p *Pipeline) phaseOnePasses() error {
	if err := p.passAssignAddresses(); err != nil {
		return err
	}
	if err := p.passComputeSwitchingTables(); err != nil {
		return err
	}
	if err := p.passHostMapping(); err != nil {
		return err
	}
	if err := p.passResolveHWConfigs(); err != nil {
		return err
	}
	if err := p.passApplyNetDefaults(); err != nil {
		return err
	}
	if err := p.passAssignJobs(); err != nil {
		return err
	}
	if err := p.passAllocateBlockDevices(); err != nil {
		return err
	}
	if err := p.passRenderDiagram(); err != nil {
		log.Warnf("topology diagram rendering failed (non-fatal): %v", err)
	}
	return nil
}

// passAssignAddresses walks the topology depth-first and gives every machine
// and placeholder a fresh sequential address.
func (p *Pipeline) passAssignAddresses() error {
	if err := p.require(StageAssignAddresses); err != nil {
		return err
	}
	p.alloc.Reset()
	for _, n := range p.Graph.DFSOrder() {
		switch node := n.(type) {
		case *topology.Machine:
			addr, err := p.alloc.Next()
			if err != nil {
				return err
			}
			node.Addr = addr
		case *topology.Placeholder:
			addr, err := p.alloc.Next()
			if err != nil {
				return err
			}
			node.Addr = addr
		case *topology.Switch:
			// switches carry no address
		default:
			return fmt.Errorf("assign addresses: unhandled node variant %T", n)
		}
	}
	return nil
}

// downlinkAddrs returns the set of addresses reachable at or below n,
// computed bottom-up. Switch results are cached on the node.
func downlinkAddrs(n topology.Node) ([]int, error) {
	switch node := n.(type) {
	case *topology.Machine:
		return []int{node.Addr}, nil
	case *topology.Placeholder:
		return []int{node.Addr}, nil
	case *topology.Switch:
		if node.DownlinkAddrs != nil {
			return node.DownlinkAddrs, nil
		}
		var addrs []int
		for _, d := range node.Downlinks() {
			child, err := downlinkAddrs(d)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, child...)
		}
		node.DownlinkAddrs = addrs
		return addrs, nil
	default:
		return nil, fmt.Errorf("downlink addrs: unhandled node variant %T", n)
	}
}

// passComputeSwitchingTables builds every switch's forwarding table. The
// table covers the full allocated address range; addresses not reachable on
// a downlink default to the uplink port. Downlinks take ports
// [0, len(downlinks)), the single uplink the next port.
func (p *Pipeline) passComputeSwitchingTables() error {
	if err := p.require(StageComputeTables, StageAssignAddresses); err != nil {
		return err
	}

	for _, r := range p.Graph.Roots {
		if _, err := downlinkAddrs(r); err != nil {
			return err
		}
	}

	tableSize, err := p.alloc.Peek()
	if err != nil {
		return err
	}
	for _, sw := range p.Graph.DFSSwitches() {
		table := make([]int, tableSize)
		uplink := sw.UplinkPort()
		for i := range table {
			table[i] = uplink
		}
		for port, d := range sw.Downlinks() {
			addrs, err := downlinkAddrs(d)
			if err != nil {
				return err
			}
			for _, a := range addrs {
				table[a] = port
			}
		}
		sw.Table = table
	}
	return nil
}

// passHostMapping binds abstract nodes to host slots. Strategy selection:
// an explicit callable wins, then the topology's named strategy, then the
// structural default.
func (p *Pipeline) passHostMapping() error {
	if err := p.require(StageHostMapping); err != nil {
		return err
	}
	mapper := p.mapper
	if mapper == nil && p.Graph.MapperName != "" {
		m, err := runfarm.StrategyByName(p.Graph.MapperName)
		if err != nil {
			return err
		}
		mapper = m
	}
	if mapper == nil {
		mapper = runfarm.DefaultMapper(p.Graph)
	}
	return mapper(p.Graph, p.Farm)
}

// passResolveHWConfigs collapses every machine's hardware config reference
// to the resolved form: unset refs take the run default, named refs resolve
// through the registry, resolved refs stay as they are. The deploy triplet
// is pre-resolved and cached in all cases, so rerunning the pass is a no-op.
func (p *Pipeline) passResolveHWConfigs() error {
	if err := p.require(StageResolveHWConfigs); err != nil {
		return err
	}
	for _, m := range p.Graph.DFSMachines() {
		cfg, ok := m.HWConfig.Resolved()
		if !ok {
			name := m.HWConfig.UnresolvedName()
			if name == "" {
				name = p.Defaults.HWConfig
			}
			resolved, err := p.HWDB.Get(name)
			if err != nil {
				return fmt.Errorf("machine %s: %w", m.Name(), err)
			}
			cfg = resolved
		}
		cfg.ResolveDeployTriplet()
		m.HWConfig = topology.HWConfigResolved(cfg)
	}
	return nil
}

func defaultTo[T any](field **T, v T) {
	if *field == nil {
		*field = &v
	}
}

// passApplyNetDefaults fills in any network parameter the user topology left
// unset. User-supplied values are never overwritten.
func (p *Pipeline) passApplyNetDefaults() error {
	if err := p.require(StageNetDefaults); err != nil {
		return err
	}
	d := p.Defaults
	for _, n := range p.Graph.DFSOrder() {
		switch node := n.(type) {
		case *topology.Switch:
			defaultTo(&node.LinkLatency, d.LinkLatency)
			defaultTo(&node.SwitchingLatency, d.SwitchingLatency)
			defaultTo(&node.Bandwidth, d.Bandwidth)
		case *topology.Machine:
			defaultTo(&node.LinkLatency, d.LinkLatency)
			defaultTo(&node.BandwidthMax, d.Bandwidth)
			defaultTo(&node.ProfileInterval, d.ProfileInterval)
			defaultTo(&node.TraceEnable, d.TraceEnable)
			defaultTo(&node.TraceSelect, d.TraceSelect)
			defaultTo(&node.TraceStart, d.TraceStart)
			defaultTo(&node.TraceEnd, d.TraceEnd)
			defaultTo(&node.TraceOutputFormat, d.TraceOutputFormat)
			defaultTo(&node.AutocounterReadRate, d.AutocounterReadRate)
			defaultTo(&node.ZeroOutDRAM, d.ZeroOutDRAM)
			defaultTo(&node.DisableAsserts, d.DisableAsserts)
			defaultTo(&node.PrintStart, d.PrintStart)
			defaultTo(&node.PrintEnd, d.PrintEnd)
			defaultTo(&node.PrintCyclePrefix, d.PrintCyclePrefix)
		case *topology.Placeholder:
			// placeholders inherit their carrier machine's parameters
		default:
			return fmt.Errorf("apply net defaults: unhandled node variant %T", n)
		}
	}
	return nil
}

// passAssignJobs gives each machine the workload job matching its DFS
// position.
func (p *Pipeline) passAssignJobs() error {
	if err := p.require(StageAssignJobs); err != nil {
		return err
	}
	for i, m := range p.Graph.DFSMachines() {
		job := p.Workload.Job(i)
		m.Job = &job
	}
	return nil
}

// passAllocateBlockDevices allocates each machine's virtual block devices.
// Names are issued once and kept stable for the whole run so teardown can
// release exactly what was allocated.
func (p *Pipeline) passAllocateBlockDevices() error {
	if err := p.require(StageAllocateBlockDev, StageAssignJobs); err != nil {
		return err
	}
	for _, m := range p.Graph.DFSMachines() {
		if len(m.BlockDevices) > 0 {
			continue
		}
		m.BlockDevices = []string{fmt.Sprintf("/dev/nbd%d", p.nextBdev)}
		p.nextBdev++
	}
	return nil
}
