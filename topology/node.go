package topology

import (
	"fmt"

	"github.com/cmx-Y/firesim/hwdb"
	"github.com/cmx-Y/firesim/workload"
)

// Node is one element of the abstract target topology. The concrete variants
// are *Switch, *Machine and *Placeholder; passes handle them with exhaustive
// type switches so a new variant cannot slip through unhandled.
type Node interface {
	Name() string
	Downlinks() []Node
	Uplink() Node

	setUplink(Node)
}

// HWConfigRef is either an unresolved config name, a resolved runtime
// hardware config, or the zero value meaning "use the run default". The
// defaulting pass collapses every ref to the resolved form.
type HWConfigRef struct {
	name     string
	resolved *hwdb.RuntimeHWConfig
}

// HWConfigNamed references a hardware config by name, to be resolved by the
// configuration pass.
func HWConfigNamed(name string) HWConfigRef {
	return HWConfigRef{name: name}
}

// HWConfigResolved wraps an already-resolved config.
func HWConfigResolved(cfg *hwdb.RuntimeHWConfig) HWConfigRef {
	return HWConfigRef{name: cfg.Name, resolved: cfg}
}

func (r HWConfigRef) IsZero() bool { return r.name == "" && r.resolved == nil }

func (r HWConfigRef) UnresolvedName() string { return r.name }

// Resolved returns the resolved config, or false if the ref is still a bare
// name or the zero value.
func (r HWConfigRef) Resolved() (*hwdb.RuntimeHWConfig, bool) {
	return r.resolved, r.resolved != nil
}

// Switch is an interior node of the topology. Its forwarding table and
// downlink address set are filled in by the table-computation pass; its host
// binary is built by the host-binding build pass.
type Switch struct {
	name      string
	downlinks []Node
	uplink    Node

	// Network parameters, nil until the defaulting pass runs.
	LinkLatency      *int
	SwitchingLatency *int
	Bandwidth        *int

	// DownlinkAddrs is the set of addresses reachable through this switch,
	// computed bottom-up over the tree.
	DownlinkAddrs []int
	// Table maps destination address to output port. Entries not covered by
	// a downlink default to the uplink port, which is len(downlinks).
	Table []int

	binaryPath string
	binaryDone bool
}

func NewSwitch(name string, downlinks ...Node) *Switch {
	s := &Switch{name: name, downlinks: downlinks}
	for _, d := range downlinks {
		d.setUplink(s)
	}
	return s
}

func (s *Switch) Name() string      { return s.name }
func (s *Switch) Downlinks() []Node { return s.downlinks }
func (s *Switch) Uplink() Node      { return s.uplink }
func (s *Switch) setUplink(n Node)  { s.uplink = n }

// UplinkPort is the port number packets leave on when the destination is not
// below this switch. Downlinks occupy ports [0, len(downlinks)); the single
// uplink takes the next port. Multi-path uplinks are unsupported.
func (s *Switch) UplinkPort() int { return len(s.downlinks) }

// BuildBinary builds this switch's simulation binary through builder, at
// most once per run.
func (s *Switch) BuildBinary(builder func(*Switch) (string, error)) (string, error) {
	if s.binaryDone {
		return s.binaryPath, nil
	}
	path, err := builder(s)
	if err != nil {
		return "", fmt.Errorf("building switch binary for %s: %w", s.name, err)
	}
	s.binaryPath = path
	s.binaryDone = true
	return path, nil
}

// Machine is a leaf node: one simulated target machine. Address, job,
// hardware config and block devices are populated by the passes.
type Machine struct {
	name   string
	uplink Node

	// Addr is the allocated address, -1 until the address pass runs.
	Addr int

	HWConfig HWConfigRef
	Job      *workload.Job

	LinkLatency         *int
	BandwidthMax        *int
	ProfileInterval     *int
	TraceEnable         *bool
	TraceSelect         *string
	TraceStart          *string
	TraceEnd            *string
	TraceOutputFormat   *string
	AutocounterReadRate *int
	ZeroOutDRAM         *bool
	DisableAsserts      *bool
	PrintStart          *string
	PrintEnd            *string
	PrintCyclePrefix    *bool

	// BlockDevices holds the virtual block device names allocated for this
	// machine. The slice is stable for the whole run so teardown can release
	// exactly what was allocated.
	BlockDevices []string
}

func NewMachine(name string) *Machine {
	return &Machine{name: name, Addr: -1}
}

func (m *Machine) Name() string      { return m.name }
func (m *Machine) Downlinks() []Node { return nil }
func (m *Machine) Uplink() Node      { return m.uplink }
func (m *Machine) setUplink(n Node)  { m.uplink = n }

// ResolvedHWConfig returns the machine's hardware config after the
// resolution pass has collapsed it.
func (m *Machine) ResolvedHWConfig() (*hwdb.RuntimeHWConfig, error) {
	cfg, ok := m.HWConfig.Resolved()
	if !ok {
		return nil, fmt.Errorf("machine %s: hardware config not resolved", m.name)
	}
	return cfg, nil
}

// Placeholder stands in for a machine that is physically co-located with
// another machine inside one accelerator slot. It participates in address
// assignment and forwarding tables but is never mapped to a host of its own.
type Placeholder struct {
	name   string
	uplink Node

	Addr int
}

func NewPlaceholder(name string) *Placeholder {
	return &Placeholder{name: name, Addr: -1}
}

func (p *Placeholder) Name() string      { return p.name }
func (p *Placeholder) Downlinks() []Node { return nil }
func (p *Placeholder) Uplink() Node      { return p.uplink }
func (p *Placeholder) setUplink(n Node)  { p.uplink = n }
