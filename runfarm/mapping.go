package runfarm

import (
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/cmx-Y/firesim/topology"
)

// ErrMixedDownlinks is returned when one switch has both switch and machine
// children. The simple mapping strategies cannot place such a switch, and
// the topology is rejected outright.
var ErrMixedDownlinks = errors.New("mixed switch/machine downlinks under one switch")

// Mapper places every deployable topology node onto a host slot.
type Mapper func(g *topology.Graph, inv *Inventory) error

var strategies = map[string]Mapper{
	"no_net":      NoNetMapping,
	"simple_net":  SimpleNetworkedMapping,
	"single_host": SingleHostMapping,
}

// StrategyByName resolves a named mapping strategy.
func StrategyByName(name string) (Mapper, error) {
	m, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown mapping strategy %q", name)
	}
	return m, nil
}

// DefaultMapper picks the structural default: packing when every root is a
// machine, simple networked mapping otherwise.
func DefaultMapper(g *topology.Graph) Mapper {
	if g.RootsAreMachines() {
		return NoNetMapping
	}
	return SimpleNetworkedMapping
}

// NoNetMapping packs machines onto accelerator hosts, largest hosts first,
// spilling to the next host when one fills up. Only valid when every root is
// a machine. Ties in capacity keep enumeration order (stable sort).
func NoNetMapping(g *topology.Graph, inv *Inventory) error {
	machines := g.DFSMachines()

	hosts := inv.AcceleratorHosts()
	sort.SliceStable(hosts, func(i, j int) bool {
		return hosts[i].Spec.Capacity > hosts[j].Spec.Capacity
	})

	idx := 0
	for _, h := range hosts {
		for h.FreeSlots() > 0 && idx < len(machines) {
			if err := h.AddMachine(machines[idx]); err != nil {
				return err
			}
			idx++
		}
		if idx == len(machines) {
			break
		}
	}
	if idx != len(machines) {
		return fmt.Errorf("%w: %d of %d machines left unassigned", ErrCapacityExhausted, len(machines)-idx, len(machines))
	}
	log.Infof("mapping: packed %d machines onto %d accelerator hosts", len(machines), len(hosts))
	return nil
}

// downlinkKind classifies a switch's non-placeholder downlinks. Mixed
// children are a fatal configuration error.
func downlinkKind(s *topology.Switch) (switches []*topology.Switch, machines []*topology.Machine, err error) {
	for _, d := range s.Downlinks() {
		switch n := d.(type) {
		case *topology.Switch:
			switches = append(switches, n)
		case *topology.Machine:
			machines = append(machines, n)
		case *topology.Placeholder:
			// Placeholders ride in a sibling machine's slot; they never take
			// a mapping decision of their own.
		default:
			return nil, nil, fmt.Errorf("switch %s: unhandled node variant %T", s.Name(), d)
		}
	}
	if len(switches) > 0 && len(machines) > 0 {
		return nil, nil, fmt.Errorf("%w: switch %s has %d switch and %d machine children",
			ErrMixedDownlinks, s.Name(), len(switches), len(machines))
	}
	return switches, machines, nil
}

// SimpleNetworkedMapping assigns each switch whose children are all switches
// to a switch-only host, and each switch whose children are all machines to
// one accelerator host big enough for all of them, so a leaf switch and its
// machines never cross a physical host boundary. Accelerator hosts are tried
// smallest first to keep the large hosts free for the wide switches.
func SimpleNetworkedMapping(g *topology.Graph, inv *Inventory) error {
	switchHosts := inv.SwitchHosts()
	accelHosts := inv.AcceleratorHosts()
	sort.SliceStable(accelHosts, func(i, j int) bool {
		return accelHosts[i].Spec.Capacity < accelHosts[j].Spec.Capacity
	})

	for _, sw := range g.DFSSwitches() {
		childSwitches, childMachines, err := downlinkKind(sw)
		if err != nil {
			return err
		}

		switch {
		case len(childSwitches) > 0 || (len(childSwitches) == 0 && len(childMachines) == 0):
			placed := false
			for _, h := range switchHosts {
				if h.FreeSwitchSlots() > 0 {
					h.AddSwitch(sw)
					placed = true
					break
				}
			}
			if !placed {
				return fmt.Errorf("%w: no switch host free for switch %s", ErrCapacityExhausted, sw.Name())
			}
		case len(childMachines) > 0:
			placed := false
			for _, h := range accelHosts {
				if len(h.Machines) == 0 && len(h.Switches) == 0 && h.FreeSlots() >= len(childMachines) {
					h.AddSwitch(sw)
					for _, m := range childMachines {
						if err := h.AddMachine(m); err != nil {
							return err
						}
					}
					placed = true
					break
				}
			}
			if !placed {
				return fmt.Errorf("%w: no accelerator host with %d free slots for switch %s",
					ErrCapacityExhausted, len(childMachines), sw.Name())
			}
		}
	}
	return nil
}

// SingleHostMapping puts every switch and machine onto the first accelerator
// host, in traversal order. Used for constrained or minimal farms. Unlike
// the original tooling this strategy still checks the host's slot capacity
// rather than silently oversubscribing it.
func SingleHostMapping(g *topology.Graph, inv *Inventory) error {
	accelHosts := inv.AcceleratorHosts()
	if len(accelHosts) == 0 {
		return fmt.Errorf("%w: single-host mapping needs at least one accelerator host", ErrCapacityExhausted)
	}
	h := accelHosts[0]

	for _, sw := range g.DFSSwitches() {
		_, childMachines, err := downlinkKind(sw)
		if err != nil {
			return err
		}
		h.AddSwitch(sw)
		for _, m := range childMachines {
			if err := h.AddMachine(m); err != nil {
				return err
			}
		}
	}
	// Machine roots (no switch above them) still need a slot.
	for _, m := range g.DFSMachines() {
		if m.Uplink() == nil {
			if err := h.AddMachine(m); err != nil {
				return err
			}
		}
	}
	return nil
}
