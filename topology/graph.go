package topology

// Graph is the abstract target topology: a forest of switch/machine trees.
// Nodes are constructed once by a builder and mutated in place by the
// compilation passes; no node is ever removed during a run.
type Graph struct {
	Roots []Node

	// MapperName optionally selects a named host-mapping strategy for this
	// topology instead of the structural default.
	MapperName string
}

// DFSOrder returns every node in depth-first pre-order over the roots.
func (g *Graph) DFSOrder() []Node {
	var order []Node
	var walk func(n Node)
	walk = func(n Node) {
		order = append(order, n)
		for _, d := range n.Downlinks() {
			walk(d)
		}
	}
	for _, r := range g.Roots {
		walk(r)
	}
	return order
}

// DFSSwitches returns only the switches, in DFS order.
func (g *Graph) DFSSwitches() []*Switch {
	var switches []*Switch
	for _, n := range g.DFSOrder() {
		if s, ok := n.(*Switch); ok {
			switches = append(switches, s)
		}
	}
	return switches
}

// DFSMachines returns only the deployable machines, in DFS order.
// Placeholders are excluded; they ride along with the machine they are
// co-located with.
func (g *Graph) DFSMachines() []*Machine {
	var machines []*Machine
	for _, n := range g.DFSOrder() {
		if m, ok := n.(*Machine); ok {
			machines = append(machines, m)
		}
	}
	return machines
}

// RootsAreSwitches reports whether this is a networked topology. Networked
// runs are a single shared simulation: one side finishing ends the run and
// the rest of the fleet must be torn down.
func (g *Graph) RootsAreSwitches() bool {
	if len(g.Roots) == 0 {
		return false
	}
	_, ok := g.Roots[0].(*Switch)
	return ok
}

// RootsAreMachines reports whether every root is a machine, i.e. a
// non-networked run of independent simulations.
func (g *Graph) RootsAreMachines() bool {
	if len(g.Roots) == 0 {
		return false
	}
	for _, r := range g.Roots {
		if _, ok := r.(*Machine); !ok {
			return false
		}
	}
	return true
}
