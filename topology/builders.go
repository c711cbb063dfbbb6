package topology

import (
	"fmt"
	"sync"
)

// BuildParams carries the knobs a topology builder may consult.
type BuildParams struct {
	// NoNetNodes is the machine count for non-networked topologies.
	NoNetNodes int
}

// BuilderFunc constructs one named topology.
type BuilderFunc func(p BuildParams) (*Graph, error)

var (
	buildersMu sync.RWMutex
	builders   = make(map[string]BuilderFunc)
)

// RegisterBuilder adds a named topology builder. Later registrations with
// the same name win, so user code can shadow the built-ins.
func RegisterBuilder(name string, fn BuilderFunc) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders[name] = fn
}

// Build constructs the named topology.
func Build(name string, p BuildParams) (*Graph, error) {
	buildersMu.RLock()
	fn, ok := builders[name]
	buildersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no topology named %q", name)
	}
	return fn(p)
}

func init() {
	RegisterBuilder("no_net_config", func(p BuildParams) (*Graph, error) {
		if p.NoNetNodes <= 0 {
			return nil, fmt.Errorf("no_net_config requires a positive machine count, got %d", p.NoNetNodes)
		}
		g := &Graph{}
		for i := 0; i < p.NoNetNodes; i++ {
			g.Roots = append(g.Roots, NewMachine(fmt.Sprintf("machine%d", i)))
		}
		return g, nil
	})

	RegisterBuilder("example_2config", func(p BuildParams) (*Graph, error) {
		root := NewSwitch("rootswitch",
			NewMachine("machine0"),
			NewMachine("machine1"),
		)
		return &Graph{Roots: []Node{root}}, nil
	})

	RegisterBuilder("example_8config", func(p BuildParams) (*Graph, error) {
		var leaves []Node
		for i := 0; i < 2; i++ {
			var machines []Node
			for j := 0; j < 4; j++ {
				machines = append(machines, NewMachine(fmt.Sprintf("machine%d", i*4+j)))
			}
			leaves = append(leaves, NewSwitch(fmt.Sprintf("leafswitch%d", i), machines...))
		}
		root := NewSwitch("rootswitch", leaves...)
		return &Graph{Roots: []Node{root}}, nil
	})

	// One accelerator slot hosting four co-located targets: a single
	// deployable machine plus three placeholders riding in its slot.
	RegisterBuilder("supernode_example_4config", func(p BuildParams) (*Graph, error) {
		root := NewSwitch("rootswitch",
			NewMachine("supernode0"),
			NewPlaceholder("supernode0_sub1"),
			NewPlaceholder("supernode0_sub2"),
			NewPlaceholder("supernode0_sub3"),
		)
		return &Graph{Roots: []Node{root}}, nil
	})
}
