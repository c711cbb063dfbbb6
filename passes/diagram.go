package passes

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/emicklei/dot"
	log "github.com/sirupsen/logrus"

	"github.com/cmx-Y/firesim/topology"
)

// passRenderDiagram writes a Graphviz rendering of the mapped topology, one
// cluster per host. Side-effect only: nothing later depends on it.
func (p *Pipeline) passRenderDiagram() error {
	if err := p.require(StageRenderDiagram); err != nil {
		return err
	}
	if p.diagramDir == "" {
		return nil
	}

	hostOf := make(map[topology.Node]string)
	for _, h := range p.Farm.AllHosts() {
		for _, s := range h.Switches {
			hostOf[s] = h.Spec.Name
		}
		for _, m := range h.Machines {
			hostOf[m] = h.Spec.Name
		}
	}

	g := dot.NewGraph(dot.Directed)
	clusters := make(map[string]*dot.Graph)
	cluster := func(host string) *dot.Graph {
		if c, ok := clusters[host]; ok {
			return c
		}
		c := g.Subgraph(host, dot.ClusterOption{})
		clusters[host] = c
		return c
	}

	nodes := make(map[topology.Node]dot.Node)
	for _, n := range p.Graph.DFSOrder() {
		host, ok := hostOf[n]
		if !ok {
			host = "unmapped"
		}
		label := n.Name()
		if m, isMachine := n.(*topology.Machine); isMachine && m.Job != nil {
			label = fmt.Sprintf("%s\n%s", m.Name(), m.Job.Name)
		}
		nodes[n] = cluster(host).Node(n.Name()).Attr("shape", "record").Label(label)
	}
	for _, sw := range p.Graph.DFSSwitches() {
		for _, d := range sw.Downlinks() {
			g.Edge(nodes[sw], nodes[d])
		}
	}

	if err := os.MkdirAll(p.diagramDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(p.diagramDir, fmt.Sprintf("topology-%s.gv", p.Workload.RunID[:8]))
	if err := os.WriteFile(path, []byte(g.String()), 0o644); err != nil {
		return fmt.Errorf("writing diagram %s: %w", path, err)
	}
	log.Infof("topology diagram written to %s", path)
	return nil
}
