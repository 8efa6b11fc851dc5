package scheduler

import (
	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// CheckAcyclic reports whether the flow's graph has a valid topological
// order, failing with kind cycle otherwise.
func CheckAcyclic(f *flow.Flow) error {
	_, err := topoSort(f)
	return err
}

// topoSort orders the flow's nodes with Kahn's algorithm. Declaration order
// breaks ties so the schedule is deterministic. A cycle fails the whole sort;
// no partial order is returned.
func topoSort(f *flow.Flow) ([]string, error) {
	inDegree := make(map[string]int, len(f.Nodes))
	children := make(map[string][]string, len(f.Nodes))
	for _, n := range f.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range f.Edges {
		children[e.Source] = append(children[e.Source], e.Target)
		inDegree[e.Target]++
	}

	var queue []string
	for _, n := range f.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]string, 0, len(f.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, c := range children[id] {
			inDegree[c]--
			if inDegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	if len(order) != len(f.Nodes) {
		return nil, flow.Errorf(flow.ErrCycle, "cycle detected in flow graph")
	}
	return order, nil
}
