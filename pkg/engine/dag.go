package engine

import (
	"fmt"

	"github.com/modelcloud/trainagent/pkg/graph"
)

// Order returns an evaluation order for the subgraph: every node appears
// after the producers of its inputs. Values in extern are treated as already
// available (subgraph inputs, or forward intermediates visible to a backward
// subgraph).
func Order(sub *graph.Subgraph, extern map[string]bool) ([]*graph.Node, error) {
	available := make(map[string]bool, len(extern)+len(sub.Inputs))
	for name := range extern {
		available[name] = true
	}
	for _, in := range sub.Inputs {
		available[in] = true
	}

	order := make([]*graph.Node, 0, len(sub.Nodes))
	done := make(map[string]bool, len(sub.Nodes))

	for {
		progress := false
		for i := range sub.Nodes {
			node := &sub.Nodes[i]
			if done[node.Name] {
				continue
			}

			ready := true
			for _, in := range node.Inputs {
				if !available[in] {
					ready = false
					break
				}
			}
			if ready {
				done[node.Name] = true
				for _, out := range node.Outputs {
					available[out] = true
				}
				order = append(order, node)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	if len(order) != len(sub.Nodes) {
		for i := range sub.Nodes {
			if !done[sub.Nodes[i].Name] {
				return nil, fmt.Errorf("node %q could not be scheduled (cycle or unreachable input)", sub.Nodes[i].Name)
			}
		}
	}

	return order, nil
}
