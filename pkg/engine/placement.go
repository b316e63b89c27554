package engine

import (
	"fmt"

	"github.com/modelcloud/trainagent/pkg/graph"
)

// Place assigns each node of the graph to the first provider in precedence
// order that supports its op. Yield nodes are handled by the executor itself
// and are not placed. A node no provider can execute is a construction
// error, surfaced before any execution happens.
func Place(g *graph.Graph, providers []Provider) (map[string]Provider, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("no execution providers configured")
	}

	placement := make(map[string]Provider)
	place := func(sub *graph.Subgraph) error {
		for i := range sub.Nodes {
			node := &sub.Nodes[i]
			if node.IsYield() {
				continue
			}
			placed := false
			for _, provider := range providers {
				if provider.Supports(node.Op) {
					placement[node.Name] = provider
					placed = true
					break
				}
			}
			if !placed {
				return fmt.Errorf("no execution provider supports node %q (op %s)", node.Name, node.Op)
			}
		}
		return nil
	}

	if err := place(&g.Forward); err != nil {
		return nil, err
	}
	if g.Backward != nil {
		if err := place(g.Backward); err != nil {
			return nil, err
		}
	}
	return placement, nil
}
