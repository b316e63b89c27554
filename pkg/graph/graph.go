package graph

import (
	"fmt"
)

// Op identifies a node kind.
type Op string

const (
	OpAdd        Op = "Add"
	OpMul        Op = "Mul"
	OpScale      Op = "Scale"
	OpMatMul     Op = "MatMul"
	OpRMSNorm    Op = "RMSNorm"
	OpGather     Op = "Gather"
	OpGatherGrad Op = "GatherGrad"

	// OpYield suspends execution. The node's inputs are surfaced to the
	// caller; the node's outputs are the slots filled when the run resumes.
	OpYield Op = "Yield"
)

// Node is one operator in a subgraph. Inputs and Outputs name values in the
// enclosing subgraph's environment.
type Node struct {
	Name    string             `json:"name" yaml:"name"`
	Op      Op                 `json:"op" yaml:"op"`
	Inputs  []string           `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs []string           `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Attrs   map[string]float64 `json:"attrs,omitempty" yaml:"attrs,omitempty"`
}

// Attr returns a node attribute, or def if unset.
func (n *Node) Attr(key string, def float64) float64 {
	if v, ok := n.Attrs[key]; ok {
		return v
	}
	return def
}

func (n *Node) IsYield() bool {
	return n.Op == OpYield
}

// Subgraph is a contiguous region of the computation graph executed as one
// unit between yields.
type Subgraph struct {
	Inputs  []string `json:"inputs" yaml:"inputs"`
	Outputs []string `json:"outputs" yaml:"outputs"`
	Nodes   []Node   `json:"nodes" yaml:"nodes"`
}

// Graph is a loaded model: a forward subgraph and an optional backward
// subgraph. Backward input i is seeded with the gradient of the i-th value
// surfaced by the forward yield the backward run derives from; backward
// nodes may additionally read forward intermediates by name.
type Graph struct {
	Name     string    `json:"name,omitempty" yaml:"name,omitempty"`
	Forward  Subgraph  `json:"forward" yaml:"forward"`
	Backward *Subgraph `json:"backward,omitempty" yaml:"backward,omitempty"`
}

// Validate checks structural invariants: every node input must be produced
// by an earlier producer or be a subgraph input, value names must be
// produced at most once, and declared subgraph outputs must be produced.
func (g *Graph) Validate() error {
	if err := g.Forward.validate("forward", nil); err != nil {
		return err
	}
	if g.Backward != nil {
		// Backward may read any value the forward subgraph produces.
		visible := make(map[string]bool)
		for _, in := range g.Forward.Inputs {
			visible[in] = true
		}
		for i := range g.Forward.Nodes {
			for _, out := range g.Forward.Nodes[i].Outputs {
				visible[out] = true
			}
		}
		if err := g.Backward.validate("backward", visible); err != nil {
			return err
		}
		// Backward input i is seeded with the gradient of the i-th value a
		// forward yield surfaces, so the arities must line up.
		for i := range g.Forward.Nodes {
			node := &g.Forward.Nodes[i]
			if node.IsYield() && len(node.Inputs) != len(g.Backward.Inputs) {
				return fmt.Errorf("backward subgraph declares %d inputs but forward yield %q surfaces %d values",
					len(g.Backward.Inputs), node.Name, len(node.Inputs))
			}
		}
	}
	return nil
}

func (s *Subgraph) validate(name string, parent map[string]bool) error {
	produced := make(map[string]bool)
	for _, in := range s.Inputs {
		if produced[in] {
			return fmt.Errorf("%s subgraph: duplicate input %q", name, in)
		}
		produced[in] = true
	}
	for i := range s.Nodes {
		node := &s.Nodes[i]
		if node.Name == "" {
			return fmt.Errorf("%s subgraph: node %d has no name", name, i)
		}
		if node.Op == "" {
			return fmt.Errorf("%s subgraph: node %q has no op", name, node.Name)
		}
		for _, out := range node.Outputs {
			if produced[out] {
				return fmt.Errorf("%s subgraph: value %q produced more than once", name, out)
			}
		}
		for _, out := range node.Outputs {
			produced[out] = true
		}
	}

	// Inputs must resolve once the whole subgraph is accounted for; ordering
	// is the executor's concern.
	for i := range s.Nodes {
		node := &s.Nodes[i]
		for _, in := range node.Inputs {
			if !produced[in] && !parent[in] {
				return fmt.Errorf("%s subgraph: node %q reads undefined value %q", name, node.Name, in)
			}
		}
	}
	for _, out := range s.Outputs {
		if !produced[out] {
			return fmt.Errorf("%s subgraph: declared output %q is never produced", name, out)
		}
	}
	return nil
}

// YieldCount returns the number of yield nodes in the subgraph.
func (s *Subgraph) YieldCount() int {
	n := 0
	for i := range s.Nodes {
		if s.Nodes[i].IsYield() {
			n++
		}
	}
	return n
}
