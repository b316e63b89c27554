package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"k8s.io/klog/v2"

	"github.com/modelcloud/trainagent/pkg/graph"
	"github.com/modelcloud/trainagent/pkg/tensor"
)

var (
	// ErrCompleted is returned when resuming a state that has already run to
	// completion (or that never suspended at all).
	ErrCompleted = errors.New("execution state already completed")

	// ErrValueCount is returned when the replacement values supplied on
	// resume do not match the suspended yield's declared slot count. The
	// state is left untouched.
	ErrValueCount = errors.New("replacement value count mismatch")

	// ErrTerminated is returned when RunOptions.Terminate aborts a run.
	ErrTerminated = errors.New("run terminated")
)

// RunOptions are per-call options, passed through to the executor and not
// interpreted by the agent.
type RunOptions struct {
	// Terminate aborts the run before the next node executes.
	Terminate bool
	// Tag is attached to log lines for this call.
	Tag string
	// LogVerbosity is the klog verbosity level for per-node logging.
	LogVerbosity int
}

func (o *RunOptions) verbosity() int {
	if o == nil || o.LogVerbosity <= 0 {
		return 4
	}
	return o.LogVerbosity
}

// Executor evaluates subgraphs over a fixed node-to-provider placement.
type Executor struct {
	placement map[string]Provider
}

func NewExecutor(placement map[string]Provider) *Executor {
	return &Executor{placement: placement}
}

// State is a parked execution: the value environment plus the position of
// the yield the run is suspended at. Suspension is state capture, not a
// blocked thread.
type State struct {
	sub    *graph.Subgraph
	order  []*graph.Node
	next   int
	env    map[string]*tensor.Value
	parent map[string]*tensor.Value
	yield  *graph.Node
	done   bool
}

// Done reports whether the state reached the end of its subgraph.
func (s *State) Done() bool {
	return s.done
}

// Yielded reports whether the state is suspended at a yield node.
func (s *State) Yielded() bool {
	return s.yield != nil
}

// YieldSurfaced returns how many values the suspended yield surfaced to the
// caller (zero when completed).
func (s *State) YieldSurfaced() int {
	if s.yield == nil {
		return 0
	}
	return len(s.yield.Inputs)
}

// YieldSlots returns the declared slot count the suspended yield expects on
// resume (zero when completed).
func (s *State) YieldSlots() int {
	if s.yield == nil {
		return 0
	}
	return len(s.yield.Outputs)
}

// Environment returns a snapshot of the captured value environment for
// derived execution (a backward run reading stashed forward intermediates).
// The copy keeps derived runs independent of later resumption of this state;
// Values are never mutated once produced, so sharing them is safe.
func (s *State) Environment() map[string]*tensor.Value {
	return maps.Clone(s.env)
}

func (s *State) lookup(name string) (*tensor.Value, bool) {
	if v, ok := s.env[name]; ok {
		return v, true
	}
	if s.parent != nil {
		if v, ok := s.parent[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Start begins evaluation of sub with the given feeds, running until the
// first yield node or the end of the subgraph. parent, if non-nil, is a
// read-only environment consulted for values the subgraph does not produce
// itself. Returns the parked state and the surfaced values.
func (e *Executor) Start(ctx context.Context, sub *graph.Subgraph, feeds map[string]*tensor.Value, parent map[string]*tensor.Value, opts *RunOptions) (*State, []*tensor.Value, error) {
	extern := make(map[string]bool, len(parent))
	for name := range parent {
		extern[name] = true
	}
	order, err := Order(sub, extern)
	if err != nil {
		return nil, nil, err
	}

	env := make(map[string]*tensor.Value, len(sub.Nodes)+len(feeds))
	for _, in := range sub.Inputs {
		v, ok := feeds[in]
		if !ok {
			return nil, nil, fmt.Errorf("subgraph input %q is not bound", in)
		}
		env[in] = v
	}

	state := &State{
		sub:    sub,
		order:  order,
		env:    env,
		parent: parent,
	}
	outputs, err := e.run(ctx, state, opts)
	if err != nil {
		return nil, nil, err
	}
	return state, outputs, nil
}

// Resume substitutes replacements for the suspended yield's output slots and
// continues evaluation until the next yield or completion. On a count
// mismatch the state is not modified and the call may be retried.
func (e *Executor) Resume(ctx context.Context, state *State, replacements []*tensor.Value, opts *RunOptions) ([]*tensor.Value, error) {
	if state.done || state.yield == nil {
		return nil, ErrCompleted
	}
	if len(replacements) != len(state.yield.Outputs) {
		return nil, fmt.Errorf("yield %q declares %d slots, got %d values: %w",
			state.yield.Name, len(state.yield.Outputs), len(replacements), ErrValueCount)
	}
	for i, out := range state.yield.Outputs {
		state.env[out] = replacements[i]
	}
	state.yield = nil
	return e.run(ctx, state, opts)
}

func (e *Executor) run(ctx context.Context, state *State, opts *RunOptions) ([]*tensor.Value, error) {
	log := klog.FromContext(ctx)
	if opts != nil && opts.Tag != "" {
		log = log.WithValues("tag", opts.Tag)
	}
	v := opts.verbosity()

	for state.next < len(state.order) {
		if opts != nil && opts.Terminate {
			return nil, ErrTerminated
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		node := state.order[state.next]
		state.next++

		inputs := make([]*tensor.Value, len(node.Inputs))
		for i, name := range node.Inputs {
			value, ok := state.lookup(name)
			if !ok {
				return nil, fmt.Errorf("node %q reads value %q which was never produced", node.Name, name)
			}
			inputs[i] = value
		}

		if node.IsYield() {
			state.yield = node
			log.V(v).Info("suspending at yield", "node", node.Name, "surfaced", len(inputs))
			return inputs, nil
		}

		provider, ok := e.placement[node.Name]
		if !ok {
			return nil, fmt.Errorf("node %q has no provider placement", node.Name)
		}

		outputs, err := provider.Apply(ctx, node, inputs)
		if err != nil {
			return nil, fmt.Errorf("executing node %q on provider %q: %w", node.Name, provider.Name(), err)
		}
		if len(outputs) != len(node.Outputs) {
			return nil, fmt.Errorf("node %q produced %d values, declares %d outputs", node.Name, len(outputs), len(node.Outputs))
		}
		for i, name := range node.Outputs {
			state.env[name] = outputs[i]
		}
		log.V(v).Info("executed node", "node", node.Name, "op", node.Op, "provider", provider.Name())
	}

	state.done = true
	outputs := make([]*tensor.Value, len(state.sub.Outputs))
	for i, name := range state.sub.Outputs {
		value, ok := state.lookup(name)
		if !ok {
			return nil, fmt.Errorf("subgraph output %q was never produced", name)
		}
		outputs[i] = value
	}
	return outputs, nil
}
