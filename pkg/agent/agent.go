// Package agent implements the suspend/resume execution agent. An Agent
// drives partial evaluation of a loaded model's forward and backward
// subgraphs: each call runs to the next yield operator (or completion) on
// the calling goroutine, parks the execution state, and hands back partial
// outputs with a run identifier and continuation token.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/modelcloud/trainagent/pkg/engine"
	"github.com/modelcloud/trainagent/pkg/session"
	"github.com/modelcloud/trainagent/pkg/tensor"
)

// Agent owns a session's execution context exclusively. Construct with New,
// release with Close. Suspended runs are independently resumable from
// different goroutines as long as each run is touched by one goroutine at a
// time; the agent serializes top-level forward initiation internally.
type Agent struct {
	execCtx *session.ExecContext

	// initMu serializes RunForward initiation.
	initMu sync.Mutex

	mu      sync.Mutex
	runs    map[uint64]*runState
	nextRun uint64
	closed  bool
}

// New constructs an agent bound to the session's execution context. Fails if
// the context is already claimed by another agent.
func New(sess *session.Session) (*Agent, error) {
	execCtx, err := sess.ExecutionContext()
	if err != nil {
		return nil, fmt.Errorf("constructing agent: %w", err)
	}
	return &Agent{
		execCtx: execCtx,
		runs:    make(map[uint64]*runState),
	}, nil
}

// Close releases the execution context and discards all run state. Resuming
// any run after Close fails with ErrInvalidRun.
func (a *Agent) Close() {
	a.mu.Lock()
	a.closed = true
	a.runs = make(map[uint64]*runState)
	a.mu.Unlock()
	a.execCtx.Release()
}

// RunForward executes the forward subgraph from its start until the first
// yield operator or graph end. The binding is read once, at call time.
// Returns the surfaced values, a fresh run identifier, and the continuation
// token embedded in it. If the subgraph has no yield, the returned values
// are the full output set and the token denotes a terminal state: any resume
// on it fails with ErrInvalidRun.
func (a *Agent) RunForward(ctx context.Context, binding *session.IOBinding, opts *engine.RunOptions) ([]*tensor.Value, RunID, error) {
	a.initMu.Lock()
	defer a.initMu.Unlock()

	if err := a.checkOpen(); err != nil {
		return nil, RunID{}, err
	}

	feeds, err := binding.Snapshot()
	if err != nil {
		return nil, RunID{}, fmt.Errorf("reading binding: %w", err)
	}

	state, outputs, err := a.execCtx.Executor().Start(ctx, &a.execCtx.Model().Forward, feeds, nil, a.runOptions(opts))
	if err != nil {
		return nil, RunID{}, fmt.Errorf("running forward subgraph: %w", err)
	}

	id := a.register(runForward, state)
	klog.FromContext(ctx).V(3).Info("forward run started", "run", id.Run,
		"surfaced", len(outputs), "suspended", state.Yielded())
	return cloneOut(outputs), id, nil
}

// ResumeForward restores a suspended forward run, substitutes values for the
// yielded slots (one per slot, in the order they were returned), and
// continues to the next yield or completion.
func (a *Agent) ResumeForward(ctx context.Context, values []*tensor.Value, id RunID) ([]*tensor.Value, RunID, error) {
	return a.resume(ctx, runForward, values, id)
}

// RunBackward begins backward execution derived from a forward run that is
// suspended at a yield, seeded with one gradient per surfaced output slot.
// The forward run is left suspended; its token remains valid. Returns the
// backward run's first output batch under a fresh run identifier.
func (a *Agent) RunBackward(ctx context.Context, grads []*tensor.Value, id RunID) ([]*tensor.Value, RunID, error) {
	forward, err := a.lookup(id)
	if err != nil {
		return nil, RunID{}, err
	}

	forward.mu.Lock()
	defer forward.mu.Unlock()

	if forward.kind != runForward || forward.token != id.Token || !forward.live() || !forward.state.Yielded() {
		return nil, RunID{}, fmt.Errorf("run %d is not a forward run suspended at a yield: %w", id.Run, ErrInvalidRun)
	}

	model := a.execCtx.Model()
	if model.Backward == nil {
		return nil, RunID{}, fmt.Errorf("model %q has no backward subgraph: %w", model.Name, ErrInvalidRun)
	}
	if len(grads) != forward.state.YieldSurfaced() {
		return nil, RunID{}, fmt.Errorf("forward yield surfaced %d values, got %d gradients: %w",
			forward.state.YieldSurfaced(), len(grads), ErrValueCount)
	}
	if len(model.Backward.Inputs) != len(grads) {
		return nil, RunID{}, fmt.Errorf("backward subgraph declares %d inputs, forward yield surfaced %d values: %w",
			len(model.Backward.Inputs), len(grads), ErrInvalidRun)
	}

	feeds := make(map[string]*tensor.Value, len(grads))
	for i, name := range model.Backward.Inputs {
		feeds[name] = grads[i].Clone()
	}

	// Backward reads stashed forward intermediates through the parked
	// forward environment.
	state, outputs, err := a.execCtx.Executor().Start(ctx, model.Backward, feeds, forward.state.Environment(), a.runOptions(nil))
	if err != nil {
		return nil, RunID{}, fmt.Errorf("running backward subgraph: %w", err)
	}
	forward.touched = time.Now()

	backwardID := a.register(runBackward, state)
	klog.FromContext(ctx).V(3).Info("backward run started", "run", backwardID.Run,
		"forwardRun", id.Run, "surfaced", len(outputs), "suspended", state.Yielded())
	return cloneOut(outputs), backwardID, nil
}

// ResumeBackward restores a suspended backward run and continues it to its
// next yield or completion. Same contract as ResumeForward.
func (a *Agent) ResumeBackward(ctx context.Context, values []*tensor.Value, id RunID) ([]*tensor.Value, RunID, error) {
	return a.resume(ctx, runBackward, values, id)
}

func (a *Agent) resume(ctx context.Context, kind runKind, values []*tensor.Value, id RunID) ([]*tensor.Value, RunID, error) {
	run, err := a.lookup(id)
	if err != nil {
		return nil, RunID{}, err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if run.kind != kind {
		return nil, RunID{}, fmt.Errorf("run %d is a %s run: %w", id.Run, run.kind, ErrInvalidRun)
	}
	if run.token != id.Token || !run.live() {
		return nil, RunID{}, fmt.Errorf("run %d has no pending yield for this token: %w", id.Run, ErrInvalidRun)
	}

	// Values passed in are consumed; copy what we keep.
	replacements := make([]*tensor.Value, len(values))
	for i, v := range values {
		replacements[i] = v.Clone()
	}

	outputs, err := a.execCtx.Executor().Resume(ctx, run.state, replacements, a.runOptions(nil))
	if err != nil {
		if errors.Is(err, engine.ErrValueCount) {
			// Run state untouched; same token retries.
			return nil, RunID{}, fmt.Errorf("resuming run %d: %w", id.Run, err)
		}
		// Execution state is no longer trustworthy; escalate to invalid.
		run.token = ""
		return nil, RunID{}, fmt.Errorf("resuming run %d: %w", id.Run, err)
	}

	run.touched = time.Now()
	next := a.rotate(run)
	klog.FromContext(ctx).V(3).Info("run resumed", "run", id.Run, "kind", kind.String(),
		"surfaced", len(outputs), "suspended", run.state.Yielded())
	return cloneOut(outputs), next, nil
}

// Runs reports how many runs the agent currently tracks (live and
// completed-but-unreaped).
func (a *Agent) Runs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.runs)
}

func (a *Agent) checkOpen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("agent is closed: %w", ErrInvalidRun)
	}
	return nil
}

func (a *Agent) lookup(id RunID) (*runState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("agent is closed: %w", ErrInvalidRun)
	}
	run, ok := a.runs[id.Run]
	if !ok {
		return nil, fmt.Errorf("unknown run %d: %w", id.Run, ErrInvalidRun)
	}
	return run, nil
}

func (a *Agent) register(kind runKind, state *engine.State) RunID {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextRun++
	run := &runState{
		num:     a.nextRun,
		kind:    kind,
		state:   state,
		token:   uuid.NewString(),
		touched: time.Now(),
	}
	a.runs[run.num] = run
	return RunID{Run: run.num, Token: run.token}
}

// rotate retires the run's current token and issues the next one. Caller
// holds run.mu.
func (a *Agent) rotate(run *runState) RunID {
	run.token = uuid.NewString()
	return RunID{Run: run.num, Token: run.token}
}

func (a *Agent) runOptions(opts *engine.RunOptions) *engine.RunOptions {
	if opts != nil {
		return opts
	}
	if v := a.execCtx.LogVerbosity(); v > 0 {
		return &engine.RunOptions{LogVerbosity: v}
	}
	return nil
}

// cloneOut copies values out of the parked environment; ownership of the
// returned values transfers to the caller.
func cloneOut(values []*tensor.Value) []*tensor.Value {
	out := make([]*tensor.Value, len(values))
	for i, v := range values {
		out[i] = v.Clone()
	}
	return out
}
