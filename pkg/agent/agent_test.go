package agent_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelcloud/trainagent/pkg/agent"
	"github.com/modelcloud/trainagent/pkg/engine/fallback"
	"github.com/modelcloud/trainagent/pkg/engine/parallel"
	"github.com/modelcloud/trainagent/pkg/graph"
	"github.com/modelcloud/trainagent/pkg/session"
	"github.com/modelcloud/trainagent/pkg/tensor"
)

// yieldModel: x --Scale(2)--> a --yield--> b --Scale(3)--> out, with a
// backward subgraph that multiplies the incoming gradient by the stashed
// forward intermediate, yields, then scales through.
func yieldModel() *graph.Graph {
	return &graph.Graph{
		Name: "yield-model",
		Forward: graph.Subgraph{
			Inputs:  []string{"x"},
			Outputs: []string{"out"},
			Nodes: []graph.Node{
				{Name: "pre", Op: graph.OpScale, Inputs: []string{"x"}, Outputs: []string{"a"}, Attrs: map[string]float64{"scale": 2}},
				{Name: "yield", Op: graph.OpYield, Inputs: []string{"a"}, Outputs: []string{"b"}},
				{Name: "post", Op: graph.OpScale, Inputs: []string{"b"}, Outputs: []string{"out"}, Attrs: map[string]float64{"scale": 3}},
			},
		},
		Backward: &graph.Subgraph{
			Inputs:  []string{"gb"},
			Outputs: []string{"gx"},
			Nodes: []graph.Node{
				{Name: "mul", Op: graph.OpMul, Inputs: []string{"gb", "a"}, Outputs: []string{"gm"}},
				{Name: "yield", Op: graph.OpYield, Inputs: []string{"gm"}, Outputs: []string{"h"}},
				{Name: "out", Op: graph.OpScale, Inputs: []string{"h"}, Outputs: []string{"gx"}, Attrs: map[string]float64{"scale": 1}},
			},
		},
	}
}

func noYieldModel() *graph.Graph {
	return &graph.Graph{
		Name: "plain-model",
		Forward: graph.Subgraph{
			Inputs:  []string{"x"},
			Outputs: []string{"out"},
			Nodes: []graph.Node{
				{Name: "only", Op: graph.OpScale, Inputs: []string{"x"}, Outputs: []string{"out"}, Attrs: map[string]float64{"scale": 5}},
			},
		},
	}
}

func newAgent(t *testing.T, model *graph.Graph) (*agent.Agent, *session.Session) {
	t.Helper()
	data, err := graph.Marshal(model, graph.FormatJSON)
	require.NoError(t, err)
	sess, err := session.NewFromBytes(context.Background(), data, nil,
		[]session.ProviderSpec{{Name: fallback.ProviderName}}, nil)
	require.NoError(t, err)
	ag, err := agent.New(sess)
	require.NoError(t, err)
	t.Cleanup(ag.Close)
	return ag, sess
}

func boundInput(t *testing.T, sess *session.Session, values ...float32) *session.IOBinding {
	t.Helper()
	binding := sess.NewIOBinding()
	require.NoError(t, binding.BindInput("x", tensor.Vector(values...)))
	return binding
}

func TestRunForwardSuspendsAtYield(t *testing.T) {
	ctx := context.Background()
	ag, sess := newAgent(t, yieldModel())

	surfaced, id, err := ag.RunForward(ctx, boundInput(t, sess, 1, 2), nil)
	require.NoError(t, err)
	assert.False(t, id.IsZero())
	require.Len(t, surfaced, 1)
	assert.Equal(t, []float32{2, 4}, surfaced[0].Floats())
}

func TestResumeForwardRotatesToken(t *testing.T) {
	ctx := context.Background()
	ag, sess := newAgent(t, yieldModel())

	surfaced, id, err := ag.RunForward(ctx, boundInput(t, sess, 1), nil)
	require.NoError(t, err)

	outputs, next, err := ag.ResumeForward(ctx, surfaced, id)
	require.NoError(t, err)
	assert.Equal(t, id.Run, next.Run)
	assert.NotEqual(t, id.Token, next.Token)
	require.Len(t, outputs, 1)
	assert.Equal(t, []float32{6}, outputs[0].Floats())

	// The consumed token is dead.
	_, _, err = ag.ResumeForward(ctx, outputs, id)
	assert.ErrorIs(t, err, agent.ErrInvalidRun)

	// The run completed, so even the fresh token has nothing to resume.
	_, _, err = ag.ResumeForward(ctx, outputs, next)
	assert.ErrorIs(t, err, agent.ErrInvalidRun)
}

func TestResumeSubstitutesValues(t *testing.T) {
	ctx := context.Background()
	ag, sess := newAgent(t, yieldModel())

	_, id, err := ag.RunForward(ctx, boundInput(t, sess, 1), nil)
	require.NoError(t, err)

	outputs, _, err := ag.ResumeForward(ctx, []*tensor.Value{tensor.Vector(10)}, id)
	require.NoError(t, err)
	assert.Equal(t, []float32{30}, outputs[0].Floats())
}

func TestRunForwardWithoutYieldIsTerminal(t *testing.T) {
	ctx := context.Background()
	ag, sess := newAgent(t, noYieldModel())

	outputs, id, err := ag.RunForward(ctx, boundInput(t, sess, 2), nil)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, []float32{10}, outputs[0].Floats())

	_, _, err = ag.ResumeForward(ctx, outputs, id)
	assert.ErrorIs(t, err, agent.ErrInvalidRun)
}

func TestResumeUnknownRun(t *testing.T) {
	ag, _ := newAgent(t, yieldModel())

	_, _, err := ag.ResumeForward(context.Background(), nil, agent.RunID{Run: 42, Token: "nope"})
	assert.ErrorIs(t, err, agent.ErrInvalidRun)
}

func TestResumeWrongToken(t *testing.T) {
	ctx := context.Background()
	ag, sess := newAgent(t, yieldModel())

	surfaced, id, err := ag.RunForward(ctx, boundInput(t, sess, 1), nil)
	require.NoError(t, err)

	_, _, err = ag.ResumeForward(ctx, surfaced, agent.RunID{Run: id.Run, Token: "forged"})
	assert.ErrorIs(t, err, agent.ErrInvalidRun)

	// The real token is still good.
	_, _, err = ag.ResumeForward(ctx, surfaced, id)
	require.NoError(t, err)
}

func TestResumeValueCountMismatchKeepsTokenAlive(t *testing.T) {
	ctx := context.Background()
	ag, sess := newAgent(t, yieldModel())

	surfaced, id, err := ag.RunForward(ctx, boundInput(t, sess, 1), nil)
	require.NoError(t, err)

	_, _, err = ag.ResumeForward(ctx, nil, id)
	assert.ErrorIs(t, err, agent.ErrValueCount)

	// Same run id retries with the corrected value count.
	outputs, _, err := ag.ResumeForward(ctx, surfaced, id)
	require.NoError(t, err)
	assert.Equal(t, []float32{6}, outputs[0].Floats())
}

func TestRunBackwardLeavesForwardSuspended(t *testing.T) {
	ctx := context.Background()
	ag, sess := newAgent(t, yieldModel())

	surfaced, fwd, err := ag.RunForward(ctx, boundInput(t, sess, 2), nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{4}, surfaced[0].Floats())

	grads, bwd, err := ag.RunBackward(ctx, []*tensor.Value{tensor.Vector(1)}, fwd)
	require.NoError(t, err)
	assert.NotEqual(t, fwd.Run, bwd.Run)
	// Backward read the stashed forward intermediate a=4.
	require.Len(t, grads, 1)
	assert.Equal(t, []float32{4}, grads[0].Floats())

	gx, _, err := ag.ResumeBackward(ctx, grads, bwd)
	require.NoError(t, err)
	assert.Equal(t, []float32{4}, gx[0].Floats())

	// The forward run and its token survived both backward calls.
	outputs, _, err := ag.ResumeForward(ctx, surfaced, fwd)
	require.NoError(t, err)
	assert.Equal(t, []float32{12}, outputs[0].Floats())
}

func TestForwardAndBackwardResumeConcurrently(t *testing.T) {
	ctx := context.Background()
	ag, sess := newAgent(t, yieldModel())

	surfaced, fwd, err := ag.RunForward(ctx, boundInput(t, sess, 2), nil)
	require.NoError(t, err)
	grads, bwd, err := ag.RunBackward(ctx, []*tensor.Value{tensor.Vector(1)}, fwd)
	require.NoError(t, err)

	// Distinct run identifiers resume from different goroutines; the
	// backward run must not share live state with the forward run.
	var wg sync.WaitGroup
	var fwdOut, bwdOut []*tensor.Value
	var fwdErr, bwdErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		fwdOut, _, fwdErr = ag.ResumeForward(ctx, surfaced, fwd)
	}()
	go func() {
		defer wg.Done()
		bwdOut, _, bwdErr = ag.ResumeBackward(ctx, grads, bwd)
	}()
	wg.Wait()

	require.NoError(t, fwdErr)
	require.NoError(t, bwdErr)
	assert.Equal(t, []float32{12}, fwdOut[0].Floats())
	assert.Equal(t, []float32{4}, bwdOut[0].Floats())
}

func TestMixedProviderExecution(t *testing.T) {
	ctx := context.Background()
	// Scale runs on the parallel provider, RMSNorm only on cpu; both must
	// execute in one run under precedence placement.
	model := &graph.Graph{
		Name: "mixed",
		Forward: graph.Subgraph{
			Inputs:  []string{"x"},
			Outputs: []string{"out"},
			Nodes: []graph.Node{
				{Name: "pre", Op: graph.OpScale, Inputs: []string{"x"}, Outputs: []string{"a"}, Attrs: map[string]float64{"scale": 2}},
				{Name: "yield", Op: graph.OpYield, Inputs: []string{"a"}, Outputs: []string{"b"}},
				{Name: "norm", Op: graph.OpRMSNorm, Inputs: []string{"b"}, Outputs: []string{"out"}},
			},
		},
	}
	data, err := graph.Marshal(model, graph.FormatJSON)
	require.NoError(t, err)
	sess, err := session.NewFromBytes(ctx, data, nil, []session.ProviderSpec{
		{Name: parallel.ProviderName},
		{Name: fallback.ProviderName},
	}, nil)
	require.NoError(t, err)
	ag, err := agent.New(sess)
	require.NoError(t, err)
	t.Cleanup(ag.Close)

	binding := sess.NewIOBinding()
	require.NoError(t, binding.BindInput("x", tensor.Vector(1, 2, 3)))

	surfaced, id, err := ag.RunForward(ctx, binding, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4, 6}, surfaced[0].Floats())

	outputs, _, err := ag.ResumeForward(ctx, surfaced, id)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.46290955, 0.9258191, 1.3887286}, outputs[0].Floats(), 0.00001)
}

func TestRunBackwardOnCompletedRun(t *testing.T) {
	ctx := context.Background()
	ag, sess := newAgent(t, yieldModel())

	surfaced, id, err := ag.RunForward(ctx, boundInput(t, sess, 1), nil)
	require.NoError(t, err)
	_, next, err := ag.ResumeForward(ctx, surfaced, id)
	require.NoError(t, err)

	_, _, err = ag.RunBackward(ctx, []*tensor.Value{tensor.Vector(1)}, next)
	assert.ErrorIs(t, err, agent.ErrInvalidRun)
}

func TestRunBackwardGradientCountMismatch(t *testing.T) {
	ctx := context.Background()
	ag, sess := newAgent(t, yieldModel())

	_, id, err := ag.RunForward(ctx, boundInput(t, sess, 1), nil)
	require.NoError(t, err)

	_, _, err = ag.RunBackward(ctx, []*tensor.Value{tensor.Vector(1), tensor.Vector(1)}, id)
	assert.ErrorIs(t, err, agent.ErrValueCount)

	// The mismatch did not invalidate the forward run.
	_, _, err = ag.RunBackward(ctx, []*tensor.Value{tensor.Vector(1)}, id)
	require.NoError(t, err)
}

func TestRunBackwardWithoutBackwardSubgraph(t *testing.T) {
	ctx := context.Background()
	model := yieldModel()
	model.Backward = nil
	ag, sess := newAgent(t, model)

	_, id, err := ag.RunForward(ctx, boundInput(t, sess, 1), nil)
	require.NoError(t, err)

	_, _, err = ag.RunBackward(ctx, []*tensor.Value{tensor.Vector(1)}, id)
	assert.ErrorIs(t, err, agent.ErrInvalidRun)
}

func TestResumeBackwardRejectsForwardRun(t *testing.T) {
	ctx := context.Background()
	ag, sess := newAgent(t, yieldModel())

	surfaced, id, err := ag.RunForward(ctx, boundInput(t, sess, 1), nil)
	require.NoError(t, err)

	_, _, err = ag.ResumeBackward(ctx, surfaced, id)
	assert.ErrorIs(t, err, agent.ErrInvalidRun)
}

func TestMultipleYields(t *testing.T) {
	ctx := context.Background()
	model := &graph.Graph{
		Name: "two-yields",
		Forward: graph.Subgraph{
			Inputs:  []string{"x"},
			Outputs: []string{"out"},
			Nodes: []graph.Node{
				{Name: "s1", Op: graph.OpScale, Inputs: []string{"x"}, Outputs: []string{"a"}, Attrs: map[string]float64{"scale": 2}},
				{Name: "y1", Op: graph.OpYield, Inputs: []string{"a"}, Outputs: []string{"b"}},
				{Name: "s2", Op: graph.OpScale, Inputs: []string{"b"}, Outputs: []string{"c"}, Attrs: map[string]float64{"scale": 3}},
				{Name: "y2", Op: graph.OpYield, Inputs: []string{"c"}, Outputs: []string{"d"}},
				{Name: "s3", Op: graph.OpScale, Inputs: []string{"d"}, Outputs: []string{"out"}, Attrs: map[string]float64{"scale": 5}},
			},
		},
	}
	ag, sess := newAgent(t, model)

	first, id, err := ag.RunForward(ctx, boundInput(t, sess, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{2}, first[0].Floats())

	second, id2, err := ag.ResumeForward(ctx, first, id)
	require.NoError(t, err)
	assert.Equal(t, []float32{6}, second[0].Floats())
	assert.NotEqual(t, id.Token, id2.Token)

	final, _, err := ag.ResumeForward(ctx, second, id2)
	require.NoError(t, err)
	assert.Equal(t, []float32{30}, final[0].Floats())
}

func TestOneAgentPerSession(t *testing.T) {
	ctx := context.Background()
	data, err := graph.Marshal(yieldModel(), graph.FormatJSON)
	require.NoError(t, err)
	sess, err := session.NewFromBytes(ctx, data, nil,
		[]session.ProviderSpec{{Name: fallback.ProviderName}}, nil)
	require.NoError(t, err)

	first, err := agent.New(sess)
	require.NoError(t, err)

	_, err = agent.New(sess)
	assert.ErrorIs(t, err, session.ErrContextClaimed)

	first.Close()
	second, err := agent.New(sess)
	require.NoError(t, err)
	second.Close()
}

func TestClosedAgentRejectsCalls(t *testing.T) {
	ctx := context.Background()
	ag, sess := newAgent(t, yieldModel())

	_, id, err := ag.RunForward(ctx, boundInput(t, sess, 1), nil)
	require.NoError(t, err)

	ag.Close()

	_, _, err = ag.ResumeForward(ctx, nil, id)
	assert.ErrorIs(t, err, agent.ErrInvalidRun)

	_, _, err = ag.RunForward(ctx, boundInput(t, sess, 1), nil)
	assert.ErrorIs(t, err, agent.ErrInvalidRun)
}
