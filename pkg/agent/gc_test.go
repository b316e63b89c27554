package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelcloud/trainagent/pkg/agent"
	"github.com/modelcloud/trainagent/pkg/tensor"
)

func TestReapStaleDropsCompletedRuns(t *testing.T) {
	ctx := context.Background()
	ag, sess := newAgent(t, yieldModel())

	surfaced, id, err := ag.RunForward(ctx, boundInput(t, sess, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ag.Runs())

	_, _, err = ag.ResumeForward(ctx, surfaced, id)
	require.NoError(t, err)

	// The run completed; even a generous TTL reaps it.
	assert.Equal(t, 1, ag.ReapStale(time.Hour))
	assert.Equal(t, 0, ag.Runs())
}

func TestReapStaleKeepsFreshSuspendedRuns(t *testing.T) {
	ctx := context.Background()
	ag, sess := newAgent(t, yieldModel())

	surfaced, id, err := ag.RunForward(ctx, boundInput(t, sess, 1), nil)
	require.NoError(t, err)

	assert.Equal(t, 0, ag.ReapStale(time.Hour))
	assert.Equal(t, 1, ag.Runs())

	// A zero TTL treats every run as abandoned.
	assert.Equal(t, 1, ag.ReapStale(0))

	_, _, err = ag.ResumeForward(ctx, surfaced, id)
	assert.ErrorIs(t, err, agent.ErrInvalidRun)
}

func TestReapStaleLeavesBackwardRunsIndependent(t *testing.T) {
	ctx := context.Background()
	ag, sess := newAgent(t, yieldModel())

	_, fwd, err := ag.RunForward(ctx, boundInput(t, sess, 2), nil)
	require.NoError(t, err)
	_, bwd, err := ag.RunBackward(ctx, []*tensor.Value{tensor.Vector(1)}, fwd)
	require.NoError(t, err)
	assert.Equal(t, 2, ag.Runs())
	assert.NotEqual(t, fwd.Run, bwd.Run)

	assert.Equal(t, 0, ag.ReapStale(time.Hour))
}

func TestRunGCSweeps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ag, sess := newAgent(t, yieldModel())
	_, _, err := ag.RunForward(ctx, boundInput(t, sess, 1), nil)
	require.NoError(t, err)

	go ag.RunGC(ctx, time.Millisecond, 0)

	deadline := time.Now().Add(2 * time.Second)
	for ag.Runs() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, ag.Runs())
}
