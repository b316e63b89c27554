package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/modelcloud/trainagent/pkg/engine"
)

// RunID identifies an in-flight or suspended run. Run is the run number,
// unique per agent for the agent's lifetime; Token is the continuation token
// authorizing exactly one resumption of the run's current suspension. Every
// successful suspend/resume transition returns a RunID carrying a fresh
// token; the previous token is dead.
type RunID struct {
	Run   uint64 `json:"run"`
	Token string `json:"token"`
}

func (id RunID) String() string {
	return fmt.Sprintf("run %d (token %s)", id.Run, id.Token)
}

// IsZero reports whether the RunID is the zero value (never a valid run).
func (id RunID) IsZero() bool {
	return id == RunID{}
}

type runKind int

const (
	runForward runKind = iota
	runBackward
)

func (k runKind) String() string {
	if k == runBackward {
		return "backward"
	}
	return "forward"
}

// runState is the agent-side record of one run. mu serializes resumption of
// this run; distinct runs resume independently.
type runState struct {
	mu sync.Mutex

	num   uint64
	kind  runKind
	state *engine.State

	// token is the continuation token that authorizes the next resume.
	// Cleared when the run completes or is escalated to invalid.
	token string

	touched time.Time
}

// live reports whether the run can still be resumed.
func (r *runState) live() bool {
	return r.token != "" && !r.state.Done()
}
