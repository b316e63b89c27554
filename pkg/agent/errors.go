package agent

import (
	"errors"

	"github.com/modelcloud/trainagent/pkg/engine"
)

// ErrInvalidRun covers every way a run reference can be bad: unknown run
// number, already-completed run, a stale or foreign continuation token, or a
// backward call against a run that is not suspended at a yield. Other live
// runs are unaffected.
var ErrInvalidRun = errors.New("invalid run")

// ErrValueCount is returned when a replacement or gradient sequence does not
// match the yield point's declared slot count. The run stays suspended and
// its token stays valid, so a corrected retry is possible.
var ErrValueCount = engine.ErrValueCount
