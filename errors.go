package scoreplay

import (
	"github.com/cbegin/scoreplay-go/internal/backend"
	"github.com/cbegin/scoreplay-go/internal/timeline"
)

// ValidationError rejects a malformed timeline before any controller state
// is mutated. It lists every violated rule, not just the first.
type ValidationError = timeline.ValidationError

// BackendUnavailableError is fatal: both the sample voice set and the
// fallback synthesis chain failed to come up.
type BackendUnavailableError = backend.UnavailableError

// TriggerError reports a single note that failed to sound. It is logged and
// recovered locally; playback continues.
type TriggerError = backend.TriggerError

// ControllerDisposedError fails fast on operations requested after Dispose.
type ControllerDisposedError struct {
	Op string
}

func (e *ControllerDisposedError) Error() string {
	return "scoreplay: " + e.Op + " on disposed controller"
}
