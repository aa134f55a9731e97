package backend

import "fmt"

// UnavailableError is fatal: neither the sample-based voice set nor the
// fallback oscillator chain could be brought up. Surfaced from Initialize so
// the caller can decide whether to retry or degrade.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("audio backend unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// TriggerError is a single note that failed to sound. It is logged and
// recovered locally; playback continues.
type TriggerError struct {
	Pitch  int
	Reason string
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("note %d not triggered: %s", e.Pitch, e.Reason)
}
