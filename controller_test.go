package scoreplay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

func newTestController(t *testing.T, opts ...ControllerOption) *Controller {
	t.Helper()
	opts = append([]ControllerOption{
		WithSilentOutput(),
		WithPollInterval(10 * time.Millisecond),
		WithLogger(log.New(io.Discard, "", 0)),
	}, opts...)
	c, err := NewController(48000, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Dispose)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c
}

// timelineJSON builds the external ingestion document for one pitch-60
// note, defaulting to 2 measures of 4/4 at 120 BPM.
func timelineJSON(noteOffAt float64) []byte {
	return fmt.Appendf(nil,
		`{"name":"t","tempo":120,"timeSignature":{"numerator":4,"denominator":4},
		  "events":[
		    {"type":"noteOn","time":0,"data":{"pitch":60,"velocity":0.8}},
		    {"type":"noteOff","time":%g,"data":{"pitch":60,"velocity":0}}],
		  "duration":4,"measures":2}`, noteOffAt)
}

type eventLog struct {
	mu       sync.Mutex
	noteOns  []float64 // at times
	noteOffs []float64
	starts   int
	pauses   int
	ends     int
}

func (el *eventLog) observers() Observers {
	return Observers{
		NoteOn: func(pitch int, velocity, duration, at float64) {
			el.mu.Lock()
			el.noteOns = append(el.noteOns, at)
			el.mu.Unlock()
		},
		NoteOff: func(pitch int, at float64) {
			el.mu.Lock()
			el.noteOffs = append(el.noteOffs, at)
			el.mu.Unlock()
		},
		PlaybackStart: func() { el.mu.Lock(); el.starts++; el.mu.Unlock() },
		PlaybackPause: func() { el.mu.Lock(); el.pauses++; el.mu.Unlock() },
		PlaybackEnd:   func() { el.mu.Lock(); el.ends++; el.mu.Unlock() },
	}
}

func (el *eventLog) counts() (ons, offs, starts, pauses, ends int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.noteOns), len(el.noteOffs), el.starts, el.pauses, el.ends
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPlayWithoutTimelineIsLoggedNoOp(t *testing.T) {
	c := newTestController(t)
	c.Play()
	if got := c.State(); got != Stopped {
		t.Fatalf("state = %v, want stopped", got)
	}
}

func TestPlayBeforeInitializeIsLoggedNoOp(t *testing.T) {
	c, err := NewController(48000,
		WithSilentOutput(), WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Dispose()
	if err := c.LoadJSON(timelineJSON(1)); err != nil {
		t.Fatal(err)
	}
	c.Play()
	if got := c.State(); got != Stopped {
		t.Fatalf("state = %v, want stopped with unready backend", got)
	}
}

func TestLoadRejectsInvalidDocumentWithoutDisturbingCurrent(t *testing.T) {
	c := newTestController(t)
	if err := c.LoadJSON(timelineJSON(1)); err != nil {
		t.Fatal(err)
	}
	c.Play()
	waitFor(t, time.Second, func() bool { return c.ActiveVoices() > 0 })

	bad := []byte(`{"tempo":0,"timeSignature":{"numerator":0,"denominator":4},
		"events":[],"duration":-1,"measures":0}`)
	err := c.LoadJSON(bad)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Violations) < 3 {
		t.Fatalf("violations = %v, want every rule listed", verr.Violations)
	}
	// The playing timeline is untouched.
	if got := c.State(); got != Playing {
		t.Fatalf("state after rejected load = %v, want playing", got)
	}
}

func TestStopDrainsVoicesAndResetsPosition(t *testing.T) {
	c := newTestController(t)
	if err := c.LoadJSON(timelineJSON(3.5)); err != nil {
		t.Fatal(err)
	}
	c.Play()
	waitFor(t, time.Second, func() bool { return c.ActiveVoices() > 0 })
	c.Stop()
	if got := c.ActiveVoices(); got != 0 {
		t.Fatalf("active voices after stop = %d, want 0", got)
	}
	if got := c.Position(); got != (Position{Measure: 1, Beat: 1}) {
		t.Fatalf("position after stop = %+v, want (1,1)", got)
	}
	if got := c.State(); got != Stopped {
		t.Fatalf("state = %v, want stopped", got)
	}
}

func TestPlaybackScenarioEndToEnd(t *testing.T) {
	c := newTestController(t)
	var el eventLog
	c.SetObservers(el.observers())
	if err := c.LoadJSON(timelineJSON(1.0)); err != nil {
		t.Fatal(err)
	}
	c.SetTempoMultiplier(2.0) // halve the wall time, musical times unchanged

	c.Play()
	waitFor(t, 4*time.Second, func() bool {
		_, _, _, _, ends := el.counts()
		return ends == 1
	})
	time.Sleep(150 * time.Millisecond) // nothing may fire after the implicit stop

	ons, offs, starts, _, ends := el.counts()
	if ons != 1 || offs != 1 || starts != 1 || ends != 1 {
		t.Fatalf("ons=%d offs=%d starts=%d ends=%d, want 1 each", ons, offs, starts, ends)
	}
	el.mu.Lock()
	onAt, offAt := el.noteOns[0], el.noteOffs[0]
	el.mu.Unlock()
	if onAt != 0 {
		t.Fatalf("noteOn at %v, want musical time 0", onAt)
	}
	if offAt != 1.0 {
		t.Fatalf("noteOff at %v, want musical time 1.0", offAt)
	}
	if got := c.State(); got != Stopped {
		t.Fatalf("state after implicit stop = %v, want stopped", got)
	}
	if got := c.Position(); got != (Position{Measure: 1, Beat: 1}) {
		t.Fatalf("position after implicit stop = %+v, want (1,1)", got)
	}
}

func TestSeekWhilePlayingDrainsOldVoices(t *testing.T) {
	c := newTestController(t)
	if err := c.LoadJSON(timelineJSON(3.9)); err != nil {
		t.Fatal(err)
	}
	c.Play()
	waitFor(t, time.Second, func() bool { return c.ActiveVoices() > 0 })
	if err := c.Seek(2, 1); err != nil {
		t.Fatal(err)
	}
	if got := c.ActiveVoices(); got != 0 {
		t.Fatalf("active voices right after seek = %d, want 0", got)
	}
	if got := c.State(); got != Playing {
		t.Fatalf("state after mid-play seek = %v, want playing", got)
	}
}

func TestSeekWhileStoppedOnlyMovesPosition(t *testing.T) {
	c := newTestController(t)
	if err := c.LoadJSON(timelineJSON(1)); err != nil {
		t.Fatal(err)
	}
	if err := c.Seek(2, 3); err != nil {
		t.Fatal(err)
	}
	if got := c.State(); got != Stopped {
		t.Fatalf("state = %v, want stopped", got)
	}
	if got := c.Position(); got != (Position{Measure: 2, Beat: 3}) {
		t.Fatalf("position = %+v, want (2,3)", got)
	}
}

func TestTempoClamps(t *testing.T) {
	c := newTestController(t)
	if err := c.LoadJSON(timelineJSON(1)); err != nil {
		t.Fatal(err)
	}
	c.SetBaseTempo(10)
	if got := c.BaseTempo(); got != 20 {
		t.Fatalf("base tempo = %v, want clamp to 20", got)
	}
	c.SetTempoMultiplier(5.0)
	if got := c.TempoMultiplier(); got != 2.0 {
		t.Fatalf("multiplier = %v, want clamp to 2.0", got)
	}
}

func TestPauseFreezesPositionAndResumeContinues(t *testing.T) {
	c := newTestController(t)
	var el eventLog
	c.SetObservers(el.observers())
	if err := c.LoadJSON(timelineJSON(3.5)); err != nil {
		t.Fatal(err)
	}
	c.Play()
	time.Sleep(50 * time.Millisecond)
	c.Pause()
	c.Pause() // idempotent
	if got := c.State(); got != Paused {
		t.Fatalf("state = %v, want paused", got)
	}
	if got := c.ActiveVoices(); got != 0 {
		t.Fatalf("active voices while paused = %d, want 0", got)
	}
	pos := c.Position()
	time.Sleep(50 * time.Millisecond)
	if got := c.Position(); got != pos {
		t.Fatalf("paused position moved: %+v -> %+v", pos, got)
	}
	_, _, starts, pauses, _ := el.counts()
	if starts != 1 || pauses != 1 {
		t.Fatalf("starts=%d pauses=%d, want 1 each", starts, pauses)
	}
	c.Play()
	if got := c.State(); got != Playing {
		t.Fatalf("state after resume = %v, want playing", got)
	}
}

func TestLoopWrapRetriggersAndDisposeSilencesCallbacks(t *testing.T) {
	c := newTestController(t)
	var el eventLog
	c.SetObservers(el.observers())
	if err := c.LoadJSON(timelineJSON(0.3)); err != nil {
		t.Fatal(err)
	}
	// [0, 0.5s): measure 1 beat 1 to beat 2 at 120 BPM.
	if err := c.SetLoopRegion(Position{Measure: 1, Beat: 1}, Position{Measure: 1, Beat: 2}); err != nil {
		t.Fatal(err)
	}
	c.Play()
	waitFor(t, 3*time.Second, func() bool {
		ons, _, _, _, _ := el.counts()
		return ons >= 2 // the wrap re-armed the schedule
	})
	c.Dispose()
	ons, offs, _, _, ends := el.counts()
	time.Sleep(250 * time.Millisecond)
	ons2, offs2, _, _, ends2 := el.counts()
	if ons2 != ons || offs2 != offs || ends2 != ends {
		t.Fatalf("stale callbacks after dispose: ons %d->%d offs %d->%d ends %d->%d",
			ons, ons2, offs, offs2, ends, ends2)
	}
	if got := c.ActiveVoices(); got != 0 {
		t.Fatalf("active voices after dispose = %d, want 0", got)
	}
}

func TestLoopRegionValidation(t *testing.T) {
	c := newTestController(t)
	if err := c.SetLoopRegion(Position{Measure: 1, Beat: 1}, Position{Measure: 2, Beat: 1}); err == nil {
		t.Fatal("expected error with no timeline loaded")
	}
	if err := c.LoadJSON(timelineJSON(1)); err != nil {
		t.Fatal(err)
	}
	if err := c.SetLoopRegion(Position{Measure: 2, Beat: 1}, Position{Measure: 1, Beat: 1}); err == nil {
		t.Fatal("expected error for an inverted region")
	}
	if err := c.SetLoopRegion(Position{Measure: 1, Beat: 1}, Position{Measure: 2, Beat: 1}); err != nil {
		t.Fatalf("valid region rejected: %v", err)
	}
	c.ClearLoopRegion()
}

func TestDisposeIsIdempotentAndFailsFast(t *testing.T) {
	c := newTestController(t)
	if err := c.LoadJSON(timelineJSON(1)); err != nil {
		t.Fatal(err)
	}
	c.Dispose()
	c.Dispose()

	var derr *ControllerDisposedError
	if err := c.Load(&Timeline{}); !errors.As(err, &derr) {
		t.Fatalf("load after dispose: %v, want ControllerDisposedError", err)
	}
	if err := c.Seek(1, 1); !errors.As(err, &derr) {
		t.Fatalf("seek after dispose: %v, want ControllerDisposedError", err)
	}
	if err := c.TriggerAttack(60, 1); !errors.As(err, &derr) {
		t.Fatalf("triggerAttack after dispose: %v, want ControllerDisposedError", err)
	}
	c.Play() // logs, never panics
	if got := c.State(); got != Stopped {
		t.Fatalf("state = %v, want stopped", got)
	}
}

func TestInteractiveTriggerPath(t *testing.T) {
	c := newTestController(t)
	if err := c.TriggerAttack(64, 0.7); err != nil {
		t.Fatal(err)
	}
	if got := c.ActiveVoices(); got != 1 {
		t.Fatalf("active voices = %d, want 1", got)
	}
	c.TriggerRelease(64)
	if got := c.ActiveVoices(); got != 0 {
		t.Fatalf("active voices after release = %d, want 0", got)
	}
}

func TestVolumeControls(t *testing.T) {
	c := newTestController(t, WithVolume(0.4))
	if got := c.Volume(); got != 0.4 {
		t.Fatalf("volume = %v, want 0.4", got)
	}
	c.SetVolume(1)
	c.SetMuted(true)
	if !c.Muted() {
		t.Fatal("expected muted")
	}
	c.SetMuted(false)
}
