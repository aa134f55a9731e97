package schedule

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cbegin/scoreplay-go/internal/timeline"
	"github.com/cbegin/scoreplay-go/internal/transport"
)

type playedNote struct {
	pitch    int
	velocity float64
	duration float64
}

// recordingSink captures backend triggers for inspection.
type recordingSink struct {
	mu       sync.Mutex
	played   []playedNote
	stopAlls int
}

func (r *recordingSink) PlayNote(pitch int, velocity float64, durationSeconds float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.played = append(r.played, playedNote{pitch, velocity, durationSeconds})
	return nil
}

func (r *recordingSink) StopAllNotes() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopAlls++
}

func (r *recordingSink) snapshot() ([]playedNote, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]playedNote(nil), r.played...), r.stopAlls
}

func makeTimeline(t *testing.T, duration float64, events ...timeline.Event) *timeline.Timeline {
	t.Helper()
	return timeline.New("test", 120, timeline.TimeSignature{Numerator: 4, Denominator: 4}, events, duration, 0, nil)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func approx(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestArmDispatchesTriggersAndNotifications(t *testing.T) {
	clock := transport.New(nil)
	sink := &recordingSink{}
	s := New(clock, sink)

	var mu sync.Mutex
	var noteOns, noteOffs, finishes int
	var onAt, offAt float64
	s.SetCallbacks(Callbacks{
		NoteOn: func(pitch int, vel float64, dur, at float64) {
			mu.Lock()
			noteOns++
			onAt = at
			mu.Unlock()
		},
		NoteOff: func(pitch int, at float64) {
			mu.Lock()
			noteOffs++
			offAt = at
			mu.Unlock()
		},
		Finished: func() {
			mu.Lock()
			finishes++
			mu.Unlock()
		},
	})
	s.SetTimeline(makeTimeline(t, 0.2,
		timeline.Event{Kind: timeline.NoteOn, Time: 0.02, Pitch: 60, Velocity: 0.8},
		timeline.Event{Kind: timeline.NoteOff, Time: 0.1, Pitch: 60},
	))
	clock.Start()
	s.Arm(0)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return finishes == 1
	}, "finished callback")
	mu.Lock()
	defer mu.Unlock()
	if noteOns != 1 || noteOffs != 1 {
		t.Fatalf("noteOns=%d noteOffs=%d, want 1/1", noteOns, noteOffs)
	}
	if !approx(onAt, 0.02, 1e-9) || !approx(offAt, 0.1, 1e-9) {
		t.Fatalf("onAt=%v offAt=%v", onAt, offAt)
	}
	played, _ := sink.snapshot()
	if len(played) != 1 {
		t.Fatalf("played %d notes, want 1", len(played))
	}
	if played[0].pitch != 60 || !approx(played[0].duration, 0.08, 1e-9) {
		t.Fatalf("played %+v, want pitch 60 dur 0.08", played[0])
	}
	clock.Stop()
}

func TestUnpairedNoteOnGetsDefaultSustain(t *testing.T) {
	clock := transport.New(nil)
	sink := &recordingSink{}
	s := New(clock, sink)
	s.SetTimeline(makeTimeline(t, 1,
		timeline.Event{Kind: timeline.NoteOn, Time: 0, Pitch: 64, Velocity: 0.5},
	))
	clock.Start()
	s.Arm(0)
	waitFor(t, func() bool { p, _ := sink.snapshot(); return len(p) == 1 }, "note trigger")
	played, _ := sink.snapshot()
	if played[0].duration != DefaultSustain {
		t.Fatalf("duration = %v, want default sustain %v", played[0].duration, DefaultSustain)
	}
	s.CancelAll()
	clock.Stop()
}

func TestNoteOffConsumedByOnlyOneNoteOn(t *testing.T) {
	clock := transport.New(nil)
	sink := &recordingSink{}
	s := New(clock, sink)
	s.SetTimeline(makeTimeline(t, 1,
		timeline.Event{Kind: timeline.NoteOn, Time: 0, Pitch: 60, Velocity: 0.5},
		timeline.Event{Kind: timeline.NoteOn, Time: 0.01, Pitch: 60, Velocity: 0.5},
		timeline.Event{Kind: timeline.NoteOff, Time: 0.05, Pitch: 60},
	))
	clock.Start()
	s.Arm(0)
	waitFor(t, func() bool { p, _ := sink.snapshot(); return len(p) == 2 }, "both triggers")
	played, _ := sink.snapshot()
	if !approx(played[0].duration, 0.05, 1e-9) {
		t.Fatalf("first duration = %v, want 0.05", played[0].duration)
	}
	// The single NoteOff is already consumed; the second NoteOn falls back.
	if played[1].duration != DefaultSustain {
		t.Fatalf("second duration = %v, want default sustain", played[1].duration)
	}
	s.CancelAll()
	clock.Stop()
}

func TestSameInstantNoteOffBelongsToPreviousNote(t *testing.T) {
	clock := transport.New(nil)
	sink := &recordingSink{}
	s := New(clock, sink)
	// Re-attack at 0.05: the NoteOff there closes the first note, not the second.
	s.SetTimeline(makeTimeline(t, 1,
		timeline.Event{Kind: timeline.NoteOn, Time: 0, Pitch: 60, Velocity: 0.5},
		timeline.Event{Kind: timeline.NoteOff, Time: 0.05, Pitch: 60},
		timeline.Event{Kind: timeline.NoteOn, Time: 0.05, Pitch: 60, Velocity: 0.5},
		timeline.Event{Kind: timeline.NoteOff, Time: 0.1, Pitch: 60},
	))
	clock.Start()
	s.Arm(0)
	waitFor(t, func() bool { p, _ := sink.snapshot(); return len(p) == 2 }, "both triggers")
	played, _ := sink.snapshot()
	if !approx(played[0].duration, 0.05, 1e-9) || !approx(played[1].duration, 0.05, 1e-9) {
		t.Fatalf("durations = %v/%v, want 0.05/0.05", played[0].duration, played[1].duration)
	}
	s.CancelAll()
	clock.Stop()
}

func TestCancelAllDropsEveryHandle(t *testing.T) {
	clock := transport.New(nil)
	sink := &recordingSink{}
	s := New(clock, sink)
	s.SetTimeline(makeTimeline(t, 1,
		timeline.Event{Kind: timeline.NoteOn, Time: 0.05, Pitch: 60, Velocity: 0.5},
		timeline.Event{Kind: timeline.NoteOff, Time: 0.1, Pitch: 60},
	))
	clock.Start()
	s.Arm(0)
	if s.Pending() == 0 {
		t.Fatal("expected pending handles after Arm")
	}
	s.CancelAll()
	if s.Pending() != 0 {
		t.Fatalf("pending = %d after CancelAll", s.Pending())
	}
	time.Sleep(150 * time.Millisecond)
	if p, _ := sink.snapshot(); len(p) != 0 {
		t.Fatalf("cancelled trigger fired: %+v", p)
	}
	clock.Stop()
}

func TestLoopWindowClampsAndExcludes(t *testing.T) {
	clock := transport.New(nil)
	sink := &recordingSink{}
	s := New(clock, sink)
	s.SetTimeline(makeTimeline(t, 1,
		timeline.Event{Kind: timeline.NoteOn, Time: 0.05, Pitch: 60, Velocity: 0.5},
		timeline.Event{Kind: timeline.NoteOff, Time: 0.3, Pitch: 60},
		timeline.Event{Kind: timeline.NoteOn, Time: 0.15, Pitch: 62, Velocity: 0.5}, // outside loop window
	))
	clock.SetLoopRegion(0, 0.1)
	clock.Start()
	s.Arm(0)
	// One NoteOn entry plus its note-end entry; no end-of-timeline entry while looping.
	if got := s.Pending(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	waitFor(t, func() bool { p, _ := sink.snapshot(); return len(p) >= 1 }, "clamped trigger")
	played, _ := sink.snapshot()
	if !approx(played[0].duration, 0.05, 1e-9) {
		t.Fatalf("duration = %v, want clamp to 0.05 (loopEnd-noteStart)", played[0].duration)
	}
	s.CancelAll()
	clock.Stop()
}

func TestLoopWrapReleasesVoicesAndRearms(t *testing.T) {
	sink := &recordingSink{}
	var s *Scheduler
	clock := transport.New(func(start float64) { s.OnLoopWrap(start) })
	s = New(clock, sink)
	s.SetTimeline(makeTimeline(t, 1,
		timeline.Event{Kind: timeline.NoteOn, Time: 0.01, Pitch: 60, Velocity: 0.5},
		timeline.Event{Kind: timeline.NoteOff, Time: 0.05, Pitch: 60},
	))
	clock.SetLoopRegion(0, 0.08)
	clock.Start()
	s.Arm(0)
	waitFor(t, func() bool {
		p, stops := sink.snapshot()
		return len(p) >= 2 && stops >= 1
	}, "retrigger after wrap")
	s.CancelAll()
	clock.Stop()
}

func TestRearmFollowsClockPosition(t *testing.T) {
	clock := transport.New(nil)
	sink := &recordingSink{}
	s := New(clock, sink)
	s.SetTimeline(makeTimeline(t, 1,
		timeline.Event{Kind: timeline.NoteOn, Time: 0, Pitch: 60, Velocity: 0.5},
		timeline.Event{Kind: timeline.NoteOn, Time: 0.6, Pitch: 62, Velocity: 0.5},
	))
	clock.Seek(0.5)
	clock.Start()
	s.Rearm()
	// Only the event at 0.6 is ahead of the seek position.
	if got := s.Pending(); got != 3 { // trigger + note-end + finished
		t.Fatalf("pending = %d, want 3", got)
	}
	waitFor(t, func() bool { p, _ := sink.snapshot(); return len(p) == 1 }, "later trigger")
	if p, _ := sink.snapshot(); p[0].pitch != 62 {
		t.Fatalf("triggered pitch %d, want 62", p[0].pitch)
	}
	s.CancelAll()
	clock.Stop()
}
