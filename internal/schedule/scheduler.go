// Package schedule derives timed backend triggers from a timeline and arms
// them against the transport clock, re-pairing NoteOn/NoteOff events into
// durations and re-arming the whole schedule on loop wraparound.
package schedule

import (
	"container/heap"
	"sync"
	"time"

	"github.com/cbegin/scoreplay-go/internal/timeline"
	"github.com/cbegin/scoreplay-go/internal/transport"
)

// DefaultSustain is the audible duration given to a NoteOn with no later
// NoteOff of the same pitch.
const DefaultSustain = 0.5

// dispatchSlack widens each timer dispatch so an entry due a hair after the
// timer fired (float rounding, timer coalescing) goes out with this batch
// instead of arming a zero-length timer for it.
const dispatchSlack = 2 * time.Millisecond

// VoiceSink is the slice of the audio backend the scheduler drives. PlayNote
// errors are the sink's to log and swallow; the scheduler never aborts a
// schedule over one missed note.
type VoiceSink interface {
	PlayNote(pitch int, velocity float64, durationSeconds float64) error
	StopAllNotes()
}

// Callbacks are observer-side notifications. NoteOff fires at the musical end
// of a note, distinct from the backend's own amplitude release. Finished
// fires once at the end of a non-looping timeline.
type Callbacks struct {
	NoteOn   func(pitch int, velocity float64, durationSeconds, at float64)
	NoteOff  func(pitch int, at float64)
	Finished func()
}

// entry is a scheduled handle: one pending future trigger. Handles never
// leave the scheduler; cancellation is always total.
type entry struct {
	at   float64 // musical seconds
	seq  int
	fire func()
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler owns the pending trigger queue for one timeline. One wall timer
// is armed for the earliest entry; each dispatch pops everything due and
// re-arms. All invalidating transitions (pause, stop, seek, loop rearm,
// dispose) go through CancelAll, which drops every pending handle before
// returning.
type Scheduler struct {
	mu      sync.Mutex
	clock   *transport.Clock
	sink    VoiceSink
	cbs     Callbacks
	tl      *timeline.Timeline
	pending entryHeap
	timer   *time.Timer
	gen     int
	nextSeq int
}

func New(clock *transport.Clock, sink VoiceSink) *Scheduler {
	return &Scheduler{clock: clock, sink: sink}
}

// SetCallbacks replaces the observer callbacks. Takes effect on the next
// dispatched entry.
func (s *Scheduler) SetCallbacks(cbs Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cbs = cbs
}

// SetTimeline atomically replaces the timeline, discarding every pending
// handle from the previous one.
func (s *Scheduler) SetTimeline(tl *timeline.Timeline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.tl = tl
}

// CancelAll drops every pending handle and disarms the timer. No handle can
// fire after CancelAll returns.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *Scheduler) cancelLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = s.pending[:0]
}

// Pending reports the number of outstanding handles.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Arm builds and arms the schedule for playback from musical position from.
// With a loop region active the window is [from, loopEnd) and audible
// durations are clamped at the loop end so no sound bleeds past the wrap;
// otherwise the window is [from, ∞) and a single end-of-timeline entry is
// scheduled at the timeline's duration. Any previously armed schedule is
// cancelled first.
func (s *Scheduler) Arm(from float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	if s.tl == nil {
		return
	}
	tl := s.tl
	_, loopEnd, looping := s.clock.Looping()

	consumed := make(map[int]bool) // NoteOff indices already paired
	for i, ev := range tl.Events {
		if ev.Kind != timeline.NoteOn || ev.Time < from {
			continue
		}
		if looping && ev.Time >= loopEnd {
			break
		}
		dur := DefaultSustain
		offAt := ev.Time + DefaultSustain
		if j := pairNoteOff(tl.Events, i, consumed); j >= 0 {
			consumed[j] = true
			dur = tl.Events[j].Time - ev.Time
			offAt = tl.Events[j].Time
		}
		if looping && ev.Time+dur > loopEnd {
			dur = loopEnd - ev.Time
		}
		pitch, vel, at := ev.Pitch, ev.Velocity, ev.Time
		audible := dur
		s.pushLocked(at, func() {
			// The backend releases in wall time; convert the musical
			// duration at the rate in effect when the note sounds.
			wall := audible
			if r := s.clock.Rate(); r > 0 {
				wall = audible / r
			}
			_ = s.sink.PlayNote(pitch, vel, wall)
			if s.cbs.NoteOn != nil {
				s.cbs.NoteOn(pitch, vel, audible, at)
			}
		})
		endAt := offAt
		s.pushLocked(endAt, func() {
			if s.cbs.NoteOff != nil {
				s.cbs.NoteOff(pitch, endAt)
			}
		})
	}
	if !looping {
		s.pushLocked(tl.Duration, func() {
			if s.cbs.Finished != nil {
				s.cbs.Finished()
			}
		})
	}
	heap.Init(&s.pending)
	s.armHeadLocked()
}

// Rearm rebuilds the schedule from the clock's current position, used after
// a rate change so pending triggers follow the new rate.
func (s *Scheduler) Rearm() {
	if s.clock.State() != transport.Playing {
		return
	}
	s.Arm(s.clock.Position())
}

// OnLoopWrap is the transport clock's loop-boundary hook: release everything
// still sounding, drop the old schedule, and re-arm from the loop start.
func (s *Scheduler) OnLoopWrap(loopStart float64) {
	if s.clock.State() != transport.Playing {
		return
	}
	s.sink.StopAllNotes()
	s.Arm(loopStart)
}

// pairNoteOff finds the nearest unconsumed NoteOff of the same pitch strictly
// after events[on]. A linear scan; fine at the hundreds-to-low-thousands
// event counts this engine sees.
func pairNoteOff(events []timeline.Event, on int, consumed map[int]bool) int {
	pitch := events[on].Pitch
	at := events[on].Time
	for j := on + 1; j < len(events); j++ {
		ev := events[j]
		if ev.Kind != timeline.NoteOff || ev.Pitch != pitch || consumed[j] {
			continue
		}
		if ev.Time <= at {
			// Same-instant NoteOff belongs to the previous note.
			continue
		}
		return j
	}
	return -1
}

func (s *Scheduler) pushLocked(at float64, fire func()) {
	s.pending = append(s.pending, &entry{at: at, seq: s.nextSeq, fire: fire})
	s.nextSeq++
}

func (s *Scheduler) armHeadLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if len(s.pending) == 0 {
		return
	}
	delay := s.clock.Until(s.pending[0].at)
	gen := s.gen
	s.timer = time.AfterFunc(delay, func() { s.dispatch(gen) })
}

// dispatch pops and runs everything due at the clock's current position,
// then re-arms for the next entry. Fires run without the scheduler lock so
// they may call back into the controller.
func (s *Scheduler) dispatch(gen int) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	due := s.clock.Position() + dispatchSlack.Seconds()
	var fires []func()
	for len(s.pending) > 0 && s.pending[0].at <= due {
		e := heap.Pop(&s.pending).(*entry)
		fires = append(fires, e.fire)
	}
	s.armHeadLocked()
	s.mu.Unlock()
	for _, fire := range fires {
		fire()
	}
}
