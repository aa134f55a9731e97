// Package tracker polls the transport clock and turns raw playback time
// into measure and beat change notifications for a UI layer.
package tracker

import (
	"sync"
	"time"

	"github.com/cbegin/scoreplay-go/internal/timeline"
	"github.com/cbegin/scoreplay-go/internal/transport"
)

// DefaultInterval is the poll period used when none is configured.
const DefaultInterval = 50 * time.Millisecond

// Callbacks receive position changes. Either may be nil. A callback fires
// only when its value actually changed since the previous poll, never on
// every tick.
type Callbacks struct {
	MeasureChange func(measure int)
	BeatChange    func(beat int)
}

// Tracker samples a clock at a fixed interval while it is playing and
// reports measure and beat transitions. Polling is suspended whenever the
// clock is paused or stopped.
type Tracker struct {
	mu       sync.Mutex
	clock    *transport.Clock
	tl       *timeline.Timeline
	interval time.Duration
	cbs      Callbacks

	lastMeasure int
	lastBeat    int

	stop    chan struct{}
	done    sync.WaitGroup
	running bool
}

// New returns a tracker polling clock every interval. A non-positive
// interval selects DefaultInterval.
func New(clock *transport.Clock, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Tracker{clock: clock, interval: interval}
}

// SetTimeline installs the timeline used for time conversion. A nil
// timeline silences the tracker until the next one arrives.
func (tr *Tracker) SetTimeline(tl *timeline.Timeline) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.tl = tl
	tr.lastMeasure = 0
	tr.lastBeat = 0
}

// SetCallbacks replaces both handlers. The previous handlers fire for no
// further polls once SetCallbacks returns.
func (tr *Tracker) SetCallbacks(cbs Callbacks) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.cbs = cbs
}

// Start begins polling. The first poll reports the current position, so a
// freshly started tracker always tells its observer where playback is.
// Start is a no-op while already running.
func (tr *Tracker) Start() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.running {
		return
	}
	tr.lastMeasure = 0
	tr.lastBeat = 0
	tr.stop = make(chan struct{})
	tr.running = true
	tr.done.Add(1)
	go tr.loop(tr.stop)
}

// Stop halts polling and waits for the poll goroutine to exit, so no
// callback fires after Stop returns.
func (tr *Tracker) Stop() {
	tr.mu.Lock()
	if !tr.running {
		tr.mu.Unlock()
		return
	}
	tr.running = false
	close(tr.stop)
	tr.mu.Unlock()
	tr.done.Wait()
}

// Position reports the current measure and beat, or (1,1) when no
// timeline is loaded.
func (tr *Tracker) Position() timeline.Position {
	tr.mu.Lock()
	tl := tr.tl
	tr.mu.Unlock()
	if tl == nil {
		return timeline.Position{Measure: 1, Beat: 1}
	}
	return tl.TimeToMeasureBeat(tr.clock.Position())
}

func (tr *Tracker) loop(stop chan struct{}) {
	defer tr.done.Done()
	ticker := time.NewTicker(tr.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			tr.poll()
		}
	}
}

func (tr *Tracker) poll() {
	if tr.clock.State() != transport.Playing {
		return
	}
	tr.mu.Lock()
	tl := tr.tl
	if tl == nil {
		tr.mu.Unlock()
		return
	}
	pos := tl.TimeToMeasureBeat(tr.clock.Position())
	measureChanged := pos.Measure != tr.lastMeasure
	beatChanged := pos.Beat != tr.lastBeat || measureChanged
	tr.lastMeasure = pos.Measure
	tr.lastBeat = pos.Beat
	cbs := tr.cbs
	tr.mu.Unlock()

	if measureChanged && cbs.MeasureChange != nil {
		cbs.MeasureChange(pos.Measure)
	}
	if beatChanged && cbs.BeatChange != nil {
		cbs.BeatChange(pos.Beat)
	}
}
