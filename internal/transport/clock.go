// Package transport provides the authoritative playback clock: a monotonic
// musical position in seconds with play/pause/stop/seek, rate scaling for
// practice speed, and loop wraparound notification.
package transport

import (
	"sync"
	"time"
)

// State is the transport state machine:
// Stopped --Start--> Playing --Pause--> Paused --Resume--> Playing,
// Stop from any state returns to Stopped.
type State int

const (
	Stopped State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// Clock tracks the current musical position in seconds. While Playing the
// position advances at Rate× wall time from a captured origin; Pause and
// rate changes re-anchor the origin so the position at the instant of change
// is preserved exactly, never remapped retroactively.
type Clock struct {
	mu     sync.Mutex
	state  State
	pos    float64 // musical seconds at origin
	origin time.Time
	rate   float64
	now    func() time.Time

	looping   bool
	loopStart float64
	loopEnd   float64
	wrapTimer *time.Timer
	wrapGen   int

	onWrap func(loopStart float64)
}

// New returns a stopped clock at position 0 with rate 1. onWrap, if non-nil,
// is invoked exactly once per loop wraparound (off the caller's goroutine,
// with no clock lock held) so consumers can re-arm their schedules.
func New(onWrap func(loopStart float64)) *Clock {
	return &Clock{rate: 1, now: time.Now, onWrap: onWrap}
}

func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Position returns the current musical position in seconds.
func (c *Clock) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked()
}

func (c *Clock) positionLocked() float64 {
	if c.state != Playing {
		return c.pos
	}
	return c.pos + c.now().Sub(c.origin).Seconds()*c.rate
}

// Rate returns the current advancement rate (1 = real time).
func (c *Clock) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// Until converts a future musical time into the wall delay before the clock
// reaches it at the current rate. Past times return 0.
func (c *Clock) Until(musicalTime float64) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	remain := musicalTime - c.positionLocked()
	if remain <= 0 || c.rate <= 0 {
		return 0
	}
	return time.Duration(remain / c.rate * float64(time.Second))
}

// Start begins advancing from the current position. Starting an already
// playing clock is a no-op; starting from Paused resumes.
func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Playing {
		return
	}
	c.state = Playing
	c.origin = c.now()
	c.armWrapLocked()
}

// Pause freezes the position. No-op unless Playing.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Playing {
		return
	}
	c.pos = c.positionLocked()
	c.state = Paused
	c.disarmWrapLocked()
}

// Resume continues from a paused position. No-op unless Paused.
func (c *Clock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Paused {
		return
	}
	c.state = Playing
	c.origin = c.now()
	c.armWrapLocked()
}

// Stop halts and rewinds to position 0 from any state.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Stopped
	c.pos = 0
	c.disarmWrapLocked()
}

// Seek moves the position without changing state. Negative times clamp to 0.
func (c *Clock) Seek(seconds float64) {
	if seconds < 0 {
		seconds = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos = seconds
	c.origin = c.now()
	if c.state == Playing {
		c.armWrapLocked()
	}
}

// SetRate changes the advancement rate. The position at the instant of the
// change is preserved; only future advancement speeds up or slows down.
func (c *Clock) SetRate(rate float64) {
	if rate <= 0 {
		rate = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos = c.positionLocked()
	c.origin = c.now()
	c.rate = rate
	if c.state == Playing {
		c.armWrapLocked()
	}
}

// SetLoopRegion enables wrapping within [startSec, endSec).
func (c *Clock) SetLoopRegion(startSec, endSec float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if endSec <= startSec {
		return
	}
	c.looping = true
	c.loopStart = startSec
	c.loopEnd = endSec
	if c.state == Playing {
		c.pos = c.positionLocked()
		c.origin = c.now()
		c.armWrapLocked()
	}
}

// ClearLoopRegion disables wrapping.
func (c *Clock) ClearLoopRegion() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.looping = false
	c.disarmWrapLocked()
}

// Looping reports the active loop region, if any.
func (c *Clock) Looping() (startSec, endSec float64, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loopStart, c.loopEnd, c.looping
}

// armWrapLocked schedules the wraparound for the current loop region. A
// generation counter invalidates timers that fire after a state change beat
// them to the lock.
func (c *Clock) armWrapLocked() {
	c.disarmWrapLocked()
	if !c.looping || c.state != Playing {
		return
	}
	remain := c.loopEnd - c.positionLocked()
	if remain < 0 {
		remain = 0
	}
	delay := time.Duration(remain / c.rate * float64(time.Second))
	gen := c.wrapGen
	c.wrapTimer = time.AfterFunc(delay, func() { c.wrap(gen) })
}

func (c *Clock) disarmWrapLocked() {
	c.wrapGen++
	if c.wrapTimer != nil {
		c.wrapTimer.Stop()
		c.wrapTimer = nil
	}
}

func (c *Clock) wrap(gen int) {
	c.mu.Lock()
	if gen != c.wrapGen || c.state != Playing || !c.looping {
		c.mu.Unlock()
		return
	}
	c.pos = c.loopStart
	c.origin = c.now()
	c.armWrapLocked()
	start := c.loopStart
	onWrap := c.onWrap
	c.mu.Unlock()
	if onWrap != nil {
		onWrap(start)
	}
}
