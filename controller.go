// Package scoreplay schedules and plays symbolic music timelines: a
// transport clock with seeking, tempo scaling and looping, an event
// scheduler that pairs note on/off events into timed audio triggers, and a
// sample-or-synthesis audio backend behind one controller façade.
package scoreplay

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cbegin/scoreplay-go/internal/backend"
	"github.com/cbegin/scoreplay-go/internal/schedule"
	"github.com/cbegin/scoreplay-go/internal/timeline"
	"github.com/cbegin/scoreplay-go/internal/tracker"
	"github.com/cbegin/scoreplay-go/internal/transport"
)

// Core types of the engine, exposed at the package root.
type (
	Timeline      = timeline.Timeline
	TimelineEvent = timeline.Event
	TimeSignature = timeline.TimeSignature
	Position      = timeline.Position
	LoopRegion    = timeline.LoopRegion
	PlaybackState = transport.State
)

const (
	Stopped = transport.Stopped
	Playing = transport.Playing
	Paused  = transport.Paused

	NoteOn  = timeline.NoteOn
	NoteOff = timeline.NoteOff
)

// Observers are the UI-facing notifications. Single slot per event: the
// whole set is replaced by SetObservers and the last registration wins.
// Time arguments are musical seconds at base tempo. Any field may be nil.
type Observers struct {
	NoteOn        func(pitch int, velocity, duration, time float64)
	NoteOff       func(pitch int, time float64)
	MeasureChange func(measure int)
	BeatChange    func(beat int)
	PlaybackStart func()
	PlaybackPause func()
	PlaybackEnd   func()
}

type ControllerOption func(*controllerConfig)

type controllerConfig struct {
	sampleDir    string
	initTimeout  time.Duration
	silentOutput bool
	volume       float64
	pollInterval time.Duration
	logger       *log.Logger
}

func defaultControllerConfig() controllerConfig {
	return controllerConfig{
		volume:       1,
		pollInterval: tracker.DefaultInterval,
	}
}

// WithSampleDir points the backend at a directory of pitch-named WAV
// samples. Without it the oscillator fallback chain is used directly.
func WithSampleDir(dir string) ControllerOption {
	return func(cfg *controllerConfig) { cfg.sampleDir = dir }
}

// WithInitTimeout bounds the sample voice set load during Initialize.
func WithInitTimeout(d time.Duration) ControllerOption {
	return func(cfg *controllerConfig) { cfg.initTimeout = d }
}

// WithSilentOutput skips the audio device entirely; rendering still runs
// through the backend via Process. Used for tests and offline work.
func WithSilentOutput() ControllerOption {
	return func(cfg *controllerConfig) { cfg.silentOutput = true }
}

// WithVolume sets the initial linear volume, 0..1.
func WithVolume(v float64) ControllerOption {
	return func(cfg *controllerConfig) { cfg.volume = v }
}

// WithPollInterval overrides the position tracker's poll period.
func WithPollInterval(d time.Duration) ControllerOption {
	return func(cfg *controllerConfig) { cfg.pollInterval = d }
}

func WithLogger(l *log.Logger) ControllerOption {
	return func(cfg *controllerConfig) { cfg.logger = l }
}

// Controller owns the current timeline, the audio backend, the transport
// clock, the event scheduler, and the position tracker. All methods are
// safe for concurrent use.
type Controller struct {
	mu         sync.Mutex
	logger     *log.Logger
	backend    *backend.Adapter
	clock      *transport.Clock
	sched      *schedule.Scheduler
	tracker    *tracker.Tracker
	tl         *timeline.Timeline
	baseTempo  float64
	multiplier float64
	disposed   bool

	obsMu sync.Mutex
	obs   Observers
}

func NewController(sampleRate int, opts ...ControllerOption) (*Controller, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	cfg := defaultControllerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	bopts := []backend.Option{
		backend.WithLogger(cfg.logger),
		backend.WithVolume(cfg.volume),
	}
	if cfg.sampleDir != "" {
		bopts = append(bopts, backend.WithSampleDir(cfg.sampleDir))
	}
	if cfg.initTimeout > 0 {
		bopts = append(bopts, backend.WithInitTimeout(cfg.initTimeout))
	}
	if cfg.silentOutput {
		bopts = append(bopts, backend.WithSilentOutput())
	}

	c := &Controller{
		logger:     cfg.logger,
		backend:    backend.New(sampleRate, bopts...),
		multiplier: 1,
	}
	c.clock = transport.New(c.onLoopWrap)
	c.sched = schedule.New(c.clock, c.backend)
	c.sched.SetCallbacks(schedule.Callbacks{
		NoteOn: func(pitch int, velocity float64, duration, at float64) {
			if fn := c.observers().NoteOn; fn != nil {
				fn(pitch, velocity, duration, at)
			}
		},
		NoteOff: func(pitch int, at float64) {
			if fn := c.observers().NoteOff; fn != nil {
				fn(pitch, at)
			}
		},
		Finished: c.finish,
	})
	c.tracker = tracker.New(c.clock, cfg.pollInterval)
	c.tracker.SetCallbacks(tracker.Callbacks{
		MeasureChange: func(measure int) {
			if fn := c.observers().MeasureChange; fn != nil {
				fn(measure)
			}
		},
		BeatChange: func(beat int) {
			if fn := c.observers().BeatChange; fn != nil {
				fn(beat)
			}
		},
	})
	return c, nil
}

// Initialize brings up the audio backend: the sample voice set when
// configured and reachable, the synthesis fallback otherwise. Asynchronous
// in the sense that it may block up to the init timeout; every other
// method returns promptly.
func (c *Controller) Initialize(ctx context.Context) error {
	if c.isDisposed() {
		return &ControllerDisposedError{Op: "initialize"}
	}
	return c.backend.Initialize(ctx)
}

// IsReady reports whether the backend can sound notes.
func (c *Controller) IsReady() bool { return c.backend.IsReady() }

// UsingFallback reports whether the oscillator chain replaced the sample
// voice set.
func (c *Controller) UsingFallback() bool { return c.backend.UsingFallback() }

// SetObservers replaces the full observer set.
func (c *Controller) SetObservers(obs Observers) {
	c.obsMu.Lock()
	c.obs = obs
	c.obsMu.Unlock()
}

func (c *Controller) observers() Observers {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	return c.obs
}

// LoadJSON parses and validates a timeline document, then installs it.
// A *ValidationError is returned before any controller state changes.
func (c *Controller) LoadJSON(data []byte) error {
	tl, err := timeline.ParseJSON(data, c.logger.Printf)
	if err != nil {
		return err
	}
	return c.Load(tl)
}

// LoadSMF reads a Standard MIDI File and installs it as the timeline.
func (c *Controller) LoadSMF(path string) error {
	tl, err := timeline.FromSMF(path, c.logger.Printf)
	if err != nil {
		return err
	}
	return c.Load(tl)
}

// Load installs a timeline, discarding all scheduling state from the
// previous one: playback stops, the loop region clears, and the position
// resets to measure 1 beat 1. No trigger from the prior piece can fire
// after Load returns. Base tempo resets to the piece's own tempo; the
// practice-speed multiplier is kept.
func (c *Controller) Load(tl *Timeline) error {
	if tl == nil {
		return &ValidationError{Violations: []string{"timeline must not be nil"}}
	}
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return &ControllerDisposedError{Op: "load"}
	}
	c.clock.Stop()
	c.clock.ClearLoopRegion()
	c.sched.SetTimeline(tl)
	c.backend.StopAllNotes()
	c.tl = tl
	c.baseTempo = tl.TempoBpm
	c.applyRateLocked()
	c.tracker.SetTimeline(tl)
	c.mu.Unlock()
	// Outside the lock: Stop joins the poll goroutine, whose callbacks may
	// re-enter the controller.
	c.tracker.Stop()
	return nil
}

// Play starts or resumes playback. Transport controls are invoked
// speculatively from interactive surfaces, so an unready backend or a
// missing timeline logs and returns instead of failing.
func (c *Controller) Play() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		c.logger.Printf("scoreplay: play ignored, controller disposed")
		return
	}
	if c.tl == nil {
		c.mu.Unlock()
		c.logger.Printf("scoreplay: play ignored, no timeline loaded")
		return
	}
	if !c.backend.IsReady() {
		c.mu.Unlock()
		c.logger.Printf("scoreplay: play ignored, backend not ready")
		return
	}
	switch c.clock.State() {
	case transport.Playing:
		c.mu.Unlock()
		return
	case transport.Paused:
		c.clock.Resume()
	default:
		c.clock.Start()
	}
	c.sched.Arm(c.clock.Position())
	c.tracker.Start()
	c.mu.Unlock()
	if fn := c.observers().PlaybackStart; fn != nil {
		fn()
	}
}

// Pause freezes the position, cancels every scheduled trigger, and drains
// the sounding voices. Idempotent.
func (c *Controller) Pause() {
	c.mu.Lock()
	if c.disposed || c.clock.State() != transport.Playing {
		c.mu.Unlock()
		return
	}
	c.clock.Pause()
	c.haltScheduleLocked()
	c.mu.Unlock()
	c.tracker.Stop()
	if fn := c.observers().PlaybackPause; fn != nil {
		fn()
	}
}

// Stop returns to measure 1 beat 1 from any state and silences every
// voice. Idempotent; stopping a stopped controller emits nothing.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	was := c.clock.State()
	c.clock.Stop()
	c.haltScheduleLocked()
	c.mu.Unlock()
	c.tracker.Stop()
	if was != transport.Stopped {
		if fn := c.observers().PlaybackEnd; fn != nil {
			fn()
		}
	}
}

// finish is the scheduler's end-of-timeline callback: the implicit stop.
func (c *Controller) finish() {
	c.mu.Lock()
	if c.disposed || c.clock.State() == transport.Stopped {
		c.mu.Unlock()
		return
	}
	c.clock.Stop()
	c.haltScheduleLocked()
	c.mu.Unlock()
	c.tracker.Stop()
	if fn := c.observers().PlaybackEnd; fn != nil {
		fn()
	}
}

func (c *Controller) haltScheduleLocked() {
	c.sched.CancelAll()
	c.backend.StopAllNotes()
}

// Seek moves to a measure and beat. While playing this pauses, drains the
// sounding voices, reschedules, and resumes as one step so no note from
// the old position continues sounding. While stopped or paused it only
// moves the stored position.
func (c *Controller) Seek(measure, beat int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return &ControllerDisposedError{Op: "seek"}
	}
	if c.tl == nil {
		return errors.New("no timeline loaded")
	}
	t := c.tl.MeasureBeatToTime(Position{Measure: measure, Beat: beat})
	if c.clock.State() == transport.Playing {
		c.clock.Pause()
		c.sched.CancelAll()
		c.backend.StopAllNotes()
		c.clock.Seek(t)
		c.clock.Resume()
		c.sched.Arm(t)
	} else {
		c.clock.Seek(t)
	}
	return nil
}

// Position reports the current measure and beat, (1,1) when nothing is
// loaded.
func (c *Controller) Position() Position {
	c.mu.Lock()
	tl := c.tl
	c.mu.Unlock()
	if tl == nil {
		return Position{Measure: 1, Beat: 1}
	}
	return tl.TimeToMeasureBeat(c.clock.Position())
}

func (c *Controller) State() PlaybackState { return c.clock.State() }

// SetTempoMultiplier sets the practice-speed scalar, clamped to
// [0.25, 2.0]. Position at the instant of the change is preserved; only
// future advancement changes speed.
func (c *Controller) SetTempoMultiplier(x float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.multiplier = timeline.ClampMultiplier(x)
	c.applyRateLocked()
}

func (c *Controller) TempoMultiplier() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.multiplier
}

// SetBaseTempo overrides the piece's own tempo, clamped to [20, 300] BPM.
func (c *Controller) SetBaseTempo(bpm float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.baseTempo = timeline.ClampTempo(bpm)
	c.applyRateLocked()
}

func (c *Controller) BaseTempo() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseTempo
}

// applyRateLocked recomputes the clock rate from the clamped base tempo
// and multiplier, then rebuilds the armed schedule so pending triggers
// follow the new rate. Stored event times are never rescaled.
func (c *Controller) applyRateLocked() {
	if c.tl == nil || c.tl.TempoBpm <= 0 {
		return
	}
	c.clock.SetRate(c.baseTempo / c.tl.TempoBpm * c.multiplier)
	c.sched.Rearm()
}

// SetLoopRegion enables wrapping between two positions. The region must be
// non-empty in time.
func (c *Controller) SetLoopRegion(start, end Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return &ControllerDisposedError{Op: "setLoopRegion"}
	}
	if c.tl == nil {
		return errors.New("no timeline loaded")
	}
	lr := LoopRegion{Start: start, End: end, Enabled: true}
	startSec, endSec, err := lr.Span(c.tl)
	if err != nil {
		return err
	}
	c.clock.SetLoopRegion(startSec, endSec)
	c.sched.Rearm()
	return nil
}

func (c *Controller) ClearLoopRegion() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.clock.ClearLoopRegion()
	c.sched.Rearm()
}

// onLoopWrap runs off the clock's wrap timer. Holding the controller lock
// here means Dispose cannot interleave with the rearm.
func (c *Controller) onLoopWrap(loopStart float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.sched.OnLoopWrap(loopStart)
}

// PlayNote sounds a note immediately, outside any timeline. Duration is
// wall seconds.
func (c *Controller) PlayNote(pitch int, velocity, durationSeconds float64) error {
	if c.isDisposed() {
		return &ControllerDisposedError{Op: "playNote"}
	}
	return c.backend.PlayNote(pitch, velocity, durationSeconds)
}

// TriggerAttack starts a note of unknown duration, for interactive input
// such as an on-screen key press. Pair with TriggerRelease.
func (c *Controller) TriggerAttack(pitch int, velocity float64) error {
	if c.isDisposed() {
		return &ControllerDisposedError{Op: "triggerAttack"}
	}
	return c.backend.TriggerAttack(pitch, velocity)
}

func (c *Controller) TriggerRelease(pitch int) {
	if c.isDisposed() {
		return
	}
	c.backend.TriggerRelease(pitch)
}

// SetVolume sets the linear volume, 0..1. Zero is true silence.
func (c *Controller) SetVolume(v float64) { c.backend.SetVolume(v) }

func (c *Controller) Volume() float64 { return c.backend.Volume() }

func (c *Controller) SetMuted(muted bool) { c.backend.SetMuted(muted) }

func (c *Controller) Muted() bool { return c.backend.Muted() }

// ActiveVoices reports how many voices are currently sounding.
func (c *Controller) ActiveVoices() int { return c.backend.ActiveVoices() }

// Dispose stops playback, cancels every scheduled handle, and releases the
// audio backend. Safe to call more than once; subsequent operations fail
// fast with ControllerDisposedError.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.clock.Stop()
	c.sched.CancelAll()
	c.backend.StopAllNotes()
	_ = c.backend.Close()
	c.tl = nil
	c.mu.Unlock()
	c.tracker.Stop()
}

func (c *Controller) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}
