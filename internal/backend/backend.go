// Package backend turns abstract note triggers into sound. It prefers a
// sample-based voice set loaded under a bounded timeout and falls back to an
// oscillator chain (synth into compressor, reverb, gain) so playback is
// never permanently blocked by missing assets.
package backend

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cbegin/scoreplay-go/internal/audio"
	"github.com/cbegin/scoreplay-go/internal/effects"
	"github.com/cbegin/scoreplay-go/internal/sampler"
	"github.com/cbegin/scoreplay-go/internal/synth"
)

// DefaultInitTimeout bounds the sample voice set load during Initialize.
const DefaultInitTimeout = 30 * time.Second

// Engine is a rendering voice source: the sample-based set or the fallback
// oscillator engine.
type Engine interface {
	NoteOn(pitch int, velocity float64) int
	NoteOff(id int)
	Render(dst []float32)
	ActiveVoiceCount() int
}

type Option func(*Adapter)

// WithSampleDir points Initialize at a directory of pitch-named WAV files.
// Without it the adapter goes straight to the fallback chain.
func WithSampleDir(dir string) Option {
	return func(a *Adapter) { a.sampleDir = dir }
}

// WithInitTimeout overrides the sample-load timeout.
func WithInitTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.initTimeout = d
		}
	}
}

// WithSilentOutput skips the audio device entirely. Rendering still works
// through Process; used for offline rendering and tests.
func WithSilentOutput() Option {
	return func(a *Adapter) { a.silent = true }
}

func WithLogger(l *log.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithVolume sets the initial linear volume (0..1).
func WithVolume(v float64) Option {
	return func(a *Adapter) { a.gain.SetLevel(v) }
}

// Adapter owns the synthesis path and the registry of currently sounding
// voices. The registry is the engine's single safety-critical shared
// resource: every transition away from playing must drain it, since a
// leaked voice is an audibly stuck note.
type Adapter struct {
	sampleRate  int
	sampleDir   string
	initTimeout time.Duration
	silent      bool
	logger      *log.Logger
	gain        *effects.Gain

	mu       sync.Mutex
	engine   Engine
	chain    *effects.Chain // fallback path only
	out      *audio.Output
	ready    bool
	closed   bool
	fallback bool
	voices   map[int][]int // pitch -> sounding voice ids
	pending  map[int]*time.Timer
	nextTID  int
}

func New(sampleRate int, opts ...Option) *Adapter {
	a := &Adapter{
		sampleRate:  sampleRate,
		initTimeout: DefaultInitTimeout,
		logger:      log.Default(),
		gain:        effects.NewGain(1),
		voices:      map[int][]int{},
		pending:     map[int]*time.Timer{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Initialize brings up a voice source. The sample voice set is attempted
// first, bounded by the init timeout; any failure there falls back to the
// oscillator chain, so Initialize resolves rather than rejects on missing
// assets. Only an output-device failure is fatal.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return &UnavailableError{Err: context.Canceled}
	}
	if a.ready {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.initTimeout)
	defer cancel()

	var (
		engine   Engine
		chain    *effects.Chain
		fallback bool
	)
	if a.sampleDir != "" {
		eng, err := sampler.Load(ctx, a.sampleDir, a.sampleRate)
		if err != nil {
			a.logger.Printf("backend: sample voice set unavailable (%v), using fallback synthesis", err)
		} else {
			engine = eng
		}
	}
	if engine == nil {
		engine = synth.New(a.sampleRate, synth.DefaultParams())
		chain = effects.NewChain(
			effects.NewCompressor(a.sampleRate, -18, 3, 4, 120, 3),
			effects.NewReverb(a.sampleRate, 0.4, 0.6, 0.18),
		)
		fallback = true
	}

	var out *audio.Output
	if !a.silent {
		var err error
		out, err = audio.NewOutput(a.sampleRate, a)
		if err != nil {
			return &UnavailableError{Err: err}
		}
		out.Start()
	}

	a.mu.Lock()
	a.engine = engine
	a.chain = chain
	a.out = out
	a.fallback = fallback
	a.ready = true
	a.mu.Unlock()
	return nil
}

// IsReady reports whether Initialize has completed successfully.
func (a *Adapter) IsReady() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

// UsingFallback reports whether the oscillator chain is in use.
func (a *Adapter) UsingFallback() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fallback
}

// PlayNote triggers an attack now and schedules its release after
// durationSeconds of wall time. Failures are logged and returned as
// *TriggerError; callers driving a schedule discard them.
func (a *Adapter) PlayNote(pitch int, velocity float64, durationSeconds float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.playNoteLocked(pitch, velocity, durationSeconds)
}

// PlayNoteAt is PlayNote with a scheduled start. The pending trigger is
// tracked and cancelled by StopAllNotes and Close.
func (a *Adapter) PlayNoteAt(delay time.Duration, pitch int, velocity float64, durationSeconds float64) error {
	if delay <= 0 {
		return a.PlayNote(pitch, velocity, durationSeconds)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkTriggerableLocked(pitch); err != nil {
		return err
	}
	tid := a.nextTID
	a.nextTID++
	a.pending[tid] = time.AfterFunc(delay, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if _, live := a.pending[tid]; !live {
			return
		}
		delete(a.pending, tid)
		_ = a.playNoteLocked(pitch, velocity, durationSeconds)
	})
	return nil
}

func (a *Adapter) playNoteLocked(pitch int, velocity float64, durationSeconds float64) error {
	if err := a.checkTriggerableLocked(pitch); err != nil {
		return err
	}
	id := a.engine.NoteOn(pitch, velocity)
	a.voices[pitch] = append(a.voices[pitch], id)
	tid := a.nextTID
	a.nextTID++
	dur := time.Duration(durationSeconds * float64(time.Second))
	a.pending[tid] = time.AfterFunc(dur, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if _, live := a.pending[tid]; !live {
			return
		}
		delete(a.pending, tid)
		a.releaseVoiceLocked(pitch, id)
	})
	return nil
}

// TriggerAttack starts a note of unknown duration, e.g. an on-screen key
// press. Pair with TriggerRelease.
func (a *Adapter) TriggerAttack(pitch int, velocity float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkTriggerableLocked(pitch); err != nil {
		return err
	}
	id := a.engine.NoteOn(pitch, velocity)
	a.voices[pitch] = append(a.voices[pitch], id)
	return nil
}

// TriggerRelease releases every sounding voice of the pitch.
func (a *Adapter) TriggerRelease(pitch int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.engine == nil {
		return
	}
	for _, id := range a.voices[pitch] {
		a.engine.NoteOff(id)
	}
	delete(a.voices, pitch)
}

// StopAllNotes releases every sounding voice and cancels every pending
// scheduled trigger. Used on stop, seek, loop wrap, and dispose.
func (a *Adapter) StopAllNotes() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopAllLocked()
}

func (a *Adapter) stopAllLocked() {
	for tid, timer := range a.pending {
		timer.Stop()
		delete(a.pending, tid)
	}
	if a.engine != nil {
		for _, ids := range a.voices {
			for _, id := range ids {
				a.engine.NoteOff(id)
			}
		}
	}
	a.voices = map[int][]int{}
}

// ActiveVoices reports the number of registered sounding voices.
func (a *Adapter) ActiveVoices() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, ids := range a.voices {
		n += len(ids)
	}
	return n
}

// SetVolume sets the linear output volume. 0 is true silence.
func (a *Adapter) SetVolume(v float64) { a.gain.SetLevel(v) }

func (a *Adapter) Volume() float64 { return a.gain.Level() }

func (a *Adapter) SetMuted(muted bool) { a.gain.SetMuted(muted) }

func (a *Adapter) Muted() bool { return a.gain.Muted() }

// Close silences everything and releases the audio device. Safe to call
// more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.stopAllLocked()
	a.closed = true
	a.ready = false
	out := a.out
	a.out = nil
	a.mu.Unlock()
	if out != nil {
		return out.Close()
	}
	return nil
}

func (a *Adapter) checkTriggerableLocked(pitch int) error {
	reason := ""
	switch {
	case a.closed:
		reason = "backend closed"
	case !a.ready || a.engine == nil:
		reason = "backend not initialized"
	}
	if reason == "" {
		return nil
	}
	err := &TriggerError{Pitch: pitch, Reason: reason}
	a.logger.Printf("backend: %v", err)
	return err
}

func (a *Adapter) releaseVoiceLocked(pitch, id int) {
	if a.engine != nil {
		a.engine.NoteOff(id)
	}
	ids := a.voices[pitch]
	for i, v := range ids {
		if v == id {
			a.voices[pitch] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(a.voices[pitch]) == 0 {
		delete(a.voices, pitch)
	}
}

// Process implements audio.SampleSource: it renders the active engine
// through the fallback chain (if any) and the gain stage.
func (a *Adapter) Process(dst []float32) {
	a.mu.Lock()
	engine, chain := a.engine, a.chain
	a.mu.Unlock()
	if engine == nil {
		for i := range dst {
			dst[i] = 0
		}
		return
	}
	engine.Render(dst)
	if chain != nil {
		for i := 0; i+1 < len(dst); i += 2 {
			dst[i], dst[i+1] = chain.Process(dst[i], dst[i+1])
		}
	}
	for i := 0; i+1 < len(dst); i += 2 {
		dst[i], dst[i+1] = a.gain.Process(dst[i], dst[i+1])
	}
}
