// Package synth is the fallback voice source: a polyphonic oscillator engine
// used when the sample-based voice set cannot be loaded. Tone quality is
// deliberately modest; availability is the point.
package synth

import (
	"math"
	"sync"
)

const (
	twoPi     = math.Pi * 2
	maxVoices = 24
)

// Params controls the oscillator engine.
type Params struct {
	Polyphony   int
	AttackSec   float64
	DecaySec    float64
	SustainLvl  float64
	ReleaseSec  float64
	MasterGain  float64
	VelocityAmp float64 // how much velocity scales amplitude, 0..1
}

// DefaultParams returns a soft piano-ish envelope.
func DefaultParams() Params {
	return Params{
		Polyphony:   maxVoices,
		AttackSec:   0.004,
		DecaySec:    0.35,
		SustainLvl:  0.55,
		ReleaseSec:  0.25,
		MasterGain:  0.35,
		VelocityAmp: 0.85,
	}
}

type envState int

const (
	envAttack envState = iota
	envDecay
	envSustain
	envRelease
	envOff
)

type voice struct {
	active   bool
	id       int
	freq     float64
	phase    float64
	amp      float64
	env      float64
	envState envState
}

// Engine renders all active voices into interleaved stereo float32 buffers.
// NoteOn/NoteOff may be called from any goroutine; rendering locks once per
// buffer, not per frame.
type Engine struct {
	mu         sync.Mutex
	sampleRate float64
	params     Params
	voices     []voice
	nextID     int
}

func New(sampleRate int, params Params) *Engine {
	if params.Polyphony <= 0 || params.Polyphony > maxVoices {
		params.Polyphony = maxVoices
	}
	return &Engine{
		sampleRate: float64(sampleRate),
		params:     params,
		voices:     make([]voice, params.Polyphony),
	}
}

// NoteOn starts a voice and returns its id. With all voices busy, the
// quietest one is stolen.
func (e *Engine) NoteOn(pitch int, velocity float64) int {
	if velocity < 0 {
		velocity = 0
	}
	if velocity > 1 {
		velocity = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	slot := -1
	for i := range e.voices {
		if !e.voices[i].active {
			slot = i
			break
		}
	}
	if slot < 0 {
		quietest := 0
		for i := range e.voices {
			if e.voices[i].env < e.voices[quietest].env {
				quietest = i
			}
		}
		slot = quietest
	}
	id := e.nextID
	e.nextID++
	amp := 1 - e.params.VelocityAmp + e.params.VelocityAmp*velocity
	e.voices[slot] = voice{
		active:   true,
		id:       id,
		freq:     midiToFreq(pitch),
		amp:      amp,
		envState: envAttack,
	}
	return id
}

// NoteOff moves a voice into its release stage. Unknown ids are ignored
// (the voice may already have been stolen or released).
func (e *Engine) NoteOff(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.voices {
		if e.voices[i].active && e.voices[i].id == id {
			e.voices[i].envState = envRelease
			return
		}
	}
}

// ActiveVoiceCount reports voices still sounding, release tails included.
func (e *Engine) ActiveVoiceCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for i := range e.voices {
		if e.voices[i].active {
			n++
		}
	}
	return n
}

// Render overwrites dst (interleaved stereo) with the engine's output.
func (e *Engine) Render(dst []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.params
	attackStep := stepFor(p.AttackSec, e.sampleRate)
	decayStep := stepFor(p.DecaySec, e.sampleRate) * (1 - p.SustainLvl)
	releaseStep := stepFor(p.ReleaseSec, e.sampleRate)
	frames := len(dst) / 2
	for f := 0; f < frames; f++ {
		var sum float64
		for i := range e.voices {
			v := &e.voices[i]
			if !v.active {
				continue
			}
			switch v.envState {
			case envAttack:
				v.env += attackStep
				if v.env >= 1 {
					v.env = 1
					v.envState = envDecay
				}
			case envDecay:
				v.env -= decayStep
				if v.env <= p.SustainLvl {
					v.env = p.SustainLvl
					v.envState = envSustain
				}
			case envRelease:
				v.env -= releaseStep
				if v.env <= 0 {
					v.env = 0
					v.active = false
					v.envState = envOff
					continue
				}
			}
			// Sine plus a little second harmonic for body.
			s := math.Sin(v.phase) + 0.12*math.Sin(2*v.phase)
			sum += s * v.env * v.amp
			v.phase += twoPi * v.freq / e.sampleRate
			if v.phase >= twoPi {
				v.phase -= twoPi
			}
		}
		out := float32(sum * p.MasterGain)
		dst[f*2] = out
		dst[f*2+1] = out
	}
}

func stepFor(seconds, sampleRate float64) float64 {
	if seconds <= 0 {
		return 1
	}
	return 1 / (seconds * sampleRate)
}

func midiToFreq(pitch int) float64 {
	return 440.0 * math.Pow(2, float64(pitch-69)/12.0)
}
