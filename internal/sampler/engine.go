// Package sampler plays a sample-based voice set: a directory of WAV files
// named by MIDI pitch (60.wav, 64.wav, ...). Notes between sampled pitches
// are produced by repitching the nearest sample.
package sampler

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	maxVoices      = 24
	releaseSeconds = 0.06
)

type sample struct {
	pitch int
	rate  int
	data  []float32
}

type voice struct {
	active    bool
	id        int
	smp       *sample
	pos       float64
	step      float64
	amp       float64
	releasing bool
	relGain   float64
	relStep   float64
}

// Engine renders the loaded voice set. It exposes the same voice interface
// as the fallback synth engine.
type Engine struct {
	mu         sync.Mutex
	sampleRate float64
	samples    []*sample // sorted by pitch
	voices     []voice
	nextID     int
}

// Load reads every <pitch>.wav under dir. The context bounds the whole
// attempt; loading stops at the first deadline hit. An empty or missing
// directory is an immediate error so the caller can fall back without
// burning the full timeout.
func Load(ctx context.Context, dir string, sampleRate int) (*Engine, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read voice set dir: %w", err)
	}
	var samples []*sample
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".wav") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("voice set load interrupted: %w", err)
		}
		pitch, err := strconv.Atoi(strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())))
		if err != nil || pitch < 0 || pitch > 127 {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		data, rate, err := decodeWAV(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Name(), err)
		}
		samples = append(samples, &sample{pitch: pitch, rate: rate, data: data})
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("no pitch-named wav files in %s", dir)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].pitch < samples[j].pitch })
	return &Engine{
		sampleRate: float64(sampleRate),
		samples:    samples,
		voices:     make([]voice, maxVoices),
	}, nil
}

// SampleCount reports how many sampled pitches were loaded.
func (e *Engine) SampleCount() int {
	return len(e.samples)
}

// NoteOn starts a voice from the nearest sampled pitch, repitched to the
// requested note, and returns its id.
func (e *Engine) NoteOn(pitch int, velocity float64) int {
	if velocity < 0 {
		velocity = 0
	}
	if velocity > 1 {
		velocity = 1
	}
	smp := e.nearest(pitch)
	step := math.Pow(2, float64(pitch-smp.pitch)/12.0) * float64(smp.rate) / e.sampleRate

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
		// Steal the voice furthest through its sample.
		slot = 0
		for i := range e.voices {
			if e.voices[i].pos > e.voices[slot].pos {
				slot = i
			}
		}
	}
	id := e.nextID
	e.nextID++
	e.voices[slot] = voice{
		active:  true,
		id:      id,
		smp:     smp,
		step:    step,
		amp:     0.2 + 0.8*velocity,
		relGain: 1,
		relStep: 1 / (releaseSeconds * e.sampleRate),
	}
	return id
}

// NoteOff starts a short fade-out on the voice. Unknown ids are ignored.
func (e *Engine) NoteOff(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.voices {
		if e.voices[i].active && e.voices[i].id == id {
			e.voices[i].releasing = true
			return
		}
	}
}

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
	frames := len(dst) / 2
	for f := 0; f < frames; f++ {
		var sum float64
		for i := range e.voices {
			v := &e.voices[i]
			if !v.active {
				continue
			}
			idx := int(v.pos)
			if idx+1 >= len(v.smp.data) {
				v.active = false
				continue
			}
			frac := v.pos - float64(idx)
			s := float64(v.smp.data[idx])*(1-frac) + float64(v.smp.data[idx+1])*frac
			if v.releasing {
				v.relGain -= v.relStep
				if v.relGain <= 0 {
					v.active = false
					continue
				}
			}
			sum += s * v.amp * v.relGain
			v.pos += v.step
		}
		out := float32(sum)
		dst[f*2] = out
		dst[f*2+1] = out
	}
}

func (e *Engine) nearest(pitch int) *sample {
	best := e.samples[0]
	for _, s := range e.samples[1:] {
		if abs(s.pitch-pitch) < abs(best.pitch-pitch) {
			best = s
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
