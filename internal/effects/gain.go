package effects

import (
	"math"
	"sync/atomic"
)

// Gain is the final stage of the voice chain: a linear output level with a
// hard mute. Level and mute are atomic so UI setters never contend with the
// audio goroutine.
type Gain struct {
	level atomic.Uint64 // float64 bits
	muted atomic.Bool
}

// NewGain creates a gain stage at the given linear level (0..1).
func NewGain(level float64) *Gain {
	g := &Gain{}
	g.SetLevel(level)
	return g
}

// SetLevel sets the linear output level. 0 is true silence, not a clamped
// near-zero value.
func (g *Gain) SetLevel(level float64) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	g.level.Store(math.Float64bits(level))
}

func (g *Gain) Level() float64 {
	return math.Float64frombits(g.level.Load())
}

func (g *Gain) SetMuted(muted bool) {
	g.muted.Store(muted)
}

func (g *Gain) Muted() bool {
	return g.muted.Load()
}

func (g *Gain) Process(l, r float32) (float32, float32) {
	if g.muted.Load() {
		return 0, 0
	}
	level := float32(math.Float64frombits(g.level.Load()))
	return l * level, r * level
}

func (g *Gain) Reset() {}
