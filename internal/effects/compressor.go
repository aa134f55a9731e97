package effects

import "math"

// Compressor smooths the level jumps of the fallback oscillator voices. It
// is stereo-linked: both channels share one envelope so the image does not
// shift when only one side peaks.
type Compressor struct {
	threshold float32 // linear
	slope     float32 // 1 - 1/ratio
	attack    float32 // smoothing coefficient
	release   float32
	makeup    float32
	env       float32
}

// NewCompressor creates a stereo-linked compressor.
// thresholdDB is where gain reduction begins, ratio the reduction above it
// (4 means 4:1), attackMs/releaseMs the envelope times, makeupDB the output
// gain restoring level lost to reduction.
func NewCompressor(sampleRate int, thresholdDB, ratio, attackMs, releaseMs, makeupDB float32) *Compressor {
	sr := float64(sampleRate)
	if ratio < 1 {
		ratio = 1
	}
	return &Compressor{
		threshold: float32(math.Pow(10, float64(thresholdDB)/20)),
		slope:     1 - 1/ratio,
		attack:    coeff(float64(attackMs), sr),
		release:   coeff(float64(releaseMs), sr),
		makeup:    float32(math.Pow(10, float64(makeupDB)/20)),
	}
}

// coeff converts a time constant in ms to a one-pole smoothing coefficient.
func coeff(ms, sampleRate float64) float32 {
	if ms <= 0 {
		return 1
	}
	return float32(1 - math.Exp(-1000.0/(ms*sampleRate)))
}

func (c *Compressor) Process(l, r float32) (float32, float32) {
	peak := float32(math.Abs(float64(l)))
	if ar := float32(math.Abs(float64(r))); ar > peak {
		peak = ar
	}
	if peak > c.env {
		c.env += c.attack * (peak - c.env)
	} else {
		c.env += c.release * (peak - c.env)
	}
	gain := float32(1.0)
	if c.env > c.threshold && c.threshold > 0 {
		// Pull the envelope toward the threshold by the slope, in dB terms.
		overDB := 20 * math.Log10(float64(c.env/c.threshold))
		gain = float32(math.Pow(10, -float64(c.slope)*overDB/20))
	}
	return l * gain * c.makeup, r * gain * c.makeup
}

func (c *Compressor) Reset() {
	c.env = 0
}
