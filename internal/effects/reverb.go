package effects

// Reverb is a small Schroeder reverb: parallel comb filters into serial
// allpass filters. The right channel reads its combs at a slight offset so
// the tail keeps some stereo width from a mono-summed input.
type Reverb struct {
	combs   [4]comb
	allpass [2]allpass
	wet     float32
}

type comb struct {
	buf    []float32
	pos    int
	offset int // right-channel read offset
	fb     float32
}

type allpass struct {
	buf []float32
	pos int
	fb  float32
}

// NewReverb creates a reverb. roomSize (0..1) scales the delay lengths,
// feedback (0..1) the decay time, wet (0..1) the mix.
func NewReverb(sampleRate int, roomSize, feedback, wet float32) *Reverb {
	base := int(float32(sampleRate) * clamp(roomSize, 0, 1) * 0.05)
	if base < 16 {
		base = 16
	}
	fb := clamp(feedback, 0, 0.95)
	r := &Reverb{wet: clamp(wet, 0, 1)}
	// Mutually prime-ish lengths so the combs do not reinforce one resonance.
	lens := [4]int{base, base * 1151 / 1000, base * 1327 / 1000, base * 1499 / 1000}
	for i := range r.combs {
		r.combs[i] = comb{
			buf:    make([]float32, lens[i]),
			offset: lens[i] / 7,
			fb:     fb,
		}
	}
	apLens := [2]int{base * 331 / 1000, base * 199 / 1000}
	for i := range r.allpass {
		n := apLens[i]
		if n < 1 {
			n = 1
		}
		r.allpass[i] = allpass{buf: make([]float32, n), fb: 0.5}
	}
	return r
}

func (r *Reverb) Process(l, r2 float32) (float32, float32) {
	mono := (l + r2) * 0.5
	var wetL, wetR float32
	for i := range r.combs {
		a, b := r.combs[i].process(mono)
		wetL += a
		wetR += b
	}
	wetL *= 0.25
	wetR *= 0.25
	for i := range r.allpass {
		wetL = r.allpass[i].process(wetL)
		wetR = r.allpass[i].process(wetR)
	}
	dry := 1 - r.wet
	return l*dry + wetL*r.wet, r2*dry + wetR*r.wet
}

func (r *Reverb) Reset() {
	for i := range r.combs {
		clearBuf(r.combs[i].buf)
		r.combs[i].pos = 0
	}
	for i := range r.allpass {
		clearBuf(r.allpass[i].buf)
		r.allpass[i].pos = 0
	}
}

func (c *comb) process(in float32) (left, right float32) {
	left = c.buf[c.pos]
	right = c.buf[(c.pos+c.offset)%len(c.buf)]
	c.buf[c.pos] = in + left*c.fb
	c.pos++
	if c.pos >= len(c.buf) {
		c.pos = 0
	}
	return left, right
}

func (a *allpass) process(in float32) float32 {
	delayed := a.buf[a.pos]
	out := delayed - in
	a.buf[a.pos] = in + delayed*a.fb
	a.pos++
	if a.pos >= len(a.buf) {
		a.pos = 0
	}
	return out
}

func clearBuf(b []float32) {
	for i := range b {
		b[i] = 0
	}
}
