// Package audio connects a float32 stereo sample source to the platform
// audio device via the ebiten audio context.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"
)

// SampleSource fills dst with interleaved stereo float32 frames. It is
// called from the audio goroutine; implementations must be safe against
// concurrent note triggers.
type SampleSource interface {
	Process(dst []float32)
}

// The platform allows one audio context per process at one sample rate;
// every Output shares it.
var (
	contextOnce  sync.Once
	audioContext *ebitaudio.Context
	contextRate  int
)

func sharedContext(sampleRate int) (*ebitaudio.Context, error) {
	contextOnce.Do(func() {
		contextRate = sampleRate
		audioContext = ebitaudio.NewContext(sampleRate)
	})
	if contextRate != sampleRate {
		return nil, fmt.Errorf("audio context already running at %d Hz (requested %d Hz)", contextRate, sampleRate)
	}
	return audioContext, nil
}

type streamReader struct {
	mu     sync.Mutex
	source SampleSource
	buf    []float32
}

func (r *streamReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	frames := len(p) / 8
	if frames == 0 {
		return 0, nil
	}
	need := frames * 2
	if cap(r.buf) < need {
		r.buf = make([]float32, need)
	}
	r.buf = r.buf[:need]
	r.source.Process(r.buf)
	for i := 0; i < need; i++ {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(r.buf[i]))
	}
	return frames * 8, nil
}

func (r *streamReader) Close() error { return nil }

// Output is a continuously running audio stream fed by a SampleSource.
// Unlike a one-shot track player it never reaches EOF; silence between
// notes is just zero samples.
type Output struct {
	player *ebitaudio.Player
	reader *streamReader
}

func NewOutput(sampleRate int, source SampleSource) (*Output, error) {
	ctx, err := sharedContext(sampleRate)
	if err != nil {
		return nil, err
	}
	reader := &streamReader{source: source}
	pl, err := ctx.NewPlayerF32(reader)
	if err != nil {
		return nil, fmt.Errorf("create audio player: %w", err)
	}
	return &Output{player: pl, reader: reader}, nil
}

func (o *Output) Start() { o.player.Play() }

// Close stops the stream and releases the device player.
func (o *Output) Close() error {
	o.player.Pause()
	if err := o.player.Close(); err != nil {
		return err
	}
	return o.reader.Close()
}
