package scoreplay

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/cbegin/scoreplay-go/internal/effects"
	"github.com/cbegin/scoreplay-go/internal/schedule"
	"github.com/cbegin/scoreplay-go/internal/synth"
)

// renderTail pads the output past the last event so releases can decay.
const renderTail = 1.0

type renderAction struct {
	frame int
	off   bool
	pitch int
	vel   float64
}

// RenderSamples plays a timeline through the fallback synthesis chain
// faster than real time and returns interleaved stereo float32 samples.
// NoteOn/NoteOff pairing follows the live scheduler: nearest later NoteOff
// of the same pitch, half-second sustain when unpaired.
func RenderSamples(tl *Timeline, sampleRate int) []float32 {
	actions := renderPlan(tl, sampleRate)
	frames := int(float64(sampleRate) * (tl.Duration + renderTail))
	if len(actions) > 0 {
		if last := actions[len(actions)-1].frame + int(float64(sampleRate)*renderTail); last > frames {
			frames = last
		}
	}

	eng := synth.New(sampleRate, synth.DefaultParams())
	chain := effects.NewChain(
		effects.NewCompressor(sampleRate, -18, 3, 4, 120, 3),
		effects.NewReverb(sampleRate, 0.4, 0.6, 0.18),
	)

	out := make([]float32, frames*2)
	voices := make(map[int][]int) // pitch -> engine voice ids, FIFO
	cursor := 0
	render := func(upto int) {
		if upto > frames {
			upto = frames
		}
		if upto <= cursor {
			return
		}
		buf := out[cursor*2 : upto*2]
		eng.Render(buf)
		for i := 0; i+1 < len(buf); i += 2 {
			buf[i], buf[i+1] = chain.Process(buf[i], buf[i+1])
		}
		cursor = upto
	}
	for _, a := range actions {
		render(a.frame)
		if a.off {
			if ids := voices[a.pitch]; len(ids) > 0 {
				eng.NoteOff(ids[0])
				voices[a.pitch] = ids[1:]
			}
			continue
		}
		voices[a.pitch] = append(voices[a.pitch], eng.NoteOn(a.pitch, a.vel))
	}
	render(frames)
	return out
}

// renderPlan flattens the timeline into frame-stamped attack and release
// actions, resolving each NoteOn's duration the way live playback does.
func renderPlan(tl *Timeline, sampleRate int) []renderAction {
	var actions []renderAction
	consumed := make(map[int]bool)
	for i, ev := range tl.Events {
		if ev.Kind != NoteOn {
			continue
		}
		offAt := ev.Time + schedule.DefaultSustain
		if j := nearestNoteOff(tl.Events, i, consumed); j >= 0 {
			consumed[j] = true
			offAt = tl.Events[j].Time
		}
		actions = append(actions,
			renderAction{frame: int(ev.Time * float64(sampleRate)), pitch: ev.Pitch, vel: ev.Velocity},
			renderAction{frame: int(offAt * float64(sampleRate)), off: true, pitch: ev.Pitch},
		)
	}
	sort.SliceStable(actions, func(a, b int) bool {
		if actions[a].frame != actions[b].frame {
			return actions[a].frame < actions[b].frame
		}
		// Releases first, matching the same-instant event ordering rule.
		return actions[a].off && !actions[b].off
	})
	return actions
}

func nearestNoteOff(events []TimelineEvent, on int, consumed map[int]bool) int {
	for j := on + 1; j < len(events); j++ {
		ev := events[j]
		if ev.Kind != NoteOff || ev.Pitch != events[on].Pitch || consumed[j] {
			continue
		}
		if ev.Time <= events[on].Time {
			continue
		}
		return j
	}
	return -1
}

// EncodeWAVFloat32LE wraps interleaved samples in a RIFF/WAVE container
// with IEEE float32 encoding.
func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	dataSize := len(samples) * 4
	byteRate := sampleRate * channels * 4
	blockAlign := channels * 4
	chunkSize := 36 + dataSize
	out := make([]byte, 44+dataSize)
	copy(out[0:], []byte("RIFF"))
	binary.LittleEndian.PutUint32(out[4:], uint32(chunkSize))
	copy(out[8:], []byte("WAVE"))
	copy(out[12:], []byte("fmt "))
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 3)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 32)
	copy(out[36:], []byte("data"))
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[44+i*4:], math.Float32bits(s))
	}
	return out
}
