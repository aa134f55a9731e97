package timeline

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gitlab.com/gomidi/midi/v2/smf"
)

// FromSMF imports a Standard MIDI File as a Timeline. Event times are taken
// from the file's own tempo map, so they are absolute seconds regardless of
// tempo changes; the first tempo event becomes the timeline's base tempo for
// measure/beat math.
func FromSMF(path string, warn func(format string, args ...any)) (*Timeline, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return readSMF(smf.ReadTracks(path), name, warn)
}

// FromSMFReader is FromSMF over an in-memory or streamed file.
func FromSMFReader(r io.Reader, name string, warn func(format string, args ...any)) (*Timeline, error) {
	return readSMF(smf.ReadTracksFrom(r), name, warn)
}

func readSMF(rd *smf.TracksReader, name string, warn func(format string, args ...any)) (*Timeline, error) {
	var (
		events   []Event
		tempo    float64
		meter    TimeSignature
		lastUSec int64
	)
	rd.Do(func(te smf.TrackEvent) {
		if te.AbsMicroSeconds > lastUSec {
			lastUSec = te.AbsMicroSeconds
		}
		var (
			ch, key, vel uint8
			bpm          float64
			num, denom   uint8
		)
		msg := te.Message
		switch {
		case msg.GetNoteStart(&ch, &key, &vel):
			events = append(events, Event{
				Kind:     NoteOn,
				Time:     float64(te.AbsMicroSeconds) / 1e6,
				Pitch:    int(key),
				Velocity: float64(vel) / 127.0,
			})
		case msg.GetNoteEnd(&ch, &key):
			events = append(events, Event{
				Kind:  NoteOff,
				Time:  float64(te.AbsMicroSeconds) / 1e6,
				Pitch: int(key),
			})
		case msg.GetMetaTempo(&bpm):
			if tempo == 0 {
				tempo = bpm
			}
		case msg.GetMetaMeter(&num, &denom):
			if meter.Numerator == 0 {
				meter = TimeSignature{Numerator: int(num), Denominator: int(denom)}
			}
		}
	})
	if err := rd.Error(); err != nil {
		return nil, fmt.Errorf("read smf %q: %w", name, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("smf %q contains no note events", name)
	}
	if tempo == 0 {
		tempo = 120
	}
	if meter.Numerator == 0 {
		meter = TimeSignature{Numerator: 4, Denominator: 4}
	}
	duration := float64(lastUSec) / 1e6
	return New(name, tempo, meter, events, duration, 0, warn), nil
}
