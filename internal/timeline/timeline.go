package timeline

import (
	"fmt"
	"math"
	"sort"
)

// EventKind identifies a timeline event.
type EventKind int

const (
	// NoteOff sorts before NoteOn at equal times so a same-instant release
	// belonging to the previous note can never cancel a new attack.
	NoteOff EventKind = iota
	NoteOn
)

func (k EventKind) String() string {
	if k == NoteOn {
		return "noteOn"
	}
	return "noteOff"
}

// Event is a single timestamped musical event. Time is in seconds at the
// timeline's base tempo; practice-speed scaling is applied by the transport
// clock's rate, never baked into stored times.
type Event struct {
	Kind     EventKind
	Time     float64
	Pitch    int     // MIDI note number
	Velocity float64 // linear 0..1
}

// TimeSignature is a musical meter. The numerator doubles as beats per measure.
type TimeSignature struct {
	Numerator   int
	Denominator int
}

func (ts TimeSignature) String() string {
	return fmt.Sprintf("%d/%d", ts.Numerator, ts.Denominator)
}

// Position is a 1-indexed measure/beat location.
type Position struct {
	Measure int
	Beat    int
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Measure, p.Beat)
}

// Timeline is an immutable description of a piece: its events, tempo, meter,
// and extent. Construct with New or the ingestion helpers; do not mutate after.
type Timeline struct {
	Name          string
	TempoBpm      float64
	TimeSignature TimeSignature
	Events        []Event
	Duration      float64 // seconds at base tempo
	MeasureCount  int
}

// Tempo and practice-speed bounds.
const (
	MinTempoBpm   = 20.0
	MaxTempoBpm   = 300.0
	MinMultiplier = 0.25
	MaxMultiplier = 2.0
)

// ClampTempo bounds a base tempo to the supported range.
func ClampTempo(bpm float64) float64 {
	return clamp(bpm, MinTempoBpm, MaxTempoBpm)
}

// ClampMultiplier bounds a practice-speed multiplier to the supported range.
func ClampMultiplier(x float64) float64 {
	return clamp(x, MinMultiplier, MaxMultiplier)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// New builds a Timeline, normalizing it into the canonical form the rest of
// the engine relies on: events sorted ascending by time with NoteOff first at
// ties, a non-degenerate time signature, and tempo clamped to the supported
// range. A malformed time signature falls back to 4/4 (reported via warn)
// rather than failing the whole load.
func New(name string, tempoBpm float64, ts TimeSignature, events []Event, duration float64, measures int, warn func(format string, args ...any)) *Timeline {
	if ts.Numerator <= 0 || ts.Denominator <= 0 {
		if warn != nil {
			warn("timeline %q: invalid time signature %s, defaulting to 4/4", name, ts)
		}
		ts = TimeSignature{Numerator: 4, Denominator: 4}
	}
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Time != sorted[j].Time {
			return sorted[i].Time < sorted[j].Time
		}
		return sorted[i].Kind < sorted[j].Kind
	})
	tl := &Timeline{
		Name:          name,
		TempoBpm:      ClampTempo(tempoBpm),
		TimeSignature: ts,
		Events:        sorted,
		Duration:      duration,
		MeasureCount:  measures,
	}
	if tl.MeasureCount <= 0 {
		tl.MeasureCount = tl.measuresForDuration()
	}
	return tl
}

func (t *Timeline) measuresForDuration() int {
	spm := t.SecondsPerMeasure()
	if spm <= 0 || t.Duration <= 0 {
		return 1
	}
	m := int(math.Ceil(t.Duration/spm - 1e-9))
	if m < 1 {
		m = 1
	}
	return m
}

// SecondsPerBeat returns the beat length at the timeline's base tempo. The
// tempo multiplier is deliberately not part of this: it only scales the
// transport clock's rate.
func (t *Timeline) SecondsPerBeat() float64 {
	if t.TempoBpm <= 0 {
		return 0
	}
	return 60.0 / t.TempoBpm
}

// SecondsPerMeasure returns the measure length at the timeline's base tempo.
func (t *Timeline) SecondsPerMeasure() float64 {
	return t.SecondsPerBeat() * float64(t.TimeSignature.Numerator)
}

// MeasureBeatToTime converts a 1-indexed measure/beat position to seconds at
// the base tempo. Positions before (1,1) clamp to 0.
func (t *Timeline) MeasureBeatToTime(p Position) float64 {
	measure := p.Measure
	if measure < 1 {
		measure = 1
	}
	beat := p.Beat
	if beat < 1 {
		beat = 1
	}
	beats := float64(measure-1)*float64(t.TimeSignature.Numerator) + float64(beat-1)
	return beats * t.SecondsPerBeat()
}

// TimeToMeasureBeat is the floor-based inverse of MeasureBeatToTime.
func (t *Timeline) TimeToMeasureBeat(seconds float64) Position {
	spb := t.SecondsPerBeat()
	if seconds <= 0 || spb <= 0 {
		return Position{Measure: 1, Beat: 1}
	}
	// Nudge past float error so an exact beat boundary lands on that beat.
	beats := int(math.Floor(seconds/spb + 1e-9))
	per := t.TimeSignature.Numerator
	return Position{
		Measure: beats/per + 1,
		Beat:    beats%per + 1,
	}
}

// LoopRegion is a [start, end) window in musical positions the transport
// wraps within while looping. End must be strictly after start in time.
type LoopRegion struct {
	Start   Position
	End     Position
	Enabled bool
}

// Span resolves the region to seconds against t. It errors when the region
// is empty or inverted.
func (lr LoopRegion) Span(t *Timeline) (startSec, endSec float64, err error) {
	startSec = t.MeasureBeatToTime(lr.Start)
	endSec = t.MeasureBeatToTime(lr.End)
	if endSec <= startSec {
		return 0, 0, fmt.Errorf("loop region %s..%s is empty or inverted", lr.Start, lr.End)
	}
	return startSec, endSec, nil
}
