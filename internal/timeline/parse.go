package timeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ValidationError reports every rule a timeline document violated. A load
// that produces one leaves the engine's prior state untouched.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "invalid timeline: " + strings.Join(e.Violations, "; ")
}

// fileTimeline mirrors the ingestion document produced by the data collaborator.
type fileTimeline struct {
	Name          string      `json:"name"`
	Tempo         float64     `json:"tempo"`
	TimeSignature fileMeter   `json:"timeSignature"`
	Events        []fileEvent `json:"events"`
	Duration      float64     `json:"duration"`
	Measures      int         `json:"measures"`
}

type fileMeter struct {
	Numerator   int `json:"numerator"`
	Denominator int `json:"denominator"`
}

type fileEvent struct {
	Type string  `json:"type"`
	Time float64 `json:"time"`
	Data struct {
		Pitch    int     `json:"pitch"`
		Velocity float64 `json:"velocity"`
	} `json:"data"`
}

// ParseJSON decodes and validates a timeline document. Every violated rule is
// collected before rejecting, so the caller sees the full list at once.
func ParseJSON(data []byte, warn func(format string, args ...any)) (*Timeline, error) {
	var doc fileTimeline
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode timeline: %w", err)
	}

	var violations []string
	if doc.Tempo <= 0 {
		violations = append(violations, fmt.Sprintf("tempo must be positive, got %v", doc.Tempo))
	}
	if doc.TimeSignature.Numerator <= 0 {
		violations = append(violations, fmt.Sprintf("timeSignature.numerator must be positive, got %d", doc.TimeSignature.Numerator))
	}
	if doc.TimeSignature.Denominator <= 0 {
		violations = append(violations, fmt.Sprintf("timeSignature.denominator must be positive, got %d", doc.TimeSignature.Denominator))
	}
	if doc.Duration < 0 {
		violations = append(violations, fmt.Sprintf("duration must be non-negative, got %v", doc.Duration))
	}
	if doc.Measures < 0 {
		violations = append(violations, fmt.Sprintf("measures must be non-negative, got %d", doc.Measures))
	}
	for i, ev := range doc.Events {
		if ev.Time < 0 {
			violations = append(violations, fmt.Sprintf("events[%d].time must be non-negative, got %v", i, ev.Time))
		}
		if ev.Type != "noteOn" && ev.Type != "noteOff" {
			violations = append(violations, fmt.Sprintf("events[%d].type must be noteOn or noteOff, got %q", i, ev.Type))
		}
	}
	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	events := make([]Event, 0, len(doc.Events))
	for _, ev := range doc.Events {
		kind := NoteOff
		if ev.Type == "noteOn" {
			kind = NoteOn
		}
		events = append(events, Event{
			Kind:     kind,
			Time:     ev.Time,
			Pitch:    ev.Data.Pitch,
			Velocity: clamp(ev.Data.Velocity, 0, 1),
		})
	}
	ts := TimeSignature{Numerator: doc.TimeSignature.Numerator, Denominator: doc.TimeSignature.Denominator}
	return New(doc.Name, doc.Tempo, ts, events, doc.Duration, doc.Measures, warn), nil
}
