package scoreplay

import (
	"log"

	"github.com/cbegin/scoreplay-go/internal/timeline"
)

// ParseTimelineJSON parses and validates the external timeline document
// format without touching a controller. Malformed time signatures default
// to 4/4 with a logged warning; rule violations return a *ValidationError
// listing every failure.
func ParseTimelineJSON(data []byte) (*Timeline, error) {
	return timeline.ParseJSON(data, log.Printf)
}

// TimelineFromSMF reads a Standard MIDI File into a timeline.
func TimelineFromSMF(path string) (*Timeline, error) {
	return timeline.FromSMF(path, log.Printf)
}
