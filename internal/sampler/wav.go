package sampler

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	wavFormatPCM     = 1
	wavFormatFloat32 = 3
)

// decodeWAV parses a RIFF/WAVE file into mono float32 samples. PCM16 and
// IEEE float32 data are supported; stereo input is averaged down to mono.
func decodeWAV(data []byte) (samples []float32, sampleRate int, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE file")
	}
	var (
		format     uint16
		channels   int
		bitDepth   int
		haveFormat bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) {
			return nil, 0, fmt.Errorf("truncated %q chunk", id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("short fmt chunk")
			}
			format = binary.LittleEndian.Uint16(data[body:])
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bitDepth = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFormat = true
		case "data":
			if !haveFormat {
				return nil, 0, fmt.Errorf("data chunk before fmt chunk")
			}
			samples, err = decodeFrames(data[body:body+size], format, channels, bitDepth)
			if err != nil {
				return nil, 0, err
			}
			return samples, sampleRate, nil
		}
		// Chunks are word-aligned.
		pos = body + size + size%2
	}
	return nil, 0, fmt.Errorf("no data chunk")
}

func decodeFrames(raw []byte, format uint16, channels, bitDepth int) ([]float32, error) {
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	switch {
	case format == wavFormatPCM && bitDepth == 16:
		frames := len(raw) / (2 * channels)
		out := make([]float32, frames)
		for f := 0; f < frames; f++ {
			var sum float32
			for c := 0; c < channels; c++ {
				v := int16(binary.LittleEndian.Uint16(raw[(f*channels+c)*2:]))
				sum += float32(v) / 32768.0
			}
			out[f] = sum / float32(channels)
		}
		return out, nil
	case format == wavFormatFloat32 && bitDepth == 32:
		frames := len(raw) / (4 * channels)
		out := make([]float32, frames)
		for f := 0; f < frames; f++ {
			var sum float32
			for c := 0; c < channels; c++ {
				bits := binary.LittleEndian.Uint32(raw[(f*channels+c)*4:])
				sum += math.Float32frombits(bits)
			}
			out[f] = sum / float32(channels)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported format %d/%d-bit", format, bitDepth)
	}
}
