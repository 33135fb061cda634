package audio

import (
	"encoding/binary"
	"math"
)

// EncodeFrame converts one block of float samples in [-1, 1] into 16-bit
// signed little-endian PCM of the same length. Out of range input is clamped
// so loud input saturates instead of wrapping around.
func EncodeFrame(block []float32) []byte {
	frame := make([]byte, len(block)*2)
	for i, v := range block {
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(floatToSample(v)))
	}
	return frame
}

func floatToSample(v float32) int16 {
	switch {
	case v != v: // NaN
		return 0
	case v <= -1:
		return math.MinInt16
	case v >= 1:
		return math.MaxInt16
	case v < 0:
		return int16(v * 32768)
	default:
		return int16(v * 32767)
	}
}

// DecodeFrame is the inverse wire view of EncodeFrame.
func DecodeFrame(frame []byte) []int16 {
	samples := make([]int16, len(frame)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(frame[i*2:]))
	}
	return samples
}

// Encoder encodes capture blocks one at a time. It keeps counters only;
// each block is converted and returned immediately.
type Encoder struct {
	frames  int
	samples int
}

func (e *Encoder) Encode(block []float32) []byte {
	e.frames++
	e.samples += len(block)
	return EncodeFrame(block)
}

func (e *Encoder) Frames() int  { return e.frames }
func (e *Encoder) Samples() int { return e.samples }
