package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrameScalesAndClamps(t *testing.T) {
	block := []float32{0, 1, -1, 0.5, -0.5, 1.7, -3, float32(math.NaN())}
	frame := EncodeFrame(block)
	require.Len(t, frame, len(block)*2)

	got := DecodeFrame(frame)
	assert.Equal(t, []int16{0, 32767, -32768, 16383, -16384, 32767, -32768, 0}, got)
}

func TestEncodeFrameIsLittleEndian(t *testing.T) {
	frame := EncodeFrame([]float32{1})
	assert.Equal(t, uint16(0x7fff), binary.LittleEndian.Uint16(frame))
	assert.Equal(t, byte(0xff), frame[0])
	assert.Equal(t, byte(0x7f), frame[1])
}

func TestEncoderKeepsNoStateBetweenBlocks(t *testing.T) {
	var enc Encoder
	first := enc.Encode([]float32{0.25, -0.25})
	second := enc.Encode([]float32{0.25, -0.25})

	assert.Equal(t, first, second)
	assert.Equal(t, 2, enc.Frames())
	assert.Equal(t, 4, enc.Samples())
	assert.Empty(t, enc.Encode(nil))
}

func TestLevel(t *testing.T) {
	assert.Zero(t, Level(nil))
	assert.Zero(t, Level([]float32{0, 0, 0}))
	assert.InDelta(t, 1.0, Level([]float32{1, -1, 1, -1}), 1e-9)
	assert.InDelta(t, 0.5, Level([]float32{0.5, -0.5}), 1e-9)
}
