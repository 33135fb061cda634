package audio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youpy/go-wav"
)

func TestClipWAVReadsBack(t *testing.T) {
	clip := &Clip{SampleRate: StreamSampleRate}
	clip.Append(EncodeFrame([]float32{0, 0.5, -0.5, 1}))
	clip.Append(EncodeFrame([]float32{-1}))

	data, err := clip.WAV()
	require.NoError(t, err)

	reader := wav.NewReader(bytes.NewReader(data))
	format, err := reader.Format()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), format.NumChannels)
	assert.Equal(t, uint32(StreamSampleRate), format.SampleRate)
	assert.Equal(t, uint16(16), format.BitsPerSample)

	samples, err := reader.ReadSamples(5)
	require.NoError(t, err)
	require.Len(t, samples, 5)
	assert.Equal(t, -32768, samples[4].Values[0])
	assert.Equal(t, 16383, samples[1].Values[0])
}

func TestClipDuration(t *testing.T) {
	clip := &Clip{SampleRate: 16000, Samples: make([]int16, 8000)}
	assert.Equal(t, 500*time.Millisecond, clip.Duration())

	_, err := (&Clip{}).WAV()
	assert.Error(t, err)
}

func TestStreamedHeaderIsPatched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.wav")
	file, err := os.Create(path)
	require.NoError(t, err)

	require.NoError(t, WriteWavHeader(file, StreamSampleRate, 0))
	pcm := EncodeFrame(make([]float32, 1600))
	_, err = file.Write(pcm)
	require.NoError(t, err)
	require.NoError(t, UpdateWavHeader(file, uint32(len(pcm))))
	require.NoError(t, file.Close())

	file, err = os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	duration, err := wav.NewReader(file).Duration()
	require.NoError(t, err)
	assert.InDelta(t, 0.1, duration.Seconds(), 0.001)
}
