package audio

import (
	"bytes"
	"fmt"
	"time"

	"github.com/youpy/go-wav"
)

// Clip is a recorded mono 16-bit clip, as uploaded to the request/response
// endpoints.
type Clip struct {
	SampleRate int
	Samples    []int16
}

// Append adds one encoded frame to the clip.
func (c *Clip) Append(frame []byte) {
	c.Samples = append(c.Samples, DecodeFrame(frame)...)
}

func (c *Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// WAV packages the clip as a RIFF/WAVE file.
func (c *Clip) WAV() ([]byte, error) {
	if c.SampleRate <= 0 {
		return nil, fmt.Errorf("clip has no sample rate")
	}

	var buf bytes.Buffer
	writer := wav.NewWriter(&buf, uint32(len(c.Samples)), channels, uint32(c.SampleRate), bitsPerSample)

	samples := make([]wav.Sample, len(c.Samples))
	for i, s := range c.Samples {
		samples[i].Values[0] = int(s)
	}
	if err := writer.WriteSamples(samples); err != nil {
		return nil, fmt.Errorf("failed to write wav samples: %w", err)
	}
	return buf.Bytes(), nil
}
