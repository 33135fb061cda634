package voxcli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/youpy/go-wav"
)

const playbackFramesPerBuffer = 1024

// PlayFile plays a WAV file through the default output device until it
// ends or ctx is cancelled.
func PlayFile(ctx context.Context, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()
	return play(ctx, wav.NewReader(file))
}

// PlayBytes plays an in-memory WAV file.
func PlayBytes(ctx context.Context, data []byte) error {
	return play(ctx, wav.NewReader(bytes.NewReader(data)))
}

// PlayURL downloads a WAV file (such as an audio_url from the backend) and
// plays it.
func PlayURL(ctx context.Context, client *http.Client, url string) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download audio: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to download audio: %w", err)
	}
	slog.Debug("Downloaded audio", "url", url, "bytes", len(data))
	return PlayBytes(ctx, data)
}

// wavSource feeds output buffers from a WAV reader and signals once the
// reader is exhausted.
type wavSource struct {
	reader   *wav.Reader
	channels int

	once sync.Once
	done chan struct{}
}

func (w *wavSource) fill(out []int16) {
	frames := len(out) / w.channels
	samples, err := w.reader.ReadSamples(uint32(frames))
	if err != nil && err != io.EOF {
		slog.Error("Error reading from WAV file", "error", err)
	}

	n := 0
	for _, s := range samples {
		for ch := 0; ch < w.channels && n < len(out); ch++ {
			out[n] = int16(s.Values[ch])
			n++
		}
	}
	// Fill remaining buffer with silence if needed
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	if len(samples) == 0 || err != nil {
		w.once.Do(func() { close(w.done) })
	}
}

func play(ctx context.Context, reader *wav.Reader) error {
	format, err := reader.Format()
	if err != nil {
		return fmt.Errorf("failed to read wav format: %w", err)
	}
	if format.BitsPerSample != 16 {
		return fmt.Errorf("unsupported bits per sample: %d", format.BitsPerSample)
	}
	channels := int(format.NumChannels)
	if channels < 1 || channels > 2 {
		return fmt.Errorf("unsupported channel count: %d", channels)
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	src := &wavSource{reader: reader, channels: channels, done: make(chan struct{})}
	stream, err := portaudio.OpenDefaultStream(
		0,
		channels,
		float64(format.SampleRate),
		playbackFramesPerBuffer,
		src.fill,
	)
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}
	slog.Debug("Playing audio", "sampleRate", format.SampleRate, "channels", channels)

	select {
	case <-src.done:
	case <-ctx.Done():
	}
	return stream.Stop()
}
