package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/youpy/go-wav"
)

// WAVFile replays a 16-bit WAV recording as if it were a microphone. Only
// the first channel is used and the file rate must match the requested rate.
type WAVFile struct {
	Path string
	// Realtime paces blocks at the capture rate instead of as fast as possible.
	Realtime bool
	// OnEOF, when set, is called once the recording has been fully delivered.
	OnEOF func()
}

func (w WAVFile) Open(ctx context.Context, p Params) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.FramesPerBuffer <= 0 {
		return nil, fmt.Errorf("invalid frames per buffer: %d", p.FramesPerBuffer)
	}

	file, err := os.Open(w.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open replay file: %v", ErrUnavailable, err)
	}

	reader := wav.NewReader(file)
	format, err := reader.Format()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: failed to read wav format: %v", ErrUnavailable, err)
	}
	if format.BitsPerSample != 16 {
		file.Close()
		return nil, fmt.Errorf("%w: replay file must be 16-bit, got %d", ErrUnavailable, format.BitsPerSample)
	}
	if int(format.SampleRate) != p.SampleRate {
		file.Close()
		return nil, fmt.Errorf("%w: replay file sample rate %d does not match %d", ErrUnavailable, format.SampleRate, p.SampleRate)
	}

	return &fileStream{
		file:   file,
		reader: reader,
		params: p,
		src:    w,
	}, nil
}

type fileStream struct {
	file   *os.File
	reader *wav.Reader
	params Params
	src    WAVFile

	mu        sync.Mutex
	quit      chan struct{}
	wg        sync.WaitGroup
	connected bool
	released  bool
}

func (s *fileStream) Connect(cb Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return fmt.Errorf("stream already released")
	}
	if s.connected {
		return fmt.Errorf("stream already connected")
	}
	s.connected = true
	s.quit = make(chan struct{})

	s.wg.Add(1)
	go s.pump(cb, s.quit)
	return nil
}

func (s *fileStream) pump(cb Callback, quit <-chan struct{}) {
	defer s.wg.Done()

	period := time.Duration(s.params.FramesPerBuffer) * time.Second / time.Duration(s.params.SampleRate)
	var tick <-chan time.Time
	if s.src.Realtime {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		tick = ticker.C
	}

	block := make([]float32, s.params.FramesPerBuffer)
	for {
		if tick != nil {
			select {
			case <-quit:
				return
			case <-tick:
			}
		} else {
			select {
			case <-quit:
				return
			default:
			}
		}

		samples, err := s.reader.ReadSamples(uint32(len(block)))
		if err != nil && !errors.Is(err, io.EOF) {
			slog.Error("Error reading from WAV file", "error", err, "path", s.src.Path)
			return
		}
		if len(samples) == 0 {
			slog.Debug("Replay file exhausted", "path", s.src.Path)
			if s.src.OnEOF != nil {
				go s.src.OnEOF()
			}
			return
		}

		for i := range block {
			block[i] = 0
		}
		for i := 0; i < len(samples) && i < len(block); i++ {
			block[i] = float32(samples[i].Values[0]) / 32768
		}
		cb(block)
	}
}

func (s *fileStream) Disconnect() error {
	s.mu.Lock()
	if s.connected {
		s.connected = false
		close(s.quit)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *fileStream) Release() error {
	s.Disconnect()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	return s.file.Close()
}

func (s *fileStream) Tracks() int { return 1 }
