package voxcli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/bosley/voxlink/audio"
	"github.com/bosley/voxlink/capture"
)

var ErrNotRecording = errors.New("not recording")

type RecorderState int

const (
	RecorderIdle RecorderState = iota
	Recording
	Paused
)

// Recorder captures a single clip for the request/response endpoints. The
// microphone is held only between Start and Stop (or Cancel).
type Recorder struct {
	Source capture.Source
	Params capture.Params

	mu     sync.Mutex
	state  RecorderState
	stream capture.Stream
	clip   audio.Clip
}

func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start opens the microphone and begins accumulating samples. It blocks
// until access is granted or refused.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != RecorderIdle {
		r.mu.Unlock()
		return fmt.Errorf("recorder already active")
	}
	r.mu.Unlock()

	params := r.Params
	if params.SampleRate == 0 {
		params.SampleRate = audio.StreamSampleRate
	}
	stream, err := r.Source.Open(ctx, params)
	if err != nil {
		return fmt.Errorf("failed to open microphone: %w", err)
	}

	r.mu.Lock()
	r.stream = stream
	r.clip = audio.Clip{SampleRate: params.SampleRate}
	r.state = Recording
	r.mu.Unlock()

	if err := stream.Connect(r.process); err != nil {
		r.release()
		return fmt.Errorf("failed to start capture: %w", err)
	}
	slog.Debug("Recording started", "sampleRate", params.SampleRate)
	return nil
}

func (r *Recorder) process(block []float32) {
	frame := audio.EncodeFrame(block)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Recording {
		r.clip.Append(frame)
	}
}

func (r *Recorder) Pause() error  { return r.transition(Recording, Paused) }
func (r *Recorder) Resume() error { return r.transition(Paused, Recording) }

func (r *Recorder) transition(from, to RecorderState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return ErrNotRecording
	}
	r.state = to
	return nil
}

// Stop releases the microphone and returns the recorded clip.
func (r *Recorder) Stop() (audio.Clip, error) {
	if r.State() == RecorderIdle {
		return audio.Clip{}, ErrNotRecording
	}
	r.release()

	r.mu.Lock()
	defer r.mu.Unlock()
	clip := r.clip
	r.clip = audio.Clip{}
	slog.Debug("Recording stopped", "duration", clip.Duration())
	return clip, nil
}

// Cancel releases the microphone and discards the clip.
func (r *Recorder) Cancel() {
	r.release()
	r.mu.Lock()
	r.clip = audio.Clip{}
	r.mu.Unlock()
}

// release stops capture outside the lock, since Disconnect waits for an
// in-flight callback that needs it.
func (r *Recorder) release() {
	r.mu.Lock()
	stream := r.stream
	r.stream = nil
	r.state = RecorderIdle
	r.mu.Unlock()

	if stream == nil {
		return
	}
	if err := stream.Disconnect(); err != nil {
		slog.Warn("Failed to disconnect capture", "error", err)
	}
	if err := stream.Release(); err != nil {
		slog.Warn("Failed to release microphone", "error", err)
	}
}

// Capture records one clip driven by lines read from input: "p" pauses or
// resumes, a blank line (or end of input) stops and returns the clip.
// Cancelling ctx discards the recording.
func (r *Recorder) Capture(ctx context.Context, input io.Reader, status StatusFunc) (audio.Clip, error) {
	if status == nil {
		status = func(string) {}
	}
	if err := r.Start(ctx); err != nil {
		return audio.Clip{}, err
	}
	status("Recording, press Enter to send or p to pause")

	done := make(chan struct{})
	defer close(done)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.Cancel()
			return audio.Clip{}, ctx.Err()

		case line, ok := <-lines:
			switch {
			case !ok || line == "":
				return r.Stop()
			case strings.EqualFold(line, "p"):
				if r.State() == Paused {
					r.Resume()
					status("Recording")
				} else {
					r.Pause()
					status("Paused, p to resume")
				}
			default:
				status("Press Enter to send or p to pause")
			}
		}
	}
}
