package voxserv

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bosley/voxlink/audio"
)

const (
	dayLayout  = "20060102" // YYYYMMDD
	timeLayout = "150405"   // HHMMSS
)

// recordings lays streamed audio out as <root>/<day>/<session>/audio_<time>.wav.
type recordings struct {
	root string

	mu         sync.Mutex
	currentDay string
}

func (r *recordings) updateCurrentDay(now time.Time) string {
	newDay := now.Format(dayLayout)

	r.mu.Lock()
	defer r.mu.Unlock()
	if newDay != r.currentDay {
		r.currentDay = newDay
		dailyDir := filepath.Join(r.root, r.currentDay)
		if err := os.MkdirAll(dailyDir, 0755); err != nil {
			slog.Error("Failed to create daily directory", "error", err, "path", dailyDir)
		} else {
			slog.Info("Created new daily directory", "path", dailyDir)
		}
	}
	return r.currentDay
}

// recording is one streamed WAV file being written.
type recording struct {
	file       *os.File
	sampleRate int
	started    time.Time
	bytes      int
}

func (r *recordings) create(sessionID string, sampleRate int) (*recording, error) {
	now := time.Now()
	day := r.updateCurrentDay(now)
	sessionDir := filepath.Join(r.root, day, sessionID)

	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	name := filepath.Join(sessionDir, fmt.Sprintf("audio_%s.wav", now.Format(timeLayout)))
	// Several streams in the same second get a numeric suffix.
	for i := 1; ; i++ {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			break
		}
		name = filepath.Join(sessionDir, fmt.Sprintf("audio_%s_%d.wav", now.Format(timeLayout), i))
	}

	file, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}
	if err := audio.WriteWavHeader(file, uint32(sampleRate), 0); err != nil {
		file.Close()
		os.Remove(name)
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return &recording{file: file, sampleRate: sampleRate, started: now}, nil
}

func (rec *recording) write(frame []byte) error {
	n, err := rec.file.Write(frame)
	rec.bytes += n
	return err
}

func (rec *recording) duration() time.Duration {
	samples := rec.bytes / 2
	return time.Duration(samples) * time.Second / time.Duration(rec.sampleRate)
}

// finish patches the header and closes the file. Recordings shorter than
// minDuration are discarded.
func (rec *recording) finish(minDuration time.Duration) (kept bool, err error) {
	name := rec.file.Name()
	if rec.duration() < minDuration {
		slog.Debug("Dropping short recording",
			"duration", rec.duration().Seconds(),
			"bytes", rec.bytes,
			"file", name)
		rec.file.Close()
		return false, os.Remove(name)
	}

	if err := audio.UpdateWavHeader(rec.file, uint32(rec.bytes)); err != nil {
		rec.file.Close()
		return false, err
	}
	if err := rec.file.Close(); err != nil {
		return false, err
	}
	slog.Info("Finished recording",
		"duration", rec.duration().Seconds(),
		"bytes", rec.bytes,
		"file", name)
	return true, nil
}

// abandon handles a stream that ended without its end marker. Long enough
// recordings are kept with an .incomplete suffix.
func (rec *recording) abandon(minDuration time.Duration) {
	name := rec.file.Name()
	if rec.duration() < minDuration {
		slog.Debug("Dropping incomplete short recording",
			"duration", rec.duration().Seconds(),
			"file", name)
		rec.file.Close()
		os.Remove(name)
		return
	}

	slog.Info("Saving incomplete recording",
		"duration", rec.duration().Seconds(),
		"file", name)
	if err := audio.UpdateWavHeader(rec.file, uint32(rec.bytes)); err != nil {
		slog.Error("Failed to update WAV header", "error", err, "file", name)
	}
	rec.file.Close()
	os.Rename(name, name+".incomplete")
}
