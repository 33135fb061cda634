package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/youpy/go-wav"
)

func (c *Catalog) worker(ctx context.Context) {
	slog.Debug("Worker starting")
	defer func() {
		slog.Debug("Worker shutting down")
		c.workers.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Worker context cancelled")
			return

		case job, ok := <-c.queue:
			if !ok {
				slog.Debug("Worker queue closed")
				return
			}

			// Writes after this point queue the file again.
			c.pendingMu.Lock()
			delete(c.pending, job.Path)
			c.pendingMu.Unlock()

			if err := c.processJob(job); err != nil {
				slog.Error("Failed to index recording",
					"error", err,
					"file", job.Path,
					"sessionID", job.SessionID)
			}
		}
	}
}

func (c *Catalog) processJob(job indexJob) error {
	rec, err := readRecording(job.Path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("Recording vanished before indexing (likely discarded)",
			"file", job.Path,
			"sessionID", job.SessionID)
		return nil
	}
	if err != nil {
		return err
	}
	rec.Day = job.Day

	c.store(job.SessionID, rec)
	c.publish(job.SessionID, "recording", rec)

	slog.Info("Indexed recording",
		"sessionID", job.SessionID,
		"file", rec.File,
		"duration", rec.Duration)
	return nil
}

// readRecording reads a WAV file's format and duration.
func readRecording(path string) (Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return Recording{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Recording{}, err
	}

	reader := wav.NewReader(f)
	format, err := reader.Format()
	if err != nil {
		return Recording{}, fmt.Errorf("failed to read wav format: %w", err)
	}
	duration, err := reader.Duration()
	if err != nil {
		return Recording{}, fmt.Errorf("failed to read wav duration: %w", err)
	}

	return Recording{
		Path:       path,
		File:       filepath.Base(path),
		SampleRate: format.SampleRate,
		Channels:   format.NumChannels,
		Duration:   duration.Seconds(),
		Size:       info.Size(),
		Indexed:    time.Now(),
	}, nil
}
