package catalog

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const dayLayout = "20060102"

// location is a path split against the recordings root.
type location struct {
	day       string
	sessionID string
	file      string
}

func (c *Catalog) locate(path string) (location, bool) {
	rel, err := filepath.Rel(c.config.RecordingsDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return location{}, false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) == 0 || len(parts) > 3 {
		return location{}, false
	}

	var loc location
	if _, err := time.Parse(dayLayout, parts[0]); err != nil {
		return location{}, false
	}
	loc.day = parts[0]
	if len(parts) >= 2 {
		if _, err := uuid.Parse(parts[1]); err != nil {
			return location{}, false
		}
		loc.sessionID = parts[1]
	}
	if len(parts) == 3 {
		loc.file = parts[2]
	}
	return loc, true
}

func isRecording(name string) bool {
	return strings.HasSuffix(name, ".wav")
}

// scan watches every day and session directory under root and queues the
// WAV files already present.
func (c *Catalog) scan(root string) {
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("Failed to scan recordings", "error", err, "path", path)
			return nil
		}
		if path == c.config.RecordingsDir {
			return nil
		}
		loc, ok := c.locate(path)
		if !ok {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			c.watchDir(path, loc)
			return nil
		}
		if isRecording(loc.file) {
			c.enqueue(indexJob{Path: path, SessionID: loc.sessionID, Day: loc.day})
		}
		return nil
	})
}

func (c *Catalog) watchDir(path string, loc location) {
	if err := c.watcher.Add(path); err != nil {
		slog.Error("Failed to watch directory", "error", err, "path", path)
		return
	}
	if loc.sessionID != "" {
		c.ensureSession(loc.sessionID)
		slog.Info("Watching session directory", "sessionID", loc.sessionID, "path", path)
	} else {
		slog.Info("Watching day directory", "path", path)
	}
}

func (c *Catalog) watchFiles(ctx context.Context) {
	defer c.watch.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.handleFSEvent(event)

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

func (c *Catalog) handleFSEvent(event fsnotify.Event) {
	loc, ok := c.locate(event.Name)
	if !ok {
		return
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		if loc.file != "" && c.forget(loc.sessionID, event.Name) {
			slog.Info("Recording removed", "sessionID", loc.sessionID, "file", loc.file)
			c.publish(loc.sessionID, "removed", map[string]string{"path": event.Name})
		}
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	if loc.file == "" {
		if !event.Has(fsnotify.Create) {
			return
		}
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// Watches the directory, then picks up files that landed before
			// the watch was in place.
			c.scan(event.Name)
		}
		return
	}

	if isRecording(loc.file) {
		c.enqueue(indexJob{Path: event.Name, SessionID: loc.sessionID, Day: loc.day})
	}
}

// enqueue queues a file unless one is already waiting for the same file.
func (c *Catalog) enqueue(job indexJob) {
	c.pendingMu.Lock()
	if c.pending[job.Path] {
		c.pendingMu.Unlock()
		return
	}
	c.pending[job.Path] = true
	c.pendingMu.Unlock()

	select {
	case c.queue <- job:
		slog.Debug("Queued recording for indexing",
			"sessionID", job.SessionID,
			"file", filepath.Base(job.Path))
	default:
		c.pendingMu.Lock()
		delete(c.pending, job.Path)
		c.pendingMu.Unlock()
		slog.Warn("Index queue is full, skipping", "file", job.Path)
	}
}
