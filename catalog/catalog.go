// Package catalog indexes the recordings tree written by the development
// backend and serves it over HTTP.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
)

const queueSize = 100

type Config struct {
	// Base directory to monitor for recordings
	RecordingsDir string

	// Number of workers probing new files
	Workers int
}

// Catalog watches <root>/<day>/<session>/*.wav and keeps a per-session index.
type Catalog struct {
	config Config

	// File system watcher
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	sessions map[string]map[string]Recording // session -> path -> recording

	pendingMu sync.Mutex
	pending   map[string]bool

	subscribers sync.Map // map[string][]*wsConnection
	subMu       sync.Mutex
	subsClosed  bool
	pumps       sync.WaitGroup

	// Processing queue
	queue   chan indexJob
	workers sync.WaitGroup
	watch   sync.WaitGroup

	upgrader websocket.Upgrader

	stopOnce sync.Once
	stopErr  error
}

func New(cfg Config) (*Catalog, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.RecordingsDir == "" {
		return nil, fmt.Errorf("recordings directory is required")
	}
	if err := os.MkdirAll(cfg.RecordingsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Catalog{
		config:   cfg,
		watcher:  watcher,
		sessions: make(map[string]map[string]Recording),
		pending:  make(map[string]bool),
		queue:    make(chan indexJob, queueSize),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // loopback development server
			},
		},
	}, nil
}

// Start launches the workers and the watcher. Files already on disk are
// indexed first.
func (c *Catalog) Start(ctx context.Context) error {
	for i := 0; i < c.config.Workers; i++ {
		c.workers.Add(1)
		go c.worker(ctx)
	}

	if err := c.watcher.Add(c.config.RecordingsDir); err != nil {
		return fmt.Errorf("failed to watch recordings directory: %w", err)
	}
	slog.Info("Started watching recordings directory", "path", c.config.RecordingsDir)
	c.scan(c.config.RecordingsDir)

	c.watch.Add(1)
	go c.watchFiles(ctx)
	return nil
}

// Stop closes the watcher, waits for in-flight indexing and disconnects every
// event subscriber. Calling it again is a no-op.
func (c *Catalog) Stop() error {
	c.stopOnce.Do(func() {
		err := c.watcher.Close()
		c.watch.Wait()
		close(c.queue)
		c.workers.Wait()

		c.closeSubscribers()
		c.pumps.Wait()
		if err != nil {
			c.stopErr = fmt.Errorf("failed to close file watcher: %w", err)
		}
	})
	return c.stopErr
}

func (c *Catalog) store(sessionID string, rec Recording) {
	c.mu.Lock()
	defer c.mu.Unlock()
	recs, ok := c.sessions[sessionID]
	if !ok {
		recs = make(map[string]Recording)
		c.sessions[sessionID] = recs
	}
	recs[rec.Path] = rec
}

func (c *Catalog) forget(sessionID, path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	recs, ok := c.sessions[sessionID]
	if !ok {
		return false
	}
	if _, ok := recs[path]; !ok {
		return false
	}
	delete(recs, path)
	return true
}

func (c *Catalog) ensureSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[sessionID]; !ok {
		c.sessions[sessionID] = make(map[string]Recording)
	}
}

// Recordings returns a session's recordings, oldest first.
func (c *Catalog) Recordings(sessionID string) ([]Recording, bool) {
	c.mu.RLock()
	recs, ok := c.sessions[sessionID]
	out := make([]Recording, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].File < out[j].File
	})
	return out, ok
}

func (c *Catalog) Sessions() []SessionSummary {
	c.mu.RLock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)

	out := make([]SessionSummary, 0, len(ids))
	for _, id := range ids {
		recs, _ := c.Recordings(id)
		summary := SessionSummary{SessionID: id, Recordings: len(recs)}
		for i := range recs {
			summary.Duration += recs[i].Duration
		}
		if len(recs) > 0 {
			latest := recs[len(recs)-1]
			summary.Latest = &latest
		}
		out = append(out, summary)
	}
	return out
}
