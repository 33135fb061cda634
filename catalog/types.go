package catalog

import (
	"time"
)

// Recording describes one finished WAV file in the recordings tree.
type Recording struct {
	Path       string    `json:"path"`
	File       string    `json:"file"`
	Day        string    `json:"day"`
	SampleRate uint32    `json:"sample_rate"`
	Channels   uint16    `json:"channels"`
	Duration   float64   `json:"duration_seconds"`
	Size       int64     `json:"size"`
	Indexed    time.Time `json:"indexed"`
}

// SessionSummary is the listing entry for one session.
type SessionSummary struct {
	SessionID  string     `json:"session_id"`
	Recordings int        `json:"recordings"`
	Duration   float64    `json:"duration_seconds"`
	Latest     *Recording `json:"latest,omitempty"`
}

// indexJob is a file waiting for the worker pool.
type indexJob struct {
	Path      string
	SessionID string
	Day       string
}

// Event is pushed to subscribers of a session.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}
