package voxserv

import (
	"sort"
	"sync"
	"time"
)

// Stream is one live streaming connection.
type Stream struct {
	SessionID string    `json:"session_id"`
	Addr      string    `json:"addr"`
	Started   time.Time `json:"started"`
	File      string    `json:"file"`
}

// StreamList tracks live streams by session. A session streams over at
// most one connection at a time.
type StreamList struct {
	streams map[string]*Stream
	mu      sync.RWMutex
}

func NewStreamList() *StreamList {
	return &StreamList{
		streams: make(map[string]*Stream),
	}
}

// Add registers s and reports false when its session already streams.
func (sl *StreamList) Add(s *Stream) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if _, ok := sl.streams[s.SessionID]; ok {
		return false
	}
	sl.streams[s.SessionID] = s
	return true
}

func (sl *StreamList) Remove(sessionID string) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	delete(sl.streams, sessionID)
}

func (sl *StreamList) Get(sessionID string) (*Stream, bool) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	s, ok := sl.streams[sessionID]
	return s, ok
}

// List returns live streams, oldest first.
func (sl *StreamList) List() []Stream {
	sl.mu.RLock()
	out := make([]Stream, 0, len(sl.streams))
	for _, s := range sl.streams {
		out = append(out, *s)
	}
	sl.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

func (sl *StreamList) SetFile(sessionID, file string) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if s, ok := sl.streams[sessionID]; ok {
		s.File = file
	}
}
