// Package capturetest provides in-memory capture sources for tests.
package capturetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/bosley/voxlink/capture"
)

// Source is a scripted capture.Source. When Gate is non-nil Open waits for
// it to be closed (or for ctx) before answering, which lets tests order the
// microphone grant against other events. IgnoreCancel makes Open wait for
// Gate even after ctx ends, like a platform prompt that cannot be withdrawn.
type Source struct {
	Err          error
	Gate         chan struct{}
	IgnoreCancel bool
	TrackCount   int

	mu      sync.Mutex
	streams []*Stream
	opened  chan *Stream
}

func NewSource() *Source {
	return &Source{TrackCount: 1, opened: make(chan *Stream, 16)}
}

func (s *Source) Open(ctx context.Context, p capture.Params) (capture.Stream, error) {
	if s.Gate != nil && s.IgnoreCancel {
		<-s.Gate
	} else if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}

	st := &Stream{params: p, tracks: s.TrackCount}
	s.mu.Lock()
	s.streams = append(s.streams, st)
	s.mu.Unlock()

	select {
	case s.opened <- st:
	default:
	}
	return st, nil
}

// Opened delivers streams as they are granted.
func (s *Source) Opened() <-chan *Stream { return s.opened }

func (s *Source) Streams() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Stream, len(s.streams))
	copy(out, s.streams)
	return out
}

// TracksAcquired sums tracks over every granted stream.
func (s *Source) TracksAcquired() int {
	n := 0
	for _, st := range s.Streams() {
		n += st.Tracks()
	}
	return n
}

// TracksStopped sums stopped tracks over every granted stream.
func (s *Source) TracksStopped() int {
	n := 0
	for _, st := range s.Streams() {
		n += st.Stopped()
	}
	return n
}

// Stream is an in-memory capture.Stream driven by Emit.
type Stream struct {
	params capture.Params
	tracks int

	mu        sync.Mutex
	cb        capture.Callback
	connected bool
	stopped   int
}

func (s *Stream) Params() capture.Params { return s.params }

func (s *Stream) Connect(cb capture.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped > 0 {
		return fmt.Errorf("stream released")
	}
	s.cb = cb
	s.connected = true
	return nil
}

func (s *Stream) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = nil
	s.connected = false
	return nil
}

func (s *Stream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = nil
	s.connected = false
	s.stopped = s.tracks
	return nil
}

func (s *Stream) Tracks() int { return s.tracks }

func (s *Stream) Stopped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Emit delivers one block to the connected callback. It reports false when
// nothing is connected.
func (s *Stream) Emit(block []float32) bool {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(block)
	return true
}
