// Package transport streams audio frames to a remote endpoint over a
// websocket and relays inbound events to a Handler.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize    = 512 * 1024
	defaultQueueSize  = 64
	defaultCloseGrace = 2 * time.Second
)

// DefaultEndMarker is the text message sent once after the last frame.
var DefaultEndMarker = []byte(`{"type":"Terminate"}`)

var ErrAlreadyOpened = errors.New("transport already opened")

type State int32

const (
	Unconnected State = iota
	Connecting
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handler receives transport events. Closed is called exactly once per
// transport, whichever side ends the connection; err is nil for orderly
// closes.
type Handler interface {
	Opened()
	Received(messageType int, data []byte)
	Closed(err error)
}

type Config struct {
	URL    string
	Header http.Header
	// EndMarker is written as a text message after the last frame.
	EndMarker []byte
	// QueueSize bounds frames waiting for the write pump.
	QueueSize int
	// CloseGrace is how long to wait for the peer's close after ours.
	CloseGrace time.Duration
}

// Transport is a single-use connection: one per recording session.
type Transport struct {
	cfg     Config
	dialer  Dialer
	handler Handler

	mu         sync.Mutex
	state      State
	conn       Conn
	cancelDial context.CancelFunc
	failure    error

	outbound  chan []byte
	finishing chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

func New(dialer Dialer, handler Handler, cfg Config) *Transport {
	if cfg.EndMarker == nil {
		cfg.EndMarker = DefaultEndMarker
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = defaultCloseGrace
	}
	return &Transport{
		cfg:       cfg,
		dialer:    dialer,
		handler:   handler,
		outbound:  make(chan []byte, cfg.QueueSize),
		finishing: make(chan struct{}),
		readDone:  make(chan struct{}),
	}
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Open starts the handshake. It returns immediately; the Handler learns the
// outcome through Opened or Closed.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.state != Unconnected {
		t.mu.Unlock()
		return ErrAlreadyOpened
	}
	t.state = Connecting
	dialCtx, cancel := context.WithCancel(ctx)
	t.cancelDial = cancel
	t.mu.Unlock()

	slog.Debug("Connecting stream transport", "url", t.cfg.URL)
	go t.dial(dialCtx)
	return nil
}

func (t *Transport) dial(ctx context.Context) {
	conn, err := t.dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)

	t.mu.Lock()
	if t.state != Connecting {
		// Finished while the handshake was in flight.
		t.mu.Unlock()
		if err == nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		t.state = Closed
		t.mu.Unlock()
		t.closed(fmt.Errorf("failed to connect to %s: %w", t.cfg.URL, err))
		return
	}
	conn.SetReadLimit(maxMessageSize)
	t.conn = conn
	t.state = Open
	t.mu.Unlock()

	slog.Info("Stream transport connected", "url", t.cfg.URL)
	t.handler.Opened()

	go t.writePump(conn)
	go t.readPump(conn)
}

// Send queues one binary frame. Frames are dropped, not queued, unless the
// transport is open, and when the outbound queue is full.
func (t *Transport) Send(frame []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Open {
		return false
	}
	select {
	case t.outbound <- frame:
		return true
	default:
		slog.Warn("Outbound queue full, dropping frame", "bytes", len(frame))
		return false
	}
}

// Finish ends the session from the local side. Queued frames are flushed,
// the end marker is written once and the connection is closed. A transport
// that never opened goes straight to Closed.
func (t *Transport) Finish() {
	t.mu.Lock()
	switch t.state {
	case Unconnected, Connecting:
		t.state = Closed
		cancel := t.cancelDial
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		// Notify from another goroutine so callers driving an event loop
		// never re-enter their own queue.
		go t.closed(nil)
	case Open:
		t.state = Closing
		close(t.finishing)
		t.mu.Unlock()
	default:
		t.mu.Unlock()
	}
}

func (t *Transport) closed(err error) {
	t.mu.Lock()
	t.state = Closed
	if t.cancelDial != nil {
		t.cancelDial()
	}
	if t.failure != nil {
		err = t.failure
	}
	t.mu.Unlock()

	t.closeOnce.Do(func() {
		if err != nil {
			slog.Warn("Stream transport closed with error", "error", err)
		} else {
			slog.Debug("Stream transport closed")
		}
		t.handler.Closed(err)
	})
}

func (t *Transport) fail(conn Conn, err error) {
	t.mu.Lock()
	if t.failure == nil && t.state == Open {
		t.failure = err
	}
	t.mu.Unlock()
	conn.Close()
}

func (t *Transport) write(conn Conn, messageType int, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, data)
}

func (t *Transport) writePump(conn Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-t.outbound:
			if err := t.write(conn, websocket.BinaryMessage, frame); err != nil {
				t.fail(conn, fmt.Errorf("failed to send audio frame: %w", err))
				return
			}

		case <-t.finishing:
			t.drain(conn)
			return

		case <-t.readDone:
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.fail(conn, fmt.Errorf("failed to send ping: %w", err))
				return
			}
		}
	}
}

// drain flushes frames queued before Finish, then sends the end marker and
// a close frame and waits briefly for the peer to close.
func (t *Transport) drain(conn Conn) {
	for flushing := true; flushing; {
		select {
		case frame := <-t.outbound:
			if err := t.write(conn, websocket.BinaryMessage, frame); err != nil {
				slog.Warn("Failed to flush audio frame", "error", err)
				conn.Close()
				return
			}
		default:
			flushing = false
		}
	}

	if err := t.write(conn, websocket.TextMessage, t.cfg.EndMarker); err != nil {
		slog.Warn("Failed to send end marker", "error", err)
	} else {
		slog.Debug("End marker sent")
	}

	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	if err == nil {
		select {
		case <-t.readDone:
		case <-time.After(t.cfg.CloseGrace):
			slog.Debug("Peer did not close in time")
		}
	}
	conn.Close()
}

func (t *Transport) readPump(conn Conn) {
	defer close(t.readDone)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			local := t.state == Closing
			if t.state == Open {
				t.state = Closing
			}
			t.mu.Unlock()

			conn.Close()
			if local || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.closed(nil)
			} else {
				t.closed(fmt.Errorf("connection lost: %w", err))
			}
			return
		}
		t.handler.Received(messageType, data)
	}
}
