// Package transporttest provides an in-memory websocket peer for tests.
package transporttest

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bosley/voxlink/transport"
)

var errClosed = errors.New("use of closed network connection")

// Dialer hands out Conns. When Gate is non-nil the handshake waits for it to
// be closed (or for ctx) before completing.
type Dialer struct {
	Err  error
	Gate chan struct{}

	mu    sync.Mutex
	conns []*Conn
	dials int
	ready chan *Conn
}

func NewDialer() *Dialer {
	return &Dialer{ready: make(chan *Conn, 16)}
}

func (d *Dialer) DialContext(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()

	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.Err != nil {
		return nil, d.Err
	}

	c := NewConn()
	c.URL = url
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	select {
	case d.ready <- c:
	default:
	}
	return c, nil
}

// Dials counts handshake attempts.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Connected delivers connections as handshakes complete.
func (d *Dialer) Connected() <-chan *Conn { return d.ready }

func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

type message struct {
	messageType int
	data        []byte
	err         error
}

// Conn is a scripted peer. By default it answers a close frame with its own
// close, like a well-behaved server.
type Conn struct {
	URL string
	// IgnoreClose keeps the peer silent after a close frame.
	IgnoreClose bool
	// WriteErr, when set, fails every data write.
	WriteErr error

	inbound chan message
	done    chan struct{}

	mu        sync.Mutex
	closed    bool
	frames    [][]byte
	texts     []string
	closeSent int
}

func NewConn() *Conn {
	return &Conn{
		inbound: make(chan message, 64),
		done:    make(chan struct{}),
	}
}

// Deliver queues an inbound message.
func (c *Conn) Deliver(messageType int, data []byte) {
	c.inbound <- message{messageType: messageType, data: data}
}

// RemoteClose makes the peer close the connection with code.
func (c *Conn) RemoteClose(code int) {
	c.inbound <- message{err: &websocket.CloseError{Code: code}}
}

// Drop makes the connection fail as if the network went away.
func (c *Conn) Drop() {
	c.inbound <- message{err: errors.New("connection reset by peer")}
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.inbound:
		if m.err != nil {
			return 0, nil, m.err
		}
		return m.messageType, m.data, nil
	case <-c.done:
		return 0, nil, errClosed
	}
}

func (c *Conn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	if c.WriteErr != nil {
		return c.WriteErr
	}
	switch messageType {
	case websocket.BinaryMessage:
		c.frames = append(c.frames, append([]byte(nil), data...))
	case websocket.TextMessage:
		c.texts = append(c.texts, string(data))
	}
	return nil
}

func (c *Conn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	if messageType == websocket.CloseMessage {
		c.closeSent++
	}
	echo := messageType == websocket.CloseMessage && !c.IgnoreClose
	c.mu.Unlock()

	if echo {
		select {
		case c.inbound <- message{err: &websocket.CloseError{Code: websocket.CloseNormalClosure}}:
		default:
		}
	}
	return nil
}

func (c *Conn) SetReadLimit(int64)                        {}
func (c *Conn) SetReadDeadline(time.Time) error           { return nil }
func (c *Conn) SetWriteDeadline(time.Time) error          { return nil }
func (c *Conn) SetPongHandler(func(appData string) error) {}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames returns a copy of every binary message written.
func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// Texts returns every text message written.
func (c *Conn) Texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.texts))
	copy(out, c.texts)
	return out
}

func (c *Conn) CloseFramesSent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeSent
}
