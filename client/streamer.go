package voxcli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/bosley/voxlink/audio"
	"github.com/bosley/voxlink/capture"
	"github.com/bosley/voxlink/transcript"
	"github.com/bosley/voxlink/transport"
)

const (
	eventQueueSize = 256
	// Log the input level every levelLogInterval blocks.
	levelLogInterval = 10
)

type Phase int32

const (
	Idle Phase = iota
	Starting
	Streaming
	Stopping
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Streaming:
		return "streaming"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// StatusFunc receives user-facing status lines.
type StatusFunc func(status string)

type StreamerConfig struct {
	Source capture.Source
	Params capture.Params
	Dialer transport.Dialer
	// URL of the streaming endpoint, session id included.
	URL       string
	Header    http.Header
	EndMarker []byte
	Presenter *transcript.Presenter
	Status    StatusFunc
	// OnIdle, when set, runs on the event loop each time a session has
	// fully ended.
	OnIdle func()
}

// session holds everything one recording owns. Only the event loop touches
// its fields, except quit which the audio callback selects on.
type session struct {
	seq     int
	cancel  context.CancelFunc
	quit    chan struct{}
	stream  capture.Stream
	tr      *transport.Transport
	encoder audio.Encoder
	torn    bool
	blocks  int
}

// Streamer runs live streaming sessions, one at a time. Every transition is
// handled on the goroutine running Run, so handlers never overlap; Start,
// Stop and Toggle only post requests to it.
type Streamer struct {
	cfg    StreamerConfig
	events chan any
	phase  atomic.Int32

	// stopping closes when Run starts to exit. Posts after exited is set
	// are refused.
	stopping chan struct{}
	postMu   sync.RWMutex
	exited   bool

	// loop-owned
	sess *session
	seq  int

	idleMu sync.Mutex
	idle   chan struct{}
}

type (
	startEvent  struct{}
	stopEvent   struct{}
	toggleEvent struct{}

	micEvent struct {
		sess   *session
		stream capture.Stream
		err    error
	}
	blockEvent struct {
		sess  *session
		block []float32
	}
	openedEvent struct {
		sess *session
	}
	messageEvent struct {
		sess        *session
		messageType int
		data        []byte
	}
	closedEvent struct {
		sess *session
		err  error
	}
)

func NewStreamer(cfg StreamerConfig) *Streamer {
	if cfg.Dialer == nil {
		cfg.Dialer = transport.WebSocketDialer{}
	}
	if cfg.Params.SampleRate == 0 {
		cfg.Params.SampleRate = audio.StreamSampleRate
	}
	if cfg.Presenter == nil {
		cfg.Presenter = transcript.NewPresenter(nil)
	}
	if cfg.Status == nil {
		cfg.Status = func(status string) { slog.Info("Status", "status", status) }
	}
	idle := make(chan struct{})
	close(idle)
	return &Streamer{
		cfg:    cfg,
		events:   make(chan any, eventQueueSize),
		stopping: make(chan struct{}),
		idle:     idle,
	}
}

func (s *Streamer) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Streamer) Presenter() *transcript.Presenter { return s.cfg.Presenter }

func (s *Streamer) Start()  { s.post(startEvent{}) }
func (s *Streamer) Stop()   { s.post(stopEvent{}) }
func (s *Streamer) Toggle() { s.post(toggleEvent{}) }

// WaitIdle blocks until no session holds resources, or ctx ends.
func (s *Streamer) WaitIdle(ctx context.Context) error {
	s.idleMu.Lock()
	idle := s.idle
	s.idleMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues ev for the event loop. It reports false once Run has exited,
// in which case nothing will ever handle ev.
func (s *Streamer) post(ev any) bool {
	s.postMu.RLock()
	defer s.postMu.RUnlock()
	if s.exited {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.stopping:
		return false
	}
}

// Run processes events until ctx ends. Any live session is torn down on the
// way out.
func (s *Streamer) Run(ctx context.Context) {
	defer s.exit()
	for {
		select {
		case <-ctx.Done():
			if s.sess != nil {
				s.teardown(s.sess, "")
				s.settle()
			}
			return
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
	}
}

// exit refuses further posts, then releases any microphone granted into
// the queue that will no longer be read.
func (s *Streamer) exit() {
	close(s.stopping)
	s.postMu.Lock()
	s.exited = true
	s.postMu.Unlock()

	for {
		select {
		case ev := <-s.events:
			if mic, ok := ev.(micEvent); ok && mic.stream != nil {
				slog.Debug("Releasing microphone granted after shutdown", "session", mic.sess.seq)
				mic.stream.Release()
			}
		default:
			return
		}
	}
}

func (s *Streamer) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case startEvent:
		s.start(ctx)
	case stopEvent:
		s.stop()
	case toggleEvent:
		if s.Phase() == Idle {
			s.start(ctx)
		} else {
			s.stop()
		}
	case micEvent:
		s.micResult(ev)
	case blockEvent:
		s.audioBlock(ev)
	case openedEvent:
		if ev.sess == s.sess && !ev.sess.torn {
			slog.Debug("Stream open", "session", ev.sess.seq)
			if ev.sess.stream != nil {
				s.status("Streaming")
			} else {
				s.status("Connected, waiting for microphone")
			}
		}
	case messageEvent:
		// Transcripts keep arriving while the backend finalizes after the
		// end marker, so only other sessions' messages are dropped.
		if ev.sess == s.sess {
			s.message(ev)
		}
	case closedEvent:
		s.transportClosed(ev)
	}
}

func (s *Streamer) start(ctx context.Context) {
	if s.sess != nil {
		s.status(fmt.Sprintf("Cannot start: session is %s", s.Phase()))
		return
	}

	s.seq++
	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		seq:    s.seq,
		cancel: cancel,
		quit:   make(chan struct{}),
	}
	sess.tr = transport.New(s.cfg.Dialer, &sessionHandler{s: s, sess: sess}, transport.Config{
		URL:       s.cfg.URL,
		Header:    s.cfg.Header,
		EndMarker: s.cfg.EndMarker,
	})
	s.sess = sess
	s.setPhase(Starting)

	s.idleMu.Lock()
	s.idle = make(chan struct{})
	s.idleMu.Unlock()

	slog.Info("Starting streaming session", "session", sess.seq, "url", s.cfg.URL)
	s.status("Requesting microphone")

	// The connection may open before or after the microphone is granted.
	go s.acquire(sessCtx, sess)
	if err := sess.tr.Open(sessCtx); err != nil {
		s.status(fmt.Sprintf("Connection error: %v", err))
		s.teardown(sess, "")
		s.settle()
	}
}

func (s *Streamer) acquire(ctx context.Context, sess *session) {
	stream, err := s.cfg.Source.Open(ctx, s.cfg.Params)
	if !s.post(micEvent{sess: sess, stream: stream, err: err}) && stream != nil {
		stream.Release()
	}
}

func (s *Streamer) micResult(ev micEvent) {
	sess := ev.sess
	if sess != s.sess || sess.torn {
		if ev.stream != nil {
			slog.Debug("Releasing microphone granted after session ended", "session", sess.seq)
			ev.stream.Release()
		}
		return
	}
	if ev.err != nil {
		slog.Error("Microphone unavailable", "error", ev.err)
		s.teardown(sess, fmt.Sprintf("Microphone error: %v", ev.err))
		s.settle()
		return
	}

	sess.stream = ev.stream
	slog.Debug("Microphone granted", "session", sess.seq, "tracks", ev.stream.Tracks())

	err := ev.stream.Connect(func(block []float32) {
		copied := make([]float32, len(block))
		copy(copied, block)
		select {
		case s.events <- blockEvent{sess: sess, block: copied}:
		case <-sess.quit:
		case <-s.stopping:
		}
	})
	if err != nil {
		s.teardown(sess, fmt.Sprintf("Microphone error: %v", err))
		s.settle()
		return
	}

	s.setPhase(Streaming)
	if sess.tr.State() == transport.Open {
		s.status("Streaming")
	} else {
		s.status("Microphone ready, connecting")
	}
}

func (s *Streamer) audioBlock(ev blockEvent) {
	sess := ev.sess
	if sess != s.sess || sess.torn {
		return
	}
	frame := sess.encoder.Encode(ev.block)
	sess.tr.Send(frame)

	sess.blocks++
	if sess.blocks%levelLogInterval == 0 {
		slog.Debug("Audio block captured",
			"session", sess.seq,
			"blocks", sess.blocks,
			"level", audio.Level(ev.block))
	}
}

func (s *Streamer) message(ev messageEvent) {
	parsed := transcript.Parse(ev.messageType, ev.data)
	if parsed.Kind == transcript.Control {
		if parsed.Type != "" {
			slog.Debug("Control event", "type", parsed.Type, "audioDuration", parsed.AudioDuration)
		}
		return
	}
	s.cfg.Presenter.Apply(parsed)
}

func (s *Streamer) transportClosed(ev closedEvent) {
	sess := ev.sess
	if sess != s.sess {
		return
	}
	if !sess.torn {
		// Remote close: same cleanup as a local stop.
		if ev.err != nil {
			s.teardown(sess, fmt.Sprintf("Connection error: %v", ev.err))
		} else {
			s.teardown(sess, "Connection closed by server")
		}
	} else if ev.err != nil {
		s.status(fmt.Sprintf("Connection error: %v", ev.err))
	}
	s.finish(sess)
}

func (s *Streamer) stop() {
	if s.sess == nil || s.sess.torn {
		return
	}
	s.teardown(s.sess, "Stopped")
	s.settle()
}

// teardown stops the encoder, releases the microphone and finishes the
// transport, in that order. It runs once per session.
func (s *Streamer) teardown(sess *session, status string) {
	if sess.torn {
		return
	}
	sess.torn = true
	sess.cancel()

	// Unblock a callback waiting on the queue before Disconnect waits on it.
	close(sess.quit)
	if sess.stream != nil {
		if err := sess.stream.Disconnect(); err != nil {
			slog.Warn("Failed to disconnect capture", "error", err)
		}
		if err := sess.stream.Release(); err != nil {
			slog.Warn("Failed to release microphone", "error", err)
		}
	}
	sess.tr.Finish()

	slog.Info("Streaming session ended",
		"session", sess.seq,
		"frames", sess.encoder.Frames(),
		"samples", sess.encoder.Samples())
	if status != "" {
		s.status(status)
	}
}

// settle moves a torn-down session to idle once its transport has closed,
// or to stopping while it drains.
func (s *Streamer) settle() {
	sess := s.sess
	if sess == nil {
		return
	}
	if sess.tr.State() == transport.Closed {
		s.finish(sess)
		return
	}
	s.setPhase(Stopping)
}

func (s *Streamer) finish(sess *session) {
	if s.sess != sess {
		return
	}
	sess.cancel()
	s.sess = nil
	s.setPhase(Idle)

	s.idleMu.Lock()
	select {
	case <-s.idle:
	default:
		close(s.idle)
	}
	s.idleMu.Unlock()

	if s.cfg.OnIdle != nil {
		s.cfg.OnIdle()
	}
}

func (s *Streamer) setPhase(p Phase) {
	if old := Phase(s.phase.Swap(int32(p))); old != p {
		slog.Debug("Streamer phase", "from", old, "to", p)
	}
}

func (s *Streamer) status(text string) {
	s.cfg.Status(text)
}

// sessionHandler tags transport callbacks with their session so late events
// from an old connection are recognised and dropped.
type sessionHandler struct {
	s    *Streamer
	sess *session
}

func (h *sessionHandler) Opened() {
	h.s.post(openedEvent{sess: h.sess})
}

func (h *sessionHandler) Received(messageType int, data []byte) {
	h.s.post(messageEvent{sess: h.sess, messageType: messageType, data: data})
}

func (h *sessionHandler) Closed(err error) {
	h.s.post(closedEvent{sess: h.sess, err: err})
}
