// Package voxserv is a loopback backend for developing against the
// streaming client. It records streamed audio to disk and answers the
// upload endpoint; it does no speech recognition.
package voxserv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bosley/voxlink/audio"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer
	readWait = 60 * time.Second

	// Time allowed for the peer to answer our close frame
	closeGrace = 2 * time.Second

	maxMessageSize = 512 * 1024
	maxUploadSize  = 32 << 20
)

var defaultEndMarker = []byte(`{"type":"Terminate"}`)

type Config struct {
	Addr          string
	RecordingsDir string
	CertFile      string
	KeyFile       string
	// EndMarker ends a stream. A JSON object tagged "Terminate" is always
	// accepted as well.
	EndMarker []byte
	// MinDuration discards shorter recordings.
	MinDuration time.Duration
}

// RouteRegistrar adds routes to the server's router.
type RouteRegistrar interface {
	Routes(r *mux.Router)
}

type Server struct {
	cfg        Config
	streams    *StreamList
	recordings *recordings
	upgrader   websocket.Upgrader
	router     *mux.Router
}

func New(cfg Config, extra ...RouteRegistrar) *Server {
	if cfg.RecordingsDir == "" {
		cfg.RecordingsDir = "recordings"
	}
	if cfg.EndMarker == nil {
		cfg.EndMarker = defaultEndMarker
	}

	s := &Server{
		cfg:        cfg,
		streams:    NewStreamList(),
		recordings: &recordings{root: cfg.RecordingsDir},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // loopback development server
			},
		},
		router: mux.NewRouter(),
	}

	s.router.HandleFunc("/ws", s.handleStream).Methods("GET")
	s.router.HandleFunc("/upload-audio", s.handleUpload).Methods("POST")
	s.router.HandleFunc("/api/streams", s.handleListStreams).Methods("GET")
	for _, r := range extra {
		r.Routes(s.router)
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Streams() *StreamList { return s.streams }

// Run serves until ctx is cancelled. TLS is used when both certificate
// files are configured.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.router,
	}

	errc := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			slog.Info("Starting server", "address", s.cfg.Addr, "tls", true)
			err = srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			slog.Info("Starting server", "address", s.cfg.Addr, "tls", false)
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Debug("Server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		slog.Warn("Upload without file", "error", err, "remoteAddr", r.RemoteAddr)
		writeDetail(w, http.StatusBadRequest, "Upload failed")
		return
	}
	defer file.Close()

	size, err := io.Copy(io.Discard, file)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "Upload failed")
		return
	}

	slog.Info("Received upload", "filename", header.Filename, "size", size)
	writeJSON(w, http.StatusOK, map[string]any{
		"filename":     header.Filename,
		"content_type": header.Header.Get("Content-Type"),
		"size":         size,
	})
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.streams.List())
}

func (s *Server) isEndMarker(data []byte) bool {
	if bytes.Equal(bytes.TrimSpace(data), s.cfg.EndMarker) {
		return true
	}
	var msg struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &msg) == nil && msg.Type == "Terminate"
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else if _, err := uuid.Parse(sessionID); err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	stream := &Stream{
		SessionID: sessionID,
		Addr:      r.RemoteAddr,
		Started:   time.Now(),
	}
	if !s.streams.Add(stream) {
		http.Error(w, "Session already streaming", http.StatusConflict)
		return
	}
	defer s.streams.Remove(sessionID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	rec, err := s.recordings.create(sessionID, audio.StreamSampleRate)
	if err != nil {
		slog.Error("Failed to create recording", "error", err, "session", sessionID)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "recording failed"),
			time.Now().Add(writeWait))
		return
	}
	s.streams.SetFile(sessionID, rec.file.Name())

	slog.Info("Stream connected", "session", sessionID, "remoteAddr", r.RemoteAddr)
	s.serveStream(conn, sessionID, rec)
	slog.Debug("Stream connection closed", "session", sessionID, "remoteAddr", r.RemoteAddr)
}

func (s *Server) send(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) serveStream(conn *websocket.Conn, sessionID string, rec *recording) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	if err := s.send(conn, map[string]any{"type": "Begin", "id": sessionID}); err != nil {
		slog.Warn("Failed to send begin event", "error", err, "session", sessionID)
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Error("Stream read error", "error", err, "session", sessionID)
			}
			rec.abandon(s.cfg.MinDuration)
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		switch messageType {
		case websocket.BinaryMessage:
			if err := rec.write(data); err != nil {
				slog.Error("Failed to write audio frame", "error", err, "session", sessionID)
			}
		case websocket.TextMessage:
			if !s.isEndMarker(data) {
				slog.Debug("Ignoring text message", "session", sessionID, "bytes", len(data))
				continue
			}
			s.terminate(conn, sessionID, rec)
			return
		}
	}
}

// terminate finalizes the recording, reports its duration and closes the
// connection normally.
func (s *Server) terminate(conn *websocket.Conn, sessionID string, rec *recording) {
	duration := rec.duration()
	if _, err := rec.finish(s.cfg.MinDuration); err != nil {
		slog.Error("Failed to finish recording", "error", err, "session", sessionID)
	}

	err := s.send(conn, map[string]any{
		"type":                   "Termination",
		"audio_duration_seconds": duration.Seconds(),
	})
	if err != nil {
		slog.Warn("Failed to send termination event", "error", err, "session", sessionID)
		return
	}

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))

	// Drain until the client's close arrives.
	conn.SetReadDeadline(time.Now().Add(closeGrace))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
