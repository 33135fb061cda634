package catalog

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10
)

type wsConnection struct {
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	catalog   *Catalog
	quit      chan struct{}
	closeOnce sync.Once
}

// Routes registers the catalog API on r.
func (c *Catalog) Routes(r *mux.Router) {
	r.HandleFunc("/api/sessions", c.handleListSessions).Methods("GET")
	r.HandleFunc("/api/sessions/{sessionID}/recordings", c.handleGetRecordings).Methods("GET")
	r.HandleFunc("/api/sessions/{sessionID}/events", c.handleWebSocket)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (c *Catalog) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := c.Sessions()
	slog.Debug("Sending session list", "numSessions", len(sessions))
	writeJSON(w, sessions)
}

func (c *Catalog) handleGetRecordings(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]

	recs, ok := c.Recordings(sessionID)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, recs)
}

func (c *Catalog) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]

	if _, err := uuid.Parse(sessionID); err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	wsConn := &wsConnection{
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, 256),
		catalog:   c,
		quit:      make(chan struct{}),
	}
	if !c.registerSubscriber(sessionID, wsConn) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go func() {
		defer c.pumps.Done()
		wsConn.writePump()
	}()
	go func() {
		defer c.pumps.Done()
		wsConn.readPump()
	}()
}

// registerSubscriber adds wsConn and accounts for its two pumps. It
// reports false once the catalog has stopped.
func (c *Catalog) registerSubscriber(sessionID string, wsConn *wsConnection) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subsClosed {
		return false
	}
	value, _ := c.subscribers.LoadOrStore(sessionID, []*wsConnection{})
	connections := append(value.([]*wsConnection), wsConn)
	c.subscribers.Store(sessionID, connections)
	c.pumps.Add(2)
	return true
}

func (c *Catalog) unregisterSubscriber(sessionID string, wsConn *wsConnection) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	value, ok := c.subscribers.Load(sessionID)
	if !ok {
		return
	}

	old := value.([]*wsConnection)
	connections := make([]*wsConnection, 0, len(old))
	for _, conn := range old {
		if conn != wsConn {
			connections = append(connections, conn)
		}
	}

	if len(connections) == 0 {
		c.subscribers.Delete(sessionID)
	} else {
		c.subscribers.Store(sessionID, connections)
	}
}

func (c *Catalog) closeSubscribers() {
	var conns []*wsConnection
	c.subMu.Lock()
	c.subsClosed = true
	c.subscribers.Range(func(_, value any) bool {
		conns = append(conns, value.([]*wsConnection)...)
		return true
	})
	c.subMu.Unlock()

	for _, conn := range conns {
		conn.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.close()
	}
	if len(conns) > 0 {
		slog.Info("Closed event subscribers", "count", len(conns))
	}
}

func (c *Catalog) subscriberCount(sessionID string) int {
	value, ok := c.subscribers.Load(sessionID)
	if !ok {
		return 0
	}
	return len(value.([]*wsConnection))
}

// publish pushes an event to every subscriber of the session. Slow
// subscribers miss events rather than stall indexing.
func (c *Catalog) publish(sessionID, eventType string, payload any) {
	value, ok := c.subscribers.Load(sessionID)
	if !ok {
		slog.Debug("No subscribers found for session", "sessionID", sessionID)
		return
	}

	data, err := json.Marshal(Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		slog.Error("Failed to marshal event", "error", err)
		return
	}

	for i, conn := range value.([]*wsConnection) {
		select {
		case conn.send <- data:
			slog.Debug("Sent event to subscriber",
				"sessionID", sessionID,
				"connectionIndex", i)
		default:
			slog.Warn("Failed to send to subscriber - channel full",
				"sessionID", sessionID,
				"connectionIndex", i)
		}
	}
}

func (ws *wsConnection) close() {
	ws.closeOnce.Do(func() {
		ws.catalog.unregisterSubscriber(ws.sessionID, ws)
		close(ws.quit)
		ws.conn.Close()
	})
}

func (ws *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.close()
	}()

	for {
		select {
		case <-ws.quit:
			return
		case message := <-ws.send:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ws *wsConnection) readPump() {
	defer ws.close()

	ws.conn.SetReadLimit(512)
	ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	ws.conn.SetPongHandler(func(string) error {
		ws.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := ws.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket read error", "error", err)
			}
			return
		}
	}
}
