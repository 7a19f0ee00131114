package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ministruth/monitor/internal/shellbridge"
)

const (
	shellWriteWait      = 10 * time.Second
	shellPongWait       = 60 * time.Second
	shellPingPeriod     = (shellPongWait * 9) / 10
	shellMaxMessageSize = 1 << 20
	shellSendBufferSize = 64
)

var shellUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// shellClient is one connected browser-side peer of a shell bridge session.
// Binary frames it sends are forwarded as ShellInput; text frames are
// decoded as JSON control messages (currently only resize).
type shellClient struct {
	sessionID uuid.UUID
	conn      *websocket.Conn
	send      chan []byte
	logger    *zap.Logger
}

// ShellHub tracks connected shell websocket clients by session id and
// implements shellbridge.Sink so the Bridge can push agent shell output
// straight to the browser.
type ShellHub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*shellClient
}

// NewShellHub builds an empty hub.
func NewShellHub() *ShellHub {
	return &ShellHub{clients: make(map[uuid.UUID]*shellClient)}
}

func (h *ShellHub) register(c *shellClient) {
	h.mu.Lock()
	h.clients[c.sessionID] = c
	h.mu.Unlock()
}

func (h *ShellHub) unregister(sessionID uuid.UUID) {
	h.mu.Lock()
	c, ok := h.clients[sessionID]
	if ok {
		delete(h.clients, sessionID)
	}
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}

// Send implements shellbridge.Sink: queue data for sessionID's client,
// disconnecting it if its send buffer is full rather than blocking the
// caller (the session handler's steady loop).
func (h *ShellHub) Send(sessionID uuid.UUID, data []byte) error {
	h.mu.RLock()
	c, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case c.send <- data:
		return nil
	default:
		h.unregister(sessionID)
		return nil
	}
}

// Close implements shellbridge.Sink.
func (h *ShellHub) Close(sessionID uuid.UUID) {
	h.unregister(sessionID)
}

var _ shellbridge.Sink = (*ShellHub)(nil)

// ShellHandler serves the web-socket endpoint that pairs a browser session
// with one agent's shell channel via internal/shellbridge.
type ShellHandler struct {
	bridge *shellbridge.Bridge
	hub    *ShellHub
	logger *zap.Logger
}

// NewShellHandler builds a ShellHandler atop bridge, publishing agent
// output through hub.
func NewShellHandler(bridge *shellbridge.Bridge, hub *ShellHub, logger *zap.Logger) *ShellHandler {
	return &ShellHandler{bridge: bridge, hub: hub, logger: logger.Named("shell_handler")}
}

// shellControlMessage is the JSON shape of a text-frame control message
// sent by the browser client.
type shellControlMessage struct {
	Type string `json:"type"`
	Cols uint32 `json:"cols"`
	Rows uint32 `json:"rows"`
}

// ServeWS handles GET /agents/{id}/shell, upgrading to a web-socket and
// pairing it with the agent's shell channel for its lifetime.
func (h *ShellHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	agentID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	cols := queryUint32(r, "cols", 80)
	rows := queryUint32(r, "rows", 24)

	conn, err := shellUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("shell ws upgrade failed", zap.Error(err))
		return
	}

	sessionID := uuid.New()
	token := uuid.NewString()

	if !h.bridge.Connect(sessionID, agentID, token, cols, rows) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent unavailable"))
		conn.Close()
		return
	}

	client := &shellClient{
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, shellSendBufferSize),
		logger:    h.logger.With(zap.String("session_id", sessionID.String()), zap.String("agent_id", agentID.String())),
	}
	h.hub.register(client)

	go h.writePump(client)
	h.readPump(client)
}

func queryUint32(r *http.Request, key string, fallback uint32) uint32 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return fallback
	}
	return uint32(n)
}

// readPump reads frames from the browser: binary frames are raw shell
// input, text frames are JSON control messages (resize). Exits on
// disconnect or error, tearing down the bridge binding and hub entry.
func (h *ShellHandler) readPump(c *shellClient) {
	defer func() {
		h.bridge.Disconnect(c.sessionID)
		h.hub.unregister(c.sessionID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(shellMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(shellPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(shellPongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			h.bridge.Input(c.sessionID, data)
		case websocket.TextMessage:
			var ctrl shellControlMessage
			if err := json.Unmarshal(data, &ctrl); err != nil {
				continue
			}
			if ctrl.Type == "resize" {
				h.bridge.Resize(c.sessionID, ctrl.Cols, ctrl.Rows)
			}
		}
	}
}

// writePump forwards data queued by ShellHub.Send to the browser as binary
// frames, and pings periodically to detect a stale connection.
func (h *ShellHandler) writePump(c *shellClient) {
	ticker := time.NewTicker(shellPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(shellWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(shellWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
