// Package shellbridge implements the shell bridge (component E): it pairs
// a web-socket session with one agent's shell channel via an opaque token,
// routing frames both ways and tearing down on disconnect.
package shellbridge

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ministruth/monitor/internal/directory"
	"github.com/ministruth/monitor/internal/metrics"
	"github.com/ministruth/monitor/internal/wire"
)

// Sink is whatever can push a frame to one web-socket session — implemented
// by the REST layer's websocket client wrapper.
type Sink interface {
	Send(sessionID uuid.UUID, data []byte) error
	Close(sessionID uuid.UUID)
}

// Bridge holds two lookup maps: token -> session id (a token belongs to
// exactly one session) and, per session, the reverse pointer used to clean
// up on disconnect.
type Bridge struct {
	dir  *directory.Directory
	sink Sink

	mu       sync.Mutex
	byToken  map[string]uuid.UUID            // token -> session id
	sessions map[uuid.UUID]*sessionBinding    // session id -> its current binding
}

type sessionBinding struct {
	agentID uuid.UUID
	token   string
}

// New builds a Bridge that forwards agent-bound frames via dir's outbound
// channels and client-bound frames via sink.
func New(dir *directory.Directory, sink Sink) *Bridge {
	return &Bridge{
		dir:      dir,
		sink:     sink,
		byToken:  make(map[string]uuid.UUID),
		sessions: make(map[uuid.UUID]*sessionBinding),
	}
}

// Connect implements the Idle -> Connected transition: register
// token -> sessionID, then forward ShellConnect to the agent's outbound
// channel, but only if the agent exists and has not disabled its shell.
// Returns false if the agent is unknown, offline, or shell-disabled — the
// caller (the websocket handler) should then close the session.
func (b *Bridge) Connect(sessionID, agentID uuid.UUID, token string, cols, rows uint32) bool {
	if !b.dir.HasOutbound(agentID) || b.dir.DisableShell(agentID) {
		return false
	}

	b.mu.Lock()
	if old, ok := b.sessions[sessionID]; ok {
		delete(b.byToken, old.token)
	}
	b.byToken[token] = sessionID
	b.sessions[sessionID] = &sessionBinding{agentID: agentID, token: token}
	b.mu.Unlock()
	metrics.ShellSessions.Inc()

	return b.dir.Enqueue(agentID, wire.ShellConnect{Token: token, Cols: cols, Rows: rows})
}

// Disconnect implements the Connected -> Idle transition: forward
// ShellDisconnect to the agent (best-effort) and remove both lookup
// entries. Safe to call on a session with no active binding.
func (b *Bridge) Disconnect(sessionID uuid.UUID) {
	b.mu.Lock()
	binding, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
		delete(b.byToken, binding.token)
	}
	b.mu.Unlock()

	if ok {
		metrics.ShellSessions.Dec()
		b.dir.Enqueue(binding.agentID, wire.ShellDisconnect{Token: binding.token})
	}
}

// Input forwards a ShellInput frame from the client to the session's bound
// agent, stamping it with the current token. Returns false if the session
// has no active binding.
func (b *Bridge) Input(sessionID uuid.UUID, data []byte) bool {
	b.mu.Lock()
	binding, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	return b.dir.Enqueue(binding.agentID, wire.ShellInput{Token: binding.token, Data: data})
}

// Resize forwards a ShellResize frame, same preconditions as Input.
func (b *Bridge) Resize(sessionID uuid.UUID, cols, rows uint32) bool {
	b.mu.Lock()
	binding, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	return b.dir.Enqueue(binding.agentID, wire.ShellResize{Token: binding.token, Cols: cols, Rows: rows})
}

// RouteOutput implements internal/session.ShellRouter: deliver agent shell
// output to the session bound to token, with the token stripped.
func (b *Bridge) RouteOutput(token string, data []byte) {
	b.mu.Lock()
	sessionID, ok := b.byToken[token]
	b.mu.Unlock()
	if !ok {
		return
	}
	_ = b.sink.Send(sessionID, data)
}

// RouteError implements internal/session.ShellRouter for ShellError frames.
// Errors are forwarded as plain text; the REST/websocket layer is
// responsible for any client-side framing distinction between output and
// error if one is needed.
func (b *Bridge) RouteError(token string, errMsg string) {
	b.mu.Lock()
	sessionID, ok := b.byToken[token]
	b.mu.Unlock()
	if !ok {
		return
	}
	_ = b.sink.Send(sessionID, []byte(errMsg))
}
