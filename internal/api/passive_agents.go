package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ministruth/monitor/internal/monitorserver"
	"github.com/ministruth/monitor/internal/store"
)

// PassiveAgentStore is the subset of internal/store's GORM-backed passive
// agent store the REST layer needs for CRUD, kept local so this file
// depends on a narrow interface rather than the concrete store type.
type PassiveAgentStore interface {
	List(ctx context.Context) ([]monitorserver.PassiveAgentRecord, error)
	Get(ctx context.Context, id uuid.UUID) (*monitorserver.PassiveAgentRecord, error)
	Create(ctx context.Context, name, address string, retryTime int) (*monitorserver.PassiveAgentRecord, error)
	Update(ctx context.Context, id uuid.UUID, name, address string, retryTime int) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// PassiveConnector is the subset of *monitorserver.Server the passive agent
// handlers need to force a connect attempt and report connecting state.
type PassiveConnector interface {
	Connect(id uuid.UUID)
	Connecting() []uuid.UUID
}

// PassiveAgentHandler groups the HTTP handlers for CRUD on passive agent
// targets and the activate action.
type PassiveAgentHandler struct {
	store     PassiveAgentStore
	connector PassiveConnector
	logger    *zap.Logger
}

// NewPassiveAgentHandler builds a PassiveAgentHandler.
func NewPassiveAgentHandler(s PassiveAgentStore, connector PassiveConnector, logger *zap.Logger) *PassiveAgentHandler {
	return &PassiveAgentHandler{store: s, connector: connector, logger: logger.Named("passive_agent_handler")}
}

type passiveAgentResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Address    string `json:"address"`
	RetryTime  int    `json:"retry_time"`
	Connecting bool   `json:"connecting"`
}

func (h *PassiveAgentHandler) toResponse(rec monitorserver.PassiveAgentRecord, connecting map[uuid.UUID]struct{}) passiveAgentResponse {
	_, isConnecting := connecting[rec.ID]
	return passiveAgentResponse{
		ID: rec.ID.String(), Name: rec.Name, Address: rec.Address,
		RetryTime: rec.RetryTime, Connecting: isConnecting,
	}
}

// List handles GET /passive_agents.
func (h *PassiveAgentHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("list passive agents failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	connecting := make(map[uuid.UUID]struct{})
	for _, id := range h.connector.Connecting() {
		connecting[id] = struct{}{}
	}
	items := make([]passiveAgentResponse, 0, len(rows))
	for _, rec := range rows {
		items = append(items, h.toResponse(rec, connecting))
	}
	Ok(w, items)
}

type passiveAgentRequest struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	RetryTime int    `json:"retry_time"`
}

func (req passiveAgentRequest) validate() string {
	if req.Name == "" || len(req.Name) > 32 {
		return "name must be non-empty and at most 32 characters"
	}
	if req.Address == "" || len(req.Address) > 64 {
		return "address must be non-empty and at most 64 characters"
	}
	if req.RetryTime < 0 {
		return "retry_time must be >= 0"
	}
	return ""
}

// Create handles POST /passive_agents.
func (h *PassiveAgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req passiveAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		ErrBadRequest(w, msg)
		return
	}

	rec, err := h.store.Create(r.Context(), req.Name, req.Address, req.RetryTime)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			ErrConflict(w, "name or address already in use")
			return
		}
		h.logger.Error("create passive agent failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, h.toResponse(*rec, nil))
}

// Update handles PUT /passive_agents/{id}.
func (h *PassiveAgentHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req passiveAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		ErrBadRequest(w, msg)
		return
	}

	if err := h.store.Update(r.Context(), id, req.Name, req.Address, req.RetryTime); err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			ErrConflict(w, "name or address already in use")
		case errors.Is(err, store.ErrNotFound):
			ErrNotFound(w)
		default:
			h.logger.Error("update passive agent failed", zap.String("id", id.String()), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	NoContent(w)
}

// Delete handles DELETE /passive_agents/{id}.
func (h *PassiveAgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("delete passive agent failed", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Activate handles POST /passive_agents/{id}/activate: requests a connect
// attempt for the record. The request is a no-op when the agent's passive
// loop is already running, including while it waits out retry_time.
func (h *PassiveAgentHandler) Activate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.logger.Error("load passive agent failed", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if rec == nil {
		ErrNotFound(w)
		return
	}
	h.connector.Connect(id)
	NoContent(w)
}
