package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/ministruth/monitor/internal/directory"
	"github.com/ministruth/monitor/internal/facade"
)

// AgentHandler groups the HTTP handlers for the agent directory and the
// typed async operations (commands, file transfers, reconnect) the facade
// exposes per agent.
type AgentHandler struct {
	facade *facade.Facade
	logger *zap.Logger
}

// NewAgentHandler builds an AgentHandler atop f.
func NewAgentHandler(f *facade.Facade, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{facade: f, logger: logger.Named("agent_handler")}
}

// agentResponse is the JSON representation of one agent.
type agentResponse struct {
	ID           string   `json:"id"`
	Uid          string   `json:"uid"`
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	Os           string   `json:"os"`
	System       string   `json:"system"`
	Arch         string   `json:"arch"`
	Hostname     string   `json:"hostname"`
	Ip           string   `json:"ip"`
	Endpoint     string   `json:"endpoint"`
	DisableShell bool     `json:"disable_shell"`
	Cpu          *float64 `json:"cpu"`
	Memory       string   `json:"memory,omitempty"`
	Disk         string   `json:"disk,omitempty"`
	NetUp        string   `json:"net_up,omitempty"`
	NetDown      string   `json:"net_down,omitempty"`
}

// agentToResponse renders a directory.Snapshot, converting the raw byte
// counters to human-readable strings for display.
func agentToResponse(s directory.Snapshot) agentResponse {
	resp := agentResponse{
		ID: s.ID.String(), Uid: s.Uid, Name: s.Name, Status: s.Status.String(),
		Os: s.Os, System: s.System, Arch: s.Arch, Hostname: s.Hostname,
		Ip: s.Ip, Endpoint: s.Endpoint, DisableShell: s.DisableShell, Cpu: s.Cpu,
	}
	if s.Memory != nil {
		resp.Memory = humanize.Bytes(uint64(*s.Memory))
	}
	if s.Disk != nil {
		resp.Disk = humanize.Bytes(uint64(*s.Disk))
	}
	if s.NetUp != nil {
		resp.NetUp = humanize.Bytes(uint64(*s.NetUp)) + "/s"
	}
	if s.NetDown != nil {
		resp.NetDown = humanize.Bytes(uint64(*s.NetDown)) + "/s"
	}
	return resp
}

// List handles GET /agents, filterable by repeated status query params and
// a free-text substring matched case-insensitively against id, name, ip,
// os, and arch.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	statuses := r.URL.Query()["status"]
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))

	all := h.facade.GetAgents()
	items := make([]agentResponse, 0, len(all))
	for _, s := range all {
		if len(statuses) > 0 && !containsStatus(statuses, s.Status.String()) {
			continue
		}
		if q != "" && !matchesQuery(s, q) {
			continue
		}
		items = append(items, agentToResponse(s))
	}
	Ok(w, items)
}

func containsStatus(statuses []string, status string) bool {
	for _, s := range statuses {
		if strings.EqualFold(s, status) {
			return true
		}
	}
	return false
}

func matchesQuery(s directory.Snapshot, q string) bool {
	fields := []string{s.ID.String(), s.Name, s.Ip, s.Os, s.Arch}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

// renameRequest is the body expected by PUT /agents/{id}.
type renameRequest struct {
	Name string `json:"name"`
}

// Rename handles PUT /agents/{id}.
func (h *AgentHandler) Rename(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req renameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	if err := h.facade.Rename(r.Context(), id, req.Name); err != nil {
		h.writeFacadeErr(w, "rename agent", id, err)
		return
	}
	NoContent(w)
}

// Delete handles DELETE /agents/{id}.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.facade.DeleteAgent(r.Context(), id); err != nil {
		h.writeFacadeErr(w, "delete agent", id, err)
		return
	}
	NoContent(w)
}

// deleteBatchRequest is the body expected by DELETE /agents.
type deleteBatchRequest struct {
	Ids []string `json:"ids"`
}

// DeleteBatch handles DELETE /agents {ids:[...]}.
func (h *AgentHandler) DeleteBatch(w http.ResponseWriter, r *http.Request) {
	var req deleteBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	for _, raw := range req.Ids {
		id, err := uuidParse(raw)
		if err != nil {
			ErrBadRequest(w, "invalid id in ids: "+raw)
			return
		}
		if err := h.facade.DeleteAgent(r.Context(), id); err != nil && !errors.Is(err, facade.ErrAgentNotFound) {
			h.logger.Error("batch delete agent failed", zap.String("id", id.String()), zap.Error(err))
			ErrInternal(w)
			return
		}
	}
	NoContent(w)
}

// Reconnect handles POST /agents/{id}/reconnect.
func (h *AgentHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.facade.Reconnect(id); err != nil {
		h.writeFacadeErr(w, "reconnect agent", id, err)
		return
	}
	NoContent(w)
}

// runCommandRequest is the body expected by POST /agents/{id}/commands.
type runCommandRequest struct {
	Cmd string `json:"cmd"`
}

// RunCommand handles POST /agents/{id}/commands.
func (h *AgentHandler) RunCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req runCommandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Cmd == "" {
		ErrBadRequest(w, "cmd is required")
		return
	}
	cmdID, err := h.facade.RunCommand(id, req.Cmd)
	if err != nil {
		h.writeFacadeErr(w, "run command", id, err)
		return
	}
	Created(w, envelope{"command_id": cmdID})
}

// commandResultResponse is the JSON view of a directory.CommandResult.
type commandResultResponse struct {
	Done   bool    `json:"done"`
	Code   *int32  `json:"code"`
	Output *string `json:"output"`
}

// GetCommandOutput handles GET /agents/{id}/commands/{cid}.
func (h *AgentHandler) GetCommandOutput(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	cmdID := chiURLParam(r, "cid")
	res, found, err := h.facade.GetCommandOutput(id, cmdID)
	if err != nil {
		h.writeFacadeErr(w, "get command output", id, err)
		return
	}
	if !found {
		ErrNotFound(w)
		return
	}
	resp := commandResultResponse{Done: res.Code != nil, Code: res.Code}
	if res.Output != nil {
		s := string(res.Output)
		resp.Output = &s
	}
	Ok(w, resp)
}

// killCommandRequest is the body expected by DELETE /agents/{id}/commands/{cid}.
type killCommandRequest struct {
	Force bool `json:"force"`
}

// KillCommand handles DELETE /agents/{id}/commands/{cid}.
func (h *AgentHandler) KillCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	cmdID := chiURLParam(r, "cid")
	var req killCommandRequest
	_ = decodeJSONOptional(r, &req)
	if err := h.facade.KillCommand(id, cmdID, req.Force); err != nil {
		h.writeFacadeErr(w, "kill command", id, err)
		return
	}
	NoContent(w)
}

// sendFileRequest is the body expected by POST /agents/{id}/files. Data is
// the base64 encoding of the raw file content; the handler DEFLATE
// -compresses it via the facade before dispatch.
type sendFileRequest struct {
	Path string `json:"path"`
	Data string `json:"data"`
}

// SendFile handles POST /agents/{id}/files.
func (h *AgentHandler) SendFile(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req sendFileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		ErrBadRequest(w, "path is required")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		ErrBadRequest(w, "data must be base64-encoded")
		return
	}
	fileID, err := h.facade.SendFile(id, req.Path, raw)
	if err != nil {
		h.writeFacadeErr(w, "send file", id, err)
		return
	}
	Created(w, envelope{"file_id": fileID})
}

// fileResultResponse is the JSON view of a directory.FileResult.
type fileResultResponse struct {
	Done    bool   `json:"done"`
	Code    *int32 `json:"code"`
	Message string `json:"message"`
}

// GetFileResult handles GET /agents/{id}/files/{fid}.
func (h *AgentHandler) GetFileResult(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	fileID := chiURLParam(r, "fid")
	res, found, err := h.facade.GetFileResult(id, fileID)
	if err != nil {
		h.writeFacadeErr(w, "get file result", id, err)
		return
	}
	if !found {
		ErrNotFound(w)
		return
	}
	Ok(w, fileResultResponse{Done: res.Code != nil, Code: res.Code, Message: res.Message})
}

// writeFacadeErr maps a facade sentinel error to the matching HTTP status,
// logging anything unexpected as an internal error.
func (h *AgentHandler) writeFacadeErr(w http.ResponseWriter, action string, id interface{ String() string }, err error) {
	switch {
	case errors.Is(err, facade.ErrAgentNotFound):
		ErrNotFound(w)
	case errors.Is(err, facade.ErrAgentOffline):
		ErrUnprocessable(w, "agent has no live connection")
	case errors.Is(err, facade.ErrNameTaken):
		ErrConflict(w, "name already in use")
	case errors.Is(err, facade.ErrAlreadyConnected):
		ErrConflict(w, "already connecting")
	default:
		h.logger.Error(action+" failed", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
	}
}
