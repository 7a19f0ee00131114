package api

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ministruth/monitor/internal/monitorserver"
	"github.com/ministruth/monitor/internal/store"
	"github.com/ministruth/monitor/internal/wire"
)

// SettingStore is the subset of internal/store's GORM-backed settings
// store the REST layer needs.
type SettingStore interface {
	Get(ctx context.Context) (store.SettingsView, error)
	Put(ctx context.Context, view store.SettingsView) error
	GetShell(ctx context.Context) ([]string, error)
	SetShell(ctx context.Context, shell []string) error
	SetCertificate(ctx context.Context, key []byte) error
}

// ServerController is the subset of *monitorserver.Server the settings
// handlers need to apply hot settings and start/stop/restart the listener.
type ServerController interface {
	UpdateSettings(settings monitorserver.Settings)
	IsRunning() bool
	Start(ctx context.Context, addr string, secretKey []byte) error
	Stop()
	Restart(ctx context.Context, addr string, secretKey []byte) error
}

// SettingsHandler groups the HTTP handlers for the singleton settings
// resource, the shell program list, the secp256k1 certificate, and the
// server start/stop action.
type SettingsHandler struct {
	store  SettingStore
	server ServerController
	logger *zap.Logger
}

// NewSettingsHandler builds a SettingsHandler.
func NewSettingsHandler(s SettingStore, server ServerController, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{store: s, server: server, logger: logger.Named("settings_handler")}
}

type settingsResponse struct {
	Address      string `json:"address"`
	MsgTimeout   int    `json:"msg_timeout"`
	AlertTimeout int    `json:"alert_timeout"`
}

// Get handles GET /settings.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.store.Get(r.Context())
	if err != nil {
		h.logger.Error("get settings failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, settingsResponse{Address: view.Address, MsgTimeout: view.MsgTimeout, AlertTimeout: view.AlertTimeout})
}

type putSettingsRequest struct {
	Address      string `json:"address"`
	MsgTimeout   int    `json:"msg_timeout"`
	AlertTimeout int    `json:"alert_timeout"`
}

// Put handles PUT /settings: persists the new values and refreshes the
// server's hot settings copy without requiring a restart.
func (h *SettingsHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req putSettingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MsgTimeout < 0 || req.AlertTimeout < 0 {
		ErrBadRequest(w, "msg_timeout and alert_timeout must be >= 0")
		return
	}

	shell, err := h.store.GetShell(r.Context())
	if err != nil {
		h.logger.Error("get shell for settings update failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	view := store.SettingsView{
		Address: req.Address, Shell: shell,
		MsgTimeout: req.MsgTimeout, AlertTimeout: req.AlertTimeout,
	}
	if err := h.store.Put(r.Context(), view); err != nil {
		h.logger.Error("put settings failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.server.UpdateSettings(monitorserver.Settings{
		MsgTimeout:   time.Duration(req.MsgTimeout) * time.Second,
		AlertTimeout: time.Duration(req.AlertTimeout) * time.Second,
	})
	NoContent(w)
}

// GetShell handles GET /settings/shell.
func (h *SettingsHandler) GetShell(w http.ResponseWriter, r *http.Request) {
	shell, err := h.store.GetShell(r.Context())
	if err != nil {
		h.logger.Error("get shell failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"shell": shell})
}

type putShellRequest struct {
	Shell []string `json:"shell"`
}

// PutShell handles PUT /settings/shell.
func (h *SettingsHandler) PutShell(w http.ResponseWriter, r *http.Request) {
	var req putShellRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.store.SetShell(r.Context(), req.Shell); err != nil {
		h.logger.Error("set shell failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// GetCertificate handles GET /settings/certificate: returns the base64 of
// the compressed public key derived from the stored secret.
func (h *SettingsHandler) GetCertificate(w http.ResponseWriter, r *http.Request) {
	view, err := h.store.Get(r.Context())
	if err != nil {
		h.logger.Error("get settings for certificate failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	if view.Certificate == nil {
		Ok(w, envelope{"public_key": nil})
		return
	}
	pub, err := wire.PublicKeyFromSecret(view.Certificate)
	if err != nil {
		h.logger.Error("derive public key failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"public_key": base64.StdEncoding.EncodeToString(pub)})
}

// RotateCertificate handles POST /settings/certificate: generates a fresh
// secp256k1 keypair, persists the new secret, and restarts the TCP server
// on it so already-connected agents are forced to re-handshake.
func (h *SettingsHandler) RotateCertificate(w http.ResponseWriter, r *http.Request) {
	secret, pub, err := wire.GenerateKeyPair()
	if err != nil {
		h.logger.Error("generate keypair failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.store.SetCertificate(r.Context(), secret); err != nil {
		h.logger.Error("persist new certificate failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	view, err := h.store.Get(r.Context())
	if err != nil {
		h.logger.Error("reload settings after rotation failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	if h.server.IsRunning() {
		if err := h.server.Restart(r.Context(), view.Address, secret); err != nil {
			h.logger.Error("restart server after rotation failed", zap.Error(err))
			ErrInternal(w)
			return
		}
	}
	Ok(w, envelope{"public_key": base64.StdEncoding.EncodeToString(pub)})
}

type serverActionRequest struct {
	Start bool `json:"start"`
}

// ServerAction handles POST /settings/server {start:bool}.
func (h *SettingsHandler) ServerAction(w http.ResponseWriter, r *http.Request) {
	var req serverActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	view, err := h.store.Get(r.Context())
	if err != nil {
		h.logger.Error("get settings for server action failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if !req.Start {
		h.server.Stop()
		NoContent(w)
		return
	}
	if view.Certificate == nil {
		ErrUnprocessable(w, "no certificate configured")
		return
	}
	if err := h.server.Start(r.Context(), view.Address, view.Certificate); err != nil {
		h.logger.Error("start server failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
