package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ministruth/monitor/internal/facade"
)

// RouterConfig holds every dependency NewRouter needs to build the HTTP
// router, populated in cmd/monitord/main.go once every component is
// constructed and wired together.
type RouterConfig struct {
	Facade        *facade.Facade
	PassiveAgents PassiveAgentStore
	PassiveConn   PassiveConnector
	Settings      SettingStore
	Server        ServerController
	ShellHandler  *ShellHandler
	Logger        *zap.Logger
}

// NewRouter builds the fully configured Chi router. Every resource is
// registered under /api/v1; metrics are exposed separately by the caller
// via promhttp, outside this router's prefix.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	agentHandler := NewAgentHandler(cfg.Facade, cfg.Logger)
	passiveHandler := NewPassiveAgentHandler(cfg.PassiveAgents, cfg.PassiveConn, cfg.Logger)
	settingsHandler := NewSettingsHandler(cfg.Settings, cfg.Server, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/agents", agentHandler.List)
		r.Put("/agents/{id}", agentHandler.Rename)
		r.Delete("/agents/{id}", agentHandler.Delete)
		r.Delete("/agents", agentHandler.DeleteBatch)
		r.Post("/agents/{id}/reconnect", agentHandler.Reconnect)
		r.Get("/agents/{id}/shell", cfg.ShellHandler.ServeWS)

		r.Post("/agents/{id}/commands", agentHandler.RunCommand)
		r.Get("/agents/{id}/commands/{cid}", agentHandler.GetCommandOutput)
		r.Delete("/agents/{id}/commands/{cid}", agentHandler.KillCommand)
		r.Post("/agents/{id}/files", agentHandler.SendFile)
		r.Get("/agents/{id}/files/{fid}", agentHandler.GetFileResult)

		r.Get("/passive_agents", passiveHandler.List)
		r.Post("/passive_agents", passiveHandler.Create)
		r.Put("/passive_agents/{id}", passiveHandler.Update)
		r.Delete("/passive_agents/{id}", passiveHandler.Delete)
		r.Post("/passive_agents/{id}/activate", passiveHandler.Activate)

		r.Get("/settings", settingsHandler.Get)
		r.Put("/settings", settingsHandler.Put)
		r.Get("/settings/shell", settingsHandler.GetShell)
		r.Put("/settings/shell", settingsHandler.PutShell)
		r.Get("/settings/certificate", settingsHandler.GetCertificate)
		r.Post("/settings/certificate", settingsHandler.RotateCertificate)
		r.Post("/settings/server", settingsHandler.ServerAction)
	})

	return r
}
