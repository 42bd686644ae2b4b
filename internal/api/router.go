package api

import (
	"net/http"

	"github.com/triage-ai/realmgate/internal/auth"
	"github.com/triage-ai/realmgate/internal/chread"
	"github.com/triage-ai/realmgate/internal/config"
	"github.com/triage-ai/realmgate/internal/engine"
	"github.com/triage-ai/realmgate/internal/storage"
	"go.uber.org/zap"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Engine *engine.Engine
	Auth   auth.Authenticator    // nil disables bearer auth
	Writer storage.EventWriter   // nil drops decision events
	Reader *chread.Reader        // nil if ClickHouse unavailable
	Config func() *config.Config // current realm presets; nil = defaults
	Logger *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	// Install-facing endpoints (auth required via Bearer rgk_ token)
	mux.HandleFunc("POST /v1/realms/examine", deps.authMiddleware(deps.handleExamine))
	mux.HandleFunc("GET /v1/identity", deps.authMiddleware(deps.handleIdentity))
	mux.HandleFunc("DELETE /v1/installs/{install_id}", deps.authMiddleware(deps.handleForgetInstall))

	// Decision events (no auth, operator dashboard)
	mux.HandleFunc("GET /api/realms/events", deps.handleListEvents)
	mux.HandleFunc("GET /api/realms/events/{request_id}", deps.handleGetEvent)
	mux.HandleFunc("GET /api/realms/summary", deps.handleGetSummary)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}

func (d *Dependencies) currentConfig() *config.Config {
	if d.Config != nil {
		if cfg := d.Config(); cfg != nil {
			return cfg
		}
	}
	return config.DefaultConfig()
}
