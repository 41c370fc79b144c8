package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Backup settings and runs.
	r.Get("/settings", h.GetSettings)
	r.Put("/settings", h.PutSettings)
	r.Get("/backup/status", h.BackupStatus)
	r.Post("/backup/run", h.RunBackup)

	// Catalogued backups.
	r.Get("/backups", h.ListBackups)
	r.Post("/backups/{name}/restore", h.RestoreBackup)

	// Manual import and export.
	r.Post("/import", h.Import)
	r.Get("/export", h.Export)

	// Cloud providers.
	r.Get("/providers", h.ListProviders)
	r.Put("/providers/{name}/token", h.ConnectProvider)
	r.Delete("/providers/{name}/token", h.DisconnectProvider)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
