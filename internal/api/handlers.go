package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/histkeep/internal/apperr"
	"github.com/starford/histkeep/internal/models"
	"github.com/starford/histkeep/internal/normalize"
	"github.com/starford/histkeep/internal/pipeline"
	"github.com/starford/histkeep/internal/scheduler"
)

// Handler holds API route handlers.
type Handler struct {
	svc *Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// GetSettings handles GET /api/settings.
//
//	@Summary		Get automatic backup settings
//	@Tags			backup
//	@Produce		json
//	@Success		200	{object}	models.BackupSettings
//	@Security		BearerAuth
//	@Router			/settings [get]
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.svc.Settings(r.Context())
	if err != nil {
		writeError(w, "get settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// PutSettings handles PUT /api/settings.
//
//	@Summary		Save automatic backup settings and reschedule
//	@Tags			backup
//	@Accept			json
//	@Produce		json
//	@Param			body	body		SettingsRequest	true	"Backup settings"
//	@Success		200		{object}	models.BackupSettings
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/settings [put]
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	saved, err := h.svc.Configure(r.Context(), req.Settings())
	if err != nil {
		writeError(w, "save settings", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// BackupStatus handles GET /api/backup/status.
//
//	@Summary		Scheduler state, counters and next run
//	@Tags			backup
//	@Produce		json
//	@Success		200	{object}	StatusResponse
//	@Security		BearerAuth
//	@Router			/backup/status [get]
func (h *Handler) BackupStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		writeError(w, "backup status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RunBackup handles POST /api/backup/run.
//
//	@Summary		Run a backup now
//	@Tags			backup
//	@Produce		json
//	@Success		200	{object}	RunResult
//	@Failure		400	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Failure		502	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/backup/run [post]
func (h *Handler) RunBackup(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.RunBackup(r.Context())
	if err != nil {
		writeError(w, "run backup", err)
		return
	}
	writeRunResult(w, res)
}

// ListBackups handles GET /api/backups.
//
//	@Summary		List catalogued backups, oldest first
//	@Tags			backup
//	@Produce		json
//	@Success		200	{object}	ArtifactListResponse
//	@Security		BearerAuth
//	@Router			/backups [get]
func (h *Handler) ListBackups(w http.ResponseWriter, r *http.Request) {
	arts, err := h.svc.Artifacts(r.Context())
	if err != nil {
		writeError(w, "list backups", err)
		return
	}
	writeJSON(w, http.StatusOK, ArtifactListResponse{Artifacts: arts})
}

// RestoreBackup handles POST /api/backups/{name}/restore.
//
//	@Summary		Verify and import a catalogued backup
//	@Tags			backup
//	@Produce		json
//	@Param			name	path		string	true	"Artifact name"
//	@Param			mode	query		string	false	"Import mode"	Enums(merge, replace)
//	@Success		200		{object}	RunResult
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		422		{object}	RunResult
//	@Security		BearerAuth
//	@Router			/backups/{name}/restore [post]
func (h *Handler) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	mode := models.ParseMode(r.URL.Query().Get("mode"))
	res, err := h.svc.RestoreBackup(r.Context(), name, mode)
	if err != nil {
		writeError(w, "restore backup", err)
		return
	}
	writeRunResult(w, res)
}

// Export handles GET /api/export.
//
//	@Summary		Download history and bookmarks
//	@Tags			transfer
//	@Produce		json,html,plain
//	@Param			format		query	string	false	"File format"	Enums(json, html, csv)
//	@Param			period		query	string	false	"History window"	Enums(today, yesterday, 7days, 30days, 90days, all, custom)
//	@Param			start		query	string	false	"Custom start (YYYY-MM-DD or RFC 3339)"
//	@Param			end			query	string	false	"Custom end (YYYY-MM-DD or RFC 3339)"
//	@Param			history		query	bool	false	"Include history"
//	@Param			bookmarks	query	bool	false	"Include bookmarks"
//	@Param			max			query	int		false	"Maximum history records"
//	@Success		200
//	@Failure		400	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/export [get]
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := normalize.ParseFormat(q.Get("format"))
	if err != nil {
		writeError(w, "export", &apperr.ConfigurationError{Field: "format", Reason: err.Error()})
		return
	}
	opts, err := ParseExportOptions(q.Get)
	if err != nil {
		writeError(w, "export", err)
		return
	}

	raw, ds, err := h.svc.Export(r.Context(), opts, format)
	if err != nil {
		writeError(w, "export", err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", scheduler.ArtifactName(ds.ExportDate, format)))
	w.Header().Set("X-History-Count", strconv.Itoa(len(ds.History)))
	w.Header().Set("X-Bookmark-Count", strconv.Itoa(ds.BookmarkCount()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// ParseExportOptions reads export selection parameters through get, using
// the query parameter names of GET /api/export.
func ParseExportOptions(get func(string) string) (pipeline.ExportOptions, error) {
	opts := pipeline.ExportOptions{
		IncludeHistory:   true,
		IncludeBookmarks: true,
		Period:           models.Period(get("period")),
	}
	for _, f := range []struct {
		name string
		dst  *bool
	}{{"history", &opts.IncludeHistory}, {"bookmarks", &opts.IncludeBookmarks}} {
		if v := get(f.name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return opts, &apperr.ConfigurationError{Field: f.name, Reason: "must be a boolean"}
			}
			*f.dst = b
		}
	}
	if !opts.IncludeHistory && !opts.IncludeBookmarks {
		return opts, &apperr.ConfigurationError{Field: "history", Reason: "nothing selected for export"}
	}
	if v := get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, &apperr.ConfigurationError{Field: "max", Reason: "must be a non-negative integer"}
		}
		opts.MaxResults = n
	}
	var err error
	if opts.Start, err = parseDay(get("start")); err != nil {
		return opts, &apperr.ConfigurationError{Field: "start", Reason: err.Error()}
	}
	if opts.End, err = parseDay(get("end")); err != nil {
		return opts, &apperr.ConfigurationError{Field: "end", Reason: err.Error()}
	}
	return opts, nil
}

// parseDay accepts a calendar date or an RFC 3339 timestamp. Empty is zero.
func parseDay(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, v, time.Local); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

// ListProviders handles GET /api/providers.
//
//	@Summary		List cloud providers and their connection state
//	@Tags			providers
//	@Produce		json
//	@Success		200	{object}	ProvidersResponse
//	@Security		BearerAuth
//	@Router			/providers [get]
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.svc.Providers(r.Context())
	if err != nil {
		writeError(w, "list providers", err)
		return
	}
	writeJSON(w, http.StatusOK, ProvidersResponse{Providers: providers})
}

// ConnectProvider handles PUT /api/providers/{name}/token.
//
//	@Summary		Store a cloud provider token
//	@Tags			providers
//	@Accept			json
//	@Param			name	path	string			true	"Provider name"
//	@Param			body	body	ConnectRequest	true	"Opaque token"
//	@Success		204		"Connected"
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/providers/{name}/token [put]
func (h *Handler) ConnectProvider(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := h.svc.Connect(r.Context(), chi.URLParam(r, "name"), req.Token); err != nil {
		writeError(w, "connect provider", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DisconnectProvider handles DELETE /api/providers/{name}/token.
//
//	@Summary		Forget a cloud provider token
//	@Tags			providers
//	@Param			name	path	string	true	"Provider name"
//	@Success		204		"Disconnected"
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/providers/{name}/token [delete]
func (h *Handler) DisconnectProvider(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Disconnect(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, "disconnect provider", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
