package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/histkeep/internal/apperr"
	"github.com/starford/histkeep/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

// writeRunResult writes a run summary. A failed run, where nothing was
// applied and errors occurred, is 422 with the same body.
func writeRunResult(w http.ResponseWriter, res *models.BackupRunResult) {
	status := http.StatusOK
	if res.Failed {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

type errResponse struct {
	Error string `json:"error" validate:"required"`
	Field string `json:"field,omitempty"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// writeError maps the error taxonomy onto HTTP statuses. Unexpected errors
// are logged and hidden behind "internal error".
func writeError(w http.ResponseWriter, op string, err error) {
	var ce *apperr.ConfigurationError
	switch {
	case errors.As(err, &ce):
		writeJSON(w, http.StatusBadRequest, errResponse{Error: ce.Error(), Field: ce.Field})
	case errors.Is(err, apperr.ErrUnreadableSource):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrRunInProgress):
		writeJSON(w, http.StatusConflict, errorBody(apperr.ErrRunInProgress.Error()))
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrTransfer):
		slog.Warn(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, errorBody(err.Error()))
	default:
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}
