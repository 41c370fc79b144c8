package api

import (
	"io"
	"net/http"
	"path/filepath"

	"github.com/starford/histkeep/internal/models"
)

const maxUploadBytes = 50 << 20 // 50 MB

// Import handles POST /api/import (multipart/form-data, field "file").
// Optional form fields: "format" (json, html, csv; default from the file
// extension) and "mode" (merge, replace; default merge).
//
//	@Summary		Import an exported history and bookmarks file
//	@Tags			transfer
//	@Accept			mpfd
//	@Produce		json
//	@Param			file	formData	file	true	"Export file"
//	@Param			format	formData	string	false	"File format"	Enums(json, html, csv)
//	@Param			mode	formData	string	false	"Import mode"	Enums(merge, replace)
//	@Success		200		{object}	RunResult
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		422		{object}	errResponse	"unreadable file, or RunResult with failed set"
//	@Security		BearerAuth
//	@Router			/import [post]
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	format, err := ResolveFormat(r.FormValue("format"), filepath.Base(header.Filename))
	if err != nil {
		writeError(w, "import", err)
		return
	}

	raw, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read upload"))
		return
	}

	res, err := h.svc.Import(r.Context(), raw, format, models.ParseMode(r.FormValue("mode")))
	if err != nil {
		writeError(w, "import", err)
		return
	}
	writeRunResult(w, res)
}
