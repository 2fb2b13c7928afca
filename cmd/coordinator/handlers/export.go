package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/devils-eye/screenshot-ocr/internal/export"
)

// ExportHandler handles collection export and import.
type ExportHandler struct {
	svc *export.Service
}

// NewExportHandler creates a new ExportHandler.
func NewExportHandler(svc *export.Service) *ExportHandler {
	return &ExportHandler{svc: svc}
}

// Download handles GET /api/export. The response is the export file itself,
// offered under the dated name.
func (h *ExportHandler) Download(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", export.FileName(time.Now())))

	if err := h.svc.Export(r.Context(), w); err != nil {
		// Headers are already out; the truncated body will fail to parse on
		// the client, which is the best signal left.
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Import handles POST /api/import with the export file as the body. The
// collection is replaced wholesale; a bad file changes nothing.
func (h *ExportHandler) Import(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Import(r.Context(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"imported": n})
}
