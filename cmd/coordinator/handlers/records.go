// Package handlers provides REST API handlers for the management and popup
// UI surfaces.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/devils-eye/screenshot-ocr/internal/models"
	"github.com/devils-eye/screenshot-ocr/internal/records"
	"github.com/devils-eye/screenshot-ocr/internal/textutil"
)

// snippetLength bounds the plain-text preview attached to list items.
const snippetLength = 120

// RecordsHandler handles record collection operations.
type RecordsHandler struct {
	repo *records.Repository
}

// NewRecordsHandler creates a new RecordsHandler.
func NewRecordsHandler(repo *records.Repository) *RecordsHandler {
	return &RecordsHandler{repo: repo}
}

// listItem is a record plus the plain-text preview shown in list views.
type listItem struct {
	*models.Record
	Snippet string `json:"snippet"`
}

// List handles GET /api/records?q=<query>&sort=<mode>
func (h *RecordsHandler) List(w http.ResponseWriter, r *http.Request) {
	recs, err := h.repo.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	recs = records.Filter(recs, r.URL.Query().Get("q"))

	sort := records.SortMode(r.URL.Query().Get("sort"))
	if sort == "" {
		sort = records.SortNewest
	}
	records.Sort(recs, sort)

	items := make([]listItem, len(recs))
	for i, rec := range recs {
		items[i] = listItem{
			Record:  rec,
			Snippet: textutil.Snippet(textutil.PlainText(rec.Text), snippetLength),
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// Get handles GET /api/records/{id}
func (h *RecordsHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.repo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if err == records.ErrNotFound {
			http.Error(w, "Record not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpdateTitle handles PATCH /api/records/{id}
func (h *RecordsHandler) UpdateTitle(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}

	rec, err := h.repo.UpdateTitle(r.Context(), r.PathValue("id"), request.Title)
	if err != nil {
		if err == records.ErrNotFound {
			http.Error(w, "Record not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Delete handles DELETE /api/records/{id}
func (h *RecordsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Delete(r.Context(), r.PathValue("id")); err != nil {
		if err == records.ErrNotFound {
			http.Error(w, "Record not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Clear handles DELETE /api/records
func (h *RecordsHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Clear(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
