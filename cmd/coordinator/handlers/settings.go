package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/devils-eye/screenshot-ocr/internal/models"
	"github.com/devils-eye/screenshot-ocr/internal/ocr"
	"github.com/devils-eye/screenshot-ocr/internal/settings"
	"github.com/devils-eye/screenshot-ocr/internal/title"
)

// SettingsHandler handles settings reads/writes and credential probes. It
// holds the API clients directly so probes and title generation work even
// when no coordinator message channel is attached.
type SettingsHandler struct {
	svc    *settings.Service
	ocr    *ocr.Client
	titles *title.Client
}

// NewSettingsHandler creates a new SettingsHandler.
func NewSettingsHandler(svc *settings.Service, ocrClient *ocr.Client, titleClient *title.Client) *SettingsHandler {
	return &SettingsHandler{svc: svc, ocr: ocrClient, titles: titleClient}
}

// Get handles GET /api/settings
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Snapshot())
}

// Save handles PUT /api/settings. Saving and testing are separate steps: the
// settings surface saves first, then probes with the stored credentials.
func (h *SettingsHandler) Save(w http.ResponseWriter, r *http.Request) {
	var request models.Settings
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.svc.Save(r.Context(), request); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Snapshot())
}

// TestMistral handles POST /api/settings/test-mistral
func (h *SettingsHandler) TestMistral(w http.ResponseWriter, r *http.Request) {
	if err := h.ocr.TestConnection(r.Context(), h.svc.Snapshot().APIKey); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// TestGemini handles POST /api/settings/test-gemini
func (h *SettingsHandler) TestGemini(w http.ResponseWriter, r *http.Request) {
	if err := h.titles.TestConnection(r.Context(), h.svc.Snapshot().GeminiAPIKey); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// GenerateTitle handles POST /api/generate-title with {"text": ...}. This is
// the management surface's direct generation path for records whose deferred
// title never landed.
func (h *SettingsHandler) GenerateTitle(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	generated, err := h.titles.Generate(r.Context(), h.svc.Snapshot().GeminiAPIKey, request.Text)
	if err != nil {
		if err == title.ErrNoAPIKey {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"title": generated})
}
