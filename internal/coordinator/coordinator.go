// Package coordinator implements the background message handler: the single
// owner of remote API calls and persistent state. Clients talk to it through
// a JSON action envelope; every reply is either the action's value shape or
// the uniform {success:false, error} failure envelope.
package coordinator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/devils-eye/screenshot-ocr/internal/logging"
	"github.com/devils-eye/screenshot-ocr/internal/models"
	"github.com/devils-eye/screenshot-ocr/internal/ocr"
	"github.com/devils-eye/screenshot-ocr/internal/records"
	"github.com/devils-eye/screenshot-ocr/internal/settings"
	"github.com/devils-eye/screenshot-ocr/internal/title"
)

// Action names of the message envelope.
const (
	ActionCaptureScreenshot     = "captureScreenshot"
	ActionCaptureVisibleTab     = "captureVisibleTab"
	ActionProcessOCR            = "processOCR"
	ActionSaveOCRData           = "saveOCRData"
	ActionGenerateTitle         = "generateTitle"
	ActionGetAPIKey             = "getApiKey"
	ActionSetAPIKey             = "setApiKey"
	ActionGetGeminiAPIKey       = "getGeminiApiKey"
	ActionSetGeminiAPIKey       = "setGeminiApiKey"
	ActionGetAutoGenerateTitles = "getAutoGenerateTitles"
	ActionSetAutoGenerateTitles = "setAutoGenerateTitles"
	ActionTestMistralConnection = "testMistralConnection"
	ActionTestGeminiConnection  = "testGeminiConnection"
)

// Rasterizer produces a full-tab raster as a data URL. It stands in for the
// browser's visible-tab capture primitive.
type Rasterizer interface {
	CaptureVisibleTab(ctx context.Context) (string, error)
}

// Injector starts a capture session in the active page context.
type Injector interface {
	StartCapture(ctx context.Context) error
}

// Coordinator routes action envelopes to their handlers.
type Coordinator struct {
	log      *logging.Logger
	repo     *records.Repository
	settings *settings.Service
	ocr      *ocr.Client
	titles   *title.Client

	rasterizer Rasterizer
	injector   Injector
}

// New creates a Coordinator. Rasterizer and injector may be nil when no page
// context is attached; the corresponding actions then fail with an error
// envelope instead of crashing.
func New(log *logging.Logger, repo *records.Repository, svc *settings.Service, ocrClient *ocr.Client, titleClient *title.Client, r Rasterizer, inj Injector) *Coordinator {
	return &Coordinator{
		log:      log,
		repo:     repo,
		settings: svc,
		ocr:      ocrClient,
		titles:   titleClient,

		rasterizer: r,
		injector:   inj,
	}
}

type envelope struct {
	Action string `json:"action"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Dispatch decodes one action envelope, runs its handler, and encodes the
// reply. Handler errors and panics become {success:false, error}; Dispatch
// itself never fails.
func (c *Coordinator) Dispatch(ctx context.Context, msg []byte) (reply []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panic", fmt.Errorf("%v", r))
			reply = c.errorReply(fmt.Errorf("internal error: %v", r))
		}
	}()

	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return c.errorReply(fmt.Errorf("malformed message: %w", err))
	}

	result, err := c.handle(ctx, env.Action, msg)
	if err != nil {
		c.log.Warn("action failed", map[string]interface{}{
			"action": env.Action,
			"error":  err.Error(),
		})
		return c.errorReply(err)
	}

	reply, err = json.Marshal(result)
	if err != nil {
		return c.errorReply(fmt.Errorf("failed to encode response: %w", err))
	}
	return reply
}

func (c *Coordinator) handle(ctx context.Context, action string, msg []byte) (interface{}, error) {
	switch action {
	case ActionCaptureScreenshot:
		return c.captureScreenshot(ctx)
	case ActionCaptureVisibleTab:
		return c.captureVisibleTab(ctx)
	case ActionProcessOCR:
		return c.processOCR(ctx, msg)
	case ActionSaveOCRData:
		return c.saveOCRData(ctx, msg)
	case ActionGenerateTitle:
		return c.generateTitle(ctx, msg)
	case ActionGetAPIKey:
		return map[string]string{"apiKey": c.settings.Snapshot().APIKey}, nil
	case ActionSetAPIKey:
		return c.setAPIKey(ctx, msg)
	case ActionGetGeminiAPIKey:
		return map[string]string{"geminiApiKey": c.settings.Snapshot().GeminiAPIKey}, nil
	case ActionSetGeminiAPIKey:
		return c.setGeminiAPIKey(ctx, msg)
	case ActionGetAutoGenerateTitles:
		return map[string]bool{"autoGenerateTitles": c.settings.Snapshot().AutoGenerateTitles}, nil
	case ActionSetAutoGenerateTitles:
		return c.setAutoGenerateTitles(ctx, msg)
	case ActionTestMistralConnection:
		if err := c.ocr.TestConnection(ctx, c.settings.Snapshot().APIKey); err != nil {
			return nil, err
		}
		return successResponse{Success: true}, nil
	case ActionTestGeminiConnection:
		if err := c.titles.TestConnection(ctx, c.settings.Snapshot().GeminiAPIKey); err != nil {
			return nil, err
		}
		return successResponse{Success: true}, nil
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
}

// captureScreenshot is fire-and-forget from the caller's view: it asks the
// injector to start a capture session and reports only whether the signal
// was delivered.
func (c *Coordinator) captureScreenshot(ctx context.Context) (interface{}, error) {
	if c.injector == nil {
		return nil, fmt.Errorf("no page context attached")
	}
	if err := c.injector.StartCapture(ctx); err != nil {
		return nil, fmt.Errorf("failed to start capture: %w", err)
	}
	return successResponse{Success: true}, nil
}

// captureVisibleTab replies with the raw data URL, or null when the raster
// failed or produced nothing. The capture session reads null as a failed
// raster, so the error itself only reaches the log. A missing rasterizer is
// a wiring problem, not a raster failure, and keeps the error envelope.
func (c *Coordinator) captureVisibleTab(ctx context.Context) (interface{}, error) {
	if c.rasterizer == nil {
		return nil, fmt.Errorf("no rasterizer attached")
	}
	dataURL, err := c.rasterizer.CaptureVisibleTab(ctx)
	if err != nil {
		c.log.Warn("failed to capture tab", map[string]interface{}{"error": err.Error()})
		return nil, nil
	}
	if dataURL == "" {
		return nil, nil
	}
	return dataURL, nil
}

type processOCRRequest struct {
	ImageData string `json:"imageData"`
}

type processOCRResponse struct {
	Success bool            `json:"success"`
	Text    string          `json:"text"`
	Raw     json.RawMessage `json:"rawResponse,omitempty"`
}

func (c *Coordinator) processOCR(ctx context.Context, msg []byte) (interface{}, error) {
	var req processOCRRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return nil, fmt.Errorf("malformed processOCR request: %w", err)
	}
	if req.ImageData == "" {
		return nil, fmt.Errorf("no image data provided")
	}

	result, err := c.ocr.Process(ctx, c.settings.Snapshot().APIKey, req.ImageData)
	if err != nil {
		return nil, err
	}
	return processOCRResponse{Success: true, Text: result.Text, Raw: result.Raw}, nil
}

type saveOCRDataRequest struct {
	Data struct {
		Text      string          `json:"text"`
		ImageData string          `json:"imageData"`
		Metadata  models.Metadata `json:"metadata"`
	} `json:"data"`
}

type saveOCRDataResponse struct {
	Success bool           `json:"success"`
	Record  *models.Record `json:"record"`
}

// saveOCRData appends the record and replies once the collection write has
// committed. When automatic titles are enabled, a credential is stored, and
// the text is non-empty, a deferred title generation runs after the reply;
// its failure is logged and dropped, and the patch re-reads the collection
// so a record deleted in the interim is simply skipped.
func (c *Coordinator) saveOCRData(ctx context.Context, msg []byte) (interface{}, error) {
	var req saveOCRDataRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return nil, fmt.Errorf("malformed saveOCRData request: %w", err)
	}
	if err := validateImagePayload(req.Data.ImageData); err != nil {
		return nil, err
	}

	rec, err := c.repo.Append(ctx, &models.Record{
		Text:      req.Data.Text,
		ImageData: req.Data.ImageData,
		Metadata:  req.Data.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save record: %w", err)
	}

	snap := c.settings.Snapshot()
	if snap.AutoGenerateTitles && snap.GeminiAPIKey != "" && strings.TrimSpace(rec.Text) != "" {
		go c.patchTitleLater(rec.ID, rec.Text, snap.GeminiAPIKey)
	}

	return saveOCRDataResponse{Success: true, Record: rec}, nil
}

// patchTitleLater runs outside the save request. It deliberately does not
// reuse the save-time collection snapshot: PatchTitle re-reads and drops the
// patch when the record has vanished.
func (c *Coordinator) patchTitleLater(id, text, apiKey string) {
	ctx := context.Background()

	generated, err := c.titles.Generate(ctx, apiKey, text)
	if err != nil {
		c.log.Warn("title generation failed", map[string]interface{}{
			"recordId": id,
			"error":    err.Error(),
		})
		return
	}

	patched, err := c.repo.PatchTitle(ctx, id, generated)
	if err != nil {
		c.log.Warn("title patch failed", map[string]interface{}{
			"recordId": id,
			"error":    err.Error(),
		})
		return
	}
	if !patched {
		c.log.Debug("record deleted before title patch", map[string]interface{}{
			"recordId": id,
		})
	}
}

type generateTitleRequest struct {
	Text string `json:"text"`
}

type generateTitleResponse struct {
	Success bool   `json:"success"`
	Title   string `json:"title"`
}

func (c *Coordinator) generateTitle(ctx context.Context, msg []byte) (interface{}, error) {
	var req generateTitleRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return nil, fmt.Errorf("malformed generateTitle request: %w", err)
	}
	generated, err := c.titles.Generate(ctx, c.settings.Snapshot().GeminiAPIKey, req.Text)
	if err != nil {
		return nil, err
	}
	return generateTitleResponse{Success: true, Title: generated}, nil
}

type setAPIKeyRequest struct {
	APIKey string `json:"apiKey"`
}

func (c *Coordinator) setAPIKey(ctx context.Context, msg []byte) (interface{}, error) {
	var req setAPIKeyRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return nil, fmt.Errorf("malformed setApiKey request: %w", err)
	}
	if err := c.settings.SetAPIKey(ctx, req.APIKey); err != nil {
		return nil, err
	}
	return successResponse{Success: true}, nil
}

type setGeminiAPIKeyRequest struct {
	GeminiAPIKey string `json:"geminiApiKey"`
}

func (c *Coordinator) setGeminiAPIKey(ctx context.Context, msg []byte) (interface{}, error) {
	var req setGeminiAPIKeyRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return nil, fmt.Errorf("malformed setGeminiApiKey request: %w", err)
	}
	if err := c.settings.SetGeminiAPIKey(ctx, req.GeminiAPIKey); err != nil {
		return nil, err
	}
	return successResponse{Success: true}, nil
}

type setAutoGenerateTitlesRequest struct {
	AutoGenerateTitles bool `json:"autoGenerateTitles"`
}

func (c *Coordinator) setAutoGenerateTitles(ctx context.Context, msg []byte) (interface{}, error) {
	var req setAutoGenerateTitlesRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return nil, fmt.Errorf("malformed setAutoGenerateTitles request: %w", err)
	}
	if err := c.settings.SetAutoGenerateTitles(ctx, req.AutoGenerateTitles); err != nil {
		return nil, err
	}
	return successResponse{Success: true}, nil
}

func (c *Coordinator) errorReply(err error) []byte {
	reply, marshalErr := json.Marshal(errorResponse{Success: false, Error: err.Error()})
	if marshalErr != nil {
		return []byte(`{"success":false,"error":"internal error"}`)
	}
	return reply
}

// validateImagePayload checks a base64 image payload decodes and carries an
// image media type. Empty payloads are allowed: a record may be saved without
// its source image.
func validateImagePayload(data string) error {
	if data == "" {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("image data is not valid base64: %w", err)
	}
	if mt := mimetype.Detect(decoded); !strings.HasPrefix(mt.String(), "image/") {
		return fmt.Errorf("image data has unexpected type %s", mt.String())
	}
	return nil
}
