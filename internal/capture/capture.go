// Package capture drives the interactive region-selection flow in the page
// context: overlay, drag selection, crop, preview, OCR submission, and the
// result view. The session is an explicit state machine; every external
// trigger checks the current state first, so stray events (a second Start, a
// duplicate Save, a pointer release with no drag) are ignored instead of
// corrupting the flow.
package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/devils-eye/screenshot-ocr/internal/logging"
	"github.com/devils-eye/screenshot-ocr/internal/models"
)

// MinSelectionSize is the smallest accepted selection edge in CSS pixels.
// Smaller drags are treated as accidental clicks and discarded silently.
const MinSelectionSize = 10

// errorDismissDelay is how long an error view stays up before the session
// tears itself down.
var errorDismissDelay = 3 * time.Second

// jpegQuality for the cropped region re-encode.
const jpegQuality = 95

// State is the session's position in the capture flow.
type State int

const (
	StateIdle State = iota
	StateSelecting
	StatePreviewing
	StateSubmitting
	StateResulting
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSelecting:
		return "selecting"
	case StatePreviewing:
		return "previewing"
	case StateSubmitting:
		return "submitting"
	case StateResulting:
		return "resulting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Rect is a selection rectangle in CSS pixels.
type Rect struct {
	X, Y          float64
	Width, Height float64
}

// UI renders the session's views. Teardown must be safe to call repeatedly.
type UI interface {
	ShowOverlay()
	UpdateSelection(r Rect)
	ShowPreview(imageData string)
	ShowProgress()
	ShowResult(text string)
	ShowCopied()
	ShowError(message string)
	Teardown()
}

// Backend is the session's channel to the coordinator.
type Backend interface {
	CaptureVisibleTab(ctx context.Context) (string, error)
	ProcessOCR(ctx context.Context, imageData string) (string, error)
	SaveOCRData(ctx context.Context, text, imageData string, meta models.Metadata) error
}

// Session is one capture flow. A session is reusable: teardown returns it to
// Idle and a later Start begins a fresh flow.
type Session struct {
	ui      UI
	backend Backend
	log     *logging.Logger
	dpr     float64

	mu          sync.Mutex
	state       State
	origin      Rect
	selection   Rect
	imageData   string
	text        string
	meta        models.Metadata
	savePending bool
	copied      bool
	errTimer    *time.Timer
}

// NewSession creates a session. dpr is the page's device pixel ratio; values
// at or below zero fall back to 1.
func NewSession(ui UI, backend Backend, log *logging.Logger, dpr float64) *Session {
	if dpr <= 0 {
		dpr = 1
	}
	return &Session{ui: ui, backend: backend, log: log, dpr: dpr}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins a selection. A session that is already mid-flow ignores the
// trigger.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		s.log.Debug("capture start ignored", map[string]interface{}{"state": s.state.String()})
		return
	}
	s.state = StateSelecting
	s.ui.ShowOverlay()
}

// PointerDown anchors the selection origin.
func (s *Session) PointerDown(x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSelecting {
		return
	}
	s.origin = Rect{X: x, Y: y}
	s.selection = Rect{X: x, Y: y}
	s.ui.UpdateSelection(s.selection)
}

// PointerMove grows the selection toward the pointer. Dragging up or left is
// normalized so the rectangle always has positive extent.
func (s *Session) PointerMove(x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSelecting {
		return
	}
	s.selection = normalize(s.origin.X, s.origin.Y, x, y)
	s.ui.UpdateSelection(s.selection)
}

// PointerUp finishes the drag. Selections under the minimum size are
// discarded without any feedback; otherwise the visible tab is rastered,
// the region cropped, and the preview shown.
func (s *Session) PointerUp(ctx context.Context, x, y float64) {
	s.mu.Lock()
	if s.state != StateSelecting {
		s.mu.Unlock()
		return
	}
	sel := normalize(s.origin.X, s.origin.Y, x, y)
	if sel.Width < MinSelectionSize || sel.Height < MinSelectionSize {
		s.log.Debug("selection below minimum size, discarding", map[string]interface{}{
			"width":  sel.Width,
			"height": sel.Height,
		})
		s.teardownLocked()
		s.mu.Unlock()
		return
	}
	s.selection = sel
	s.mu.Unlock()

	dataURL, err := s.backend.CaptureVisibleTab(ctx)
	if err != nil {
		s.fail(fmt.Sprintf("Failed to capture screenshot: %v", err))
		return
	}
	cropped, err := cropDataURL(dataURL, sel, s.dpr)
	if err != nil {
		s.fail(fmt.Sprintf("Failed to process screenshot: %v", err))
		return
	}

	s.mu.Lock()
	if s.state != StateSelecting {
		// Cancelled while the raster was in flight.
		s.mu.Unlock()
		return
	}
	s.imageData = cropped
	s.meta = models.Metadata{
		Width:     int(sel.Width + 0.5),
		Height:    int(sel.Height + 0.5),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	s.state = StatePreviewing
	s.ui.ShowPreview(cropped)
	s.mu.Unlock()
}

// Accept submits the previewed region for OCR.
func (s *Session) Accept(ctx context.Context) {
	s.mu.Lock()
	if s.state != StatePreviewing {
		s.mu.Unlock()
		return
	}
	s.state = StateSubmitting
	imageData := s.imageData
	s.ui.ShowProgress()
	s.mu.Unlock()

	text, err := s.backend.ProcessOCR(ctx, imageData)
	if err != nil {
		s.fail(fmt.Sprintf("OCR failed: %v", err))
		return
	}

	s.mu.Lock()
	if s.state != StateSubmitting {
		s.mu.Unlock()
		return
	}
	s.text = text
	s.state = StateResulting
	s.ui.ShowResult(text)
	s.mu.Unlock()
}

// Reject discards the preview and tears the session down. A rejected
// preview ends the flow; starting over takes a fresh capture trigger.
func (s *Session) Reject() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePreviewing {
		return
	}
	s.teardownLocked()
}

// Save persists the result. Result actions are disabled while a save is
// pending; a second Save is rejected by the pending flag, not queued.
func (s *Session) Save(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateResulting || s.savePending {
		s.mu.Unlock()
		return
	}
	s.savePending = true
	text, imageData, meta := s.text, s.imageData, s.meta
	s.mu.Unlock()

	err := s.backend.SaveOCRData(ctx, text, imageData, meta)

	s.mu.Lock()
	s.savePending = false
	if s.state != StateResulting {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.fail(fmt.Sprintf("Failed to save: %v", err))
		return
	}
	s.teardownLocked()
	s.mu.Unlock()
}

// Copy hands the extracted text to the caller for the clipboard and records
// the acknowledgment. The session stays in the result view.
func (s *Session) Copy() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateResulting || s.savePending {
		return "", false
	}
	s.copied = true
	s.ui.ShowCopied()
	return s.text, true
}

// Copied reports whether the result text was copied during this flow.
func (s *Session) Copied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copied
}

// Close dismisses the result view.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateResulting || s.savePending {
		return
	}
	s.teardownLocked()
}

// Cancel tears the session down from any state (the Escape path).
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		return
	}
	s.teardownLocked()
}

// fail shows the error view and arms the auto-dismiss timer.
func (s *Session) fail(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		return
	}
	s.log.Warn("capture flow failed", map[string]interface{}{"message": message})
	s.state = StateError
	s.ui.ShowError(message)
	s.errTimer = time.AfterFunc(errorDismissDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateError {
			s.teardownLocked()
		}
	})
}

// teardownLocked resets the session to Idle. Callers hold the mutex.
func (s *Session) teardownLocked() {
	if s.errTimer != nil {
		s.errTimer.Stop()
		s.errTimer = nil
	}
	s.state = StateIdle
	s.origin = Rect{}
	s.selection = Rect{}
	s.imageData = ""
	s.text = ""
	s.meta = models.Metadata{}
	s.savePending = false
	s.copied = false
	s.ui.Teardown()
}

func normalize(x0, y0, x1, y1 float64) Rect {
	r := Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
	if r.Width < 0 {
		r.X, r.Width = x1, -r.Width
	}
	if r.Height < 0 {
		r.Y, r.Height = y1, -r.Height
	}
	return r
}

// cropDataURL decodes a full-tab raster, maps the CSS-pixel selection
// through the device pixel ratio, clamps it to the raster bounds, and
// returns the region re-encoded as base64 JPEG.
func cropDataURL(dataURL string, sel Rect, dpr float64) (string, error) {
	raw, err := decodeDataURL(dataURL)
	if err != nil {
		return "", err
	}
	if mt := mimetype.Detect(raw); !strings.HasPrefix(mt.String(), "image/") {
		return "", fmt.Errorf("raster has unexpected type %s", mt.String())
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to decode raster: %w", err)
	}

	crop := image.Rect(
		int(sel.X*dpr+0.5),
		int(sel.Y*dpr+0.5),
		int((sel.X+sel.Width)*dpr+0.5),
		int((sel.Y+sel.Height)*dpr+0.5),
	).Intersect(img.Bounds())
	if crop.Empty() {
		return "", fmt.Errorf("selection is outside the raster bounds")
	}

	region := imaging.Crop(img, crop)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, region, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return "", fmt.Errorf("failed to encode region: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeDataURL(dataURL string) ([]byte, error) {
	idx := strings.Index(dataURL, "base64,")
	if !strings.HasPrefix(dataURL, "data:") || idx < 0 {
		return nil, fmt.Errorf("raster is not a base64 data URL")
	}
	raw, err := base64.StdEncoding.DecodeString(dataURL[idx+len("base64,"):])
	if err != nil {
		return nil, fmt.Errorf("raster payload is not valid base64: %w", err)
	}
	return raw, nil
}
