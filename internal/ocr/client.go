// Package ocr provides the client for the Mistral document-understanding
// service used to extract text from captured screenshot regions.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultModel = "mistral-ocr-latest"

// NoTextPlaceholder is returned when the service responds successfully but
// no text could be extracted. An empty or unrecognized payload is not an
// error.
const NoTextPlaceholder = "No text extracted"

// ErrNoAPIKey is returned before any network call when no credential is
// configured.
var ErrNoAPIKey = errors.New("OCR API key not set")

// transparentPixelPNG is a 1x1 PNG used by connection probes.
const transparentPixelPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNk+P+/HgAFeAJ5jYI7iwAAAABJRU5ErkJggg=="

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// WithModel overrides the OCR model name.
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// Client calls the OCR endpoint. The credential is supplied per call so the
// coordinator can always use the currently stored key.
type Client struct {
	baseURL string
	client  *http.Client
	model   string
}

// NewClient creates an OCR client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: "https://api.mistral.ai",
		client:  &http.Client{Timeout: 60 * time.Second},
		model:   defaultModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Result is a parsed OCR response.
type Result struct {
	Text string          `json:"text"`
	Raw  json.RawMessage `json:"rawResponse,omitempty"`
}

type ocrRequest struct {
	Model    string      `json:"model"`
	Document ocrDocument `json:"document"`
}

type ocrDocument struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url"`
}

type ocrResponse struct {
	Text  string `json:"text"`
	Pages []struct {
		Markdown string `json:"markdown"`
		Text     string `json:"text"`
	} `json:"pages"`
}

type ocrErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Process sends a base64-encoded JPEG to the OCR endpoint and returns the
// extracted text. Text may arrive as a single field or as per-page objects;
// pages are joined with a blank line, preferring each page's markdown over
// its plain text.
func (c *Client) Process(ctx context.Context, apiKey, imageData string) (*Result, error) {
	return c.process(ctx, apiKey, "data:image/jpeg;base64,"+imageData)
}

func (c *Client) process(ctx context.Context, apiKey, dataURL string) (*Result, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}

	reqBody := ocrRequest{
		Model:    c.model,
		Document: ocrDocument{Type: "image_url", ImageURL: dataURL},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to encode OCR request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ocr", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OCR request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read OCR response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.New(errorMessage(resp, raw))
	}

	var parsed ocrResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Unrecognized payload degrades to the placeholder, not a failure.
		return &Result{Text: NoTextPlaceholder, Raw: json.RawMessage(raw)}, nil
	}

	return &Result{Text: extractText(&parsed), Raw: json.RawMessage(raw)}, nil
}

// TestConnection sends a minimal probe (a 1x1 placeholder image) and reports
// whether the credential works. An empty credential fails without any
// network call.
func (c *Client) TestConnection(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return ErrNoAPIKey
	}
	_, err := c.process(ctx, apiKey, "data:image/png;base64,"+transparentPixelPNG)
	return err
}

// errorMessage extracts the most human-readable message available from a
// non-success response: the structured error body when present, else the
// status line.
func errorMessage(resp *http.Response, raw []byte) string {
	fallback := fmt.Sprintf("OCR API error: HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))

	var errBody ocrErrorResponse
	if err := json.Unmarshal(raw, &errBody); err != nil {
		return fallback
	}
	if errBody.Error.Message != "" {
		return "OCR API error: " + errBody.Error.Message
	}
	if errBody.Error.Type != "" {
		return "OCR API error: " + errBody.Error.Type
	}
	return fallback
}

// extractText flattens the response into one string.
func extractText(resp *ocrResponse) string {
	if resp.Text != "" {
		return resp.Text
	}

	var parts []string
	for _, page := range resp.Pages {
		switch {
		case page.Markdown != "":
			parts = append(parts, page.Markdown)
		case page.Text != "":
			parts = append(parts, page.Text)
		default:
			parts = append(parts, "")
		}
	}

	joined := strings.Join(parts, "\n\n")
	if strings.TrimSpace(joined) == "" {
		return NoTextPlaceholder
	}
	return joined
}
