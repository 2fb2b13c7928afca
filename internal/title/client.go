// Package title provides the client for the Gemini text-generation service
// used to produce short titles for extracted text. Title generation is
// decorative: parse failures and empty responses degrade to the default
// title instead of propagating errors.
package title

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

	"github.com/devils-eye/screenshot-ocr/internal/textutil"
)

const (
	defaultModel = "gemini-2.0-flash"

	// DefaultTitle mirrors the record default so degraded generation is
	// indistinguishable from no generation.
	DefaultTitle = "Untitled Screenshot"

	// promptTextLimit bounds the request size.
	promptTextLimit = 1500
)

const promptInstruction = "Generate a concise, descriptive title (maximum 50 characters) " +
	"for the following extracted text from a screenshot. " +
	"Only respond with the title, nothing else:\n\n"

const probePrompt = "Hello, please respond with the word 'Connected' if you can read this message."

// ErrNoAPIKey is returned before any network call when no credential is
// configured.
var ErrNoAPIKey = errors.New("Gemini API key not set")

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

// WithModel overrides the generation model name.
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// Client calls the title-generation endpoint.
type Client struct {
	baseURL string
	client  *http.Client
	model   string
}

// NewClient creates a title client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: "https://generativelanguage.googleapis.com",
		client:  &http.Client{Timeout: 60 * time.Second},
		model:   defaultModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type generateRequest struct {
	Model    string    `json:"model"`
	Contents []content `json:"contents"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate produces a title for the extracted text. Empty or whitespace-only
// text returns the default title without issuing a request; a missing
// credential is an error caught before any network call; response-shape
// surprises degrade to the default title.
func (c *Client) Generate(ctx context.Context, apiKey, extractedText string) (string, error) {
	if apiKey == "" {
		return "", ErrNoAPIKey
	}
	if strings.TrimSpace(extractedText) == "" {
		return DefaultTitle, nil
	}

	prompt := promptInstruction + textutil.Truncate(extractedText, promptTextLimit)

	resp, err := c.generate(ctx, apiKey, prompt)
	if err != nil {
		return "", err
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return DefaultTitle, nil
	}
	title := strings.TrimSpace(resp.Candidates[0].Content.Parts[0].Text)
	if title == "" {
		return DefaultTitle, nil
	}
	return title, nil
}

// TestConnection sends a short fixed prompt and reports whether the
// credential works. An empty credential fails without any network call.
func (c *Client) TestConnection(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return ErrNoAPIKey
	}
	_, err := c.generate(ctx, apiKey, probePrompt)
	return err
}

func (c *Client) generate(ctx context.Context, apiKey, prompt string) (*generateResponse, error) {
	reqBody := generateRequest{
		Model: c.model,
		Contents: []content{
			{Role: "user", Parts: []part{{Text: prompt}}},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to encode title request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("title request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read title response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody apiErrorResponse
		if json.Unmarshal(raw, &errBody) == nil && errBody.Error.Message != "" {
			return nil, errors.New("title API error: " + errBody.Error.Message)
		}
		return nil, fmt.Errorf("title API error: HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Unparseable success bodies degrade downstream to the default.
		return &generateResponse{}, nil
	}
	return &parsed, nil
}
