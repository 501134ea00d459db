// Package telegram is a minimal client for the Telegram Bot HTTP API,
// covering exactly the surface the bot consumes: sending, editing and
// deleting messages, document upload, invoices, chat actions, and file
// download.
//
// All methods are plain JSON POSTs except SendDocument (multipart) and
// Download (GET against the file endpoint). Per-call timeouts follow the
// call class: 30 s for API calls, 60 s for downloads, 2 s for the
// fire-and-forget chat action.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultAPIBase is the production Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

const (
	apiTimeout      = 30 * time.Second
	downloadTimeout = 60 * time.Second
	actionTimeout   = 2 * time.Second
)

// Client is a Telegram Bot API client. It is safe for concurrent use.
type Client struct {
	token   string
	apiBase string

	httpClient     *http.Client
	downloadClient *http.Client
	actionClient   *http.Client
}

// Option is a functional option for Client.
type Option func(*Client)

// WithAPIBase overrides the API endpoint (e.g. a local Bot API server or a
// test server).
func WithAPIBase(base string) Option {
	return func(c *Client) { c.apiBase = base }
}

// WithHTTPClient replaces all three internal HTTP clients. Mostly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
		c.downloadClient = hc
		c.actionClient = hc
	}
}

// NewClient creates a Bot API client. token must be non-empty.
func NewClient(token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: token must not be empty")
	}
	c := &Client{
		token:          token,
		apiBase:        DefaultAPIBase,
		httpClient:     &http.Client{Timeout: apiTimeout},
		downloadClient: &http.Client{Timeout: downloadTimeout},
		actionClient:   &http.Client{Timeout: actionTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// APIError is a non-ok Bot API response.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s: %d %s", e.Method, e.Code, e.Description)
}

// apiResponse is the envelope of every Bot API response.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// call performs a JSON POST of payload to the named Bot API method and
// decodes the result into out (which may be nil).
func (c *Client) call(ctx context.Context, hc *http.Client, method string, payload any, out any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: %s: marshal: %w", method, err)
	}

	url := c.apiBase + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("telegram: %s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	return decodeResponse(method, resp.Body, out)
}

// decodeResponse decodes a Bot API envelope and unwraps the result.
func decodeResponse(method string, body io.Reader, out any) error {
	var env apiResponse
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		return fmt.Errorf("telegram: %s: decode: %w", method, err)
	}
	if !env.OK {
		return &APIError{Method: method, Code: env.ErrorCode, Description: env.Description}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("telegram: %s: decode result: %w", method, err)
		}
	}
	return nil
}
