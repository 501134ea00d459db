// Package dashscope implements the asr provider interfaces against the
// DashScope speech APIs: the synchronous recognition endpoint (inline base64
// audio) and the asynchronous file-transcription endpoint (submit, poll,
// fetch).
package dashscope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultBaseURL is the DashScope HTTP API endpoint.
	DefaultBaseURL = "https://dashscope.aliyuncs.com"

	// DefaultRecognitionModel handles synchronous short-audio recognition.
	DefaultRecognitionModel = "paraformer-realtime-v2"

	// DefaultTranscriptionModel is the higher-accuracy asynchronous model
	// used for the text pass.
	DefaultTranscriptionModel = "paraformer-v2"

	// DefaultDiarizationModel is the diarization-enabled asynchronous model
	// used for the speaker pass.
	DefaultDiarizationModel = "paraformer-8k-v2"
)

// Client talks to the DashScope speech APIs. It implements asr.Recognizer
// and asr.Transcriber.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	recognitionModel string
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (e.g. for the intl region or tests).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRecognitionModel overrides the synchronous recognition model.
func WithRecognitionModel(model string) Option {
	return func(c *Client) { c.recognitionModel = model }
}

// NewClient creates a DashScope speech client. apiKey must be non-empty.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("dashscope: apiKey must not be empty")
	}
	c := &Client{
		apiKey:           apiKey,
		baseURL:          DefaultBaseURL,
		httpClient:       &http.Client{Timeout: 60 * time.Second},
		recognitionModel: DefaultRecognitionModel,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// doJSON performs a JSON request against the API and decodes the response
// into out. Non-2xx responses are decoded into an *Error.
func (c *Client) doJSON(ctx context.Context, method, url string, body any, async bool, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("dashscope: marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("dashscope: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if async {
		req.Header.Set("X-DashScope-Async", "enable")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dashscope: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("dashscope: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{HTTPStatus: resp.StatusCode}
		if jsonErr := json.Unmarshal(payload, apiErr); jsonErr != nil || apiErr.Code == "" {
			apiErr.Code = "HTTPError"
			apiErr.Message = string(payload)
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("dashscope: decode response: %w", err)
		}
	}
	return nil
}
