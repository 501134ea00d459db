// Package qwen provides an LLM provider backed by the DashScope
// text-generation REST API (Qwen model family).
//
// The response body nests the generated text at a path that has changed
// between API revisions; three shapes are observed in the wild and all are
// tolerated: output.text, output.choices[0].message.content as a string, and
// output.choices[0].message.content as a list of {"text": ...} parts.
package qwen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stenobot/steno/pkg/provider/llm"
)

const (
	// DefaultBaseURL is the DashScope HTTP API endpoint.
	DefaultBaseURL = "https://dashscope.aliyuncs.com"

	// DefaultModel is used when no model is configured.
	DefaultModel = "qwen-plus"

	generationPath = "/api/v1/services/aigc/text-generation/generation"
)

// Provider implements llm.Provider against the DashScope generation API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) { p.httpClient = hc }
}

// New constructs a Qwen provider. apiKey must be non-empty; an empty model
// falls back to [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("qwen: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

var _ llm.Provider = (*Provider)(nil)

// generationRequest is the text-generation request body.
type generationRequest struct {
	Model string `json:"model"`
	Input struct {
		Prompt string `json:"prompt"`
	} `json:"input"`
	Parameters struct {
		Temperature  float64 `json:"temperature,omitempty"`
		MaxTokens    int     `json:"max_tokens,omitempty"`
		ResultFormat string  `json:"result_format,omitempty"`
	} `json:"parameters"`
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (string, error) {
	body := generationRequest{Model: p.model}
	body.Input.Prompt = req.Prompt
	body.Parameters.Temperature = req.Temperature
	body.Parameters.MaxTokens = req.MaxTokens

	buf, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("qwen: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+generationPath, bytes.NewReader(buf))
	if err != nil {
		return "", fmt.Errorf("qwen: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("qwen: request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("qwen: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("qwen: http %d: %s", resp.StatusCode, truncate(string(payload), 200))
	}

	text, err := extractText(payload)
	if err != nil {
		return "", fmt.Errorf("qwen: %w", err)
	}
	return text, nil
}

// extractText pulls the generated text out of any of the three observed
// response shapes.
func extractText(payload []byte) (string, error) {
	var resp struct {
		Output struct {
			Text    string `json:"text"`
			Choices []struct {
				Message struct {
					Content json.RawMessage `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"output"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	// Shape 1: output.text
	if resp.Output.Text != "" {
		return resp.Output.Text, nil
	}

	if len(resp.Output.Choices) == 0 {
		return "", fmt.Errorf("no text in response")
	}
	content := resp.Output.Choices[0].Message.Content

	// Shape 2: content is a plain string.
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s, nil
	}

	// Shape 3: content is a list of {"text": ...} parts.
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &parts); err == nil {
		var b strings.Builder
		for _, part := range parts {
			b.WriteString(part.Text)
		}
		if b.Len() > 0 {
			return b.String(), nil
		}
	}

	return "", fmt.Errorf("unrecognised response content shape")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
