// Package deepgram provides a Deepgram-backed diarizer using the prerecorded
// transcription API with speaker diarization enabled. It implements the
// asr.Diarizer interface and is used as an alternate to the two-pass speaker
// pipeline.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/stenobot/steno/pkg/provider/asr"
)

const (
	listenEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel   = "nova-2"

	// requestTimeout bounds one prerecorded transcription call. Deepgram
	// processes hour-long files in well under a minute.
	requestTimeout = 4 * time.Minute
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model (e.g. "nova-2", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.hc = hc
	}
}

// WithEndpoint overrides the API endpoint (tests).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements asr.Diarizer backed by the Deepgram prerecorded API.
type Provider struct {
	apiKey   string
	model    string
	endpoint string
	hc       *http.Client
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: listenEndpoint,
		hc:       &http.Client{Timeout: requestTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type listenResponse struct {
	Results struct {
		Utterances []struct {
			Start      float64 `json:"start"`
			End        float64 `json:"end"`
			Speaker    int     `json:"speaker"`
			Transcript string  `json:"transcript"`
		} `json:"utterances"`
	} `json:"results"`
}

// Diarize transcribes the remote file with speaker labels. The provider
// fetches fileURL itself, so the URL must be reachable from Deepgram's side
// (a signed object-store URL).
func (p *Provider) Diarize(ctx context.Context, fileURL string, language string) ([]asr.Segment, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("deepgram: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", language)
	q.Set("punctuate", "true")
	q.Set("diarize", "true")
	q.Set("utterances", "true")
	u.RawQuery = q.Encode()

	body, err := json.Marshal(map[string]string{"url": fileURL})
	if err != nil {
		return nil, fmt.Errorf("deepgram: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: listen: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("deepgram: listen: status %d: %s", resp.StatusCode, msg)
	}

	var lr listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("deepgram: decode response: %w", err)
	}

	segs := make([]asr.Segment, 0, len(lr.Results.Utterances))
	for _, ut := range lr.Results.Utterances {
		if ut.Transcript == "" {
			continue
		}
		segs = append(segs, asr.Segment{
			Speaker: ut.Speaker,
			Text:    ut.Transcript,
			BeginMS: int64(ut.Start * 1000),
			EndMS:   int64(ut.End * 1000),
		})
	}
	return segs, nil
}
