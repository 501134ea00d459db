package dashscope

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/stenobot/steno/pkg/provider/asr"
)

var _ asr.Recognizer = (*Client)(nil)

// recognitionRequest is the synchronous recognition request body.
type recognitionRequest struct {
	Model string `json:"model"`
	Input struct {
		Audio  string `json:"audio"`
		Format string `json:"format"`
	} `json:"input"`
	Parameters struct {
		LanguageHints []string `json:"language_hints,omitempty"`
		SampleRate    int      `json:"sample_rate,omitempty"`
	} `json:"parameters"`
}

// recognitionResponse is the synchronous recognition response body.
type recognitionResponse struct {
	Output struct {
		Text     string `json:"text"`
		Sentence struct {
			Text string `json:"text"`
		} `json:"sentence"`
	} `json:"output"`
	RequestID string `json:"request_id"`
}

// Recognize implements asr.Recognizer: one synchronous call with the audio
// bytes inlined as base64 MP3.
func (c *Client) Recognize(ctx context.Context, audio []byte, language string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("dashscope: empty audio")
	}

	req := recognitionRequest{Model: c.recognitionModel}
	req.Input.Audio = base64.StdEncoding.EncodeToString(audio)
	req.Input.Format = "mp3"
	if language != "" {
		req.Parameters.LanguageHints = []string{language}
	}

	var resp recognitionResponse
	url := c.baseURL + "/api/v1/services/audio/asr/recognition"
	if err := c.doJSON(ctx, "POST", url, req, false, &resp); err != nil {
		return "", err
	}

	text := resp.Output.Text
	if text == "" {
		text = resp.Output.Sentence.Text
	}
	return strings.TrimSpace(text), nil
}
