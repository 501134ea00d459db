package dashscope

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/stenobot/steno/pkg/provider/asr"
)

var _ asr.Transcriber = (*Client)(nil)

// transcriptionRequest is the asynchronous file-transcription request body.
type transcriptionRequest struct {
	Model string `json:"model"`
	Input struct {
		FileURLs []string `json:"file_urls"`
	} `json:"input"`
	Parameters struct {
		LanguageHints      []string `json:"language_hints,omitempty"`
		DiarizationEnabled bool     `json:"diarization_enabled,omitempty"`
		SpeakerCount       int      `json:"speaker_count,omitempty"`
		TimestampAlignment bool     `json:"timestamp_alignment_enabled,omitempty"`
	} `json:"parameters"`
}

// taskResponse is the shared envelope of submit and poll responses.
type taskResponse struct {
	Output struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		Results    []struct {
			FileURL          string `json:"file_url"`
			TranscriptionURL string `json:"transcription_url"`
			SubtaskStatus    string `json:"subtask_status"`
		} `json:"results"`
		Message string `json:"message"`
	} `json:"output"`
	RequestID string `json:"request_id"`
}

// Submit implements asr.Transcriber.
func (c *Client) Submit(ctx context.Context, cfg asr.TaskConfig) (string, error) {
	if cfg.FileURL == "" {
		return "", fmt.Errorf("dashscope: FileURL must not be empty")
	}

	req := transcriptionRequest{Model: cfg.Model}
	if req.Model == "" {
		req.Model = DefaultTranscriptionModel
	}
	req.Input.FileURLs = []string{cfg.FileURL}
	if cfg.Language != "" {
		req.Parameters.LanguageHints = []string{cfg.Language}
	}
	if cfg.Diarization {
		req.Parameters.DiarizationEnabled = true
		req.Parameters.TimestampAlignment = true
		if cfg.SpeakerCount > 0 {
			req.Parameters.SpeakerCount = cfg.SpeakerCount
		}
	}

	var resp taskResponse
	url := c.baseURL + "/api/v1/services/audio/asr/transcription"
	if err := c.doJSON(ctx, "POST", url, req, true, &resp); err != nil {
		return "", err
	}
	if resp.Output.TaskID == "" {
		return "", fmt.Errorf("dashscope: submit returned no task id (request_id=%s)", resp.RequestID)
	}
	return resp.Output.TaskID, nil
}

// Poll implements asr.Transcriber.
func (c *Client) Poll(ctx context.Context, taskID string) (asr.TaskStatus, error) {
	var resp taskResponse
	url := c.baseURL + "/api/v1/tasks/" + taskID
	if err := c.doJSON(ctx, "GET", url, nil, false, &resp); err != nil {
		return asr.TaskStatus{}, err
	}

	st := asr.TaskStatus{State: asr.TaskState(resp.Output.TaskStatus), Message: resp.Output.Message}
	if st.State == asr.TaskSucceeded && len(resp.Output.Results) > 0 {
		st.ResultURL = resp.Output.Results[0].TranscriptionURL
	}
	return st, nil
}

// resultDocument is the transcription result JSON the ResultURL points at.
type resultDocument struct {
	Transcripts []struct {
		ContentDurationMS int64 `json:"content_duration_in_milliseconds"`
		Sentences         []struct {
			Text      string `json:"text"`
			BeginTime int64  `json:"begin_time"`
			EndTime   int64  `json:"end_time"`
			SpeakerID *int   `json:"speaker_id,omitempty"`
			Words     []struct {
				Text        string `json:"text"`
				Punctuation string `json:"punctuation"`
				BeginTime   int64  `json:"begin_time"`
				EndTime     int64  `json:"end_time"`
			} `json:"words,omitempty"`
		} `json:"sentences"`
	} `json:"transcripts"`
}

// Fetch implements asr.Transcriber. The result URL is a plain signed GET,
// not an API call, so no auth header is attached.
func (c *Client) Fetch(ctx context.Context, resultURL string) (*asr.Transcription, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", resultURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dashscope: build fetch request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dashscope: fetch result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dashscope: fetch result: http %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dashscope: read result: %w", err)
	}

	var doc resultDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("dashscope: decode result: %w", err)
	}
	if len(doc.Transcripts) == 0 {
		return &asr.Transcription{}, nil
	}

	tr := doc.Transcripts[0]
	out := &asr.Transcription{DurationMS: tr.ContentDurationMS}
	for _, s := range tr.Sentences {
		sent := asr.Sentence{
			Text:      s.Text,
			BeginMS:   s.BeginTime,
			EndMS:     s.EndTime,
			SpeakerID: s.SpeakerID,
		}
		for _, w := range s.Words {
			sent.Words = append(sent.Words, asr.Word{
				Text:        w.Text,
				Punctuation: w.Punctuation,
				BeginMS:     w.BeginTime,
				EndMS:       w.EndTime,
			})
		}
		out.Sentences = append(out.Sentences, sent)
	}
	return out, nil
}
