package upstream

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

	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/rs/zerolog"
)

// ErrRequestFailed marks a network-level failure where no upstream response
// was received at all.
var ErrRequestFailed = errors.New("upstream request failed")

// RejectedError is a non-2xx upstream response, carrying the status code and
// the response body text.
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Status, e.Body)
}

// realtimeModel replaces TTS-only models on the Responses endpoint, which
// rejects them.
const realtimeModel = "gpt-4o-realtime-preview"

// Client issues synthesis requests against the OpenAI HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates an upstream client rooted at baseURL
// (e.g. "https://api.openai.com/v1").
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logger.With().Str("component", "upstream").Logger(),
	}
}

// speechBody is the JSON payload for POST /audio/speech.
type speechBody struct {
	Model        string `json:"model"`
	Input        string `json:"input"`
	Voice        string `json:"voice"`
	Format       string `json:"format"`
	Instructions string `json:"instructions,omitempty"`
}

// responsesBody is the JSON payload for POST /responses with audio output.
type responsesBody struct {
	Model      string         `json:"model"`
	Modalities []string       `json:"modalities"`
	Audio      responsesAudio `json:"audio"`
	Input      string         `json:"input"`
	Stream     bool           `json:"stream"`
}

type responsesAudio struct {
	Voice  string `json:"voice"`
	Format string `json:"format"`
}

// Speech issues a streaming POST /audio/speech request. On success the raw
// *http.Response is returned with its body unread; the caller owns closing
// it. A non-2xx status is drained, closed and returned as *RejectedError.
func (c *Client) Speech(ctx context.Context, req Request) (*http.Response, error) {
	body := speechBody{
		Model:        req.Model,
		Input:        req.Text,
		Voice:        req.Voice,
		Format:       string(req.Format),
		Instructions: strings.TrimSpace(req.Instructions),
	}
	return c.post(ctx, "/audio/speech", req.APIKey, req.Format.ContentType(), body)
}

// Responses issues a streaming POST /responses request whose body is an
// SSE-framed JSON protocol. Models containing "tts" are rewritten to a
// realtime model since the Responses endpoint rejects TTS-only models.
func (c *Client) Responses(ctx context.Context, req Request) (*http.Response, error) {
	model := req.Model
	if strings.Contains(model, "tts") {
		model = realtimeModel
	}
	body := responsesBody{
		Model:      model,
		Modalities: []string{"text", "audio"},
		Audio:      responsesAudio{Voice: req.Voice, Format: string(req.Format)},
		Input:      req.Text,
		Stream:     true,
	}
	return c.post(ctx, "/responses", req.APIKey, "text/event-stream", body)
}

func (c *Client) post(ctx context.Context, path, apiKey, accept string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		observability.RecordError("request_failed", "upstream")
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	observability.RecordUpstreamLatency(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		observability.RecordError("rejected", "upstream")
		c.logger.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("Upstream rejected synthesis request")
		return nil, &RejectedError{Status: resp.StatusCode, Body: string(text)}
	}

	return resp, nil
}
