// Package elevenlabs implements tts.Synthesizer on the ElevenLabs streaming
// HTTP API. Responses are chunked MP3.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModel   = "eleven_turbo_v2_5"
)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithModel sets the ElevenLabs model ID.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithBaseURL overrides the API base URL. Used in tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithStreamingLatency sets the optimize_streaming_latency level (0-4).
// Higher levels trade quality for time-to-first-byte.
func WithStreamingLatency(level int) Option {
	return func(c *Client) { c.latency = level }
}

// Client implements tts.Synthesizer backed by the ElevenLabs streaming API.
type Client struct {
	apiKey  string
	voiceID string
	model   string
	baseURL string
	latency int
	http    *http.Client
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type synthesizeRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// New creates a Client. apiKey and voiceID must be non-empty.
func New(apiKey, voiceID string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voiceID must not be empty")
	}
	c := &Client{
		apiKey:  apiKey,
		voiceID: voiceID,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		latency: 3,
		http:    &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Synthesize requests streamed MP3 for the given text. The caller must close
// the returned reader; closing aborts any remaining transfer.
func (c *Client) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	if text == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}

	endpoint, err := c.streamURL()
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build URL: %w", err)
	}

	body, err := json.Marshal(synthesizeRequest{
		Text:    text,
		ModelID: c.model,
		VoiceSettings: voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("elevenlabs: synthesize: status %d: %s", resp.StatusCode, msg)
	}
	return resp.Body, nil
}

func (c *Client) streamURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	u = u.JoinPath("v1", "text-to-speech", c.voiceID, "stream")
	q := u.Query()
	q.Set("optimize_streaming_latency", strconv.Itoa(c.latency))
	q.Set("output_format", "mp3_22050_32")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
