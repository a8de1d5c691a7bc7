// Package carrier wraps the Telnyx Call Control REST API: call origination,
// answer, hangup, blind transfer, bidirectional media streaming, and the
// purchased-number inventory. The adapter is stateless apart from a short
// cache of the number inventory; per-call state lives with the caller.
package carrier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	defaultBaseURL = "https://api.telnyx.com/v2"

	// numberCacheTTL is how long a purchased-number listing is served from
	// cache before the API is consulted again.
	numberCacheTTL = 5 * time.Minute
)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithBaseURL overrides the Telnyx API base URL. Used by tests to point the
// client at an httptest server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client is a thin Telnyx Call Control API client.
type Client struct {
	apiKey       string
	connectionID string
	baseURL      string
	http         *http.Client

	numMu        sync.Mutex
	numCache     []PurchasedNumber
	numCachedAt  time.Time
}

// New creates a Telnyx client. apiKey and connectionID must be non-empty.
func New(apiKey, connectionID string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("carrier: apiKey must not be empty")
	}
	if connectionID == "" {
		return nil, errors.New("carrier: connectionID must not be empty")
	}
	c := &Client{
		apiKey:       apiKey,
		connectionID: connectionID,
		baseURL:      defaultBaseURL,
		http:         &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ClientState is the opaque blob set on origination and echoed back on every
// webhook for the call. It lets the webhook router associate events with a
// dialled lead before any other state exists.
type ClientState struct {
	LeadID     int64  `json:"lead_id"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	Phone      string `json:"phone"`
	FromDID    string `json:"from_did"`
	Timestamp  int64  `json:"timestamp"`
	IsTransfer bool   `json:"is_transfer,omitempty"`
}

// Encode serialises the state to the base-64 form Telnyx expects.
func (cs ClientState) Encode() string {
	b, _ := json.Marshal(cs)
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeClientState reverses ClientState.Encode. Returns an error for input
// that is not base-64 JSON.
func DecodeClientState(s string) (ClientState, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ClientState{}, fmt.Errorf("carrier: decode client_state: %w", err)
	}
	var cs ClientState
	if err := json.Unmarshal(b, &cs); err != nil {
		return ClientState{}, fmt.Errorf("carrier: parse client_state: %w", err)
	}
	return cs, nil
}

// ---- API payloads ----

type apiError struct {
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

type apiErrorBody struct {
	Errors []apiError `json:"errors"`
}

type createCallRequest struct {
	To           string `json:"to"`
	From         string `json:"from"`
	ConnectionID string `json:"connection_id"`
	ClientState  string `json:"client_state,omitempty"`
	// Answering machine detection lets the webhook router mark voicemail.
	AnsweringMachineDetection string `json:"answering_machine_detection,omitempty"`
}

type createCallResponse struct {
	Data struct {
		CallControlID string `json:"call_control_id"`
	} `json:"data"`
}

// CreateCall originates an outbound call and returns the carrier-assigned
// call control id. clientState is attached verbatim and echoed on webhooks.
//
// Failure classes: ErrChannelLimit, ErrUnverifiedNumber, ErrInvalidNumber
// (all non-retriable) or a wrapped transport/API error (retriable).
func (c *Client) CreateCall(ctx context.Context, to, from string, clientState ClientState) (string, error) {
	body := createCallRequest{
		To:                        NormalizeE164(to),
		From:                      NormalizeE164(from),
		ConnectionID:              c.connectionID,
		ClientState:               clientState.Encode(),
		AnsweringMachineDetection: "detect",
	}

	var resp createCallResponse
	if err := c.post(ctx, "/calls", body, &resp); err != nil {
		return "", fmt.Errorf("carrier: create call: %w", err)
	}
	if resp.Data.CallControlID == "" {
		return "", errors.New("carrier: create call: empty call_control_id")
	}
	return resp.Data.CallControlID, nil
}

// Answer answers an inbound leg. "Call has already ended" is not an error.
func (c *Client) Answer(ctx context.Context, callID string) error {
	err := c.post(ctx, "/calls/"+callID+"/actions/answer", struct{}{}, nil)
	if errors.Is(err, ErrCallEnded) {
		return nil
	}
	return err
}

// Hangup terminates the call. Idempotent: an already-ended call is success.
func (c *Client) Hangup(ctx context.Context, callID string) error {
	err := c.post(ctx, "/calls/"+callID+"/actions/hangup", struct{}{}, nil)
	if errors.Is(err, ErrCallEnded) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("carrier: hangup: %w", err)
	}
	return nil
}

// StartStream instructs Telnyx to open a duplex media WebSocket to wsURL.
// Frames in both directions are µ-law 8 kHz. Fails quietly (nil) if the call
// has already ended.
func (c *Client) StartStream(ctx context.Context, callID, wsURL string) error {
	body := map[string]string{
		"stream_url":                wsURL,
		"stream_track":              "inbound_track",
		"stream_bidirectional_mode": "rtp",
		"stream_bidirectional_codec": "PCMU",
	}
	err := c.post(ctx, "/calls/"+callID+"/actions/streaming_start", body, nil)
	if errors.Is(err, ErrCallEnded) {
		slog.Debug("streaming_start on ended call", "call_id", callID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("carrier: streaming start: %w", err)
	}
	return nil
}

// Transfer blind-transfers the call to a new destination. ErrCallEnded is
// surfaced so the caller can treat it as "transfer not performed";
// ErrUnverifiedNumber is surfaced as non-retriable.
func (c *Client) Transfer(ctx context.Context, callID, to, fromDID string) error {
	body := map[string]string{
		"to":   NormalizeE164(to),
		"from": NormalizeE164(fromDID),
	}
	if err := c.post(ctx, "/calls/"+callID+"/actions/transfer", body, nil); err != nil {
		return fmt.Errorf("carrier: transfer: %w", err)
	}
	return nil
}

// Speak plays carrier-side TTS on the call. The core media pipeline does its
// own synthesis; this remains for ring-back or prompts before streaming is up.
func (c *Client) Speak(ctx context.Context, callID, text, voice string) error {
	body := map[string]string{
		"payload":  text,
		"voice":    voice,
		"language": "en-US",
	}
	err := c.post(ctx, "/calls/"+callID+"/actions/speak", body, nil)
	if errors.Is(err, ErrCallEnded) {
		return nil
	}
	return err
}

// PurchasedNumber is one entry from the account's number inventory.
type PurchasedNumber struct {
	PhoneNumber string `json:"phone_number"`
	Status      string `json:"status"`
}

type listNumbersResponse struct {
	Data []PurchasedNumber `json:"data"`
}

// ListPurchasedNumbers returns the account's numbers, served from a
// five-minute cache.
func (c *Client) ListPurchasedNumbers(ctx context.Context) ([]PurchasedNumber, error) {
	c.numMu.Lock()
	if c.numCache != nil && time.Since(c.numCachedAt) < numberCacheTTL {
		cached := make([]PurchasedNumber, len(c.numCache))
		copy(cached, c.numCache)
		c.numMu.Unlock()
		return cached, nil
	}
	c.numMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/phone_numbers?page[size]=250", nil)
	if err != nil {
		return nil, fmt.Errorf("carrier: list numbers: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("carrier: list numbers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("carrier: list numbers: unexpected status %d", resp.StatusCode)
	}

	var out listNumbersResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("carrier: list numbers decode: %w", err)
	}

	c.numMu.Lock()
	c.numCache = out.Data
	c.numCachedAt = time.Now()
	c.numMu.Unlock()
	return out.Data, nil
}

// ---- transport ----

// post issues a JSON POST and classifies Telnyx error codes into the
// package's sentinel errors.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var eb apiErrorBody
	_ = json.Unmarshal(raw, &eb)
	if len(eb.Errors) > 0 {
		e := eb.Errors[0]
		if sentinel := classifyCode(e.Code, e.Title); sentinel != nil {
			return fmt.Errorf("%w (code %s: %s)", sentinel, e.Code, e.Title)
		}
		return fmt.Errorf("api error %d code %s: %s", resp.StatusCode, e.Code, e.Title)
	}
	return fmt.Errorf("api error %d: %s", resp.StatusCode, string(raw))
}

// classifyCode maps Telnyx error codes and titles to the sentinel taxonomy.
func classifyCode(code, title string) error {
	switch code {
	case "90010", "channel_limit_exceeded":
		return ErrChannelLimit
	case "90018", "unverified_origination_number":
		return ErrUnverifiedNumber
	case "90015", "invalid_number":
		return ErrInvalidNumber
	case "90020", "call_has_already_ended":
		return ErrCallEnded
	}
	switch title {
	case "Channel limit exceeded":
		return ErrChannelLimit
	case "Unverified origination number":
		return ErrUnverifiedNumber
	case "Invalid phone number":
		return ErrInvalidNumber
	case "Call has already ended":
		return ErrCallEnded
	}
	return nil
}
