// Package httpsse implements chat.Transport against an assistant backend that
// answers turn requests with a server-sent-events body.
//
// Voice turns are posted as multipart form data to {base}/voice/stream with
// the recording in the "audio" file part; text turns are posted as JSON to
// {base}/chat/stream.
package httpsse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/chriscow/voicedesk/pkg/chat"
	"github.com/chriscow/voicedesk/pkg/plugin"
	"github.com/chriscow/voicedesk/pkg/voiceerr"
)

const (
	voiceEndpoint = "/voice/stream"
	textEndpoint  = "/chat/stream"

	// maxErrorBody bounds how much of a failed response is kept for the message.
	maxErrorBody = 4096

	defaultDialTimeout = 30 * time.Second
)

// Transport posts turns over HTTP and decodes the SSE reply.
type Transport struct {
	baseURL string
	token   string
	client  *http.Client
}

// Option configures a Transport.
type Option func(*Transport)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(t *Transport) {
		t.token = token
	}
}

// WithClient sets a custom HTTP client. Streams are long-lived, so the client
// should not carry an overall timeout.
func WithClient(client *http.Client) Option {
	return func(t *Transport) {
		t.client = client
	}
}

// New creates a transport for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Transport, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	t := &Transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: defaultDialTimeout,
			},
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// StreamVoiceTurn uploads a WAV recording and streams the reply.
func (t *Transport) StreamVoiceTurn(ctx context.Context, audio []byte, sessionID string) (chat.Stream, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("audio", "recording.wav")
	if err != nil {
		return nil, fmt.Errorf("create audio part: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("write audio part: %w", err)
	}
	if sessionID != "" {
		if err := writer.WriteField("session_id", sessionID); err != nil {
			return nil, fmt.Errorf("write session_id field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	return t.open(ctx, voiceEndpoint, writer.FormDataContentType(), &buf)
}

type textRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// StreamTextTurn posts a typed message and streams the reply.
func (t *Transport) StreamTextTurn(ctx context.Context, message, sessionID string) (chat.Stream, error) {
	body, err := json.Marshal(textRequest{Message: message, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("encode text request: %w", err)
	}
	return t.open(ctx, textEndpoint, "application/json", bytes.NewReader(body))
}

func (t *Transport) open(ctx context.Context, endpoint, contentType string, body io.Reader) (chat.Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, voiceerr.NewTransportError(err, "")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return chat.NewSSEStream(resp.Body), nil
}

// statusError turns a non-2xx response into a TransportError whose message is
// the server's error text when it sent one.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	underlying := fmt.Errorf("backend returned %s", resp.Status)

	var detail struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(raw, &detail) == nil {
		for _, msg := range []string{detail.Error, detail.Message, detail.Detail} {
			if msg != "" {
				return voiceerr.NewTransportError(underlying, msg)
			}
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return voiceerr.NewTransportError(underlying, text)
	}
	return voiceerr.NewTransportError(underlying, "")
}

func newHTTPTransport(cfg map[string]any) (any, error) {
	url, _ := cfg["url"].(string)
	var opts []Option
	if token, ok := cfg["token"].(string); ok && token != "" {
		opts = append(opts, WithToken(token))
	}
	return New(url, opts...)
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTransport,
		Name:        "http",
		Factory:     newHTTPTransport,
		Description: "Assistant backend over HTTP with server-sent events",
		Version:     "1.0.0",
		Config: map[string]any{
			"url":   "http://localhost:8000",
			"token": "",
		},
	})
}
