// Package chat defines the streaming turn protocol between the voice core and
// the assistant backend: the event vocabulary, the Transport that produces
// event streams, the accumulator that folds a stream into a turn result and
// the tracker that keeps at most one turn in flight per conversation.
package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// EventType names a backend stream event.
type EventType string

const (
	// Voice turn events.
	EventSTTResult EventType = "stt_result"
	EventLLMToken  EventType = "llm_token"
	EventLLMDone   EventType = "llm_done"
	EventTTSChunk  EventType = "tts_chunk"
	EventTTSDone   EventType = "tts_done"

	// Text turn events.
	EventMeta  EventType = "meta"
	EventToken EventType = "token"

	// Terminal events shared by both paths.
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one decoded stream event.
type Event struct {
	Type      EventType
	Text      string // stt_result, llm_done
	Delta     string // llm_token, token
	Message   string // error
	SessionID string // done, meta
	Response  string // done (text path)
	Audio     []byte // tts_chunk, decoded
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Stream is a sequential, single-pass event stream. Recv returns io.EOF after
// the last event. Streams cannot be rewound or replayed.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Transport opens turn streams against the backend.
type Transport interface {
	// StreamVoiceTurn uploads recorded audio (WAV) and streams the reply.
	// sessionID is empty on the first turn; the server allocates one.
	StreamVoiceTurn(ctx context.Context, audio []byte, sessionID string) (Stream, error)

	// StreamTextTurn sends a typed message and streams the reply.
	StreamTextTurn(ctx context.Context, message, sessionID string) (Stream, error)
}

// AuthContext gates turn submission.
type AuthContext interface {
	IsAuthenticated() bool
}

// StaticAuth is an AuthContext with a fixed answer.
type StaticAuth bool

func (a StaticAuth) IsAuthenticated() bool { return bool(a) }

// wire payloads; field names follow the backend schema.
type payload struct {
	Text      string `json:"text,omitempty"`
	Delta     string `json:"delta,omitempty"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Response  string `json:"response,omitempty"`
	Audio     string `json:"audio,omitempty"`
}

// ErrUnknownEvent is returned by DecodeEvent for names outside the vocabulary.
var ErrUnknownEvent = errors.New("unknown event")

// DecodeEvent decodes a named SSE event with a JSON data payload.
func DecodeEvent(name string, data []byte) (Event, error) {
	typ := EventType(name)
	switch typ {
	case EventSTTResult, EventLLMToken, EventLLMDone, EventTTSChunk, EventTTSDone,
		EventMeta, EventToken, EventDone, EventError:
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}

	var p payload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", name, err)
		}
	}

	ev := Event{
		Type:      typ,
		Text:      p.Text,
		Delta:     p.Delta,
		Message:   p.Message,
		SessionID: p.SessionID,
		Response:  p.Response,
	}
	if typ == EventTTSChunk && p.Audio != "" {
		audio, err := base64.StdEncoding.DecodeString(p.Audio)
		if err != nil {
			return Event{}, fmt.Errorf("decode tts_chunk audio: %w", err)
		}
		ev.Audio = audio
	}
	return ev, nil
}

// EncodeEvent is the inverse of DecodeEvent; backends and tests use it to
// produce wire payloads.
func EncodeEvent(ev Event) (string, []byte, error) {
	p := payload{
		Text:      ev.Text,
		Delta:     ev.Delta,
		Message:   ev.Message,
		SessionID: ev.SessionID,
		Response:  ev.Response,
	}
	if len(ev.Audio) > 0 {
		p.Audio = base64.StdEncoding.EncodeToString(ev.Audio)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, err
	}
	return string(ev.Type), data, nil
}
