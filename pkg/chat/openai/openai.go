// Package openai implements chat.Transport locally on top of the OpenAI API:
// Whisper transcribes the recording, a streamed chat completion produces the
// reply and the speech endpoint synthesises it. The resulting event sequence
// matches what the hosted assistant backend sends.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/voicedesk/pkg/chat"
	"github.com/chriscow/voicedesk/pkg/plugin"
)

// ChunkSize is the size of tts_chunk payloads.
const ChunkSize = 32 * 1024

// Config holds configuration for the OpenAI transport.
type Config struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Default: the public API

	ChatModel       string `json:"chat_model" yaml:"chat_model"`             // Default: gpt-4o-mini
	TranscribeModel string `json:"transcribe_model" yaml:"transcribe_model"` // Default: whisper-1
	SpeechModel     string `json:"speech_model" yaml:"speech_model"`         // Default: tts-1
	Voice           string `json:"voice" yaml:"voice"`                       // Default: alloy
	Language        string `json:"language" yaml:"language"`                 // Default: auto-detect (empty)

	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	// MaxHistory caps the remembered messages per session; 0 keeps everything.
	MaxHistory int `json:"max_history" yaml:"max_history"`
}

// Transport runs turns against OpenAI. Conversation history is kept in
// memory per session id.
type Transport struct {
	client *openai.Client
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string][]openai.ChatCompletionMessage
}

// New creates a Transport.
func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = openai.GPT4oMini
	}
	if cfg.TranscribeModel == "" {
		cfg.TranscribeModel = openai.Whisper1
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.VoiceAlloy)
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Transport{
		client:   openai.NewClientWithConfig(clientCfg),
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "openai")),
		sessions: make(map[string][]openai.ChatCompletionMessage),
	}, nil
}

// StreamVoiceTurn transcribes audio, streams the reply and synthesises it.
func (t *Transport) StreamVoiceTurn(ctx context.Context, audio []byte, sessionID string) (chat.Stream, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("empty recording")
	}
	s := newStream(ctx)
	go s.run(func(emit emitFunc) error {
		return t.voiceTurn(s.ctx, emit, audio, sessionID)
	})
	return s, nil
}

// StreamTextTurn streams the reply to a typed message.
func (t *Transport) StreamTextTurn(ctx context.Context, message, sessionID string) (chat.Stream, error) {
	s := newStream(ctx)
	go s.run(func(emit emitFunc) error {
		return t.textTurn(s.ctx, emit, message, sessionID)
	})
	return s, nil
}

func (t *Transport) voiceTurn(ctx context.Context, emit emitFunc, audio []byte, sessionID string) error {
	start := time.Now()
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.cfg.TranscribeModel,
		Language: t.cfg.Language,
		Format:   openai.AudioResponseFormatJSON,
		Reader:   bytes.NewReader(audio),
		FilePath: "recording.wav",
	})
	if err != nil {
		return fmt.Errorf("transcription failed: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	t.logger.Debug("Whisper transcription result", slog.String("text", text), slog.Duration("took", time.Since(start)))
	if err := emit(chat.Event{Type: chat.EventSTTResult, Text: text}); err != nil {
		return err
	}
	if text == "" {
		return errors.New("no speech recognized")
	}

	sessionID, history := t.history(sessionID)
	reply, err := t.complete(ctx, history, text, func(delta string) error {
		return emit(chat.Event{Type: chat.EventLLMToken, Delta: delta})
	})
	if err != nil {
		return err
	}
	if err := emit(chat.Event{Type: chat.EventLLMDone, Text: reply}); err != nil {
		return err
	}
	t.remember(sessionID, text, reply)

	if reply != "" {
		speech, err := t.synthesize(ctx, reply)
		if err != nil {
			return err
		}
		for off := 0; off < len(speech); off += ChunkSize {
			end := min(off+ChunkSize, len(speech))
			if err := emit(chat.Event{Type: chat.EventTTSChunk, Audio: speech[off:end]}); err != nil {
				return err
			}
		}
		if err := emit(chat.Event{Type: chat.EventTTSDone}); err != nil {
			return err
		}
	}

	t.logger.Info("Voice turn complete", slog.String("session_id", sessionID), slog.Duration("took", time.Since(start)))
	return emit(chat.Event{Type: chat.EventDone, SessionID: sessionID})
}

func (t *Transport) textTurn(ctx context.Context, emit emitFunc, message, sessionID string) error {
	sessionID, history := t.history(sessionID)
	if err := emit(chat.Event{Type: chat.EventMeta, SessionID: sessionID}); err != nil {
		return err
	}
	reply, err := t.complete(ctx, history, message, func(delta string) error {
		return emit(chat.Event{Type: chat.EventToken, Delta: delta})
	})
	if err != nil {
		return err
	}
	t.remember(sessionID, message, reply)
	return emit(chat.Event{Type: chat.EventDone, Response: reply, SessionID: sessionID})
}

// complete streams a chat completion, calling onDelta for every content
// fragment, and returns the full reply.
func (t *Transport) complete(ctx context.Context, history []openai.ChatCompletionMessage, user string, onDelta func(string) error) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if t.cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: t.cfg.SystemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: user})

	stream, err := t.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    t.cfg.ChatModel,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return reply.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("chat completion stream failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		reply.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return "", err
		}
	}
}

func (t *Transport) synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := t.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(t.cfg.SpeechModel),
		Input:          text,
		Voice:          openai.SpeechVoice(t.cfg.Voice),
		ResponseFormat: openai.SpeechResponseFormatWav,
	})
	if err != nil {
		return nil, fmt.Errorf("speech synthesis failed: %w", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read synthesized speech: %w", err)
	}
	return audio, nil
}

// history returns a copy of the messages of sessionID, allocating a new
// session when the id is empty or unknown.
func (t *Transport) history(sessionID string) (string, []openai.ChatCompletionMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs, ok := t.sessions[sessionID]
	if !ok {
		sessionID = uuid.NewString()
		t.sessions[sessionID] = nil
	}
	return sessionID, append([]openai.ChatCompletionMessage(nil), msgs...)
}

func (t *Transport) remember(sessionID, user, reply string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs := append(t.sessions[sessionID],
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: user},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply},
	)
	if t.cfg.MaxHistory > 0 && len(msgs) > t.cfg.MaxHistory {
		msgs = msgs[len(msgs)-t.cfg.MaxHistory:]
	}
	t.sessions[sessionID] = msgs
}

// Sessions returns how many conversations are remembered.
func (t *Transport) Sessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

type emitFunc func(chat.Event) error

// stream delivers events produced by a turn goroutine.
type stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan chat.Event
}

func newStream(ctx context.Context) *stream {
	sctx, cancel := context.WithCancel(ctx)
	return &stream{ctx: sctx, cancel: cancel, events: make(chan chat.Event, 16)}
}

// run executes turn and closes the event channel. A failure is reported as a
// terminal error event, the way the hosted backend reports it.
func (s *stream) run(turn func(emitFunc) error) {
	defer close(s.events)
	if err := turn(s.emit); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.emit(chat.Event{Type: chat.EventError, Message: err.Error()})
	}
}

func (s *stream) emit(ev chat.Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *stream) Recv() (chat.Event, error) {
	if err := s.ctx.Err(); err != nil {
		return chat.Event{}, err
	}
	select {
	case ev, ok := <-s.events:
		if !ok {
			if err := s.ctx.Err(); err != nil {
				return chat.Event{}, err
			}
			return chat.Event{}, io.EOF
		}
		return ev, nil
	case <-s.ctx.Done():
		return chat.Event{}, s.ctx.Err()
	}
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}

func newOpenAITransport(cfg map[string]any) (any, error) {
	config := Config{}
	if apiKey, ok := cfg["api_key"].(string); ok && apiKey != "" {
		config.APIKey = apiKey
	} else {
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	str := func(key string) string {
		v, _ := cfg[key].(string)
		return v
	}
	config.BaseURL = str("base_url")
	config.ChatModel = str("chat_model")
	config.TranscribeModel = str("transcribe_model")
	config.SpeechModel = str("speech_model")
	config.Voice = str("voice")
	config.Language = str("language")
	config.SystemPrompt = str("system_prompt")
	if n, ok := cfg["max_history"].(int); ok {
		config.MaxHistory = n
	}
	return New(config, nil)
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTransport,
		Name:        "openai",
		Factory:     newOpenAITransport,
		Description: "Local assistant backend using OpenAI Whisper, chat completions and speech",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":          "OpenAI API key (or set OPENAI_API_KEY env var)",
			"chat_model":       openai.GPT4oMini,
			"transcribe_model": openai.Whisper1,
			"speech_model":     string(openai.TTSModel1),
			"voice":            string(openai.VoiceAlloy),
		},
	})
}
