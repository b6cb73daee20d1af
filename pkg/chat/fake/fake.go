// Package fake provides a scripted chat.Transport for tests and offline demos.
package fake

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/chriscow/voicedesk/pkg/audio/wav"
	"github.com/chriscow/voicedesk/pkg/chat"
	"github.com/chriscow/voicedesk/pkg/plugin"
)

// Step is one scripted event. The stream waits for Gate (if set) and then
// Delay before delivering Event.
type Step struct {
	Event chat.Event
	Delay time.Duration
	Gate  <-chan struct{}
}

// Ev wraps events as undelayed steps.
func Ev(events ...chat.Event) []Step {
	steps := make([]Step, len(events))
	for i, ev := range events {
		steps[i] = Step{Event: ev}
	}
	return steps
}

// VoiceReply scripts a complete voice turn. Assistant text is streamed one
// word per token; audio, if any, is split into chunks of chunkSize bytes.
func VoiceReply(user, assistant string, audio []byte, chunkSize int, sessionID string) []Step {
	events := []chat.Event{{Type: chat.EventSTTResult, Text: user}}
	for _, tok := range tokens(assistant) {
		events = append(events, chat.Event{Type: chat.EventLLMToken, Delta: tok})
	}
	events = append(events, chat.Event{Type: chat.EventLLMDone, Text: assistant})
	if len(audio) > 0 {
		if chunkSize <= 0 {
			chunkSize = len(audio)
		}
		for off := 0; off < len(audio); off += chunkSize {
			end := min(off+chunkSize, len(audio))
			events = append(events, chat.Event{Type: chat.EventTTSChunk, Audio: audio[off:end]})
		}
		events = append(events, chat.Event{Type: chat.EventTTSDone})
	}
	events = append(events, chat.Event{Type: chat.EventDone, SessionID: sessionID})
	return Ev(events...)
}

// TextReply scripts a complete text turn.
func TextReply(assistant, sessionID string) []Step {
	events := []chat.Event{{Type: chat.EventMeta, SessionID: sessionID}}
	for _, tok := range tokens(assistant) {
		events = append(events, chat.Event{Type: chat.EventToken, Delta: tok})
	}
	events = append(events, chat.Event{Type: chat.EventDone, Response: assistant, SessionID: sessionID})
	return Ev(events...)
}

func tokens(text string) []string {
	words := strings.SplitAfter(text, " ")
	out := words[:0]
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// Tone returns a WAV-encoded sine tone, useful as synthesized speech.
func Tone(freq float64, d time.Duration, sampleRate int) []byte {
	n := int(d.Seconds() * float64(sampleRate))
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(0.3 * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return wav.Encode(samples, uint32(sampleRate), 1)
}

// Call records one request made to the transport.
type Call struct {
	Voice     bool
	Audio     []byte
	Message   string
	SessionID string
}

// Transport replays queued scripts, one per call. When the queue for a path
// is empty the default script is used.
type Transport struct {
	// OpenErr, if set, is returned instead of opening a stream.
	OpenErr error

	mu           sync.Mutex
	voice        [][]Step
	text         [][]Step
	defaultVoice []Step
	defaultText  []Step
	calls        []Call
	streams      []*Stream
}

// New creates a transport whose default replies echo a fixed answer.
func New() *Transport {
	return &Transport{
		defaultVoice: VoiceReply("(voice input)", "I heard you.", nil, 0, "fake-session"),
		defaultText:  TextReply("I read you.", "fake-session"),
	}
}

// QueueVoice appends a script for the next voice turn.
func (t *Transport) QueueVoice(steps ...Step) {
	t.mu.Lock()
	t.voice = append(t.voice, steps)
	t.mu.Unlock()
}

// QueueText appends a script for the next text turn.
func (t *Transport) QueueText(steps ...Step) {
	t.mu.Lock()
	t.text = append(t.text, steps)
	t.mu.Unlock()
}

// SetDefaultVoice replaces the fallback voice script.
func (t *Transport) SetDefaultVoice(steps ...Step) {
	t.mu.Lock()
	t.defaultVoice = steps
	t.mu.Unlock()
}

// Calls returns every request made so far.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// Streams returns every stream opened so far.
func (t *Transport) Streams() []*Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Stream(nil), t.streams...)
}

func (t *Transport) StreamVoiceTurn(ctx context.Context, audio []byte, sessionID string) (chat.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Voice: true, Audio: append([]byte(nil), audio...), SessionID: sessionID})
	if t.OpenErr != nil {
		return nil, t.OpenErr
	}
	script := t.defaultVoice
	if len(t.voice) > 0 {
		script, t.voice = t.voice[0], t.voice[1:]
	}
	return t.open(ctx, script), nil
}

func (t *Transport) StreamTextTurn(ctx context.Context, message, sessionID string) (chat.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Message: message, SessionID: sessionID})
	if t.OpenErr != nil {
		return nil, t.OpenErr
	}
	script := t.defaultText
	if len(t.text) > 0 {
		script, t.text = t.text[0], t.text[1:]
	}
	return t.open(ctx, script), nil
}

func (t *Transport) open(ctx context.Context, script []Step) *Stream {
	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{ctx: sctx, cancel: cancel, steps: script}
	t.streams = append(t.streams, s)
	return s
}

// Stream delivers a script. It is a single-pass chat.Stream.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	steps []Step
	next  int
	sent  int
}

func (s *Stream) Recv() (chat.Event, error) {
	s.mu.Lock()
	if s.next >= len(s.steps) {
		s.mu.Unlock()
		if err := s.ctx.Err(); err != nil {
			return chat.Event{}, err
		}
		return chat.Event{}, io.EOF
	}
	step := s.steps[s.next]
	s.next++
	s.mu.Unlock()

	if step.Gate != nil {
		select {
		case <-step.Gate:
		case <-s.ctx.Done():
			return chat.Event{}, s.ctx.Err()
		}
	}
	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			return chat.Event{}, s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		return chat.Event{}, err
	}

	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	return step.Event, nil
}

// Close cancels any blocked Recv.
func (s *Stream) Close() error {
	s.cancel()
	return nil
}

// Sent returns how many events were delivered.
func (s *Stream) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Closed reports whether the stream was closed or its context cancelled.
func (s *Stream) Closed() bool {
	return errors.Is(s.ctx.Err(), context.Canceled)
}

func newFakeTransport(cfg map[string]any) (any, error) {
	t := New()
	reply := "I heard you."
	if r, ok := cfg["reply"].(string); ok && r != "" {
		reply = r
	}
	var audio []byte
	if ms, ok := cfg["tone_ms"].(int); ok && ms > 0 {
		audio = Tone(440, time.Duration(ms)*time.Millisecond, 16000)
	}
	steps := VoiceReply("(voice input)", reply, audio, 32*1024, "fake-session")
	if d, ok := cfg["token_delay"].(time.Duration); ok && d > 0 {
		for i := range steps {
			steps[i].Delay = d
		}
	}
	t.SetDefaultVoice(steps...)
	return t, nil
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTransport,
		Name:        "fake",
		Factory:     newFakeTransport,
		Description: "Scripted transport for tests and offline demos",
		Version:     "1.0.0",
		Config: map[string]any{
			"reply":       "I heard you.",
			"tone_ms":     0,
			"token_delay": time.Duration(0),
		},
	})
}
