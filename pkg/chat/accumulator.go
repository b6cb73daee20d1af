package chat

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/chriscow/voicedesk/pkg/voiceerr"
)

var (
	// ErrStreamIncomplete is returned by Finish when the stream ended without a done event.
	ErrStreamIncomplete = errors.New("stream ended without done")

	// ErrTurnFinished is returned when an event arrives after a terminal event.
	ErrTurnFinished = errors.New("turn already finished")
)

// Effect describes what changed after applying an event.
type Effect int

const (
	EffectNone Effect = iota
	EffectUserText
	EffectAssistantText
	EffectAssistantFinal
	EffectAudio
	EffectAudioDone
	EffectDone
)

func (e Effect) String() string {
	switch e {
	case EffectUserText:
		return "user_text"
	case EffectAssistantText:
		return "assistant_text"
	case EffectAssistantFinal:
		return "assistant_final"
	case EffectAudio:
		return "audio"
	case EffectAudioDone:
		return "audio_done"
	case EffectDone:
		return "done"
	default:
		return "none"
	}
}

// Accumulator folds one turn's events into its result. Events must be applied
// in arrival order. Not safe for concurrent use.
type Accumulator struct {
	userText    string
	hasUserText bool

	tokens   strings.Builder
	final    string
	hasFinal bool

	audio     [][]byte
	audioDone bool

	sessionID string
	done      bool
	err       error
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Apply folds ev into the accumulator. An error event yields a
// *voiceerr.TransportError carrying the server message; the turn is then over.
func (a *Accumulator) Apply(ev Event) (Effect, error) {
	if a.done || a.err != nil {
		return EffectNone, ErrTurnFinished
	}

	switch ev.Type {
	case EventSTTResult:
		a.userText = ev.Text
		a.hasUserText = true
		return EffectUserText, nil

	case EventLLMToken, EventToken:
		if a.hasFinal || ev.Delta == "" {
			return EffectNone, nil
		}
		a.tokens.WriteString(ev.Delta)
		return EffectAssistantText, nil

	case EventLLMDone:
		a.final = ev.Text
		a.hasFinal = true
		return EffectAssistantFinal, nil

	case EventTTSChunk:
		if len(ev.Audio) == 0 {
			return EffectNone, nil
		}
		a.audio = append(a.audio, ev.Audio)
		return EffectAudio, nil

	case EventTTSDone:
		a.audioDone = true
		return EffectAudioDone, nil

	case EventMeta:
		if ev.SessionID != "" {
			a.sessionID = ev.SessionID
		}
		return EffectNone, nil

	case EventDone:
		if ev.SessionID != "" {
			a.sessionID = ev.SessionID
		}
		if ev.Response != "" && !a.hasFinal {
			a.final = ev.Response
			a.hasFinal = true
		}
		a.done = true
		return EffectDone, nil

	case EventError:
		msg := ev.Message
		if msg == "" {
			msg = "stream error"
		}
		a.err = voiceerr.NewTransportError(nil, msg)
		return EffectNone, a.err

	default:
		return EffectNone, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
}

// Finish reports the turn outcome once the stream has ended.
func (a *Accumulator) Finish() error {
	if a.err != nil {
		return a.err
	}
	if !a.done {
		return voiceerr.NewTransportError(ErrStreamIncomplete, "")
	}
	return nil
}

// Done reports whether a done event was applied.
func (a *Accumulator) Done() bool { return a.done }

// UserText returns the transcription, if one arrived.
func (a *Accumulator) UserText() (string, bool) {
	return a.userText, a.hasUserText
}

// AssistantText returns the authoritative final text when available,
// otherwise the tokens concatenated so far.
func (a *Accumulator) AssistantText() string {
	if a.hasFinal {
		return a.final
	}
	return a.tokens.String()
}

// Audio returns the synthesized audio chunks concatenated in arrival order.
func (a *Accumulator) Audio() []byte {
	return bytes.Join(a.audio, nil)
}

// HasAudio reports whether any audio chunk arrived.
func (a *Accumulator) HasAudio() bool { return len(a.audio) > 0 }

// AudioDone reports whether tts_done was received.
func (a *Accumulator) AudioDone() bool { return a.audioDone }

// SessionID returns the session id delivered by the server.
func (a *Accumulator) SessionID() string { return a.sessionID }
