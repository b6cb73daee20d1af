package voice

import (
	"fmt"
	"time"

	"github.com/chriscow/voicedesk/pkg/bargein"
	"github.com/chriscow/voicedesk/pkg/level"
	"github.com/chriscow/voicedesk/pkg/speech"
)

// State represents the current state of the voice session.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateListening:
		return "Listening"
	case StateProcessing:
		return "Processing"
	case StateSpeaking:
		return "Speaking"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Observer receives UI-facing notifications. StateChanged and LevelChanged
// are called from the controller loop. TextStreamingChanged is called from
// whichever goroutine calls SetTextStreaming, usually a text turn.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	StateChanged(from, to State)
	LevelChanged(value float64, orb level.OrbState)
	TextStreamingChanged(streaming bool)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) StateChanged(from, to State)          {}
func (NopObserver) LevelChanged(float64, level.OrbState) {}
func (NopObserver) TextStreamingChanged(streaming bool)  {}

// Config holds the tunables of the voice session.
type Config struct {
	Speech  speech.Config
	BargeIn bargein.Config
	Level   level.Config

	// FrameInterval is the sampling cadence while Listening or Speaking.
	FrameInterval time.Duration
	// Cooldown suppresses speech detection after playback ends.
	Cooldown time.Duration
	// RenderInterval bounds how often streaming text is redrawn between
	// word boundaries.
	RenderInterval time.Duration
}

// DefaultConfig returns the settings used by the desktop assistant.
func DefaultConfig() Config {
	return Config{
		Speech:         speech.DefaultConfig(),
		BargeIn:        bargein.DefaultConfig(),
		Level:          level.DefaultConfig(),
		FrameInterval:  time.Second / 60,
		Cooldown:       250 * time.Millisecond,
		RenderInterval: 200 * time.Millisecond,
	}
}
