//go:build !portaudio

package portaudio

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chriscow/voicedesk/pkg/device"
	"github.com/chriscow/voicedesk/pkg/voiceerr"
)

// Microphone is unavailable in builds without the portaudio tag.
type Microphone struct{}

// NewMicrophone returns a microphone whose Open always fails.
func NewMicrophone(*slog.Logger) *Microphone {
	return &Microphone{}
}

func (m *Microphone) Open(ctx context.Context) (device.Capture, error) {
	return nil, fmt.Errorf("%w: built without portaudio support", voiceerr.ErrUnsupportedEnvironment)
}

// Player is unavailable in builds without the portaudio tag.
type Player struct{}

// NewPlayer returns a player whose Play always fails.
func NewPlayer(*slog.Logger) *Player {
	return &Player{}
}

func (p *Player) Play(ctx context.Context, audio []byte) (device.Playback, error) {
	return nil, voiceerr.NewPlaybackError(fmt.Errorf("%w: built without portaudio support", voiceerr.ErrUnsupportedEnvironment))
}
