package voiceerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/matryer/is"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"unsupported", ErrUnsupportedEnvironment, KindUnsupportedEnvironment},
		{"wrapped permission", fmt.Errorf("open mic: %w", ErrPermissionDenied), KindPermissionDenied},
		{"not authenticated", ErrNotAuthenticated, KindNotAuthenticated},
		{"empty utterance", ErrEmptyUtterance, KindEmptyUtterance},
		{"transport", NewTransportError(errors.New("eof"), "x"), KindTransport},
		{"transport wrapping sentinel", NewTransportError(ErrNotAuthenticated, "401"), KindTransport},
		{"playback", NewPlaybackError(errors.New("autoplay")), KindPlayback},
		{"wrapped playback", fmt.Errorf("speak: %w", NewPlaybackError(errors.New("x"))), KindPlayback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransportError_Message(t *testing.T) {
	is := is.New(t)

	underlying := errors.New("connection reset")
	err := NewTransportError(underlying, "x")

	is.Equal(err.Error(), "x")              // message wins over the cause
	is.True(errors.Is(err, underlying))     // cause stays reachable
	is.Equal(UserMessage(err), "x")

	bare := &TransportError{Underlying: underlying}
	is.Equal(bare.Error(), "connection reset")
}

func TestUserMessage(t *testing.T) {
	is := is.New(t)

	is.Equal(UserMessage(nil), "")
	is.True(UserMessage(ErrNotAuthenticated) != ErrNotAuthenticated.Error()) // friendly text
	is.Equal(UserMessage(errors.New("raw")), "raw")
}
