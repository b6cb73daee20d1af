// Package voiceerr defines the error taxonomy shared by the voice session core.
// Device, analysis, transport and playback failures are classified here so the
// session controller can apply a single recovery policy to each class.
package voiceerr

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedEnvironment indicates a required audio capability is missing.
	// Surfaced once; the voice feature is disabled rather than retried.
	ErrUnsupportedEnvironment = errors.New("audio capability not available")

	// ErrPermissionDenied indicates microphone access was refused.
	// The session returns to Idle because it cannot proceed without the device.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrNotAuthenticated indicates a turn was attempted without a valid session.
	// No network call is made.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrEmptyUtterance is an internal signal: the capture held no valid speech
	// and is discarded before anything is uploaded.
	ErrEmptyUtterance = errors.New("no speech detected")
)

// Kind classifies an error for recovery decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnsupportedEnvironment
	KindPermissionDenied
	KindNotAuthenticated
	KindTransport
	KindPlayback
	KindEmptyUtterance
)

func (k Kind) String() string {
	switch k {
	case KindUnsupportedEnvironment:
		return "unsupported_environment"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotAuthenticated:
		return "not_authenticated"
	case KindTransport:
		return "transport"
	case KindPlayback:
		return "playback"
	case KindEmptyUtterance:
		return "empty_utterance"
	default:
		return "unknown"
	}
}

// TransportError wraps a network or stream failure that happened mid-turn.
type TransportError struct {
	Message    string
	Underlying error
}

func (e *TransportError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Underlying != nil {
		return e.Underlying.Error()
	}
	return "transport error"
}

func (e *TransportError) Unwrap() error {
	return e.Underlying
}

// NewTransportError creates a TransportError with a user-visible message.
func NewTransportError(underlying error, message string) error {
	return &TransportError{Message: message, Underlying: underlying}
}

// PlaybackError wraps a failure to start or continue synthesized audio playback.
type PlaybackError struct {
	Underlying error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback failed: %v", e.Underlying)
}

func (e *PlaybackError) Unwrap() error {
	return e.Underlying
}

// NewPlaybackError creates a PlaybackError.
func NewPlaybackError(underlying error) error {
	return &PlaybackError{Underlying: underlying}
}

// Classify returns the Kind of err. Typed errors take precedence over sentinels
// so a TransportError wrapping ErrNotAuthenticated is still a transport failure.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var te *TransportError
	if errors.As(err, &te) {
		return KindTransport
	}
	var pe *PlaybackError
	if errors.As(err, &pe) {
		return KindPlayback
	}

	switch {
	case errors.Is(err, ErrUnsupportedEnvironment):
		return KindUnsupportedEnvironment
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrNotAuthenticated):
		return KindNotAuthenticated
	case errors.Is(err, ErrEmptyUtterance):
		return KindEmptyUtterance
	}
	return KindUnknown
}

// UserMessage returns the text shown in the transcript for a turn failure.
func UserMessage(err error) string {
	switch Classify(err) {
	case KindNotAuthenticated:
		return "Please sign in to use the voice assistant."
	case KindPermissionDenied:
		return "Microphone access was denied."
	case KindUnsupportedEnvironment:
		return "Voice input is not supported on this device."
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
