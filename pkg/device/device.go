// Package device defines the audio capture and playback devices consumed by the
// voice session core. Implementations live in subpackages: fake (tests),
// wavfile (file-backed) and portaudio (hardware, build tag portaudio).
package device

import (
	"context"

	"github.com/chriscow/voicedesk/pkg/rtc"
)

// Microphone opens capture sessions on an input device.
type Microphone interface {
	// Open acquires the device and starts capturing. It may block while the
	// platform asks the user for permission. Returns an error wrapping
	// voiceerr.ErrPermissionDenied or voiceerr.ErrUnsupportedEnvironment when
	// the device cannot be used.
	Open(ctx context.Context) (Capture, error)
}

// Capture is an open microphone tap.
type Capture interface {
	// Snapshot writes the most recent analysis window, normalised to [-1, 1],
	// into buf and returns the number of samples written.
	Snapshot(buf []float32) int

	// Stop ends the capture and returns everything recorded since Open.
	// The device is released.
	Stop() (Recording, error)

	// Close releases the device and discards the recording. Idempotent.
	Close() error
}

// Recording is the audio captured during one Listening period.
type Recording struct {
	Frames []rtc.AudioFrame
}

// Samples concatenates the recorded frames into a single mono sample slice.
func (r Recording) Samples() []int16 {
	var n int
	for i := range r.Frames {
		n += len(r.Frames[i].Data) / 2
	}
	out := make([]int16, 0, n)
	for i := range r.Frames {
		out = append(out, r.Frames[i].Samples()...)
	}
	return out
}

// SampleRate returns the rate of the first frame, or 0 for an empty recording.
func (r Recording) SampleRate() int {
	if len(r.Frames) == 0 {
		return 0
	}
	return r.Frames[0].SampleRate
}

// Empty reports whether nothing was recorded.
func (r Recording) Empty() bool {
	for i := range r.Frames {
		if len(r.Frames[i].Data) > 0 {
			return false
		}
	}
	return true
}

// Player plays synthesized audio.
type Player interface {
	// Play starts playback of a complete encoded audio buffer (WAV).
	// Returns an error wrapping voiceerr.PlaybackError if playback cannot start.
	Play(ctx context.Context, audio []byte) (Playback, error)
}

// Playback is an in-progress playback handle.
type Playback interface {
	// Snapshot writes the most recently played window into buf.
	Snapshot(buf []float32) int

	// Done is closed when playback ends. A nil error on the channel means it
	// finished naturally.
	Done() <-chan error

	// Stop halts playback immediately and releases the output. Idempotent.
	Stop() error
}
