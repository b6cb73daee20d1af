//go:build portaudio

// Package portaudio provides hardware audio devices using PortAudio.
// Build with -tags portaudio; without the tag every device reports
// voiceerr.ErrUnsupportedEnvironment.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/chriscow/voicedesk/pkg/audio/wav"
	"github.com/chriscow/voicedesk/pkg/device"
	"github.com/chriscow/voicedesk/pkg/rtc"
	"github.com/chriscow/voicedesk/pkg/voiceerr"
)

const (
	// InputSampleRate is the sample rate for microphone input (16kHz for speech)
	InputSampleRate = 16000
	// InputFramesPerBuffer is 10ms of audio at 16kHz
	InputFramesPerBuffer = 160
	// OutputFramesPerBuffer is the playback buffer in frames
	OutputFramesPerBuffer = 960

	windowSize = 2048
)

// Microphone captures from the default input device.
type Microphone struct {
	logger *slog.Logger
}

// NewMicrophone creates a microphone on the default input device.
func NewMicrophone(logger *slog.Logger) *Microphone {
	if logger == nil {
		logger = slog.Default()
	}
	return &Microphone{logger: logger.With(slog.String("component", "portaudio"))}
}

// Open initializes PortAudio and starts capturing.
func (m *Microphone) Open(ctx context.Context) (device.Capture, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize PortAudio: %v", voiceerr.ErrUnsupportedEnvironment, err)
	}
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: no input device: %v", voiceerr.ErrUnsupportedEnvironment, err)
	}

	in := make([]int16, InputFramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, InputSampleRate, InputFramesPerBuffer, in)
	if err != nil {
		portaudio.Terminate()
		return nil, classifyOpenError(err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, classifyOpenError(err)
	}

	m.logger.Debug("Microphone stream opened",
		slog.Int("sample_rate", InputSampleRate),
		slog.Int("frames_per_buffer", InputFramesPerBuffer))

	c := &capture{
		stream: stream,
		in:     in,
		window: device.NewWindow(windowSize),
		logger: m.logger,
		done:   make(chan struct{}),
	}
	go c.loop(ctx)
	return c, nil
}

// classifyOpenError maps PortAudio failures to the session error vocabulary.
// Device-unavailable codes are treated as access problems the user can fix.
func classifyOpenError(err error) error {
	switch {
	case errors.Is(err, portaudio.DeviceUnavailable), errors.Is(err, portaudio.InvalidDevice):
		return fmt.Errorf("%w: %v", voiceerr.ErrPermissionDenied, err)
	}
	return fmt.Errorf("failed to open input stream: %w", err)
}

type capture struct {
	stream *portaudio.Stream
	in     []int16
	window *device.Window
	logger *slog.Logger
	done   chan struct{}

	mu      sync.Mutex
	frames  []rtc.AudioFrame
	at      time.Duration
	stopped bool
	once    sync.Once
}

func (c *capture) loop(ctx context.Context) {
	defer close(c.done)
	for {
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			return
		}

		if err := c.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			c.logger.Warn("Microphone read failed", slog.String("error", err.Error()))
			return
		}

		c.window.Write(c.in)
		frame := rtc.FrameFromSamples(c.in, InputSampleRate, 1, c.at)
		c.mu.Lock()
		if !c.stopped {
			c.frames = append(c.frames, *frame)
			c.at += frame.Duration()
		}
		c.mu.Unlock()
	}
}

func (c *capture) Snapshot(buf []float32) int {
	return c.window.Snapshot(buf)
}

func (c *capture) halt() {
	c.once.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		c.stream.Stop()
		<-c.done
		c.stream.Close()
		portaudio.Terminate()
	})
}

func (c *capture) Stop() (device.Recording, error) {
	c.halt()
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := device.Recording{Frames: c.frames}
	c.frames = nil
	return rec, nil
}

func (c *capture) Close() error {
	c.halt()
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
	return nil
}

// Player plays WAV audio on the default output device.
type Player struct {
	logger *slog.Logger
}

// NewPlayer creates a player on the default output device.
func NewPlayer(logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{logger: logger.With(slog.String("component", "portaudio"))}
}

// Play decodes audio and starts playback.
func (p *Player) Play(ctx context.Context, audio []byte) (device.Playback, error) {
	hdr, samples, err := wav.Decode(audio)
	if err != nil {
		return nil, voiceerr.NewPlaybackError(err)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, voiceerr.NewPlaybackError(err)
	}

	channels := int(hdr.NumChannels)
	out := make([]int16, OutputFramesPerBuffer*channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(hdr.SampleRate), OutputFramesPerBuffer, out)
	if err != nil {
		portaudio.Terminate()
		return nil, voiceerr.NewPlaybackError(fmt.Errorf("failed to open output stream: %w", err))
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, voiceerr.NewPlaybackError(fmt.Errorf("failed to start output stream: %w", err))
	}

	pb := &playback{
		stream:   stream,
		out:      out,
		samples:  samples,
		channels: channels,
		window:   device.NewWindow(windowSize),
		done:     make(chan error, 1),
		stop:     make(chan struct{}),
	}
	go pb.loop(ctx)
	return pb, nil
}

type playback struct {
	stream   *portaudio.Stream
	out      []int16
	samples  []int16
	channels int
	window   *device.Window
	done     chan error
	stop     chan struct{}
	once     sync.Once
}

func (pb *playback) loop(ctx context.Context) {
	defer close(pb.done)
	defer func() {
		pb.stream.Stop()
		pb.stream.Close()
		portaudio.Terminate()
	}()

	mono := make([]int16, OutputFramesPerBuffer)
	for pos := 0; pos < len(pb.samples); pos += len(pb.out) {
		select {
		case <-ctx.Done():
			pb.done <- ctx.Err()
			return
		case <-pb.stop:
			return
		default:
		}

		n := copy(pb.out, pb.samples[pos:])
		clear(pb.out[n:])
		for i := range mono {
			mono[i] = pb.out[i*pb.channels]
		}
		pb.window.Write(mono)

		if err := pb.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			pb.done <- err
			return
		}
	}
}

func (pb *playback) Snapshot(buf []float32) int {
	return pb.window.Snapshot(buf)
}

func (pb *playback) Done() <-chan error {
	return pb.done
}

func (pb *playback) Stop() error {
	pb.once.Do(func() { close(pb.stop) })
	return nil
}
