// Package wavfile provides file-backed audio devices: a microphone that
// replays a WAV file in real time and a player that consumes audio at real
// time without an output device. They let the assistant run headless.
package wavfile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chriscow/voicedesk/pkg/audio/wav"
	"github.com/chriscow/voicedesk/pkg/clock"
	"github.com/chriscow/voicedesk/pkg/device"
	"github.com/chriscow/voicedesk/pkg/plugin"
	"github.com/chriscow/voicedesk/pkg/rtc"
	"github.com/chriscow/voicedesk/pkg/voiceerr"
)

// FrameDuration is the capture and playback cadence.
const FrameDuration = 10 * time.Millisecond

const windowSize = 2048

// Option configures a device.
type Option func(*options)

type options struct {
	clock clock.Clock
	loop  bool
}

// WithClock drives the device from c instead of the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLoop makes the microphone restart the file when it runs out instead of
// producing silence.
func WithLoop(loop bool) Option {
	return func(o *options) { o.loop = loop }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Microphone replays mono samples as if they were being spoken. The read
// position is shared by every capture, so reopening continues where the
// previous capture stopped.
type Microphone struct {
	samples    []int16
	sampleRate int
	opts       options

	mu  sync.Mutex
	pos int
}

// NewMicrophone loads a WAV file. Multi-channel files are reduced to their
// first channel.
func NewMicrophone(path string, opts ...Option) (*Microphone, error) {
	r, err := wav.NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	samples, err := r.ReadSamples()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	hdr := r.Header()
	return NewMicrophoneFromSamples(firstChannel(samples, int(hdr.NumChannels)), int(hdr.SampleRate), opts...), nil
}

// NewMicrophoneFromSamples replays mono samples at sampleRate.
func NewMicrophoneFromSamples(samples []int16, sampleRate int, opts ...Option) *Microphone {
	return &Microphone{samples: samples, sampleRate: sampleRate, opts: buildOptions(opts)}
}

// SampleRate returns the rate of the replayed audio.
func (m *Microphone) SampleRate() int {
	return m.sampleRate
}

// Remaining returns how much of the file has not been replayed yet.
func (m *Microphone) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(len(m.samples)-m.pos) * time.Second / time.Duration(m.sampleRate)
}

// Open starts a real-time capture.
func (m *Microphone) Open(ctx context.Context) (device.Capture, error) {
	if m.sampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rate %d", voiceerr.ErrUnsupportedEnvironment, m.sampleRate)
	}
	c := &capture{
		mic:    m,
		window: device.NewWindow(windowSize),
		ticker: m.opts.clock.NewTicker(FrameDuration),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	return c, nil
}

// next returns the next frame of samples: file audio while it lasts, then
// silence (or the file again when looping).
func (m *Microphone) next() []int16 {
	n := m.sampleRate * int(FrameDuration) / int(time.Second)
	out := make([]int16, n)

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range out {
		if m.pos >= len(m.samples) {
			if !m.opts.loop || len(m.samples) == 0 {
				break
			}
			m.pos = 0
		}
		out[i] = m.samples[m.pos]
		m.pos++
	}
	return out
}

type capture struct {
	mic    *Microphone
	window *device.Window
	ticker clock.Ticker
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	frames []rtc.AudioFrame
	at     time.Duration
}

func (c *capture) run(ctx context.Context) {
	defer close(c.done)
	defer c.ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-c.ticker.C():
			samples := c.mic.next()
			c.window.Write(samples)
			c.mu.Lock()
			c.frames = append(c.frames, *rtc.FrameFromSamples(samples, c.mic.sampleRate, 1, c.at))
			c.at += FrameDuration
			c.mu.Unlock()
		}
	}
}

func (c *capture) Snapshot(buf []float32) int {
	return c.window.Snapshot(buf)
}

func (c *capture) halt() {
	c.once.Do(func() {
		c.ticker.Stop()
		close(c.stop)
	})
	<-c.done
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

// Player consumes WAV audio at real time and discards it.
type Player struct {
	opts options

	mu     sync.Mutex
	played int
}

// NewPlayer creates a discarding player.
func NewPlayer(opts ...Option) *Player {
	return &Player{opts: buildOptions(opts)}
}

// Played returns how many buffers were started.
func (p *Player) Played() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played
}

// Play starts consuming audio.
func (p *Player) Play(ctx context.Context, audio []byte) (device.Playback, error) {
	hdr, samples, err := wav.Decode(audio)
	if err != nil {
		return nil, voiceerr.NewPlaybackError(err)
	}
	if hdr.SampleRate == 0 {
		return nil, voiceerr.NewPlaybackError(fmt.Errorf("invalid sample rate"))
	}

	p.mu.Lock()
	p.played++
	p.mu.Unlock()

	pb := &playback{
		samples:  firstChannel(samples, int(hdr.NumChannels)),
		perFrame: int(hdr.SampleRate) * int(FrameDuration) / int(time.Second),
		window:   device.NewWindow(windowSize),
		ticker:   p.opts.clock.NewTicker(FrameDuration),
		stop:     make(chan struct{}),
		done:     make(chan error, 1),
	}
	go pb.run(ctx)
	return pb, nil
}

type playback struct {
	samples  []int16
	perFrame int
	window   *device.Window
	ticker   clock.Ticker
	stop     chan struct{}
	done     chan error
	once     sync.Once
}

func (pb *playback) run(ctx context.Context) {
	defer close(pb.done)
	defer pb.ticker.Stop()

	pos := 0
	for pos < len(pb.samples) {
		select {
		case <-ctx.Done():
			pb.done <- ctx.Err()
			return
		case <-pb.stop:
			return
		case <-pb.ticker.C():
			end := min(pos+max(pb.perFrame, 1), len(pb.samples))
			pb.window.Write(pb.samples[pos:end])
			pos = end
		}
	}
	pb.window.Reset()
}

func (pb *playback) Snapshot(buf []float32) int {
	return pb.window.Snapshot(buf)
}

func (pb *playback) Done() <-chan error {
	return pb.done
}

func (pb *playback) Stop() error {
	pb.once.Do(func() {
		pb.ticker.Stop()
		close(pb.stop)
	})
	return nil
}

func firstChannel(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		out[i] = samples[i*channels]
	}
	return out
}

func newWAVMicrophone(cfg map[string]any) (any, error) {
	path, _ := cfg["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("wavfile microphone requires a path")
	}
	loop, _ := cfg["loop"].(bool)
	return NewMicrophone(path, WithLoop(loop))
}

func newDiscardPlayer(cfg map[string]any) (any, error) {
	return NewPlayer(), nil
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindMicrophone,
		Name:        "wavfile",
		Factory:     newWAVMicrophone,
		Description: "Replays a WAV file as microphone input",
		Version:     "1.0.0",
		Config: map[string]any{
			"path": "path to a 16-bit PCM WAV file",
			"loop": false,
		},
	})
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindPlayer,
		Name:        "discard",
		Factory:     newDiscardPlayer,
		Description: "Consumes synthesized audio at real time without an output device",
		Version:     "1.0.0",
	})
}
