// Package fake provides scripted microphone and player devices for tests and demos.
package fake

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/chriscow/voicedesk/pkg/device"
	"github.com/chriscow/voicedesk/pkg/rtc"
)

// DefaultSampleRate is the rate of frames recorded by the fake microphone.
const DefaultSampleRate = 16000

// Microphone is a fake input device whose loudness is set by the test.
// Every Snapshot records one 10ms frame at the current amplitude.
type Microphone struct {
	level   atomic.Uint64 // float64 bits
	OpenErr error

	mu      sync.Mutex
	opens   int
	open    int
	maxOpen int
}

// NewMicrophone creates a silent fake microphone.
func NewMicrophone() *Microphone {
	return &Microphone{}
}

// SetLevel sets the amplitude (and therefore RMS) of captured audio, in [0, 1].
func (m *Microphone) SetLevel(level float64) {
	m.level.Store(math.Float64bits(level))
}

// Level returns the current amplitude.
func (m *Microphone) Level() float64 {
	return math.Float64frombits(m.level.Load())
}

// Open starts a fake capture.
func (m *Microphone) Open(ctx context.Context) (device.Capture, error) {
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	m.mu.Lock()
	m.opens++
	m.open++
	if m.open > m.maxOpen {
		m.maxOpen = m.open
	}
	m.mu.Unlock()
	return &capture{mic: m}, nil
}

// Opens returns how many captures were opened in total.
func (m *Microphone) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// OpenCount returns how many captures are currently open.
func (m *Microphone) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// MaxConcurrent returns the largest number of simultaneously open captures.
func (m *Microphone) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxOpen
}

func (m *Microphone) release() {
	m.mu.Lock()
	m.open--
	m.mu.Unlock()
}

type capture struct {
	mic    *Microphone
	mu     sync.Mutex
	frames []rtc.AudioFrame
	closed bool
}

func (c *capture) Snapshot(buf []float32) int {
	level := c.mic.Level()
	for i := range buf {
		// Alternate sign so the RMS equals the amplitude.
		if i%2 == 0 {
			buf[i] = float32(level)
		} else {
			buf[i] = float32(-level)
		}
	}

	samples := make([]int16, DefaultSampleRate/100)
	amp := int16(level * 32767)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amp
		} else {
			samples[i] = -amp
		}
	}
	c.mu.Lock()
	if !c.closed {
		c.frames = append(c.frames, *rtc.FrameFromSamples(samples, DefaultSampleRate, 1, 0))
	}
	c.mu.Unlock()
	return len(buf)
}

func (c *capture) Stop() (device.Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return device.Recording{}, nil
	}
	c.closed = true
	c.mic.release()
	return device.Recording{Frames: c.frames}, nil
}

func (c *capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.frames = nil
	c.mic.release()
	return nil
}

// Player is a fake output device. Playback lasts until Finish or Stop is called.
type Player struct {
	StartErr error

	mu      sync.Mutex
	played  [][]byte
	current *Playback
	active  int
	maxAct  int
	stops   int
	level   float64
}

// NewPlayer creates a fake player.
func NewPlayer() *Player {
	return &Player{}
}

// SetLevel sets the amplitude reported by playback snapshots.
func (p *Player) SetLevel(level float64) {
	p.mu.Lock()
	p.level = level
	p.mu.Unlock()
}

// Play records audio and returns a handle that ends when Finish is called.
func (p *Player) Play(ctx context.Context, audio []byte) (device.Playback, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	p.played = append(p.played, append([]byte(nil), audio...))
	pb := &Playback{player: p, done: make(chan error, 1)}
	p.current = pb
	p.active++
	if p.active > p.maxAct {
		p.maxAct = p.active
	}
	return pb, nil
}

// Played returns every buffer passed to Play.
func (p *Player) Played() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.played...)
}

// Current returns the most recent playback handle.
func (p *Player) Current() *Playback {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Active returns how many playbacks have not ended.
func (p *Player) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// MaxConcurrent returns the largest number of simultaneous playbacks.
func (p *Player) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxAct
}

// Stops returns how many playbacks were stopped before finishing.
func (p *Player) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

// Playback is a fake playback handle.
type Playback struct {
	player *Player
	done   chan error
	once   sync.Once
}

// Finish ends playback naturally.
func (pb *Playback) Finish() {
	pb.end(nil, false)
}

// Fail ends playback with an error.
func (pb *Playback) Fail(err error) {
	pb.end(err, false)
}

func (pb *Playback) end(err error, stopped bool) {
	pb.once.Do(func() {
		pb.player.mu.Lock()
		pb.player.active--
		if stopped {
			pb.player.stops++
		}
		pb.player.mu.Unlock()
		pb.done <- err
		close(pb.done)
	})
}

func (pb *Playback) Snapshot(buf []float32) int {
	pb.player.mu.Lock()
	level := pb.player.level
	pb.player.mu.Unlock()
	for i := range buf {
		buf[i] = float32(level)
	}
	return len(buf)
}

func (pb *Playback) Done() <-chan error {
	return pb.done
}

func (pb *Playback) Stop() error {
	pb.end(nil, true)
	return nil
}
