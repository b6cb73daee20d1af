// Package level converts a live audio source into a stream of normalised
// loudness samples in [0, 1], one per display frame.
//
// Each sample is the RMS of the latest analysis window, passed through a noise
// gate (values under Floor map to 0), a span (values over Floor+Span clip to 1)
// and a sub-linear curve so quiet sounds register relative to loud ones.
package level

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/chriscow/voicedesk/pkg/voiceerr"
)

// ErrAlreadyStarted is returned when Levels is called a second time.
var ErrAlreadyStarted = errors.New("level sequence already started")

// ErrDetached is returned when sampling a detached analyzer.
var ErrDetached = errors.New("analyzer detached")

// Source is anything that exposes a rolling time-domain window: an open
// microphone capture or an in-progress playback.
type Source interface {
	Snapshot(buf []float32) int
}

// Config tunes the normalisation curve.
type Config struct {
	WindowSize int     // samples per analysis window
	Floor      float64 // RMS below this maps to 0
	Span       float64 // RMS above Floor+Span maps to 1
	Exponent   float64 // curve exponent; 0.25 is a fourth root
}

// DefaultConfig returns the normalisation used for microphone input.
func DefaultConfig() Config {
	return Config{
		WindowSize: 2048,
		Floor:      0.01,
		Span:       0.25,
		Exponent:   0.25,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.Span <= 0 {
		c.Span = d.Span
	}
	if c.Exponent <= 0 {
		c.Exponent = d.Exponent
	}
	if c.Floor < 0 {
		c.Floor = 0
	}
	return c
}

// Level is one sample of the lazy level sequence.
type Level struct {
	Value float64
	At    time.Time
}

// Analyzer samples a Source on demand.
type Analyzer struct {
	cfg Config
	src Source
	buf []float32
	orb *Orb

	mu       sync.Mutex
	detached bool
	started  bool
}

// Attach begins analysing src. A nil source means the platform has no
// audio-graph capability.
func Attach(src Source, cfg Config) (*Analyzer, error) {
	if src == nil {
		return nil, voiceerr.ErrUnsupportedEnvironment
	}
	cfg = cfg.withDefaults()
	return &Analyzer{
		cfg: cfg,
		src: src,
		buf: make([]float32, cfg.WindowSize),
	}, nil
}

// WithOrb makes every sample update orb.
func (a *Analyzer) WithOrb(orb *Orb) *Analyzer {
	a.orb = orb
	return a
}

// Sample reads the current window and returns its normalised level.
func (a *Analyzer) Sample() (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.detached {
		return 0, ErrDetached
	}

	n := a.src.Snapshot(a.buf)
	v := Normalize(RMS(a.buf[:n]), a.cfg)
	if a.orb != nil {
		a.orb.Update(v)
	}
	return v, nil
}

// Levels returns the lazy, infinite level sequence: one sample per value on
// frames. The channel closes when ctx is done, frames closes or the analyzer
// is detached. The sequence cannot be restarted.
func (a *Analyzer) Levels(ctx context.Context, frames <-chan time.Time) (<-chan Level, error) {
	a.mu.Lock()
	if a.detached {
		a.mu.Unlock()
		return nil, ErrDetached
	}
	if a.started {
		a.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	a.started = true
	a.mu.Unlock()

	out := make(chan Level, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case at, ok := <-frames:
				if !ok {
					return
				}
				v, err := a.Sample()
				if err != nil {
					return
				}
				select {
				case out <- Level{Value: v, At: at}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Detach stops sampling and releases the source if it owns resources.
// Idempotent.
func (a *Analyzer) Detach() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.detached {
		return nil
	}
	a.detached = true
	if c, ok := a.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// RMS computes the root-mean-square of a normalised window.
func RMS(window []float32) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, s := range window {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(window)))
}

// Normalize maps a raw RMS value into [0, 1] using cfg's gate, span and curve.
func Normalize(rms float64, cfg Config) float64 {
	cfg = cfg.withDefaults()
	if rms <= cfg.Floor {
		return 0
	}
	x := (rms - cfg.Floor) / cfg.Span
	if x >= 1 {
		return 1
	}
	return math.Pow(x, cfg.Exponent)
}
