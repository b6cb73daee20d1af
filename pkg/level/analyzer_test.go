package level

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/chriscow/voicedesk/pkg/voiceerr"
	"github.com/matryer/is"
)

// constSource fills every window with a fixed amplitude.
type constSource struct {
	amp    float32
	closed int
}

func (s *constSource) Snapshot(buf []float32) int {
	for i := range buf {
		buf[i] = s.amp
	}
	return len(buf)
}

func (s *constSource) Close() error {
	s.closed++
	return nil
}

func TestAttach_NilSource(t *testing.T) {
	_, err := Attach(nil, DefaultConfig())
	if !errors.Is(err, voiceerr.ErrUnsupportedEnvironment) {
		t.Fatalf("expected ErrUnsupportedEnvironment, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	cfg := Config{Floor: 0.1, Span: 0.4, Exponent: 0.25}

	tests := []struct {
		name string
		rms  float64
		want float64
	}{
		{"below floor", 0.05, 0},
		{"at floor", 0.1, 0},
		{"above span", 0.9, 1},
		{"at span edge", 0.5, 1},
		{"midpoint fourth root", 0.2, math.Pow(0.25, 0.25)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.rms, cfg)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Normalize(%v) = %v, want %v", tt.rms, got, tt.want)
			}
		})
	}
}

func TestNormalize_QuietAmplified(t *testing.T) {
	is := is.New(t)
	cfg := Config{Floor: 0, Span: 1, Exponent: 0.25}

	quiet := Normalize(0.01, cfg)
	is.True(quiet > 0.3) // fourth root of 0.01 is ~0.316
	is.True(Normalize(0.5, cfg) < 1)
}

func TestAnalyzer_SampleAndDetach(t *testing.T) {
	is := is.New(t)

	src := &constSource{amp: 0.5}
	a, err := Attach(src, Config{WindowSize: 64, Floor: 0, Span: 1, Exponent: 1})
	is.NoErr(err)

	orb := NewOrb(nil)
	a.WithOrb(orb)

	v, err := a.Sample()
	is.NoErr(err)
	is.True(math.Abs(v-0.5) < 1e-6)
	is.True(orb.State().Scale > 1) // orb follows the sample

	is.NoErr(a.Detach())
	is.NoErr(a.Detach()) // idempotent
	is.Equal(src.closed, 1)

	_, err = a.Sample()
	is.True(errors.Is(err, ErrDetached))
}

func TestAnalyzer_Levels(t *testing.T) {
	is := is.New(t)

	src := &constSource{amp: 0.25}
	a, err := Attach(src, Config{WindowSize: 16, Floor: 0, Span: 1, Exponent: 1})
	is.NoErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan time.Time)
	levels, err := a.Levels(ctx, frames)
	is.NoErr(err)

	_, err = a.Levels(ctx, frames)
	is.True(errors.Is(err, ErrAlreadyStarted)) // non-restartable

	at := time.Unix(10, 0)
	frames <- at
	l := <-levels
	is.Equal(l.At, at)
	is.True(math.Abs(l.Value-0.25) < 1e-6)

	close(frames)
	_, ok := <-levels
	is.True(!ok) // closes with the frame signal
}

func TestOrbFor(t *testing.T) {
	is := is.New(t)

	rest := OrbFor(OrbState{}, 0)
	is.Equal(rest.Scale, 1.0)

	loud := OrbFor(rest, 2) // clamps above 1
	is.True(math.Abs(loud.Scale-1.35) < 1e-9)
	is.True(math.Abs(loud.Glow-1.0) < 1e-9)
	is.True(loud.Rotation > rest.Rotation)
}
