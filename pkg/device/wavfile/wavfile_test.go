package wavfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/chriscow/voicedesk/pkg/audio/wav"
	"github.com/chriscow/voicedesk/pkg/clock"
	"github.com/chriscow/voicedesk/pkg/voiceerr"
)

func constant(n int, v int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestMicrophone_ReplaysInRealTime(t *testing.T) {
	is := is.New(t)
	clk := clock.NewManual(time.Unix(0, 0))
	mic := NewMicrophoneFromSamples(constant(1600, 16384), 16000, WithClock(clk))

	c, err := mic.Open(context.Background())
	is.NoErr(err)
	clk.Advance(50 * time.Millisecond)

	rec, err := c.Stop()
	is.NoErr(err)
	is.Equal(len(rec.Frames), 5)
	is.Equal(len(rec.Samples()), 800)
	is.Equal(rec.SampleRate(), 16000)

	buf := make([]float32, 16)
	is.Equal(c.Snapshot(buf), 16)
	is.Equal(buf[0], float32(0.5))
	is.Equal(mic.Remaining(), 50*time.Millisecond)
	is.Equal(clk.ActiveTickers(), 0)
}

func TestMicrophone_SilenceAfterFile(t *testing.T) {
	is := is.New(t)
	clk := clock.NewManual(time.Unix(0, 0))
	mic := NewMicrophoneFromSamples(constant(800, 1000), 16000, WithClock(clk))

	c, err := mic.Open(context.Background())
	is.NoErr(err)
	clk.Advance(30 * time.Millisecond)
	is.NoErr(c.Close())

	// A new capture continues where the last one stopped.
	c, err = mic.Open(context.Background())
	is.NoErr(err)
	clk.Advance(50 * time.Millisecond)
	rec, err := c.Stop()
	is.NoErr(err)

	samples := rec.Samples()
	is.Equal(len(samples), 800)
	is.Equal(samples[0], int16(1000))
	is.Equal(samples[319], int16(1000)) // 20ms of file left
	is.Equal(samples[320], int16(0))    // then silence
}

func TestMicrophone_Loop(t *testing.T) {
	is := is.New(t)
	clk := clock.NewManual(time.Unix(0, 0))
	mic := NewMicrophoneFromSamples(constant(160, 7), 16000, WithClock(clk), WithLoop(true))

	c, err := mic.Open(context.Background())
	is.NoErr(err)
	clk.Advance(30 * time.Millisecond)
	rec, err := c.Stop()
	is.NoErr(err)
	for _, s := range rec.Samples() {
		is.Equal(s, int16(7))
	}
}

func TestNewMicrophone_FromFile(t *testing.T) {
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "stereo.wav")
	interleaved := []int16{1, -1, 2, -2, 3, -3}
	is.NoErr(os.WriteFile(path, wav.Encode(interleaved, 8000, 2), 0o644))

	mic, err := NewMicrophone(path)
	is.NoErr(err)
	is.Equal(mic.SampleRate(), 8000)
	is.Equal(mic.samples, []int16{1, 2, 3})

	_, err = NewMicrophone(filepath.Join(t.TempDir(), "missing.wav"))
	is.True(err != nil)
}

func TestPlayer_FinishesAfterDuration(t *testing.T) {
	is := is.New(t)
	clk := clock.NewManual(time.Unix(0, 0))
	p := NewPlayer(WithClock(clk))

	pb, err := p.Play(context.Background(), wav.Encode(constant(1600, 8192), 16000, 1))
	is.NoErr(err)
	is.Equal(p.Played(), 1)

	clk.Advance(50 * time.Millisecond)
	select {
	case <-pb.Done():
		t.Fatal("playback ended early")
	default:
	}

	clk.Advance(50 * time.Millisecond)
	select {
	case err := <-pb.Done():
		is.NoErr(err)
	case <-time.After(2 * time.Second):
		t.Fatal("playback never finished")
	}
}

func TestPlayer_Stop(t *testing.T) {
	is := is.New(t)
	clk := clock.NewManual(time.Unix(0, 0))
	p := NewPlayer(WithClock(clk))

	pb, err := p.Play(context.Background(), wav.Encode(constant(16000, 8192), 16000, 1))
	is.NoErr(err)
	is.NoErr(pb.Stop())
	is.NoErr(pb.Stop())

	select {
	case <-pb.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stopped playback never ended")
	}
	is.Equal(clk.ActiveTickers(), 0)
}

func TestPlayer_RejectsInvalidAudio(t *testing.T) {
	is := is.New(t)
	_, err := NewPlayer().Play(context.Background(), []byte("not a wav"))
	is.Equal(voiceerr.Classify(err), voiceerr.KindPlayback)
}
