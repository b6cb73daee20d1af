package device_test

import (
	"context"
	"errors"
	"testing"

	"github.com/chriscow/voicedesk/pkg/device"
	"github.com/chriscow/voicedesk/pkg/device/fake"
	"github.com/chriscow/voicedesk/pkg/voiceerr"
	"github.com/matryer/is"
)

func TestMicGate_Exclusive(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	mic := fake.NewMicrophone()
	gate := device.NewMicGate(mic)

	listen, err := gate.For("listening").Open(ctx)
	is.NoErr(err)
	is.Equal(gate.Holder(), "listening")

	_, err = gate.For("barge-in").Open(ctx)
	is.True(err != nil) // second holder must be refused while the first is open

	is.NoErr(listen.Close())
	is.Equal(gate.Holder(), "")

	tap, err := gate.For("barge-in").Open(ctx)
	is.NoErr(err)
	is.Equal(gate.Holder(), "barge-in")

	_, err = tap.Stop()
	is.NoErr(err)
	is.NoErr(tap.Close()) // close after stop is a no-op
	is.Equal(gate.Holder(), "")
	is.Equal(mic.MaxConcurrent(), 1)
}

func TestMicGate_OpenFailureReleases(t *testing.T) {
	is := is.New(t)

	mic := fake.NewMicrophone()
	mic.OpenErr = voiceerr.ErrPermissionDenied
	gate := device.NewMicGate(mic)

	_, err := gate.For("listening").Open(context.Background())
	is.True(errors.Is(err, voiceerr.ErrPermissionDenied))
	is.Equal(gate.Holder(), "") // failed open must not keep the device
}

func TestRecording_Samples(t *testing.T) {
	is := is.New(t)

	mic := fake.NewMicrophone()
	mic.SetLevel(0.5)
	c, err := mic.Open(context.Background())
	is.NoErr(err)

	buf := make([]float32, 64)
	c.Snapshot(buf)
	c.Snapshot(buf)

	rec, err := c.Stop()
	is.NoErr(err)
	is.Equal(len(rec.Frames), 2)
	is.Equal(rec.SampleRate(), fake.DefaultSampleRate)
	is.Equal(len(rec.Samples()), 2*fake.DefaultSampleRate/100)
	is.True(!rec.Empty())
	is.True(device.Recording{}.Empty())
}
