package device

import (
	"context"
	"fmt"
	"sync/atomic"
)

// MicGate enforces exclusive access to a microphone: at most one holder at a
// time. The listening capture and the barge-in tap both acquire the device
// through the same gate.
type MicGate struct {
	mic    Microphone
	holder atomic.Pointer[string]
}

// NewMicGate wraps mic with an exclusivity gate.
func NewMicGate(mic Microphone) *MicGate {
	return &MicGate{mic: mic}
}

// Holder returns the name of the current holder, or "" if the device is free.
func (g *MicGate) Holder() string {
	if h := g.holder.Load(); h != nil {
		return *h
	}
	return ""
}

// For returns a Microphone that acquires the gate under the given holder name.
func (g *MicGate) For(holder string) Microphone {
	return gatedMic{gate: g, name: holder}
}

func (g *MicGate) open(ctx context.Context, name string) (Capture, error) {
	n := name
	if !g.holder.CompareAndSwap(nil, &n) {
		return nil, fmt.Errorf("microphone busy: held by %s", g.Holder())
	}
	c, err := g.mic.Open(ctx)
	if err != nil {
		g.holder.Store(nil)
		return nil, err
	}
	return &gatedCapture{Capture: c, gate: g}, nil
}

type gatedMic struct {
	gate *MicGate
	name string
}

func (m gatedMic) Open(ctx context.Context) (Capture, error) {
	return m.gate.open(ctx, m.name)
}

type gatedCapture struct {
	Capture
	gate     *MicGate
	released atomic.Bool
}

func (c *gatedCapture) release() {
	if c.released.CompareAndSwap(false, true) {
		c.gate.holder.Store(nil)
	}
}

func (c *gatedCapture) Stop() (Recording, error) {
	defer c.release()
	return c.Capture.Stop()
}

func (c *gatedCapture) Close() error {
	defer c.release()
	return c.Capture.Close()
}
