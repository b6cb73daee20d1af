package voice

import "time"

// inputGate controls whether microphone samples reach the speech detector.
// While the assistant is speaking, and for a short cooldown after playback
// ends, input is discarded so the tail of the synthesized audio cannot be
// mistaken for the user.
type inputGate struct {
	cooldown time.Duration
	until    time.Time
	speaking bool
}

func newInputGate(cooldown time.Duration) *inputGate {
	return &inputGate{cooldown: cooldown}
}

// SetSpeaking records playback starting or stopping at now. Leaving
// Speaking opens the cooldown window.
func (g *inputGate) SetSpeaking(speaking bool, now time.Time) {
	if g.speaking && !speaking {
		g.until = now.Add(g.cooldown)
	}
	g.speaking = speaking
}

// Interrupt ends playback without a cooldown; the user is already talking.
func (g *inputGate) Interrupt() {
	g.speaking = false
	g.until = time.Time{}
}

// ShouldDiscard reports whether a sample taken at now is dropped.
func (g *inputGate) ShouldDiscard(now time.Time) bool {
	return g.speaking || now.Before(g.until)
}

// Reset clears any pending cooldown.
func (g *inputGate) Reset() {
	g.speaking = false
	g.until = time.Time{}
}
