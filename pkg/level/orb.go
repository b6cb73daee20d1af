package level

import (
	"math"
	"sync"
)

// OrbState is the visual feedback derived from one level sample.
type OrbState struct {
	Scale    float64 // 1.0 at rest
	Glow     float64 // 0..1
	Rotation float64 // degrees, accumulates while sound is present
}

// OrbFor computes the next orb state from the previous one and a level sample.
func OrbFor(prev OrbState, level float64) OrbState {
	level = math.Max(0, math.Min(1, level))
	return OrbState{
		Scale:    1 + 0.35*level,
		Glow:     0.15 + 0.85*level,
		Rotation: math.Mod(prev.Rotation+0.5+6*level, 360),
	}
}

// Orb is a concurrency-safe holder for the current orb state.
type Orb struct {
	mu       sync.Mutex
	state    OrbState
	onChange func(OrbState)
}

// NewOrb creates an orb at rest. onChange, if set, is called after each update.
func NewOrb(onChange func(OrbState)) *Orb {
	return &Orb{state: OrbState{Scale: 1}, onChange: onChange}
}

// Update advances the orb with a new level sample.
func (o *Orb) Update(level float64) {
	o.mu.Lock()
	o.state = OrbFor(o.state, level)
	s := o.state
	o.mu.Unlock()
	if o.onChange != nil {
		o.onChange(s)
	}
}

// Reset returns the orb to rest.
func (o *Orb) Reset() {
	o.mu.Lock()
	o.state = OrbState{Scale: 1}
	s := o.state
	o.mu.Unlock()
	if o.onChange != nil {
		o.onChange(s)
	}
}

// State returns the current orb state.
func (o *Orb) State() OrbState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}
