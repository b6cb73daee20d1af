// Package speech turns a loudness stream into discrete speech and silence
// events: an utterance is complete after sustained speech followed by a
// silence run, and a session times out after a long period without activity.
package speech

import "time"

// Config holds the detector thresholds.
type Config struct {
	// SpeechThreshold is the level a sample must exceed to count as speech.
	SpeechThreshold float64
	// MinSpeech is how long sound must stay above threshold before it counts
	// as valid speech. Shorter bursts (clicks, bumps) are ignored.
	MinSpeech time.Duration
	// UtteranceSilence is the silence run that ends an utterance.
	UtteranceSilence time.Duration
	// SessionIdle is the time since the last activity after which the session
	// times out.
	SessionIdle time.Duration
}

// DefaultConfig returns the thresholds used by the desktop assistant.
func DefaultConfig() Config {
	return Config{
		SpeechThreshold:  0.35,
		MinSpeech:        400 * time.Millisecond,
		UtteranceSilence: 1200 * time.Millisecond,
		SessionIdle:      30 * time.Second,
	}
}

// Utterance reports the end of a capture.
type Utterance struct {
	HeardValidSpeech bool
}

// Decision is the outcome of observing one sample.
type Decision struct {
	Utterance   *Utterance // set when the utterance is complete
	IdleTimeout bool       // set when the session idle limit was exceeded
}

// session is the per-Listening-period state.
type session struct {
	hasHeardValidSpeech bool
	currentSpeechRun    time.Duration
	silenceRun          time.Duration
	lastActivity        time.Time
	lastSample          time.Time
}

// Detector tracks one speech activity session at a time.
type Detector struct {
	cfg     Config
	session *session
}

// NewDetector creates a detector with cfg.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Config returns the detector thresholds.
func (d *Detector) Config() Config {
	return d.cfg
}

// Begin starts a new session, discarding any previous one.
func (d *Detector) Begin(now time.Time) {
	d.session = &session{lastSample: now}
}

// Rebase moves the session clock to now so the time since the last sample
// counts as neither speech nor silence. Starts a session if none is open.
func (d *Detector) Rebase(now time.Time) {
	if d.session == nil {
		d.Begin(now)
		return
	}
	d.session.lastSample = now
}

// End discards the current session.
func (d *Detector) End() {
	d.session = nil
}

// Active reports whether a session exists.
func (d *Detector) Active() bool {
	return d.session != nil
}

// HeardValidSpeech reports whether the current session has seen valid speech.
func (d *Detector) HeardValidSpeech() bool {
	return d.session != nil && d.session.hasHeardValidSpeech
}

// Observe feeds one level sample taken at now.
func (d *Detector) Observe(level float64, now time.Time) Decision {
	s := d.session
	if s == nil {
		return Decision{}
	}

	dt := now.Sub(s.lastSample)
	if dt < 0 {
		dt = 0
	}
	s.lastSample = now

	var dec Decision
	if level > d.cfg.SpeechThreshold {
		s.currentSpeechRun += dt
		if s.currentSpeechRun >= d.cfg.MinSpeech {
			s.hasHeardValidSpeech = true
		}
		s.silenceRun = 0
		s.lastActivity = now
	} else {
		s.currentSpeechRun = 0
		if s.hasHeardValidSpeech {
			s.silenceRun += dt
			if s.silenceRun >= d.cfg.UtteranceSilence {
				dec.Utterance = &Utterance{HeardValidSpeech: true}
				s.silenceRun = 0
				s.hasHeardValidSpeech = false
			}
		}
	}

	if !s.lastActivity.IsZero() && now.Sub(s.lastActivity) > d.cfg.SessionIdle {
		dec.IdleTimeout = true
	}
	return dec
}

// Finish ends the utterance on operator request and reports whether it held
// valid speech. The session stays open until End.
func (d *Detector) Finish() Utterance {
	if d.session == nil {
		return Utterance{}
	}
	u := Utterance{HeardValidSpeech: d.session.hasHeardValidSpeech}
	d.session.currentSpeechRun = 0
	d.session.silenceRun = 0
	return u
}
