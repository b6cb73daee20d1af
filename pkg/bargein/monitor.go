// Package bargein watches the microphone while the assistant is speaking and
// reports when the user has talked over it long enough to interrupt.
package bargein

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chriscow/voicedesk/pkg/device"
	"github.com/chriscow/voicedesk/pkg/level"
)

// Config holds the barge-in thresholds.
type Config struct {
	// Gate is the level a sample must exceed to count toward barge-in.
	Gate float64
	// Duration is the continuous speech needed to interrupt playback.
	Duration time.Duration
}

// DefaultConfig returns the thresholds used by the desktop assistant.
func DefaultConfig() Config {
	return Config{
		Gate:     0.45,
		Duration: 700 * time.Millisecond,
	}
}

// Monitor owns a microphone tap for the duration of one Speaking period.
type Monitor struct {
	cfg      Config
	levelCfg level.Config
	mic      device.Microphone
	logger   *slog.Logger

	capture  device.Capture
	analyzer *level.Analyzer
	run      time.Duration
	last     time.Time
}

// New creates an idle monitor. mic should be a dedicated tap; the monitor
// opens it only between Start and Stop.
func New(mic device.Microphone, levelCfg level.Config, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:      cfg,
		levelCfg: levelCfg,
		mic:      mic,
		logger:   logger,
	}
}

// Start opens the microphone tap. Calling Start on an active monitor restarts it.
func (m *Monitor) Start(ctx context.Context, now time.Time) error {
	m.Stop()

	c, err := m.mic.Open(ctx)
	if err != nil {
		return fmt.Errorf("barge-in tap: %w", err)
	}
	a, err := level.Attach(c, m.levelCfg)
	if err != nil {
		c.Close()
		return fmt.Errorf("barge-in analyzer: %w", err)
	}

	m.capture = c
	m.analyzer = a
	m.run = 0
	m.last = now
	m.logger.Debug("Barge-in monitor started")
	return nil
}

// Active reports whether the tap is open.
func (m *Monitor) Active() bool {
	return m.capture != nil
}

// SpeechRun returns the current continuous-speech counter.
func (m *Monitor) SpeechRun() time.Duration {
	return m.run
}

// Observe samples the tap at now. It returns true when the user has spoken
// continuously for Duration; the monitor is stopped before returning.
func (m *Monitor) Observe(now time.Time) (bool, error) {
	if m.analyzer == nil {
		return false, nil
	}

	v, err := m.analyzer.Sample()
	if err != nil {
		m.Stop()
		return false, fmt.Errorf("barge-in sample: %w", err)
	}

	dt := now.Sub(m.last)
	if dt < 0 {
		dt = 0
	}
	m.last = now

	if v <= m.cfg.Gate {
		m.run = 0
		return false, nil
	}

	m.run += dt
	if m.run < m.cfg.Duration {
		return false, nil
	}

	m.logger.Info("Barge-in detected", slog.Duration("speech", m.run))
	m.Stop()
	return true, nil
}

// Stop releases the microphone tap. Idempotent.
func (m *Monitor) Stop() {
	if m.analyzer != nil {
		m.analyzer.Detach()
		m.analyzer = nil
	}
	if m.capture != nil {
		if err := m.capture.Close(); err != nil {
			m.logger.Warn("Failed to close barge-in tap", slog.String("error", err.Error()))
		}
		m.capture = nil
	}
	m.run = 0
}
