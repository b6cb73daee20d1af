// Package voice implements the voice-assistant session controller: a state
// machine that moves through Idle → Listening → Processing → Speaking,
// owning the microphone capture, the backend turn stream, playback and
// barge-in for one chat tab.
//
// All transitions run on a single loop goroutine started by Run. Public
// methods post work to that loop and wait for it, so the controller never
// needs locks around its session state.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chriscow/voicedesk/internal/metrics"
	"github.com/chriscow/voicedesk/pkg/audio/wav"
	"github.com/chriscow/voicedesk/pkg/bargein"
	"github.com/chriscow/voicedesk/pkg/chat"
	"github.com/chriscow/voicedesk/pkg/clock"
	"github.com/chriscow/voicedesk/pkg/device"
	"github.com/chriscow/voicedesk/pkg/level"
	"github.com/chriscow/voicedesk/pkg/render"
	"github.com/chriscow/voicedesk/pkg/session"
	"github.com/chriscow/voicedesk/pkg/speech"
	"github.com/chriscow/voicedesk/pkg/voiceerr"
)

// ErrClosed is returned by public methods once Run has returned.
var ErrClosed = errors.New("voice controller stopped")

// Gate holder names.
const (
	holderListening = "listening"
	holderBargeIn   = "barge-in"
)

// Deps are the collaborators of a Controller.
type Deps struct {
	Microphone device.Microphone
	Player     device.Player
	Transport  chat.Transport
	Renderer   render.TurnRenderer
	Auth       chat.AuthContext
	Session    *session.TurnState

	// Tracker enforces one outstanding turn per conversation; share it with
	// the text path. Optional.
	Tracker *chat.Tracker
	// Key is the conversation this controller submits turns for.
	Key chat.Key
	// Transcript is copied into Session after every turn. Defaults to
	// Renderer when it implements render.HTMLSource.
	Transcript render.HTMLSource
	// Persist is called after Session changed. Optional.
	Persist func()

	Clock    clock.Clock      // defaults to clock.Real
	Logger   *slog.Logger     // defaults to slog.Default
	Metrics  *metrics.Metrics // optional
	Observer Observer         // optional
}

// Controller is the voice session state machine for one chat tab.
type Controller struct {
	cfg      Config
	mic      device.Microphone
	player   device.Player
	tr       chat.Transport
	renderer render.TurnRenderer
	source   render.HTMLSource
	persist  func()
	auth     chat.AuthContext
	session  *session.TurnState
	tracker  *chat.Tracker
	key      chat.Key
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	observer Observer

	state         atomic.Int32
	textStreaming atomic.Bool

	cmds     chan func(context.Context)
	turnMsgs chan turnMsg
	playMsgs chan playbackMsg
	done     chan struct{}
	running  atomic.Bool

	// Owned by the loop goroutine.
	gate        *device.MicGate
	capture     device.Capture
	analyzer    *level.Analyzer
	detector    *speech.Detector
	monitor     *bargein.Monitor
	input       *inputGate
	orb         *level.Orb
	ticker      clock.Ticker
	playback    device.Playback
	playLevel   *level.Analyzer
	playSeq     uint64
	turn        *turn
	unsupported bool
}

// New creates a Controller. Run must be called before any other method
// takes effect.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Microphone == nil {
		return nil, fmt.Errorf("microphone is required")
	}
	if deps.Player == nil {
		return nil, fmt.Errorf("player is required")
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if deps.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if deps.Session == nil {
		return nil, fmt.Errorf("session state is required")
	}
	if cfg.FrameInterval <= 0 {
		return nil, fmt.Errorf("frame interval must be positive")
	}
	if deps.Auth == nil {
		deps.Auth = chat.StaticAuth(true)
	}
	if deps.Transcript == nil {
		deps.Transcript, _ = deps.Renderer.(render.HTMLSource)
	}
	if deps.Tracker == nil {
		deps.Tracker = chat.NewTracker()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}

	gate := device.NewMicGate(deps.Microphone)
	c := &Controller{
		cfg:      cfg,
		mic:      gate.For(holderListening),
		player:   deps.Player,
		tr:       deps.Transport,
		renderer: deps.Renderer,
		source:   deps.Transcript,
		persist:  deps.Persist,
		auth:     deps.Auth,
		session:  deps.Session,
		tracker:  deps.Tracker,
		key:      deps.Key,
		clock:    deps.Clock,
		logger:   deps.Logger.With(slog.String("component", "voice")),
		metrics:  deps.Metrics,
		observer: deps.Observer,
		cmds:     make(chan func(context.Context)),
		turnMsgs: make(chan turnMsg, 16),
		playMsgs: make(chan playbackMsg, 1),
		done:     make(chan struct{}),
		gate:     gate,
		detector: speech.NewDetector(cfg.Speech),
		input:    newInputGate(cfg.Cooldown),
	}
	c.orb = level.NewOrb(nil)
	c.monitor = bargein.New(gate.For(holderBargeIn), cfg.Level, cfg.BargeIn, c.logger)
	c.state.Store(int32(StateIdle))
	return c, nil
}

// Run processes commands, frame ticks, turn events and playback completions
// until ctx is cancelled. Every resource is released before it returns.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("controller already running")
	}
	defer close(c.done)
	defer c.teardown()

	c.logger.Debug("Voice controller started")
	for {
		var tick <-chan time.Time
		if c.ticker != nil {
			tick = c.ticker.C()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-c.cmds:
			fn(ctx)
		case now := <-tick:
			c.onFrame(ctx, now)
		case m := <-c.turnMsgs:
			c.onTurnMsg(ctx, m)
		case m := <-c.playMsgs:
			c.onPlaybackDone(ctx, m)
		}
	}
}

// do runs fn on the loop goroutine and waits for its result.
func (c *Controller) do(ctx context.Context, fn func(context.Context) error) error {
	errc := make(chan error, 1)
	select {
	case c.cmds <- func(loopCtx context.Context) { errc <- fn(loopCtx) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// StartVoiceRecording opens the microphone and enters Listening. It is a
// no-op when the session is already active.
func (c *Controller) StartVoiceRecording(ctx context.Context) error {
	return c.do(ctx, func(loopCtx context.Context) error {
		if c.unsupported {
			return voiceerr.ErrUnsupportedEnvironment
		}
		switch c.State() {
		case StateIdle, StateError:
		default:
			return nil
		}
		if err := c.startListening(loopCtx, false); err != nil {
			c.failRearm(err)
			return err
		}
		return nil
	})
}

// StopVoiceRecordingAndSend ends the current utterance as if the user had
// stopped talking. Without valid speech the capture is discarded and
// Listening is re-armed. No-op outside Listening.
func (c *Controller) StopVoiceRecordingAndSend(ctx context.Context) error {
	return c.do(ctx, func(loopCtx context.Context) error {
		if c.State() != StateListening {
			return nil
		}
		c.finishUtterance(loopCtx, c.detector.HeardValidSpeech())
		return nil
	})
}

// StopVoiceAssistantCompletely cancels any turn, stops capture and playback
// and returns to Idle. Idempotent.
func (c *Controller) StopVoiceAssistantCompletely(ctx context.Context) error {
	err := c.do(ctx, func(context.Context) error {
		c.teardown()
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// IsVoiceAssistantActive reports whether the session is anywhere but Idle.
func (c *Controller) IsVoiceAssistantActive() bool {
	return c.State() != StateIdle
}

// VoiceState returns the current state.
func (c *Controller) VoiceState() State {
	return c.State()
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// MicHolder names the part of the session holding the microphone:
// "listening", "barge-in" or "" when it is free.
func (c *Controller) MicHolder() string {
	return c.gate.Holder()
}

// SetTextStreaming records whether a text turn is streaming. The flag is
// read by the UI to disable the voice and text submit affordances.
func (c *Controller) SetTextStreaming(streaming bool) {
	if c.textStreaming.Swap(streaming) != streaming {
		c.observer.TextStreamingChanged(streaming)
	}
}

// IsTextStreaming reports the text-streaming flag.
func (c *Controller) IsTextStreaming() bool {
	return c.textStreaming.Load()
}

// setState updates the state, records metrics and keeps the frame ticker
// running exactly while Listening or Speaking.
func (c *Controller) setState(to State) {
	from := State(c.state.Swap(int32(to)))

	if to == StateListening || to == StateSpeaking {
		if c.ticker == nil {
			c.ticker = c.clock.NewTicker(c.cfg.FrameInterval)
		}
	} else if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}

	if from == to {
		return
	}
	c.logger.Debug("Voice state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	c.metrics.RecordTransition(from.String(), to.String())
	c.observer.StateChanged(from, to)
}

// startListening opens the listening capture and enters Listening.
// cooldown delays speech detection after playback.
func (c *Controller) startListening(ctx context.Context, cooldown bool) error {
	c.releaseListening()

	capture, err := c.mic.Open(ctx)
	if err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}
	analyzer, err := level.Attach(capture, c.cfg.Level)
	if err != nil {
		capture.Close()
		return fmt.Errorf("attach analyzer: %w", err)
	}
	c.capture = capture
	c.analyzer = analyzer.WithOrb(c.orb)

	now := c.clock.Now()
	if !cooldown {
		c.input.Reset()
	}
	c.detector.Begin(now)
	c.setState(StateListening)
	return nil
}

// releaseListening closes the capture and ends the detector session.
func (c *Controller) releaseListening() {
	if c.analyzer != nil {
		c.analyzer.Detach()
		c.analyzer = nil
	}
	if c.capture != nil {
		c.capture.Close()
		c.capture = nil
	}
	c.detector.End()
}

// onFrame handles one frame tick.
func (c *Controller) onFrame(ctx context.Context, now time.Time) {
	switch c.State() {
	case StateListening:
		c.listenFrame(ctx, now)
	case StateSpeaking:
		c.speakFrame(ctx, now)
	}
}

func (c *Controller) listenFrame(ctx context.Context, now time.Time) {
	if c.analyzer == nil {
		return
	}
	v, err := c.analyzer.Sample()
	if err != nil {
		c.logger.Warn("Listening analyzer failed", slog.String("error", err.Error()))
		c.recoverToListening(ctx, nil)
		return
	}
	c.observer.LevelChanged(v, c.orb.State())

	if c.input.ShouldDiscard(now) {
		// Keep the detector's clock current so the cooldown is not counted
		// as speech or silence once it ends.
		c.detector.Rebase(now)
		return
	}

	dec := c.detector.Observe(v, now)
	switch {
	case dec.IdleTimeout:
		c.logger.Info("Voice session idle, shutting down")
		c.teardown()
	case dec.Utterance != nil:
		c.finishUtterance(ctx, dec.Utterance.HeardValidSpeech)
	}
}

func (c *Controller) speakFrame(ctx context.Context, now time.Time) {
	if c.playLevel != nil {
		if v, err := c.playLevel.Sample(); err == nil {
			c.observer.LevelChanged(v, c.orb.State())
		}
	}

	hit, err := c.monitor.Observe(now)
	if err != nil {
		c.logger.Warn("Barge-in monitor failed", slog.String("error", err.Error()))
		return
	}
	if hit {
		c.bargeIn(ctx)
	}
}

// finishUtterance stops the capture and submits it, or discards it and
// re-arms Listening when no valid speech was heard.
func (c *Controller) finishUtterance(ctx context.Context, heard bool) {
	c.detector.Finish()

	var rec device.Recording
	var stopErr error
	if c.capture != nil {
		rec, stopErr = c.capture.Stop()
	}
	c.releaseListening()

	if stopErr != nil {
		c.logger.Warn("Failed to stop capture", slog.String("error", stopErr.Error()))
		c.recoverToListening(ctx, nil)
		return
	}

	if !heard || rec.Empty() {
		c.logger.Debug("Discarding capture", slog.String("reason", voiceerr.ErrEmptyUtterance.Error()))
		c.metrics.RecordTurn("voice", "empty")
		c.rearm(ctx, false)
		return
	}

	audio := wav.Encode(rec.Samples(), uint32(rec.SampleRate()), 1)
	c.submitTurn(ctx, audio)
}

// bargeIn interrupts playback and starts a new recording without cooldown.
func (c *Controller) bargeIn(ctx context.Context) {
	c.logger.Info("User interrupted playback")
	c.metrics.RecordBargeIn()
	c.input.Interrupt()
	c.stopSpeaking()
	c.rearm(ctx, false)
}

// startSpeaking plays audio and arms the barge-in monitor.
func (c *Controller) startSpeaking(ctx context.Context, audio []byte) {
	c.stopSpeaking()

	pb, err := c.player.Play(ctx, audio)
	if err != nil {
		c.recoverToListening(ctx, voiceerr.NewPlaybackError(err))
		return
	}
	c.playSeq++
	c.playback = pb
	if a, err := level.Attach(pb, c.cfg.Level); err == nil {
		c.playLevel = a.WithOrb(c.orb)
	}

	now := c.clock.Now()
	c.input.SetSpeaking(true, now)
	c.setState(StateSpeaking)

	if err := c.monitor.Start(ctx, now); err != nil {
		c.logger.Warn("Barge-in unavailable for this reply", slog.String("error", err.Error()))
	}

	seq := c.playSeq
	go func() {
		var err error
		select {
		case err = <-pb.Done():
		case <-c.done:
			return
		}
		select {
		case c.playMsgs <- playbackMsg{seq: seq, err: err}:
		case <-c.done:
		}
	}()
}

// stopSpeaking releases the barge-in tap and any playback.
func (c *Controller) stopSpeaking() {
	c.monitor.Stop()
	if c.playLevel != nil {
		c.playLevel.Detach()
		c.playLevel = nil
	}
	if c.playback != nil {
		if err := c.playback.Stop(); err != nil {
			c.logger.Warn("Failed to stop playback", slog.String("error", err.Error()))
		}
		c.playback = nil
		c.playSeq++
	}
}

type playbackMsg struct {
	seq uint64
	err error
}

func (c *Controller) onPlaybackDone(ctx context.Context, m playbackMsg) {
	if m.seq != c.playSeq || c.State() != StateSpeaking {
		return
	}
	c.playback = nil
	if m.err != nil {
		c.recoverToListening(ctx, voiceerr.NewPlaybackError(m.err))
		return
	}
	c.stopSpeaking()
	c.input.SetSpeaking(false, c.clock.Now())
	c.rearm(ctx, true)
}

// recoverToListening is the single recovery path for turn and component
// failures: render the failure (if any), release everything the failed
// state held and reopen the microphone.
func (c *Controller) recoverToListening(ctx context.Context, cause error) {
	wasSpeaking := c.State() == StateSpeaking

	if cause != nil {
		kind := voiceerr.Classify(cause)
		c.logger.Warn("Turn failed, resuming listening",
			slog.String("kind", kind.String()),
			slog.String("error", cause.Error()))
		if kind != voiceerr.KindPlayback {
			c.renderFailure(cause)
		}
		if c.turn != nil {
			c.metrics.RecordTurn("voice", "error")
		}
	}

	c.endTurn()
	c.stopSpeaking()
	c.releaseListening()
	if wasSpeaking {
		c.input.SetSpeaking(false, c.clock.Now())
	}

	c.rearm(ctx, wasSpeaking)
}

// rearm reopens the microphone after a turn or an interruption. Nobody is
// waiting on the result, so a failure is rendered as an error entry.
func (c *Controller) rearm(ctx context.Context, cooldown bool) {
	if err := c.startListening(ctx, cooldown); err != nil {
		c.renderFailure(err)
		c.failRearm(err)
	}
}

// failRearm handles a microphone that cannot be reopened. Permission and
// capability failures go straight to Idle; anything else passes through
// Error so observers can show it.
func (c *Controller) failRearm(err error) {
	kind := voiceerr.Classify(err)
	c.logger.Error("Cannot open microphone", slog.String("kind", kind.String()), slog.String("error", err.Error()))

	if kind == voiceerr.KindUnsupportedEnvironment {
		c.unsupported = true
	}
	if kind != voiceerr.KindPermissionDenied && kind != voiceerr.KindUnsupportedEnvironment {
		c.setState(StateError)
	}
	c.teardown()
}

// renderFailure writes exactly one error entry for the current turn.
func (c *Controller) renderFailure(err error) {
	msg := voiceerr.UserMessage(err)
	if c.turn != nil && c.turn.botID != "" {
		c.renderer.FinalizeAssistantTurn(c.turn.botID, msg, true)
		c.turn.botID = ""
		return
	}
	id := c.renderer.AppendAssistantPending()
	c.renderer.FinalizeAssistantTurn(id, msg, true)
	c.saveSession()
}

// saveSession copies the transcript into the session state and hands it to
// the persist hook.
func (c *Controller) saveSession() {
	if c.source != nil {
		c.session.SetTranscriptHTML(c.source.HTML())
	}
	if c.persist != nil {
		c.persist()
	}
}

// teardown releases every resource and enters Idle. Idempotent.
func (c *Controller) teardown() {
	c.endTurn()
	c.stopSpeaking()
	c.releaseListening()
	c.input.Reset()
	c.orb.Reset()
	c.setState(StateIdle)
}
