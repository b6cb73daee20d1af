// Package textchat sends typed messages through the same backend as the
// voice path and streams the reply into the transcript.
package textchat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chriscow/voicedesk/internal/metrics"
	"github.com/chriscow/voicedesk/pkg/chat"
	"github.com/chriscow/voicedesk/pkg/render"
	"github.com/chriscow/voicedesk/pkg/session"
	"github.com/chriscow/voicedesk/pkg/voiceerr"
)

var (
	// ErrEmptyMessage is returned when the message is blank.
	ErrEmptyMessage = errors.New("empty message")

	// ErrSuperseded is returned when a newer turn for the same tab and mode
	// replaced this one before it finished.
	ErrSuperseded = errors.New("turn superseded")
)

// StreamingFlag is told when text turns start and stop streaming. The voice
// controller implements it.
type StreamingFlag interface {
	SetTextStreaming(streaming bool)
}

// Deps are the collaborators of a Streamer.
type Deps struct {
	Transport chat.Transport
	Store     *session.Store
	Renderer  render.TurnRenderer

	// Transcript is copied into the session state after every turn.
	// Defaults to Renderer when it implements render.HTMLSource.
	Transcript render.HTMLSource
	// Persist is called after the session state changed. Optional.
	Persist func()

	Tracker *chat.Tracker    // share with the voice controller
	Flag    StreamingFlag    // optional
	Auth    chat.AuthContext // defaults to authenticated
	Logger  *slog.Logger     // defaults to slog.Default
	Metrics *metrics.Metrics // optional
	Now     func() time.Time // defaults to time.Now
}

// Streamer runs text turns.
type Streamer struct {
	tr         chat.Transport
	store      *session.Store
	renderer   render.TurnRenderer
	transcript render.HTMLSource
	persist    func()
	tracker    *chat.Tracker
	flag       StreamingFlag
	auth       chat.AuthContext
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu     sync.Mutex
	active int
}

// New creates a Streamer.
func New(deps Deps) (*Streamer, error) {
	if deps.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if deps.Transcript == nil {
		deps.Transcript, _ = deps.Renderer.(render.HTMLSource)
	}
	if deps.Tracker == nil {
		deps.Tracker = chat.NewTracker()
	}
	if deps.Auth == nil {
		deps.Auth = chat.StaticAuth(true)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Streamer{
		tr:         deps.Transport,
		store:      deps.Store,
		renderer:   deps.Renderer,
		transcript: deps.Transcript,
		persist:    deps.Persist,
		tracker:    deps.Tracker,
		flag:       deps.Flag,
		auth:       deps.Auth,
		logger:     deps.Logger.With(slog.String("component", "textchat")),
		metrics:    deps.Metrics,
		now:        deps.Now,
	}, nil
}

// Streaming reports whether any text turn is in flight.
func (s *Streamer) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active > 0
}

// Send posts message for tab and mode and blocks until the reply has been
// fully rendered. A previous turn for the same tab and mode is cancelled.
// Failures are rendered as an error entry and returned.
func (s *Streamer) Send(ctx context.Context, tab string, mode session.Mode, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return ErrEmptyMessage
	}
	st, err := s.store.Get(tab, mode)
	if err != nil {
		return err
	}

	s.renderer.AppendUserPlaceholder()
	s.renderer.ReplaceUserText(message)
	botID := s.renderer.AppendAssistantPending()

	if !s.auth.IsAuthenticated() {
		s.fail(st, botID, voiceerr.ErrNotAuthenticated)
		return voiceerr.ErrNotAuthenticated
	}

	tok := s.tracker.Begin(ctx, chat.Key{Tab: tab, Mode: string(mode)})
	defer tok.Cancel()

	s.begin()
	defer s.end()

	st.MarkStarted()
	logger := s.logger.With(slog.String("tab", tab), slog.String("mode", string(mode)), slog.Uint64("turn", tok.ID()))
	logger.Debug("Sending text turn", slog.Int("chars", len(message)))

	started := s.now()
	stream, err := s.tr.StreamTextTurn(tok.Context(), message, st.SessionID())
	if err != nil {
		err = voiceerr.NewTransportError(err, "")
		s.fail(st, botID, err)
		return err
	}
	defer stream.Close()

	acc := chat.NewAccumulator()
	firstToken := true
	for {
		ev, err := stream.Recv()
		if !tok.Valid() {
			logger.Info("Text turn superseded")
			s.renderer.FinalizeAssistantTurn(botID, acc.AssistantText(), false)
			s.save(st)
			s.metrics.RecordTurn("text", "cancelled")
			if err := ctx.Err(); err != nil {
				return err
			}
			return ErrSuperseded
		}
		if errors.Is(err, io.EOF) {
			err = acc.Finish()
			s.fail(st, botID, err)
			return err
		}
		if err != nil {
			err = voiceerr.NewTransportError(err, "")
			s.fail(st, botID, err)
			return err
		}

		effect, err := acc.Apply(ev)
		if err != nil {
			s.fail(st, botID, err)
			return err
		}
		switch effect {
		case chat.EffectAssistantText, chat.EffectAssistantFinal:
			if firstToken {
				firstToken = false
				s.metrics.ObserveFirstToken("text", s.now().Sub(started))
			}
			s.renderer.UpdateAssistantStreamingText(botID, acc.AssistantText())
		case chat.EffectDone:
			s.renderer.FinalizeAssistantTurn(botID, acc.AssistantText(), false)
			st.SetSessionID(acc.SessionID())
			s.save(st)
			s.metrics.RecordTurn("text", "ok")
			logger.Info("Text turn complete", slog.String("session_id", acc.SessionID()))
			return nil
		}
	}
}

func (s *Streamer) fail(st *session.TurnState, botID string, err error) {
	s.logger.Warn("Text turn failed",
		slog.String("kind", voiceerr.Classify(err).String()),
		slog.String("error", err.Error()))
	s.renderer.FinalizeAssistantTurn(botID, voiceerr.UserMessage(err), true)
	s.save(st)
	s.metrics.RecordTurn("text", "error")
}

// save copies the transcript into st and hands it to the persist hook.
func (s *Streamer) save(st *session.TurnState) {
	if s.transcript != nil {
		st.SetTranscriptHTML(s.transcript.HTML())
	}
	if s.persist != nil {
		s.persist()
	}
}

// begin and end keep the streaming flag set while any turn is in flight.
func (s *Streamer) begin() {
	s.mu.Lock()
	s.active++
	first := s.active == 1
	s.mu.Unlock()
	if first && s.flag != nil {
		s.flag.SetTextStreaming(true)
	}
}

func (s *Streamer) end() {
	s.mu.Lock()
	s.active--
	last := s.active == 0
	s.mu.Unlock()
	if last && s.flag != nil {
		s.flag.SetTextStreaming(false)
	}
}
