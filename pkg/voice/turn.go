package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/chriscow/voicedesk/pkg/chat"
	"github.com/chriscow/voicedesk/pkg/voiceerr"
)

// turn is the in-flight backend request of the Processing state.
type turn struct {
	token      *chat.Token
	acc        *chat.Accumulator
	botID      string
	started    time.Time
	firstToken bool
	redraw     *rate.Limiter
	rendered   string
}

// turnMsg carries one stream result from the turn goroutine to the loop.
type turnMsg struct {
	token *chat.Token
	event chat.Event
	err   error
	end   bool // stream ended (io.EOF)
	gone  bool // token was cancelled from outside
}

// submitTurn uploads audio and enters Processing.
func (c *Controller) submitTurn(ctx context.Context, audio []byte) {
	if !c.auth.IsAuthenticated() {
		c.recoverToListening(ctx, voiceerr.ErrNotAuthenticated)
		return
	}

	c.setState(StateProcessing)
	c.metrics.RecordUpload(len(audio))
	c.session.MarkStarted()

	t := &turn{
		token:   c.tracker.Begin(ctx, c.key),
		acc:     chat.NewAccumulator(),
		started: c.clock.Now(),
		redraw:  rate.NewLimiter(rate.Every(c.cfg.RenderInterval), 1),
	}
	c.renderer.AppendUserPlaceholder()
	t.botID = c.renderer.AppendAssistantPending()
	c.turn = t

	c.logger.Info("Submitting voice turn", slog.Int("bytes", len(audio)), slog.Uint64("turn", t.token.ID()))
	go c.streamTurn(t.token, audio, c.session.SessionID())
}

// streamTurn consumes the backend stream in order and posts each event to
// the loop. Once the token is invalid nothing more is delivered.
func (c *Controller) streamTurn(tok *chat.Token, audio []byte, sessionID string) {
	ctx := tok.Context()

	stream, err := c.tr.StreamVoiceTurn(ctx, audio, sessionID)
	if err != nil {
		c.postTurn(turnMsg{token: tok, err: asTransportError(err)})
		return
	}
	defer stream.Close()

	for {
		ev, err := stream.Recv()
		if !tok.Valid() {
			c.postTurn(turnMsg{token: tok, gone: true})
			return
		}
		switch {
		case errors.Is(err, io.EOF):
			c.postTurn(turnMsg{token: tok, end: true})
			return
		case err != nil:
			c.postTurn(turnMsg{token: tok, err: asTransportError(err)})
			return
		}
		if !c.postTurn(turnMsg{token: tok, event: ev}) {
			return
		}
		if ev.Terminal() {
			return
		}
	}
}

func (c *Controller) postTurn(m turnMsg) bool {
	select {
	case c.turnMsgs <- m:
		return true
	case <-c.done:
		return false
	}
}

func asTransportError(err error) error {
	var te *voiceerr.TransportError
	if errors.As(err, &te) {
		return err
	}
	return voiceerr.NewTransportError(err, "")
}

// onTurnMsg applies one stream result. Results of stale turns are dropped.
func (c *Controller) onTurnMsg(ctx context.Context, m turnMsg) {
	t := c.turn
	if t == nil || m.token != t.token || c.State() != StateProcessing {
		return
	}

	if m.gone || !t.token.Valid() {
		// Superseded by another turn for the same conversation.
		c.logger.Info("Voice turn superseded", slog.Uint64("turn", t.token.ID()))
		c.renderer.FinalizeAssistantTurn(t.botID, t.acc.AssistantText(), false)
		t.botID = ""
		c.metrics.RecordTurn("voice", "cancelled")
		c.recoverToListening(ctx, nil)
		return
	}

	switch {
	case m.err != nil:
		c.recoverToListening(ctx, m.err)
		return
	case m.end:
		if err := t.acc.Finish(); err != nil {
			c.recoverToListening(ctx, err)
		}
		return
	}

	effect, err := t.acc.Apply(m.event)
	if err != nil {
		c.recoverToListening(ctx, err)
		return
	}

	switch effect {
	case chat.EffectUserText:
		text, _ := t.acc.UserText()
		c.renderer.ReplaceUserText(text)
	case chat.EffectAssistantText:
		if !t.firstToken {
			t.firstToken = true
			c.metrics.ObserveFirstToken("voice", c.clock.Now().Sub(t.started))
		}
		if wordBoundary(m.event.Delta) || t.redraw.AllowN(c.clock.Now(), 1) {
			c.renderStreaming(t)
		}
	case chat.EffectAssistantFinal:
		c.renderStreaming(t)
	case chat.EffectDone:
		c.completeTurn(ctx, t)
	}
}

func (c *Controller) renderStreaming(t *turn) {
	text := t.acc.AssistantText()
	if text == t.rendered {
		return
	}
	t.rendered = text
	c.renderer.UpdateAssistantStreamingText(t.botID, text)
}

// wordBoundary reports whether a delta ends a word or sentence.
func wordBoundary(delta string) bool {
	if delta == "" {
		return false
	}
	return strings.ContainsAny(delta[len(delta)-1:], " \n\t.!?,;:")
}

// completeTurn finalizes the transcript and moves on to Speaking when the
// reply carried audio, or straight back to Listening when it did not.
func (c *Controller) completeTurn(ctx context.Context, t *turn) {
	c.renderer.FinalizeAssistantTurn(t.botID, t.acc.AssistantText(), false)
	t.botID = ""
	c.session.SetSessionID(t.acc.SessionID())
	c.metrics.RecordTurn("voice", "ok")

	audio := t.acc.Audio()
	c.endTurn()

	if len(audio) == 0 {
		c.rearm(ctx, false)
		return
	}
	c.startSpeaking(ctx, audio)
}

// endTurn cancels the in-flight turn, if any. Idempotent.
func (c *Controller) endTurn() {
	if c.turn == nil {
		return
	}
	c.turn.token.Cancel()
	if c.turn.botID != "" {
		// Stopped by the user mid-turn; leave whatever text arrived.
		c.renderer.FinalizeAssistantTurn(c.turn.botID, c.turn.acc.AssistantText(), false)
	}
	c.turn = nil
	c.saveSession()
}
