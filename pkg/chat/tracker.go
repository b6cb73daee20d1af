package chat

import (
	"context"
	"sync"
)

// Key identifies a conversation: one tab in one mode.
type Key struct {
	Tab  string
	Mode string
}

// Tracker keeps at most one outstanding turn per Key.
type Tracker struct {
	mu    sync.Mutex
	turns map[Key]*Token
	seq   uint64
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{turns: make(map[Key]*Token)}
}

// Begin starts a new turn for key, cancelling the previous one.
func (t *Tracker) Begin(ctx context.Context, key Key) *Token {
	tctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	prev := t.turns[key]
	t.seq++
	tok := &Token{id: t.seq, key: key, ctx: tctx, cancel: cancel, tracker: t}
	t.turns[key] = tok
	t.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	return tok
}

// Cancel cancels the outstanding turn for key, if any.
func (t *Tracker) Cancel(key Key) {
	t.mu.Lock()
	tok := t.turns[key]
	delete(t.turns, key)
	t.mu.Unlock()

	if tok != nil {
		tok.cancel()
	}
}

// Active reports whether key has an outstanding turn.
func (t *Tracker) Active(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.turns[key]
	return ok
}

func (t *Tracker) current(tok *Token) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.turns[tok.key] == tok
}

func (t *Tracker) release(tok *Token) {
	t.mu.Lock()
	if t.turns[tok.key] == tok {
		delete(t.turns, tok.key)
	}
	t.mu.Unlock()
}

// Token is the cancellation handle of one turn. Consumers check Valid between
// events and drop anything that arrives after the token was superseded.
type Token struct {
	id      uint64
	key     Key
	ctx     context.Context
	cancel  context.CancelFunc
	tracker *Tracker
}

// ID returns the token's sequence number.
func (tok *Token) ID() uint64 { return tok.id }

// Key returns the conversation the turn belongs to.
func (tok *Token) Key() Key { return tok.key }

// Context is cancelled when the turn is superseded or cancelled.
func (tok *Token) Context() context.Context { return tok.ctx }

// Valid reports whether this is still the live turn for its key.
func (tok *Token) Valid() bool {
	return tok.ctx.Err() == nil && tok.tracker.current(tok)
}

// Cancel invalidates the token. Idempotent.
func (tok *Token) Cancel() {
	tok.cancel()
	tok.tracker.release(tok)
}

