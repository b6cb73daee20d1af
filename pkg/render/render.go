// Package render defines how the voice core reports conversation turns to the
// transcript, plus an in-memory transcript and a logging renderer.
package render

import (
	"html"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// TurnRenderer receives transcript updates from the voice and text paths.
// Implementations handle markup and sanitisation; callers only pass plain text.
type TurnRenderer interface {
	// AppendUserPlaceholder adds a pending user bubble and returns its id.
	AppendUserPlaceholder() string
	// ReplaceUserText fills the most recent user placeholder.
	ReplaceUserText(text string)
	// AppendAssistantPending adds an empty assistant bubble and returns its id.
	AppendAssistantPending() string
	// UpdateAssistantStreamingText replaces the partial text of a pending bubble.
	UpdateAssistantStreamingText(turnID, text string)
	// FinalizeAssistantTurn sets the final text; isError marks a failure entry.
	FinalizeAssistantTurn(turnID, text string, isError bool)
}

// HTMLSource serialises a transcript for the session state.
type HTMLSource interface {
	HTML() string
}

// Role is the author of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one transcript bubble.
type Entry struct {
	ID      string
	Role    Role
	Text    string
	Pending bool
	Error   bool
}

// Transcript is an in-memory TurnRenderer. Safe for concurrent use.
type Transcript struct {
	mu       sync.Mutex
	restored string
	entries  []Entry
	onChange func(Entry)
}

// NewTranscript returns an empty transcript. onChange, if set, is called with
// a copy of every entry that changes, outside the transcript lock.
func NewTranscript(onChange func(Entry)) *Transcript {
	return &Transcript{onChange: onChange}
}

// Restore sets the markup saved by an earlier run. HTML keeps it in front of
// the entries added since.
func (t *Transcript) Restore(html string) {
	t.mu.Lock()
	t.restored = html
	t.mu.Unlock()
}

func (t *Transcript) AppendUserPlaceholder() string {
	return t.append(RoleUser)
}

func (t *Transcript) ReplaceUserText(text string) {
	t.mu.Lock()
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := &t.entries[i]
		if e.Role == RoleUser && e.Pending {
			e.Text = text
			e.Pending = false
			changed := *e
			t.mu.Unlock()
			t.notify(changed)
			return
		}
	}
	t.mu.Unlock()
}

func (t *Transcript) AppendAssistantPending() string {
	return t.append(RoleAssistant)
}

func (t *Transcript) UpdateAssistantStreamingText(turnID, text string) {
	t.update(turnID, func(e *Entry) bool {
		if !e.Pending {
			return false
		}
		e.Text = text
		return true
	})
}

func (t *Transcript) FinalizeAssistantTurn(turnID, text string, isError bool) {
	t.update(turnID, func(e *Entry) bool {
		e.Text = text
		e.Pending = false
		e.Error = isError
		return true
	})
}

// Entries returns a copy of the transcript.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// HTML serialises the transcript for persistence. Text is escaped.
func (t *Transcript) HTML() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	b.WriteString(t.restored)
	for _, e := range t.entries {
		b.WriteString(`<div class="msg `)
		b.WriteString(string(e.Role))
		if e.Pending {
			b.WriteString(" pending")
		}
		if e.Error {
			b.WriteString(" error")
		}
		b.WriteString(`" data-id="`)
		b.WriteString(e.ID)
		b.WriteString(`">`)
		b.WriteString(html.EscapeString(e.Text))
		b.WriteString("</div>\n")
	}
	return b.String()
}

func (t *Transcript) append(role Role) string {
	e := Entry{ID: uuid.NewString(), Role: role, Pending: true}
	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()
	t.notify(e)
	return e.ID
}

func (t *Transcript) update(id string, fn func(*Entry) bool) {
	t.mu.Lock()
	for i := range t.entries {
		e := &t.entries[i]
		if e.ID != id {
			continue
		}
		if !fn(e) {
			break
		}
		changed := *e
		t.mu.Unlock()
		t.notify(changed)
		return
	}
	t.mu.Unlock()
}

func (t *Transcript) notify(e Entry) {
	if t.onChange != nil {
		t.onChange(e)
	}
}

// LogRenderer writes transcript events to a logger. Streaming updates are
// logged at debug level.
type LogRenderer struct {
	logger *slog.Logger
}

// NewLogRenderer returns a renderer writing to logger, or slog.Default if nil.
func NewLogRenderer(logger *slog.Logger) *LogRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRenderer{logger: logger}
}

func (r *LogRenderer) AppendUserPlaceholder() string {
	id := uuid.NewString()
	r.logger.Debug("User turn started", slog.String("turn_id", id))
	return id
}

func (r *LogRenderer) ReplaceUserText(text string) {
	r.logger.Info("User", slog.String("text", text))
}

func (r *LogRenderer) AppendAssistantPending() string {
	id := uuid.NewString()
	r.logger.Debug("Assistant turn started", slog.String("turn_id", id))
	return id
}

func (r *LogRenderer) UpdateAssistantStreamingText(turnID, text string) {
	r.logger.Debug("Assistant streaming", slog.String("turn_id", turnID), slog.Int("chars", len(text)))
}

func (r *LogRenderer) FinalizeAssistantTurn(turnID, text string, isError bool) {
	if isError {
		r.logger.Warn("Assistant turn failed", slog.String("turn_id", turnID), slog.String("message", text))
		return
	}
	r.logger.Info("Assistant", slog.String("turn_id", turnID), slog.String("text", text))
}

// Tee fans updates out to several renderers. The first renderer allocates
// turn ids; the others are addressed through a mapping.
func Tee(primary TurnRenderer, others ...TurnRenderer) TurnRenderer {
	return &tee{primary: primary, others: others, ids: make(map[string][]string)}
}

type tee struct {
	mu      sync.Mutex
	primary TurnRenderer
	others  []TurnRenderer
	ids     map[string][]string
}

func (t *tee) AppendUserPlaceholder() string {
	id := t.primary.AppendUserPlaceholder()
	t.record(id, func(r TurnRenderer) string { return r.AppendUserPlaceholder() })
	return id
}

func (t *tee) ReplaceUserText(text string) {
	t.primary.ReplaceUserText(text)
	for _, r := range t.others {
		r.ReplaceUserText(text)
	}
}

func (t *tee) AppendAssistantPending() string {
	id := t.primary.AppendAssistantPending()
	t.record(id, func(r TurnRenderer) string { return r.AppendAssistantPending() })
	return id
}

func (t *tee) UpdateAssistantStreamingText(turnID, text string) {
	t.primary.UpdateAssistantStreamingText(turnID, text)
	for i, id := range t.lookup(turnID) {
		t.others[i].UpdateAssistantStreamingText(id, text)
	}
}

func (t *tee) FinalizeAssistantTurn(turnID, text string, isError bool) {
	t.primary.FinalizeAssistantTurn(turnID, text, isError)
	for i, id := range t.lookup(turnID) {
		t.others[i].FinalizeAssistantTurn(id, text, isError)
	}
	t.mu.Lock()
	delete(t.ids, turnID)
	t.mu.Unlock()
}

func (t *tee) record(id string, open func(TurnRenderer) string) {
	mapped := make([]string, len(t.others))
	for i, r := range t.others {
		mapped[i] = open(r)
	}
	t.mu.Lock()
	t.ids[id] = mapped
	t.mu.Unlock()
}

func (t *tee) lookup(id string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ids[id]
}
