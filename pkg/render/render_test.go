package render

import (
	"strings"
	"testing"

	"github.com/matryer/is"
)

func TestTranscript_VoiceTurn(t *testing.T) {
	is := is.New(t)

	var changes []Entry
	tr := NewTranscript(func(e Entry) { changes = append(changes, e) })

	userID := tr.AppendUserPlaceholder()
	tr.ReplaceUserText("hello <world>")
	botID := tr.AppendAssistantPending()
	tr.UpdateAssistantStreamingText(botID, "Hi")
	tr.UpdateAssistantStreamingText(botID, "Hi the")
	tr.FinalizeAssistantTurn(botID, "Hi there.", false)
	tr.UpdateAssistantStreamingText(botID, "late") // ignored after finalize

	entries := tr.Entries()
	is.Equal(len(entries), 2)
	is.Equal(entries[0], Entry{ID: userID, Role: RoleUser, Text: "hello <world>"})
	is.Equal(entries[1], Entry{ID: botID, Role: RoleAssistant, Text: "Hi there."})
	is.Equal(len(changes), 6) // two appends, replace, two updates, finalize

	html := tr.HTML()
	is.True(strings.Contains(html, "hello &lt;world&gt;")) // escaped
	is.True(strings.Contains(html, `data-id="`+botID+`"`))
	is.True(!strings.Contains(html, "pending"))
}

func TestTranscript_ErrorEntry(t *testing.T) {
	is := is.New(t)
	tr := NewTranscript(nil)

	id := tr.AppendAssistantPending()
	is.True(strings.Contains(tr.HTML(), "msg assistant pending"))

	tr.FinalizeAssistantTurn(id, "x", true)
	is.Equal(tr.Entries()[0].Error, true)
	is.True(strings.Contains(tr.HTML(), `class="msg assistant error"`))
}

func TestTranscript_ReplaceWithoutPlaceholder(t *testing.T) {
	is := is.New(t)
	tr := NewTranscript(nil)

	tr.ReplaceUserText("orphan")
	is.Equal(tr.Len(), 0) // nothing to replace

	tr.FinalizeAssistantTurn("missing", "x", false)
	is.Equal(tr.Len(), 0)
}

func TestTee(t *testing.T) {
	is := is.New(t)
	a := NewTranscript(nil)
	b := NewTranscript(nil)
	r := Tee(a, b, NewLogRenderer(nil))

	r.AppendUserPlaceholder()
	r.ReplaceUserText("q")
	id := r.AppendAssistantPending()
	r.UpdateAssistantStreamingText(id, "partial")
	r.FinalizeAssistantTurn(id, "answer", false)

	is.Equal(a.Entries()[1].ID, id) // primary allocates ids
	ea, eb := a.Entries(), b.Entries()
	is.Equal(len(eb), 2)
	is.Equal(eb[0].Text, "q")
	is.Equal(eb[1].Text, "answer")
	is.True(eb[1].ID != ea[1].ID) // mapped to b's own id
}

func TestTranscript_Restore(t *testing.T) {
	is := is.New(t)
	earlier := NewTranscript(nil)
	earlier.AppendUserPlaceholder()
	earlier.ReplaceUserText("first")
	saved := earlier.HTML()

	tr := NewTranscript(nil)
	tr.Restore(saved)
	is.Equal(tr.HTML(), saved)
	is.Equal(tr.Len(), 0) // restored markup is not an entry

	tr.AppendUserPlaceholder()
	tr.ReplaceUserText("second")
	html := tr.HTML()
	is.True(strings.HasPrefix(html, saved))
	is.True(strings.Index(html, "first") < strings.Index(html, "second"))
}
