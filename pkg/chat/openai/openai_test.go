package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/matryer/is"

	"github.com/chriscow/voicedesk/pkg/chat"
)

// fakeAPI mimics the three OpenAI endpoints used by the transport.
type fakeAPI struct {
	transcript string
	reply      []string
	speech     []byte
	chatStatus int

	mu       sync.Mutex
	requests [][]map[string]any // messages of each chat request
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"text": f.transcript})
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []map[string]any `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.requests = append(f.requests, req.Messages)
		f.mu.Unlock()

		if f.chatStatus != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.chatStatus)
			io.WriteString(w, `{"error":{"message":"rate limited","type":"requests"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range f.reply {
			chunk := map[string]any{
				"id":      "chatcmpl-1",
				"object":  "chat.completion.chunk",
				"created": 0,
				"model":   "gpt-4o-mini",
				"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": delta}}},
			}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		io.WriteString(w, "data: [DONE]\n\n")
	})
	mux.HandleFunc("/v1/audio/speech", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(f.speech)
	})
	return mux
}

func (f *fakeAPI) chatRequests() [][]map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func newTestTransport(t *testing.T, api *fakeAPI, cfg Config) *Transport {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	cfg.APIKey = "test"
	cfg.BaseURL = srv.URL + "/v1"
	tr, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func collect(t *testing.T, s chat.Stream) []chat.Event {
	t.Helper()
	defer s.Close()
	var out []chat.Event
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		out = append(out, ev)
	}
}

func types(events []chat.Event) string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = string(ev.Type)
	}
	return strings.Join(names, ",")
}

func TestVoiceTurn(t *testing.T) {
	is := is.New(t)
	speech := bytes.Repeat([]byte{7}, ChunkSize+100)
	api := &fakeAPI{transcript: " hello ", reply: []string{"Hi ", "there."}, speech: speech}
	tr := newTestTransport(t, api, Config{SystemPrompt: "be brief"})

	s, err := tr.StreamVoiceTurn(context.Background(), []byte("RIFF"), "")
	is.NoErr(err)
	events := collect(t, s)

	is.Equal(types(events), "stt_result,llm_token,llm_token,llm_done,tts_chunk,tts_chunk,tts_done,done")
	is.Equal(events[0].Text, "hello")
	is.Equal(events[3].Text, "Hi there.")
	is.Equal(len(events[4].Audio), ChunkSize)
	is.Equal(len(events[5].Audio), 100)
	is.True(events[7].SessionID != "")

	acc := chat.NewAccumulator()
	for _, ev := range events {
		_, err := acc.Apply(ev)
		is.NoErr(err)
	}
	is.NoErr(acc.Finish())
	is.Equal(acc.Audio(), speech)

	reqs := api.chatRequests()
	is.Equal(len(reqs), 1)
	is.Equal(reqs[0][0]["role"], "system")
	is.Equal(reqs[0][1]["content"], "hello")
}

func TestTextTurn_KeepsHistory(t *testing.T) {
	is := is.New(t)
	api := &fakeAPI{reply: []string{"Fine", "."}}
	tr := newTestTransport(t, api, Config{})

	s, err := tr.StreamTextTurn(context.Background(), "how are you", "")
	is.NoErr(err)
	events := collect(t, s)
	is.Equal(types(events), "meta,token,token,done")
	sessionID := events[0].SessionID
	is.Equal(events[3].SessionID, sessionID)
	is.Equal(events[3].Response, "Fine.")

	s, err = tr.StreamTextTurn(context.Background(), "and now", sessionID)
	is.NoErr(err)
	events = collect(t, s)
	is.Equal(events[0].SessionID, sessionID) // same conversation
	is.Equal(tr.Sessions(), 1)

	reqs := api.chatRequests()
	is.Equal(len(reqs[1]), 3) // previous user and assistant messages plus the new one
	is.Equal(reqs[1][1]["content"], "Fine.")
}

func TestTextTurn_UnknownSessionStartsFresh(t *testing.T) {
	is := is.New(t)
	api := &fakeAPI{reply: []string{"ok"}}
	tr := newTestTransport(t, api, Config{})

	s, err := tr.StreamTextTurn(context.Background(), "hi", "expired")
	is.NoErr(err)
	events := collect(t, s)
	is.True(events[0].SessionID != "expired")
}

func TestHistoryIsCapped(t *testing.T) {
	is := is.New(t)
	api := &fakeAPI{reply: []string{"ok"}}
	tr := newTestTransport(t, api, Config{MaxHistory: 2})

	var sessionID string
	for i := 0; i < 3; i++ {
		s, err := tr.StreamTextTurn(context.Background(), fmt.Sprintf("msg %d", i), sessionID)
		is.NoErr(err)
		sessionID = collect(t, s)[0].SessionID
	}
	reqs := api.chatRequests()
	is.Equal(len(reqs[2]), 3) // two remembered messages plus the new one
	is.Equal(reqs[2][0]["content"], "msg 1")
}

func TestFailuresBecomeErrorEvents(t *testing.T) {
	tests := []struct {
		name  string
		api   *fakeAPI
		voice bool
		want  string
	}{
		{"empty transcription", &fakeAPI{transcript: "  "}, true, "stt_result,error"},
		{"chat rejected", &fakeAPI{transcript: "hi", chatStatus: http.StatusTooManyRequests}, true, "stt_result,error"},
		{"text chat rejected", &fakeAPI{chatStatus: http.StatusInternalServerError}, false, "meta,error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTransport(t, tt.api, Config{})
			var s chat.Stream
			var err error
			if tt.voice {
				s, err = tr.StreamVoiceTurn(context.Background(), []byte("RIFF"), "")
			} else {
				s, err = tr.StreamTextTurn(context.Background(), "hi", "")
			}
			if err != nil {
				t.Fatal(err)
			}
			events := collect(t, s)
			if got := types(events); got != tt.want {
				t.Fatalf("events = %s, want %s", got, tt.want)
			}
			if events[len(events)-1].Message == "" {
				t.Error("error event has no message")
			}
		})
	}
}

func TestCloseCancelsTurn(t *testing.T) {
	is := is.New(t)
	api := &fakeAPI{reply: []string{"a", "b", "c"}}
	tr := newTestTransport(t, api, Config{})

	s, err := tr.StreamTextTurn(context.Background(), "hi", "")
	is.NoErr(err)
	_, err = s.Recv()
	is.NoErr(err)
	is.NoErr(s.Close())

	_, err = s.Recv()
	is.True(errors.Is(err, context.Canceled))
}

func TestNew_RequiresKey(t *testing.T) {
	is := is.New(t)
	_, err := New(Config{}, nil)
	is.True(err != nil)
}
