package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestMetrics_Handler(t *testing.T) {
	is := is.New(t)
	m := New("test")

	m.RecordTransition("Idle", "Listening")
	m.RecordTransition("Listening", "Processing")
	m.RecordTurn("voice", "ok")
	m.RecordBargeIn()
	m.RecordUpload(2048)
	m.ObserveFirstToken("voice", 300*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	is.NoErr(err)
	out := string(body)

	for _, want := range []string{
		`test_state_transitions_total{from="Idle",to="Listening"} 1`,
		`test_turns_total{outcome="ok",path="voice"} 1`,
		`test_barge_ins_total 1`,
		`test_upload_bytes_total 2048`,
		`test_voice_sessions_active 1`,
		`test_first_token_seconds_count{path="voice"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetrics_SessionGauge(t *testing.T) {
	m := New("")
	m.RecordTransition("Idle", "Listening")
	m.RecordTransition("Listening", "Idle")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "voicedesk_voice_sessions_active 0") {
		t.Error("expected gauge back at zero")
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordTransition("Idle", "Listening")
	m.RecordTurn("voice", "ok")
	m.RecordBargeIn()
	m.RecordUpload(1)
	m.ObserveFirstToken("voice", time.Second)
}
