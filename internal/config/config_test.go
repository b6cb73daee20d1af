package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/chriscow/voicedesk/pkg/voice"
)

func TestDefault_MatchesController(t *testing.T) {
	is := is.New(t)
	cfg := Default()
	is.NoErr(cfg.Validate())
	is.Equal(cfg.VoiceConfig(), voice.DefaultConfig())
}

func TestParse(t *testing.T) {
	is := is.New(t)
	t.Setenv("TEST_BACKEND_TOKEN", "secret")

	cfg, err := Parse([]byte(`
backend:
  kind: http
  url: https://assistant.example.com/api
  token: ${TEST_BACKEND_TOKEN}
voice:
  speech_threshold: 0.4
  utterance_silence: 1.5s
session:
  mode: agent
`))
	is.NoErr(err)
	is.Equal(cfg.Backend.Token, "secret")
	is.Equal(cfg.Voice.SpeechThreshold, 0.4)
	is.Equal(cfg.Voice.UtteranceSilence, 1500*time.Millisecond)
	is.Equal(cfg.Voice.MinSpeech, 400*time.Millisecond) // untouched default
	is.Equal(cfg.Session.Mode, "agent")
	is.Equal(cfg.Session.Tab, "main")
}

func TestParse_OpenAISection(t *testing.T) {
	is := is.New(t)
	cfg, err := Parse([]byte(`
backend:
  kind: openai
  openai:
    chat_model: gpt-4o
    max_history: 20
`))
	is.NoErr(err)
	tc := cfg.TransportConfig()
	is.Equal(tc["chat_model"], "gpt-4o")
	is.Equal(tc["max_history"], 20)
}

func TestApplyEnv(t *testing.T) {
	is := is.New(t)
	env := map[string]string{
		"VOICEDESK_BACKEND_KIND":     "fake",
		"VOICEDESK_SPEECH_THRESHOLD": "0.5",
		"VOICEDESK_SESSION_IDLE":     "45s",
		"VOICEDESK_MICROPHONE":       "wavfile",
		"VOICEDESK_MICROPHONE_FILE":  "hello.wav",
		"UNRELATED_SPEECH_THRESHOLD": "0.9",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Default()
	is.NoErr(cfg.applyEnv(lookup))
	is.Equal(cfg.Backend.Kind, "fake")
	is.Equal(cfg.Voice.SpeechThreshold, 0.5)
	is.Equal(cfg.Voice.SessionIdle, 45*time.Second)
	is.Equal(cfg.MicrophoneConfig(), map[string]any{"path": "hello.wav", "loop": false})
}

func TestApplyEnv_Malformed(t *testing.T) {
	is := is.New(t)
	env := map[string]string{
		"VOICEDESK_SPEECH_THRESHOLD": "loud",
		"VOICEDESK_COOLDOWN":         "soon",
	}
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "VOICEDESK_SPEECH_THRESHOLD"))
	is.True(strings.Contains(err.Error(), "VOICEDESK_COOLDOWN"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Backend.Kind = "grpc" }, "backend.kind"},
		{"http without url", func(c *Config) { c.Backend.URL = " " }, "backend.url"},
		{"threshold out of range", func(c *Config) { c.Voice.SpeechThreshold = 1.2 }, "speech_threshold"},
		{"zero gate", func(c *Config) { c.Voice.BargeInGate = 0 }, "barge_in_gate"},
		{"zero frame interval", func(c *Config) { c.Voice.FrameInterval = 0 }, "frame_interval"},
		{"negative cooldown", func(c *Config) { c.Voice.Cooldown = -time.Second }, "negative"},
		{"wavfile without path", func(c *Config) { c.Devices.Microphone = "wavfile" }, "microphone_file"},
		{"bad mode", func(c *Config) { c.Session.Mode = "chat" }, "session.mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			is.True(err != nil)
			is.True(strings.Contains(err.Error(), tt.want))
		})
	}
}

func TestLoad(t *testing.T) {
	is := is.New(t)
	wd, err := os.Getwd()
	is.NoErr(err)
	is.NoErr(os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	is.NoErr(os.WriteFile(".env", []byte("VOICEDESK_TEST_PLAYER_FROM_DOTENV=discard\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("VOICEDESK_TEST_PLAYER_FROM_DOTENV") })

	path := filepath.Join(t.TempDir(), "voicedesk.yaml")
	is.NoErr(os.WriteFile(path, []byte("devices:\n  player: ${VOICEDESK_TEST_PLAYER_FROM_DOTENV}\n"), 0o644))

	cfg, err := Load(path)
	is.NoErr(err)
	is.Equal(cfg.Devices.Player, "discard")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	is.True(err != nil)
}
