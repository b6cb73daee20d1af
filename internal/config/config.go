// Package config loads the voicedesk configuration: a YAML file layered over
// built-in defaults, with ${VAR} expansion, a .env file and VOICEDESK_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chriscow/voicedesk/pkg/bargein"
	"github.com/chriscow/voicedesk/pkg/chat/openai"
	"github.com/chriscow/voicedesk/pkg/level"
	"github.com/chriscow/voicedesk/pkg/speech"
	"github.com/chriscow/voicedesk/pkg/voice"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VOICEDESK_"

type Config struct {
	Backend Backend `yaml:"backend"`
	Devices Devices `yaml:"devices"`
	Voice   Voice   `yaml:"voice"`
	Level   Level   `yaml:"level"`
	Bridge  Bridge  `yaml:"bridge"`
	Session Session `yaml:"session"`

	// PluginDir holds .so plugins loaded at startup (plugindyn builds only).
	PluginDir string `yaml:"plugin_dir"`
}

// Backend selects the turn transport.
type Backend struct {
	Kind   string        `yaml:"kind"` // http, openai or fake
	URL    string        `yaml:"url"`
	Token  string        `yaml:"token"`
	OpenAI openai.Config `yaml:"openai"`
}

// Devices names the microphone and player plugins.
type Devices struct {
	Microphone     string `yaml:"microphone"`
	MicrophoneFile string `yaml:"microphone_file"`
	MicrophoneLoop bool   `yaml:"microphone_loop"`
	Player         string `yaml:"player"`
}

type Voice struct {
	SpeechThreshold  float64       `yaml:"speech_threshold"`
	MinSpeech        time.Duration `yaml:"min_speech"`
	UtteranceSilence time.Duration `yaml:"utterance_silence"`
	SessionIdle      time.Duration `yaml:"session_idle"`
	BargeInGate      float64       `yaml:"barge_in_gate"`
	BargeInDuration  time.Duration `yaml:"barge_in_duration"`
	Cooldown         time.Duration `yaml:"cooldown"`
	FrameInterval    time.Duration `yaml:"frame_interval"`
	RenderInterval   time.Duration `yaml:"render_interval"`
}

type Level struct {
	WindowSize int     `yaml:"window_size"`
	Floor      float64 `yaml:"floor"`
	Span       float64 `yaml:"span"`
	Exponent   float64 `yaml:"exponent"`
}

type Bridge struct {
	Addr string `yaml:"addr"` // empty disables the bridge
}

type Session struct {
	StateFile string `yaml:"state_file"`
	Tab       string `yaml:"tab"`
	Mode      string `yaml:"mode"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	vc := voice.DefaultConfig()
	return Config{
		Backend: Backend{Kind: "http", URL: "http://localhost:8000/api"},
		Devices: Devices{Microphone: "portaudio", Player: "portaudio"},
		Voice: Voice{
			SpeechThreshold:  vc.Speech.SpeechThreshold,
			MinSpeech:        vc.Speech.MinSpeech,
			UtteranceSilence: vc.Speech.UtteranceSilence,
			SessionIdle:      vc.Speech.SessionIdle,
			BargeInGate:      vc.BargeIn.Gate,
			BargeInDuration:  vc.BargeIn.Duration,
			Cooldown:         vc.Cooldown,
			FrameInterval:    vc.FrameInterval,
			RenderInterval:   vc.RenderInterval,
		},
		Level: Level{
			WindowSize: vc.Level.WindowSize,
			Floor:      vc.Level.Floor,
			Span:       vc.Level.Span,
			Exponent:   vc.Level.Exponent,
		},
		Bridge:  Bridge{Addr: "127.0.0.1:8765"},
		Session: Session{Tab: "main", Mode: "general"},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides and validates the result. A .env file in the working directory
// is loaded first if present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. ${VAR} references are expanded first.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides fields from VOICEDESK_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("BACKEND_KIND", &c.Backend.Kind)
	str("BACKEND_URL", &c.Backend.URL)
	str("BACKEND_TOKEN", &c.Backend.Token)
	str("OPENAI_API_KEY", &c.Backend.OpenAI.APIKey)
	str("OPENAI_BASE_URL", &c.Backend.OpenAI.BaseURL)
	str("MICROPHONE", &c.Devices.Microphone)
	str("MICROPHONE_FILE", &c.Devices.MicrophoneFile)
	str("PLAYER", &c.Devices.Player)
	str("BRIDGE_ADDR", &c.Bridge.Addr)
	str("STATE_FILE", &c.Session.StateFile)
	str("PLUGIN_DIR", &c.PluginDir)
	num("SPEECH_THRESHOLD", &c.Voice.SpeechThreshold)
	num("BARGE_IN_GATE", &c.Voice.BargeInGate)
	dur("UTTERANCE_SILENCE", &c.Voice.UtteranceSilence)
	dur("SESSION_IDLE", &c.Voice.SessionIdle)
	dur("COOLDOWN", &c.Voice.Cooldown)

	return errors.Join(errs...)
}

// Validate checks ranges and required fields.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend.Kind {
	case "http":
		if strings.TrimSpace(c.Backend.URL) == "" {
			errs = append(errs, errors.New("backend.url is required for the http backend"))
		}
	case "openai", "fake":
	default:
		errs = append(errs, fmt.Errorf("backend.kind %q is not one of http, openai, fake", c.Backend.Kind))
	}
	if c.Devices.Microphone == "" || c.Devices.Player == "" {
		errs = append(errs, errors.New("devices.microphone and devices.player are required"))
	}
	if c.Devices.Microphone == "wavfile" && c.Devices.MicrophoneFile == "" {
		errs = append(errs, errors.New("devices.microphone_file is required for the wavfile microphone"))
	}
	if t := c.Voice.SpeechThreshold; t <= 0 || t >= 1 {
		errs = append(errs, fmt.Errorf("voice.speech_threshold %v must be in (0, 1)", t))
	}
	if g := c.Voice.BargeInGate; g <= 0 || g >= 1 {
		errs = append(errs, fmt.Errorf("voice.barge_in_gate %v must be in (0, 1)", g))
	}
	for name, d := range map[string]time.Duration{
		"voice.min_speech":        c.Voice.MinSpeech,
		"voice.utterance_silence": c.Voice.UtteranceSilence,
		"voice.barge_in_duration": c.Voice.BargeInDuration,
		"voice.frame_interval":    c.Voice.FrameInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Voice.SessionIdle < 0 || c.Voice.Cooldown < 0 || c.Voice.RenderInterval < 0 {
		errs = append(errs, errors.New("voice durations must not be negative"))
	}
	if c.Level.Span <= 0 || c.Level.Exponent <= 0 {
		errs = append(errs, errors.New("level.span and level.exponent must be positive"))
	}
	if c.Session.Tab == "" {
		errs = append(errs, errors.New("session.tab is required"))
	}
	switch c.Session.Mode {
	case "general", "agent":
	default:
		errs = append(errs, fmt.Errorf("session.mode %q is not one of general, agent", c.Session.Mode))
	}
	return errors.Join(errs...)
}

// VoiceConfig converts the voice and level sections for the controller.
func (c Config) VoiceConfig() voice.Config {
	return voice.Config{
		Speech: speech.Config{
			SpeechThreshold:  c.Voice.SpeechThreshold,
			MinSpeech:        c.Voice.MinSpeech,
			UtteranceSilence: c.Voice.UtteranceSilence,
			SessionIdle:      c.Voice.SessionIdle,
		},
		BargeIn: bargein.Config{
			Gate:     c.Voice.BargeInGate,
			Duration: c.Voice.BargeInDuration,
		},
		Level: level.Config{
			WindowSize: c.Level.WindowSize,
			Floor:      c.Level.Floor,
			Span:       c.Level.Span,
			Exponent:   c.Level.Exponent,
		},
		FrameInterval:  c.Voice.FrameInterval,
		Cooldown:       c.Voice.Cooldown,
		RenderInterval: c.Voice.RenderInterval,
	}
}

// TransportConfig returns the plugin configuration for the backend.
func (c Config) TransportConfig() map[string]any {
	switch c.Backend.Kind {
	case "openai":
		o := c.Backend.OpenAI
		return map[string]any{
			"api_key":          o.APIKey,
			"base_url":         o.BaseURL,
			"chat_model":       o.ChatModel,
			"transcribe_model": o.TranscribeModel,
			"speech_model":     o.SpeechModel,
			"voice":            o.Voice,
			"language":         o.Language,
			"system_prompt":    o.SystemPrompt,
			"max_history":      o.MaxHistory,
		}
	case "http":
		return map[string]any{"url": c.Backend.URL, "token": c.Backend.Token}
	}
	return nil
}

// MicrophoneConfig returns the plugin configuration for the microphone.
func (c Config) MicrophoneConfig() map[string]any {
	if c.Devices.Microphone == "wavfile" {
		return map[string]any{"path": c.Devices.MicrophoneFile, "loop": c.Devices.MicrophoneLoop}
	}
	return nil
}
