// Package session holds the per-tab conversation state: one TurnState for
// each chat mode of each open tab, persisted as YAML between runs.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Mode is a chat mode within a tab.
type Mode string

const (
	ModeGeneral Mode = "general"
	ModeAgent   Mode = "agent"
)

// Modes lists every mode a tab carries state for.
var Modes = []Mode{ModeGeneral, ModeAgent}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeGeneral || m == ModeAgent
}

var (
	ErrUnknownTab  = errors.New("unknown tab")
	ErrUnknownMode = errors.New("unknown mode")
	ErrTabExists   = errors.New("tab already exists")
)

// TurnState is the conversation state of one tab in one mode.
type TurnState struct {
	mu             sync.Mutex
	sessionID      string
	transcriptHTML string
	started        bool
}

// Snapshot is a copy of a TurnState's fields.
type Snapshot struct {
	SessionID      string `yaml:"session_id,omitempty"`
	TranscriptHTML string `yaml:"transcript_html,omitempty"`
	Started        bool   `yaml:"started"`
}

// SessionID returns the server-allocated session id, or "" before the first turn.
func (s *TurnState) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SetSessionID stores the id delivered with a completed turn. Empty ids are ignored.
func (s *TurnState) SetSessionID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// MarkStarted records that at least one turn was sent.
func (s *TurnState) MarkStarted() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
}

// SetTranscriptHTML stores the serialised transcript.
func (s *TurnState) SetTranscriptHTML(html string) {
	s.mu.Lock()
	s.transcriptHTML = html
	s.mu.Unlock()
}

// Snapshot copies the current fields.
func (s *TurnState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{SessionID: s.sessionID, TranscriptHTML: s.transcriptHTML, Started: s.started}
}

func (s *TurnState) restore(snap Snapshot) {
	s.mu.Lock()
	s.sessionID = snap.SessionID
	s.transcriptHTML = snap.TranscriptHTML
	s.started = snap.Started
	s.mu.Unlock()
}

// Store owns the TurnStates of all open tabs.
type Store struct {
	mu   sync.RWMutex
	tabs map[string]map[Mode]*TurnState

	saveMu sync.Mutex // serialises writers of the state file
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{tabs: make(map[string]map[Mode]*TurnState)}
}

// CreateTab adds a tab with empty state for every mode.
func (s *Store) CreateTab(tab string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tabs[tab]; ok {
		return fmt.Errorf("%w: %s", ErrTabExists, tab)
	}
	s.tabs[tab] = newModes()
	return nil
}

// Get returns the state for tab in mode.
func (s *Store) Get(tab string, mode Mode) (*TurnState, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	modes, ok := s.tabs[tab]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTab, tab)
	}
	return modes[mode], nil
}

// CloseTab destroys a tab's state. Closing an unknown tab is a no-op.
func (s *Store) CloseTab(tab string) {
	s.mu.Lock()
	delete(s.tabs, tab)
	s.mu.Unlock()
}

// Tabs returns the open tab names in sorted order.
func (s *Store) Tabs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tabs))
	for tab := range s.tabs {
		out = append(out, tab)
	}
	sort.Strings(out)
	return out
}

type fileFormat struct {
	Tabs map[string]map[Mode]Snapshot `yaml:"tabs"`
}

// Save writes all tabs to path as YAML, replacing the file atomically.
func (s *Store) Save(path string) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	ff := fileFormat{Tabs: make(map[string]map[Mode]Snapshot, len(s.tabs))}
	for tab, modes := range s.tabs {
		m := make(map[Mode]Snapshot, len(modes))
		for mode, st := range modes {
			m[mode] = st.Snapshot()
		}
		ff.Tabs[tab] = m
	}
	s.mu.RUnlock()

	data, err := yaml.Marshal(ff)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load replaces the store contents with the tabs saved at path. A missing
// file leaves the store empty.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session state: %w", err)
	}

	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return fmt.Errorf("decode session state: %w", err)
	}

	tabs := make(map[string]map[Mode]*TurnState, len(ff.Tabs))
	for tab, snaps := range ff.Tabs {
		modes := newModes()
		for mode, snap := range snaps {
			if st, ok := modes[mode]; ok {
				st.restore(snap)
			}
		}
		tabs[tab] = modes
	}

	s.mu.Lock()
	s.tabs = tabs
	s.mu.Unlock()
	return nil
}

func newModes() map[Mode]*TurnState {
	m := make(map[Mode]*TurnState, len(Modes))
	for _, mode := range Modes {
		m[mode] = &TurnState{}
	}
	return m
}
