package plugin

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/chriscow/voicedesk/pkg/chat"
)

// mockTransport is a mock transport for testing
type mockTransport struct {
	base string
}

func (m *mockTransport) StreamVoiceTurn(ctx context.Context, audio []byte, sessionID string) (chat.Stream, error) {
	return nil, nil
}

func (m *mockTransport) StreamTextTurn(ctx context.Context, message, sessionID string) (chat.Stream, error) {
	return nil, nil
}

func newMockTransport(cfg map[string]any) (any, error) {
	base := "http://localhost"
	if b, ok := cfg["base_url"].(string); ok {
		base = b
	}
	return &mockTransport{base: base}, nil
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	r.Register(KindTransport, "mock", newMockTransport)

	if factory, ok := r.Get(KindTransport, "mock"); !ok {
		t.Error("Expected plugin to be registered")
	} else if factory == nil {
		t.Error("Expected factory to not be nil")
	}
}

func TestRegistry_Register_Panics(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		plugin  string
		factory Factory
	}{
		{"duplicate", KindTransport, "mock", newMockTransport},
		{"empty kind", "", "mock", newMockTransport},
		{"empty name", KindTransport, "", newMockTransport},
		{"nil factory", KindTransport, "other", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			r.Register(KindTransport, "mock", newMockTransport)

			defer func() {
				if recover() == nil {
					t.Errorf("Expected panic for %s", tt.name)
				}
			}()
			r.Register(tt.kind, tt.plugin, tt.factory)
		})
	}
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry()
	r.Register(KindTransport, "mock", newMockTransport)

	factory, ok := r.Get(KindTransport, "mock")
	if !ok {
		t.Fatal("Expected to find registered plugin")
	}

	instance, err := factory(map[string]any{"base_url": "http://example"})
	if err != nil {
		t.Fatalf("Factory failed: %v", err)
	}
	if mock, ok := instance.(*mockTransport); !ok {
		t.Error("Expected mockTransport instance")
	} else if mock.base != "http://example" {
		t.Errorf("Expected base 'http://example', got %s", mock.base)
	}

	if _, ok := r.Get(KindTransport, "nonexistent"); ok {
		t.Error("Expected to not find non-existent plugin")
	}
	if _, ok := r.Get("nonexistent", "mock"); ok {
		t.Error("Expected to not find plugin with non-existent kind")
	}
}

func TestRegistry_ListAndKinds(t *testing.T) {
	r := NewRegistry()

	if kinds := r.ListKinds(); len(kinds) != 0 {
		t.Errorf("Expected 0 kinds initially, got %d", len(kinds))
	}

	r.RegisterWithMetadata(&Plugin{Kind: KindTransport, Name: "openai", Factory: newMockTransport, Version: "1.0.0"})
	r.RegisterWithMetadata(&Plugin{Kind: KindTransport, Name: "fake", Factory: newMockTransport, Version: "1.0.0"})
	r.RegisterWithMetadata(&Plugin{Kind: KindPlayer, Name: "discard", Factory: newMockTransport})

	all := r.List("")
	expectedOrder := []struct{ kind, name string }{
		{KindPlayer, "discard"},
		{KindTransport, "fake"},
		{KindTransport, "openai"},
	}
	if len(all) != len(expectedOrder) {
		t.Fatalf("Expected %d plugins, got %d", len(expectedOrder), len(all))
	}
	for i, expected := range expectedOrder {
		if all[i].Kind != expected.kind || all[i].Name != expected.name {
			t.Errorf("Expected plugin %d to be %s/%s, got %s/%s",
				i, expected.kind, expected.name, all[i].Kind, all[i].Name)
		}
	}

	if n := len(r.List(KindTransport)); n != 2 {
		t.Errorf("Expected 2 transport plugins, got %d", n)
	}
	if n := len(r.List("nonexistent")); n != 0 {
		t.Errorf("Expected 0 plugins for non-existent kind, got %d", n)
	}

	kinds := r.ListKinds()
	if !reflect.DeepEqual(kinds, []string{KindPlayer, KindTransport}) {
		t.Errorf("Unexpected kinds %v", kinds)
	}

	r.Clear()
	if len(r.List("")) != 0 {
		t.Error("Expected 0 plugins after clear")
	}
}

func TestBuild_TypeChecks(t *testing.T) {
	r := NewRegistry()
	r.Register(KindTransport, "mock", newMockTransport)
	r.Register(KindMicrophone, "wrong", newMockTransport)

	tr, err := build[chat.Transport](r, KindTransport, "mock", nil)
	if err != nil || tr == nil {
		t.Fatalf("build transport: %v", err)
	}

	if _, err := build[chat.Transport](r, KindTransport, "missing", nil); err == nil ||
		!strings.Contains(err.Error(), "not registered") {
		t.Errorf("Expected not registered error, got %v", err)
	}

	type microphone interface{ Open(context.Context) (any, error) }
	if _, err := build[microphone](r, KindMicrophone, "wrong", nil); err == nil {
		t.Error("Expected type mismatch error")
	}
}

func TestGlobalRegistry(t *testing.T) {
	original := globalRegistry
	globalRegistry = NewRegistry()
	defer func() { globalRegistry = original }()

	Register(KindTransport, "global-test", newMockTransport)

	if _, ok := Get(KindTransport, "global-test"); !ok {
		t.Error("Expected to find globally registered plugin")
	}
	if n := len(List(KindTransport)); n != 1 {
		t.Errorf("Expected 1 global plugin, got %d", n)
	}
	if kinds := ListKinds(); len(kinds) != 1 || kinds[0] != KindTransport {
		t.Errorf("Expected kinds [transport], got %v", kinds)
	}

	if _, err := NewTransport("global-test", nil); err != nil {
		t.Errorf("NewTransport: %v", err)
	}
	if _, err := NewPlayer("global-test", nil); err == nil {
		t.Error("Expected error for unregistered player")
	}
}
