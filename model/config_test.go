package model

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromJSON(t *testing.T) {
	t.Run("wrapped in model_registry", func(t *testing.T) {
		r, err := LoadFromJSON([]byte(`{
			"model_registry": {
				"capabilities": {
					"decide": {"preferred": ["local"], "fallback": []}
				},
				"endpoints": {
					"local": {"provider": "openai", "url": "http://localhost:8080/v1", "model": "mock-decide"}
				},
				"defaults": {"model": "local"}
			}
		}`))
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		if got := r.Resolve(CapabilityDecide); got != "local" {
			t.Errorf("expected local, got %q", got)
		}
	})

	t.Run("bare registry config", func(t *testing.T) {
		r, err := LoadFromJSON([]byte(`{
			"capabilities": {"respond": {"preferred": ["llama"]}},
			"endpoints": {"llama": {"provider": "ollama", "model": "llama3.2"}}
		}`))
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		if ep := r.GetEndpoint("llama"); ep == nil || ep.Model != "llama3.2" {
			t.Errorf("unexpected endpoint %+v", ep)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		if _, err := LoadFromJSON([]byte(`{not json`)); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("dangling reference", func(t *testing.T) {
		_, err := LoadFromJSON([]byte(`{
			"capabilities": {"decide": {"preferred": ["ghost"]}},
			"endpoints": {"llama": {"provider": "ollama", "model": "llama3.2"}}
		}`))
		if err == nil {
			t.Error("expected validation error")
		}
	})
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")
	data := []byte(`{"capabilities": {"plan": {"preferred": ["a"]}}, "endpoints": {"a": {"provider": "anthropic", "model": "claude"}}}`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if got := r.Resolve(CapabilityPlan); got != "a" {
		t.Errorf("expected a, got %q", got)
	}

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestToConfigRoundTrip(t *testing.T) {
	cfg := NewDefaultRegistry().ToConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if _, ok := cfg.Capabilities["decide"]; !ok {
		t.Error("expected decide capability in config")
	}
}
