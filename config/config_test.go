package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Provider != "ollama" {
		t.Fatalf("expected ollama default provider, got %q", cfg.Provider)
	}
	if cfg.Context.TokenBudget != 800 || cfg.Context.CharsPerToken != 4 {
		t.Fatalf("unexpected context budget defaults: %+v", cfg.Context)
	}
	if cfg.Context.BlendedScoreFloor != 0.3 {
		t.Fatalf("unexpected blended score floor %v", cfg.Context.BlendedScoreFloor)
	}
	if cfg.Cache.SimilarityThreshold != 0.85 || cfg.Cache.TTL != 24*time.Hour {
		t.Fatalf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.Retention.MemoryHardDeleteAge != 365*24*time.Hour {
		t.Fatalf("unexpected memory hard-delete age %v", cfg.Retention.MemoryHardDeleteAge)
	}
	if cfg.Reflection.ChunkSize != 50 || cfg.Reflection.LockTTL != 300*time.Second {
		t.Fatalf("unexpected reflection defaults: %+v", cfg.Reflection)
	}
	if cfg.Schedule.BulkReflection == "" {
		t.Fatalf("missing bulk reflection schedule")
	}
}

func TestLoad_MissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != Defaults().DBPath {
		t.Fatalf("missing file must yield defaults, got %q", cfg.DBPath)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recall.yaml")
	body := `
db_path: /var/lib/recall/test.db
provider: openai
openai:
  api_key: sk-test
  model: gpt-4o
context:
  token_budget: 1200
reflection:
  chunk_size: 25
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/var/lib/recall/test.db" {
		t.Fatalf("db_path not overridden: %q", cfg.DBPath)
	}
	if cfg.Provider != "openai" || cfg.OpenAI.Model != "gpt-4o" {
		t.Fatalf("provider override lost: %+v", cfg.OpenAI)
	}
	if cfg.Context.TokenBudget != 1200 {
		t.Fatalf("token budget not overridden: %d", cfg.Context.TokenBudget)
	}
	if cfg.Reflection.ChunkSize != 25 {
		t.Fatalf("chunk size not overridden: %d", cfg.Reflection.ChunkSize)
	}

	// Untouched fields keep their defaults.
	if cfg.Context.CharsPerToken != 4 {
		t.Fatalf("unrelated default lost: %d", cfg.Context.CharsPerToken)
	}
	if cfg.Ollama.Host == "" {
		t.Fatalf("ollama defaults lost")
	}
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("provider: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
