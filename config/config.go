package config

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// OllamaConfig represents configuration for the Ollama gateway provider.
type OllamaConfig struct {
	Host       string `yaml:"host,omitempty"`        // Ollama host (default: "http://localhost:11434")
	Model      string `yaml:"model,omitempty"`       // Completion model name
	EmbedModel string `yaml:"embed_model,omitempty"` // Embedding model name
	Timeout    int    `yaml:"timeout,omitempty"`     // Request timeout in seconds
}

// OpenAIConfig represents configuration for an OpenAI-compatible gateway provider.
type OpenAIConfig struct {
	APIKey     string `yaml:"api_key,omitempty"`
	BaseURL    string `yaml:"base_url,omitempty"` // Custom base URL (default: official API)
	Model      string `yaml:"model,omitempty"`
	EmbedModel string `yaml:"embed_model,omitempty"`
}

// RedisConfig holds connection settings for the key-value store used for
// per-user locks and bounded action history.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// ContextConfig tunes the hierarchical context builder.
type ContextConfig struct {
	ShortTermCount    int     `yaml:"short_term_count,omitempty"`    // newest note summaries injected
	MediumTermTopM    int     `yaml:"medium_term_top_m,omitempty"`   // vector-similar notes per build
	LongTermTopK      int     `yaml:"long_term_top_k,omitempty"`     // long-term memories per build
	BlendedScoreFloor float64 `yaml:"blended_score_floor,omitempty"` // strength*confidence gate for neighbors
	TokenBudget       int     `yaml:"token_budget,omitempty"`        // hard budget for the rendered context
	CharsPerToken     int     `yaml:"chars_per_token,omitempty"`     // token approximation divisor
}

// CacheConfig tunes the semantic analysis cache.
type CacheConfig struct {
	SimilarityThreshold float64       `yaml:"similarity_threshold,omitempty"`
	TTL                 time.Duration `yaml:"ttl,omitempty"`
}

// RetentionConfig tunes the forgetting policy thresholds.
type RetentionConfig struct {
	MemoryHardDeleteAge time.Duration `yaml:"memory_hard_delete_age,omitempty"` // hard delete regardless of score
	NoteHardDeleteAge   time.Duration `yaml:"note_hard_delete_age,omitempty"`
	NoteImportanceFloor float64       `yaml:"note_importance_floor,omitempty"`
	SoftArchiveAge      time.Duration `yaml:"soft_archive_age,omitempty"`
	SoftArchiveFloor    float64       `yaml:"soft_archive_floor,omitempty"`
	WeakRelationFloor   float64       `yaml:"weak_relation_floor,omitempty"`
}

// ReflectionConfig tunes the consolidation pipeline and its coordination.
type ReflectionConfig struct {
	NoteThreshold      int           `yaml:"note_threshold,omitempty"`        // unreflected notes before incremental run
	ChunkSize          int           `yaml:"chunk_size,omitempty"`            // users per bulk dispatch task
	LockTTL            time.Duration `yaml:"lock_ttl,omitempty"`              // per-user reflection lock TTL
	MinMemoriesToMerge int           `yaml:"min_memories_to_merge,omitempty"` // self-improvement engage floor
	HistoryCap         int           `yaml:"history_cap,omitempty"`           // emotion/adaptive container cap
	ActionHistoryCap   int           `yaml:"action_history_cap,omitempty"`    // redis list cap
	ActionHistoryTTL   time.Duration `yaml:"action_history_ttl,omitempty"`
}

// ScheduleConfig carries cron expressions for the maintenance triggers.
type ScheduleConfig struct {
	BulkReflection string `yaml:"bulk_reflection,omitempty"`
	SelfImprove    string `yaml:"self_improve,omitempty"`
	RetentionSweep string `yaml:"retention_sweep,omitempty"`
	CachePurge     string `yaml:"cache_purge,omitempty"`
}

// Config is the top-level daemon configuration.
type Config struct {
	DBPath   string `yaml:"db_path,omitempty"`
	BlobDir  string `yaml:"blob_dir,omitempty"`
	Provider string `yaml:"provider,omitempty"` // "ollama" or "openai"

	Ollama OllamaConfig `yaml:"ollama,omitempty"`
	OpenAI OpenAIConfig `yaml:"openai,omitempty"`
	Redis  RedisConfig  `yaml:"redis,omitempty"`

	Context    ContextConfig    `yaml:"context,omitempty"`
	Cache      CacheConfig      `yaml:"cache,omitempty"`
	Retention  RetentionConfig  `yaml:"retention,omitempty"`
	Reflection ReflectionConfig `yaml:"reflection,omitempty"`
	Schedule   ScheduleConfig   `yaml:"schedule,omitempty"`
}

// Defaults returns the baseline configuration. Every policy constant the
// engine depends on lives here so deployments can tune them in YAML.
func Defaults() Config {
	return Config{
		DBPath:   "recall_memory.db",
		BlobDir:  "blobs",
		Provider: "ollama",
		Ollama: OllamaConfig{
			Host:       "http://localhost:11434",
			Model:      "llama3.2:3b",
			EmbedModel: "mxbai-embed-large",
			Timeout:    60,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Context: ContextConfig{
			ShortTermCount:    5,
			MediumTermTopM:    5,
			LongTermTopK:      5,
			BlendedScoreFloor: 0.3,
			TokenBudget:       800,
			CharsPerToken:     4,
		},
		Cache: CacheConfig{
			SimilarityThreshold: 0.85,
			TTL:                 24 * time.Hour,
		},
		Retention: RetentionConfig{
			MemoryHardDeleteAge: 365 * 24 * time.Hour,
			NoteHardDeleteAge:   90 * 24 * time.Hour,
			NoteImportanceFloor: 0.3,
			SoftArchiveAge:      180 * 24 * time.Hour,
			SoftArchiveFloor:    0.4,
			WeakRelationFloor:   0.3,
		},
		Reflection: ReflectionConfig{
			NoteThreshold:      5,
			ChunkSize:          50,
			LockTTL:            300 * time.Second,
			MinMemoriesToMerge: 5,
			HistoryCap:         100,
			ActionHistoryCap:   10,
			ActionHistoryTTL:   7 * 24 * time.Hour,
		},
		Schedule: ScheduleConfig{
			BulkReflection: "0 2 * * *",
			SelfImprove:    "0 3 * * 0",
			RetentionSweep: "30 3 * * *",
			CachePurge:     "0 * * * *",
		},
	}
}

// Load reads the YAML config file at path and merges it over the defaults.
// A missing file is not an error; the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: user-specified config path
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	// File values win over defaults.
	if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("merge config: %w", err)
	}
	return cfg, nil
}
