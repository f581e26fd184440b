// Package config loads server and migration configuration for agent-mcp.
// Server settings come from .agent/config.yaml with environment overrides
// for secrets and feature flags; migration settings follow their own
// env > file > defaults chain (see migration.go).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EmbeddingConfig selects and tunes the embedding backend.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`   // "gemini" or "ollama"
	Model      string `yaml:"model"`      // provider-specific model name
	Endpoint   string `yaml:"endpoint"`   // ollama only
	Dimensions int    `yaml:"dimensions"` // vector width; 0 = provider default
	APIKeyEnv  string `yaml:"api_key_env"`
}

// RAGConfig tunes indexing and retrieval.
type RAGConfig struct {
	EnableTaskPlacement  bool          `yaml:"enable_task_placement"`
	DuplicationThreshold float64       `yaml:"duplication_threshold"`
	AllowOverride        bool          `yaml:"allow_override"`
	QueryTimeout         time.Duration `yaml:"query_timeout"`
	MaxBatchSize         int           `yaml:"max_batch_size"`
	IgnoreDirs           []string      `yaml:"ignore_dirs"`
}

// WatcherConfig tunes the background project watcher.
type WatcherConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// LoggingConfig mirrors the shape consumed by internal/logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// ServerConfig is the top-level .agent/config.yaml shape.
type ServerConfig struct {
	ProjectDir string          `yaml:"-"`
	Embedding  EmbeddingConfig `yaml:"embedding"`
	RAG        RAGConfig       `yaml:"rag"`
	Watcher    WatcherConfig   `yaml:"watcher"`
	Logging    LoggingConfig   `yaml:"logging"`
}

// DefaultMaxBatchSize caps how many texts are embedded per upstream
// call when no configuration overrides it.
const DefaultMaxBatchSize = 100

// DefaultServerConfig returns the defaults applied before the file and
// environment are consulted.
func DefaultServerConfig(projectDir string) ServerConfig {
	return ServerConfig{
		ProjectDir: projectDir,
		Embedding: EmbeddingConfig{
			Provider:   "gemini",
			Model:      "gemini-embedding-001",
			Dimensions: 1024,
			APIKeyEnv:  "GEMINI_API_KEY",
		},
		RAG: RAGConfig{
			EnableTaskPlacement:  true,
			DuplicationThreshold: 0.8,
			AllowOverride:        true,
			QueryTimeout:         5 * time.Second,
			MaxBatchSize:         DefaultMaxBatchSize,
			IgnoreDirs:           []string{".agent", ".git", "node_modules", "vendor"},
		},
		Watcher: WatcherConfig{
			Enabled:  true,
			Debounce: 2 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadServerConfig reads .agent/config.yaml if present, then applies
// environment overrides for the RAG feature flags.
func LoadServerConfig(projectDir string) (ServerConfig, error) {
	cfg := DefaultServerConfig(projectDir)

	path := filepath.Join(projectDir, ".agent", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *ServerConfig) applyEnv() {
	if v, ok := os.LookupEnv("ENABLE_TASK_PLACEMENT_RAG"); ok {
		c.RAG.EnableTaskPlacement = parseBool(v, c.RAG.EnableTaskPlacement)
	}
	if v, ok := os.LookupEnv("ALLOW_RAG_OVERRIDE"); ok {
		c.RAG.AllowOverride = parseBool(v, c.RAG.AllowOverride)
	}
	if v, ok := os.LookupEnv("TASK_DUPLICATION_THRESHOLD"); ok {
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil && f > 0 && f <= 1 {
			c.RAG.DuplicationThreshold = f
		}
	}
	if v, ok := os.LookupEnv("MAX_EMBEDDING_BATCH_SIZE"); ok {
		if n := parseInt(v, 0); n > 0 {
			c.RAG.MaxBatchSize = n
		}
	}
	if v, ok := os.LookupEnv("EMBEDDING_PROVIDER"); ok {
		c.Embedding.Provider = v
	}
	if v, ok := os.LookupEnv("OLLAMA_ENDPOINT"); ok {
		c.Embedding.Endpoint = v
	}
}

// APIKey resolves the embedding API key from the configured env var.
func (c EmbeddingConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// StorePath returns the canonical location of the embedded store.
func StorePath(projectDir string) string {
	return filepath.Join(projectDir, ".agent", "mcp_state.db")
}
