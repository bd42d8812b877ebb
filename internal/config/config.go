package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Provider   ProviderConfig   `toml:"provider"`
	Engine     EngineConfig     `toml:"engine"`
	Compaction CompactionConfig `toml:"compaction"`
	Memory     MemoryConfig     `toml:"memory"`
	Observer   ObserverConfig   `toml:"observer"`
}

type ProviderConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
}

type EngineConfig struct {
	MaxIterations     int `toml:"max_iterations"`
	MaxNodeExecutions int `toml:"max_node_executions"`
	MaxToolIterations int `toml:"max_tool_iterations"`
}

type CompactionConfig struct {
	Strategy       string `toml:"strategy"`
	ModelLimit     int    `toml:"model_limit"`
	Margin         int    `toml:"margin"`
	PreserveRecent int    `toml:"preserve_recent"`
	Model          string `toml:"model"`
}

type MemoryConfig struct {
	Backend     string `toml:"backend"` // "sqlite" or "postgres"
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Provider: ProviderConfig{Model: "gpt-4o-mini"},
		Engine: EngineConfig{
			MaxIterations:     1000,
			MaxNodeExecutions: 100,
			MaxToolIterations: 10,
		},
		Compaction: CompactionConfig{Strategy: "truncate"},
		Memory:     MemoryConfig{Backend: "sqlite", Path: "loom.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "loom.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("LOOM_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("LOOM_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("LOOM_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("LOOM_POSTGRES_URL"); v != "" {
		cfg.Memory.Backend = "postgres"
		cfg.Memory.PostgresURL = v
	}
	if os.Getenv("LOOM_OBSERVER_ENABLED") == "true" || os.Getenv("LOOM_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
