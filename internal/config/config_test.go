package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Engine.MaxIterations != 1000 || cfg.Engine.MaxNodeExecutions != 100 || cfg.Engine.MaxToolIterations != 10 {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Memory.Backend != "sqlite" || cfg.Memory.Path != "loom.db" {
		t.Errorf("memory defaults = %+v", cfg.Memory)
	}
	if cfg.Compaction.Strategy != "truncate" {
		t.Errorf("compaction strategy = %q", cfg.Compaction.Strategy)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.toml")
	data := `
[provider]
api_key = "sk-test"
model = "gpt-4o"

[engine]
max_iterations = 50

[observer]
enabled = true
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.Provider.APIKey != "sk-test" || cfg.Provider.Model != "gpt-4o" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Engine.MaxIterations != 50 {
		t.Errorf("MaxIterations = %d, want 50", cfg.Engine.MaxIterations)
	}
	// Untouched sections keep defaults.
	if cfg.Engine.MaxNodeExecutions != 100 {
		t.Errorf("MaxNodeExecutions = %d, want default 100", cfg.Engine.MaxNodeExecutions)
	}
	if !cfg.Observer.Enabled {
		t.Error("observer not enabled")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.toml")
	if err := os.WriteFile(path, []byte("[provider]\napi_key = \"from-file\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LOOM_API_KEY", "from-env")
	t.Setenv("LOOM_MODEL", "gpt-5-mini")
	t.Setenv("LOOM_POSTGRES_URL", "postgres://localhost/loom")

	cfg := Load(path)
	if cfg.Provider.APIKey != "from-env" {
		t.Errorf("APIKey = %q, env should win", cfg.Provider.APIKey)
	}
	if cfg.Provider.Model != "gpt-5-mini" {
		t.Errorf("Model = %q", cfg.Provider.Model)
	}
	if cfg.Memory.Backend != "postgres" || cfg.Memory.PostgresURL != "postgres://localhost/loom" {
		t.Errorf("memory = %+v, want postgres backend", cfg.Memory)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Engine.MaxIterations != 1000 {
		t.Errorf("MaxIterations = %d, want default", cfg.Engine.MaxIterations)
	}
}
