package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ricardoakrug/groupgraph/internal/config"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
telegram:
  token: "123:abc"
ingest:
  groups:
    - "-1001234567890"
`)

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Logger.Level != "info" {
		t.Errorf("logger.level default: got %q, want %q", cfg.Logger.Level, "info")
	}
	if cfg.Database.Path != "groupgraph.db" {
		t.Errorf("database.path default: got %q", cfg.Database.Path)
	}
	if cfg.Ingest.Workers != 4 {
		t.Errorf("ingest.workers default: got %d, want 4", cfg.Ingest.Workers)
	}
	if cfg.Gemini.MaxRetries != 3 {
		t.Errorf("gemini.max_retries default: got %d, want 3", cfg.Gemini.MaxRetries)
	}

	if cfg.Ingest.SweepLimit != 500 {
		t.Errorf("ingest.sweep_limit default: got %d, want 500", cfg.Ingest.SweepLimit)
	}

	for _, name := range []string{"group_catchup", "analysis_sweep"} {
		task, ok := cfg.Scheduler.Tasks[name]
		if !ok {
			t.Fatalf("default %s task missing", name)
		}
		if !task.Enabled || task.Schedule == "" {
			t.Errorf("%s defaults wrong: %+v", name, task)
		}
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
logger:
  level: debug
  json: false
database:
  path: /tmp/other.db
telegram:
  token: "123:abc"
ingest:
  groups:
    - "-100111"
    - "-100222"
  workers: 8
`)

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Logger.Level != "debug" || cfg.Logger.JSON {
		t.Errorf("logger overrides not applied: %+v", cfg.Logger)
	}
	if cfg.Database.Path != "/tmp/other.db" {
		t.Errorf("database.path: got %q", cfg.Database.Path)
	}
	if len(cfg.Ingest.Groups) != 2 || cfg.Ingest.Workers != 8 {
		t.Errorf("ingest overrides not applied: %+v", cfg.Ingest)
	}
}

func TestLoadConfig_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "missing telegram token",
			content: `
ingest:
  groups:
    - "-100111"
`,
		},
		{
			name: "no groups",
			content: `
telegram:
  token: "123:abc"
ingest:
  groups: []
`,
		},
		{
			name: "bad log level",
			content: `
logger:
  level: loud
telegram:
  token: "123:abc"
ingest:
  groups:
    - "-100111"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfigFile(t, tt.content)
			if _, err := config.LoadConfig(path); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}
