package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func TestParseDefaultConfig(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("failed to parse default config: %v", err)
	}

	if cfg.LLM.Provider != "ollama" {
		t.Errorf("expected provider 'ollama', got %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Timeout != 120*time.Second {
		t.Errorf("expected timeout 120s, got %s", cfg.LLM.Timeout)
	}
	if !strings.Contains(cfg.Prompt.UserTemplate, "{{narrative}}") {
		t.Error("expected default template to reference the narrative")
	}
	if cfg.Prompt.System == "" {
		t.Error("expected a default system prompt")
	}
	if cfg.Run.Workers != 1 || cfg.Run.BatchSize != 1 {
		t.Errorf("expected sequential per-row defaults, got workers=%d batch=%d", cfg.Run.Workers, cfg.Run.BatchSize)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("expected port 8000, got %d", cfg.Server.Port)
	}
}

func TestParseMinimalConfig(t *testing.T) {
	data := []byte(`
llm:
  provider: openai
  model: gpt-4o-mini
  base_url: http://localhost:1234/v1
  timeout: 45s
run:
  workers: 4
`)
	cfg, err := parse(data)
	if err != nil {
		t.Fatalf("failed to parse minimal config: %v", err)
	}

	if cfg.LLM.Provider != "openai" {
		t.Errorf("expected provider 'openai', got %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Timeout != 45*time.Second {
		t.Errorf("expected timeout 45s, got %s", cfg.LLM.Timeout)
	}
	if cfg.Run.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Run.Workers)
	}
	// Defaults should still be set for unspecified fields
	if cfg.LLM.MaxRetries != 3 {
		t.Errorf("expected default max_retries 3, got %d", cfg.LLM.MaxRetries)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("expected default sqlite driver, got %q", cfg.Storage.Driver)
	}
}

func TestParseInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"provider", "llm:\n  provider: bard\n", "llm.provider"},
		{"temperature", "llm:\n  temperature: 3\n", "llm.temperature"},
		{"template", "prompt:\n  user_template: hello\n", "prompt.user_template"},
		{"workers", "run:\n  workers: 0\n", "run.workers"},
		{"type", "run:\n  narrative_type: ems\n", "run.narrative_type"},
		{"driver", "storage:\n  driver: mysql\n", "storage.driver"},
		{"level", "logging:\n  level: LOUD\n", "logging.level"},
		{"duration", "llm:\n  timeout: soon\n", "parsing config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateReportsAll(t *testing.T) {
	cfg := Default()
	cfg.Run.Workers = 0
	cfg.Run.BatchSize = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "run.workers") || !strings.Contains(err.Error(), "run.batch_size") {
		t.Errorf("expected both problems reported, got %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, DefaultConfigYAML, 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Prompt.Version != "v1" {
		t.Errorf("expected prompt version v1, got %q", cfg.Prompt.Version)
	}
}

func TestResolveConfigPathExplicit(t *testing.T) {
	if _, err := ResolveConfigPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing explicit path")
	}

	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(path, DefaultConfigYAML, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ResolveConfigPath(path)
	if err != nil || got != path {
		t.Errorf("expected %q, got %q (%v)", path, got, err)
	}
}

func TestGetDatabasePath(t *testing.T) {
	cfg := &Config{}
	if !strings.HasSuffix(cfg.GetDatabasePath(), filepath.Join("ipvscreen", "ipvscreen.db")) {
		t.Errorf("unexpected default path %q", cfg.GetDatabasePath())
	}

	cfg.Storage.Path = "/custom/path.db"
	if cfg.GetDatabasePath() != "/custom/path.db" {
		t.Errorf("expected '/custom/path.db', got %q", cfg.GetDatabasePath())
	}
}

func TestLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "DEBUG"
	lvl, err := cfg.LogLevel()
	if err != nil || lvl != zapcore.DebugLevel {
		t.Errorf("expected debug, got %v (%v)", lvl, err)
	}
}

func TestEnvironmentSecrets(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKeyEnv = "IPVSCREEN_TEST_KEY"
	cfg.Storage.DSNEnv = "IPVSCREEN_TEST_DSN"
	t.Setenv("IPVSCREEN_TEST_KEY", "sk-test")
	t.Setenv("IPVSCREEN_TEST_DSN", "")

	if cfg.APIKey() != "sk-test" {
		t.Errorf("expected key from environment, got %q", cfg.APIKey())
	}
	if _, err := cfg.PostgresDSN(); err == nil {
		t.Error("expected error for unset DSN")
	}
	cfg.Storage.Driver = "postgres"
	if !cfg.IsPostgres() {
		t.Error("expected postgres driver")
	}
}
