package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	LLM     LLM     `yaml:"llm" json:"llm"`
	Prompt  Prompt  `yaml:"prompt" json:"prompt"`
	Storage Storage `yaml:"storage" json:"storage"`
	Run     Run     `yaml:"run" json:"run"`
	Server  Server  `yaml:"server" json:"server"`
	Logging Logging `yaml:"logging" json:"logging"`
}

type LLM struct {
	Provider          string        `yaml:"provider" json:"provider"`
	Model             string        `yaml:"model" json:"model"`
	BaseURL           string        `yaml:"base_url" json:"base_url"`
	APIKeyEnv         string        `yaml:"api_key_env" json:"api_key_env"`
	Temperature       float64       `yaml:"temperature" json:"temperature"`
	MaxTokens         int           `yaml:"max_tokens" json:"max_tokens"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int           `yaml:"burst" json:"burst"`
}

type Prompt struct {
	Version      string `yaml:"version" json:"version"`
	System       string `yaml:"system" json:"system"`
	UserTemplate string `yaml:"user_template" json:"user_template"`
}

type Storage struct {
	Driver string `yaml:"driver" json:"driver"`
	Path   string `yaml:"path" json:"path"`
	DSNEnv string `yaml:"dsn_env" json:"dsn_env"`
}

type Run struct {
	DataSource         string `yaml:"data_source" json:"data_source"`
	NarrativeType      string `yaml:"narrative_type" json:"narrative_type"`
	Limit              int    `yaml:"limit" json:"limit"`
	Workers            int    `yaml:"workers" json:"workers"`
	BatchSize          int    `yaml:"batch_size" json:"batch_size"`
	MaxRationaleLength int    `yaml:"max_rationale_length" json:"max_rationale_length"`
}

type Server struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

type Logging struct {
	Level string `yaml:"level" json:"level"`
}

// ConfigDir returns the XDG config directory for ipvscreen.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "ipvscreen")
}

// DataDir returns the XDG data directory for ipvscreen.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "ipvscreen")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/ipvscreen/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'ipvscreen init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default config: %v", err))
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults and validating
// the result.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		LLM: LLM{
			Provider:       "ollama",
			Model:          "llama3.1:8b",
			BaseURL:        "http://localhost:11434",
			APIKeyEnv:      "OPENAI_API_KEY",
			MaxTokens:      512,
			Timeout:        120 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: 2 * time.Second,
			RetryMaxDelay:  30 * time.Second,
			Burst:          1,
		},
		Prompt: Prompt{
			Version:      "v1",
			UserTemplate: "{{narrative}}",
		},
		Storage: Storage{
			Driver: "sqlite",
			DSNEnv: "IPVSCREEN_POSTGRES_DSN",
		},
		Run: Run{
			Workers:            1,
			BatchSize:          1,
			MaxRationaleLength: 2000,
		},
		Server:  Server{Host: "127.0.0.1", Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges. It reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch strings.ToLower(c.LLM.Provider) {
	case "ollama", "openai", "lmstudio", "openai-compatible", "gemini", "google":
	default:
		errs = append(errs, fmt.Errorf("llm.provider: unknown provider %q", c.LLM.Provider))
	}
	check(c.LLM.Model != "", "llm.model: required")
	check(c.LLM.Temperature >= 0 && c.LLM.Temperature <= 2, "llm.temperature: must be within [0,2], got %g", c.LLM.Temperature)
	check(c.LLM.MaxTokens > 0, "llm.max_tokens: must be positive, got %d", c.LLM.MaxTokens)
	check(c.LLM.Timeout >= 0, "llm.timeout: must not be negative")
	check(c.LLM.MaxRetries >= 0, "llm.max_retries: must not be negative, got %d", c.LLM.MaxRetries)
	check(c.LLM.RetryBaseDelay >= 0 && c.LLM.RetryMaxDelay >= 0, "llm.retry delays: must not be negative")
	check(c.LLM.RequestsPerSecond >= 0, "llm.requests_per_second: must not be negative")

	check(strings.Contains(c.Prompt.UserTemplate, "{{narrative}}"), "prompt.user_template: must contain {{narrative}}")

	switch strings.ToLower(c.Storage.Driver) {
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pq":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	switch strings.ToLower(c.Run.NarrativeType) {
	case "", "cme", "le":
	default:
		errs = append(errs, fmt.Errorf("run.narrative_type: must be cme or le, got %q", c.Run.NarrativeType))
	}
	check(c.Run.Limit >= 0, "run.limit: must not be negative")
	check(c.Run.Workers >= 1, "run.workers: must be at least 1, got %d", c.Run.Workers)
	check(c.Run.BatchSize >= 1, "run.batch_size: must be at least 1, got %d", c.Run.BatchSize)
	check(c.Run.MaxRationaleLength >= 0, "run.max_rationale_length: must not be negative")

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port: out of range: %d", c.Server.Port)
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LogLevel returns the configured zap level.
func (c *Config) LogLevel() (zapcore.Level, error) {
	if c.Logging.Level == "" {
		return zapcore.InfoLevel, nil
	}
	return zapcore.ParseLevel(strings.ToLower(c.Logging.Level))
}

// IsPostgres reports whether results go to a Postgres server.
func (c *Config) IsPostgres() bool {
	switch strings.ToLower(c.Storage.Driver) {
	case "postgres", "postgresql", "pq":
		return true
	}
	return false
}

// GetDatabasePath returns the effective SQLite file from config or the XDG
// default.
func (c *Config) GetDatabasePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(DataDir(), "ipvscreen.db")
}

// PostgresDSN reads the connection string from the configured environment
// variable.
func (c *Config) PostgresDSN() (string, error) {
	dsn := os.Getenv(c.Storage.DSNEnv)
	if dsn == "" {
		return "", fmt.Errorf("storage.dsn_env: environment variable %s is not set", c.Storage.DSNEnv)
	}
	return dsn, nil
}

// APIKey reads the provider key from the configured environment variable.
// An unset variable yields "".
func (c *Config) APIKey() string {
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
