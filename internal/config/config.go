package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines server configuration.
type Config struct {
	Server    ServerConfig           `yaml:"server"`
	Transport TransportConfig        `yaml:"transport"`
	DB        DBConfig               `yaml:"db"`
	Log       LogConfig              `yaml:"log"`
	Provider  ProviderConfig         `yaml:"provider"`
	Budget    BudgetConfig           `yaml:"budget"`
	Stages    map[string]StageConfig `yaml:"stages"`
	Workflow  []string               `yaml:"workflow"`
	Defaults  ProjectDefaults        `yaml:"defaults"`
	Metrics   MetricsConfig          `yaml:"metrics"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type TransportConfig struct {
	Mode string `yaml:"mode"` // "stdio" or "http"
}

type DBConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

// ProviderConfig selects and configures the generative backend.
type ProviderConfig struct {
	Kind               string        `yaml:"kind"` // "gemini", "openai" or "anthropic"
	APIKey             string        `yaml:"api_key"`
	BaseURL            string        `yaml:"base_url"`
	UploadPollInterval time.Duration `yaml:"upload_poll_interval"`
	UploadTimeout      time.Duration `yaml:"upload_timeout"`
	MaxOutputTokens    int           `yaml:"max_output_tokens"`
}

type BudgetConfig struct {
	MaxTokens int `yaml:"max_tokens"`
}

// StageConfig holds per-stage generation defaults. Projects may override
// model, thinking level and TTL through their settings.
type StageConfig struct {
	Model             string `yaml:"model"`
	ThinkingLevel     string `yaml:"thinking_level"`
	CacheTTLSeconds   int    `yaml:"cache_ttl_seconds"`
	SystemInstruction string `yaml:"system_instruction"`
}

// ProjectDefaults are applied to newly created projects.
type ProjectDefaults struct {
	Language              string `yaml:"language"`
	TargetDurationMinutes int    `yaml:"target_duration_minutes"`
	CacheTTLSeconds       int    `yaml:"cache_ttl_seconds"`
	AutoSave              bool   `yaml:"auto_save"`
	StreamingEnabled      bool   `yaml:"streaming_enabled"`
	ImageModel            string `yaml:"image_model"`
}

type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

const (
	DefaultModel      = "gemini-3-flash-preview"
	DefaultImageModel = "nano-banana-pro"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Transport: TransportConfig{
			Mode: "stdio",
		},
		DB: DBConfig{
			Path: "storyloom.db",
		},
		Log: LogConfig{
			Level: "info",
		},
		Provider: ProviderConfig{
			Kind:               "gemini",
			UploadPollInterval: 2 * time.Second,
			UploadTimeout:      5 * time.Minute,
			MaxOutputTokens:    8192,
		},
		Budget: BudgetConfig{
			MaxTokens: 1_000_000,
		},
		Stages: map[string]StageConfig{
			"analyze": {Model: DefaultModel, ThinkingLevel: "low", CacheTTLSeconds: 10800},
			"outline": {Model: DefaultModel, ThinkingLevel: "medium", CacheTTLSeconds: 10800},
			"write":   {Model: DefaultModel, ThinkingLevel: "high", CacheTTLSeconds: 21600},
			"review":  {Model: DefaultModel, ThinkingLevel: "medium", CacheTTLSeconds: 3600},
		},
		Workflow: []string{"analyze", "outline", "write", "review"},
		Defaults: ProjectDefaults{
			Language:              "tr",
			TargetDurationMinutes: 30,
			CacheTTLSeconds:       10800,
			AutoSave:              true,
			StreamingEnabled:      true,
			ImageModel:            DefaultImageModel,
		},
	}
}

// Load reads configuration from an optional YAML file and environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("STORYLOOM_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// StageNames returns the workflow stages in order, falling back to the
// configured stage set when no explicit workflow is declared.
func (c Config) StageNames() []string {
	if len(c.Workflow) > 0 {
		return c.Workflow
	}
	names := make([]string, 0, len(c.Stages))
	for name := range c.Stages {
		names = append(names, name)
	}
	return names
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("STORYLOOM_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if portStr := os.Getenv("STORYLOOM_SERVER_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid STORYLOOM_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if mode := os.Getenv("STORYLOOM_TRANSPORT"); mode != "" {
		cfg.Transport.Mode = mode
	}
	if dbPath := os.Getenv("STORYLOOM_DB_PATH"); dbPath != "" {
		cfg.DB.Path = dbPath
	}
	if level := os.Getenv("STORYLOOM_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if logPath := os.Getenv("STORYLOOM_LOG_PATH"); logPath != "" {
		cfg.Log.Path = logPath
	}
	if kind := os.Getenv("STORYLOOM_PROVIDER"); kind != "" {
		cfg.Provider.Kind = kind
	}
	if key := os.Getenv("STORYLOOM_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = providerKeyFromEnv(cfg.Provider.Kind)
	}
	if baseURL := os.Getenv("STORYLOOM_PROVIDER_BASE_URL"); baseURL != "" {
		cfg.Provider.BaseURL = baseURL
	}
	if maxStr := os.Getenv("STORYLOOM_MAX_TOKENS"); maxStr != "" {
		maxTokens, err := strconv.Atoi(maxStr)
		if err != nil {
			return fmt.Errorf("invalid STORYLOOM_MAX_TOKENS: %w", err)
		}
		cfg.Budget.MaxTokens = maxTokens
	}
	if endpoint := os.Getenv("STORYLOOM_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Endpoint = endpoint
	}
	return nil
}

func providerKeyFromEnv(kind string) string {
	switch kind {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	default:
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
