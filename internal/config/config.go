// Package config loads teller's configuration from config.yaml and TELLER_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is read when no config file is given. It may be absent.
const DefaultPath = "config.yaml"

// EnvPrefix prefixes environment overrides; "__" separates nesting levels,
// e.g. TELLER_POLICY__MODEL.
const EnvPrefix = "TELLER_"

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Auth         AuthConfig         `koanf:"auth"`
	Storage      StorageConfig      `koanf:"storage"`
	Policy       PolicyConfig       `koanf:"policy"`
	Local        LocalConfig        `koanf:"local"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Banking      BankingConfig      `koanf:"banking"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

type ServerConfig struct {
	Addr           string        `koanf:"addr"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	CORSOrigins    []string      `koanf:"cors_origins"`
	RateLimit      int           `koanf:"rate_limit"`
	RateBurst      int           `koanf:"rate_burst"`
}

type AuthConfig struct {
	APIKeys []APIKeyConfig `koanf:"api_keys"`
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	Description string `koanf:"description"`
}

type StorageConfig struct {
	Type string `koanf:"type"` // memory, sqlite, postgres, mysql
	DSN  string `koanf:"dsn"`
}

// PolicyConfig selects the model behind POST /chat.
type PolicyConfig struct {
	// Backend is "openai" for the built-in Chat Completions client or
	// "langchain" for langchaingo.
	Backend string `koanf:"backend"`
	// Provider applies to the langchain backend: openai or ollama.
	Provider         string  `koanf:"provider"`
	Model            string  `koanf:"model"`
	APIKey           string  `koanf:"api_key"`
	BaseURL          string  `koanf:"base_url"`
	Temperature      float64 `koanf:"temperature"`
	MaxContextTokens int     `koanf:"max_context_tokens"`
}

// LocalConfig configures the optional POST /chat/local assistant.
type LocalConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
}

type OrchestratorConfig struct {
	MaxIterations    int           `koanf:"max_iterations"`
	MaxParallel      int           `koanf:"max_parallel"`
	PolicyTimeout    time.Duration `koanf:"policy_timeout"`
	OperationTimeout time.Duration `koanf:"operation_timeout"`
	TurnTimeout      time.Duration `koanf:"turn_timeout"`
	LockTimeout      time.Duration `koanf:"lock_timeout"`
}

type BankingConfig struct {
	// FixturesPath overrides the embedded demo customers.
	FixturesPath string `koanf:"fixtures_path"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.addr":                    ":8000",
	"server.request_timeout":         "90s",
	"server.cors_origins":            []string{"*"},
	"storage.type":                   "memory",
	"policy.backend":                 "openai",
	"policy.provider":                "openai",
	"policy.model":                   "gpt-3.5-turbo",
	"policy.temperature":             0.0,
	"local.provider":                 "ollama",
	"local.model":                    "llama3.2:3b",
	"local.base_url":                 "http://localhost:11434",
	"orchestrator.max_iterations":    8,
	"orchestrator.max_parallel":      4,
	"orchestrator.policy_timeout":    "60s",
	"orchestrator.operation_timeout": "10s",
	"orchestrator.turn_timeout":      "0s",
	"orchestrator.lock_timeout":      "30s",
	"logging.level":                  "info",
	"logging.format":                 "json",
	"telemetry.service_name":         "teller",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath when empty), then environment overrides, then
// fills defaults. A missing DefaultPath is not an error; a missing explicit
// path is.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Policy.APIKey = substituteEnvVars(cfg.Policy.APIKey)
	cfg.Policy.BaseURL = substituteEnvVars(cfg.Policy.BaseURL)
	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)
	cfg.Local.BaseURL = substituteEnvVars(cfg.Local.BaseURL)
	if cfg.Policy.APIKey == "" {
		cfg.Policy.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Type {
	case "memory":
	case "sqlite", "postgres", "mysql":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for %s", c.Storage.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type %q is not one of memory, sqlite, postgres, mysql", c.Storage.Type))
	}

	switch c.Policy.Backend {
	case "openai", "langchain":
	default:
		errs = append(errs, fmt.Errorf("policy.backend %q is not one of openai, langchain", c.Policy.Backend))
	}

	if c.Orchestrator.MaxIterations < 1 {
		errs = append(errs, errors.New("orchestrator.max_iterations must be at least 1"))
	}
	if c.Orchestrator.MaxParallel < 1 {
		errs = append(errs, errors.New("orchestrator.max_parallel must be at least 1"))
	}
	if c.Orchestrator.OperationTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.operation_timeout must be positive"))
	}
	for i, key := range c.Auth.APIKeys {
		if len(key.KeyHash) != 64 {
			errs = append(errs, fmt.Errorf("auth.api_keys[%d].key_hash must be a hex SHA-256", i))
		}
	}

	return errors.Join(errs...)
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
