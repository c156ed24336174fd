// Package config loads the YAML configuration that drives an agentcore
// runtime: model selection, retry/compression tunables, and the database
// path. It follows the loader pattern of the GoClaw Copilot config system —
// defaults first, YAML overlay, then environment-variable secret resolution.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an agentcore runtime.
type Config struct {
	// AgentID identifies this agent in session keys (agent:<AgentID>:<scope>:<chat_id>).
	AgentID string `yaml:"agent_id"`

	LLM      LLMConfig      `yaml:"llm"`
	Healing  HealingConfig  `yaml:"healing"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LLMConfig selects the model and transport provider (§6.2, §6.5).
type LLMConfig struct {
	Model    string `yaml:"model"`
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
}

// HealingConfig carries the §4.2/§4.3/§4.6 tunables.
type HealingConfig struct {
	MaxRetries        int `yaml:"max_retries"`
	MaxMessageHistory int `yaml:"max_message_history"`
	MaxWaitSeconds    int `yaml:"max_wait_seconds"`
	KeepRecent        int `yaml:"keep_recent"`
	MaxResumeCount    int `yaml:"max_resume_count"`
}

// DatabaseConfig selects the SQLite file backing the Session & Memory Store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig selects slog handler shape.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the baseline configuration, matching §6.5's defaults
// (MAX_MESSAGE_HISTORY=40, MAX_RESUME_COUNT=3, max_wait_seconds cap of 60).
func DefaultConfig() *Config {
	return &Config{
		AgentID: "agentcore",
		LLM: LLMConfig{
			Model:    "gpt-5-mini",
			Provider: "openrouter",
			BaseURL:  "https://openrouter.ai/api/v1",
		},
		Healing: HealingConfig{
			MaxRetries:        3,
			MaxMessageHistory: 40,
			MaxWaitSeconds:    60,
			KeepRecent:        10,
			MaxResumeCount:    3,
		},
		Database: DatabaseConfig{
			Path: "data/sessions.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadFromFile reads and parses a YAML configuration file, expanding
// ${VAR}/$VAR references and resolving the LLM API key from the environment
// when the config value is empty or itself an env reference.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	resolveSecrets(cfg)
	return cfg, nil
}

// FindConfigFile searches standard locations for a config file.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"agentcore.yaml",
		"configs/config.yaml",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsEnvReference reports whether s is an unexpanded ${VAR} or $VAR token.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f) // does not overwrite already-set env vars
	}
}

func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

func resolveSecrets(cfg *Config) {
	if cfg.LLM.APIKey == "" || IsEnvReference(cfg.LLM.APIKey) {
		for _, name := range []string{"AGENTCORE_API_KEY", "OPENROUTER_API_KEY", "OPENAI_API_KEY"} {
			if v := os.Getenv(name); v != "" {
				cfg.LLM.APIKey = v
				break
			}
		}
	}
	if v := os.Getenv("DEFAULT_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("PROVIDER_DEFAULT"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
}
