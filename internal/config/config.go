// Package config loads the server configuration.  Values come from built-in
// defaults, an optional YAML file (with ${VAR} expansion) and finally a small
// set of environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingAPIKey is returned by CheckCredentials when no API key could be
// resolved.  The questionnaire still works without one; only the diagnosis
// request is refused.
var ErrMissingAPIKey = errors.New("no API key configured (set GEMINI_API_KEY, API_KEY or VITE_GEMINI_API_KEY)")

// apiKeyEnvChain is consulted in order when llm.api_key is empty.
var apiKeyEnvChain = []string{"GEMINI_API_KEY", "API_KEY", "VITE_GEMINI_API_KEY"}

// Config is the complete server configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	LLM          LLMConfig          `yaml:"llm"`
	Conversation ConversationConfig `yaml:"conversation"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr             string        `yaml:"addr"`
	MaxConversations int           `yaml:"max_conversations"`
	IdleTimeout      time.Duration `yaml:"-"`

	IdleTimeoutRaw string `yaml:"idle_timeout"`
}

// LLMConfig describes the text-generation endpoint.  BaseURL points at any
// OpenAI-compatible API; the default is Gemini's compatibility endpoint.
type LLMConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// ConversationConfig holds the questionnaire settings.  The delays simulate
// the assistant typing before each scripted message.
type ConversationConfig struct {
	CatalogPath   string        `yaml:"catalog_path"`
	GreetingDelay time.Duration `yaml:"-"`
	QuestionDelay time.Duration `yaml:"-"`

	GreetingDelayRaw string `yaml:"greeting_delay"`
	QuestionDelayRaw string `yaml:"question_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             ":8080",
			MaxConversations: 1000,
			IdleTimeout:      30 * time.Minute,
		},
		LLM: LLMConfig{
			BaseURL:     "https://generativelanguage.googleapis.com/v1beta/openai/",
			Model:       "gemini-3-flash-preview",
			Temperature: 0.8,
		},
		Conversation: ConversationConfig{
			GreetingDelay: 800 * time.Millisecond,
			QuestionDelay: 1000 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load builds the configuration.  If path is empty only defaults and
// environment variables are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		if err := parseDurations(cfg); err != nil {
			return nil, fmt.Errorf("parsing durations: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration can run a server.  A missing API key
// is not a validation failure; see CheckCredentials.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.MaxConversations <= 0 {
		return fmt.Errorf("server.max_conversations must be positive")
	}
	if c.Server.IdleTimeout < 0 {
		return fmt.Errorf("server.idle_timeout must not be negative")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2, got %v", c.LLM.Temperature)
	}
	if c.LLM.Timeout < 0 {
		return fmt.Errorf("llm.timeout must not be negative")
	}
	if c.Conversation.GreetingDelay < 0 || c.Conversation.QuestionDelay < 0 {
		return fmt.Errorf("conversation delays must not be negative")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	return nil
}

// CheckCredentials reports ErrMissingAPIKey when no key was resolved.
func (c *Config) CheckCredentials() error {
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// applyEnv overrides file values with environment variables and resolves the
// API key fallback chain.
func applyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("COMPASS_CATALOG"); v != "" {
		cfg.Conversation.CatalogPath = v
	}
	if cfg.LLM.APIKey == "" {
		for _, name := range apiKeyEnvChain {
			if v := os.Getenv(name); v != "" {
				cfg.LLM.APIKey = v
				break
			}
		}
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.idle_timeout", cfg.Server.IdleTimeoutRaw, &cfg.Server.IdleTimeout},
		{"llm.timeout", cfg.LLM.TimeoutRaw, &cfg.LLM.Timeout},
		{"conversation.greeting_delay", cfg.Conversation.GreetingDelayRaw, &cfg.Conversation.GreetingDelay},
		{"conversation.question_delay", cfg.Conversation.QuestionDelayRaw, &cfg.Conversation.QuestionDelay},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
