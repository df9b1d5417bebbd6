// Package config loads server configuration from YAML, .env and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML parses strings such as "12h" or "30m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete server configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Provider     ProviderConfig     `yaml:"provider"`
	Store        StoreConfig        `yaml:"store"`
	Retention    RetentionConfig    `yaml:"retention"`
	Context      ContextConfig      `yaml:"context"`
	Conversation ConversationConfig `yaml:"conversation"`
	Prompts      PromptsConfig      `yaml:"prompts"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr           string          `yaml:"addr"`
	MaxUploadBytes int64           `yaml:"max_upload_bytes"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-client limits. Zero values disable limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ProviderConfig selects and parameterises the language model provider.
type ProviderConfig struct {
	Kind           string   `yaml:"kind"`
	Model          string   `yaml:"model"`
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	MaxTokens      int      `yaml:"max_tokens"`
	Temperature    *float64 `yaml:"temperature"`
	Timeout        Duration `yaml:"timeout"`
	ThinkingBudget int64    `yaml:"thinking_budget"`
}

// StoreConfig selects the snapshot backend.
type StoreConfig struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisKey  string `yaml:"redis_key"`
	S3Bucket  string `yaml:"s3_bucket"`
	S3Key     string `yaml:"s3_key"`
}

// RetentionConfig drives the periodic sweep.
type RetentionConfig struct {
	MaxAge   Duration `yaml:"max_age"`
	MaxCount int      `yaml:"max_count"`
	Schedule string   `yaml:"schedule"`
}

// ContextConfig sets the history budget.
type ContextConfig struct {
	Budget int    `yaml:"budget"`
	Cost   string `yaml:"cost"`
}

// ConversationConfig sets conversation resolution.
type ConversationConfig struct {
	Fallback string `yaml:"fallback"`
}

// PromptsConfig overrides the built-in prompts. Empty fields keep defaults.
type PromptsConfig struct {
	System string `yaml:"system"`
	Search string `yaml:"search"`
	Upload string `yaml:"upload"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultModel is the Ark endpoint used when none is configured.
const DefaultModel = "ep-20250212181835-cb6kv"

const (
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendS3     = "s3"

	CostRunes  = "runes"
	CostTokens = "tokens"
)

// Default returns the built-in configuration.
func Default() Config {
	temp := 0.7
	return Config{
		Server: ServerConfig{
			Addr:           "0.0.0.0:5000",
			MaxUploadBytes: 16 << 20,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 100.0 / 60.0,
				Burst:             100,
			},
		},
		Provider: ProviderConfig{
			Kind:        "ark",
			Model:       DefaultModel,
			MaxTokens:   2000,
			Temperature: &temp,
			Timeout:     Duration(30 * time.Minute),
		},
		Store: StoreConfig{
			Backend: BackendFile,
			Path:    "data/conversations.json",
		},
		Retention: RetentionConfig{
			MaxAge:   Duration(30 * 24 * time.Hour),
			MaxCount: 100,
			Schedule: "@every 12h",
		},
		Context: ContextConfig{
			Budget: 6000,
			Cost:   CostRunes,
		},
		Conversation: ConversationConfig{Fallback: "create"},
		Log:          LogConfig{Level: "info"},
	}
}

// Load reads .env files, then the YAML file at path (optional when empty),
// then applies environment overrides and validates the result.
func Load(path string, envFiles ...string) (Config, error) {
	if err := LoadDotEnv(envFiles...); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads the given .env files, or ./.env when none are named.
// Missing files are ignored; variables already set are kept.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment variables onto c.
func (c *Config) ApplyEnv() {
	setString(&c.Server.Addr, "PIPASSIST_ADDR")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Provider.Model, "ENDPOINT_ID")
	setString(&c.Provider.BaseURL, "OPENAI_BASE_URL")
	setString(&c.Provider.Kind, "PIPASSIST_PROVIDER")
	setString(&c.Store.Backend, "PIPASSIST_STORE")
	setString(&c.Store.Path, "PIPASSIST_STORE_PATH")
	setString(&c.Store.RedisAddr, "REDIS_ADDR")
	setString(&c.Store.S3Bucket, "PIPASSIST_S3_BUCKET")

	if c.Provider.APIKey == "" {
		switch strings.ToLower(c.Provider.Kind) {
		case "anthropic":
			c.Provider.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			c.Provider.APIKey = firstEnv("OPENAI_API_KEY", "ARK_API_KEY")
		default:
			c.Provider.APIKey = firstEnv("ARK_API_KEY", "OPENAI_API_KEY")
		}
	}

	if v := os.Getenv("PIPASSIST_CONTEXT_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Context.Budget = n
		}
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Validate checks the enumerated fields and limits.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	switch c.Store.Backend {
	case BackendFile:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the file backend"))
		}
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
	case BackendS3:
		if c.Store.S3Bucket == "" {
			errs = append(errs, errors.New("store.s3_bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	switch c.Context.Cost {
	case "", CostRunes, CostTokens:
	default:
		errs = append(errs, fmt.Errorf("unknown context.cost %q", c.Context.Cost))
	}
	switch strings.ToLower(c.Conversation.Fallback) {
	case "", "create", "latest":
	default:
		errs = append(errs, fmt.Errorf("unknown conversation.fallback %q", c.Conversation.Fallback))
	}
	if c.Retention.MaxAge < 0 || c.Retention.MaxCount < 0 {
		errs = append(errs, errors.New("retention limits must not be negative"))
	}
	if c.Provider.MaxTokens < 0 {
		errs = append(errs, errors.New("provider.max_tokens must not be negative"))
	}
	return errors.Join(errs...)
}
