package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables holding the credential bundle. They override the file.
const (
	EnvAppKey       = "REPLYRUN_APP_KEY"
	EnvAppSecret    = "REPLYRUN_APP_SECRET"
	EnvAccessToken  = "REPLYRUN_ACCESS_TOKEN"
	EnvAccessSecret = "REPLYRUN_ACCESS_SECRET"
	EnvRedisAddr    = "REDIS_ADDR"
	EnvPostgresDSN  = "PG_DSN"
)

// Config is the complete replyrun configuration
type Config struct {
	Mode                 Mode          `yaml:"mode"`
	Query                string        `yaml:"query"`
	PageSize             int           `yaml:"page_size"`
	Texts                []string      `yaml:"texts"`
	Region               string        `yaml:"region"` // optional trends location id for the reply tag
	SafetyMargin         time.Duration `yaml:"safety_margin"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"` // 0 = unlimited (3 in single-shot)

	Credentials Credentials    `yaml:"credentials"`
	Platform    PlatformConfig `yaml:"platform"`
	Search      SearchConfig   `yaml:"search"`
	Reply       ReplyConfig    `yaml:"reply"`
	Ledger      LedgerConfig   `yaml:"ledger"`
	Tags        TagsConfig     `yaml:"tags"`
	Metrics     MetricsConfig  `yaml:"metrics"`
	Log         LogConfig      `yaml:"log"`
}

// Credentials is the OAuth 1.0a user-context bundle
type Credentials struct {
	AppKey       string `yaml:"app_key"`
	AppSecret    string `yaml:"app_secret"`
	AccessToken  string `yaml:"access_token"`
	AccessSecret string `yaml:"access_secret"`
}

// PlatformConfig describes the remote API
type PlatformConfig struct {
	BaseURL     string        `yaml:"base_url"`
	CallTimeout time.Duration `yaml:"call_timeout"` // ceiling for a single search or reply call
	UserAgent   string        `yaml:"user_agent"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the request circuit breaker
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// SearchConfig is the search endpoint quota: Quota calls per Window
type SearchConfig struct {
	Window time.Duration `yaml:"window"`
	Quota  int           `yaml:"quota"`
}

// ReplyConfig is the reply endpoint quota per rolling 24 hours
type ReplyConfig struct {
	QuotaPerDay int `yaml:"quota_per_day"`
}

// LedgerConfig selects and configures the dedup ledger backend
type LedgerConfig struct {
	Backend      string        `yaml:"backend"` // file, memory, redis, postgres
	Path         string        `yaml:"path"`
	RedisAddr    string        `yaml:"redis_addr"`
	RedisKey     string        `yaml:"redis_key"`
	PostgresDSN  string        `yaml:"postgres_dsn"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// TagsConfig configures the reply tag cache
type TagsConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	RedisAddr string        `yaml:"redis_addr"` // empty keeps the cache in memory
}

// MetricsConfig configures the optional status server
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// LogConfig configures zerolog output
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // auto, console, json
}

// Load reads the YAML file at path, overlays environment credentials and
// applies defaults. envFile, when non-empty, is loaded with godotenv first.
// Validation is left to the caller so CLI flags can be applied before it.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, &ConfigError{Field: "env_file", Reason: err.Error()}
		}
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &ConfigError{Field: "config", Reason: fmt.Sprintf("failed to read %s: %v", path, err)}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &ConfigError{Field: "config", Reason: fmt.Sprintf("failed to parse %s: %v", path, err)}
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	overlay := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	overlay(&c.Credentials.AppKey, EnvAppKey)
	overlay(&c.Credentials.AppSecret, EnvAppSecret)
	overlay(&c.Credentials.AccessToken, EnvAccessToken)
	overlay(&c.Credentials.AccessSecret, EnvAccessSecret)
	overlay(&c.Ledger.RedisAddr, EnvRedisAddr)
	overlay(&c.Ledger.PostgresDSN, EnvPostgresDSN)
}

// ApplyDefaults fills every unset field with its production default
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeContinuous
	}
	if c.PageSize == 0 {
		c.PageSize = 10
	}
	if c.SafetyMargin == 0 {
		c.SafetyMargin = 5 * time.Second
	}
	if c.Platform.BaseURL == "" {
		c.Platform.BaseURL = "https://api.twitter.com"
	}
	if c.Platform.CallTimeout == 0 {
		c.Platform.CallTimeout = 30 * time.Second
	}
	if c.Platform.UserAgent == "" {
		c.Platform.UserAgent = "replyrun/1.0"
	}
	if c.Platform.Breaker.FailureThreshold == 0 {
		c.Platform.Breaker.FailureThreshold = 5
	}
	if c.Platform.Breaker.OpenTimeout == 0 {
		c.Platform.Breaker.OpenTimeout = time.Minute
	}
	if c.Search.Window == 0 {
		c.Search.Window = 15 * time.Minute
	}
	if c.Search.Quota == 0 {
		c.Search.Quota = 1
	}
	if c.Reply.QuotaPerDay == 0 {
		c.Reply.QuotaPerDay = 50
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = "file"
	}
	if c.Ledger.Backend == "file" && c.Ledger.Path == "" {
		c.Ledger.Path = "data/replied.log"
	}
	if c.Ledger.RedisKey == "" {
		c.Ledger.RedisKey = "replyrun:replied"
	}
	if c.Ledger.QueryTimeout == 0 {
		c.Ledger.QueryTimeout = 5 * time.Second
	}
	if c.Tags.TTL == 0 {
		c.Tags.TTL = time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
}

// Validate checks everything the run needs before any API call is made
func (c *Config) Validate() error {
	creds := map[string]string{
		"credentials.app_key":       c.Credentials.AppKey,
		"credentials.app_secret":    c.Credentials.AppSecret,
		"credentials.access_token":  c.Credentials.AccessToken,
		"credentials.access_secret": c.Credentials.AccessSecret,
	}
	for _, field := range []string{"credentials.app_key", "credentials.app_secret", "credentials.access_token", "credentials.access_secret"} {
		if strings.TrimSpace(creds[field]) == "" {
			return &ConfigError{Field: field, Reason: "missing"}
		}
	}

	if err := c.Mode.validate(); err != nil {
		return &ConfigError{Field: "mode", Reason: err.Error()}
	}
	if len(c.Texts) == 0 {
		return &ConfigError{Field: "texts", Reason: "reply text pool is empty"}
	}
	for i, text := range c.Texts {
		if strings.TrimSpace(text) == "" {
			return &ConfigError{Field: fmt.Sprintf("texts[%d]", i), Reason: "blank reply text"}
		}
	}
	if strings.TrimSpace(c.Query) == "" {
		return &ConfigError{Field: "query", Reason: "missing"}
	}
	if c.PageSize < 10 || c.PageSize > 100 {
		return &ConfigError{Field: "page_size", Reason: fmt.Sprintf("%d outside [10,100]", c.PageSize)}
	}
	if c.SafetyMargin < 0 {
		return &ConfigError{Field: "safety_margin", Reason: "negative"}
	}
	if c.MaxConsecutiveErrors < 0 {
		return &ConfigError{Field: "max_consecutive_errors", Reason: "negative"}
	}
	if c.Platform.CallTimeout <= 0 {
		return &ConfigError{Field: "platform.call_timeout", Reason: "must be positive"}
	}
	if c.Search.Window <= 0 || c.Search.Quota <= 0 {
		return &ConfigError{Field: "search", Reason: "window and quota must be positive"}
	}
	if c.Reply.QuotaPerDay <= 0 {
		return &ConfigError{Field: "reply.quota_per_day", Reason: "must be positive"}
	}

	switch c.Ledger.Backend {
	case "file":
		if c.Ledger.Path == "" {
			return &ConfigError{Field: "ledger.path", Reason: "required for the file backend"}
		}
	case "memory":
	case "redis":
		if c.Ledger.RedisAddr == "" {
			return &ConfigError{Field: "ledger.redis_addr", Reason: "required for the redis backend"}
		}
	case "postgres":
		if c.Ledger.PostgresDSN == "" {
			return &ConfigError{Field: "ledger.postgres_dsn", Reason: "required for the postgres backend"}
		}
	default:
		return &ConfigError{Field: "ledger.backend", Reason: fmt.Sprintf("unknown backend %q", c.Ledger.Backend)}
	}

	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		return &ConfigError{Field: "log.format", Reason: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}
	return nil
}

// ReplyInterval is the inter-reply wait that keeps replies per rolling 24h
// under the reply quota.
func (c *Config) ReplyInterval() time.Duration {
	return 24*time.Hour/time.Duration(c.Reply.QuotaPerDay) + c.SafetyMargin
}

// SearchInterval is the spacing between search calls that respects the
// search quota. ErrorBackoff waits this long as well.
func (c *Config) SearchInterval() time.Duration {
	return c.Search.Window/time.Duration(c.Search.Quota) + c.SafetyMargin
}

// ConfigError reports a missing or invalid setting. It is always fatal.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}
