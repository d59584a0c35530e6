package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Verification VerificationConfig `yaml:"verification"`
	Digest       DigestConfig       `yaml:"digest"`
	Seekers      SeekersConfig      `yaml:"seekers"`
	Auth         AuthConfig         `yaml:"auth"`
	Outbox       OutboxConfig       `yaml:"outbox"`
	Logging      LoggingConfig      `yaml:"logging"`
	Storage      StorageConfig      `yaml:"storage"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                int      `yaml:"port"`
	Host                string   `yaml:"host"`
	CORSOrigins         []string `yaml:"cors_origins"`
	ReadTimeoutSeconds  int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `yaml:"write_timeout_seconds"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// ReadTimeout returns the configured read timeout as a duration
func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the configured write timeout as a duration
func (c ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis settings. An empty URL disables Redis.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// Enabled reports whether a Redis URL is configured.
func (c RedisConfig) Enabled() bool { return c.URL != "" }

// VerificationConfig holds one-time code protocol settings.
type VerificationConfig struct {
	// Store selects the backend for codes: "postgres", "redis" or "memory".
	Store string `yaml:"store"`
	// Lock selects same-email serialization: "redis", "postgres" or "memory".
	Lock string `yaml:"lock"`
	CodeLength             int `yaml:"code_length"`
	CodeTTLSeconds         int `yaml:"code_ttl_seconds"`
	ResendCooldownSeconds  int `yaml:"resend_cooldown_seconds"`
	MaxAttempts            int `yaml:"max_attempts"`
	StoreTimeoutMillis     int `yaml:"store_timeout_millis"`
	RetentionMinutes       int `yaml:"retention_minutes"`
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
}

// CodeTTL returns how long a code stays valid.
func (c VerificationConfig) CodeTTL() time.Duration {
	return time.Duration(c.CodeTTLSeconds) * time.Second
}

// ResendCooldown returns the minimum gap between codes for one email.
func (c VerificationConfig) ResendCooldown() time.Duration {
	return time.Duration(c.ResendCooldownSeconds) * time.Second
}

// StoreTimeout bounds every store call.
func (c VerificationConfig) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMillis) * time.Millisecond
}

// Retention is how long expired requests are kept before cleanup.
func (c VerificationConfig) Retention() time.Duration {
	return time.Duration(c.RetentionMinutes) * time.Minute
}

// CleanupInterval returns the cleanup worker period.
func (c VerificationConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

// DigestConfig holds candidate digest settings.
type DigestConfig struct {
	Enabled              bool `yaml:"enabled"`
	IntervalMinutes      int  `yaml:"interval_minutes"`
	PageSize             int  `yaml:"page_size"`
	BatchLimit           int  `yaml:"batch_limit"`
	InitialLookbackHours int  `yaml:"initial_lookback_hours"`
	LockTTLSeconds       int  `yaml:"lock_ttl_seconds"`
	// Watermark selects where the check-and-send position lives: "postgres"
	// or "redis".
	Watermark string `yaml:"watermark"`
	Subject   string `yaml:"subject"`
	Body      string `yaml:"body"`
}

// Interval returns the check-and-send period.
func (c DigestConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// InitialLookback seeds the first watermark.
func (c DigestConfig) InitialLookback() time.Duration {
	return time.Duration(c.InitialLookbackHours) * time.Hour
}

// LockTTL bounds how long a crashed cycle holds the lock.
func (c DigestConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// SeekersConfig points at the seekers backend.
type SeekersConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIToken       string `yaml:"api_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the configured timeout as a duration
func (c SeekersConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AuthConfig holds Google OAuth authentication configuration for admin
// endpoints.
type AuthConfig struct {
	Enabled            bool   `yaml:"enabled"`
	GoogleClientID     string `yaml:"google_client_id"`
	GoogleClientSecret string `yaml:"google_client_secret"`
	RedirectURL        string `yaml:"redirect_url"`
	AllowedDomain      string `yaml:"allowed_domain"`
	SessionSecret      string `yaml:"session_secret"`
	CookieName         string `yaml:"cookie_name"`
	CookieMaxAge       int    `yaml:"cookie_max_age"`
	// AdminAPIKey authorizes machine callers with a bearer token.
	AdminAPIKey string `yaml:"admin_api_key"`
}

// OutboxConfig selects where outgoing mail is handed off.
type OutboxConfig struct {
	// Type is "redis" or "log".
	Type string `yaml:"type"`
	Key  string `yaml:"key"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// KeepPII disables email redaction in logs. Local debugging only.
	KeepPII bool `yaml:"keep_pii"`
}

// RateLimitConfig bounds per-client calls to the public code endpoints. It
// only takes effect when Redis is configured.
type RateLimitConfig struct {
	Enabled   bool `yaml:"enabled"`
	PerMinute int  `yaml:"per_minute"`
	PerDay    int  `yaml:"per_day"`
}

// StorageConfig holds AWS settings for reading candidate exports from S3.
type StorageConfig struct {
	AWSRegion  string `yaml:"aws_region"`
	AWSProfile string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return "" // Use default credential chain (IAM role)
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 30
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Verification.Store == "" {
		cfg.Verification.Store = "postgres"
	}
	if cfg.Verification.Lock == "" {
		cfg.Verification.Lock = "postgres"
	}
	if cfg.Verification.CodeLength == 0 {
		cfg.Verification.CodeLength = 6
	}
	if cfg.Verification.CodeTTLSeconds == 0 {
		cfg.Verification.CodeTTLSeconds = 600
	}
	if cfg.Verification.ResendCooldownSeconds == 0 {
		cfg.Verification.ResendCooldownSeconds = 60
	}
	if cfg.Verification.MaxAttempts == 0 {
		cfg.Verification.MaxAttempts = 5
	}
	if cfg.Verification.StoreTimeoutMillis == 0 {
		cfg.Verification.StoreTimeoutMillis = 3000
	}
	if cfg.Verification.RetentionMinutes == 0 {
		cfg.Verification.RetentionMinutes = 60
	}
	if cfg.Verification.CleanupIntervalMinutes == 0 {
		cfg.Verification.CleanupIntervalMinutes = 15
	}
	if cfg.Digest.IntervalMinutes == 0 {
		cfg.Digest.IntervalMinutes = 15
	}
	if cfg.Digest.PageSize == 0 {
		cfg.Digest.PageSize = 500
	}
	if cfg.Digest.BatchLimit == 0 {
		cfg.Digest.BatchLimit = 200
	}
	if cfg.Digest.InitialLookbackHours == 0 {
		cfg.Digest.InitialLookbackHours = 24
	}
	if cfg.Digest.LockTTLSeconds == 0 {
		cfg.Digest.LockTTLSeconds = 600
	}
	if cfg.Digest.Watermark == "" {
		cfg.Digest.Watermark = "postgres"
	}
	if cfg.Seekers.TimeoutSeconds == 0 {
		cfg.Seekers.TimeoutSeconds = 15
	}
	if cfg.Seekers.MaxRetries == 0 {
		cfg.Seekers.MaxRetries = 3
	}
	if cfg.Auth.CookieName == "" {
		cfg.Auth.CookieName = "newsletter_session"
	}
	if cfg.Auth.CookieMaxAge == 0 {
		cfg.Auth.CookieMaxAge = 86400
	}
	if cfg.Outbox.Type == "" {
		cfg.Outbox.Type = "log"
	}
	if cfg.Outbox.Key == "" {
		cfg.Outbox.Key = "newsletter:outbox"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.RateLimit.PerMinute == 0 {
		cfg.RateLimit.PerMinute = 20
	}
	if cfg.RateLimit.PerDay == 0 {
		cfg.RateLimit.PerDay = 500
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-east-1"
	}
}

func oneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("config: %s must be one of %s, got %q", field, strings.Join(allowed, ", "), v)
}

// Validate checks enum fields and cross-section requirements.
func (c *Config) Validate() error {
	if err := oneOf("verification.store", c.Verification.Store, "postgres", "redis", "memory"); err != nil {
		return err
	}
	if err := oneOf("verification.lock", c.Verification.Lock, "postgres", "redis", "memory"); err != nil {
		return err
	}
	if err := oneOf("digest.watermark", c.Digest.Watermark, "postgres", "redis"); err != nil {
		return err
	}
	if err := oneOf("outbox.type", c.Outbox.Type, "redis", "log"); err != nil {
		return err
	}
	if c.Verification.CodeLength < 4 || c.Verification.CodeLength > 18 {
		return fmt.Errorf("config: verification.code_length must be between 4 and 18, got %d", c.Verification.CodeLength)
	}
	if c.NeedsRedis() && !c.Redis.Enabled() && os.Getenv("REDIS_URL") == "" {
		return fmt.Errorf("config: redis.url is required by the selected backends")
	}
	if c.Digest.Enabled && c.Seekers.BaseURL == "" {
		return fmt.Errorf("config: digest.enabled requires seekers.base_url")
	}
	return nil
}

// NeedsRedis reports whether any component is configured to use Redis.
func (c *Config) NeedsRedis() bool {
	return c.Verification.Store == "redis" || c.Verification.Lock == "redis" ||
		c.Digest.Watermark == "redis" || c.Outbox.Type == "redis" || c.RateLimit.Enabled
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SEEKERS_BASE_URL"); v != "" {
		cfg.Seekers.BaseURL = v
	}
	if v := os.Getenv("SEEKERS_API_TOKEN"); v != "" {
		cfg.Seekers.APIToken = v
	}

	// Auth overrides
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Auth.GoogleClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Auth.GoogleClientSecret = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		cfg.Auth.SessionSecret = v
	}
	if v := os.Getenv("AUTH_ALLOWED_DOMAIN"); v != "" {
		cfg.Auth.AllowedDomain = v
	}
	if v := os.Getenv("AUTH_REDIRECT_URL"); v != "" {
		cfg.Auth.RedirectURL = v
	}
	if v := os.Getenv("ADMIN_API_KEY"); v != "" {
		cfg.Auth.AdminAPIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Storage.AWSRegion = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
