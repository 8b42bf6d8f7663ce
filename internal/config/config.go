package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Environment string
	LogLevel    string
	Port        string
	DevMode     bool

	DatabaseURL    string
	DatabaseDriver string

	JWTSecret         string
	JWTPreviousSecret string
	JWTAlgorithm      string
	KeyVersion        int
	TokenLifetime     time.Duration
	SessionTimeout    time.Duration
	RememberMeTimeout time.Duration

	LockoutThreshold int
	LockoutDuration  time.Duration

	CodeTTL    time.Duration
	CodeSalt   string
	BcryptCost int

	MailTimeout time.Duration

	AdminSecret string

	RedisURL       string
	CodeSendLimit  int
	CodeSendWindow time.Duration
	IPRateLimit    int
	IPRateWindow   time.Duration
	CORSOrigins    []string
}

// fileConfig mirrors Config for the optional YAML file named by CONFIG_FILE.
// Durations are written as Go duration strings ("15m", "720h").
type fileConfig struct {
	Environment       string   `yaml:"environment"`
	LogLevel          string   `yaml:"log_level"`
	Port              string   `yaml:"port"`
	DevMode           *bool    `yaml:"dev_mode"`
	DatabaseURL       string   `yaml:"database_url"`
	DatabaseDriver    string   `yaml:"database_driver"`
	JWTAlgorithm      string   `yaml:"jwt_algorithm"`
	KeyVersion        int      `yaml:"jwt_key_version"`
	TokenLifetime     string   `yaml:"token_lifetime"`
	SessionTimeout    string   `yaml:"session_timeout"`
	RememberMeTimeout string   `yaml:"remember_me_timeout"`
	LockoutThreshold  int      `yaml:"lockout_threshold"`
	LockoutDuration   string   `yaml:"lockout_duration"`
	CodeTTL           string   `yaml:"code_ttl"`
	BcryptCost        int      `yaml:"bcrypt_cost"`
	MailTimeout       string   `yaml:"mail_timeout"`
	RedisURL          string   `yaml:"redis_url"`
	CodeSendLimit     int      `yaml:"code_send_limit"`
	CodeSendWindow    string   `yaml:"code_send_window"`
	IPRateLimit       int      `yaml:"ip_rate_limit"`
	IPRateWindow      string   `yaml:"ip_rate_window"`
	CORSOrigins       []string `yaml:"cors_origins"`
}

const devCodeSalt = "droplink-dev-code-salt"

// Default returns the configuration used before the file and environment are applied.
func Default() *Config {
	return &Config{
		Environment:       "development",
		LogLevel:          "info",
		Port:              "8080",
		DatabaseDriver:    "postgres",
		JWTAlgorithm:      "HS256",
		KeyVersion:        1,
		TokenLifetime:     30 * 24 * time.Hour,
		SessionTimeout:    30 * time.Minute,
		RememberMeTimeout: 30 * 24 * time.Hour,
		LockoutThreshold:  5,
		LockoutDuration:   15 * time.Minute,
		CodeTTL:           10 * time.Minute,
		BcryptCost:        12,
		MailTimeout:       5 * time.Second,
		CodeSendLimit:     5,
		CodeSendWindow:    10 * time.Minute,
		IPRateLimit:       100,
		IPRateWindow:      time.Minute,
	}
}

// Load reads configuration from CONFIG_FILE (if set) and then environment variables.
// Secrets are only read from the environment.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.Environment, fc.Environment)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.Port, fc.Port)
	if fc.DevMode != nil {
		c.DevMode = *fc.DevMode
	}
	setString(&c.DatabaseURL, fc.DatabaseURL)
	setString(&c.DatabaseDriver, fc.DatabaseDriver)
	setString(&c.JWTAlgorithm, fc.JWTAlgorithm)
	setInt(&c.KeyVersion, fc.KeyVersion)
	setInt(&c.LockoutThreshold, fc.LockoutThreshold)
	setInt(&c.BcryptCost, fc.BcryptCost)
	setInt(&c.CodeSendLimit, fc.CodeSendLimit)
	setInt(&c.IPRateLimit, fc.IPRateLimit)
	setString(&c.RedisURL, fc.RedisURL)
	if len(fc.CORSOrigins) > 0 {
		c.CORSOrigins = fc.CORSOrigins
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"token_lifetime", fc.TokenLifetime, &c.TokenLifetime},
		{"session_timeout", fc.SessionTimeout, &c.SessionTimeout},
		{"remember_me_timeout", fc.RememberMeTimeout, &c.RememberMeTimeout},
		{"lockout_duration", fc.LockoutDuration, &c.LockoutDuration},
		{"code_ttl", fc.CodeTTL, &c.CodeTTL},
		{"mail_timeout", fc.MailTimeout, &c.MailTimeout},
		{"code_send_window", fc.CodeSendWindow, &c.CodeSendWindow},
		{"ip_rate_window", fc.IPRateWindow, &c.IPRateWindow},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: invalid %s: %w", path, d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Environment, os.Getenv("ENVIRONMENT"))
	setString(&c.LogLevel, os.Getenv("LOG_LEVEL"))
	setString(&c.Port, os.Getenv("PORT"))
	if v := os.Getenv("DEV_MODE"); v != "" {
		c.DevMode = v == "true"
	}

	setString(&c.DatabaseURL, os.Getenv("DATABASE_URL"))
	setString(&c.DatabaseDriver, os.Getenv("DATABASE_DRIVER"))

	c.JWTSecret = os.Getenv("JWT_SECRET_KEY")
	c.JWTPreviousSecret = os.Getenv("JWT_PREVIOUS_SECRET_KEY")
	setString(&c.JWTAlgorithm, os.Getenv("JWT_ALGORITHM"))
	setString(&c.CodeSalt, os.Getenv("CODE_SALT"))
	c.AdminSecret = os.Getenv("ADMIN_SECRET")
	setString(&c.RedisURL, os.Getenv("REDIS_URL"))

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"JWT_KEY_VERSION", &c.KeyVersion},
		{"LOCKOUT_THRESHOLD", &c.LockoutThreshold},
		{"BCRYPT_COST", &c.BcryptCost},
		{"CODE_SEND_LIMIT", &c.CodeSendLimit},
		{"IP_RATE_LIMIT", &c.IPRateLimit},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", i.key, err)
		}
		*i.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TOKEN_LIFETIME", &c.TokenLifetime},
		{"SESSION_TIMEOUT", &c.SessionTimeout},
		{"REMEMBER_ME_TIMEOUT", &c.RememberMeTimeout},
		{"LOCKOUT_DURATION", &c.LockoutDuration},
		{"CODE_TTL", &c.CodeTTL},
		{"MAIL_TIMEOUT", &c.MailTimeout},
		{"CODE_SEND_WINDOW", &c.CodeSendWindow},
		{"IP_RATE_WINDOW", &c.IPRateWindow},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s must be a duration: %w", d.key, err)
		}
		*d.dst = dur
	}
	return nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" && !c.DevMode {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if c.DatabaseURL != "" {
		if _, err := url.Parse(c.DatabaseURL); err != nil {
			return fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
	}
	switch c.DatabaseDriver {
	case "postgres", "pgx":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or pgx, got %q", c.DatabaseDriver)
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}
	if c.JWTPreviousSecret != "" && c.JWTPreviousSecret == c.JWTSecret {
		return fmt.Errorf("JWT_PREVIOUS_SECRET_KEY must differ from JWT_SECRET_KEY")
	}
	switch c.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("JWT_ALGORITHM must be one of HS256, HS384, HS512, got %q", c.JWTAlgorithm)
	}
	if c.KeyVersion < 1 {
		return fmt.Errorf("JWT_KEY_VERSION must be >= 1")
	}

	if c.CodeSalt == "" {
		if !c.DevMode {
			return fmt.Errorf("CODE_SALT environment variable is required")
		}
		c.CodeSalt = devCodeSalt
	}

	positive := map[string]time.Duration{
		"TOKEN_LIFETIME":      c.TokenLifetime,
		"SESSION_TIMEOUT":     c.SessionTimeout,
		"REMEMBER_ME_TIMEOUT": c.RememberMeTimeout,
		"LOCKOUT_DURATION":    c.LockoutDuration,
		"CODE_TTL":            c.CodeTTL,
		"MAIL_TIMEOUT":        c.MailTimeout,
		"CODE_SEND_WINDOW":    c.CodeSendWindow,
		"IP_RATE_WINDOW":      c.IPRateWindow,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.LockoutThreshold < 1 {
		return fmt.Errorf("LOCKOUT_THRESHOLD must be >= 1")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("BCRYPT_COST must be between 4 and 31")
	}
	if c.CodeSendLimit < 1 || c.IPRateLimit < 1 {
		return fmt.Errorf("rate limits must be >= 1")
	}
	return nil
}

// UsesMemoryStore reports whether the in-memory store replaces Postgres (dev mode without DATABASE_URL).
func (c *Config) UsesMemoryStore() bool {
	return c.DevMode && c.DatabaseURL == ""
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
