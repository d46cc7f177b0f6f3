// Package config loads process configuration from the environment.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the gateway.
type Config struct {
	Port     string `mapstructure:"PORT"`
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	BaseURL  string `mapstructure:"BASE_URL"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	IDPMode   string `mapstructure:"IDP_MODE"`
	IDPURL    string `mapstructure:"IDP_URL"`
	IDPAPIKey string `mapstructure:"IDP_API_KEY"`

	SessionSecret string        `mapstructure:"SESSION_SECRET"`
	SessionTTL    time.Duration `mapstructure:"SESSION_TTL"`
	InternalToken string        `mapstructure:"INTERNAL_TOKEN"`

	AuditSink    string        `mapstructure:"AUDIT_SINK"`
	AuditTimeout time.Duration `mapstructure:"AUDIT_TIMEOUT"`

	MFAIssuer            string        `mapstructure:"MFA_ISSUER"`
	MFASecretKey         string        `mapstructure:"MFA_SECRET_KEY"`
	MFAChallengeTTL      time.Duration `mapstructure:"MFA_CHALLENGE_TTL"`
	MFAMaxFailedAttempts int           `mapstructure:"MFA_MAX_FAILED_ATTEMPTS"`
	MFALockoutWindow     time.Duration `mapstructure:"MFA_LOCKOUT_WINDOW"`

	LoginRatePerMinute int     `mapstructure:"LOGIN_RATE_PER_MINUTE"`
	RateLimitRPS       float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int     `mapstructure:"RATE_LIMIT_BURST"`

	StrictReason bool `mapstructure:"STRICT_REASON"`
}

var keys = []string{
	"PORT", "GRPC_ADDR", "BASE_URL", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "REDIS_URL",
	"IDP_MODE", "IDP_URL", "IDP_API_KEY",
	"SESSION_SECRET", "SESSION_TTL", "INTERNAL_TOKEN",
	"AUDIT_SINK", "AUDIT_TIMEOUT",
	"MFA_ISSUER", "MFA_SECRET_KEY", "MFA_CHALLENGE_TTL", "MFA_MAX_FAILED_ATTEMPTS", "MFA_LOCKOUT_WINDOW",
	"LOGIN_RATE_PER_MINUTE", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"STRICT_REASON",
}

// Load reads the environment, with an optional .env file in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("IDP_MODE", "local")
	v.SetDefault("SESSION_TTL", "30m")
	v.SetDefault("AUDIT_SINK", "database")
	v.SetDefault("AUDIT_TIMEOUT", "5s")
	v.SetDefault("MFA_ISSUER", "Clinigate")
	v.SetDefault("MFA_CHALLENGE_TTL", "5m")
	v.SetDefault("MFA_MAX_FAILED_ATTEMPTS", 0)
	v.SetDefault("MFA_LOCKOUT_WINDOW", "15m")
	v.SetDefault("LOGIN_RATE_PER_MINUTE", 10)
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("STRICT_REASON", false)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.IDPMode = strings.ToLower(strings.TrimSpace(cfg.IDPMode))
	cfg.AuditSink = strings.ToLower(strings.TrimSpace(cfg.AuditSink))
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + cfg.Port
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

// Validate rejects combinations the server cannot run with.
func (c *Config) Validate() error {
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}
	if c.IsProduction() && len(c.SessionSecret) < 32 {
		return fmt.Errorf("SESSION_SECRET must be at least 32 characters in production")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}

	switch c.IDPMode {
	case "local":
		if c.IsProduction() {
			return fmt.Errorf("IDP_MODE=local is not allowed in production")
		}
	case "gotrue":
		if c.IDPURL == "" {
			return fmt.Errorf("IDP_URL is required when IDP_MODE is \"gotrue\"")
		}
		if c.IDPAPIKey == "" {
			return fmt.Errorf("IDP_API_KEY is required when IDP_MODE is \"gotrue\"")
		}
	default:
		return fmt.Errorf("IDP_MODE must be \"local\" or \"gotrue\", got %q", c.IDPMode)
	}

	switch c.AuditSink {
	case "database":
		if c.DatabaseURL == "" && c.IsProduction() {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	case "http":
		if c.InternalToken == "" {
			return fmt.Errorf("INTERNAL_TOKEN is required when AUDIT_SINK is \"http\"")
		}
		if c.BaseURL == "" {
			return fmt.Errorf("BASE_URL is required when AUDIT_SINK is \"http\"")
		}
	default:
		return fmt.Errorf("AUDIT_SINK must be \"database\" or \"http\", got %q", c.AuditSink)
	}
	if c.AuditTimeout <= 0 {
		return fmt.Errorf("AUDIT_TIMEOUT must be positive, got %s", c.AuditTimeout)
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}

	if c.MFASecretKey != "" {
		key, err := hex.DecodeString(c.MFASecretKey)
		if err != nil {
			return fmt.Errorf("MFA_SECRET_KEY is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("MFA_SECRET_KEY must be 32 bytes (64 hex chars), got %d bytes", len(key))
		}
	} else if c.IsProduction() {
		return fmt.Errorf("MFA_SECRET_KEY is required in production")
	}
	if c.MFAChallengeTTL <= 0 {
		return fmt.Errorf("MFA_CHALLENGE_TTL must be positive, got %s", c.MFAChallengeTTL)
	}
	if c.MFAMaxFailedAttempts < 0 {
		return fmt.Errorf("MFA_MAX_FAILED_ATTEMPTS must not be negative")
	}
	if c.MFAMaxFailedAttempts > 0 && c.MFALockoutWindow <= 0 {
		return fmt.Errorf("MFA_LOCKOUT_WINDOW must be positive when MFA_MAX_FAILED_ATTEMPTS is set")
	}

	if c.LoginRatePerMinute <= 0 {
		return fmt.Errorf("LOGIN_RATE_PER_MINUTE must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}
