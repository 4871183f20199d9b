package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port                   int    `env:"PORT" envDefault:"8080"`
	DatabaseURL            string `env:"DATABASE_URL,required"`
	RedisURL               string `env:"REDIS_URL"`
	OperatorJWTSecret      string `env:"OPERATOR_JWT_SECRET,required"`
	AdminKeyHash           string `env:"ADMIN_KEY_HASH"`
	EncryptionKey          string `env:"ENCRYPTION_KEY"`
	PairingCodeTTLSeconds  int    `env:"PAIRING_CODE_TTL_SECONDS" envDefault:"300"`
	DeviceTokenTTLDays     int    `env:"DEVICE_TOKEN_TTL_DAYS" envDefault:"30"`
	LeaseTTLSeconds        int    `env:"LEASE_TTL_SECONDS" envDefault:"60"`
	CommandTTLSeconds      int    `env:"COMMAND_TTL_SECONDS" envDefault:"300"`
	SyncPollIntervalMs     int    `env:"SYNC_POLL_INTERVAL_MS" envDefault:"500"`
	SyncTimeoutSeconds     int    `env:"SYNC_TIMEOUT_SECONDS" envDefault:"120"`
	BreakerThreshold       int    `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerCooldownSecs    int    `env:"BREAKER_COOLDOWN_SECONDS" envDefault:"60"`
	CommandRetentionDays   int    `env:"COMMAND_RETENTION_DAYS" envDefault:"7"`
	AgentRateLimitPerMin   int    `env:"AGENT_RATE_LIMIT_PER_MINUTE" envDefault:"240"`
	PairingRateLimitPerMin int    `env:"PAIRING_RATE_LIMIT_PER_MINUTE" envDefault:"10"`
	LogLevel               string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) PairingCodeTTL() time.Duration {
	return time.Duration(c.PairingCodeTTLSeconds) * time.Second
}

func (c *Config) DeviceTokenTTL() time.Duration {
	return time.Duration(c.DeviceTokenTTLDays) * 24 * time.Hour
}

func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

func (c *Config) CommandTTL() time.Duration {
	return time.Duration(c.CommandTTLSeconds) * time.Second
}

func (c *Config) SyncPollInterval() time.Duration {
	return time.Duration(c.SyncPollIntervalMs) * time.Millisecond
}

func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutSeconds) * time.Second
}

func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSecs) * time.Second
}

func (c *Config) CommandRetention() time.Duration {
	return time.Duration(c.CommandRetentionDays) * 24 * time.Hour
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.AdminKeyHash != "" {
		if !strings.HasPrefix(c.AdminKeyHash, "$2a$") &&
			!strings.HasPrefix(c.AdminKeyHash, "$2b$") &&
			!strings.HasPrefix(c.AdminKeyHash, "$2y$") {
			return fmt.Errorf("ADMIN_KEY_HASH must be a bcrypt hash (generate with: go run scripts/hash-password.go <key>)")
		}
	}

	if c.LeaseTTLSeconds < 10 {
		return fmt.Errorf("LEASE_TTL_SECONDS must be at least 10")
	}
	if c.SyncPollIntervalMs <= 0 || c.SyncTimeoutSeconds <= 0 {
		return fmt.Errorf("SYNC_POLL_INTERVAL_MS and SYNC_TIMEOUT_SECONDS must be positive")
	}
	if c.SyncTimeout() >= ServerRequestTimeout {
		return fmt.Errorf("SYNC_TIMEOUT_SECONDS must be below the %s request timeout", ServerRequestTimeout)
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive")
	}

	if isProduction {
		if err := validateSecret("OPERATOR_JWT_SECRET", c.OperatorJWTSecret); err != nil {
			return err
		}

		if c.AdminKeyHash == "" {
			log.Warn().Msg("ADMIN_KEY_HASH is empty in production: admin breaker endpoints disabled")
		}
		if c.RedisURL == "" {
			log.Warn().Msg("REDIS_URL is empty in production: busy flags and events are local to this instance")
		} else if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.EncryptionKey == "" {
			log.Warn().Msg("ENCRYPTION_KEY is empty in production: command payloads will not be encrypted at rest")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
