package middleware

import (
	"errors"
	"fmt"
	"time"

	"github.com/tablehouse-io/tablehouse/internal/config"
)

// ErrInvalidRateLimitConfig is returned by Config.Validate.
var ErrInvalidRateLimitConfig = errors.New("invalid rate limit configuration")

// Config holds rate limiter configuration in requests per second for three tiers:
// all requests, each authenticated identity, and unauthenticated requests.
// A burst of 0 means 2 × rate.
type Config struct {
	GlobalRPS   int
	IdentityRPS int
	UnAuthRPS   int

	GlobalBurst   int
	IdentityBurst int
	UnAuthBurst   int

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxIdentities   int
}

// LoadConfig loads rate limiter settings from TABLEHOUSE_* environment variables.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS:   config.GetEnvInt("TABLEHOUSE_GLOBAL_RPS", defaultGlobalRPS),
		IdentityRPS: config.GetEnvInt("TABLEHOUSE_IDENTITY_RPS", defaultIdentityRPS),
		UnAuthRPS:   config.GetEnvInt("TABLEHOUSE_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst:   config.GetEnvInt("TABLEHOUSE_GLOBAL_BURST", 0),
		IdentityBurst: config.GetEnvInt("TABLEHOUSE_IDENTITY_BURST", 0),
		UnAuthBurst:   config.GetEnvInt("TABLEHOUSE_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"TABLEHOUSE_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout:   config.GetEnvDuration("TABLEHOUSE_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxIdentities: config.GetEnvInt("TABLEHOUSE_RATE_LIMIT_MAX_IDENTITIES", defaultMaxIdentities),
	}
}

// Validate rejects non-positive rates and negative bursts.
func (c *Config) Validate() error {
	if c.GlobalRPS <= 0 || c.IdentityRPS <= 0 || c.UnAuthRPS <= 0 {
		return fmt.Errorf("%w: rates must be positive (global=%d identity=%d unauth=%d)",
			ErrInvalidRateLimitConfig, c.GlobalRPS, c.IdentityRPS, c.UnAuthRPS)
	}

	if c.GlobalBurst < 0 || c.IdentityBurst < 0 || c.UnAuthBurst < 0 {
		return fmt.Errorf("%w: bursts cannot be negative", ErrInvalidRateLimitConfig)
	}

	if c.MaxIdentities <= 0 {
		return fmt.Errorf("%w: max identities must be positive, got %d", ErrInvalidRateLimitConfig, c.MaxIdentities)
	}

	return nil
}
