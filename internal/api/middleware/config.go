// Package middleware provides the HTTP middleware components for the
// rowbridge task-control API.
package middleware

import (
	"time"

	"github.com/rowbridge-io/rowbridge/internal/config"
)

// Config holds rate limiter configuration.
//
// Rates are requests per second across two tiers: a global bucket for the
// whole server and a per-client bucket keyed by remote address. Burst
// fields left at 0 are computed as 2 x rate.
type Config struct {
	GlobalRPS int
	ClientRPS int

	GlobalBurst int
	ClientBurst int

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxClients      int
}

// LoadConfig loads rate limiter configuration from the environment with
// defaults sized for an internal control API.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("ROWBRIDGE_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("ROWBRIDGE_CLIENT_RPS", defaultClientRPS),

		GlobalBurst: config.GetEnvInt("ROWBRIDGE_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("ROWBRIDGE_CLIENT_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"ROWBRIDGE_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("ROWBRIDGE_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:  config.GetEnvInt("ROWBRIDGE_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
	}
}
