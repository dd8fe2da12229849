package config

import (
	"time"
)

type RateLimitConfig struct {
	Enabled bool

	// FailClosed denies requests when the backing store is unreachable.
	// The default is to fail open and let traffic through.
	FailClosed bool

	// EscalateBlocks scales block durations with the number of recent
	// blocks held against the same identity.
	EscalateBlocks    bool
	EscalationCap     int
	EscalationHistory time.Duration

	RetentionDays   int
	JanitorInterval time.Duration

	// GlobalRate caps request throughput across the whole listener,
	// independent of per-identity limits.
	GlobalRate  int
	GlobalBurst int
}

func GetRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           parseEnvBool("RATELIMIT_ENABLED", true),
		FailClosed:        parseEnvBool("RATELIMIT_FAIL_CLOSED", false),
		EscalateBlocks:    parseEnvBool("RATELIMIT_BLOCK_ESCALATION", false),
		EscalationCap:     parseEnvInt("RATELIMIT_BLOCK_ESCALATION_CAP", 4),
		EscalationHistory: parseEnvDuration("RATELIMIT_BLOCK_ESCALATION_HISTORY", 24*time.Hour),
		RetentionDays:     parseEnvInt("RATELIMIT_RETENTION_DAYS", 7),
		JanitorInterval:   parseEnvDuration("RATELIMIT_JANITOR_INTERVAL", time.Hour),
		GlobalRate:        parseEnvInt("RATELIMIT_GLOBAL", 1000),
		GlobalBurst:       parseEnvInt("RATELIMIT_GLOBAL_BURST", 100),
	}
}
