package config

import (
	"github.com/scholarmail/gatekeeper/pkg/logger"
)

// GetTierProfilesPath returns the optional YAML file with tier threshold
// overrides. An empty path means the built-in defaults are used.
func GetTierProfilesPath() string {
	value := GetEnvOrDefault("TIER_PROFILES_FILE", "")
	if value != "" {
		logger.Info(logger.CONFIG, "Tier profile overrides will be loaded from %s", value)
	}
	return value
}
