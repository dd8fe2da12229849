package config

import (
	"strings"

	"github.com/scholarmail/gatekeeper/pkg/logger"
)

// Storage backends for rate limit counters and blocks.
const (
	StorageBackendBadger = "badger"
	StorageBackendRedis  = "redis"
	StorageBackendMemory = "memory"
)

type StorageConfig struct {
	Backend    string
	DataPath   string
	InMemory   bool
	SyncWrites bool
}

func GetStorageConfig() StorageConfig {
	backend := strings.ToLower(GetEnvOrDefault("STORAGE_BACKEND", StorageBackendBadger))

	switch backend {
	case StorageBackendBadger, StorageBackendRedis, StorageBackendMemory:
	default:
		logger.Warn(logger.CONFIG, "Unknown storage backend %q, falling back to badger", backend)
		backend = StorageBackendBadger
	}

	return StorageConfig{
		Backend:    backend,
		DataPath:   GetEnvOrDefault("STORAGE_DATA_PATH", "data/gatekeeper"),
		InMemory:   parseEnvBool("STORAGE_IN_MEMORY", false),
		SyncWrites: parseEnvBool("STORAGE_SYNC_WRITES", false),
	}
}
