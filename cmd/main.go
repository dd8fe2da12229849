package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/scholarmail/gatekeeper/internal/config"
	"github.com/scholarmail/gatekeeper/internal/handlers"
	"github.com/scholarmail/gatekeeper/internal/infrastructure/badgerdb"
	redisinfra "github.com/scholarmail/gatekeeper/internal/infrastructure/redis"
	"github.com/scholarmail/gatekeeper/internal/middleware"
	"github.com/scholarmail/gatekeeper/internal/services/ratelimit"
	"github.com/scholarmail/gatekeeper/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logger.Debug(logger.APP, "No .env file found, using environment as-is")
	}

	rlCfg := config.GetRateLimitConfig()
	counters, blocks, cleanup := buildStores(rlCfg)
	defer cleanup()

	svc := ratelimit.NewService(counters, blocks, ratelimit.Config{
		FailClosed:        rlCfg.FailClosed,
		EscalateBlocks:    rlCfg.EscalateBlocks,
		EscalationCap:     rlCfg.EscalationCap,
		EscalationHistory: rlCfg.EscalationHistory,
		Profiles:          loadProfiles(),
	})
	reporter := ratelimit.NewReporter(counters, blocks)
	janitor := ratelimit.NewJanitor(svc, rlCfg.JanitorInterval, rlCfg.RetentionDays)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go janitor.Run(ctx)

	router := setupRouter(svc, reporter, rlCfg)

	port := config.GetEnvOrDefault("PORT", "8080")
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info(logger.APP, "Gatekeeper listening on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(logger.APP, "Server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info(logger.APP, "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(logger.APP, "Shutdown error: %v", err)
	}
}

func setupRouter(svc *ratelimit.Service, reporter *ratelimit.Reporter, rlCfg config.RateLimitConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.Global(rlCfg.GlobalRate, rlCfg.GlobalBurst))
	router.Use(middleware.Identify())

	// Forward-auth endpoint for fronting proxies: the proxy sends each
	// request here and forwards 2xx, so the admission middleware itself is
	// the handler.
	router.PathPrefix("/gate").Handler(
		middleware.RateLimit(svc, rlCfg.Enabled)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})))

	handlers.RegisterRoutes(router, svc, reporter)
	return router
}

// buildStores selects the storage backend. Redis and badger both fall back
// to the in-memory stores rather than refusing to start; an admission
// engine that cannot reach its store still has to answer.
func buildStores(rlCfg config.RateLimitConfig) (ratelimit.CounterStore, ratelimit.BlockStore, func()) {
	storageCfg := config.GetStorageConfig()
	retention := time.Duration(rlCfg.RetentionDays) * 24 * time.Hour

	switch storageCfg.Backend {
	case config.StorageBackendRedis:
		if rdb := redisinfra.NewService(); rdb != nil {
			logger.Info(logger.APP, "Using redis storage backend")
			return ratelimit.NewRedisCounterStore(rdb, retention),
				ratelimit.NewRedisBlockStore(rdb),
				func() { rdb.Close() }
		}
		logger.Warn(logger.APP, "Redis unavailable, falling back to in-memory stores")

	case config.StorageBackendMemory:
		logger.Info(logger.APP, "Using in-memory storage backend")

	default:
		db, err := badgerdb.NewService(storageCfg)
		if err == nil {
			logger.Info(logger.APP, "Using badger storage backend at %s", storageCfg.DataPath)
			return ratelimit.NewBadgerCounterStore(db, retention),
				ratelimit.NewBadgerBlockStore(db),
				func() { db.Close() }
		}
		logger.Warn(logger.APP, "Badger unavailable, falling back to in-memory stores: %v", err)
	}

	return ratelimit.NewMemoryCounterStore(), ratelimit.NewMemoryBlockStore(), func() {}
}

func loadProfiles() ratelimit.TierProfiles {
	path := config.GetTierProfilesPath()
	if path == "" {
		return nil
	}

	profiles, err := ratelimit.LoadProfilesFile(path)
	if err != nil {
		logger.Error(logger.APP, "Failed to load tier profiles, using defaults: %v", err)
		return nil
	}
	return profiles
}
