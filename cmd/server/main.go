package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"safe-code-sandbox/internal/api"
	"safe-code-sandbox/internal/config"
	"safe-code-sandbox/internal/monitor"
	"safe-code-sandbox/internal/sandbox"
	"safe-code-sandbox/internal/storage"
)

func main() {
	// The supervisor re-executes this binary once per submission.
	if len(os.Args) > 1 && os.Args[1] == sandbox.WorkerArg {
		os.Exit(sandbox.WorkerMain())
	}

	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	// Override port from env if set
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			log.Fatal().Err(err).Str("port", port).Msg("invalid PORT")
		}
		cfg.Server.Port = p
		log.Info().Int("port", p).Msg("using port from environment")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	var metrics *monitor.Metrics
	if cfg.Metrics.Enabled {
		metrics = monitor.NewMetrics()
	}

	// Initialize database (optional, runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		if cfg.Database.Migrate {
			if err := storage.Migrate(cfg.Database.DSN); err != nil {
				log.Fatal().Err(err).Msg("database migration failed")
			}
		}
		db, err = storage.New(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
		}
	}

	// Initialize audit writer (buffered, reliable logging)
	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	// Result cache (optional)
	var cache *storage.RedisCache
	if cfg.Cache.Addr != "" {
		cache, err = storage.NewRedisCache(ctx, cfg.Cache)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, result cache disabled")
		} else {
			defer cache.Close()
		}
	}

	deps := api.Dependencies{Metrics: metrics}
	var resultCache sandbox.ResultCache
	if db != nil {
		deps.Store = db
		deps.Audit = auditWriter
	}
	if cache != nil {
		deps.Cache = cache
		resultCache = cache
	}

	engine, err := sandbox.NewEngine(cfg, resultCache, sandbox.Observability{
		Metrics: metrics,
		Tracer:  monitor.NewTracer(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build sandbox engine")
	}

	// Create and start HTTP server
	server := api.NewServer(cfg, engine, deps)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		if err := engine.Close(); err != nil {
			log.Error().Err(err).Msg("engine close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Bool("cache_enabled", cache != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
