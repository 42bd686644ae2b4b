package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/triage-ai/realmgate/internal/api"
	"github.com/triage-ai/realmgate/internal/auth"
	"github.com/triage-ai/realmgate/internal/chread"
	"github.com/triage-ai/realmgate/internal/config"
	"github.com/triage-ai/realmgate/internal/engine"
	"github.com/triage-ai/realmgate/internal/logging"
	"github.com/triage-ai/realmgate/internal/server"
	"github.com/triage-ai/realmgate/internal/storage"
	"github.com/triage-ai/realmgate/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	// Logger
	logger := logging.MustNew(envOrDefault("REALMGATE_LOG_LEVEL", "info"), "json")
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("REALMGATE_HTTP_PORT", "8080")
	grpcPort := envOrDefault("REALMGATE_GRPC_PORT", "9090")
	configPath := os.Getenv("REALMGATE_CONFIG")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	keyHashes := os.Getenv("REALMGATE_API_KEY_HASHES")
	authDisabled := envOrDefault("REALMGATE_AUTH_DISABLED", "false") == "true"
	storeCacheTTL := envOrDefaultDuration("REALMGATE_STORE_CACHE_TTL_S", 5*time.Second)
	authCacheTTL := envOrDefaultDuration("REALMGATE_AUTH_CACHE_TTL_S", 30*time.Second)
	healthInterval := envOrDefaultDuration("REALMGATE_HEALTH_INTERVAL_S", 30*time.Second)

	logger.Info("starting realmgate server",
		zap.String("http_port", httpPort),
		zap.String("grpc_port", grpcPort),
		zap.String("config", configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Realm presets, hot-reloaded when a file is configured
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	currentConfig := func() *config.Config { return cfg }
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, cfg, logger)
		if err != nil {
			logger.Warn("config hot reload disabled", zap.Error(err))
		} else {
			currentConfig = watcher.Current
			go func() {
				if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("config watcher stopped", zap.Error(err))
				}
			}()
		}
	}

	// Postgres pool (flag store and API keys); in-memory fallback for dev
	var db *sql.DB
	var flags store.FlagStore
	if postgresDSN != "" {
		db, err = sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		pgStore := store.NewSQLStore(db, store.DialectPostgres)
		if err := pgStore.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate flag store", zap.Error(err))
		}
		flags = store.NewCached(pgStore, storeCacheTTL, logger)
		logger.Info("postgres connected")
	} else {
		flags = store.NewMemory()
		logger.Warn("no POSTGRES_DSN set, latches are kept in memory and lost on restart")
	}

	// Storage: ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// ClickHouse reader (for events/summary HTTP endpoints)
	var chReader *chread.Reader
	if clickhouseDSN != "" {
		chReader, err = chread.NewReader(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
			chReader = nil
		} else {
			defer func() { _ = chReader.Close() }()
			logger.Info("clickhouse reader connected")
		}
	}

	// Engine
	classifier, err := cfg.NewClassifier(logger)
	if err != nil {
		logger.Fatal("invalid device rule", zap.Error(err))
	}
	prober := cfg.NewProber(logger)
	eng := engine.New(engine.Dependencies{
		Store:      flags,
		Prober:     prober,
		Classifier: classifier,
		Resolver:   cfg.NewResolver(logger),
		Logger:     logger,
	}, engine.Config{
		ProbeTimeout:   cfg.Probe.Timeout,
		DefaultTimeout: cfg.Resolver.DefaultTimeout,
	})

	// Auth: static hashes, Postgres key table, or explicitly disabled
	var authenticator auth.Authenticator
	switch {
	case authDisabled:
		logger.Warn("REALMGATE_AUTH_DISABLED=true, install endpoints are unauthenticated")
	case keyHashes != "":
		keys, err := auth.ParseKeyHashes(keyHashes)
		if err != nil {
			logger.Fatal("invalid REALMGATE_API_KEY_HASHES", zap.Error(err))
		}
		authenticator = auth.NewKeyAuthenticator(keys, authCacheTTL, logger)
		logger.Info("static api keys loaded", zap.Int("count", keys.Len()))
	case db != nil:
		keys := auth.NewSQLKeyStore(db, true)
		if err := keys.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate api key table", zap.Error(err))
		}
		authenticator = auth.NewKeyAuthenticator(keys, authCacheTTL, logger)
		logger.Info("api keys served from postgres")
	default:
		logger.Fatal("no API key source: set REALMGATE_API_KEY_HASHES or POSTGRES_DSN, or REALMGATE_AUTH_DISABLED=true")
	}

	// HTTP API server
	httpServer := &http.Server{
		Addr: ":" + httpPort,
		Handler: api.NewRouter(&api.Dependencies{
			Engine: eng,
			Auth:   authenticator,
			Writer: writer,
			Reader: chReader,
			Config: currentConfig,
			Logger: logger,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// gRPC health server
	health := server.NewHealthServer(prober, healthInterval, cfg.Probe.Timeout, logger)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)
	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		logger.Fatal("failed to listen for grpc", zap.Error(err))
	}
	go health.Run(ctx)
	go func() {
		logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	health.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("realmgate server stopped")
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envOrDefaultDuration reads a whole number of seconds.
func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	return time.Duration(envOrDefaultInt(key, int(defaultVal/time.Second))) * time.Second
}
