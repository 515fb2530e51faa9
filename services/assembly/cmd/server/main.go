package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/instantcocoa/loom/pkg/cache"
	"github.com/instantcocoa/loom/pkg/config"
	"github.com/instantcocoa/loom/pkg/database"
	"github.com/instantcocoa/loom/pkg/telemetry"
	"github.com/instantcocoa/loom/services/assembly"
)

const serviceName = "assembly"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load(serviceName)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup telemetry
	tp, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:     serviceName,
		ServiceVersion:  cfg.Version,
		Environment:     cfg.Environment,
		OTLPEndpoint:    cfg.OTLPEndpoint,
		TracingEnabled:  cfg.TracingEnabled,
		TracingSampling: cfg.TracingSampling,
		LogLevel:        cfg.LogLevel,
		LogFormat:       cfg.LogFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer tp.Shutdown(context.Background())

	logger := tp.Logger()

	// Initialize the span log
	var spanLog assembly.Log
	if cfg.UsePostgresStorage() {
		dbCfg := database.DefaultConfig()
		dbCfg.Host = cfg.DBHost
		dbCfg.Port = cfg.DBPort
		dbCfg.User = cfg.DBUser
		dbCfg.Password = cfg.DBPassword
		dbCfg.Database = cfg.DBName
		dbCfg.SSLMode = cfg.DBSSLMode

		db, err := database.Connect(ctx, dbCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		pg := assembly.NewPostgresLog(db.WithLogger(logger), dbCfg.DSN(), logger).
			WithChannel(cfg.FeedChannel)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate span log: %w", err)
		}
		spanLog = pg
	} else {
		logger.Info("using in-memory span log")
		spanLog = assembly.NewMemoryLog()
	}

	// Create the engine
	engine := assembly.NewEngine(spanLog, assembly.Config{
		MaxSessions: cfg.MaxSessions,
		MaxLinks:    cfg.MaxLinks,
		Actions:     cfg.Actions,
	}, logger)

	handler := assembly.NewHandler(engine, spanLog, cfg.ResyncWindow, logger)

	// Optional Redis: parent-link mirror and resync rate limiting
	if cfg.RedisURL != "" {
		redis, err := cache.Connect(ctx, cache.DefaultConfig(cfg.RedisURL))
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redis.Close()
		redis.WithLogger(logger).WithKeyPrefix("loom:assembly")

		engine.WithMirror(assembly.NewRedisLinkMirror(redis))
		if err := engine.LoadMirroredLinks(ctx); err != nil {
			logger.Warn("could not load mirrored links", "error", err)
		}
		handler.WithRateLimiter(cache.NewRateLimiter(redis, "ratelimit:resync", 5, 60))
	}

	// Initial view from the bulk query path
	now := time.Now().UTC()
	if err := engine.Resync(ctx, now.Add(-cfg.ResyncWindow), now); err != nil {
		return fmt.Errorf("initial resync: %w", err)
	}

	// Live updates from the change feed
	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("change feed loop exited", "error", err)
		}
	}()

	// HTTP server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	handler.Register(e)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	logger.Info("assembly service started",
		"port", cfg.HTTPPort,
		"storage", string(cfg.StorageBackend),
		"env", cfg.Environment,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
