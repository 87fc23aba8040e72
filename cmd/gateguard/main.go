package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gateguard/gateguard/internal/alert"
	"github.com/gateguard/gateguard/internal/api"
	"github.com/gateguard/gateguard/internal/auth"
	"github.com/gateguard/gateguard/internal/config"
	"github.com/gateguard/gateguard/internal/enforce"
	"github.com/gateguard/gateguard/internal/policy"
	"github.com/gateguard/gateguard/internal/secrets"
	"github.com/gateguard/gateguard/internal/store"
	"github.com/gateguard/gateguard/internal/telemetry"
	"github.com/gateguard/gateguard/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting gateguard", "addr", cfg.Addr, "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DatastoreSecret != "" {
		secretStore, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to create secrets client", "error", err)
			os.Exit(1)
		}
		if err := cfg.ResolveSecrets(ctx, secretStore); err != nil {
			slog.Error("failed to resolve datastore secret", "error", err)
			os.Exit(1)
		}
		slog.Info("resolved datastore credentials", "secret", cfg.DatastoreSecret)
	}

	telemetryShutdown, err := telemetry.Init(ctx, "gateguard", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryShutdown(context.Background())

	local := store.NewMemoryStore()
	local.Start(cfg.SweepInterval)
	defer local.Stop()

	var counterStore store.CounterStore = local
	var sharedStore store.CounterStore
	if cfg.RedisURL != "" {
		redisStore, err := store.NewRedisStore(cfg.RedisURL, cfg.StoreTimeout)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()

		counterStore = store.NewFailover(redisStore, local)
		sharedStore = redisStore
		slog.Info("using shared counter store with local fallback")
	} else {
		slog.Info("using in-memory counter store")
	}

	table, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		slog.Error("failed to load policy table", "path", cfg.PolicyFile, "error", err)
		os.Exit(1)
	}
	slog.Info("policy table loaded", "path", cfg.PolicyFile, "operations", len(table.Operations()))

	if cfg.PolicyWatch {
		if err := table.Watch(ctx, cfg.PolicyFile); err != nil {
			slog.Warn("policy hot reload unavailable", "error", err)
		}
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			pingCancel()
			slog.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		pingCancel()
		slog.Info("connected to database")
	}

	var recorder usage.Recorder
	switch {
	case db != nil:
		recorder = usage.NewPostgresRecorderWithDB(db)
		slog.Info("using postgres usage recorder")
	case cfg.UsageQueueURL != "":
		recorder, err = usage.NewSQSRecorder(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
		if err != nil {
			slog.Error("failed to create sqs recorder", "error", err)
			os.Exit(1)
		}
		slog.Info("using sqs usage recorder", "queue", cfg.UsageQueueURL)
	default:
		recorder = usage.NewInMemoryRecorder()
		slog.Info("using in-memory usage recorder")
	}

	dispatcher := usage.NewDispatcher(recorder, 0)
	defer dispatcher.Close()

	monitor := alert.NewMonitor(alert.DefaultThresholds(), time.Minute)
	monitor.OnAlert(alert.LogHandler)
	if cfg.AlertTopicArn != "" {
		notifier, err := alert.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertTopicArn)
		if err != nil {
			slog.Error("failed to create sns notifier", "error", err)
			os.Exit(1)
		}
		monitor.OnAlert(notifier.Handler())
		slog.Info("abuse alerts publishing to sns", "topic", cfg.AlertTopicArn)
	}

	var directory auth.SubjectDirectory
	if db != nil {
		directory = auth.NewPostgresSubjectDirectory(db)
	}

	admin := auth.NewAdminAuthenticator()
	if cfg.AdminUser != "" && cfg.AdminPassword != "" {
		if err := admin.AddUser(cfg.AdminUser, cfg.AdminPassword, auth.AdminRoleOperator); err != nil {
			slog.Error("failed to register admin user", "error", err)
			os.Exit(1)
		}
	} else if cfg.AdminAuthEnabled {
		slog.Warn("admin auth enabled but no admin user configured, ops endpoints will reject all requests")
	}

	enforcer := enforce.New(enforce.Config{
		Resolver: policy.NewResolver(table),
		Store:    counterStore,
		Usage:    dispatcher,
		Alerts:   monitor,
	})

	handler := api.NewHandler(api.HandlerConfig{
		Enforcer:         enforcer,
		Directory:        directory,
		Admin:            admin,
		Table:            table,
		SharedStore:      sharedStore,
		AdminAuthEnabled: cfg.AdminAuthEnabled,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
