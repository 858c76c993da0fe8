package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tinwald/claimpull/internal/config"
	"github.com/tinwald/claimpull/internal/events"
	"github.com/tinwald/claimpull/internal/metrics"
	"github.com/tinwald/claimpull/internal/orchestrator"
	"github.com/tinwald/claimpull/internal/progress"
	"github.com/tinwald/claimpull/internal/repo"
	"github.com/tinwald/claimpull/internal/router"
	"github.com/tinwald/claimpull/internal/session"
	"github.com/tinwald/claimpull/internal/source"
	"github.com/tinwald/claimpull/internal/source/httpapi"
	"github.com/tinwald/claimpull/internal/source/portal"
)

const (
	envLocal = "local"
	envDebug = "debug"
	envProd  = "prod"
)

func main() {

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Env, cfg.Storage.LogFile)
	slog.SetDefault(logger)
	logger.Info("starting claimpull", "env", cfg.Env, "sources", len(cfg.Sources))

	metrics.Register()

	var store repo.Repo
	var pinger router.Pinger
	if os.Getenv("POSTGRES_HOST") != "" {
		pg, err := repo.NewPostgresRepoFromEnv()
		if err != nil {
			logger.Error("connect postgres", "err", err)
			os.Exit(1)
		}
		defer pg.Close()
		store, pinger = pg, pg
		logger.Info("using postgres repository")
	} else {
		mem := repo.NewInMemoryRepo()
		store, pinger = mem, mem
		logger.Info("using in-memory repository")
	}

	registry := source.NewRegistry()
	creds := make(map[string]source.Credentials)
	workers := make(map[string]int)
	for _, sc := range cfg.Sources {
		var ad source.Adapter
		var err error
		switch sc.Kind {
		case "portal":
			ad, err = portal.New(sc.Type, sc.BaseURL)
		case "httpapi":
			ad, err = httpapi.New(sc.Type, sc.BaseURL)
		default:
			logger.Error("unknown source kind", "type", sc.Type, "kind", sc.Kind)
			os.Exit(1)
		}
		if err != nil {
			logger.Error("build source adapter", "type", sc.Type, "err", err)
			os.Exit(1)
		}
		registry.Register(ad)
		creds[sc.Type] = source.Credentials{
			Username: sc.Username,
			Password: sc.Password,
			APIKey:   sc.APIKey,
		}
		if sc.Workers > 0 {
			workers[sc.Type] = sc.Workers
		}
	}

	broker := events.NewBroker(logger, store)
	tracker := progress.New(logger, store, broker)
	sessions := session.NewManager(logger, store)

	mgr := orchestrator.New(logger, store, sessions, tracker, broker, registry, orchestrator.Config{
		DownloadDir:    cfg.Storage.DownloadDir,
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BackoffBase:    cfg.Retry.BackoffBase,
		BackoffMax:     cfg.Retry.BackoffMax,
		RateLimitPause: cfg.Retry.RateLimitPause,
		FetchTimeout:   cfg.Retry.FetchTimeout,
		WatchdogSweep:  cfg.Watchdog.Interval,
		StuckAfter:     cfg.Watchdog.StuckAfter,
		Workers:        workers,
		Credentials:    creds,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.RecoverOrphans(ctx); err != nil {
		logger.Error("recover orphaned sessions", "err", err)
		os.Exit(1)
	}

	runDone := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(runDone)
	}()

	r := router.New(logger, mgr, broker, pinger)

	server := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      r,
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received signal, graceful shutdown", "sig", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}

	// Stop the watchdog and let in-flight runs wind down.
	cancel()
	<-runDone
}

func setupLogger(env, logFile string) *slog.Logger {
	var out io.Writer = os.Stdout
	if logFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		})
	}

	switch env {
	case envLocal:
		return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envDebug:
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	default:
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
}
