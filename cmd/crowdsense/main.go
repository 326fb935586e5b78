// Package main runs the CrowdSense dashboard daemon
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Manav1207351/crowdsense360/internal/api"
	"github.com/Manav1207351/crowdsense360/internal/bus"
	"github.com/Manav1207351/crowdsense360/internal/config"
	"github.com/Manav1207351/crowdsense360/internal/events"
	"github.com/Manav1207351/crowdsense360/internal/logging"
	"github.com/Manav1207351/crowdsense360/internal/persistence"
	"github.com/Manav1207351/crowdsense360/internal/source"
	"github.com/Manav1207351/crowdsense360/internal/store"
	"github.com/Manav1207351/crowdsense360/internal/timeline"
)

const version = "0.3.0"

func main() {
	configPath := config.PathFromEnv(filepath.Join("/data", "config.yaml"))
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	levelVar := new(slog.LevelVar)
	if lvl, err := config.ParseLevel(cfg.LogLevel()); err == nil {
		levelVar.Set(lvl)
	}
	logger, logs := logging.Setup(os.Stdout, cfg.System.Logging.Format, levelVar, cfg.System.Logging.Buffer)
	slog.SetDefault(logger)

	cfg.OnChange(func(c *config.Config) {
		lvl, err := config.ParseLevel(c.LogLevel())
		if err != nil {
			return
		}
		if lvl != levelVar.Level() {
			levelVar.Set(lvl)
			slog.Info("Log level changed", "level", lvl.String())
		}
	})
	if cfg.GetPath() != "" {
		if err := cfg.Watch(); err != nil {
			slog.Warn("Config hot reload disabled", "error", err)
		}
	}

	slog.Info("Starting CrowdSense dashboard",
		"version", version,
		"config_path", cfg.GetPath(),
		"transport", cfg.Backend.Transport,
		"persistence", cfg.Persistence.Driver,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := persistence.Open(ctx, persistenceConfig(cfg))
	if err != nil {
		slog.Error("Failed to open persistence", "driver", cfg.Persistence.Driver, "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	history := source.NewHistoryClient(source.HistoryConfig{
		BaseURL: cfg.Backend.URL,
		Timeout: cfg.Backend.QueryTimeout,
		Breaker: breakerConfig(cfg.Backend.Breaker),
	})

	engine := store.NewEngine(store.New(storeOptions(cfg)), store.EngineOptions{
		KV:           kv,
		History:      history,
		QueryTimeout: cfg.Backend.QueryTimeout,
	})
	if err := engine.Load(ctx); err != nil {
		slog.Error("Failed to restore state", "error", err)
		os.Exit(1)
	}

	checks := map[string]func(context.Context) error{
		"persistence": func(ctx context.Context) error { return persistence.Health(ctx, kv) },
	}

	var broker *bus.Broker
	if cfg.Backend.Transport == "nats" && cfg.Backend.NATS.Embedded {
		broker, err = bus.Start(bus.Config{
			Host:     "127.0.0.1",
			Port:     cfg.Backend.NATS.Port,
			StoreDir: cfg.Backend.NATS.StoreDir,
		})
		if err != nil {
			slog.Error("Failed to start embedded broker", "error", err)
			os.Exit(1)
		}
		defer broker.Stop()
		checks["broker"] = broker.HealthCheck
	}

	src := newSource(cfg, broker)

	var publisher api.Publisher
	if broker != nil {
		publisher = broker
	}

	hub := api.NewHub(engine.Snapshot, cfg.Server.CORSOrigins)
	server := api.NewServer(api.Options{
		Engine:      engine,
		Control:     source.NewControlClient(cfg.Backend.URL, cfg.Backend.QueryTimeout, breakerConfig(cfg.Backend.Breaker)),
		Hub:         hub,
		Publisher:   publisher,
		Logs:        logs,
		Level:       levelVar,
		Config:      cfg,
		CORSOrigins: cfg.Server.CORSOrigins,
		Checks:      checks,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := engine.Run(runCtx); err != nil {
			slog.Error("Engine error", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		hub.Run(runCtx, engine.Subscribe())
	}()
	go func() {
		defer wg.Done()
		err := src.Run(runCtx, engine.Events())
		switch {
		case errors.Is(err, source.ErrReconnectExhausted):
			slog.Error("Event source gave up; dashboard stays disconnected", "error", err)
		case err != nil:
			slog.Error("Event source error", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("Server starting", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	cancel()
	if err := engine.Close(shutdownCtx); err != nil {
		slog.Error("Engine shutdown error", "error", err)
	}
	wg.Wait()

	slog.Info("Server stopped")
}

func newSource(cfg *config.Config, broker *bus.Broker) source.Source {
	reconnect := source.ReconnectConfig{
		Delay:       cfg.Backend.Reconnect.Delay,
		MaxDelay:    cfg.Backend.Reconnect.MaxDelay,
		MaxAttempts: cfg.Backend.Reconnect.MaxAttempts,
		Backoff:     source.Backoff(cfg.Backend.Reconnect.Backoff),
	}

	if cfg.Backend.Transport == "nats" {
		url := cfg.Backend.NATS.URL
		if broker != nil {
			url = broker.ClientURL()
		}
		return source.NewNATS(source.NATSConfig{
			URL:       url,
			Subject:   cfg.Backend.NATS.Subject,
			Reconnect: reconnect,
		})
	}

	return source.NewWebSocket(source.WebSocketConfig{
		URL:          cfg.Backend.StreamURL,
		Reconnect:    reconnect,
		PingInterval: cfg.Backend.PingInterval,
		ReadTimeout:  cfg.Backend.ReadTimeout,
	})
}

func storeOptions(cfg *config.Config) store.Options {
	cams := make([]events.Camera, 0, len(cfg.Cameras))
	for _, c := range cfg.Cameras {
		cams = append(cams, events.Camera{ID: c.ID, Name: c.Name})
	}
	return store.Options{
		Cameras:             cams,
		FeedCapacity:        cfg.Alerts.FeedCapacity,
		ArchiveCapacity:     cfg.Alerts.ArchiveCapacity,
		DiagnosticsCapacity: cfg.Alerts.DiagnosticsCapacity,
		Timeline: timeline.Config{
			Location:           cfg.Location(),
			LiveResolution:     cfg.Timeline.LiveResolution,
			MaxLiveBuckets:     cfg.Timeline.MaxLiveBuckets,
			HistoryGranularity: cfg.Timeline.HistoryGranularity,
		},
	}
}

func persistenceConfig(cfg *config.Config) persistence.Config {
	return persistence.Config{
		Driver:        cfg.Persistence.Driver,
		Path:          cfg.Persistence.Path,
		RedisAddr:     cfg.Persistence.Redis.Addr,
		RedisPassword: cfg.Persistence.Redis.Password,
		RedisDB:       cfg.Persistence.Redis.DB,
		RedisPrefix:   cfg.Persistence.Redis.Prefix,
	}
}

func breakerConfig(b config.BreakerConfig) source.BreakerConfig {
	return source.BreakerConfig{
		MaxRequests:         b.MaxRequests,
		Interval:            b.Interval,
		Timeout:             b.Timeout,
		ConsecutiveFailures: b.ConsecutiveFailures,
	}
}
