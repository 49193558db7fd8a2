package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/refreshg/Vian/internal/alerts"
	"github.com/refreshg/Vian/internal/api"
	"github.com/refreshg/Vian/internal/bitrix"
	"github.com/refreshg/Vian/internal/collector"
	"github.com/refreshg/Vian/internal/compute"
	"github.com/refreshg/Vian/internal/config"
	"github.com/refreshg/Vian/internal/poller"
	"github.com/refreshg/Vian/internal/sla"
	"github.com/refreshg/Vian/internal/store"
	"github.com/refreshg/Vian/internal/stream"
	"github.com/refreshg/Vian/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the poll loop and config hot reload",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	if configPath == "" {
		return errors.New("serve: --config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	slog.Info("vian starting",
		"config", configPath,
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"category", cfg.CRM.CategoryID,
		"cache_ttl", cfg.Cache.TTL,
		"poll_interval", cfg.Poll.Interval,
	)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := telemetry.New()

	client, err := bitrix.New(cfg.CRM.ClientConfig(), bitrix.WithObserver(metrics))
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	coll := collector.New(client, cfg.CRM.Fields.FieldMap(), cfg.CRM.CategoryID)

	// Snapshot cache with background TTL eviction.
	st := store.New(cfg.Cache.TTL)
	go st.Run(ctx)
	loader := store.NewLoader(st, coll)

	calc, err := sla.New(cfg.SLA.Calculator())
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	engine := compute.NewEngine(calc)

	alertEngine, err := alerts.New(cfg.Alerts)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer alertEngine.Wait()

	categories := cfg.Poll.Categories
	if len(categories) == 0 {
		categories = []string{cfg.CRM.CategoryID}
	}
	hub := stream.New()
	go hub.Run(ctx)

	poll := poller.New(poller.Config{
		Interval:   cfg.Poll.Interval,
		Window:     cfg.Poll.Window,
		Categories: categories,
	}, loader, engine, poller.Publishers{metrics, hub}, alertEngine)
	go poll.Run(ctx)

	// Hot reload swaps the SLA calculator. Cached snapshots hold raw CRM
	// data only, so they stay valid across reloads.
	go func() {
		if err := config.Watch(ctx, configPath, func(updated *config.Config) {
			next, err := sla.New(updated.SLA.Calculator())
			if err != nil {
				slog.Error("config reload rejected", "err", err)
				return
			}
			engine.SetCalculator(next)
			slog.Info("config hot-reloaded", "sla_policy", string(next.Config().NeverMoved))
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	handler := api.New(api.Deps{
		Loader:          loader,
		Reports:         engine,
		Alerts:          alertEngine,
		Cache:           st,
		Stream:          hub,
		Observer:        metrics,
		MetricsHandler:  metrics.Handler(),
		DefaultCategory: cfg.CRM.CategoryID,
		Auth: api.AuthOptions{
			Mode:   cfg.Server.Auth.Mode,
			Header: cfg.Server.Auth.Header,
			Key:    cfg.Server.Auth.Key(),
		},
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("serve: http: %w", err)
	}

	slog.Info("vian shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	return srv.Shutdown(shutdownCtx)
}
