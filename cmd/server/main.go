// Command server starts the analysis ingestion HTTP endpoint (C5).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bfhealy/nmma-relay/internal/adapter/cluster"
	"github.com/bfhealy/nmma-relay/internal/adapter/filtermap"
	httpserver "github.com/bfhealy/nmma-relay/internal/adapter/httpserver"
	"github.com/bfhealy/nmma-relay/internal/adapter/observability"
	"github.com/bfhealy/nmma-relay/internal/adapter/repo/postgres"
	"github.com/bfhealy/nmma-relay/internal/app"
	"github.com/bfhealy/nmma-relay/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL())
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	store := postgres.NewStore(pool)

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started", slog.Int("retention_days", cfg.DataRetentionDays), slog.Duration("interval", cfg.CleanupInterval))
	}

	clusterAdapter := cluster.New(cluster.Config{
		Host:                cfg.ClusterSSHHost,
		Port:                cfg.ClusterSSHPort,
		Username:            cfg.ClusterSSHUsername,
		Password:            cfg.ClusterSSHPassword,
		DialTimeout:         cfg.SSHDialTimeout,
		RemoteNMMADir:       cfg.ClusterNMMADir,
		RemoteDataDirname:   cfg.ClusterDataDirname,
		RemoteOutputDirname: cfg.ClusterOutputDirname,
		SlurmScriptName:     cfg.LocalSlurmScriptName,
	})

	fm := filtermap.New(cfg.CentralWavelengthModels, cfg.FilterCatalogURL, cfg.FilterCatalogCacheFile)
	if err := fm.Load(ctx); err != nil {
		slog.Warn("failed to load filter catalog at startup", slog.Any("error", err))
	}

	srv := httpserver.NewServer(store, clusterAdapter, fm, cfg.AllowedModels)

	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
