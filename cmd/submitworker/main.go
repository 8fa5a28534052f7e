// Command submitworker runs the Submission Worker (C6) as a
// long-lived, single-threaded cooperative loop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bfhealy/nmma-relay/internal/adapter/cluster"
	"github.com/bfhealy/nmma-relay/internal/adapter/observability"
	"github.com/bfhealy/nmma-relay/internal/adapter/repo/postgres"
	"github.com/bfhealy/nmma-relay/internal/config"
	"github.com/bfhealy/nmma-relay/internal/worker/submission"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.WorkerMetricsPort), mux); err != nil {
			slog.Error("submission worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL())
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	store := postgres.NewStore(pool)

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

	if !clusterAdapter.ValidateCredentials(ctx) {
		slog.Warn("cluster credentials could not be validated at startup, continuing anyway")
	}

	w := submission.New(store, clusterAdapter)
	slog.Info("submission worker starting", slog.Duration("interval", cfg.WaitTimesSubmission))
	w.Run(ctx, cfg.WaitTimesSubmission)
	slog.Info("submission worker stopped")
}
