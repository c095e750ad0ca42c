package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hivebuild/hivebuild/internal/cas"
	"github.com/hivebuild/hivebuild/internal/config"
	"github.com/hivebuild/hivebuild/internal/frontend"
	"github.com/hivebuild/hivebuild/internal/logging"
	"github.com/hivebuild/hivebuild/internal/metrics"
)

func main() {
	cfg := config.MustLoad()
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

	metrics.Init("hivebuild")
	metricsSrv := metrics.Serve(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
	})

	registry, err := frontend.NewRegistry(cfg.Frontend.DataDir)
	if err != nil {
		log.Fatalf("[main] failed to open build registry: %v", err)
	}

	store, err := cas.NewStore(cas.Config{
		Backend:    cfg.Storage.Backend,
		LocalDir:   cfg.Storage.LocalDir,
		Bucket:     cfg.Storage.Bucket,
		Prefix:     cfg.Storage.Prefix,
		S3Endpoint: cfg.Storage.S3Endpoint,
		S3Region:   cfg.Storage.S3Region,
	})
	if err != nil {
		log.Fatalf("[main] failed to create blob store: %v", err)
	}
	defer store.Close()

	srv := frontend.NewServer(cfg.Frontend, registry, store)
	if err := srv.Start(); err != nil {
		log.Fatalf("[main] failed to start frontend: %v", err)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	slog.Info("received signal, shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		log.Fatalf("[main] shutdown failed: %v", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
	slog.Info("frontend stopped cleanly")
}
