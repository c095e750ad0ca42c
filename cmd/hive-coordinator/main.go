package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hivebuild/hivebuild/internal/allocator"
	"github.com/hivebuild/hivebuild/internal/client"
	"github.com/hivebuild/hivebuild/internal/config"
	"github.com/hivebuild/hivebuild/internal/coordinator"
	"github.com/hivebuild/hivebuild/internal/logging"
	"github.com/hivebuild/hivebuild/internal/metrics"
	"github.com/hivebuild/hivebuild/internal/protocol"
)

func main() {
	cfg := config.MustLoad()
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

	buildID := protocol.BuildID(os.Getenv("BUILD_ID"))
	if buildID == "" {
		log.Fatal("[main] BUILD_ID must be set")
	}

	metrics.Init("hivebuild")
	metricsSrv := metrics.Serve(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	logger := logging.BuildLogger(string(buildID))
	service := client.NewBuildService(cfg.Client)

	state, err := service.FetchBuildGraph(ctx, buildID)
	if err != nil {
		log.Fatalf("[main] failed to fetch the build graph: %v", err)
	}

	alloc, err := allocator.New(&state.Graph)
	if err != nil {
		log.Fatalf("[main] failed to build the work allocator: %v", err)
	}
	logger.Info("build graph loaded", "units", alloc.TotalUnits())

	srv := coordinator.NewServer(cfg.Coordinator, buildID, alloc)
	if err := srv.Start(); err != nil {
		log.Fatalf("[main] failed to start coordinator: %v", err)
	}

	exitCode, err := srv.WaitExitCode(cfg.Coordinator.BuildTimeout)
	if err != nil {
		if errors.Is(err, coordinator.ErrWaitTimeout) {
			log.Fatalf("[main] build %s timed out after %s", buildID, cfg.Coordinator.BuildTimeout)
		}
		log.Fatalf("[main] wait for build %s failed: %v", buildID, err)
	}

	if _, err := service.FinishBuild(ctx, buildID, exitCode); err != nil {
		logger.Error("failed to record the final build status", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		log.Fatalf("[main] coordinator teardown failed: %v", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(stopCtx)
	}

	slog.Info("coordinator stopped cleanly", "exit_code", exitCode)
	os.Exit(exitCode)
}
