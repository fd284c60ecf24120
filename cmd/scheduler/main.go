// Package main provides the upload scheduler entry point. By default it runs
// the poll and dispatch loop until interrupted.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravixrdp/yt-automation/internal/api"
	"github.com/gravixrdp/yt-automation/internal/config"
	"github.com/gravixrdp/yt-automation/internal/logging"
	"github.com/gravixrdp/yt-automation/internal/report"
)

func main() {
	os.Exit(run())
}

func run() int {
	once := flag.Bool("once", false, "run a single poll and dispatch cycle, drain due cleanups, then exit")
	reconcileOnly := flag.Bool("reconcile", false, "run one reconcile pass and exit")
	stats := flag.Bool("stats", false, "print queue statistics and exit")
	serve := flag.Bool("serve", false, "also serve the inspection API while the loop runs")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("instanceId", cfg.Scheduler.InstanceID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	a, err := openStore(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to open job store")
		return 1
	}
	defer a.Close()

	if *stats {
		return printStats(ctx, a)
	}

	if err := a.wireMaintenance(ctx); err != nil {
		logger.WithError(err).Error("Failed to initialize credentials")
		return 1
	}

	if *reconcileOnly {
		rep, err := a.reconciler.Run(ctx)
		printJSON(rep)
		if err != nil {
			logger.WithError(err).Error("Reconcile finished with errors")
			return 1
		}
		return 0
	}

	if err := a.wireEngine(ctx); err != nil {
		logger.WithError(err).Error("Failed to initialize upload engine")
		return 1
	}

	if *once {
		return runOnce(ctx, a)
	}
	return runLoop(ctx, a, *serve)
}

func printStats(ctx context.Context, a *app) int {
	st, err := a.store.Stats(ctx)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Error("Failed to read queue stats")
		return 1
	}
	jobs, err := a.store.Jobs.List(ctx, "", 10)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Error("Failed to list jobs")
		return 1
	}
	pools, err := a.allocator.Snapshot(ctx)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Quota snapshot unavailable")
	}
	fmt.Println(report.Render(report.Input{
		Stats:    st,
		Jobs:     jobs,
		Pools:    pools,
		Location: a.cfg.Location(),
	}))
	return 0
}

func runOnce(ctx context.Context, a *app) int {
	logger := logging.FromContext(ctx)
	code := 0

	res, err := a.scheduler.RunCycle(ctx)
	printJSON(res)
	if err != nil {
		logger.WithError(err).Error("Cycle finished with errors")
		code = 1
	}

	ran, err := a.scheduler.DrainCleanup(ctx)
	if err != nil {
		logger.WithError(err).Error("Cleanup drain failed")
		code = 1
	}
	logger.WithField("cleanupJobsRun", ran).Info("Single cycle complete")
	return code
}

func runLoop(ctx context.Context, a *app, serve bool) int {
	logger := logging.FromContext(ctx)

	if err := a.scheduler.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to start scheduler")
		return 1
	}

	var server *api.Server
	if serve {
		var err error
		server, err = api.NewServer(&api.ServerConfig{
			Host: a.cfg.Server.Host,
			Port: a.cfg.Server.Port,
			RPS:  a.cfg.Server.RPS,
		}, api.Deps{
			Store:     a.store,
			Cleanup:   a.cleanup,
			Quota:     a.allocator,
			Breakers:  a.registry,
			Scheduler: a.scheduler,
		})
		if err != nil {
			logger.WithError(err).Error("Failed to create API server")
			return 1
		}
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("API server stopped")
			}
		}()
	}

	logger.Info("Scheduler running. Press Ctrl+C to stop.")
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	// in-flight uploads get their full timeout before we give up on them
	shutdownCtx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), logger), a.cfg.Scheduler.UploadTimeout+30*time.Second)
	defer cancel()

	code := 0
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("API server shutdown error")
		}
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Scheduler did not stop cleanly")
		code = 1
	}
	return code
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
