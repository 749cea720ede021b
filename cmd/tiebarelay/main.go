// Package main wires together the relay service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tieba-tools/tieba-relay/internal/api"
	"github.com/tieba-tools/tieba-relay/internal/client"
	"github.com/tieba-tools/tieba-relay/internal/clock/system"
	"github.com/tieba-tools/tieba-relay/internal/config"
	"github.com/tieba-tools/tieba-relay/internal/fetcher"
	"github.com/tieba-tools/tieba-relay/internal/hash/sha256"
	"github.com/tieba-tools/tieba-relay/internal/id/uuid"
	"github.com/tieba-tools/tieba-relay/internal/jobs"
	"github.com/tieba-tools/tieba-relay/internal/logging"
	"github.com/tieba-tools/tieba-relay/internal/metrics"
	"github.com/tieba-tools/tieba-relay/internal/runner"
	"github.com/tieba-tools/tieba-relay/internal/scheduler"
	"github.com/tieba-tools/tieba-relay/internal/storage/local"
	"github.com/tieba-tools/tieba-relay/internal/store/sqlite"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	rules, err := cfg.CollectionRules()
	if err != nil {
		return err
	}

	clock := system.New()
	store, err := sqlite.Open(cfg.DB.Path, clock)
	if err != nil {
		return err
	}
	defer store.Close()

	blobs, err := local.New(cfg.Storage.DataDir)
	if err != nil {
		return err
	}

	accounts := client.NewAccountPool(10*time.Minute, client.Account{
		BDUSS:  cfg.Client.BDUSS,
		SToken: cfg.Client.SToken,
	})
	platform := client.New(client.Config{
		Timeout:         cfg.ClientTimeout(),
		RequestAttempts: cfg.Client.RequestAttempts,
		UserAgent:       cfg.Client.UserAgent,
	}, accounts)

	deps := jobs.Deps{
		Store:   store,
		Client:  platform,
		Fetcher: fetcher.New(platform, store, blobs, sha256.New(), logger),
		Clock:   clock,
		Config:  cfg,
		Rules:   rules,
		Retry:   cfg.RetryPolicy(),
		Loc:     loc,
		Logger:  logger,
	}

	jobRunner := runner.New(deps, uuid.New(), logger)

	sched, err := scheduler.New(cfg, jobRunner, logger)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	server := api.NewServer(store, jobRunner, blobs.BaseDir(), cfg, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	jobRunner.Wait()
	return nil
}
