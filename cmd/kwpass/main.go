package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kw-pass/kwpass/internal/app"
	"github.com/kw-pass/kwpass/internal/config"
	"github.com/kw-pass/kwpass/internal/infra"
	"github.com/kw-pass/kwpass/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat).With("role", cfg.Role)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	backends, err := infra.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open backends", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := backends.Close(); err != nil {
			logger.Warn("close backends", "error", err)
		}
	}()

	daemon, err := app.New(ctx, cfg, backends, logger)
	if err != nil {
		logger.Error("build daemon", "error", err)
		os.Exit(1)
	}

	workersDone := make(chan struct{})
	go func() {
		daemon.Run(ctx)
		close(workersDone)
	}()

	srvErrCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Address())
		srvErrCh <- daemon.Server.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := daemon.Server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		exitCode = 1
	}
	stop()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		logger.Warn("workers did not stop before the shutdown deadline")
	}

	if exitCode != 0 {
		backends.Close()
		os.Exit(exitCode)
	}
	logger.Info("daemon exited cleanly")
}
