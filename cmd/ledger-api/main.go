// Package main is the entry point for the ledger API server.
//
// It loads configuration, wires the ledger and lifecycle services onto the
// core chassis (middleware, routing, health checks) and serves the web
// layer's balance, debit, credit and transfer calls.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
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

	"creditpanel/internal/api/handlers"
	"creditpanel/internal/app"
	"creditpanel/internal/config"
	"creditpanel/internal/core"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("ledger API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	// The API never runs passes, so it needs no queue or metrics.
	a, err := app.New(context.Background(), cfg, logger, app.Options{})
	if err != nil {
		return err
	}

	srv, err := buildServer(cfg, logger, a.Ledger, a.Transfers, core.ProbeFunc{ProbeName: "database", Fn: a.Pool.Ping})
	if err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Closers = append(srv.Closers, func() error { return a.Close(context.Background()) })

	return runHTTPServer(srv, cfg, logger)
}

// buildServer mounts the account and server handlers on the chassis.
func buildServer(
	cfg *config.Config,
	logger *slog.Logger,
	ledger handlers.LedgerService,
	transfers handlers.TransferService,
	probes ...core.HealthProbe,
) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	srv.HealthProbes = probes

	accounts := handlers.NewAccountHandler(ledger, srv.Validator, logger)
	servers := handlers.NewServerHandler(transfers, srv.Validator, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, accounts.RegisterRoutes, servers.RegisterRoutes)

	srv.MountRoutes()
	return srv, nil
}

// runHTTPServer starts the server with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      40 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}
