package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blab-io/hkprobe/internal/config"
	"github.com/blab-io/hkprobe/internal/stub"
)

func stubCmd() *cobra.Command {
	var (
		listen   string
		fixture  string
		token    string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Serve a fake housekeeper runtime for development and CI",
	}
	cmd.Flags().StringVar(&listen, "listen", config.DefaultStubListen, "listen address")
	cmd.Flags().StringVar(&fixture, "fixture", "", "fixture file scripting the stub (optional)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token to require (falls back to "+config.TokenEnv+")")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("listen") {
			cfg.Stub.Listen = listen
		}
		if flags.Changed("fixture") {
			cfg.Stub.Fixture = fixture
		}
		if flags.Changed("token") {
			cfg.Token = token
		}
		if err := cfg.Finalize(); err != nil {
			return err
		}
		level, err := parseLevel(logLevel)
		if err != nil {
			return err
		}
		return runStub(cmd, cfg, level)
	}
	return cmd
}

func runStub(cmd *cobra.Command, cfg *config.Config, level slog.Level) error {
	logger := newLogger(cmd.ErrOrStderr(), level)

	// 1. Load fixture
	fixture, err := stub.LoadFixture(cfg.Stub.Fixture)
	if err != nil {
		return fmt.Errorf("loading fixture: %w", err)
	}

	// 2. Build stub server
	srv := stub.New(fixture, cfg.Token, logger)

	httpServer := &http.Server{
		Addr:    cfg.Stub.Listen,
		Handler: srv.Router(),
	}

	// 3. Signal context for graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 4. Start HTTP server in background
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("stub runtime listening",
			"address", cfg.Stub.Listen,
			"ready_after", fixture.ReadyAfter,
			"auth", cfg.Token != "",
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// 5. Wait for signal or server error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("HTTP server: %w", err)
	}

	// 6. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
