package main

import (
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blab-io/hkprobe/internal/config"
	"github.com/blab-io/hkprobe/internal/notify"
	"github.com/blab-io/hkprobe/internal/probe"
	"github.com/blab-io/hkprobe/internal/watch"
)

func watchCmd() *cobra.Command {
	var (
		interval time.Duration
		webhook  string
		cooldown time.Duration
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Probe the runtime continuously and report verdict transitions",
	}
	pf := addProbeFlags(cmd)
	cmd.Flags().DurationVar(&interval, "interval", config.DefaultWatchInterval, "time between probes")
	cmd.Flags().StringVar(&webhook, "webhook", "", "URL notified on verdict transitions")
	cmd.Flags().DurationVar(&cooldown, "cooldown", config.DefaultWebhookCooldown, "minimum time between webhook notifications")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pf.apply(cmd, cfg)
		flags := cmd.Flags()
		if flags.Changed("interval") {
			cfg.Watch.Interval = interval
		}
		if flags.Changed("webhook") {
			cfg.Watch.Webhook.URL = webhook
		}
		if flags.Changed("cooldown") {
			cfg.Watch.Webhook.Cooldown = cooldown
		}
		if err := cfg.Finalize(); err != nil {
			return err
		}
		level, err := parseLevel(logLevel)
		if err != nil {
			return err
		}
		return runWatch(cmd, cfg, level)
	}
	return cmd
}

func runWatch(cmd *cobra.Command, cfg *config.Config, level slog.Level) error {
	logger := newLogger(cmd.ErrOrStderr(), level)

	runner := watch.New(probe.New(cfg), cfg.Watch.Interval, logger)
	if cfg.Watch.Webhook.URL != "" {
		notifier := notify.New(cfg.Watch.Webhook.URL, cfg.Endpoint, cfg.Watch.Webhook.Cooldown, logger)
		runner.SetOnResult(notifier.Notify)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger.Info("watching runtime",
		"endpoint", cfg.Endpoint,
		"interval", cfg.Watch.Interval,
		"webhook", cfg.Watch.Webhook.URL != "",
	)
	runner.Start(ctx)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	runner.Wait()
	logger.Info("shutdown complete")
	return nil
}
