package main

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/blab-io/hkprobe/internal/config"
	"github.com/blab-io/hkprobe/internal/probe"
)

// probeFlags are the probe settings shared by the check and watch commands.
// A flag only overrides the config file when it was set explicitly.
type probeFlags struct {
	endpoint         string
	token            string
	healthRetries    int
	healthTimeout    time.Duration
	retryDelay       time.Duration
	selfCheckTimeout time.Duration
}

func addProbeFlags(cmd *cobra.Command) *probeFlags {
	pf := &probeFlags{}
	cmd.Flags().StringVar(&pf.endpoint, "endpoint", config.DefaultEndpoint, "runtime base URL")
	cmd.Flags().StringVar(&pf.token, "token", "", "bearer token (falls back to "+config.TokenEnv+")")
	cmd.Flags().IntVar(&pf.healthRetries, "health-retries", config.DefaultHealthRetries, "health attempts before giving up")
	cmd.Flags().DurationVar(&pf.healthTimeout, "health-timeout", config.DefaultHealthTimeout, "per-attempt health request timeout")
	cmd.Flags().DurationVar(&pf.retryDelay, "retry-delay", config.DefaultRetryDelay, "delay between health attempts")
	cmd.Flags().DurationVar(&pf.selfCheckTimeout, "self-check-timeout", config.DefaultSelfCheckTimeout, "self-check request timeout")
	return pf
}

func (pf *probeFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		cfg.Endpoint = pf.endpoint
	}
	if flags.Changed("token") {
		cfg.Token = pf.token
	}
	if flags.Changed("health-retries") {
		cfg.HealthRetries = pf.healthRetries
	}
	if flags.Changed("health-timeout") {
		cfg.HealthTimeout = pf.healthTimeout
	}
	if flags.Changed("retry-delay") {
		cfg.RetryDelay = pf.retryDelay
	}
	if flags.Changed("self-check-timeout") {
		cfg.SelfCheckTimeout = pf.selfCheckTimeout
	}
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Wait for runtime readiness and run the self-check once",
	}
	pf := addProbeFlags(cmd)

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pf.apply(cmd, cfg)
		if err := cfg.Finalize(); err != nil {
			return err
		}
		return runProbeCheck(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
	}
	return cmd
}

func runProbeCheck(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	res := probe.New(cfg).Run(ctx, stdout, stderr)
	if code := res.Verdict.ExitCode(); code != 0 {
		return exitError{code: code}
	}
	return nil
}
