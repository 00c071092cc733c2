// Package config holds the run configuration for hkprobe. A Config is built
// once at startup (defaults, then the optional YAML file, then flags, then
// the token environment fallback) and never mutated afterwards.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TokenEnv is consulted for the bearer token when none is given explicitly.
const TokenEnv = "BLAB_HOUSEKEEPER_TOKEN"

// Defaults match the runtime's standard local deployment.
const (
	DefaultEndpoint         = "http://127.0.0.1:48765"
	DefaultHealthRetries    = 3
	DefaultHealthTimeout    = 2 * time.Second
	DefaultRetryDelay       = 700 * time.Millisecond
	DefaultSelfCheckTimeout = 20 * time.Second
	DefaultWatchInterval    = 30 * time.Second
	DefaultWebhookCooldown  = 5 * time.Minute
	DefaultStubListen       = "127.0.0.1:48765"
)

// Config is the root run configuration.
type Config struct {
	// Endpoint is the runtime base URL, normalized without a trailing slash.
	Endpoint string
	// Token is the bearer token; empty means no Authorization header.
	Token string

	HealthRetries    int
	HealthTimeout    time.Duration
	RetryDelay       time.Duration
	SelfCheckTimeout time.Duration

	Watch WatchConfig
	Stub  StubConfig
}

// WatchConfig holds continuous-mode settings.
type WatchConfig struct {
	Interval time.Duration
	Webhook  WebhookConfig
}

// WebhookConfig holds verdict-transition webhook settings.
type WebhookConfig struct {
	URL      string
	Cooldown time.Duration
}

// StubConfig holds fake-runtime settings.
type StubConfig struct {
	Listen  string
	Fixture string
}

// Default returns a Config populated with all default values.
func Default() *Config {
	return &Config{
		Endpoint:         DefaultEndpoint,
		HealthRetries:    DefaultHealthRetries,
		HealthTimeout:    DefaultHealthTimeout,
		RetryDelay:       DefaultRetryDelay,
		SelfCheckTimeout: DefaultSelfCheckTimeout,
		Watch: WatchConfig{
			Interval: DefaultWatchInterval,
			Webhook:  WebhookConfig{Cooldown: DefaultWebhookCooldown},
		},
		Stub: StubConfig{Listen: DefaultStubListen},
	}
}

// Load reads the YAML file at path and overlays it onto the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	// Unmarshal into a raw intermediate to detect YAML parse errors vs
	// duration errors. Retries is a pointer so an explicit 0 is caught by
	// validation instead of silently becoming the default.
	type rawConfig struct {
		Endpoint string `yaml:"endpoint"`
		Token    string `yaml:"token"`
		Health   struct {
			Retries    *int   `yaml:"retries"`
			Timeout    string `yaml:"timeout"`
			RetryDelay string `yaml:"retry_delay"`
		} `yaml:"health"`
		SelfCheck struct {
			Timeout string `yaml:"timeout"`
		} `yaml:"self_check"`
		Watch struct {
			Interval string `yaml:"interval"`
			Webhook  struct {
				URL      string `yaml:"url"`
				Cooldown string `yaml:"cooldown"`
			} `yaml:"webhook"`
		} `yaml:"watch"`
		Stub struct {
			Listen  string `yaml:"listen"`
			Fixture string `yaml:"fixture"`
		} `yaml:"stub"`
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg := Default()
	if raw.Endpoint != "" {
		cfg.Endpoint = raw.Endpoint
	}
	if raw.Token != "" {
		cfg.Token = raw.Token
	}
	if raw.Health.Retries != nil {
		cfg.HealthRetries = *raw.Health.Retries
	}
	if err := overlayDuration(&cfg.HealthTimeout, raw.Health.Timeout, "health.timeout"); err != nil {
		return nil, err
	}
	if err := overlayDuration(&cfg.RetryDelay, raw.Health.RetryDelay, "health.retry_delay"); err != nil {
		return nil, err
	}
	if err := overlayDuration(&cfg.SelfCheckTimeout, raw.SelfCheck.Timeout, "self_check.timeout"); err != nil {
		return nil, err
	}
	if err := overlayDuration(&cfg.Watch.Interval, raw.Watch.Interval, "watch.interval"); err != nil {
		return nil, err
	}
	if raw.Watch.Webhook.URL != "" {
		cfg.Watch.Webhook.URL = raw.Watch.Webhook.URL
	}
	if err := overlayDuration(&cfg.Watch.Webhook.Cooldown, raw.Watch.Webhook.Cooldown, "watch.webhook.cooldown"); err != nil {
		return nil, err
	}
	if raw.Stub.Listen != "" {
		cfg.Stub.Listen = raw.Stub.Listen
	}
	if raw.Stub.Fixture != "" {
		cfg.Stub.Fixture = raw.Stub.Fixture
	}

	return cfg, nil
}

func overlayDuration(dst *time.Duration, s, field string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, s, err)
	}
	*dst = d
	return nil
}

// Finalize applies the token environment fallback, normalizes the endpoint,
// and validates the result. It must be called once, after flag overrides.
func (c *Config) Finalize() error {
	if c.Token == "" {
		c.Token = os.Getenv(TokenEnv)
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	return c.validate()
}

func (c *Config) validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("endpoint %q: %w", c.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint %q: scheme must be http or https", c.Endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q: host is required", c.Endpoint)
	}
	if c.HealthRetries < 1 {
		return fmt.Errorf("health retries must be at least 1, got %d", c.HealthRetries)
	}
	if c.HealthTimeout <= 0 {
		return fmt.Errorf("health timeout must be positive, got %s", c.HealthTimeout)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative, got %s", c.RetryDelay)
	}
	if c.SelfCheckTimeout <= 0 {
		return fmt.Errorf("self-check timeout must be positive, got %s", c.SelfCheckTimeout)
	}
	if c.Watch.Interval <= 0 {
		return fmt.Errorf("watch interval must be positive, got %s", c.Watch.Interval)
	}
	if c.Watch.Webhook.Cooldown < 0 {
		return fmt.Errorf("webhook cooldown must not be negative, got %s", c.Watch.Webhook.Cooldown)
	}
	if c.Stub.Listen == "" {
		return fmt.Errorf("stub listen address is required")
	}
	return nil
}

// Headers returns the request headers for runtime calls: a map with one
// Authorization entry when a token is configured, otherwise empty.
func (c *Config) Headers() map[string]string {
	h := make(map[string]string, 1)
	if c.Token != "" {
		h["Authorization"] = "Bearer " + c.Token
	}
	return h
}
