// Package config loads and validates dispatcher configuration.
// Sources are layered: explicit path > YGGDRASIL_CONFIG > environment file
// (yggdrasil.<env>.yaml) > yggdrasil.yaml > built-in defaults. Validation is
// fast-fail at startup: a bad config never reaches the dispatcher.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/asgard-lab/yggdrasil/internal/domain"
)

// Environment selects the config file variant.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// Config is the complete dispatcher configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	LedgerDir string `yaml:"ledger_dir"`

	PollIntervalSeconds    int `yaml:"poll_interval_seconds"`
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`

	Hosts       []HostConfig            `yaml:"hosts"`
	Concurrency map[string]int          `yaml:"concurrency"`
	Routing     map[string][]string     `yaml:"routing"`

	Retry         RetryConfig         `yaml:"retry"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Cloud         CloudConfig         `yaml:"cloud"`
	Observability ObservabilityConfig `yaml:"observability"`

	HealthProbeIntervalSeconds int `yaml:"health_probe_interval_seconds"`
}

// HostConfig describes one LLM or executor endpoint.
type HostConfig struct {
	Name           string   `yaml:"name"`
	URL            string   `yaml:"url"`
	Model          string   `yaml:"model"`
	Capabilities   []string `yaml:"capabilities"`
	Priority       int      `yaml:"priority"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	HealthPath     string   `yaml:"health_path"`
}

// RetryConfig shapes the backoff applied to retryable failures.
type RetryConfig struct {
	MaxAttempts     int     `yaml:"max_attempts"`
	InitialDelayMS  int     `yaml:"initial_delay_ms"`
	MaxDelayMS      int     `yaml:"max_delay_ms"`
	ExponentialBase float64 `yaml:"exponential_base"`
	Jitter          bool    `yaml:"jitter"`
}

// BreakerConfig shapes the per-host circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownMinutes  int `yaml:"cooldown_minutes"`
}

// CloudConfig wires the cloud fallback endpoint.
type CloudConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Endpoint       string   `yaml:"endpoint"`
	Model          string   `yaml:"model"`
	CredentialEnv  string   `yaml:"credential_env"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	TaskTypes      []string `yaml:"task_types"`
}

// ObservabilityConfig wires telemetry outputs.
type ObservabilityConfig struct {
	Enabled       bool   `yaml:"enabled"`
	LogDir        string `yaml:"log_dir"`
	EnableMetrics bool   `yaml:"enable_metrics"`
	MetricsPort   int    `yaml:"metrics_port"`
}

// Default returns the built-in configuration. Host list is empty on purpose:
// a usable deployment must declare its fleet, and Validate enforces that.
func Default() Config {
	return Config{
		Environment:            EnvDev,
		LedgerDir:              yggHome(),
		PollIntervalSeconds:    2,
		ShutdownTimeoutSeconds: 60,
		Concurrency:            map[string]int{},
		Routing: map[string][]string{
			"code-generation": {"code"},
			"code-refactor":   {"code"},
			"code-review":     {"code"},
			"text-processing": {"text"},
			"text-generation": {"text"},
			"summarize":       {"text"},
			"reasoning":       {"reasoning"},
			"analyze":         {"reasoning"},
			"general":         {"general"},
			"default":         {"general"},
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialDelayMS:  100,
			MaxDelayMS:      5000,
			ExponentialBase: 2.0,
			Jitter:          true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			CooldownMinutes:  5,
		},
		Cloud: CloudConfig{
			Enabled:        false,
			Endpoint:       "https://api.anthropic.com/v1",
			Model:          "claude-sonnet",
			CredentialEnv:  "ANTHROPIC_API_KEY",
			TimeoutSeconds: 60,
			TaskTypes: []string{
				"code-generation", "text-processing", "reasoning", "summarize", "general",
			},
		},
		Observability: ObservabilityConfig{
			Enabled:       true,
			LogDir:        filepath.Join(yggHome(), "logs"),
			EnableMetrics: true,
			MetricsPort:   8888,
		},
		HealthProbeIntervalSeconds: 60,
	}
}

// Load reads configuration using the layered source order. explicitPath may
// be empty. The returned config has passed Validate.
func Load(explicitPath string) (Config, error) {
	cfg := Default()

	env := Environment(os.Getenv("YGGDRASIL_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	cfg.Environment = env

	path, err := resolvePath(explicitPath, env)
	if err != nil {
		return cfg, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyHostDefaults()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// resolvePath picks the config file: explicit path and YGGDRASIL_CONFIG must
// exist if set; the environment-specific and default files are optional.
func resolvePath(explicitPath string, env Environment) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicitPath, err)
		}
		return explicitPath, nil
	}
	if p := os.Getenv("YGGDRASIL_CONFIG"); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("YGGDRASIL_CONFIG %s: %w", p, err)
		}
		return p, nil
	}

	candidates := []string{
		fmt.Sprintf("yggdrasil.%s.yaml", env),
		"yggdrasil.yaml",
		filepath.Join(configHome(), fmt.Sprintf("yggdrasil.%s.yaml", env)),
		filepath.Join(configHome(), "yggdrasil.yaml"),
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// applyHostDefaults fills per-host defaults and derives concurrency entries
// for hosts that declare none.
func (c *Config) applyHostDefaults() {
	for i := range c.Hosts {
		h := &c.Hosts[i]
		if h.TimeoutSeconds == 0 {
			h.TimeoutSeconds = 120
		}
		if h.Priority == 0 {
			h.Priority = 1
		}
		if h.HealthPath == "" {
			h.HealthPath = "/health"
		}
		if c.Concurrency == nil {
			c.Concurrency = map[string]int{}
		}
		if _, ok := c.Concurrency[h.Name]; !ok {
			c.Concurrency[h.Name] = 2
		}
	}
}

// Validate checks ranges and cross-field requirements. The dispatcher exits
// with code 2 when this fails.
func (c *Config) Validate() error {
	if c.Environment != EnvDev && c.Environment != EnvStaging && c.Environment != EnvProd {
		return fmt.Errorf("environment must be dev, staging, or prod, got %q", c.Environment)
	}
	if len(c.Hosts) == 0 {
		return fmt.Errorf("at least one host must be configured")
	}
	seen := map[string]bool{}
	for _, h := range c.Hosts {
		if h.Name == "" || h.URL == "" {
			return fmt.Errorf("host entries require name and url")
		}
		if seen[h.Name] {
			return fmt.Errorf("duplicate host %q", h.Name)
		}
		seen[h.Name] = true
		if h.TimeoutSeconds < 1 || h.TimeoutSeconds > 3600 {
			return fmt.Errorf("host %s: timeout_seconds %d out of range [1,3600]", h.Name, h.TimeoutSeconds)
		}
	}
	for host, limit := range c.Concurrency {
		if !seen[host] {
			return fmt.Errorf("concurrency.%s references an unconfigured host", host)
		}
		if limit < 1 || limit > 16 {
			return fmt.Errorf("concurrency.%s = %d out of range [1,16]", host, limit)
		}
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		return fmt.Errorf("retry.max_attempts %d out of range [1,10]", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialDelayMS < 10 || c.Retry.InitialDelayMS > 5000 {
		return fmt.Errorf("retry.initial_delay_ms %d out of range [10,5000]", c.Retry.InitialDelayMS)
	}
	if c.Retry.MaxDelayMS < 100 || c.Retry.MaxDelayMS > 60000 {
		return fmt.Errorf("retry.max_delay_ms %d out of range [100,60000]", c.Retry.MaxDelayMS)
	}
	if c.Retry.ExponentialBase < 1.1 || c.Retry.ExponentialBase > 5.0 {
		return fmt.Errorf("retry.exponential_base %.2f out of range [1.1,5.0]", c.Retry.ExponentialBase)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1")
	}
	if c.Breaker.CooldownMinutes < 1 {
		return fmt.Errorf("breaker.cooldown_minutes must be >= 1")
	}
	if c.PollIntervalSeconds < 1 {
		return fmt.Errorf("poll_interval_seconds must be >= 1")
	}
	if c.ShutdownTimeoutSeconds < 1 {
		return fmt.Errorf("shutdown_timeout_seconds must be >= 1")
	}
	if c.Observability.EnableMetrics {
		if c.Observability.MetricsPort < 1024 || c.Observability.MetricsPort > 65535 {
			return fmt.Errorf("observability.metrics_port %d out of range [1024,65535]", c.Observability.MetricsPort)
		}
	}
	if c.Cloud.Enabled {
		if c.Cloud.CredentialEnv == "" {
			return fmt.Errorf("cloud.enabled requires cloud.credential_env")
		}
		if os.Getenv(c.Cloud.CredentialEnv) == "" {
			return fmt.Errorf("cloud fallback enabled but %s is not set", c.Cloud.CredentialEnv)
		}
	}
	return nil
}

// HostDescriptors converts the host list to domain descriptors.
func (c *Config) HostDescriptors() []domain.HostDescriptor {
	out := make([]domain.HostDescriptor, 0, len(c.Hosts))
	for _, h := range c.Hosts {
		caps := make([]domain.Capability, 0, len(h.Capabilities))
		for _, cap := range h.Capabilities {
			caps = append(caps, domain.Capability(cap))
		}
		out = append(out, domain.HostDescriptor{
			Name:         h.Name,
			URL:          h.URL,
			Model:        h.Model,
			Capabilities: caps,
			Priority:     h.Priority,
			Timeout:      time.Duration(h.TimeoutSeconds) * time.Second,
			HealthPath:   h.HealthPath,
		})
	}
	return out
}

// PollInterval returns the loop sleep as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ShutdownTimeout returns the drain grace window as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// HealthProbeInterval returns the router probe period as a duration.
func (c *Config) HealthProbeInterval() time.Duration {
	return time.Duration(c.HealthProbeIntervalSeconds) * time.Second
}

// CloudQualifies reports whether taskType is eligible for cloud fallback.
func (c *Config) CloudQualifies(taskType string) bool {
	for _, t := range c.Cloud.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// yggHome returns the yggdrasil data directory.
func yggHome() string {
	if env := os.Getenv("YGGDRASIL_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".yggdrasil")
}

func configHome() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "yggdrasil")
}
