// Package config provides layered configuration and encrypted secrets for
// the batch service.
//
// Three layers, later wins:
//
//  1. Built-in defaults (Default).
//  2. An optional YAML file naming any option plus repos: seed entries.
//  3. ABATCH_* environment variables.
//
// The effective Config is immutable after Load; components receive the
// values they need at construction time. Secrets never appear in the
// config file; they live in an encrypted sidecar (see secrets.go).
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Impersonation modes for running the agent as the job owner.
const (
	// ModeLocal runs agent processes as the service user. Development only:
	// jobs are not isolated from each other's credentials.
	ModeLocal = "local"
	// ModeSetuid switches uid directly; requires the service to run as root.
	ModeSetuid = "setuid"
	// ModeSudo elevates through sudo rules configured for the service user.
	ModeSudo = "sudo"
)

// envPrefix is stripped from environment variables before matching env tags.
const envPrefix = "ABATCH_"

// RepoSeed declares a repository registered at boot.
type RepoSeed struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
}

// Config holds every recognised option.
//
//nolint:govet // field order mirrors the documented option groups
type Config struct {
	// DataDir roots everything the service writes: the audit database,
	// the secrets file, and the default registry and workspace roots.
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`
	// RegistryRoot holds master clones; empty derives <data_dir>/repos.
	RegistryRoot string `yaml:"registry_root" env:"REGISTRY_ROOT"`
	// WorkspaceRoot holds per-job workspaces; empty derives
	// <data_dir>/workspaces.
	WorkspaceRoot string `yaml:"workspace_root" env:"WORKSPACE_ROOT"`

	AgentBin          string `yaml:"agent_bin" env:"AGENT_BIN"`
	IndexerBin        string `yaml:"indexer_bin" env:"INDEXER_BIN"`
	EmbeddingProvider string `yaml:"embedding_provider" env:"EMBEDDING_PROVIDER"`
	ImpersonationMode string `yaml:"impersonation_mode" env:"IMPERSONATION_MODE"`

	MaxConcurrentJobs       int           `yaml:"max_concurrent_jobs" env:"MAX_CONCURRENT_JOBS"`
	DefaultJobTimeout       time.Duration `yaml:"default_job_timeout" env:"DEFAULT_JOB_TIMEOUT"`
	QueueWaitTimeout        time.Duration `yaml:"queue_wait_timeout" env:"QUEUE_WAIT_TIMEOUT"`
	JanitorInterval         time.Duration `yaml:"janitor_interval" env:"JANITOR_INTERVAL"`
	TerminalRetention       time.Duration `yaml:"terminal_retention" env:"TERMINAL_RETENTION"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout" env:"GRACEFUL_SHUTDOWN_TIMEOUT"`

	MaxPromptBytes       int `yaml:"max_prompt_bytes" env:"MAX_PROMPT_BYTES"`
	OutputBufferMaxBytes int `yaml:"output_buffer_max_bytes" env:"OUTPUT_BUFFER_MAX_BYTES"`

	MetricsEnabled bool   `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
	MetricsAddr    string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	// PrometheusURL points the query service at an external Prometheus
	// scraping this process. Empty disables querying.
	PrometheusURL string `yaml:"prometheus_url" env:"PROMETHEUS_URL"`

	// AgentEnvSecrets names secrets decrypted at boot and overlaid into
	// the agent environment as NAME=value.
	AgentEnvSecrets []string `yaml:"agent_env_secrets" env:"AGENT_ENV_SECRETS"`

	// Repos are registered (idempotently) at boot.
	Repos []RepoSeed `yaml:"repos"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:                 "/var/lib/agentbatch",
		ImpersonationMode:       ModeLocal,
		MaxConcurrentJobs:       5,
		DefaultJobTimeout:       24 * time.Hour,
		QueueWaitTimeout:        time.Hour,
		JanitorInterval:         time.Minute,
		TerminalRetention:       0,
		GracefulShutdownTimeout: 30 * time.Second,
		MaxPromptBytes:          256 * 1024,
		OutputBufferMaxBytes:    1024 * 1024,
		MetricsEnabled:          true,
		MetricsAddr:             "127.0.0.1:9698",
	}
}

// Load builds the effective configuration. path names the YAML file; empty
// skips the file layer entirely.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: envconfig.PrefixLookuper(envPrefix, envconfig.OsLookuper()),
	}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyDerived fills the roots that default relative to DataDir.
func (c *Config) applyDerived() {
	if c.RegistryRoot == "" {
		c.RegistryRoot = filepath.Join(c.DataDir, "repos")
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = filepath.Join(c.DataDir, "workspaces")
	}
}

// DBPath locates the audit database under the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "agentbatch.db")
}

// LogsDir locates the rotating log directory under the data dir.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// Validate checks the effective configuration. It does not touch the
// filesystem; missing directories are created at boot.
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("data_dir must be absolute, got %q", c.DataDir)
	}
	if !filepath.IsAbs(c.RegistryRoot) {
		return fmt.Errorf("registry_root must be absolute, got %q", c.RegistryRoot)
	}
	if !filepath.IsAbs(c.WorkspaceRoot) {
		return fmt.Errorf("workspace_root must be absolute, got %q", c.WorkspaceRoot)
	}
	if c.RegistryRoot == c.WorkspaceRoot {
		return fmt.Errorf("registry_root and workspace_root must differ: the orphan sweep removes everything under the workspace root")
	}

	if c.AgentBin == "" {
		return fmt.Errorf("agent_bin is required")
	}

	switch c.ImpersonationMode {
	case ModeLocal, ModeSetuid, ModeSudo:
	default:
		return fmt.Errorf("unknown impersonation_mode %q (want %s, %s, or %s)",
			c.ImpersonationMode, ModeLocal, ModeSetuid, ModeSudo)
	}

	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max_concurrent_jobs must be at least 1, got %d", c.MaxConcurrentJobs)
	}
	if c.DefaultJobTimeout <= 0 {
		return fmt.Errorf("default_job_timeout must be positive, got %v", c.DefaultJobTimeout)
	}
	if c.QueueWaitTimeout < 0 {
		return fmt.Errorf("queue_wait_timeout must not be negative, got %v", c.QueueWaitTimeout)
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("janitor_interval must be positive, got %v", c.JanitorInterval)
	}
	if c.TerminalRetention < 0 {
		return fmt.Errorf("terminal_retention must not be negative, got %v", c.TerminalRetention)
	}
	if c.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be positive, got %v", c.GracefulShutdownTimeout)
	}
	if c.MaxPromptBytes <= 0 {
		return fmt.Errorf("max_prompt_bytes must be positive, got %d", c.MaxPromptBytes)
	}
	if c.OutputBufferMaxBytes <= 0 {
		return fmt.Errorf("output_buffer_max_bytes must be positive, got %d", c.OutputBufferMaxBytes)
	}

	if c.MetricsEnabled && c.MetricsAddr == "" {
		return fmt.Errorf("metrics_addr is required when metrics are enabled")
	}

	seen := make(map[string]bool, len(c.Repos))
	for i, seed := range c.Repos {
		if seed.Name == "" {
			return fmt.Errorf("repos[%d]: name is required", i)
		}
		if seed.Source == "" {
			return fmt.Errorf("repos[%d] (%s): source is required", i, seed.Name)
		}
		if seen[seed.Name] {
			return fmt.Errorf("repos[%d]: duplicate name %q", i, seed.Name)
		}
		seen[seed.Name] = true
	}

	return nil
}
