// Package config loads and persists the coordinator configuration from
// .trunkline/config.toml at the workspace root.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that round-trips through TOML as a string
// like "30s" or "5m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the full coordinator configuration.
type Config struct {
	// RepoPath is the git repository the coordinator integrates into.
	// Relative paths are resolved against the workspace root.
	RepoPath string `toml:"repo_path"`
	// Remote is the git remote merges are pushed to.
	Remote string `toml:"remote"`
	// TargetBranch is the default trunk branch for new requests.
	TargetBranch string `toml:"target_branch"`
	// DefaultStrategy is used when a submission names no strategy.
	DefaultStrategy string `toml:"default_strategy"`

	Scheduler SchedulerConfig `toml:"scheduler"`
	Store     StoreConfig     `toml:"store"`
	Server    ServerConfig    `toml:"server"`
}

// SchedulerConfig tunes the processing loop.
type SchedulerConfig struct {
	// PollInterval bounds how long the loop sleeps with no filesystem
	// wakeup before rescanning the queue.
	PollInterval Duration `toml:"poll_interval"`
	// ConflictCheckTimeout caps a single merge simulation.
	ConflictCheckTimeout Duration `toml:"conflict_check_timeout"`
	// StoreLockTimeout caps waiting for the queue store lock.
	StoreLockTimeout Duration `toml:"store_lock_timeout"`
	// IntegrationLockTimeout caps waiting for the integration lock.
	IntegrationLockTimeout Duration `toml:"integration_lock_timeout"`
	// MaxRetries bounds the conflict retry count; a request whose count
	// reaches it is parked for manual resolution.
	MaxRetries int `toml:"max_retries"`
	// BackoffBase is the first conflict retry delay; each further retry
	// doubles it.
	BackoffBase Duration `toml:"backoff_base"`
	// IndeterminateDelay is the fixed requeue delay after a check that
	// could not produce a verdict.
	IndeterminateDelay Duration `toml:"indeterminate_delay"`
	// RetentionWindow is how long terminal requests are kept before
	// cleanup removes them.
	RetentionWindow Duration `toml:"retention_window"`
}

// StoreConfig selects the queue store backend.
type StoreConfig struct {
	// Backend is "file" or "postgres".
	Backend string `toml:"backend"`
	// DSN is the postgres connection string; ignored for the file backend.
	DSN string `toml:"dsn"`
}

// ServerConfig configures the optional HTTP API.
type ServerConfig struct {
	// Addr is the listen address, e.g. "localhost:7420". Empty disables
	// the server.
	Addr string `toml:"addr"`
}

// Default returns the configuration used when config.toml is absent or
// fields are unset.
func Default() *Config {
	return &Config{
		RepoPath:        ".",
		Remote:          "origin",
		TargetBranch:    "main",
		DefaultStrategy: "merge_commit",
		Scheduler: SchedulerConfig{
			PollInterval:           Duration(2 * time.Second),
			ConflictCheckTimeout:   Duration(10 * time.Second),
			StoreLockTimeout:       Duration(30 * time.Second),
			IntegrationLockTimeout: Duration(5 * time.Minute),
			MaxRetries:             3,
			BackoffBase:            Duration(5 * time.Second),
			IndeterminateDelay:     Duration(2 * time.Second),
			RetentionWindow:        Duration(7 * 24 * time.Hour),
		},
		Store:  StoreConfig{Backend: "file"},
		Server: ServerConfig{Addr: "localhost:7420"},
	}
}

// Load reads path and returns defaults overlaid with whatever the file
// sets. A missing file yields pure defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}

// Validate rejects configurations the scheduler cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "file", "postgres":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("postgres backend requires store.dsn")
	}
	switch c.DefaultStrategy {
	case "merge_commit", "squash", "fast_forward_only":
	default:
		return fmt.Errorf("unknown default_strategy %q", c.DefaultStrategy)
	}
	if c.TargetBranch == "" {
		return fmt.Errorf("target_branch must not be empty")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must not be negative")
	}
	for name, d := range map[string]Duration{
		"scheduler.poll_interval":            c.Scheduler.PollInterval,
		"scheduler.conflict_check_timeout":   c.Scheduler.ConflictCheckTimeout,
		"scheduler.store_lock_timeout":       c.Scheduler.StoreLockTimeout,
		"scheduler.integration_lock_timeout": c.Scheduler.IntegrationLockTimeout,
		"scheduler.backoff_base":             c.Scheduler.BackoffBase,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
