// Package config loads the worker's static defaults: the zfs(8) binary
// path, the migration snapshot prefix, socket timeouts, and the control
// listener bind host. Everything has a sensible built-in default and may
// be overridden by an optional YAML file layered on top.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the worker's static, non-behavioral defaults.
type Config struct {
	// ZFSPath is the path to the zfs(8) binary invoked by internal/storagecli.
	ZFSPath string `yaml:"zfs_path"`

	// SnapshotPrefix is the migration snapshot short-name prefix
	// ("vm-migration-" by default). It is validated but not read by the
	// pipeline, which always uses task.SnapshotPrefix.
	SnapshotPrefix string `yaml:"snapshot_prefix,omitempty"`

	// ControlListenHost is the local management interface the control
	// server binds to. Empty means "resolve at bootstrap."
	ControlListenHost string `yaml:"control_listen_host,omitempty"`

	// LinkIdleTimeout bounds how long the receiver-link tolerates a silent
	// socket before treating it as failed.
	LinkIdleTimeout time.Duration `yaml:"link_idle_timeout,omitempty"`

	// SnapshotCreateTimeout bounds a single `zfs snapshot` invocation.
	SnapshotCreateTimeout time.Duration `yaml:"snapshot_create_timeout,omitempty"`

	// EstimateTimeout bounds a single dry-run size estimate.
	EstimateTimeout time.Duration `yaml:"estimate_timeout,omitempty"`

	// ProgressTickInterval is how often the progress watcher re-evaluates
	// whether to broadcast.
	ProgressTickInterval time.Duration `yaml:"progress_tick_interval,omitempty"`

	// StreamSampleInterval is how often the stream stage refreshes
	// currentProgress from bytes written.
	StreamSampleInterval time.Duration `yaml:"stream_sample_interval,omitempty"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		ZFSPath:               "/usr/sbin/zfs",
		SnapshotPrefix:        "vm-migration-",
		LinkIdleTimeout:       5 * time.Minute,
		SnapshotCreateTimeout: 15 * time.Minute,
		EstimateTimeout:       5 * time.Minute,
		ProgressTickInterval:  1 * time.Second,
		StreamSampleInterval:  495 * time.Millisecond,
	}
}

// Load reads an optional YAML config file and layers it over Default().
// A missing file is not an error: the defaults are used as-is.
func Load(filename string) (Config, error) {
	cfg := Default()
	if filename == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", filename, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks invariants on the loaded config.
func (c Config) Validate() error {
	if c.ZFSPath == "" {
		return fmt.Errorf("zfs_path is required")
	}
	if c.SnapshotPrefix == "" {
		return fmt.Errorf("snapshot_prefix is required")
	}
	if c.LinkIdleTimeout <= 0 {
		return fmt.Errorf("link_idle_timeout must be positive")
	}
	if c.SnapshotCreateTimeout <= 0 {
		return fmt.Errorf("snapshot_create_timeout must be positive")
	}
	if c.EstimateTimeout <= 0 {
		return fmt.Errorf("estimate_timeout must be positive")
	}
	if c.ProgressTickInterval <= 0 {
		return fmt.Errorf("progress_tick_interval must be positive")
	}
	if c.StreamSampleInterval <= 0 {
		return fmt.Errorf("stream_sample_interval must be positive")
	}
	return nil
}
