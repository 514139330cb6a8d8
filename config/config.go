// Package config provides configuration loading and management for approvald.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the complete approvald configuration.
type Config struct {
	Stores    StoreConfig     `yaml:"stores"`
	Placement PlacementConfig `yaml:"placement"`
	Identity  IdentityConfig  `yaml:"identity"`
	Events    EventsConfig    `yaml:"events"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// StoreConfig configures the shared document stores.
type StoreConfig struct {
	// NetworkRoot is the base for shared stores (queue, archives,
	// notifications, uploads, metadata).
	NetworkRoot string `yaml:"network_root"`
	// LocalFallbackRoot is used when NetworkRoot is unreachable.
	LocalFallbackRoot string `yaml:"local_fallback_root"`
	// ArchiveCap bounds each terminal archive (default: 1000).
	ArchiveCap int `yaml:"archive_cap"`
	// ProbeCacheSeconds is how long a reachability probe result is reused
	// (default: 30).
	ProbeCacheSeconds int `yaml:"probe_cache_seconds"`
	// AllowDegradedWrites permits state-changing operations against the
	// local fallback when the network root is unreachable (default: false).
	AllowDegradedWrites bool `yaml:"allow_degraded_writes"`
}

// PlacementConfig configures final delivery of approved artifacts.
type PlacementConfig struct {
	// ProjectRoot is the base for final delivery; separately configurable
	// from the document stores.
	ProjectRoot string `yaml:"project_root"`
	// StagingRoot holds artifacts when direct placement is denied.
	StagingRoot string `yaml:"staging_root"`
	// RetryIntervalSeconds is the sweep interval for the placement
	// retrier (default: 60).
	RetryIntervalSeconds int `yaml:"retry_interval_seconds"`
}

// IdentityConfig configures the identity provider.
type IdentityConfig struct {
	// Source is the path or connection string passed to the provider
	// (for the file provider, the users.json path).
	Source string `yaml:"source"`
}

// EventsConfig configures the transition event sink.
type EventsConfig struct {
	// NATSURL enables NATS event publishing when non-empty.
	NATSURL string `yaml:"nats_url"`
	// SubjectPrefix is prepended to event subjects (default: "approvals").
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig configures Prometheus exposure.
type MetricsConfig struct {
	// ListenAddr enables the /metrics endpoint when non-empty
	// (e.g. ":9090").
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Stores: StoreConfig{
			NetworkRoot:       defaultNetworkRoot(),
			LocalFallbackRoot: filepath.Join("data", "local"),
			ArchiveCap:        1000,
			ProbeCacheSeconds: 30,
		},
		Placement: PlacementConfig{
			RetryIntervalSeconds: 60,
		},
		Events: EventsConfig{
			SubjectPrefix: "approvals",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Stores.NetworkRoot == "" {
		return fmt.Errorf("stores.network_root is required")
	}
	if c.Stores.LocalFallbackRoot == "" {
		return fmt.Errorf("stores.local_fallback_root is required")
	}
	if c.Stores.ArchiveCap <= 0 {
		return fmt.Errorf("stores.archive_cap must be positive")
	}
	if c.Stores.ProbeCacheSeconds < 0 {
		return fmt.Errorf("stores.probe_cache_seconds must not be negative")
	}
	if c.Placement.RetryIntervalSeconds <= 0 {
		return fmt.Errorf("placement.retry_interval_seconds must be positive")
	}
	return nil
}

// Merge overlays non-zero fields from other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Stores.NetworkRoot != "" {
		c.Stores.NetworkRoot = other.Stores.NetworkRoot
	}
	if other.Stores.LocalFallbackRoot != "" {
		c.Stores.LocalFallbackRoot = other.Stores.LocalFallbackRoot
	}
	if other.Stores.ArchiveCap != 0 {
		c.Stores.ArchiveCap = other.Stores.ArchiveCap
	}
	if other.Stores.ProbeCacheSeconds != 0 {
		c.Stores.ProbeCacheSeconds = other.Stores.ProbeCacheSeconds
	}
	if other.Stores.AllowDegradedWrites {
		c.Stores.AllowDegradedWrites = true
	}
	if other.Placement.ProjectRoot != "" {
		c.Placement.ProjectRoot = other.Placement.ProjectRoot
	}
	if other.Placement.StagingRoot != "" {
		c.Placement.StagingRoot = other.Placement.StagingRoot
	}
	if other.Placement.RetryIntervalSeconds != 0 {
		c.Placement.RetryIntervalSeconds = other.Placement.RetryIntervalSeconds
	}
	if other.Identity.Source != "" {
		c.Identity.Source = other.Identity.Source
	}
	if other.Events.NATSURL != "" {
		c.Events.NATSURL = other.Events.NATSURL
	}
	if other.Events.SubjectPrefix != "" {
		c.Events.SubjectPrefix = other.Events.SubjectPrefix
	}
	if other.Metrics.ListenAddr != "" {
		c.Metrics.ListenAddr = other.Metrics.ListenAddr
	}
}

// ProjectRootOrDefault returns the configured project root, defaulting to
// a PROJECTS directory under the network root.
func (c *Config) ProjectRootOrDefault() string {
	if c.Placement.ProjectRoot != "" {
		return c.Placement.ProjectRoot
	}
	return filepath.Join(c.Stores.NetworkRoot, "PROJECTS")
}

// StagingRootOrDefault returns the configured staging root, defaulting to
// a staging directory under the network root.
func (c *Config) StagingRootOrDefault() string {
	if c.Placement.StagingRoot != "" {
		return c.Placement.StagingRoot
	}
	return filepath.Join(c.Stores.NetworkRoot, "staging")
}

// IdentitySourceOrDefault returns the identity source, defaulting to
// users.json under the network root.
func (c *Config) IdentitySourceOrDefault() string {
	if c.Identity.Source != "" {
		return c.Identity.Source
	}
	return filepath.Join(c.Stores.NetworkRoot, "users.json")
}

func defaultNetworkRoot() string {
	// Windows deployments reach the shared store over UNC; elsewhere it is
	// expected to be a mounted share.
	if os.PathSeparator == '\\' {
		return `\\FILER\Shared\data`
	}
	return "/mnt/shared/data"
}
