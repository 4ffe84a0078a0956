// Package config loads the in-memory mirror of the engine's configuration:
// the device list, tiers, write points, and the tunables the control
// surface's attribute tree edits at runtime.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CacheMode selects how cached-device writes are handled by the router.
type CacheMode string

const (
	ModeWriteback    CacheMode = "writeback"
	ModeWritethrough CacheMode = "writethrough"
	ModeWritearound  CacheMode = "writearound"
	ModeNone         CacheMode = "none"
)

// ReplacementPolicy selects the allocator's reclaim candidate order.
type ReplacementPolicy string

const (
	ReplacementLRU    ReplacementPolicy = "lru"
	ReplacementFIFO   ReplacementPolicy = "fifo"
	ReplacementRandom ReplacementPolicy = "random"
)

// Device describes one registered backing device.
type Device struct {
	Path         string            `yaml:"path"`
	Tier         int               `yaml:"tier"`
	BucketSize   uint32            `yaml:"bucket_size_sectors"`
	Discard      bool              `yaml:"discard"`
	Replacement  ReplacementPolicy `yaml:"replacement"`
	ChecksumType string            `yaml:"checksum_type"`
}

// WritePoint describes one named allocation context.
type WritePoint struct {
	Name             string `yaml:"name"`
	Group            string `yaml:"group,omitempty"`
	ThrottleOnTier0  bool   `yaml:"throttle_on_tier0_full"`
}

// Config is the engine's full runtime configuration.
type Config struct {
	Label             string        `yaml:"label"`
	CacheMode         CacheMode     `yaml:"cache_mode"`
	SequentialCutoff  uint64        `yaml:"sequential_cutoff_sectors"`
	CongestionReadMS  int           `yaml:"congested_read_ms"`
	CongestionWriteMS int           `yaml:"congested_write_ms"`
	WritebackPercent  int           `yaml:"writeback_percent"`
	VerifyMode        bool          `yaml:"verify_mode"`
	TortureTest       bool          `yaml:"torture_test"`
	Devices           []Device      `yaml:"devices"`
	WritePoints       []WritePoint  `yaml:"write_points"`
	RequiredReplicas  int           `yaml:"required_replicas"`
	Replicas          int           `yaml:"replicas"`
	ControlSocket     string        `yaml:"control_socket"`
	JournalPath       string        `yaml:"journal_path"`
	JournalSectors    uint64        `yaml:"journal_sectors"`
}

// Default returns the configuration the teacher's own examples use for
// their zero-flag binaries: sane defaults, no devices.
func Default() Config {
	return Config{
		CacheMode:         ModeWriteback,
		SequentialCutoff:  256 << 10 >> 9, // 256KiB in sectors
		CongestionReadMS:  20,
		CongestionWriteMS: 20,
		WritebackPercent:  10,
		RequiredReplicas:  1,
		Replicas:          1,
		ControlSocket:     "/run/bcached.sock",
		JournalPath:       "/var/lib/bcached/journal",
		JournalSectors:    1 << 16, // 32MiB at 512B sectors
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config.Load: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config.Load: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the engine assumes hold.
func (c Config) Validate() error {
	if c.Replicas <= 0 {
		return fmt.Errorf("config: replicas must be >= 1")
	}
	if c.RequiredReplicas > c.Replicas {
		return fmt.Errorf("config: required_replicas (%d) exceeds replicas (%d)", c.RequiredReplicas, c.Replicas)
	}
	if c.JournalSectors == 0 {
		return fmt.Errorf("config: journal_sectors must be > 0")
	}
	for i, d := range c.Devices {
		if d.BucketSize == 0 || d.BucketSize&(d.BucketSize-1) != 0 {
			return fmt.Errorf("config: devices[%d] (%s): bucket size must be a power of two sectors", i, d.Path)
		}
	}
	return nil
}
