// Copyright 2025 SnapVault Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the single typed configuration struct for snapvault.
// The config is loaded once at startup and passed by reference; there is no
// dynamically keyed settings map.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DedupMethod selects the deduplication strategy.
const (
	MethodFile  = "file"
	MethodBlock = "block"
)

// DedupConfig configures the deduplication engine.
type DedupConfig struct {
	// Directory is the dedup root holding blocks/, maps/ and the index.
	Directory string `yaml:"directory"`
	// Method is "file" or "block" (default: "file").
	Method string `yaml:"method"`
	// BlockSize is the fixed block size in bytes for block mode (default: 4096).
	BlockSize int `yaml:"block_size"`
	// Exclude lists gitignore-style patterns skipped by dedup walks.
	Exclude []string `yaml:"exclude"`
}

// SchedulerConfig configures the idle scheduler thresholds.
type SchedulerConfig struct {
	CPUThreshold    float64 `yaml:"cpu_threshold"`     // percent (default: 30)
	MemoryThreshold float64 `yaml:"memory_threshold"`  // percent (default: 70)
	QuietHoursStart string  `yaml:"quiet_hours_start"` // "HH:MM" (default: "22:00")
	QuietHoursEnd   string  `yaml:"quiet_hours_end"`   // "HH:MM" (default: "06:00")
	PollSeconds     int     `yaml:"poll_seconds"`      // idle re-check interval (default: 5)
}

// WorkerConfig configures the bounded worker pool and I/O pacing.
type WorkerConfig struct {
	// MaxWorkers bounds the pool; 0 means NumCPU-1 (minimum 1).
	MaxWorkers int `yaml:"max_workers"`
	// TaskTimeoutSeconds is the optional per-task timeout; 0 disables it.
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
	// IORateMBps caps throttled copies in MB/s; 0 disables pacing.
	IORateMBps float64 `yaml:"io_rate_mbps"`
}

// Config is the root configuration.
type Config struct {
	// SnapshotDirectory is where backends materialize snapshots.
	SnapshotDirectory string `yaml:"snapshot_directory"`
	// MaxSnapshots is the retention ceiling per backend kind for cleanup.
	MaxSnapshots int `yaml:"max_snapshots"`

	Dedup     DedupConfig     `yaml:"dedup"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// ConfigDir returns the snapvault config directory.
// Uses SNAPVAULT_CONFIG_DIR if set, otherwise ~/.snapvault.
// Computed dynamically to support test isolation.
func ConfigDir() string {
	if dir := os.Getenv("SNAPVAULT_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".snapvault")
}

// CatalogPath returns the snapshot catalog database path.
func CatalogPath() string {
	return filepath.Join(ConfigDir(), "catalog.db")
}

// ConfigPath returns the config file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	return os.MkdirAll(ConfigDir(), 0700)
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.SnapshotDirectory == "" {
		cfg.SnapshotDirectory = filepath.Join(ConfigDir(), "snapshots")
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = 10
	}
	if cfg.Dedup.Directory == "" {
		cfg.Dedup.Directory = filepath.Join(ConfigDir(), "dedup")
	}
	if cfg.Dedup.Method == "" {
		cfg.Dedup.Method = MethodFile
	}
	if cfg.Dedup.BlockSize <= 0 {
		cfg.Dedup.BlockSize = 4096
	}
	if cfg.Scheduler.CPUThreshold <= 0 {
		cfg.Scheduler.CPUThreshold = 30
	}
	if cfg.Scheduler.MemoryThreshold <= 0 {
		cfg.Scheduler.MemoryThreshold = 70
	}
	if cfg.Scheduler.QuietHoursStart == "" {
		cfg.Scheduler.QuietHoursStart = "22:00"
	}
	if cfg.Scheduler.QuietHoursEnd == "" {
		cfg.Scheduler.QuietHoursEnd = "06:00"
	}
	if cfg.Scheduler.PollSeconds <= 0 {
		cfg.Scheduler.PollSeconds = 5
	}
}

// Validate rejects values the rest of the system cannot honor.
func (cfg *Config) Validate() error {
	if cfg.Dedup.Method != MethodFile && cfg.Dedup.Method != MethodBlock {
		return fmt.Errorf("unknown deduplication method %q", cfg.Dedup.Method)
	}
	for _, hhmm := range []string{cfg.Scheduler.QuietHoursStart, cfg.Scheduler.QuietHoursEnd} {
		if !validHHMM(hhmm) {
			return fmt.Errorf("invalid quiet hours time %q (want HH:MM)", hhmm)
		}
	}
	return nil
}

func validHHMM(s string) bool {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) != 2 {
		return false
	}
	toInt := func(p string) int {
		n := 0
		for _, r := range p {
			if r < '0' || r > '9' {
				return -1
			}
			n = n*10 + int(r-'0')
		}
		return n
	}
	h, m := toInt(parts[0]), toInt(parts[1])
	return h >= 0 && h <= 23 && m >= 0 && m <= 59
}

// Load reads the config file from the config directory, applying defaults.
// A missing file yields the default configuration.
func Load() (*Config, error) {
	return LoadFromPath(ConfigPath())
}

// LoadFromPath reads a config file from a specific path, applying defaults.
// A missing file yields the default configuration.
func LoadFromPath(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyDefaults()
			return &cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to the config directory.
func Save(cfg *Config) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	header := []byte("# SnapVault settings\n# See: snapvault --help\n\n")
	return os.WriteFile(ConfigPath(), append(header, data...), 0600)
}
