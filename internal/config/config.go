// Package config holds the workspace-config document: one TOML file per
// the external interfaces section, with one struct per concern.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// Config is the root workspace-config document.
type Config struct {
	API      APIConfig      `toml:"api"`
	Models   ModelsConfig   `toml:"models"`
	Contexts ContextsConfig `toml:"contexts"`
	Runtime  RuntimeConfig  `toml:"runtime"`
	Logging  LoggingConfig  `toml:"logging"`
}

// APIConfig controls the HTTP edge.
type APIConfig struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	MaxConcurrent int    `toml:"max_concurrent"`
	EnableMetrics bool   `toml:"enable_metrics"`
}

// ModelsConfig controls model workspace storage and loading limits.
type ModelsConfig struct {
	Path       string `toml:"path"`
	MaxLoaded  int    `toml:"max_loaded"`
	GPULayers  int    `toml:"gpu_layers"`
	Threads    int    `toml:"threads"`
}

// ContextsConfig controls the L2 context cache: storage root, per-tier
// budgets, tiering thresholds, and defaults.
type ContextsConfig struct {
	Path     string         `toml:"path"`
	Tiers    TiersConfig    `toml:"tiers"`
	Tiering  TieringConfig  `toml:"tiering"`
	Defaults DefaultsConfig `toml:"defaults"`
}

// TiersConfig sets the per-tier byte budget and cold-tier compression.
type TiersConfig struct {
	Hot  TierBudget     `toml:"hot"`
	Warm TierBudget     `toml:"warm"`
	Cold ColdTierBudget `toml:"cold"`
}

// TierBudget is a plain per-tier megabyte budget.
type TierBudget struct {
	MaxMB int64 `toml:"max_mb"`
}

// ColdTierBudget additionally names the on-write compression algorithm.
type ColdTierBudget struct {
	MaxMB       int64  `toml:"max_mb"`
	Compression string `toml:"compression"` // "none", "lz4", "zstd"
}

// TieringConfig sets the background promotion/demotion/eviction cadence.
type TieringConfig struct {
	PromoteThresholdAccesses int `toml:"promote_threshold_accesses"`
	DemoteHotToWarmSeconds   int `toml:"demote_hot_to_warm_seconds"`
	DemoteWarmToColdSeconds  int `toml:"demote_warm_to_cold_seconds"`
	EvictColdAfterSeconds    int `toml:"evict_cold_after_seconds"`
}

// DefaultsConfig sets fallback values applied when a request omits them.
type DefaultsConfig struct {
	TTLSeconds int64 `toml:"ttl_seconds"`
}

// RuntimeConfig controls cross-cutting runtime behavior.
type RuntimeConfig struct {
	LockTimeoutMS int `toml:"lock_timeout_ms"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// DefaultConfig returns a sensible default configuration rooted at
// ForgeHome().
func DefaultConfig() Config {
	home := ForgeHome()
	return Config{
		API: APIConfig{
			Host:          "127.0.0.1",
			Port:          8844,
			MaxConcurrent: 8,
			EnableMetrics: false,
		},
		Models: ModelsConfig{
			Path:      filepath.Join(home, "models"),
			MaxLoaded: 2,
			GPULayers: -1, // auto
			Threads:   0,  // auto = runtime.NumCPU()-2
		},
		Contexts: ContextsConfig{
			Path: filepath.Join(home, "contexts"),
			Tiers: TiersConfig{
				Hot:  TierBudget{MaxMB: 4096},
				Warm: TierBudget{MaxMB: 16384},
				Cold: ColdTierBudget{MaxMB: 65536, Compression: "zstd"},
			},
			Tiering: TieringConfig{
				PromoteThresholdAccesses: 3,
				DemoteHotToWarmSeconds:   300,
				DemoteWarmToColdSeconds:  1800,
				EvictColdAfterSeconds:    86400,
			},
			Defaults: DefaultsConfig{TTLSeconds: 3600},
		},
		Runtime: RuntimeConfig{LockTimeoutMS: 5000},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(home, "forge.log"),
		},
	}
}

// LoadConfig reads $FORGE_HOME/config.toml, falling back to defaults when
// absent.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(ForgeHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Models.Threads == 0 {
		cfg.Models.Threads = max(1, runtime.NumCPU()-2)
	}

	return cfg, nil
}

// SaveConfig writes cfg to $FORGE_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(ForgeHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// ForgeHome returns the engine's data directory: $FORGE_HOME if set,
// otherwise ~/.forge.
func ForgeHome() string {
	if env := os.Getenv("FORGE_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".forge")
}
