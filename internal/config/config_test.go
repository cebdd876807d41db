package config

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.Models.MaxLoaded != 2 {
		t.Errorf("Models.MaxLoaded = %d, want %d", cfg.Models.MaxLoaded, 2)
	}
	if cfg.Contexts.Tiers.Cold.Compression != "zstd" {
		t.Errorf("Contexts.Tiers.Cold.Compression = %q, want %q", cfg.Contexts.Tiers.Cold.Compression, "zstd")
	}
	if cfg.Runtime.LockTimeoutMS != 5000 {
		t.Errorf("Runtime.LockTimeoutMS = %d, want %d", cfg.Runtime.LockTimeoutMS, 5000)
	}
}

func TestLoadConfigMissingFallsBackToDefault(t *testing.T) {
	t.Setenv("FORGE_HOME", t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Models.MaxLoaded != DefaultConfig().Models.MaxLoaded {
		t.Errorf("expected default MaxLoaded when no config file present")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	t.Setenv("FORGE_HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.Models.MaxLoaded = 7
	cfg.Contexts.Tiers.Hot.MaxMB = 1234

	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Models.MaxLoaded != 7 {
		t.Errorf("Models.MaxLoaded = %d, want 7", loaded.Models.MaxLoaded)
	}
	if loaded.Contexts.Tiers.Hot.MaxMB != 1234 {
		t.Errorf("Contexts.Tiers.Hot.MaxMB = %d, want 1234", loaded.Contexts.Tiers.Hot.MaxMB)
	}
}
