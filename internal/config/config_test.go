package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PoolSize != 3 {
		t.Fatalf("PoolSize = %d, want 3", cfg.PoolSize)
	}
	if cfg.SandboxNamespace != DefaultSandboxNamespace {
		t.Fatalf("SandboxNamespace = %q", cfg.SandboxNamespace)
	}
	if !cfg.EphemeralDependencies {
		t.Fatalf("EphemeralDependencies should default to true")
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandboxd.yaml")
	content := []byte("pool_size: 7\nbase_image: registry.test/base:1\nreclaim_interval: 45s\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	t.Setenv("SANDBOXD_CONFIG", path)
	t.Setenv("POOL_SIZE", "5")
	t.Setenv("MAX_LEASE_DURATION", "3h")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PoolSize != 5 {
		t.Fatalf("env should override yaml: PoolSize = %d, want 5", cfg.PoolSize)
	}
	if cfg.BaseImage != "registry.test/base:1" {
		t.Fatalf("BaseImage = %q", cfg.BaseImage)
	}
	if cfg.ReclaimInterval != 45*time.Second {
		t.Fatalf("ReclaimInterval = %s", cfg.ReclaimInterval)
	}
	if cfg.MaxLeaseDuration != 3*time.Hour {
		t.Fatalf("MaxLeaseDuration = %s", cfg.MaxLeaseDuration)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestValidateRejectsBadPool(t *testing.T) {
	cfg := Default()
	cfg.PoolSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() should reject pool_size=0")
	}

	cfg = Default()
	cfg.MaxLeaseDuration = time.Minute
	cfg.DefaultLeaseTTL = time.Hour
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() should reject max_lease_duration below default ttl")
	}
}
