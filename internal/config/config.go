package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultSandboxNamespace = "sandboxd"

	envConfigFile = "SANDBOXD_CONFIG"
)

// Config holds the configuration for the sandbox manager.
type Config struct {
	// Port is the port the API server listens on.
	Port string `yaml:"port"`
	// DataDir is where the SQLite database lives.
	DataDir string `yaml:"data_dir"`
	// KubeconfigPath is the path to the kubeconfig file; empty means in-cluster.
	KubeconfigPath string `yaml:"kubeconfig"`
	// SandboxNamespace is the namespace sandbox pods run in.
	SandboxNamespace string `yaml:"sandbox_namespace"`

	// BaseImage is the fixed image every sandbox starts from.
	BaseImage string `yaml:"base_image"`
	// PinImageDigest resolves BaseImage to an immutable digest at startup.
	PinImageDigest bool `yaml:"pin_image_digest"`
	// CPU and Memory are the pod resource limits.
	CPU    string `yaml:"cpu"`
	Memory string `yaml:"memory"`
	// EphemeralDependencies marks that packages installed during a run are
	// discarded with the sandbox. Kept as a switch so a prebuilt-image or
	// cache layer can be substituted later without touching lease/run APIs.
	EphemeralDependencies bool `yaml:"ephemeral_dependencies"`

	// PoolSize is the target number of idle sandboxes.
	PoolSize int `yaml:"pool_size"`
	// MaxConcurrentCreates bounds parallel pod creations during warming.
	MaxConcurrentCreates int `yaml:"max_concurrent_creates"`
	// CreateTimeout bounds a single sandbox creation, readiness included.
	CreateTimeout time.Duration `yaml:"create_timeout"`
	// DestroyGracePeriod is how long teardown waits before the hard kill.
	DestroyGracePeriod time.Duration `yaml:"destroy_grace_period"`

	// DefaultLeaseTTL applies when a caller does not send ttlSeconds.
	DefaultLeaseTTL time.Duration `yaml:"default_lease_ttl"`
	// MaxLeaseDuration caps total lease lifetime regardless of heartbeats.
	MaxLeaseDuration time.Duration `yaml:"max_lease_duration"`

	// DefaultExecTimeout and MaxExecTimeout bound workflow execution.
	DefaultExecTimeout time.Duration `yaml:"default_exec_timeout"`
	MaxExecTimeout     time.Duration `yaml:"max_exec_timeout"`

	// ReclaimInterval is the sweep period of the reclaimer.
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	// OrphanGraceMultiple: sandboxes stuck in running/destroying longer than
	// this multiple of MaxExecTimeout are force-destroyed.
	OrphanGraceMultiple int `yaml:"orphan_grace_multiple"`
	// HistoryRetention is how long terminal lease/run/reclaim rows are kept.
	HistoryRetention time.Duration `yaml:"history_retention"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// NATSURL enables lifecycle event publishing when set.
	NATSURL string `yaml:"nats_url"`
	// EventSubjectPrefix prefixes published subjects (default "sandboxd").
	EventSubjectPrefix string `yaml:"event_subject_prefix"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogFormat is json or text.
	LogFormat string `yaml:"log_format"`
	// LogFile adds a rotated file copy of the log when set; stdout is
	// always written.
	LogFile string `yaml:"log_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:                  "8080",
		DataDir:               "./data",
		SandboxNamespace:      DefaultSandboxNamespace,
		BaseImage:             "python:3.12-slim",
		PinImageDigest:        true,
		CPU:                   "500m",
		Memory:                "512Mi",
		EphemeralDependencies: true,
		PoolSize:              3,
		MaxConcurrentCreates:  2,
		CreateTimeout:         5 * time.Minute,
		DestroyGracePeriod:    10 * time.Second,
		DefaultLeaseTTL:       10 * time.Minute,
		MaxLeaseDuration:      2 * time.Hour,
		DefaultExecTimeout:    5 * time.Minute,
		MaxExecTimeout:        30 * time.Minute,
		ReclaimInterval:       30 * time.Second,
		OrphanGraceMultiple:   2,
		HistoryRetention:      7 * 24 * time.Hour,
		ShutdownTimeout:       30 * time.Second,
		EventSubjectPrefix:    "sandboxd",
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

// Load builds the configuration from the optional YAML file pointed to by
// SANDBOXD_CONFIG, then applies environment variable overrides on top.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.DataDir, "DATA_DIR")
	setString(&cfg.KubeconfigPath, "KUBECONFIG")
	setString(&cfg.SandboxNamespace, "SANDBOX_NAMESPACE")
	setString(&cfg.BaseImage, "SANDBOX_BASE_IMAGE")
	setString(&cfg.CPU, "SANDBOX_CPU")
	setString(&cfg.Memory, "SANDBOX_MEMORY")
	setString(&cfg.NATSURL, "NATS_URL")
	setString(&cfg.EventSubjectPrefix, "EVENT_SUBJECT_PREFIX")
	setInt(&cfg.PoolSize, "POOL_SIZE")
	setInt(&cfg.MaxConcurrentCreates, "MAX_CONCURRENT_CREATES")
	setInt(&cfg.OrphanGraceMultiple, "ORPHAN_GRACE_MULTIPLE")
	setBool(&cfg.PinImageDigest, "PIN_IMAGE_DIGEST")
	setBool(&cfg.EphemeralDependencies, "EPHEMERAL_DEPENDENCIES")
	setDuration(&cfg.CreateTimeout, "CREATE_TIMEOUT")
	setDuration(&cfg.DestroyGracePeriod, "DESTROY_GRACE_PERIOD")
	setDuration(&cfg.DefaultLeaseTTL, "DEFAULT_LEASE_TTL")
	setDuration(&cfg.MaxLeaseDuration, "MAX_LEASE_DURATION")
	setDuration(&cfg.DefaultExecTimeout, "DEFAULT_EXEC_TIMEOUT")
	setDuration(&cfg.MaxExecTimeout, "MAX_EXEC_TIMEOUT")
	setDuration(&cfg.ReclaimInterval, "RECLAIM_INTERVAL")
	setDuration(&cfg.HistoryRetention, "HISTORY_RETENTION")
	setDuration(&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.LogFile, "LOG_FILE")
}

// Validate rejects configurations the pool or reclaimer cannot run with.
func (c *Config) Validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.MaxConcurrentCreates <= 0 {
		return fmt.Errorf("max_concurrent_creates must be positive, got %d", c.MaxConcurrentCreates)
	}
	if c.BaseImage == "" {
		return fmt.Errorf("base_image is required")
	}
	if c.ReclaimInterval <= 0 {
		return fmt.Errorf("reclaim_interval must be positive")
	}
	if c.MaxLeaseDuration < c.DefaultLeaseTTL {
		return fmt.Errorf("max_lease_duration %s is below default_lease_ttl %s", c.MaxLeaseDuration, c.DefaultLeaseTTL)
	}
	if c.OrphanGraceMultiple < 1 {
		return fmt.Errorf("orphan_grace_multiple must be at least 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = parsed
		}
	}
}
