package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// fileConfig mirrors the YAML layout. Durations are strings such as "24h".
type fileConfig struct {
	CacheDir               string `yaml:"cache_dir"`
	MaxCachedRepos         int    `yaml:"max_cached_repos"`
	CleanupInterval        string `yaml:"cleanup_interval"`
	LockTimeout            string `yaml:"lock_timeout"`
	StrictLocking          bool   `yaml:"strict_locking"`
	MaxConcurrentTransfers int    `yaml:"max_concurrent_transfers"`
	StaleTransferAfter     string `yaml:"stale_transfer_after"`
	CloneDepth             int    `yaml:"clone_depth"`
	CredentialsFile        string `yaml:"credentials_file"`

	Server struct {
		Address   string `yaml:"address"`
		AuthToken string `yaml:"auth_token"`
	} `yaml:"server"`

	Metrics struct {
		OTLPEndpoint     string `yaml:"otlp_endpoint"`
		EnablePrometheus bool   `yaml:"enable_prometheus"`
		ExportInterval   string `yaml:"export_interval"`
	} `yaml:"metrics"`
}

// Load reads the YAML file at path over Default and validates the result.
// An empty path returns the validated defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (Config, error) {
	var file fileConfig
	if err := yaml.UnmarshalWithOptions(data, &file, yaml.DisallowUnknownField()); err != nil {
		return Config{}, err
	}
	cfg, err := merge(file, Default())
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// merge overlays loaded values on defaults. Zero values keep the default.
func merge(loaded fileConfig, defaults Config) (Config, error) {
	cleanup, err := parseDuration("cleanup_interval", loaded.CleanupInterval, defaults.CleanupInterval)
	if err != nil {
		return Config{}, err
	}
	lockTimeout, err := parseDuration("lock_timeout", loaded.LockTimeout, defaults.LockTimeout)
	if err != nil {
		return Config{}, err
	}
	stale, err := parseDuration("stale_transfer_after", loaded.StaleTransferAfter, defaults.StaleTransferAfter)
	if err != nil {
		return Config{}, err
	}
	exportInterval, err := parseDuration("metrics.export_interval", loaded.Metrics.ExportInterval, defaults.Metrics.ExportInterval)
	if err != nil {
		return Config{}, err
	}

	return Config{
		CacheDir:               coalesce(loaded.CacheDir, defaults.CacheDir),
		MaxCachedRepos:         coalesce(loaded.MaxCachedRepos, defaults.MaxCachedRepos),
		CleanupInterval:        cleanup,
		LockTimeout:            lockTimeout,
		StrictLocking:          loaded.StrictLocking || defaults.StrictLocking,
		MaxConcurrentTransfers: coalesce(loaded.MaxConcurrentTransfers, defaults.MaxConcurrentTransfers),
		StaleTransferAfter:     stale,
		CloneDepth:             coalesce(loaded.CloneDepth, defaults.CloneDepth),
		CredentialsFile:        coalesce(loaded.CredentialsFile, defaults.CredentialsFile),
		Server: ServerConfig{
			Address:   coalesce(loaded.Server.Address, defaults.Server.Address),
			AuthToken: coalesce(loaded.Server.AuthToken, defaults.Server.AuthToken),
		},
		Metrics: MetricsConfig{
			OTLPEndpoint:     coalesce(loaded.Metrics.OTLPEndpoint, defaults.Metrics.OTLPEndpoint),
			EnablePrometheus: loaded.Metrics.EnablePrometheus || defaults.Metrics.EnablePrometheus,
			ExportInterval:   exportInterval,
		},
	}, nil
}

func coalesce[T comparable](loaded, defaultVal T) T {
	var zero T
	if loaded != zero {
		return loaded
	}
	return defaultVal
}

func parseDuration(field, s string, defaultVal time.Duration) (time.Duration, error) {
	if s == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}
