// Package config holds the settings threaded into every component
// constructor, loaded from an optional YAML file over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// AppName names the default cache directory.
const AppName = "repo-cache"

// Config is the full service configuration.
type Config struct {
	// CacheDir is the root of all cache entries and the metadata document.
	CacheDir string

	// MaxCachedRepos bounds the number of cache entries.
	MaxCachedRepos int

	// CleanupInterval is how often the janitor trims overflow.
	CleanupInterval time.Duration

	// LockTimeout bounds the wait for the metadata lock.
	LockTimeout time.Duration

	// StrictLocking fails mutations on lock timeout instead of proceeding.
	StrictLocking bool

	// MaxConcurrentTransfers bounds background clones, copies and pulls.
	MaxConcurrentTransfers int

	// StaleTransferAfter is when a persisted transfer with no live task is
	// considered abandoned.
	StaleTransferAfter time.Duration

	// CloneDepth limits clone history. Zero clones everything.
	CloneDepth int

	// CredentialsFile is an optional credentials template.
	CredentialsFile string

	Server  ServerConfig
	Metrics MetricsConfig
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Address   string
	AuthToken string
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	OTLPEndpoint     string
	EnablePrometheus bool
	ExportInterval   time.Duration
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		CacheDir:               defaultCacheDir(),
		MaxCachedRepos:         50,
		CleanupInterval:        24 * time.Hour,
		LockTimeout:            50 * time.Millisecond,
		MaxConcurrentTransfers: 4,
		StaleTransferAfter:     30 * time.Minute,
		Server: ServerConfig{
			Address: "localhost:8080",
		},
		Metrics: MetricsConfig{
			ExportInterval: 60 * time.Second,
		},
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, AppName)
	}
	return filepath.Join(os.TempDir(), AppName)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.CacheDir) == "" {
		errs = append(errs, errors.New("cache_dir is required"))
	}
	if c.MaxCachedRepos < 1 {
		errs = append(errs, fmt.Errorf("max_cached_repos must be at least 1, got %d", c.MaxCachedRepos))
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("cleanup_interval must be positive, got %s", c.CleanupInterval))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("lock_timeout must be positive, got %s", c.LockTimeout))
	}
	if c.MaxConcurrentTransfers < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_transfers must be at least 1, got %d", c.MaxConcurrentTransfers))
	}
	if c.StaleTransferAfter <= 0 {
		errs = append(errs, fmt.Errorf("stale_transfer_after must be positive, got %s", c.StaleTransferAfter))
	}
	if c.CloneDepth < 0 {
		errs = append(errs, fmt.Errorf("clone_depth must not be negative, got %d", c.CloneDepth))
	}
	return errors.Join(errs...)
}

// ExpandCacheDir returns CacheDir with a leading ~ expanded and made absolute.
func (c Config) ExpandCacheDir() (string, error) {
	dir := c.CacheDir
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expanding cache_dir: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving cache_dir: %w", err)
	}
	return abs, nil
}
