// Package eviction keeps the number of cached repositories under a bound by
// removing the least recently used entries.
//
// Two policies share the same ordering but differ on failure:
// EvictOrAbort stops at the first failed deletion and reports it, while
// EvictBestEffort logs the failure and moves on to the next candidate.
package eviction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	repocache "github.com/wolfeidau/repo-cache"
	"github.com/wolfeidau/repo-cache/backend"
	"github.com/wolfeidau/repo-cache/metadata"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	policyAbort      = "evict_or_abort"
	policyBestEffort = "evict_best_effort"
)

// Config holds eviction configuration.
type Config struct {
	// MaxCachedRepos is the maximum number of cache entries.
	// Default is 50.
	MaxCachedRepos int

	// CheckInterval is how often the janitor runs CleanupOverflow.
	// Default is 24 hours.
	CheckInterval time.Duration

	// Logger for eviction events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxCachedRepos: 50,
		CheckInterval:  24 * time.Hour,
		Logger:         slog.Default(),
	}
}

// Result contains the results of an eviction pass.
type Result struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Evicted        []string      `json:"evicted"`
	BytesReclaimed int64         `json:"bytes_reclaimed"`
	Remaining      int           `json:"remaining"`
	Errors         []string      `json:"errors,omitempty"`
}

// Manager enforces the capacity bound over the metadata store.
type Manager struct {
	config   Config
	store    *metadata.Store
	trees    backend.TreeBackend
	inFlight func(path string) bool
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMetrics sets the metrics for the manager. A nil meter is ignored.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		if meter == nil {
			return
		}
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create eviction metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}

// WithInFlight excludes paths for which fn reports a live transfer.
func WithInFlight(fn func(path string) bool) ManagerOption {
	return func(m *Manager) {
		m.inFlight = fn
	}
}

// NewManager creates a new eviction manager.
func NewManager(store *metadata.Store, trees backend.TreeBackend, cfg Config, opts ...ManagerOption) *Manager {
	if cfg.MaxCachedRepos <= 0 {
		cfg.MaxCachedRepos = 50
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		config:   cfg,
		store:    store,
		trees:    trees,
		inFlight: func(string) bool { return false },
		logger:   cfg.Logger.With("component", "eviction"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Capacity returns the configured maximum number of entries.
func (m *Manager) Capacity() int {
	return m.config.MaxCachedRepos
}

// PrepareForClone makes room for path inside one reconciled region.
// It reports false with an error wrapping repocache.ErrCapacityEviction
// when room could not be made.
func (m *Manager) PrepareForClone(ctx context.Context, path string) (bool, error) {
	ok := false
	err := m.store.Sync(ctx, func(records metadata.Records) error {
		var err error
		ok, err = m.EvictOrAbort(ctx, records, path)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// EvictOrAbort is the strict policy for callers already inside a region.
// A known path needs no room. Otherwise, at or above capacity, the single
// oldest entry is removed from disk and from records; a failed deletion
// leaves records untouched and aborts.
func (m *Manager) EvictOrAbort(ctx context.Context, records metadata.Records, path string) (bool, error) {
	if _, ok := records[path]; ok {
		return true, nil
	}
	if len(records) < m.config.MaxCachedRepos {
		return true, nil
	}

	candidates := m.candidates(records, path)
	if len(candidates) == 0 {
		m.recordError(ctx, policyAbort)
		return false, fmt.Errorf("%w: every entry has a transfer in flight", repocache.ErrCapacityEviction)
	}

	victim := candidates[0]
	size, err := m.remove(ctx, records, victim)
	if err != nil {
		m.recordError(ctx, policyAbort)
		m.logger.Error("failed to evict oldest entry, refusing new clone",
			"victim", victim,
			"requested", path,
			"error", err,
		)
		return false, fmt.Errorf("%w: %s: %w", repocache.ErrCapacityEviction, victim, err)
	}

	m.recordEviction(ctx, policyAbort, size)
	m.logger.Info("evicted least recently used entry",
		"path", victim,
		"reclaimed", humanize.Bytes(uint64(size)),
		"requested", path,
	)
	return true, nil
}

// CleanupOverflow runs EvictBestEffort inside one reconciled region.
func (m *Manager) CleanupOverflow(ctx context.Context) *Result {
	start := m.now()
	result := &Result{StartedAt: start}

	err := m.store.Sync(ctx, func(records metadata.Records) error {
		m.EvictBestEffort(ctx, records, result)
		return nil
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("sync metadata: %v", err))
		m.logger.Error("overflow cleanup failed", "error", err)
	}

	result.Duration = m.now().Sub(start)
	m.recordRun(ctx, result)

	if len(result.Evicted) > 0 || len(result.Errors) > 0 {
		m.logger.Info("overflow cleanup complete",
			"evicted", len(result.Evicted),
			"reclaimed", humanize.Bytes(uint64(result.BytesReclaimed)),
			"remaining", result.Remaining,
			"errors", len(result.Errors),
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("overflow cleanup complete, nothing to evict", "remaining", result.Remaining)
	}
	return result
}

// EvictBestEffort is the lenient policy for callers already inside a region.
// It removes the oldest entries until at or under capacity, skipping any
// whose deletion fails.
func (m *Manager) EvictBestEffort(ctx context.Context, records metadata.Records, result *Result) {
	for _, victim := range m.candidates(records, "") {
		if len(records) <= m.config.MaxCachedRepos {
			break
		}
		size, err := m.remove(ctx, records, victim)
		if err != nil {
			m.recordError(ctx, policyBestEffort)
			m.logger.Warn("failed to evict entry, continuing", "path", victim, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", victim, err))
			continue
		}
		m.recordEviction(ctx, policyBestEffort, size)
		result.Evicted = append(result.Evicted, victim)
		result.BytesReclaimed += size
	}
	result.Remaining = len(records)
}

// candidates returns evictable paths ordered oldest first, ties broken by
// path. skip and paths with a live transfer are left out.
func (m *Manager) candidates(records metadata.Records, skip string) []string {
	paths := make([]string, 0, len(records))
	for p := range records {
		if p == skip || m.inFlight(p) {
			continue
		}
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		a, b := records[paths[i]].LastAccess, records[paths[j]].LastAccess
		if !a.Equal(b) {
			return a.Before(b)
		}
		return paths[i] < paths[j]
	})
	return paths
}

// remove deletes the tree and then the record, so the two never diverge.
func (m *Manager) remove(ctx context.Context, records metadata.Records, path string) (int64, error) {
	size, err := m.trees.TreeSize(ctx, path)
	if err != nil {
		size = 0
	}
	if err := m.trees.RemoveTree(ctx, path); err != nil {
		return 0, err
	}
	delete(records, path)
	return size, nil
}

// Start begins background overflow cleanup.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop stops background cleanup and waits for an in-progress run.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	m.CleanupOverflow(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CleanupOverflow(ctx)
		}
	}
}

func (m *Manager) recordEviction(ctx context.Context, policy string, size int64) {
	if m.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("policy", policy))
	m.metrics.evictionsTotal.Add(ctx, 1, attrs)
	m.metrics.bytesReclaimed.Add(ctx, size, attrs)
}

func (m *Manager) recordError(ctx context.Context, policy string) {
	if m.metrics == nil {
		return
	}
	m.metrics.errorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("policy", policy)))
}

func (m *Manager) recordRun(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}
	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))
}
