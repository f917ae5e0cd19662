// Package manager is the facade over the repository cache. It parses and
// validates caller input, then delegates to the orchestrator, the metadata
// store and the eviction manager.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	repocache "github.com/wolfeidau/repo-cache"
	"github.com/wolfeidau/repo-cache/backend"
	"github.com/wolfeidau/repo-cache/cachepath"
	"github.com/wolfeidau/repo-cache/config"
	"github.com/wolfeidau/repo-cache/eviction"
	"github.com/wolfeidau/repo-cache/lock"
	"github.com/wolfeidau/repo-cache/metadata"
	"github.com/wolfeidau/repo-cache/orchestrator"
	"github.com/wolfeidau/repo-cache/telemetry"
	"github.com/wolfeidau/repo-cache/vcs"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// Manager answers repository cache requests.
type Manager struct {
	resolver  *cachepath.Resolver
	store     *metadata.Store
	evictor   *eviction.Manager
	orch      *orchestrator.Orchestrator
	transport vcs.Transport
	remote    singleflight.Group
	logger    *slog.Logger
}

type options struct {
	logger  *slog.Logger
	builder orchestrator.MapBuilder
	meter   metric.Meter
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMapBuilder sets the hook notified after successful transfers.
func WithMapBuilder(b orchestrator.MapBuilder) Option {
	return func(o *options) {
		o.builder = b
	}
}

// WithMeter enables eviction metrics.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) {
		o.meter = meter
	}
}

// WithClock overrides the metadata clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New wires the cache rooted at cfg.CacheDir.
func New(cfg config.Config, transport vcs.Transport, opts ...Option) (*Manager, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	root, err := cfg.ExpandCacheDir()
	if err != nil {
		return nil, err
	}
	resolver, err := cachepath.New(root)
	if err != nil {
		return nil, fmt.Errorf("creating path resolver: %w", err)
	}
	fsys, err := backend.NewFilesystem(root)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	trees := backend.NewInstrumentedBackend(fsys, "filesystem")

	locker, err := lock.NewFileLocker(root, lock.Config{
		Timeout: cfg.LockTimeout,
		Strict:  cfg.StrictLocking,
		Logger:  o.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating cache lock: %w", err)
	}

	storeOpts := []metadata.Option{metadata.WithLogger(o.logger)}
	if o.now != nil {
		storeOpts = append(storeOpts, metadata.WithClock(o.now))
	}
	store := metadata.NewStore(trees, resolver, locker, storeOpts...)

	tracker := orchestrator.NewTracker()
	evictor := eviction.NewManager(store, trees, eviction.Config{
		MaxCachedRepos: cfg.MaxCachedRepos,
		CheckInterval:  cfg.CleanupInterval,
		Logger:         o.logger,
	}, eviction.WithMetrics(o.meter), eviction.WithInFlight(tracker.InFlight))

	orchOpts := []orchestrator.Option{orchestrator.WithTracker(tracker)}
	if o.builder != nil {
		orchOpts = append(orchOpts, orchestrator.WithMapBuilder(o.builder))
	}
	orch := orchestrator.New(store, evictor, transport, trees, orchestrator.Config{
		MaxConcurrentTransfers: cfg.MaxConcurrentTransfers,
		StaleTransferAfter:     cfg.StaleTransferAfter,
		Logger:                 o.logger,
	}, orchOpts...)

	return &Manager{
		resolver:  resolver,
		store:     store,
		evictor:   evictor,
		orch:      orch,
		transport: transport,
		logger:    o.logger.With("component", "manager"),
	}, nil
}

// Root returns the cache root.
func (m *Manager) Root() string {
	return m.resolver.Root()
}

// Start runs the overflow janitor until Close.
func (m *Manager) Start(ctx context.Context) {
	m.evictor.Start(ctx)
}

// Close stops the janitor and waits for background transfers.
func (m *Manager) Close() {
	m.evictor.Stop()
	m.orch.Wait()
}

// Wait blocks until background transfers finish.
func (m *Manager) Wait() {
	m.orch.Wait()
}

// CloneRepository ensures a working copy of source at branch exists. The
// transfer runs in the background; poll GetRepositoryStatus with the
// returned path. Branch defaults to main and strategy to shared.
func (m *Manager) CloneRepository(ctx context.Context, source, branch, strategy string) (*CloneResponse, error) {
	req, err := parseRequest(source, branch, strategy)
	if err != nil {
		return nil, err
	}
	res, err := m.orch.Clone(ctx, req)
	if err != nil {
		return nil, err
	}
	return cloneResponse(res), nil
}

// RefreshRepository updates a cloned entry from its source. An empty branch
// keeps the one checked out.
func (m *Manager) RefreshRepository(ctx context.Context, source, branch, strategy string) (*CloneResponse, error) {
	req, err := parseRequest(source, branch, strategy)
	if err != nil {
		return nil, err
	}
	res, err := m.orch.Refresh(ctx, req)
	if err != nil {
		return nil, err
	}
	return cloneResponse(res), nil
}

// ListRepositoryBranches returns every cache entry of source.
func (m *Manager) ListRepositoryBranches(ctx context.Context, source string) (*BranchListing, error) {
	id, err := repocache.ParseIdentity(source)
	if err != nil {
		return nil, err
	}
	records, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	listing := &BranchListing{RepoURL: source, CachedBranches: []CachedBranch{}}
	for _, path := range records.Paths() {
		rec := records[path]
		if rec.URL == nil || !id.Matches(*rec.URL) {
			continue
		}
		branch := rec.CurrentBranch
		if branch == "" {
			branch = rec.RequestedBranch
		}
		listing.CachedBranches = append(listing.CachedBranches, CachedBranch{
			Branch:          branch,
			Path:            path,
			CacheStrategy:   rec.CacheStrategy,
			LastAccess:      rec.LastAccess,
			CloneStatus:     rec.CloneStatus,
			RequestedBranch: rec.RequestedBranch,
			CurrentBranch:   rec.CurrentBranch,
			RepoMapStatus:   rec.RepoMapStatus,
		})
	}
	listing.TotalCached = len(listing.CachedBranches)
	return listing, nil
}

// GetRepositoryStatus returns the polled status of the entry at path.
func (m *Manager) GetRepositoryStatus(ctx context.Context, path string) (*metadata.Status, error) {
	return m.store.GetStatus(ctx, filepath.Clean(path))
}

// SetRepoMapStatus records progress reported by the map builder for a
// known entry.
func (m *Manager) SetRepoMapStatus(ctx context.Context, path, state, message string) error {
	path = filepath.Clean(path)
	st, err := metadata.ParseMapState(state)
	if err != nil {
		return err
	}
	if _, err := m.store.Get(ctx, path); err != nil {
		return err
	}
	return m.store.SetRepoMapStatus(ctx, path, metadata.RepoMapStatus{State: st, Message: message})
}

// RemoveRepository deletes the entry at path and its record.
func (m *Manager) RemoveRepository(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	if m.orch.Tracker().InFlight(path) {
		return fmt.Errorf("%w: %s", repocache.ErrInFlight, path)
	}
	return m.store.Remove(ctx, path)
}

// CleanupOverflow trims the cache to capacity now.
func (m *Manager) CleanupOverflow(ctx context.Context) *eviction.Result {
	return m.evictor.CleanupOverflow(ctx)
}

// Stats summarises the reconciled cache.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	records, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	states := map[string]int{}
	for _, rec := range records {
		states[string(rec.CloneStatus.State)]++
	}
	telemetry.UpdateCacheEntries(ctx, states)

	return &Stats{
		Root:     m.resolver.Root(),
		Entries:  len(records),
		Capacity: m.evictor.Capacity(),
		InFlight: len(m.orch.Tracker().Paths()),
		States:   states,
	}, nil
}

func parseRequest(source, branch, strategy string) (orchestrator.Request, error) {
	// Strategy first, so a bad value is rejected before any I/O.
	s, err := repocache.ParseStrategy(strategy)
	if err != nil {
		return orchestrator.Request{}, err
	}
	id, err := repocache.ParseIdentity(source)
	if err != nil {
		return orchestrator.Request{}, err
	}
	return orchestrator.Request{Identity: id, Branch: branch, Strategy: s}, nil
}

func cloneResponse(res *orchestrator.Result) *CloneResponse {
	resp := &CloneResponse{
		Status:         string(res.Outcome),
		Path:           res.Path,
		CacheStrategy:  res.Strategy.String(),
		CurrentBranch:  res.CurrentBranch,
		PreviousBranch: res.PreviousBranch,
	}
	switch res.Outcome {
	case orchestrator.OutcomePending:
		resp.Message = "Transfer started in the background. Poll the repository status until clone_status is complete."
	case orchestrator.OutcomeAlreadyCloned:
		resp.Message = "Repository already cloned."
	case orchestrator.OutcomeSwitchedBranch:
		resp.Message = fmt.Sprintf("Switched branch from %s to %s.", res.PreviousBranch, res.CurrentBranch)
	}
	return resp
}
