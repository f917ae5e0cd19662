// Package orchestrator drives the clone, copy and refresh state machine of
// cache entries. Registration happens synchronously inside one metadata
// region; the transfer itself runs in the background under a bounded
// concurrency limit and is polled through the metadata status.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	repocache "github.com/wolfeidau/repo-cache"
	"github.com/wolfeidau/repo-cache/backend"
	"github.com/wolfeidau/repo-cache/metadata"
	"github.com/wolfeidau/repo-cache/vcs"
	"golang.org/x/sync/semaphore"
)

// Outcome is the immediate answer to a clone or refresh request.
type Outcome string

const (
	OutcomePending        Outcome = "pending"
	OutcomeAlreadyCloned  Outcome = "already_cloned"
	OutcomeSwitchedBranch Outcome = "switched_branch"
)

// Request names the entry to clone or refresh.
type Request struct {
	Identity repocache.Identity
	Branch   string
	Strategy repocache.Strategy
}

// Result describes what a request did.
type Result struct {
	Outcome        Outcome
	Path           string
	Strategy       repocache.Strategy
	CurrentBranch  string
	PreviousBranch string
}

// MapBuilder is notified after a transfer into path succeeds. It reports
// its own progress through the metadata map status.
type MapBuilder interface {
	Build(ctx context.Context, path string)
}

// Evictor makes room for a new entry inside an open metadata region.
type Evictor interface {
	EvictOrAbort(ctx context.Context, records metadata.Records, path string) (bool, error)
}

// CopyFunc copies the tree at src into dst.
type CopyFunc func(ctx context.Context, src, dst string) error

// Config holds orchestrator configuration.
type Config struct {
	// MaxConcurrentTransfers bounds background clones, copies and pulls.
	// Default is 4.
	MaxConcurrentTransfers int

	// StaleTransferAfter is how old a persisted cloning or copying state
	// must be, with no live transfer in this process, before it is retried.
	// Default is 30 minutes.
	StaleTransferAfter time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTransfers: 4,
		StaleTransferAfter:     30 * time.Minute,
		Logger:                 slog.Default(),
	}
}

// Orchestrator runs clone and refresh requests.
type Orchestrator struct {
	config    Config
	store     *metadata.Store
	evictor   Evictor
	transport vcs.Transport
	trees     backend.TreeBackend
	tracker   *Tracker
	builder   MapBuilder
	copyTree  CopyFunc
	sem       *semaphore.Weighted
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMapBuilder sets the hook notified after successful transfers.
func WithMapBuilder(b MapBuilder) Option {
	return func(o *Orchestrator) {
		o.builder = b
	}
}

// WithTracker shares an in-flight tracker, typically with the eviction manager.
func WithTracker(t *Tracker) Option {
	return func(o *Orchestrator) {
		o.tracker = t
	}
}

// WithCopyFunc replaces vcs.CopyTree for local identities.
func WithCopyFunc(fn CopyFunc) Option {
	return func(o *Orchestrator) {
		o.copyTree = fn
	}
}

// New creates an orchestrator. trees must manage the same root as store.
func New(store *metadata.Store, evictor Evictor, transport vcs.Transport, trees backend.TreeBackend, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxConcurrentTransfers <= 0 {
		cfg.MaxConcurrentTransfers = 4
	}
	if cfg.StaleTransferAfter <= 0 {
		cfg.StaleTransferAfter = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	o := &Orchestrator{
		config:    cfg,
		store:     store,
		evictor:   evictor,
		transport: transport,
		trees:     trees,
		copyTree:  vcs.CopyTree,
		logger:    cfg.Logger.With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracker == nil {
		o.tracker = NewTracker()
	}
	o.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentTransfers))
	return o
}

// Tracker returns the in-flight tracker.
func (o *Orchestrator) Tracker() *Tracker {
	return o.tracker
}

// Wait blocks until every background transfer has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Clone registers the entry for req and starts the transfer into it, or
// reports that it is already present.
func (o *Orchestrator) Clone(ctx context.Context, req Request) (*Result, error) {
	req = normalize(req)
	path := o.store.Resolver().Resolve(req.Identity, req.Branch, req.Strategy)
	logger := o.logger.With("path", path, "source", req.Identity.Source, "branch", req.Branch)

	var (
		existing *metadata.Record
		began    bool
	)
	err := o.store.Sync(ctx, func(records metadata.Records) error {
		rec, known := records[path]
		if !known {
			if _, err := o.evictor.EvictOrAbort(ctx, records, path); err != nil {
				return err
			}
		}

		if known {
			switch {
			case rec.CloneStatus.State == metadata.CloneComplete:
				existing = rec.Clone()
				return nil
			case rec.CloneStatus.State.Transferring():
				if o.tracker.InFlight(path) || !o.stale(rec) {
					return fmt.Errorf("%w: %s", repocache.ErrInFlight, path)
				}
				logger.Warn("retrying abandoned transfer", "started_at", rec.CloneStatus.StartedAt)
			}
		}

		if !o.tracker.Begin(path) {
			return fmt.Errorf("%w: %s", repocache.ErrInFlight, path)
		}
		began = true

		now := o.store.Now()
		rec = records.Ensure(path, now)
		source := req.Identity.Source
		rec.URL = &source
		rec.RequestedBranch = req.Branch
		rec.CacheStrategy = req.Strategy.String()
		rec.LastAccess = now
		rec.StartTransfer(transferState(req.Identity), now)

		// The placeholder keeps the record alive through reconciliation
		// until the transfer fills it.
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		if began {
			o.tracker.Done(path)
		}
		return nil, err
	}

	if existing != nil {
		return o.reuse(ctx, req, path, existing)
	}

	kind := kindClone
	if req.Identity.Local {
		kind = kindCopy
	}
	logger.Info("starting transfer", "kind", kind, "strategy", req.Strategy)
	o.dispatch(ctx, path, kind, func(ctx context.Context) (string, error) {
		return o.fill(ctx, req, path)
	})

	return &Result{Outcome: OutcomePending, Path: path, Strategy: req.Strategy}, nil
}

// reuse answers a clone request for a complete entry, switching branch in
// place for the shared strategy.
func (o *Orchestrator) reuse(ctx context.Context, req Request, path string, rec *metadata.Record) (*Result, error) {
	current := o.currentBranch(ctx, path, rec)
	if req.Strategy == repocache.StrategyShared && current != "" && current != req.Branch {
		if !o.tracker.Begin(path) {
			return nil, fmt.Errorf("%w: %s", repocache.ErrInFlight, path)
		}
		defer o.tracker.Done(path)

		if err := o.switchBranch(ctx, req, path); err != nil {
			return nil, err
		}
		return &Result{
			Outcome:        OutcomeSwitchedBranch,
			Path:           path,
			Strategy:       req.Strategy,
			CurrentBranch:  req.Branch,
			PreviousBranch: current,
		}, nil
	}

	if err := o.store.TouchAccess(ctx, path); err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomeAlreadyCloned, Path: path, Strategy: req.Strategy, CurrentBranch: current}, nil
}

// Refresh updates a complete entry from its source in the background,
// switching branch first when the shared strategy asks for another one.
func (o *Orchestrator) Refresh(ctx context.Context, req Request) (*Result, error) {
	keepBranch := req.Branch == ""
	req = normalize(req)
	path := o.store.Resolver().Resolve(req.Identity, req.Branch, req.Strategy)

	var existing *metadata.Record
	err := o.store.Sync(ctx, func(records metadata.Records) error {
		rec, ok := records[path]
		if !ok {
			return fmt.Errorf("%w: %s", repocache.ErrNotFound, path)
		}
		if o.tracker.InFlight(path) || (rec.CloneStatus.State.Transferring() && !o.stale(rec)) {
			return fmt.Errorf("%w: %s", repocache.ErrInFlight, path)
		}
		if rec.CloneStatus.State != metadata.CloneComplete {
			return fmt.Errorf("%w: repository must be cloned successfully before it can be refreshed (status %s)",
				repocache.ErrNotReady, rec.CloneStatus.State)
		}
		if !o.tracker.Begin(path) {
			return fmt.Errorf("%w: %s", repocache.ErrInFlight, path)
		}
		existing = rec.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	current := o.currentBranch(ctx, path, existing)
	target := req.Branch
	if keepBranch && current != "" {
		target = current
	}

	result := &Result{Outcome: OutcomePending, Path: path, Strategy: req.Strategy, CurrentBranch: target}
	if req.Strategy == repocache.StrategyShared && current != "" && target != current {
		if err := o.switchBranch(ctx, Request{Identity: req.Identity, Branch: target, Strategy: req.Strategy}, path); err != nil {
			o.tracker.Done(path)
			return nil, err
		}
		result.Outcome = OutcomeSwitchedBranch
		result.PreviousBranch = current
	}

	err = o.store.Update(ctx, func(records metadata.Records) error {
		now := o.store.Now()
		rec := records.Ensure(path, now)
		rec.StartTransfer(transferState(req.Identity), now)
		rec.LastAccess = now
		return nil
	})
	if err != nil {
		o.tracker.Done(path)
		return nil, err
	}

	kind := kindPull
	if req.Identity.Local {
		kind = kindRecopy
	}
	o.logger.Info("starting refresh", "path", path, "kind", kind, "branch", target)
	o.dispatch(ctx, path, kind, func(ctx context.Context) (string, error) {
		return o.update(ctx, req.Identity, path, target)
	})
	return result, nil
}

// switchBranch checks out req.Branch in the entry at path and records it.
// The caller holds the tracker entry for path.
func (o *Orchestrator) switchBranch(ctx context.Context, req Request, path string) error {
	start := time.Now()
	err := o.transport.Checkout(ctx, path, req.Branch)
	recordTransfer(ctx, kindCheckout, err, time.Since(start))
	if err != nil {
		return fmt.Errorf("switching %s to branch %s: %w", path, req.Branch, err)
	}

	o.logger.Info("switched branch", "path", path, "branch", req.Branch)
	return o.store.Update(ctx, func(records metadata.Records) error {
		now := o.store.Now()
		rec := records.Ensure(path, now)
		rec.CurrentBranch = req.Branch
		rec.RequestedBranch = req.Branch
		rec.LastAccess = now
		return nil
	})
}

func (o *Orchestrator) currentBranch(ctx context.Context, path string, rec *metadata.Record) string {
	if rec.CurrentBranch != "" {
		return rec.CurrentBranch
	}
	branch, err := o.transport.CurrentBranch(ctx, path)
	if err != nil {
		o.logger.Debug("could not read current branch", "path", path, "error", err)
		return ""
	}
	return branch
}

func (o *Orchestrator) stale(rec *metadata.Record) bool {
	started := rec.CloneStatus.StartedAt
	if started == nil {
		return true
	}
	return o.store.Now().Sub(*started) > o.config.StaleTransferAfter
}

func normalize(req Request) Request {
	if req.Strategy == "" {
		req.Strategy = repocache.StrategyShared
	}
	if req.Branch == "" {
		req.Branch = repocache.DefaultBranch
	}
	return req
}

func transferState(id repocache.Identity) metadata.CloneState {
	if id.Local {
		return metadata.CloneCopying
	}
	return metadata.CloneCloning
}
