package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	repocache "github.com/wolfeidau/repo-cache"
	"github.com/wolfeidau/repo-cache/metadata"
	"github.com/wolfeidau/repo-cache/telemetry"
)

// Transfer kinds, used as the metrics label.
const (
	kindClone    = "clone"
	kindCopy     = "copy"
	kindPull     = "pull"
	kindRecopy   = "recopy"
	kindCheckout = "checkout"
)

// transferFunc performs a transfer and returns the branch checked out
// afterwards, or "" when unknown.
type transferFunc func(ctx context.Context) (string, error)

// dispatch runs fn in the background. The transfer is detached from the
// request context and is never cancelled. The caller has already marked
// path in flight; dispatch clears it once the outcome is persisted.
func (o *Orchestrator) dispatch(ctx context.Context, path, kind string, fn transferFunc) {
	ctx = context.WithoutCancel(ctx)
	logger := o.logger.With("path", path, "kind", kind)
	if id := telemetry.RequestIDFromContext(ctx); id != "" {
		logger = logger.With("request_id", id)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		branch, elapsed, err := o.runBounded(ctx, fn)
		recordTransfer(ctx, kind, err, elapsed)

		if perr := o.finish(ctx, path, branch, err); perr != nil {
			logger.Error("failed to record transfer outcome", "error", perr)
		}
		o.tracker.Done(path)

		if err != nil {
			logger.Error("transfer failed", "error", err, "duration", elapsed)
			return
		}
		logger.Info("transfer complete", "branch", branch, "duration", elapsed)

		if o.builder != nil {
			o.builder.Build(ctx, path)
		}
	}()
}

func (o *Orchestrator) runBounded(ctx context.Context, fn transferFunc) (string, time.Duration, error) {
	// ctx is detached, so Acquire only fails if the weight exceeds the limit.
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return "", 0, err
	}
	defer o.sem.Release(1)

	start := time.Now()
	branch, err := fn(ctx)
	return branch, time.Since(start), err
}

// finish persists the outcome of a transfer into path.
func (o *Orchestrator) finish(ctx context.Context, path, branch string, transferErr error) error {
	return o.store.Update(ctx, func(records metadata.Records) error {
		now := o.store.Now()
		rec := records.Ensure(path, now)
		if transferErr != nil {
			rec.FailTransfer(transferErr, now)
		} else {
			rec.CompleteTransfer(now)
			if branch != "" {
				rec.CurrentBranch = branch
			}
		}
		telemetry.UpdateCacheEntries(ctx, countStates(records))
		return nil
	})
}

// fill performs the first transfer into the placeholder at path.
func (o *Orchestrator) fill(ctx context.Context, req Request, path string) (string, error) {
	if err := emptyDir(path); err != nil {
		return "", err
	}

	if !req.Identity.Local {
		if err := o.transport.Clone(ctx, req.Identity.Source, path, req.Branch); err != nil {
			return "", err
		}
		return o.transport.CurrentBranch(ctx, path)
	}

	if err := o.copyTree(ctx, req.Identity.Source, path); err != nil {
		return "", err
	}
	return o.checkoutCopy(ctx, path, req.Branch)
}

// update refreshes the complete entry at path from its source.
func (o *Orchestrator) update(ctx context.Context, id repocache.Identity, path, branch string) (string, error) {
	if !id.Local {
		if err := o.transport.Pull(ctx, path, branch); err != nil {
			return "", err
		}
		return o.transport.CurrentBranch(ctx, path)
	}

	staging, err := o.store.Resolver().StagingDir()
	if err != nil {
		return "", err
	}
	staged, err := os.MkdirTemp(staging, filepath.Base(path)+"-")
	if err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	if err := os.Chmod(staged, 0o755); err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(staged) }()

	if err := o.copyTree(ctx, id.Source, staged); err != nil {
		return "", err
	}
	current, err := o.checkoutCopy(ctx, staged, branch)
	if err != nil {
		return "", err
	}
	if err := o.trees.ReplaceTree(ctx, staged, path); err != nil {
		return "", err
	}
	return current, nil
}

// checkoutCopy switches a copied repository to branch when it is a git
// working copy on another branch. Plain directories are left alone.
func (o *Orchestrator) checkoutCopy(ctx context.Context, dir, branch string) (string, error) {
	current, err := o.transport.CurrentBranch(ctx, dir)
	if err != nil || current == "" || branch == "" || current == branch {
		return current, nil
	}
	if err := o.transport.Checkout(ctx, dir, branch); err != nil {
		return "", err
	}
	return branch, nil
}

// emptyDir removes the contents of dir, creating it if missing.
func emptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0o755)
		}
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("clearing %s: %w", dir, err)
		}
	}
	return nil
}

func countStates(records metadata.Records) map[string]int {
	counts := make(map[string]int)
	for _, rec := range records {
		counts[string(rec.CloneStatus.State)]++
	}
	return counts
}

func recordTransfer(ctx context.Context, kind string, err error, elapsed time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordTransfer(ctx, kind, outcome, elapsed)
}
