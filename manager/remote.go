package manager

import (
	"context"

	repocache "github.com/wolfeidau/repo-cache"
)

// ListRemoteBranches lists the branches of source without touching the
// cache. Concurrent queries for the same repository share one lookup. The
// lookup runs on a detached context, so one caller giving up does not fail
// the others.
func (m *Manager) ListRemoteBranches(ctx context.Context, source string) (*RemoteBranches, error) {
	id, err := repocache.ParseIdentity(source)
	if err != nil {
		return nil, err
	}

	ch := m.remote.DoChan(id.Key(), func() (any, error) {
		return m.transport.ListRemoteBranches(context.WithoutCancel(ctx), id.Source)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			m.logger.Debug("shared remote branch lookup", "repo", id.Key())
		}
		branches := append([]string{}, res.Val.([]string)...)
		return &RemoteBranches{
			RepoURL:        source,
			RemoteBranches: branches,
			TotalRemote:    len(branches),
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
