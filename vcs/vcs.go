// Package vcs performs the transfers behind the cache: listing remote
// branches, cloning, pulling and switching branches with go-git, and
// copying local directory trees.
package vcs

import "context"

// Transport is the version control layer the orchestrator drives.
type Transport interface {
	// ListRemoteBranches returns the sorted branch names of url without
	// writing anything to disk.
	ListRemoteBranches(ctx context.Context, url string) ([]string, error)

	// Clone clones url into dst, which must be missing or empty, checking
	// out branch. An empty branch checks out the remote HEAD.
	Clone(ctx context.Context, url, dst, branch string) error

	// Pull fast-forwards the working copy at dst to the remote state of branch.
	Pull(ctx context.Context, dst, branch string) error

	// Checkout switches the working copy at dst to branch, fetching it from
	// origin first when there is one.
	Checkout(ctx context.Context, dst, branch string) error

	// CurrentBranch returns the checked out branch at dst, or "" when dst
	// is not a repository or HEAD is detached.
	CurrentBranch(ctx context.Context, dst string) (string, error)
}
