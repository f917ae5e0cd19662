// Package repocache caches working copies of git repositories on local disk.
//
// The root package holds the types shared by every layer: repository
// identities, caching strategies, the error taxonomy and the hashing
// helpers used to derive stable path segments.
package repocache

import "errors"

var (
	// ErrNotFound is returned when a path or identity has never been registered.
	ErrNotFound = errors.New("repository not found in cache")

	// ErrInvalidStrategy is returned for a caching strategy other than
	// shared or per-branch.
	ErrInvalidStrategy = errors.New("cache_strategy must be 'shared' or 'per-branch'")

	// ErrInvalidIdentity is returned when a repository identity cannot be parsed.
	ErrInvalidIdentity = errors.New("invalid repository identity")

	// ErrInFlight is returned when a transfer is already running for the
	// resolved cache path.
	ErrInFlight = errors.New("repository transfer already in progress, poll status and retry")

	// ErrCapacityEviction is returned when the cache is full and the oldest
	// entry could not be removed to make room.
	ErrCapacityEviction = errors.New("failed to evict oldest cache entry")

	// ErrLockTimeout is returned by strict lockers when the cache lock
	// could not be acquired in time.
	ErrLockTimeout = errors.New("timed out acquiring cache lock")

	// ErrCloneInProgress is returned when content is requested while the
	// entry is still cloning or copying.
	ErrCloneInProgress = errors.New("Repository clone still in progress. Please wait for clone to complete.") //nolint:staticcheck

	// ErrNotReady is returned when content is requested from an entry whose
	// clone failed or never completed.
	ErrNotReady = errors.New("Repository clone failed or incomplete. Please try cloning again.") //nolint:staticcheck
)
