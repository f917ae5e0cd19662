// Package backend provides the storage abstractions for the repository cache:
// small documents (the metadata index) and whole cached working trees.
package backend

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrOutsideRoot is returned when a tree path does not lie under the backend root.
	ErrOutsideRoot = errors.New("path outside backend root")
)

// Backend defines the interface for document storage.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key.
	// If the key already exists, it is replaced atomically.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)
}

// TreeBackend extends Backend with operations on directory trees addressed
// by absolute path. Every path must lie strictly under the backend root.
type TreeBackend interface {
	Backend

	// RemoveTree deletes the directory tree at path.
	// Returns nil if the path does not exist.
	RemoveTree(ctx context.Context, path string) error

	// TreeSize returns the total size in bytes of regular files under path.
	TreeSize(ctx context.Context, path string) (int64, error)

	// ReplaceTree moves the fully assembled tree at staged into dst,
	// replacing whatever was there. dst is never observed half-written.
	ReplaceTree(ctx context.Context, staged, dst string) error
}
