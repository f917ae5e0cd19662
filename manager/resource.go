package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	repocache "github.com/wolfeidau/repo-cache"
	"github.com/wolfeidau/repo-cache/metadata"
)

// MaxResourceSize bounds the file content GetResource returns.
const MaxResourceSize = 8 << 20

// ErrResourceTooLarge is returned for files over MaxResourceSize.
var ErrResourceTooLarge = errors.New("resource exceeds maximum size")

const gitDir = ".git"

// GetResource returns a file's content or a directory's immediate children
// from a complete entry. resource is resolved inside the entry, so ".."
// and symlinks cannot escape it, and the .git directory is hidden.
func (m *Manager) GetResource(ctx context.Context, source, branch, strategy, resource string) (*Resource, error) {
	req, err := parseRequest(source, branch, strategy)
	if err != nil {
		return nil, err
	}
	root := m.resolver.Resolve(req.Identity, req.Branch, req.Strategy)

	rec, err := m.store.Get(ctx, root)
	if err != nil {
		return nil, err
	}
	switch {
	case rec.CloneStatus.State.Transferring():
		return nil, repocache.ErrCloneInProgress
	case rec.CloneStatus.State != metadata.CloneComplete:
		return nil, repocache.ErrNotReady
	}

	full, err := securejoin.SecureJoin(root, resource)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", resource, err)
	}
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", resource, err)
	}
	if rel == gitDir || strings.HasPrefix(rel, gitDir+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s", repocache.ErrNotFound, resource)
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", repocache.ErrNotFound, resource)
		}
		return nil, fmt.Errorf("reading %s: %w", resource, err)
	}

	var res *Resource
	if info.IsDir() {
		res, err = listDir(full, rel)
	} else {
		res, err = readFile(full, rel, info.Size())
	}
	if err != nil {
		return nil, err
	}

	if err := m.store.TouchAccess(ctx, root); err != nil {
		m.logger.Warn("failed to update last access", "path", root, "error", err)
	}
	return res, nil
}

func listDir(full, rel string) (*Resource, error) {
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", repocache.ErrNotFound, rel)
		}
		return nil, fmt.Errorf("listing %s: %w", rel, err)
	}
	contents := []string{}
	for _, e := range entries {
		if rel == "." && e.Name() == gitDir {
			continue
		}
		contents = append(contents, filepath.ToSlash(filepath.Join(rel, e.Name())))
	}
	sort.Strings(contents)
	return &Resource{Type: ResourceDirectory, Path: filepath.ToSlash(rel), Contents: contents}, nil
}

func readFile(full, rel string, size int64) (*Resource, error) {
	if size > MaxResourceSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrResourceTooLarge, rel, size)
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			// Removed between stat and open, e.g. by eviction.
			return nil, fmt.Errorf("%w: %s", repocache.ErrNotFound, rel)
		}
		return nil, fmt.Errorf("opening %s: %w", rel, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, MaxResourceSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	if len(data) > MaxResourceSize {
		return nil, fmt.Errorf("%w: %s", ErrResourceTooLarge, rel)
	}
	return &Resource{Type: ResourceFile, Path: filepath.ToSlash(rel), Content: string(data), Size: int64(len(data))}, nil
}
