package backend

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem implements TreeBackend using the local filesystem.
// Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	root string
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (fsys *Filesystem) Root() string {
	return fsys.root
}

// Write stores data at the given key using atomic write.
func (fsys *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	path := fsys.keyToPath(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Clean up temp file on error
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Read retrieves data at the given key.
func (fsys *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(fsys.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Delete removes data at the given key.
func (fsys *Filesystem) Delete(ctx context.Context, key string) error {
	err := os.Remove(fsys.keyToPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (fsys *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(fsys.keyToPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// RemoveTree deletes the tree at path.
func (fsys *Filesystem) RemoveTree(ctx context.Context, path string) error {
	if err := fsys.checkTreePath(path); err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing tree %s: %w", path, err)
	}
	return nil
}

// TreeSize sums the sizes of regular files under path. Symlinks are not followed.
func (fsys *Filesystem) TreeSize(ctx context.Context, path string) (int64, error) {
	if err := fsys.checkTreePath(path); err != nil {
		return 0, err
	}
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("walking tree %s: %w", path, err)
	}
	return total, nil
}

// ReplaceTree swaps staged into dst. An existing dst is first renamed to a
// hidden sibling, so a failed swap can be rolled back.
func (fsys *Filesystem) ReplaceTree(ctx context.Context, staged, dst string) error {
	if err := fsys.checkTreePath(staged); err != nil {
		return err
	}
	if err := fsys.checkTreePath(dst); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", dst, err)
	}

	old := ""
	if _, err := os.Lstat(dst); err == nil {
		old = filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".old")
		_ = os.RemoveAll(old)
		if err := os.Rename(dst, old); err != nil {
			return fmt.Errorf("moving aside %s: %w", dst, err)
		}
	}

	if err := os.Rename(staged, dst); err != nil {
		if old != "" {
			_ = os.Rename(old, dst)
		}
		return fmt.Errorf("moving %s into place: %w", staged, err)
	}

	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			return fmt.Errorf("removing replaced tree: %w", err)
		}
	}
	return nil
}

func (fsys *Filesystem) checkTreePath(path string) error {
	rel, err := filepath.Rel(fsys.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || !filepath.IsAbs(path) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return nil
}

// keyToPath converts a key to a filesystem path.
func (fsys *Filesystem) keyToPath(key string) string {
	return filepath.Join(fsys.root, filepath.FromSlash(key))
}

// Compile-time interface checks
var (
	_ Backend     = (*Filesystem)(nil)
	_ TreeBackend = (*Filesystem)(nil)
)
