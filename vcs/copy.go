package vcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// CopyTree copies the directory tree at src into dst, creating dst if
// needed. Symlinks are recreated rather than followed, and file modes are
// preserved. The copy stops at the next entry once ctx is done.
func CopyTree(ctx context.Context, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("copying %s: not a directory", src)
	}
	if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}

	from := osfs.New(src)
	to := osfs.New(dst)

	return util.Walk(from, ".", func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == "." {
			return nil
		}

		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			target, err := from.Readlink(path)
			if err != nil {
				return fmt.Errorf("reading link %s: %w", path, err)
			}
			if err := to.Symlink(target, path); err != nil {
				return fmt.Errorf("creating link %s: %w", path, err)
			}
		case fi.IsDir():
			if err := to.MkdirAll(path, fi.Mode().Perm()); err != nil {
				return fmt.Errorf("creating %s: %w", path, err)
			}
		case fi.Mode().IsRegular():
			if err := copyFile(from, to, path, fi.Mode().Perm()); err != nil {
				return err
			}
		}
		// Sockets, devices and pipes are skipped.
		return nil
	})
}

func copyFile(from, to billy.Filesystem, path string, perm os.FileMode) error {
	in, err := from.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = in.Close() }()

	if dir := filepath.Dir(path); dir != "." {
		if err := to.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	out, err := to.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copying %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}
