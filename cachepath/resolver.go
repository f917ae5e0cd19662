// Package cachepath maps repository identities onto deterministic
// directories under the cache root.
//
// Layout:
//
//	<root>/github/<org>/<name>                     shared, github.com
//	<root>/github/<org>/<name>@<branch>-<hash>     per-branch
//	<root>/<host>/<org>/<name>                     other hosts
//	<root>/local/<basename>-<hash>                 local directories
//
// Org and name are lowercased. A segment that sanitising had to rewrite,
// such as the nested org group/sub, carries a hash of the original.
//
// Hidden directories under the root (such as the staging area) are never
// treated as cache entries.
package cachepath

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	repocache "github.com/wolfeidau/repo-cache"
)

const (
	// LocalCategory is the top-level directory holding copies of local
	// directories.
	LocalCategory = "local"

	stagingDir = ".staging"

	// remoteDepth is the number of directory levels below the root for
	// remote entries: category/org/name.
	remoteDepth = 3
	localDepth  = 1
)

var hostCategories = map[string]string{
	"github.com":    "github",
	"gitlab.com":    "gitlab",
	"bitbucket.org": "bitbucket",
}

// Resolver computes cache paths under a fixed root.
type Resolver struct {
	root string
}

// New creates a resolver rooted at root, creating the directory if needed.
func New(root string) (*Resolver, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving cache root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root: %w", err)
	}
	return &Resolver{root: absRoot}, nil
}

// Root returns the absolute cache root.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve returns the canonical cache path for id. The shared strategy
// ignores branch. Remote org and name are lowercased so that every spelling
// Identity.Key treats as the same repository maps to one directory.
func (r *Resolver) Resolve(id repocache.Identity, branch string, strategy repocache.Strategy) string {
	var dir string
	if id.Local {
		name := sanitize(id.Name()) + "-" + repocache.HashString(id.RepoPath).Segment()
		dir = filepath.Join(r.root, LocalCategory, name)
	} else {
		org := strings.ToLower(id.Org())
		if org == "" {
			org = "_"
		}
		dir = filepath.Join(r.root, Category(id.Host), segment(org), segment(strings.ToLower(id.Name())))
	}

	if strategy == repocache.StrategyPerBranch {
		if branch == "" {
			branch = repocache.DefaultBranch
		}
		dir += "@" + sanitize(branch) + "-" + repocache.HashString(branch).Segment()
	}
	return dir
}

// Category returns the top-level directory for a remote host.
func Category(host string) string {
	host = strings.ToLower(host)
	if c, ok := hostCategories[host]; ok {
		return c
	}
	c := sanitize(strings.ReplaceAll(host, ":", "_"))
	if c == LocalCategory {
		// Keep remote hosts from colliding with local copies.
		return "host-" + c
	}
	return c
}

// Contains reports whether path is a cache entry location under the root.
func (r *Resolver) Contains(path string) bool {
	rel, err := filepath.Rel(r.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	for _, p := range parts {
		if strings.HasPrefix(p, ".") {
			return false
		}
	}
	if parts[0] == LocalCategory {
		return len(parts) == localDepth+1
	}
	return len(parts) == remoteDepth
}

// Enumerate walks the root and returns every entry directory present on
// disk, sorted. Files and hidden directories are skipped.
func (r *Resolver) Enumerate() ([]string, error) {
	categories, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache root: %w", err)
	}

	var entries []string
	for _, c := range categories {
		if !isVisibleDir(c) {
			continue
		}
		depth := remoteDepth
		if c.Name() == LocalCategory {
			depth = localDepth + 1
		}
		found, err := collectDirs(filepath.Join(r.root, c.Name()), depth-1)
		if err != nil {
			return nil, err
		}
		entries = append(entries, found...)
	}

	sort.Strings(entries)
	return entries, nil
}

// StagingDir returns the hidden scratch area used to assemble trees
// before they are swapped into place, creating it if needed.
func (r *Resolver) StagingDir() (string, error) {
	dir := filepath.Join(r.root, stagingDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	return dir, nil
}

func collectDirs(dir string, depth int) ([]string, error) {
	children, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	var out []string
	for _, child := range children {
		if !isVisibleDir(child) {
			continue
		}
		p := filepath.Join(dir, child.Name())
		if depth == 1 {
			out = append(out, p)
			continue
		}
		nested, err := collectDirs(p, depth-1)
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	return out, nil
}

func isVisibleDir(e os.DirEntry) bool {
	return e.IsDir() && !strings.HasPrefix(e.Name(), ".") && e.Name() != "__pycache__"
}

// segment returns s as a single path segment. When sanitising changes s,
// a hash of s is appended so distinct inputs keep distinct segments.
func segment(s string) string {
	out := sanitize(s)
	if out == s {
		return out
	}
	return out + "-" + repocache.HashString(s).Segment()
}

// sanitize makes s safe to use as a single path segment.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "_"
	}
	return out
}
