package repocache

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Identity names a repository to cache: either a remote git URL or a
// directory on the local filesystem.
type Identity struct {
	// Source is the value handed to the transfer layer: the clone URL for
	// remote identities or the absolute directory for local ones.
	Source string

	// Local is true when Source is a filesystem path to copy.
	Local bool

	// Host is the lowercased remote host. Empty for local identities.
	Host string

	// RepoPath is the repository path on the host without a .git suffix
	// (supports multi-segment paths such as group/sub/repo). For local
	// identities it is the cleaned absolute path.
	RepoPath string
}

// ParseIdentity classifies raw as a remote URL or a local path.
//
// Remote forms:
//   - https://github.com/org/repo(.git)
//   - ssh://git@host/org/repo, git://host/org/repo, file:///srv/git/repo
//   - git@github.com:org/repo (scp-like)
//
// Anything else is treated as a local directory and made absolute.
func ParseIdentity(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
		}
		switch u.Scheme {
		case "http", "https", "ssh", "git", "git+ssh":
		case "file":
			return remoteIdentity(raw, "file", u.Path)
		default:
			return Identity{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidIdentity, u.Scheme)
		}
		if u.Hostname() == "" {
			return Identity{}, fmt.Errorf("%w: missing host in %q", ErrInvalidIdentity, raw)
		}
		return remoteIdentity(raw, u.Host, u.Path)
	}

	if isSCPLike(raw) {
		// user@host:org/repo
		rest := raw[strings.Index(raw, "@")+1:]
		host, repoPath, _ := strings.Cut(rest, ":")
		return remoteIdentity(raw, host, repoPath)
	}

	return localIdentity(raw)
}

func isSCPLike(raw string) bool {
	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, ".") || strings.HasPrefix(raw, "~") {
		return false
	}
	at := strings.Index(raw, "@")
	colon := strings.Index(raw, ":")
	return at > 0 && colon > at+1
}

func remoteIdentity(source, host, repoPath string) (Identity, error) {
	repoPath = strings.Trim(repoPath, "/")
	repoPath = strings.TrimSuffix(repoPath, ".git")
	if repoPath == "" {
		return Identity{}, fmt.Errorf("%w: missing repository path in %q", ErrInvalidIdentity, source)
	}
	return Identity{
		Source:   source,
		Host:     strings.ToLower(host),
		RepoPath: repoPath,
	}, nil
}

func localIdentity(raw string) (Identity, error) {
	if raw == "~" || strings.HasPrefix(raw, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Identity{}, fmt.Errorf("%w: expanding home: %v", ErrInvalidIdentity, err)
		}
		raw = filepath.Join(home, strings.TrimPrefix(raw, "~"))
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return Identity{
		Source:   abs,
		Local:    true,
		RepoPath: abs,
	}, nil
}

// Name returns the final path segment of the repository.
func (id Identity) Name() string {
	if id.Local {
		return filepath.Base(id.RepoPath)
	}
	parts := strings.Split(id.RepoPath, "/")
	return parts[len(parts)-1]
}

// Org returns the repository path without its final segment. Empty for
// local identities and single-segment remote paths.
func (id Identity) Org() string {
	if id.Local {
		return ""
	}
	i := strings.LastIndex(id.RepoPath, "/")
	if i < 0 {
		return ""
	}
	return id.RepoPath[:i]
}

// Key returns the canonical form used to match identities regardless of
// URL spelling: {host}/{path} lowercased for remotes, the absolute path
// for local directories.
func (id Identity) Key() string {
	if id.Local {
		return id.RepoPath
	}
	return strings.ToLower(id.Host + "/" + id.RepoPath)
}

// Matches reports whether raw parses to the same repository as id.
func (id Identity) Matches(raw string) bool {
	other, err := ParseIdentity(raw)
	if err != nil {
		return false
	}
	return other.Local == id.Local && other.Key() == id.Key()
}

// String returns the canonical form: {Host}/{RepoPath} or the local path.
func (id Identity) String() string {
	if id.Local {
		return id.RepoPath
	}
	return fmt.Sprintf("%s/%s", id.Host, id.RepoPath)
}
