package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/wolfeidau/repo-cache/telemetry"
)

const remoteName = "origin"

var installOnce sync.Once

// InstallInstrumentedHTTP routes go-git's http and https transports through
// telemetry.InstrumentedTransport. It affects the whole process and only
// the first call has any effect.
func InstallInstrumentedHTTP() {
	installOnce.Do(func() {
		c := githttp.NewClient(&http.Client{Transport: telemetry.NewInstrumentedTransport(nil)})
		client.InstallProtocol("http", c)
		client.InstallProtocol("https", c)
	})
}

// GoGit implements Transport with go-git.
type GoGit struct {
	auth   *AuthRouter
	depth  int
	logger *slog.Logger
}

// Option configures GoGit.
type Option func(*GoGit)

// WithAuth sets the credentials router.
func WithAuth(r *AuthRouter) Option {
	return func(g *GoGit) {
		g.auth = r
	}
}

// WithDepth limits clone history. Zero clones everything.
func WithDepth(depth int) Option {
	return func(g *GoGit) {
		g.depth = depth
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *GoGit) {
		g.logger = logger
	}
}

// NewGoGit creates a go-git transport.
func NewGoGit(opts ...Option) *GoGit {
	g := &GoGit{logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "vcs")
	return g
}

// ListRemoteBranches implements Transport. A url naming a local repository
// is opened directly instead of going through a transport.
func (g *GoGit) ListRemoteBranches(ctx context.Context, url string) ([]string, error) {
	if info, err := os.Stat(url); err == nil && info.IsDir() {
		return listLocalBranches(url)
	}

	remote := gogit.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: remoteName,
		URLs: []string{url},
	})
	refs, err := remote.ListContext(ctx, &gogit.ListOptions{Auth: g.auth.Match(url)})
	if err != nil {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return []string{}, nil
		}
		return nil, wrapError(err, "listing remote branches")
	}

	branches := []string{}
	for _, ref := range refs {
		if ref.Name().IsBranch() {
			branches = append(branches, ref.Name().Short())
		}
	}
	sort.Strings(branches)
	return branches, nil
}

func listLocalBranches(dir string) ([]string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return nil, wrapError(err, "opening repository")
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, wrapError(err, "listing branches")
	}
	branches := []string{}
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		branches = append(branches, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, wrapError(err, "listing branches")
	}
	sort.Strings(branches)
	return branches, nil
}

// Clone implements Transport.
func (g *GoGit) Clone(ctx context.Context, url, dst, branch string) error {
	opts := &gogit.CloneOptions{
		URL:        url,
		Auth:       g.auth.Match(url),
		RemoteName: remoteName,
		Depth:      g.depth,
		Tags:       gogit.NoTags,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}

	g.logger.Debug("cloning", "url", url, "dst", dst, "branch", branch, "depth", g.depth)
	if _, err := gogit.PlainCloneContext(ctx, dst, false, opts); err != nil {
		return wrapError(err, "cloning repository")
	}
	return nil
}

// Pull implements Transport.
func (g *GoGit) Pull(ctx context.Context, dst, branch string) error {
	repo, err := gogit.PlainOpen(dst)
	if err != nil {
		return wrapError(err, "opening repository")
	}
	wt, err := repo.Worktree()
	if err != nil {
		return wrapError(err, "opening worktree")
	}

	if branch == "" {
		if branch, err = headBranch(repo); err != nil {
			return err
		}
	}

	err = wt.PullContext(ctx, &gogit.PullOptions{
		RemoteName:    remoteName,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         g.depth,
		Auth:          g.auth.Match(originURL(repo)),
		Force:         true,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return wrapError(err, "pulling "+branch)
	}
	return nil
}

// Checkout implements Transport.
func (g *GoGit) Checkout(ctx context.Context, dst, branch string) error {
	repo, err := gogit.PlainOpen(dst)
	if err != nil {
		return wrapError(err, "opening repository")
	}
	wt, err := repo.Worktree()
	if err != nil {
		return wrapError(err, "opening worktree")
	}

	local := plumbing.NewBranchReferenceName(branch)
	remoteRef := plumbing.NewRemoteReferenceName(remoteName, branch)

	hasOrigin := true
	if _, err := repo.Remote(remoteName); err != nil {
		if !errors.Is(err, gogit.ErrRemoteNotFound) {
			return wrapError(err, "reading remote")
		}
		hasOrigin = false
	}

	if hasOrigin {
		spec := config.RefSpec(fmt.Sprintf("+%s:%s", local, remoteRef))
		err := repo.FetchContext(ctx, &gogit.FetchOptions{
			RemoteName: remoteName,
			RefSpecs:   []config.RefSpec{spec},
			Depth:      g.depth,
			Auth:       g.auth.Match(originURL(repo)),
			Tags:       gogit.NoTags,
		})
		if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
			return wrapError(err, "fetching "+branch)
		}
	}

	if _, err := repo.Reference(local, true); err == nil {
		if err := wt.Checkout(&gogit.CheckoutOptions{Branch: local, Force: true}); err != nil {
			return wrapError(err, "checking out "+branch)
		}
		return nil
	}

	if !hasOrigin {
		return wrapError(plumbing.ErrReferenceNotFound, "checking out "+branch)
	}
	ref, err := repo.Reference(remoteRef, true)
	if err != nil {
		return wrapError(err, "resolving "+branch)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Hash: ref.Hash(), Branch: local, Create: true, Force: true}); err != nil {
		return wrapError(err, "checking out "+branch)
	}
	return nil
}

// CurrentBranch implements Transport.
func (g *GoGit) CurrentBranch(ctx context.Context, dst string) (string, error) {
	repo, err := gogit.PlainOpen(dst)
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return "", nil
		}
		return "", wrapError(err, "opening repository")
	}
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", nil
		}
		return "", wrapError(err, "reading HEAD")
	}
	if !head.Name().IsBranch() {
		return "", nil
	}
	return head.Name().Short(), nil
}

func headBranch(repo *gogit.Repository) (string, error) {
	head, err := repo.Head()
	if err != nil {
		return "", wrapError(err, "reading HEAD")
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached at %s", head.Hash())
	}
	return head.Name().Short(), nil
}

func originURL(repo *gogit.Repository) string {
	remote, err := repo.Remote(remoteName)
	if err != nil {
		return ""
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return ""
	}
	return urls[0]
}

var _ Transport = (*GoGit)(nil)
