// Package vcstest provides an in-memory vcs.Transport for tests.
package vcstest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/wolfeidau/repo-cache/vcs"
)

// Fake is a vcs.Transport that writes a marker file instead of talking to
// a remote. Set the exported fields before use.
type Fake struct {
	// RemoteBranches is returned by ListRemoteBranches, keyed by url.
	RemoteBranches map[string][]string

	// CloneErr and PullErr fail the matching operation when set.
	CloneErr error
	PullErr  error

	// Gate, when set, holds Clone and Pull until it is closed or receives.
	Gate chan struct{}

	mu        sync.Mutex
	branches  map[string]string
	calls     []string
	active    int
	maxActive int
}

// NewFake creates a fake transport.
func NewFake() *Fake {
	return &Fake{
		RemoteBranches: map[string][]string{},
		branches:       map[string]string{},
	}
}

// ListRemoteBranches implements vcs.Transport.
func (f *Fake) ListRemoteBranches(_ context.Context, url string) ([]string, error) {
	f.record("ls-remote " + url)
	f.mu.Lock()
	defer f.mu.Unlock()
	branches, ok := f.RemoteBranches[url]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", url, vcs.ErrRepositoryNotFound)
	}
	out := append([]string(nil), branches...)
	sort.Strings(out)
	return out, nil
}

// Clone implements vcs.Transport.
func (f *Fake) Clone(ctx context.Context, url, dst, branch string) error {
	f.record("clone " + url + " " + branch)
	defer f.enter()()
	if err := f.wait(ctx); err != nil {
		return err
	}
	if f.CloneErr != nil {
		return f.CloneErr
	}
	if branch == "" {
		branch = "main"
	}
	if err := os.MkdirAll(filepath.Join(dst, ".git"), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dst, "README.md"), []byte("cloned from "+url+"\n"), 0o644); err != nil {
		return err
	}
	f.SetBranch(dst, branch)
	return nil
}

// Pull implements vcs.Transport.
func (f *Fake) Pull(ctx context.Context, dst, branch string) error {
	f.record("pull " + dst + " " + branch)
	defer f.enter()()
	if err := f.wait(ctx); err != nil {
		return err
	}
	if f.PullErr != nil {
		return f.PullErr
	}
	return os.WriteFile(filepath.Join(dst, "PULLED"), []byte(branch), 0o644)
}

// Checkout implements vcs.Transport. The branch "missing" does not exist.
func (f *Fake) Checkout(_ context.Context, dst, branch string) error {
	f.record("checkout " + dst + " " + branch)
	if branch == "missing" {
		return fmt.Errorf("checking out %s: %w", branch, vcs.ErrBranchNotFound)
	}
	f.SetBranch(dst, branch)
	return nil
}

// CurrentBranch implements vcs.Transport.
func (f *Fake) CurrentBranch(_ context.Context, dst string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branches[dst], nil
}

// SetBranch sets the branch reported for dst.
func (f *Fake) SetBranch(dst, branch string) {
	f.mu.Lock()
	f.branches[dst] = branch
	f.mu.Unlock()
}

// Calls returns the operations performed so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// MaxActive returns the highest number of concurrent clones and pulls seen.
func (f *Fake) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

func (f *Fake) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *Fake) enter() func() {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}
}

func (f *Fake) wait(ctx context.Context) error {
	if f.Gate == nil {
		return nil
	}
	select {
	case <-f.Gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ vcs.Transport = (*Fake)(nil)
