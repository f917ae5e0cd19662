package cachepath

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	repocache "github.com/wolfeidau/repo-cache"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	return r
}

func mustIdentity(t *testing.T, raw string) repocache.Identity {
	t.Helper()
	id, err := repocache.ParseIdentity(raw)
	require.NoError(t, err)
	return id
}

func TestNewCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "cache")

	r, err := New(root)
	require.NoError(t, err)
	require.Equal(t, root, r.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	// Idempotent
	_, err = New(root)
	require.NoError(t, err)
}

func TestResolveDeterministic(t *testing.T) {
	r := newTestResolver(t)
	id := mustIdentity(t, "https://github.com/org/repo")

	for _, s := range []repocache.Strategy{repocache.StrategyShared, repocache.StrategyPerBranch} {
		first := r.Resolve(id, "main", s)
		for range 5 {
			require.Equal(t, first, r.Resolve(id, "main", s))
		}
	}
}

func TestResolveShared(t *testing.T) {
	r := newTestResolver(t)
	id := mustIdentity(t, "https://github.com/org/repo.git")

	main := r.Resolve(id, "main", repocache.StrategyShared)
	develop := r.Resolve(id, "develop", repocache.StrategyShared)

	require.Equal(t, filepath.Join(r.Root(), "github", "org", "repo"), main)
	require.Equal(t, main, develop, "shared strategy ignores branch")
}

func TestResolvePerBranch(t *testing.T) {
	r := newTestResolver(t)
	id := mustIdentity(t, "https://github.com/org/repo")

	main := r.Resolve(id, "main", repocache.StrategyPerBranch)
	feature := r.Resolve(id, "feature-a", repocache.StrategyPerBranch)
	shared := r.Resolve(id, "main", repocache.StrategyShared)

	require.NotEqual(t, main, feature)
	require.NotEqual(t, main, shared)
	require.Equal(t, filepath.Dir(shared), filepath.Dir(main))
	require.Contains(t, filepath.Base(main), "repo@main-")
	require.True(t, r.Contains(main))
	require.True(t, r.Contains(feature))
}

func TestResolvePerBranchSanitizedCollision(t *testing.T) {
	r := newTestResolver(t)
	id := mustIdentity(t, "https://github.com/org/repo")

	slash := r.Resolve(id, "feature/x", repocache.StrategyPerBranch)
	underscore := r.Resolve(id, "feature_x", repocache.StrategyPerBranch)
	require.NotEqual(t, slash, underscore)
}

func TestResolveHostCategories(t *testing.T) {
	r := newTestResolver(t)

	tests := []struct {
		raw  string
		want string
	}{
		{"https://gitlab.com/group/sub/project", filepath.Join("gitlab", "group_sub-"+repocache.HashString("group/sub").Segment(), "project")},
		{"git@bitbucket.org:team/tool.git", filepath.Join("bitbucket", "team", "tool")},
		{"https://git.example.com:8443/a/b", filepath.Join("git.example.com_8443", "a", "b")},
		{"https://example.com/solo", filepath.Join("example.com", "_", "solo")},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := r.Resolve(mustIdentity(t, tt.raw), "", repocache.StrategyShared)
			require.Equal(t, filepath.Join(r.Root(), tt.want), got)
		})
	}
}

func TestResolveSanitizedOrgsDoNotCollide(t *testing.T) {
	r := newTestResolver(t)

	nested := r.Resolve(mustIdentity(t, "https://gitlab.com/group/sub/repo"), "", repocache.StrategyShared)
	flat := r.Resolve(mustIdentity(t, "https://gitlab.com/group_sub/repo"), "", repocache.StrategyShared)
	plus := r.Resolve(mustIdentity(t, "https://example.com/a/b+c"), "", repocache.StrategyShared)
	underscored := r.Resolve(mustIdentity(t, "https://example.com/a/b_c"), "", repocache.StrategyShared)

	require.NotEqual(t, nested, flat)
	require.Equal(t, filepath.Join(r.Root(), "gitlab", "group_sub", "repo"), flat)
	require.NotEqual(t, plus, underscored)
	require.True(t, r.Contains(nested))
	require.True(t, r.Contains(plus))
}

func TestResolveIgnoresCase(t *testing.T) {
	r := newTestResolver(t)

	upper := mustIdentity(t, "https://github.com/ACME/Widgets")
	lower := mustIdentity(t, "https://github.com/acme/widgets")
	require.Equal(t, upper.Key(), lower.Key())

	for _, s := range []repocache.Strategy{repocache.StrategyShared, repocache.StrategyPerBranch} {
		require.Equal(t, r.Resolve(lower, "main", s), r.Resolve(upper, "main", s))
	}
	require.Equal(t, filepath.Join(r.Root(), "github", "acme", "widgets"), r.Resolve(upper, "", repocache.StrategyShared))
}

func TestResolveLocal(t *testing.T) {
	r := newTestResolver(t)
	src := filepath.Join(t.TempDir(), "project")
	other := filepath.Join(t.TempDir(), "project")

	a := r.Resolve(mustIdentity(t, src), "main", repocache.StrategyShared)
	b := r.Resolve(mustIdentity(t, other), "main", repocache.StrategyShared)

	require.Equal(t, filepath.Join(r.Root(), LocalCategory), filepath.Dir(a))
	require.NotEqual(t, a, b, "same basename from different directories must not collide")
	require.True(t, r.Contains(a))
}

func TestCategoryLocalHostIsNotLocalCategory(t *testing.T) {
	require.NotEqual(t, LocalCategory, Category("local"))
}

func TestEnumerate(t *testing.T) {
	r := newTestResolver(t)

	dirs := []string{
		filepath.Join("github", "org", "repo"),
		filepath.Join("github", "org", "repo@dev-1234abcd"),
		filepath.Join("gitlab", "group", "project"),
		filepath.Join("local", "project-deadbeef"),
	}
	for _, d := range dirs {
		require.NoError(t, os.MkdirAll(filepath.Join(r.Root(), d, "src"), 0o755))
	}

	// Noise that must be ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(r.Root(), ".staging", "x", "y", "z"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(r.Root(), "github", ".hidden", "repo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root(), "metadata.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root(), "github", "org", "README"), []byte("x"), 0o644))

	got, err := r.Enumerate()
	require.NoError(t, err)

	var want []string
	for _, d := range dirs {
		want = append(want, filepath.Join(r.Root(), d))
	}
	require.ElementsMatch(t, want, got)
	require.IsNonDecreasing(t, got)
}

func TestEnumerateEmpty(t *testing.T) {
	r := newTestResolver(t)
	got, err := r.Enumerate()
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestStagingDirIsHidden(t *testing.T) {
	r := newTestResolver(t)
	dir, err := r.StagingDir()
	require.NoError(t, err)
	require.False(t, r.Contains(filepath.Join(dir, "a", "b")))

	entries, err := r.Enumerate()
	require.NoError(t, err)
	require.Empty(t, entries)
}
