package metadata

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	repocache "github.com/wolfeidau/repo-cache"
	"github.com/wolfeidau/repo-cache/backend"
	"github.com/wolfeidau/repo-cache/cachepath"
	"github.com/wolfeidau/repo-cache/lock"
)

var errBoom = errors.New("boom")

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	root := t.TempDir()

	resolver, err := cachepath.New(root)
	require.NoError(t, err)
	fsys, err := backend.NewFilesystem(root)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locker, err := lock.NewFileLocker(root, lock.Config{Logger: logger})
	require.NoError(t, err)

	clock := &testClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewStore(fsys, resolver, locker, WithLogger(logger), WithClock(clock.Now)), clock
}

func mkEntry(t *testing.T, s *Store, rel string) string {
	t.Helper()
	p := filepath.Join(s.Resolver().Root(), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Join(p, ".git"), 0o755))
	return p
}

func readDocument(t *testing.T, s *Store) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(s.Resolver().Root(), DocumentKey))
	require.NoError(t, err)
	return data
}

func TestReadAllColdStart(t *testing.T) {
	s, _ := newTestStore(t)
	records, err := s.ReadAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestReadAllCorruptDocument(t *testing.T) {
	s, _ := newTestStore(t)
	doc := filepath.Join(s.Resolver().Root(), DocumentKey)
	require.NoError(t, os.WriteFile(doc, []byte("{not json"), 0o644))

	records, err := s.ReadAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestWriteReadAll(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	url := "https://github.com/org/repo"

	rec := &Record{URL: &url, LastAccess: clock.Now(), CacheStrategy: "shared"}
	rec.StartTransfer(CloneCloning, clock.Now())
	require.NoError(t, s.Write(ctx, Records{"/x": rec}))

	got, err := s.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, url, got["/x"].SourceURL())
	require.Equal(t, CloneCloning, got["/x"].CloneStatus.State)
	require.True(t, clock.Now().Equal(got["/x"].LastAccess))

	doc := string(readDocument(t, s))
	require.Contains(t, doc, `"status": "cloning"`)
	require.Contains(t, doc, `"repo_map_status": null`)
	require.Contains(t, doc, `"completed_at": null`)
	require.Contains(t, doc, `"last_access": "2024-05-01T12:00:00Z"`)
}

func TestReconcileIsByteStable(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	mkEntry(t, s, "github/org/a")
	mkEntry(t, s, "local/proj-0badc0de")

	_, err := s.Reconcile(ctx)
	require.NoError(t, err)
	first := readDocument(t, s)

	clock.Advance(time.Hour)
	_, err = s.Reconcile(ctx)
	require.NoError(t, err)
	second := readDocument(t, s)

	require.Equal(t, string(first), string(second))
}

func TestReconcileMatchesDisk(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	kept := mkEntry(t, s, "github/org/kept")
	url := "https://github.com/org/kept"
	require.NoError(t, s.Write(ctx, Records{
		kept:                    {URL: &url, LastAccess: clock.Now().Add(-time.Hour)},
		"/nowhere/github/x/y/z": NewRecord(clock.Now()),
	}))
	orphan := mkEntry(t, s, "gitlab/group/orphan")

	records, err := s.Reconcile(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{kept, orphan}, records.Paths())
	require.Equal(t, url, records[kept].SourceURL())
	require.Nil(t, records[orphan].URL)
	require.Equal(t, CloneNotStarted, records[orphan].CloneStatus.State)

	persisted, err := s.ReadAll(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{kept, orphan}, persisted.Paths())
}

func TestTouchAccessCreatesMinimalRecord(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.TouchAccess(ctx, "/cache/github/org/new"))
	rec, err := s.Get(ctx, "/cache/github/org/new")
	require.NoError(t, err)
	require.Equal(t, CloneNotStarted, rec.CloneStatus.State)

	clock.Advance(time.Minute)
	require.NoError(t, s.TouchAccess(ctx, "/cache/github/org/new"))
	rec, err = s.Get(ctx, "/cache/github/org/new")
	require.NoError(t, err)
	require.True(t, clock.Now().Equal(rec.LastAccess))
}

func TestSetStatuses(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	path := "/cache/github/org/repo"

	started := clock.Now()
	require.NoError(t, s.SetCloneStatus(ctx, path, CloneStatus{State: CloneCloning, StartedAt: &started}))
	require.NoError(t, s.SetRepoMapStatus(ctx, path, RepoMapStatus{State: MapBuilding, Message: "parsing"}))

	st, err := s.GetStatus(ctx, path)
	require.NoError(t, err)
	require.Equal(t, CloneCloning, st.CloneStatus.State)
	require.Equal(t, MapBuilding, st.RepoMapStatus.State)
	require.Equal(t, "parsing", st.RepoMapStatus.Message)
	require.True(t, clock.Now().Equal(st.RepoMapStatus.UpdatedAt))
}

func TestGetStatusNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetStatus(context.Background(), "/cache/github/nope/nope")
	require.ErrorIs(t, err, repocache.ErrNotFound)
}

func TestGetStatusReadsPersistedDocument(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	gone := mkEntry(t, s, "github/org/gone")
	adopted := mkEntry(t, s, "github/org/adopted")
	require.NoError(t, s.Write(ctx, Records{gone: NewRecord(clock.Now())}))
	require.NoError(t, os.RemoveAll(gone))

	st, err := s.GetStatus(ctx, gone)
	require.NoError(t, err)
	require.Equal(t, CloneNotStarted, st.CloneStatus.State)
	_, err = s.Get(ctx, adopted)
	require.ErrorIs(t, err, repocache.ErrNotFound)

	_, err = s.List(ctx)
	require.NoError(t, err)

	_, err = s.GetStatus(ctx, gone)
	require.ErrorIs(t, err, repocache.ErrNotFound)
	st, err = s.GetStatus(ctx, adopted)
	require.NoError(t, err)
	require.Equal(t, CloneNotStarted, st.CloneStatus.State)
}

func TestReadAllZonelessTimestamps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	good := mkEntry(t, s, "github/org/good")
	bad := mkEntry(t, s, "github/org/bad")
	doc := `{
  "` + good + `": {
    "url": "https://github.com/org/good",
    "last_access": "2024-05-01T12:00:00.123456",
    "clone_status": {"status": "complete", "started_at": "2024-05-01T11:59:00", "completed_at": "2024-05-01T12:00:00.5", "error": null},
    "repo_map_status": {"status": "success", "updated_at": "2024-05-01T12:01:00+02:00"},
    "current_branch": "main"
  },
  "` + bad + `": {
    "url": "https://github.com/org/bad",
    "last_access": "yesterday"
  }
}`
	require.NoError(t, os.WriteFile(filepath.Join(s.Resolver().Root(), DocumentKey), []byte(doc), 0o644))

	rec, err := s.Get(ctx, good)
	require.NoError(t, err)
	require.Equal(t, "https://github.com/org/good", rec.SourceURL())
	require.True(t, time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC).Equal(rec.LastAccess))
	require.True(t, time.Date(2024, 5, 1, 11, 59, 0, 0, time.UTC).Equal(*rec.CloneStatus.StartedAt))
	require.True(t, time.Date(2024, 5, 1, 12, 0, 0, 500000000, time.UTC).Equal(*rec.CloneStatus.CompletedAt))
	require.True(t, time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC).Equal(rec.RepoMapStatus.UpdatedAt))

	_, err = s.Get(ctx, bad)
	require.ErrorIs(t, err, repocache.ErrNotFound)

	records, err := s.List(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{good, bad}, records.Paths())
	require.Equal(t, "https://github.com/org/good", records[good].SourceURL())
	require.Equal(t, CloneComplete, records[good].CloneStatus.State)
	require.Equal(t, MapSuccess, records[good].RepoMapStatus.State)
	require.Nil(t, records[bad].URL)

	require.Contains(t, string(readDocument(t, s)), `"last_access": "2024-05-01T12:00:00.123456Z"`)
}

func TestUpdateErrorSkipsWrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	err := s.Update(ctx, func(records Records) error {
		records["/x"] = NewRecord(time.Now())
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	_, err = os.Stat(filepath.Join(s.Resolver().Root(), DocumentKey))
	require.True(t, os.IsNotExist(err))
}

func TestRemove(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	path := mkEntry(t, s, "github/org/repo")
	other := mkEntry(t, s, "github/org/other")

	_, err := s.Reconcile(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, path))

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	records, err := s.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{other}, records.Paths())
}

func TestRemoveUnknown(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	err := s.Remove(ctx, filepath.Join(s.Resolver().Root(), "github", "org", "missing"))
	require.ErrorIs(t, err, repocache.ErrNotFound)

	err = s.Remove(ctx, "/etc")
	require.ErrorIs(t, err, repocache.ErrNotFound)
}

func TestStoreWithNopLocker(t *testing.T) {
	root := t.TempDir()
	resolver, err := cachepath.New(root)
	require.NoError(t, err)
	fsys, err := backend.NewFilesystem(root)
	require.NoError(t, err)

	s := NewStore(fsys, resolver, lock.Nop{})
	require.NoError(t, s.TouchAccess(context.Background(), "/p"))

	data, err := os.ReadFile(filepath.Join(root, DocumentKey))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(data), "}\n"))
}
