package metadata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReconcile(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	earlier := now.Add(-time.Hour)
	url := "https://github.com/org/kept"

	records := Records{
		"/cache/github/org/kept": {
			URL:         &url,
			LastAccess:  earlier,
			CloneStatus: CloneStatus{State: CloneComplete},
		},
		"/cache/github/org/gone": NewRecord(earlier),
	}
	onDisk := []string{"/cache/github/org/kept", "/cache/local/new-12345678"}

	got, report := Reconcile(records, onDisk, now)

	require.Len(t, got, 2)
	require.Same(t, records["/cache/github/org/kept"], got["/cache/github/org/kept"])

	added := got["/cache/local/new-12345678"]
	require.Nil(t, added.URL)
	require.Equal(t, now, added.LastAccess)
	require.Equal(t, CloneNotStarted, added.CloneStatus.State)
	require.Nil(t, added.RepoMapStatus)

	require.Equal(t, []string{"/cache/local/new-12345678"}, report.Added)
	require.Equal(t, []string{"/cache/github/org/gone"}, report.Dropped)
	require.True(t, report.Changed())

	// The input is left alone.
	require.Len(t, records, 2)
}

func TestReconcileNoChanges(t *testing.T) {
	now := time.Now().UTC()
	records := Records{"/a": NewRecord(now), "/b": NewRecord(now)}

	got, report := Reconcile(records, []string{"/a", "/b"}, now.Add(time.Hour))
	require.False(t, report.Changed())
	require.Equal(t, records, got)
}

func TestReconcileEmpty(t *testing.T) {
	got, report := Reconcile(nil, nil, time.Now())
	require.Empty(t, got)
	require.NotNil(t, got)
	require.False(t, report.Changed())
}

func TestRecordTransitions(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := NewRecord(now)

	rec.StartTransfer(CloneCloning, now)
	require.True(t, rec.CloneStatus.State.Transferring())
	require.Equal(t, now, *rec.CloneStatus.StartedAt)
	require.Nil(t, rec.CloneStatus.CompletedAt)

	done := now.Add(time.Minute)
	rec.CompleteTransfer(done)
	require.Equal(t, CloneComplete, rec.CloneStatus.State)
	require.Equal(t, done, *rec.CloneStatus.CompletedAt)
	require.Equal(t, MapWaiting, rec.RepoMapStatus.State)

	rec.StartTransfer(CloneCloning, done)
	rec.FailTransfer(errBoom, done)
	require.Equal(t, CloneError, rec.CloneStatus.State)
	require.Equal(t, "boom", *rec.CloneStatus.Error)
	require.Equal(t, MapWaiting, rec.RepoMapStatus.State)
	require.False(t, rec.CloneStatus.State.Transferring())
}

func TestRecordClone(t *testing.T) {
	now := time.Now().UTC()
	url := "https://github.com/org/repo"
	rec := &Record{URL: &url, LastAccess: now}
	rec.FailTransfer(errBoom, now)

	c := rec.Clone()
	*c.URL = "changed"
	*c.CloneStatus.Error = "changed"
	c.RepoMapStatus.State = MapSuccess

	require.Equal(t, "https://github.com/org/repo", rec.SourceURL())
	require.Equal(t, "boom", *rec.CloneStatus.Error)
	require.Equal(t, MapWaiting, rec.RepoMapStatus.State)
}

func TestParseMapState(t *testing.T) {
	for _, s := range []string{"waiting", "building", "success", "error", "threshold_exceeded"} {
		got, err := ParseMapState(s)
		require.NoError(t, err)
		require.Equal(t, MapState(s), got)
	}
	_, err := ParseMapState("done")
	require.ErrorIs(t, err, ErrInvalidMapState)
}

func TestRecordsPaths(t *testing.T) {
	rs := Records{"/c": nil, "/a": nil, "/b": nil}
	require.Equal(t, []string{"/a", "/b", "/c"}, rs.Paths())
}
