package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"
	repocache "github.com/wolfeidau/repo-cache"
	"golang.org/x/sync/semaphore"
)

func semaphoreOf(n int64) *semaphore.Weighted {
	return semaphore.NewWeighted(n)
}

func mustIdentity(t *testing.T, raw string) repocache.Identity {
	t.Helper()
	id, err := repocache.ParseIdentity(raw)
	require.NoError(t, err)
	return id
}
