package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newEchoRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(log, Config{Command: echoCommand})
	t.Cleanup(func() { r.TerminateAll(2 * time.Second) })
	return r
}

func TestResolveReusesWorker(t *testing.T) {
	r := newEchoRegistry(t)

	w1, err := r.Resolve("session-a")
	require.NoError(t, err)
	w2, err := r.Resolve("session-a")
	require.NoError(t, err)

	assert.Same(t, w1, w2)
	assert.Equal(t, w1.PID(), w2.PID())
	assert.Equal(t, 1, r.Len())
}

func TestResolveConcurrentSpawnsOnce(t *testing.T) {
	r := newEchoRegistry(t)

	workers := make([]*Worker, 20)
	group := new(errgroup.Group)
	for i := range workers {
		i := i
		group.Go(func() error {
			w, err := r.Resolve("contended")
			workers[i] = w
			return err
		})
	}
	require.NoError(t, group.Wait())

	for _, w := range workers {
		assert.Same(t, workers[0], w)
	}
	assert.Equal(t, 1, r.Len())
}

func TestSessionIsolation(t *testing.T) {
	r := newEchoRegistry(t)

	wa, err := r.Resolve("session-a")
	require.NoError(t, err)
	wb, err := r.Resolve("session-b")
	require.NoError(t, err)

	assert.NotEqual(t, wa.PID(), wb.PID())

	// a write to A's worker is never observed by B's worker
	lineA, err := wa.Exchange([]byte("for-a"))
	require.NoError(t, err)
	lineB, err := wb.Exchange([]byte("for-b"))
	require.NoError(t, err)
	assert.Equal(t, "for-a", string(lineA))
	assert.Equal(t, "for-b", string(lineB))
}

func TestRemoveThenResolveSpawnsFresh(t *testing.T) {
	r := newEchoRegistry(t)

	w1, err := r.Resolve("session-a")
	require.NoError(t, err)
	pid1 := w1.PID()

	w1.Terminate(2 * time.Second)
	r.Remove("session-a")
	assert.Equal(t, 0, r.Len())

	w2, err := r.Resolve("session-a")
	require.NoError(t, err)
	assert.NotEqual(t, pid1, w2.PID(), "the session id survives, the process does not")
}

func TestEvictOnlyDetachesMatchingWorker(t *testing.T) {
	r := newEchoRegistry(t)

	stale, err := r.Resolve("session-a")
	require.NoError(t, err)

	stale.Terminate(2 * time.Second)
	r.Evict("session-a", stale)
	assert.Equal(t, 0, r.Len())

	fresh, err := r.Resolve("session-a")
	require.NoError(t, err)

	// a slow failure handler evicting the old worker must not detach the
	// replacement
	r.Evict("session-a", stale)
	assert.Equal(t, 1, r.Len())

	current, err := r.Resolve("session-a")
	require.NoError(t, err)
	assert.Same(t, fresh, current)
}

func TestResolveSpawnFailureRetries(t *testing.T) {
	r := NewRegistry(log, Config{Command: []string{"/nonexistent-worker-binary"}})

	_, err := r.Resolve("session-a")
	require.Error(t, err)
	assert.Equal(t, 0, r.Len(), "a failed spawn must not leave a dead entry behind")

	// the next resolve attempts a fresh spawn rather than returning a cached error
	_, err = r.Resolve("session-a")
	require.Error(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestSnapshotExcludesPinned(t *testing.T) {
	r := newEchoRegistry(t)

	_, err := r.Resolve("plain")
	require.NoError(t, err)
	_, err = r.Resolve("pinned")
	require.NoError(t, err)
	r.Pin("pinned")

	infos := r.Snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, "plain", infos[0].SessionID)

	assert.Equal(t, []string{"pinned", "plain"}, r.SessionIDs())
}

func TestTerminateAll(t *testing.T) {
	r := newEchoRegistry(t)

	workers := make([]*Worker, 5)
	for i := range workers {
		w, err := r.Resolve(string(rune('a' + i)))
		require.NoError(t, err)
		workers[i] = w
	}
	require.Equal(t, 5, r.Len())

	start := time.Now()
	r.TerminateAll(2 * time.Second)
	elapsed := time.Since(start)

	assert.Equal(t, 0, r.Len())
	for _, w := range workers {
		assert.False(t, w.Alive())
	}
	// workers are terminated concurrently, not five grace periods in sequence
	assert.Less(t, elapsed, 4*time.Second)
}
