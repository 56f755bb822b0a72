package watch_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarmo-productory/ritemark-sync/watch"
)

type contents struct {
	mu   sync.Mutex
	seen []string
}

func (c *contents) handle(_ context.Context, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seen = append(c.seen, content)

	return nil
}

func (c *contents) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.seen...)
}

func TestFileCheckReportsChangesOnly(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "notes.md")
	seen := &contents{}
	file := watch.NewFile(path, "# Known", seen.handle, time.Hour)

	require.NoError(t, file.Check(t.Context()))
	assert.Empty(t, seen.snapshot())

	require.NoError(t, os.WriteFile(path, []byte("# Known"), 0o600))
	require.NoError(t, file.Check(t.Context()))
	assert.Empty(t, seen.snapshot())

	require.NoError(t, os.WriteFile(path, []byte("# Edited"), 0o600))
	require.NoError(t, file.Check(t.Context()))
	require.NoError(t, file.Check(t.Context()))
	assert.Equal(t, []string{"# Edited"}, seen.snapshot())

	require.NoError(t, os.WriteFile(path, nil, 0o600))
	require.NoError(t, file.Check(t.Context()))
	assert.Equal(t, []string{"# Edited", ""}, seen.snapshot())
}

func TestFileRunSeesWritesAndRenames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o600))

	seen := &contents{}
	file := watch.NewFile(path, "v1", seen.handle, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() { done <- file.Run(ctx) }()

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o600))
	assert.Eventually(t, func() bool {
		got := seen.snapshot()

		return len(got) > 0 && got[len(got)-1] == "v2"
	}, 2*time.Second, 10*time.Millisecond)

	tmp := filepath.Join(dir, ".notes.md.swp")
	require.NoError(t, os.WriteFile(tmp, []byte("v3"), 0o600))
	require.NoError(t, os.Rename(tmp, path))
	assert.Eventually(t, func() bool {
		got := seen.snapshot()

		return got[len(got)-1] == "v3"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestNetworkMonitorFiresOnReturn(t *testing.T) {
	t.Parallel()

	var (
		up      atomic.Bool
		returns atomic.Int32
	)

	up.Store(true)

	monitor := watch.NewNetworkMonitor(func(context.Context) error {
		if up.Load() {
			return nil
		}

		return errors.New("unreachable")
	}, time.Hour, func(context.Context) { returns.Add(1) })

	assert.True(t, monitor.Check(t.Context()))
	assert.Zero(t, returns.Load())

	up.Store(false)
	assert.False(t, monitor.Check(t.Context()))
	assert.False(t, monitor.Check(t.Context()))
	assert.False(t, monitor.Online())
	assert.Zero(t, returns.Load())

	up.Store(true)
	assert.True(t, monitor.Check(t.Context()))
	assert.True(t, monitor.Check(t.Context()))
	assert.Equal(t, int32(1), returns.Load())
}

func TestHTTPProbe(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	probe := watch.HTTPProbe(server.Client(), server.URL)
	require.NoError(t, probe(t.Context()))

	server.Close()
	require.Error(t, probe(t.Context()))
}
