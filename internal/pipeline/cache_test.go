package pipeline

import (
	"bytes"
	"context"
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
	"github.com/ulikunitz/xz"
)

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func mirror(t *testing.T, payload []byte) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestCacheEnsureIsIdempotent(t *testing.T) {
	content := []byte("base image contents")
	srv, hits := mirror(t, compress(t, content))
	c := NewCache(CacheConfig{Dir: t.TempDir(), Client: srv.Client()})

	path, err := c.Ensure(context.Background(), "base.iso", srv.URL+"/base.iso.xz")
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	again, err := c.Ensure(context.Background(), "base.iso", srv.URL+"/base.iso.xz")
	require.NoError(t, err)
	assert.Equal(t, path, again)

	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, CacheStats{Fetches: 1, Decompressions: 1}, c.Stats())
}

func TestCacheDecompressesExistingArchiveWithoutFetching(t *testing.T) {
	dir := t.TempDir()
	content := []byte("already downloaded")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.iso.xz"), compress(t, content), 0o644))
	c := NewCache(CacheConfig{Dir: dir})

	path, err := c.Ensure(context.Background(), "base.iso", "http://127.0.0.1:1/unreachable")
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, CacheStats{Fetches: 0, Decompressions: 1}, c.Stats())
}

func TestCacheConcurrentPopulationFetchesOnce(t *testing.T) {
	srv, hits := mirror(t, compress(t, bytes.Repeat([]byte("x"), 1<<16)))
	c := NewCache(CacheConfig{Dir: t.TempDir(), Client: srv.Client()})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Ensure(context.Background(), "shared.iso", srv.URL+"/shared.iso.xz")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, int64(1), c.Stats().Decompressions)
}

func TestCacheFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c := NewCache(CacheConfig{Dir: t.TempDir(), Client: srv.Client(), BreakerFailures: 2})

	for i := 0; i < 3; i++ {
		_, err := c.Ensure(context.Background(), "missing.iso", srv.URL+"/missing.iso.xz")
		assert.ErrorIs(t, err, ErrFetch)
	}
	assert.Equal(t, int64(0), c.Stats().Fetches)
	assert.NoFileExists(t, c.Path("missing.iso"))
}

func TestCacheDropsCorruptArchive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.iso.xz"), []byte("not xz"), 0o644))
	c := NewCache(CacheConfig{Dir: dir})

	_, err := c.Ensure(context.Background(), "bad.iso", "http://127.0.0.1:1/unreachable")
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "bad.iso.xz"))
	assert.NoFileExists(t, filepath.Join(dir, "bad.iso"))
}

func TestCacheCancelledCallerDoesNotFailOtherWaiters(t *testing.T) {
	payload := compress(t, []byte("base image"))
	started := make(chan struct{})
	release := make(chan struct{})
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(started)
		}
		<-release
		w.Write(payload)
	}))
	defer srv.Close()
	defer close(release)

	c := NewCache(CacheConfig{Dir: t.TempDir(), Client: srv.Client()})
	url := srv.URL + "/shared.iso.xz"

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Ensure(firstCtx, "shared.iso", url)
		firstErr <- err
	}()
	<-started

	secondErr := make(chan error, 1)
	go func() {
		_, err := c.Ensure(context.Background(), "shared.iso", url)
		secondErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	release <- struct{}{}
	require.NoError(t, <-secondErr)
	assert.FileExists(t, c.Path("shared.iso"))
	assert.Equal(t, int64(1), hits.Load())
}
