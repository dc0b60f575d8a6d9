package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"github.com/ulikunitz/xz"
	"golang.org/x/sync/singleflight"
)

// ErrFetch is returned when a base image cannot be downloaded.
var ErrFetch = errors.New("base image fetch failed")

// CacheConfig configures a Cache.
type CacheConfig struct {
	Dir             string
	Client          *http.Client // nil selects a client with Timeout
	Timeout         time.Duration
	BreakerFailures uint32        // consecutive failures before the breaker opens
	BreakerCooldown time.Duration // how long the breaker stays open
	Logger          *slog.Logger
}

// CacheStats counts the expensive work a cache performed.
type CacheStats struct {
	Fetches        int64
	Decompressions int64
}

// Cache keeps uncompressed base images keyed by file name. Population of a
// key is serialized within the process and published with an atomic
// rename, so concurrent builds never observe a partial image.
type Cache struct {
	dir     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	log     *slog.Logger

	fetches        atomic.Int64
	decompressions atomic.Int64
}

// NewCache returns a cache rooted at cfg.Dir.
func NewCache(cfg CacheConfig) *Cache {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 3
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}

	return &Cache{
		dir:    cfg.Dir,
		client: client,
		log:    log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "mirror",
			Timeout: cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("mirror circuit breaker state changed", "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Stats returns the number of downloads and decompressions performed.
func (c *Cache) Stats() CacheStats {
	return CacheStats{Fetches: c.fetches.Load(), Decompressions: c.decompressions.Load()}
}

// Path is where the uncompressed file lives once cached.
func (c *Cache) Path(file string) string {
	return filepath.Join(c.dir, file)
}

// Ensure makes file present uncompressed in the cache and returns its path.
// An existing uncompressed file short-circuits all work. An existing
// compressed file is decompressed without fetching.
func (c *Cache) Ensure(ctx context.Context, file, url string) (string, error) {
	path := c.Path(file)
	if exists(path) {
		c.log.Debug("base image cached", "file", file)
		return path, nil
	}

	// the shared population outlives any one caller's cancellation
	fctx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(file, func() (any, error) {
		if exists(path) {
			return nil, nil
		}
		compressed := path + ".xz"
		if !exists(compressed) {
			if err := c.fetch(fctx, url, compressed); err != nil {
				return nil, err
			}
		}
		if err := c.decompress(compressed, path); err != nil {
			// a truncated download must not poison later runs
			os.Remove(compressed)
			return nil, err
		}
		return nil, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
	case <-ctx.Done():
		return "", fmt.Errorf("stopped waiting for %s: %w", file, ctx.Err())
	}
	return path, nil
}

func (c *Cache) fetch(ctx context.Context, url, dst string) error {
	c.log.Info("fetching base image", "url", url)
	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %s", resp.Status)
		}
		return nil, writeAtomic(dst, resp.Body, 0o644)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFetch, url, err)
	}
	c.fetches.Add(1)
	return nil
}

func (c *Cache) decompress(src, dst string) error {
	c.log.Info("decompressing base image", "file", filepath.Base(src))
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer f.Close()

	r, err := xz.NewReader(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("failed to read xz header of %s: %w", src, err)
	}
	if err := writeAtomic(dst, r, 0o644); err != nil {
		return fmt.Errorf("failed to decompress %s: %w", src, err)
	}
	c.decompressions.Add(1)
	return nil
}
