// Package mediacache memoizes episode-derived resources fetched from the
// backend. Entries never expire; concurrent requests for the same uncached
// resource share a single fetch.
package mediacache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/epirank/internal/episode"
	"github.com/kalambet/epirank/internal/provider"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultConcurrency  = 4
)

// Kind names a cached resource.
type Kind string

const (
	KindThumbnail   Kind = "thumbnail"
	KindVideo       Kind = "video"
	KindRewards     Kind = "rewards"
	KindUncertainty Kind = "uncertainty"
)

// Fetcher is the subset of provider.DataProvider the cache reads from.
type Fetcher interface {
	Thumbnail(ctx context.Context, ref episode.Ref) (provider.Media, error)
	Video(ctx context.Context, ref episode.Ref) (provider.Media, error)
	Rewards(ctx context.Context, ref episode.Ref) ([]float64, error)
	Uncertainty(ctx context.Context, ref episode.Ref) ([]float64, error)
}

// Cache is safe for concurrent use.
type Cache struct {
	fetcher      Fetcher
	fetchTimeout time.Duration
	concurrency  int
	logger       *slog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]any
}

// Options tune a Cache. Zero values select defaults.
type Options struct {
	FetchTimeout time.Duration
	Concurrency  int
	Logger       *slog.Logger
}

// New creates an empty cache in front of f.
func New(f Fetcher, opts Options) *Cache {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		fetcher:      f,
		fetchTimeout: opts.FetchTimeout,
		concurrency:  opts.Concurrency,
		logger:       opts.Logger,
		entries:      make(map[string]any),
	}
}

func cacheKey(kind Kind, id string) string {
	return string(kind) + "/" + id
}

// Thumbnail returns the episode thumbnail. ok is false when the resource is
// not available yet; callers retry on their next request.
func (c *Cache) Thumbnail(ctx context.Context, id string) (provider.Media, bool, error) {
	return load(ctx, c, KindThumbnail, id, c.fetcher.Thumbnail)
}

// Video returns the rendered episode video.
func (c *Cache) Video(ctx context.Context, id string) (provider.Media, bool, error) {
	return load(ctx, c, KindVideo, id, c.fetcher.Video)
}

// Rewards returns the per-step reward series.
func (c *Cache) Rewards(ctx context.Context, id string) ([]float64, bool, error) {
	return load(ctx, c, KindRewards, id, c.fetcher.Rewards)
}

// Uncertainty returns the per-step model uncertainty series.
func (c *Cache) Uncertainty(ctx context.Context, id string) ([]float64, bool, error) {
	return load(ctx, c, KindUncertainty, id, c.fetcher.Uncertainty)
}

// Get dispatches on kind. Series resources are returned as []float64, media
// as provider.Media.
func (c *Cache) Get(ctx context.Context, kind Kind, id string) (any, bool, error) {
	switch kind {
	case KindThumbnail:
		return c.Thumbnail(ctx, id)
	case KindVideo:
		return c.Video(ctx, id)
	case KindRewards:
		return c.Rewards(ctx, id)
	case KindUncertainty:
		return c.Uncertainty(ctx, id)
	}
	return nil, false, fmt.Errorf("unknown resource kind %q", kind)
}

// Len returns the number of cached resources.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) lookup(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// load returns the cached value for (kind, id), fetching it at most once
// across concurrent callers. The fetch runs on a context detached from the
// caller so one caller giving up does not fail the others; a late result is
// still cached.
func load[T any](ctx context.Context, c *Cache, kind Kind, id string, fetch func(context.Context, episode.Ref) (T, error)) (T, bool, error) {
	var zero T
	ref, err := episode.Decode(id)
	if err != nil {
		return zero, false, err
	}

	key := cacheKey(kind, id)
	if v, ok := c.lookup(key); ok {
		return v.(T), true, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		v, err := fetch(fetchCtx, ref)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = v
		c.mu.Unlock()
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, false, nil
	case res := <-ch:
		if res.Err != nil {
			c.logger.Warn("episode resource fetch failed", "kind", kind, "episode_id", id, "error", res.Err)
			return zero, false, nil
		}
		return res.Val.(T), true, nil
	}
}

// Prefetch warms thumbnails and reward series for ids with bounded
// concurrency. Fetch failures are logged by the loaders and do not fail the
// prefetch; only malformed identifiers are reported.
func (c *Cache) Prefetch(ctx context.Context, ids []string) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for _, id := range ids {
		g.Go(func() error {
			if _, _, err := c.Thumbnail(gCtx, id); err != nil {
				return fmt.Errorf("prefetching %s: %w", id, err)
			}
			if _, _, err := c.Rewards(gCtx, id); err != nil {
				return fmt.Errorf("prefetching %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}
