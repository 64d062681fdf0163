package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rubiojr/tripguide/pkg/geo"
)

// Fallback asks primary and, when it fails, secondary.
func Fallback(primary, secondary Provider) Provider {
	return ProviderFunc(func(ctx context.Context, q string, limit int) ([]geo.Landmark, error) {
		res, err := primary.Search(ctx, q, limit)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		log.Debug("primary provider failed (%v), falling back", err)
		res, err2 := secondary.Search(ctx, q, limit)
		if err2 != nil {
			return nil, errors.Join(err, err2)
		}
		return res, nil
	})
}

// Cached keeps recent successful searches in memory.
type Cached struct {
	next  Provider
	cache *lru.Cache[string, []geo.Landmark]
}

// NewCached wraps next with an LRU of size entries.
func NewCached(next Provider, size int) (*Cached, error) {
	c, err := lru.New[string, []geo.Landmark](size)
	if err != nil {
		return nil, fmt.Errorf("search cache: %w", err)
	}
	return &Cached{next: next, cache: c}, nil
}

func cacheKey(q string, limit int) string {
	return fmt.Sprintf("%d|%s", limit, strings.ToLower(strings.TrimSpace(q)))
}

func (c *Cached) Search(ctx context.Context, q string, limit int) ([]geo.Landmark, error) {
	k := cacheKey(q, limit)
	if res, ok := c.cache.Get(k); ok {
		return append([]geo.Landmark(nil), res...), nil
	}
	res, err := c.next.Search(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	c.cache.Add(k, append([]geo.Landmark(nil), res...))
	return res, nil
}
