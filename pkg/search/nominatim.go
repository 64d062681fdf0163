package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/muesli/gominatim"
	"github.com/rubiojr/tripguide/pkg/geo"
	"github.com/rubiojr/tripguide/pkg/store"
)

const (
	nominatimMinInterval = 400 * time.Millisecond
	// DefaultNominatimServer is the public OpenStreetMap instance.
	DefaultNominatimServer = "https://nominatim.openstreetmap.org"
)

var nominatimInitOnce sync.Once

// Nominatim geocodes free text through a Nominatim server. Successful
// responses, including empty ones, are cached indefinitely in cache.
type Nominatim struct {
	server  string
	retries int
	cache   *store.Bucket

	throttleMu sync.Mutex
	last       time.Time
}

type geocodeEntry struct {
	Landmarks []geo.Landmark `json:"landmarks"`
	FetchedAt time.Time      `json:"fetchedAt"`
}

// NewNominatim returns a provider for server. cache may be nil.
// gominatim keeps its server globally, so only the first server is used.
func NewNominatim(server string, retries int, cache *store.Bucket) *Nominatim {
	if strings.TrimSpace(server) == "" {
		server = DefaultNominatimServer
	}
	if retries < 0 || retries > 5 {
		retries = 1
	}
	return &Nominatim{server: server, retries: retries, cache: cache}
}

func (n *Nominatim) Search(ctx context.Context, q string, limit int) ([]geo.Landmark, error) {
	if limit <= 0 {
		return nil, nil
	}
	key := cacheKey(q, limit)
	if n.cache != nil {
		if blob, ok := n.cache.Get(key); ok {
			var e geocodeEntry
			if err := blob.Decode(&e); err == nil {
				return e.Landmarks, nil
			}
			log.Error("geocode cache entry for %q unreadable (ignoring)", q)
		}
	}

	if err := n.throttle(ctx); err != nil {
		return nil, err
	}
	nominatimInitOnce.Do(func() { gominatim.SetServer(n.server) })

	res, err := n.query(ctx, q, limit)
	if err != nil {
		return nil, err
	}

	out := make([]geo.Landmark, 0, len(res))
	for _, r := range res {
		if r.DisplayName == "" {
			continue
		}
		lat, _ := strconv.ParseFloat(r.Lat, 64)
		lon, _ := strconv.ParseFloat(r.Lon, 64)
		c := geo.Coordinate{Latitude: lat, Longitude: lon}
		if !c.Valid() {
			continue
		}
		out = append(out, geo.Landmark{
			ID:          "geocode:" + c.Key(),
			Name:        r.DisplayName,
			Coordinates: c,
		})
		if len(out) >= limit {
			break
		}
	}

	if n.cache != nil {
		if blob, err := store.BlobOf(geocodeEntry{Landmarks: out, FetchedAt: time.Now().UTC()}); err == nil {
			if err := n.cache.Set(key, blob); err != nil {
				log.Error("geocode cache write for %q: %v", q, err)
			}
		}
	}
	return out, nil
}

func (n *Nominatim) throttle(ctx context.Context) error {
	n.throttleMu.Lock()
	defer n.throttleMu.Unlock()
	if wait := nominatimMinInterval - time.Since(n.last); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.last = time.Now()
	return nil
}

// query retries truncated responses, the usual failure mode of a busy public
// instance.
func (n *Nominatim) query(ctx context.Context, q string, limit int) ([]gominatim.SearchResult, error) {
	qObj := gominatim.SearchQuery{Q: q, Limit: limit}
	attempts := n.retries + 1
	for attempt := 1; ; attempt++ {
		res, err := getWithContext(ctx, &qObj)
		if err == nil {
			if attempt > 1 {
				log.Info("nominatim recovered after %d attempt(s) for %q", attempt, q)
			}
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isTransient(err) || attempt >= attempts {
			return nil, fmt.Errorf("nominatim %q (attempt %d/%d): %w", q, attempt, attempts, err)
		}
		log.Error("transient nominatim error (attempt %d/%d, will retry) query=%q err=%v", attempt, attempts, q, err)
		select {
		case <-time.After(150 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func isTransient(err error) bool {
	s := err.Error()
	return strings.Contains(s, "unexpected end of JSON") || strings.Contains(s, "EOF")
}

// getWithContext runs the blocking gominatim call so a cancelled search
// returns at once. The abandoned request finishes in the background.
func getWithContext(ctx context.Context, q *gominatim.SearchQuery) ([]gominatim.SearchResult, error) {
	type result struct {
		res []gominatim.SearchResult
		err error
	}
	ch := make(chan result, 1)
	go func() {
		res, err := q.Get()
		ch <- result{res, err}
	}()
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
