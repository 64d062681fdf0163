// Package search turns a stream of query edits into landmark searches.
//
// The Debouncer waits for a quiescence window after the last edit before
// asking a Provider. Every edit bumps a generation counter; a search result
// is applied only if its generation is still the latest, so a slow early
// response can never overwrite a newer one.
package search

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rubiojr/tripguide/pkg/geo"
	"github.com/rubiojr/tripguide/pkg/logger"
)

// DefaultWindow is the quiescence window used when none is configured.
const DefaultWindow = 150 * time.Millisecond

// DefaultLimit caps results per search.
const DefaultLimit = 8

var log = logger.Named("search")

// Provider runs one search.
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]geo.Landmark, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, query string, limit int) ([]geo.Landmark, error)

func (f ProviderFunc) Search(ctx context.Context, query string, limit int) ([]geo.Landmark, error) {
	return f(ctx, query, limit)
}

// Results is the applied state of the debouncer.
type Results struct {
	Query      string         `json:"query"`
	Generation uint64         `json:"generation"`
	Landmarks  []geo.Landmark `json:"landmarks"`
}

// Debouncer coalesces query edits into searches.
type Debouncer struct {
	provider Provider
	window   time.Duration
	limit    int

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	gen     uint64
	timer   *time.Timer
	current Results
	subs    []func(Results)
	closed  bool
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithWindow sets the quiescence window.
func WithWindow(d time.Duration) Option {
	return func(db *Debouncer) {
		if d > 0 {
			db.window = d
		}
	}
}

// WithLimit sets the per-search result cap.
func WithLimit(n int) Option {
	return func(db *Debouncer) {
		if n > 0 {
			db.limit = n
		}
	}
}

// NewDebouncer returns a Debouncer searching through p.
func NewDebouncer(p Provider, opts ...Option) *Debouncer {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Debouncer{
		provider: p,
		window:   DefaultWindow,
		limit:    DefaultLimit,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// OnQueryChanged records an edit. A blank query clears the results at once
// without searching.
func (d *Debouncer) OnQueryChanged(text string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	q := strings.TrimSpace(text)
	if q == "" {
		d.current = Results{Generation: gen}
		snap, subs := d.snapshot()
		d.mu.Unlock()
		notify(subs, snap)
		return
	}
	d.timer = time.AfterFunc(d.window, func() { d.run(gen, q) })
	d.mu.Unlock()
}

func (d *Debouncer) run(gen uint64, q string) {
	d.mu.Lock()
	if gen != d.gen || d.closed {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	log.Debug("gen=%d searching %q", gen, q)
	res, err := d.provider.Search(d.ctx, q, d.limit)

	d.mu.Lock()
	if gen != d.gen || d.closed {
		d.mu.Unlock()
		log.Debug("gen=%d discarding stale result for %q", gen, q)
		return
	}
	if err != nil {
		d.mu.Unlock()
		log.Error("search %q failed, keeping previous results: %v", q, err)
		return
	}
	res = geo.DedupeLandmarks(res)
	if len(res) > d.limit {
		res = res[:d.limit]
	}
	d.current = Results{Query: q, Generation: gen, Landmarks: res}
	snap, subs := d.snapshot()
	d.mu.Unlock()
	notify(subs, snap)
}

// snapshot must be called with d.mu held.
func (d *Debouncer) snapshot() (Results, []func(Results)) {
	snap := d.current
	snap.Landmarks = append([]geo.Landmark(nil), d.current.Landmarks...)
	return snap, slices.Clone(d.subs)
}

func notify(subs []func(Results), r Results) {
	for _, fn := range subs {
		fn(r)
	}
}

// Results returns the applied results.
func (d *Debouncer) Results() Results {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap, _ := d.snapshot()
	return snap
}

// Generation returns the latest edit generation.
func (d *Debouncer) Generation() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen
}

// Lookup finds a landmark of the applied results by id.
func (d *Debouncer) Lookup(id string) (geo.Landmark, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.current.Landmarks {
		if l.ID == id {
			return l, true
		}
	}
	return geo.Landmark{}, false
}

// Subscribe registers fn for every applied change. fn runs outside the
// debouncer lock, on the goroutine that applied the change.
func (d *Debouncer) Subscribe(fn func(Results)) {
	d.mu.Lock()
	d.subs = append(d.subs, fn)
	d.mu.Unlock()
}

// Close stops the pending timer and cancels in-flight searches. Later edits
// are ignored.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	d.cancel()
}
