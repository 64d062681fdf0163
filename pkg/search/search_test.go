package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rubiojr/tripguide/pkg/geo"
)

type recordingProvider struct {
	mu      sync.Mutex
	queries []string
	err     error
	// delay per query text
	delay map[string]time.Duration
}

func (p *recordingProvider) Search(ctx context.Context, q string, limit int) ([]geo.Landmark, error) {
	p.mu.Lock()
	p.queries = append(p.queries, q)
	err := p.err
	d := p.delay[q]
	p.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return []geo.Landmark{
		{ID: q + "-1", Name: q, Coordinates: geo.Coordinate{Latitude: 53.9, Longitude: 27.5}},
		{ID: q + "-dup", Name: q, Coordinates: geo.Coordinate{Latitude: 53.9, Longitude: 27.5}},
	}, nil
}

func (p *recordingProvider) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.queries...)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRapidEditsCoalesce(t *testing.T) {
	p := &recordingProvider{}
	d := NewDebouncer(p, WithWindow(30*time.Millisecond))
	defer d.Close()

	for _, s := range []string{"M", "Mi", "Min", "Mins", "Minsk"} {
		d.OnQueryChanged(s)
	}
	eventually(t, func() bool { return d.Results().Query == "Minsk" })
	time.Sleep(60 * time.Millisecond)

	calls := p.calls()
	if len(calls) != 1 || calls[0] != "Minsk" {
		t.Fatalf("provider calls = %v, want [Minsk]", calls)
	}
	res := d.Results()
	if len(res.Landmarks) != 1 {
		t.Errorf("duplicates not removed: %+v", res.Landmarks)
	}
	if _, ok := d.Lookup("Minsk-1"); !ok {
		t.Error("Lookup missed applied landmark")
	}
}

func TestStaleResponseSuppressed(t *testing.T) {
	p := &recordingProvider{delay: map[string]time.Duration{"slow": 150 * time.Millisecond}}
	d := NewDebouncer(p, WithWindow(10*time.Millisecond))
	defer d.Close()

	d.OnQueryChanged("slow")
	eventually(t, func() bool { return len(p.calls()) == 1 })
	d.OnQueryChanged("fast")
	eventually(t, func() bool { return d.Results().Query == "fast" })

	time.Sleep(200 * time.Millisecond)
	if got := d.Results().Query; got != "fast" {
		t.Errorf("stale response overwrote newer results: %q", got)
	}
}

func TestBlankQueryClearsWithoutRequest(t *testing.T) {
	p := &recordingProvider{}
	d := NewDebouncer(p, WithWindow(10*time.Millisecond))
	defer d.Close()

	d.OnQueryChanged("Minsk")
	eventually(t, func() bool { return len(d.Results().Landmarks) > 0 })

	var notified Results
	var mu sync.Mutex
	d.Subscribe(func(r Results) {
		mu.Lock()
		notified = r
		mu.Unlock()
	})
	d.OnQueryChanged("   ")
	if res := d.Results(); len(res.Landmarks) != 0 || res.Query != "" {
		t.Errorf("results after blank = %+v", res)
	}
	mu.Lock()
	if notified.Generation != d.Generation() {
		t.Errorf("subscriber not notified of clear")
	}
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	if n := len(p.calls()); n != 1 {
		t.Errorf("blank query hit the provider: %d calls", n)
	}
}

func TestFailureKeepsPreviousResults(t *testing.T) {
	p := &recordingProvider{}
	d := NewDebouncer(p, WithWindow(10*time.Millisecond))
	defer d.Close()

	d.OnQueryChanged("Minsk")
	eventually(t, func() bool { return d.Results().Query == "Minsk" })

	p.mu.Lock()
	p.err = errors.New("offline")
	p.mu.Unlock()
	d.OnQueryChanged("Brest")
	eventually(t, func() bool { return len(p.calls()) == 2 })
	time.Sleep(20 * time.Millisecond)

	if got := d.Results(); got.Query != "Minsk" || len(got.Landmarks) != 1 {
		t.Errorf("results after failure = %+v", got)
	}
}

func TestCloseStopsPendingSearch(t *testing.T) {
	p := &recordingProvider{}
	d := NewDebouncer(p, WithWindow(20*time.Millisecond))
	d.OnQueryChanged("Minsk")
	d.Close()
	time.Sleep(50 * time.Millisecond)
	if n := len(p.calls()); n != 0 {
		t.Errorf("closed debouncer searched %d times", n)
	}
	d.OnQueryChanged("Brest")
	time.Sleep(50 * time.Millisecond)
	if n := len(p.calls()); n != 0 {
		t.Errorf("edit after close searched %d times", n)
	}
}

func TestCachedAndFallback(t *testing.T) {
	failing := ProviderFunc(func(ctx context.Context, q string, limit int) ([]geo.Landmark, error) {
		return nil, errors.New("primary down")
	})
	p := &recordingProvider{}
	c, err := NewCached(Fallback(failing, p), 16)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		res, err := c.Search(context.Background(), " Minsk ", 5)
		if err != nil || len(res) == 0 {
			t.Fatalf("search = %v, %v", res, err)
		}
	}
	if n := len(p.calls()); n != 1 {
		t.Errorf("secondary called %d times, want 1 (cached)", n)
	}
}
