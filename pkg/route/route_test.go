package route

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rubiojr/tripguide/pkg/geo"
)

var (
	minsk = geo.Coordinate{Latitude: 53.9, Longitude: 27.6}
	l1    = geo.Landmark{ID: "l1", Name: "Victory Square", Coordinates: geo.Coordinate{Latitude: 53.908, Longitude: 27.574}}
	l2    = geo.Landmark{ID: "l2", Name: "Trinity Suburb", Coordinates: geo.Coordinate{Latitude: 53.907, Longitude: 27.555}}
	l3    = geo.Landmark{ID: "l3", Name: "National Library", Coordinates: geo.Coordinate{Latitude: 53.931, Longitude: 27.646}}
)

func TestSettersOrderIndependent(t *testing.T) {
	a, b := minsk, l1.Coordinates

	s1 := NewSession()
	s1.SetOrigin(&a)
	got1 := s1.SetDestination(&b)

	s2 := NewSession()
	s2.SetDestination(&b)
	got2 := s2.SetOrigin(&a)

	for _, got := range []Selection{got1, got2} {
		if got.Origin == nil || !got.Origin.Equal(a) || got.Destination == nil || !got.Destination.Equal(b) {
			t.Errorf("selection = %+v", got)
		}
	}
}

func TestConcurrentSettersKeepBothEnds(t *testing.T) {
	s := NewSession()
	a, b := minsk, l1.Coordinates
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); s.SetOrigin(&a) }()
		go func() { defer wg.Done(); s.SetDestination(&b) }()
	}
	wg.Wait()
	sel := s.Selection()
	if !sel.Complete() {
		t.Fatalf("lost update: %+v", sel)
	}
	if sel.Generation != 100 {
		t.Errorf("generation = %d, want 100", sel.Generation)
	}
}

func TestDeviceCoordinateThenLandmark(t *testing.T) {
	s := NewSession()
	s.SetDeviceCoordinate(minsk)
	s.SetOrigin(nil) // origin unset, device known
	sel := s.AddActiveLandmark(l1)
	if sel.Origin == nil || !sel.Origin.Equal(minsk) {
		t.Errorf("origin = %v, want device %v", sel.Origin, minsk)
	}
	if sel.Destination == nil || !sel.Destination.Equal(l1.Coordinates) {
		t.Errorf("destination = %v", sel.Destination)
	}
}

func TestRingEvictsOldest(t *testing.T) {
	s := NewSession()
	s.AddActiveLandmark(l1)
	sel := s.AddActiveLandmark(l2)
	if !sel.Origin.Equal(l1.Coordinates) || !sel.Destination.Equal(l2.Coordinates) {
		t.Errorf("two landmarks = %+v", sel)
	}
	sel = s.AddActiveLandmark(l3)
	snap := s.Snapshot()
	if len(snap.Active) != 2 || snap.Active[0].ID != "l2" || snap.Active[1].ID != "l3" {
		t.Errorf("active = %+v", snap.Active)
	}
	if !sel.Origin.Equal(l2.Coordinates) || !sel.Destination.Equal(l3.Coordinates) {
		t.Errorf("after eviction = %+v", sel)
	}
}

func TestResetReseedsRegionKeepingDeltas(t *testing.T) {
	s := NewSession()
	s.SetRegion(geo.Region{Coordinate: l3.Coordinates, LatitudeDelta: 0.05, LongitudeDelta: 0.02})
	s.SetDeviceCoordinate(minsk)
	s.AddActiveLandmark(l1)

	sel := s.Reset()
	if sel.Origin != nil || sel.Destination != nil {
		t.Errorf("selection after reset = %+v", sel)
	}
	snap := s.Snapshot()
	if len(snap.Active) != 0 {
		t.Errorf("active after reset = %+v", snap.Active)
	}
	r := s.Region()
	if !r.Coordinate.Equal(minsk) || r.LatitudeDelta != 0.05 || r.LongitudeDelta != 0.02 {
		t.Errorf("region = %+v", r)
	}
}

func TestDeviceCoordinateDoesNotOverrideOrigin(t *testing.T) {
	s := NewSession()
	s.SetOrigin(l2.Coordinates.Ptr())
	var calls int
	s.OnChange(func(Selection) { calls++ })
	sel := s.SetDeviceCoordinate(minsk)
	if !sel.Origin.Equal(l2.Coordinates) {
		t.Errorf("explicit origin replaced: %v", sel.Origin)
	}
	if calls != 0 {
		t.Errorf("listener fired %d times for a region-only change", calls)
	}
}

func TestWriteGPX(t *testing.T) {
	s := NewSession()
	s.SetDeviceCoordinate(minsk)
	s.AddActiveLandmark(geo.Landmark{ID: "x", Name: "Fish & Chips <Bar>", Coordinates: l1.Coordinates})

	path := filepath.Join(t.TempDir(), "trip.gpx")
	if err := WriteGPX(path, s.Snapshot().Waypoints()); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	if strings.Count(out, "<wpt ") != 2 {
		t.Errorf("want 2 waypoints:\n%s", out)
	}
	if !strings.Contains(out, "Fish &amp; Chips &lt;Bar&gt;") {
		t.Errorf("name not escaped:\n%s", out)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}
