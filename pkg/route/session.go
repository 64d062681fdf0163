// Package route holds the trip being planned: the origin/destination
// selection, the two most recently chosen landmarks and the map viewport.
package route

import (
	"slices"
	"sync"

	"github.com/rubiojr/tripguide/pkg/geo"
	"github.com/rubiojr/tripguide/pkg/logger"
)

// ActiveCapacity is the size of the active landmark ring.
const ActiveCapacity = 2

var log = logger.Named("route")

// Selection is a snapshot of the route ends. Generation increases on every
// mutation, so two snapshots with the same generation are identical.
type Selection struct {
	Origin      *geo.Coordinate `json:"origin"`
	Destination *geo.Coordinate `json:"destination"`
	Generation  uint64          `json:"generation"`
}

// Complete reports whether both ends are set.
func (s Selection) Complete() bool {
	return s.Origin != nil && s.Destination != nil
}

// Snapshot is the full observable state of a Session.
type Snapshot struct {
	Selection
	Active []geo.Landmark  `json:"active"`
	Region geo.Region      `json:"region"`
	Device *geo.Coordinate `json:"device,omitempty"`
}

// Session is safe for concurrent use. Every mutator is one critical section
// that rewrites only the fields it names; listeners run after the lock is
// released, in mutation order per goroutine.
type Session struct {
	mu        sync.Mutex
	origin    *geo.Coordinate
	dest      *geo.Coordinate
	active    []geo.Landmark
	device    *geo.Coordinate
	region    geo.Region
	gen       uint64
	listeners []func(Selection)
}

// NewSession returns an empty session showing geo.DefaultRegion.
func NewSession() *Session {
	return &Session{region: geo.DefaultRegion}
}

func clone(c *geo.Coordinate) *geo.Coordinate {
	if c == nil {
		return nil
	}
	return c.Ptr()
}

// selection must be called with s.mu held.
func (s *Session) selection() Selection {
	return Selection{Origin: clone(s.origin), Destination: clone(s.dest), Generation: s.gen}
}

// commit bumps the generation and returns what to notify. Call with s.mu
// held.
func (s *Session) commit() (Selection, []func(Selection)) {
	s.gen++
	sel := s.selection()
	log.Debug("gen=%d origin=%v destination=%v", sel.Generation, sel.Origin, sel.Destination)
	return sel, slices.Clone(s.listeners)
}

func (s *Session) emit(sel Selection, ls []func(Selection)) {
	for _, fn := range ls {
		fn(sel)
	}
}

// SetOrigin sets or, with nil, clears the origin. The destination is kept.
func (s *Session) SetOrigin(c *geo.Coordinate) Selection {
	s.mu.Lock()
	s.origin = clone(c)
	sel, ls := s.commit()
	s.mu.Unlock()
	s.emit(sel, ls)
	return sel
}

// SetDestination sets or, with nil, clears the destination. The origin is
// kept.
func (s *Session) SetDestination(c *geo.Coordinate) Selection {
	s.mu.Lock()
	s.dest = clone(c)
	sel, ls := s.commit()
	s.mu.Unlock()
	s.emit(sel, ls)
	return sel
}

// AddActiveLandmark pushes l into the ring, evicting the oldest beyond
// ActiveCapacity, and resolves the route ends from it.
//
// With one active landmark the destination is the landmark and the origin
// is the current origin or, when unset, the device coordinate. With two the
// older one is the origin and the newer the destination.
func (s *Session) AddActiveLandmark(l geo.Landmark) Selection {
	s.mu.Lock()
	s.active = append(s.active, l)
	if n := len(s.active); n > ActiveCapacity {
		s.active = append([]geo.Landmark(nil), s.active[n-ActiveCapacity:]...)
	}
	switch len(s.active) {
	case 1:
		if s.origin == nil {
			s.origin = clone(s.device)
		}
		s.dest = l.Coordinates.Ptr()
	case 2:
		s.origin = s.active[0].Coordinates.Ptr()
		s.dest = s.active[1].Coordinates.Ptr()
	}
	s.region = s.region.WithCenter(l.Coordinates)
	sel, ls := s.commit()
	s.mu.Unlock()
	s.emit(sel, ls)
	return sel
}

// Reset empties the selection and the ring and re-centres the viewport on
// the last device coordinate, if any.
func (s *Session) Reset() Selection {
	s.mu.Lock()
	s.origin, s.dest, s.active = nil, nil, nil
	if s.device != nil {
		s.region = s.region.WithCenter(*s.device)
	}
	sel, ls := s.commit()
	s.mu.Unlock()
	s.emit(sel, ls)
	return sel
}

// SetDeviceCoordinate records a device fix. The viewport moves to it keeping
// its deltas; an unset origin defaults to it.
func (s *Session) SetDeviceCoordinate(c geo.Coordinate) Selection {
	s.mu.Lock()
	s.device = c.Ptr()
	s.region = s.region.WithCenter(c)
	if s.origin != nil {
		sel := s.selection()
		s.mu.Unlock()
		return sel
	}
	s.origin = c.Ptr()
	sel, ls := s.commit()
	s.mu.Unlock()
	s.emit(sel, ls)
	return sel
}

// SetRegion replaces the viewport.
func (s *Session) SetRegion(r geo.Region) {
	s.mu.Lock()
	s.region = r
	s.mu.Unlock()
}

// Region returns the viewport.
func (s *Session) Region() geo.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.region
}

// Selection returns the route ends.
func (s *Session) Selection() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection()
}

// Snapshot returns the whole state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Selection: s.selection(),
		Active:    append([]geo.Landmark(nil), s.active...),
		Region:    s.region,
		Device:    clone(s.device),
	}
}

// OnChange registers fn for every selection change.
func (s *Session) OnChange(fn func(Selection)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}
