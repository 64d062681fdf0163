// Package geo holds the coordinate, viewport and landmark value types shared
// by the trip session components.
package geo

import (
	"fmt"
	"math"
	"strconv"
)

// Epsilon is the coordinate precision threshold for considering two points
// identical. Keep it consistent with KeyPrecision.
const Epsilon = 1e-6

// KeyPrecision is the number of decimal places coordinates are normalized to
// when building identity keys.
const KeyPrecision = 6

// Coordinate is an immutable latitude/longitude pair.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Equal reports whether c and o are within Epsilon on both axes.
func (c Coordinate) Equal(o Coordinate) bool {
	return math.Abs(c.Latitude-o.Latitude) < Epsilon &&
		math.Abs(c.Longitude-o.Longitude) < Epsilon
}

// Valid rejects out of range values and the (0,0) "no fix" sentinel that
// location providers report before they have a position.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) {
		return false
	}
	if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
		return false
	}
	return !(c.Latitude == 0 && c.Longitude == 0)
}

// Key returns a stable string for c normalized to KeyPrecision.
func (c Coordinate) Key() string {
	lat := strconv.FormatFloat(roundTo(c.Latitude, KeyPrecision), 'f', KeyPrecision, 64)
	lon := strconv.FormatFloat(roundTo(c.Longitude, KeyPrecision), 'f', KeyPrecision, 64)
	return lat + "," + lon
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%.6f,%.6f)", c.Latitude, c.Longitude)
}

// Ptr returns a pointer to a copy of c, handy for optional route ends.
func (c Coordinate) Ptr() *Coordinate {
	return &c
}

// Region is a map viewport: a centre plus the visible span.
type Region struct {
	Coordinate
	LatitudeDelta  float64 `json:"latitudeDelta"`
	LongitudeDelta float64 `json:"longitudeDelta"`
}

// DefaultRegion is the viewport used before any device fix is known.
var DefaultRegion = Region{
	Coordinate:     Coordinate{Latitude: 53.893009, Longitude: 27.567444},
	LatitudeDelta:  0.5,
	LongitudeDelta: 0.2,
}

// WithCenter moves the viewport keeping the current deltas.
func (r Region) WithCenter(c Coordinate) Region {
	r.Coordinate = c
	return r
}

// Landmark is a named point of interest returned by search.
type Landmark struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Coordinates Coordinate `json:"coordinates"`
}

// Key returns the identity key of a landmark. Name participates fully in
// identity: two different names at the same coordinates are distinct.
func (l Landmark) Key() string {
	return l.Name + "|" + l.Coordinates.Key()
}

// DedupeLandmarks returns a new slice without duplicates (same Key),
// preserving first occurrence order. The input is not modified.
func DedupeLandmarks(in []Landmark) []Landmark {
	if len(in) <= 1 {
		return append([]Landmark(nil), in...)
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]Landmark, 0, len(in))
	for _, l := range in {
		k := l.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, l)
	}
	return out
}

func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
