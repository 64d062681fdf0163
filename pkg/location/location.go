// Package location acquires one device position fix.
package location

import (
	"context"
	"errors"
	"time"

	"github.com/rubiojr/tripguide/pkg/geo"
	"github.com/rubiojr/tripguide/pkg/logger"
)

var (
	// ErrPermissionDenied means the user or the platform refused access.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrLocationUnavailable means no fix was produced.
	ErrLocationUnavailable = errors.New("location unavailable")
)

var log = logger.Named("location")

// Fix is one position report.
type Fix struct {
	geo.Coordinate
	Accuracy  float64   `json:"accuracyM,omitempty"`
	Altitude  float64   `json:"altitudeM,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Source produces a single fix. Acquire may block on a permission prompt
// and returns when a fix arrives, access is refused, or ctx ends.
// It never retries on its own.
type Source interface {
	Acquire(ctx context.Context) (Fix, error)
}

// Static reports a fixed coordinate, or Err when set.
type Static struct {
	Coordinate geo.Coordinate
	Err        error
}

func (s Static) Acquire(ctx context.Context) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, ErrLocationUnavailable
	}
	if s.Err != nil {
		return Fix{}, s.Err
	}
	if !s.Coordinate.Valid() {
		return Fix{}, ErrLocationUnavailable
	}
	return Fix{Coordinate: s.Coordinate, Timestamp: time.Now().UTC()}, nil
}

// First tries each source in order and returns the first fix. A permission
// refusal stops the chain.
func First(sources ...Source) Source {
	return chain(sources)
}

type chain []Source

func (c chain) Acquire(ctx context.Context) (Fix, error) {
	err := ErrLocationUnavailable
	for _, s := range c {
		fix, e := s.Acquire(ctx)
		if e == nil {
			return fix, nil
		}
		err = e
		if errors.Is(e, ErrPermissionDenied) || ctx.Err() != nil {
			break
		}
	}
	return Fix{}, err
}
