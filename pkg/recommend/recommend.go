// Package recommend holds the ranked waypoint suggestions for the current
// origin/destination pair.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rubiojr/tripguide/pkg/geo"
	"github.com/rubiojr/tripguide/pkg/logger"
	"github.com/rubiojr/tripguide/pkg/validate"
)

var (
	// ErrRecommendationUnavailable wraps any fetch failure. The held list is
	// emptied when it is returned.
	ErrRecommendationUnavailable = errors.New("recommendations unavailable")
	// ErrStale is returned by Fetch when a newer fetch or a Cancel superseded
	// it; its result was not applied.
	ErrStale = errors.New("recommendation fetch superseded")
)

const (
	MinRating = 0
	MaxRating = 5
)

var log = logger.Named("recommend")

// Recommendation is one ranked waypoint. RowID is stable across a batch and
// identifies the row for removal and rating.
type Recommendation struct {
	Name        string         `json:"name"`
	Coordinates geo.Coordinate `json:"coordinates"`
	RankIndex   int            `json:"rankIndex"`
	RowID       string         `json:"rowId"`
}

// Rating is the feedback posted once the user is done with a batch.
type Rating struct {
	Primary    []Recommendation `json:"primaryRecommendations"`
	Result     []Recommendation `json:"resultRecommendations"`
	UserRating float64          `json:"userRating"`
}

// Fetcher requests a batch from the backend.
type Fetcher interface {
	Recommendations(ctx context.Context, origin, destination geo.Coordinate, maxCount int) ([]Recommendation, error)
}

// Rater posts batch feedback to the backend.
type Rater interface {
	RateRoute(ctx context.Context, r Rating) error
}

// Service keeps the latest applied batch. Fetches are ordered by generation:
// only the most recent one may apply its result.
type Service struct {
	fetcher Fetcher
	rater   Rater

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	primary []Recommendation
	current []Recommendation
}

// New returns a Service. rater may be nil, which disables Rate.
func New(f Fetcher, rater Rater) *Service {
	return &Service{fetcher: f, rater: rater}
}

// Ticket is a claimed fetch generation. Only the newest ticket may apply its
// result.
type Ticket struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Begin claims the next generation and cancels the fetch in flight, if any.
// Claiming happens at the call, so tickets are ordered by when Begin ran, not
// by when their fetches start.
func (s *Service) Begin(ctx context.Context) *Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	return &Ticket{gen: s.gen, ctx: ctx, cancel: cancel}
}

// Fetch requests up to maxCount recommendations and applies them if no newer
// fetch or Cancel happened meanwhile. On failure the held list becomes empty.
func (s *Service) Fetch(ctx context.Context, origin, destination geo.Coordinate, maxCount int) ([]Recommendation, error) {
	return s.Run(s.Begin(ctx), origin, destination, maxCount)
}

// Run performs the fetch claimed by t. A ticket superseded before or during
// the request returns ErrStale and leaves the held list alone.
func (s *Service) Run(t *Ticket, origin, destination geo.Coordinate, maxCount int) ([]Recommendation, error) {
	defer t.cancel()
	if s.stale(t.gen) {
		return nil, ErrStale
	}
	if s.fetcher == nil {
		return s.fail(t.gen, errors.New("no recommendation backend configured"))
	}
	recs, err := s.fetcher.Recommendations(t.ctx, origin, destination, maxCount)

	s.mu.Lock()
	defer s.mu.Unlock()
	if t.gen != s.gen {
		log.Debug("discarding stale batch gen=%d latest=%d", t.gen, s.gen)
		return nil, ErrStale
	}
	s.cancel = nil
	if err != nil {
		s.primary, s.current = nil, nil
		log.Error("fetch %v -> %v: %v", origin, destination, err)
		return nil, fmt.Errorf("%w: %v", ErrRecommendationUnavailable, err)
	}
	if maxCount > 0 && len(recs) > maxCount {
		recs = recs[:maxCount]
	}
	s.primary = append([]Recommendation(nil), recs...)
	s.current = append([]Recommendation(nil), recs...)
	log.Debug("applied %d recommendation(s) gen=%d", len(recs), t.gen)
	return s.list(), nil
}

func (s *Service) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen != s.gen
}

func (s *Service) fail(gen uint64, err error) ([]Recommendation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.gen {
		s.primary, s.current = nil, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrRecommendationUnavailable, err)
}

// Cancel invalidates any in-flight fetch so its result is never applied.
func (s *Service) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Clear cancels in-flight work and forgets the current batch.
func (s *Service) Clear() {
	s.Cancel()
	s.mu.Lock()
	s.primary, s.current = nil, nil
	s.mu.Unlock()
}

// List returns a copy of the held list.
func (s *Service) List() []Recommendation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *Service) list() []Recommendation {
	return append([]Recommendation(nil), s.current...)
}

// Remove drops the row client side. No request is made.
func (s *Service) Remove(rowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.current[:0:0]
	removed := false
	for _, r := range s.current {
		if r.RowID == rowID {
			removed = true
			continue
		}
		out = append(out, r)
	}
	s.current = out
	return removed
}

// Rate posts the primary batch, the rows the user kept and userRating.
func (s *Service) Rate(ctx context.Context, userRating float64) error {
	if err := validate.InRange("userRating", userRating, MinRating, MaxRating); err != nil {
		return err
	}
	if s.rater == nil {
		return fmt.Errorf("%w: no rating backend configured", ErrRecommendationUnavailable)
	}
	s.mu.Lock()
	r := Rating{
		Primary:    append([]Recommendation(nil), s.primary...),
		Result:     append([]Recommendation(nil), s.current...),
		UserRating: userRating,
	}
	s.mu.Unlock()
	if len(r.Primary) == 0 {
		return fmt.Errorf("%w: nothing to rate", ErrRecommendationUnavailable)
	}
	return s.rater.RateRoute(ctx, r)
}
