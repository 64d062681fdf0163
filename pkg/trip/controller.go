// Package trip wires the trip session components together.
//
// The Controller follows one control flow: a device fix seeds the route
// viewport and default origin, query edits feed the search debouncer,
// choosing a result mutates the route, a complete route triggers a
// recommendation fetch, and leaving a piece of content finalizes its
// engagement record.
//
// Only permission and validation failures are surfaced to the user, through
// Alerts. Everything else degrades to empty or previous state and is logged.
package trip

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rubiojr/tripguide/pkg/backend"
	"github.com/rubiojr/tripguide/pkg/engagement"
	"github.com/rubiojr/tripguide/pkg/geo"
	"github.com/rubiojr/tripguide/pkg/location"
	"github.com/rubiojr/tripguide/pkg/logger"
	"github.com/rubiojr/tripguide/pkg/recommend"
	"github.com/rubiojr/tripguide/pkg/route"
	"github.com/rubiojr/tripguide/pkg/search"
	"github.com/rubiojr/tripguide/pkg/session"
	"github.com/rubiojr/tripguide/pkg/store"
	"github.com/rubiojr/tripguide/pkg/validate"
)

var log = logger.Named("trip")

// Store scopes used by the controller.
const (
	ScopeEngagement = "engagement"
	ScopeProfile    = "profile"
	ScopeAuth       = "auth"
)

// ErrUnknownLandmark is returned when a landmark id is not in the current
// search results.
var ErrUnknownLandmark = errors.New("landmark not in search results")

// ArticleSource fetches articles.
type ArticleSource interface {
	Article(ctx context.Context, id string) (backend.Article, error)
	Articles(ctx context.Context) ([]backend.ArticleSummary, error)
}

// Deps are the collaborators of a Controller. Nil interfaces disable the
// matching feature.
type Deps struct {
	Store    *store.Store
	Session  *session.Context
	Location location.Source
	Search   search.Provider
	Fetcher  recommend.Fetcher
	Rater    recommend.Rater
	Sender   engagement.Sender
	Articles ArticleSource
}

// Options tune a Controller.
type Options struct {
	SearchWindow       time.Duration
	SearchLimit        int
	MaxRecommendations int
	LocationTimeout    time.Duration
	SendTimeout        time.Duration
	MapsEnabled        bool
	// ExportDir receives GPX exports written without an explicit path.
	ExportDir string
}

// AlertKind classifies an alert.
type AlertKind string

const (
	AlertPermission AlertKind = "permission"
	AlertValidation AlertKind = "validation"
)

// Alert is a user-visible failure.
type Alert struct {
	Kind    AlertKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Controller owns one trip session.
type Controller struct {
	opts     Options
	sess     *session.Context
	loc      location.Source
	articles ArticleSource
	history  *store.History

	route    *route.Session
	search   *search.Debouncer
	recs     *recommend.Service
	recorder *engagement.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	alerts chan Alert

	// routeMu orders route notifications against recommendation tickets.
	routeMu  sync.Mutex
	routeGen uint64

	mu       sync.Mutex
	fix      *location.Fix
	locErr   error
	visits   map[string]*engagement.Visit
	recsErr  error
	closed   bool
	closeErr error
}

// New builds a Controller. deps.Store and deps.Session are required.
func New(deps Deps, opts Options) (*Controller, error) {
	if deps.Store == nil || deps.Session == nil {
		return nil, errors.New("trip: store and session are required")
	}
	if opts.MaxRecommendations <= 0 {
		opts.MaxRecommendations = 10
	}
	if opts.LocationTimeout <= 0 {
		opts.LocationTimeout = 30 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:     opts,
		sess:     deps.Session,
		loc:      deps.Location,
		articles: deps.Articles,
		history:  deps.Store.History(),
		route:    route.NewSession(),
		recs:     recommend.New(deps.Fetcher, deps.Rater),
		ctx:      ctx,
		cancel:   cancel,
		alerts:   make(chan Alert, 16),
		visits:   make(map[string]*engagement.Visit),
	}

	provider := deps.Search
	if provider == nil {
		provider = search.ProviderFunc(func(context.Context, string, int) ([]geo.Landmark, error) {
			return nil, errors.New("no search provider configured")
		})
	}
	c.search = search.NewDebouncer(provider,
		search.WithWindow(opts.SearchWindow),
		search.WithLimit(opts.SearchLimit))

	c.recorder = engagement.NewRecorder(
		deps.Store.Scope(ScopeEngagement),
		deps.Sender,
		deps.Session.UserID,
		engagement.WithSendTimeout(opts.SendTimeout))

	c.route.OnChange(c.onRouteChange)
	c.sess.OnAuthStateChanged(c.onAuthStateChanged)
	c.sess.OnClose(func() error { return c.Close(context.Background()) })
	return c, nil
}

// Start flushes engagement left over from a previous run and asks for a
// device fix. Both run in the background.
func (c *Controller) Start() {
	c.goBackground(func(ctx context.Context) {
		if _, err := c.recorder.FlushPending(ctx); err != nil && ctx.Err() == nil {
			log.Error("flush pending engagement (will retry later): %v", err)
		}
	})
	if c.loc != nil {
		c.goBackground(func(ctx context.Context) {
			_, _ = c.RefreshLocation(ctx)
		})
	}
}

func (c *Controller) goBackground(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

// Alerts delivers permission and validation failures.
func (c *Controller) Alerts() <-chan Alert { return c.alerts }

func (c *Controller) alert(kind AlertKind, err error) {
	a := Alert{Kind: kind, Message: err.Error(), At: time.Now().UTC()}
	select {
	case c.alerts <- a:
	default:
		log.Error("alert dropped (queue full): %s", a.Message)
	}
}

// surface routes err to Alerts when the user should see it and returns it
// unchanged.
func (c *Controller) surface(err error) error {
	switch {
	case err == nil:
	case errors.Is(err, location.ErrPermissionDenied):
		c.alert(AlertPermission, err)
	case errors.Is(err, validate.ErrValidation):
		c.alert(AlertValidation, err)
	}
	return err
}

// RefreshLocation acquires one fix. On success the viewport moves to it and
// it becomes the default origin.
func (c *Controller) RefreshLocation(ctx context.Context) (location.Fix, error) {
	if c.loc == nil {
		return location.Fix{}, location.ErrLocationUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.LocationTimeout)
	defer cancel()
	fix, err := c.loc.Acquire(ctx)

	c.mu.Lock()
	c.locErr = err
	if err == nil {
		c.fix = &fix
	}
	c.mu.Unlock()

	if err != nil {
		log.Error("location: %v", err)
		return location.Fix{}, c.surface(err)
	}
	log.Debug("device fix %v", fix.Coordinate)
	c.route.SetDeviceCoordinate(fix.Coordinate)
	return fix, nil
}

// Location returns the last fix.
func (c *Controller) Location() (location.Fix, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fix == nil {
		return location.Fix{}, false
	}
	return *c.fix, true
}

// Query feeds a query edit to the debouncer.
func (c *Controller) Query(text string) {
	c.search.OnQueryChanged(text)
}

// SearchResults returns the applied search results.
func (c *Controller) SearchResults() search.Results {
	return c.search.Results()
}

// RecentQueries returns recently chosen queries, newest first.
func (c *Controller) RecentQueries(limit int) ([]store.HistoryEntry, error) {
	return c.history.Recent(limit)
}

// SelectLandmark activates a landmark of the current results.
func (c *Controller) SelectLandmark(id string) (route.Selection, error) {
	l, ok := c.search.Lookup(id)
	if !ok {
		return route.Selection{}, c.surface(fmt.Errorf("%w: %w", ErrUnknownLandmark, validate.Failf("landmark", "unknown id %q", id)))
	}
	sel := c.route.AddActiveLandmark(l)
	if q := c.search.Results().Query; q != "" {
		coord := l.Coordinates
		if err := c.history.Add(q, &coord); err != nil {
			log.Error("record history: %v", err)
		}
	}
	return sel, nil
}

func checkCoordinate(field string, p *geo.Coordinate) error {
	if p != nil && !p.Valid() {
		return validate.Failf(field, "invalid coordinate %v", *p)
	}
	return nil
}

// SetOrigin sets or clears the origin.
func (c *Controller) SetOrigin(p *geo.Coordinate) (route.Selection, error) {
	if err := checkCoordinate("origin", p); err != nil {
		return route.Selection{}, c.surface(err)
	}
	return c.route.SetOrigin(p), nil
}

// SetDestination sets or clears the destination.
func (c *Controller) SetDestination(p *geo.Coordinate) (route.Selection, error) {
	if err := checkCoordinate("destination", p); err != nil {
		return route.Selection{}, c.surface(err)
	}
	return c.route.SetDestination(p), nil
}

// ResetRoute ends the current trip plan.
func (c *Controller) ResetRoute() route.Selection {
	return c.route.Reset()
}

// Route returns the route state.
func (c *Controller) Route() route.Snapshot {
	return c.route.Snapshot()
}

// Waypoints lists the trip plus the held recommendations, for export.
func (c *Controller) Waypoints() []route.Waypoint {
	wps := c.route.Snapshot().Waypoints()
	for _, r := range c.recs.List() {
		wps = append(wps, route.Waypoint{Name: r.Name, Coordinate: r.Coordinates, Desc: "recommendation"})
	}
	return wps
}

// SetRegion moves the viewport. Deltas must be positive.
func (c *Controller) SetRegion(r geo.Region) (geo.Region, error) {
	if !r.Valid() || r.LatitudeDelta <= 0 || r.LongitudeDelta <= 0 {
		return geo.Region{}, c.surface(validate.Failf("region", "invalid viewport %+v", r))
	}
	c.route.SetRegion(r)
	return c.route.Region(), nil
}

// ExportGPX writes Waypoints to path. An empty path picks a timestamped file
// under the export directory. It returns the path written.
func (c *Controller) ExportGPX(path string) (string, error) {
	if path == "" {
		if c.opts.ExportDir == "" {
			return "", errors.New("trip: no export directory configured")
		}
		if err := os.MkdirAll(c.opts.ExportDir, 0o755); err != nil {
			return "", fmt.Errorf("export gpx: %w", err)
		}
		path = filepath.Join(c.opts.ExportDir, "route-"+time.Now().UTC().Format("20060102-150405")+".gpx")
	}
	if err := route.WriteGPX(path, c.Waypoints()); err != nil {
		return "", fmt.Errorf("export gpx: %w", err)
	}
	log.Info("route exported to %s", path)
	return path, nil
}

func (c *Controller) onRouteChange(sel route.Selection) {
	c.routeMu.Lock()
	defer c.routeMu.Unlock()
	if sel.Generation <= c.routeGen {
		log.Debug("ignoring route gen=%d, already at %d", sel.Generation, c.routeGen)
		return
	}
	c.routeGen = sel.Generation
	if !sel.Complete() {
		c.recs.Clear()
		return
	}
	origin, dest := *sel.Origin, *sel.Destination
	t := c.recs.Begin(c.ctx)
	c.goBackground(func(context.Context) {
		_, err := c.recs.Run(t, origin, dest, c.opts.MaxRecommendations)
		if errors.Is(err, recommend.ErrStale) {
			return
		}
		c.mu.Lock()
		c.recsErr = err
		c.mu.Unlock()
	})
}

// Recommendations returns the held list.
func (c *Controller) Recommendations() []recommend.Recommendation {
	return c.recs.List()
}

// RemoveRecommendation drops a row client side.
func (c *Controller) RemoveRecommendation(rowID string) bool {
	return c.recs.Remove(rowID)
}

// RateRoute posts feedback for the current batch.
func (c *Controller) RateRoute(ctx context.Context, userRating float64) error {
	return c.surface(c.recs.Rate(ctx, userRating))
}

// Deactivate is called when the trip screen goes away: in-flight
// recommendation fetches are cancelled and never applied.
func (c *Controller) Deactivate() {
	c.recs.Cancel()
}

// EnterContent starts a visit of subject. An open visit of the same subject
// is finalized first.
func (c *Controller) EnterContent(subject string, initial engagement.Score) (*engagement.Visit, error) {
	if err := validate.NotBlank("subject", subject); err != nil {
		return nil, c.surface(err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, session.ErrClosed
	}
	prev := c.visits[subject]
	delete(c.visits, subject)
	c.mu.Unlock()
	if prev != nil {
		_, _ = prev.Exit()
	}

	v := c.recorder.Enter(subject, initial)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_, _ = v.Exit()
		return nil, session.ErrClosed
	}
	raced := c.visits[subject]
	c.visits[subject] = v
	c.mu.Unlock()
	if raced != nil {
		_, _ = raced.Exit()
	}
	return v, nil
}

// EnterRoute starts a visit of the route towards the current destination.
func (c *Controller) EnterRoute() (*engagement.Visit, error) {
	sel := c.route.Selection()
	if sel.Destination == nil {
		return nil, c.surface(validate.Failf("destination", "no destination selected"))
	}
	return c.EnterContent(engagement.RouteSubject(*sel.Destination), engagement.ScoreNeutral)
}

func (c *Controller) visit(subject string) (*engagement.Visit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.visits[subject]
	if !ok {
		return nil, validate.Failf("subject", "%q is not being viewed", subject)
	}
	return v, nil
}

// ScoreContent updates the score of an open visit.
func (c *Controller) ScoreContent(subject string, s engagement.Score) error {
	v, err := c.visit(subject)
	if err != nil {
		return c.surface(err)
	}
	return v.SetScore(s)
}

// ExitContent finalizes an open visit.
func (c *Controller) ExitContent(subject string) (engagement.Record, error) {
	c.mu.Lock()
	v, ok := c.visits[subject]
	delete(c.visits, subject)
	c.mu.Unlock()
	if !ok {
		return engagement.Record{}, c.surface(validate.Failf("subject", "%q is not being viewed", subject))
	}
	return v.Exit()
}

// OpenVisits lists subjects currently viewed.
func (c *Controller) OpenVisits() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.visits))
	for s := range c.visits {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Article fetches an article.
func (c *Controller) Article(ctx context.Context, id string) (backend.Article, error) {
	if err := validate.NotBlank("id", id); err != nil {
		return backend.Article{}, c.surface(err)
	}
	if c.articles == nil {
		return backend.Article{}, backend.ErrNotConfigured
	}
	return c.articles.Article(ctx, id)
}

// ListArticles returns the article list. A non-blank query keeps the rows
// whose title, author or snippet contains it, ignoring case.
func (c *Controller) ListArticles(ctx context.Context, query string) ([]backend.ArticleSummary, error) {
	if c.articles == nil {
		return nil, backend.ErrNotConfigured
	}
	all, err := c.articles.Articles(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return all, nil
	}
	out := all[:0:0]
	for _, a := range all {
		text := strings.ToLower(a.Title + "\n" + a.Author + "\n" + a.Snippet)
		if strings.Contains(text, q) {
			out = append(out, a)
		}
	}
	return out, nil
}

// SignIn handles an auth state change to userID; an empty id signs out.
func (c *Controller) SignIn(userID string) error {
	return c.sess.SetUser(userID)
}

func (c *Controller) onAuthStateChanged(userID string) {
	if userID == "" {
		return
	}
	c.goBackground(func(ctx context.Context) {
		if _, err := c.recorder.FlushPending(ctx); err != nil && ctx.Err() == nil {
			log.Error("flush after sign in: %v", err)
		}
	})
}

// SetDisplayName updates the profile of the signed in user.
func (c *Controller) SetDisplayName(name string) (session.Profile, error) {
	p, err := c.sess.SetDisplayName(name)
	return p, c.surface(err)
}

// State is the snapshot served to the UI.
type State struct {
	SessionID       string                     `json:"sessionId"`
	UserID          string                     `json:"userId,omitempty"`
	Profile         session.Profile            `json:"profile"`
	MapsEnabled     bool                       `json:"mapsEnabled"`
	Location        *location.Fix              `json:"location,omitempty"`
	LocationError   string                     `json:"locationError,omitempty"`
	Route           route.Snapshot             `json:"route"`
	Search          search.Results             `json:"search"`
	Recommendations []recommend.Recommendation `json:"recommendations"`
	RecsError       string                     `json:"recommendationsError,omitempty"`
	Viewing         []string                   `json:"viewing"`
}

// State returns a snapshot of the whole session.
func (c *Controller) State() State {
	st := State{
		SessionID:       c.sess.ID(),
		UserID:          c.sess.UserID(),
		Profile:         c.sess.Profile(),
		MapsEnabled:     c.opts.MapsEnabled,
		Route:           c.route.Snapshot(),
		Search:          c.search.Results(),
		Recommendations: c.recs.List(),
		Viewing:         c.OpenVisits(),
	}
	c.mu.Lock()
	if c.fix != nil {
		f := *c.fix
		st.Location = &f
	}
	if c.locErr != nil {
		st.LocationError = c.locErr.Error()
	}
	if c.recsErr != nil {
		st.RecsError = c.recsErr.Error()
	}
	c.mu.Unlock()
	return st
}

// Close finalizes every open visit, stops background work and waits for
// in-flight engagement sends until ctx ends. It runs once; later calls
// return the first result.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.closed = true
	open := c.visits
	c.visits = make(map[string]*engagement.Visit)
	c.mu.Unlock()

	var errs []error
	for subject, v := range open {
		if _, err := v.Exit(); err != nil {
			errs = append(errs, fmt.Errorf("finalize %s: %w", subject, err))
		}
	}
	c.search.Close()
	c.recs.Cancel()
	c.cancel()
	c.wg.Wait()
	if err := c.recorder.Wait(ctx); err != nil {
		log.Error("engagement sends still in flight at shutdown (kept for next launch)")
	}

	err := errors.Join(errs...)
	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
	return err
}
