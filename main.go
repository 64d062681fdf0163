package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rubiojr/tripguide/pkg/api"
	"github.com/rubiojr/tripguide/pkg/backend"
	"github.com/rubiojr/tripguide/pkg/config"
	"github.com/rubiojr/tripguide/pkg/engagement"
	"github.com/rubiojr/tripguide/pkg/location"
	"github.com/rubiojr/tripguide/pkg/logger"
	"github.com/rubiojr/tripguide/pkg/recommend"
	"github.com/rubiojr/tripguide/pkg/search"
	"github.com/rubiojr/tripguide/pkg/session"
	"github.com/rubiojr/tripguide/pkg/store"
	"github.com/rubiojr/tripguide/pkg/trip"
)

func main() {
	debugFlag := flag.Bool("debug", false, "enable debug logging")
	configFlag := flag.String("config", config.DefaultFile(), "path to the YAML config file")
	listenFlag := flag.String("listen", "", "loopback address of the local API (overrides config)")
	dataDirFlag := flag.String("data-dir", "", "custom data directory (overrides XDG_DATA_HOME)")
	configDirFlag := flag.String("config-dir", "", "custom config directory (overrides XDG_CONFIG_HOME)")
	cacheDirFlag := flag.String("cache-dir", "", "custom cache directory (overrides XDG_CACHE_HOME)")
	flag.Parse()

	logger.SetDebug(*debugFlag)

	cfg, err := config.Load(*configFlag)
	if err != nil {
		logger.Fatal("config: %v", err)
	}
	if *listenFlag != "" {
		cfg.Listen = *listenFlag
	}
	if *dataDirFlag != "" {
		cfg.DataDir = *dataDirFlag
	}
	if *configDirFlag != "" {
		cfg.ConfigDir = *configDirFlag
	}
	if *cacheDirFlag != "" {
		cfg.CacheDir = *cacheDirFlag
	}
	cfg.ResolveDirs()
	if err := cfg.EnsureDirs(); err != nil {
		logger.Fatal("create directories: %v", err)
	}
	if err := api.ListenAddr(cfg.Listen); err != nil {
		logger.Fatal("%v", err)
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		logger.Fatal("open session store: %v", err)
	}
	defer st.Close()

	// The geocode cache is disposable; run without it rather than fail.
	var geocodeCache *store.Bucket
	cacheStore, err := store.Open(cfg.CachePath())
	if err != nil {
		logger.Error("geocode cache unavailable (continuing without): %v", err)
	} else {
		defer cacheStore.Close()
		geocodeCache = cacheStore.Scope("geocode")
	}

	creds, err := session.OpenCredentialCache(st.Scope(trip.ScopeAuth), cfg.KeyPath())
	if err != nil {
		logger.Error("credential cache unavailable: %v", err)
		creds = nil
	}
	sessOpts := []session.Option{session.WithProfiles(st.Scope(trip.ScopeProfile))}
	if creds != nil {
		if c, ok, err := creds.Load(); err != nil {
			logger.Error("cached credentials: %v", err)
		} else if ok && c.UserID != "" {
			logger.Debug("resuming session from cached credentials")
			sessOpts = append(sessOpts, session.WithUser(c.UserID))
		}
	}
	sess := session.New(sessOpts...)

	client, err := backend.New(cfg.BackendURL, cfg.BackendTimeout)
	if err != nil {
		logger.Fatal("backend: %v", err)
	}
	deps := trip.Deps{
		Store:    st,
		Session:  sess,
		Location: locationSource(cfg),
		Search:   searchProvider(cfg, client, geocodeCache),
	}
	if client.Enabled() {
		var (
			f recommend.Fetcher  = client
			r recommend.Rater    = client
			s engagement.Sender  = client
			a trip.ArticleSource = client
		)
		deps.Fetcher, deps.Rater, deps.Sender, deps.Articles = f, r, s, a
	} else {
		logger.Info("no backend configured: recommendations disabled, engagement kept locally")
	}
	if !cfg.MapsEnabled() {
		logger.Info("no map API key configured: map rendering disabled")
	}

	ctrl, err := trip.New(deps, trip.Options{
		SearchWindow:       cfg.Search.Window,
		SearchLimit:        cfg.Search.Limit,
		MaxRecommendations: cfg.Recommendations.MaxCount,
		LocationTimeout:    cfg.Location.Timeout,
		SendTimeout:        cfg.Engagement.SendTimeout,
		MapsEnabled:        cfg.MapsEnabled(),
		ExportDir:          cfg.ExportDir(),
	})
	if err != nil {
		logger.Fatal("%v", err)
	}
	ctrl.Start()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.New(ctrl, creds).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("local API listening on http://%s/api/state", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("API server error on %s: %v", cfg.Listen, err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API shutdown: %v", err)
	}
	if err := ctrl.Close(shutdownCtx); err != nil {
		logger.Error("controller close: %v", err)
	}
	if err := sess.Close(); err != nil {
		logger.Error("session close: %v", err)
	}
}

// locationSource picks the device source. With GeoClue, a configured
// coordinate serves as the fallback when no fix can be had.
func locationSource(cfg *config.Config) location.Source {
	switch cfg.Location.Source {
	case config.LocationNone:
		return nil
	case config.LocationStatic:
		return location.Static{Coordinate: cfg.Location.Static()}
	}
	gc := location.GeoClue{DesktopID: cfg.Location.DesktopID}
	if c := cfg.Location.Static(); c.Valid() {
		return location.First(gc, location.Static{Coordinate: c})
	}
	return gc
}

// searchProvider puts the backend first when configured, Nominatim as the
// fallback, and an in-memory LRU in front of both.
func searchProvider(cfg *config.Config, client *backend.Client, cache *store.Bucket) search.Provider {
	var p search.Provider
	if cfg.Nominatim.Enabled {
		p = search.NewNominatim(cfg.Nominatim.Server, cfg.Nominatim.Retries, cache)
	}
	if client.Enabled() {
		if p != nil {
			p = search.Fallback(client, p)
		} else {
			p = client
		}
	}
	if p == nil {
		return nil
	}
	if cfg.Search.CacheSize > 0 {
		cached, err := search.NewCached(p, cfg.Search.CacheSize)
		if err != nil {
			logger.Error("search cache: %v", err)
			return p
		}
		return cached
	}
	return p
}
