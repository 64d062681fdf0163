package main

import (
	"testing"

	"github.com/rubiojr/tripguide/pkg/backend"
	"github.com/rubiojr/tripguide/pkg/config"
	"github.com/rubiojr/tripguide/pkg/location"
	"github.com/rubiojr/tripguide/pkg/search"
)

func TestLocationSource(t *testing.T) {
	cfg := config.DefaultConfig()

	cfg.Location.Source = config.LocationNone
	if src := locationSource(cfg); src != nil {
		t.Errorf("none = %T", src)
	}

	cfg.Location.Source = config.LocationGeoClue
	if _, ok := locationSource(cfg).(location.GeoClue); !ok {
		t.Errorf("geoclue without fallback = %T", locationSource(cfg))
	}

	cfg.Location.Latitude, cfg.Location.Longitude = 53.9, 27.6
	src := locationSource(cfg)
	if _, ok := src.(location.GeoClue); ok || src == nil {
		t.Errorf("geoclue with fallback = %T, want a chain", src)
	}

	cfg.Location.Source = config.LocationStatic
	if s, ok := locationSource(cfg).(location.Static); !ok || s.Coordinate.Latitude != 53.9 {
		t.Errorf("static = %#v", locationSource(cfg))
	}
}

func TestSearchProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	off, err := backend.New("", 0)
	if err != nil {
		t.Fatal(err)
	}

	cfg.Nominatim.Enabled = false
	if p := searchProvider(cfg, off, nil); p != nil {
		t.Errorf("no providers = %T", p)
	}

	cfg.Nominatim.Enabled = true
	if _, ok := searchProvider(cfg, off, nil).(*search.Cached); !ok {
		t.Errorf("nominatim = %T, want cached", searchProvider(cfg, off, nil))
	}

	cfg.Search.CacheSize = 0
	if _, ok := searchProvider(cfg, off, nil).(*search.Nominatim); !ok {
		t.Errorf("uncached nominatim = %T", searchProvider(cfg, off, nil))
	}
}
