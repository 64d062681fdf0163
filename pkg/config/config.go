// Package config loads tripguide settings: defaults, an optional YAML file,
// then TRIPGUIDE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rubiojr/tripguide/pkg/geo"
	"github.com/rubiojr/tripguide/pkg/logger"
	"gopkg.in/yaml.v3"
)

// Location sources.
const (
	LocationGeoClue = "geoclue"
	LocationStatic  = "static"
	LocationNone    = "none"
)

// Config holds the full tripguide configuration.
type Config struct {
	Listen         string        `yaml:"listen"`
	BackendURL     string        `yaml:"backend_url"`
	BackendTimeout time.Duration `yaml:"backend_timeout"`
	MapsAPIKey     string        `yaml:"maps_api_key"`

	Search          SearchConfig          `yaml:"search"`
	Nominatim       NominatimConfig       `yaml:"nominatim"`
	Location        LocationConfig        `yaml:"location"`
	Recommendations RecommendationsConfig `yaml:"recommendations"`
	Engagement      EngagementConfig      `yaml:"engagement"`

	DataDir   string `yaml:"data_dir"`
	ConfigDir string `yaml:"config_dir"`
	CacheDir  string `yaml:"cache_dir"`
}

// SearchConfig tunes the debouncer.
type SearchConfig struct {
	Window    time.Duration `yaml:"window"`
	Limit     int           `yaml:"limit"`
	CacheSize int           `yaml:"cache_size"`
}

// NominatimConfig configures the geocoding fallback.
type NominatimConfig struct {
	Enabled bool   `yaml:"enabled"`
	Server  string `yaml:"server"`
	Retries int    `yaml:"retries"`
}

// LocationConfig picks the device location source.
type LocationConfig struct {
	Source    string        `yaml:"source"` // geoclue | static | none
	DesktopID string        `yaml:"desktop_id"`
	Latitude  float64       `yaml:"latitude"`
	Longitude float64       `yaml:"longitude"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Static returns the configured fixed coordinate.
func (l LocationConfig) Static() geo.Coordinate {
	return geo.Coordinate{Latitude: l.Latitude, Longitude: l.Longitude}
}

// RecommendationsConfig bounds recommendation batches.
type RecommendationsConfig struct {
	MaxCount int `yaml:"max_count"`
}

// EngagementConfig tunes telemetry submission.
type EngagementConfig struct {
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:         "127.0.0.1:43099",
		BackendTimeout: 12 * time.Second,
		Search: SearchConfig{
			Window:    150 * time.Millisecond,
			Limit:     8,
			CacheSize: 256,
		},
		Nominatim: NominatimConfig{
			Enabled: true,
			Server:  "https://nominatim.openstreetmap.org",
			Retries: 1,
		},
		Location: LocationConfig{
			Source:    LocationGeoClue,
			DesktopID: "tripguide",
			Timeout:   30 * time.Second,
		},
		Recommendations: RecommendationsConfig{MaxCount: 10},
		Engagement:      EngagementConfig{SendTimeout: 10 * time.Second},
	}
}

// Load returns DefaultConfig overlaid with the YAML file at path and the
// environment. An empty path skips the file; a missing default file is not
// an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			logger.Debug("config: %s not found, using defaults", path)
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

// ApplyEnv applies TRIPGUIDE_* overrides. Invalid values are logged and
// ignored.
func (c *Config) ApplyEnv() {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			} else {
				logger.Error("config: ignoring %s=%q", key, v)
			}
		}
	}
	num := func(key string, dst *int, min, max int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= min && n <= max {
				*dst = n
			} else {
				logger.Error("config: ignoring %s=%q", key, v)
			}
		}
	}

	str("TRIPGUIDE_LISTEN", &c.Listen)
	str("TRIPGUIDE_BACKEND_URL", &c.BackendURL)
	dur("TRIPGUIDE_BACKEND_TIMEOUT", &c.BackendTimeout)
	str("TRIPGUIDE_MAPS_API_KEY", &c.MapsAPIKey)
	dur("TRIPGUIDE_SEARCH_WINDOW", &c.Search.Window)
	num("TRIPGUIDE_SEARCH_LIMIT", &c.Search.Limit, 1, 50)
	str("TRIPGUIDE_NOMINATIM_SERVER", &c.Nominatim.Server)
	num("TRIPGUIDE_NOMINATIM_RETRIES", &c.Nominatim.Retries, 0, 5)
	str("TRIPGUIDE_LOCATION_SOURCE", &c.Location.Source)
	if v := os.Getenv("TRIPGUIDE_LOCATION"); v != "" {
		if lat, lon, ok := parseLatLon(v); ok {
			c.Location.Source = LocationStatic
			c.Location.Latitude, c.Location.Longitude = lat, lon
		} else {
			logger.Error("config: ignoring TRIPGUIDE_LOCATION=%q (want lat,lon)", v)
		}
	}
	num("TRIPGUIDE_MAX_RECOMMENDATIONS", &c.Recommendations.MaxCount, 1, 100)
	str("TRIPGUIDE_DATA_DIR", &c.DataDir)
	str("TRIPGUIDE_CONFIG_DIR", &c.ConfigDir)
	str("TRIPGUIDE_CACHE_DIR", &c.CacheDir)
}

func parseLatLon(s string) (float64, float64, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lat, lon, geo.Coordinate{Latitude: lat, Longitude: lon}.Valid()
}

// Validate checks that values are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.BackendURL != "" {
		u, err := url.Parse(c.BackendURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("backend_url %q must be an http(s) URL", c.BackendURL)
		}
	}
	if c.Search.Window <= 0 {
		return fmt.Errorf("search.window must be > 0")
	}
	if c.Search.Limit <= 0 {
		return fmt.Errorf("search.limit must be > 0")
	}
	if c.Recommendations.MaxCount <= 0 {
		return fmt.Errorf("recommendations.max_count must be > 0")
	}
	switch c.Location.Source {
	case LocationGeoClue, LocationNone, "":
	case LocationStatic:
		if !c.Location.Static().Valid() {
			return fmt.Errorf("location: static source needs a valid latitude/longitude")
		}
	default:
		return fmt.Errorf("location.source: unsupported %q (use geoclue, static or none)", c.Location.Source)
	}
	return nil
}

// BackendEnabled reports whether a backend URL is configured.
func (c *Config) BackendEnabled() bool { return c.BackendURL != "" }

// MapsEnabled reports whether map rendering can be offered to the UI. A
// missing key disables it; it is never fatal.
func (c *Config) MapsEnabled() bool { return strings.TrimSpace(c.MapsAPIKey) != "" }
