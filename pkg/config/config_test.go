package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Search.Window != 150*time.Millisecond {
		t.Errorf("window = %s", cfg.Search.Window)
	}
	if cfg.MapsEnabled() || cfg.BackendEnabled() {
		t.Error("maps/backend enabled without configuration")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	p := writeFile(t, `
backend_url: https://api.example.com
maps_api_key: abc
search:
  window: 300ms
  limit: 5
location:
  source: static
  latitude: 53.9
  longitude: 27.6
`)
	t.Setenv("TRIPGUIDE_SEARCH_LIMIT", "3")
	t.Setenv("TRIPGUIDE_NOMINATIM_RETRIES", "99")

	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Search.Window != 300*time.Millisecond {
		t.Errorf("window = %s", cfg.Search.Window)
	}
	if cfg.Search.Limit != 3 {
		t.Errorf("env override not applied: limit = %d", cfg.Search.Limit)
	}
	if cfg.Nominatim.Retries != 1 {
		t.Errorf("out of range env value applied: %d", cfg.Nominatim.Retries)
	}
	if !cfg.MapsEnabled() || !cfg.BackendEnabled() {
		t.Error("maps/backend should be enabled")
	}
	if cfg.Search.CacheSize != 256 {
		t.Errorf("default lost under partial file: cache_size = %d", cfg.Search.CacheSize)
	}
}

func TestStaticLocationFromEnv(t *testing.T) {
	t.Setenv("TRIPGUIDE_LOCATION", "53.9, 27.6")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Location.Source != LocationStatic || cfg.Location.Static().Latitude != 53.9 {
		t.Errorf("location = %+v", cfg.Location)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"bad scheme":   "backend_url: ftp://x\n",
		"bad source":   "location:\n  source: gps\n",
		"static empty": "location:\n  source: static\n",
		"zero window":  "search:\n  window: 0s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, body)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestMissingFileIsNotAnError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Errorf("missing file err = %v", err)
	}
}

func TestResolveDirs(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(base, "data"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(base, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(base, "cache"))

	cfg := DefaultConfig()
	cfg.CacheDir = filepath.Join(base, "custom")
	cfg.ResolveDirs()
	if cfg.DataDir != filepath.Join(base, "data", "tripguide") {
		t.Errorf("data dir = %s", cfg.DataDir)
	}
	if cfg.CacheDir != filepath.Join(base, "custom") {
		t.Errorf("explicit cache dir replaced: %s", cfg.CacheDir)
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(cfg.ConfigDir); err != nil || !fi.IsDir() {
		t.Errorf("config dir not created: %v", err)
	}
	if cfg.ExportDir() != filepath.Join(cfg.DataDir, "exports") {
		t.Errorf("export dir = %s", cfg.ExportDir())
	}
}
