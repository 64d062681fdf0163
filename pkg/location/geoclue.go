package location

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rubiojr/tripguide/pkg/geo"
)

/*
GeoClue2 one-shot fix.

GeoClue requires a DesktopId property matching a .desktop file in the XDG
data dirs that carries X-Geoclue-2-Client=true. Without it Start fails with
AccessDenied or silently never reports a location, so Acquire writes a
minimal one when missing.

The permission prompt, if any, is shown by the GeoClue agent while Start is
pending.
*/

const (
	geoService    = "org.freedesktop.GeoClue2"
	managerPath   = dbus.ObjectPath("/org/freedesktop/GeoClue2/Manager")
	managerIface  = "org.freedesktop.GeoClue2.Manager"
	clientIface   = "org.freedesktop.GeoClue2.Client"
	locationIface = "org.freedesktop.GeoClue2.Location"
	propsIface    = "org.freedesktop.DBus.Properties"

	// AccuracyExact is GCLUE_ACCURACY_LEVEL_EXACT.
	AccuracyExact = uint32(8)
	// AccuracyStreet is GCLUE_ACCURACY_LEVEL_STREET.
	AccuracyStreet = uint32(6)
)

// GeoClue acquires a fix from the GeoClue2 system service.
type GeoClue struct {
	DesktopID string
	Accuracy  uint32
	// AppsDir is where the .desktop file is ensured. Empty means
	// ~/.local/share/applications.
	AppsDir string
}

func (g GeoClue) Acquire(ctx context.Context) (Fix, error) {
	if g.DesktopID == "" {
		g.DesktopID = "tripguide"
	}
	if g.Accuracy == 0 {
		g.Accuracy = AccuracyExact
	}
	if err := ensureDesktopFile(g.AppsDir, g.DesktopID); err != nil {
		log.Error("failed to ensure desktop file (continuing): %v", err)
	}

	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return Fix{}, fmt.Errorf("%w: system bus: %v", ErrLocationUnavailable, err)
	}
	defer bus.Close()

	cl, err := newGeoClueClient(bus, g.DesktopID, g.Accuracy)
	if err != nil {
		return Fix{}, classify(err)
	}
	defer cl.stop()

	// Subscribe before Start so the first PropertiesChanged is not missed.
	matchRule := fmt.Sprintf("type='signal',interface='%s',path='%s'", propsIface, cl.path)
	if call := bus.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.AddMatch", 0, matchRule); call.Err != nil {
		return Fix{}, classify(call.Err)
	}
	sigCh := make(chan *dbus.Signal, 10)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)

	if call := cl.obj().CallWithContext(ctx, clientIface+".Start", 0); call.Err != nil {
		if ctx.Err() != nil {
			return Fix{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, ctx.Err())
		}
		return Fix{}, classify(call.Err)
	}

	if lp, err := cl.locationPath(ctx); err == nil && lp != "" && lp != "/" {
		if fix, ok := cl.readLocation(ctx, lp); ok {
			return fix, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return Fix{}, fmt.Errorf("%w: no fix before %v", ErrLocationUnavailable, ctx.Err())
		case sig := <-sigCh:
			if sig == nil {
				return Fix{}, fmt.Errorf("%w: dbus signal channel closed", ErrLocationUnavailable)
			}
			lp, ok := changedLocation(sig, cl.path)
			if !ok {
				continue
			}
			if fix, ok := cl.readLocation(ctx, lp); ok {
				return fix, nil
			}
		}
	}
}

// classify maps D-Bus failures onto the package errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	name := dbusErrorName(err)
	switch {
	case strings.HasSuffix(name, ".AccessDenied"), strings.HasSuffix(name, ".AuthFailed"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	}
}

func dbusErrorName(err error) string {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name
	}
	return ""
}

func changedLocation(sig *dbus.Signal, path dbus.ObjectPath) (dbus.ObjectPath, bool) {
	if sig.Name != propsIface+".PropertiesChanged" || sig.Path != path || len(sig.Body) < 2 {
		return "", false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", false
	}
	v, ok := changed["Location"]
	if !ok {
		return "", false
	}
	lp, ok := v.Value().(dbus.ObjectPath)
	return lp, ok && lp != "" && lp != "/"
}

// ensureDesktopFile writes a minimal desktop file if it does not already
// exist. An existing file is left alone.
func ensureDesktopFile(appsDir, desktopID string) error {
	if appsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		appsDir = filepath.Join(home, ".local", "share", "applications")
	}
	if err := os.MkdirAll(appsDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(appsDir, desktopID+".desktop")
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	content := `[Desktop Entry]
Type=Application
Name=Trip Guide
Comment=Trip planner (GeoClue client)
Exec=tripguide
Icon=tripguide
Terminal=false
Categories=Utility;
X-Geoclue-2-Client=true
X-Geoclue-2-Access-Fine=true
`
	return os.WriteFile(dest, []byte(content), 0o644)
}

type geoClient struct {
	path dbus.ObjectPath
	bus  *dbus.Conn
}

func newGeoClueClient(bus *dbus.Conn, desktopID string, acc uint32) (*geoClient, error) {
	manager := bus.Object(geoService, managerPath)

	var clientPath dbus.ObjectPath
	if call := manager.Call(managerIface+".CreateClient", 0); call.Err != nil {
		return nil, call.Err
	} else if err := call.Store(&clientPath); err != nil {
		return nil, err
	}
	c := &geoClient{path: clientPath, bus: bus}

	setProp := func(name string, val interface{}) error {
		return c.obj().Call(propsIface+".Set", 0, clientIface, name, dbus.MakeVariant(val)).Err
	}
	if err := setProp("DesktopId", desktopID); err != nil {
		return nil, fmt.Errorf("set DesktopId: %w", err)
	}
	if err := setProp("RequestedAccuracyLevel", acc); err != nil {
		return nil, fmt.Errorf("set accuracy: %w", err)
	}
	return c, nil
}

func (c *geoClient) obj() dbus.BusObject {
	return c.bus.Object(geoService, c.path)
}

func (c *geoClient) stop() {
	_ = c.obj().Call(clientIface+".Stop", 0)
}

func (c *geoClient) locationPath(ctx context.Context) (dbus.ObjectPath, error) {
	var variant dbus.Variant
	call := c.obj().CallWithContext(ctx, propsIface+".Get", 0, clientIface, "Location")
	if call.Err != nil {
		return "", call.Err
	}
	if err := call.Store(&variant); err != nil {
		return "", err
	}
	lp, _ := variant.Value().(dbus.ObjectPath)
	return lp, nil
}

func (c *geoClient) readLocation(ctx context.Context, lp dbus.ObjectPath) (Fix, bool) {
	var props map[string]dbus.Variant
	call := c.bus.Object(geoService, lp).CallWithContext(ctx, propsIface+".GetAll", 0, locationIface)
	if call.Err != nil {
		return Fix{}, false
	}
	if err := call.Store(&props); err != nil {
		return Fix{}, false
	}
	return fixFromProps(props)
}

func fixFromProps(props map[string]dbus.Variant) (Fix, bool) {
	getF64 := func(key string) float64 {
		if v, ok := props[key]; ok {
			if f, ok := v.Value().(float64); ok {
				return f
			}
		}
		return 0
	}
	c := geo.Coordinate{Latitude: getF64("Latitude"), Longitude: getF64("Longitude")}
	if !c.Valid() {
		return Fix{}, false
	}
	return Fix{
		Coordinate: c,
		Accuracy:   getF64("Accuracy"),
		Altitude:   getF64("Altitude"),
		Timestamp:  time.Now().UTC(),
	}, true
}
