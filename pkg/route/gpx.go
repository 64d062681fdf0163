package route

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rubiojr/tripguide/pkg/geo"
)

// Waypoint is one <wpt> of an exported trip.
type Waypoint struct {
	Name string
	geo.Coordinate
	Desc string
	Time time.Time
}

// Waypoints lists the trip ends followed by the active landmarks that are
// not already one of the ends.
func (s Snapshot) Waypoints() []Waypoint {
	var out []Waypoint
	if s.Origin != nil {
		out = append(out, Waypoint{Name: "Origin", Coordinate: *s.Origin, Desc: "origin"})
	}
	if s.Destination != nil {
		out = append(out, Waypoint{Name: "Destination", Coordinate: *s.Destination, Desc: "destination"})
	}
	for _, l := range s.Active {
		dup := false
		for i := range out {
			if out[i].Equal(l.Coordinates) {
				out[i].Name = l.Name
				dup = true
			}
		}
		if !dup {
			out = append(out, Waypoint{Name: l.Name, Coordinate: l.Coordinates, Desc: "landmark"})
		}
	}
	return out
}

// EncodeGPX writes wps as a GPX 1.1 document.
func EncodeGPX(w io.Writer, wps []Waypoint) error {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<gpx version="1.1" creator="tripguide" xmlns="http://www.topografix.com/GPX/1/1">` + "\n")
	for _, e := range wps {
		fmt.Fprintf(&b, "  <wpt lat=\"%f\" lon=\"%f\">\n", e.Latitude, e.Longitude)
		if !e.Time.IsZero() {
			fmt.Fprintf(&b, "    <time>%s</time>\n", e.Time.UTC().Format(time.RFC3339))
		}
		if e.Name != "" {
			fmt.Fprintf(&b, "    <name>%s</name>\n", escapeXML(e.Name))
		}
		if e.Desc != "" {
			fmt.Fprintf(&b, "    <desc>%s</desc>\n", escapeXML(e.Desc))
		}
		b.WriteString("  </wpt>\n")
	}
	b.WriteString("</gpx>\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteGPX saves wps to path using a temp file and rename, so readers never
// see a partial file.
func WriteGPX(path string, wps []Waypoint) error {
	var buf bytes.Buffer
	if err := EncodeGPX(&buf, wps); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// escapeXML performs minimal escaping for XML content nodes (not attributes).
func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
