package model

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
)

// Marker is one rendered seismic event.
type Marker struct {
	EventID   string    `json:"event_id"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Magnitude float64   `json:"mag"`
	Time      time.Time `json:"time"`
	DepthKm   *float64  `json:"depth_km,omitempty"`
	Place     string    `json:"place,omitempty"`
	Popup     string    `json:"popup"`
	// Flagged marks events with no imagery context beneath them.
	Flagged bool `json:"flagged"`
}

// ImageLayer is one rendered imagery tile in geographic coordinates.
type ImageLayer struct {
	TileID  string  `json:"tile_id"`
	Bounds  Bounds  `json:"bounds"`
	Opacity float64 `json:"opacity"`
	// DataURI is the PNG-encoded raster.
	DataURI string `json:"-"`
}

// Overlay is a named vector layer drawn above the imagery, such as
// administrative boundaries. GeoJSON holds a FeatureCollection.
type Overlay struct {
	Name    string `json:"name"`
	Color   string `json:"color,omitempty"`
	GeoJSON []byte `json:"-"`
}

// Artifact is a rendered interactive map document together with the structured
// content it was built from.
type Artifact struct {
	HTML        []byte       `json:"-"`
	Markers     []Marker     `json:"markers"`
	Layers      []ImageLayer `json:"layers"`
	Overlays    []string     `json:"overlays,omitempty"`
	Warnings    []string     `json:"warnings,omitempty"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// FlaggedCount returns the number of markers lacking imagery context.
func (a *Artifact) FlaggedCount() int {
	n := 0
	for _, m := range a.Markers {
		if m.Flagged {
			n++
		}
	}
	return n
}

// WriteFile writes the HTML document to path, creating parent directories.
func (a *Artifact) WriteFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "artifact: create dir %s", dir)
		}
	}
	if err := os.WriteFile(path, a.HTML, 0o644); err != nil {
		return eris.Wrapf(err, "artifact: write %s", path)
	}
	return nil
}
