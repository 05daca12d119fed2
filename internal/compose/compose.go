// Package compose renders seismic events and imagery tiles into a single
// interactive Leaflet map document.
package compose

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/quakemap/internal/config"
	"github.com/sells-group/quakemap/internal/geo"
	"github.com/sells-group/quakemap/internal/metrics"
	"github.com/sells-group/quakemap/internal/model"
)

// UncoveredPolicy decides what happens to events with no imagery beneath them.
type UncoveredPolicy string

const (
	// PolicyFlag keeps uncovered events with a distinct marker style.
	PolicyFlag UncoveredPolicy = "flag"
	// PolicyDrop removes uncovered events from the map.
	PolicyDrop UncoveredPolicy = "drop"
)

// Map view used when there is nothing to fit.
var (
	DefaultCenter = [2]float64{-25, 135}
	DefaultZoom   = 4
)

// Options controls rendering.
type Options struct {
	Title       string
	NearKm      float64
	Policy      UncoveredPolicy
	Cluster     bool
	Opacity     float64
	BasemapURL  string
	Attribution string
	// MaxImagePixels caps the longest side of each embedded image.
	MaxImagePixels int
	Overlays       []model.Overlay
	Language       language.Tag
	Now            func() time.Time
}

// OptionsFromConfig maps the compose config section onto Options.
func OptionsFromConfig(c config.ComposeConfig) Options {
	return Options{
		Title:       c.Title,
		NearKm:      c.NearKm,
		Policy:      UncoveredPolicy(c.UncoveredPolicy),
		Cluster:     c.Cluster,
		Opacity:     c.Opacity,
		BasemapURL:  c.BasemapURL,
		Attribution: c.Attribution,
	}
}

func (o *Options) applyDefaults() {
	if o.Title == "" {
		o.Title = "Earthquake Impact Visualization"
	}
	if o.Policy == "" {
		o.Policy = PolicyFlag
	}
	if o.Opacity <= 0 || o.Opacity > 1 {
		o.Opacity = 0.6
	}
	if o.BasemapURL == "" {
		o.BasemapURL = "https://tile.openstreetmap.org/{z}/{x}/{y}.png"
	}
	if o.MaxImagePixels <= 0 {
		o.MaxImagePixels = 2048
	}
	if o.Language == language.Und {
		o.Language = language.English
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Compose builds the map document. Tiles become image layers beneath one
// marker per event. It fails without a partial artifact when any tile cannot
// be placed in geographic coordinates.
func Compose(events []model.SeismicEvent, tiles []model.ImageryTile, opts Options) (*model.Artifact, error) {
	opts.applyDefaults()
	if opts.Policy != PolicyFlag && opts.Policy != PolicyDrop {
		return nil, eris.Errorf("compose: unknown uncovered policy %q", opts.Policy)
	}
	p := message.NewPrinter(opts.Language)

	layers := make([]model.ImageLayer, 0, len(tiles))
	for _, tile := range tiles {
		b, err := geo.ToGeographic(tile.Extent, tile.CRS)
		if err != nil {
			return nil, err
		}
		uri, err := encodeLayer(tile, b, opts.MaxImagePixels)
		if err != nil {
			return nil, err
		}
		layers = append(layers, model.ImageLayer{
			TileID:  tile.ID,
			Bounds:  b,
			Opacity: opts.Opacity,
			DataURI: uri,
		})
	}

	art := &model.Artifact{
		Markers:     make([]model.Marker, 0, len(events)),
		Layers:      layers,
		GeneratedAt: opts.Now().UTC(),
	}

	dropped := 0
	for _, ev := range events {
		covered := coveredBy(layers, ev, opts.NearKm)
		if !covered && opts.Policy == PolicyDrop {
			dropped++
			art.Warnings = append(art.Warnings, p.Sprintf("event %s (M%.1f) dropped: no imagery within %.0f km", ev.ID, ev.Magnitude, opts.NearKm))
			continue
		}
		m := model.Marker{
			EventID:   ev.ID,
			Latitude:  ev.Latitude,
			Longitude: ev.Longitude,
			Magnitude: ev.Magnitude,
			Time:      ev.Time,
			DepthKm:   ev.DepthKm,
			Place:     ev.Place,
			Popup:     popupText(p, ev),
			Flagged:   !covered,
		}
		if m.Flagged {
			art.Warnings = append(art.Warnings, p.Sprintf("event %s (M%.1f) has no imagery within %.0f km", ev.ID, ev.Magnitude, opts.NearKm))
		}
		art.Markers = append(art.Markers, m)
	}
	for _, o := range opts.Overlays {
		art.Overlays = append(art.Overlays, o.Name)
	}

	flagged := art.FlaggedCount()
	metrics.MarkersFlagged.Add(float64(flagged))

	html, err := render(art, opts, p, dropped)
	if err != nil {
		return nil, err
	}
	art.HTML = html

	zap.L().Debug("compose: map rendered",
		zap.Int("markers", len(art.Markers)),
		zap.Int("layers", len(art.Layers)),
		zap.Int("flagged", flagged),
		zap.Int("dropped", dropped),
		zap.Int("bytes", len(html)),
	)
	return art, nil
}

// coveredBy reports whether ev lies on, or within nearKm of, any layer.
func coveredBy(layers []model.ImageLayer, ev model.SeismicEvent, nearKm float64) bool {
	for _, l := range layers {
		if geo.Near(l.Bounds, ev.Latitude, ev.Longitude, nearKm) {
			return true
		}
	}
	return false
}

func popupText(p *message.Printer, ev model.SeismicEvent) string {
	var depth string
	if ev.DepthKm != nil {
		depth = p.Sprintf("%.1f km", *ev.DepthKm)
	} else {
		depth = "unknown"
	}
	text := p.Sprintf("Magnitude: %.1f, Depth: %s", ev.Magnitude, depth)
	if !ev.Time.IsZero() {
		text += ", Time: " + ev.Time.UTC().Format("2006-01-02 15:04:05 UTC")
	}
	if ev.Place != "" {
		text += ", " + ev.Place
	}
	return text
}

// eventsGeoJSON encodes the markers as a FeatureCollection of points.
func eventsGeoJSON(markers []model.Marker) (json.RawMessage, error) {
	fc := geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(markers))}
	for _, m := range markers {
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:       m.EventID,
			Geometry: geo.Point(m.Latitude, m.Longitude, m.DepthKm),
			Properties: map[string]any{
				"mag":     m.Magnitude,
				"popup":   m.Popup,
				"flagged": m.Flagged,
			},
		})
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return nil, eris.Wrap(err, "compose: encode events geojson")
	}
	return data, nil
}

// summaryLine is the one-line description shown in the map header.
func summaryLine(p *message.Printer, art *model.Artifact, dropped int) string {
	var b bytes.Buffer
	b.WriteString(p.Sprintf("%d events, %d imagery layers", len(art.Markers), len(art.Layers)))
	if n := art.FlaggedCount(); n > 0 {
		b.WriteString(p.Sprintf(", %d without imagery", n))
	}
	if dropped > 0 {
		b.WriteString(p.Sprintf(", %d dropped", dropped))
	}
	return b.String()
}

func overlayColor(i int, o model.Overlay) string {
	if o.Color != "" {
		return o.Color
	}
	palette := []string{"#3388ff", "#ff7800", "#2ca02c", "#9467bd"}
	return palette[i%len(palette)]
}

func fmtBounds(b model.Bounds) [2][2]float64 {
	return [2][2]float64{{b.MinLat, b.MinLon}, {b.MaxLat, b.MaxLon}}
}
