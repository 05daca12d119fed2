package compose

import (
	"bytes"
	"encoding/json"
	"html/template"

	"github.com/rotisserie/eris"
	"golang.org/x/text/message"

	"github.com/sells-group/quakemap/internal/geo"
	"github.com/sells-group/quakemap/internal/model"
)

type layerView struct {
	ID      string        `json:"id"`
	URL     string        `json:"url"`
	Bounds  [2][2]float64 `json:"bounds"`
	Opacity float64       `json:"opacity"`
}

type overlayView struct {
	Name  string      `json:"name"`
	Color string      `json:"color"`
	Data  template.JS `json:"-"`
}

type pageData struct {
	Title       string
	Summary     string
	Warnings    []string
	Generated   string
	BasemapURL  string
	Attribution string
	Cluster     bool
	Center      [2]float64
	Zoom        int
	Fit         *[2][2]float64
	Events      template.JS
	Layers      []layerView
	Overlays    []overlayView
}

func render(art *model.Artifact, opts Options, p *message.Printer, dropped int) ([]byte, error) {
	events, err := eventsGeoJSON(art.Markers)
	if err != nil {
		return nil, err
	}
	eventsJS, err := safeJSON(events)
	if err != nil {
		return nil, eris.Wrap(err, "compose: events geojson")
	}

	data := pageData{
		Title:       opts.Title,
		Summary:     summaryLine(p, art, dropped),
		Attribution: opts.Attribution,
		Warnings:    art.Warnings,
		Generated:   art.GeneratedAt.Format("2006-01-02 15:04:05 UTC"),
		BasemapURL:  opts.BasemapURL,
		Cluster:     opts.Cluster,
		Center:      DefaultCenter,
		Zoom:        DefaultZoom,
		Events:      eventsJS,
		Layers:      make([]layerView, 0, len(art.Layers)),
	}
	for _, l := range art.Layers {
		data.Layers = append(data.Layers, layerView{
			ID:      l.TileID,
			URL:     l.DataURI,
			Bounds:  fmtBounds(l.Bounds),
			Opacity: l.Opacity,
		})
	}
	for i, o := range opts.Overlays {
		js, err := safeJSON(o.GeoJSON)
		if err != nil {
			return nil, eris.Wrapf(err, "compose: overlay %s", o.Name)
		}
		data.Overlays = append(data.Overlays, overlayView{Name: o.Name, Color: overlayColor(i, o), Data: js})
	}
	if fit, ok := fitBounds(art); ok {
		f := fmtBounds(fit)
		data.Fit = &f
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return nil, eris.Wrap(err, "compose: execute template")
	}
	return buf.Bytes(), nil
}

// fitBounds is the smallest box holding every marker and layer.
func fitBounds(art *model.Artifact) (model.Bounds, bool) {
	parts := make([]model.Bounds, 0, len(art.Markers)+len(art.Layers))
	for _, m := range art.Markers {
		parts = append(parts, model.Bounds{MinLat: m.Latitude, MinLon: m.Longitude, MaxLat: m.Latitude, MaxLon: m.Longitude})
	}
	for _, l := range art.Layers {
		parts = append(parts, l.Bounds)
	}
	return geo.Union(parts)
}

// safeJSON validates raw JSON and escapes HTML-significant characters so it
// can be embedded in a script element.
func safeJSON(raw []byte) (template.JS, error) {
	if len(raw) == 0 {
		return template.JS("null"), nil
	}
	if !json.Valid(raw) {
		return "", eris.New("invalid json")
	}
	var buf bytes.Buffer
	json.HTMLEscape(&buf, raw)
	return template.JS(buf.String()), nil
}

var pageTemplate = template.Must(template.New("map").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<link rel="stylesheet" href="https://unpkg.com/leaflet@1.9.4/dist/leaflet.css">
{{- if .Cluster}}
<link rel="stylesheet" href="https://unpkg.com/leaflet.markercluster@1.5.3/dist/MarkerCluster.css">
<link rel="stylesheet" href="https://unpkg.com/leaflet.markercluster@1.5.3/dist/MarkerCluster.Default.css">
{{- end}}
<style>
html, body { height: 100%; margin: 0; font-family: sans-serif; }
#header { padding: 6px 12px; background: #222; color: #eee; }
#header h1 { font-size: 16px; margin: 0; display: inline; }
#header span { font-size: 13px; margin-left: 12px; }
#map { position: absolute; top: 34px; bottom: 0; left: 0; right: 0; }
#warnings { position: absolute; bottom: 20px; left: 10px; z-index: 1000; max-height: 30%; overflow-y: auto;
  background: rgba(255,255,255,0.9); font-size: 12px; padding: 4px 8px; border-radius: 4px; }
</style>
</head>
<body>
<div id="header"><h1>{{.Title}}</h1><span id="summary">{{.Summary}}</span><span>Generated {{.Generated}}</span></div>
<div id="map"></div>
{{- if .Warnings}}
<details id="warnings"><summary>{{len .Warnings}} warnings</summary><ul>
{{- range .Warnings}}
<li>{{.}}</li>
{{- end}}
</ul></details>
{{- end}}
<script src="https://unpkg.com/leaflet@1.9.4/dist/leaflet.js"></script>
{{- if .Cluster}}
<script src="https://unpkg.com/leaflet.markercluster@1.5.3/dist/leaflet.markercluster.js"></script>
{{- end}}
<script>
var map = L.map('map').setView({{.Center}}, {{.Zoom}});
L.tileLayer({{.BasemapURL}}, {maxZoom: 18, attribution: {{.Attribution}}}).addTo(map);

var imagery = L.layerGroup().addTo(map);
{{- range .Layers}}
L.imageOverlay({{.URL}}, {{.Bounds}}, {opacity: {{.Opacity}}, className: 'imagery-layer'}).addTo(imagery);
{{- end}}

var overlays = {"Imagery": imagery};
{{- range .Overlays}}
overlays[{{.Name}}] = L.geoJSON({{.Data}}, {style: {color: {{.Color}}, weight: 1, fill: false}}).addTo(map);
{{- end}}

var events = {{.Events}};
var markers = {{if .Cluster}}L.markerClusterGroup(){{else}}L.layerGroup(){{end}};
L.geoJSON(events, {
  pointToLayer: function (feature, latlng) {
    var flagged = feature.properties.flagged;
    return L.circleMarker(latlng, {
      radius: Math.max(4, feature.properties.mag * 1.5),
      color: flagged ? '#555555' : '#d00000',
      fillColor: flagged ? '#aaaaaa' : '#ff2020',
      fillOpacity: 0.8,
      dashArray: flagged ? '3' : null,
      className: flagged ? 'event-marker flagged' : 'event-marker'
    });
  },
  onEachFeature: function (feature, layer) {
    layer.bindPopup(document.createTextNode(feature.properties.popup));
  }
}).eachLayer(function (l) { markers.addLayer(l); });
markers.addTo(map);
overlays["Earthquakes"] = markers;
L.control.layers(null, overlays).addTo(map);
{{- with .Fit}}
map.fitBounds({{.}}, {padding: [20, 20], maxZoom: 8});
{{- end}}
</script>
</body>
</html>
`))
