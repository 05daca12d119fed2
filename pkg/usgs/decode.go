package usgs

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/model"
)

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties properties      `json:"properties"`
}

type properties struct {
	Mag     *float64 `json:"mag"`
	MagType string   `json:"magType"`
	Place   string   `json:"place"`
	Time    *int64   `json:"time"`
	URL     string   `json:"url"`
	Type    string   `json:"type"`
}

// decodeEvents parses a GeoJSON FeatureCollection. It returns the usable
// events, the number of features skipped for lacking a magnitude, and the
// raw feature count used for paging.
func decodeEvents(call apperr.Context, body []byte) ([]model.SeismicEvent, int, int, error) {
	var fc featureCollection
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&fc); err != nil {
		return nil, 0, 0, apperr.DataFormat(call, eris.Wrap(err, "usgs: decode feature collection"))
	}
	if fc.Type != "FeatureCollection" {
		return nil, 0, 0, apperr.DataFormat(call, eris.Errorf("usgs: expected FeatureCollection, got %q", fc.Type))
	}

	events := make([]model.SeismicEvent, 0, len(fc.Features))
	skipped := 0
	for i, f := range fc.Features {
		if f.Properties.Mag == nil {
			skipped++
			continue
		}
		ev, err := toEvent(f)
		if err != nil {
			return nil, 0, 0, apperr.DataFormat(call, eris.Wrapf(err, "usgs: feature %d", i))
		}
		events = append(events, ev)
	}
	return events, skipped, len(fc.Features), nil
}

func toEvent(f feature) (model.SeismicEvent, error) {
	if strings.TrimSpace(f.ID) == "" {
		return model.SeismicEvent{}, eris.New("missing id")
	}
	if f.Properties.Time == nil {
		return model.SeismicEvent{}, eris.Errorf("event %s: missing time", f.ID)
	}
	if len(f.Geometry) == 0 || string(f.Geometry) == "null" {
		return model.SeismicEvent{}, eris.Errorf("event %s: missing geometry", f.ID)
	}

	var g geom.T
	if err := geojson.Unmarshal(f.Geometry, &g); err != nil {
		return model.SeismicEvent{}, eris.Wrapf(err, "event %s: decode geometry", f.ID)
	}
	pt, ok := g.(*geom.Point)
	if !ok {
		return model.SeismicEvent{}, eris.Errorf("event %s: expected Point geometry, got %T", f.ID, g)
	}
	if len(pt.FlatCoords()) < 2 {
		return model.SeismicEvent{}, eris.Errorf("event %s: empty point", f.ID)
	}

	lon, lat := pt.X(), pt.Y()
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 || math.IsNaN(lat) || math.IsNaN(lon) {
		return model.SeismicEvent{}, eris.Errorf("event %s: coordinates out of range: lat=%v lon=%v", f.ID, lat, lon)
	}

	mag := *f.Properties.Mag
	if math.IsNaN(mag) || math.IsInf(mag, 0) {
		return model.SeismicEvent{}, eris.Errorf("event %s: non-finite magnitude", f.ID)
	}

	ev := model.SeismicEvent{
		ID:            f.ID,
		Time:          time.UnixMilli(*f.Properties.Time).UTC(),
		Latitude:      lat,
		Longitude:     lon,
		Magnitude:     mag,
		MagnitudeType: f.Properties.MagType,
		Place:         f.Properties.Place,
		URL:           f.Properties.URL,
	}
	if pt.Layout().ZIndex() != -1 {
		depth := pt.Z()
		ev.DepthKm = &depth
	}
	return ev, nil
}
