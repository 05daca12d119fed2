package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Bounds is a geographic rectangle in WGS84 degrees. Regions crossing the
// antimeridian are not representable; split them into two queries.
type Bounds struct {
	MinLat float64 `json:"min_lat" yaml:"min_lat"`
	MinLon float64 `json:"min_lon" yaml:"min_lon"`
	MaxLat float64 `json:"max_lat" yaml:"max_lat"`
	MaxLon float64 `json:"max_lon" yaml:"max_lon"`
}

// WorldBounds covers the whole globe.
var WorldBounds = Bounds{MinLat: -90, MinLon: -180, MaxLat: 90, MaxLon: 180}

// Validate checks ranges and ordering.
func (b Bounds) Validate() error {
	for _, v := range []float64{b.MinLat, b.MinLon, b.MaxLat, b.MaxLon} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return eris.New("bounds: non-finite coordinate")
		}
	}
	if b.MinLat < -90 || b.MaxLat > 90 {
		return eris.Errorf("bounds: latitude outside [-90, 90]: %v..%v", b.MinLat, b.MaxLat)
	}
	if b.MinLon < -180 || b.MaxLon > 180 {
		return eris.Errorf("bounds: longitude outside [-180, 180]: %v..%v", b.MinLon, b.MaxLon)
	}
	if b.MinLat > b.MaxLat {
		return eris.Errorf("bounds: min latitude %v greater than max latitude %v", b.MinLat, b.MaxLat)
	}
	if b.MinLon > b.MaxLon {
		return eris.Errorf("bounds: min longitude %v greater than max longitude %v", b.MinLon, b.MaxLon)
	}
	return nil
}

// Contains reports whether the point lies inside the bounds (edges inclusive).
func (b Bounds) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Width returns the longitudinal span in degrees.
func (b Bounds) Width() float64 { return b.MaxLon - b.MinLon }

// Height returns the latitudinal span in degrees.
func (b Bounds) Height() float64 { return b.MaxLat - b.MinLat }

// String renders the bounds in bbox order: minLon,minLat,maxLon,maxLat.
func (b Bounds) String() string {
	return fmt.Sprintf("%s,%s,%s,%s", fmtCoord(b.MinLon), fmtCoord(b.MinLat), fmtCoord(b.MaxLon), fmtCoord(b.MaxLat))
}

func fmtCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseBBox parses "minLon,minLat,maxLon,maxLat".
func ParseBBox(s string) (Bounds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Bounds{}, eris.Errorf("bbox: expected 4 comma-separated values, got %d", len(parts))
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Bounds{}, eris.Wrapf(err, "bbox: parse value %d", i+1)
		}
		vals[i] = v
	}
	b := Bounds{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}
	if err := b.Validate(); err != nil {
		return Bounds{}, err
	}
	return b, nil
}

// Extent is a rectangle in the units of a coordinate reference system
// (degrees for EPSG:4326, metres for EPSG:3857).
type Extent struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// ExtentFromBounds maps geographic bounds onto an x=lon, y=lat extent.
func ExtentFromBounds(b Bounds) Extent {
	return Extent{MinX: b.MinLon, MinY: b.MinLat, MaxX: b.MaxLon, MaxY: b.MaxLat}
}

// Width returns MaxX - MinX.
func (e Extent) Width() float64 { return e.MaxX - e.MinX }

// Height returns MaxY - MinY.
func (e Extent) Height() float64 { return e.MaxY - e.MinY }
