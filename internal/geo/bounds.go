// Package geo holds the geometry used to align seismic events with imagery:
// bounds predicates, coverage arithmetic, great-circle distance and CRS conversion.
package geo

import (
	"math"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/quakemap/internal/model"
)

// earthRadiusKm is the mean Earth radius.
const earthRadiusKm = 6371.0

// ToGeom converts bounds to a go-geom XY bounds with x=lon, y=lat.
func ToGeom(b model.Bounds) *geom.Bounds {
	return geom.NewBounds(geom.XY).Set(b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
}

// FromGeom converts a go-geom XY bounds back to model bounds.
func FromGeom(g *geom.Bounds) model.Bounds {
	return model.Bounds{MinLon: g.Min(0), MinLat: g.Min(1), MaxLon: g.Max(0), MaxLat: g.Max(1)}
}

// Intersects reports whether a and b share at least one point.
func Intersects(a, b model.Bounds) bool {
	return ToGeom(a).Overlaps(geom.XY, ToGeom(b))
}

// Intersection returns the overlap of a and b. The second value is false when
// they are disjoint.
func Intersection(a, b model.Bounds) (model.Bounds, bool) {
	if !Intersects(a, b) {
		return model.Bounds{}, false
	}
	return model.Bounds{
		MinLat: math.Max(a.MinLat, b.MinLat),
		MinLon: math.Max(a.MinLon, b.MinLon),
		MaxLat: math.Min(a.MaxLat, b.MaxLat),
		MaxLon: math.Min(a.MaxLon, b.MaxLon),
	}, true
}

// ContainsPoint reports whether the point lies inside b.
func ContainsPoint(b model.Bounds, lat, lon float64) bool {
	return ToGeom(b).OverlapsPoint(geom.XY, geom.Coord{lon, lat})
}

// DistanceToBoundsKm returns the great-circle distance from the point to the
// nearest point of b, or 0 when the point is inside.
func DistanceToBoundsKm(b model.Bounds, lat, lon float64) float64 {
	if ContainsPoint(b, lat, lon) {
		return 0
	}
	nearLat := math.Max(b.MinLat, math.Min(b.MaxLat, lat))
	d := math.Inf(1)
	// The point may sit across the antimeridian from the nearest edge.
	for _, l := range []float64{lon, lon - 360, lon + 360} {
		nearLon := math.Max(b.MinLon, math.Min(b.MaxLon, l))
		d = math.Min(d, HaversineKm(lat, l, nearLat, nearLon))
	}
	return d
}

// Near reports whether the point lies inside b or within marginKm of its edge.
func Near(b model.Bounds, lat, lon, marginKm float64) bool {
	return DistanceToBoundsKm(b, lat, lon) <= marginKm
}

// HaversineKm returns the great-circle distance between two points in kilometres.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Area returns the spherical area of b in square kilometres.
func Area(b model.Bounds) float64 {
	dLon := toRad(b.MaxLon - b.MinLon)
	return earthRadiusKm * earthRadiusKm * dLon * math.Abs(math.Sin(toRad(b.MaxLat))-math.Sin(toRad(b.MinLat)))
}

// CoverageFraction returns the share of requested covered by parts, which are
// assumed not to overlap each other. The result is clamped to [0, 1].
func CoverageFraction(requested model.Bounds, parts []model.Bounds) float64 {
	total := Area(requested)
	if total == 0 {
		for _, p := range parts {
			if Intersects(requested, p) {
				return 1
			}
		}
		return 0
	}
	var covered float64
	for _, p := range parts {
		if in, ok := Intersection(requested, p); ok {
			covered += Area(in)
		}
	}
	return math.Max(0, math.Min(1, covered/total))
}

// Union returns the smallest bounds containing every input. The second value
// is false for an empty input.
func Union(parts []model.Bounds) (model.Bounds, bool) {
	if len(parts) == 0 {
		return model.Bounds{}, false
	}
	g := ToGeom(parts[0])
	for _, p := range parts[1:] {
		g.Extend(geom.NewPointFlat(geom.XY, []float64{p.MinLon, p.MinLat}))
		g.Extend(geom.NewPointFlat(geom.XY, []float64{p.MaxLon, p.MaxLat}))
	}
	return FromGeom(g), true
}

// Point returns a WGS84 point geometry, carrying depth as Z when known.
func Point(lat, lon float64, depthKm *float64) *geom.Point {
	if depthKm != nil {
		return geom.NewPointFlat(geom.XYZ, []float64{lon, lat, *depthKm}).SetSRID(4326)
	}
	return geom.NewPointFlat(geom.XY, []float64{lon, lat}).SetSRID(4326)
}
