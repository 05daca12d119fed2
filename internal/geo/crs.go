package geo

import (
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/model"
)

// Supported coordinate reference systems, in normalized form.
const (
	CRSGeographic  = "EPSG:4326"
	CRSWebMercator = "EPSG:3857"
)

// earthRadiusM is the WGS84 semi-major axis used by spherical Web Mercator.
const earthRadiusM = 6378137.0

// MaxMercatorLat is the latitude at which Web Mercator's square world ends.
const MaxMercatorLat = 85.051128779806604

var crsAliases = map[string]string{
	"EPSG:4326":   CRSGeographic,
	"CRS:84":      CRSGeographic,
	"OGC:CRS84":   CRSGeographic,
	"WGS84":       CRSGeographic,
	"EPSG:3857":   CRSWebMercator,
	"EPSG:900913": CRSWebMercator,
	"EPSG:3785":   CRSWebMercator,
	"EPSG:102100": CRSWebMercator,
}

// NormalizeCRS maps known aliases onto CRSGeographic or CRSWebMercator.
// The second return value is false for an unknown identifier.
func NormalizeCRS(crs string) (string, bool) {
	key := strings.ToUpper(strings.TrimSpace(crs))
	key = strings.TrimPrefix(key, "URN:OGC:DEF:CRS:")
	key = strings.ReplaceAll(key, "::", ":")
	norm, ok := crsAliases[key]
	return norm, ok
}

// MercatorForward projects a WGS84 point to Web Mercator metres.
// Latitudes beyond MaxMercatorLat are clamped.
func MercatorForward(lat, lon float64) (x, y float64) {
	lat = math.Max(-MaxMercatorLat, math.Min(MaxMercatorLat, lat))
	x = earthRadiusM * toRad(lon)
	y = earthRadiusM * math.Log(math.Tan(math.Pi/4+toRad(lat)/2))
	return x, y
}

// MercatorInverse converts Web Mercator metres to a WGS84 point.
func MercatorInverse(x, y float64) (lat, lon float64) {
	lon = toDeg(x / earthRadiusM)
	lat = toDeg(2*math.Atan(math.Exp(y/earthRadiusM)) - math.Pi/2)
	return lat, lon
}

// ToGeographic converts an extent expressed in crs to WGS84 bounds.
func ToGeographic(e model.Extent, crs string) (model.Bounds, error) {
	norm, ok := NormalizeCRS(crs)
	if !ok {
		return model.Bounds{}, apperr.CoordinateSystem(crs, "", eris.New("no reprojection parameters for this crs"))
	}

	var b model.Bounds
	switch norm {
	case CRSGeographic:
		b = model.Bounds{MinLat: e.MinY, MinLon: e.MinX, MaxLat: e.MaxY, MaxLon: e.MaxX}
	case CRSWebMercator:
		minLat, minLon := MercatorInverse(e.MinX, e.MinY)
		maxLat, maxLon := MercatorInverse(e.MaxX, e.MaxY)
		b = model.Bounds{MinLat: minLat, MinLon: minLon, MaxLat: maxLat, MaxLon: maxLon}
	}

	if err := b.Validate(); err != nil {
		return model.Bounds{}, apperr.CoordinateSystem(crs, "", eris.Wrap(err, "extent outside the valid range"))
	}
	return b, nil
}

// FromGeographic converts WGS84 bounds to an extent in crs.
func FromGeographic(b model.Bounds, crs string) (model.Extent, error) {
	norm, ok := NormalizeCRS(crs)
	if !ok {
		return model.Extent{}, apperr.CoordinateSystem(crs, "", eris.New("no reprojection parameters for this crs"))
	}

	switch norm {
	case CRSWebMercator:
		minX, minY := MercatorForward(b.MinLat, b.MinLon)
		maxX, maxY := MercatorForward(b.MaxLat, b.MaxLon)
		return model.Extent{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}, nil
	default:
		return model.ExtentFromBounds(b), nil
	}
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

func toDeg(rad float64) float64 { return rad * 180 / math.Pi }
