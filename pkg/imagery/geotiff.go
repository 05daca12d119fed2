package imagery

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/image/tiff"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/geo"
	"github.com/sells-group/quakemap/internal/model"
)

// GeoTIFF serves a single local georeferenced raster. The decoded file is
// kept in memory until its size or modification time changes.
type GeoTIFF struct {
	path string

	mu     sync.Mutex
	cached *geoRaster
}

type geoRaster struct {
	modTime time.Time
	size    int64
	img     image.Image
	extent  model.Extent
	crs     string
}

// NewGeoTIFF creates a provider reading path.
func NewGeoTIFF(path string) *GeoTIFF {
	return &GeoTIFF{path: path}
}

func (g *GeoTIFF) Name() string { return "geotiff" }

// Fetch returns the part of the raster overlapping the request, or nothing
// when they are disjoint.
func (g *GeoTIFF) Fetch(ctx context.Context, q model.ImageryQuery) ([]model.ImageryTile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := g.load()
	if err != nil {
		return nil, err
	}

	full, err := geo.ToGeographic(r.extent, r.crs)
	if err != nil {
		return nil, err
	}
	if _, ok := geo.Intersection(q.Bounds, full); !ok {
		zap.L().Info("imagery: geotiff does not cover request",
			zap.String("path", g.path),
			zap.String("raster_bounds", full.String()),
			zap.String("bounds", q.Bounds.String()),
		)
		return nil, nil
	}

	want, err := geo.FromGeographic(q.Bounds, r.crs)
	if err != nil {
		return nil, err
	}
	img, extent := cropToExtent(r.img, r.extent, want)

	return []model.ImageryTile{{
		ID:         fmt.Sprintf("geotiff/%s/%s", filepath.Base(g.path), q.Bounds.String()),
		Provider:   g.Name(),
		Layer:      filepath.Base(g.path),
		Extent:     extent,
		CRS:        r.crs,
		AcquiredAt: r.modTime.UTC(),
		Raster:     model.NewRaster(img, "tiff"),
	}}, nil
}

func (g *GeoTIFF) load() (*geoRaster, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	call := apperr.Context{Provider: "geotiff", Op: "read", Params: map[string]string{"path": g.path}}
	info, err := os.Stat(g.path)
	if err != nil {
		return nil, eris.Wrapf(err, "imagery: stat %s", g.path)
	}
	if c := g.cached; c != nil && c.size == info.Size() && c.modTime.Equal(info.ModTime()) {
		return c, nil
	}

	data, err := os.ReadFile(g.path)
	if err != nil {
		return nil, eris.Wrapf(err, "imagery: read %s", g.path)
	}
	tags, err := parseGeoTags(data)
	if err != nil {
		return nil, apperr.DataFormat(call, err)
	}
	crs, err := tagCRS(tags, g.path)
	if err != nil {
		return nil, err
	}
	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.DataFormat(call, eris.Wrap(err, "imagery: decode geotiff"))
	}
	extent, err := tagExtent(tags, img.Bounds().Dx(), img.Bounds().Dy())
	if err != nil {
		return nil, apperr.DataFormat(call, err)
	}

	g.cached = &geoRaster{
		modTime: info.ModTime(),
		size:    info.Size(),
		img:     img,
		extent:  extent,
		crs:     crs,
	}
	zap.L().Debug("imagery: geotiff loaded",
		zap.String("path", g.path),
		zap.String("crs", crs),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()),
	)
	return g.cached, nil
}

// tagCRS maps the GeoKeys onto a supported CRS.
func tagCRS(t *geoTags, subject string) (string, error) {
	if len(t.GeoKeys) == 0 {
		return "", apperr.CoordinateSystem("", subject, eris.New("no GeoKeyDirectory"))
	}
	switch t.GeoKeys[keyModelType] {
	case modelTypeGeographic:
		code := t.GeoKeys[keyGeographicType]
		crs := fmt.Sprintf("EPSG:%d", code)
		if norm, ok := geo.NormalizeCRS(crs); ok && norm == geo.CRSGeographic {
			return norm, nil
		}
		return "", apperr.CoordinateSystem(crs, subject, eris.New("unsupported geographic crs"))
	case modelTypeProjected:
		code := t.GeoKeys[keyProjectedType]
		crs := fmt.Sprintf("EPSG:%d", code)
		if norm, ok := geo.NormalizeCRS(crs); ok {
			return norm, nil
		}
		return "", apperr.CoordinateSystem(crs, subject, eris.New("unsupported projected crs"))
	default:
		return "", apperr.CoordinateSystem("", subject,
			eris.Errorf("unsupported model type %d", t.GeoKeys[keyModelType]))
	}
}

// tagExtent derives the raster's outer extent from the tiepoint and pixel
// scale, or from an axis-aligned model transformation. width and height are
// the decoded dimensions and must agree with the IFD when it records them.
func tagExtent(t *geoTags, width, height int) (model.Extent, error) {
	if t.Width > 0 && t.Height > 0 && (t.Width != width || t.Height != height) {
		return model.Extent{}, eris.Errorf("imagery: ifd size %dx%d does not match decoded %dx%d",
			t.Width, t.Height, width, height)
	}
	var originX, originY, sx, sy float64
	switch {
	case len(t.Tiepoint) >= 6 && len(t.PixelScale) >= 2:
		sx, sy = t.PixelScale[0], t.PixelScale[1]
		originX = t.Tiepoint[3] - t.Tiepoint[0]*sx
		originY = t.Tiepoint[4] + t.Tiepoint[1]*sy
	case len(t.Transformation) >= 16:
		m := t.Transformation
		if m[1] != 0 || m[4] != 0 {
			return model.Extent{}, eris.New("geotiff: rotated model transformation is not supported")
		}
		sx, sy = m[0], -m[5]
		originX, originY = m[3], m[7]
	default:
		return model.Extent{}, eris.New("geotiff: missing ModelTiepoint/ModelPixelScale")
	}
	if sx <= 0 || sy <= 0 {
		return model.Extent{}, eris.Errorf("geotiff: non-positive pixel scale %v,%v", sx, sy)
	}
	if t.GeoKeys[keyRasterType] == rasterPixelIsPoint {
		originX -= sx / 2
		originY += sy / 2
	}
	return model.Extent{
		MinX: originX,
		MaxX: originX + float64(width)*sx,
		MaxY: originY,
		MinY: originY - float64(height)*sy,
	}, nil
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// cropToExtent returns the pixel window of img covering want, snapped
// outwards to whole pixels, and that window's extent.
func cropToExtent(img image.Image, e model.Extent, want model.Extent) (image.Image, model.Extent) {
	si, ok := img.(subImager)
	b := img.Bounds()
	if !ok || b.Dx() == 0 || b.Dy() == 0 {
		return img, e
	}
	sx := e.Width() / float64(b.Dx())
	sy := e.Height() / float64(b.Dy())

	x0 := clampInt(int(math.Floor((want.MinX-e.MinX)/sx)), 0, b.Dx()-1)
	x1 := clampInt(int(math.Ceil((want.MaxX-e.MinX)/sx)), x0+1, b.Dx())
	y0 := clampInt(int(math.Floor((e.MaxY-want.MaxY)/sy)), 0, b.Dy()-1)
	y1 := clampInt(int(math.Ceil((e.MaxY-want.MinY)/sy)), y0+1, b.Dy())

	if x0 == 0 && y0 == 0 && x1 == b.Dx() && y1 == b.Dy() {
		return img, e
	}
	rect := image.Rect(b.Min.X+x0, b.Min.Y+y0, b.Min.X+x1, b.Min.Y+y1)
	return si.SubImage(rect), model.Extent{
		MinX: e.MinX + float64(x0)*sx,
		MaxX: e.MinX + float64(x1)*sx,
		MaxY: e.MaxY - float64(y0)*sy,
		MinY: e.MaxY - float64(y1)*sy,
	}
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
