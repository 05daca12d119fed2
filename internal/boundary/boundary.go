// Package boundary loads vector boundaries from ESRI shapefiles and turns them
// into GeoJSON overlays drawn above the imagery.
package boundary

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/fetcher"
	"github.com/sells-group/quakemap/internal/geo"
	"github.com/sells-group/quakemap/internal/model"
)

// Options controls how a shapefile becomes an overlay.
type Options struct {
	// Name is the overlay label. Defaults to the shapefile base name.
	Name  string
	Color string
	// NameField is the attribute copied into each feature's "name" property.
	NameField string
	// Clip keeps only shapes whose bounding box intersects it.
	Clip *model.Bounds
}

// Load reads the shapefile at src, which may be a .shp path, a .zip archive
// holding one, or an http(s) URL of such an archive. URLs are downloaded
// through f.
func Load(ctx context.Context, src string, f fetcher.Fetcher, opts Options) (model.Overlay, error) {
	log := zap.L().With(zap.String("component", "boundary"), zap.String("src", src))

	path := src
	switch {
	case strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://"):
		dir, err := download(ctx, f, src)
		if err != nil {
			return model.Overlay{}, err
		}
		defer os.RemoveAll(dir) //nolint:errcheck
		if path, err = findFileByExt(dir, ".shp"); err != nil {
			return model.Overlay{}, eris.Wrap(err, "boundary: find .shp file")
		}
	case strings.EqualFold(filepath.Ext(src), ".zip"):
		dir, err := os.MkdirTemp("", "quakemap-boundary-")
		if err != nil {
			return model.Overlay{}, eris.Wrap(err, "boundary: create temp dir")
		}
		defer os.RemoveAll(dir) //nolint:errcheck
		if err := extractZIPFile(src, dir); err != nil {
			return model.Overlay{}, eris.Wrapf(err, "boundary: extract %s", src)
		}
		if path, err = findFileByExt(dir, ".shp"); err != nil {
			return model.Overlay{}, eris.Wrap(err, "boundary: find .shp file")
		}
	}

	if opts.Name == "" {
		base := filepath.Base(src)
		opts.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	ov, n, err := ReadShapefile(path, opts)
	if err != nil {
		return model.Overlay{}, err
	}
	log.Debug("boundary: overlay loaded", zap.String("name", ov.Name), zap.Int("features", n))
	return ov, nil
}

// ReadShapefile converts every supported shape in the file to a GeoJSON
// feature. It returns the overlay and the number of features it holds.
func ReadShapefile(shpPath string, opts Options) (model.Overlay, int, error) {
	if err := checkProjection(shpPath); err != nil {
		return model.Overlay{}, 0, err
	}

	reader, err := shp.Open(shpPath)
	if err != nil {
		return model.Overlay{}, 0, eris.Wrapf(err, "boundary: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	names := make([]string, len(fields))
	nameIdx := -1
	for i, f := range fields {
		names[i] = strings.TrimRight(f.String(), "\x00")
		if opts.NameField != "" && strings.EqualFold(names[i], opts.NameField) {
			nameIdx = i
		}
	}

	fc := geojson.FeatureCollection{Features: []*geojson.Feature{}}
	var skipped, clipped int
	for reader.Next() {
		row, shape := reader.Shape()
		if shape == nil {
			skipped++
			continue
		}
		if opts.Clip != nil {
			bb := shape.BBox()
			sb := model.Bounds{MinLat: bb.MinY, MinLon: bb.MinX, MaxLat: bb.MaxY, MaxLon: bb.MaxX}
			if !geo.Intersects(sb, *opts.Clip) {
				clipped++
				continue
			}
		}
		g := ShapeToGeom(shape)
		if g == nil {
			skipped++
			continue
		}

		props := make(map[string]any, len(names)+1)
		for i, name := range names {
			if v := strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00")); v != "" {
				props[strings.ToLower(name)] = v
			}
		}
		if nameIdx >= 0 {
			props["name"] = strings.TrimSpace(strings.TrimRight(reader.Attribute(nameIdx), "\x00"))
		}
		fc.Features = append(fc.Features, &geojson.Feature{ID: shpID(row), Geometry: g, Properties: props})
	}

	if skipped > 0 || clipped > 0 {
		zap.L().Debug("boundary: skipped shapefile records",
			zap.String("path", shpPath),
			zap.Int("skipped", skipped),
			zap.Int("clipped", clipped),
		)
	}

	data, err := fc.MarshalJSON()
	if err != nil {
		return model.Overlay{}, 0, eris.Wrap(err, "boundary: encode geojson")
	}
	return model.Overlay{Name: opts.Name, Color: opts.Color, GeoJSON: data}, len(fc.Features), nil
}

// checkProjection rejects shapefiles whose .prj declares a projected
// coordinate system. A missing .prj is taken to mean WGS84 degrees.
func checkProjection(shpPath string) error {
	prjPath := strings.TrimSuffix(shpPath, filepath.Ext(shpPath)) + ".prj"
	data, err := os.ReadFile(prjPath)
	if err != nil {
		return nil
	}
	wkt := strings.TrimSpace(string(data))
	if wkt == "" || strings.HasPrefix(strings.ToUpper(wkt), "GEOGCS[") {
		return nil
	}
	name := wkt
	if i := strings.IndexByte(name, ','); i > 0 {
		name = name[:i]
	}
	return apperr.CoordinateSystem(name, filepath.Base(shpPath),
		eris.New("boundary: shapefiles must use geographic coordinates"))
}

func shpID(row int) string {
	return "shp-" + strconv.Itoa(row)
}
