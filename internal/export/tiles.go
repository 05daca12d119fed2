package export

import (
	"encoding/json"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quakemap/internal/geo"
	"github.com/sells-group/quakemap/internal/model"
)

// tileSidecar is written next to each PNG so the extent and CRS survive.
type tileSidecar struct {
	model.ImageryTile
	Bounds model.Bounds `json:"geographic_bounds"`
	Width  int          `json:"width"`
	Height int          `json:"height"`
	Image  string       `json:"image"`
}

// WriteTiles writes every tile as a PNG with a JSON sidecar, plus a
// coverage.json report, into dir. It returns the written PNG paths.
func WriteTiles(dir string, res *model.ImageryResult) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "export: create dir %s", dir)
	}

	paths := make([]string, 0, len(res.Tiles))
	for i, tile := range res.Tiles {
		if tile.Raster.Image == nil {
			return paths, eris.Errorf("export: tile %s has no raster", tile.ID)
		}
		b, err := geo.ToGeographic(tile.Extent, tile.CRS)
		if err != nil {
			return paths, err
		}

		base := fmt.Sprintf("%03d_%s", i, safeName(tile.ID))
		pngPath := filepath.Join(dir, base+".png")
		if err := writePNG(pngPath, tile); err != nil {
			return paths, err
		}
		side := tileSidecar{
			ImageryTile: tile,
			Bounds:      b,
			Width:       tile.Raster.Width(),
			Height:      tile.Raster.Height(),
			Image:       filepath.Base(pngPath),
		}
		if err := writeJSON(filepath.Join(dir, base+".json"), side); err != nil {
			return paths, err
		}
		paths = append(paths, pngPath)
	}

	if err := writeJSON(filepath.Join(dir, "coverage.json"), res.Coverage); err != nil {
		return paths, err
	}
	return paths, nil
}

func writePNG(path string, tile model.ImageryTile) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	if err := png.Encode(f, tile.Raster.Image); err != nil {
		_ = f.Close()
		return eris.Wrapf(err, "export: encode tile %s", tile.ID)
	}
	return eris.Wrapf(f.Close(), "export: close %s", path)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "export: marshal %s", filepath.Base(path))
	}
	return eris.Wrapf(os.WriteFile(path, append(data, '\n'), 0o644), "export: write %s", path)
}

// safeName keeps letters, digits, dots and dashes.
func safeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() > 80 {
		return b.String()[:80]
	}
	return b.String()
}
