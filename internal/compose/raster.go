package compose

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/png"
	"math"

	"github.com/rotisserie/eris"
	"golang.org/x/image/draw"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/geo"
	"github.com/sells-group/quakemap/internal/model"
)

// encodeLayer turns a tile into a PNG data URI ready for a Leaflet image
// overlay with geographic bounds b.
func encodeLayer(tile model.ImageryTile, b model.Bounds, maxPixels int) (string, error) {
	img := tile.Raster.Image
	if img == nil || img.Bounds().Empty() {
		return "", apperr.DataFormat(
			apperr.Context{Provider: tile.Provider, Op: "compose", Params: map[string]string{"tile": tile.ID}},
			eris.New("compose: tile has no raster"),
		)
	}

	img = fitPixels(img, maxPixels)
	if norm, _ := geo.NormalizeCRS(tile.CRS); norm == geo.CRSGeographic {
		img = warpToMercatorRows(img, b)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", eris.Wrapf(err, "compose: encode tile %s", tile.ID)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// fitPixels scales img down so its longest side is at most maxPixels.
func fitPixels(img image.Image, maxPixels int) image.Image {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	longest := max(w, h)
	if longest <= maxPixels {
		return img
	}
	scale := float64(maxPixels) / float64(longest)
	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// warpToMercatorRows resamples the rows of an equirectangular image so that
// it lines up with a Web Mercator basemap when stretched over b. Columns are
// already linear in longitude in both projections.
func warpToMercatorRows(img image.Image, b model.Bounds) image.Image {
	src := img.Bounds()
	h := src.Dy()
	if h < 2 || b.Height() <= 0 {
		return img
	}
	_, yTop := geo.MercatorForward(b.MaxLat, 0)
	_, yBot := geo.MercatorForward(b.MinLat, 0)
	if yTop <= yBot {
		return img
	}

	dst := image.NewRGBA(image.Rect(0, 0, src.Dx(), h))
	for row := 0; row < h; row++ {
		my := yTop - (float64(row)+0.5)/float64(h)*(yTop-yBot)
		lat, _ := geo.MercatorInverse(0, my)
		srcRow := int((b.MaxLat - lat) / b.Height() * float64(h))
		srcRow = max(0, min(h-1, srcRow))
		draw.Draw(dst,
			image.Rect(0, row, src.Dx(), row+1),
			img,
			image.Pt(src.Min.X, src.Min.Y+srcRow),
			draw.Src,
		)
	}
	return dst
}
