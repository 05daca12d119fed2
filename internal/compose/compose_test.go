package compose

import (
	"errors"
	"image"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/config"
	"github.com/sells-group/quakemap/internal/geo"
	"github.com/sells-group/quakemap/internal/model"
)

var fixedNow = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

func testOptions() Options {
	return Options{NearKm: 25, Cluster: true, Now: fixedNow}
}

func solid(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 120, B: 200, A: 255})
		}
	}
	return img
}

func japanTile() model.ImageryTile {
	return model.ImageryTile{
		ID:       "tile-japan",
		Provider: "wms",
		Extent:   model.Extent{MinX: 128, MinY: 30, MaxX: 146, MaxY: 46},
		CRS:      "EPSG:4326",
		Raster:   model.NewRaster(solid(8, 8), "png"),
	}
}

func depth(v float64) *float64 { return &v }

func tohoku() model.SeismicEvent {
	return model.SeismicEvent{
		ID:        "us1",
		Time:      time.Date(2024, 1, 1, 7, 10, 0, 0, time.UTC),
		Latitude:  37.5,
		Longitude: 137.2,
		DepthKm:   depth(10),
		Magnitude: 7.5,
		Place:     "Noto Peninsula, Japan",
	}
}

func TestCompose_Empty(t *testing.T) {
	art, err := Compose(nil, nil, testOptions())
	require.NoError(t, err)
	assert.Empty(t, art.Markers)
	assert.Empty(t, art.Layers)
	assert.Empty(t, art.Warnings)

	html := string(art.HTML)
	assert.True(t, strings.HasPrefix(html, "<!DOCTYPE html>"))
	assert.Contains(t, html, "</html>")
	assert.Contains(t, html, "setView([-25,135],")
	assert.NotContains(t, html, "fitBounds(")
	assert.Contains(t, html, `"type":"FeatureCollection"`)
}

func TestCompose_EventInsideTile(t *testing.T) {
	art, err := Compose([]model.SeismicEvent{tohoku()}, []model.ImageryTile{japanTile()}, testOptions())
	require.NoError(t, err)

	require.Len(t, art.Markers, 1)
	require.Len(t, art.Layers, 1)
	m := art.Markers[0]
	assert.Equal(t, "us1", m.EventID)
	assert.Equal(t, 37.5, m.Latitude)
	assert.Equal(t, 137.2, m.Longitude)
	assert.False(t, m.Flagged)
	assert.Empty(t, art.Warnings)

	l := art.Layers[0]
	assert.Equal(t, "tile-japan", l.TileID)
	assert.Equal(t, model.Bounds{MinLat: 30, MinLon: 128, MaxLat: 46, MaxLon: 146}, l.Bounds)
	assert.Equal(t, 0.6, l.Opacity)
	assert.True(t, strings.HasPrefix(l.DataURI, "data:image/png;base64,"))

	html := string(art.HTML)
	assert.Contains(t, html, "L.imageOverlay(")
	assert.Contains(t, html, "[[30,128],[46,146]]")
	assert.Contains(t, html, "markerClusterGroup")
	assert.Contains(t, html, "fitBounds(")
	assert.Equal(t, fixedNow(), art.GeneratedAt)
}

func TestCompose_EventOutsideTilesIsFlagged(t *testing.T) {
	chile := model.SeismicEvent{ID: "cl1", Latitude: -33.4, Longitude: -71.6, Magnitude: 6.2, Time: fixedNow()}

	art, err := Compose([]model.SeismicEvent{tohoku(), chile}, []model.ImageryTile{japanTile()}, testOptions())
	require.NoError(t, err)

	require.Len(t, art.Markers, 2)
	assert.False(t, art.Markers[0].Flagged)
	assert.True(t, art.Markers[1].Flagged)
	assert.Equal(t, 1, art.FlaggedCount())
	require.Len(t, art.Warnings, 1)
	assert.Contains(t, art.Warnings[0], "cl1")
	assert.Contains(t, string(art.HTML), "1 without imagery")
}

func TestCompose_NoTilesFlagsEveryEvent(t *testing.T) {
	art, err := Compose([]model.SeismicEvent{tohoku()}, nil, testOptions())
	require.NoError(t, err)
	require.Len(t, art.Markers, 1)
	assert.True(t, art.Markers[0].Flagged)
}

func TestCompose_NearMarginCountsAsCovered(t *testing.T) {
	ev := tohoku()
	ev.Longitude = 146.1 // about 9 km east of the tile edge at 37.5N

	art, err := Compose([]model.SeismicEvent{ev}, []model.ImageryTile{japanTile()}, testOptions())
	require.NoError(t, err)
	assert.False(t, art.Markers[0].Flagged)

	opts := testOptions()
	opts.NearKm = 0
	art, err = Compose([]model.SeismicEvent{ev}, []model.ImageryTile{japanTile()}, opts)
	require.NoError(t, err)
	assert.True(t, art.Markers[0].Flagged)
}

func TestCompose_DropPolicy(t *testing.T) {
	chile := model.SeismicEvent{ID: "cl1", Latitude: -33.4, Longitude: -71.6, Magnitude: 6.2}
	opts := testOptions()
	opts.Policy = PolicyDrop

	art, err := Compose([]model.SeismicEvent{tohoku(), chile}, []model.ImageryTile{japanTile()}, opts)
	require.NoError(t, err)
	require.Len(t, art.Markers, 1)
	assert.Equal(t, "us1", art.Markers[0].EventID)
	require.Len(t, art.Warnings, 1)
	assert.Contains(t, art.Warnings[0], "dropped")
}

func TestCompose_UnknownPolicy(t *testing.T) {
	opts := testOptions()
	opts.Policy = "hide"
	_, err := Compose(nil, nil, opts)
	assert.Error(t, err)
}

func TestCompose_UnknownCRSAbortsWithoutArtifact(t *testing.T) {
	tile := japanTile()
	tile.CRS = "EPSG:32654"

	art, err := Compose([]model.SeismicEvent{tohoku()}, []model.ImageryTile{tile}, testOptions())
	assert.Nil(t, art)
	var csErr *apperr.CoordinateSystemError
	require.True(t, errors.As(err, &csErr))
	assert.Equal(t, "EPSG:32654", csErr.CRS)
}

func TestCompose_WebMercatorTile(t *testing.T) {
	minX, minY := geo.MercatorForward(30, 128)
	maxX, maxY := geo.MercatorForward(46, 146)
	tile := japanTile()
	tile.CRS = "EPSG:3857"
	tile.Extent = model.Extent{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}

	art, err := Compose([]model.SeismicEvent{tohoku()}, []model.ImageryTile{tile}, testOptions())
	require.NoError(t, err)
	require.Len(t, art.Layers, 1)
	b := art.Layers[0].Bounds
	assert.InDelta(t, 30, b.MinLat, 1e-9)
	assert.InDelta(t, 146, b.MaxLon, 1e-9)
	assert.False(t, art.Markers[0].Flagged)
}

func TestCompose_MissingRaster(t *testing.T) {
	tile := japanTile()
	tile.Raster = model.Raster{}

	_, err := Compose(nil, []model.ImageryTile{tile}, testOptions())
	var dfErr *apperr.DataFormatError
	assert.True(t, errors.As(err, &dfErr))
}

func TestCompose_PopupText(t *testing.T) {
	art, err := Compose([]model.SeismicEvent{tohoku()}, nil, testOptions())
	require.NoError(t, err)
	assert.Equal(t, "Magnitude: 7.5, Depth: 10.0 km, Time: 2024-01-01 07:10:00 UTC, Noto Peninsula, Japan", art.Markers[0].Popup)

	ev := tohoku()
	ev.DepthKm = nil
	ev.Place = ""
	art, err = Compose([]model.SeismicEvent{ev}, nil, testOptions())
	require.NoError(t, err)
	assert.Equal(t, "Magnitude: 7.5, Depth: unknown, Time: 2024-01-01 07:10:00 UTC", art.Markers[0].Popup)
}

func TestCompose_EscapesUntrustedText(t *testing.T) {
	ev := tohoku()
	ev.Place = `</script><script>alert(1)</script>`

	art, err := Compose([]model.SeismicEvent{ev}, nil, testOptions())
	require.NoError(t, err)
	assert.NotContains(t, string(art.HTML), "<script>alert(1)")
}

func TestCompose_Overlays(t *testing.T) {
	opts := testOptions()
	opts.Overlays = []model.Overlay{{Name: "States", GeoJSON: []byte(`{"type":"FeatureCollection","features":[]}`)}}

	art, err := Compose(nil, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"States"}, art.Overlays)
	assert.Contains(t, string(art.HTML), `overlays["States"] = L.geoJSON(`)

	opts.Overlays = []model.Overlay{{Name: "Broken", GeoJSON: []byte(`{"type":`)}}
	_, err = Compose(nil, nil, opts)
	assert.Error(t, err)
}

func TestCompose_NoCluster(t *testing.T) {
	opts := testOptions()
	opts.Cluster = false
	art, err := Compose(nil, nil, opts)
	require.NoError(t, err)
	assert.NotContains(t, string(art.HTML), "markercluster")
}

func TestCompose_LocaleFormatting(t *testing.T) {
	events := make([]model.SeismicEvent, 1200)
	for i := range events {
		events[i] = tohoku()
		events[i].ID = "e" + string(rune('a'+i%26))
	}
	art, err := Compose(events, []model.ImageryTile{japanTile()}, testOptions())
	require.NoError(t, err)
	assert.Contains(t, string(art.HTML), "1,200 events")
}

func TestFitPixels(t *testing.T) {
	img := fitPixels(solid(4000, 1000), 2000)
	assert.Equal(t, 2000, img.Bounds().Dx())
	assert.Equal(t, 500, img.Bounds().Dy())

	small := solid(10, 10)
	assert.Same(t, small, fitPixels(small, 2000))
}

func TestWarpToMercatorRows_KeepsSize(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 10))
	// Top half red, bottom half blue across the equator.
	for y := 0; y < 10; y++ {
		c := color.RGBA{R: 255, A: 255}
		if y >= 5 {
			c = color.RGBA{B: 255, A: 255}
		}
		for x := 0; x < 4; x++ {
			src.Set(x, y, c)
		}
	}
	out := warpToMercatorRows(src, model.Bounds{MinLat: -60, MinLon: 0, MaxLat: 60, MaxLon: 10})
	assert.Equal(t, src.Bounds().Size(), out.Bounds().Size())

	r, _, _, _ := out.At(0, 0).RGBA()
	assert.NotZero(t, r)
	_, _, b, _ := out.At(0, 9).RGBA()
	assert.NotZero(t, b)
}

func TestOptionsFromConfig(t *testing.T) {
	o := OptionsFromConfig(config.ComposeConfig{
		Title:           "Quakes",
		NearKm:          10,
		UncoveredPolicy: "drop",
		Cluster:         true,
		Opacity:         0.4,
	})
	assert.Equal(t, PolicyDrop, o.Policy)
	assert.Equal(t, 0.4, o.Opacity)
	assert.Equal(t, "Quakes", o.Title)
}
