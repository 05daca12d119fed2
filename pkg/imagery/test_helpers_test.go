package imagery

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/quakemap/internal/fetcher"
	"github.com/sells-group/quakemap/internal/resilience"
)

func newTestFetcher() fetcher.Fetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent: "test-agent",
		Timeout:   5 * time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			Multiplier:     2,
		},
		RateLimits: map[string]float64{"127.0.0.1": 1000},
	})
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 40), G: uint8(y * 40), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// tiffField is one IFD entry for the test GeoTIFF writer.
type tiffField struct {
	tag    uint16
	shorts []uint16
	longs  []uint32
	floats []float64
}

// geoTIFFSpec describes a small RGB GeoTIFF.
type geoTIFFSpec struct {
	width, height int
	tiepoint      []float64
	pixelScale    []float64
	geoKeys       []uint16
}

// geoKeyDir builds a GeoKeyDirectory from key/value pairs.
func geoKeyDir(pairs ...uint16) []uint16 {
	n := len(pairs) / 2
	dir := []uint16{1, 1, 0, uint16(n)}
	for i := 0; i < n; i++ {
		dir = append(dir, pairs[2*i], 0, 1, pairs[2*i+1])
	}
	return dir
}

// writeGeoTIFF writes an uncompressed little-endian RGB GeoTIFF and returns its path.
func writeGeoTIFF(t *testing.T, spec geoTIFFSpec) string {
	t.Helper()

	pixels := make([]byte, spec.width*spec.height*3)
	for i := range pixels {
		pixels[i] = uint8(i % 251)
	}

	fields := []tiffField{
		{tag: 256, shorts: []uint16{uint16(spec.width)}},
		{tag: 257, shorts: []uint16{uint16(spec.height)}},
		{tag: 258, shorts: []uint16{8, 8, 8}},
		{tag: 259, shorts: []uint16{1}},
		{tag: 262, shorts: []uint16{2}},
		{tag: 273, longs: []uint32{0}}, // patched below
		{tag: 277, shorts: []uint16{3}},
		{tag: 278, shorts: []uint16{uint16(spec.height)}},
		{tag: 279, longs: []uint32{uint32(len(pixels))}},
		{tag: 284, shorts: []uint16{1}},
	}
	if spec.pixelScale != nil {
		fields = append(fields, tiffField{tag: tagModelPixelScale, floats: spec.pixelScale})
	}
	if spec.tiepoint != nil {
		fields = append(fields, tiffField{tag: tagModelTiepoint, floats: spec.tiepoint})
	}
	if spec.geoKeys != nil {
		fields = append(fields, tiffField{tag: tagGeoKeyDirectory, shorts: spec.geoKeys})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].tag < fields[j].tag })

	le := binary.LittleEndian
	ifdSize := 2 + 12*len(fields) + 4
	dataStart := 8 + ifdSize

	var extra bytes.Buffer
	type placed struct {
		typ    uint16
		count  uint32
		inline []byte
		offset uint32
	}
	entries := make([]placed, len(fields))
	for i, f := range fields {
		var raw []byte
		var p placed
		switch {
		case f.shorts != nil:
			p.typ, p.count = typeShort, uint32(len(f.shorts))
			for _, v := range f.shorts {
				raw = le.AppendUint16(raw, v)
			}
		case f.longs != nil:
			p.typ, p.count = typeLong, uint32(len(f.longs))
			for _, v := range f.longs {
				raw = le.AppendUint32(raw, v)
			}
		default:
			p.typ, p.count = typeDouble, uint32(len(f.floats))
			for _, v := range f.floats {
				raw = le.AppendUint64(raw, math.Float64bits(v))
			}
		}
		if len(raw) <= 4 {
			p.inline = append(raw, make([]byte, 4-len(raw))...)
		} else {
			p.offset = uint32(dataStart + extra.Len())
			extra.Write(raw)
		}
		entries[i] = p
	}
	pixelOffset := uint32(dataStart + extra.Len())
	for i, f := range fields {
		if f.tag == 273 {
			entries[i].inline = le.AppendUint32(nil, pixelOffset)
		}
	}

	var out bytes.Buffer
	out.WriteString("II")
	out.Write(le.AppendUint16(nil, 42))
	out.Write(le.AppendUint32(nil, 8))
	out.Write(le.AppendUint16(nil, uint16(len(fields))))
	for i, f := range fields {
		e := entries[i]
		out.Write(le.AppendUint16(nil, f.tag))
		out.Write(le.AppendUint16(nil, e.typ))
		out.Write(le.AppendUint32(nil, e.count))
		if e.inline != nil {
			out.Write(e.inline)
		} else {
			out.Write(le.AppendUint32(nil, e.offset))
		}
	}
	out.Write(le.AppendUint32(nil, 0))
	out.Write(extra.Bytes())
	out.Write(pixels)

	path := filepath.Join(t.TempDir(), "raster.tif")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o644))
	return path
}

// worldGeoTIFF is a 36x18 EPSG:4326 raster at 10 degrees per pixel.
func worldGeoTIFF(t *testing.T) string {
	return writeGeoTIFF(t, geoTIFFSpec{
		width:      36,
		height:     18,
		tiepoint:   []float64{0, 0, 0, -180, 90, 0},
		pixelScale: []float64{10, 10, 0},
		geoKeys:    geoKeyDir(keyModelType, modelTypeGeographic, keyRasterType, 1, keyGeographicType, 4326),
	})
}
