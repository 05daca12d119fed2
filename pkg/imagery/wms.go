package imagery

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "golang.org/x/image/tiff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/config"
	"github.com/sells-group/quakemap/internal/fetcher"
	"github.com/sells-group/quakemap/internal/geo"
	"github.com/sells-group/quakemap/internal/model"
)

// Defaults for NASA GIBS, used when the config leaves a field empty.
const (
	DefaultWMSURL   = "https://gibs.earthdata.nasa.gov/wms/epsg4326/best/wms.cgi"
	DefaultWMSLayer = "MODIS_Terra_CorrectedReflectance_TrueColor"
)

// WMS fetches imagery from an OGC Web Map Service with GetMap requests.
type WMS struct {
	cfg         config.WMSConfig
	token       string
	requireAuth bool
	fetcher     fetcher.Fetcher
	extent      model.Bounds
}

// NewWMS creates a WMS provider. Missing config values fall back to GIBS defaults.
func NewWMS(cfg config.ImageryConfig, f fetcher.Fetcher) *WMS {
	w := cfg.WMS
	if w.URL == "" {
		w.URL = DefaultWMSURL
	}
	if w.Layer == "" {
		w.Layer = DefaultWMSLayer
	}
	if w.Format == "" {
		w.Format = "image/jpeg"
	}
	if w.Version == "" {
		w.Version = "1.3.0"
	}
	if w.CRS == "" {
		w.CRS = geo.CRSGeographic
	}
	if w.MaxTileDegrees <= 0 {
		w.MaxTileDegrees = 20
	}
	if w.PixelsPerDegree <= 0 {
		w.PixelsPerDegree = 40
	}
	if w.MaxPixels <= 0 {
		w.MaxPixels = 2048
	}
	if w.MaxChunks <= 0 {
		w.MaxChunks = 16
	}
	if w.Concurrency <= 0 {
		w.Concurrency = 4
	}
	if f == nil {
		f = fetcher.NewHTTPFetcher(fetcher.HTTPOptions{})
	}

	extent := model.WorldBounds
	if len(w.Extent) == 4 {
		extent = model.Bounds{MinLon: w.Extent[0], MinLat: w.Extent[1], MaxLon: w.Extent[2], MaxLat: w.Extent[3]}
	}
	return &WMS{
		cfg:         w,
		token:       cfg.Token,
		requireAuth: cfg.RequireAuth,
		fetcher:     f,
		extent:      extent,
	}
}

func (w *WMS) Name() string { return "wms" }

// Fetch splits the covered part of the request into chunks and issues one
// GetMap per chunk.
func (w *WMS) Fetch(ctx context.Context, q model.ImageryQuery) ([]model.ImageryTile, error) {
	crs, ok := geo.NormalizeCRS(w.cfg.CRS)
	if !ok {
		return nil, apperr.CoordinateSystem(w.cfg.CRS, w.cfg.Layer, eris.New("unsupported request crs"))
	}
	if w.requireAuth && w.token == "" {
		return nil, apperr.Authentication(w.call(q, model.Bounds{}), 0, eris.New("imagery token required but not configured"))
	}

	avail := w.extent
	if crs == geo.CRSWebMercator {
		avail.MinLat = math.Max(avail.MinLat, -geo.MaxMercatorLat)
		avail.MaxLat = math.Min(avail.MaxLat, geo.MaxMercatorLat)
	}
	region, ok := geo.Intersection(q.Bounds, avail)
	if !ok {
		zap.L().Info("imagery: request outside provider extent",
			zap.String("layer", w.cfg.Layer),
			zap.String("bounds", q.Bounds.String()),
		)
		return nil, nil
	}

	chunks, ppd := w.plan(region)
	tiles := make([]model.ImageryTile, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			tile, err := w.fetchChunk(gctx, q, chunk, crs, ppd)
			if err != nil {
				return err
			}
			tiles[i] = tile
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tiles, nil
}

// plan sizes a request as a whole. Chunks grow past MaxTileDegrees until at
// most MaxChunks GetMap calls remain, and the resolution drops so the longest
// side of the full region fits in MaxPixels.
func (w *WMS) plan(region model.Bounds) ([]model.Bounds, float64) {
	deg := w.cfg.MaxTileDegrees
	for {
		nx, ny := grid(region, deg)
		if nx*ny <= w.cfg.MaxChunks {
			break
		}
		deg *= 2
	}

	ppd := w.cfg.PixelsPerDegree
	if side := math.Max(region.Width(), region.Height()); side > 0 {
		ppd = math.Min(ppd, float64(w.cfg.MaxPixels)/side)
	}
	return Chunks(region, deg), ppd
}

func grid(b model.Bounds, maxDeg float64) (int, int) {
	return max(1, int(math.Ceil(b.Width()/maxDeg))), max(1, int(math.Ceil(b.Height()/maxDeg)))
}

// Chunks splits b into a row-major grid of cells no wider or taller than maxDeg.
func Chunks(b model.Bounds, maxDeg float64) []model.Bounds {
	nx, ny := grid(b, maxDeg)
	dx := b.Width() / float64(nx)
	dy := b.Height() / float64(ny)

	out := make([]model.Bounds, 0, nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			c := model.Bounds{
				MinLon: b.MinLon + float64(i)*dx,
				MinLat: b.MinLat + float64(j)*dy,
				MaxLon: b.MinLon + float64(i+1)*dx,
				MaxLat: b.MinLat + float64(j+1)*dy,
			}
			// Pin the outer edges so rounding never shrinks the region.
			if i == nx-1 {
				c.MaxLon = b.MaxLon
			}
			if j == ny-1 {
				c.MaxLat = b.MaxLat
			}
			out = append(out, c)
		}
	}
	return out
}

func (w *WMS) fetchChunk(ctx context.Context, q model.ImageryQuery, chunk model.Bounds, crs string, ppd float64) (model.ImageryTile, error) {
	extent, err := geo.FromGeographic(chunk, crs)
	if err != nil {
		return model.ImageryTile{}, err
	}

	width, height := w.pixelSize(chunk, ppd)
	params := w.getMapParams(q, extent, crs, width, height)
	call := w.call(q, chunk)

	req := fetcher.Request{
		URL:  w.cfg.URL + "?" + params.Encode(),
		Call: call,
	}
	if w.token != "" {
		req.Header = http.Header{"Authorization": {"Bearer " + w.token}}
	}

	resp, err := w.fetcher.Get(ctx, req)
	if err != nil {
		return model.ImageryTile{}, eris.Wrap(err, "imagery: wms getmap")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return model.ImageryTile{}, apperr.Authentication(call, resp.StatusCode, eris.New(fetcher.StatusMessage(resp.StatusCode, resp.Body)))
	case resp.StatusCode == http.StatusBadRequest && isXML(resp):
		return model.ImageryTile{}, apperr.DataFormat(call, serviceException(resp.Body))
	case resp.StatusCode != http.StatusOK:
		return model.ImageryTile{}, apperr.Network(call, resp.StatusCode, eris.New(fetcher.StatusMessage(resp.StatusCode, resp.Body)))
	}
	if isXML(resp) {
		return model.ImageryTile{}, apperr.DataFormat(call, serviceException(resp.Body))
	}

	img, format, err := image.Decode(bytes.NewReader(resp.Body))
	if err != nil {
		return model.ImageryTile{}, apperr.DataFormat(call, eris.Wrapf(err, "imagery: decode %s", resp.ContentType))
	}

	return model.ImageryTile{
		ID:         tileID(w.cfg.Layer, timeParam(q), chunk),
		Provider:   w.Name(),
		Layer:      w.cfg.Layer,
		Extent:     extent,
		CRS:        crs,
		AcquiredAt: acquiredDay(q),
		Raster:     model.NewRaster(img, format),
	}, nil
}

func (w *WMS) getMapParams(q model.ImageryQuery, e model.Extent, crs string, width, height int) url.Values {
	v := url.Values{}
	v.Set("SERVICE", "WMS")
	v.Set("REQUEST", "GetMap")
	v.Set("VERSION", w.cfg.Version)
	v.Set("LAYERS", w.cfg.Layer)
	v.Set("STYLES", "")
	v.Set("FORMAT", w.cfg.Format)
	v.Set("WIDTH", strconv.Itoa(width))
	v.Set("HEIGHT", strconv.Itoa(height))
	if w.cfg.Format == "image/png" {
		v.Set("TRANSPARENT", "TRUE")
	}

	crsKey := "CRS"
	if !strings.HasPrefix(w.cfg.Version, "1.3") {
		crsKey = "SRS"
	}
	v.Set(crsKey, crs)

	// WMS 1.3.0 uses lat/lon axis order for EPSG:4326.
	if crsKey == "CRS" && crs == geo.CRSGeographic {
		v.Set("BBOX", joinFloats(e.MinY, e.MinX, e.MaxY, e.MaxX))
	} else {
		v.Set("BBOX", joinFloats(e.MinX, e.MinY, e.MaxX, e.MaxY))
	}

	if t := timeParam(q); t != "" {
		v.Set("TIME", t)
	}
	return v
}

// pixelSize sizes the image at ppd, scaled down so neither side exceeds
// MaxPixels.
func (w *WMS) pixelSize(b model.Bounds, ppd float64) (int, int) {
	fw := b.Width() * ppd
	fh := b.Height() * ppd
	limit := float64(w.cfg.MaxPixels)
	if m := math.Max(fw, fh); m > limit {
		fw *= limit / m
		fh *= limit / m
	}
	return max(1, int(math.Round(fw))), max(1, int(math.Round(fh)))
}

func (w *WMS) call(q model.ImageryQuery, chunk model.Bounds) apperr.Context {
	params := map[string]string{
		"layer": w.cfg.Layer,
		"crs":   w.cfg.CRS,
	}
	if t := timeParam(q); t != "" {
		params["time"] = t
	}
	if chunk != (model.Bounds{}) {
		params["bbox"] = chunk.String()
	}
	return apperr.Context{Provider: "wms", Op: "getmap", Params: params}
}

// timeParam is the calendar day of the window end; imagery is daily.
func timeParam(q model.ImageryQuery) string {
	if q.End.IsZero() {
		return ""
	}
	return q.End.UTC().Format("2006-01-02")
}

func acquiredDay(q model.ImageryQuery) time.Time {
	if q.End.IsZero() {
		return time.Time{}
	}
	e := q.End.UTC()
	return time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, time.UTC)
}

func tileID(layer, day string, b model.Bounds) string {
	if day == "" {
		day = "latest"
	}
	return fmt.Sprintf("%s/%s/%s", layer, day, b.String())
}

func joinFloats(vals ...float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

func isXML(resp *fetcher.Response) bool {
	if strings.Contains(resp.ContentType, "xml") {
		return true
	}
	return bytes.HasPrefix(bytes.TrimSpace(resp.Body), []byte("<?xml")) ||
		bytes.HasPrefix(bytes.TrimSpace(resp.Body), []byte("<ServiceExceptionReport"))
}

type serviceExceptionReport struct {
	Exceptions []struct {
		Code    string `xml:"code,attr"`
		Message string `xml:",chardata"`
	} `xml:"ServiceException"`
}

// serviceException extracts the messages of an OGC ServiceExceptionReport.
func serviceException(body []byte) error {
	var report serviceExceptionReport
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "imagery: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}
	if err := dec.Decode(&report); err != nil {
		return eris.Wrap(err, "imagery: unexpected xml response")
	}
	if len(report.Exceptions) == 0 {
		return eris.New("imagery: xml response without image")
	}
	msgs := make([]string, 0, len(report.Exceptions))
	for _, ex := range report.Exceptions {
		msg := strings.TrimSpace(ex.Message)
		if ex.Code != "" {
			msg = ex.Code + ": " + msg
		}
		msgs = append(msgs, msg)
	}
	return eris.Errorf("imagery: service exception: %s", strings.Join(msgs, "; "))
}
