package basemap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/fetcher"
)

// MaxZoom is the deepest zoom level the proxy forwards.
const MaxZoom = 19

// Proxy serves basemap raster tiles from an upstream tile server through the
// shared fetcher, keeping recent tiles in memory.
type Proxy struct {
	baseURL string
	format  string
	fetcher fetcher.Fetcher
	cache   *Cache
}

// NewProxy creates a proxy for baseURL, which is joined with "/{z}/{x}/{y}.{format}".
func NewProxy(baseURL, format string, f fetcher.Fetcher, cache *Cache) *Proxy {
	if format == "" {
		format = "png"
	}
	return &Proxy{
		baseURL: strings.TrimRight(baseURL, "/"),
		format:  format,
		fetcher: f,
		cache:   cache,
	}
}

// ValidTile reports whether z/x/y addresses an existing slippy-map tile.
func ValidTile(z, x, y int) bool {
	if z < 0 || z > MaxZoom {
		return false
	}
	n := 1 << z
	return x >= 0 && x < n && y >= 0 && y < n
}

// Fetch returns the tile body and its content type, from cache when possible.
func (p *Proxy) Fetch(ctx context.Context, z, x, y int) ([]byte, string, error) {
	if !ValidTile(z, x, y) {
		return nil, "", apperr.InvalidQuery("basemap: tile %d/%d/%d out of range", z, x, y)
	}
	if p.cache != nil {
		if data := p.cache.Get(z, x, y); data != nil {
			return data, p.contentType(), nil
		}
	}

	url := fmt.Sprintf("%s/%d/%d/%d.%s", p.baseURL, z, x, y, p.format)
	call := apperr.Context{Provider: "basemap", Op: "tile", Params: map[string]string{"tile": tileKey(z, x, y)}}
	resp, err := p.fetcher.Get(ctx, fetcher.Request{URL: url, Call: call, NoCache: true})
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", apperr.Network(call, resp.StatusCode,
			eris.Errorf("basemap: upstream returned %s", fetcher.StatusMessage(resp.StatusCode, resp.Body)))
	}

	if p.cache != nil {
		p.cache.Put(z, x, y, resp.Body)
	}
	zap.L().Debug("basemap: fetched tile", zap.String("url", url), zap.Int("bytes", len(resp.Body)))
	return resp.Body, p.contentType(), nil
}

func (p *Proxy) contentType() string {
	switch p.format {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// ServeHTTP serves paths of the form /{z}/{x}/{y}.{ext}.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var z, x, y int
	var ext string
	if _, err := fmt.Sscanf(r.URL.Path, "/%d/%d/%d.%s", &z, &x, &y, &ext); err != nil {
		http.Error(w, "invalid tile path", http.StatusBadRequest)
		return
	}

	data, ct, err := p.Fetch(r.Context(), z, x, y)
	if err != nil {
		var ne *apperr.NetworkError
		switch {
		case errors.Is(err, apperr.ErrInvalidQuery):
			http.Error(w, "tile out of range", http.StatusBadRequest)
		case errors.As(err, &ne) && ne.StatusCode == http.StatusNotFound:
			http.Error(w, "tile not found", http.StatusNotFound)
		default:
			zap.L().Error("basemap: tile fetch failed", zap.Error(err))
			http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		}
		return
	}

	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(data)
}
