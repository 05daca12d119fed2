// Package imagery fetches georeferenced satellite imagery covering a region
// and reports how much of the region the returned tiles cover.
package imagery

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/config"
	"github.com/sells-group/quakemap/internal/fetcher"
	"github.com/sells-group/quakemap/internal/geo"
	"github.com/sells-group/quakemap/internal/metrics"
	"github.com/sells-group/quakemap/internal/model"
)

// Provider produces raw tiles for a query. Tile extents are in the tile's CRS.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, q model.ImageryQuery) ([]model.ImageryTile, error)
}

// Client wraps a Provider, discards tiles outside the request and computes coverage.
type Client struct {
	provider Provider
}

// NewClient returns a Client for p. A nil provider yields empty results.
func NewClient(p Provider) *Client {
	return &Client{provider: p}
}

// NewFromConfig builds the provider named in cfg.
func NewFromConfig(cfg config.ImageryConfig, f fetcher.Fetcher) (*Client, error) {
	switch cfg.Provider {
	case "wms", "":
		return NewClient(NewWMS(cfg, f)), nil
	case "geotiff":
		if cfg.GeoTIFF.Path == "" {
			return nil, eris.New("imagery: geotiff provider requires imagery.geotiff.path")
		}
		return NewClient(NewGeoTIFF(cfg.GeoTIFF.Path)), nil
	case "none":
		return NewClient(nil), nil
	default:
		return nil, eris.Errorf("imagery: unknown provider %q", cfg.Provider)
	}
}

// ProviderName returns the wrapped provider's name, or "none".
func (c *Client) ProviderName() string {
	if c.provider == nil {
		return "none"
	}
	return c.provider.Name()
}

// ValidateQuery rejects malformed imagery queries.
func ValidateQuery(q model.ImageryQuery) error {
	if err := q.Bounds.Validate(); err != nil {
		return apperr.InvalidQuery("imagery bounds: %v", err)
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.Start.After(q.End) {
		return apperr.InvalidQuery("imagery window start %s is after end %s",
			q.Start.Format(time.RFC3339), q.End.Format(time.RFC3339))
	}
	return nil
}

// Fetch returns the tiles intersecting q.Bounds. Zero coverage is not an
// error: the result then has no tiles and a zero fraction.
func (c *Client) Fetch(ctx context.Context, q model.ImageryQuery) (*model.ImageryResult, error) {
	if err := ValidateQuery(q); err != nil {
		return nil, err
	}

	res := &model.ImageryResult{Coverage: model.Coverage{Requested: q.Bounds}}
	if c.provider == nil {
		return res, nil
	}

	tiles, err := c.provider.Fetch(ctx, q)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(zap.String("provider", c.provider.Name()), zap.String("bounds", q.Bounds.String()))
	for _, tile := range tiles {
		b, err := geo.ToGeographic(tile.Extent, tile.CRS)
		if err != nil {
			return nil, err
		}
		in, ok := geo.Intersection(q.Bounds, b)
		if !ok {
			log.Debug("imagery: discarding tile outside request", zap.String("tile", tile.ID))
			continue
		}
		res.Tiles = append(res.Tiles, tile)
		res.Coverage.Covered = append(res.Coverage.Covered, in)
	}

	res.Coverage.Fraction = geo.CoverageFraction(q.Bounds, res.Coverage.Covered)
	res.Coverage.Partial = res.Coverage.Fraction > 0 && res.Coverage.Fraction < 1

	metrics.TilesFetched.WithLabelValues(c.provider.Name()).Add(float64(len(res.Tiles)))
	metrics.CoverageFraction.Observe(res.Coverage.Fraction)

	switch {
	case len(res.Tiles) == 0:
		log.Warn("imagery: no coverage for requested region")
	case res.Coverage.Partial:
		log.Info("imagery: partial coverage",
			zap.Int("tiles", len(res.Tiles)),
			zap.Float64("fraction", res.Coverage.Fraction),
		)
	default:
		log.Debug("imagery: full coverage", zap.Int("tiles", len(res.Tiles)))
	}
	return res, nil
}
