package main

import (
	"context"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quakemap/internal/boundary"
	"github.com/sells-group/quakemap/internal/config"
	"github.com/sells-group/quakemap/internal/fetcher"
	"github.com/sells-group/quakemap/internal/model"
	"github.com/sells-group/quakemap/internal/notify"
	"github.com/sells-group/quakemap/internal/pipeline"
	"github.com/sells-group/quakemap/internal/regions"
	"github.com/sells-group/quakemap/internal/resilience"
	"github.com/sells-group/quakemap/internal/store"
	"github.com/sells-group/quakemap/pkg/imagery"
	"github.com/sells-group/quakemap/pkg/usgs"
)

// appEnv holds the initialized store, clients and region registry needed by
// the quakes/imagery/render/serve commands.
type appEnv struct {
	Store   store.Store // nil when store.driver is "none"
	Fetcher *fetcher.HTTPFetcher
	Events  usgs.Client
	Imagery *imagery.Client
	Regions *regions.Registry
	// Notifier is nil unless notify.nats_url is set.
	Notifier pipeline.Notifier

	redis *store.RedisCache
	nats  *notify.Publisher
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.nats != nil {
		_ = e.nats.Close()
	}
}

// pipelineOptions returns the options every pipeline built from this
// environment shares.
func (e *appEnv) pipelineOptions() []pipeline.Option {
	if e.Notifier == nil {
		return nil
	}
	return []pipeline.Option{pipeline.WithNotifier(e.Notifier)}
}

// initEnv opens the store, builds the shared fetcher and the provider
// clients. Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}

	env := &appEnv{Store: st}

	var cache fetcher.Cache
	switch {
	case !cfg.Cache.Enabled:
	case cfg.Cache.Backend == "redis":
		rc, err := store.NewRedisCache(cfg.Cache.RedisURL)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.redis = rc
		cache = rc
	case st != nil:
		cache = st
	}
	f := newFetcher(cfg, cache)

	img, err := imagery.NewFromConfig(cfg.Imagery, f)
	if err != nil {
		env.Close()
		return nil, err
	}

	reg, err := regions.Load(cfg.RegionsFile)
	if err != nil {
		env.Close()
		return nil, err
	}

	zap.L().Debug("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("cache", cache != nil),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("imagery", img.ProviderName()),
	)

	if cfg.Notify.NATSURL != "" {
		pub, err := notify.Connect(cfg.Notify.NATSURL, cfg.Notify.Subject)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.nats = pub
		env.Notifier = pub
	}

	env.Fetcher = f
	env.Events = usgs.NewClient(
		usgs.WithBaseURL(cfg.USGS.BaseURL),
		usgs.WithFetcher(f),
		usgs.WithPageSize(cfg.USGS.PageSize),
		usgs.WithMaxPages(cfg.USGS.MaxPages),
	)
	env.Imagery = img
	env.Regions = reg
	return env, nil
}

// newFetcher builds the HTTP fetcher shared by every provider, with per-host
// budgets taken from the provider sections.
func newFetcher(c *config.Config, cache fetcher.Cache) *fetcher.HTTPFetcher {
	rates := make(map[string]float64)
	if h := hostOf(c.USGS.BaseURL); h != "" && c.USGS.RateLimit > 0 {
		rates[h] = c.USGS.RateLimit
	}
	if h := hostOf(c.Imagery.WMS.URL); h != "" && c.Imagery.RateLimit > 0 {
		rates[h] = c.Imagery.RateLimit
	}

	timeout := time.Duration(max(c.USGS.TimeoutSecs, c.Imagery.TimeoutSecs)) * time.Second

	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  c.UserAgent,
		Timeout:    timeout,
		RateLimits: rates,
		Retry:      resilience.FromRetryConfig(c.Retry),
		Breakers:   resilience.NewProviderBreakers(resilience.FromCircuitConfig(c.Circuit)),
		Cache:      cache,
		CacheTTL:   time.Duration(c.Cache.TTLHours) * time.Hour,
	})
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

// loadOverlays loads the boundaries file, if configured, clipped to clip.
func loadOverlays(ctx context.Context, f fetcher.Fetcher, clip *model.Bounds) ([]model.Overlay, error) {
	if cfg.BoundariesFile == "" {
		return nil, nil
	}
	srcs, err := boundary.LoadManifest(cfg.BoundariesFile)
	if err != nil {
		return nil, err
	}
	return boundary.LoadAll(ctx, srcs, f, clip)
}
