package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/metrics"
	"github.com/sells-group/quakemap/internal/resilience"
)

const (
	defaultHostRate  = 10
	maxResponseBytes = 256 << 20
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration

	// RateLimits overrides the requests-per-second budget for a host.
	RateLimits map[string]float64

	Retry    resilience.RetryConfig
	Breakers *resilience.ProviderBreakers

	Cache    Cache
	CacheTTL time.Duration

	// Transport replaces the default transport (tests).
	Transport http.RoundTripper
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit(host string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.String("host", host),
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// DefaultRateLimits returns the requests-per-second budget for known provider hosts.
func DefaultRateLimits() map[string]float64 {
	return map[string]float64{
		"earthquake.usgs.gov":     5,
		"gibs.earthdata.nasa.gov": 10,
		"tile.openstreetmap.org":  2,
	}
}

// HTTPFetcher implements Fetcher using net/http.
type HTTPFetcher struct {
	client   *http.Client
	opts     HTTPOptions
	rates    map[string]float64
	breakers *resilience.ProviderBreakers

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "quakemap/1.0"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	rates := DefaultRateLimits()
	for host, r := range opts.RateLimits {
		rates[host] = r
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = resilience.NewProviderBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		rates:    rates,
		breakers: breakers,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

// Limiter returns the adaptive limiter for host, creating it on first use.
func (f *HTTPFetcher) Limiter(host string) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lim, ok := f.limiters[host]; ok {
		return lim
	}
	r, ok := f.rates[host]
	if !ok || r <= 0 {
		r = defaultHostRate
	}
	lim := NewAdaptiveLimiter(rate.Limit(r), max(1, int(r)))
	f.limiters[host] = lim
	return lim
}

// Get performs req through the cache, retry policy and the provider's circuit breaker.
func (f *HTTPFetcher) Get(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %q", req.URL)
	}
	provider := req.Call.Provider
	if provider == "" {
		provider = u.Host
	}

	useCache := f.opts.Cache != nil && !req.NoCache
	key := CacheKey(req.URL)
	if useCache {
		ct, body, ok, cerr := f.opts.Cache.GetResponse(ctx, key)
		if cerr != nil {
			zap.L().Warn("fetcher: cache lookup failed", zap.String("provider", provider), zap.Error(cerr))
		} else if ok {
			metrics.CacheHits.WithLabelValues(provider).Inc()
			metrics.ProviderRequests.WithLabelValues(u.Host, "cached").Inc()
			return &Response{StatusCode: http.StatusOK, ContentType: ct, Body: body, Cached: true}, nil
		}
		metrics.CacheMisses.WithLabelValues(provider).Inc()
	}

	retry := f.opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(provider, req.Call.Op)
	}
	breaker := f.breakers.Get(provider)

	start := time.Now()
	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*Response, error) {
		return resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*Response, error) {
			return f.once(ctx, u, req)
		})
	})
	metrics.ProviderDuration.WithLabelValues(u.Host).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(u.Host, "error").Inc()
		if errors.Is(err, resilience.ErrCircuitOpen) && apperr.KindOf(err) != apperr.KindNetwork {
			return nil, apperr.Network(req.Call, 0, err)
		}
		return nil, err
	}
	metrics.ProviderRequests.WithLabelValues(u.Host, strconv.Itoa(resp.StatusCode)).Inc()

	if useCache && resp.StatusCode == http.StatusOK {
		if cerr := f.opts.Cache.SetResponse(ctx, key, resp.ContentType, resp.Body, f.opts.CacheTTL); cerr != nil {
			zap.L().Warn("fetcher: cache store failed", zap.String("provider", provider), zap.Error(cerr))
		}
	}
	return resp, nil
}

func (f *HTTPFetcher) once(ctx context.Context, u *url.URL, req Request) (*Response, error) {
	lim := f.Limiter(u.Host)
	if err := lim.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "fetcher: rate limiter wait")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Network(req.Call, 0, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.Network(req.Call, 0, eris.Wrap(err, "read body"))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		lim.OnRateLimit(u.Host)
		return nil, withRetryAfter(resp, apperr.Network(req.Call, resp.StatusCode, statusErr(resp, body)))
	case resp.StatusCode >= 500:
		zap.L().Warn("fetcher: server error",
			zap.String("provider", req.Call.Provider),
			zap.String("host", u.Host),
			zap.Int("status", resp.StatusCode),
		)
		return nil, withRetryAfter(resp, apperr.Network(req.Call, resp.StatusCode, statusErr(resp, body)))
	}

	lim.OnSuccess()
	return &Response{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func withRetryAfter(resp *http.Response, err error) error {
	if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
		return &resilience.RetryAfterError{Err: err, After: d}
	}
	return err
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
	}
	return 0, false
}

// statusErr summarises an error response, keeping the start of the body
// since providers put their explanation there.
func statusErr(resp *http.Response, body []byte) error {
	return errors.New(StatusMessage(resp.StatusCode, body))
}

// StatusMessage formats a status code with a trimmed body excerpt.
func StatusMessage(status int, body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 300 {
		text = text[:300] + "..."
	}
	if text == "" {
		return fmt.Sprintf("%d %s", status, http.StatusText(status))
	}
	return fmt.Sprintf("%d %s: %s", status, http.StatusText(status), text)
}
