package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/resilience"
)

var testCall = apperr.Context{Provider: "usgs", Op: "events", Params: map[string]string{"minmagnitude": "5"}}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func newTestFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = "test-agent"
	}
	opts.Timeout = 5 * time.Second
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fastRetry()
	}
	return NewHTTPFetcher(opts)
}

type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	types   map[string]string
	ttls    map[string]time.Duration
}

func newMemCache() *memCache {
	return &memCache{entries: map[string][]byte{}, types: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memCache) GetResponse(_ context.Context, key string) (string, []byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.entries[key]
	return m.types[key], b, ok, nil
}

func (m *memCache) SetResponse(_ context.Context, key, ct string, body []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = body
	m.types[key] = ct
	m.ttls[key] = ttl
	return nil
}

func TestGet_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{})
	resp, err := f.Get(context.Background(), Request{
		URL:    srv.URL + "/query",
		Header: http.Header{"Authorization": {"Bearer tok"}},
		Call:   testCall,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.ContentType)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.False(t, resp.Cached)
}

func TestGet_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{})
	resp, err := f.Get(context.Background(), Request{URL: srv.URL, Call: testCall})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_RetryExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("database offline"))
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{})
	_, err := f.Get(context.Background(), Request{URL: srv.URL, Call: testCall})
	require.Error(t, err)

	var ne *apperr.NetworkError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, 500, ne.StatusCode)
	assert.Equal(t, "usgs", ne.Provider)
	assert.Equal(t, "5", ne.Params["minmagnitude"])
	assert.Contains(t, err.Error(), "database offline")
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_ClientErrorReturnedToCaller(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("Bad starttime"))
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{})
	resp, err := f.Get(context.Background(), Request{URL: srv.URL, Call: testCall})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Bad starttime", string(resp.Body))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGet_RateLimitedHonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{})
	u, _ := url.Parse(srv.URL)
	before := f.Limiter(u.Host).Limit()

	start := time.Now()
	resp, err := f.Get(context.Background(), Request{URL: srv.URL, Call: testCall})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Less(t, time.Since(start), time.Second, "Retry-After is capped by MaxBackoff")
	assert.Less(t, float64(f.Limiter(u.Host).Limit()), float64(before), "429 slows the host down")
}

func TestGet_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	f := newTestFetcher(HTTPOptions{Retry: resilience.RetryConfig{MaxAttempts: 1}})
	_, err := f.Get(context.Background(), Request{URL: addr, Call: testCall})
	require.Error(t, err)

	var ne *apperr.NetworkError
	require.True(t, errors.As(err, &ne))
	assert.Zero(t, ne.StatusCode)
}

func TestGet_CacheHit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	cache := newMemCache()
	f := newTestFetcher(HTTPOptions{Cache: cache, CacheTTL: time.Hour})

	first, err := f.Get(context.Background(), Request{URL: srv.URL + "/tile", Call: testCall})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := f.Get(context.Background(), Request{URL: srv.URL + "/tile", Call: testCall})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "image/png", second.ContentType)
	assert.Equal(t, "png-bytes", string(second.Body))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, time.Hour, cache.ttls[CacheKey(srv.URL+"/tile")])

	_, err = f.Get(context.Background(), Request{URL: srv.URL + "/tile", Call: testCall, NoCache: true})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGet_ErrorResponsesNotCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cache := newMemCache()
	f := newTestFetcher(HTTPOptions{Cache: cache})
	_, err := f.Get(context.Background(), Request{URL: srv.URL, Call: testCall})
	require.NoError(t, err)
	assert.Empty(t, cache.entries)
}

func TestGet_CircuitOpen(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{
		Retry:    resilience.RetryConfig{MaxAttempts: 1},
		Breakers: resilience.NewProviderBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}),
	})

	_, err := f.Get(context.Background(), Request{URL: srv.URL, Call: testCall})
	require.Error(t, err)

	_, err = f.Get(context.Background(), Request{URL: srv.URL, Call: testCall})
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	assert.Equal(t, apperr.KindNetwork, apperr.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGet_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("late"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestFetcher(HTTPOptions{})
	_, err := f.Get(ctx, Request{URL: srv.URL, Call: testCall})
	assert.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	d, ok := parseRetryAfter("120", now)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Minute, d)

	d, ok = parseRetryAfter("Fri, 01 Mar 2024 12:00:30 GMT", now)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	for _, v := range []string{"", "0", "-5", "soon", "Fri, 01 Mar 2024 11:00:00 GMT"} {
		_, ok := parseRetryAfter(v, now)
		assert.False(t, ok, v)
	}
}

func TestStatusMessage(t *testing.T) {
	assert.Equal(t, "503 Service Unavailable", StatusMessage(503, nil))
	assert.Equal(t, "400 Bad Request: bad bbox", StatusMessage(400, []byte("  bad bbox\n")))

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, StatusMessage(500, long), len("500 Internal Server Error: ")+300+3)
}

func TestCacheKey(t *testing.T) {
	a := CacheKey("https://earthquake.usgs.gov/fdsnws/event/1/query?minmagnitude=5")
	b := CacheKey("https://earthquake.usgs.gov/fdsnws/event/1/query?minmagnitude=6")
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, CacheKey("https://earthquake.usgs.gov/fdsnws/event/1/query?minmagnitude=5"))
}

func TestDefaultRateLimits(t *testing.T) {
	rates := DefaultRateLimits()
	assert.InDelta(t, 5.0, rates["earthquake.usgs.gov"], 0.001)
	assert.Contains(t, rates, "gibs.earthdata.nasa.gov")
}

func TestLimiter_OverridesAndDefaults(t *testing.T) {
	f := NewHTTPFetcher(HTTPOptions{RateLimits: map[string]float64{"example.org": 3}})
	assert.InDelta(t, 3.0, float64(f.Limiter("example.org").Limit()), 0.001)
	assert.InDelta(t, float64(defaultHostRate), float64(f.Limiter("unknown.host").Limit()), 0.001)
	assert.Same(t, f.Limiter("example.org"), f.Limiter("example.org"))
}

func TestAdaptiveLimiter_OnSuccess_IncreasesRate(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 10)

	lim.OnSuccess()
	assert.InDelta(t, 12.0, float64(lim.Limit()), 0.1)

	lim.OnSuccess()
	assert.InDelta(t, 14.4, float64(lim.Limit()), 0.1)
}

func TestAdaptiveLimiter_OnRateLimit_DecreasesRate(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 10)

	lim.OnRateLimit("test")
	assert.InDelta(t, 5.0, float64(lim.Limit()), 0.1)

	lim.OnRateLimit("test")
	assert.InDelta(t, 2.5, float64(lim.Limit()), 0.1)
}

func TestAdaptiveLimiter_Bounds(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 10)
	for range 20 {
		lim.OnSuccess()
	}
	assert.InDelta(t, 20.0, float64(lim.Limit()), 0.1)

	for range 10 {
		lim.OnRateLimit("test")
	}
	assert.InDelta(t, 2.5, float64(lim.Limit()), 0.1)
}

func TestAdaptiveLimiter_Wait_ContextCancelled(t *testing.T) {
	lim := NewAdaptiveLimiter(0.001, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, lim.Wait(ctx))
}
