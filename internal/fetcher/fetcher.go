// Package fetcher performs outbound provider requests with per-host adaptive
// rate limiting, retries, circuit breaking and an optional response cache.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/sells-group/quakemap/internal/apperr"
)

// Fetcher issues GET requests against provider endpoints.
type Fetcher interface {
	// Get performs the request. Transport failures, 5xx and 429 responses that
	// survive the retry policy are returned as *apperr.NetworkError. Any other
	// status is returned in the Response for the caller to interpret.
	Get(ctx context.Context, req Request) (*Response, error)
}

// Request describes one provider call.
type Request struct {
	URL    string
	Header http.Header

	// Call identifies the provider call in errors and logs.
	Call apperr.Context

	// NoCache bypasses the response cache for this request.
	NoCache bool
}

// Response is a fully read provider response.
type Response struct {
	StatusCode  int
	Header      http.Header
	ContentType string
	Body        []byte
	Cached      bool
}

// Cache stores successful response bodies keyed by CacheKey.
type Cache interface {
	GetResponse(ctx context.Context, key string) (contentType string, body []byte, ok bool, err error)
	SetResponse(ctx context.Context, key, contentType string, body []byte, ttl time.Duration) error
}

// CacheKey returns the cache key for a request URL.
func CacheKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}
