// Package usgs fetches seismic events from the USGS FDSN event web service.
package usgs

import (
	"context"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/fetcher"
	"github.com/sells-group/quakemap/internal/metrics"
	"github.com/sells-group/quakemap/internal/model"
)

const (
	// DefaultBaseURL is the FDSN event service root.
	DefaultBaseURL = "https://earthquake.usgs.gov/fdsnws/event/1"

	// MaxPageSize is the largest limit the service accepts.
	MaxPageSize = 20000

	providerName = "usgs"
	timeLayout   = "2006-01-02T15:04:05.000"
)

// Client fetches seismic events.
type Client interface {
	// Events returns every event matching q, ordered by time then ID. An empty
	// slice is a valid result.
	Events(ctx context.Context, q model.EventQuery) ([]model.SeismicEvent, error)
}

// Option configures the client.
type Option func(*client)

// WithBaseURL overrides the service root.
func WithBaseURL(u string) Option {
	return func(c *client) {
		c.baseURL = u
	}
}

// WithFetcher sets the fetcher used for requests.
func WithFetcher(f fetcher.Fetcher) Option {
	return func(c *client) {
		c.fetcher = f
	}
}

// WithPageSize sets the per-request limit, capped at MaxPageSize.
func WithPageSize(n int) Option {
	return func(c *client) {
		if n > 0 {
			c.pageSize = min(n, MaxPageSize)
		}
	}
}

// WithMaxPages caps the number of pages fetched per query.
func WithMaxPages(n int) Option {
	return func(c *client) {
		if n > 0 {
			c.maxPages = n
		}
	}
}

type client struct {
	baseURL  string
	fetcher  fetcher.Fetcher
	pageSize int
	maxPages int
}

// NewClient creates a new event service Client with the given options.
func NewClient(opts ...Option) Client {
	c := &client{
		baseURL:  DefaultBaseURL,
		pageSize: MaxPageSize,
		maxPages: 10,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetcher == nil {
		c.fetcher = fetcher.NewHTTPFetcher(fetcher.HTTPOptions{})
	}
	return c
}

// ValidateQuery rejects queries the service would refuse or that make no sense.
func ValidateQuery(q model.EventQuery) error {
	if q.Start.IsZero() || q.End.IsZero() {
		return apperr.InvalidQuery("start and end times are required")
	}
	if q.Start.After(q.End) {
		return apperr.InvalidQuery("start %s is after end %s", q.Start.Format(time.RFC3339), q.End.Format(time.RFC3339))
	}
	if math.IsNaN(q.MinMagnitude) || q.MinMagnitude < 0 {
		return apperr.InvalidQuery("minimum magnitude must be non-negative, got %v", q.MinMagnitude)
	}
	if q.Bounds != nil {
		if err := q.Bounds.Validate(); err != nil {
			return apperr.InvalidQuery("bounds: %v", err)
		}
	}
	return nil
}

// QueryParams builds the service parameters for q, excluding paging.
func QueryParams(q model.EventQuery) url.Values {
	v := url.Values{}
	v.Set("format", "geojson")
	v.Set("eventtype", "earthquake")
	v.Set("orderby", "time-asc")
	v.Set("starttime", q.Start.UTC().Format(timeLayout))
	v.Set("endtime", q.End.UTC().Format(timeLayout))
	v.Set("minmagnitude", strconv.FormatFloat(q.MinMagnitude, 'f', -1, 64))
	if b := q.Bounds; b != nil {
		v.Set("minlatitude", strconv.FormatFloat(b.MinLat, 'f', -1, 64))
		v.Set("maxlatitude", strconv.FormatFloat(b.MaxLat, 'f', -1, 64))
		v.Set("minlongitude", strconv.FormatFloat(b.MinLon, 'f', -1, 64))
		v.Set("maxlongitude", strconv.FormatFloat(b.MaxLon, 'f', -1, 64))
	}
	return v
}

func (c *client) Events(ctx context.Context, q model.EventQuery) ([]model.SeismicEvent, error) {
	if err := ValidateQuery(q); err != nil {
		return nil, err
	}

	params := QueryParams(q)
	call := apperr.Context{Provider: providerName, Op: "events", Params: flatten(params)}
	log := zap.L().With(zap.String("provider", providerName), zap.String("query", call.String()))

	seen := make(map[string]struct{})
	var events []model.SeismicEvent
	var skipped int

	for page := 0; page < c.maxPages; page++ {
		params.Set("limit", strconv.Itoa(c.pageSize))
		params.Set("offset", strconv.Itoa(1+page*c.pageSize))

		pageEvents, pageSkipped, n, err := c.fetchPage(ctx, params, call)
		if err != nil {
			return nil, err
		}
		skipped += pageSkipped
		for _, ev := range pageEvents {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			events = append(events, ev)
		}

		log.Debug("usgs: page fetched", zap.Int("page", page+1), zap.Int("features", n))
		if n < c.pageSize {
			break
		}
		if page == c.maxPages-1 {
			log.Warn("usgs: result truncated at page cap",
				zap.Int("max_pages", c.maxPages),
				zap.Int("page_size", c.pageSize),
			)
		}
	}

	events = filterAndSort(q, events)
	if skipped > 0 {
		log.Info("usgs: skipped events without magnitude", zap.Int("skipped", skipped))
	}
	metrics.EventsFetched.Add(float64(len(events)))
	return events, nil
}

func (c *client) fetchPage(ctx context.Context, params url.Values, call apperr.Context) ([]model.SeismicEvent, int, int, error) {
	resp, err := c.fetcher.Get(ctx, fetcher.Request{
		URL:    c.baseURL + "/query?" + params.Encode(),
		Header: http.Header{"Accept": {"application/geo+json, application/json"}},
		Call:   call,
	})
	if err != nil {
		return nil, 0, 0, eris.Wrap(err, "usgs: fetch events")
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, 0, 0, nil
	case http.StatusBadRequest:
		return nil, 0, 0, eris.Wrapf(apperr.ErrInvalidQuery, "usgs: rejected query %s: %s", call, fetcher.StatusMessage(resp.StatusCode, resp.Body))
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, 0, 0, apperr.Authentication(call, resp.StatusCode, eris.New(fetcher.StatusMessage(resp.StatusCode, resp.Body)))
	default:
		return nil, 0, 0, apperr.Network(call, resp.StatusCode, eris.New(fetcher.StatusMessage(resp.StatusCode, resp.Body)))
	}

	events, skipped, n, err := decodeEvents(call, resp.Body)
	if err != nil {
		return nil, 0, 0, err
	}
	return events, skipped, n, nil
}

// filterAndSort drops anything outside the query and orders deterministically.
func filterAndSort(q model.EventQuery, events []model.SeismicEvent) []model.SeismicEvent {
	out := make([]model.SeismicEvent, 0, len(events))
	for _, ev := range events {
		if q.Matches(ev) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func flatten(v url.Values) map[string]string {
	m := make(map[string]string, len(v))
	for k := range v {
		m[k] = v.Get(k)
	}
	return m
}
