//go:build !integration

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/compose"
	"github.com/sells-group/quakemap/internal/model"
	"github.com/sells-group/quakemap/internal/monitoring"
	"github.com/sells-group/quakemap/internal/store"
)

var japan = model.Bounds{MinLat: 30, MinLon: 128, MaxLat: 46, MaxLon: 146}

func testEvents() []model.SeismicEvent {
	return []model.SeismicEvent{
		{ID: "us6000m0xl", Time: time.Date(2024, 1, 1, 7, 10, 9, 0, time.UTC), Latitude: 37.49, Longitude: 136.99, Magnitude: 7.5, Place: "Noto Peninsula, Japan"},
	}
}

func testImagery() *model.ImageryResult {
	return &model.ImageryResult{
		Tiles: []model.ImageryTile{{
			ID:       "gibs/2024-01-31/japan",
			Provider: "wms",
			Extent:   model.ExtentFromBounds(japan),
			CRS:      "EPSG:4326",
			Raster:   model.NewRaster(image.NewRGBA(image.Rect(0, 0, 8, 8)), "png"),
		}},
		Coverage: model.Coverage{Requested: japan, Covered: []model.Bounds{japan}, Fraction: 1},
	}
}

func testDeps(events *mockEvents, img *mockImagery) serveDeps {
	return serveDeps{
		Events:  events,
		Imagery: img,
		Compose: compose.Options{NearKm: 25},
	}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

func TestBuildMux_HealthEndpoint(t *testing.T) {
	mux := buildMux(testDeps(&mockEvents{}, &mockImagery{}))

	rr := get(t, mux, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestBuildMux_HealthDegraded(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	d := testDeps(&mockEvents{}, &mockImagery{})
	d.Store = st
	rr := get(t, buildMux(d), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "degraded")
}

func TestBuildMux_Metrics(t *testing.T) {
	mux := buildMux(testDeps(&mockEvents{}, &mockImagery{}))
	get(t, mux, "/health")

	rr := get(t, mux, "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "quakemap_http_requests_total")
}

func TestBuildMux_CORS(t *testing.T) {
	d := testDeps(&mockEvents{}, &mockImagery{})
	d.CORSOrigins = []string{"https://maps.example.com"}
	mux := buildMux(d)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://maps.example.com")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, "https://maps.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestBuildMux_Regions(t *testing.T) {
	rr := get(t, buildMux(testDeps(&mockEvents{}, &mockImagery{})), "/regions")
	require.Equal(t, http.StatusOK, rr.Code)

	var list []map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	names := make([]string, 0, len(list))
	for _, r := range list {
		names = append(names, r["name"].(string))
	}
	assert.Contains(t, names, "japan")
	assert.Contains(t, names, "australia")
}

func TestBuildMux_EventsGeoJSON(t *testing.T) {
	events := &mockEvents{}
	events.On("Events", mock.Anything, mock.MatchedBy(func(q model.EventQuery) bool {
		return q.MinMagnitude == 7 && q.Bounds != nil && *q.Bounds == japan &&
			q.Start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	})).Return(testEvents(), nil)

	rr := get(t, buildMux(testDeps(events, &mockImagery{})), "/events.geojson?region=japan&start=2024-01-01&end=2024-01-31&min_mag=7")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/geo+json", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), `"FeatureCollection"`)
	assert.Contains(t, rr.Body.String(), "us6000m0xl")
	events.AssertExpectations(t)
}

func TestBuildMux_InvalidQuery(t *testing.T) {
	events := &mockEvents{}
	mux := buildMux(testDeps(events, &mockImagery{}))

	for _, target := range []string{
		"/events.geojson?start=not-a-date",
		"/events.geojson?min_mag=big",
		"/events.geojson?region=atlantis",
		"/map?policy=hide",
	} {
		rr := get(t, mux, target)
		assert.Equal(t, http.StatusBadRequest, rr.Code, target)
		assert.Contains(t, rr.Body.String(), `"kind":"invalid_query"`, target)
	}
	events.AssertNotCalled(t, "Events", mock.Anything, mock.Anything)
}

func TestBuildMux_UpstreamFailure(t *testing.T) {
	events := &mockEvents{}
	events.On("Events", mock.Anything, mock.Anything).
		Return(nil, apperr.Network(apperr.Context{Provider: "usgs", Op: "query"}, 503, errors.New("unavailable")))

	rr := get(t, buildMux(testDeps(events, &mockImagery{})), "/events.geojson")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, rr.Body.String(), `"kind":"network"`)
}

func TestBuildMux_Map(t *testing.T) {
	events := &mockEvents{}
	img := &mockImagery{}
	events.On("Events", mock.Anything, mock.Anything).Return(testEvents(), nil)
	img.On("Fetch", mock.Anything, mock.Anything).Return(testImagery(), nil)

	st := newTestStore(t)
	d := testDeps(events, img)
	d.Store = st
	mux := buildMux(d)

	rr := get(t, mux, "/map?region=japan&start=2024-01-01&end=2024-01-31")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "leaflet")
	assert.Contains(t, rr.Body.String(), "Noto Peninsula, Japan")

	id := rr.Header().Get("X-Render-ID")
	require.NotEmpty(t, id)

	rr = get(t, mux, "/renders")
	require.Equal(t, http.StatusOK, rr.Code)
	var renders []model.Render
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &renders))
	require.Len(t, renders, 1)
	assert.Equal(t, id, renders[0].ID)
	assert.Equal(t, "japan", renders[0].Request.Region)
	assert.Equal(t, model.RenderStatusComplete, renders[0].Status)

	rr = get(t, mux, "/renders/"+id)
	require.Equal(t, http.StatusOK, rr.Code)
	var render model.Render
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &render))
	require.NotNil(t, render.Summary)
	assert.Equal(t, 1, render.Summary.Events)

	rr = get(t, mux, "/renders/stats?hours=6")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var snap monitoring.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.RenderTotal)
	assert.Equal(t, 1, snap.RenderComplete)
	assert.Equal(t, 1, snap.ImageryRuns)
	assert.InDelta(t, 1.0, snap.AvgCoverage, 1e-9)
	assert.Equal(t, 6, snap.LookbackHours)
}

func TestBuildMux_MapNoImagery(t *testing.T) {
	events := &mockEvents{}
	img := &mockImagery{}
	events.On("Events", mock.Anything, mock.Anything).Return(testEvents(), nil)

	rr := get(t, buildMux(testDeps(events, img)), "/map?no_imagery=true")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "1 without imagery")
	assert.Empty(t, rr.Header().Get("X-Render-ID"))
	img.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestBuildMux_MapNotifies(t *testing.T) {
	events := &mockEvents{}
	img := &mockImagery{}
	n := &mockNotifier{}
	events.On("Events", mock.Anything, mock.Anything).Return(testEvents(), nil)
	n.On("RenderFinished", mock.Anything, mock.MatchedBy(func(rn model.RenderNotice) bool {
		return rn.Status == model.RenderStatusComplete && rn.Region == "japan"
	})).Return(nil).Once()

	d := testDeps(events, img)
	d.Notifier = n
	rr := get(t, buildMux(d), "/map?region=japan&no_imagery=1")
	require.Equal(t, http.StatusOK, rr.Code)
	n.AssertExpectations(t)
}

func TestBuildMux_RendersWithoutStore(t *testing.T) {
	mux := buildMux(testDeps(&mockEvents{}, &mockImagery{}))
	assert.Equal(t, http.StatusServiceUnavailable, get(t, mux, "/renders").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, mux, "/renders/abc").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, mux, "/renders/stats").Code)
}

func TestBuildMux_RenderStats(t *testing.T) {
	d := testDeps(&mockEvents{}, &mockImagery{})
	d.Store = newTestStore(t)
	mux := buildMux(d)

	rr := get(t, mux, "/renders/stats")
	require.Equal(t, http.StatusOK, rr.Code)
	var snap monitoring.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Zero(t, snap.RenderTotal)
	assert.Equal(t, 24, snap.LookbackHours)

	rr = get(t, mux, "/renders/stats?hours=abc")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), `"kind":"invalid_query"`)
}

func TestBuildMux_RenderNotFound(t *testing.T) {
	d := testDeps(&mockEvents{}, &mockImagery{})
	d.Store = newTestStore(t)
	mux := buildMux(d)

	assert.Equal(t, http.StatusNotFound, get(t, mux, "/renders/missing").Code)

	rr := get(t, mux, "/renders")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestBuildMux_Basemap(t *testing.T) {
	var gotPath string
	tiles := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte("tile"))
	})
	d := testDeps(&mockEvents{}, &mockImagery{})
	d.Basemap = tiles

	rr := get(t, buildMux(d), "/basemap/3/4/2.png")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "/3/4/2.png", gotPath)
	assert.Equal(t, "tile", rr.Body.String())
}

func TestBuildMux_NoBasemap(t *testing.T) {
	rr := get(t, buildMux(testDeps(&mockEvents{}, &mockImagery{})), "/basemap/3/4/2.png")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStatusForError(t *testing.T) {
	call := apperr.Context{Provider: "wms"}
	tests := []struct {
		err  error
		want int
	}{
		{apperr.InvalidQuery("bad"), http.StatusBadRequest},
		{apperr.Network(call, 503, errors.New("down")), http.StatusBadGateway},
		{apperr.DataFormat(call, errors.New("garbled")), http.StatusBadGateway},
		{apperr.Authentication(call, 401, errors.New("denied")), http.StatusBadGateway},
		{apperr.CoordinateSystem("EPSG:32654", "tile", errors.New("unsupported")), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), tt.err.Error())
	}
}

func TestResolvePort(t *testing.T) {
	assert.Equal(t, 9090, resolvePort(9090, 8080))
	assert.Equal(t, 8080, resolvePort(0, 8080))
	assert.Equal(t, 0, resolvePort(0, 0))
}

func TestStartServer_GracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mux := buildMux(testDeps(&mockEvents{}, &mockImagery{}))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- startServer(ctx, mux, port)
	}()

	var ready bool
	for i := 0; i < 50; i++ {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
		if err == nil {
			resp.Body.Close()
			ready = resp.StatusCode == http.StatusOK
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, ready, "server did not become ready in time")

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
