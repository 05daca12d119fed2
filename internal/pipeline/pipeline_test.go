package pipeline

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/compose"
	"github.com/sells-group/quakemap/internal/model"
	"github.com/sells-group/quakemap/internal/store"
)

var japan = model.Bounds{MinLat: 30, MinLon: 128, MaxLat: 46, MaxLon: 146}

func testQuery(b *model.Bounds) model.EventQuery {
	return model.EventQuery{
		TimeRange: model.TimeRange{
			Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		},
		MinMagnitude: 6,
		Bounds:       b,
	}
}

func testEvents() []model.SeismicEvent {
	return []model.SeismicEvent{
		{ID: "us6000m0xl", Time: time.Date(2024, 1, 1, 7, 10, 9, 0, time.UTC), Latitude: 37.49, Longitude: 136.99, Magnitude: 7.5},
		{ID: "us7000abcd", Time: time.Date(2024, 1, 9, 8, 59, 0, 0, time.UTC), Latitude: 38.2, Longitude: 145.9, Magnitude: 6.0},
	}
}

func testImagery() *model.ImageryResult {
	return &model.ImageryResult{
		Tiles: []model.ImageryTile{{
			ID:       "gibs/2024-01-31/japan",
			Provider: "wms",
			Extent:   model.ExtentFromBounds(japan),
			CRS:      "EPSG:4326",
			Raster:   model.NewRaster(image.NewRGBA(image.Rect(0, 0, 16, 16)), "png"),
		}},
		Coverage: model.Coverage{Requested: japan, Covered: []model.Bounds{japan}, Fraction: 1},
	}
}

func testOptions() compose.Options {
	return compose.Options{NearKm: 25, Now: func() time.Time { return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC) }}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestRun_Success(t *testing.T) {
	events := &mockEvents{}
	img := &mockImagery{}
	st := newTestStore(t)
	q := testQuery(&japan)

	events.On("Events", mock.Anything, q).Return(testEvents(), nil)
	img.On("Fetch", mock.Anything, model.ImageryQuery{TimeRange: q.TimeRange, Bounds: japan}).Return(testImagery(), nil)

	out := filepath.Join(t.TempDir(), "maps", "japan.html")
	p := New(events, img, st, testOptions())
	res, err := p.Run(context.Background(), Request{Query: q, Region: "japan", OutputPath: out})
	require.NoError(t, err)

	events.AssertExpectations(t)
	img.AssertExpectations(t)

	assert.Len(t, res.Artifact.Markers, 2)
	assert.Len(t, res.Artifact.Layers, 1)
	assert.Equal(t, 2, res.Summary.Events)
	assert.Equal(t, 1, res.Summary.Tiles)
	assert.Equal(t, 0, res.Summary.Flagged)
	assert.Equal(t, 1.0, res.Summary.CoverageFraction)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, res.Artifact.HTML, data)

	names := make([]string, 0, len(res.Phases))
	for _, ph := range res.Phases {
		names = append(names, ph.Name)
		assert.Empty(t, ph.Error)
	}
	assert.ElementsMatch(t, []string{PhaseQuakes, PhaseImagery, PhaseCompose, PhaseWrite}, names)

	require.NotEmpty(t, res.RenderID)
	render, err := st.GetRender(context.Background(), res.RenderID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderStatusComplete, render.Status)
	assert.Equal(t, "japan", render.Request.Region)
	require.NotNil(t, render.Summary)
	assert.Equal(t, 2, render.Summary.Events)
}

func TestRun_SkipImageryFlagsEveryEvent(t *testing.T) {
	events := &mockEvents{}
	img := &mockImagery{}
	events.On("Events", mock.Anything, mock.Anything).Return(testEvents(), nil)

	p := New(events, img, nil, testOptions())
	res, err := p.Run(context.Background(), Request{Query: testQuery(&japan), SkipImagery: true})
	require.NoError(t, err)

	img.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
	assert.Equal(t, 2, res.Summary.Flagged)
	assert.Len(t, res.Artifact.Warnings, 2)
	assert.Empty(t, res.RenderID)
}

func TestRun_UnboundedQueryUsesWorldImagery(t *testing.T) {
	events := &mockEvents{}
	img := &mockImagery{}
	q := testQuery(nil)
	events.On("Events", mock.Anything, q).Return([]model.SeismicEvent{}, nil)
	img.On("Fetch", mock.Anything, model.ImageryQuery{TimeRange: q.TimeRange, Bounds: model.WorldBounds}).
		Return(&model.ImageryResult{}, nil)

	res, err := New(events, img, nil, testOptions()).Run(context.Background(), Request{Query: q})
	require.NoError(t, err)
	img.AssertExpectations(t)
	assert.Empty(t, res.Artifact.Markers)
	assert.NotEmpty(t, res.Artifact.HTML)
}

func TestRun_ExplicitImageryBounds(t *testing.T) {
	events := &mockEvents{}
	img := &mockImagery{}
	q := testQuery(nil)
	events.On("Events", mock.Anything, q).Return(testEvents(), nil)
	img.On("Fetch", mock.Anything, model.ImageryQuery{TimeRange: q.TimeRange, Bounds: japan}).Return(testImagery(), nil)

	res, err := New(events, img, nil, testOptions()).Run(context.Background(), Request{Query: q, ImageryBounds: &japan})
	require.NoError(t, err)
	img.AssertExpectations(t)
	assert.Equal(t, 0, res.Summary.Flagged)
}

func TestRun_InvalidQueryMakesNoCalls(t *testing.T) {
	events := &mockEvents{}
	img := &mockImagery{}
	q := testQuery(&japan)
	q.Start, q.End = q.End, q.Start

	_, err := New(events, img, nil, testOptions()).Run(context.Background(), Request{Query: q})
	assert.True(t, errors.Is(err, apperr.ErrInvalidQuery))
	events.AssertNotCalled(t, "Events", mock.Anything, mock.Anything)
	img.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestRun_FetchErrorAbortsAndRecordsFailure(t *testing.T) {
	events := &mockEvents{}
	img := &mockImagery{}
	st := newTestStore(t)
	netErr := apperr.Network(apperr.Context{Provider: "usgs", Op: "query"}, 503, errors.New("unavailable"))

	events.On("Events", mock.Anything, mock.Anything).Return(nil, netErr)
	img.On("Fetch", mock.Anything, mock.Anything).Return(testImagery(), nil).Maybe()

	out := filepath.Join(t.TempDir(), "never.html")
	res, err := New(events, img, st, testOptions()).Run(context.Background(), Request{Query: testQuery(&japan), OutputPath: out})
	require.Error(t, err)

	var ne *apperr.NetworkError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, "usgs", ne.Context.Provider)
	assert.NoFileExists(t, out)
	assert.Nil(t, res.Artifact)

	render, gerr := st.GetRender(context.Background(), res.RenderID)
	require.NoError(t, gerr)
	assert.Equal(t, model.RenderStatusFailed, render.Status)
	assert.Contains(t, render.Error, "unavailable")
}

func TestRun_ImageryAuthErrorAborts(t *testing.T) {
	events := &mockEvents{}
	img := &mockImagery{}
	authErr := apperr.Authentication(apperr.Context{Provider: "wms", Op: "getmap"}, 401, errors.New("token rejected"))

	events.On("Events", mock.Anything, mock.Anything).Return(testEvents(), nil).Maybe()
	img.On("Fetch", mock.Anything, mock.Anything).Return(nil, authErr)

	_, err := New(events, img, nil, testOptions()).Run(context.Background(), Request{Query: testQuery(&japan)})
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))
}

func TestRun_ComposeErrorProducesNoArtifact(t *testing.T) {
	events := &mockEvents{}
	img := &mockImagery{}
	bad := testImagery()
	bad.Tiles[0].CRS = "EPSG:32654"

	events.On("Events", mock.Anything, mock.Anything).Return(testEvents(), nil)
	img.On("Fetch", mock.Anything, mock.Anything).Return(bad, nil)

	out := filepath.Join(t.TempDir(), "never.html")
	res, err := New(events, img, nil, testOptions()).Run(context.Background(), Request{Query: testQuery(&japan), OutputPath: out})
	assert.Equal(t, apperr.KindCoordinateSystem, apperr.KindOf(err))
	assert.Nil(t, res.Artifact)
	assert.NoFileExists(t, out)
}

func TestRun_DropPolicyCountsDropped(t *testing.T) {
	events := &mockEvents{}
	img := &mockImagery{}
	evs := append(testEvents(), model.SeismicEvent{ID: "far", Latitude: -33, Longitude: -71, Magnitude: 6.5, Time: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)})
	events.On("Events", mock.Anything, mock.Anything).Return(evs, nil)
	img.On("Fetch", mock.Anything, mock.Anything).Return(testImagery(), nil)

	opts := testOptions()
	opts.Policy = compose.PolicyDrop
	res, err := New(events, img, nil, opts).Run(context.Background(), Request{Query: testQuery(&japan)})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Summary.Events)
	assert.Equal(t, 1, res.Summary.Dropped)
	assert.Len(t, res.Artifact.Markers, 2)
}

func TestRun_Deterministic(t *testing.T) {
	events := &mockEvents{}
	img := &mockImagery{}
	events.On("Events", mock.Anything, mock.Anything).Return(testEvents(), nil)
	img.On("Fetch", mock.Anything, mock.Anything).Return(testImagery(), nil)

	p := New(events, img, nil, testOptions())
	a, err := p.Run(context.Background(), Request{Query: testQuery(&japan)})
	require.NoError(t, err)
	b, err := p.Run(context.Background(), Request{Query: testQuery(&japan)})
	require.NoError(t, err)
	assert.Equal(t, a.Artifact.HTML, b.Artifact.HTML)
}

func TestRun_NotifiesCompletion(t *testing.T) {
	events := &mockEvents{}
	img := &mockImagery{}
	n := &mockNotifier{}
	st := newTestStore(t)

	events.On("Events", mock.Anything, mock.Anything).Return(testEvents(), nil)
	img.On("Fetch", mock.Anything, mock.Anything).Return(testImagery(), nil)

	var got model.RenderNotice
	n.On("RenderFinished", mock.Anything, mock.AnythingOfType("model.RenderNotice")).
		Run(func(args mock.Arguments) { got = args.Get(1).(model.RenderNotice) }).
		Return(nil).Once()

	res, err := New(events, img, st, testOptions(), WithNotifier(n)).
		Run(context.Background(), Request{Query: testQuery(&japan), Region: "japan"})
	require.NoError(t, err)

	n.AssertExpectations(t)
	assert.Equal(t, model.RenderStatusComplete, got.Status)
	assert.Equal(t, res.RenderID, got.RenderID)
	assert.Equal(t, "japan", got.Region)
	require.NotNil(t, got.Summary)
	assert.Equal(t, 2, got.Summary.Events)
	assert.False(t, got.At.IsZero())
}

func TestRun_NotifiesFailure(t *testing.T) {
	events := &mockEvents{}
	img := &mockImagery{}
	n := &mockNotifier{}

	events.On("Events", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))
	img.On("Fetch", mock.Anything, mock.Anything).Return(testImagery(), nil).Maybe()
	n.On("RenderFinished", mock.Anything, mock.MatchedBy(func(rn model.RenderNotice) bool {
		return rn.Status == model.RenderStatusFailed && rn.Summary == nil
	})).Return(errors.New("publish failed")).Once()

	_, err := New(events, img, nil, testOptions(), WithNotifier(n)).
		Run(context.Background(), Request{Query: testQuery(&japan)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	n.AssertExpectations(t)
}

func TestRun_InvalidQueryNotNotified(t *testing.T) {
	n := &mockNotifier{}
	q := testQuery(&japan)
	q.MinMagnitude = -1

	_, err := New(&mockEvents{}, &mockImagery{}, nil, testOptions(), WithNotifier(n)).
		Run(context.Background(), Request{Query: q})
	require.Error(t, err)
	n.AssertNotCalled(t, "RenderFinished", mock.Anything, mock.Anything)
}
