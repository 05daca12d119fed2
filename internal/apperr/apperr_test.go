package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	ctx := Context{Provider: "usgs", Op: "events"}
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"network", Network(ctx, 503, errors.New("unavailable")), KindNetwork},
		{"data format", DataFormat(ctx, errors.New("bad json")), KindDataFormat},
		{"auth", Authentication(ctx, 401, errors.New("denied")), KindAuthentication},
		{"crs", CoordinateSystem("EPSG:32633", "tile a", errors.New("unknown")), KindCoordinateSystem},
		{"invalid query", InvalidQuery("start %s after end", "2024-02-01"), KindInvalidQuery},
		{"wrapped network", eris.Wrap(Network(ctx, 0, errors.New("reset")), "pipeline: quakes"), KindNetwork},
		{"other", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestContextString_SortsParams(t *testing.T) {
	c := Context{
		Provider: "usgs",
		Op:       "events",
		Params:   map[string]string{"starttime": "2024-01-01", "minmagnitude": "6"},
	}
	assert.Equal(t, "usgs events [minmagnitude=6 starttime=2024-01-01]", c.String())
}

func TestNetworkError_MessageAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Network(Context{Provider: "gibs", Op: "getmap"}, 0, cause)

	assert.Contains(t, err.Error(), "gibs getmap")
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, cause)

	withStatus := Network(Context{Provider: "gibs"}, 502, cause)
	assert.Contains(t, withStatus.Error(), "http 502")
}

func TestErrorsAs_ThroughWrapping(t *testing.T) {
	err := fmt.Errorf("compose: %w", CoordinateSystem("EPSG:2193", "tile-1", errors.New("unsupported")))

	var cse *CoordinateSystemError
	require.True(t, errors.As(err, &cse))
	assert.Equal(t, "EPSG:2193", cse.CRS)
	assert.Equal(t, "tile-1", cse.Subject)
}

func TestInvalidQuery_IsSentinel(t *testing.T) {
	err := InvalidQuery("min magnitude %v is negative", -1.0)
	assert.True(t, errors.Is(err, ErrInvalidQuery))
	assert.Contains(t, err.Error(), "negative")
}
