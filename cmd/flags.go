package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/model"
	"github.com/sells-group/quakemap/internal/regions"
)

// Defaults match the window and threshold the map was first built for.
const (
	defaultStart  = "2013-01-01"
	defaultEnd    = "2023-01-31"
	defaultMinMag = 6.0
)

// queryFlags are the event query flags shared by quakes, imagery and render.
type queryFlags struct {
	start  string
	end    string
	minMag float64
	region string
	bbox   string
}

func addQueryFlags(cmd *cobra.Command, f *queryFlags) {
	cmd.Flags().StringVar(&f.start, "start", defaultStart, "window start (YYYY-MM-DD or RFC3339, UTC)")
	cmd.Flags().StringVar(&f.end, "end", defaultEnd, "window end (YYYY-MM-DD or RFC3339, UTC)")
	cmd.Flags().Float64Var(&f.minMag, "min-mag", defaultMinMag, "minimum magnitude")
	cmd.Flags().StringVar(&f.region, "region", "", "named region (see `quakemap regions`)")
	cmd.Flags().StringVar(&f.bbox, "bbox", "", "bounding box minLon,minLat,maxLon,maxLat")
}

// query builds the event query. A region's own magnitude threshold applies
// unless --min-mag was given explicitly.
func (f *queryFlags) query(cmd *cobra.Command, reg *regions.Registry) (model.EventQuery, error) {
	return f.toQuery(reg, cmd.Flags().Changed("min-mag"))
}

func (f *queryFlags) toQuery(reg *regions.Registry, explicitMag bool) (model.EventQuery, error) {
	start, err := parseTime(f.start)
	if err != nil {
		return model.EventQuery{}, apperr.InvalidQuery("start time: %v", err)
	}
	end, err := parseTime(f.end)
	if err != nil {
		return model.EventQuery{}, apperr.InvalidQuery("end time: %v", err)
	}

	bounds, err := reg.Resolve(f.region, f.bbox)
	if err != nil {
		return model.EventQuery{}, err
	}

	minMag := f.minMag
	if r, ok := reg.Lookup(f.region); ok && r.MinMagnitude != nil && !explicitMag {
		minMag = *r.MinMagnitude
	}

	return model.EventQuery{
		TimeRange:    model.TimeRange{Start: start, End: end},
		MinMagnitude: minMag,
		Bounds:       bounds,
	}, nil
}

// parseTime accepts a calendar date or an RFC 3339 timestamp.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func normalizeRegion(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
