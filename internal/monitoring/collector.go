package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quakemap/internal/model"
	"github.com/sells-group/quakemap/internal/store"
)

// MetricsSnapshot holds a point-in-time view of render health.
type MetricsSnapshot struct {
	RenderTotal    int     `json:"render_total"`
	RenderComplete int     `json:"render_complete"`
	RenderFailed   int     `json:"render_failed"`
	RenderRunning  int     `json:"render_running"`
	RenderFailRate float64 `json:"render_fail_rate"`

	// Averages over complete renders. Coverage only counts renders that
	// fetched imagery.
	AvgEvents     float64 `json:"avg_events"`
	AvgCoverage   float64 `json:"avg_coverage"`
	FlaggedEvents int     `json:"flagged_events"`
	DroppedEvents int     `json:"dropped_events"`
	AvgDurationMs int64   `json:"avg_duration_ms"`
	ImageryRuns   int     `json:"imagery_runs"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RenderLister is the part of store.Store the collector reads.
type RenderLister interface {
	ListRenders(ctx context.Context, filter store.RenderFilter) ([]model.Render, error)
}

// Collector gathers render statistics from the store.
type Collector struct {
	store RenderLister
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st RenderLister) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	renders, err := c.store.ListRenders(ctx, store.RenderFilter{
		CreatedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list renders")
	}

	snap.RenderTotal = len(renders)
	var totalEvents int
	var totalCoverage float64
	var totalDuration int64

	for _, r := range renders {
		switch r.Status {
		case model.RenderStatusComplete:
			snap.RenderComplete++
		case model.RenderStatusFailed:
			snap.RenderFailed++
		case model.RenderStatusRunning:
			snap.RenderRunning++
		}
		if r.Status != model.RenderStatusComplete || r.Summary == nil {
			continue
		}
		totalEvents += r.Summary.Events
		totalDuration += r.Summary.DurationMs
		snap.FlaggedEvents += r.Summary.Flagged
		snap.DroppedEvents += r.Summary.Dropped
		if !r.Request.SkipImagery {
			snap.ImageryRuns++
			totalCoverage += r.Summary.CoverageFraction
		}
	}

	if finished := snap.RenderComplete + snap.RenderFailed; finished > 0 {
		snap.RenderFailRate = float64(snap.RenderFailed) / float64(finished)
	}
	if snap.RenderComplete > 0 {
		snap.AvgEvents = float64(totalEvents) / float64(snap.RenderComplete)
		snap.AvgDurationMs = totalDuration / int64(snap.RenderComplete)
	}
	if snap.ImageryRuns > 0 {
		snap.AvgCoverage = totalCoverage / float64(snap.ImageryRuns)
	}

	return snap, nil
}
