// Package pipeline runs the fetch, compose and write stages that turn a
// query into a map document.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/compose"
	"github.com/sells-group/quakemap/internal/metrics"
	"github.com/sells-group/quakemap/internal/model"
	"github.com/sells-group/quakemap/internal/store"
	"github.com/sells-group/quakemap/pkg/imagery"
	"github.com/sells-group/quakemap/pkg/usgs"
)

// Phase names, in execution order.
const (
	PhaseQuakes  = "quakes"
	PhaseImagery = "imagery"
	PhaseCompose = "compose"
	PhaseWrite   = "write"
)

// EventSource fetches seismic events.
type EventSource interface {
	Events(ctx context.Context, q model.EventQuery) ([]model.SeismicEvent, error)
}

// ImagerySource fetches imagery tiles with a coverage report.
type ImagerySource interface {
	Fetch(ctx context.Context, q model.ImageryQuery) (*model.ImageryResult, error)
}

// Request is one pipeline run.
type Request struct {
	Query model.EventQuery
	// ImageryBounds is the region to fetch imagery for. Defaults to the
	// event query bounds, or the whole globe when the query is unbounded.
	ImageryBounds *model.Bounds
	Region        string
	SkipImagery   bool
	// OutputPath receives the HTML document when set.
	OutputPath string
}

// Notifier is told about every finished run.
type Notifier interface {
	RenderFinished(ctx context.Context, n model.RenderNotice) error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithNotifier publishes a notice when each run finishes. A nil notifier is ignored.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) {
		p.notifier = n
	}
}

// PhaseResult records the outcome of one phase.
type PhaseResult struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Result is the outcome of a successful run.
type Result struct {
	RenderID string
	Artifact *model.Artifact
	Events   []model.SeismicEvent
	Imagery  *model.ImageryResult
	Summary  model.RenderSummary
	Phases   []PhaseResult
}

// Pipeline wires the fetchers, the composer and the optional render store.
type Pipeline struct {
	events   EventSource
	imagery  ImagerySource
	store    store.Store
	notifier Notifier
	opts     compose.Options
	now      func() time.Time
}

// New creates a Pipeline. st may be nil to skip render history.
func New(events EventSource, img ImagerySource, st store.Store, opts compose.Options, options ...Option) *Pipeline {
	p := &Pipeline{events: events, imagery: img, store: st, opts: opts, now: time.Now}
	for _, o := range options {
		o(p)
	}
	return p
}

// Run fetches events and imagery concurrently, composes them and writes the
// document. Any fetch failure aborts the run before composition.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	imgQuery := imageryQuery(req)
	if err := usgs.ValidateQuery(req.Query); err != nil {
		return nil, err
	}
	if !req.SkipImagery {
		if err := imagery.ValidateQuery(imgQuery); err != nil {
			return nil, err
		}
	}

	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.Time("start", req.Query.Start),
		zap.Time("end", req.Query.End),
		zap.Float64("min_magnitude", req.Query.MinMagnitude),
	)
	log.Info("pipeline: starting render")
	started := p.now()

	result := &Result{}
	if p.store != nil {
		render, err := p.store.CreateRender(ctx, renderRequest(req, imgQuery))
		if err != nil {
			log.Warn("pipeline: failed to record render", zap.Error(err))
		} else {
			result.RenderID = render.ID
			log = log.With(zap.String("render_id", render.ID))
		}
	}

	var phasesMu sync.Mutex
	trackPhase := func(name string, fn func() error) error {
		start := time.Now()
		err := fn()
		pr := PhaseResult{Name: name, Duration: time.Since(start)}
		metrics.PhaseDuration.WithLabelValues(name).Observe(pr.Duration.Seconds())
		if err != nil {
			pr.Error = err.Error()
			log.Error("pipeline: phase failed",
				zap.String("phase", name),
				zap.Int64("duration_ms", pr.Duration.Milliseconds()),
				zap.String("kind", string(apperr.KindOf(err))),
				zap.Error(err),
			)
		} else {
			log.Info("pipeline: phase complete",
				zap.String("phase", name),
				zap.Int64("duration_ms", pr.Duration.Milliseconds()),
			)
		}
		phasesMu.Lock()
		result.Phases = append(result.Phases, pr)
		phasesMu.Unlock()
		return err
	}

	notify := func(n model.RenderNotice) {
		if p.notifier == nil {
			return
		}
		n.RenderID = result.RenderID
		n.Region = req.Region
		n.Output = req.OutputPath
		n.At = p.now().UTC()
		if err := p.notifier.RenderFinished(context.WithoutCancel(ctx), n); err != nil {
			log.Warn("pipeline: failed to publish render notice", zap.Error(err))
		}
	}

	fail := func(err error) (*Result, error) {
		metrics.RendersTotal.WithLabelValues(string(model.RenderStatusFailed)).Inc()
		if p.store != nil && result.RenderID != "" {
			if ferr := p.store.FailRender(context.WithoutCancel(ctx), result.RenderID, err.Error()); ferr != nil {
				log.Warn("pipeline: failed to mark render failed", zap.Error(ferr))
			}
		}
		notify(model.RenderNotice{Status: model.RenderStatusFailed, Error: err.Error()})
		return result, err
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return trackPhase(PhaseQuakes, func() error {
			events, err := p.events.Events(gCtx, req.Query)
			if err != nil {
				return err
			}
			result.Events = events
			return nil
		})
	})
	if !req.SkipImagery {
		g.Go(func() error {
			return trackPhase(PhaseImagery, func() error {
				res, err := p.imagery.Fetch(gCtx, imgQuery)
				if err != nil {
					return err
				}
				result.Imagery = res
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return fail(eris.Wrap(err, "pipeline: fetch"))
	}
	if result.Imagery == nil {
		result.Imagery = &model.ImageryResult{Coverage: model.Coverage{Requested: imgQuery.Bounds}}
	}

	var dropped int
	err := trackPhase(PhaseCompose, func() error {
		art, err := compose.Compose(result.Events, result.Imagery.Tiles, p.opts)
		if err != nil {
			return err
		}
		result.Artifact = art
		dropped = len(result.Events) - len(art.Markers)
		return nil
	})
	if err != nil {
		return fail(eris.Wrap(err, "pipeline: compose"))
	}

	if req.OutputPath != "" {
		if err := trackPhase(PhaseWrite, func() error { return result.Artifact.WriteFile(req.OutputPath) }); err != nil {
			return fail(eris.Wrap(err, "pipeline: write"))
		}
	}

	result.Summary = model.RenderSummary{
		Events:           len(result.Events),
		Tiles:            len(result.Imagery.Tiles),
		Flagged:          result.Artifact.FlaggedCount(),
		Dropped:          dropped,
		CoverageFraction: result.Imagery.Coverage.Fraction,
		Warnings:         result.Artifact.Warnings,
		DurationMs:       p.now().Sub(started).Milliseconds(),
	}
	if p.store != nil && result.RenderID != "" {
		if err := p.store.CompleteRender(ctx, result.RenderID, &result.Summary); err != nil {
			log.Warn("pipeline: failed to complete render", zap.Error(err))
		}
	}
	metrics.RendersTotal.WithLabelValues(string(model.RenderStatusComplete)).Inc()
	summary := result.Summary
	notify(model.RenderNotice{Status: model.RenderStatusComplete, Summary: &summary})

	log.Info("pipeline: render complete",
		zap.Int("events", result.Summary.Events),
		zap.Int("tiles", result.Summary.Tiles),
		zap.Int("flagged", result.Summary.Flagged),
		zap.Float64("coverage", result.Summary.CoverageFraction),
		zap.String("output", req.OutputPath),
	)
	return result, nil
}

func imageryQuery(req Request) model.ImageryQuery {
	b := model.WorldBounds
	switch {
	case req.ImageryBounds != nil:
		b = *req.ImageryBounds
	case req.Query.Bounds != nil:
		b = *req.Query.Bounds
	}
	return model.ImageryQuery{TimeRange: req.Query.TimeRange, Bounds: b}
}

func renderRequest(req Request, iq model.ImageryQuery) model.RenderRequest {
	rr := model.RenderRequest{
		Query:       req.Query,
		Region:      req.Region,
		OutputPath:  req.OutputPath,
		SkipImagery: req.SkipImagery,
	}
	if !req.SkipImagery {
		b := iq.Bounds
		rr.Imagery = &b
	}
	return rr
}
