package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/basemap"
	"github.com/sells-group/quakemap/internal/compose"
	"github.com/sells-group/quakemap/internal/export"
	"github.com/sells-group/quakemap/internal/metrics"
	"github.com/sells-group/quakemap/internal/model"
	"github.com/sells-group/quakemap/internal/monitoring"
	"github.com/sells-group/quakemap/internal/pipeline"
	"github.com/sells-group/quakemap/internal/regions"
	"github.com/sells-group/quakemap/internal/store"
)

var servePort int

// serveDeps is everything the HTTP handlers need. Store, Notifier and Basemap
// may be nil.
type serveDeps struct {
	Events      pipeline.EventSource
	Imagery     pipeline.ImagerySource
	Store       store.Store
	Notifier    pipeline.Notifier
	Regions     *regions.Registry
	Basemap     http.Handler
	Compose     compose.Options
	CORSOrigins []string
	Lookback    int
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve maps, events and basemap tiles over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		opts := compose.OptionsFromConfig(cfg.Compose)
		var tiles http.Handler
		if cfg.Server.BasemapUpstream != "" {
			cache := basemap.NewCache(cfg.Server.BasemapCacheSize, time.Duration(cfg.Cache.TTLHours)*time.Hour)
			tiles = basemap.NewProxy(cfg.Server.BasemapUpstream, "png", env.Fetcher, cache)
			opts.BasemapURL = "/basemap/{z}/{x}/{y}.png"
		}
		overlays, err := loadOverlays(ctx, env.Fetcher, nil)
		if err != nil {
			return err
		}
		opts.Overlays = overlays

		if cfg.Monitoring.Enabled && env.Store != nil {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store),
				monitoring.NewAlerter(cfg.Monitoring),
				env.Store,
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		mux := buildMux(serveDeps{
			Events:      env.Events,
			Imagery:     env.Imagery,
			Store:       env.Store,
			Notifier:    env.Notifier,
			Regions:     env.Regions,
			Basemap:     tiles,
			Compose:     opts,
			CORSOrigins: cfg.Server.CORSOrigins,
			Lookback:    cfg.Monitoring.LookbackWindowHours,
		})

		return startServer(ctx, mux, resolvePort(servePort, cfg.Server.Port))
	},
}

// buildMux wires the routes.
func buildMux(d serveDeps) http.Handler {
	if d.Regions == nil {
		d.Regions = regions.Builtin()
	}
	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if d.Store != nil {
			if err := d.Store.Ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/regions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Regions.List())
	})

	r.Get("/events.geojson", func(w http.ResponseWriter, r *http.Request) {
		q, _, err := queryFromRequest(r, d.Regions)
		if err != nil {
			writeError(w, err)
			return
		}
		events, err := d.Events.Events(r.Context(), q)
		if err != nil {
			writeError(w, err)
			return
		}
		data, err := export.EventsGeoJSON(events)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write(data)
	})

	r.Get("/map", func(w http.ResponseWriter, r *http.Request) {
		q, region, err := queryFromRequest(r, d.Regions)
		if err != nil {
			writeError(w, err)
			return
		}
		opts := d.Compose
		if policy := r.URL.Query().Get("policy"); policy != "" {
			opts.Policy = compose.UncoveredPolicy(policy)
			if opts.Policy != compose.PolicyFlag && opts.Policy != compose.PolicyDrop {
				writeError(w, apperr.InvalidQuery("policy must be flag or drop, got %q", policy))
				return
			}
		}
		noImagery, _ := strconv.ParseBool(r.URL.Query().Get("no_imagery"))

		var popts []pipeline.Option
		if d.Notifier != nil {
			popts = append(popts, pipeline.WithNotifier(d.Notifier))
		}
		res, err := pipeline.New(d.Events, d.Imagery, d.Store, opts, popts...).Run(r.Context(), pipeline.Request{
			Query:       q,
			Region:      region,
			SkipImagery: noImagery,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if res.RenderID != "" {
			w.Header().Set("X-Render-ID", res.RenderID)
		}
		_, _ = w.Write(res.Artifact.HTML)
	})

	r.Route("/renders", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			if d.Store == nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "render history is disabled"})
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			renders, err := d.Store.ListRenders(r.Context(), store.RenderFilter{
				Status: model.RenderStatus(r.URL.Query().Get("status")),
				Limit:  limit,
			})
			if err != nil {
				writeError(w, err)
				return
			}
			if renders == nil {
				renders = []model.Render{}
			}
			writeJSON(w, http.StatusOK, renders)
		})
		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			if d.Store == nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "render history is disabled"})
				return
			}
			hours := d.Lookback
			if v := r.URL.Query().Get("hours"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n <= 0 {
					writeError(w, apperr.InvalidQuery("hours must be a positive integer, got %q", v))
					return
				}
				hours = n
			}
			if hours <= 0 {
				hours = 24
			}
			snap, err := monitoring.NewCollector(d.Store).Collect(r.Context(), hours)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			if d.Store == nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "render history is disabled"})
				return
			}
			render, err := d.Store.GetRender(r.Context(), chi.URLParam(r, "id"))
			if errors.Is(err, store.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "render not found"})
				return
			}
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, render)
		})
	})

	if d.Basemap != nil {
		r.Mount("/basemap", http.StripPrefix("/basemap", d.Basemap))
	}

	return r
}

// queryFromRequest reads start, end, min_mag, region and bbox the same way
// the CLI flags are read. It also returns the lower-cased region name.
func queryFromRequest(r *http.Request, reg *regions.Registry) (model.EventQuery, string, error) {
	v := r.URL.Query()
	f := queryFlags{
		start:  v.Get("start"),
		end:    v.Get("end"),
		minMag: defaultMinMag,
		region: v.Get("region"),
		bbox:   v.Get("bbox"),
	}
	if f.start == "" {
		f.start = defaultStart
	}
	if f.end == "" {
		f.end = defaultEnd
	}
	explicit := v.Has("min_mag")
	if explicit {
		m, err := strconv.ParseFloat(v.Get("min_mag"), 64)
		if err != nil {
			return model.EventQuery{}, "", apperr.InvalidQuery("min_mag: %v", err)
		}
		f.minMag = m
	}
	q, err := f.toQuery(reg, explicit)
	return q, normalizeRegion(f.region), err
}

// statusForError maps the error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindInvalidQuery:
		return http.StatusBadRequest
	case apperr.KindNetwork, apperr.KindDataFormat, apperr.KindAuthentication:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed", zap.String("kind", string(apperr.KindOf(err))), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(apperr.KindOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// startServer serves handler on port until ctx is cancelled, then shuts
// down gracefully.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.Int("port", port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server shutdown")
	}
	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
