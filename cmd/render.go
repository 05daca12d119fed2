package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/boundary"
	"github.com/sells-group/quakemap/internal/compose"
	"github.com/sells-group/quakemap/internal/pipeline"
)

var renderFlags queryFlags

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Build the earthquake map with imagery",
	Long:  "Fetches events and imagery concurrently, composes them into a Leaflet map and writes the HTML document.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		q, err := renderFlags.query(cmd, env.Regions)
		if err != nil {
			return err
		}

		opts := compose.OptionsFromConfig(cfg.Compose)
		if policy, _ := cmd.Flags().GetString("policy"); policy != "" {
			opts.Policy = compose.UncoveredPolicy(policy)
			if opts.Policy != compose.PolicyFlag && opts.Policy != compose.PolicyDrop {
				return apperr.InvalidQuery("--policy must be flag or drop, got %q", policy)
			}
		}
		if title, _ := cmd.Flags().GetString("title"); title != "" {
			opts.Title = title
		}
		if noCluster, _ := cmd.Flags().GetBool("no-cluster"); noCluster {
			opts.Cluster = false
		}

		overlays, err := loadOverlays(ctx, env.Fetcher, q.Bounds)
		if err != nil {
			return err
		}
		extra, _ := cmd.Flags().GetStringSlice("boundary")
		for _, src := range extra {
			ov, err := boundary.Load(ctx, src, env.Fetcher, boundary.Options{Clip: q.Bounds})
			if err != nil {
				return err
			}
			overlays = append(overlays, ov)
		}
		opts.Overlays = overlays

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = cfg.Compose.Output
		}
		noImagery, _ := cmd.Flags().GetBool("no-imagery")

		p := pipeline.New(env.Events, env.Imagery, env.Store, opts, env.pipelineOptions()...)
		res, err := p.Run(ctx, pipeline.Request{
			Query:       q,
			Region:      normalizeRegion(renderFlags.region),
			SkipImagery: noImagery,
			OutputPath:  out,
		})
		if err != nil {
			return eris.Wrap(err, "render")
		}

		printRenderSummary(os.Stdout, res, out)
		return nil
	},
}

func printRenderSummary(w io.Writer, res *pipeline.Result, out string) {
	s := res.Summary
	fmt.Fprintf(w, "Map written to %s\n", out)
	fmt.Fprintf(w, "  events:   %d (%d without imagery, %d dropped)\n", s.Events, s.Flagged, s.Dropped)
	fmt.Fprintf(w, "  tiles:    %d (%.1f%% coverage)\n", s.Tiles, s.CoverageFraction*100)
	if res.RenderID != "" {
		fmt.Fprintf(w, "  render:   %s\n", res.RenderID)
	}
	for _, warn := range s.Warnings {
		zap.L().Warn(warn)
	}
}

func init() {
	addQueryFlags(renderCmd, &renderFlags)
	renderCmd.Flags().String("out", "", "output HTML path (default from compose.output)")
	renderCmd.Flags().Bool("no-imagery", false, "skip imagery; every event is flagged")
	renderCmd.Flags().String("policy", "", "uncovered event policy: flag or drop (default from config)")
	renderCmd.Flags().String("title", "", "map title (default from config)")
	renderCmd.Flags().Bool("no-cluster", false, "disable marker clustering")
	renderCmd.Flags().StringSlice("boundary", nil, "extra shapefile, zip or URL to overlay (repeatable)")
	rootCmd.AddCommand(renderCmd)
}
