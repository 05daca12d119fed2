package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/quakemap/internal/export"
	"github.com/sells-group/quakemap/internal/geo"
	"github.com/sells-group/quakemap/internal/model"
)

var imageryFlags queryFlags

var imageryCmd = &cobra.Command{
	Use:   "imagery",
	Short: "Fetch satellite imagery for a region and save the tiles",
	Long:  "Fetches imagery for the region and time window, writes each tile as a PNG with a JSON sidecar describing its extent and CRS, and reports coverage.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		q, err := imageryFlags.query(cmd, env.Regions)
		if err != nil {
			return err
		}
		iq := model.ImageryQuery{TimeRange: q.TimeRange, Bounds: model.WorldBounds}
		if q.Bounds != nil {
			iq.Bounds = *q.Bounds
		}

		res, err := env.Imagery.Fetch(ctx, iq)
		if err != nil {
			return eris.Wrap(err, "imagery")
		}

		dir, _ := cmd.Flags().GetString("out")
		paths, err := export.WriteTiles(dir, res)
		if err != nil {
			return err
		}

		formatCoverage(os.Stdout, res, paths)
		return nil
	},
}

// formatCoverage prints one row per tile followed by the coverage summary.
func formatCoverage(out io.Writer, res *model.ImageryResult, paths []string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TILE\tCRS\tBOUNDS\tSIZE\tFILE")
	for i, tile := range res.Tiles {
		bounds := "?"
		if b, err := geo.ToGeographic(tile.Extent, tile.CRS); err == nil {
			bounds = b.String()
		}
		file := ""
		if i < len(paths) {
			file = filepath.Base(paths[i])
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%dx%d\t%s\n",
			tile.ID, tile.CRS, bounds, tile.Raster.Width(), tile.Raster.Height(), file)
	}
	w.Flush() //nolint:errcheck

	status := "full"
	switch {
	case len(res.Tiles) == 0:
		status = "none"
	case res.Coverage.Partial:
		status = "partial"
	}
	fmt.Fprintf(out, "\nCoverage: %s (%.1f%% of %s)\n", status, res.Coverage.Fraction*100, res.Coverage.Requested)
}

func init() {
	addQueryFlags(imageryCmd, &imageryFlags)
	imageryCmd.Flags().String("out", "imagery", "directory for tiles and sidecars")
	rootCmd.AddCommand(imageryCmd)
}
