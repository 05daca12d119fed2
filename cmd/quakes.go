package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/quakemap/internal/export"
	"github.com/sells-group/quakemap/internal/model"
)

var quakesFlags queryFlags

var quakesCmd = &cobra.Command{
	Use:   "quakes",
	Short: "Fetch earthquakes and print or export them",
	Long:  "Queries the USGS event service and writes the matching events as a table, JSON, CSV, GeoJSON or an XLSX workbook.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		q, err := quakesFlags.query(cmd, env.Regions)
		if err != nil {
			return err
		}

		events, err := env.Events.Events(ctx, q)
		if err != nil {
			return eris.Wrap(err, "quakes")
		}

		formatName, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")
		return writeQuakes(os.Stdout, events, formatName, out, cmd.Flags().Changed("format"))
	},
}

// writeQuakes writes events to out, or to w when out is empty. Without an
// explicit format a file's extension picks one.
func writeQuakes(w io.Writer, events []model.SeismicEvent, formatName, out string, explicit bool) error {
	format, err := export.ParseFormat(formatName)
	if err != nil {
		return err
	}

	if out == "" {
		if format == export.FormatXLSX {
			return eris.New("quakes: xlsx output needs --out")
		}
		return export.WriteEvents(w, events, format)
	}

	if !explicit {
		format = export.FormatForPath(out, export.FormatCSV)
	}
	if format == export.FormatTable {
		format = export.FormatCSV
	}
	if err := export.WriteEventsFile(out, events, format); err != nil {
		return err
	}
	zap.L().Info("events written",
		zap.String("path", out),
		zap.String("format", string(format)),
		zap.Int("events", len(events)),
	)
	return nil
}

func init() {
	addQueryFlags(quakesCmd, &quakesFlags)
	quakesCmd.Flags().String("format", string(export.FormatTable), "output format: table, json, csv, geojson or xlsx")
	quakesCmd.Flags().String("out", "", "write to this file instead of stdout")
	rootCmd.AddCommand(quakesCmd)
}
