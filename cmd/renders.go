package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/quakemap/internal/model"
	"github.com/sells-group/quakemap/internal/monitoring"
	"github.com/sells-group/quakemap/internal/store"
)

var rendersCmd = &cobra.Command{
	Use:   "renders",
	Short: "Inspect map render history",
	Long:  "Commands for listing and viewing recorded map renders.",
}

// -- renders list --

var rendersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded renders",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		renders, err := st.ListRenders(ctx, store.RenderFilter{
			Status: model.RenderStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "renders list")
		}

		if len(renders) == 0 {
			fmt.Fprintln(os.Stderr, "No renders found.")
			return nil
		}

		formatRendersList(os.Stdout, renders)
		return nil
	},
}

// -- renders show --

var rendersShowCmd = &cobra.Command{
	Use:   "show <render-id>",
	Short: "Show full details of a render",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		render, err := st.GetRender(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "renders show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(render)
	},
}

// -- renders stats --

var rendersStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recent render health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		hours, _ := cmd.Flags().GetInt("hours")
		if hours <= 0 {
			hours = cfg.Monitoring.LookbackWindowHours
		}

		snap, err := monitoring.NewCollector(st).Collect(cmd.Context(), hours)
		if err != nil {
			return eris.Wrap(err, "renders stats")
		}
		formatRenderStats(os.Stdout, snap)

		alerts := monitoring.NewAlerter(cfg.Monitoring).Evaluate(snap)
		for _, a := range alerts {
			fmt.Fprintf(os.Stdout, "ALERT [%s] %s\n", a.Severity, a.Message)
		}
		return nil
	},
}

func formatRenderStats(out io.Writer, snap *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Window:\tlast %dh\n", snap.LookbackHours)
	fmt.Fprintf(w, "Renders:\t%d (%d complete, %d failed, %d running)\n",
		snap.RenderTotal, snap.RenderComplete, snap.RenderFailed, snap.RenderRunning)
	fmt.Fprintf(w, "Failure rate:\t%.1f%%\n", snap.RenderFailRate*100)
	fmt.Fprintf(w, "Avg events:\t%.1f\n", snap.AvgEvents)
	fmt.Fprintf(w, "Avg coverage:\t%.1f%% over %d imagery renders\n", snap.AvgCoverage*100, snap.ImageryRuns)
	fmt.Fprintf(w, "Flagged events:\t%d\n", snap.FlaggedEvents)
	fmt.Fprintf(w, "Dropped events:\t%d\n", snap.DroppedEvents)
	fmt.Fprintf(w, "Avg duration:\t%dms\n", snap.AvgDurationMs)
	w.Flush() //nolint:errcheck
}

// openStore opens the configured store, failing when history is disabled.
func openStore(cmd *cobra.Command) (store.Store, error) {
	st, err := store.Open(cmd.Context(), cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if st == nil {
		return nil, eris.New("store.driver is \"none\"; render history and the response cache are disabled")
	}
	return st, nil
}

func formatRendersList(out io.Writer, renders []model.Render) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREGION\tSTATUS\tEVENTS\tFLAGGED\tCOVERAGE\tCREATED\tOUTPUT")
	for _, r := range renders {
		region := r.Request.Region
		if region == "" {
			region = "-"
		}
		events, flagged, coverage := "-", "-", "-"
		if r.Summary != nil {
			events = fmt.Sprintf("%d", r.Summary.Events)
			flagged = fmt.Sprintf("%d", r.Summary.Flagged)
			coverage = fmt.Sprintf("%.0f%%", r.Summary.CoverageFraction*100)
		}
		status := string(r.Status)
		if r.Status == model.RenderStatusFailed && r.Error != "" {
			status += ": " + truncate(r.Error, 40)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.ID),
			region,
			status,
			events,
			flagged,
			coverage,
			r.CreatedAt.Format("2006-01-02 15:04"),
			r.Request.OutputPath,
		)
	}
	w.Flush() //nolint:errcheck
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// -- cache --

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the provider response cache",
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired cache entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.DeleteExpiredResponses(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "cache prune")
		}
		fmt.Fprintf(os.Stdout, "Deleted %d expired cache entries.\n", n)
		return nil
	},
}

func init() {
	rendersListCmd.Flags().String("status", "", "filter by status (running, complete, failed)")
	rendersListCmd.Flags().Int("limit", 20, "maximum renders to show")

	rendersStatsCmd.Flags().Int("hours", 0, "lookback window in hours (default from config)")

	rendersCmd.AddCommand(rendersListCmd, rendersShowCmd, rendersStatsCmd)
	cacheCmd.AddCommand(cachePruneCmd)
	rootCmd.AddCommand(rendersCmd, cacheCmd)
}
