package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/quakemap/internal/regions"
)

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "List named regions usable with --region",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := regions.Load(cfg.RegionsFile)
		if err != nil {
			return err
		}
		formatRegions(os.Stdout, reg.List())
		return nil
	},
}

func formatRegions(out io.Writer, list []regions.Region) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tBOUNDS\tMIN MAG\tSOURCE\tDESCRIPTION")
	for _, r := range list {
		minMag := "-"
		if r.MinMagnitude != nil {
			minMag = fmt.Sprintf("%.1f", *r.MinMagnitude)
		}
		source := "file"
		if r.Builtin {
			source = "builtin"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Name, r.Bounds, minMag, source, r.Description)
	}
	w.Flush() //nolint:errcheck
}

func init() {
	rootCmd.AddCommand(regionsCmd)
}
