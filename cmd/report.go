package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/entity-resolver/internal/export"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Data quality reports",
}

var reportQualityCmd = &cobra.Command{
	Use:   "quality",
	Short: "Show how completely and how reliably each field is populated",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		tenant, _ := cmd.Flags().GetString("tenant")
		output, _ := cmd.Flags().GetString("output")

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		entities, err := a.store.ListEntities(ctx, tenant, true)
		if err != nil {
			return eris.Wrap(err, "report quality")
		}
		rep := export.Quality(tenant, entities, time.Now().UTC())

		if output != "" {
			return export.WriteFile(output, rep)
		}
		formatQuality(os.Stdout, rep)
		return nil
	},
}

func formatQuality(w io.Writer, rep export.QualityReport) {
	fmt.Fprintf(w, "Tenant %s: %d live entities, %d tombstoned, %d tagged\n\n",
		rep.TenantID, rep.Entities, rep.Tombstoned, rep.Tagged)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "FIELD\tPRESENT\tCOVERAGE\tVERIFIED\tAVG CONF\n")
	for _, f := range rep.Fields {
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\t%.1f%%\t%.1f\n",
			f.Field, f.Present, f.Coverage, f.VerifiedShare, f.AvgConfidence)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	reportQualityCmd.Flags().String("tenant", "", "tenant to report on (required)")
	reportQualityCmd.Flags().String("output", "", "write the report to this file (.json or .yaml)")
	_ = reportQualityCmd.MarkFlagRequired("tenant")
	reportCmd.AddCommand(reportQualityCmd)
	rootCmd.AddCommand(reportCmd)
}
