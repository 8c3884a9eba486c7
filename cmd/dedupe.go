package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/entity-resolver/internal/dedupe"
	"github.com/sells-group/entity-resolver/internal/export"
)

var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Find and consolidate duplicate entities in a tenant",
	Long:  "Scans a tenant's live entities, merges groups joined by exact identifiers into one survivor and files name-based pairs for review.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tenant, _ := cmd.Flags().GetString("tenant")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		reportPath, _ := cmd.Flags().GetString("report")

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		d := dedupe.New(a.store, a.locker, cfg.Resolve.AutoMergeThreshold)
		sum, res, err := d.Run(ctx, tenant, dryRun)
		if err != nil {
			return eris.Wrap(err, "dedupe")
		}

		formatDedupe(os.Stdout, sum, res)
		if reportPath != "" {
			return export.WriteFile(reportPath, res)
		}
		return nil
	},
}

func formatDedupe(w io.Writer, sum dedupe.Summary, res dedupe.Result) {
	verb := "Merged"
	if sum.DryRun {
		verb = "Would merge"
	}
	fmt.Fprintf(w, "Scanned %d entities in %s: %d group(s), %d pair(s) for review\n",
		sum.Scanned, sum.TenantID, sum.Groups, sum.Reviews)
	if len(res.Groups) == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "SURVIVOR\tSUBORDINATE\tSCORE\n")
	for _, g := range res.Groups {
		for _, sub := range g.Subordinates {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", g.Survivor.ID, sub.ID, g.Scores[sub.ID])
		}
	}
	tw.Flush() //nolint:errcheck
	fmt.Fprintf(w, "%s %d entit(ies)\n", verb, len(sum.Tombstoned))
}

func init() {
	dedupeCmd.Flags().String("tenant", "", "tenant to scan (required)")
	dedupeCmd.Flags().Bool("dry-run", false, "report groups without merging")
	dedupeCmd.Flags().String("report", "", "write the scan result to this file (.json or .yaml)")
	_ = dedupeCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(dedupeCmd)
}
