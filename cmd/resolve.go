package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/export"
	"github.com/sells-group/entity-resolver/internal/ingest"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/monitoring"
	"github.com/sells-group/entity-resolver/internal/resolver"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve observations from a file into entities",
	Long:  "Reads observations from a CSV, JSON or XLSX export, matches each to an entity, merges fields by trust and flags ambiguous matches for review. --replay retries requeued provider failures.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		input, _ := cmd.Flags().GetString("input")
		tenant, _ := cmd.Flags().GetString("tenant")
		source, _ := cmd.Flags().GetString("source")
		tier, _ := cmd.Flags().GetString("tier")
		sheet, _ := cmd.Flags().GetString("sheet")
		withEnrich, _ := cmd.Flags().GetBool("enrich")
		replay, _ := cmd.Flags().GetBool("replay")
		replayLimit, _ := cmd.Flags().GetInt("replay-limit")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		reportPath, _ := cmd.Flags().GetString("report")
		metricsPath, _ := cmd.Flags().GetString("metrics-file")

		if input == "" && !replay {
			return eris.New("resolve: --input or --replay is required")
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.resolver(dryRun, withEnrich || replay)
		if err != nil {
			return err
		}

		var replayRep, runRep *resolver.Report
		if replay {
			replayRep, err = r.Replay(ctx, tenant, replayLimit)
			if err != nil {
				return eris.Wrap(err, "resolve: replay")
			}
		}
		if input != "" {
			runRep, err = resolveFile(ctx, r, input, ingest.Options{
				TenantID:  tenant,
				Source:    source,
				Tier:      model.TrustTier(tier),
				SheetName: sheet,
			}, withEnrich)
			if err != nil {
				return err
			}
		}

		alerter := monitoring.NewAlerter(cfg.Monitoring)
		for _, rep := range []*resolver.Report{replayRep, runRep} {
			if rep != nil {
				printReport(os.Stdout, rep)
				alerter.Check(ctx, rep)
			}
		}
		if reportPath != "" {
			if err := writeReports(reportPath, replayRep, runRep); err != nil {
				return err
			}
		}
		if metricsPath != "" {
			if err := a.metrics.WriteTextfile(metricsPath); err != nil {
				return err
			}
		}
		return nil
	},
}

// resolveFile ingests path and runs every observation through r.
func resolveFile(ctx context.Context, r *resolver.Resolver, path string, opts ingest.Options, withEnrich bool) (*resolver.Report, error) {
	if opts.Source == "" {
		return nil, eris.New("resolve: --source is required with --input")
	}
	observations, err := ingest.ReadFile(ctx, path, opts)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: ingest")
	}

	start := time.Now()
	rep := r.RunBatch(ctx, observations, resolver.BatchOptions{
		TenantID: opts.TenantID,
		Enrich:   withEnrich,
	})
	zap.L().Info("resolve complete",
		zap.String("input", path),
		zap.String("run_id", rep.RunID),
		zap.Int("observations", len(observations)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return rep, nil
}

// writeReports writes the run report to path. A replay report goes to
// path as well when it is the only one, and next to it as
// <name>.replay<ext> when both exist.
func writeReports(path string, replayRep, runRep *resolver.Report) error {
	switch {
	case runRep == nil && replayRep == nil:
		return nil
	case runRep == nil:
		return export.WriteFile(path, replayRep)
	case replayRep == nil:
		return export.WriteFile(path, runRep)
	}
	if err := export.WriteFile(replayReportPath(path), replayRep); err != nil {
		return err
	}
	return export.WriteFile(path, runRep)
}

func replayReportPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".replay" + ext
}

// printReport writes a short human summary of a run.
func printReport(w io.Writer, rep *resolver.Report) {
	fmt.Fprintf(w, "Run %s (tenant %s)\n", rep.RunID, rep.TenantID)
	fmt.Fprintf(w, "  created %d, updated %d, unchanged %d, malformed %d, requeued %d\n",
		rep.Created, rep.Updated, rep.Unchanged, rep.Malformed, rep.Requeued)

	states := make([]string, 0, len(rep.Counts))
	for s := range rep.Counts {
		states = append(states, string(s))
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Fprintf(w, "  %-20s %d\n", s, rep.Counts[resolver.State(s)])
	}
	if rep.Skipped > 0 {
		fmt.Fprintf(w, "  skipped (cancelled)  %d\n", rep.Skipped)
	}
	if len(rep.Review) > 0 {
		fmt.Fprintf(w, "  %d observation(s) flagged for review\n", len(rep.Review))
	}
	for _, f := range rep.Failures {
		fmt.Fprintf(w, "  failed %s [%s]: %s\n", f.ObservationID, f.State, f.Error)
	}
}

func init() {
	resolveCmd.Flags().String("input", "", "observation file (.csv, .tsv, .json, .xlsx)")
	resolveCmd.Flags().String("tenant", "", "tenant the observations belong to (required)")
	resolveCmd.Flags().String("source", "", "source name recorded on every observation")
	resolveCmd.Flags().String("tier", string(model.TierProviderUnverified), "trust tier of the source")
	resolveCmd.Flags().String("sheet", "", "XLSX sheet name (default first sheet)")
	resolveCmd.Flags().Bool("enrich", false, "query configured providers after resolving each observation")
	resolveCmd.Flags().Bool("replay", false, "retry requeued provider failures that are due")
	resolveCmd.Flags().Int("replay-limit", 100, "max requeue entries to replay")
	resolveCmd.Flags().Bool("dry-run", false, "decide merges without writing anything")
	resolveCmd.Flags().String("report", "", "write the run report to this file (.json or .yaml)")
	resolveCmd.Flags().String("metrics-file", "", "write prometheus metrics in textfile format")
	_ = resolveCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(resolveCmd)
}
