package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/cost"
	"github.com/sells-group/entity-resolver/internal/export"
	"github.com/sells-group/entity-resolver/internal/extract"
	"github.com/sells-group/entity-resolver/internal/resolver"
	"github.com/sells-group/entity-resolver/pkg/anthropic"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract contact observations from free text",
	Long:  "Reads email signatures or notes separated by blank lines and turns each block into an inferred-tier observation. Prints the observations, or resolves them with --resolve.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		input, _ := cmd.Flags().GetString("input")
		tenant, _ := cmd.Flags().GetString("tenant")
		source, _ := cmd.Flags().GetString("source")
		useLLM, _ := cmd.Flags().GetBool("llm")
		doResolve, _ := cmd.Flags().GetBool("resolve")
		output, _ := cmd.Flags().GetString("output")

		text, err := os.ReadFile(input)
		if err != nil {
			return eris.Wrapf(err, "extract: read %s", input)
		}

		tracker := cost.NewTracker(cost.NewCalculator(cost.DefaultRates()))
		ex, err := initExtractor(useLLM, tracker)
		if err != nil {
			return err
		}
		observations, err := extract.Observations(ctx, ex, string(text), extract.Options{
			TenantID: tenant,
			Source:   source,
		})
		if useLLM {
			sum := tracker.Summary()
			zap.L().Info("extract: llm usage",
				zap.Int("calls", sum.Calls),
				zap.Int64("input_tokens", sum.InputTokens),
				zap.Int64("output_tokens", sum.OutputTokens),
				zap.Float64("usd", sum.USD),
			)
		}
		if err != nil {
			return err
		}

		if !doResolve {
			if output != "" {
				return export.WriteFile(output, observations)
			}
			return export.Write(os.Stdout, observations, export.FormatJSON)
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.resolver(false, false)
		if err != nil {
			return err
		}
		rep := r.RunBatch(ctx, observations, resolver.BatchOptions{TenantID: tenant})
		printReport(os.Stdout, rep)
		if output != "" {
			return export.WriteFile(output, rep)
		}
		return nil
	},
}

func initExtractor(useLLM bool, tracker *cost.Tracker) (extract.Extractor, error) {
	if !useLLM {
		return extract.NewHeuristic(), nil
	}
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic API key is required for --llm (RESOLVER_ANTHROPIC_KEY)")
	}
	zap.L().Debug("extract: using llm", zap.String("model", cfg.Anthropic.Model))
	client := anthropic.NewClient(cfg.Anthropic.Key, anthropic.WithRateLimit(2))
	x := extract.NewLLMExtractor(client, cfg.Anthropic.Model, retryConfig())
	x.OnUsage(tracker.Record)
	return x, nil
}

func init() {
	extractCmd.Flags().String("input", "", "text file to read (required)")
	extractCmd.Flags().String("tenant", "", "tenant the observations belong to (required)")
	extractCmd.Flags().String("source", "", "source name (default extract:<extractor>)")
	extractCmd.Flags().Bool("llm", false, "extract with the configured Claude model instead of rules")
	extractCmd.Flags().Bool("resolve", false, "resolve the extracted observations")
	extractCmd.Flags().String("output", "", "write observations, or the run report with --resolve, to this file")
	_ = extractCmd.MarkFlagRequired("input")
	_ = extractCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(extractCmd)
}
