package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/export"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/resolver"
	"github.com/sells-group/entity-resolver/internal/store"
	"github.com/sells-group/entity-resolver/pkg/notion"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the review queue",
	Long:  "Commands for listing, resolving and exporting matches the engine refused to decide on its own.",
}

// -- review list --

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review items",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		items, err := a.store.ListReviews(ctx, reviewFilter(cmd))
		if err != nil {
			return eris.Wrap(err, "review list")
		}
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "No review items found.")
			return nil
		}

		formatReviewList(os.Stdout, items)
		return nil
	},
}

// -- review resolve --

var reviewResolveCmd = &cobra.Command{
	Use:   "resolve <review-id>",
	Short: "Decide a review item",
	Long:  "Applies the observation to --entity (or keeps --entity as the survivor of a duplicate pair), creates a new entity with --create, or closes the item with --dismiss.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		entityID, _ := cmd.Flags().GetString("entity")
		create, _ := cmd.Flags().GetBool("create")
		dismiss, _ := cmd.Flags().GetBool("dismiss")
		note, _ := cmd.Flags().GetString("note")

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.resolver(false, false)
		if err != nil {
			return err
		}
		landed, err := r.ResolveReview(ctx, args[0], resolver.ReviewDecision{
			EntityID: entityID,
			Create:   create,
			Dismiss:  dismiss,
			Note:     note,
		})
		if err != nil {
			return eris.Wrap(err, "review resolve")
		}

		if landed != "" {
			fmt.Fprintf(os.Stdout, "Review %s resolved onto entity %s\n", args[0], landed)
		} else {
			fmt.Fprintf(os.Stdout, "Review %s dismissed\n", args[0])
		}
		return nil
	},
}

// -- review export --

var reviewExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export review items to a spreadsheet or Notion",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		xlsxPath, _ := cmd.Flags().GetString("xlsx")
		toNotion, _ := cmd.Flags().GetBool("notion")
		if xlsxPath == "" && !toNotion {
			return eris.New("review export: --xlsx or --notion is required")
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		items, err := a.store.ListReviews(ctx, reviewFilter(cmd))
		if err != nil {
			return eris.Wrap(err, "review export")
		}

		if xlsxPath != "" {
			if err := export.WriteReviewXLSX(xlsxPath, items); err != nil {
				return err
			}
			zap.L().Info("review items written", zap.String("path", xlsxPath), zap.Int("items", len(items)))
		}

		if toNotion {
			if cfg.Notion.Token == "" {
				return eris.New("notion token is required (RESOLVER_NOTION_TOKEN)")
			}
			if cfg.Notion.ReviewDB == "" {
				return eris.New("notion review DB ID is required (RESOLVER_NOTION_REVIEW_DB)")
			}
			sink := export.NewNotionSink(notion.Open(cfg.Notion.Token, cfg.Notion.ReviewDB, notion.WithRetry(retryConfig())))
			if _, _, err := sink.Export(ctx, items); err != nil {
				return err
			}
		}
		return nil
	},
}

func reviewFilter(cmd *cobra.Command) store.ReviewFilter {
	tenant, _ := cmd.Flags().GetString("tenant")
	status, _ := cmd.Flags().GetString("status")
	kind, _ := cmd.Flags().GetString("kind")
	limit, _ := cmd.Flags().GetInt("limit")
	return store.ReviewFilter{
		TenantID: tenant,
		Status:   model.ReviewStatus(status),
		Kind:     model.ReviewKind(kind),
		Limit:    limit,
	}
}

func formatReviewList(w io.Writer, items []model.ReviewItem) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tTENANT\tKIND\tSTATUS\tENTITIES\tCREATED\tREASON\n")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(it.ID),
			it.TenantID,
			it.Kind,
			it.Status,
			strings.Join(it.EntityIDs, ","),
			it.CreatedAt.Format("2006-01-02 15:04"),
			truncate(it.Reason, 60),
		)
	}
	tw.Flush() //nolint:errcheck
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func addReviewFilterFlags(cmd *cobra.Command, status string) {
	cmd.Flags().String("tenant", "", "only items of this tenant")
	cmd.Flags().String("status", status, "open, resolved or dismissed (empty for all)")
	cmd.Flags().String("kind", "", "ambiguous_match or duplicate_pair")
	cmd.Flags().Int("limit", 100, "max items")
}

func init() {
	addReviewFilterFlags(reviewListCmd, string(model.ReviewOpen))
	addReviewFilterFlags(reviewExportCmd, string(model.ReviewOpen))
	reviewExportCmd.Flags().String("xlsx", "", "write items to this spreadsheet")
	reviewExportCmd.Flags().Bool("notion", false, "upsert items into the Notion review database")

	reviewResolveCmd.Flags().String("entity", "", "entity the observation belongs to, or the duplicate survivor")
	reviewResolveCmd.Flags().Bool("create", false, "create a new entity from the observation")
	reviewResolveCmd.Flags().Bool("dismiss", false, "close the item without changes")
	reviewResolveCmd.Flags().String("note", "", "note stored with the resolution")
	reviewResolveCmd.MarkFlagsMutuallyExclusive("entity", "create", "dismiss")

	reviewCmd.AddCommand(reviewListCmd, reviewResolveCmd, reviewExportCmd)
	rootCmd.AddCommand(reviewCmd)
}
