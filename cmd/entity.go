package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/entity-resolver/internal/export"
	"github.com/sells-group/entity-resolver/internal/model"
)

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Inspect entities",
}

// -- entity show --

var entityShowCmd = &cobra.Command{
	Use:   "show <entity-id>",
	Short: "Show an entity's fields and provenance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		e, err := a.store.GetEntity(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "entity show")
		}
		if e == nil {
			return eris.Errorf("entity %s not found", args[0])
		}

		if asJSON {
			return export.Write(os.Stdout, e, export.FormatJSON)
		}
		formatEntity(os.Stdout, e)
		return nil
	},
}

// -- entity history --

var entityHistoryCmd = &cobra.Command{
	Use:   "history <entity-id>",
	Short: "Show the merge audit trail of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.store.History(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "entity history")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No history found.")
			return nil
		}

		formatHistory(os.Stdout, entries)
		return nil
	},
}

func formatEntity(w io.Writer, e *model.Entity) {
	fmt.Fprintf(w, "Entity:    %s\n", e.ID)
	fmt.Fprintf(w, "Tenant:    %s\n", e.TenantID)
	fmt.Fprintf(w, "Kind:      %s\n", e.Kind)
	fmt.Fprintf(w, "Version:   %d\n", e.Version)
	fmt.Fprintf(w, "Created:   %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Updated:   %s\n", e.UpdatedAt.Format("2006-01-02 15:04:05"))
	if e.Tombstoned() {
		fmt.Fprintf(w, "Merged:    into %s at %s\n", e.SurvivorID, e.DeletedAt.Format("2006-01-02 15:04:05"))
	}
	if len(e.Tags) > 0 {
		fmt.Fprintf(w, "Tags:      %s\n", strings.Join(e.Tags, ", "))
	}
	fmt.Fprintf(w, "Sources:   %d observation(s)\n\n", len(e.ObservationIDs))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "FIELD\tVALUE\tCONF\tVERIFIED\tSOURCE\n")
	for _, k := range model.FieldKeys {
		f := e.Get(k)
		if f.Empty() {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", k, f.Value, f.Confidence, yesNo(f.Verified), f.Source)
	}
	tw.Flush() //nolint:errcheck
}

func formatHistory(w io.Writer, entries []model.AuditEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "APPLIED\tFIELD\tACTION\tOLD\tNEW\tCONF\tOBSERVATION\tREASON\n")
	for _, a := range entries {
		d := a.Decision
		newValue := d.NewValue
		if d.Action == model.ActionUnion {
			newValue = strings.Join(d.Tags, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			a.AppliedAt.Format("2006-01-02 15:04:05"),
			d.Field,
			d.Action,
			orDash(d.OldValue),
			orDash(newValue),
			d.Confidence,
			shortID(a.ObservationID),
			d.Reason,
		)
	}
	tw.Flush() //nolint:errcheck
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	entityShowCmd.Flags().Bool("json", false, "print the entity as JSON")
	entityCmd.AddCommand(entityShowCmd, entityHistoryCmd)
	rootCmd.AddCommand(entityCmd)
}
