package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
	"github.com/ekaya-inc/ekaya-migrate/pkg/services/migration"
	"github.com/ekaya-inc/ekaya-migrate/pkg/services/schema"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Models   []string
	Mappings bool
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Compare source and target field definitions",
		Long: `Describe the configured models on both stores and list the differences that
need a rule before migrating: fields newly required on the target, fields
missing on the target, changed kinds and relations, and computed fields.

With --mappings, list the identifier map instead: live and superseded
entries per model and the run that last mapped a record.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(commandContext(cmd), opts.RootOptions, openOptions{idMap: opts.Mappings})
			if err != nil {
				return err
			}
			defer env.Close()

			if opts.Mappings {
				summaries, err := env.runner().Mappings(commandContext(cmd), opts.Models)
				if err != nil {
					return WrapExitError(ExitFailure, "listing mappings failed", err)
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), summaries)
				}
				return renderMappings(cmd.OutOrStdout(), summaries)
			}

			diffs, err := env.runner().Inspect(commandContext(cmd), opts.Models)
			if err != nil {
				return WrapExitError(ExitFailure, "inspect failed", err)
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), diffs)
			}
			return renderDiffs(cmd.OutOrStdout(), diffs)
		},
	}
	cmd.Flags().StringSliceVar(&opts.Models, "models", nil, "inspect only these models")
	cmd.Flags().BoolVar(&opts.Mappings, "mappings", false, "summarize the identifier map instead of the schemas")
	return cmd
}

func renderDiffs(w io.Writer, diffs []*schema.DiffResult) error {
	for i, d := range diffs {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if _, err := fmt.Fprintf(w, "%s\n", d.Model); err != nil {
			return err
		}
		if d.Empty() {
			fmt.Fprintln(w, "  no differences")
		}
		section(w, "newly required on target", changeNames(d.NewlyRequired))
		section(w, "no longer required", changeNames(d.NoLongerRequired))
		section(w, "missing on target", d.MissingOnTarget)
		section(w, "new on target", d.NewOnTarget)
		section(w, "kind changed", kindChanges(d.KindChanged))
		section(w, "relation changed", relationChanges(d.RelationChanged))
		section(w, "source references", references(d.SourceReferences))
		section(w, "target references", references(d.TargetReferences))
		section(w, "source computed", d.SourceComputed)
		section(w, "target computed", d.TargetComputed)
	}
	return nil
}

func renderMappings(w io.Writer, summaries []migration.MappingSummary) error {
	table := uitable.New()
	table.Separator = "  "
	table.RightAlign(1)
	table.RightAlign(2)
	table.AddRow("MODEL", "LIVE", "SUPERSEDED", "LAST RUN")
	for _, s := range summaries {
		lastRun := "-"
		if s.LastRunID != "" {
			lastRun = fmt.Sprintf("%s (%s)", s.LastRunID, humanize.Time(s.LastMigratedAt))
		}
		table.AddRow(s.Model, humanize.Comma(int64(s.Live)), humanize.Comma(int64(s.Superseded)), lastRun)
	}
	_, err := fmt.Fprintln(w, table)
	return err
}

func section(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "  %s: %s\n", title, strings.Join(items, ", "))
}

func changeNames(changes []schema.FieldChange) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Field
	}
	return out
}

func references(fields []models.FieldDescriptor) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = fmt.Sprintf("%s -> %s", f.Name, f.Relation)
	}
	return out
}

func kindChanges(changes []schema.FieldChange) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = fmt.Sprintf("%s (%s -> %s)", c.Field, c.Source.Kind, c.Target.Kind)
	}
	return out
}

func relationChanges(changes []schema.FieldChange) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = fmt.Sprintf("%s (%s -> %s)", c.Field, c.Source.Relation, c.Target.Relation)
	}
	return out
}
