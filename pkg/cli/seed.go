package cli

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-migrate/pkg/services/migration"
)

// SeedOptions holds flags for the seed command.
type SeedOptions struct {
	*RootOptions
	DryRun bool
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the rule file's seed records on the target",
		Long: `Make sure every seed record of the rule file exists on the target, matched
by its key field. Existing records are reused; running the command twice
creates nothing the second time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(commandContext(cmd), opts.RootOptions, openOptions{})
			if err != nil {
				return err
			}
			defer env.Close()

			results, err := env.runner().Seed(commandContext(cmd), opts.DryRun)
			if err != nil {
				return WrapExitError(ExitFailure, "seeding failed", err)
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), results)
			}
			return renderSeeds(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "count missing records without creating them")
	return cmd
}

func renderSeeds(w io.Writer, results []migration.SeedResult) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "No seeds configured.")
		return err
	}
	table := uitable.New()
	table.Separator = "  "
	table.RightAlign(1)
	table.RightAlign(2)
	table.AddRow("SEED MODEL", "CREATED", "EXISTING")
	for _, r := range results {
		table.AddRow(r.Model, humanize.Comma(int64(r.Created)), humanize.Comma(int64(r.Existing)))
	}
	_, err := fmt.Fprintln(w, table)
	return err
}
