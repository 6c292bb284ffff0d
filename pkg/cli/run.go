package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/logging"
	"github.com/ekaya-inc/ekaya-migrate/pkg/services/migration"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Models        []string
	DryRun        bool
	VerifyTargets bool
	FromOffset    []string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Migrate the configured models",
		Long: `Migrate every configured model from the source store to the target store.

Models are processed dependencies first. Records already present in the
identifier map are skipped, so an interrupted run can simply be started again.

Example:
  ekaya-migrate run --config migrate.yaml
  ekaya-migrate run --models product.template --dry-run
  ekaya-migrate run --from-offset product.template=4200`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(cmd, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Models, "models", nil, "migrate only these models and their dependencies")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "transform and validate without writing to the target")
	cmd.Flags().BoolVar(&opts.VerifyTargets, "verify-targets", false, "re-create records whose mapped target record was deleted")
	cmd.Flags().StringArrayVar(&opts.FromOffset, "from-offset", nil, "start a model's export at an offset (model=N, repeatable)")

	return cmd
}

// parseOffsets turns model=N pairs into a map.
func parseOffsets(pairs []string) (map[string]int, error) {
	out := make(map[string]int, len(pairs))
	for _, p := range pairs {
		model, n, ok := strings.Cut(p, "=")
		if !ok || model == "" {
			return nil, fmt.Errorf("invalid offset %q: want model=N", p)
		}
		offset, err := strconv.Atoi(n)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("invalid offset %q: N must be a non-negative integer", p)
		}
		out[model] = offset
	}
	return out, nil
}

func runMigration(cmd *cobra.Command, opts *RunOptions) error {
	offsets, err := parseOffsets(opts.FromOffset)
	if err != nil {
		return WrapExitError(ExitCommandError, "bad --from-offset", err)
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := openEnvironment(ctx, opts.RootOptions, openOptions{idMap: true})
	if err != nil {
		return err
	}
	defer env.Close()

	if addr := env.cfg.Metrics.ListenAddr; addr != "" {
		go func() {
			if err := env.metrics.Serve(ctx, addr); err != nil {
				env.logger.Error("Metrics listener stopped", zap.String("addr", addr), zap.Error(err))
			}
		}()
		env.logger.Info("Serving metrics", zap.String("addr", addr))
	}

	runOpts := migration.RunOptions{Models: opts.Models, FromOffsets: offsets, VerifyTargets: opts.VerifyTargets}
	if cmd.Flags().Changed("dry-run") {
		runOpts.DryRun = &opts.DryRun
	}

	report, runErr := env.runner().Run(ctx, runOpts)
	if report != nil {
		if err := printReport(cmd, opts.Format, report); err != nil {
			return err
		}
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "migration halted", fmt.Errorf("%s", logging.SanitizeError(runErr)))
	}
	return nil
}

func printReport(cmd *cobra.Command, format string, report *migration.Report) error {
	if format == "json" {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	return report.Render(cmd.OutOrStdout())
}

// commandContext returns the command's context, or a background context
// when the command is executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
