package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
	"github.com/ekaya-inc/ekaya-migrate/pkg/services/schema"
)

// PlanOptions holds flags for the plan command.
type PlanOptions struct {
	*RootOptions
	Models []string
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the migration order without migrating",
		Long: `Describe the configured models on both stores and print the order they
would be migrated in, the references deferred to break cycles and the
self references resolved after each model. Nothing is written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(commandContext(cmd), opts.RootOptions, openOptions{})
			if err != nil {
				return err
			}
			defer env.Close()

			g, plan, err := env.runner().Plan(commandContext(cmd), opts.Models)
			if err != nil {
				return WrapExitError(ExitFailure, "planning failed", err)
			}
			view := newPlanView(g, plan)
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), view)
			}
			return view.Render(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVar(&opts.Models, "models", nil, "plan only these models and their dependencies")
	return cmd
}

type planStep struct {
	Model       string   `json:"model"`
	TargetModel string   `json:"target_model"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

type planView struct {
	Steps          []planStep              `json:"steps"`
	Deferred       []models.DependencyEdge `json:"deferred,omitempty"`
	SelfReferences []models.DependencyEdge `json:"self_references,omitempty"`
	Cycles         [][]string              `json:"cycles,omitempty"`
}

func newPlanView(g *schema.Graph, plan *schema.Plan) *planView {
	deps := make(map[string]map[string]bool)
	for _, e := range plan.Edges {
		if deps[e.From] == nil {
			deps[e.From] = make(map[string]bool)
		}
		deps[e.From][e.To] = true
	}

	v := &planView{Deferred: plan.Deferred, SelfReferences: plan.SelfEdges, Cycles: plan.Cycles}
	for _, m := range plan.Order {
		step := planStep{Model: m, TargetModel: g.Requests[m].TargetName()}
		for to := range deps[m] {
			step.DependsOn = append(step.DependsOn, to)
		}
		sort.Strings(step.DependsOn)
		v.Steps = append(v.Steps, step)
	}
	return v
}

func (v *planView) Render(w io.Writer) error {
	table := uitable.New()
	table.MaxColWidth = 60
	table.Separator = "  "
	table.RightAlign(0)
	table.AddRow("#", "MODEL", "TARGET", "DEPENDS ON")
	for i, s := range v.Steps {
		table.AddRow(strconv.Itoa(i+1), s.Model, s.TargetModel, strings.Join(s.DependsOn, ", "))
	}
	if _, err := fmt.Fprintln(w, table); err != nil {
		return err
	}

	if len(v.Deferred) > 0 {
		fmt.Fprintln(w, "\nCycle-broken references (resolved after all models):")
		for _, e := range v.Deferred {
			fmt.Fprintf(w, "  %s.%s -> %s\n", e.From, e.Field, e.To)
		}
	}
	if len(v.SelfReferences) > 0 {
		fmt.Fprintln(w, "\nSelf references (resolved after their model):")
		for _, e := range v.SelfReferences {
			fmt.Fprintf(w, "  %s.%s\n", e.From, e.Field)
		}
	}
	if len(v.Cycles) > 0 {
		fmt.Fprintln(w, "\nCycles:")
		for _, c := range v.Cycles {
			fmt.Fprintf(w, "  %s\n", strings.Join(c, " <-> "))
		}
	}
	return nil
}
