package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/ccrecon/pkg/engine"
)

// runFlags are shared by apply, plan, query and watch.
type runFlags struct {
	mode     string
	onError  string
	verify   bool
	runID    string
	metadata map[string]string
	diff     bool
}

func (f *runFlags) register(cmd *cobra.Command, withMode bool) {
	if withMode {
		cmd.Flags().StringVarP(&f.mode, "mode", "m", "", "run mode: merged, deleted or check (default from config)")
	}
	cmd.Flags().StringVar(&f.onError, "on-error", "", "failure policy: auto, fail-fast or continue-on-error")
	cmd.Flags().BoolVar(&f.verify, "verify", false, "re-read every mutated object")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "run id (generated when empty)")
	cmd.Flags().StringToStringVar(&f.metadata, "set", nil, "run metadata handed to policies, e.g. --set allow_delete=true")
	cmd.Flags().BoolVar(&f.diff, "diff", false, "show field diffs")
}

func (f *runFlags) apply(a *app, mode engine.Mode) (engine.RunConfig, error) {
	if f.mode != "" {
		mode = engine.Mode(f.mode)
	}
	cfg := a.runConfig(mode, f.metadata)
	if f.onError != "" {
		cfg.OnError = engine.FailurePolicy(f.onError)
	}
	if f.verify {
		cfg.Verify = true
	}
	cfg.RunID = f.runID
	return cfg, cfg.Validate()
}

// executeRun loads the declarations under paths and runs them once.
func executeRun(cmd *cobra.Command, paths []string, mode engine.Mode, f *runFlags,
	render func(io.Writer, *engine.RunReport) error) error {
	ctx := cmd.Context()

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.connect(ctx); err != nil {
		return err
	}

	report, err := a.runOnce(cmd, paths, mode, f)
	if err != nil {
		return err
	}
	if err := render(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if report.Failed {
		return ErrRunFailed
	}
	return nil
}

func (a *app) runOnce(cmd *cobra.Command, paths []string, mode engine.Mode, f *runFlags) (*engine.RunReport, error) {
	ctx := cmd.Context()

	set, err := a.loadDeclarations(ctx, paths)
	if err != nil {
		return nil, err
	}
	if len(set.Errors) > 0 {
		printValidationErrors(cmd.ErrOrStderr(), set.Errors)
		if err := set.Err(); err != nil {
			return nil, fmt.Errorf("%d declaration problem(s)", len(set.Errors))
		}
	}

	cfg, err := f.apply(a, mode)
	if err != nil {
		return nil, err
	}

	a.logger.WithField("mode", string(cfg.Mode)).
		WithField("declarations", len(set.Declarations)).
		Info("Starting run")

	return a.orch.Run(ctx, set.Declarations, cfg)
}

func newApplyCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "apply PATH...",
		Short: "Reconcile the controller with declaration files",
		Long: `Reconcile Catalyst Center with the declarations found under PATH.

Files ending in .yaml, .yml or .json hold a list of declarations or a
"resources" key. CUE files and Starlark scripts export "resources". Each
resource is read from the controller, compared with its declaration and
created, updated or deleted only when it differs.

The command exits non-zero when any resource failed.`,
		Example: `  # Apply every declaration below ./network
  ccrecon apply ./network

  # Remove the declared objects
  ccrecon apply --mode deleted ./network/retired.yaml

  # Allow deleting protected kinds and keep going after failures
  ccrecon apply --set allow_delete=true --on-error continue-on-error ./network

  # Try it against the in-memory controller
  ccrecon apply --simulate --state controller.yaml ./network`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeRun(cmd, args, "", &flags, func(w io.Writer, r *engine.RunReport) error {
				return printReport(w, r, flags.diff)
			})
		},
	}

	flags.register(cmd, true)
	return cmd
}

func newPlanCommand() *cobra.Command {
	var (
		flags runFlags
		dot   bool
	)

	cmd := &cobra.Command{
		Use:   "plan PATH...",
		Short: "Show what apply would change",
		Long: `Run in check mode: every resource is resolved and diffed against the
controller but nothing is mutated. Resources that would change are reported
as changed.`,
		Example: `  # Show pending changes with field diffs
  ccrecon plan --diff ./network

  # Render the dependency graph
  ccrecon plan --dot ./network | dot -Tpng > graph.png`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dot {
				return printGraph(cmd, args)
			}
			return executeRun(cmd, args, engine.ModeCheck, &flags, func(w io.Writer, r *engine.RunReport) error {
				return printReport(w, r, flags.diff)
			})
		},
	}

	flags.register(cmd, false)
	cmd.Flags().BoolVar(&dot, "dot", false, "print the dependency graph in DOT format")
	return cmd
}

func printGraph(cmd *cobra.Command, paths []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	set, err := a.loadDeclarations(cmd.Context(), paths)
	if err != nil {
		return err
	}
	if err := set.Err(); err != nil {
		printValidationErrors(cmd.ErrOrStderr(), set.Errors)
		return fmt.Errorf("%d declaration problem(s)", len(set.Errors))
	}

	orch := engine.NewOrchestrator(nil, a.catalog)
	out, err := orch.Graph(set.Declarations, a.cfg.Run.Mode)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), out)
	return err
}

func newQueryCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "query PATH...",
		Short: "Read the declared objects from the controller",
		Long: `Run in query mode: every declaration is resolved and the matching
controller object is printed. Nothing is mutated.`,
		Example: `  # Print the current state of the declared sites
  ccrecon query --json ./network/sites.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeRun(cmd, args, engine.ModeQuery, &flags, printQueryResults)
		},
	}

	flags.register(cmd, false)
	return cmd
}
