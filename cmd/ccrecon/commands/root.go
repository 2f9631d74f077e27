package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// ErrRunFailed is returned when a run completed but a resource failed.
var ErrRunFailed = errors.New("run failed")

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	simulate   bool
	stateFile  string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ccrecon",
		Short: "Idempotent reconciliation for Cisco Catalyst Center",
		Long: `ccrecon drives Catalyst Center objects to the state declared in YAML,
JSON, CUE or Starlark files.

Each declaration names a kind from the resource catalog, its fields and a
state (present, absent or query). ccrecon resolves the object on the
controller, diffs it against the declaration and only issues the create,
update or delete calls that are needed, in dependency order.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "run against an in-memory controller")
	rootCmd.PersistentFlags().StringVar(&stateFile, "state", "", "YAML file seeding the simulated controller (implies --simulate)")

	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newQueryCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newCatalogCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
