package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/ccrecon/pkg/engine"
	"github.com/openfroyo/ccrecon/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse the run journal",
		Long: `Browse the runs recorded in the journal.

Runs are recorded when journal.enabled is set in the config file. The
journal lives at journal.path.`,
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var (
		limit  int
		status string
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Example: `  # Failed runs of the last day
  ccrecon history list --status failed --since 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.openJournal(cmd.Context()); err != nil {
				return err
			}

			opts := stores.ListOptions{Limit: limit, Status: engine.RunStatus(status)}
			if status != "" {
				if err := opts.Status.Validate(); err != nil {
					return err
				}
			}
			if since > 0 {
				opts.Since = time.Now().Add(-since)
			}

			runs, err := a.journal.ListRuns(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	cmd.Flags().DurationVar(&since, "since", 0, "only runs started within this duration")
	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	var (
		failedOnly bool
		diff       bool
	)

	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show the report of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.openJournal(cmd.Context()); err != nil {
				return err
			}

			report, err := a.journal.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if failedOnly {
				kept := report.Results[:0]
				for _, o := range report.Results {
					if o.Failed() {
						kept = append(kept, o)
					}
				}
				report.Results = kept
			}
			return printReport(cmd.OutOrStdout(), report, diff)
		},
	}

	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only show failed resources")
	cmd.Flags().BoolVar(&diff, "diff", false, "show field diffs")
	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than a duration",
		Example: `  ccrecon history prune --older-than 720h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.openJournal(cmd.Context()); err != nil {
				return err
			}

			n, err := a.journal.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d run(s)\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the runs to delete")
	return cmd
}
