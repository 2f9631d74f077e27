package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/ccrecon/pkg/config"
	"github.com/openfroyo/ccrecon/pkg/engine"
)

type validateResult struct {
	Files        []string                 `json:"files"`
	Declarations int                      `json:"declarations"`
	Errors       []config.ValidationError `json:"errors,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "validate PATH...",
		Short: "Validate declaration files against the catalog",
		Long: `Validate declaration files without contacting the controller.

This command checks:
  - YAML, JSON and CUE syntax and Starlark evaluation
  - The declaration schema (kind, name, state, fields)
  - Field names, types, choices and required fields from the catalog
  - Dependencies between the declared kinds`,
		Example: `  # Validate a directory of declarations
  ccrecon validate ./network

  # Validate for a deleted run, which only needs identity fields
  ccrecon validate --mode deleted ./network/retired.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			runMode := a.cfg.Run.Mode
			if mode != "" {
				runMode = engine.Mode(mode)
				if err := runMode.Validate(); err != nil {
					return err
				}
			}

			set, err := a.loadDeclarations(cmd.Context(), args)
			if err != nil {
				return err
			}

			result := validateResult{
				Files:        set.SourceFiles,
				Declarations: len(set.Declarations),
				Errors:       set.Errors,
			}

			orch := engine.NewOrchestrator(nil, a.catalog)
			_, errs := orch.Ingest(set.Declarations, runMode)
			for i, e := range errs {
				if e == nil {
					continue
				}
				d := set.Declarations[i]
				result.Errors = append(result.Errors, config.ValidationError{
					Path:     fmt.Sprintf("%s/%s", d.Kind, d.Name),
					Message:  e.Error(),
					Severity: "error",
				})
			}
			if len(set.Declarations) > 0 && len(result.Errors) == 0 {
				if _, err := orch.Graph(set.Declarations, runMode); err != nil {
					result.Errors = append(result.Errors, config.ValidationError{Message: err.Error(), Severity: "error"})
				}
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(w, result); err != nil {
					return err
				}
			} else {
				printValidationErrors(w, result.Errors)
				fmt.Fprintf(w, "%d file(s), %d declaration(s), %d problem(s)\n",
					len(result.Files), result.Declarations, len(result.Errors))
			}

			if len(result.Errors) > 0 {
				return ErrRunFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", "", "validate for this run mode (default from config)")
	return cmd
}
