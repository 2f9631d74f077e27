package commands

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/ccrecon/pkg/catalog"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the resource catalog",
		Long: `Inspect the resource kinds ccrecon knows about.

The built-in catalog can be extended with CUE files listed under
catalog.paths in the config file.`,
	}

	cmd.AddCommand(newCatalogListCommand())
	cmd.AddCommand(newCatalogShowCommand())

	return cmd
}

func newCatalogListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the managed kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			kinds := a.catalog.Kinds()
			w := cmd.OutOrStdout()
			if jsonOutput {
				entries := make([]*catalog.Entry, 0, len(kinds))
				for _, k := range kinds {
					e, _ := a.catalog.Lookup(k)
					entries = append(entries, e)
				}
				return printJSON(w, entries)
			}

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tDEPENDS ON\tDESCRIPTION")
			for _, k := range kinds {
				e, _ := a.catalog.Lookup(k)
				deps := make([]string, len(e.DependsOn))
				for i, d := range e.DependsOn {
					deps[i] = string(d)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", k, strings.Join(deps, ","), e.Description)
			}
			return tw.Flush()
		},
	}
}

func newCatalogShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "show KIND",
		Short:   "Show the schema and bindings of a kind",
		Example: `  ccrecon catalog show site`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			e, err := a.catalog.Lookup(catalog.Kind(args[0]))
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(w, e)
			}

			fmt.Fprintf(w, "Kind:        %s\n", e.Kind)
			fmt.Fprintf(w, "Description: %s\n", e.Description)
			fmt.Fprintf(w, "Identity:    %s\n", strings.Join(e.IdentityKeys, ", "))
			if e.ReadOnlyUpdate {
				fmt.Fprintln(w, "Updates:     reported only")
			}

			fmt.Fprintln(w, "\nFields:")
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			for _, f := range e.Fields {
				var notes []string
				if f.Required {
					notes = append(notes, "required")
				}
				if f.Sensitive {
					notes = append(notes, "sensitive")
				}
				if f.Default != nil {
					notes = append(notes, fmt.Sprintf("default=%v", f.Default))
				}
				if len(f.Choices) > 0 {
					notes = append(notes, fmt.Sprintf("choices=%v", f.Choices))
				}
				typ := string(f.Type)
				if f.Elements != "" {
					typ += "[" + string(f.Elements) + "]"
				}
				fmt.Fprintf(tw, "  %s\t%s\t%s\n", f.Name, typ, strings.Join(notes, " "))
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			fmt.Fprintln(w, "\nOperations:")
			names := make([]string, 0, len(e.Operations))
			for name := range e.Operations {
				names = append(names, string(name))
			}
			sort.Strings(names)
			tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			for _, name := range names {
				op := e.Operations[catalog.OperationName(name)]
				async := ""
				if op.Async {
					async = "async"
				}
				fmt.Fprintf(tw, "  %s\t%s.%s\t%s %s\t%s\n", name, op.Family, op.Function, op.Method, op.Path, async)
			}
			return tw.Flush()
		},
	}
}
