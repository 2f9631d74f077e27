package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/ccrecon/pkg/config"
	"github.com/openfroyo/ccrecon/pkg/engine"
	"github.com/openfroyo/ccrecon/pkg/stores"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outcomeStatus(o *engine.Outcome) string {
	switch {
	case o.Skipped:
		return "skipped"
	case o.Failed():
		return "failed"
	case o.Changed:
		return "changed"
	default:
		return "ok"
	}
}

// printReport renders a run report. Diffs are shown for changed resources
// when showDiff is set.
func printReport(w io.Writer, report *engine.RunReport, showDiff bool) error {
	if jsonOutput {
		return printJSON(w, report)
	}

	fmt.Fprintf(w, "Run %s (%s): %s in %s\n\n", report.RunID, report.Mode, report.Status, report.Duration.Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i := range report.Results {
		o := &report.Results[i]
		detail := ""
		if o.Error != nil {
			detail = fmt.Sprintf("[%s] %s", o.Error.Kind, o.Error.Message)
			if o.Error.Detail != "" {
				detail += ": " + o.Error.Detail
			}
		} else if len(o.Changes) > 0 {
			fields := make([]string, len(o.Changes))
			for j, c := range o.Changes {
				fields[j] = c.Field
			}
			detail = strings.Join(fields, ", ")
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", outcomeStatus(o), o.Identity, o.Action, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if showDiff {
		for i := range report.Results {
			o := &report.Results[i]
			if o.Diff != "" {
				fmt.Fprintf(w, "\n--- %s\n%s\n", o.Identity, strings.TrimRight(o.Diff, "\n"))
			}
		}
	}

	for i := range report.Results {
		for _, warning := range report.Results[i].Warnings {
			fmt.Fprintf(w, "\nwarning: %s: %s", report.Results[i].Identity, warning)
		}
	}

	s := report.Summary
	fmt.Fprintf(w, "\nTotal %d: %d changed, %d unchanged, %d failed, %d skipped\n",
		s.Total, s.Changed, s.Unchanged, s.Failed, s.Skipped)
	return nil
}

// printQueryResults prints the controller objects read by a query run.
func printQueryResults(w io.Writer, report *engine.RunReport) error {
	if jsonOutput {
		return printJSON(w, report)
	}
	for i := range report.Results {
		o := &report.Results[i]
		if o.Error != nil {
			fmt.Fprintf(w, "# %s: [%s] %s\n", o.Identity, o.Error.Kind, o.Error.Message)
			continue
		}
		fmt.Fprintf(w, "# %s\n", o.Identity)
		data, err := json.MarshalIndent(o.Response, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\n", data)
	}
	return nil
}

func printValidationErrors(w io.Writer, errs []config.ValidationError) {
	for _, e := range errs {
		fmt.Fprintf(w, "%s: %s\n", e.Severity, e.String())
	}
}

func printRuns(w io.Writer, runs []*stores.Run) error {
	if jsonOutput {
		return printJSON(w, runs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tMODE\tSTATUS\tCHANGED\tFAILED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.Mode, r.Status,
			r.Summary.Changed, r.Summary.Failed, r.Duration.Round(time.Millisecond))
	}
	return tw.Flush()
}
