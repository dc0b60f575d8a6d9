package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/ChuLiYu/bootbaker/internal/report"
	"github.com/ChuLiYu/bootbaker/internal/target"
	"github.com/ChuLiYu/bootbaker/pkg/types"
)

func statusString(s types.TestStatus) string {
	switch s {
	case types.StatusPassed:
		return color.GreenString("PASSED")
	case types.StatusTimedOut:
		return color.YellowString("TIMED OUT")
	}
	return color.RedString("FAILED")
}

// printSummary writes the end-of-run summary.
func printSummary(w io.Writer, rep report.Report) {
	bold := color.New(color.Bold)
	_, _ = bold.Fprintf(w, "\nRun %s (%s)\n", rep.RunID, rep.Mode)

	if rep.Mode.Builds() {
		fmt.Fprintf(w, "  Built:     %d/%d\n", rep.Built, rep.Targets)
	}
	if rep.Mode.Tests() {
		fmt.Fprintf(w, "  Passed:    %s\n", color.GreenString("%d", rep.Counters.Passed))
		fmt.Fprintf(w, "  Failed:    %s\n", color.RedString("%d", rep.Counters.Failed))
		fmt.Fprintf(w, "  Timed out: %s\n", color.YellowString("%d", rep.Counters.TimedOut))
	}
	fmt.Fprintf(w, "  Elapsed:   %s\n", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Second))

	printFailures(w, rep)
}

// printStatus writes a stored report for the status command.
func printStatus(w io.Writer, rep report.Report) {
	bold := color.New(color.Bold)
	_, _ = bold.Fprintf(w, "Latest run: %s\n", rep.RunID)
	fmt.Fprintf(w, "  Mode:      %s\n", rep.Mode)
	fmt.Fprintf(w, "  Started:   %s\n", rep.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  Finished:  %s\n", rep.FinishedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  Targets:   %d (built %d, workers %d)\n", rep.Targets, rep.Built, rep.Workers)
	fmt.Fprintf(w, "  Passed:    %d\n", rep.Counters.Passed)
	fmt.Fprintf(w, "  Failed:    %d\n", rep.Counters.Failed)
	fmt.Fprintf(w, "  Timed out: %d\n", rep.Counters.TimedOut)

	if !rep.Failed() {
		fmt.Fprintln(w)
		fmt.Fprintln(w, color.GreenString("  All targets passed ✓"))
		return
	}
	printFailures(w, rep)
}

func printFailures(w io.Writer, rep report.Report) {
	bold := color.New(color.Bold)

	if len(rep.BuildFailures) > 0 {
		fmt.Fprintln(w)
		_, _ = bold.Fprintln(w, "Build failures:")
		for _, f := range rep.BuildFailures {
			stage := f.Stage
			if stage == "" {
				stage = "-"
			}
			fmt.Fprintf(w, "  %s %s [%s] %s\n", color.RedString("✗"), f.Identifier, stage, f.Error)
		}
	}

	var failed []types.TestOutcome
	for _, o := range rep.Outcomes {
		if o.Status != types.StatusPassed {
			failed = append(failed, o)
		}
	}
	if len(failed) == 0 {
		return
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Identifier < failed[j].Identifier })

	fmt.Fprintln(w)
	_, _ = bold.Fprintln(w, "Test failures:")
	for _, o := range failed {
		fmt.Fprintf(w, "  %s %s %s (%s)\n", color.RedString("✗"), o.Identifier, statusString(o.Status), o.Elapsed.Round(time.Second))
		if o.Reason != "" {
			fmt.Fprintf(w, "      reason: %s\n", o.Reason)
		}
		fmt.Fprintf(w, "      log:    %s\n", o.LogPath)
	}
}

// printTargets writes one row per descriptor.
func printTargets(w io.Writer, targets []*target.Descriptor) {
	if len(targets) == 0 {
		fmt.Fprintln(w, "No targets matched.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTIFIER\tPORT\tSCRIPT")
	for _, d := range targets {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", d.Identifier, d.Port, d.ScriptPath)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%d targets\n", len(targets))
}
