package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var sweepDryRun bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one idle sweep and exit",
	Long: `Run a single pass of the idle sweeper using the configured grace
window and liveness timeout. With --dry-run, list the sessions that would be
stopped without changing anything.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "List eligible sessions without stopping them")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	sweeper := a.sweeper()
	out := cmd.OutOrStdout()
	bold := color.New(color.Bold)

	if sweepDryRun {
		candidates, err := sweeper.Candidates(ctx)
		if err != nil {
			return err
		}
		bold.Fprintf(out, "%d session(s) eligible for auto-stop\n", len(candidates))
		for _, s := range candidates {
			last := "never"
			if s.LastLivenessAt != nil {
				last = s.LastLivenessAt.In(a.loc).Format(time.RFC3339)
			}
			fmt.Fprintf(out, "  %s  owner=%s  day=%s  target=%q  last_liveness=%s\n",
				color.YellowString(s.ID.String()), s.OwnerID, s.Day, s.TargetName, last)
		}
		return nil
	}

	res, err := sweeper.SweepOnce(ctx)
	if err != nil {
		return err
	}
	if res.Locked {
		color.New(color.FgYellow).Fprintln(out, "another replica holds the sweep lock; nothing done")
		return nil
	}

	bold.Fprintf(out, "sweep complete: %d candidate(s)\n", res.Candidates)
	color.New(color.FgGreen).Fprintf(out, "  stopped: %d\n", res.Stopped)
	fmt.Fprintf(out, "  skipped: %d\n", res.Skipped)
	if res.Failed > 0 {
		color.New(color.FgRed).Fprintf(out, "  failed:  %d\n", res.Failed)
		return fmt.Errorf("%d session(s) failed to stop", res.Failed)
	}
	return nil
}
