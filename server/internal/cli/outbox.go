package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"rural-triage/server/internal/dispatch"
	"rural-triage/server/internal/outbox"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and replay saves that failed",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List parked saves",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ob, err := outbox.Open(cfg.Persistence.Outbox)
		if err != nil {
			return err
		}
		defer ob.Close()

		entries, err := ob.List(cmd.Context())
		if err != nil {
			return err
		}
		printEntries(cmd.OutOrStdout(), entries)
		return nil
	},
}

var outboxReplayCmd = &cobra.Command{
	Use:   "replay [case-id]",
	Short: "Retry parked saves, all of them or one case",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()
		return replay(cmd, a.dispatcher, args)
	},
}

func init() {
	outboxCmd.AddCommand(outboxListCmd, outboxReplayCmd)
	rootCmd.AddCommand(outboxCmd)
}

func replay(cmd *cobra.Command, d *dispatch.Dispatcher, args []string) error {
	out := cmd.OutOrStdout()
	if len(args) == 1 {
		if err := d.ReplayOne(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("replay %s: %w", args[0], err)
		}
		fmt.Fprintf(out, "%s saved\n", args[0])
		return nil
	}

	report, err := d.Replay(cmd.Context())
	if err != nil {
		return err
	}
	for _, id := range report.Saved {
		fmt.Fprintf(out, "%s saved\n", id)
	}
	for _, id := range report.Failed {
		fmt.Fprintf(out, "%s still failing\n", id)
	}
	fmt.Fprintf(out, "%d saved, %d still parked\n", len(report.Saved), len(report.Failed))
	return nil
}

func printEntries(w io.Writer, entries []outbox.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "outbox is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CASE\tPATIENT\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", e.CaseID, e.PatientRef, e.Attempts, e.UpdatedAt.Format(time.RFC3339), e.LastError)
	}
	_ = tw.Flush()
}
