package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rural-triage/server/internal/agents"
	"rural-triage/server/internal/coordinator"
	"rural-triage/server/internal/model"
)

var (
	intakePatientRef string
	intakeVerbose    bool
)

var intakeCmd = &cobra.Command{
	Use:   "intake",
	Short: "Run an intake dialogue in the terminal",
	Long: `intake starts a nurse session in the terminal. The first line is the
chief complaint; each following line answers the outstanding question.
When the questions are done the case is classified and saved to the
patient record.`,
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
		if !intakeVerbose {
			a.quiet(io.Discard)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		coord := a.session(intakePatientRef)
		defer coord.Close()
		if _, err := coord.LoadVitals(ctx); err != nil {
			a.logger.WithError(err).Debug("continuing without vitals")
		}
		return runDialogue(ctx, coord, cmd.InOrStdin(), cmd.OutOrStdout(), a.dispatcher.Wait)
	},
}

func init() {
	intakeCmd.Flags().StringVarP(&intakePatientRef, "patient-ref", "p", "", "patient reference used for vitals and the saved record")
	intakeCmd.Flags().BoolVarP(&intakeVerbose, "verbose", "v", false, "keep logging on the terminal")
	rootCmd.AddCommand(intakeCmd)
}

// dialogue prints one session's progress to a terminal.
type dialogue struct {
	coord   *coordinator.Coordinator
	out     io.Writer
	updates <-chan coordinator.Update
	seen    map[agents.ID]agents.Status
	printed map[string]bool
}

// runDialogue reads lines from in until EOF or /quit. settle, when set, is called
// after each case so the save result can be shown before the next prompt.
func runDialogue(ctx context.Context, coord *coordinator.Coordinator, in io.Reader, out io.Writer, settle func()) error {
	updates, cancel := coord.Subscribe()
	defer cancel()

	d := &dialogue{coord: coord, out: out, updates: updates, printed: make(map[string]bool)}

	fmt.Fprintln(out, headerStyle.Render("Rural triage intake"))
	snap := coord.Snapshot()
	if snap.Vitals != nil {
		fmt.Fprintln(out, helpStyle.Render("Vitals on record: "+formatVitals(snap.Vitals)))
	}
	d.notice(snap.Notice)
	fmt.Fprintln(out, "Describe the patient's main complaint. Type /quit to exit.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "/quit" {
			break
		}
		if line == "" {
			continue
		}

		d.drain()
		u, err := coord.Submit(ctx, line)
		switch {
		case errors.Is(err, coordinator.ErrBusy):
			fmt.Fprintln(out, helpStyle.Render("⏳ Still processing, please wait."))
			continue
		case errors.Is(err, coordinator.ErrClosed):
			return nil
		case err != nil:
			if u.Notice == nil {
				fmt.Fprintln(out, noticeError.Render("⚠️ "+err.Error()))
			}
			d.notice(u.Notice)
			if u.Prompt != "" {
				fmt.Fprintln(out, renderPrompt(u.Prompt))
			}
			continue
		}

		d.notice(u.Notice)
		if !u.Busy {
			if u.Prompt != "" {
				fmt.Fprintln(out, renderPrompt(u.Prompt))
			}
			continue
		}

		fmt.Fprintln(out, helpStyle.Render("Processing case "+u.CaseID+"..."))
		final, err := d.follow(ctx)
		if err != nil {
			return err
		}
		if final.Phase == coordinator.PhaseFinalized {
			fmt.Fprintln(out, renderDecision(final.Decision, final.Board))
		}
		if settle != nil {
			settle()
		}
		d.drain()
		d.notice(coord.Snapshot().Notice)
		fmt.Fprintln(out, helpStyle.Render("Enter a new complaint to start another case, or /quit."))
	}
	return scanner.Err()
}

// follow prints channel progress until the case reaches a terminal state.
// Updates may be dropped under load, so the snapshot is polled as well.
func (d *dialogue) follow(ctx context.Context) (coordinator.Update, error) {
	d.seen = make(map[agents.ID]agents.Status)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		var u coordinator.Update
		select {
		case <-ctx.Done():
			return coordinator.Update{}, ctx.Err()
		case next, ok := <-d.updates:
			if !ok {
				return d.coord.Snapshot(), nil
			}
			u = next
			d.show(u)
		case <-ticker.C:
			u = d.coord.Snapshot()
		}
		if u.Phase.Terminal() && !u.Busy {
			return u, nil
		}
	}
}

// drain consumes queued updates without blocking, printing only notices.
func (d *dialogue) drain() {
	for {
		select {
		case u, ok := <-d.updates:
			if !ok {
				return
			}
			d.notice(u.Notice)
		default:
			return
		}
	}
}

func (d *dialogue) show(u coordinator.Update) {
	if !u.Board.Suppressed {
		for _, a := range u.Board.Agents {
			if !a.Visible || d.seen[a.ID] == a.Status {
				continue
			}
			d.seen[a.ID] = a.Status
			fmt.Fprintln(d.out, renderProgress(a))
		}
	}
	d.notice(u.Notice)
}

func (d *dialogue) notice(n *model.Notice) {
	if n == nil {
		return
	}
	key := n.Message + "|" + n.At.String()
	if d.printed[key] {
		return
	}
	d.printed[key] = true
	fmt.Fprintln(d.out, renderNotice(n))
}

func formatVitals(v *model.Vitals) string {
	var parts []string
	if v.SpO2 != nil {
		parts = append(parts, fmt.Sprintf("SpO2 %.0f%%", *v.SpO2))
	}
	if v.Pulse != nil {
		parts = append(parts, fmt.Sprintf("pulse %.0f", *v.Pulse))
	}
	if v.BPSys != nil && v.BPDia != nil {
		parts = append(parts, fmt.Sprintf("BP %.0f/%.0f", *v.BPSys, *v.BPDia))
	}
	return strings.Join(parts, ", ")
}
