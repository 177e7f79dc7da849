package cli

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"options-desk/internal/notify"
	"options-desk/internal/scheduler"
)

func addMonitorCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newMonitorCmd(app))
}

// newScheduler wires the engines into the job scheduler.
func newScheduler(app *App) *scheduler.Scheduler {
	return scheduler.New(app.Config.Scheduler, scheduler.Jobs{
		Rehedger:    app.Hedger,
		Expirer:     app.Book,
		Snapshotter: app.PnL,
		RiskChecker: app.Risk,
		Notifier:    notify.New(app.Config.Notify, app.Logger),
	}, app.Logger)
}

func newMonitorCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run rehedge, expiry, snapshot and risk jobs on a schedule",
		Long: `Run the book's maintenance jobs on the cron schedules in the [scheduler]
section of config.toml until interrupted. Rehedge and snapshot jobs only run
while the US equity session is open.

With --once the named job runs immediately and the command exits.`,
		Example: `  optdesk monitor
  optdesk monitor --once risk_check`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			sched := newScheduler(app)

			if once, _ := cmd.Flags().GetString("once"); once != "" {
				if err := sched.Run(cmd.Context(), once); err != nil {
					return output.Fail(err)
				}
				if output.IsJSON() {
					return output.JSON(sched.Stats())
				}
				for _, st := range sched.Stats() {
					if st.Name != once {
						continue
					}
					if st.Skipped > 0 {
						output.Dim("%s skipped: market closed", once)
					} else {
						output.Success("✓ %s completed in %s", once, FormatDuration(st.Duration))
					}
				}
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := sched.Start(ctx); err != nil {
				return output.Fail(err)
			}
			if !output.IsJSON() {
				output.Info("Monitoring %d jobs. Press Ctrl+C to stop.", len(sched.Names()))
			}
			<-ctx.Done()
			sched.Stop()

			if output.IsJSON() {
				return output.JSON(sched.Stats())
			}
			table := NewTable(output, "JOB", "SPEC", "RUNS", "SKIPPED", "FAILURES", "LAST RUN", "LAST ERROR")
			for _, st := range sched.Stats() {
				table.AddRow(st.Name, st.Spec, strconv.Itoa(st.Runs), strconv.Itoa(st.Skipped), strconv.Itoa(st.Failures),
					FormatDateTime(st.LastRun), TruncateString(st.LastErr, 40))
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().String("once", "", "run one job now: rehedge, expire, snapshot or risk_check")
	return cmd
}
