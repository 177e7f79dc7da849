package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	apperrors "options-desk/internal/errors"
	"options-desk/internal/risk"
	"options-desk/pkg/utils"
)

func addRiskCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Exposure limits, stress tests and expiry warnings",
	}
	cmd.AddCommand(newRiskCheckCmd(app))
	cmd.AddCommand(newRiskReportCmd(app))
	cmd.AddCommand(newStressCmd(app))
	cmd.AddCommand(newExpiringCmd(app))
	rootCmd.AddCommand(cmd)
}

func printExposure(output *Output, e *risk.Exposure) {
	output.KV("Net delta", FormatDelta(e.NetDelta))
	output.KV("Vega", fmt.Sprintf("%.2f", e.Vega))
	output.KV("Largest position", fmt.Sprintf("%d contracts", e.LargestPosition))
	output.KV("Concentration", fmt.Sprintf("%.1f%% %s", e.Concentration*100, e.TopSymbol))
	output.KV("Market value", utils.FormatUSD(e.MarketValue))
}

func newRiskCheckCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the book against its limits and record breaches",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			c, err := app.Risk.CheckLimits(cmd.Context())
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(c)
			}
			printExposure(output, c.Exposure)
			output.Println()
			if len(c.Breaches) == 0 {
				output.Success("✓ All limits respected")
			}
			for _, b := range c.Breaches {
				output.Error("✗ [%s] %s", output.Status(string(b.Severity)), b.Message)
			}
			printReport(output, c.Exposure.Report)
			return nil
		},
	}
}

func newRiskReportCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Full risk report with limit utilization",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			r, err := app.Risk.RiskReport(cmd.Context())
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(r)
			}

			output.Bold("Risk report %s", FormatDateTime(r.GeneratedAt))
			printExposure(output, r.Exposure)
			output.Println()

			table := NewTable(output, "LIMIT", "VALUE", "CURRENT", "UTIL", "STATUS", "BREACHES")
			for _, l := range r.Limits {
				table.AddRow(string(l.Type), fmt.Sprintf("%.2f", l.Value), fmt.Sprintf("%.2f", l.Current),
					fmt.Sprintf("%.1f%%", l.Utilization), output.Status(l.Status), strconv.Itoa(l.BreachCount))
			}
			table.Render()

			if len(r.Expiring) > 0 {
				output.Println()
				output.Warning("⚠ %d positions expiring soon", len(r.Expiring))
				for _, e := range r.Expiring {
					output.Printf("  %s  %s %s %.2f in %d days\n", ShortID(e.Position.ID), e.Position.Symbol,
						e.Position.Kind, e.Position.Strike, e.DaysToExpiry)
				}
			}
			printReport(output, r.Exposure.Report)
			return nil
		},
	}
}

func newStressCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stress <change-pct>",
		Short: "Revalue the book with every underlying moved by a percentage",
		Example: `  optdesk risk stress 10
  optdesk risk stress -- -15`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			pct, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return output.Fail(apperrors.InvalidInput("cli.stress", "change must be a number of percent").With("change_pct", args[0]))
			}
			s, err := app.Risk.StressTest(cmd.Context(), pct)
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(s)
			}

			table := NewTable(output, "ID", "SYMBOL", "SPOT", "STRESSED", "OPTION", "HEDGE", "NET")
			for _, l := range s.Positions {
				table.AddRow(ShortID(l.PositionID), l.Symbol, FormatPrice(l.CurrentPrice), FormatPrice(l.StressedPrice),
					output.FormatPnL(l.OptionImpact), output.FormatPnL(l.HedgeImpact), output.FormatPnL(l.NetImpact))
			}
			table.Render()
			output.Println()
			output.KV(fmt.Sprintf("Net impact at %+.1f%%", s.ChangePct), output.FormatPnL(s.NetImpact))
			printReport(output, s.Report)
			return nil
		},
	}
}

func newExpiringCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expiring",
		Short: "Open positions close to expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			days, _ := cmd.Flags().GetInt("days")
			list, err := app.Risk.ExpiringPositions(cmd.Context(), days)
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(list)
			}
			if len(list) == 0 {
				output.Dim("No positions expiring soon")
				return nil
			}
			table := NewTable(output, "ID", "SYMBOL", "TYPE", "STRIKE", "QTY", "EXPIRY", "DTE")
			for _, e := range list {
				p := e.Position
				table.AddRow(ShortID(p.ID), p.Symbol, string(p.Kind), FormatPrice(p.Strike),
					strconv.Itoa(p.Quantity), FormatDate(p.Expiration), strconv.Itoa(e.DaysToExpiry))
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().Int("days", 0, "warning window in days (default: risk.expiry_warning_days)")
	return cmd
}
