package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	apperrors "options-desk/internal/errors"
	"options-desk/internal/models"
	"options-desk/internal/pnl"
	"options-desk/pkg/utils"
)

func addPnLCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "pnl",
		Short: "Profit and loss reporting",
	}
	cmd.AddCommand(newPositionPnLCmd(app))
	cmd.AddCommand(newPortfolioPnLCmd(app))
	cmd.AddCommand(newAttributionCmd(app))
	cmd.AddCommand(newPerformanceCmd(app))
	cmd.AddCommand(newSellerPnLCmd(app))
	cmd.AddCommand(newBuyerPnLCmd(app))
	cmd.AddCommand(newHistoryCmd(app))
	cmd.AddCommand(newSnapshotCmd(app))
	rootCmd.AddCommand(cmd)
}

func newPositionPnLCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "position <id>",
		Short: "Revalue one position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			id, err := resolveID(cmd.Context(), app, args[0])
			if err != nil {
				return output.Fail(err)
			}
			v, err := app.PnL.PositionPnL(cmd.Context(), id)
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(v)
			}
			output.Bold("%s %s %s %.2f (%s)", FormatContracts(v.Quantity), v.Symbol, v.Kind, v.Strike, v.Status)
			output.KV("Underlying", fmt.Sprintf("%s (%s)", FormatPrice(v.UnderlyingPrice), output.FormatPercent(v.UnderlyingChangePct)))
			output.KV("Option", fmt.Sprintf("%s -> %s", FormatPrice(v.Premium), FormatPrice(v.OptionPrice)))
			output.KV("Option P&L", output.FormatPnL(v.OptionPnL))
			output.KV("Hedge P&L", output.FormatPnL(v.HedgePnL))
			output.KV("Hedge costs", utils.FormatUSD(v.HedgeCosts))
			output.KV("Unrealized", output.FormatPnL(v.UnrealizedPnL))
			output.KV("Realized", output.FormatPnL(v.RealizedPnL))
			output.KV("Total P&L", output.FormatPnL(v.TotalPnL))
			output.KV("ROI", output.FormatPercent(v.ROI))
			output.KV("Days held", v.DaysHeld)
			if v.Status == models.StatusOpen {
				output.KV("Greeks", FormatGreeks(v.Greeks))
			}
			return nil
		},
	}
}

func newPortfolioPnLCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "portfolio",
		Short: "P&L across the book",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			p, err := app.PnL.PortfolioPnL(cmd.Context())
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(p)
			}

			output.Box("Portfolio P&L", []string{
				fmt.Sprintf("Total:  %s", output.FormatPnL(p.TotalPnL)),
				fmt.Sprintf("Open:   %s across %d positions", output.FormatPnL(p.Open.TotalPnL), p.Open.Count),
				fmt.Sprintf("Closed: %s across %d positions", output.FormatPnL(p.Closed.TotalPnL), p.Closed.Count),
			})
			printPnLRows(output, "Open", p.OpenPositions)
			printPnLRows(output, "Recently closed", p.ClosedPositions)
			printReport(output, p.Report)
			return nil
		},
	}
}

func printPnLRows(output *Output, title string, rows []pnl.PositionPnL) {
	if len(rows) == 0 {
		return
	}
	output.Println()
	output.Bold(title)
	table := NewTable(output, "ID", "SYMBOL", "TYPE", "STRIKE", "QTY", "OPTION", "HEDGE", "TOTAL", "ROI")
	for _, r := range rows {
		table.AddRow(ShortID(r.PositionID), r.Symbol, string(r.Kind), FormatPrice(r.Strike), fmt.Sprintf("%d", r.Quantity),
			output.FormatPnL(r.OptionPnL), output.FormatPnL(r.NetHedgePnL), output.FormatPnL(r.TotalPnL), output.FormatPercent(r.ROI))
	}
	table.Render()
}

func newAttributionCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "attribution <id>",
		Short: "Split a position's P&L into theta, delta and hedge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			id, err := resolveID(cmd.Context(), app, args[0])
			if err != nil {
				return output.Fail(err)
			}
			a, err := app.PnL.Attribution(cmd.Context(), id)
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(a)
			}
			output.KV("Total P&L", output.FormatPnL(a.TotalPnL))
			output.KV("Theta (est.)", output.FormatPnL(a.EstimatedThetaPnL))
			output.KV("Delta (est.)", output.FormatPnL(a.EstimatedDeltaPnL))
			output.KV("Hedge (net)", output.FormatPnL(a.HedgePnL))
			output.KV("Residual", output.FormatPnL(a.Residual))
			output.KV("Transaction costs", utils.FormatUSD(a.TransactionCosts))
			return nil
		},
	}
}

func parseDateFlag(cmd *cobra.Command, name string) (time.Time, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, apperrors.InvalidInput("cli."+name, "date must be YYYY-MM-DD").With(name, raw)
	}
	return t, nil
}

func newPerformanceCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "performance",
		Short: "Win rate, profit factor and Sharpe ratio",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			start, err := parseDateFlag(cmd, "start")
			if err != nil {
				return output.Fail(err)
			}
			end, err := parseDateFlag(cmd, "end")
			if err != nil {
				return output.Fail(err)
			}
			if !end.IsZero() {
				end = end.Add(24*time.Hour - time.Nanosecond)
			}

			p, err := app.PnL.PerformanceMetrics(cmd.Context(), start, end)
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(p)
			}
			output.Bold("Performance %s to %s", FormatDate(p.PeriodStart), FormatDate(p.PeriodEnd))
			output.KV("Trades", fmt.Sprintf("%d (%d won, %d lost)", p.TotalTrades, p.WinningTrades, p.LosingTrades))
			output.KV("Win rate", fmt.Sprintf("%.1f%%", p.WinRate*100))
			output.KV("Net P&L", output.FormatPnL(p.NetPnL))
			output.KV("Average win", output.FormatPnL(p.AvgWin))
			output.KV("Average loss", output.FormatPnL(p.AvgLoss))
			output.KV("Profit factor", utils.FormatRatio(float64(p.ProfitFactor)))
			output.KV("Premium collected", utils.FormatUSD(p.TotalPremiumCollected))
			output.KV("Premium paid", utils.FormatUSD(p.TotalPremiumPaid))
			output.KV("Sharpe ratio", fmt.Sprintf("%.2f", p.SharpeRatio))
			printReport(output, p.Report)
			return nil
		},
	}
	cmd.Flags().String("start", "", "first entry date (default: one year before --end)")
	cmd.Flags().String("end", "", "last entry date (default: today)")
	return cmd
}

func newSellerPnLCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "seller <id>",
		Short: "Premium-seller view of a short position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			id, err := resolveID(cmd.Context(), app, args[0])
			if err != nil {
				return output.Fail(err)
			}
			s, err := app.PnL.SellerPnL(cmd.Context(), id)
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(s)
			}
			output.KV("Premium collected", utils.FormatUSD(s.PremiumCollected))
			output.KV("Current obligation", utils.FormatUSD(s.CurrentObligation))
			output.KV("Option profit", output.FormatPnL(s.OptionProfit))
			output.KV("Hedge P&L", output.FormatPnL(s.HedgePnL))
			output.KV("Total P&L", output.FormatPnL(s.TotalPnL))
			output.KV("ROI", output.FormatPercent(s.ROI))
			output.KV("Max profit", fmt.Sprintf("%s (%.1f%% captured)", utils.FormatUSD(s.MaxProfit), s.MaxProfitPct))
			output.KV("Break-even", FormatPrice(s.BreakEven))
			output.KV("Annualized return", output.FormatPercent(s.AnnualizedReturn))
			return nil
		},
	}
}

func newBuyerPnLCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "buyer <id>",
		Short: "Premium-buyer view of a long position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			id, err := resolveID(cmd.Context(), app, args[0])
			if err != nil {
				return output.Fail(err)
			}
			b, err := app.PnL.BuyerPnL(cmd.Context(), id)
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(b)
			}
			output.KV("Premium paid", utils.FormatUSD(b.PremiumPaid))
			output.KV("Current value", utils.FormatUSD(b.CurrentValue))
			output.KV("Intrinsic value", utils.FormatUSD(b.IntrinsicValue))
			output.KV("Time value", utils.FormatUSD(b.TimeValue))
			output.KV("P&L", output.FormatPnL(b.ProfitLoss))
			output.KV("ROI", output.FormatPercent(b.ROI))
			output.KV("Max loss", fmt.Sprintf("%s (%.1f%% lost)", utils.FormatUSD(b.MaxLoss), b.MaxLossPct))
			output.KV("Break-even", FormatPrice(b.BreakEven))
			return nil
		},
	}
}

func newHistoryCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [id]",
		Short: "Snapshot history for a position, or daily book P&L",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			days, _ := cmd.Flags().GetInt("days")

			if len(args) == 0 {
				daily, err := app.PnL.PortfolioHistory(cmd.Context(), days)
				if err != nil {
					return output.Fail(err)
				}
				if output.IsJSON() {
					return output.JSON(daily)
				}
				table := NewTable(output, "DATE", "TOTAL", "UNREALIZED", "REALIZED", "DELTA", "VEGA", "THETA")
				for _, d := range daily {
					table.AddRow(d.Date, output.FormatPnL(d.TotalPnL), output.FormatPnL(d.UnrealizedPnL), output.FormatPnL(d.RealizedPnL),
						fmt.Sprintf("%.2f", d.Delta), fmt.Sprintf("%.2f", d.Vega), fmt.Sprintf("%.2f", d.Theta))
				}
				table.Render()
				return nil
			}

			id, err := resolveID(cmd.Context(), app, args[0])
			if err != nil {
				return output.Fail(err)
			}
			snaps, err := app.PnL.History(cmd.Context(), id, days)
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(snaps)
			}
			table := NewTable(output, "TIME", "SPOT", "OPTION", "DELTA", "UNREALIZED", "REALIZED", "TOTAL")
			for _, s := range snaps {
				table.AddRow(FormatDateTime(s.Timestamp), FormatPrice(s.UnderlyingPrice), FormatPrice(s.OptionPrice),
					fmt.Sprintf("%.2f", s.Delta), output.FormatPnL(s.UnrealizedPnL), output.FormatPnL(s.RealizedPnL), output.FormatPnL(s.TotalPnL))
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().Int("days", 30, "look-back window in days")
	return cmd
}

func newSnapshotCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot [id]",
		Short: "Record a P&L snapshot for one position or every open position",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if len(args) == 1 {
				id, err := resolveID(cmd.Context(), app, args[0])
				if err != nil {
					return output.Fail(err)
				}
				s, err := app.PnL.RecordSnapshot(cmd.Context(), id)
				if err != nil {
					return output.Fail(err)
				}
				if output.IsJSON() {
					return output.JSON(s)
				}
				output.Success("✓ Snapshot recorded: total P&L %s", output.FormatPnL(s.TotalPnL))
				return nil
			}

			snaps, report, err := app.PnL.RefreshSnapshots(cmd.Context())
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"snapshots": snaps, "report": report})
			}
			output.Success("✓ Recorded %d snapshots", len(snaps))
			printReport(output, report)
			return nil
		},
	}
}
