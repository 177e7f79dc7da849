package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"options-desk/internal/hedging"
	"options-desk/internal/models"
	"options-desk/pkg/utils"
)

func addHedgeCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "hedge",
		Short: "Delta hedge positions with stock",
	}
	cmd.AddCommand(newHedgeRequirementsCmd(app))
	cmd.AddCommand(newHedgeExecuteCmd(app))
	cmd.AddCommand(newHedgeCheckCmd(app))
	cmd.AddCommand(newHedgeAutoCmd(app))
	cmd.AddCommand(newHedgeExposureCmd(app))
	cmd.AddCommand(newHedgePnLCmd(app))
	cmd.AddCommand(newHedgeEfficiencyCmd(app))
	rootCmd.AddCommand(cmd)
}

func printRequirements(output *Output, r *hedging.Requirements) {
	output.KV("Underlying", FormatPrice(r.UnderlyingPrice))
	output.KV("Option delta", fmt.Sprintf("%.4f", r.OptionDelta))
	output.KV("Position delta", FormatDelta(r.PositionDelta))
	output.KV("Current hedge", FormatDelta(r.CurrentHedgeShares))
	output.KV("Net delta", FormatDelta(r.NetDelta))
	output.KV("Required shares", FormatDelta(r.RequiredShares))
	output.KV("Notional", utils.FormatUSD(r.Notional))
	output.KV("Estimated cost", utils.FormatUSD(r.TotalCost))
}

func newHedgeRequirementsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "requirements <id>",
		Aliases: []string{"req"},
		Short:   "Shares needed to bring a position to delta neutral",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			id, err := resolveID(cmd.Context(), app, args[0])
			if err != nil {
				return output.Fail(err)
			}
			r, err := app.Hedger.Requirements(cmd.Context(), id)
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(r)
			}
			output.Bold("%s %s", r.Symbol, r.PositionID)
			printRequirements(output, r)
			return nil
		},
	}
}

func newHedgeExecuteCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute <id>",
		Short: "Trade stock against a position",
		Long: `Trade stock against a position. Without --shares the required hedge
quantity is traded. Positive shares buy, negative shares sell.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			id, err := resolveID(cmd.Context(), app, args[0])
			if err != nil {
				return output.Fail(err)
			}
			var shares *float64
			if cmd.Flags().Changed("shares") {
				v, _ := cmd.Flags().GetFloat64("shares")
				shares = &v
			}
			rawKind, _ := cmd.Flags().GetString("kind")

			h, err := app.Hedger.Execute(cmd.Context(), id, shares, models.HedgeKind(rawKind))
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(h)
			}
			output.Success("✓ %s hedge: %s shares @ %s", h.Kind, FormatDelta(h.Quantity), FormatPrice(h.Price))
			output.KV("Delta before", FormatDelta(h.DeltaBefore))
			output.KV("Delta after", FormatDelta(h.DeltaAfter))
			output.KV("Transaction cost", utils.FormatUSD(h.TransactionCost))
			return nil
		},
	}
	cmd.Flags().Float64("shares", 0, "shares to trade (default: required hedge)")
	cmd.Flags().String("kind", string(models.HedgeRebalance), "hedge kind: initial, rebalance or close")
	return cmd
}

func newHedgeCheckCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "check <id>",
		Short: "Report whether a position has drifted past the rehedge threshold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			id, err := resolveID(cmd.Context(), app, args[0])
			if err != nil {
				return output.Fail(err)
			}
			needed, r, err := app.Hedger.CheckRehedgeNeeded(cmd.Context(), id)
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"rehedge_needed": needed, "requirements": r})
			}
			if needed {
				output.Warning("⚠ Rehedge needed: net delta %s", FormatDelta(r.NetDelta))
			} else {
				output.Success("✓ Within threshold: net delta %s", FormatDelta(r.NetDelta))
			}
			return nil
		},
	}
}

func newHedgeAutoCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auto",
		Short: "Rehedge every position past its threshold",
		Long:  "Preview, or with --execute place, rebalance hedges across the open book.",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			execute, _ := cmd.Flags().GetBool("execute")
			res, err := app.Hedger.AutoRehedgePortfolio(cmd.Context(), execute)
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(res)
			}
			if len(res.Recommendations) == 0 {
				output.Success("✓ All positions within threshold")
				printReport(output, res.Report)
				return nil
			}

			table := NewTable(output, "ID", "SYMBOL", "NET DELTA", "SHARES", "COST")
			for _, r := range res.Recommendations {
				table.AddRow(ShortID(r.PositionID), r.Symbol, FormatDelta(r.NetDelta),
					FormatDelta(r.RequiredShares), utils.FormatUSD(r.TotalCost))
			}
			table.Render()
			output.Println()
			if execute {
				output.Success("✓ Executed %d hedges, cost %s", len(res.Executed), utils.FormatUSD(res.TotalCost))
				printReport(output, res.ExecutionReport)
			} else {
				output.Info("Preview only, estimated cost %s. Pass --execute to trade.", utils.FormatUSD(res.EstimatedCost))
			}
			printReport(output, res.Report)
			return nil
		},
	}
	cmd.Flags().Bool("execute", false, "place the hedges")
	return cmd
}

func newHedgeExposureCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "exposure",
		Short: "Book-wide option, hedge and net delta",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			e, err := app.Hedger.PortfolioDeltaExposure(cmd.Context())
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(e)
			}
			output.KV("Option delta", FormatDelta(e.PositionDelta))
			output.KV("Hedge shares", FormatDelta(e.HedgeShares))
			output.KV("Net delta", FormatDelta(e.NetDelta))
			output.KV("Hedge notional", utils.FormatUSD(e.HedgeNotional))
			output.KV("Needing rehedge", e.NeedingRehedge)
			printReport(output, e.Report)
			return nil
		},
	}
}

func newHedgePnLCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "pnl <id>",
		Short: "Mark a position's hedges to market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			id, err := resolveID(cmd.Context(), app, args[0])
			if err != nil {
				return output.Fail(err)
			}
			p, err := app.Hedger.HedgingPnL(cmd.Context(), id)
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(p)
			}
			table := NewTable(output, "DATE", "KIND", "SHARES", "PRICE", "P&L")
			for _, h := range p.Hedges {
				table.AddRow(FormatDateTime(h.Timestamp), string(h.Kind), FormatDelta(h.Quantity),
					FormatPrice(h.Price), output.FormatPnL(h.PnL))
			}
			table.Render()
			output.Println()
			output.KV("Gross", output.FormatPnL(p.GrossPnL))
			output.KV("Costs", utils.FormatUSD(p.Costs))
			output.KV("Net", output.FormatPnL(p.NetPnL))
			return nil
		},
	}
}

func newHedgeEfficiencyCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "efficiency <id>",
		Short: "Hedge ratio, delta neutrality and cost diagnostics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			id, err := resolveID(cmd.Context(), app, args[0])
			if err != nil {
				return output.Fail(err)
			}
			e, err := app.Hedger.Efficiency(cmd.Context(), id)
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(e)
			}
			output.KV("Hedge ratio", utils.FormatRatio(e.HedgeRatio))
			output.KV("Delta neutrality", utils.FormatRatio(e.DeltaNeutrality))
			output.KV("Total cost", utils.FormatUSD(e.TotalCost))
			output.KV("Cost ratio", utils.FormatRatio(e.CostRatio))
			output.KV("Hedges", fmt.Sprintf("%d (%d rebalances)", e.HedgeCount, e.RehedgeCount))
			return nil
		},
	}
}
