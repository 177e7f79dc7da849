package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apperrors "options-desk/internal/errors"
	"options-desk/internal/models"
	"options-desk/internal/portfolio"
	"options-desk/internal/store"
	"options-desk/pkg/utils"
)

func addPositionCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:     "position",
		Aliases: []string{"pos"},
		Short:   "Open, close and inspect option positions",
	}
	cmd.AddCommand(newOpenCmd(app))
	cmd.AddCommand(newCloseCmd(app))
	cmd.AddCommand(newListCmd(app))
	cmd.AddCommand(newShowCmd(app))
	cmd.AddCommand(newDeleteCmd(app))
	cmd.AddCommand(newExpireCmd(app))
	cmd.AddCommand(newSummaryCmd(app))
	cmd.AddCommand(newBookGreeksCmd(app))
	cmd.AddCommand(newTradesCmd(app))
	rootCmd.AddCommand(cmd)
}

// resolveID expands a unique id prefix to a full position id.
func resolveID(ctx context.Context, app *App, prefix string) (string, error) {
	if _, err := app.Store.GetPosition(ctx, prefix); err == nil {
		return prefix, nil
	}
	all, err := app.Store.ListPositions(ctx, store.PositionFilter{})
	if err != nil {
		return "", err
	}
	var matches []string
	for _, p := range all {
		if strings.HasPrefix(p.ID, prefix) {
			matches = append(matches, p.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", apperrors.NotFound("cli.resolve", "position", prefix)
	case 1:
		return matches[0], nil
	}
	return "", apperrors.InvalidInput("cli.resolve", fmt.Sprintf("id prefix %q matches %d positions", prefix, len(matches)))
}

func newOpenCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open <symbol>",
		Short: "Sell or buy an option at the current market",
		Args:  cobra.ExactArgs(1),
		Example: `  optdesk position open AAPL --strike 145 --expiry 2026-02-20 --contracts 10 --side sell --hedge
  optdesk position open MSFT -k 400 --days 45 -n 2 --side buy --type put --premium 9.10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			f := cmd.Flags()

			rawKind, _ := f.GetString("type")
			kind, err := models.ParseOptionKind(rawKind)
			if err != nil {
				return output.Fail(err)
			}
			expiry, err := expiryFromFlags(cmd, app.Book.Now())
			if err != nil {
				return output.Fail(err)
			}
			strike, _ := f.GetFloat64("strike")
			contracts, _ := f.GetInt("contracts")
			side, _ := f.GetString("side")
			vol, _ := f.GetFloat64("vol")
			premium, _ := f.GetFloat64("premium")
			div, _ := f.GetFloat64("div")
			hedge, _ := f.GetBool("hedge")

			res, err := app.Book.OpenPosition(cmd.Context(), portfolio.OpenRequest{
				Symbol:        args[0],
				Kind:          kind,
				Strike:        strike,
				Expiration:    expiry,
				Contracts:     contracts,
				Side:          portfolio.Side(strings.ToLower(side)),
				ImpliedVol:    vol,
				Premium:       premium,
				DividendYield: div,
				Hedge:         hedge,
			})
			if res != nil && err != nil {
				// Position booked, hedge failed.
				output.Warning("⚠ Position %s opened but the initial hedge failed", res.Position.ID)
			}
			if err != nil {
				return output.Fail(err)
			}

			if output.IsJSON() {
				return output.JSON(res)
			}
			p := res.Position
			output.Success("✓ Opened %s %s %s %.2f exp %s", FormatContracts(p.Quantity), p.Symbol, p.Kind, p.Strike, FormatDate(p.Expiration))
			output.KV("Position ID", p.ID)
			output.KV("Premium", FormatPrice(p.Premium))
			output.KV("Underlying", FormatPrice(p.EntryPrice))
			output.KV("Implied vol", FormatIV(p.ImpliedVol))
			output.KV("Commission", "$"+res.Trade.Commission.StringFixed(2))
			output.KV("Position delta", FormatDelta(res.Snapshot.Delta))
			if res.Hedge != nil {
				output.KV("Hedge", fmt.Sprintf("%s shares @ %s", FormatDelta(res.Hedge.Quantity), FormatPrice(res.Hedge.Price)))
			}
			return nil
		},
	}
	cmd.Flags().Float64P("strike", "k", 0, "strike price")
	cmd.Flags().String("expiry", "", "expiration date (YYYY-MM-DD)")
	cmd.Flags().Int("days", 0, "calendar days to expiry (instead of --expiry)")
	cmd.Flags().IntP("contracts", "n", 1, "number of contracts")
	cmd.Flags().String("side", "sell", "sell or buy")
	cmd.Flags().StringP("type", "t", "call", "option type: call or put")
	cmd.Flags().Float64P("vol", "v", 0, "implied volatility (default: historical)")
	cmd.Flags().Float64("premium", 0, "fill price per option (default: model price)")
	cmd.Flags().Float64P("div", "q", 0, "continuous dividend yield")
	cmd.Flags().Bool("hedge", false, "place the initial delta hedge")
	_ = cmd.MarkFlagRequired("strike")
	return cmd
}

func expiryFromFlags(cmd *cobra.Command, now time.Time) (time.Time, error) {
	raw, _ := cmd.Flags().GetString("expiry")
	days, _ := cmd.Flags().GetInt("days")
	switch {
	case raw != "":
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, apperrors.InvalidInput("cli.expiry", "expiry must be YYYY-MM-DD").With("expiry", raw)
		}
		return t.Add(16 * time.Hour), nil
	case days > 0:
		return now.AddDate(0, 0, days), nil
	}
	return time.Time{}, apperrors.InvalidInput("cli.expiry", "one of --expiry or --days is required")
}

func newCloseCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a position at a given or model price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			id, err := resolveID(cmd.Context(), app, args[0])
			if err != nil {
				return output.Fail(err)
			}
			var price *float64
			if cmd.Flags().Changed("price") {
				v, _ := cmd.Flags().GetFloat64("price")
				price = &v
			}
			unwind, _ := cmd.Flags().GetBool("unwind")

			res, err := app.Book.ClosePosition(cmd.Context(), id, price, unwind)
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(res)
			}
			output.Success("✓ Closed %s at %s", res.Position.ID, FormatPrice(*res.Position.ClosePrice))
			if res.Hedge != nil {
				output.KV("Hedge unwound", fmt.Sprintf("%s shares @ %s", FormatDelta(res.Hedge.Quantity), FormatPrice(res.Hedge.Price)))
			}
			output.KV("Total P&L", output.FormatPnL(res.Snapshot.TotalPnL))
			return nil
		},
	}
	cmd.Flags().Float64P("price", "p", 0, "close price per option (default: model price)")
	cmd.Flags().Bool("unwind", true, "flatten the stock hedge")
	return cmd
}

func newListCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			status, _ := cmd.Flags().GetString("status")
			symbol, _ := cmd.Flags().GetString("symbol")

			filter := store.PositionFilter{Status: models.PositionStatus(status), Symbol: strings.ToUpper(symbol)}
			positions, err := app.Book.ListPositions(cmd.Context(), filter)
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(positions)
			}
			if len(positions) == 0 {
				output.Dim("No positions")
				return nil
			}

			table := NewTable(output, "ID", "SYMBOL", "TYPE", "STRIKE", "EXPIRY", "QTY", "PREMIUM", "STATUS")
			for _, p := range positions {
				table.AddRow(
					p.ID, p.Symbol, string(p.Kind), FormatPrice(p.Strike), FormatDate(p.Expiration),
					fmt.Sprintf("%d", p.Quantity), FormatPrice(p.Premium), output.Status(string(p.Status)),
				)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().String("status", "", "filter by status: open, closed, expired")
	cmd.Flags().String("symbol", "", "filter by underlying")
	return cmd
}

func newShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a position with its hedges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()
			id, err := resolveID(ctx, app, args[0])
			if err != nil {
				return output.Fail(err)
			}
			p, err := app.Book.GetPosition(ctx, id)
			if err != nil {
				return output.Fail(err)
			}
			hedges, err := app.Store.ListHedges(ctx, id)
			if err != nil {
				return output.Fail(err)
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"position": p, "hedges": hedges})
			}
			output.Bold("%s %s %.2f exp %s", p.Symbol, p.Kind, p.Strike, FormatDate(p.Expiration))
			output.KV("ID", p.ID)
			output.KV("Status", output.Status(string(p.Status)))
			output.KV("Quantity", FormatContracts(p.Quantity))
			output.KV("Premium", FormatPrice(p.Premium))
			output.KV("Entry", fmt.Sprintf("%s on %s", FormatPrice(p.EntryPrice), FormatDate(p.EntryDate)))
			output.KV("Implied vol", FormatIV(p.ImpliedVol))
			if p.CloseDate != nil && p.ClosePrice != nil {
				output.KV("Closed", fmt.Sprintf("%s on %s", FormatPrice(*p.ClosePrice), FormatDate(*p.CloseDate)))
			}
			if len(hedges) > 0 {
				output.Println()
				table := NewTable(output, "DATE", "KIND", "SHARES", "PRICE", "COST", "DELTA AFTER")
				for _, h := range hedges {
					table.AddRow(FormatDateTime(h.Timestamp), string(h.Kind), FormatDelta(h.Quantity),
						FormatPrice(h.Price), utils.FormatUSD(h.TransactionCost), FormatDelta(h.DeltaAfter))
				}
				table.Render()
			}
			return nil
		},
	}
}

func newDeleteCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a position with its hedges and snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			id, err := resolveID(cmd.Context(), app, args[0])
			if err != nil {
				return output.Fail(err)
			}
			if force, _ := cmd.Flags().GetBool("force"); !force {
				return output.Fail(apperrors.InvalidInput("cli.delete", "deleting erases history; pass --force to confirm"))
			}
			if err := app.Book.DeletePosition(cmd.Context(), id); err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"deleted": id})
			}
			output.Success("✓ Deleted %s", id)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "confirm deletion")
	return cmd
}

func newExpireCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire every open position past its expiration date",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			expired, report, err := app.Book.ExpirePositions(cmd.Context())
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"expired": expired, "report": report})
			}
			if len(expired) == 0 {
				output.Dim("No positions to expire")
			}
			for _, p := range expired {
				output.Info("%s %s %s %.2f expired at %s", p.ID, p.Symbol, p.Kind, p.Strike, FormatPrice(*p.ClosePrice))
			}
			printReport(output, report)
			return nil
		},
	}
}

func newSummaryCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Summarize the book",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			s, err := app.Book.Summary(cmd.Context())
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(s)
			}

			output.Box("Book Summary", []string{
				fmt.Sprintf("Open: %d  Closed: %d  Expired: %d", s.OpenCount, s.ClosedCount, s.ExpiredCount),
				fmt.Sprintf("Market value: %s", utils.FormatUSD(s.TotalMarketValue)),
				fmt.Sprintf("Total P&L:    %s", output.FormatPnL(s.TotalPnL)),
			})
			if len(s.Positions) > 0 {
				table := NewTable(output, "ID", "SYMBOL", "TYPE", "STRIKE", "QTY", "DTE", "PRICE", "VALUE", "P&L", "STATUS")
				for _, r := range s.Positions {
					table.AddRow(ShortID(r.ID), r.Symbol, string(r.Kind), FormatPrice(r.Strike), fmt.Sprintf("%d", r.Quantity),
						fmt.Sprintf("%d", r.DaysToExpiry), FormatPrice(r.OptionPrice), utils.FormatUSD(r.MarketValue),
						output.FormatPnL(r.TotalPnL), output.Status(string(r.Status)))
				}
				table.Render()
			}
			printReport(output, s.Report)
			return nil
		},
	}
}

func newBookGreeksCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "greeks",
		Short: "Aggregate Greeks across open positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			g, err := app.Book.PortfolioGreeks(cmd.Context())
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(g)
			}
			table := NewTable(output, "ID", "SYMBOL", "SPOT", "PRICE", "DELTA", "GAMMA", "VEGA", "THETA")
			for _, r := range g.Positions {
				table.AddRow(ShortID(r.PositionID), r.Symbol, FormatPrice(r.UnderlyingPrice), FormatPrice(r.OptionPrice),
					fmt.Sprintf("%.2f", r.Greeks.Delta), fmt.Sprintf("%.4f", r.Greeks.Gamma),
					fmt.Sprintf("%.2f", r.Greeks.Vega), fmt.Sprintf("%.2f", r.Greeks.Theta))
			}
			table.AddRow("TOTAL", "", "", "", fmt.Sprintf("%.2f", g.Total.Delta), fmt.Sprintf("%.4f", g.Total.Gamma),
				fmt.Sprintf("%.2f", g.Total.Vega), fmt.Sprintf("%.2f", g.Total.Theta))
			table.Render()
			printReport(output, g.Report)
			return nil
		},
	}
}

func newTradesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "Show the trade ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			filter := store.TradeFilter{}
			if raw, _ := cmd.Flags().GetString("position"); raw != "" {
				id, err := resolveID(cmd.Context(), app, raw)
				if err != nil {
					return output.Fail(err)
				}
				filter.PositionID = id
			}
			filter.Limit, _ = cmd.Flags().GetInt("limit")

			trades, err := app.Store.ListTrades(cmd.Context(), filter)
			if err != nil {
				return output.Fail(err)
			}
			if output.IsJSON() {
				return output.JSON(trades)
			}
			table := NewTable(output, "DATE", "TYPE", "SYMBOL", "QTY", "PRICE", "COMMISSION", "NOTES")
			for _, t := range trades {
				table.AddRow(FormatDateTime(t.Timestamp), string(t.Type), t.Symbol, FormatDelta(t.Quantity),
					t.Price.StringFixed(4), t.Commission.StringFixed(2), TruncateString(t.Notes, 40))
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().String("position", "", "only trades for this position")
	cmd.Flags().Int("limit", 50, "maximum rows")
	return cmd
}
