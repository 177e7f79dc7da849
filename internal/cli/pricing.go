package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"options-desk/internal/models"
	"options-desk/internal/pricing"
)

func addPricingCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newPriceCmd(app))
	rootCmd.AddCommand(newGreeksCmd(app))
	rootCmd.AddCommand(newIVCmd(app))
	rootCmd.AddCommand(newOptionReportCmd(app))
}

// addModelFlags registers the Black-Scholes inputs shared by pricing commands.
func addModelFlags(cmd *cobra.Command, withVol bool) {
	cmd.Flags().StringP("symbol", "u", "", "underlying symbol; its quote is used when --spot is not set")
	cmd.Flags().Float64P("spot", "s", 0, "underlying price")
	cmd.Flags().Float64P("strike", "k", 0, "strike price")
	cmd.Flags().Float64P("days", "d", 0, "calendar days to expiry")
	cmd.Flags().Float64("years", 0, "years to expiry (overrides --days)")
	cmd.Flags().Float64P("rate", "r", -1, "risk-free rate (default: market rate)")
	cmd.Flags().Float64P("div", "q", 0, "continuous dividend yield")
	cmd.Flags().StringP("type", "t", "call", "option type: call or put")
	if withVol {
		cmd.Flags().Float64P("vol", "v", 0, "volatility (default: historical volatility)")
	}
	_ = cmd.MarkFlagRequired("strike")
}

// modelParams reads the model flags, filling spot, rate and vol from market
// data where they are not given.
func modelParams(cmd *cobra.Command, app *App) (pricing.Params, error) {
	ctx := cmd.Context()
	f := cmd.Flags()

	symbol, _ := f.GetString("symbol")
	spot, _ := f.GetFloat64("spot")
	strike, _ := f.GetFloat64("strike")
	days, _ := f.GetFloat64("days")
	years, _ := f.GetFloat64("years")
	rate, _ := f.GetFloat64("rate")
	div, _ := f.GetFloat64("div")
	rawKind, _ := f.GetString("type")

	kind, err := models.ParseOptionKind(rawKind)
	if err != nil {
		return pricing.Params{}, err
	}

	if spot == 0 && symbol != "" {
		quote, err := app.Market.GetQuote(ctx, symbol)
		if err != nil {
			return pricing.Params{}, fmt.Errorf("fetching quote for %s: %w", symbol, err)
		}
		spot = quote.Price
	}
	if years == 0 {
		years = days / 365
	}
	if rate < 0 {
		if rate, err = app.Market.RiskFreeRate(ctx); err != nil {
			return pricing.Params{}, err
		}
	}

	p := pricing.Params{S: spot, K: strike, T: years, R: rate, Q: div, Kind: kind}
	if f.Lookup("vol") != nil {
		vol, _ := f.GetFloat64("vol")
		if vol == 0 && symbol != "" {
			if vol, err = app.Market.HistoricalVolatility(ctx, symbol); err != nil {
				return pricing.Params{}, err
			}
		}
		p.Sigma = vol
	}
	return p, nil
}

func newPriceCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "price",
		Short: "Price a European option with Black-Scholes",
		Example: `  optdesk price -s 150 -k 145 -d 30 -r 0.05 -v 0.25 -t call
  optdesk price -u AAPL -k 145 -d 30`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			p, err := modelParams(cmd, app)
			if err != nil {
				return output.Fail(err)
			}
			price, err := pricing.Price(p)
			if err != nil {
				return output.Fail(err)
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"option_type": p.Kind,
					"spot":        p.S,
					"strike":      p.K,
					"years":       p.T,
					"rate":        p.R,
					"volatility":  p.Sigma,
					"dividend":    p.Q,
					"price":       price,
					"intrinsic":   pricing.Intrinsic(p.S, p.K, p.Kind),
				})
			}
			output.Bold("%s %.2f @ %.2f, %.1f days", p.Kind, p.K, p.S, p.T*365)
			output.KV("Price", FormatPrice(price))
			output.KV("Intrinsic", FormatPrice(pricing.Intrinsic(p.S, p.K, p.Kind)))
			output.KV("Volatility", FormatIV(p.Sigma))
			return nil
		},
	}
	addModelFlags(cmd, true)
	return cmd
}

func newGreeksCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "greeks",
		Short:   "Compute price and Greeks for an option",
		Example: `  optdesk greeks -s 150 -k 145 -d 30 -v 0.25`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			p, err := modelParams(cmd, app)
			if err != nil {
				return output.Fail(err)
			}
			price, err := pricing.Price(p)
			if err != nil {
				return output.Fail(err)
			}
			g, err := pricing.AllGreeks(p)
			if err != nil {
				return output.Fail(err)
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"price": price, "greeks": g})
			}
			output.Bold("%s %.2f @ %.2f", p.Kind, p.K, p.S)
			output.KV("Price", FormatPrice(price))
			output.KV("Delta", fmt.Sprintf("%.6f", g.Delta))
			output.KV("Gamma", fmt.Sprintf("%.6f", g.Gamma))
			output.KV("Vega (per 1 vol pt)", fmt.Sprintf("%.6f", g.Vega))
			output.KV("Theta (per day)", fmt.Sprintf("%.6f", g.Theta))
			output.KV("Rho (per 1 rate pt)", fmt.Sprintf("%.6f", g.Rho))
			return nil
		},
	}
	addModelFlags(cmd, true)
	return cmd
}

func newIVCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "iv <market-price>",
		Short:   "Solve for implied volatility",
		Args:    cobra.ExactArgs(1),
		Example: `  optdesk iv 7.58 -s 150 -k 145 -d 30`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			var market float64
			if _, err := fmt.Sscanf(args[0], "%g", &market); err != nil {
				return output.Fail(fmt.Errorf("invalid market price %q", args[0]))
			}
			p, err := modelParams(cmd, app)
			if err != nil {
				return output.Fail(err)
			}
			iv, err := pricing.ImpliedVol(market, p)
			if err != nil {
				return output.Fail(err)
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"market_price": market, "implied_volatility": iv})
			}
			output.KV("Market price", FormatPrice(market))
			output.KV("Implied volatility", FormatIV(iv))
			return nil
		},
	}
	addModelFlags(cmd, false)
	return cmd
}

func newOptionReportCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "report",
		Short:   "Position-scaled risk report for one option line",
		Example: `  optdesk report -s 150 -k 145 -d 30 -v 0.25 --contracts -10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			p, err := modelParams(cmd, app)
			if err != nil {
				return output.Fail(err)
			}
			contracts, _ := cmd.Flags().GetInt("contracts")
			report, err := pricing.RiskReport(p, contracts, app.Config.Engine.ContractMultiplier)
			if err != nil {
				return output.Fail(err)
			}

			if output.IsJSON() {
				return output.JSON(report)
			}
			output.Bold("%s x %s %.2f", FormatContracts(contracts), p.Kind, p.K)
			output.KV("Option price", FormatPrice(report.OptionPrice))
			output.KV("Position value", output.FormatPnL(report.PositionValue))
			output.KV("Per option", FormatGreeks(report.Greeks))
			output.KV("Position", FormatGreeks(report.PositionGreeks))
			output.KV("Moneyness (S/K)", fmt.Sprintf("%.4f", report.Moneyness))
			output.KV("Days to expiry", fmt.Sprintf("%.1f", report.TimeToExpiryDays))
			output.KV("Leverage", fmt.Sprintf("%.2fx", report.Leverage))
			return nil
		},
	}
	addModelFlags(cmd, true)
	cmd.Flags().Int("contracts", 1, "signed contract count (negative = short)")
	return cmd
}
