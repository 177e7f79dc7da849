// Package cli provides the command-line interface for the options desk.
package cli

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"options-desk/internal/batch"
	"options-desk/internal/config"
	"options-desk/internal/hedging"
	"options-desk/internal/logging"
	"options-desk/internal/marketdata"
	"options-desk/internal/models"
	"options-desk/internal/pnl"
	"options-desk/internal/portfolio"
	"options-desk/internal/risk"
	"options-desk/internal/store"
	"options-desk/pkg/utils"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2026-01-05"
)

// quotesPerSecond caps quote lookups against the market data chain.
const quotesPerSecond = 50

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Store  store.PositionStore
	Quotes *marketdata.StaticProvider
	Market marketdata.Provider
	Hedger *hedging.Controller
	PnL    *pnl.Engine
	Book   *portfolio.Book
	Risk   *risk.Monitor
}

// NewApp wires the store, market data chain and engines described by cfg.
func NewApp(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, err
	}

	quotes := marketdata.NewStaticProvider(cfg.Market.DefaultVolatility, cfg.Market.DefaultRiskFreeRate)
	for sym, q := range cfg.Market.Quotes {
		quotes.SetQuote(models.Quote{Symbol: sym, Price: q.Price, Bid: q.Bid, Ask: q.Ask, Volume: q.Volume})
	}
	for sym, closes := range cfg.Market.History {
		quotes.SetCloses(sym, closes)
	}

	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Market.RetryAttempts
	var market marketdata.Provider = marketdata.NewRateLimitedProvider(quotes, quotesPerSecond, quotesPerSecond)
	breaker := marketdata.NewCircuitBreaker(cfg.Market.BreakerFailures, cfg.Market.BreakerCooldown)
	market = marketdata.NewBreakerProvider("static", market, breaker, logger)
	retry.Permanent = append(retry.Permanent, marketdata.ErrCircuitOpen)
	market = marketdata.NewRetryingProvider("static", market, retry, logger)
	market = marketdata.NewCachedProvider(market, cfg.Market.CacheTTL)

	locks := batch.NewKeyedMutex()
	hedger := hedging.NewController(cfg.Engine, market, st, locks, logger)
	engine := pnl.NewEngine(cfg.Engine, cfg.Risk.SharpeRiskFreeRate, market, st, locks, logger)
	book := portfolio.NewBook(cfg.Engine, market, st, hedger, engine, locks, logger)
	monitor := risk.NewMonitor(cfg.Risk, cfg.Engine, st, book, hedger, logger)
	if cfg.Risk.PreTradeCheck {
		book.SetPreTradeCheck(monitor.PreTradeCheck)
	}

	return &App{
		Config: cfg,
		Logger: logger,
		Store:  st,
		Quotes: quotes,
		Market: market,
		Hedger: hedger,
		PnL:    engine,
		Book:   book,
		Risk:   monitor,
	}, nil
}

// Close releases the store.
func (a *App) Close() error {
	if a.Store == nil {
		return nil
	}
	return a.Store.Close()
}

// NewRootCmd creates the root command. The App is built from the --config
// directory before the first command runs.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&App{})
}

func newRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "optdesk",
		Short: "Options pricing, delta hedging and P&L desk",
		Long: `optdesk prices European options, tracks a book of option positions,
keeps them delta hedged with stock and attributes their profit and loss.

Quotes come from the [market.quotes] table in config.toml and can be
overridden per invocation with --quote SYMBOL=PRICE.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// --debug is applied before the engines copy the logger.
			debug, _ := cmd.Flags().GetBool("debug")
			if app.Book == nil {
				dir, _ := cmd.Flags().GetString("config")
				cfg, err := config.Load(dir)
				if err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return err
				}
				if debug {
					cfg.Logging.Level = "debug"
				}
				built, err := NewApp(cfg, logging.NewLoggerWithConfig(cfg.Logging.LogConfig()))
				if err != nil {
					return err
				}
				*app = *built
			} else if debug {
				logging.SetDebugLevel()
			}

			overrides, _ := cmd.Flags().GetStringToString("quote")
			for sym, raw := range overrides {
				price, err := strconv.ParseFloat(raw, 64)
				if err != nil || price <= 0 {
					return fmt.Errorf("--quote %s=%s: price must be a positive number", sym, raw)
				}
				app.Quotes.SetPrice(sym, price)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/options-desk)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringToString("quote", nil, "override a quote, e.g. --quote AAPL=150")

	addCoreCommands(rootCmd, app)
	addPricingCommands(rootCmd, app)
	addPositionCommands(rootCmd, app)
	addHedgeCommands(rootCmd, app)
	addPnLCommands(rootCmd, app)
	addRiskCommands(rootCmd, app)
	addMonitorCommands(rootCmd, app)

	return rootCmd
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("optdesk v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": dir})
			}
			output.Println(dir)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Engine")
	output.Printf("  Contract multiplier:   %.0f\n", cfg.Engine.ContractMultiplier)
	output.Printf("  Stock commission:      %s/share\n", utils.FormatUSD(cfg.Engine.StockCommissionPerShare))
	output.Printf("  Options commission:    %s/contract\n", utils.FormatUSD(cfg.Engine.OptionsCommissionPerContract))
	output.Printf("  Bid-ask spread:        %.2f%%\n", cfg.Engine.BidAskSpreadFraction*100)
	output.Printf("  Rehedge threshold:     %.0f%%\n", cfg.Engine.RehedgeThresholdFraction*100)
	output.Println()

	output.Bold("Risk Limits")
	output.Printf("  Max delta exposure:    %.0f\n", cfg.Risk.MaxDeltaExposure)
	output.Printf("  Max vega exposure:     %.0f\n", cfg.Risk.MaxVegaExposure)
	output.Printf("  Max position size:     %d contracts\n", cfg.Risk.MaxPositionSize)
	output.Printf("  Max concentration:     %.0f%%\n", cfg.Risk.MaxConcentration*100)
	output.Printf("  Expiry warning:        %d days\n", cfg.Risk.ExpiryWarningDays)
	output.Printf("  Pre-trade check:       %v\n", cfg.Risk.PreTradeCheck)
	output.Println()

	output.Bold("Market Data")
	output.Printf("  Default volatility:    %s\n", FormatIV(cfg.Market.DefaultVolatility))
	output.Printf("  Risk-free rate:        %.2f%%\n", cfg.Market.DefaultRiskFreeRate*100)
	output.Printf("  Static quotes:         %d\n", len(cfg.Market.Quotes))
	output.Println()

	output.Bold("Store")
	output.Printf("  Driver:                %s\n", cfg.Store.Driver)
	output.Printf("  Path:                  %s\n", cfg.Store.Path)
	output.Println()

	output.Bold("Scheduler")
	output.Printf("  Rehedge:               %s\n", cfg.Scheduler.Rehedge)
	output.Printf("  Expire:                %s\n", cfg.Scheduler.Expire)
	output.Printf("  Snapshot:              %s\n", cfg.Scheduler.Snapshot)
	output.Printf("  Risk check:            %s\n", cfg.Scheduler.RiskCheck)
	output.Printf("  Auto execute:          %v\n", cfg.Scheduler.AutoExecute)
}
