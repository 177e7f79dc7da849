package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Options Desk Configuration

[engine]
# Shares per option contract
contract_multiplier = 100
# Stock hedge commission per share (USD)
stock_commission_per_share = 0.01
# Option commission per contract (USD)
options_commission_per_contract = 0.65
# Bid-ask spread as a fraction of price; half is paid per trade
bid_ask_spread_fraction = 0.01
# Rebalance when |net delta / position delta| exceeds this
rehedge_threshold_fraction = 0.10
# Floor on time to expiry in years
min_time_to_expiry = 0.0001
# Parallel workers for portfolio-wide operations
batch_concurrency = 8

[risk]
max_delta_exposure = 10000.0
max_vega_exposure = 5000.0
# Maximum contracts per position
max_position_size = 100
# Maximum share of book value in one symbol
max_concentration = 0.30
expiry_warning_days = 7
# Annual rate used in Sharpe ratio
sharpe_risk_free_rate = 0.05
# Refuse positions that would breach a limit
pre_trade_check = false

[market]
default_volatility = 0.30
default_risk_free_rate = 0.05
cache_ttl = "60s"
retry_attempts = 3
# Consecutive upstream failures before quote lookups fail fast.
breaker_failures = 5
breaker_cooldown = "30s"

# Static quotes used when no live feed is configured
# [market.quotes.AAPL]
# price = 150.0
# bid = 149.95
# ask = 150.05
# volume = 1000000

# Daily closes used for historical volatility
# [market.history]
# AAPL = [148.2, 149.1, 150.3, 149.8, 151.0]

[store]
# "sqlite" or "memory"
driver = "sqlite"
# path = "~/.config/options-desk/options.db"

[logging]
level = "info"
console = true
file = true

[scheduler]
# Cron specs (minute hour dom month dow)
rehedge = "*/15 * * * *"
expire = "5 16 * * 1-5"
snapshot = "0 * * * *"
risk_check = "*/5 * * * *"
# Execute rehedges automatically instead of only reporting them
auto_execute = false

[notify]
# "all", "breaches_only" or "errors_only"
level = "all"
log = true

[notify.webhook]
enabled = false
# url = "https://hooks.example.com/optdesk"
timeout = "10s"
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}
