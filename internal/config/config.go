// Package config provides configuration management for the options desk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "options-desk/internal/errors"
	"options-desk/internal/logging"
)

// Config holds all application configuration.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Market    MarketConfig    `mapstructure:"market"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// EngineConfig holds contract and execution cost parameters.
type EngineConfig struct {
	ContractMultiplier           float64 `mapstructure:"contract_multiplier"`
	StockCommissionPerShare      float64 `mapstructure:"stock_commission_per_share"`
	OptionsCommissionPerContract float64 `mapstructure:"options_commission_per_contract"`
	BidAskSpreadFraction         float64 `mapstructure:"bid_ask_spread_fraction"`
	RehedgeThresholdFraction     float64 `mapstructure:"rehedge_threshold_fraction"`
	MinTimeToExpiry              float64 `mapstructure:"min_time_to_expiry"` // years
	BatchConcurrency             int     `mapstructure:"batch_concurrency"`
}

// RiskConfig holds portfolio risk limits.
type RiskConfig struct {
	MaxDeltaExposure   float64 `mapstructure:"max_delta_exposure"`
	MaxVegaExposure    float64 `mapstructure:"max_vega_exposure"`
	MaxPositionSize    int     `mapstructure:"max_position_size"`
	MaxConcentration   float64 `mapstructure:"max_concentration"`
	ExpiryWarningDays  int     `mapstructure:"expiry_warning_days"`
	SharpeRiskFreeRate float64 `mapstructure:"sharpe_risk_free_rate"`
	PreTradeCheck      bool    `mapstructure:"pre_trade_check"`
}

// QuoteConfig is a static quote entry.
type QuoteConfig struct {
	Price  float64 `mapstructure:"price"`
	Bid    float64 `mapstructure:"bid"`
	Ask    float64 `mapstructure:"ask"`
	Volume int64   `mapstructure:"volume"`
}

// MarketConfig holds market data settings.
type MarketConfig struct {
	DefaultVolatility   float64                `mapstructure:"default_volatility"`
	DefaultRiskFreeRate float64                `mapstructure:"default_risk_free_rate"`
	CacheTTL            time.Duration          `mapstructure:"cache_ttl"`
	RetryAttempts       int                    `mapstructure:"retry_attempts"`
	BreakerFailures     int                    `mapstructure:"breaker_failures"`
	BreakerCooldown     time.Duration          `mapstructure:"breaker_cooldown"`
	Quotes              map[string]QuoteConfig `mapstructure:"quotes"`
	History             map[string][]float64   `mapstructure:"history"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite", "memory"
	Path   string `mapstructure:"path"`
}

// LoggingConfig mirrors logging.LogConfig.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// SchedulerConfig holds cron specs for the monitor loop.
type SchedulerConfig struct {
	Rehedge     string `mapstructure:"rehedge"`
	Expire      string `mapstructure:"expire"`
	Snapshot    string `mapstructure:"snapshot"`
	RiskCheck   string `mapstructure:"risk_check"`
	AutoExecute bool   `mapstructure:"auto_execute"`
}

// NotifyConfig selects where monitor alerts are delivered.
type NotifyConfig struct {
	// Level is "all", "breaches_only" or "errors_only".
	Level   string        `mapstructure:"level"`
	Log     bool          `mapstructure:"log"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogConfig converts the logging section to a logging.LogConfig.
func (c LoggingConfig) LogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:      c.Level,
		Console:    c.Console,
		File:       c.File,
		FilePath:   c.FilePath,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
	}
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/options-desk"
	}
	return filepath.Join(home, ".config", "options-desk")
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	v := viper.New()
	setDefaults(v, DefaultConfigDir())
	cfg := &Config{}
	// Defaults are all well-typed, Unmarshal cannot fail here.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. A missing
// config.toml is replaced by a commented template and defaults are used.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env is optional
	_ = godotenv.Load(filepath.Join(configDir, ".env"))

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("engine.contract_multiplier", 100.0)
	v.SetDefault("engine.stock_commission_per_share", 0.01)
	v.SetDefault("engine.options_commission_per_contract", 0.65)
	v.SetDefault("engine.bid_ask_spread_fraction", 0.01)
	v.SetDefault("engine.rehedge_threshold_fraction", 0.10)
	v.SetDefault("engine.min_time_to_expiry", 0.0001)
	v.SetDefault("engine.batch_concurrency", 8)

	v.SetDefault("risk.max_delta_exposure", 10000.0)
	v.SetDefault("risk.max_vega_exposure", 5000.0)
	v.SetDefault("risk.max_position_size", 100)
	v.SetDefault("risk.max_concentration", 0.30)
	v.SetDefault("risk.expiry_warning_days", 7)
	v.SetDefault("risk.sharpe_risk_free_rate", 0.05)
	v.SetDefault("risk.pre_trade_check", false)

	v.SetDefault("market.default_volatility", 0.30)
	v.SetDefault("market.default_risk_free_rate", 0.05)
	v.SetDefault("market.cache_ttl", "60s")
	v.SetDefault("market.retry_attempts", 3)
	v.SetDefault("market.breaker_failures", 5)
	v.SetDefault("market.breaker_cooldown", "30s")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", filepath.Join(configDir, "options.db"))

	def := logging.DefaultLogConfig()
	v.SetDefault("logging.level", def.Level)
	v.SetDefault("logging.console", def.Console)
	v.SetDefault("logging.file", def.File)
	v.SetDefault("logging.file_path", def.FilePath)
	v.SetDefault("logging.max_size", def.MaxSize)
	v.SetDefault("logging.max_backups", def.MaxBackups)
	v.SetDefault("logging.max_age", def.MaxAge)

	v.SetDefault("scheduler.rehedge", "*/15 * * * *")
	v.SetDefault("scheduler.expire", "5 16 * * 1-5")
	v.SetDefault("scheduler.snapshot", "0 * * * *")
	v.SetDefault("scheduler.risk_check", "*/5 * * * *")
	v.SetDefault("scheduler.auto_execute", false)

	v.SetDefault("notify.level", "all")
	v.SetDefault("notify.log", true)
	v.SetDefault("notify.webhook.enabled", false)
	v.SetDefault("notify.webhook.url", "")
	v.SetDefault("notify.webhook.timeout", "10s")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPTDESK_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("OPTDESK_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("OPTDESK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v, ok := envFloat("OPTDESK_RISK_FREE_RATE"); ok {
		cfg.Market.DefaultRiskFreeRate = v
	}
	if v, ok := envFloat("OPTDESK_DEFAULT_VOLATILITY"); ok {
		cfg.Market.DefaultVolatility = v
	}
	if v, ok := envFloat("OPTDESK_REHEDGE_THRESHOLD"); ok {
		cfg.Engine.RehedgeThresholdFraction = v
	}
	if v, ok := envFloat("OPTDESK_MAX_DELTA_EXPOSURE"); ok {
		cfg.Risk.MaxDeltaExposure = v
	}
	if v := os.Getenv("OPTDESK_WEBHOOK_URL"); v != "" {
		cfg.Notify.Webhook.URL = v
		cfg.Notify.Webhook.Enabled = true
	}
	if v := os.Getenv("OPTDESK_AUTO_EXECUTE"); v != "" {
		cfg.Scheduler.AutoExecute = strings.EqualFold(v, "true") || v == "1"
	}
}

func envFloat(key string) (float64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", apperrors.ErrConfigInvalid, fmt.Sprintf(format, args...))
	}

	e := c.Engine
	if e.ContractMultiplier <= 0 {
		return invalid("contract_multiplier must be positive")
	}
	if e.StockCommissionPerShare < 0 || e.OptionsCommissionPerContract < 0 {
		return invalid("commissions must be non-negative")
	}
	if e.BidAskSpreadFraction < 0 || e.BidAskSpreadFraction >= 1 {
		return invalid("bid_ask_spread_fraction must be in [0, 1)")
	}
	if e.RehedgeThresholdFraction <= 0 || e.RehedgeThresholdFraction > 1 {
		return invalid("rehedge_threshold_fraction must be in (0, 1]")
	}
	if e.MinTimeToExpiry <= 0 {
		return invalid("min_time_to_expiry must be positive")
	}
	if e.BatchConcurrency < 1 {
		return invalid("batch_concurrency must be at least 1")
	}

	r := c.Risk
	if r.MaxDeltaExposure < 0 || r.MaxVegaExposure < 0 || r.MaxPositionSize < 0 {
		return invalid("risk limits must be non-negative")
	}
	if r.MaxConcentration <= 0 || r.MaxConcentration > 1 {
		return invalid("max_concentration must be in (0, 1]")
	}
	if r.ExpiryWarningDays < 0 {
		return invalid("expiry_warning_days must be non-negative")
	}

	if c.Market.DefaultVolatility <= 0 {
		return invalid("default_volatility must be positive")
	}
	if c.Market.RetryAttempts < 1 {
		return invalid("retry_attempts must be at least 1")
	}
	if c.Market.BreakerFailures < 1 {
		return invalid("breaker_failures must be at least 1")
	}
	for sym, q := range c.Market.Quotes {
		if q.Price <= 0 {
			return invalid("quote for %s must have a positive price", sym)
		}
	}

	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return invalid("store driver must be 'sqlite' or 'memory', got %q", c.Store.Driver)
	}

	switch c.Notify.Level {
	case "", "all", "breaches_only", "errors_only":
	default:
		return invalid("notify level must be all, breaches_only or errors_only, got %q", c.Notify.Level)
	}
	if c.Notify.Webhook.Enabled && c.Notify.Webhook.URL == "" {
		return invalid("notify webhook is enabled without a url")
	}

	return nil
}
