package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "options-desk/internal/errors"
)

func TestLoadCreatesTemplateAndUsesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "config.toml")); err != nil {
		t.Errorf("template not written: %v", err)
	}
	if cfg.Engine.ContractMultiplier != 100 {
		t.Errorf("ContractMultiplier = %v, want 100", cfg.Engine.ContractMultiplier)
	}
	if cfg.Engine.RehedgeThresholdFraction != 0.10 {
		t.Errorf("RehedgeThresholdFraction = %v, want 0.10", cfg.Engine.RehedgeThresholdFraction)
	}
	if cfg.Market.CacheTTL != 60*time.Second {
		t.Errorf("CacheTTL = %v, want 60s", cfg.Market.CacheTTL)
	}
	if cfg.Store.Path != filepath.Join(dir, "options.db") {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
}

func TestLoadReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	content := `
[engine]
contract_multiplier = 10
rehedge_threshold_fraction = 0.2

[market.quotes.aapl]
price = 150.0
volume = 1000

[store]
driver = "memory"
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OPTDESK_MAX_DELTA_EXPOSURE", "2500")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.ContractMultiplier != 10 {
		t.Errorf("ContractMultiplier = %v, want 10", cfg.Engine.ContractMultiplier)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Risk.MaxDeltaExposure != 2500 {
		t.Errorf("MaxDeltaExposure = %v, want 2500 from env", cfg.Risk.MaxDeltaExposure)
	}
	if q, ok := cfg.Market.Quotes["aapl"]; !ok || q.Price != 150 {
		t.Errorf("Quotes = %+v", cfg.Market.Quotes)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero multiplier", func(c *Config) { c.Engine.ContractMultiplier = 0 }},
		{"negative commission", func(c *Config) { c.Engine.StockCommissionPerShare = -1 }},
		{"spread of one", func(c *Config) { c.Engine.BidAskSpreadFraction = 1 }},
		{"zero threshold", func(c *Config) { c.Engine.RehedgeThresholdFraction = 0 }},
		{"threshold above one", func(c *Config) { c.Engine.RehedgeThresholdFraction = 1.5 }},
		{"zero concentration", func(c *Config) { c.Risk.MaxConcentration = 0 }},
		{"no breaker threshold", func(c *Config) { c.Market.BreakerFailures = 0 }},
		{"bad notify level", func(c *Config) { c.Notify.Level = "loud" }},
		{"webhook without url", func(c *Config) { c.Notify.Webhook.Enabled = true }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }},
		{"bad quote", func(c *Config) { c.Market.Quotes = map[string]QuoteConfig{"x": {Price: 0}} }},
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, apperrors.ErrConfigInvalid) {
				t.Errorf("error %v should wrap ErrConfigInvalid", err)
			}
		})
	}
}
