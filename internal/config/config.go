// Package config defines all configuration for the market-making bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via BKS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Instrument InstrumentConfig `mapstructure:"instrument"`
	Auth       AuthConfig       `mapstructure:"auth"`
	API        APIConfig        `mapstructure:"api"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// InstrumentConfig names the single instrument this engine instance quotes.
// Multi-instrument operation is out of scope; one process, one instrument.
type InstrumentConfig struct {
	Ticker    string `mapstructure:"ticker"`
	ClassCode string `mapstructure:"class_code"`
	Depth     int    `mapstructure:"depth"`
}

// AuthConfig holds the long-lived refresh token (or a path to it). RefreshToken
// takes priority over RefreshTokenFile when both are set.
type AuthConfig struct {
	RefreshToken     string `mapstructure:"refresh_token"`
	RefreshTokenFile string `mapstructure:"refresh_token_file"`
}

// APIConfig holds the broker's REST and WebSocket endpoints.
type APIConfig struct {
	AuthURL      string `mapstructure:"auth_url"`
	OperationsURL string `mapstructure:"operations_url"`
	PortfolioURL string `mapstructure:"portfolio_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
}

// StrategyConfig tunes the inventory-skewed quote model.
//
//   - Spread: the full minimum quoted spread around the skewed center;
//     half of this is applied on each side.
//   - SkewCoefficient (k): how strongly net inventory shifts the center price.
//   - BaseOrderQuantity: quantity quoted when flat.
//   - InventoryLimit: |inventory| at or beyond which size scales to zero (I3).
//   - MinEditDelta: hysteresis band — an existing order is left alone unless
//     the target price differs by at least this much (spec's reconciliation rule).
//   - TickSize: price quantization unit.
//   - RefreshInterval: how often the inventory poller refreshes positions.
//   - ReconcileInterval: the order manager's pacing sleep between
//     reconciliation passes (spec §4.6: "a small sleep (>= 5s)").
//   - ForcedRefreshInterval: how often the live-orders table is repaired from
//     a REST poll regardless of WebSocket activity.
//   - StaleBookTimeout: cancel resting quotes if no book update within this window.
type StrategyConfig struct {
	Spread                float64       `mapstructure:"spread"`
	SkewCoefficient       float64       `mapstructure:"skew_coefficient"`
	BaseOrderQuantity     int64         `mapstructure:"base_order_quantity"`
	InventoryLimit        int64         `mapstructure:"inventory_limit"`
	MinEditDelta          float64       `mapstructure:"min_edit_delta"`
	TickSize              float64       `mapstructure:"tick_size"`
	RefreshInterval       time.Duration `mapstructure:"refresh_interval"`
	ReconcileInterval     time.Duration `mapstructure:"reconcile_interval"`
	ForcedRefreshInterval time.Duration `mapstructure:"forced_refresh_interval"`
	StaleBookTimeout      time.Duration `mapstructure:"stale_book_timeout"`
}

// StoreConfig sets where the optional live-orders recovery log is persisted.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// BKS_TOKEN overrides auth.refresh_token; BKS_DRY_RUN overrides dry_run.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BKS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if token := os.Getenv("BKS_TOKEN"); token != "" {
		cfg.Auth.RefreshToken = token
	}
	if os.Getenv("BKS_DRY_RUN") == "true" || os.Getenv("BKS_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	if cfg.Auth.RefreshToken == "" && cfg.Auth.RefreshTokenFile != "" {
		data, err := os.ReadFile(cfg.Auth.RefreshTokenFile)
		if err != nil {
			return nil, fmt.Errorf("read refresh_token_file: %w", err)
		}
		cfg.Auth.RefreshToken = strings.TrimSpace(string(data))
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills in zero-valued fields the YAML file left unset.
func (c *Config) applyDefaults() {
	if c.Instrument.Depth <= 0 {
		c.Instrument.Depth = 10
	}
	if c.Strategy.RefreshInterval <= 0 {
		c.Strategy.RefreshInterval = 5 * time.Second
	}
	if c.Strategy.ReconcileInterval <= 0 {
		c.Strategy.ReconcileInterval = 5 * time.Second
	}
	if c.Strategy.ForcedRefreshInterval <= 0 {
		c.Strategy.ForcedRefreshInterval = 10 * time.Second
	}
	if c.Strategy.StaleBookTimeout <= 0 {
		c.Strategy.StaleBookTimeout = 30 * time.Second
	}
	if c.Strategy.TickSize <= 0 {
		c.Strategy.TickSize = 0.01
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Instrument.Ticker == "" {
		return fmt.Errorf("instrument.ticker is required")
	}
	if c.Instrument.ClassCode == "" {
		return fmt.Errorf("instrument.class_code is required")
	}
	if c.Auth.RefreshToken == "" {
		return fmt.Errorf("auth.refresh_token is required (set BKS_TOKEN or auth.refresh_token_file)")
	}
	if c.API.AuthURL == "" {
		return fmt.Errorf("api.auth_url is required")
	}
	if c.API.OperationsURL == "" {
		return fmt.Errorf("api.operations_url is required")
	}
	if c.Strategy.Spread <= 0 {
		return fmt.Errorf("strategy.spread must be > 0")
	}
	if c.Strategy.BaseOrderQuantity <= 0 {
		return fmt.Errorf("strategy.base_order_quantity must be > 0")
	}
	if c.Strategy.InventoryLimit <= 0 {
		return fmt.Errorf("strategy.inventory_limit must be > 0")
	}
	if c.Strategy.TickSize <= 0 {
		return fmt.Errorf("strategy.tick_size must be > 0")
	}
	if c.Strategy.ReconcileInterval < 5*time.Second {
		return fmt.Errorf("strategy.reconcile_interval must be >= 5s (spec §4.6 pacing floor)")
	}
	return nil
}
