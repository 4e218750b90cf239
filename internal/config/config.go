// Package config defines all configuration for the pair-trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via PAIR_* environment variables.
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
	Broker     BrokerConfig     `mapstructure:"broker"`
	Pair       PairConfig       `mapstructure:"pair"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Model      ModelConfig      `mapstructure:"model"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Rebalancer RebalancerConfig `mapstructure:"rebalancer"`
	Features   FeatureConfig    `mapstructure:"features"`
	System     SystemConfig     `mapstructure:"system"`
	Costs      CostConfig       `mapstructure:"costs"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Control    ControlConfig    `mapstructure:"control"`
}

// BrokerConfig holds the market-access API endpoints and credentials.
// The API token is overridable via PAIR_BROKER_TOKEN.
type BrokerConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	TickWSURL string        `mapstructure:"tick_ws_url"`
	Token     string        `mapstructure:"token"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Deviation int           `mapstructure:"deviation"` // max slippage in points
	Magic     int64         `mapstructure:"magic"`     // strategy tag on every order
}

// PairConfig names the two cointegrated instruments.
type PairConfig struct {
	PrimarySymbol   string `mapstructure:"primary_symbol"`
	SecondarySymbol string `mapstructure:"secondary_symbol"`
}

// TradingConfig tunes entries, pyramids, and exits on the z-score grid.
//
//   - EntryThreshold: |z| above this opens the initial spread.
//   - ExitThreshold:  |z| at or below this closes everything.
//   - ScaleInterval:  fixed z-score gap between successive pyramid fills.
//   - StopLossZScore: |z| at or beyond this blocks further pyramids.
//   - MaxEntries:     cap on fills per spread (initial entry included).
//   - InitialFraction: fraction of equity committed on the first entry.
//
// EntryThreshold, ExitThreshold, ScaleInterval and StopLossZScore are
// runtime-mutable; a ScaleInterval change recomputes next_z_entry for
// every active spread.
type TradingConfig struct {
	EntryThreshold  float64 `mapstructure:"entry_threshold"`
	ExitThreshold   float64 `mapstructure:"exit_threshold"`
	ScaleInterval   float64 `mapstructure:"scale_interval"`
	StopLossZScore  float64 `mapstructure:"stop_loss_zscore"`
	MaxEntries      int     `mapstructure:"max_entries"`
	InitialFraction float64 `mapstructure:"initial_fraction"`
}

// ModelConfig tunes the rolling statistics window.
type ModelConfig struct {
	WindowBars     int           `mapstructure:"window_bars"`
	BarInterval    time.Duration `mapstructure:"bar_interval"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	WindowDays     int           `mapstructure:"window_days"` // history depth for bootstrap
}

// RiskConfig sets the three orthogonal loss layers plus session times.
// All three percentage fields are runtime-mutable.
//
//   - MaxLossPerSetupPct:        per-spread realized+unrealized loss limit.
//   - MaxTotalUnrealizedLossPct: portfolio unrealized loss limit.
//   - DailyLossLimitPct:         daily total loss limit; breach engages the
//     persistent lock until the next session start.
type RiskConfig struct {
	MaxLossPerSetupPct        float64       `mapstructure:"max_loss_per_setup_pct"`
	MaxTotalUnrealizedLossPct float64       `mapstructure:"max_total_unrealized_loss_pct"`
	DailyLossLimitPct         float64       `mapstructure:"daily_loss_limit_pct"`
	SessionStart              string        `mapstructure:"session_start"` // "HH:MM" local
	SessionEnd                string        `mapstructure:"session_end"`
	CheckInterval             time.Duration `mapstructure:"check_interval"`
	MarginWarnLevel           float64       `mapstructure:"margin_warn_level"`     // percent, e.g. 200
	MarginCriticalLevel       float64       `mapstructure:"margin_critical_level"` // percent, e.g. 150
	DrawdownWarnPct           float64       `mapstructure:"drawdown_warn_pct"`
	DrawdownCriticalPct       float64       `mapstructure:"drawdown_critical_pct"`
	MaxOpenPositions          int           `mapstructure:"max_open_positions"`
}

// RebalancerConfig controls the single-leg hedge corrector.
type RebalancerConfig struct {
	VolumeImbalanceThreshold float64       `mapstructure:"volume_imbalance_threshold"`
	MinAdjustmentInterval    time.Duration `mapstructure:"min_adjustment_interval"`
}

// FeatureConfig holds runtime-mutable feature flags.
type FeatureConfig struct {
	AttributionKillSwitch bool `mapstructure:"attribution_kill_switch"`
	LegacyCooldown        bool `mapstructure:"legacy_cooldown"`
}

// SystemConfig tunes worker cadences and queue sizing.
type SystemConfig struct {
	MonitorInterval     time.Duration `mapstructure:"monitor_interval"`
	AttributionInterval time.Duration `mapstructure:"attribution_interval"`
	QueueSize           int           `mapstructure:"queue_size"`
}

// CostConfig estimates transaction costs for attribution.
type CostConfig struct {
	CommissionPerLot float64 `mapstructure:"commission_per_lot"`
}

// StoreConfig sets where state and position data is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ControlConfig controls the operator HTTP command server.
type ControlConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// The broker token uses PAIR_BROKER_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PAIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if tok := os.Getenv("PAIR_BROKER_TOKEN"); tok != "" {
		cfg.Broker.Token = tok
	}
	if os.Getenv("PAIR_DRY_RUN") == "true" || os.Getenv("PAIR_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.timeout", 10*time.Second)
	v.SetDefault("broker.deviation", 20)
	v.SetDefault("model.window_bars", 240)
	v.SetDefault("model.bar_interval", time.Hour)
	v.SetDefault("model.update_interval", 5*time.Second)
	v.SetDefault("model.window_days", 30)
	v.SetDefault("trading.max_entries", 5)
	v.SetDefault("risk.check_interval", 5*time.Second)
	v.SetDefault("risk.session_start", "00:00")
	v.SetDefault("risk.session_end", "23:59")
	v.SetDefault("risk.margin_warn_level", 200)
	v.SetDefault("risk.margin_critical_level", 150)
	v.SetDefault("risk.drawdown_warn_pct", 10)
	v.SetDefault("risk.drawdown_critical_pct", 15)
	v.SetDefault("risk.max_open_positions", 20)
	v.SetDefault("rebalancer.min_adjustment_interval", time.Hour)
	v.SetDefault("system.monitor_interval", 10*time.Second)
	v.SetDefault("system.attribution_interval", time.Minute)
	v.SetDefault("system.queue_size", 64)
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if c.Broker.Magic == 0 {
		return fmt.Errorf("broker.magic is required (strategy tag)")
	}
	if c.Pair.PrimarySymbol == "" || c.Pair.SecondarySymbol == "" {
		return fmt.Errorf("pair.primary_symbol and pair.secondary_symbol are required")
	}
	if c.Pair.PrimarySymbol == c.Pair.SecondarySymbol {
		return fmt.Errorf("pair symbols must differ")
	}
	if c.Trading.EntryThreshold <= 0 {
		return fmt.Errorf("trading.entry_threshold must be > 0")
	}
	if c.Trading.ExitThreshold < 0 || c.Trading.ExitThreshold >= c.Trading.EntryThreshold {
		return fmt.Errorf("trading.exit_threshold must be in [0, entry_threshold)")
	}
	if c.Trading.ScaleInterval <= 0 {
		return fmt.Errorf("trading.scale_interval must be > 0")
	}
	if c.Trading.StopLossZScore <= c.Trading.EntryThreshold {
		return fmt.Errorf("trading.stop_loss_zscore must be > entry_threshold")
	}
	if c.Trading.InitialFraction <= 0 || c.Trading.InitialFraction > 1 {
		return fmt.Errorf("trading.initial_fraction must be in (0, 1]")
	}
	if c.Model.WindowBars < 2 {
		return fmt.Errorf("model.window_bars must be >= 2")
	}
	if c.Risk.MaxLossPerSetupPct <= 0 || c.Risk.MaxTotalUnrealizedLossPct <= 0 || c.Risk.DailyLossLimitPct <= 0 {
		return fmt.Errorf("risk percentage limits must be > 0")
	}
	if _, err := ParseSessionTime(c.Risk.SessionStart); err != nil {
		return fmt.Errorf("risk.session_start: %w", err)
	}
	if _, err := ParseSessionTime(c.Risk.SessionEnd); err != nil {
		return fmt.Errorf("risk.session_end: %w", err)
	}
	if c.Rebalancer.VolumeImbalanceThreshold <= 0 {
		return fmt.Errorf("rebalancer.volume_imbalance_threshold must be > 0")
	}
	return nil
}

// SessionClock is a parsed "HH:MM" wall-clock time.
type SessionClock struct {
	Hour   int
	Minute int
}

// ParseSessionTime parses "HH:MM".
func ParseSessionTime(s string) (SessionClock, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return SessionClock{}, fmt.Errorf("invalid session time %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return SessionClock{}, fmt.Errorf("session time %q out of range", s)
	}
	return SessionClock{Hour: h, Minute: m}, nil
}

// NextOccurrence returns the next instant strictly after now with the
// clock's hour and minute. Used for lock expiry (locked_until = next
// session start).
func (sc SessionClock) NextOccurrence(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), sc.Hour, sc.Minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// LastOccurrence returns the most recent instant at or before now with the
// clock's hour and minute. Used as the session start for daily accounting.
func (sc SessionClock) LastOccurrence(now time.Time) time.Time {
	last := time.Date(now.Year(), now.Month(), now.Day(), sc.Hour, sc.Minute, 0, 0, now.Location())
	if last.After(now) {
		last = last.AddDate(0, 0, -1)
	}
	return last
}

// RuntimeUpdate is a partial update of the runtime-mutable fields. Nil
// pointers leave the current value unchanged.
type RuntimeUpdate struct {
	ScaleInterval             *float64 `json:"scale_interval,omitempty"`
	EntryThreshold            *float64 `json:"entry_threshold,omitempty"`
	ExitThreshold             *float64 `json:"exit_threshold,omitempty"`
	StopLossZScore            *float64 `json:"stop_loss_zscore,omitempty"`
	MaxLossPerSetupPct        *float64 `json:"max_loss_per_setup_pct,omitempty"`
	MaxTotalUnrealizedLossPct *float64 `json:"max_total_unrealized_loss_pct,omitempty"`
	DailyLossLimitPct         *float64 `json:"daily_loss_limit_pct,omitempty"`
	AttributionKillSwitch     *bool    `json:"attribution_kill_switch,omitempty"`
	LegacyCooldown            *bool    `json:"legacy_cooldown,omitempty"`
}

// Apply merges the update into the config and reports whether the scale
// interval changed (callers recompute grid ladders when it did).
func (c *Config) Apply(u RuntimeUpdate) (scaleChanged bool) {
	if u.ScaleInterval != nil && *u.ScaleInterval > 0 && *u.ScaleInterval != c.Trading.ScaleInterval {
		c.Trading.ScaleInterval = *u.ScaleInterval
		scaleChanged = true
	}
	if u.EntryThreshold != nil && *u.EntryThreshold > 0 {
		c.Trading.EntryThreshold = *u.EntryThreshold
	}
	if u.ExitThreshold != nil && *u.ExitThreshold >= 0 {
		c.Trading.ExitThreshold = *u.ExitThreshold
	}
	if u.StopLossZScore != nil && *u.StopLossZScore > 0 {
		c.Trading.StopLossZScore = *u.StopLossZScore
	}
	if u.MaxLossPerSetupPct != nil && *u.MaxLossPerSetupPct > 0 {
		c.Risk.MaxLossPerSetupPct = *u.MaxLossPerSetupPct
	}
	if u.MaxTotalUnrealizedLossPct != nil && *u.MaxTotalUnrealizedLossPct > 0 {
		c.Risk.MaxTotalUnrealizedLossPct = *u.MaxTotalUnrealizedLossPct
	}
	if u.DailyLossLimitPct != nil && *u.DailyLossLimitPct > 0 {
		c.Risk.DailyLossLimitPct = *u.DailyLossLimitPct
	}
	if u.AttributionKillSwitch != nil {
		c.Features.AttributionKillSwitch = *u.AttributionKillSwitch
	}
	if u.LegacyCooldown != nil {
		c.Features.LegacyCooldown = *u.LegacyCooldown
	}
	return scaleChanged
}
