package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/assetguard/internal/domain"
)

// Config is the full configuration of the guard.
type Config struct {
	Protection      ProtectionConfig `yaml:"protection"`
	CircuitBreakers BreakersConfig   `yaml:"circuit_breakers"`
	Exchange        ExchangeConfig   `yaml:"exchange"`
	Storage         StorageConfig    `yaml:"storage"`
	Log             LogConfig        `yaml:"log"`
}

// ProtectionConfig holds every rule threshold. Percentages are plain
// numbers (15 = 15%); allocations and fractions are ratios (0.3 = 30%).
type ProtectionConfig struct {
	Enabled                bool               `yaml:"enabled"`
	Markets                []string           `yaml:"markets"`
	TargetAllocations      map[string]float64 `yaml:"target_allocations"` // percent of portfolio value
	CheckIntervalSeconds   int                `yaml:"check_interval_seconds"`
	MaxDailyBudgetEUR      float64            `yaml:"max_daily_budget_eur"`
	MaxDailyTrades         int                `yaml:"max_daily_trades"`
	EmergencyStopLossPct   float64            `yaml:"emergency_stop_loss_pct"`
	BaseStopLossPct        float64            `yaml:"base_stop_loss_pct"`
	VolatilityMultiplier   float64            `yaml:"volatility_multiplier"`
	VolatilityWindowHours  int                `yaml:"volatility_window_hours"`
	VolatilityRefreshHours int                `yaml:"volatility_refresh_hours"`
	MaxPositionMultiplier  float64            `yaml:"max_position_multiplier"`

	DCA                DCAConfig          `yaml:"dca"`
	LossCircuitBreaker LossBreakerConfig  `yaml:"loss_circuit_breaker"`
	ProfitTaking       ProfitTakingConfig `yaml:"profit_taking"`
	Swing              SwingConfig        `yaml:"swing"`
	Recovery           RecoveryConfig     `yaml:"recovery"`
	Rebalancing        RebalancingConfig  `yaml:"rebalancing"`
	Enhanced           EnhancedConfig     `yaml:"enhanced"`
}

// DCAConfig is the dip-buying ladder and its momentum adjustment.
type DCAConfig struct {
	Enabled              bool       `yaml:"enabled"`
	Levels               []DipLevel `yaml:"levels"`
	MomentumHours        float64    `yaml:"momentum_hours"`
	MomentumThresholdPct float64    `yaml:"momentum_threshold_pct"`
	FallingMultiplier    float64    `yaml:"falling_multiplier"`
	BouncingMultiplier   float64    `yaml:"bouncing_multiplier"`
}

// DipLevel buys allocation × daily budget once the drop reaches threshold_pct.
type DipLevel struct {
	ThresholdPct float64 `yaml:"threshold_pct"`
	Allocation   float64 `yaml:"allocation"`
}

// LossBreakerConfig stops DCA past a given loss.
type LossBreakerConfig struct {
	Enabled bool    `yaml:"enabled"`
	Pct     float64 `yaml:"pct"`
}

// ProfitTakingConfig is the profit ladder.
type ProfitTakingConfig struct {
	Enabled bool          `yaml:"enabled"`
	Levels  []ProfitLevel `yaml:"levels"`
}

// ProfitLevel sells position_fraction of the balance at threshold_pct gain.
type ProfitLevel struct {
	ThresholdPct     float64 `yaml:"threshold_pct"`
	PositionFraction float64 `yaml:"position_fraction"`
}

// SwingConfig is the swing sell/rebuy ladder.
type SwingConfig struct {
	Enabled              bool         `yaml:"enabled"`
	Levels               []SwingLevel `yaml:"levels"`
	CashReservePct       float64      `yaml:"cash_reserve_pct"`
	DowntrendDropPct     float64      `yaml:"downtrend_drop_pct"`
	DowntrendMinRebuyPct float64      `yaml:"downtrend_min_rebuy_pct"`
}

// SwingLevel is one swing rung; action is "sell" or "rebuy".
type SwingLevel struct {
	ThresholdPct float64 `yaml:"threshold_pct"`
	Action       string  `yaml:"action"`
	Allocation   float64 `yaml:"allocation"`
}

// RecoveryConfig controls the bounce rebuy.
type RecoveryConfig struct {
	Enabled         bool    `yaml:"enabled"`
	MinThresholdPct float64 `yaml:"min_threshold_pct"`
	BouncePct       float64 `yaml:"bounce_pct"`
	RebuyAllocation float64 `yaml:"rebuy_allocation"`
}

// RebalancingConfig controls the allocation drift report.
type RebalancingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	DriftThresholdPct float64 `yaml:"drift_threshold_pct"`
}

// EnhancedConfig controls trailing profit taking and buybacks.
type EnhancedConfig struct {
	Enabled              bool    `yaml:"enabled"`
	TrailingStartGainPct float64 `yaml:"trailing_start_gain_pct"`
	TrailingDistancePct  float64 `yaml:"trailing_distance_pct"`
	TrailingIncrementPct float64 `yaml:"trailing_increment_pct"`
	MaxTrailingSells     int     `yaml:"max_trailing_sells"`
	MinTradeValueEUR     float64 `yaml:"min_trade_value_eur"`
	MinMovePct           float64 `yaml:"min_move_pct"`
	BuybackTolerancePct  float64 `yaml:"buyback_tolerance_pct"`
	BuybackDiscountPct   float64 `yaml:"buyback_discount_pct"`
	BuybackSharePct      float64 `yaml:"buyback_share_pct"`
}

// BreakersConfig overrides the circuit breaker presets. Zero fields keep the preset.
type BreakersConfig struct {
	Price   BreakerConfig `yaml:"price"`
	Balance BreakerConfig `yaml:"balance"`
	Order   BreakerConfig `yaml:"order"`
}

// BreakerConfig tunes one breaker.
type BreakerConfig struct {
	FailureThreshold        int `yaml:"failure_threshold"`
	SuccessThreshold        int `yaml:"success_threshold"`
	RecoveryTimeoutSeconds  int `yaml:"recovery_timeout_seconds"`
	MonitoringWindowSeconds int `yaml:"monitoring_window_seconds"`
}

// ExchangeConfig holds the exchange endpoint and credentials.
type ExchangeConfig struct {
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	APISecret      string  `yaml:"api_secret"`
	OperatorID     string  `yaml:"operator_id"`
	AccessWindowMS int     `yaml:"access_window_ms"`
	RatePerSec     float64 `yaml:"rate_per_sec"`
	PaperCashEUR   float64 `yaml:"paper_cash_eur"` // starting EUR balance in -paper mode
}

// StorageConfig controls where state is persisted.
type StorageConfig struct {
	LedgerPath string `yaml:"ledger_path"` // JSON ledger of protected positions
	JournalDSN string `yaml:"journal_dsn"` // SQLite trade journal, or ":memory:"
}

// LogConfig controls log format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file and the .env file if present. Environment
// variables override the YAML values they correspond to.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// CheckInterval returns the polling interval.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Protection.CheckIntervalSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("BITVAVO_API_KEY"); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := os.Getenv("BITVAVO_API_SECRET"); v != "" {
		cfg.Exchange.APISecret = v
	}
	if v := os.Getenv("BITVAVO_OPERATOR_ID"); v != "" {
		cfg.Exchange.OperatorID = v
	}
	if v := os.Getenv("ASSETGUARD_MAX_DAILY_BUDGET"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("ASSETGUARD_MAX_DAILY_BUDGET: %w", err)
		}
		cfg.Protection.MaxDailyBudgetEUR = f
	}
	return nil
}

func setDefaults(cfg *Config) {
	p := &cfg.Protection
	if p.CheckIntervalSeconds <= 0 {
		p.CheckIntervalSeconds = 30
	}
	if p.MaxDailyBudgetEUR <= 0 {
		p.MaxDailyBudgetEUR = 100
	}
	if p.MaxDailyTrades <= 0 {
		p.MaxDailyTrades = 10
	}
	if p.EmergencyStopLossPct <= 0 {
		p.EmergencyStopLossPct = 25
	}
	if p.BaseStopLossPct <= 0 {
		p.BaseStopLossPct = 15
	}
	if p.VolatilityMultiplier <= 0 {
		p.VolatilityMultiplier = 1.5
	}
	if p.VolatilityWindowHours <= 0 {
		p.VolatilityWindowHours = 24
	}
	if p.VolatilityRefreshHours <= 0 {
		p.VolatilityRefreshHours = 4
	}
	if p.MaxPositionMultiplier <= 0 {
		p.MaxPositionMultiplier = 2
	}
	if p.DCA.MomentumHours <= 0 {
		p.DCA.MomentumHours = 1
	}
	if p.DCA.MomentumThresholdPct <= 0 {
		p.DCA.MomentumThresholdPct = 0.5
	}
	if p.DCA.FallingMultiplier <= 0 {
		p.DCA.FallingMultiplier = 0.5
	}
	if p.DCA.BouncingMultiplier <= 0 {
		p.DCA.BouncingMultiplier = 1.5
	}
	if p.Swing.CashReservePct <= 0 {
		p.Swing.CashReservePct = 80
	}
	if p.Swing.DowntrendDropPct <= 0 {
		p.Swing.DowntrendDropPct = 15
	}
	if p.Swing.DowntrendMinRebuyPct <= 0 {
		p.Swing.DowntrendMinRebuyPct = 35
	}
	if p.Recovery.MinThresholdPct <= 0 {
		p.Recovery.MinThresholdPct = 10
	}
	if p.Recovery.BouncePct <= 0 {
		p.Recovery.BouncePct = 5
	}
	if p.Recovery.RebuyAllocation <= 0 {
		p.Recovery.RebuyAllocation = 0.5
	}
	if p.Rebalancing.DriftThresholdPct <= 0 {
		p.Rebalancing.DriftThresholdPct = 10
	}
	if cfg.Exchange.BaseURL == "" {
		cfg.Exchange.BaseURL = "https://api.bitvavo.com/v2"
	}
	if cfg.Exchange.PaperCashEUR <= 0 {
		cfg.Exchange.PaperCashEUR = 1000
	}
	if cfg.Storage.LedgerPath == "" {
		cfg.Storage.LedgerPath = "data/protected_assets.json"
	}
	if cfg.Storage.JournalDSN == "" {
		cfg.Storage.JournalDSN = "data/assetguard.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	p := c.Protection

	for _, m := range p.Markets {
		if !domain.ValidMarket(m) {
			errs = append(errs, fmt.Errorf("protection.markets: invalid market %q", m))
		}
	}
	for m, pct := range p.TargetAllocations {
		if !domain.ValidMarket(m) {
			errs = append(errs, fmt.Errorf("protection.target_allocations: invalid market %q", m))
		}
		if pct <= 0 || pct > 100 {
			errs = append(errs, fmt.Errorf("protection.target_allocations[%s]: %v not in (0, 100]", m, pct))
		}
	}
	for i, l := range p.DCA.Levels {
		if l.ThresholdPct <= 0 {
			errs = append(errs, fmt.Errorf("protection.dca.levels[%d]: threshold_pct must be positive", i))
		}
		if l.Allocation <= 0 || l.Allocation > 1 {
			errs = append(errs, fmt.Errorf("protection.dca.levels[%d]: allocation %v not in (0, 1]", i, l.Allocation))
		}
	}
	for i, l := range p.ProfitTaking.Levels {
		if l.ThresholdPct <= 0 {
			errs = append(errs, fmt.Errorf("protection.profit_taking.levels[%d]: threshold_pct must be positive", i))
		}
		if l.PositionFraction <= 0 || l.PositionFraction > 1 {
			errs = append(errs, fmt.Errorf("protection.profit_taking.levels[%d]: position_fraction %v not in (0, 1]", i, l.PositionFraction))
		}
	}
	for i, l := range p.Swing.Levels {
		if l.Action != "sell" && l.Action != "rebuy" {
			errs = append(errs, fmt.Errorf("protection.swing.levels[%d]: action %q must be sell or rebuy", i, l.Action))
		}
		if l.ThresholdPct <= 0 {
			errs = append(errs, fmt.Errorf("protection.swing.levels[%d]: threshold_pct must be positive", i))
		}
		if l.Allocation <= 0 || l.Allocation > 1 {
			errs = append(errs, fmt.Errorf("protection.swing.levels[%d]: allocation %v not in (0, 1]", i, l.Allocation))
		}
	}
	if p.Swing.CashReservePct > 100 {
		errs = append(errs, fmt.Errorf("protection.swing.cash_reserve_pct: %v above 100", p.Swing.CashReservePct))
	}
	if p.Recovery.RebuyAllocation > 1 {
		errs = append(errs, fmt.Errorf("protection.recovery.rebuy_allocation: %v above 1", p.Recovery.RebuyAllocation))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}
