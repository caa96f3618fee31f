package main

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/assetguard/config"
	"github.com/alejandrodnm/assetguard/internal/application/engine/protection"
	"github.com/alejandrodnm/assetguard/internal/circuit"
	"github.com/alejandrodnm/assetguard/internal/domain"
)

// engineConfig converts the YAML settings into engine thresholds. Money and
// percentages become decimals here, once.
func engineConfig(cfg *config.Config) protection.Config {
	p := cfg.Protection
	d := decimal.NewFromFloat

	targets := make(map[string]decimal.Decimal, len(p.TargetAllocations))
	for market, pct := range p.TargetAllocations {
		targets[market] = d(pct)
	}

	dca := make([]domain.DipLevel, 0, len(p.DCA.Levels))
	for _, l := range p.DCA.Levels {
		dca = append(dca, domain.DipLevel{ThresholdPct: d(l.ThresholdPct), Allocation: d(l.Allocation)})
	}
	profit := make([]domain.ProfitLevel, 0, len(p.ProfitTaking.Levels))
	for _, l := range p.ProfitTaking.Levels {
		profit = append(profit, domain.ProfitLevel{ThresholdPct: d(l.ThresholdPct), PositionFraction: d(l.PositionFraction)})
	}
	swing := make([]domain.SwingLevel, 0, len(p.Swing.Levels))
	for _, l := range p.Swing.Levels {
		swing = append(swing, domain.SwingLevel{
			ThresholdPct: d(l.ThresholdPct),
			Action:       domain.SwingAction(l.Action),
			Allocation:   d(l.Allocation),
		})
	}

	e := p.Enhanced
	return protection.Config{
		Enabled:           p.Enabled,
		Markets:           p.Markets,
		TargetAllocations: targets,
		CheckInterval:     cfg.CheckInterval(),
		MaxDailyTrades:    p.MaxDailyTrades,
		OperatorID:        cfg.Exchange.OperatorID,

		EmergencyStopLossPct: d(p.EmergencyStopLossPct),
		BaseStopLossPct:      d(p.BaseStopLossPct),
		VolatilityMultiplier: d(p.VolatilityMultiplier),
		VolatilityWindow:     time.Duration(p.VolatilityWindowHours) * time.Hour,
		VolatilityRefresh:    time.Duration(p.VolatilityRefreshHours) * time.Hour,

		DCAEnabled:            p.DCA.Enabled,
		DCALevels:             dca,
		DCAMomentumWindow:     time.Duration(p.DCA.MomentumHours * float64(time.Hour)),
		DCAMomentumThreshold:  d(p.DCA.MomentumThresholdPct),
		DCAFallingMultiplier:  d(p.DCA.FallingMultiplier),
		DCABouncingMultiplier: d(p.DCA.BouncingMultiplier),

		LossCircuitBreakerEnabled: p.LossCircuitBreaker.Enabled,
		LossCircuitBreakerPct:     d(p.LossCircuitBreaker.Pct),
		MaxPositionMultiplier:     d(p.MaxPositionMultiplier),

		ProfitTakingEnabled: p.ProfitTaking.Enabled,
		ProfitLevels:        profit,

		SwingEnabled:         p.Swing.Enabled,
		SwingLevels:          swing,
		SwingCashReservePct:  d(p.Swing.CashReservePct),
		DowntrendDropPct:     d(p.Swing.DowntrendDropPct),
		DowntrendMinRebuyPct: d(p.Swing.DowntrendMinRebuyPct),

		RecoveryEnabled:         p.Recovery.Enabled,
		MinRecoveryThresholdPct: d(p.Recovery.MinThresholdPct),
		RecoveryBouncePct:       d(p.Recovery.BouncePct),
		RecoveryRebuyAllocation: d(p.Recovery.RebuyAllocation),

		Rebalancing: protection.RebalanceConfig{
			Enabled:           p.Rebalancing.Enabled,
			DriftThresholdPct: d(p.Rebalancing.DriftThresholdPct),
		},
		Enhanced: protection.EnhancedConfig{
			Enabled:              e.Enabled,
			TrailingStartGainPct: d(e.TrailingStartGainPct),
			TrailingDistancePct:  d(e.TrailingDistancePct),
			TrailingIncrementPct: d(e.TrailingIncrementPct),
			MaxTrailingSells:     e.MaxTrailingSells,
			MinTradeValueEUR:     d(e.MinTradeValueEUR),
			MinMovePct:           d(e.MinMovePct),
			BuybackTolerancePct:  d(e.BuybackTolerancePct),
			BuybackDiscountPct:   d(e.BuybackDiscountPct),
			BuybackSharePct:      d(e.BuybackSharePct),
		},
	}
}

// newBreaker applies the configured overrides on top of the preset for name.
func newBreaker(name string, c config.BreakerConfig) *circuit.Breaker {
	var preset circuit.Config
	switch name {
	case "price":
		preset = circuit.PriceConfig()
	case "balance":
		preset = circuit.BalanceConfig()
	default:
		preset = circuit.OrderConfig()
	}
	if c.FailureThreshold > 0 {
		preset.FailureThreshold = c.FailureThreshold
	}
	if c.SuccessThreshold > 0 {
		preset.SuccessThreshold = c.SuccessThreshold
	}
	if c.RecoveryTimeoutSeconds > 0 {
		preset.RecoveryTimeout = time.Duration(c.RecoveryTimeoutSeconds) * time.Second
	}
	if c.MonitoringWindowSeconds > 0 {
		preset.MonitoringWindow = time.Duration(c.MonitoringWindowSeconds) * time.Second
	}
	return circuit.New(name, preset)
}
