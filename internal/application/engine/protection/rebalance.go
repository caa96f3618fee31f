package protection

import (
	"log/slog"

	"github.com/alejandrodnm/assetguard/internal/domain"
)

// checkRebalancing reports positions whose share of the portfolio value has
// drifted from their target allocation by at least DriftThresholdPct
// percentage points. It never places orders.
func (e *Engine) checkRebalancing() []domain.AllocationDrift {
	positions := e.ledger.Positions()
	summary := e.ledger.PortfolioSummary()
	total := summary.TotalCurrentValue

	var drift []domain.AllocationDrift
	if total.IsPositive() {
		for _, pos := range positions {
			if !pos.TargetAllocationPct.Valid {
				continue
			}
			target := pos.TargetAllocationPct.Decimal
			actual := pos.CurrentPositionValue.Div(total).Mul(domain.Hundred)
			d := actual.Sub(target).Abs()
			if d.LessThan(e.cfg.Rebalancing.DriftThresholdPct) {
				continue
			}
			slog.Info("protection: rebalancing needed", "market", pos.Market,
				"actual_pct", actual.StringFixed(1), "target_pct", target.StringFixed(1), "drift_pct", d.StringFixed(1))
			drift = append(drift, domain.AllocationDrift{
				Market:    pos.Market,
				TargetPct: target,
				ActualPct: actual,
				DriftPct:  d,
			})
		}
	}

	e.stateMu.Lock()
	e.drift = drift
	e.stateMu.Unlock()
	return drift
}
