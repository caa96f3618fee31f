package protection

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
)

// refreshVolatilityStops asks the volatility provider for a new stop for
// every position whose last check is older than VolatilityRefresh. The stop
// only changes when it moves by more than one percentage point.
func (e *Engine) refreshVolatilityStops(ctx context.Context) int {
	if e.volatility == nil {
		return 0
	}
	updated := 0
	now := e.now()
	for _, pos := range e.ledger.Positions() {
		if ctx.Err() != nil {
			return updated
		}
		if pos.LastVolatilityCheck != nil && now.Sub(*pos.LastVolatilityCheck) < e.cfg.VolatilityRefresh {
			continue
		}

		pct, err := e.volatility.VolatilityAdjustedStopLoss(ctx, pos.Market,
			e.cfg.BaseStopLossPct, e.cfg.VolatilityMultiplier, e.cfg.VolatilityWindow)
		if err != nil {
			slog.Warn("protection: volatility unavailable, keeping stop", "market", pos.Market, "err", err)
			_ = e.ledger.MarkVolatilityChecked(pos.Market)
			continue
		}
		pct = clampStop(pct)

		if pct.Sub(pos.CurrentStopLossPct).Abs().LessThanOrEqual(minStopChangePct) {
			_ = e.ledger.MarkVolatilityChecked(pos.Market)
			continue
		}
		if err := e.ledger.UpdateStopLoss(pos.Market, pct); err != nil {
			continue
		}
		slog.Info("protection: stop loss updated", "market", pos.Market,
			"from_pct", pos.CurrentStopLossPct.StringFixed(1), "to_pct", pct.StringFixed(1))
		updated++
	}
	return updated
}

func clampStop(pct decimal.Decimal) decimal.Decimal {
	return decimal.Min(maxStopLossPct, decimal.Max(minStopLossPct, pct))
}
