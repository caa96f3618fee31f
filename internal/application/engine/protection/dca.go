package protection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/assetguard/internal/domain"
)

// checkDCA buys the dip at every uncompleted level whose drop threshold has
// been reached. Each level fires once.
func (e *Engine) checkDCA(ctx context.Context, market string, price decimal.Decimal) int {
	if !e.cfg.DCAEnabled || len(e.cfg.DCALevels) == 0 {
		return 0
	}
	trades := 0
	for i, level := range e.cfg.DCALevels {
		idx := i + 1
		pos, ok := e.ledger.Position(market)
		if !ok {
			return trades
		}
		drop := pos.DropPct(price)
		if drop.LessThan(level.ThresholdPct) {
			break
		}
		if pos.CompletedDCALevels.Has(idx) {
			continue
		}
		if ok, why := e.dcaEligible(pos, drop); !ok {
			slog.Info("protection: dca skipped", "market", market, "level", idx, "reason", why)
			return trades
		}

		base := e.budget.Max().Mul(level.Allocation)
		multiplier, trend := e.momentumMultiplier(market)
		amount := base.Mul(multiplier).Round(2)

		if ok, why := e.withinPositionCap(pos, amount); !ok {
			slog.Info("protection: dca skipped", "market", market, "level", idx, "reason", why)
			continue
		}

		reason := fmt.Sprintf("DCA level %d: %s%% drop (%s)", idx, drop.StringFixed(1), trend)
		f, ok, err := e.buy(ctx, buyOrder{market: market, amountEUR: amount, tradeType: domain.TradeDCABuy, reason: reason})
		if err != nil {
			slog.Warn("protection: dca buy failed", "market", market, "level", idx, "err", err)
			return trades
		}
		if !ok {
			return trades
		}
		_ = e.ledger.MarkLevelCompleted(market, idx, domain.LevelDCA)
		slog.Info("protection: dca buy executed", "market", market, "level", idx,
			"amount_eur", f.amountEUR.StringFixed(2), "price", f.price.StringFixed(2), "momentum", trend)
		trades++
	}
	return trades
}

// dcaEligible applies the loss circuit breaker: past LossCircuitBreakerPct of
// loss the engine stops averaging down.
func (e *Engine) dcaEligible(pos domain.ProtectedPosition, drop decimal.Decimal) (bool, string) {
	if e.cfg.LossCircuitBreakerEnabled && e.cfg.LossCircuitBreakerPct.IsPositive() &&
		drop.GreaterThanOrEqual(e.cfg.LossCircuitBreakerPct) {
		return false, fmt.Sprintf("loss circuit breaker: %s%% >= %s%%", drop.StringFixed(1), e.cfg.LossCircuitBreakerPct.String())
	}
	return true, ""
}

// withinPositionCap rejects buys that would take the position value above
// TotalInvested × MaxPositionMultiplier.
func (e *Engine) withinPositionCap(pos domain.ProtectedPosition, amount decimal.Decimal) (bool, string) {
	limit := pos.TotalInvested.Mul(e.cfg.MaxPositionMultiplier)
	after := pos.CurrentPositionValue.Add(amount)
	if after.GreaterThan(limit) {
		return false, fmt.Sprintf("position cap: %s > %s EUR", after.StringFixed(2), limit.StringFixed(2))
	}
	return true, ""
}

// momentumMultiplier scales DCA amounts by the recent trend: smaller while
// the price keeps falling, larger once it bounces. Without enough history the
// amount is left unchanged.
func (e *Engine) momentumMultiplier(market string) (decimal.Decimal, string) {
	threshold := e.cfg.DCAMomentumThreshold
	if !threshold.IsPositive() {
		return one, "momentum off"
	}
	momentum, ok := e.ledger.PriceMomentum(market, e.cfg.DCAMomentumWindow)
	if !ok {
		return one, "no momentum data"
	}
	switch {
	case momentum.LessThanOrEqual(threshold.Neg()):
		return e.cfg.DCAFallingMultiplier, "falling " + momentum.StringFixed(2) + "%"
	case momentum.GreaterThanOrEqual(threshold):
		return e.cfg.DCABouncingMultiplier, "bouncing " + momentum.StringFixed(2) + "%"
	}
	return one, "flat " + momentum.StringFixed(2) + "%"
}
