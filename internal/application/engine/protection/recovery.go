package protection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/assetguard/internal/domain"
)

// checkRecovery spends part of the swing reserve once per tracking cycle when
// the price bounces off a deep enough low. The cycle restarts when the price
// climbs back to the entry.
func (e *Engine) checkRecovery(ctx context.Context, market string, price decimal.Decimal) int {
	if !e.cfg.RecoveryEnabled {
		return 0
	}
	pos, ok := e.ledger.Position(market)
	if !ok {
		return 0
	}
	lowest := pos.LowestPriceSinceEntry
	if !lowest.IsPositive() {
		return 0
	}

	if price.GreaterThanOrEqual(pos.EntryPrice) {
		if pos.RecoveryRebuyCompleted || lowest.LessThan(pos.EntryPrice) {
			_ = e.ledger.ResetRecoveryTracking(market, price)
		}
		return 0
	}
	if pos.RecoveryRebuyCompleted {
		return 0
	}

	depth := pos.DropPct(lowest)
	if depth.LessThan(e.cfg.MinRecoveryThresholdPct) {
		return 0
	}
	bounce := domain.ChangePct(lowest, price)
	if bounce.LessThan(e.cfg.RecoveryBouncePct) {
		return 0
	}

	amount := pos.SwingCashReserve.Mul(e.cfg.RecoveryRebuyAllocation).Round(2)
	if !amount.IsPositive() {
		slog.Debug("protection: recovery rebuy skipped, empty reserve", "market", market)
		return 0
	}
	if ok, why := e.withinPositionCap(pos, amount); !ok {
		slog.Info("protection: recovery rebuy skipped", "market", market, "reason", why)
		return 0
	}
	if err := e.ledger.UseSwingCashReserve(market, amount); err != nil {
		return 0
	}

	reason := fmt.Sprintf("Recovery rebuy: %s%% bounce off %s low (%s%% below entry)",
		bounce.StringFixed(1), lowest.StringFixed(2), depth.StringFixed(1))
	f, ok, err := e.buy(ctx, buyOrder{market: market, amountEUR: amount, tradeType: domain.TradeRecoveryRebuy, reason: reason})
	if err != nil || !ok {
		_ = e.ledger.AddSwingCashReserve(market, amount)
		if err != nil {
			slog.Warn("protection: recovery rebuy failed, reserve refunded", "market", market, "err", err)
		}
		return 0
	}
	_ = e.ledger.MarkRecoveryRebuyCompleted(market)

	slog.Info("protection: recovery rebuy executed", "market", market,
		"amount_eur", f.amountEUR.StringFixed(2), "price", f.price.StringFixed(2), "bounce_pct", bounce.StringFixed(2))
	return 1
}
