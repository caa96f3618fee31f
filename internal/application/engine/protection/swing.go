package protection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/assetguard/internal/domain"
)

// checkSwing walks the swing ladder. Drops are measured from the swing entry
// price, which rebases to the fill price after every swing sell.
func (e *Engine) checkSwing(ctx context.Context, market string, price decimal.Decimal) int {
	if !e.cfg.SwingEnabled || len(e.cfg.SwingLevels) == 0 {
		return 0
	}
	trades := 0
	for i, level := range e.cfg.SwingLevels {
		idx := i + 1
		pos, ok := e.ledger.Position(market)
		if !ok {
			return trades
		}
		if !e.ledger.CanTradeToday(market, e.cfg.MaxDailyTrades) {
			return trades
		}
		swingDrop := domain.DropPct(pos.SwingEntryPrice, price)

		var done bool
		switch level.Action {
		case domain.SwingSell:
			if swingDrop.LessThan(level.ThresholdPct) || pos.CompletedSwingSellLevels.Has(idx) {
				continue
			}
			done = e.swingSell(ctx, pos, idx, level, swingDrop)
		case domain.SwingRebuy:
			if pos.CompletedSwingRebuyLevels.Has(idx) {
				continue
			}
			threshold := e.rebuyThreshold(pos, price, level.ThresholdPct)
			if swingDrop.LessThan(threshold) {
				continue
			}
			done = e.swingRebuy(ctx, pos, idx, level, swingDrop)
		default:
			slog.Warn("protection: unknown swing action", "market", market, "level", idx, "action", level.Action)
			continue
		}
		if done {
			trades++
		}
	}
	return trades
}

// rebuyThreshold raises the rebuy threshold while the price sits more than
// DowntrendDropPct below the original entry.
func (e *Engine) rebuyThreshold(pos domain.ProtectedPosition, price, threshold decimal.Decimal) decimal.Decimal {
	if pos.DropPct(price).GreaterThan(e.cfg.DowntrendDropPct) {
		return decimal.Max(threshold, e.cfg.DowntrendMinRebuyPct)
	}
	return threshold
}

func (e *Engine) swingSell(ctx context.Context, pos domain.ProtectedPosition, idx int, level domain.SwingLevel, drop decimal.Decimal) bool {
	reason := fmt.Sprintf("Swing sell level %d: %s%% below swing entry", idx, drop.StringFixed(1))
	f, ok, err := e.sell(ctx, sellOrder{
		market:    pos.Market,
		fraction:  level.Allocation,
		tradeType: domain.TradeSwingSell,
		reason:    reason,
	})
	if err != nil {
		slog.Warn("protection: swing sell failed", "market", pos.Market, "level", idx, "err", err)
		return false
	}
	if !ok {
		return false
	}

	reserved := f.amountEUR.Mul(e.cfg.SwingCashReservePct).Div(domain.Hundred).Round(2)
	if reserved.IsPositive() {
		_ = e.ledger.AddSwingCashReserve(pos.Market, reserved)
	}
	_ = e.ledger.UpdateSwingEntryPrice(pos.Market, f.price)
	_ = e.ledger.MarkLevelCompleted(pos.Market, idx, domain.LevelSwingSell)

	slog.Info("protection: swing sell executed", "market", pos.Market, "level", idx,
		"proceeds_eur", f.amountEUR.StringFixed(2), "reserved_eur", reserved.StringFixed(2), "new_swing_entry", f.price.StringFixed(2))
	return true
}

// swingRebuy spends part of the swing reserve. The reserve is debited first
// and refunded when the buy does not go through.
func (e *Engine) swingRebuy(ctx context.Context, pos domain.ProtectedPosition, idx int, level domain.SwingLevel, drop decimal.Decimal) bool {
	amount := pos.SwingCashReserve.Mul(level.Allocation).Round(2)
	if !amount.IsPositive() {
		slog.Debug("protection: swing rebuy skipped, empty reserve", "market", pos.Market, "level", idx)
		return false
	}
	if err := e.ledger.UseSwingCashReserve(pos.Market, amount); err != nil {
		if errors.Is(err, domain.ErrInsufficientReserve) {
			slog.Debug("protection: swing rebuy skipped, insufficient reserve", "market", pos.Market, "level", idx)
		}
		return false
	}

	reason := fmt.Sprintf("Swing rebuy level %d: %s%% below swing entry", idx, drop.StringFixed(1))
	f, ok, err := e.buy(ctx, buyOrder{market: pos.Market, amountEUR: amount, tradeType: domain.TradeSwingRebuy, reason: reason})
	if err != nil || !ok {
		_ = e.ledger.AddSwingCashReserve(pos.Market, amount)
		if err != nil {
			slog.Warn("protection: swing rebuy failed, reserve refunded", "market", pos.Market, "level", idx, "err", err)
		}
		return false
	}
	_ = e.ledger.MarkLevelCompleted(pos.Market, idx, domain.LevelSwingRebuy)

	slog.Info("protection: swing rebuy executed", "market", pos.Market, "level", idx,
		"amount_eur", f.amountEUR.StringFixed(2), "price", f.price.StringFixed(2))
	return true
}
