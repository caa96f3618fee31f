package protection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/assetguard/internal/domain"
)

// checkProfitTaking sells PositionFraction of the current balance at every
// uncompleted profit level whose gain threshold has been reached.
func (e *Engine) checkProfitTaking(ctx context.Context, market string, price decimal.Decimal) int {
	if !e.cfg.ProfitTakingEnabled || len(e.cfg.ProfitLevels) == 0 {
		return 0
	}
	trades := 0
	for i, level := range e.cfg.ProfitLevels {
		idx := i + 1
		pos, ok := e.ledger.Position(market)
		if !ok {
			return trades
		}
		gain := pos.GainPct(price)
		if gain.LessThan(level.ThresholdPct) {
			break
		}
		if pos.CompletedProfitLevels.Has(idx) {
			continue
		}
		if !e.ledger.CanTradeToday(market, e.cfg.MaxDailyTrades) {
			return trades
		}

		reason := fmt.Sprintf("Profit level %d: %s%% gain", idx, gain.StringFixed(1))
		f, ok, err := e.sell(ctx, sellOrder{
			market:    market,
			fraction:  level.PositionFraction,
			tradeType: domain.TradeProfitSell,
			reason:    reason,
		})
		if err != nil {
			slog.Warn("protection: profit sell failed", "market", market, "level", idx, "err", err)
			return trades
		}
		if !ok {
			return trades
		}
		_ = e.ledger.MarkLevelCompleted(market, idx, domain.LevelProfit)
		slog.Info("protection: profit taken", "market", market, "level", idx,
			"fraction", level.PositionFraction.String(), "proceeds_eur", f.amountEUR.StringFixed(2))
		trades++
	}
	return trades
}
