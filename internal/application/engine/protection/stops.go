package protection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/assetguard/internal/domain"
)

var one = decimal.NewFromInt(1)

// exit is the outcome of a stop check.
type exit int

const (
	exitNone  exit = iota // position kept
	exitSold              // sold and closed
	exitEmpty             // closed without a trade, nothing was held
)

// checkStops runs the emergency stop, then the dynamic stop.
func (e *Engine) checkStops(ctx context.Context, pos domain.ProtectedPosition, price decimal.Decimal) exit {
	if ex := e.checkEmergencyStop(ctx, pos, price); ex != exitNone {
		return ex
	}
	return e.checkDynamicStop(ctx, pos, price)
}

// checkEmergencyStop liquidates the whole position when the loss from entry
// reaches EmergencyStopLossPct.
func (e *Engine) checkEmergencyStop(ctx context.Context, pos domain.ProtectedPosition, price decimal.Decimal) exit {
	if !e.cfg.EmergencyStopLossPct.IsPositive() {
		return exitNone
	}
	loss := pos.DropPct(price)
	if loss.LessThan(e.cfg.EmergencyStopLossPct) {
		return exitNone
	}
	slog.Warn("protection: emergency stop triggered", "market", pos.Market,
		"loss_pct", loss.StringFixed(2), "threshold_pct", e.cfg.EmergencyStopLossPct.String())

	reason := fmt.Sprintf("emergency stop: loss %s%% >= %s%%", loss.StringFixed(2), e.cfg.EmergencyStopLossPct.String())
	return e.exitPosition(ctx, pos.Market, domain.TradeEmergencyStop, reason)
}

// checkDynamicStop liquidates the whole position when the loss from entry
// reaches the volatility-adjusted stop of the position.
func (e *Engine) checkDynamicStop(ctx context.Context, pos domain.ProtectedPosition, price decimal.Decimal) exit {
	if !pos.CurrentStopLossPct.IsPositive() {
		return exitNone
	}
	loss := pos.DropPct(price)
	if loss.LessThan(pos.CurrentStopLossPct) {
		return exitNone
	}
	slog.Warn("protection: stop loss triggered", "market", pos.Market,
		"loss_pct", loss.StringFixed(2), "stop_pct", pos.CurrentStopLossPct.StringFixed(2))

	reason := fmt.Sprintf("stop loss: loss %s%% >= %s%%", loss.StringFixed(2), pos.CurrentStopLossPct.StringFixed(2))
	return e.exitPosition(ctx, pos.Market, domain.TradeStopLoss, reason)
}

// exitPosition sells the full balance and ends the position's lifecycle. A
// position with nothing left to sell is closed without an order.
func (e *Engine) exitPosition(ctx context.Context, market string, tradeType domain.TradeType, reason string) exit {
	f, ok, err := e.sell(ctx, sellOrder{
		market:    market,
		fraction:  one,
		tradeType: tradeType,
		reason:    reason,
	})
	if err != nil {
		slog.Error("protection: exit sell failed", "market", market, "type", tradeType, "err", err)
		return exitNone
	}
	e.ledger.RemovePosition(market)
	e.enhanced.Reset(market)
	if !ok {
		slog.Warn("protection: position closed, nothing held on the exchange", "market", market, "type", tradeType)
		return exitEmpty
	}
	slog.Warn("protection: position closed", "market", market, "type", tradeType,
		"price", f.price.StringFixed(2), "proceeds_eur", f.amountEUR.StringFixed(2))
	return exitSold
}
