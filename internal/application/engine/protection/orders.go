package protection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/assetguard/internal/circuit"
	"github.com/alejandrodnm/assetguard/internal/domain"
)

const cryptoPrecision = 8

type tickerPrice struct {
	Market string          `json:"market"`
	Price  decimal.Decimal `json:"price"`
}

type balanceEntry struct {
	Symbol    string          `json:"symbol"`
	Available decimal.Decimal `json:"available"`
}

type orderRequest struct {
	Market        string `json:"market"`
	Side          string `json:"side"`
	OrderType     string `json:"orderType"`
	Amount        string `json:"amount,omitempty"`
	AmountQuote   string `json:"amountQuote,omitempty"`
	OperatorID    string `json:"operatorId,omitempty"`
	ClientOrderID string `json:"clientOrderId"`
}

type orderResponse struct {
	OrderID           string          `json:"orderId"`
	Status            string          `json:"status"`
	FilledAmount      decimal.Decimal `json:"filledAmount"`
	FilledAmountQuote decimal.Decimal `json:"filledAmountQuote"`
}

// buyOrder describes a quote-denominated market buy.
type buyOrder struct {
	market    string
	amountEUR decimal.Decimal
	tradeType domain.TradeType
	reason    string
}

// sellOrder describes a market sell of a fraction of the held balance.
type sellOrder struct {
	market    string
	fraction  decimal.Decimal
	tradeType domain.TradeType
	reason    string
	// minValueEUR skips the sell when the order would be worth less.
	minValueEUR decimal.Decimal
}

// fill is what an executed order did.
type fill struct {
	price     decimal.Decimal
	amountEUR decimal.Decimal
	crypto    decimal.Decimal
}

// currentPrice reads the last price through the price breaker. A missing or
// non-positive price counts as a failure.
func (e *Engine) currentPrice(ctx context.Context, market string) (decimal.Decimal, error) {
	return circuit.Do(e.priceCB, "ticker price "+market, func() (decimal.Decimal, error) {
		raw, err := e.exchange.SendRequest(ctx, http.MethodGet, "/ticker/price?market="+url.QueryEscape(market), nil)
		if err != nil {
			return decimal.Zero, err
		}
		var tp tickerPrice
		if err := json.Unmarshal(raw, &tp); err != nil {
			return decimal.Zero, fmt.Errorf("decode ticker price: %w", err)
		}
		if !tp.Price.IsPositive() {
			return decimal.Zero, fmt.Errorf("ticker price %s: %w", market, domain.ErrInvalidPrice)
		}
		return tp.Price, nil
	})
}

// currentBalance reads the available balance of the market's base asset
// through the balance breaker.
func (e *Engine) currentBalance(ctx context.Context, market string) (decimal.Decimal, error) {
	symbol := domain.BaseAsset(market)
	return circuit.Do(e.balanceCB, "balance "+symbol, func() (decimal.Decimal, error) {
		raw, err := e.exchange.SendRequest(ctx, http.MethodGet, "/balance", nil)
		if err != nil {
			return decimal.Zero, err
		}
		var entries []balanceEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return decimal.Zero, fmt.Errorf("decode balance: %w", err)
		}
		for _, b := range entries {
			if b.Symbol == symbol {
				return b.Available, nil
			}
		}
		return decimal.Zero, nil
	})
}

func (e *Engine) placeOrder(ctx context.Context, req orderRequest) (orderResponse, error) {
	req.OrderType = "market"
	req.OperatorID = e.cfg.OperatorID
	req.ClientOrderID = uuid.NewString()
	return circuit.Do(e.orderCB, req.Side+" "+req.Market, func() (orderResponse, error) {
		raw, err := e.exchange.SendRequest(ctx, http.MethodPost, "/order", req)
		if err != nil {
			return orderResponse{}, err
		}
		var resp orderResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return orderResponse{}, fmt.Errorf("decode order: %w", err)
		}
		return resp, nil
	})
}

// buy spends amountEUR under the shared daily budget. The amount is reserved
// before any network call and released if the price or order call fails.
// ok=false with a nil error is a business-rule rejection.
func (e *Engine) buy(ctx context.Context, o buyOrder) (f fill, ok bool, err error) {
	if !e.ledger.CanTradeToday(o.market, e.cfg.MaxDailyTrades) {
		slog.Debug("protection: buy skipped, daily trade limit", "market", o.market, "type", o.tradeType)
		return fill{}, false, nil
	}
	res, reserved := e.budget.Reserve(o.amountEUR)
	if !reserved {
		slog.Info("protection: buy skipped, daily budget exhausted", "market", o.market, "type", o.tradeType,
			"amount_eur", o.amountEUR.StringFixed(2), "remaining_eur", e.budget.Remaining().StringFixed(2))
		return fill{}, false, nil
	}

	price, err := e.currentPrice(ctx, o.market)
	if err != nil {
		e.budget.Release(res)
		return fill{}, false, fmt.Errorf("protection.buy: price: %w", err)
	}
	resp, err := e.placeOrder(ctx, orderRequest{
		Market:      o.market,
		Side:        "buy",
		AmountQuote: o.amountEUR.StringFixed(2),
	})
	if err != nil {
		e.budget.Release(res)
		return fill{}, false, fmt.Errorf("protection.buy: order: %w", err)
	}

	crypto := resp.FilledAmount
	if !crypto.IsPositive() {
		crypto = o.amountEUR.DivRound(price, cryptoPrecision)
	}
	f = fill{price: price, amountEUR: o.amountEUR, crypto: crypto}
	e.recordFill(ctx, o.market, o.tradeType, f, o.reason)
	return f, true, nil
}

// sell disposes of fraction of the held balance. Proceeds are valued at the
// price read just before the order.
func (e *Engine) sell(ctx context.Context, o sellOrder) (f fill, ok bool, err error) {
	balance, err := e.currentBalance(ctx, o.market)
	if err != nil {
		return fill{}, false, fmt.Errorf("protection.sell: balance: %w", err)
	}
	amount := balance.Mul(o.fraction).Truncate(cryptoPrecision)
	if !amount.IsPositive() {
		slog.Debug("protection: sell skipped, nothing held", "market", o.market, "type", o.tradeType)
		return fill{}, false, nil
	}

	price, err := e.currentPrice(ctx, o.market)
	if err != nil {
		return fill{}, false, fmt.Errorf("protection.sell: price: %w", err)
	}
	value := amount.Mul(price).Round(2)
	if o.minValueEUR.IsPositive() && value.LessThan(o.minValueEUR) {
		slog.Debug("protection: sell skipped, below minimum value", "market", o.market, "type", o.tradeType,
			"value_eur", value.StringFixed(2), "min_eur", o.minValueEUR.StringFixed(2))
		return fill{}, false, nil
	}
	if !value.IsPositive() {
		return fill{}, false, nil
	}

	if _, err := e.placeOrder(ctx, orderRequest{
		Market: o.market,
		Side:   "sell",
		Amount: amount.String(),
	}); err != nil {
		return fill{}, false, fmt.Errorf("protection.sell: order: %w", err)
	}

	f = fill{price: price, amountEUR: value, crypto: amount}
	e.recordFill(ctx, o.market, o.tradeType, f, o.reason)
	return f, true, nil
}

// recordFill books an executed order in the ledger, the journal and the
// notifier. Only the ledger is authoritative.
func (e *Engine) recordFill(ctx context.Context, market string, tradeType domain.TradeType, f fill, reason string) {
	if err := e.ledger.RecordTrade(market, tradeType, f.price, f.amountEUR, f.crypto, reason); err != nil {
		slog.Error("protection: executed trade not recorded", "market", market, "type", tradeType, "err", err)
	}
	rec := domain.TradeRecord{
		Type:         tradeType,
		Price:        f.price,
		AmountEUR:    f.amountEUR,
		AmountCrypto: f.crypto,
		Timestamp:    e.now(),
		Reason:       reason,
	}
	if e.journal != nil {
		if err := e.journal.SaveTrade(ctx, market, rec); err != nil {
			slog.Warn("protection: error saving trade to journal", "market", market, "err", err)
		}
	}
	if e.notifier != nil {
		if err := e.notifier.NotifyTrade(ctx, market, rec); err != nil {
			slog.Warn("protection: error notifying trade", "market", market, "err", err)
		}
	}
}
