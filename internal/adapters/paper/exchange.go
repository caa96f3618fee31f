// Package paper implements the exchange capability in memory: orders fill
// instantly at the configured price and move simulated balances. It backs
// the -paper mode of the guard and the engine tests.
package paper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/assetguard/internal/domain"
)

const quoteSymbol = "EUR"

// ErrUnavailable is returned for injected failures.
var ErrUnavailable = errors.New("paper: exchange unavailable")

// Route names accepted by FailNext.
const (
	RoutePrice   = "price"
	RouteBalance = "balance"
	RouteOrder   = "order"
	RouteCandles = "candles"
)

// Fill is an executed paper order.
type Fill struct {
	OrderID       string
	ClientOrderID string
	Market        string
	Side          string
	Price         decimal.Decimal
	Amount        decimal.Decimal
	AmountQuote   decimal.Decimal
	OperatorID    string
	At            time.Time
}

// Candle is one OHLCV bar served on the candles route.
type Candle struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

type orderBody struct {
	Market        string `json:"market"`
	Side          string `json:"side"`
	OrderType     string `json:"orderType"`
	Amount        string `json:"amount"`
	AmountQuote   string `json:"amountQuote"`
	OperatorID    string `json:"operatorId"`
	ClientOrderID string `json:"clientOrderId"`
}

// Exchange is a thread-safe in-memory exchange.
type Exchange struct {
	mu       sync.Mutex
	prices   map[string]decimal.Decimal
	balances map[string]decimal.Decimal
	candles  map[string][]Candle
	failures map[string][]error
	fills    []Fill
	feeRate  decimal.Decimal
	now      func() time.Time
}

// New returns an exchange holding cashEUR and nothing else.
func New(cashEUR decimal.Decimal) *Exchange {
	return &Exchange{
		prices:   make(map[string]decimal.Decimal),
		balances: map[string]decimal.Decimal{quoteSymbol: cashEUR},
		candles:  make(map[string][]Candle),
		failures: make(map[string][]error),
		now:      time.Now,
	}
}

// SetClock replaces the time source used to stamp fills.
func (x *Exchange) SetClock(now func() time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.now = now
}

// SetFeeRate charges rate (0.0025 = 0.25%) of the quote amount on every fill.
func (x *Exchange) SetFeeRate(rate decimal.Decimal) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.feeRate = rate
}

// SetPrice sets the last price of market.
func (x *Exchange) SetPrice(market string, price decimal.Decimal) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.prices[market] = price
}

// SetBalance sets the available balance of symbol ("BTC", "EUR").
func (x *Exchange) SetBalance(symbol string, amount decimal.Decimal) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.balances[symbol] = amount
}

// Balance returns the available balance of symbol.
func (x *Exchange) Balance(symbol string) decimal.Decimal {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.balances[symbol]
}

// SetCandles replaces the candle series served for market.
func (x *Exchange) SetCandles(market string, candles []Candle) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.candles[market] = append([]Candle(nil), candles...)
}

// FailNext makes the next n requests on route fail with err (ErrUnavailable
// when err is nil).
func (x *Exchange) FailNext(route string, n int, err error) {
	if err == nil {
		err = ErrUnavailable
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := 0; i < n; i++ {
		x.failures[route] = append(x.failures[route], err)
	}
}

// Fills returns every executed order, oldest first.
func (x *Exchange) Fills() []Fill {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]Fill(nil), x.fills...)
}

// SendRequest implements ports.Exchange.
func (x *Exchange) SendRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("paper.SendRequest: parse path: %w", err)
	}

	switch {
	case method == http.MethodGet && u.Path == "/ticker/price":
		return x.tickerPrice(u.Query().Get("market"))
	case method == http.MethodGet && u.Path == "/balance":
		return x.balance()
	case method == http.MethodPost && u.Path == "/order":
		return x.order(body)
	case method == http.MethodGet && strings.HasSuffix(u.Path, "/candles"):
		market := strings.TrimSuffix(strings.TrimPrefix(u.Path, "/"), "/candles")
		return x.candleSeries(market, u.Query())
	}
	return nil, fmt.Errorf("paper.SendRequest: %s %s: not supported", method, u.Path)
}

// failLocked pops the next injected failure for route.
func (x *Exchange) failLocked(route string) error {
	queue := x.failures[route]
	if len(queue) == 0 {
		return nil
	}
	x.failures[route] = queue[1:]
	return queue[0]
}

func (x *Exchange) tickerPrice(market string) (json.RawMessage, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.failLocked(RoutePrice); err != nil {
		return nil, err
	}
	price, ok := x.prices[market]
	if !ok {
		return nil, fmt.Errorf("paper: no price for %s", market)
	}
	return json.Marshal(map[string]string{"market": market, "price": price.String()})
}

func (x *Exchange) balance() (json.RawMessage, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.failLocked(RouteBalance); err != nil {
		return nil, err
	}
	type entry struct {
		Symbol    string `json:"symbol"`
		Available string `json:"available"`
		InOrder   string `json:"inOrder"`
	}
	out := make([]entry, 0, len(x.balances))
	for symbol, amount := range x.balances {
		out = append(out, entry{Symbol: symbol, Available: amount.String(), InOrder: "0"})
	}
	return json.Marshal(out)
}

func (x *Exchange) order(body any) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("paper: encode order: %w", err)
	}
	var req orderBody
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("paper: decode order: %w", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.failLocked(RouteOrder); err != nil {
		return nil, err
	}
	if req.OrderType != "market" {
		return nil, fmt.Errorf("paper: order type %q not supported", req.OrderType)
	}
	price, ok := x.prices[req.Market]
	if !ok || !price.IsPositive() {
		return nil, fmt.Errorf("paper: no price for %s", req.Market)
	}
	base := domain.BaseAsset(req.Market)

	var amount, quote decimal.Decimal
	switch req.Side {
	case "buy":
		quote, err = decimal.NewFromString(req.AmountQuote)
		if err != nil || !quote.IsPositive() {
			return nil, fmt.Errorf("paper: invalid amountQuote %q", req.AmountQuote)
		}
		cost := quote.Add(quote.Mul(x.feeRate))
		if x.balances[quoteSymbol].LessThan(cost) {
			return nil, fmt.Errorf("paper: insufficient %s balance", quoteSymbol)
		}
		amount = quote.DivRound(price, 8)
		x.balances[quoteSymbol] = x.balances[quoteSymbol].Sub(cost)
		x.balances[base] = x.balances[base].Add(amount)
	case "sell":
		amount, err = decimal.NewFromString(req.Amount)
		if err != nil || !amount.IsPositive() {
			return nil, fmt.Errorf("paper: invalid amount %q", req.Amount)
		}
		if x.balances[base].LessThan(amount) {
			return nil, fmt.Errorf("paper: insufficient %s balance", base)
		}
		quote = amount.Mul(price).Round(2)
		x.balances[base] = x.balances[base].Sub(amount)
		x.balances[quoteSymbol] = x.balances[quoteSymbol].Add(quote.Sub(quote.Mul(x.feeRate)))
	default:
		return nil, fmt.Errorf("paper: invalid side %q", req.Side)
	}

	f := Fill{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Market:        req.Market,
		Side:          req.Side,
		Price:         price,
		Amount:        amount,
		AmountQuote:   quote,
		OperatorID:    req.OperatorID,
		At:            x.now(),
	}
	x.fills = append(x.fills, f)
	slog.Debug("paper: order filled", "market", f.Market, "side", f.Side,
		"amount", f.Amount.String(), "quote_eur", f.AmountQuote.StringFixed(2), "price", f.Price.StringFixed(2))

	return json.Marshal(map[string]string{
		"orderId":           f.OrderID,
		"market":            f.Market,
		"side":              f.Side,
		"status":            "filled",
		"filledAmount":      f.Amount.String(),
		"filledAmountQuote": f.AmountQuote.String(),
	})
}

// candleSeries serves [ts, open, high, low, close, volume] rows, newest first,
// filtered by the optional start/end millisecond bounds.
func (x *Exchange) candleSeries(market string, q url.Values) (json.RawMessage, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.failLocked(RouteCandles); err != nil {
		return nil, err
	}
	start, _ := strconv.ParseInt(q.Get("start"), 10, 64)
	end, _ := strconv.ParseInt(q.Get("end"), 10, 64)

	series := x.candles[market]
	rows := make([][]any, 0, len(series))
	for i := len(series) - 1; i >= 0; i-- {
		c := series[i]
		ts := c.Time.UnixMilli()
		if start > 0 && ts < start {
			continue
		}
		if end > 0 && ts > end {
			continue
		}
		rows = append(rows, []any{ts, c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String()})
	}
	return json.Marshal(rows)
}
