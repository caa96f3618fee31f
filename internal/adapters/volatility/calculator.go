// Package volatility derives a volatility-adjusted stop loss from recent
// candles fetched through the exchange capability.
package volatility

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/assetguard/internal/ports"
)

const (
	defaultCacheTTL = 30 * time.Minute
	minCloses       = 10
	maxWindow       = 7 * 24 * time.Hour
	candleLimit     = 1000
)

var (
	minVolatility = decimal.RequireFromString("0.1")
	maxVolatility = decimal.NewFromInt(200)
	minStop       = decimal.NewFromInt(5)
	maxStop       = decimal.NewFromInt(50)
	ten           = decimal.NewFromInt(10)
)

// ErrInsufficientData is returned when fewer than ten valid closes are available.
var ErrInsufficientData = errors.New("volatility: insufficient price data")

type cached struct {
	pct decimal.Decimal
	at  time.Time
}

// Calculator implements ports.VolatilityProvider.
type Calculator struct {
	exchange ports.Exchange
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

// New returns a calculator caching results for ttl (30 minutes when zero).
func New(exchange ports.Exchange, ttl time.Duration) *Calculator {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Calculator{
		exchange: exchange,
		ttl:      ttl,
		now:      time.Now,
		cache:    make(map[string]cached),
	}
}

// SetClock replaces the time source. Used by tests.
func (c *Calculator) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// VolatilityAdjustedStopLoss widens basePct by the recent volatility:
// base × (1 + vol/10 × multiplier), clamped to [5, 50]. When volatility
// cannot be computed it returns basePct together with the reason.
func (c *Calculator) VolatilityAdjustedStopLoss(ctx context.Context, market string, basePct, multiplier decimal.Decimal, window time.Duration) (decimal.Decimal, error) {
	vol, err := c.Volatility(ctx, market, window)
	if err != nil {
		slog.Warn("volatility: using base stop loss", "market", market, "err", err)
		return basePct, err
	}
	adjusted := basePct.Mul(decimal.NewFromInt(1).Add(vol.Div(ten).Mul(multiplier)))
	adjusted = decimal.Min(maxStop, decimal.Max(minStop, adjusted))
	slog.Debug("volatility: adjusted stop loss", "market", market,
		"base_pct", basePct.String(), "volatility_pct", vol.StringFixed(2), "stop_pct", adjusted.StringFixed(2))
	return adjusted, nil
}

// Volatility returns the standard deviation of close-to-close returns over
// window, in percent, clamped to [0.1, 200].
func (c *Calculator) Volatility(ctx context.Context, market string, window time.Duration) (decimal.Decimal, error) {
	if window <= 0 || window > maxWindow {
		return decimal.Zero, fmt.Errorf("volatility.Volatility: window %s out of range", window)
	}
	key := market + "_" + window.String()

	c.mu.Lock()
	now := c.now()
	if hit, ok := c.cache[key]; ok && now.Sub(hit.at) < c.ttl {
		c.mu.Unlock()
		return hit.pct, nil
	}
	c.mu.Unlock()

	closes, err := c.closes(ctx, market, window, now)
	if err != nil {
		return decimal.Zero, fmt.Errorf("volatility.Volatility: %s: %w", market, err)
	}
	if len(closes) < minCloses {
		return decimal.Zero, fmt.Errorf("volatility.Volatility: %s: %d closes: %w", market, len(closes), ErrInsufficientData)
	}

	pct := decimal.NewFromFloat(stdevReturns(closes) * 100)
	pct = decimal.Min(maxVolatility, decimal.Max(minVolatility, pct))

	c.mu.Lock()
	c.cache[key] = cached{pct: pct, at: now}
	c.mu.Unlock()
	return pct, nil
}

// ClearCache drops every cached result.
func (c *Calculator) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]cached)
}

// interval picks the candle size for window.
func interval(window time.Duration) string {
	switch {
	case window <= 6*time.Hour:
		return "5m"
	case window <= 24*time.Hour:
		return "15m"
	case window <= 72*time.Hour:
		return "1h"
	}
	return "4h"
}

// closes fetches the candles of window and returns the positive closes,
// oldest first.
func (c *Calculator) closes(ctx context.Context, market string, window time.Duration, now time.Time) ([]float64, error) {
	q := url.Values{}
	q.Set("interval", interval(window))
	q.Set("start", strconv.FormatInt(now.Add(-window).UnixMilli(), 10))
	q.Set("end", strconv.FormatInt(now.UnixMilli(), 10))
	q.Set("limit", strconv.Itoa(candleLimit))

	raw, err := c.exchange.SendRequest(ctx, http.MethodGet, "/"+url.PathEscape(market)+"/candles?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var rows [][]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}

	type point struct {
		ts    int64
		close float64
	}
	points := make([]point, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		var ts int64
		if err := json.Unmarshal(row[0], &ts); err != nil {
			continue
		}
		var s string
		if err := json.Unmarshal(row[4], &s); err != nil {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v <= 0 {
			continue
		}
		points = append(points, point{ts: ts, close: v})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].ts < points[j].ts })

	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.close
	}
	return out, nil
}

// stdevReturns is the sample standard deviation of consecutive returns.
func stdevReturns(closes []float64) float64 {
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss / float64(len(returns)-1))
}
