package protection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/assetguard/internal/domain"
)

// EnhancedConfig tunes trailing profit taking and dynamic buybacks.
type EnhancedConfig struct {
	Enabled              bool
	TrailingStartGainPct decimal.Decimal
	TrailingDistancePct  decimal.Decimal
	TrailingIncrementPct decimal.Decimal
	MaxTrailingSells     int
	MinTradeValueEUR     decimal.Decimal
	MinMovePct           decimal.Decimal
	BuybackTolerancePct  decimal.Decimal
	BuybackDiscountPct   decimal.Decimal
	BuybackSharePct      decimal.Decimal
}

// DefaultEnhancedConfig returns the trailing settings used when none are given.
func DefaultEnhancedConfig() EnhancedConfig {
	return EnhancedConfig{
		TrailingStartGainPct: decimal.NewFromInt(8),
		TrailingDistancePct:  decimal.NewFromInt(5),
		TrailingIncrementPct: decimal.NewFromInt(2),
		MaxTrailingSells:     10,
		MinTradeValueEUR:     decimal.NewFromInt(20),
		MinMovePct:           decimal.NewFromInt(2),
		BuybackTolerancePct:  decimal.NewFromInt(3),
		BuybackDiscountPct:   decimal.NewFromInt(3),
		BuybackSharePct:      decimal.NewFromInt(95),
	}
}

func (c EnhancedConfig) withDefaults() EnhancedConfig {
	d := DefaultEnhancedConfig()
	if c.TrailingStartGainPct.IsZero() {
		c.TrailingStartGainPct = d.TrailingStartGainPct
	}
	if c.TrailingDistancePct.IsZero() {
		c.TrailingDistancePct = d.TrailingDistancePct
	}
	if c.TrailingIncrementPct.IsZero() {
		c.TrailingIncrementPct = d.TrailingIncrementPct
	}
	if c.MaxTrailingSells <= 0 {
		c.MaxTrailingSells = d.MaxTrailingSells
	}
	if c.MinTradeValueEUR.IsZero() {
		c.MinTradeValueEUR = d.MinTradeValueEUR
	}
	if c.MinMovePct.IsZero() {
		c.MinMovePct = d.MinMovePct
	}
	if c.BuybackTolerancePct.IsZero() {
		c.BuybackTolerancePct = d.BuybackTolerancePct
	}
	if c.BuybackDiscountPct.IsZero() {
		c.BuybackDiscountPct = d.BuybackDiscountPct
	}
	if c.BuybackSharePct.IsZero() {
		c.BuybackSharePct = d.BuybackSharePct
	}
	return c
}

// trader executes orders on behalf of the enhanced module.
type trader interface {
	buy(ctx context.Context, o buyOrder) (fill, bool, error)
	sell(ctx context.Context, o sellOrder) (fill, bool, error)
}

type trailingState struct {
	highestPrice   decimal.Decimal
	lastSellPrice  decimal.Decimal
	trailingSells  int
	profitTakenEUR decimal.Decimal
	buybackTarget  decimal.Decimal
	buybackAmount  decimal.Decimal
	active         bool
}

// Enhanced sells small slices of a winning position as the price retraces
// from its high and buys them back a little lower. Its state is kept in
// memory only and starts over on restart.
type Enhanced struct {
	cfg    EnhancedConfig
	trader trader

	mu     sync.Mutex
	states map[string]*trailingState
}

// NewEnhanced builds the module; zero settings take the defaults.
func NewEnhanced(cfg EnhancedConfig, t trader) *Enhanced {
	return &Enhanced{
		cfg:    cfg.withDefaults(),
		trader: t,
		states: make(map[string]*trailingState),
	}
}

// Check runs trailing sells and buybacks for one tick and returns the number
// of trades executed.
func (m *Enhanced) Check(ctx context.Context, pos domain.ProtectedPosition, price decimal.Decimal) int {
	trades := 0
	if m.checkTrailing(ctx, pos, price) {
		trades++
	}
	if m.checkBuyback(ctx, pos.Market, price) {
		trades++
	}
	return trades
}

func (m *Enhanced) state(market string, price decimal.Decimal) *trailingState {
	st, ok := m.states[market]
	if !ok {
		st = &trailingState{highestPrice: price}
		m.states[market] = st
	}
	return st
}

func (m *Enhanced) checkTrailing(ctx context.Context, pos domain.ProtectedPosition, price decimal.Decimal) bool {
	m.mu.Lock()
	st := m.state(pos.Market, price)
	if price.GreaterThan(st.highestPrice) {
		st.highestPrice = price
	}
	gain := pos.GainPct(price)
	st.active = gain.GreaterThanOrEqual(m.cfg.TrailingStartGainPct)
	active := st.active
	high := st.highestPrice
	lastSell := st.lastSellPrice
	sells := st.trailingSells
	m.mu.Unlock()

	if !active || !gain.IsPositive() {
		return false
	}
	if sells >= m.cfg.MaxTrailingSells {
		return false
	}
	trigger := high.Mul(one.Sub(m.cfg.TrailingDistancePct.Div(domain.Hundred)))
	if price.GreaterThan(trigger) {
		return false
	}
	retrace := domain.DropPct(high, price)
	if retrace.LessThan(m.cfg.MinMovePct) {
		return false
	}
	if lastSell.IsPositive() && domain.ChangePct(lastSell, price).Abs().LessThan(m.cfg.MinMovePct) {
		return false
	}

	reason := fmt.Sprintf("Trailing sell %d: %s%% off high %s", sells+1, retrace.StringFixed(1), high.StringFixed(2))
	f, ok, err := m.trader.sell(ctx, sellOrder{
		market:      pos.Market,
		fraction:    m.cfg.TrailingIncrementPct.Div(domain.Hundred),
		tradeType:   domain.TradeTrailingSell,
		reason:      reason,
		minValueEUR: m.cfg.MinTradeValueEUR,
	})
	if err != nil {
		slog.Warn("protection: trailing sell failed", "market", pos.Market, "err", err)
		return false
	}
	if !ok {
		return false
	}

	m.mu.Lock()
	st.lastSellPrice = f.price
	st.trailingSells++
	st.profitTakenEUR = st.profitTakenEUR.Add(f.amountEUR)
	st.highestPrice = f.price
	st.buybackTarget = f.price.Mul(one.Sub(m.cfg.BuybackDiscountPct.Div(domain.Hundred))).Round(2)
	st.buybackAmount = f.amountEUR.Mul(m.cfg.BuybackSharePct).Div(domain.Hundred).Round(2)
	target, amount := st.buybackTarget, st.buybackAmount
	m.mu.Unlock()

	slog.Info("protection: trailing sell executed", "market", pos.Market, "price", f.price.StringFixed(2),
		"proceeds_eur", f.amountEUR.StringFixed(2), "buyback_target", target.StringFixed(2), "buyback_eur", amount.StringFixed(2))
	return true
}

func (m *Enhanced) checkBuyback(ctx context.Context, market string, price decimal.Decimal) bool {
	m.mu.Lock()
	st, ok := m.states[market]
	if !ok || !st.buybackTarget.IsPositive() || !st.buybackAmount.IsPositive() {
		m.mu.Unlock()
		return false
	}
	target, amount := st.buybackTarget, st.buybackAmount
	m.mu.Unlock()

	band := target.Mul(m.cfg.BuybackTolerancePct).Div(domain.Hundred)
	if price.LessThan(target.Sub(band)) || price.GreaterThan(target.Add(band)) {
		return false
	}

	reason := fmt.Sprintf("Trailing buyback near %s target", target.StringFixed(2))
	f, ok, err := m.trader.buy(ctx, buyOrder{market: market, amountEUR: amount, tradeType: domain.TradeTrailingBuyback, reason: reason})
	if err != nil {
		slog.Warn("protection: trailing buyback failed", "market", market, "err", err)
		return false
	}
	if !ok {
		return false
	}

	m.mu.Lock()
	st.buybackTarget = decimal.Zero
	st.buybackAmount = decimal.Zero
	m.mu.Unlock()

	slog.Info("protection: trailing buyback executed", "market", market, "amount_eur", f.amountEUR.StringFixed(2), "price", f.price.StringFixed(2))
	return true
}

// Reset forgets the state of market.
func (m *Enhanced) Reset(market string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[market]; ok {
		delete(m.states, market)
		slog.Debug("protection: trailing state reset", "market", market)
	}
}

// ResetAll forgets every market.
func (m *Enhanced) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[string]*trailingState)
}

// Summary returns the trailing state of every tracked market, ordered by market.
func (m *Enhanced) Summary() []domain.TrailingStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TrailingStatus, 0, len(m.states))
	for market, st := range m.states {
		out = append(out, domain.TrailingStatus{
			Market:           market,
			Active:           st.active,
			HighestPrice:     st.highestPrice,
			TrailingSells:    st.trailingSells,
			ProfitTakenEUR:   st.profitTakenEUR,
			BuybackTarget:    st.buybackTarget,
			BuybackAmountEUR: st.buybackAmount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}
