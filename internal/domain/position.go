package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultStopLossPct is the stop loss assigned to a newly protected position
// until the volatility refresh replaces it.
var DefaultStopLossPct = decimal.NewFromInt(15)

// Hundred is used to turn ratios into percentages.
var Hundred = decimal.NewFromInt(100)

var marketRe = regexp.MustCompile(`^[A-Z0-9]{2,12}-[A-Z0-9]{2,6}$`)

// ValidMarket reports whether market looks like "BTC-EUR".
func ValidMarket(market string) bool {
	return marketRe.MatchString(market)
}

// BaseAsset returns the part of the market before the dash ("BTC" for "BTC-EUR").
func BaseAsset(market string) string {
	base, _, _ := strings.Cut(market, "-")
	return base
}

// PricePoint is one observation in a position's price history.
type PricePoint struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// ProtectedPosition is the ledger record for one protected market.
//
// EntryPrice is the capital-weighted average entry. TotalInvested is the cost
// basis: buys increase it, sells never touch it. CurrentPositionValue moves
// with both buys and sells.
type ProtectedPosition struct {
	Market               string          `json:"market"`
	EntryPrice           decimal.Decimal `json:"entry_price"`
	CurrentPositionValue decimal.Decimal `json:"current_position_eur"`
	TotalInvested        decimal.Decimal `json:"total_invested_eur"`
	CurrentStopLossPct   decimal.Decimal `json:"current_stop_loss_pct"`
	LastVolatilityCheck  *time.Time      `json:"last_volatility_check"`

	TradeHistory    []TradeRecord `json:"trade_history"`
	DailyTradeCount int           `json:"daily_trade_count"`
	LastTradeDate   time.Time     `json:"last_trade_date"`

	CompletedDCALevels        LevelSet `json:"completed_dca_levels"`
	CompletedProfitLevels     LevelSet `json:"completed_profit_levels"`
	CompletedSwingSellLevels  LevelSet `json:"completed_swing_sell_levels"`
	CompletedSwingRebuyLevels LevelSet `json:"completed_swing_rebuy_levels"`

	SwingCashReserve decimal.Decimal `json:"swing_cash_reserve_eur"`
	SwingEntryPrice  decimal.Decimal `json:"swing_entry_price"`

	PriceHistory           []PricePoint    `json:"price_history"`
	LowestPriceSinceEntry  decimal.Decimal `json:"lowest_price_since_entry"`
	RecoveryRebuyCompleted bool            `json:"recovery_rebuy_completed"`

	PeakValue      decimal.Decimal `json:"peak_value"`
	MaxDrawdownPct decimal.Decimal `json:"max_drawdown_pct"`

	TargetAllocationPct decimal.NullDecimal `json:"target_allocation_pct"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CryptoHeld is the amount of base asset implied by the cost basis.
func (p *ProtectedPosition) CryptoHeld() decimal.Decimal {
	if !p.EntryPrice.IsPositive() {
		return decimal.Zero
	}
	return p.TotalInvested.Div(p.EntryPrice)
}

// DropPct is how far price sits below the entry, in percent. Negative when
// price is above entry.
func (p *ProtectedPosition) DropPct(price decimal.Decimal) decimal.Decimal {
	return DropPct(p.EntryPrice, price)
}

// GainPct is how far price sits above the entry, in percent.
func (p *ProtectedPosition) GainPct(price decimal.Decimal) decimal.Decimal {
	return DropPct(p.EntryPrice, price).Neg()
}

// Completed returns the completed-level set for kind.
func (p *ProtectedPosition) Completed(kind LevelKind) LevelSet {
	switch kind {
	case LevelDCA:
		return p.CompletedDCALevels
	case LevelProfit:
		return p.CompletedProfitLevels
	case LevelSwingSell:
		return p.CompletedSwingSellLevels
	case LevelSwingRebuy:
		return p.CompletedSwingRebuyLevels
	}
	return nil
}

// SetCompleted replaces the completed-level set for kind.
func (p *ProtectedPosition) SetCompleted(kind LevelKind, set LevelSet) {
	switch kind {
	case LevelDCA:
		p.CompletedDCALevels = set
	case LevelProfit:
		p.CompletedProfitLevels = set
	case LevelSwingSell:
		p.CompletedSwingSellLevels = set
	case LevelSwingRebuy:
		p.CompletedSwingRebuyLevels = set
	}
}

// Clone returns a deep copy that shares no slices with p.
func (p *ProtectedPosition) Clone() ProtectedPosition {
	c := *p
	c.TradeHistory = append([]TradeRecord(nil), p.TradeHistory...)
	c.PriceHistory = append([]PricePoint(nil), p.PriceHistory...)
	c.CompletedDCALevels = append(LevelSet(nil), p.CompletedDCALevels...)
	c.CompletedProfitLevels = append(LevelSet(nil), p.CompletedProfitLevels...)
	c.CompletedSwingSellLevels = append(LevelSet(nil), p.CompletedSwingSellLevels...)
	c.CompletedSwingRebuyLevels = append(LevelSet(nil), p.CompletedSwingRebuyLevels...)
	if p.LastVolatilityCheck != nil {
		t := *p.LastVolatilityCheck
		c.LastVolatilityCheck = &t
	}
	return c
}

// DropPct returns (from-to)/from*100, or zero when from is not positive.
func DropPct(from, to decimal.Decimal) decimal.Decimal {
	if !from.IsPositive() {
		return decimal.Zero
	}
	return from.Sub(to).Div(from).Mul(Hundred)
}

// ChangePct returns (to-from)/from*100, or zero when from is not positive.
func ChangePct(from, to decimal.Decimal) decimal.Decimal {
	if !from.IsPositive() {
		return decimal.Zero
	}
	return to.Sub(from).Div(from).Mul(Hundred)
}

// SameDay reports whether a and b fall on the same calendar day in a's location.
func SameDay(a, b time.Time) bool {
	b = b.In(a.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
