// Package ledger keeps the protected positions in memory behind one coarse
// lock and writes the full snapshot through a LedgerStore after every mutation.
package ledger

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/assetguard/internal/domain"
	"github.com/alejandrodnm/assetguard/internal/ports"
)

const (
	priceHistoryMaxAge = 48 * time.Hour
	priceHistoryMaxLen = 500

	// TradeRetention is how long trade records stay in a position's history.
	TradeRetention = 30 * 24 * time.Hour
)

// Ledger is the persistent map of market → ProtectedPosition. Every method is
// safe for concurrent use; reads return copies.
type Ledger struct {
	mu        sync.Mutex
	store     ports.LedgerStore
	positions map[string]*domain.ProtectedPosition
	now       func() time.Time
}

// New loads the ledger from store.
func New(store ports.LedgerStore) (*Ledger, error) {
	positions, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("ledger.New: load: %w", err)
	}
	if positions == nil {
		positions = make(map[string]*domain.ProtectedPosition)
	}
	slog.Info("ledger: loaded", "positions", len(positions))
	return &Ledger{store: store, positions: positions, now: time.Now}, nil
}

// SetClock replaces the time source. Used by tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// AddPosition starts protecting market. Adding a market twice is a no-op that
// returns ErrAlreadyProtected.
func (l *Ledger) AddPosition(market string, entryPrice, investedEUR decimal.Decimal, targetAllocation decimal.NullDecimal) error {
	if !domain.ValidMarket(market) {
		return l.reject("add", market, domain.ErrInvalidMarket)
	}
	if !entryPrice.IsPositive() {
		return l.reject("add", market, domain.ErrInvalidPrice)
	}
	if !investedEUR.IsPositive() {
		return l.reject("add", market, domain.ErrInvalidAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.positions[market]; ok {
		return l.reject("add", market, domain.ErrAlreadyProtected)
	}

	now := l.now()
	l.positions[market] = &domain.ProtectedPosition{
		Market:                market,
		EntryPrice:            entryPrice,
		CurrentPositionValue:  investedEUR,
		TotalInvested:         investedEUR,
		CurrentStopLossPct:    domain.DefaultStopLossPct,
		LastTradeDate:         now.AddDate(0, 0, -1),
		SwingEntryPrice:       entryPrice,
		LowestPriceSinceEntry: entryPrice,
		PeakValue:             investedEUR,
		MaxDrawdownPct:        decimal.Zero,
		TargetAllocationPct:   targetAllocation,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	l.persist()

	slog.Info("ledger: position added", "market", market, "entry", entryPrice.StringFixed(2), "invested_eur", investedEUR.StringFixed(2))
	return nil
}

// RemovePosition drops market from the ledger. It reports whether the market
// was present.
func (l *Ledger) RemovePosition(market string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.positions[market]; !ok {
		return false
	}
	delete(l.positions, market)
	l.persist()
	slog.Info("ledger: position removed", "market", market)
	return true
}

// RecordTrade appends a trade and updates the cost basis, value, drawdown and
// daily counter of the position.
func (l *Ledger) RecordTrade(market string, tradeType domain.TradeType, price, amountEUR, amountCrypto decimal.Decimal, reason string) error {
	if !tradeType.Valid() {
		return l.reject("record trade", market, domain.ErrInvalidTradeType)
	}
	if !price.IsPositive() {
		return l.reject("record trade", market, domain.ErrInvalidPrice)
	}
	if !amountEUR.IsPositive() {
		return l.reject("record trade", market, domain.ErrInvalidAmount)
	}
	if tradeType.IsBuy() && !amountCrypto.IsPositive() {
		return l.reject("record trade", market, domain.ErrInvalidAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[market]
	if !ok {
		return l.reject("record trade", market, domain.ErrUnknownMarket)
	}

	now := l.now()
	p.TradeHistory = append(p.TradeHistory, domain.TradeRecord{
		Type:         tradeType,
		Price:        price,
		AmountEUR:    amountEUR,
		AmountCrypto: amountCrypto,
		Timestamp:    now,
		Reason:       reason,
	})

	if tradeType.IsBuy() {
		invested := p.TotalInvested.Add(amountEUR)
		crypto := p.CryptoHeld().Add(amountCrypto)
		p.EntryPrice = invested.Div(crypto)
		p.TotalInvested = invested
		p.CurrentPositionValue = p.CurrentPositionValue.Add(amountEUR)
	} else {
		p.CurrentPositionValue = decimal.Max(decimal.Zero, p.CurrentPositionValue.Sub(amountEUR))
	}

	trackDrawdown(p)

	if domain.SameDay(now, p.LastTradeDate) {
		p.DailyTradeCount++
	} else {
		p.DailyTradeCount = 1
	}
	p.LastTradeDate = now
	p.UpdatedAt = now
	l.persist()

	slog.Info("ledger: trade recorded", "market", market, "type", tradeType,
		"price", price.StringFixed(2), "amount_eur", amountEUR.StringFixed(2), "reason", reason)
	return nil
}

// trackDrawdown keeps the peak value and the worst drawdown seen from it. A new
// peak resets the drawdown.
func trackDrawdown(p *domain.ProtectedPosition) {
	current := p.CurrentPositionValue
	if current.GreaterThan(p.PeakValue) {
		p.PeakValue = current
		p.MaxDrawdownPct = decimal.Zero
		return
	}
	if dd := domain.DropPct(p.PeakValue, current); dd.GreaterThan(p.MaxDrawdownPct) {
		p.MaxDrawdownPct = dd
	}
}

// CanTradeToday reports whether market is still under maxDaily trades today.
func (l *Ledger) CanTradeToday(market string, maxDaily int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[market]
	if !ok {
		return false
	}
	if !domain.SameDay(l.now(), p.LastTradeDate) {
		return true
	}
	return p.DailyTradeCount < maxDaily
}

// MarkLevelCompleted adds levelIndex to the completed set of kind.
func (l *Ledger) MarkLevelCompleted(market string, levelIndex int, kind domain.LevelKind) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[market]
	if !ok {
		return domain.ErrUnknownMarket
	}
	set := p.Completed(kind)
	if set.Has(levelIndex) {
		return nil
	}
	p.SetCompleted(kind, set.Add(levelIndex))
	p.UpdatedAt = l.now()
	l.persist()
	return nil
}

// UpdateStopLoss sets the stop loss and stamps the volatility check time.
func (l *Ledger) UpdateStopLoss(market string, pct decimal.Decimal) error {
	return l.mutate(market, func(p *domain.ProtectedPosition, now time.Time) {
		p.CurrentStopLossPct = pct
		p.LastVolatilityCheck = &now
	})
}

// MarkVolatilityChecked stamps the volatility check time without changing the stop.
func (l *Ledger) MarkVolatilityChecked(market string) error {
	return l.mutate(market, func(p *domain.ProtectedPosition, now time.Time) {
		p.LastVolatilityCheck = &now
	})
}

// UpdateSwingEntryPrice rebases the swing ladder.
func (l *Ledger) UpdateSwingEntryPrice(market string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return domain.ErrInvalidPrice
	}
	return l.mutate(market, func(p *domain.ProtectedPosition, _ time.Time) {
		p.SwingEntryPrice = price
	})
}

// UpdatePriceHistory appends an observation and trims the history by age and length.
func (l *Ledger) UpdatePriceHistory(market string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return domain.ErrInvalidPrice
	}
	return l.mutate(market, func(p *domain.ProtectedPosition, now time.Time) {
		p.PriceHistory = append(p.PriceHistory, domain.PricePoint{Price: price, Timestamp: now})

		cutoff := now.Add(-priceHistoryMaxAge)
		i := 0
		for i < len(p.PriceHistory) && p.PriceHistory[i].Timestamp.Before(cutoff) {
			i++
		}
		if over := len(p.PriceHistory) - i - priceHistoryMaxLen; over > 0 {
			i += over
		}
		if i > 0 {
			p.PriceHistory = append([]domain.PricePoint(nil), p.PriceHistory[i:]...)
		}
	})
}

// PriceMomentum returns the percentage change between the observation closest
// to now-window and the latest one. ok is false with fewer than two observations.
func (l *Ledger) PriceMomentum(market string, window time.Duration) (momentum decimal.Decimal, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, found := l.positions[market]
	if !found || len(p.PriceHistory) < 2 {
		return decimal.Zero, false
	}

	hist := p.PriceHistory
	latest := hist[len(hist)-1]
	target := l.now().Add(-window)

	base := hist[0]
	bestDist := absDuration(base.Timestamp.Sub(target))
	for _, pt := range hist[1 : len(hist)-1] {
		if dist := absDuration(pt.Timestamp.Sub(target)); dist < bestDist {
			base, bestDist = pt, dist
		}
	}
	return domain.ChangePct(base.Price, latest.Price), true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// UpdateLowestPriceTracking lowers lowestPriceSinceEntry to price when price is lower.
func (l *Ledger) UpdateLowestPriceTracking(market string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return domain.ErrInvalidPrice
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[market]
	if !ok {
		return domain.ErrUnknownMarket
	}
	if p.LowestPriceSinceEntry.IsPositive() && !price.LessThan(p.LowestPriceSinceEntry) {
		return nil
	}
	p.LowestPriceSinceEntry = price
	p.UpdatedAt = l.now()
	l.persist()
	return nil
}

// ResetRecoveryTracking starts a new recovery cycle from price.
func (l *Ledger) ResetRecoveryTracking(market string, price decimal.Decimal) error {
	return l.mutate(market, func(p *domain.ProtectedPosition, _ time.Time) {
		p.LowestPriceSinceEntry = price
		p.RecoveryRebuyCompleted = false
	})
}

// MarkRecoveryRebuyCompleted closes the current recovery cycle.
func (l *Ledger) MarkRecoveryRebuyCompleted(market string) error {
	return l.mutate(market, func(p *domain.ProtectedPosition, _ time.Time) {
		p.RecoveryRebuyCompleted = true
	})
}

// AddSwingCashReserve credits the swing reserve of market.
func (l *Ledger) AddSwingCashReserve(market string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.ErrInvalidAmount
	}
	return l.mutate(market, func(p *domain.ProtectedPosition, _ time.Time) {
		p.SwingCashReserve = p.SwingCashReserve.Add(amount)
	})
}

// UseSwingCashReserve debits amount from the swing reserve, or fails with
// ErrInsufficientReserve and leaves it untouched.
func (l *Ledger) UseSwingCashReserve(market string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[market]
	if !ok {
		return domain.ErrUnknownMarket
	}
	if p.SwingCashReserve.LessThan(amount) {
		return domain.ErrInsufficientReserve
	}
	p.SwingCashReserve = p.SwingCashReserve.Sub(amount)
	p.UpdatedAt = l.now()
	l.persist()
	return nil
}

// SwingCashReserve returns the swing reserve of market (zero if unknown).
func (l *Ledger) SwingCashReserve(market string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.positions[market]; ok {
		return p.SwingCashReserve
	}
	return decimal.Zero
}

// PruneTrades drops trade records older than maxAge and returns how many went.
func (l *Ledger) PruneTrades(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	removed := 0
	for _, p := range l.positions {
		kept := p.TradeHistory[:0]
		for _, tr := range p.TradeHistory {
			if tr.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, tr)
		}
		p.TradeHistory = kept
	}
	if removed > 0 {
		l.persist()
		slog.Info("ledger: old trades pruned", "removed", removed)
	}
	return removed
}

// Position returns a copy of the position for market.
func (l *Ledger) Position(market string) (domain.ProtectedPosition, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[market]
	if !ok {
		return domain.ProtectedPosition{}, false
	}
	return p.Clone(), true
}

// Has reports whether market is protected.
func (l *Ledger) Has(market string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.positions[market]
	return ok
}

// Markets returns the protected markets in lexical order.
func (l *Ledger) Markets() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.positions))
	for m := range l.positions {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Positions returns copies of every position, ordered by market.
func (l *Ledger) Positions() []domain.ProtectedPosition {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.ProtectedPosition, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// PortfolioSummary aggregates value, cost basis and drawdown across positions.
func (l *Ledger) PortfolioSummary() domain.PortfolioSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := domain.PortfolioSummary{TotalAssets: len(l.positions)}
	for _, p := range l.positions {
		s.TotalCurrentValue = s.TotalCurrentValue.Add(p.CurrentPositionValue)
		s.TotalInvested = s.TotalInvested.Add(p.TotalInvested)
		if p.MaxDrawdownPct.GreaterThan(s.MaxDrawdownPct) {
			s.MaxDrawdownPct = p.MaxDrawdownPct
		}
	}
	s.UnrealizedPnLEUR = s.TotalCurrentValue.Sub(s.TotalInvested)
	if s.TotalInvested.IsPositive() {
		s.UnrealizedPnLPct = s.UnrealizedPnLEUR.Div(s.TotalInvested).Mul(domain.Hundred)
	}
	return s
}

// mutate applies fn to an existing position under the lock and persists.
func (l *Ledger) mutate(market string, fn func(p *domain.ProtectedPosition, now time.Time)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[market]
	if !ok {
		return domain.ErrUnknownMarket
	}
	now := l.now()
	fn(p, now)
	p.UpdatedAt = now
	l.persist()
	return nil
}

// persist must be called with mu held. A failed save keeps the in-memory
// state; the next mutation writes the full snapshot again.
func (l *Ledger) persist() {
	if err := l.store.Save(l.positions); err != nil {
		slog.Error("ledger: save failed", "err", err)
	}
}

func (l *Ledger) reject(op, market string, err error) error {
	slog.Warn("ledger: "+op+" rejected", "market", market, "err", err)
	return err
}
