package protection

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/assetguard/internal/domain"
)

// Budget is the process-wide daily spending cap shared by every buy path.
//
// Callers Reserve before the network call and Release if it fails, so the lock
// is never held across I/O and the sum of successful buys in a day never
// exceeds the maximum.
type Budget struct {
	mu    sync.Mutex
	max   decimal.Decimal
	spent decimal.Decimal
	day   time.Time
	now   func() time.Time

	closed *closedDay
}

type closedDay struct {
	day   time.Time
	spent decimal.Decimal
}

// NewBudget creates a budget of maxEUR per calendar day.
func NewBudget(maxEUR decimal.Decimal) *Budget {
	return &Budget{max: maxEUR, day: time.Now(), now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (b *Budget) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	b.day = now()
}

// Reservation is an amount claimed from one day's budget.
type Reservation struct {
	Amount decimal.Decimal
	day    time.Time
}

// Reserve claims amount from today's budget. It returns false, leaving the
// budget unchanged, when amount is not positive or would exceed the cap.
func (b *Budget) Reserve(amount decimal.Decimal) (Reservation, bool) {
	if !amount.IsPositive() {
		return Reservation{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()

	if b.spent.Add(amount).GreaterThan(b.max) {
		return Reservation{}, false
	}
	b.spent = b.spent.Add(amount)
	return Reservation{Amount: amount, day: b.day}, true
}

// Release gives back a reservation whose trade did not go through. A
// reservation from a day that has already rolled over is dropped: it belongs
// to the closed day, not to today's cap.
func (b *Budget) Release(r Reservation) {
	if !r.Amount.IsPositive() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	if !domain.SameDay(r.day, b.day) {
		return
	}
	b.spent = decimal.Max(decimal.Zero, b.spent.Sub(r.Amount))
}

// ResetIfNewDay zeroes the counter when the calendar day has changed.
func (b *Budget) ResetIfNewDay() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rollLocked()
}

// TakeClosedDay returns the last finished day and what was spent on it, once.
func (b *Budget) TakeClosedDay() (day time.Time, spent decimal.Decimal, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed == nil {
		return time.Time{}, decimal.Zero, false
	}
	c := b.closed
	b.closed = nil
	return c.day, c.spent, true
}

// Max returns the daily cap.
func (b *Budget) Max() decimal.Decimal {
	return b.max
}

// Spent returns what has been reserved today.
func (b *Budget) Spent() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	return b.spent
}

// Remaining returns what can still be reserved today.
func (b *Budget) Remaining() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	return decimal.Max(decimal.Zero, b.max.Sub(b.spent))
}

func (b *Budget) rollLocked() bool {
	now := b.now()
	if domain.SameDay(now, b.day) {
		return false
	}
	b.closed = &closedDay{day: b.day, spent: b.spent}
	b.spent = decimal.Zero
	b.day = now
	return true
}
