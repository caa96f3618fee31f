package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatusSummary is the operator view of the protection engine.
type StatusSummary struct {
	GeneratedAt time.Time
	Enabled     bool
	Running     bool

	Portfolio PortfolioSummary
	Positions []PositionStatus

	DailyBudgetEUR    decimal.Decimal
	DailySpentEUR     decimal.Decimal
	DailyRemainingEUR decimal.Decimal

	Breakers []BreakerStatus
	Trailing []TrailingStatus
	Drift    []AllocationDrift
}

// PositionStatus is one row of the positions table.
type PositionStatus struct {
	Market           string
	EntryPrice       decimal.Decimal
	TotalInvested    decimal.Decimal
	CurrentValue     decimal.Decimal
	StopLossPct      decimal.Decimal
	SwingCashReserve decimal.Decimal
	MaxDrawdownPct   decimal.Decimal
	Trades           int
	DCALevelsDone    int
	ProfitLevelsDone int
}

// BreakerStatus mirrors a circuit breaker snapshot.
type BreakerStatus struct {
	Name              string
	State             string
	FailureCount      int
	RecentFailures    int
	TimeUntilRecovery time.Duration
}

// TrailingStatus is the in-memory trailing-profit state of one market.
type TrailingStatus struct {
	Market           string
	Active           bool
	HighestPrice     decimal.Decimal
	TrailingSells    int
	ProfitTakenEUR   decimal.Decimal
	BuybackTarget    decimal.Decimal
	BuybackAmountEUR decimal.Decimal
}

// AllocationDrift reports a position whose share of the portfolio has moved
// away from its target allocation.
type AllocationDrift struct {
	Market    string
	TargetPct decimal.Decimal
	ActualPct decimal.Decimal
	DriftPct  decimal.Decimal
}
