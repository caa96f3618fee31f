package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PortfolioSummary aggregates every protected position.
type PortfolioSummary struct {
	TotalAssets       int
	TotalCurrentValue decimal.Decimal
	TotalInvested     decimal.Decimal
	UnrealizedPnLEUR  decimal.Decimal
	UnrealizedPnLPct  decimal.Decimal
	MaxDrawdownPct    decimal.Decimal
}

// DailySummary is the end-of-day snapshot written to the trade journal.
type DailySummary struct {
	Date        time.Time
	BudgetEUR   decimal.Decimal
	SpentEUR    decimal.Decimal
	Buys        int
	Sells       int
	Positions   int
	InvestedEUR decimal.Decimal
	ValueEUR    decimal.Decimal
}

// BreakerEvent records a circuit breaker state transition.
type BreakerEvent struct {
	Breaker string
	From    string
	To      string
	Reason  string
	At      time.Time
}

// JournalEntry is a trade as stored in the journal, with its market.
type JournalEntry struct {
	ID     string
	Market string
	TradeRecord
}
