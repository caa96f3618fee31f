package ports

import (
	"context"

	"github.com/alejandrodnm/assetguard/internal/domain"
)

// LedgerStore persists the full set of protected positions as one snapshot.
type LedgerStore interface {
	// Load returns the stored positions keyed by market. A missing store is
	// an empty ledger, not an error.
	Load() (map[string]*domain.ProtectedPosition, error)

	// Save replaces the stored snapshot atomically.
	Save(positions map[string]*domain.ProtectedPosition) error
}

// TradeJournal is the append-only audit log of executed trades, breaker
// transitions and daily summaries.
type TradeJournal interface {
	SaveTrade(ctx context.Context, market string, trade domain.TradeRecord) error
	RecentTrades(ctx context.Context, market string, limit int) ([]domain.JournalEntry, error)

	SaveBreakerEvent(ctx context.Context, ev domain.BreakerEvent) error
	BreakerEvents(ctx context.Context, breaker string, limit int) ([]domain.BreakerEvent, error)

	SaveDailySummary(ctx context.Context, s domain.DailySummary) error
	DailySummaries(ctx context.Context) ([]domain.DailySummary, error)
}
