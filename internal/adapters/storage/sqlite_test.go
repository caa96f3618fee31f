package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/assetguard/internal/adapters/storage"
	"github.com/alejandrodnm/assetguard/internal/domain"
)

func newJournal(t *testing.T) *storage.SQLiteJournal {
	t.Helper()
	j, err := storage.NewSQLiteJournal(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestSQLiteJournal_SaveAndRecentTrades(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, j.SaveTrade(ctx, "BTC-EUR", domain.TradeRecord{
		Type: domain.TradeDCABuy, Price: dec("42500"), AmountEUR: dec("15"), AmountCrypto: dec("0.000352941"),
		Timestamp: base, Reason: "DCA level 1",
	}))
	require.NoError(t, j.SaveTrade(ctx, "ETH-EUR", domain.TradeRecord{
		Type: domain.TradeProfitSell, Price: dec("3000"), AmountEUR: dec("30"), AmountCrypto: dec("0.01"),
		Timestamp: base.Add(time.Minute),
	}))
	require.NoError(t, j.SaveTrade(ctx, "BTC-EUR", domain.TradeRecord{
		Type: domain.TradeEmergencyStop, Price: dec("31500"), AmountEUR: dec("100"), AmountCrypto: dec("0.003"),
		Timestamp: base.Add(2 * time.Minute),
	}))

	all, err := j.RecentTrades(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, domain.TradeEmergencyStop, all[0].Type)
	assert.NotEmpty(t, all[0].ID)

	btc, err := j.RecentTrades(ctx, "BTC-EUR", 10)
	require.NoError(t, err)
	require.Len(t, btc, 2)
	assert.Equal(t, "BTC-EUR", btc[1].Market)
	assert.True(t, btc[1].Price.Equal(dec("42500")))
	assert.True(t, btc[1].AmountCrypto.Equal(dec("0.000352941")))
	assert.True(t, btc[1].Timestamp.Equal(base))
	assert.Equal(t, "DCA level 1", btc[1].Reason)
}

func TestSQLiteJournal_BreakerEvents(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, j.SaveBreakerEvent(ctx, domain.BreakerEvent{Breaker: "order", From: "closed", To: "open", Reason: "3 failures", At: now}))
	require.NoError(t, j.SaveBreakerEvent(ctx, domain.BreakerEvent{Breaker: "price", From: "closed", To: "open", At: now}))
	require.NoError(t, j.SaveBreakerEvent(ctx, domain.BreakerEvent{Breaker: "order", From: "open", To: "half_open", At: now.Add(time.Minute)}))

	evs, err := j.BreakerEvents(ctx, "order", 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "half_open", evs[0].To)
	assert.Equal(t, "3 failures", evs[1].Reason)
	assert.True(t, evs[1].At.Equal(now))
}

func TestSQLiteJournal_DailySummaryUpsert(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()
	day := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	s := domain.DailySummary{Date: day, BudgetEUR: dec("100"), SpentEUR: dec("30"), Buys: 2, Positions: 3, InvestedEUR: dec("1000"), ValueEUR: dec("950")}
	require.NoError(t, j.SaveDailySummary(ctx, s))
	s.SpentEUR = dec("45")
	s.Buys = 3
	require.NoError(t, j.SaveDailySummary(ctx, s))
	require.NoError(t, j.SaveDailySummary(ctx, domain.DailySummary{Date: day.AddDate(0, 0, 1), BudgetEUR: dec("100"), SpentEUR: dec("0"), InvestedEUR: dec("1000"), ValueEUR: dec("1010")}))

	got, err := j.DailySummaries(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Date.Equal(day))
	assert.True(t, got[0].SpentEUR.Equal(dec("45")))
	assert.Equal(t, 3, got[0].Buys)
	assert.True(t, got[1].ValueEUR.Equal(dec("1010")))
}
