package ledger_test

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/assetguard/internal/adapters/storage"
	"github.com/alejandrodnm/assetguard/internal/application/ledger"
	"github.com/alejandrodnm/assetguard/internal/domain"
)

// --- mocks ---

type memStore struct {
	mu      sync.Mutex
	saved   map[string]*domain.ProtectedPosition
	saves   int
	saveErr error
}

func (m *memStore) Load() (map[string]*domain.ProtectedPosition, error) {
	return nil, nil
}

func (m *memStore) Save(p map[string]*domain.ProtectedPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = make(map[string]*domain.ProtectedPosition, len(p))
	for k, v := range p {
		c := v.Clone()
		m.saved[k] = &c
	}
	return nil
}

// --- helpers ---

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var noTarget = decimal.NullDecimal{}

func newLedger(t *testing.T) (*ledger.Ledger, *memStore, *clock) {
	t.Helper()
	store := &memStore{}
	l, err := ledger.New(store)
	require.NoError(t, err)
	clk := &clock{t: time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)}
	l.SetClock(clk.Now)
	return l, store, clk
}

// --- tests ---

func TestAddPosition_Defaults(t *testing.T) {
	l, store, clk := newLedger(t)

	require.NoError(t, l.AddPosition("BTC-EUR", dec("45000"), dec("100"), noTarget))

	p, ok := l.Position("BTC-EUR")
	require.True(t, ok)
	assert.True(t, p.EntryPrice.Equal(dec("45000")))
	assert.True(t, p.TotalInvested.Equal(dec("100")))
	assert.True(t, p.CurrentPositionValue.Equal(dec("100")))
	assert.True(t, p.CurrentStopLossPct.Equal(dec("15")))
	assert.True(t, p.SwingEntryPrice.Equal(dec("45000")))
	assert.True(t, p.LowestPriceSinceEntry.Equal(dec("45000")))
	assert.False(t, domain.SameDay(clk.Now(), p.LastTradeDate))
	assert.Equal(t, 1, store.saves)
	assert.Contains(t, store.saved, "BTC-EUR")
}

func TestAddPosition_RejectsInvalidInputAndDuplicates(t *testing.T) {
	l, _, _ := newLedger(t)

	assert.ErrorIs(t, l.AddPosition("BTC-EUR", decimal.Zero, dec("100"), noTarget), domain.ErrInvalidPrice)
	assert.ErrorIs(t, l.AddPosition("BTC-EUR", dec("45000"), dec("-1"), noTarget), domain.ErrInvalidAmount)
	assert.ErrorIs(t, l.AddPosition("btc/eur", dec("45000"), dec("100"), noTarget), domain.ErrInvalidMarket)

	require.NoError(t, l.AddPosition("BTC-EUR", dec("45000"), dec("100"), noTarget))
	assert.ErrorIs(t, l.AddPosition("BTC-EUR", dec("1"), dec("1"), noTarget), domain.ErrAlreadyProtected)

	p, _ := l.Position("BTC-EUR")
	assert.True(t, p.EntryPrice.Equal(dec("45000")))
}

func TestRemovePosition(t *testing.T) {
	l, store, _ := newLedger(t)
	require.NoError(t, l.AddPosition("BTC-EUR", dec("45000"), dec("100"), noTarget))

	assert.True(t, l.RemovePosition("BTC-EUR"))
	assert.False(t, l.RemovePosition("BTC-EUR"))
	assert.False(t, l.Has("BTC-EUR"))
	assert.NotContains(t, store.saved, "BTC-EUR")
}

func TestRecordTrade_WeightedEntryPrice(t *testing.T) {
	l, _, _ := newLedger(t)
	require.NoError(t, l.AddPosition("BTC-EUR", dec("45000"), dec("100"), noTarget))

	require.NoError(t, l.RecordTrade("BTC-EUR", domain.TradeDCABuy, dec("40000"), dec("50"), dec("50").Div(dec("40000")), "DCA level 1"))

	p, _ := l.Position("BTC-EUR")
	// 150 / (100/45000 + 50/40000)
	want := dec("150").Div(dec("100").Div(dec("45000")).Add(dec("50").Div(dec("40000"))))
	assert.InDelta(t, want.InexactFloat64(), p.EntryPrice.InexactFloat64(), 0.01)
	assert.InDelta(t, 43200.0, p.EntryPrice.InexactFloat64(), 0.01)
	assert.True(t, p.TotalInvested.Equal(dec("150")))
	assert.True(t, p.CurrentPositionValue.Equal(dec("150")))
	require.Len(t, p.TradeHistory, 1)
	assert.Equal(t, "DCA level 1", p.TradeHistory[0].Reason)
}

func TestRecordTrade_SellKeepsCostBasis(t *testing.T) {
	l, _, _ := newLedger(t)
	require.NoError(t, l.AddPosition("BTC-EUR", dec("45000"), dec("100"), noTarget))

	require.NoError(t, l.RecordTrade("BTC-EUR", domain.TradeProfitSell, dec("50000"), dec("25"), dec("0.0005"), "take profit"))

	p, _ := l.Position("BTC-EUR")
	assert.True(t, p.TotalInvested.Equal(dec("100")))
	assert.True(t, p.EntryPrice.Equal(dec("45000")))
	assert.True(t, p.CurrentPositionValue.Equal(dec("75")))
	assert.True(t, p.MaxDrawdownPct.Equal(dec("25")))
}

func TestRecordTrade_DrawdownResetsOnNewPeak(t *testing.T) {
	l, _, _ := newLedger(t)
	require.NoError(t, l.AddPosition("BTC-EUR", dec("100"), dec("100"), noTarget))

	require.NoError(t, l.RecordTrade("BTC-EUR", domain.TradeSwingSell, dec("100"), dec("20"), dec("0.2"), ""))
	p, _ := l.Position("BTC-EUR")
	assert.True(t, p.MaxDrawdownPct.Equal(dec("20")))

	require.NoError(t, l.RecordTrade("BTC-EUR", domain.TradeSwingRebuy, dec("100"), dec("50"), dec("0.5"), ""))
	p, _ = l.Position("BTC-EUR")
	assert.True(t, p.PeakValue.Equal(dec("130")))
	assert.True(t, p.MaxDrawdownPct.IsZero())
}

func TestRecordTrade_RejectsWithoutMutation(t *testing.T) {
	l, store, _ := newLedger(t)
	require.NoError(t, l.AddPosition("BTC-EUR", dec("45000"), dec("100"), noTarget))
	saves := store.saves

	assert.ErrorIs(t, l.RecordTrade("ETH-EUR", domain.TradeDCABuy, dec("3000"), dec("10"), dec("0.001"), ""), domain.ErrUnknownMarket)
	assert.ErrorIs(t, l.RecordTrade("BTC-EUR", domain.TradeDCABuy, decimal.Zero, dec("10"), dec("0.001"), ""), domain.ErrInvalidPrice)
	assert.ErrorIs(t, l.RecordTrade("BTC-EUR", domain.TradeDCABuy, dec("40000"), decimal.Zero, dec("0.001"), ""), domain.ErrInvalidAmount)
	assert.ErrorIs(t, l.RecordTrade("BTC-EUR", domain.TradeType("gift"), dec("40000"), dec("10"), dec("0.001"), ""), domain.ErrInvalidTradeType)

	p, _ := l.Position("BTC-EUR")
	assert.Empty(t, p.TradeHistory)
	assert.Equal(t, saves, store.saves)
}

func TestCanTradeToday_DailyCapAndRollover(t *testing.T) {
	l, _, clk := newLedger(t)
	require.NoError(t, l.AddPosition("BTC-EUR", dec("45000"), dec("100"), noTarget))

	assert.True(t, l.CanTradeToday("BTC-EUR", 2))
	require.NoError(t, l.RecordTrade("BTC-EUR", domain.TradeDCABuy, dec("40000"), dec("10"), dec("0.00025"), ""))
	assert.True(t, l.CanTradeToday("BTC-EUR", 2))
	require.NoError(t, l.RecordTrade("BTC-EUR", domain.TradeDCABuy, dec("40000"), dec("10"), dec("0.00025"), ""))
	assert.False(t, l.CanTradeToday("BTC-EUR", 2))

	clk.Advance(24 * time.Hour)
	assert.True(t, l.CanTradeToday("BTC-EUR", 2))
	require.NoError(t, l.RecordTrade("BTC-EUR", domain.TradeDCABuy, dec("40000"), dec("10"), dec("0.00025"), ""))
	p, _ := l.Position("BTC-EUR")
	assert.Equal(t, 1, p.DailyTradeCount)

	assert.False(t, l.CanTradeToday("ETH-EUR", 10))
}

func TestMarkLevelCompleted_Idempotent(t *testing.T) {
	l, store, _ := newLedger(t)
	require.NoError(t, l.AddPosition("BTC-EUR", dec("45000"), dec("100"), noTarget))

	require.NoError(t, l.MarkLevelCompleted("BTC-EUR", 2, domain.LevelDCA))
	saves := store.saves
	require.NoError(t, l.MarkLevelCompleted("BTC-EUR", 2, domain.LevelDCA))
	require.NoError(t, l.MarkLevelCompleted("BTC-EUR", 1, domain.LevelSwingRebuy))

	p, _ := l.Position("BTC-EUR")
	assert.Equal(t, domain.LevelSet{2}, p.CompletedDCALevels)
	assert.Equal(t, domain.LevelSet{1}, p.CompletedSwingRebuyLevels)
	assert.Empty(t, p.CompletedProfitLevels)
	assert.Equal(t, saves+1, store.saves)

	assert.ErrorIs(t, l.MarkLevelCompleted("ETH-EUR", 1, domain.LevelDCA), domain.ErrUnknownMarket)
}

func TestPriceMomentum(t *testing.T) {
	l, _, clk := newLedger(t)
	require.NoError(t, l.AddPosition("BTC-EUR", dec("50000"), dec("100"), noTarget))

	_, ok := l.PriceMomentum("BTC-EUR", time.Hour)
	assert.False(t, ok)

	require.NoError(t, l.UpdatePriceHistory("BTC-EUR", dec("44000")))
	_, ok = l.PriceMomentum("BTC-EUR", time.Hour)
	assert.False(t, ok, "one sample is not enough")

	clk.Advance(30 * time.Minute)
	require.NoError(t, l.UpdatePriceHistory("BTC-EUR", dec("43000")))
	clk.Advance(30 * time.Minute)
	require.NoError(t, l.UpdatePriceHistory("BTC-EUR", dec("42500")))

	// closest to now-1h is the 44000 sample
	m, ok := l.PriceMomentum("BTC-EUR", time.Hour)
	require.True(t, ok)
	assert.InDelta(t, -3.409, m.InexactFloat64(), 0.001)

	// closest to now-30m is the 43000 sample
	m, ok = l.PriceMomentum("BTC-EUR", 30*time.Minute)
	require.True(t, ok)
	assert.InDelta(t, -1.163, m.InexactFloat64(), 0.001)
}

func TestUpdatePriceHistory_TrimsOldSamples(t *testing.T) {
	l, _, clk := newLedger(t)
	require.NoError(t, l.AddPosition("BTC-EUR", dec("50000"), dec("100"), noTarget))

	require.NoError(t, l.UpdatePriceHistory("BTC-EUR", dec("50000")))
	clk.Advance(49 * time.Hour)
	require.NoError(t, l.UpdatePriceHistory("BTC-EUR", dec("51000")))

	p, _ := l.Position("BTC-EUR")
	require.Len(t, p.PriceHistory, 1)
	assert.True(t, p.PriceHistory[0].Price.Equal(dec("51000")))
}

func TestLowestPriceTracking(t *testing.T) {
	l, _, _ := newLedger(t)
	require.NoError(t, l.AddPosition("BTC-EUR", dec("50000"), dec("100"), noTarget))

	require.NoError(t, l.UpdateLowestPriceTracking("BTC-EUR", dec("42000")))
	require.NoError(t, l.UpdateLowestPriceTracking("BTC-EUR", dec("44000")))
	p, _ := l.Position("BTC-EUR")
	assert.True(t, p.LowestPriceSinceEntry.Equal(dec("42000")))

	require.NoError(t, l.MarkRecoveryRebuyCompleted("BTC-EUR"))
	require.NoError(t, l.ResetRecoveryTracking("BTC-EUR", dec("50500")))
	p, _ = l.Position("BTC-EUR")
	assert.False(t, p.RecoveryRebuyCompleted)
	assert.True(t, p.LowestPriceSinceEntry.Equal(dec("50500")))
}

func TestSwingCashReserve(t *testing.T) {
	l, _, _ := newLedger(t)
	require.NoError(t, l.AddPosition("BTC-EUR", dec("50000"), dec("100"), noTarget))

	require.NoError(t, l.AddSwingCashReserve("BTC-EUR", dec("30")))
	require.NoError(t, l.UseSwingCashReserve("BTC-EUR", dec("20")))
	assert.ErrorIs(t, l.UseSwingCashReserve("BTC-EUR", dec("10.01")), domain.ErrInsufficientReserve)
	assert.True(t, l.SwingCashReserve("BTC-EUR").Equal(dec("10")))
	assert.True(t, l.SwingCashReserve("ETH-EUR").IsZero())
}

func TestPortfolioSummary(t *testing.T) {
	l, _, _ := newLedger(t)
	require.NoError(t, l.AddPosition("BTC-EUR", dec("50000"), dec("100"), noTarget))
	require.NoError(t, l.AddPosition("ETH-EUR", dec("3000"), dec("200"), noTarget))
	require.NoError(t, l.RecordTrade("ETH-EUR", domain.TradeProfitSell, dec("3300"), dec("50"), dec("0.015"), ""))

	s := l.PortfolioSummary()
	assert.Equal(t, 2, s.TotalAssets)
	assert.True(t, s.TotalInvested.Equal(dec("300")))
	assert.True(t, s.TotalCurrentValue.Equal(dec("250")))
	assert.True(t, s.UnrealizedPnLEUR.Equal(dec("-50")))
	assert.InDelta(t, -16.667, s.UnrealizedPnLPct.InexactFloat64(), 0.001)
	assert.True(t, s.MaxDrawdownPct.Equal(dec("25")))
	assert.Equal(t, []string{"BTC-EUR", "ETH-EUR"}, l.Markets())
}

func TestPruneTrades(t *testing.T) {
	l, _, clk := newLedger(t)
	require.NoError(t, l.AddPosition("BTC-EUR", dec("50000"), dec("100"), noTarget))
	require.NoError(t, l.RecordTrade("BTC-EUR", domain.TradeDCABuy, dec("45000"), dec("10"), dec("0.0002"), "old"))
	clk.Advance(31 * 24 * time.Hour)
	require.NoError(t, l.RecordTrade("BTC-EUR", domain.TradeDCABuy, dec("45000"), dec("10"), dec("0.0002"), "new"))

	assert.Equal(t, 1, l.PruneTrades(ledger.TradeRetention))
	p, _ := l.Position("BTC-EUR")
	require.Len(t, p.TradeHistory, 1)
	assert.Equal(t, "new", p.TradeHistory[0].Reason)
}

func TestSaveFailureKeepsMemoryState(t *testing.T) {
	l, store, _ := newLedger(t)
	store.saveErr = errors.New("disk full")

	require.NoError(t, l.AddPosition("BTC-EUR", dec("50000"), dec("100"), noTarget))
	assert.True(t, l.Has("BTC-EUR"))
}

func TestConcurrentMutationsAreSerialized(t *testing.T) {
	l, _, _ := newLedger(t)
	require.NoError(t, l.AddPosition("BTC-EUR", dec("50000"), dec("100"), noTarget))
	require.NoError(t, l.AddSwingCashReserve("BTC-EUR", dec("100")))

	var wg sync.WaitGroup
	var mu sync.Mutex
	used := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.UseSwingCashReserve("BTC-EUR", dec("7")) == nil {
				mu.Lock()
				used++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 14, used)
	assert.True(t, l.SwingCashReserve("BTC-EUR").Equal(dec("2")))
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protected_assets.json")
	store, err := storage.NewLedgerFile(path)
	require.NoError(t, err)

	l, err := ledger.New(store)
	require.NoError(t, err)
	require.NoError(t, l.AddPosition("BTC-EUR", dec("45000"), dec("100"), decimal.NewNullDecimal(dec("40"))))
	require.NoError(t, l.RecordTrade("BTC-EUR", domain.TradeDCABuy, dec("40000"), dec("50"), dec("0.00125"), "DCA level 1"))
	require.NoError(t, l.MarkLevelCompleted("BTC-EUR", 1, domain.LevelDCA))
	require.NoError(t, l.MarkLevelCompleted("BTC-EUR", 1, domain.LevelSwingSell))
	require.NoError(t, l.MarkLevelCompleted("BTC-EUR", 2, domain.LevelSwingRebuy))
	require.NoError(t, l.AddSwingCashReserve("BTC-EUR", dec("12.34")))
	require.NoError(t, l.UpdatePriceHistory("BTC-EUR", dec("40000")))
	require.NoError(t, l.UpdateStopLoss("BTC-EUR", dec("18.5")))

	reopened, err := ledger.New(store)
	require.NoError(t, err)

	want, _ := l.Position("BTC-EUR")
	got, ok := reopened.Position("BTC-EUR")
	require.True(t, ok)

	assert.True(t, want.EntryPrice.Equal(got.EntryPrice))
	assert.True(t, want.TotalInvested.Equal(got.TotalInvested))
	assert.True(t, want.CurrentPositionValue.Equal(got.CurrentPositionValue))
	assert.True(t, want.SwingCashReserve.Equal(got.SwingCashReserve))
	assert.True(t, got.CurrentStopLossPct.Equal(dec("18.5")))
	require.NotNil(t, got.LastVolatilityCheck)
	assert.Equal(t, want.CompletedDCALevels, got.CompletedDCALevels)
	assert.Equal(t, want.CompletedSwingSellLevels, got.CompletedSwingSellLevels)
	assert.Equal(t, want.CompletedSwingRebuyLevels, got.CompletedSwingRebuyLevels)
	require.Len(t, got.TradeHistory, 1)
	assert.Equal(t, want.TradeHistory[0].Type, got.TradeHistory[0].Type)
	assert.True(t, want.TradeHistory[0].Timestamp.Equal(got.TradeHistory[0].Timestamp))
	require.Len(t, got.PriceHistory, 1)
	assert.True(t, got.TargetAllocationPct.Decimal.Equal(dec("40")))
	assert.Equal(t, want.DailyTradeCount, got.DailyTradeCount)
}
