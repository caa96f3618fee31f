package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLevelSet_AddKeepsSortedAndUnique(t *testing.T) {
	var s LevelSet
	s = s.Add(3)
	s = s.Add(1)
	s = s.Add(2)
	s = s.Add(3)

	assert.Equal(t, LevelSet{1, 2, 3}, s)
	assert.True(t, s.Has(2))
	assert.False(t, s.Has(4))
}

func TestLevelSet_UnmarshalSortsAndDeduplicates(t *testing.T) {
	var p ProtectedPosition
	err := json.Unmarshal([]byte(`{"completed_dca_levels":[3,1,3,2]}`), &p)
	assert.NoError(t, err)

	assert.Equal(t, LevelSet{1, 2, 3}, p.CompletedDCALevels)
	for _, idx := range []int{1, 2, 3} {
		assert.True(t, p.CompletedDCALevels.Has(idx), "level %d", idx)
	}
	assert.Nil(t, p.CompletedProfitLevels)
}

func TestTradeType_Classification(t *testing.T) {
	buys := []TradeType{TradeDCABuy, TradeSwingRebuy, TradeRecoveryRebuy, TradeRebalanceBuy, TradeTrailingBuyback}
	sells := []TradeType{TradeProfitSell, TradeStopLoss, TradeEmergencyStop, TradeSwingSell, TradeRebalanceSell, TradeTrailingSell}

	for _, tt := range buys {
		assert.True(t, tt.IsBuy(), tt)
		assert.False(t, tt.IsSell(), tt)
	}
	for _, tt := range sells {
		assert.True(t, tt.IsSell(), tt)
		assert.False(t, tt.IsBuy(), tt)
	}
	assert.False(t, TradeType("gift").Valid())
}

func TestDropAndGainPct(t *testing.T) {
	p := &ProtectedPosition{EntryPrice: d("45000")}

	assert.True(t, p.DropPct(d("31500")).Equal(d("30")))
	assert.True(t, p.GainPct(d("49500")).Equal(d("10")))
	assert.True(t, DropPct(decimal.Zero, d("10")).IsZero())
	assert.True(t, ChangePct(d("42000"), d("42210")).Equal(d("0.5")))
}

func TestClone_DoesNotShareSlices(t *testing.T) {
	now := time.Now()
	p := &ProtectedPosition{
		Market:              "BTC-EUR",
		TradeHistory:        []TradeRecord{{Type: TradeDCABuy}},
		CompletedDCALevels:  LevelSet{1},
		LastVolatilityCheck: &now,
	}

	c := p.Clone()
	c.TradeHistory[0].Reason = "changed"
	c.CompletedDCALevels[0] = 9
	*c.LastVolatilityCheck = now.Add(time.Hour)

	assert.Empty(t, p.TradeHistory[0].Reason)
	assert.Equal(t, LevelSet{1}, p.CompletedDCALevels)
	assert.True(t, p.LastVolatilityCheck.Equal(now))
}

func TestSameDay(t *testing.T) {
	a := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	assert.True(t, SameDay(a, a.Add(-time.Hour)))
	assert.False(t, SameDay(a, a.Add(2*time.Minute)))
}

func TestValidMarket(t *testing.T) {
	assert.True(t, ValidMarket("BTC-EUR"))
	assert.True(t, ValidMarket("1INCH-EUR"))
	assert.False(t, ValidMarket("btc-eur"))
	assert.False(t, ValidMarket("BTCEUR"))
	assert.False(t, ValidMarket(""))
	assert.Equal(t, "ETH", BaseAsset("ETH-EUR"))
}
