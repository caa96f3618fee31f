package protection_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/assetguard/internal/application/engine/protection"
	"github.com/alejandrodnm/assetguard/internal/domain"
)

func TestTrailing_SellsOnRetraceAndBuysBack(t *testing.T) {
	h := newHarness(t, protection.Config{
		Enabled:              true,
		EmergencyStopLossPct: dec("50"),
		Enhanced:             protection.EnhancedConfig{Enabled: true},
	}, "500")
	h.protect("BTC-EUR", "40000", "10000")
	ctx := context.Background()

	for _, p := range []string{"44000", "48000"} {
		h.x.SetPrice("BTC-EUR", dec(p))
		res := h.eng.RunOnce(ctx)
		assert.Equal(t, 0, res.Trades, "rising at %s", p)
	}

	h.x.SetPrice("BTC-EUR", dec("45500"))
	res := h.eng.RunOnce(ctx)
	require.Equal(t, 1, res.Trades)

	sum := h.eng.Enhanced().Summary()
	require.Len(t, sum, 1)
	st := sum[0]
	assert.True(t, st.Active)
	assert.Equal(t, 1, st.TrailingSells)
	assert.True(t, st.ProfitTakenEUR.Equal(dec("227.5")), "got %s", st.ProfitTakenEUR)
	assert.True(t, st.HighestPrice.Equal(dec("45500")), "high rebases to the sell price")
	assert.True(t, st.BuybackTarget.Equal(dec("44135")), "got %s", st.BuybackTarget)
	assert.True(t, st.BuybackAmountEUR.Equal(dec("216.13")), "got %s", st.BuybackAmountEUR)

	h.x.SetPrice("BTC-EUR", dec("44000"))
	res = h.eng.RunOnce(ctx)
	require.Equal(t, 1, res.Trades)

	st = h.eng.Enhanced().Summary()[0]
	assert.True(t, st.BuybackTarget.IsZero())
	assert.True(t, h.budget.Spent().Equal(dec("216.13")))

	trades := h.journal.tradesOf("BTC-EUR")
	require.Len(t, trades, 2)
	assert.Equal(t, domain.TradeTrailingSell, trades[0].Type)
	assert.Equal(t, domain.TradeTrailingBuyback, trades[1].Type)
}

func TestTrailing_InactiveBelowStartGain(t *testing.T) {
	h := newHarness(t, protection.Config{
		Enabled:              true,
		EmergencyStopLossPct: dec("50"),
		Enhanced:             protection.EnhancedConfig{Enabled: true},
	}, "500")
	h.protect("BTC-EUR", "40000", "10000")
	ctx := context.Background()

	h.x.SetPrice("BTC-EUR", dec("42800"))
	h.eng.RunOnce(ctx)
	h.x.SetPrice("BTC-EUR", dec("40400"))
	res := h.eng.RunOnce(ctx)

	assert.Equal(t, 0, res.Trades)
	st := h.eng.Enhanced().Summary()[0]
	assert.False(t, st.Active)
	assert.True(t, st.HighestPrice.Equal(dec("42800")))
}

func TestTrailing_SkipsSellsBelowMinimumValue(t *testing.T) {
	h := newHarness(t, protection.Config{
		Enabled:              true,
		EmergencyStopLossPct: dec("50"),
		Enhanced:             protection.EnhancedConfig{Enabled: true},
	}, "500")
	// 2% of a 500 EUR position is below the 20 EUR minimum.
	h.protect("BTC-EUR", "40000", "500")
	ctx := context.Background()

	h.x.SetPrice("BTC-EUR", dec("48000"))
	h.eng.RunOnce(ctx)
	h.x.SetPrice("BTC-EUR", dec("45500"))
	res := h.eng.RunOnce(ctx)

	assert.Equal(t, 0, res.Trades)
	assert.Empty(t, h.x.Fills())
}

func TestTrailing_ResetOnPositionExit(t *testing.T) {
	h := newHarness(t, protection.Config{
		Enabled:              true,
		EmergencyStopLossPct: dec("20"),
		Enhanced:             protection.EnhancedConfig{Enabled: true},
	}, "500")
	h.protect("BTC-EUR", "40000", "10000")
	ctx := context.Background()

	h.x.SetPrice("BTC-EUR", dec("44000"))
	h.eng.RunOnce(ctx)
	require.Len(t, h.eng.Enhanced().Summary(), 1)

	h.x.SetPrice("BTC-EUR", dec("30000"))
	res := h.eng.RunOnce(ctx)
	assert.Equal(t, []string{"BTC-EUR"}, res.Removed)
	assert.Empty(t, h.eng.Enhanced().Summary())
}
