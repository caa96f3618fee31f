package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/assetguard/config"
	"github.com/alejandrodnm/assetguard/internal/adapters/paper"
	"github.com/alejandrodnm/assetguard/internal/circuit"
	"github.com/alejandrodnm/assetguard/internal/domain"
)

func TestEngineConfig_ConvertsExample(t *testing.T) {
	cfg, err := config.Load("../../config/config.example.yaml")
	require.NoError(t, err)

	ec := engineConfig(cfg)
	assert.True(t, ec.Enabled)
	assert.Equal(t, 30*time.Second, ec.CheckInterval)
	assert.Equal(t, 24*time.Hour, ec.VolatilityWindow)
	assert.Equal(t, time.Hour, ec.DCAMomentumWindow)
	assert.Equal(t, "1001", ec.OperatorID)
	assert.True(t, ec.TargetAllocations["BTC-EUR"].Equal(decimal.NewFromInt(60)))

	require.Len(t, ec.DCALevels, 3)
	assert.True(t, ec.DCALevels[0].Allocation.Equal(decimal.RequireFromString("0.3")))
	require.Len(t, ec.SwingLevels, 2)
	assert.Equal(t, domain.SwingRebuy, ec.SwingLevels[1].Action)
	assert.True(t, ec.Enhanced.Enabled)
	assert.True(t, ec.Enhanced.BuybackSharePct.Equal(decimal.NewFromInt(95)))
}

func TestNewBreaker_OverridesPreset(t *testing.T) {
	b := newBreaker("order", config.BreakerConfig{FailureThreshold: 5})
	assert.Equal(t, "order", b.Name())

	boom := errors.New("boom")
	for i := 0; i < 4; i++ {
		_ = b.Call("place", func() error { return boom })
	}
	assert.Equal(t, circuit.StateClosed, b.State())

	_ = b.Call("place", func() error { return boom })
	assert.Equal(t, circuit.StateOpen, b.State())
	assert.Greater(t, b.Status().TimeUntilRecovery, 500*time.Second, "order preset recovery timeout kept")
}

func TestPaperExchange_FillsAtLivePrice(t *testing.T) {
	sim := paper.New(decimal.NewFromInt(1000))
	live := liveStub{price: "40000"}
	x := newPaperExchange(sim, live)
	ctx := context.Background()

	_, err := x.SendRequest(ctx, http.MethodGet, "/ticker/price?market=BTC-EUR", nil)
	require.NoError(t, err)

	_, err = x.SendRequest(ctx, http.MethodPost, "/order", map[string]string{
		"market": "BTC-EUR", "side": "buy", "orderType": "market", "amountQuote": "100.00",
	})
	require.NoError(t, err)
	assert.True(t, sim.Balance("BTC").Equal(decimal.RequireFromString("0.0025")))
	assert.True(t, sim.Balance("EUR").Equal(decimal.NewFromInt(900)))
}

// --- mocks ---

type liveStub struct{ price string }

func (s liveStub) SendRequest(_ context.Context, _, _ string, _ any) (json.RawMessage, error) {
	return json.RawMessage(`{"market":"BTC-EUR","price":"` + s.price + `"}`), nil
}
