package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/assetguard/config"
)

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := config.Load("config.example.yaml")
	require.NoError(t, err)

	p := cfg.Protection
	assert.True(t, p.Enabled)
	assert.Equal(t, []string{"BTC-EUR", "ETH-EUR"}, p.Markets)
	assert.Equal(t, 60.0, p.TargetAllocations["BTC-EUR"])
	require.Len(t, p.DCA.Levels, 3)
	assert.Equal(t, 0.4, p.DCA.Levels[1].Allocation)
	require.Len(t, p.Swing.Levels, 2)
	assert.Equal(t, "rebuy", p.Swing.Levels[1].Action)
	assert.Equal(t, 95.0, p.Enhanced.BuybackSharePct)
	assert.Equal(t, 3, cfg.CircuitBreakers.Order.FailureThreshold)
	assert.Zero(t, cfg.CircuitBreakers.Price.FailureThreshold)
}

func TestLoad_ExampleLaddersSitInsideStop(t *testing.T) {
	cfg, err := config.Load("config.example.yaml")
	require.NoError(t, err)

	p := cfg.Protection
	stop := p.BaseStopLossPct
	for i, l := range p.DCA.Levels {
		assert.Less(t, l.ThresholdPct, stop, "dca level %d", i+1)
		assert.Less(t, l.ThresholdPct, p.LossCircuitBreaker.Pct, "dca level %d", i+1)
	}
	for i, l := range p.Swing.Levels {
		assert.Less(t, l.ThresholdPct, stop, "swing level %d", i+1)
	}
	assert.Less(t, p.Swing.DowntrendDropPct, stop)
	assert.Less(t, p.Recovery.MinThresholdPct, stop)
	assert.Less(t, stop, p.EmergencyStopLossPct)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "protection:\n  enabled: true\n")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	p := cfg.Protection
	assert.Equal(t, 30, p.CheckIntervalSeconds)
	assert.Equal(t, 100.0, p.MaxDailyBudgetEUR)
	assert.Equal(t, 10, p.MaxDailyTrades)
	assert.Equal(t, 25.0, p.EmergencyStopLossPct)
	assert.Equal(t, 15.0, p.BaseStopLossPct)
	assert.Equal(t, 35.0, p.Swing.DowntrendMinRebuyPct)
	assert.Equal(t, "data/protected_assets.json", cfg.Storage.LedgerPath)
	assert.Equal(t, "https://api.bitvavo.com/v2", cfg.Exchange.BaseURL)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "30s", cfg.CheckInterval().String())
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "exchange:\n  api_key: from-yaml\nlog:\n  level: info\n")
	t.Setenv("BITVAVO_API_KEY", "from-env")
	t.Setenv("BITVAVO_OPERATOR_ID", "42")
	t.Setenv("ASSETGUARD_MAX_DAILY_BUDGET", "250.5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Exchange.APIKey)
	assert.Equal(t, "42", cfg.Exchange.OperatorID)
	assert.Equal(t, 250.5, cfg.Protection.MaxDailyBudgetEUR)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_BadBudgetEnv(t *testing.T) {
	path := writeConfig(t, "protection:\n  enabled: true\n")
	t.Setenv("ASSETGUARD_MAX_DAILY_BUDGET", "lots")

	_, err := config.Load(path)
	assert.ErrorContains(t, err, "ASSETGUARD_MAX_DAILY_BUDGET")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	path := writeConfig(t, `
protection:
  markets: [btc-eur]
  dca:
    levels:
      - { threshold_pct: 10, allocation: 1.5 }
  swing:
    levels:
      - { threshold_pct: 5, action: hold, allocation: 0.5 }
log:
  format: xml
`)
	_, err := config.Load(path)
	require.Error(t, err)
	assert.ErrorContains(t, err, `invalid market "btc-eur"`)
	assert.ErrorContains(t, err, "dca.levels[0]")
	assert.ErrorContains(t, err, `action "hold"`)
	assert.ErrorContains(t, err, "log.format")
}

// --- helpers ---

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
