// Package protection runs the risk rules over the protected-asset ledger:
// emergency and dynamic stops, DCA, profit taking, swing trading, recovery
// rebuys and trailing profit, all under one shared daily budget and behind
// per-domain circuit breakers.
package protection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/assetguard/internal/application/ledger"
	"github.com/alejandrodnm/assetguard/internal/circuit"
	"github.com/alejandrodnm/assetguard/internal/domain"
	"github.com/alejandrodnm/assetguard/internal/ports"
)

const (
	defaultCheckInterval     = 30 * time.Second
	defaultVolatilityRefresh = 4 * time.Hour
	defaultVolatilityWindow  = 24 * time.Hour
	defaultMomentumWindow    = time.Hour
	defaultMaxDailyTrades    = 10
	stopJoinTimeout          = 10 * time.Second
	pruneEvery               = 24 * time.Hour
)

var (
	minStopLossPct          = decimal.NewFromInt(5)
	maxStopLossPct          = decimal.NewFromInt(50)
	minStopChangePct        = decimal.NewFromInt(1)
	defaultDowntrendDrop    = decimal.NewFromInt(15)
	defaultDowntrendRebuy   = decimal.NewFromInt(35)
	defaultPositionMultiple = decimal.NewFromInt(2)
)

// RebalanceConfig controls the allocation drift check.
type RebalanceConfig struct {
	Enabled           bool
	DriftThresholdPct decimal.Decimal
}

// Config holds every threshold of the protection rules.
type Config struct {
	Enabled           bool
	Markets           []string
	TargetAllocations map[string]decimal.Decimal
	CheckInterval     time.Duration
	MaxDailyTrades    int
	OperatorID        string

	EmergencyStopLossPct decimal.Decimal
	BaseStopLossPct      decimal.Decimal
	VolatilityMultiplier decimal.Decimal
	VolatilityWindow     time.Duration
	VolatilityRefresh    time.Duration

	DCAEnabled            bool
	DCALevels             []domain.DipLevel
	DCAMomentumWindow     time.Duration
	DCAMomentumThreshold  decimal.Decimal
	DCAFallingMultiplier  decimal.Decimal
	DCABouncingMultiplier decimal.Decimal

	LossCircuitBreakerEnabled bool
	LossCircuitBreakerPct     decimal.Decimal
	MaxPositionMultiplier     decimal.Decimal

	ProfitTakingEnabled bool
	ProfitLevels        []domain.ProfitLevel

	SwingEnabled         bool
	SwingLevels          []domain.SwingLevel
	SwingCashReservePct  decimal.Decimal
	DowntrendDropPct     decimal.Decimal
	DowntrendMinRebuyPct decimal.Decimal

	RecoveryEnabled         bool
	MinRecoveryThresholdPct decimal.Decimal
	RecoveryBouncePct       decimal.Decimal
	RecoveryRebuyAllocation decimal.Decimal

	Rebalancing RebalanceConfig
	Enhanced    EnhancedConfig
}

// Deps are the collaborators of the engine. Volatility, Journal and Notifier
// are optional; missing breakers get the default presets.
type Deps struct {
	Exchange   ports.Exchange
	Ledger     *ledger.Ledger
	Budget     *Budget
	Volatility ports.VolatilityProvider
	Journal    ports.TradeJournal
	Notifier   ports.Notifier

	PriceBreaker   *circuit.Breaker
	BalanceBreaker *circuit.Breaker
	OrderBreaker   *circuit.Breaker
}

// CycleResult summarises one pass over the ledger.
type CycleResult struct {
	MarketsChecked int
	Trades         int
	Errors         int
	Removed        []string
	StopsUpdated   int
	Drift          []domain.AllocationDrift
}

// Engine is the protection orchestrator.
type Engine struct {
	cfg        Config
	exchange   ports.Exchange
	ledger     *ledger.Ledger
	budget     *Budget
	volatility ports.VolatilityProvider
	journal    ports.TradeJournal
	notifier   ports.Notifier

	priceCB   *circuit.Breaker
	balanceCB *circuit.Breaker
	orderCB   *circuit.Breaker

	enhanced *Enhanced
	now      func() time.Time

	// cycleMu serializes RunOnce. Level guards are read before the order and
	// marked after it, so two cycles must never overlap.
	cycleMu sync.Mutex

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	stateMu   sync.Mutex
	lastPrune time.Time
	drift     []domain.AllocationDrift
}

// New builds an engine, filling unset thresholds with defaults.
func New(deps Deps, cfg Config) *Engine {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.MaxDailyTrades <= 0 {
		cfg.MaxDailyTrades = defaultMaxDailyTrades
	}
	if cfg.VolatilityRefresh <= 0 {
		cfg.VolatilityRefresh = defaultVolatilityRefresh
	}
	if cfg.VolatilityWindow <= 0 {
		cfg.VolatilityWindow = defaultVolatilityWindow
	}
	if cfg.DCAMomentumWindow <= 0 {
		cfg.DCAMomentumWindow = defaultMomentumWindow
	}
	if cfg.DCAFallingMultiplier.IsZero() {
		cfg.DCAFallingMultiplier = decimal.NewFromInt(1)
	}
	if cfg.DCABouncingMultiplier.IsZero() {
		cfg.DCABouncingMultiplier = decimal.NewFromInt(1)
	}
	if cfg.MaxPositionMultiplier.IsZero() {
		cfg.MaxPositionMultiplier = defaultPositionMultiple
	}
	if cfg.DowntrendDropPct.IsZero() {
		cfg.DowntrendDropPct = defaultDowntrendDrop
	}
	if cfg.DowntrendMinRebuyPct.IsZero() {
		cfg.DowntrendMinRebuyPct = defaultDowntrendRebuy
	}
	if cfg.BaseStopLossPct.IsZero() {
		cfg.BaseStopLossPct = domain.DefaultStopLossPct
	}
	domain.SortDipLevels(cfg.DCALevels)
	domain.SortProfitLevels(cfg.ProfitLevels)
	domain.SortSwingLevels(cfg.SwingLevels)

	if deps.PriceBreaker == nil {
		deps.PriceBreaker = circuit.New("price", circuit.PriceConfig())
	}
	if deps.BalanceBreaker == nil {
		deps.BalanceBreaker = circuit.New("balance", circuit.BalanceConfig())
	}
	if deps.OrderBreaker == nil {
		deps.OrderBreaker = circuit.New("order", circuit.OrderConfig())
	}

	e := &Engine{
		cfg:        cfg,
		exchange:   deps.Exchange,
		ledger:     deps.Ledger,
		budget:     deps.Budget,
		volatility: deps.Volatility,
		journal:    deps.Journal,
		notifier:   deps.Notifier,
		priceCB:    deps.PriceBreaker,
		balanceCB:  deps.BalanceBreaker,
		orderCB:    deps.OrderBreaker,
		now:        time.Now,
	}
	e.enhanced = NewEnhanced(cfg.Enhanced, e)

	for _, b := range e.breakers() {
		b.OnStateChange(e.recordBreakerEvent)
	}
	return e
}

// SetClock replaces the time source. Used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Enhanced returns the trailing-profit sub-module.
func (e *Engine) Enhanced() *Enhanced { return e.enhanced }

func (e *Engine) breakers() []*circuit.Breaker {
	return []*circuit.Breaker{e.priceCB, e.balanceCB, e.orderCB}
}

// Protect hands a filled position over to protection. It is a no-op when the
// market is already protected.
func (e *Engine) Protect(market string, entryPrice, investedEUR decimal.Decimal) error {
	target := decimal.NullDecimal{}
	if pct, ok := e.cfg.TargetAllocations[market]; ok {
		target = decimal.NewNullDecimal(pct)
	}
	if err := e.ledger.AddPosition(market, entryPrice, investedEUR, target); err != nil {
		if errors.Is(err, domain.ErrAlreadyProtected) {
			return nil
		}
		return fmt.Errorf("protection.Protect: %w", err)
	}
	if err := e.ledger.UpdateStopLoss(market, e.cfg.BaseStopLossPct); err != nil {
		return fmt.Errorf("protection.Protect: set stop loss: %w", err)
	}
	return nil
}

// AdoptHoldings puts every configured market that is held on the exchange but
// not yet protected under protection, using the current price as entry.
func (e *Engine) AdoptHoldings(ctx context.Context) (int, error) {
	adopted := 0
	for _, market := range e.cfg.Markets {
		if e.ledger.Has(market) {
			continue
		}
		balance, err := e.currentBalance(ctx, market)
		if err != nil {
			slog.Warn("protection: adopt skipped, balance unavailable", "market", market, "err", err)
			continue
		}
		if !balance.IsPositive() {
			slog.Debug("protection: adopt skipped, nothing held", "market", market)
			continue
		}
		price, err := e.currentPrice(ctx, market)
		if err != nil {
			slog.Warn("protection: adopt skipped, price unavailable", "market", market, "err", err)
			continue
		}
		invested := balance.Mul(price).Round(2)
		if err := e.Protect(market, price, invested); err != nil {
			slog.Warn("protection: adopt failed", "market", market, "err", err)
			continue
		}
		slog.Info("protection: holding adopted", "market", market, "entry", price.StringFixed(2), "invested_eur", invested.StringFixed(2))
		adopted++
	}
	if ctx.Err() != nil {
		return adopted, fmt.Errorf("protection.AdoptHoldings: %w", ctx.Err())
	}
	return adopted, nil
}

// Run blocks until ctx is cancelled, running one cycle immediately and then
// one every CheckInterval.
func (e *Engine) Run(ctx context.Context) error {
	if !e.cfg.Enabled {
		slog.Info("protection: disabled by config")
		return nil
	}
	slog.Info("protection: started", "interval", e.cfg.CheckInterval, "markets", len(e.ledger.Markets()))

	e.runCycle(ctx)

	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("protection: stopped")
			return nil
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) {
	res := e.RunOnce(ctx)
	if res.Trades > 0 || res.Errors > 0 {
		slog.Info("protection: cycle done", "markets", res.MarketsChecked, "trades", res.Trades, "errors", res.Errors)
	}
}

// Start runs the loop in a background goroutine.
func (e *Engine) Start() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return errors.New("protection.Start: already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	go func(done chan struct{}) {
		defer close(done)
		_ = e.Run(ctx)
	}(e.done)
	return nil
}

// Stop cancels the background loop and waits up to 10s for it to exit.
// In-flight exchange calls are left to finish on their own.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	cancel, done := e.cancel, e.done
	e.running = false
	e.runMu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		slog.Warn("protection: loop did not stop in time")
	}
}

// Running reports whether the background loop is active.
func (e *Engine) Running() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

// RunOnce executes one protection cycle over every protected market.
// Orchestrates: budget rollover → per-market rules → volatility stops →
// rebalancing drift → trade pruning.
func (e *Engine) RunOnce(ctx context.Context) CycleResult {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	var res CycleResult

	// 1. Daily budget rollover
	e.budget.ResetIfNewDay()
	if day, spent, ok := e.budget.TakeClosedDay(); ok {
		e.saveDailySummary(ctx, day, spent)
	}

	// 2. Rules, market by market
	for _, market := range e.ledger.Markets() {
		if ctx.Err() != nil {
			return res
		}
		res.MarketsChecked++
		e.checkMarket(ctx, market, &res)
	}

	// 3. Volatility-adjusted stops
	res.StopsUpdated = e.refreshVolatilityStops(ctx)

	// 4. Allocation drift
	if e.cfg.Rebalancing.Enabled {
		res.Drift = e.checkRebalancing()
	}

	// 5. Trade history retention
	e.pruneTrades()
	return res
}

// checkMarket runs the rule chain for one market. A panic or error here never
// reaches the other markets of the cycle.
func (e *Engine) checkMarket(ctx context.Context, market string, res *CycleResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("protection: market check panicked", "market", market, "panic", r)
			res.Errors++
		}
	}()

	price, err := e.currentPrice(ctx, market)
	if err != nil {
		slog.Warn("protection: price unavailable", "market", market, "err", err)
		res.Errors++
		return
	}
	if err := e.ledger.UpdatePriceHistory(market, price); err != nil {
		return
	}
	_ = e.ledger.UpdateLowestPriceTracking(market, price)

	pos, ok := e.ledger.Position(market)
	if !ok {
		return
	}

	if ex := e.checkStops(ctx, pos, price); ex != exitNone {
		if ex == exitSold {
			res.Trades++
		}
		res.Removed = append(res.Removed, market)
		return
	}

	if !e.ledger.CanTradeToday(market, e.cfg.MaxDailyTrades) {
		slog.Debug("protection: daily trade limit reached", "market", market, "max", e.cfg.MaxDailyTrades)
		return
	}

	res.Trades += e.checkDCA(ctx, market, price)
	res.Trades += e.checkProfitTaking(ctx, market, price)
	res.Trades += e.checkSwing(ctx, market, price)
	res.Trades += e.checkRecovery(ctx, market, price)
	if e.cfg.Enhanced.Enabled {
		if pos, ok := e.ledger.Position(market); ok {
			res.Trades += e.enhanced.Check(ctx, pos, price)
		}
	}
}

func (e *Engine) pruneTrades() {
	e.stateMu.Lock()
	due := e.now().Sub(e.lastPrune) >= pruneEvery
	if due {
		e.lastPrune = e.now()
	}
	e.stateMu.Unlock()
	if due {
		e.ledger.PruneTrades(ledger.TradeRetention)
	}
}

func (e *Engine) saveDailySummary(ctx context.Context, day time.Time, spent decimal.Decimal) {
	if e.journal == nil {
		return
	}
	summary := domain.DailySummary{
		Date:      time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC),
		BudgetEUR: e.budget.Max(),
		SpentEUR:  spent,
	}
	portfolio := e.ledger.PortfolioSummary()
	summary.Positions = portfolio.TotalAssets
	summary.InvestedEUR = portfolio.TotalInvested
	summary.ValueEUR = portfolio.TotalCurrentValue
	for _, p := range e.ledger.Positions() {
		for _, tr := range p.TradeHistory {
			if !domain.SameDay(day, tr.Timestamp) {
				continue
			}
			if tr.Type.IsBuy() {
				summary.Buys++
			} else {
				summary.Sells++
			}
		}
	}
	if err := e.journal.SaveDailySummary(ctx, summary); err != nil {
		slog.Warn("protection: error saving daily summary", "err", err)
	}
}

func (e *Engine) recordBreakerEvent(tr circuit.Transition) {
	if e.journal == nil {
		return
	}
	ev := domain.BreakerEvent{
		Breaker: tr.Breaker,
		From:    string(tr.From),
		To:      string(tr.To),
		Reason:  tr.Reason,
		At:      tr.At,
	}
	if err := e.journal.SaveBreakerEvent(context.Background(), ev); err != nil {
		slog.Warn("protection: error saving breaker event", "breaker", tr.Breaker, "err", err)
	}
}
