package protection

import (
	"github.com/alejandrodnm/assetguard/internal/domain"
)

// Status returns a snapshot of the engine for operators.
func (e *Engine) Status() domain.StatusSummary {
	s := domain.StatusSummary{
		GeneratedAt:       e.now(),
		Enabled:           e.cfg.Enabled,
		Running:           e.Running(),
		Portfolio:         e.ledger.PortfolioSummary(),
		DailyBudgetEUR:    e.budget.Max(),
		DailySpentEUR:     e.budget.Spent(),
		DailyRemainingEUR: e.budget.Remaining(),
		Trailing:          e.enhanced.Summary(),
	}

	for _, p := range e.ledger.Positions() {
		s.Positions = append(s.Positions, domain.PositionStatus{
			Market:           p.Market,
			EntryPrice:       p.EntryPrice,
			TotalInvested:    p.TotalInvested,
			CurrentValue:     p.CurrentPositionValue,
			StopLossPct:      p.CurrentStopLossPct,
			SwingCashReserve: p.SwingCashReserve,
			MaxDrawdownPct:   p.MaxDrawdownPct,
			Trades:           len(p.TradeHistory),
			DCALevelsDone:    len(p.CompletedDCALevels),
			ProfitLevelsDone: len(p.CompletedProfitLevels),
		})
	}

	for _, b := range e.breakers() {
		st := b.Status()
		s.Breakers = append(s.Breakers, domain.BreakerStatus{
			Name:              st.Name,
			State:             string(st.State),
			FailureCount:      st.FailureCount,
			RecentFailures:    st.RecentFailures,
			TimeUntilRecovery: st.TimeUntilRecovery,
		})
	}

	e.stateMu.Lock()
	s.Drift = append([]domain.AllocationDrift(nil), e.drift...)
	e.stateMu.Unlock()
	return s
}
