package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/assetguard/internal/domain"
)

// Console implements ports.Notifier and renders status tables.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole writes to stdout. With table=false PrintStatus prints a single
// summary line instead of the full tables.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter writes to w. Used by tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// NotifyTrade prints one line per executed trade.
func (c *Console) NotifyTrade(_ context.Context, market string, tr domain.TradeRecord) error {
	side := strings.ToUpper(tr.Side())
	line := fmt.Sprintf("[%s] %-4s %-9s %-16s €%s @ %s",
		tr.Timestamp.Format("15:04:05"), side, market, tr.Type,
		tr.AmountEUR.StringFixed(2), tr.Price.StringFixed(2))
	if tr.Reason != "" {
		line += " | " + truncate(tr.Reason, 60)
	}
	_, err := fmt.Fprintln(c.out, line)
	return err
}

// PrintStatus renders the engine status.
func (c *Console) PrintStatus(s domain.StatusSummary) {
	if !c.table {
		c.printCompact(s)
		return
	}

	state := "stopped"
	if s.Running {
		state = "running"
	}
	if !s.Enabled {
		state = "disabled"
	}
	fmt.Fprintf(c.out, "\n[%s] protection %s — %d positions\n",
		s.GeneratedAt.Format("15:04:05"), state, s.Portfolio.TotalAssets)

	c.printPositions(s.Positions)
	c.printPortfolio(s)
	c.printBreakers(s.Breakers)
	c.printTrailing(s.Trailing)
	c.printDrift(s.Drift)
}

func (c *Console) printCompact(s domain.StatusSummary) {
	p := s.Portfolio
	fmt.Fprintf(c.out, "[%s] %d pos | value €%s | invested €%s | pnl %s%% | budget €%s/€%s | breakers %s\n",
		s.GeneratedAt.Format("15:04:05"), p.TotalAssets,
		p.TotalCurrentValue.StringFixed(2), p.TotalInvested.StringFixed(2), signed(p.UnrealizedPnLPct),
		s.DailySpentEUR.StringFixed(2), s.DailyBudgetEUR.StringFixed(2), breakerStates(s.Breakers))
}

func (c *Console) printPositions(rows []domain.PositionStatus) {
	if len(rows) == 0 {
		fmt.Fprintln(c.out, "  No protected positions")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Entry", "Invested", "Value", "PnL", "Stop", "Reserve", "Max DD", "Trades", "DCA", "Profit")
	for _, r := range rows {
		pnl := decimal.Zero
		if r.TotalInvested.IsPositive() {
			pnl = r.CurrentValue.Sub(r.TotalInvested).Div(r.TotalInvested).Mul(domain.Hundred)
		}
		table.Append(
			r.Market,
			r.EntryPrice.StringFixed(2),
			"€"+r.TotalInvested.StringFixed(2),
			"€"+r.CurrentValue.StringFixed(2),
			signed(pnl)+"%",
			r.StopLossPct.StringFixed(1)+"%",
			"€"+r.SwingCashReserve.StringFixed(2),
			r.MaxDrawdownPct.StringFixed(1)+"%",
			fmt.Sprintf("%d", r.Trades),
			fmt.Sprintf("%d", r.DCALevelsDone),
			fmt.Sprintf("%d", r.ProfitLevelsDone),
		)
	}
	table.Render()
}

func (c *Console) printPortfolio(s domain.StatusSummary) {
	p := s.Portfolio
	fmt.Fprintf(c.out, "  Portfolio: value €%s | invested €%s | unrealized €%s (%s%%) | max drawdown %s%%\n",
		p.TotalCurrentValue.StringFixed(2), p.TotalInvested.StringFixed(2),
		p.UnrealizedPnLEUR.StringFixed(2), signed(p.UnrealizedPnLPct), p.MaxDrawdownPct.StringFixed(1))
	fmt.Fprintf(c.out, "  Daily budget: spent €%s of €%s (remaining €%s)\n",
		s.DailySpentEUR.StringFixed(2), s.DailyBudgetEUR.StringFixed(2), s.DailyRemainingEUR.StringFixed(2))
}

func (c *Console) printBreakers(rows []domain.BreakerStatus) {
	if len(rows) == 0 {
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Breaker", "State", "Failures", "In window", "Recovery in")
	for _, b := range rows {
		recovery := "-"
		if b.TimeUntilRecovery > 0 {
			recovery = b.TimeUntilRecovery.Round(time.Second).String()
		}
		table.Append(b.Name, strings.ToUpper(b.State), fmt.Sprintf("%d", b.FailureCount),
			fmt.Sprintf("%d", b.RecentFailures), recovery)
	}
	table.Render()
}

func (c *Console) printTrailing(rows []domain.TrailingStatus) {
	if len(rows) == 0 {
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Trailing", "High", "Sells", "Taken", "Buyback at", "Buyback €")
	for _, t := range rows {
		active := "no"
		if t.Active {
			active = "yes"
		}
		target, amount := "-", "-"
		if t.BuybackTarget.IsPositive() {
			target = t.BuybackTarget.StringFixed(2)
			amount = "€" + t.BuybackAmountEUR.StringFixed(2)
		}
		table.Append(t.Market, active, t.HighestPrice.StringFixed(2), fmt.Sprintf("%d", t.TrailingSells),
			"€"+t.ProfitTakenEUR.StringFixed(2), target, amount)
	}
	table.Render()
}

func (c *Console) printDrift(rows []domain.AllocationDrift) {
	for _, d := range rows {
		fmt.Fprintf(c.out, "  ⚠ %s allocation %s%% vs target %s%% (drift %s pts)\n",
			d.Market, d.ActualPct.StringFixed(1), d.TargetPct.StringFixed(1), d.DriftPct.StringFixed(1))
	}
}

func breakerStates(rows []domain.BreakerStatus) string {
	if len(rows) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(rows))
	for _, b := range rows {
		parts = append(parts, b.Name+"="+b.State)
	}
	return strings.Join(parts, ",")
}

func signed(d decimal.Decimal) string {
	if d.IsPositive() {
		return "+" + d.StringFixed(2)
	}
	return d.StringFixed(2)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
