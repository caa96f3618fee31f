package storage

// sqlite.go: trade journal.
//
// The JSON ledger holds the live state of each position; this database is the
// long-lived audit trail next to it:
//   - `trades`: every executed protection trade, one row each, never updated.
//   - `breaker_events`: circuit breaker transitions.
//   - `daily_summaries`: one row per day (UPSERT), written on budget rollover.
//   - Automatic prune on open: breaker events older than 90 days.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/assetguard/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
    id            TEXT PRIMARY KEY,
    market        TEXT NOT NULL,
    trade_type    TEXT NOT NULL,
    price         TEXT NOT NULL,
    amount_eur    TEXT NOT NULL,
    amount_crypto TEXT NOT NULL,
    reason        TEXT NOT NULL DEFAULT '',
    executed_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS breaker_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    breaker     TEXT NOT NULL,
    from_state  TEXT NOT NULL,
    to_state    TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    occurred_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_summaries (
    date         TEXT PRIMARY KEY,
    budget_eur   TEXT NOT NULL,
    spent_eur    TEXT NOT NULL,
    buys         INTEGER NOT NULL DEFAULT 0,
    sells        INTEGER NOT NULL DEFAULT 0,
    positions    INTEGER NOT NULL DEFAULT 0,
    invested_eur TEXT NOT NULL,
    value_eur    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market, executed_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_at     ON breaker_events(occurred_at DESC);
`

const (
	retentionBreakerEvents = 90 * 24 * time.Hour
	dateLayout             = "2006-01-02"
	timeLayout             = "2006-01-02T15:04:05.000000000Z07:00" // fixed width, sorts lexically
)

// SQLiteJournal implements ports.TradeJournal using SQLite (pure Go, no CGo).
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens (or creates) the journal at path and applies the schema.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteJournal: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteJournal: apply schema: %w", err)
	}

	j := &SQLiteJournal{db: db}
	j.pruneOld(context.Background())
	return j, nil
}

// SaveTrade appends one trade.
func (j *SQLiteJournal) SaveTrade(ctx context.Context, market string, t domain.TradeRecord) error {
	if _, err := j.db.ExecContext(ctx, `
		INSERT INTO trades (id, market, trade_type, price, amount_eur, amount_crypto, reason, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), market, string(t.Type),
		t.Price.String(), t.AmountEUR.String(), t.AmountCrypto.String(),
		t.Reason, formatTime(t.Timestamp),
	); err != nil {
		return fmt.Errorf("storage.SaveTrade: insert %s: %w", market, err)
	}
	return nil
}

// RecentTrades returns the newest trades, optionally filtered by market.
func (j *SQLiteJournal) RecentTrades(ctx context.Context, market string, limit int) ([]domain.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, market, trade_type, price, amount_eur, amount_crypto, reason, executed_at FROM trades`
	args := []any{}
	if market != "" {
		query += ` WHERE market = ?`
		args = append(args, market)
	}
	query += ` ORDER BY executed_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentTrades: query: %w", err)
	}
	defer rows.Close()

	var out []domain.JournalEntry
	for rows.Next() {
		var e domain.JournalEntry
		var tradeType, price, amountEUR, amountCrypto, executedAt string
		if err := rows.Scan(&e.ID, &e.Market, &tradeType, &price, &amountEUR, &amountCrypto, &e.Reason, &executedAt); err != nil {
			return nil, fmt.Errorf("storage.RecentTrades: scan row: %w", err)
		}
		e.Type = domain.TradeType(tradeType)
		e.Price = parseDecimal(price)
		e.AmountEUR = parseDecimal(amountEUR)
		e.AmountCrypto = parseDecimal(amountCrypto)
		e.Timestamp = parseTime(executedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveBreakerEvent appends one breaker transition.
func (j *SQLiteJournal) SaveBreakerEvent(ctx context.Context, ev domain.BreakerEvent) error {
	if _, err := j.db.ExecContext(ctx, `
		INSERT INTO breaker_events (breaker, from_state, to_state, reason, occurred_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.Breaker, ev.From, ev.To, ev.Reason, formatTime(ev.At),
	); err != nil {
		return fmt.Errorf("storage.SaveBreakerEvent: insert: %w", err)
	}
	return nil
}

// BreakerEvents returns the newest transitions, optionally for one breaker.
func (j *SQLiteJournal) BreakerEvents(ctx context.Context, breaker string, limit int) ([]domain.BreakerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT breaker, from_state, to_state, reason, occurred_at FROM breaker_events`
	args := []any{}
	if breaker != "" {
		query += ` WHERE breaker = ?`
		args = append(args, breaker)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.BreakerEvents: query: %w", err)
	}
	defer rows.Close()

	var out []domain.BreakerEvent
	for rows.Next() {
		var ev domain.BreakerEvent
		var at string
		if err := rows.Scan(&ev.Breaker, &ev.From, &ev.To, &ev.Reason, &at); err != nil {
			return nil, fmt.Errorf("storage.BreakerEvents: scan row: %w", err)
		}
		ev.At = parseTime(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveDailySummary upserts the summary for s.Date.
func (j *SQLiteJournal) SaveDailySummary(ctx context.Context, s domain.DailySummary) error {
	if _, err := j.db.ExecContext(ctx, `
		INSERT INTO daily_summaries (date, budget_eur, spent_eur, buys, sells, positions, invested_eur, value_eur)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			budget_eur   = excluded.budget_eur,
			spent_eur    = excluded.spent_eur,
			buys         = excluded.buys,
			sells        = excluded.sells,
			positions    = excluded.positions,
			invested_eur = excluded.invested_eur,
			value_eur    = excluded.value_eur`,
		s.Date.Format(dateLayout), s.BudgetEUR.String(), s.SpentEUR.String(),
		s.Buys, s.Sells, s.Positions, s.InvestedEUR.String(), s.ValueEUR.String(),
	); err != nil {
		return fmt.Errorf("storage.SaveDailySummary: upsert: %w", err)
	}
	return nil
}

// DailySummaries returns every stored day, oldest first.
func (j *SQLiteJournal) DailySummaries(ctx context.Context) ([]domain.DailySummary, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT date, budget_eur, spent_eur, buys, sells, positions, invested_eur, value_eur
		FROM daily_summaries ORDER BY date ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage.DailySummaries: query: %w", err)
	}
	defer rows.Close()

	var out []domain.DailySummary
	for rows.Next() {
		var s domain.DailySummary
		var date, budget, spent, invested, value string
		if err := rows.Scan(&date, &budget, &spent, &s.Buys, &s.Sells, &s.Positions, &invested, &value); err != nil {
			return nil, fmt.Errorf("storage.DailySummaries: scan row: %w", err)
		}
		s.Date, _ = time.Parse(dateLayout, date)
		s.BudgetEUR = parseDecimal(budget)
		s.SpentEUR = parseDecimal(spent)
		s.InvestedEUR = parseDecimal(invested)
		s.ValueEUR = parseDecimal(value)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// --- internal helpers ---

func (j *SQLiteJournal) pruneOld(ctx context.Context) {
	cutoff := formatTime(time.Now().Add(-retentionBreakerEvents))
	j.db.ExecContext(ctx, `DELETE FROM breaker_events WHERE occurred_at < ?`, cutoff)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
