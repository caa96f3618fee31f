package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/assetguard/config"
	"github.com/alejandrodnm/assetguard/internal/adapters/bitvavo"
	"github.com/alejandrodnm/assetguard/internal/adapters/notify"
	"github.com/alejandrodnm/assetguard/internal/adapters/paper"
	"github.com/alejandrodnm/assetguard/internal/adapters/storage"
	"github.com/alejandrodnm/assetguard/internal/adapters/volatility"
	"github.com/alejandrodnm/assetguard/internal/application/engine/protection"
	"github.com/alejandrodnm/assetguard/internal/application/ledger"
	"github.com/alejandrodnm/assetguard/internal/domain"
	"github.com/alejandrodnm/assetguard/internal/ports"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one protection cycle and exit")
	paperMode := flag.Bool("paper", false, "simulate orders in memory against live public prices")
	status := flag.Bool("status", false, "print protection status and exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print full status tables (default: compact 1-line)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("assetguard starting",
		"config", *configPath,
		"interval", cfg.CheckInterval(),
		"markets", cfg.Protection.Markets,
		"paper", *paperMode,
		"once", *once,
	)

	for _, path := range []string{cfg.Storage.LedgerPath, cfg.Storage.JournalDSN} {
		if path == ":memory:" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			slog.Error("failed to create data dir", "err", err, "path", path)
			os.Exit(1)
		}
	}
	ledgerFile, err := storage.NewLedgerFile(cfg.Storage.LedgerPath)
	if err != nil {
		slog.Error("failed to open ledger file", "err", err, "path", cfg.Storage.LedgerPath)
		os.Exit(1)
	}
	led, err := ledger.New(ledgerFile)
	if err != nil {
		slog.Error("failed to load ledger", "err", err, "path", cfg.Storage.LedgerPath)
		os.Exit(1)
	}

	journal, err := storage.NewSQLiteJournal(cfg.Storage.JournalDSN)
	if err != nil {
		slog.Error("failed to open journal", "err", err, "dsn", cfg.Storage.JournalDSN)
		os.Exit(1)
	}
	defer journal.Close()

	client := bitvavo.NewClient(bitvavo.Config{
		BaseURL:    cfg.Exchange.BaseURL,
		APIKey:     cfg.Exchange.APIKey,
		APISecret:  cfg.Exchange.APISecret,
		WindowMS:   cfg.Exchange.AccessWindowMS,
		RatePerSec: cfg.Exchange.RatePerSec,
	})

	var exchange ports.Exchange = client
	if *paperMode {
		sim := paper.New(decimal.NewFromFloat(cfg.Exchange.PaperCashEUR))
		seedPaperHoldings(sim, led)
		exchange = newPaperExchange(sim, client)
	} else if cfg.Exchange.APIKey == "" && !*status {
		slog.Warn("no API credentials: only public endpoints will work, use -paper to simulate orders")
	}

	notifier := notify.NewConsole(*table || *status)
	engine := protection.New(protection.Deps{
		Exchange:       exchange,
		Ledger:         led,
		Budget:         protection.NewBudget(decimal.NewFromFloat(cfg.Protection.MaxDailyBudgetEUR)),
		Volatility:     volatility.New(exchange, 0),
		Journal:        journal,
		Notifier:       notifier,
		PriceBreaker:   newBreaker("price", cfg.CircuitBreakers.Price),
		BalanceBreaker: newBreaker("balance", cfg.CircuitBreakers.Balance),
		OrderBreaker:   newBreaker("order", cfg.CircuitBreakers.Order),
	}, engineConfig(cfg))

	if *status {
		notifier.PrintStatus(engine.Status())
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if n, err := engine.AdoptHoldings(ctx); err != nil {
		slog.Warn("adopting holdings interrupted", "err", err)
	} else if n > 0 {
		slog.Info("holdings adopted", "count", n)
	}

	if *once {
		res := engine.RunOnce(ctx)
		slog.Info("cycle complete",
			"markets", res.MarketsChecked,
			"trades", res.Trades,
			"errors", res.Errors,
			"stops_updated", res.StopsUpdated,
		)
		notifier.PrintStatus(engine.Status())
		return
	}

	if err := engine.Run(ctx); err != nil {
		slog.Error("protection exited with error", "err", err)
		os.Exit(1)
	}

	notifier.PrintStatus(engine.Status())
	slog.Info("assetguard stopped cleanly")
}

// seedPaperHoldings credits the simulated account with what the ledger
// says is held, so protective sells have something to sell.
func seedPaperHoldings(sim *paper.Exchange, led *ledger.Ledger) {
	for _, pos := range led.Positions() {
		held := pos.CryptoHeld()
		if !held.IsPositive() {
			continue
		}
		sim.SetBalance(domain.BaseAsset(pos.Market), held)
		slog.Debug("paper: seeded holding", "market", pos.Market, "amount", held.String())
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
