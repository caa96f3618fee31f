package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/assetguard/internal/adapters/paper"
	"github.com/alejandrodnm/assetguard/internal/ports"
)

// paperExchange reads market data from the live exchange and fills orders
// against the in-memory simulator at the last live price.
type paperExchange struct {
	sim  *paper.Exchange
	live ports.Exchange
}

func newPaperExchange(sim *paper.Exchange, live ports.Exchange) *paperExchange {
	return &paperExchange{sim: sim, live: live}
}

// SendRequest implements ports.Exchange.
func (p *paperExchange) SendRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	u, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("paperExchange: parse path: %w", err)
	}

	switch {
	case method == http.MethodGet && u.Path == "/ticker/price":
		raw, err := p.live.SendRequest(ctx, method, path, nil)
		if err != nil {
			return nil, err
		}
		var t struct {
			Market string          `json:"market"`
			Price  decimal.Decimal `json:"price"`
		}
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("paperExchange: decode ticker: %w", err)
		}
		p.sim.SetPrice(u.Query().Get("market"), t.Price)
		return raw, nil
	case method == http.MethodGet && strings.HasSuffix(u.Path, "/candles"):
		return p.live.SendRequest(ctx, method, path, nil)
	}

	slog.Debug("paper: simulated request", "method", method, "path", u.Path)
	return p.sim.SendRequest(ctx, method, path, body)
}
