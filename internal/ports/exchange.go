package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange is the signed, rate-limited request capability of the exchange.
// Paths are relative to the API root ("/ticker/price?market=BTC-EUR").
type Exchange interface {
	// SendRequest performs one request and returns the raw JSON body.
	// Any transport failure, non-2xx status or empty body is an error.
	SendRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error)
}

// VolatilityProvider derives a stop loss from recent price volatility.
type VolatilityProvider interface {
	// VolatilityAdjustedStopLoss widens basePct for volatile markets. It
	// returns basePct itself when volatility cannot be computed.
	VolatilityAdjustedStopLoss(ctx context.Context, market string, basePct, multiplier decimal.Decimal, window time.Duration) (decimal.Decimal, error)
}
