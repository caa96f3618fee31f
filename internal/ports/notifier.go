package ports

import (
	"context"

	"github.com/alejandrodnm/assetguard/internal/domain"
)

// Notifier tells the operator about executed trades.
type Notifier interface {
	NotifyTrade(ctx context.Context, market string, trade domain.TradeRecord) error
}
