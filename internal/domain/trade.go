package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeType classifies an entry in a position's trade history.
type TradeType string

const (
	TradeDCABuy          TradeType = "dca_buy"
	TradeProfitSell      TradeType = "profit_sell"
	TradeStopLoss        TradeType = "stop_loss"
	TradeEmergencyStop   TradeType = "emergency_stop"
	TradeSwingSell       TradeType = "swing_sell"
	TradeSwingRebuy      TradeType = "swing_rebuy"
	TradeRecoveryRebuy   TradeType = "recovery_rebuy"
	TradeRebalanceBuy    TradeType = "rebalance_buy"
	TradeRebalanceSell   TradeType = "rebalance_sell"
	TradeTrailingSell    TradeType = "trailing_sell"
	TradeTrailingBuyback TradeType = "trailing_buyback"
)

// IsBuy reports whether the trade adds crypto to the position.
func (t TradeType) IsBuy() bool {
	switch t {
	case TradeDCABuy, TradeSwingRebuy, TradeRecoveryRebuy, TradeRebalanceBuy, TradeTrailingBuyback:
		return true
	}
	return false
}

// IsSell reports whether the trade removes crypto from the position.
func (t TradeType) IsSell() bool {
	switch t {
	case TradeProfitSell, TradeStopLoss, TradeEmergencyStop, TradeSwingSell, TradeRebalanceSell, TradeTrailingSell:
		return true
	}
	return false
}

// Valid reports whether t is a known trade type.
func (t TradeType) Valid() bool {
	return t.IsBuy() || t.IsSell()
}

// TradeRecord is one executed trade. Records are never mutated after creation;
// they only leave the history when pruned by age.
type TradeRecord struct {
	Type         TradeType       `json:"trade_type"`
	Price        decimal.Decimal `json:"price"`
	AmountEUR    decimal.Decimal `json:"amount_eur"`
	AmountCrypto decimal.Decimal `json:"amount_crypto"`
	Timestamp    time.Time       `json:"timestamp"`
	Reason       string          `json:"reason"`
}

// Side returns "buy" or "sell".
func (r TradeRecord) Side() string {
	if r.Type.IsBuy() {
		return "buy"
	}
	return "sell"
}
