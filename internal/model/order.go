package model

import (
	"encoding/json"
	"time"
)

// Order variants.
const (
	VariantMarket   = "MARKET"
	VariantLimit    = "LIMIT"
	VariantStopLoss = "SL" // stop-limit: trigger price activates, limit price fills
)

// Transaction types.
const (
	TxnBuy  = "BUY"
	TxnSell = "SELL"
)

// Conditional order lifecycle states.
const (
	OrderPending   = "PENDING"
	OrderTriggered = "TRIGGERED"
	OrderExecuted  = "EXECUTED"
	OrderCancelled = "CANCELLED"
	OrderExpired   = "EXPIRED"
)

// ConditionalOrder is a resting limit or stop-loss instruction awaiting a
// price trigger. It weakly references the position it will affect: the
// position is looked up by (user, exchange, token, positionType) at
// execution time, never held by pointer.
type ConditionalOrder struct {
	OrderID       string `json:"order_id"`
	UserID        string `json:"user_id"`
	WalletID      string `json:"wallet_id"`
	Token         string `json:"token"`
	Exchange      string `json:"exchange"`
	TradingSymbol string `json:"trading_symbol"`

	Variant         string `json:"variant"`          // LIMIT, SL
	TransactionType string `json:"transaction_type"` // BUY, SELL
	PositionType    string `json:"position_type"`    // INTRADAY, DELIVERY

	Qty          int64 `json:"qty"`           // always > 0; direction via TransactionType
	LimitPrice   int64 `json:"limit_price"`   // paise; execution price
	TriggerPrice int64 `json:"trigger_price"` // paise; SL activation threshold

	// ApprovalRef is the wallet collaborator's margin-check approval token.
	// Execution refuses orders without one.
	ApprovalRef string `json:"approval_ref"`

	Status string `json:"status"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	TriggeredAt time.Time `json:"triggered_at,omitempty"`
}

// PositionKey returns the mutual-exclusion key of the position this order
// will net into. Must match Position.Key for the same identity.
func (o *ConditionalOrder) PositionKey() string {
	return o.UserID + "|" + o.Exchange + "|" + o.Token + "|" + o.PositionType
}

// InstrumentKey returns "exchange:token", the order book bucket key.
func (o *ConditionalOrder) InstrumentKey() string {
	return o.Exchange + ":" + o.Token
}

// SignedQty returns +Qty for BUY and -Qty for SELL.
func (o *ConditionalOrder) SignedQty() int64 {
	if o.TransactionType == TxnSell {
		return -o.Qty
	}
	return o.Qty
}

// JSON returns the order serialized for Redis mirrors and pubsub.
func (o *ConditionalOrder) JSON() []byte {
	b, _ := json.Marshal(o)
	return b
}

// IsTerminal reports whether the order has reached a final state.
func (o *ConditionalOrder) IsTerminal() bool {
	switch o.Status {
	case OrderExecuted, OrderCancelled, OrderExpired:
		return true
	}
	return false
}
