package model

import (
	"encoding/json"
	"time"
)

// Position product types.
const (
	PositionIntraday = "INTRADAY"
	PositionDelivery = "DELIVERY"
)

// Position represents one user's netted exposure in a single instrument.
// Prices are stored as int64 in paise (1 INR = 100 paise) to avoid float drift.
// The one exception is AvgPrice, which keeps its sub-paisa fraction so that
// TotalValue stays rederivable as |Qty| * AvgPrice after uneven netting.
// Qty is signed: positive = long, negative = short, zero = flat.
type Position struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	WalletID      string `json:"wallet_id"`
	Token         string `json:"token"`
	Exchange      string `json:"exchange"` // NSE, BSE, NFO
	TradingSymbol string `json:"trading_symbol"`
	PositionType  string `json:"position_type"` // INTRADAY, DELIVERY

	Qty        int64   `json:"qty"`
	AvgPrice   float64 `json:"avg_price"`   // paise, magnitude only (direction is in Qty); fractional when the fill sum does not divide evenly
	TotalValue int64   `json:"total_value"` // |signed sum of qty*price over fills|, paise; AvgPrice is rederived from this

	LastPrice        int64   `json:"last_price"`    // latest market price in paise
	CurrentValue     int64   `json:"current_value"` // |Qty| * LastPrice
	UnrealizedPnL    int64   `json:"unrealized_pnl"`
	UnrealizedPnLPct float64 `json:"unrealized_pnl_pct"`

	// OrderIDs is the append-only list of fills applied to this position.
	// Membership is the duplicate-fill guard.
	OrderIDs []string `json:"order_ids"`

	ExpiresAt time.Time `json:"expires_at"`

	IsSquaredOff     bool   `json:"is_squared_off"`
	SquareOffOrderID string `json:"square_off_order_id,omitempty"`

	ConvertedToHolding bool   `json:"converted_to_holding"`
	HoldingID          string `json:"holding_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the mutual-exclusion key for this position:
// "userID|exchange|token|positionType". At most one fill may be in flight
// per key at a time.
func (p *Position) Key() string {
	return p.UserID + "|" + p.Exchange + "|" + p.Token + "|" + p.PositionType
}

// InstrumentKey returns "exchange:token", the market-data routing key.
func (p *Position) InstrumentKey() string {
	return p.Exchange + ":" + p.Token
}

// IsOpen reports whether the position is still actively tracked: not squared
// off, not converted, and carrying quantity.
func (p *Position) IsOpen() bool {
	return !p.IsSquaredOff && !p.ConvertedToHolding && p.Qty != 0
}

// JSON returns the position serialized for pubsub snapshots.
func (p *Position) JSON() []byte {
	b, _ := json.Marshal(p)
	return b
}

// HasOrder reports whether orderID has already been applied to this position.
func (p *Position) HasOrder(orderID string) bool {
	for _, id := range p.OrderIDs {
		if id == orderID {
			return true
		}
	}
	return false
}
