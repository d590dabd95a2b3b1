package model

import "time"

// Holding is the long-term record a delivery position becomes once its
// expiry window passes without a manual close. After conversion, forward
// tracking belongs to the holding, not the position.
type Holding struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	WalletID      string    `json:"wallet_id"`
	Token         string    `json:"token"`
	Exchange      string    `json:"exchange"`
	TradingSymbol string    `json:"trading_symbol"`
	Qty           int64     `json:"qty"`
	AvgPrice      float64   `json:"avg_price"` // paise, carried from the position
	PositionID    string    `json:"position_id"`
	CreatedAt     time.Time `json:"created_at"`
}
