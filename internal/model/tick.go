package model

import "time"

// Tick represents a single market data tick from the price feed.
// Price is stored as int64 in paise (1 INR = 100 paise) to avoid float drift.
// Ticks are transient: consumed immediately, never persisted.
type Tick struct {
	Token    string    `json:"token"`
	Exchange string    `json:"exchange"`
	Price    int64     `json:"price"`   // paise (LTP)
	Qty      int64     `json:"qty"`     // last traded quantity
	TickTS   time.Time `json:"tick_ts"` // UTC timestamp
}

// Key returns "exchange:token", the routing key for this tick.
func (t *Tick) Key() string {
	return t.Exchange + ":" + t.Token
}
