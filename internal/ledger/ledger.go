// Package ledger owns the netting, valuation, and P&L arithmetic for a
// single position. Every function is a pure transformation of the position
// state plus its inputs; storage and locking live elsewhere. Callers must
// hold exclusive access to the position while applying fills.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"time"

	"tradesim/internal/model"
)

// ErrDuplicateFill is returned when a fill's orderID is already recorded on
// the position. The fill must not be re-applied.
var ErrDuplicateFill = errors.New("ledger: duplicate fill for order")

// ErrPositionClosed is returned when a fill or square-off targets a position
// that is already squared off or converted to a holding.
var ErrPositionClosed = errors.New("ledger: position already closed")

// ErrBadFill is returned for malformed fill parameters (zero delta, negative
// price). These should have been rejected upstream.
var ErrBadFill = errors.New("ledger: invalid fill parameters")

// ApplyFill nets a fill of deltaQty@price (paise) into the position and
// records orderID. deltaQty is signed: positive buys, negative sells.
//
// TotalValue is carried signed through the intermediate computation and only
// converted back to magnitude at the end, so a direction flip (long 10, sell
// 15 → short 5) lands on a freshly derived average price rather than the
// stale long-side one.
func ApplyFill(p *model.Position, deltaQty, price int64, orderID string) error {
	if deltaQty == 0 || price < 0 || orderID == "" {
		return fmt.Errorf("%w: delta=%d price=%d order=%q", ErrBadFill, deltaQty, price, orderID)
	}
	if p.IsSquaredOff || p.ConvertedToHolding {
		return fmt.Errorf("%w: %s", ErrPositionClosed, p.ID)
	}
	if p.HasOrder(orderID) {
		return fmt.Errorf("%w: %s on position %s", ErrDuplicateFill, orderID, p.ID)
	}

	// Reconstruct the signed total value: the stored magnitude carries its
	// direction in Qty.
	signedTV := p.TotalValue
	if p.Qty < 0 {
		signedTV = -signedTV
	}

	newQty := p.Qty + deltaQty
	newTV := signedTV + deltaQty*price

	if newQty != 0 {
		// Float division keeps the sub-paisa fraction, so TotalValue stays
		// rederivable as |Qty| * AvgPrice even when the sum does not divide
		// evenly.
		p.AvgPrice = math.Abs(float64(newTV) / float64(newQty))
	}
	p.TotalValue = abs64(newTV)
	p.Qty = newQty
	p.OrderIDs = append(p.OrderIDs, orderID)
	return nil
}

// MarkPrice revalues the position against the latest traded price.
// Unrealized P&L is currentValue-totalValue for longs and the inverse for
// shorts; the percentage is relative to |totalValue|.
func MarkPrice(p *model.Position, ltp int64) {
	p.LastPrice = ltp
	p.CurrentValue = abs64(p.Qty) * ltp

	if p.Qty > 0 {
		p.UnrealizedPnL = p.CurrentValue - p.TotalValue
	} else {
		p.UnrealizedPnL = p.TotalValue - p.CurrentValue
	}

	if p.TotalValue != 0 {
		p.UnrealizedPnLPct = float64(p.UnrealizedPnL) / float64(abs64(p.TotalValue)) * 100
	} else {
		p.UnrealizedPnLPct = 0
	}
}

// SquareOff closes the position terminally: quantity drops to zero and the
// closing order is recorded. AvgPrice and TotalValue are left untouched as
// the historical record of the entry.
func SquareOff(p *model.Position, orderID string) error {
	if p.IsSquaredOff || p.ConvertedToHolding {
		return fmt.Errorf("%w: %s", ErrPositionClosed, p.ID)
	}
	p.Qty = 0
	p.IsSquaredOff = true
	p.SquareOffOrderID = orderID
	return nil
}

// ConvertToHolding marks a delivery position as handed over to a holding.
// Qty and AvgPrice are preserved; the holding owns forward tracking.
func ConvertToHolding(p *model.Position, holdingID string) error {
	if p.IsSquaredOff || p.ConvertedToHolding {
		return fmt.Errorf("%w: %s", ErrPositionClosed, p.ID)
	}
	p.ConvertedToHolding = true
	p.HoldingID = holdingID
	return nil
}

// IsExpired reports whether the position's expiry boundary has been reached.
// The boundary is inclusive: a position expiring exactly at now is expired.
func IsExpired(p *model.Position, now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
