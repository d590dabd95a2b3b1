package portfolio

import (
	"context"
	"fmt"

	"tradesim/internal/model"
)

// RiskLimits defines per-user order admission thresholds. Zero values
// disable the corresponding check.
type RiskLimits struct {
	MaxOrderQty      int64 `json:"max_order_qty"`      // max qty on a single order
	MaxOpenPositions int   `json:"max_open_positions"` // max concurrent open positions
	MaxExposure      int64 `json:"max_exposure"`       // max total exposure in paise
}

// DefaultRiskLimits returns conservative defaults.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxOrderQty:      10000,
		MaxOpenPositions: 50,
		MaxExposure:      100000000_00, // ₹10,00,00,000
	}
}

// RiskManager validates incoming orders against per-user limits. It sits
// in front of order placement; the margin approval itself stays with the
// wallet collaborator.
type RiskManager struct {
	limits  RiskLimits
	service *Service
}

// NewRiskManager creates a RiskManager over the portfolio service.
func NewRiskManager(limits RiskLimits, service *Service) *RiskManager {
	return &RiskManager{limits: limits, service: service}
}

// CheckOrder reports whether the order may be accepted. refPrice is the
// price used to estimate the order's notional (limit price for resting
// orders, LTP for market orders).
func (rm *RiskManager) CheckOrder(ctx context.Context, o *model.ConditionalOrder, refPrice int64) (bool, string) {
	if rm.limits.MaxOrderQty > 0 && o.Qty > rm.limits.MaxOrderQty {
		return false, fmt.Sprintf("qty %d exceeds per-order limit %d", o.Qty, rm.limits.MaxOrderQty)
	}
	if rm.limits.MaxOpenPositions == 0 && rm.limits.MaxExposure == 0 {
		return true, ""
	}

	sum, err := rm.service.Snapshot(ctx, o.UserID)
	if err != nil {
		// Admission must not depend on a degraded read path.
		return true, ""
	}

	if rm.limits.MaxOpenPositions > 0 && sum.OpenCount >= rm.limits.MaxOpenPositions {
		// Orders that net into an existing position don't add a new one.
		existing := false
		for _, p := range sum.Positions {
			if p.Exchange == o.Exchange && p.Token == o.Token && p.PositionType == o.PositionType {
				existing = true
				break
			}
		}
		if !existing {
			return false, fmt.Sprintf("open positions at limit %d", rm.limits.MaxOpenPositions)
		}
	}

	if rm.limits.MaxExposure > 0 {
		notional := o.Qty * refPrice
		if sum.TotalExposure+notional > rm.limits.MaxExposure {
			return false, fmt.Sprintf("exposure %d + order notional %d exceeds limit %d",
				sum.TotalExposure, notional, rm.limits.MaxExposure)
		}
	}
	return true, ""
}
