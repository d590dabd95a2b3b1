// Package portfolio aggregates one user's settlement state: active
// positions revalued at the latest traded price, holdings, and exposure
// totals. It reads from the stores on demand and owns no state of its own.
package portfolio

import (
	"context"
	"fmt"

	"tradesim/internal/ledger"
	"tradesim/internal/model"
)

// LTPSource answers the last traded price of an instrument in paise.
type LTPSource interface {
	LTP(exchange, token string) (int64, bool)
}

// Summary is one user's aggregated portfolio view.
type Summary struct {
	UserID string `json:"user_id"`

	Positions []model.Position `json:"positions"`
	Holdings  []model.Holding  `json:"holdings"`

	OpenCount     int `json:"open_count"`
	IntradayCount int `json:"intraday_count"`
	DeliveryCount int `json:"delivery_count"`

	TotalExposure      int64 `json:"total_exposure"`       // sum of |qty| * last price, paise
	TotalUnrealizedPnL int64 `json:"total_unrealized_pnl"` // paise
}

// Service computes portfolio summaries from the stores.
type Service struct {
	positions model.PositionStore
	holdings  model.HoldingStore
	ltp       LTPSource
}

// New creates a Service. ltp may be nil; positions are then reported at
// their last persisted mark.
func New(positions model.PositionStore, holdings model.HoldingStore, ltp LTPSource) *Service {
	return &Service{positions: positions, holdings: holdings, ltp: ltp}
}

// Snapshot builds the current summary for one user. Each open position is
// revalued against the live price cache before totals are taken.
func (s *Service) Snapshot(ctx context.Context, userID string) (*Summary, error) {
	active, err := s.positions.ActiveByUser(ctx, userID, "")
	if err != nil {
		return nil, fmt.Errorf("portfolio: load positions: %w", err)
	}
	holdings, err := s.holdings.HoldingsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("portfolio: load holdings: %w", err)
	}

	sum := &Summary{
		UserID:    userID,
		Positions: active,
		Holdings:  holdings,
	}
	for i := range sum.Positions {
		p := &sum.Positions[i]
		if s.ltp != nil {
			if price, ok := s.ltp.LTP(p.Exchange, p.Token); ok {
				ledger.MarkPrice(p, price)
			}
		}
		sum.OpenCount++
		switch p.PositionType {
		case model.PositionIntraday:
			sum.IntradayCount++
		case model.PositionDelivery:
			sum.DeliveryCount++
		}
		sum.TotalExposure += p.CurrentValue
		sum.TotalUnrealizedPnL += p.UnrealizedPnL
	}
	return sum, nil
}
