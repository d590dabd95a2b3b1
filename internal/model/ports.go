package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the settlement engine from concrete storage
// implementations (SQLite, Redis index). Query methods take explicit filter
// parameters and return ordered slices; there are no helpers attached to the
// persisted records themselves.

// PositionStore persists and queries positions.
type PositionStore interface {
	// SavePosition upserts a position by ID.
	SavePosition(ctx context.Context, p *Position) error

	// GetPosition loads a position by ID. Returns nil, nil if absent.
	GetPosition(ctx context.Context, id string) (*Position, error)

	// FindOpenPosition loads the open position for a netting key, or nil.
	FindOpenPosition(ctx context.Context, userID, exchange, token, positionType string) (*Position, error)

	// ActiveByUser returns open positions for a user, newest first.
	// positionType filters when non-empty.
	ActiveByUser(ctx context.Context, userID, positionType string) ([]Position, error)

	// ExpiredIntraday returns open intraday positions with ExpiresAt <= now.
	ExpiredIntraday(ctx context.Context, now time.Time) ([]Position, error)

	// ExpiredDelivery returns open delivery positions with ExpiresAt <= now
	// that have not been converted to holdings.
	ExpiredDelivery(ctx context.Context, now time.Time) ([]Position, error)

	// OpenByInstrument returns all open positions on an instrument.
	OpenByInstrument(ctx context.Context, exchange, token string) ([]Position, error)

	// HistoryByUser returns positions for a user created within [from, to),
	// newest first, paginated.
	HistoryByUser(ctx context.Context, userID string, from, to time.Time, limit, offset int) ([]Position, error)
}

// OrderStore persists and queries conditional orders.
type OrderStore interface {
	// SaveOrder upserts an order by OrderID.
	SaveOrder(ctx context.Context, o *ConditionalOrder) error

	// GetOrder loads an order by ID. Returns nil, nil if absent.
	GetOrder(ctx context.Context, orderID string) (*ConditionalOrder, error)

	// PendingOrders returns all PENDING and TRIGGERED orders, oldest first.
	// Used to rebuild the in-memory order book at startup and on reconnect.
	PendingOrders(ctx context.Context) ([]ConditionalOrder, error)

	// OrdersByUser returns a user's orders, newest first.
	OrdersByUser(ctx context.Context, userID string, limit int) ([]ConditionalOrder, error)

	// TransitionStatus updates the status of orderID only if its current
	// status is one of from. Returns false if the precondition failed.
	TransitionStatus(ctx context.Context, orderID string, from []string, to string) (bool, error)
}

// HoldingStore persists holdings created from expired delivery positions.
type HoldingStore interface {
	// CreateHolding inserts a holding record.
	CreateHolding(ctx context.Context, h *Holding) error

	// HoldingsByUser returns a user's holdings, newest first.
	HoldingsByUser(ctx context.Context, userID string) ([]Holding, error)
}

// Clock abstracts "now" so expiry and cutoff logic is testable with a
// deterministic time source.
type Clock interface {
	Now() time.Time
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
