// Package memory provides an in-memory implementation of the storage ports.
// It backs unit tests and the simulator mode, where durability across
// restarts is not needed.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradesim/internal/model"
)

// Store holds positions, orders, and holdings in maps behind one lock.
type Store struct {
	mu        sync.RWMutex
	positions map[string]model.Position
	orders    map[string]model.ConditionalOrder
	holdings  map[string]model.Holding

	// FailSaves makes the next N SavePosition calls fail. Used to exercise
	// the execution retry path in tests.
	FailSaves int
	saveErr   error
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		positions: make(map[string]model.Position),
		orders:    make(map[string]model.ConditionalOrder),
		holdings:  make(map[string]model.Holding),
	}
}

// SetSaveError configures the error returned while FailSaves > 0.
func (s *Store) SetSaveError(n int, err error) {
	s.mu.Lock()
	s.FailSaves = n
	s.saveErr = err
	s.mu.Unlock()
}

// ── PositionStore ──

func (s *Store) SavePosition(ctx context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSaves > 0 {
		s.FailSaves--
		return s.saveErr
	}
	cp := *p
	cp.OrderIDs = append([]string(nil), p.OrderIDs...)
	s.positions[p.ID] = cp
	return nil
}

func (s *Store) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, nil
	}
	cp := p
	return &cp, nil
}

func (s *Store) FindOpenPosition(ctx context.Context, userID, exchange, token, positionType string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.positions {
		if p.UserID == userID && p.Exchange == exchange && p.Token == token &&
			p.PositionType == positionType && p.IsOpen() {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) ActiveByUser(ctx context.Context, userID, positionType string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Position
	for _, p := range s.positions {
		if p.UserID != userID || !p.IsOpen() {
			continue
		}
		if positionType != "" && p.PositionType != positionType {
			continue
		}
		out = append(out, p)
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) ExpiredIntraday(ctx context.Context, now time.Time) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Position
	for _, p := range s.positions {
		if p.PositionType == model.PositionIntraday && p.IsOpen() && !now.Before(p.ExpiresAt) {
			out = append(out, p)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) ExpiredDelivery(ctx context.Context, now time.Time) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Position
	for _, p := range s.positions {
		if p.PositionType == model.PositionDelivery && p.IsOpen() && !now.Before(p.ExpiresAt) {
			out = append(out, p)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) OpenByInstrument(ctx context.Context, exchange, token string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Position
	for _, p := range s.positions {
		if p.Exchange == exchange && p.Token == token && p.IsOpen() {
			out = append(out, p)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) HistoryByUser(ctx context.Context, userID string, from, to time.Time, limit, offset int) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Position
	for _, p := range s.positions {
		if p.UserID != userID {
			continue
		}
		if p.CreatedAt.Before(from) || !p.CreatedAt.Before(to) {
			continue
		}
		out = append(out, p)
	}
	sortNewestFirst(out)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── OrderStore ──

func (s *Store) SaveOrder(ctx context.Context, o *model.ConditionalOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.OrderID] = *o
	return nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*model.ConditionalOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := o
	return &cp, nil
}

func (s *Store) PendingOrders(ctx context.Context) ([]model.ConditionalOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ConditionalOrder
	for _, o := range s.orders {
		if o.Status == model.OrderPending || o.Status == model.OrderTriggered {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) OrdersByUser(ctx context.Context, userID string, limit int) ([]model.ConditionalOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ConditionalOrder
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TransitionStatus(ctx context.Context, orderID string, from []string, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if o.Status == f {
			o.Status = to
			o.UpdatedAt = time.Now().UTC()
			s.orders[orderID] = o
			return true, nil
		}
	}
	return false, nil
}

// ── HoldingStore ──

func (s *Store) CreateHolding(ctx context.Context, h *model.Holding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdings[h.ID] = *h
	return nil
}

func (s *Store) HoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Holding
	for _, h := range s.holdings {
		if h.UserID == userID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func sortNewestFirst(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].CreatedAt.After(ps[j].CreatedAt) })
}
