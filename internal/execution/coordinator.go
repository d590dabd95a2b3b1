// Package execution applies triggered and market fills to positions,
// exactly once each, and finalizes the order status. A position is the unit
// of mutual exclusion: the coordinator serializes fills per position key and
// lets fills against different positions run in parallel.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tradesim/internal/ledger"
	"tradesim/internal/logger"
	"tradesim/internal/markethours"
	"tradesim/internal/model"
	"tradesim/internal/notification"
)

// ErrNoApproval is returned when an order reaches the coordinator without a
// wallet margin-check approval token. The wallet check runs before this
// engine; the coordinator only refuses to proceed without its proof.
var ErrNoApproval = errors.New("execution: order has no wallet approval")

// ErrConflict is returned for user-visible races that resolve against the
// caller: cancel after execution committed, square-off of an already closed
// position, execute of a cancelled order.
var ErrConflict = errors.New("execution: conflicting state change already committed")

// ErrPersistExhausted wraps a storage failure that survived all retry
// attempts. The order stays TRIGGERED so a later retry can re-attempt; the
// fill is idempotent per orderID.
var ErrPersistExhausted = errors.New("execution: persistence retries exhausted")

const (
	persistAttempts  = 3
	persistBaseDelay = 100 * time.Millisecond
)

// SystemApprovalRef marks synthetic orders originated by the engine itself
// (square-offs). These never carry a user wallet approval.
const SystemApprovalRef = "system:square-off"

// Result reports the outcome of one execution.
type Result struct {
	OrderID   string          `json:"order_id"`
	Status    string          `json:"status"`
	FillPrice int64           `json:"fill_price"`
	Position  *model.Position `json:"position,omitempty"`
}

// Coordinator routes fills onto positions through per-key locks.
type Coordinator struct {
	positions model.PositionStore
	orders    model.OrderStore
	holdings  model.HoldingStore
	clock     model.Clock
	journal   *Journal
	notifier  notification.Notifier
	log       *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	seq atomic.Int64

	// Optional metrics hooks.
	OnExecuted  func(variant string)
	OnDuplicate func()
	OnFatal     func()
}

// New creates a Coordinator. journal and notifier may be nil.
func New(positions model.PositionStore, orders model.OrderStore, holdings model.HoldingStore,
	clock model.Clock, journal *Journal, notifier notification.Notifier, log *slog.Logger) *Coordinator {
	if clock == nil {
		clock = model.RealClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		positions: positions,
		orders:    orders,
		holdings:  holdings,
		clock:     clock,
		journal:   journal,
		notifier:  notifier,
		log:       log,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex guarding one position key, creating it lazily.
func (c *Coordinator) lockFor(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// Execute applies one fill to the order's position and marks the order
// executed. The fill is all-or-nothing at fillPrice. Applying the same
// orderID twice is rejected via the position's orderIds membership.
func (c *Coordinator) Execute(ctx context.Context, order model.ConditionalOrder, fillPrice int64) (*Result, error) {
	if order.ApprovalRef == "" {
		return nil, fmt.Errorf("%w: order %s", ErrNoApproval, order.OrderID)
	}

	key := order.PositionKey()
	l := c.lockFor(key)
	l.Lock()
	defer l.Unlock()

	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(order.Token, c.clock.Now()))

	// Re-check durable status under the lock: a cancel committed between
	// trigger and execute wins.
	if stored, err := c.orders.GetOrder(ctx, order.OrderID); err == nil && stored != nil {
		switch stored.Status {
		case model.OrderCancelled, model.OrderExpired:
			return nil, fmt.Errorf("%w: order %s is %s", ErrConflict, order.OrderID, stored.Status)
		case model.OrderExecuted:
			return nil, fmt.Errorf("%w: order %s already executed", ledger.ErrDuplicateFill, order.OrderID)
		}
	}

	pos, err := c.positions.FindOpenPosition(ctx, order.UserID, order.Exchange, order.Token, order.PositionType)
	if err != nil {
		return nil, fmt.Errorf("execution: load position: %w", err)
	}
	if pos == nil {
		pos = c.newPosition(&order)
	}

	if err := ledger.ApplyFill(pos, order.SignedQty(), fillPrice, order.OrderID); err != nil {
		if errors.Is(err, ledger.ErrDuplicateFill) && c.OnDuplicate != nil {
			c.OnDuplicate()
		}
		return nil, err
	}
	ledger.MarkPrice(pos, fillPrice)

	// A fill that nets the position to zero closes it; flat positions must
	// never linger in active queries.
	if pos.Qty == 0 {
		if err := ledger.SquareOff(pos, order.OrderID); err != nil {
			return nil, err
		}
	}
	pos.UpdatedAt = c.clock.Now()

	if err := c.persistPosition(ctx, pos); err != nil {
		// Order stays TRIGGERED for a safe re-attempt.
		c.orders.TransitionStatus(ctx, order.OrderID, []string{model.OrderPending}, model.OrderTriggered)
		c.fatal(ctx, order.OrderID, err)
		return nil, err
	}

	if _, err := c.orders.TransitionStatus(ctx, order.OrderID,
		[]string{model.OrderPending, model.OrderTriggered}, model.OrderExecuted); err != nil {
		c.log.Warn("order status finalize failed", append(logger.LogWithTrace(ctx),
			slog.String("order_id", order.OrderID), slog.Any("err", err))...)
	}

	if c.journal != nil {
		c.journal.RecordFill(Fill{
			OrderID:      order.OrderID,
			UserID:       order.UserID,
			Token:        order.Token,
			Exchange:     order.Exchange,
			PositionType: order.PositionType,
			Txn:          order.TransactionType,
			Qty:          order.Qty,
			Price:        fillPrice,
			PositionID:   pos.ID,
			FilledAt:     c.clock.Now(),
		})
	}
	if c.OnExecuted != nil {
		c.OnExecuted(order.Variant)
	}

	c.log.Info("fill executed", append(logger.LogWithTrace(ctx),
		slog.String("order_id", order.OrderID),
		slog.String("position_id", pos.ID),
		slog.Int64("qty", order.SignedQty()),
		slog.Int64("fill_price", fillPrice))...)

	return &Result{
		OrderID:   order.OrderID,
		Status:    model.OrderExecuted,
		FillPrice: fillPrice,
		Position:  pos,
	}, nil
}

// SquareOff closes a position by synthesizing the opposite-side market order
// for the full open quantity at ltp. Manual (API) and sweeper-driven
// square-offs both come through here and take the same per-key lock, so a
// position can only ever be closed once.
func (c *Coordinator) SquareOff(ctx context.Context, positionID string, ltp int64) (*Result, error) {
	stored, err := c.positions.GetPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("execution: load position: %w", err)
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: position %s not found", ErrConflict, positionID)
	}

	l := c.lockFor(stored.Key())
	l.Lock()
	defer l.Unlock()

	// Reload under the lock; the other square-off path may have won.
	pos, err := c.positions.GetPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("execution: reload position: %w", err)
	}
	if pos == nil || !pos.IsOpen() {
		return nil, fmt.Errorf("%w: position %s already closed", ErrConflict, positionID)
	}

	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(pos.Token, c.clock.Now()))

	if ltp <= 0 {
		ltp = pos.LastPrice
	}

	orderID := fmt.Sprintf("SQ-%s-%d-%d", pos.Token, c.clock.Now().UnixNano(), c.seq.Add(1))
	closeQty := -pos.Qty

	if err := ledger.ApplyFill(pos, closeQty, ltp, orderID); err != nil {
		return nil, err
	}
	ledger.MarkPrice(pos, ltp)
	if err := ledger.SquareOff(pos, orderID); err != nil {
		return nil, err
	}
	pos.UpdatedAt = c.clock.Now()

	if err := c.persistPosition(ctx, pos); err != nil {
		c.fatal(ctx, orderID, err)
		return nil, err
	}

	txn := model.TxnSell
	if closeQty > 0 {
		txn = model.TxnBuy
	}
	now := c.clock.Now()
	c.orders.SaveOrder(ctx, &model.ConditionalOrder{
		OrderID:         orderID,
		UserID:          pos.UserID,
		WalletID:        pos.WalletID,
		Token:           pos.Token,
		Exchange:        pos.Exchange,
		TradingSymbol:   pos.TradingSymbol,
		Variant:         model.VariantMarket,
		TransactionType: txn,
		PositionType:    pos.PositionType,
		Qty:             abs64(closeQty),
		LimitPrice:      ltp,
		ApprovalRef:     SystemApprovalRef,
		Status:          model.OrderExecuted,
		CreatedAt:       now,
		UpdatedAt:       now,
	})

	if c.journal != nil {
		c.journal.RecordFill(Fill{
			OrderID:      orderID,
			UserID:       pos.UserID,
			Token:        pos.Token,
			Exchange:     pos.Exchange,
			PositionType: pos.PositionType,
			Txn:          txn,
			Qty:          abs64(closeQty),
			Price:        ltp,
			PositionID:   pos.ID,
			FilledAt:     now,
		})
	}

	c.log.Info("position squared off", append(logger.LogWithTrace(ctx),
		slog.String("position_id", pos.ID),
		slog.String("order_id", orderID),
		slog.Int64("ltp", ltp))...)

	return &Result{OrderID: orderID, Status: model.OrderExecuted, FillPrice: ltp, Position: pos}, nil
}

// ConvertToHolding turns an expired delivery position into a holding record
// and closes the position's active tracking. It takes the same per-key lock
// as fills and square-offs, so conversion cannot interleave with either.
func (c *Coordinator) ConvertToHolding(ctx context.Context, positionID string) (*model.Holding, error) {
	if c.holdings == nil {
		return nil, fmt.Errorf("execution: no holding store configured")
	}

	stored, err := c.positions.GetPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("execution: load position: %w", err)
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: position %s not found", ErrConflict, positionID)
	}

	l := c.lockFor(stored.Key())
	l.Lock()
	defer l.Unlock()

	pos, err := c.positions.GetPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("execution: reload position: %w", err)
	}
	if pos == nil || !pos.IsOpen() {
		return nil, fmt.Errorf("%w: position %s already closed", ErrConflict, positionID)
	}
	if pos.PositionType != model.PositionDelivery {
		return nil, fmt.Errorf("%w: position %s is not a delivery position", ErrConflict, positionID)
	}

	now := c.clock.Now()
	h := &model.Holding{
		ID:            fmt.Sprintf("HOLD-%s-%d-%d", pos.Token, now.UnixNano(), c.seq.Add(1)),
		UserID:        pos.UserID,
		WalletID:      pos.WalletID,
		Token:         pos.Token,
		Exchange:      pos.Exchange,
		TradingSymbol: pos.TradingSymbol,
		Qty:           pos.Qty,
		AvgPrice:      pos.AvgPrice,
		PositionID:    pos.ID,
		CreatedAt:     now,
	}
	if err := retryWithBackoff(ctx, persistAttempts, persistBaseDelay, func() error {
		return c.holdings.CreateHolding(ctx, h)
	}); err != nil {
		return nil, fmt.Errorf("%w: holding for %s: %v", ErrPersistExhausted, pos.ID, err)
	}

	if err := ledger.ConvertToHolding(pos, h.ID); err != nil {
		return nil, err
	}
	pos.UpdatedAt = now

	if err := c.persistPosition(ctx, pos); err != nil {
		c.fatal(ctx, pos.ID, err)
		return nil, err
	}

	c.log.Info("delivery position converted to holding",
		slog.String("position_id", pos.ID),
		slog.String("holding_id", h.ID),
		slog.Int64("qty", h.Qty))

	return h, nil
}

// Cancel transitions a PENDING or TRIGGERED order to CANCELLED, but only if
// execution has not already committed. There is no undo.
func (c *Coordinator) Cancel(ctx context.Context, orderID string) (*model.ConditionalOrder, error) {
	stored, err := c.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("execution: load order: %w", err)
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: order %s not found", ErrConflict, orderID)
	}

	// Same lock as Execute for this order's position: cancel and commit
	// cannot interleave.
	l := c.lockFor(stored.PositionKey())
	l.Lock()
	defer l.Unlock()

	ok, err := c.orders.TransitionStatus(ctx, orderID,
		[]string{model.OrderPending, model.OrderTriggered}, model.OrderCancelled)
	if err != nil {
		return nil, fmt.Errorf("execution: cancel order: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: order %s already finalized", ErrConflict, orderID)
	}

	stored.Status = model.OrderCancelled
	stored.UpdatedAt = c.clock.Now()
	return stored, nil
}

// MarkOpenPositions revalues every open position on an instrument against a
// new LTP. Best-effort: a failed save for one position does not block the
// rest.
func (c *Coordinator) MarkOpenPositions(ctx context.Context, exchange, token string, ltp int64) {
	open, err := c.positions.OpenByInstrument(ctx, exchange, token)
	if err != nil {
		c.log.Warn("mark positions query failed",
			slog.String("instrument", exchange+":"+token), slog.Any("err", err))
		return
	}
	for i := range open {
		p := open[i]
		l := c.lockFor(p.Key())
		l.Lock()
		fresh, err := c.positions.GetPosition(ctx, p.ID)
		if err == nil && fresh != nil && fresh.IsOpen() {
			ledger.MarkPrice(fresh, ltp)
			fresh.UpdatedAt = c.clock.Now()
			if err := c.positions.SavePosition(ctx, fresh); err != nil {
				c.log.Warn("mark position save failed",
					slog.String("position_id", fresh.ID), slog.Any("err", err))
			}
		}
		l.Unlock()
	}
}

// newPosition creates the position a first fill opens, stamping the
// type-specific expiry: intraday dies at today's square-off cutoff, delivery
// converts to a holding after its fixed window.
func (c *Coordinator) newPosition(order *model.ConditionalOrder) *model.Position {
	now := c.clock.Now()
	var expiresAt time.Time
	if order.PositionType == model.PositionDelivery {
		expiresAt = markethours.DeliveryExpiry(now)
	} else {
		expiresAt = markethours.SquareOffCutoff(now)
	}
	return &model.Position{
		ID:            fmt.Sprintf("POS-%s-%d-%d", order.Token, now.UnixNano(), c.seq.Add(1)),
		UserID:        order.UserID,
		WalletID:      order.WalletID,
		Token:         order.Token,
		Exchange:      order.Exchange,
		TradingSymbol: order.TradingSymbol,
		PositionType:  order.PositionType,
		ExpiresAt:     expiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// persistPosition saves with bounded exponential backoff. Storage hiccups
// are retried; exhaustion is fatal and needs manual reconciliation.
func (c *Coordinator) persistPosition(ctx context.Context, p *model.Position) error {
	err := retryWithBackoff(ctx, persistAttempts, persistBaseDelay, func() error {
		return c.positions.SavePosition(ctx, p)
	})
	if err != nil {
		return fmt.Errorf("%w: position %s: %v", ErrPersistExhausted, p.ID, err)
	}
	return nil
}

func (c *Coordinator) fatal(ctx context.Context, orderID string, err error) {
	if c.OnFatal != nil {
		c.OnFatal()
	}
	c.log.Error("fatal execution error", append(logger.LogWithTrace(ctx),
		slog.String("order_id", orderID), slog.Any("err", err))...)
	if c.notifier != nil {
		c.notifier.Send(ctx, notification.Alert{
			Level:   notification.AlertCritical,
			Title:   "execution persistence failure",
			Message: fmt.Sprintf("order %s: %v; manual reconciliation required", orderID, err),
		})
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
