// Package router dispatches ticks to per-instrument workers. Each worker
// owns an SPSC ring buffer, so a burst on one instrument never stalls
// trigger evaluation on another, and all fills for one instrument happen in
// tick order.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"tradesim/internal/execution"
	"tradesim/internal/ledger"
	"tradesim/internal/model"
	"tradesim/internal/orderbook"
	"tradesim/internal/ringbuf"
)

const defaultRingSize = 4096

// Router routes ticks to per-instrument workers that evaluate the order
// book and hand fired triggers to the execution coordinator.
type Router struct {
	book   *orderbook.Book
	coord  *execution.Coordinator
	orders model.OrderStore
	log    *slog.Logger

	ringSize int

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup

	// Metrics hooks (optional)
	OnTick         func()
	OnTriggered    func()
	OnRingOverflow func()

	// LTPSink receives every processed tick after the book is evaluated.
	LTPSink func(model.Tick)

	// OnOrderUpdate receives order copies after a durable status change,
	// for the Redis mirror.
	OnOrderUpdate func(*model.ConditionalOrder)

	// OnFill receives each committed execution result, for fill pubsub.
	OnFill func(*execution.Result)
}

type worker struct {
	ring *ringbuf.Ring
	wake chan struct{}
}

// New creates a Router. ringSize is rounded up per instrument; zero picks
// the default.
func New(book *orderbook.Book, coord *execution.Coordinator, orders model.OrderStore, log *slog.Logger, ringSize int) *Router {
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		book:     book,
		coord:    coord,
		orders:   orders,
		log:      log,
		ringSize: ringSize,
		workers:  make(map[string]*worker),
	}
}

// Run consumes ticks from tickCh and routes each to its instrument worker.
// Blocks until ctx is cancelled or tickCh closes; workers drain before
// return.
func (r *Router) Run(ctx context.Context, tickCh <-chan model.Tick) {
	wctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		r.wg.Wait()
	}()

	for {
		select {
		case <-wctx.Done():
			return
		case tick, ok := <-tickCh:
			if !ok {
				return
			}
			r.route(wctx, tick)
		}
	}
}

func (r *Router) route(ctx context.Context, tick model.Tick) {
	w := r.workerFor(ctx, tick.Key())
	if !w.ring.Push(tick) {
		if r.OnRingOverflow != nil {
			r.OnRingOverflow()
		}
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (r *Router) workerFor(ctx context.Context, key string) *worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[key]
	if !ok {
		w = &worker{
			ring: ringbuf.New(r.ringSize),
			wake: make(chan struct{}, 1),
		}
		r.workers[key] = w
		r.wg.Add(1)
		go r.workerLoop(ctx, w)
	}
	return w
}

func (r *Router) workerLoop(ctx context.Context, w *worker) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
			for {
				tick, ok := w.ring.Pop()
				if !ok {
					break
				}
				r.process(ctx, tick)
			}
		}
	}
}

// process runs one tick through the book and executes any fired triggers in
// arrival order before the position marks, so marks always see post-fill
// quantities.
func (r *Router) process(ctx context.Context, tick model.Tick) {
	if r.OnTick != nil {
		r.OnTick()
	}

	for _, tr := range r.book.Evaluate(tick) {
		r.executeTrigger(ctx, tr.Order, tr.FillPrice)
	}

	r.coord.MarkOpenPositions(ctx, tick.Exchange, tick.Token, tick.Price)

	if r.LTPSink != nil {
		r.LTPSink(tick)
	}
}

func (r *Router) executeTrigger(ctx context.Context, o model.ConditionalOrder, fillPrice int64) {
	// Commit the trigger transition first: a cancel that already won in the
	// durable store drops the order here, before any fill is attempted.
	ok, err := r.orders.TransitionStatus(ctx, o.OrderID,
		[]string{model.OrderPending}, model.OrderTriggered)
	if err != nil {
		r.log.Warn("trigger transition failed",
			slog.String("order_id", o.OrderID), slog.Any("err", err))
	} else if !ok {
		if stored, gerr := r.orders.GetOrder(ctx, o.OrderID); gerr == nil && stored != nil && stored.Status != model.OrderTriggered {
			r.book.Remove(o.OrderID)
			r.notify(stored)
			return
		}
	}

	if r.OnTriggered != nil {
		r.OnTriggered()
	}

	res, err := r.coord.Execute(ctx, o, fillPrice)
	switch {
	case err == nil:
		r.book.Remove(o.OrderID)
		o.Status = model.OrderExecuted
		r.notify(&o)
		if r.OnFill != nil {
			r.OnFill(res)
		}
	case errors.Is(err, ledger.ErrDuplicateFill), errors.Is(err, execution.ErrConflict):
		// Already applied, or cancelled/expired under the position lock.
		r.book.Remove(o.OrderID)
		if stored, gerr := r.orders.GetOrder(ctx, o.OrderID); gerr == nil && stored != nil {
			r.notify(stored)
		}
	default:
		// Persistence failed after retries. The order stays TRIGGERED in the
		// book and store; Redrive picks it up on the next startup.
		r.log.Error("trigger execution failed",
			slog.String("order_id", o.OrderID), slog.Any("err", err))
	}
}

func (r *Router) notify(o *model.ConditionalOrder) {
	if r.OnOrderUpdate != nil {
		r.OnOrderUpdate(o)
	}
}

// Redrive executes orders left in TRIGGERED state by a previous run, e.g.
// after a crash between trigger and fill persistence. Called once at
// startup, after the book is loaded with the same slice.
func (r *Router) Redrive(ctx context.Context, orders []model.ConditionalOrder) {
	for i := range orders {
		o := orders[i]
		if o.Status != model.OrderTriggered {
			continue
		}
		fillPrice := o.LimitPrice
		res, err := r.coord.Execute(ctx, o, fillPrice)
		switch {
		case err == nil:
			r.book.Remove(o.OrderID)
			o.Status = model.OrderExecuted
			r.notify(&o)
			if r.OnFill != nil {
				r.OnFill(res)
			}
			r.log.Info("redrove triggered order",
				slog.String("order_id", o.OrderID),
				slog.String("position_id", res.Position.ID))
		case errors.Is(err, ledger.ErrDuplicateFill), errors.Is(err, execution.ErrConflict):
			r.book.Remove(o.OrderID)
		default:
			r.log.Error("redrive failed",
				slog.String("order_id", o.OrderID), slog.Any("err", err))
		}
	}
}
