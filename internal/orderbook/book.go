// Package orderbook indexes resting conditional orders by instrument and
// decides, for each incoming tick, which of them must fire. It never mutates
// position state; it only emits trigger events for the execution layer.
//
// There is no counterparty matching here: every order fires against the
// external market price, which is treated as ground truth.
package orderbook

import (
	"sync"

	"tradesim/internal/model"
)

// Trigger is emitted for each order newly activated by a tick.
type Trigger struct {
	Order     model.ConditionalOrder
	FillPrice int64 // paise, the price the fill must execute at
	TickPrice int64 // paise, the tick that fired the trigger
}

// bucket holds the resting orders of one instrument in arrival order.
// Each bucket has its own lock so different instruments evaluate
// concurrently while evaluation within one instrument stays single-writer.
type bucket struct {
	mu     sync.Mutex
	orders []*model.ConditionalOrder
}

// Book is the in-memory index of resting limit and stop-loss orders,
// keyed by "exchange:token". It is rebuilt from the durable order store at
// startup and after every feed reconnect.
type Book struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	byID    map[string]*model.ConditionalOrder
	clock   model.Clock
}

// New creates an empty Book. clock stamps TriggeredAt on activation.
func New(clock model.Clock) *Book {
	if clock == nil {
		clock = model.RealClock{}
	}
	return &Book{
		buckets: make(map[string]*bucket),
		byID:    make(map[string]*model.ConditionalOrder),
		clock:   clock,
	}
}

// Add indexes a pending order. Terminal or already-known orders are ignored.
func (b *Book) Add(o model.ConditionalOrder) {
	if o.IsTerminal() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byID[o.OrderID]; ok {
		return
	}

	cp := o
	key := cp.InstrumentKey()
	bk := b.buckets[key]
	if bk == nil {
		bk = &bucket{}
		b.buckets[key] = bk
	}

	bk.mu.Lock()
	bk.orders = append(bk.orders, &cp)
	bk.mu.Unlock()
	b.byID[cp.OrderID] = &cp
}

// Remove drops an order from the index (executed, cancelled, or expired).
// Returns false if the order was not resting.
func (b *Book) Remove(orderID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.byID[orderID]
	if !ok {
		return false
	}
	delete(b.byID, orderID)

	key := o.InstrumentKey()
	bk := b.buckets[key]
	if bk == nil {
		return true
	}
	bk.mu.Lock()
	for i, ro := range bk.orders {
		if ro.OrderID == orderID {
			bk.orders = append(bk.orders[:i], bk.orders[i+1:]...)
			break
		}
	}
	empty := len(bk.orders) == 0
	bk.mu.Unlock()
	if empty {
		delete(b.buckets, key)
	}
	return true
}

// Evaluate runs the tick against the instrument's bucket and returns the
// newly triggered orders, oldest first (price-time priority, all-or-nothing
// fills). The pending→triggered transition happens exactly once per order:
// re-running the same tick returns nothing new.
func (b *Book) Evaluate(tick model.Tick) []Trigger {
	b.mu.RLock()
	bk := b.buckets[tick.Key()]
	b.mu.RUnlock()
	if bk == nil {
		return nil
	}

	now := b.clock.Now()

	bk.mu.Lock()
	defer bk.mu.Unlock()

	var fired []Trigger
	for _, o := range bk.orders {
		if o.Status != model.OrderPending {
			continue
		}
		if !shouldTrigger(o, tick.Price) {
			continue
		}
		o.Status = model.OrderTriggered
		o.TriggeredAt = now
		o.UpdatedAt = now
		fired = append(fired, Trigger{
			Order:     *o,
			FillPrice: fillPrice(o),
			TickPrice: tick.Price,
		})
	}
	return fired
}

// Get returns a copy of a resting order, if indexed. The copy is taken
// under the bucket lock: Evaluate mutates order status in place, and the
// book lock alone does not cover that.
func (b *Book) Get(orderID string) (model.ConditionalOrder, bool) {
	b.mu.RLock()
	o, ok := b.byID[orderID]
	var bk *bucket
	if ok {
		bk = b.buckets[o.InstrumentKey()]
	}
	b.mu.RUnlock()

	if !ok {
		return model.ConditionalOrder{}, false
	}
	if bk == nil {
		return *o, true
	}
	bk.mu.Lock()
	defer bk.mu.Unlock()
	return *o, true
}

// PendingCount returns the number of resting orders across all instruments.
func (b *Book) PendingCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// Load bulk-indexes orders, replacing the current contents. Used at startup
// and on feed reconnect so no resting order is silently lost. Terminal
// orders in the input are skipped.
func (b *Book) Load(orders []model.ConditionalOrder) {
	b.mu.Lock()
	b.buckets = make(map[string]*bucket)
	b.byID = make(map[string]*model.ConditionalOrder)
	b.mu.Unlock()

	for _, o := range orders {
		b.Add(o)
	}
}

// Instruments returns the (exchange, tokens) groups with resting orders,
// for feed subscription.
func (b *Book) Instruments() map[string][]string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	byExchange := make(map[string]map[string]struct{})
	for _, o := range b.byID {
		m := byExchange[o.Exchange]
		if m == nil {
			m = make(map[string]struct{})
			byExchange[o.Exchange] = m
		}
		m[o.Token] = struct{}{}
	}

	out := make(map[string][]string, len(byExchange))
	for ex, toks := range byExchange {
		for t := range toks {
			out[ex] = append(out[ex], t)
		}
	}
	return out
}

// ExpirePending transitions every resting PENDING order to EXPIRED and
// removes it from the index, returning the expired orders. Triggered-but-
// unexecuted orders are left for the execution layer to resolve.
func (b *Book) ExpirePending() []model.ConditionalOrder {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	var expired []model.ConditionalOrder
	for key, bk := range b.buckets {
		bk.mu.Lock()
		kept := bk.orders[:0]
		for _, o := range bk.orders {
			if o.Status == model.OrderPending {
				o.Status = model.OrderExpired
				o.UpdatedAt = now
				expired = append(expired, *o)
				delete(b.byID, o.OrderID)
				continue
			}
			kept = append(kept, o)
		}
		bk.orders = kept
		empty := len(bk.orders) == 0
		bk.mu.Unlock()
		if empty {
			delete(b.buckets, key)
		}
	}
	return expired
}

// shouldTrigger evaluates the trigger predicate for a resting order against
// the tick price P:
//
//	limit buy:  P <= limit
//	limit sell: P >= limit
//	SL buy:     P >= trigger (protective/breakout buy)
//	SL sell:    P <= trigger
func shouldTrigger(o *model.ConditionalOrder, price int64) bool {
	buy := o.TransactionType == model.TxnBuy
	switch o.Variant {
	case model.VariantLimit:
		if buy {
			return price <= o.LimitPrice
		}
		return price >= o.LimitPrice
	case model.VariantStopLoss:
		if buy {
			return price >= o.TriggerPrice
		}
		return price <= o.TriggerPrice
	}
	return false
}

// fillPrice returns the price a triggered order executes at. Stop-loss
// orders are stop-limit: once the trigger crosses, the fill happens at the
// configured limit price, not at the tick.
func fillPrice(o *model.ConditionalOrder) int64 {
	return o.LimitPrice
}
