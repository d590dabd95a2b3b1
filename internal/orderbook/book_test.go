package orderbook

import (
	"fmt"
	"testing"
	"time"

	"tradesim/internal/model"
)

// fakeClock returns a fixed instant.
type fakeClock struct{ t time.Time }

func (c fakeClock) Now() time.Time { return c.t }

func pendingOrder(id, variant, txn string, limit, trigger int64) model.ConditionalOrder {
	return model.ConditionalOrder{
		OrderID:         id,
		UserID:          "u1",
		Token:           "2885",
		Exchange:        "NSE",
		Variant:         variant,
		TransactionType: txn,
		PositionType:    model.PositionIntraday,
		Qty:             10,
		LimitPrice:      limit,
		TriggerPrice:    trigger,
		ApprovalRef:     "appr-1",
		Status:          model.OrderPending,
	}
}

func tick(price int64) model.Tick {
	return model.Tick{Token: "2885", Exchange: "NSE", Price: price, TickTS: time.Now().UTC()}
}

func TestEvaluate_TriggerPredicates(t *testing.T) {
	cases := []struct {
		name    string
		variant string
		txn     string
		limit   int64
		trigger int64
		price   int64
		fires   bool
	}{
		{"limit buy below", model.VariantLimit, model.TxnBuy, 10000, 0, 9900, true},
		{"limit buy at", model.VariantLimit, model.TxnBuy, 10000, 0, 10000, true},
		{"limit buy above", model.VariantLimit, model.TxnBuy, 10000, 0, 10100, false},
		{"limit sell above", model.VariantLimit, model.TxnSell, 10000, 0, 10100, true},
		{"limit sell at", model.VariantLimit, model.TxnSell, 10000, 0, 10000, true},
		{"limit sell below", model.VariantLimit, model.TxnSell, 10000, 0, 9900, false},
		{"sl buy above trigger", model.VariantStopLoss, model.TxnBuy, 10600, 10500, 10550, true},
		{"sl buy at trigger", model.VariantStopLoss, model.TxnBuy, 10600, 10500, 10500, true},
		{"sl buy below trigger", model.VariantStopLoss, model.TxnBuy, 10600, 10500, 10400, false},
		{"sl sell below trigger", model.VariantStopLoss, model.TxnSell, 9400, 9500, 9450, true},
		{"sl sell at trigger", model.VariantStopLoss, model.TxnSell, 9400, 9500, 9500, true},
		{"sl sell above trigger", model.VariantStopLoss, model.TxnSell, 9400, 9500, 9600, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := New(fakeClock{t: time.Now()})
			b.Add(pendingOrder("o1", tc.variant, tc.txn, tc.limit, tc.trigger))

			fired := b.Evaluate(tick(tc.price))
			if tc.fires && len(fired) != 1 {
				t.Fatalf("expected trigger, got %d", len(fired))
			}
			if !tc.fires && len(fired) != 0 {
				t.Fatalf("expected no trigger, got %d", len(fired))
			}
		})
	}
}

func TestEvaluate_StopLossFillsAtLimitNotTick(t *testing.T) {
	// SL buy with trigger 105.00, limit 106.00: tick sequence
	// [100, 104, 105, 110] fires at the 105 tick and the fill price is the
	// limit (106.00), never the tick.
	b := New(fakeClock{t: time.Now()})
	b.Add(pendingOrder("sl1", model.VariantStopLoss, model.TxnBuy, 10600, 10500))

	var fired []Trigger
	for _, price := range []int64{10000, 10400, 10500, 11000} {
		fired = append(fired, b.Evaluate(tick(price))...)
	}

	if len(fired) != 1 {
		t.Fatalf("expected exactly 1 trigger, got %d", len(fired))
	}
	if fired[0].TickPrice != 10500 {
		t.Errorf("expected trigger at tick 10500, got %d", fired[0].TickPrice)
	}
	if fired[0].FillPrice != 10600 {
		t.Errorf("expected fill at limit 10600, got %d", fired[0].FillPrice)
	}
}

func TestEvaluate_IdempotentReEvaluation(t *testing.T) {
	b := New(fakeClock{t: time.Now()})
	b.Add(pendingOrder("o1", model.VariantLimit, model.TxnBuy, 10000, 0))

	first := b.Evaluate(tick(9900))
	if len(first) != 1 {
		t.Fatalf("expected 1 trigger, got %d", len(first))
	}
	if first[0].Order.Status != model.OrderTriggered {
		t.Errorf("expected TRIGGERED, got %s", first[0].Order.Status)
	}

	// Same tick again: the already-triggered order is skipped.
	second := b.Evaluate(tick(9900))
	if len(second) != 0 {
		t.Fatalf("re-evaluation fired %d triggers, want 0", len(second))
	}
}

func TestEvaluate_ArrivalOrderTieBreak(t *testing.T) {
	b := New(fakeClock{t: time.Now()})
	for i := 0; i < 5; i++ {
		b.Add(pendingOrder(fmt.Sprintf("o%d", i), model.VariantLimit, model.TxnBuy, 10000, 0))
	}

	fired := b.Evaluate(tick(9500))
	if len(fired) != 5 {
		t.Fatalf("expected 5 triggers, got %d", len(fired))
	}
	for i, tr := range fired {
		if want := fmt.Sprintf("o%d", i); tr.Order.OrderID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, tr.Order.OrderID)
		}
	}
}

func TestEvaluate_OtherInstrumentUntouched(t *testing.T) {
	b := New(fakeClock{t: time.Now()})
	o := pendingOrder("o1", model.VariantLimit, model.TxnBuy, 10000, 0)
	o.Token = "3045"
	b.Add(o)

	if fired := b.Evaluate(tick(9000)); len(fired) != 0 {
		t.Fatalf("tick for 2885 fired order on 3045: %d", len(fired))
	}
}

func TestAddRemove(t *testing.T) {
	b := New(fakeClock{t: time.Now()})
	b.Add(pendingOrder("o1", model.VariantLimit, model.TxnBuy, 10000, 0))
	b.Add(pendingOrder("o1", model.VariantLimit, model.TxnBuy, 10000, 0)) // duplicate ignored

	if b.PendingCount() != 1 {
		t.Fatalf("expected 1 resting order, got %d", b.PendingCount())
	}

	if !b.Remove("o1") {
		t.Error("expected remove to succeed")
	}
	if b.Remove("o1") {
		t.Error("expected second remove to fail")
	}
	if fired := b.Evaluate(tick(9000)); len(fired) != 0 {
		t.Errorf("removed order still fired: %d", len(fired))
	}
}

func TestGet(t *testing.T) {
	b := New(fakeClock{t: time.Now()})
	b.Add(pendingOrder("o1", model.VariantLimit, model.TxnBuy, 10000, 0))

	got, ok := b.Get("o1")
	if !ok || got.Status != model.OrderPending {
		t.Fatalf("expected pending copy, got ok=%v status=%s", ok, got.Status)
	}

	// Copies observe the in-place trigger transition but never alias it.
	if fired := b.Evaluate(tick(9900)); len(fired) != 1 {
		t.Fatalf("setup: expected trigger, got %d", len(fired))
	}
	got, ok = b.Get("o1")
	if !ok || got.Status != model.OrderTriggered {
		t.Fatalf("expected triggered copy, got ok=%v status=%s", ok, got.Status)
	}
	got.Status = model.OrderCancelled
	if again, _ := b.Get("o1"); again.Status != model.OrderTriggered {
		t.Errorf("mutating the copy changed the book: %s", again.Status)
	}

	if _, ok := b.Get("nope"); ok {
		t.Error("expected miss for unknown order id")
	}
}

func TestAdd_TerminalOrderIgnored(t *testing.T) {
	b := New(fakeClock{t: time.Now()})
	o := pendingOrder("o1", model.VariantLimit, model.TxnBuy, 10000, 0)
	o.Status = model.OrderExecuted
	b.Add(o)
	if b.PendingCount() != 0 {
		t.Errorf("terminal order was indexed")
	}
}

func TestLoadAndInstruments(t *testing.T) {
	b := New(fakeClock{t: time.Now()})
	nfo := pendingOrder("o2", model.VariantLimit, model.TxnSell, 20000, 0)
	nfo.Exchange = "NFO"
	nfo.Token = "55555"
	done := pendingOrder("o3", model.VariantLimit, model.TxnBuy, 10000, 0)
	done.Status = model.OrderCancelled

	b.Load([]model.ConditionalOrder{
		pendingOrder("o1", model.VariantLimit, model.TxnBuy, 10000, 0),
		nfo,
		done,
	})

	if b.PendingCount() != 2 {
		t.Fatalf("expected 2 resting orders after load, got %d", b.PendingCount())
	}

	inst := b.Instruments()
	if len(inst["NSE"]) != 1 || inst["NSE"][0] != "2885" {
		t.Errorf("bad NSE instruments: %v", inst["NSE"])
	}
	if len(inst["NFO"]) != 1 || inst["NFO"][0] != "55555" {
		t.Errorf("bad NFO instruments: %v", inst["NFO"])
	}
}

func TestExpirePending(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC)
	b := New(fakeClock{t: now})
	b.Add(pendingOrder("o1", model.VariantLimit, model.TxnBuy, 10000, 0))
	b.Add(pendingOrder("o2", model.VariantStopLoss, model.TxnSell, 9400, 9500))
	// Orders are good-for-day: a delivery-targeting order expires at close
	// like any other.
	dlv := pendingOrder("o3", model.VariantLimit, model.TxnBuy, 9000, 0)
	dlv.PositionType = model.PositionDelivery
	b.Add(dlv)

	// Trigger o2 first so it survives the expiry pass.
	if fired := b.Evaluate(tick(9400)); len(fired) != 1 || fired[0].Order.OrderID != "o2" {
		t.Fatalf("setup: expected o2 to trigger, got %+v", fired)
	}

	expired := b.ExpirePending()
	if len(expired) != 2 {
		t.Fatalf("expected o1 and o3 expired, got %+v", expired)
	}
	ids := map[string]bool{}
	for _, o := range expired {
		ids[o.OrderID] = true
		if o.Status != model.OrderExpired {
			t.Errorf("%s: expected EXPIRED, got %s", o.OrderID, o.Status)
		}
	}
	if !ids["o1"] || !ids["o3"] {
		t.Errorf("wrong expiry set: %v", ids)
	}
	// The triggered order is still indexed for the execution layer.
	if b.PendingCount() != 1 {
		t.Errorf("expected 1 order left, got %d", b.PendingCount())
	}
}
