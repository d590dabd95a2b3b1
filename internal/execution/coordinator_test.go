package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradesim/internal/ledger"
	"tradesim/internal/model"
	"tradesim/internal/store/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func newTestCoordinator() (*Coordinator, *memory.Store, *fakeClock) {
	st := memory.New()
	// 10:30 IST on a trading day, well before the square-off cutoff.
	clk := &fakeClock{t: time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)}
	return New(st, st, st, clk, nil, nil, nil), st, clk
}

func buyOrder(id string, qty int64) model.ConditionalOrder {
	return model.ConditionalOrder{
		OrderID:         id,
		UserID:          "u1",
		WalletID:        "w1",
		Token:           "2885",
		Exchange:        "NSE",
		Variant:         model.VariantLimit,
		TransactionType: model.TxnBuy,
		PositionType:    model.PositionIntraday,
		Qty:             qty,
		LimitPrice:      10000,
		ApprovalRef:     "appr-1",
		Status:          model.OrderPending,
	}
}

func TestExecute_OpensPosition(t *testing.T) {
	c, st, _ := newTestCoordinator()
	ctx := context.Background()

	o := buyOrder("o1", 10)
	st.SaveOrder(ctx, &o)

	res, err := c.Execute(ctx, o, 10000)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != model.OrderExecuted {
		t.Errorf("expected EXECUTED, got %s", res.Status)
	}
	if res.Position.Qty != 10 || res.Position.AvgPrice != 10000 {
		t.Errorf("bad position: qty=%d avg=%g", res.Position.Qty, res.Position.AvgPrice)
	}

	stored, _ := st.GetOrder(ctx, "o1")
	if stored.Status != model.OrderExecuted {
		t.Errorf("order status in store: %s", stored.Status)
	}

	open, _ := st.ActiveByUser(ctx, "u1", "")
	if len(open) != 1 {
		t.Fatalf("expected 1 active position, got %d", len(open))
	}
}

func TestExecute_NetsIntoExistingPosition(t *testing.T) {
	c, st, _ := newTestCoordinator()
	ctx := context.Background()

	if _, err := c.Execute(ctx, buyOrder("o1", 10), 10000); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := c.Execute(ctx, buyOrder("o2", 10), 12000); err != nil {
		t.Fatalf("second: %v", err)
	}

	open, _ := st.ActiveByUser(ctx, "u1", "")
	if len(open) != 1 {
		t.Fatalf("expected single netted position, got %d", len(open))
	}
	if open[0].Qty != 20 || open[0].AvgPrice != 11000 {
		t.Errorf("bad netting: qty=%d avg=%g", open[0].Qty, open[0].AvgPrice)
	}
}

func TestExecute_DuplicateOrderRejected(t *testing.T) {
	c, st, _ := newTestCoordinator()
	ctx := context.Background()

	o := buyOrder("o1", 10)
	st.SaveOrder(ctx, &o)

	if _, err := c.Execute(ctx, o, 10000); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := c.Execute(ctx, o, 10000); !errors.Is(err, ledger.ErrDuplicateFill) {
		t.Fatalf("expected ErrDuplicateFill, got %v", err)
	}

	open, _ := st.ActiveByUser(ctx, "u1", "")
	if open[0].Qty != 10 {
		t.Errorf("duplicate changed qty: %d", open[0].Qty)
	}
}

func TestExecute_NoApprovalRefused(t *testing.T) {
	c, _, _ := newTestCoordinator()
	o := buyOrder("o1", 10)
	o.ApprovalRef = ""
	if _, err := c.Execute(context.Background(), o, 10000); !errors.Is(err, ErrNoApproval) {
		t.Fatalf("expected ErrNoApproval, got %v", err)
	}
}

func TestExecute_NetToZeroClosesPosition(t *testing.T) {
	c, st, _ := newTestCoordinator()
	ctx := context.Background()

	if _, err := c.Execute(ctx, buyOrder("o1", 10), 10000); err != nil {
		t.Fatalf("open: %v", err)
	}
	sell := buyOrder("o2", 10)
	sell.TransactionType = model.TxnSell
	res, err := c.Execute(ctx, sell, 10500)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !res.Position.IsSquaredOff || res.Position.Qty != 0 {
		t.Errorf("expected squared off flat position: %+v", res.Position)
	}

	open, _ := st.ActiveByUser(ctx, "u1", "")
	if len(open) != 0 {
		t.Errorf("flat position still active: %d", len(open))
	}
}

func TestExecute_PersistRetryThenRecover(t *testing.T) {
	c, st, _ := newTestCoordinator()
	ctx := context.Background()

	o := buyOrder("o1", 10)
	st.SaveOrder(ctx, &o)

	// All attempts fail: order must remain TRIGGERED for a later retry.
	st.SetSaveError(persistAttempts, errors.New("disk full"))
	if _, err := c.Execute(ctx, o, 10000); !errors.Is(err, ErrPersistExhausted) {
		t.Fatalf("expected ErrPersistExhausted, got %v", err)
	}
	stored, _ := st.GetOrder(ctx, "o1")
	if stored.Status != model.OrderTriggered {
		t.Fatalf("expected order to stay TRIGGERED, got %s", stored.Status)
	}

	// Storage recovers: the re-attempt applies the fill exactly once.
	res, err := c.Execute(ctx, *stored, 10000)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Position.Qty != 10 {
		t.Errorf("retry qty: %d", res.Position.Qty)
	}
	if len(res.Position.OrderIDs) != 1 {
		t.Errorf("fill applied more than once: %v", res.Position.OrderIDs)
	}
}

func TestCancel_BeforeAndAfterExecution(t *testing.T) {
	c, st, _ := newTestCoordinator()
	ctx := context.Background()

	// Cancel a pending order succeeds.
	o1 := buyOrder("o1", 10)
	st.SaveOrder(ctx, &o1)
	got, err := c.Cancel(ctx, "o1")
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if got.Status != model.OrderCancelled {
		t.Errorf("expected CANCELLED, got %s", got.Status)
	}

	// Executing a cancelled order conflicts.
	if _, err := c.Execute(ctx, o1, 10000); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict executing cancelled order, got %v", err)
	}

	// Cancel after execution conflicts; there is no undo.
	o2 := buyOrder("o2", 10)
	st.SaveOrder(ctx, &o2)
	if _, err := c.Execute(ctx, o2, 10000); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := c.Cancel(ctx, "o2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict cancelling executed order, got %v", err)
	}
}

func TestSquareOff_ClosesOnce(t *testing.T) {
	c, st, _ := newTestCoordinator()
	ctx := context.Background()

	res, err := c.Execute(ctx, buyOrder("o1", 10), 10000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	posID := res.Position.ID

	sq, err := c.SquareOff(ctx, posID, 10500)
	if err != nil {
		t.Fatalf("square off: %v", err)
	}
	if sq.Position.Qty != 0 || !sq.Position.IsSquaredOff {
		t.Errorf("bad state after square off: %+v", sq.Position)
	}

	// The synthetic closing order is durably recorded.
	closing, _ := st.GetOrder(ctx, sq.OrderID)
	if closing == nil || closing.Status != model.OrderExecuted ||
		closing.TransactionType != model.TxnSell || closing.Qty != 10 {
		t.Errorf("bad closing order: %+v", closing)
	}

	if _, err := c.SquareOff(ctx, posID, 10500); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on second square off, got %v", err)
	}
}

func TestSquareOff_ConcurrentRace(t *testing.T) {
	// A manual square-off and a sweeper-driven square-off fired at the same
	// instant must produce exactly one closing order.
	c, st, _ := newTestCoordinator()
	ctx := context.Background()

	res, err := c.Execute(ctx, buyOrder("o1", 10), 10000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	posID := res.Position.ID

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.SquareOff(ctx, posID, 10500)
		}(i)
	}
	wg.Wait()

	var okCount, conflictCount int
	for _, err := range errs {
		switch {
		case err == nil:
			okCount++
		case errors.Is(err, ErrConflict):
			conflictCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if okCount != 1 || conflictCount != 1 {
		t.Fatalf("expected exactly one winner, got ok=%d conflict=%d", okCount, conflictCount)
	}

	final, _ := st.GetPosition(ctx, posID)
	if final.Qty != 0 || !final.IsSquaredOff {
		t.Errorf("final position not closed: %+v", final)
	}
	if len(final.OrderIDs) != 2 { // the entry fill plus exactly one close
		t.Errorf("expected 2 fills on position, got %v", final.OrderIDs)
	}
}

func TestExecute_ExpiryStamp(t *testing.T) {
	c, _, clk := newTestCoordinator()
	ctx := context.Background()

	res, err := c.Execute(ctx, buyOrder("o1", 10), 10000)
	if err != nil {
		t.Fatalf("intraday: %v", err)
	}
	if !res.Position.ExpiresAt.After(clk.Now()) {
		t.Errorf("intraday expiry not in the future: %v", res.Position.ExpiresAt)
	}

	d := buyOrder("o2", 5)
	d.PositionType = model.PositionDelivery
	resD, err := c.Execute(ctx, d, 10000)
	if err != nil {
		t.Fatalf("delivery: %v", err)
	}
	if want := clk.Now().Add(24 * time.Hour); !resD.Position.ExpiresAt.Equal(want) {
		t.Errorf("delivery expiry: expected %v, got %v", want, resD.Position.ExpiresAt)
	}
}
