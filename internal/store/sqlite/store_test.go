package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tradesim/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(Config{DBPath: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func samplePosition(id string) *model.Position {
	now := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	return &model.Position{
		ID:            id,
		UserID:        "u1",
		WalletID:      "w1",
		Token:         "2885",
		Exchange:      "NSE",
		TradingSymbol: "RELIANCE-EQ",
		PositionType:  model.PositionIntraday,
		Qty:           10,
		AvgPrice:      145000,
		TotalValue:    1450000,
		OrderIDs:      []string{"ord-1"},
		ExpiresAt:     now.Add(6 * time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestPositionRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := samplePosition("pos-1")
	if err := st.SavePosition(ctx, p); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	got, err := st.GetPosition(ctx, "pos-1")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got == nil {
		t.Fatal("expected position, got nil")
	}
	if got.Qty != 10 || got.AvgPrice != 145000 || got.TotalValue != 1450000 {
		t.Errorf("round trip mismatch: qty=%d avg=%g tv=%d", got.Qty, got.AvgPrice, got.TotalValue)
	}
	if len(got.OrderIDs) != 1 || got.OrderIDs[0] != "ord-1" {
		t.Errorf("order ids mismatch: %v", got.OrderIDs)
	}
	if !got.ExpiresAt.Equal(p.ExpiresAt) {
		t.Errorf("expires_at mismatch: got %v want %v", got.ExpiresAt, p.ExpiresAt)
	}

	missing, err := st.GetPosition(ctx, "nope")
	if err != nil {
		t.Fatalf("GetPosition missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing position, got %+v", missing)
	}
}

func TestPositionRoundTrip_FractionalAvgPrice(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// 3 fills summing to 30100 paise leave a repeating-fraction average.
	p := samplePosition("pos-frac")
	p.Qty = 3
	p.AvgPrice = 30100.0 / 3.0
	p.TotalValue = 30100
	if err := st.SavePosition(ctx, p); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	got, err := st.GetPosition(ctx, "pos-frac")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got == nil {
		t.Fatal("expected position, got nil")
	}
	if got.AvgPrice != p.AvgPrice {
		t.Errorf("avg price lost precision: got %g want %g", got.AvgPrice, p.AvgPrice)
	}
}

func TestFindOpenPosition(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	open := samplePosition("pos-open")
	closed := samplePosition("pos-closed")
	closed.IsSquaredOff = true
	flat := samplePosition("pos-flat")
	flat.Qty = 0

	for _, p := range []*model.Position{open, closed, flat} {
		if err := st.SavePosition(ctx, p); err != nil {
			t.Fatalf("SavePosition: %v", err)
		}
	}

	got, err := st.FindOpenPosition(ctx, "u1", "NSE", "2885", model.PositionIntraday)
	if err != nil {
		t.Fatalf("FindOpenPosition: %v", err)
	}
	if got == nil || got.ID != "pos-open" {
		t.Fatalf("expected pos-open, got %+v", got)
	}

	got, err = st.FindOpenPosition(ctx, "u1", "NSE", "2885", model.PositionDelivery)
	if err != nil {
		t.Fatalf("FindOpenPosition delivery: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for delivery type, got %+v", got)
	}
}

func TestExpiredIntraday(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	expired := samplePosition("pos-expired")
	expired.ExpiresAt = now.Add(-time.Minute)
	boundary := samplePosition("pos-boundary")
	boundary.ExpiresAt = now
	future := samplePosition("pos-future")
	future.ExpiresAt = now.Add(time.Hour)
	delivery := samplePosition("pos-delivery")
	delivery.PositionType = model.PositionDelivery
	delivery.ExpiresAt = now.Add(-time.Hour)

	for _, p := range []*model.Position{expired, boundary, future, delivery} {
		if err := st.SavePosition(ctx, p); err != nil {
			t.Fatalf("SavePosition: %v", err)
		}
	}

	got, err := st.ExpiredIntraday(ctx, now)
	if err != nil {
		t.Fatalf("ExpiredIntraday: %v", err)
	}
	ids := map[string]bool{}
	for _, p := range got {
		ids[p.ID] = true
	}
	if len(got) != 2 || !ids["pos-expired"] || !ids["pos-boundary"] {
		t.Errorf("expected expired+boundary, got %v", ids)
	}

	del, err := st.ExpiredDelivery(ctx, now)
	if err != nil {
		t.Fatalf("ExpiredDelivery: %v", err)
	}
	if len(del) != 1 || del[0].ID != "pos-delivery" {
		t.Errorf("expected pos-delivery, got %+v", del)
	}
}

func sampleOrder(id, status string, createdAt time.Time) *model.ConditionalOrder {
	return &model.ConditionalOrder{
		OrderID:         id,
		UserID:          "u1",
		WalletID:        "w1",
		Token:           "2885",
		Exchange:        "NSE",
		TradingSymbol:   "RELIANCE-EQ",
		Variant:         model.VariantLimit,
		TransactionType: model.TxnBuy,
		PositionType:    model.PositionIntraday,
		Qty:             5,
		LimitPrice:      140000,
		ApprovalRef:     "appr-1",
		Status:          status,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}

func TestPendingOrdersOrdering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)

	for i, spec := range []struct {
		id     string
		status string
		offset time.Duration
	}{
		{"ord-c", model.OrderPending, 2 * time.Minute},
		{"ord-a", model.OrderPending, 0},
		{"ord-b", model.OrderTriggered, time.Minute},
		{"ord-x", model.OrderExecuted, 3 * time.Minute},
		{"ord-y", model.OrderCancelled, 4 * time.Minute},
	} {
		o := sampleOrder(spec.id, spec.status, base.Add(spec.offset))
		if err := st.SaveOrder(ctx, o); err != nil {
			t.Fatalf("SaveOrder %d: %v", i, err)
		}
	}

	got, err := st.PendingOrders(ctx)
	if err != nil {
		t.Fatalf("PendingOrders: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(got))
	}
	want := []string{"ord-a", "ord-b", "ord-c"}
	for i, w := range want {
		if got[i].OrderID != w {
			t.Errorf("order %d: got %s want %s", i, got[i].OrderID, w)
		}
	}
}

func TestTransitionStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	o := sampleOrder("ord-1", model.OrderPending, time.Now().UTC())
	if err := st.SaveOrder(ctx, o); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}

	ok, err := st.TransitionStatus(ctx, "ord-1", []string{model.OrderPending, model.OrderTriggered}, model.OrderCancelled)
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if !ok {
		t.Fatal("expected transition to succeed")
	}

	// Second attempt races against the first and must lose.
	ok, err = st.TransitionStatus(ctx, "ord-1", []string{model.OrderPending, model.OrderTriggered}, model.OrderExecuted)
	if err != nil {
		t.Fatalf("TransitionStatus second: %v", err)
	}
	if ok {
		t.Fatal("expected second transition to fail")
	}

	got, err := st.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != model.OrderCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}
}

func TestHoldingRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	h := &model.Holding{
		ID:            "hold-1",
		UserID:        "u1",
		WalletID:      "w1",
		Token:         "2885",
		Exchange:      "NSE",
		TradingSymbol: "RELIANCE-EQ",
		Qty:           10,
		AvgPrice:      145000,
		PositionID:    "pos-1",
		CreatedAt:     time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC),
	}
	if err := st.CreateHolding(ctx, h); err != nil {
		t.Fatalf("CreateHolding: %v", err)
	}

	got, err := st.HoldingsByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("HoldingsByUser: %v", err)
	}
	if len(got) != 1 || got[0].ID != "hold-1" || got[0].Qty != 10 {
		t.Errorf("unexpected holdings: %+v", got)
	}
}
