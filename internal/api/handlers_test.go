package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tradesim/internal/execution"
	"tradesim/internal/model"
	"tradesim/internal/orderbook"
	"tradesim/internal/portfolio"
	"tradesim/internal/store/memory"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

type fakeLTP map[string]int64

func (f fakeLTP) LTP(exchange, token string) (int64, bool) {
	v, ok := f[exchange+":"+token]
	return v, ok
}

type testEnv struct {
	srv  *Server
	mux  *http.ServeMux
	st   *memory.Store
	book *orderbook.Book
	ltp  fakeLTP
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := memory.New()
	clk := &fakeClock{t: time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)}
	coord := execution.New(st, st, st, clk, nil, nil, nil)
	book := orderbook.New(clk)
	ltp := fakeLTP{}
	srv := New(st, st, st, coord, book, ltp, clk, nil)
	srv.Portfolio = portfolio.New(st, st, ltp)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	return &testEnv{srv: srv, mux: mux, st: st, book: book, ltp: ltp}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func limitOrderReq() PlaceOrderRequest {
	return PlaceOrderRequest{
		UserID:          "u1",
		WalletID:        "w1",
		Exchange:        "NSE",
		Token:           "2885",
		TradingSymbol:   "RELIANCE-EQ",
		Variant:         model.VariantLimit,
		TransactionType: model.TxnBuy,
		PositionType:    model.PositionIntraday,
		Qty:             10,
		LimitPrice:      250000,
		ApprovalRef:     "appr-1",
	}
}

func TestPlaceLimitOrder_RestsInBook(t *testing.T) {
	env := newTestEnv(t)
	var mirrored, subscribed bool
	env.srv.MirrorOrder = func(o *model.ConditionalOrder) { mirrored = true }
	env.srv.SubscribeFeed = func(exchange string, tokens []string) {
		if exchange != "NSE" || len(tokens) != 1 || tokens[0] != "2885" {
			t.Errorf("unexpected subscription %s %v", exchange, tokens)
		}
		subscribed = true
	}

	rec := env.do(t, http.MethodPost, "/api/v1/orders", limitOrderReq())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var placed model.ConditionalOrder
	if err := json.Unmarshal(rec.Body.Bytes(), &placed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if placed.Status != model.OrderPending {
		t.Errorf("status = %s, want PENDING", placed.Status)
	}
	if env.book.PendingCount() != 1 {
		t.Errorf("book pending = %d, want 1", env.book.PendingCount())
	}
	stored, _ := env.st.GetOrder(context.Background(), placed.OrderID)
	if stored == nil || stored.Status != model.OrderPending {
		t.Fatalf("order not persisted as PENDING: %+v", stored)
	}
	if !mirrored || !subscribed {
		t.Errorf("mirrored = %v, subscribed = %v, want both", mirrored, subscribed)
	}
}

func TestGetOrderByID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/orders", limitOrderReq())
	if rec.Code != http.StatusCreated {
		t.Fatalf("place: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var placed model.ConditionalOrder
	if err := json.Unmarshal(rec.Body.Bytes(), &placed); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	// Resting: served from the book.
	rec = env.do(t, http.MethodGet, "/api/v1/orders?order_id="+placed.OrderID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get resting: status = %d", rec.Code)
	}
	var got model.ConditionalOrder
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if got.OrderID != placed.OrderID || got.Status != model.OrderPending {
		t.Errorf("got %s/%s, want %s/PENDING", got.OrderID, got.Status, placed.OrderID)
	}

	// Terminal: book misses, store answers.
	rec = env.do(t, http.MethodPost, "/api/v1/orders/cancel?order_id="+placed.OrderID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/api/v1/orders?order_id="+placed.OrderID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get cancelled: status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if got.Status != model.OrderCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/orders?order_id=nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown order: status = %d, want 404", rec.Code)
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name   string
		mutate func(*PlaceOrderRequest)
	}{
		{"missing user", func(r *PlaceOrderRequest) { r.UserID = "" }},
		{"zero qty", func(r *PlaceOrderRequest) { r.Qty = 0 }},
		{"negative qty", func(r *PlaceOrderRequest) { r.Qty = -5 }},
		{"missing approval", func(r *PlaceOrderRequest) { r.ApprovalRef = "" }},
		{"bad txn type", func(r *PlaceOrderRequest) { r.TransactionType = "SHORT" }},
		{"bad position type", func(r *PlaceOrderRequest) { r.PositionType = "SWING" }},
		{"bad variant", func(r *PlaceOrderRequest) { r.Variant = "ICEBERG" }},
		{"limit without price", func(r *PlaceOrderRequest) { r.LimitPrice = 0 }},
		{"sl without trigger", func(r *PlaceOrderRequest) {
			r.Variant = model.VariantStopLoss
			r.TriggerPrice = 0
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := limitOrderReq()
			tc.mutate(&req)
			rec := env.do(t, http.MethodPost, "/api/v1/orders", req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400, body %s", rec.Code, rec.Body.String())
			}
		})
	}

	if env.book.PendingCount() != 0 {
		t.Errorf("rejected orders leaked into the book: %d", env.book.PendingCount())
	}
}

func TestPlaceMarketOrder_ExecutesImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.ltp["NSE:2885"] = 251000

	req := limitOrderReq()
	req.Variant = model.VariantMarket
	req.LimitPrice = 0

	rec := env.do(t, http.MethodPost, "/api/v1/orders", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var res execution.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.FillPrice != 251000 {
		t.Errorf("fill price = %d, want 251000", res.FillPrice)
	}
	if res.Position == nil || res.Position.Qty != 10 || res.Position.AvgPrice != 251000 {
		t.Fatalf("position = %+v", res.Position)
	}
	if env.book.PendingCount() != 0 {
		t.Errorf("market order rested in the book")
	}
}

func TestPlaceMarketOrder_NoPrice(t *testing.T) {
	env := newTestEnv(t)

	req := limitOrderReq()
	req.Variant = model.VariantMarket
	req.LimitPrice = 0

	rec := env.do(t, http.MethodPost, "/api/v1/orders", req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body %s", rec.Code, rec.Body.String())
	}
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/orders", limitOrderReq())
	if rec.Code != http.StatusCreated {
		t.Fatalf("place status = %d", rec.Code)
	}
	var placed model.ConditionalOrder
	json.Unmarshal(rec.Body.Bytes(), &placed)

	rec = env.do(t, http.MethodPost, "/api/v1/orders/cancel?order_id="+placed.OrderID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body %s", rec.Code, rec.Body.String())
	}
	if env.book.PendingCount() != 0 {
		t.Errorf("cancelled order still resting")
	}
	stored, _ := env.st.GetOrder(context.Background(), placed.OrderID)
	if stored.Status != model.OrderCancelled {
		t.Errorf("status = %s, want CANCELLED", stored.Status)
	}

	// A second cancel races against nothing and still must not succeed.
	rec = env.do(t, http.MethodPost, "/api/v1/orders/cancel?order_id="+placed.OrderID, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", rec.Code)
	}
}

func TestSquareOff(t *testing.T) {
	env := newTestEnv(t)
	env.ltp["NSE:2885"] = 250000

	req := limitOrderReq()
	req.Variant = model.VariantMarket
	rec := env.do(t, http.MethodPost, "/api/v1/orders", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("market order status = %d", rec.Code)
	}
	var res execution.Result
	json.Unmarshal(rec.Body.Bytes(), &res)

	env.ltp["NSE:2885"] = 255000
	rec = env.do(t, http.MethodPost, "/api/v1/positions/squareoff?position_id="+res.Position.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("squareoff status = %d, body %s", rec.Code, rec.Body.String())
	}
	var closed execution.Result
	json.Unmarshal(rec.Body.Bytes(), &closed)
	if closed.FillPrice != 255000 {
		t.Errorf("close price = %d, want 255000", closed.FillPrice)
	}
	if !closed.Position.IsSquaredOff || closed.Position.Qty != 0 {
		t.Errorf("position not closed: %+v", closed.Position)
	}
	if closed.Position.UnrealizedPnL != 50000 {
		t.Errorf("closing pnl = %d, want 50000", closed.Position.UnrealizedPnL)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/positions/squareoff?position_id="+res.Position.ID, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("double squareoff status = %d, want 409", rec.Code)
	}
}

func TestPositionQueries(t *testing.T) {
	env := newTestEnv(t)
	env.ltp["NSE:2885"] = 250000

	req := limitOrderReq()
	req.Variant = model.VariantMarket
	if rec := env.do(t, http.MethodPost, "/api/v1/orders", req); rec.Code != http.StatusOK {
		t.Fatalf("seed order status = %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/positions?user_id=u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var active []model.Position
	json.Unmarshal(rec.Body.Bytes(), &active)
	if len(active) != 1 {
		t.Fatalf("active positions = %d, want 1", len(active))
	}

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/positions?position_id=%s", active[0].ID), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get by id status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/positions?position_id=POS-missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing position status = %d, want 404", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/positions?user_id=u1&type=SWING", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad type filter status = %d, want 400", rec.Code)
	}
}

func TestPortfolioEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.ltp["NSE:2885"] = 250000

	req := limitOrderReq()
	req.Variant = model.VariantMarket
	if rec := env.do(t, http.MethodPost, "/api/v1/orders", req); rec.Code != http.StatusOK {
		t.Fatalf("seed order status = %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/portfolio?user_id=u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("portfolio status = %d, body %s", rec.Code, rec.Body.String())
	}
	var sum portfolio.Summary
	json.Unmarshal(rec.Body.Bytes(), &sum)
	if sum.OpenCount != 1 || sum.TotalExposure != 2500000 {
		t.Errorf("summary = %+v", sum)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/portfolio", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing user_id status = %d, want 400", rec.Code)
	}
}

func TestRiskGateRejectsOversizedOrder(t *testing.T) {
	env := newTestEnv(t)
	env.srv.Risk = portfolio.NewRiskManager(portfolio.RiskLimits{MaxOrderQty: 5}, env.srv.Portfolio)

	rec := env.do(t, http.MethodPost, "/api/v1/orders", limitOrderReq())
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body %s", rec.Code, rec.Body.String())
	}
	if env.book.PendingCount() != 0 {
		t.Errorf("rejected order rested in the book")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}

	env.srv.CheckRedis = func() bool { return false }
	rec = env.do(t, http.MethodGet, "/api/v1/health", nil)
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if rec.Code != http.StatusOK || body["status"] != "degraded" {
		t.Errorf("redis-down health = %d %v, want 200 degraded", rec.Code, body["status"])
	}

	env.srv.CheckSQLite = func() bool { return false }
	rec = env.do(t, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("sqlite-down health = %d, want 503", rec.Code)
	}
}
