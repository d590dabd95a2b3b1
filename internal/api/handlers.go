package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"tradesim/internal/model"
)

// PlaceOrderRequest is the body of POST /api/v1/orders.
type PlaceOrderRequest struct {
	UserID          string `json:"user_id"`
	WalletID        string `json:"wallet_id"`
	Exchange        string `json:"exchange"`
	Token           string `json:"token"`
	TradingSymbol   string `json:"trading_symbol"`
	Variant         string `json:"variant"`
	TransactionType string `json:"transaction_type"`
	PositionType    string `json:"position_type"`
	Qty             int64  `json:"qty"`
	LimitPrice      int64  `json:"limit_price"`
	TriggerPrice    int64  `json:"trigger_price"`
	ApprovalRef     string `json:"approval_ref"`
}

// validate returns a user-facing message for the first rejected field,
// or "" when the request is acceptable.
func (r *PlaceOrderRequest) validate() string {
	switch {
	case r.UserID == "":
		return "user_id is required"
	case r.WalletID == "":
		return "wallet_id is required"
	case r.Exchange == "":
		return "exchange is required"
	case r.Token == "":
		return "token is required"
	case r.Qty <= 0:
		return "qty must be positive"
	case r.ApprovalRef == "":
		return "approval_ref is required"
	}
	if r.TransactionType != model.TxnBuy && r.TransactionType != model.TxnSell {
		return "transaction_type must be BUY or SELL"
	}
	if r.PositionType != model.PositionIntraday && r.PositionType != model.PositionDelivery {
		return "position_type must be INTRADAY or DELIVERY"
	}
	switch r.Variant {
	case model.VariantMarket:
	case model.VariantLimit:
		if r.LimitPrice <= 0 {
			return "limit_price must be positive for LIMIT orders"
		}
	case model.VariantStopLoss:
		if r.TriggerPrice <= 0 {
			return "trigger_price must be positive for SL orders"
		}
		if r.LimitPrice <= 0 {
			return "limit_price must be positive for SL orders"
		}
	default:
		return "variant must be MARKET, LIMIT or SL"
	}
	return ""
}

// handleOrders serves POST (place) and GET (list by user) on /api/v1/orders.
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method == http.MethodGet {
		if orderID := r.URL.Query().Get("order_id"); orderID != "" {
			// Resting orders come from the book so the copy reflects a
			// trigger that has not been persisted yet; terminal orders
			// only exist in the store.
			if o, ok := s.book.Get(orderID); ok {
				writeJSON(w, http.StatusOK, o)
				return
			}
			o, err := s.orders.GetOrder(r.Context(), orderID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "order lookup failed")
				return
			}
			if o == nil {
				writeError(w, http.StatusNotFound, "order not found")
				return
			}
			writeJSON(w, http.StatusOK, o)
			return
		}

		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		limit := 100
		if ls := r.URL.Query().Get("limit"); ls != "" {
			if l, err := strconv.Atoi(ls); err == nil && l > 0 && l <= 500 {
				limit = l
			}
		}
		orders, err := s.orders.OrdersByUser(r.Context(), userID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "order lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, orders)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	now := s.clock.Now()
	o := model.ConditionalOrder{
		OrderID:         s.nextOrderID(req.Token),
		UserID:          req.UserID,
		WalletID:        req.WalletID,
		Token:           req.Token,
		Exchange:        req.Exchange,
		TradingSymbol:   req.TradingSymbol,
		Variant:         req.Variant,
		TransactionType: req.TransactionType,
		PositionType:    req.PositionType,
		Qty:             req.Qty,
		LimitPrice:      req.LimitPrice,
		TriggerPrice:    req.TriggerPrice,
		ApprovalRef:     req.ApprovalRef,
		Status:          model.OrderPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if s.Risk != nil {
		ref := o.LimitPrice
		if ref <= 0 && s.ltp != nil {
			if p, ok := s.ltp.LTP(o.Exchange, o.Token); ok {
				ref = p
			}
		}
		if ok, reason := s.Risk.CheckOrder(r.Context(), &o, ref); !ok {
			writeError(w, http.StatusUnprocessableEntity, reason)
			return
		}
	}

	if o.Variant == model.VariantMarket {
		s.executeMarket(w, r, o)
		return
	}

	// Durable record first; the book copy can always be rebuilt from it.
	if err := s.orders.SaveOrder(r.Context(), &o); err != nil {
		writeError(w, http.StatusInternalServerError, "order persist failed")
		return
	}
	s.book.Add(o)
	if s.MirrorOrder != nil {
		s.MirrorOrder(&o)
	}
	if s.SubscribeFeed != nil {
		s.SubscribeFeed(o.Exchange, []string{o.Token})
	}
	if s.OnOrderPlaced != nil {
		s.OnOrderPlaced(o.Variant)
	}
	s.log.Info("order placed",
		slog.String("order_id", o.OrderID),
		slog.String("user_id", o.UserID),
		slog.String("variant", o.Variant),
		slog.String("instrument", o.InstrumentKey()))
	writeJSON(w, http.StatusCreated, &o)
}

// executeMarket fills a market order immediately at the last traded price.
func (s *Server) executeMarket(w http.ResponseWriter, r *http.Request, o model.ConditionalOrder) {
	var price int64
	if s.ltp != nil {
		if p, ok := s.ltp.LTP(o.Exchange, o.Token); ok {
			price = p
		}
	}
	if price <= 0 {
		price = o.LimitPrice
	}
	if price <= 0 {
		writeError(w, http.StatusConflict, "no market price available for instrument")
		return
	}

	if err := s.orders.SaveOrder(r.Context(), &o); err != nil {
		writeError(w, http.StatusInternalServerError, "order persist failed")
		return
	}
	if s.OnOrderPlaced != nil {
		s.OnOrderPlaced(o.Variant)
	}

	res, err := s.coord.Execute(r.Context(), o, price)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if s.MirrorOrder != nil {
		if stored, serr := s.orders.GetOrder(r.Context(), o.OrderID); serr == nil && stored != nil {
			s.MirrorOrder(stored)
		}
	}
	if s.OnFill != nil {
		s.OnFill(res)
	}
	writeJSON(w, http.StatusOK, res)
}

// handleCancel serves POST /api/v1/orders/cancel?order_id=...
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	orderID := r.URL.Query().Get("order_id")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "order_id is required")
		return
	}

	o, err := s.coord.Cancel(r.Context(), orderID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.book.Remove(orderID)
	if s.MirrorOrder != nil {
		s.MirrorOrder(o)
	}
	if s.OnOrderCancelled != nil {
		s.OnOrderCancelled()
	}
	s.log.Info("order cancelled", slog.String("order_id", orderID))
	writeJSON(w, http.StatusOK, o)
}

// handlePositions serves GET /api/v1/positions. With position_id it returns
// one position; with user_id it lists active positions, optionally filtered
// by type=INTRADAY|DELIVERY.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if id := r.URL.Query().Get("position_id"); id != "" {
		p, err := s.positions.GetPosition(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "position lookup failed")
			return
		}
		if p == nil {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		writeJSON(w, http.StatusOK, p)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	ptype := r.URL.Query().Get("type")
	if ptype != "" && ptype != model.PositionIntraday && ptype != model.PositionDelivery {
		writeError(w, http.StatusBadRequest, "type must be INTRADAY or DELIVERY")
		return
	}
	positions, err := s.positions.ActiveByUser(r.Context(), userID, ptype)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "position lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// handleHistory serves GET /api/v1/positions/history with from/to RFC3339
// bounds and limit/offset pagination.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	now := s.clock.Now()
	from := now.AddDate(0, -1, 0)
	to := now
	if fs := r.URL.Query().Get("from"); fs != "" {
		t, err := time.Parse(time.RFC3339, fs)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		from = t
	}
	if ts := r.URL.Query().Get("to"); ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		to = t
	}

	limit := 100
	if ls := r.URL.Query().Get("limit"); ls != "" {
		if l, err := strconv.Atoi(ls); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}
	offset := 0
	if os := r.URL.Query().Get("offset"); os != "" {
		if o, err := strconv.Atoi(os); err == nil && o >= 0 {
			offset = o
		}
	}

	positions, err := s.positions.HistoryByUser(r.Context(), userID, from, to, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// handleSquareOff serves POST /api/v1/positions/squareoff?position_id=...
// The close price is the cached LTP; the coordinator falls back to the
// position's own mark when no tick has been seen yet.
func (s *Server) handleSquareOff(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	positionID := r.URL.Query().Get("position_id")
	if positionID == "" {
		writeError(w, http.StatusBadRequest, "position_id is required")
		return
	}

	var ltp int64
	if s.ltp != nil {
		p, err := s.positions.GetPosition(r.Context(), positionID)
		if err == nil && p != nil {
			if v, ok := s.ltp.LTP(p.Exchange, p.Token); ok {
				ltp = v
			}
		}
	}

	res, err := s.coord.SquareOff(r.Context(), positionID, ltp)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if s.OnFill != nil {
		s.OnFill(res)
	}
	s.log.Info("manual square-off",
		slog.String("position_id", positionID),
		slog.Int64("ltp", res.FillPrice))
	writeJSON(w, http.StatusOK, res)
}

// handleHoldings serves GET /api/v1/holdings?user_id=...
func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	holdings, err := s.holdings.HoldingsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "holding lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, holdings)
}

// handlePortfolio serves GET /api/v1/portfolio?user_id=...
func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	sum, err := s.Portfolio.Snapshot(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "portfolio snapshot failed")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// handleHealth serves GET /api/v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	redisOK := true
	if s.CheckRedis != nil {
		redisOK = s.CheckRedis()
	}
	sqliteOK := true
	if s.CheckSQLite != nil {
		sqliteOK = s.CheckSQLite()
	}

	status := "ok"
	code := http.StatusOK
	if !sqliteOK {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else if !redisOK {
		status = "degraded"
	}

	writeJSON(w, code, map[string]any{
		"status":         status,
		"redis":          redisOK,
		"sqlite":         sqliteOK,
		"resting_orders": s.book.PendingCount(),
		"uptime_sec":     int64(time.Since(s.start).Seconds()),
		"ts":             time.Now().UTC().Format(time.RFC3339Nano),
	})
}
