// Package api exposes the settlement engine's REST surface: order placement
// and cancellation, position and holding queries, and manual square-off.
// Conditional orders placed here rest in the order book; market orders
// execute immediately at the last traded price.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"tradesim/internal/execution"
	"tradesim/internal/ledger"
	"tradesim/internal/model"
	"tradesim/internal/orderbook"
	"tradesim/internal/portfolio"
)

// LTPSource answers the last traded price of an instrument in paise.
type LTPSource interface {
	LTP(exchange, token string) (int64, bool)
}

// Server wires the HTTP handlers to the stores, the execution coordinator,
// and the order book. Construct with New, register with RegisterRoutes.
type Server struct {
	positions model.PositionStore
	orders    model.OrderStore
	holdings  model.HoldingStore
	coord     *execution.Coordinator
	book      *orderbook.Book
	ltp       LTPSource
	clock     model.Clock
	log       *slog.Logger
	start     time.Time

	seq atomic.Int64

	// Optional hooks, all safe to leave nil. MirrorOrder pushes order state
	// to the Redis index; SubscribeFeed adds instruments to the live feed.
	OnOrderPlaced    func(variant string)
	OnOrderCancelled func()
	OnFill           func(*execution.Result)
	MirrorOrder      func(*model.ConditionalOrder)
	SubscribeFeed    func(exchange string, tokens []string)
	CheckRedis       func() bool
	CheckSQLite      func() bool

	// Portfolio enables GET /api/v1/portfolio; Risk gates order admission.
	Portfolio *portfolio.Service
	Risk      *portfolio.RiskManager

	// WSHandler, when set, is served at /api/v1/stream.
	WSHandler http.HandlerFunc

	httpSrv *http.Server
}

// New creates a Server. ltp may be nil; market orders then require the
// caller to supply a price.
func New(positions model.PositionStore, orders model.OrderStore, holdings model.HoldingStore,
	coord *execution.Coordinator, book *orderbook.Book, ltp LTPSource,
	clock model.Clock, log *slog.Logger) *Server {
	if clock == nil {
		clock = model.RealClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		positions: positions,
		orders:    orders,
		holdings:  holdings,
		coord:     coord,
		book:      book,
		ltp:       ltp,
		clock:     clock,
		log:       log,
		start:     time.Now(),
	}
}

// setCORS sets CORS headers for REST endpoints.
func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// RegisterRoutes registers all HTTP routes on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/orders", s.handleOrders)
	mux.HandleFunc("/api/v1/orders/cancel", s.handleCancel)
	mux.HandleFunc("/api/v1/positions", s.handlePositions)
	mux.HandleFunc("/api/v1/positions/history", s.handleHistory)
	mux.HandleFunc("/api/v1/positions/squareoff", s.handleSquareOff)
	mux.HandleFunc("/api/v1/holdings", s.handleHoldings)
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	if s.Portfolio != nil {
		mux.HandleFunc("/api/v1/portfolio", s.handlePortfolio)
	}
	if s.WSHandler != nil {
		mux.HandleFunc("/api/v1/stream", s.WSHandler)
	}
}

// Start serves the API on addr until Stop is called.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	s.log.Info("api server listening", slog.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the API server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusFor maps execution-layer errors onto HTTP status codes. Races the
// caller lost (cancel vs execute, double square-off) come back as conflicts,
// not server errors.
func statusFor(err error) int {
	switch {
	case errors.Is(err, execution.ErrConflict), errors.Is(err, ledger.ErrDuplicateFill):
		return http.StatusConflict
	case errors.Is(err, execution.ErrNoApproval):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) nextOrderID(token string) string {
	return fmt.Sprintf("ORD-%s-%d-%d", token, s.clock.Now().UnixNano(), s.seq.Add(1))
}
