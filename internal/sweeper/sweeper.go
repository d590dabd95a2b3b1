// Package sweeper runs the time-boundary lifecycle transitions that the
// tick stream never drives: forced intraday square-off at the session
// cutoff, and conversion of expired delivery positions into holdings.
//
// A sweep only ever selects positions that are open (not squared off,
// nonzero quantity) and past their type-specific expiry; that three-way
// filter is the sole guard against re-processing, which makes every sweep
// cycle idempotent.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tradesim/internal/execution"
	"tradesim/internal/markethours"
	"tradesim/internal/model"
	"tradesim/internal/notification"
	"tradesim/internal/orderbook"
)

// LTPSource supplies the last traded price for an instrument, if known.
type LTPSource interface {
	LTP(exchange, token string) (int64, bool)
}

// Sweeper periodically scans for expired positions and drives them through
// the same execution path as tick-driven fills.
type Sweeper struct {
	positions model.PositionStore
	coord     *execution.Coordinator
	book      *orderbook.Book
	orders    model.OrderStore
	ltp       LTPSource
	clock     model.Clock
	interval  time.Duration
	notifier  notification.Notifier
	log       *slog.Logger

	lastOrderExpiryDay string

	// Optional metrics hooks.
	OnIntradayClosed func(n int)
	OnConverted      func(n int)
	OnSweepDuration  func(d time.Duration)
}

// New creates a Sweeper. book, ltp, and notifier may be nil.
func New(positions model.PositionStore, orders model.OrderStore, coord *execution.Coordinator,
	book *orderbook.Book, ltp LTPSource, clock model.Clock, interval time.Duration,
	notifier notification.Notifier, log *slog.Logger) *Sweeper {
	if clock == nil {
		clock = model.RealClock{}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		positions: positions,
		orders:    orders,
		coord:     coord,
		book:      book,
		ltp:       ltp,
		clock:     clock,
		interval:  interval,
		notifier:  notifier,
		log:       log,
	}
}

// Run executes sweep cycles until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full cycle: intraday square-offs, delivery conversions,
// and (once per day, after the close) expiry of resting day orders.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()
	closed := s.SweepIntraday(ctx)
	converted := s.SweepDelivery(ctx)
	expired := s.expireRestingOrders(ctx)

	if d := time.Since(start); s.OnSweepDuration != nil {
		s.OnSweepDuration(d)
	}

	if closed+converted+expired > 0 {
		s.log.Info("sweep cycle complete",
			slog.Int("squared_off", closed),
			slog.Int("converted", converted),
			slog.Int("orders_expired", expired))
		if s.notifier != nil {
			s.notifier.Send(ctx, notification.Alert{
				Level: notification.AlertInfo,
				Title: "lifecycle sweep",
				Message: fmt.Sprintf("squared off %d intraday, converted %d delivery, expired %d orders",
					closed, converted, expired),
			})
		}
	}
}

// SweepIntraday force-closes every open intraday position past the
// square-off cutoff. Returns the number of positions closed.
func (s *Sweeper) SweepIntraday(ctx context.Context) int {
	now := s.clock.Now()
	due, err := s.positions.ExpiredIntraday(ctx, now)
	if err != nil {
		s.log.Error("intraday sweep query failed", slog.Any("err", err))
		return 0
	}

	closed := 0
	for i := range due {
		p := due[i]
		price := s.lastPrice(&p)
		if _, err := s.coord.SquareOff(ctx, p.ID, price); err != nil {
			// A conflict means the manual path or a parallel sweep won the
			// race; that is the expected resolution, not a failure.
			if errors.Is(err, execution.ErrConflict) {
				continue
			}
			s.log.Error("forced square-off failed",
				slog.String("position_id", p.ID), slog.Any("err", err))
			continue
		}
		closed++
	}

	if closed > 0 && s.OnIntradayClosed != nil {
		s.OnIntradayClosed(closed)
	}
	return closed
}

// SweepDelivery converts every open delivery position past its expiry
// window into a holding. Returns the number converted.
func (s *Sweeper) SweepDelivery(ctx context.Context) int {
	now := s.clock.Now()
	due, err := s.positions.ExpiredDelivery(ctx, now)
	if err != nil {
		s.log.Error("delivery sweep query failed", slog.Any("err", err))
		return 0
	}

	converted := 0
	for i := range due {
		p := due[i]
		if _, err := s.coord.ConvertToHolding(ctx, p.ID); err != nil {
			if errors.Is(err, execution.ErrConflict) {
				continue
			}
			s.log.Error("holding conversion failed",
				slog.String("position_id", p.ID), slog.Any("err", err))
			continue
		}
		converted++
	}

	if converted > 0 && s.OnConverted != nil {
		s.OnConverted(converted)
	}
	return converted
}

// expireRestingOrders marks all still-pending conditional orders expired
// once per trading day, after the market close. Triggered-but-unexecuted
// orders are left alone for the execution layer.
func (s *Sweeper) expireRestingOrders(ctx context.Context) int {
	if s.book == nil {
		return 0
	}
	now := s.clock.Now()
	if now.Before(markethours.TodayClose(now)) || !markethours.IsTradingDay(now) {
		return 0
	}
	day := now.In(markethours.IST).Format("2006-01-02")
	if day == s.lastOrderExpiryDay {
		return 0
	}
	s.lastOrderExpiryDay = day

	expired := s.book.ExpirePending()
	for i := range expired {
		o := expired[i]
		if _, err := s.orders.TransitionStatus(ctx, o.OrderID,
			[]string{model.OrderPending}, model.OrderExpired); err != nil {
			s.log.Warn("order expiry persist failed",
				slog.String("order_id", o.OrderID), slog.Any("err", err))
		}
	}
	return len(expired)
}

func (s *Sweeper) lastPrice(p *model.Position) int64 {
	if s.ltp != nil {
		if price, ok := s.ltp.LTP(p.Exchange, p.Token); ok && price > 0 {
			return price
		}
	}
	return p.LastPrice
}
