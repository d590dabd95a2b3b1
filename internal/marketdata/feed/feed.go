// Package feed connects to the live exchange feed and pushes normalized
// ticks into the engine pipeline.
package feed

import (
	"context"
	"fmt"
	"log"
	"time"

	"tradesim/internal/model"
	"tradesim/pkg/marketfeed"
)

// Config holds configuration for the live feed ingest.
type Config struct {
	URL        string
	AuthToken  string
	APIKey     string
	ClientCode string
	FeedToken  string

	// Initial subscription, grouped by exchange type.
	SubscribeMode int
	TokenList     []marketfeed.TokenListEntry
}

// Ingest connects to the feed websocket and pushes model.Tick values into
// tickCh. Subscriptions added later via Subscribe survive reconnects.
type Ingest struct {
	cfg    Config
	stream *marketfeed.Stream

	// Optional metrics hooks
	OnReconnect func()
}

// New creates a new Ingest instance.
func New(cfg Config) (*Ingest, error) {
	stream, err := marketfeed.NewStream(cfg.URL, cfg.AuthToken, cfg.APIKey, cfg.ClientCode, cfg.FeedToken, 5, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("feed ingest: create stream: %w", err)
	}
	return &Ingest{cfg: cfg, stream: stream}, nil
}

// Subscribe adds instruments to the stream at runtime. Called when a new
// conditional order arrives for an instrument not yet subscribed.
func (ing *Ingest) Subscribe(exchange string, tokens []string) error {
	return ing.stream.Subscribe("order_ingest", ing.mode(), []marketfeed.TokenListEntry{
		{ExchangeType: marketfeed.ExchangeCode(exchange), Tokens: tokens},
	})
}

func (ing *Ingest) mode() int {
	if ing.cfg.SubscribeMode == 0 {
		return marketfeed.ModeLTP
	}
	return ing.cfg.SubscribeMode
}

// Start connects and begins streaming ticks into tickCh.
// Blocks until ctx is cancelled.
func (ing *Ingest) Start(ctx context.Context, tickCh chan<- model.Tick) error {
	doneCh := make(chan struct{})

	ing.stream.OnOpen = func() {
		if len(ing.cfg.TokenList) == 0 {
			return
		}
		log.Printf("[feed] connected, subscribing mode=%d groups=%d", ing.mode(), len(ing.cfg.TokenList))
		if err := ing.stream.Subscribe("engine_ingest", ing.mode(), ing.cfg.TokenList); err != nil {
			log.Printf("[feed] subscribe error: %v", err)
		}
	}

	ing.stream.OnTick = func(t marketfeed.Tick) {
		tick := normalize(t)
		select {
		case tickCh <- tick:
		default:
			log.Println("[feed] tickCh full, dropping tick")
		}
	}

	ing.stream.OnReconnect = func() {
		log.Println("[feed] reconnected, subscriptions restored")
		if ing.OnReconnect != nil {
			ing.OnReconnect()
		}
	}

	ing.stream.OnError = func(err error) {
		log.Printf("[feed] error: %v", err)
	}

	ing.stream.OnClose = func() {
		close(doneCh)
	}

	if err := ing.stream.Connect(); err != nil {
		return fmt.Errorf("feed ingest: connect: %w", err)
	}

	select {
	case <-ctx.Done():
		ing.stream.Close()
	case <-doneCh:
	}
	return nil
}

// normalize converts a wire tick into the engine's tick type.
func normalize(t marketfeed.Tick) model.Tick {
	var ts time.Time
	if t.ExchangeTimestamp > 0 {
		ts = time.Unix(0, t.ExchangeTimestamp*int64(time.Millisecond)).UTC()
	} else {
		ts = time.Now().UTC()
	}
	return model.Tick{
		Token:    t.Token,
		Exchange: marketfeed.ExchangeName(t.ExchangeType),
		Price:    t.LastTradedPrice,
		Qty:      t.LastTradedQty,
		TickTS:   ts,
	}
}
