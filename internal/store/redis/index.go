// Package redis mirrors the pending-order book and last traded prices into
// Redis for fast lookup and pubsub fanout. SQLite remains the source of
// truth; the mirror is rebuilt from it at startup via SyncPending.
package redis

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"tradesim/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultLTPTTL   = 30 * time.Minute
	defaultOrderTTL = 48 * time.Hour
)

// IndexConfig configures the Redis index.
type IndexConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Index writes order mirrors, LTP cache entries, and fill events to Redis.
type Index struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (ix *Index) Client() *goredis.Client { return ix.client }

// New creates a new Redis Index and pings the server.
func New(cfg IndexConfig) (*Index, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Index{client: client}, nil
}

func orderKey(orderID string) string {
	return "order:" + orderID
}

func pendingSetKey(exchange, token string) string {
	return "orders:pending:" + exchange + ":" + token
}

func ltpKey(exchange, token string) string {
	return "ltp:" + exchange + ":" + token
}

// MirrorOrder writes the order JSON and maintains the per-instrument pending
// set. Terminal orders are removed from the set but their JSON is kept with
// a TTL so clients can still look them up after the fact.
func (ix *Index) MirrorOrder(ctx context.Context, o *model.ConditionalOrder) {
	jsonData := string(o.JSON())
	setKey := pendingSetKey(o.Exchange, o.Token)

	pipe := ix.client.Pipeline()
	pipe.Set(ctx, orderKey(o.OrderID), jsonData, defaultOrderTTL)
	if o.IsTerminal() {
		pipe.SRem(ctx, setKey, o.OrderID)
	} else {
		pipe.SAdd(ctx, setKey, o.OrderID)
	}
	pipe.Publish(ctx, "pub:orders:"+o.UserID, jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] mirror order pipeline error for %s: %v", o.OrderID, err)
	}
}

// PendingByInstrument returns the mirrored pending order IDs for one
// instrument.
func (ix *Index) PendingByInstrument(ctx context.Context, exchange, token string) ([]string, error) {
	ids, err := ix.client.SMembers(ctx, pendingSetKey(exchange, token)).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis SMEMBERS %s: %w", pendingSetKey(exchange, token), err)
	}
	return ids, nil
}

// SyncPending rebuilds the pending-order mirror from the durable store.
// Stale per-instrument sets from a previous run are dropped first.
func (ix *Index) SyncPending(ctx context.Context, orders []model.ConditionalOrder) error {
	iter := ix.client.Scan(ctx, 0, "orders:pending:*", 0).Iterator()
	var stale []string
	for iter.Next(ctx) {
		stale = append(stale, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan pending sets: %w", err)
	}

	pipe := ix.client.Pipeline()
	if len(stale) > 0 {
		pipe.Del(ctx, stale...)
	}
	for i := range orders {
		o := &orders[i]
		pipe.Set(ctx, orderKey(o.OrderID), string(o.JSON()), defaultOrderTTL)
		pipe.SAdd(ctx, pendingSetKey(o.Exchange, o.Token), o.OrderID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis sync pending: %w", err)
	}

	log.Printf("[redis] pending mirror rebuilt: %d orders, %d stale sets dropped", len(orders), len(stale))
	return nil
}

// SetLTPBatch writes a batch of last traded prices in one pipeline.
func (ix *Index) SetLTPBatch(ctx context.Context, ticks []model.Tick) {
	if len(ticks) == 0 {
		return
	}

	pipe := ix.client.Pipeline()
	for i := range ticks {
		t := &ticks[i]
		pipe.Set(ctx, ltpKey(t.Exchange, t.Token), strconv.FormatInt(t.Price, 10), defaultLTPTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] ltp batch pipeline error (%d ticks): %v", len(ticks), err)
	}
}

// LTP reads the cached last traded price for one instrument.
// The bool is false when no price is cached or Redis is unreachable.
func (ix *Index) LTP(exchange, token string) (int64, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	val, err := ix.client.Get(ctx, ltpKey(exchange, token)).Result()
	if err != nil {
		if err != goredis.Nil {
			log.Printf("[redis] ltp read error for %s:%s: %v", exchange, token, err)
		}
		return 0, false
	}
	price, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return price, true
}

// PublishFill announces an executed fill on the user's fill channel.
func (ix *Index) PublishFill(ctx context.Context, userID string, payload []byte) {
	if err := ix.client.Publish(ctx, "pub:fills:"+userID, string(payload)).Err(); err != nil {
		log.Printf("[redis] publish fill error for %s: %v", userID, err)
	}
}

// PublishPosition announces a position snapshot on the user's position channel.
func (ix *Index) PublishPosition(ctx context.Context, p *model.Position) {
	if err := ix.client.Publish(ctx, "pub:positions:"+p.UserID, string(p.JSON())).Err(); err != nil {
		log.Printf("[redis] publish position error for %s: %v", p.ID, err)
	}
}

// Close closes the Redis client.
func (ix *Index) Close() error {
	return ix.client.Close()
}
