package redis

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"tradesim/internal/model"
)

// pendingWrite is a mirror write buffered during circuit-open state.
type pendingWrite struct {
	WriteType string // "order", "ltp"
	Data      []byte // JSON-encoded payload
}

// BufferedIndex wraps an Index with a circuit breaker. While the breaker is
// open, mirror writes are buffered locally and replayed when it closes, so a
// Redis outage never blocks the execution path.
type BufferedIndex struct {
	index *Index
	cb    *CircuitBreaker
	ctx   context.Context

	mu     sync.Mutex
	buffer []pendingWrite
	maxBuf int

	// Callbacks
	OnBuffer func()          // called when a write is buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered writes
}

// NewBufferedIndex creates a BufferedIndex wrapping the given Index.
func NewBufferedIndex(ctx context.Context, ix *Index, cb *CircuitBreaker, maxBufferSize int) *BufferedIndex {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bix := &BufferedIndex{
		index:  ix,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]pendingWrite, 0, 256),
		maxBuf: maxBufferSize,
	}

	prevCallback := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prevCallback != nil {
			prevCallback(from, to)
		}
		if to == StateClosed {
			go bix.flush()
		}
	}

	return bix
}

// MirrorOrder mirrors an order through the circuit breaker.
// If the circuit is open, the write is buffered locally.
func (bix *BufferedIndex) MirrorOrder(o *model.ConditionalOrder) {
	err := bix.cb.Execute(func() error {
		return bix.index.client.Ping(bix.ctx).Err()
	})
	if err != nil {
		bix.bufferWrite("order", o)
		return
	}
	bix.index.MirrorOrder(bix.ctx, o)
}

// SetLTPBatch writes an LTP batch through the circuit breaker.
func (bix *BufferedIndex) SetLTPBatch(ticks []model.Tick) {
	err := bix.cb.Execute(func() error {
		return bix.index.client.Ping(bix.ctx).Err()
	})
	if err != nil {
		for i := range ticks {
			bix.bufferWrite("ltp", ticks[i])
		}
		return
	}
	bix.index.SetLTPBatch(bix.ctx, ticks)
}

// LTP reads through to the underlying index.
func (bix *BufferedIndex) LTP(exchange, token string) (int64, bool) {
	return bix.index.LTP(exchange, token)
}

func (bix *BufferedIndex) bufferWrite(writeType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[buffered-index] marshal error: %v", err)
		return
	}

	bix.mu.Lock()
	defer bix.mu.Unlock()

	if len(bix.buffer) >= bix.maxBuf {
		// Drop oldest. LTP entries are superseded anyway; an order mirror
		// lost here is rebuilt by the next SyncPending.
		bix.buffer = bix.buffer[1:]
	}
	bix.buffer = append(bix.buffer, pendingWrite{WriteType: writeType, Data: data})

	if bix.OnBuffer != nil {
		bix.OnBuffer()
	}
}

// flush replays all buffered writes through the underlying index.
func (bix *BufferedIndex) flush() {
	bix.mu.Lock()
	if len(bix.buffer) == 0 {
		bix.mu.Unlock()
		return
	}
	toFlush := bix.buffer
	bix.buffer = make([]pendingWrite, 0, 256)
	bix.mu.Unlock()

	flushed := 0
	var ltps []model.Tick
	for _, pw := range toFlush {
		switch pw.WriteType {
		case "order":
			var o model.ConditionalOrder
			if json.Unmarshal(pw.Data, &o) == nil {
				bix.index.MirrorOrder(bix.ctx, &o)
			}
		case "ltp":
			var t model.Tick
			if json.Unmarshal(pw.Data, &t) == nil {
				ltps = append(ltps, t)
			}
		}
		flushed++
	}
	if len(ltps) > 0 {
		bix.index.SetLTPBatch(bix.ctx, ltps)
	}

	log.Printf("[buffered-index] flushed %d buffered writes", flushed)
	if bix.OnFlush != nil {
		bix.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bix *BufferedIndex) PendingCount() int {
	bix.mu.Lock()
	defer bix.mu.Unlock()
	return len(bix.buffer)
}

// Underlying returns the wrapped Index for direct access.
func (bix *BufferedIndex) Underlying() *Index {
	return bix.index
}
