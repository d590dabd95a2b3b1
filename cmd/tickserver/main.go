// cmd/tickserver — simulated WebSocket price feed.
// Broadcasts random-walk ticks so the settlement engine can be exercised
// end to end without live feed credentials: resting limit and stop orders
// trigger off these prices exactly as they would off the real feed.
//
// Tick JSON shape is identical to model.Tick:
//
//	{"token":"2885","exchange":"NSE","price":185005000,"qty":10,"tick_ts":"..."}
//
// Price is in paise (1 INR = 100 paise), same as the live feed.
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  — listen address (default ":9001")
//	TICK_TOKENS       — comma-separated TOKEN:EXCHANGE pairs (default "2885:NSE,3045:NSE")
//	TICK_INTERVAL_MS  — broadcast interval milliseconds (default "100")
//	TICK_JUMP_PCT     — chance per tick of a 1% jump, in percent (default "2")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradesim/internal/model"
)

// instrument holds per-symbol simulation state.
type instrument struct {
	Token    string
	Exchange string
	Price    int64 // current simulated price in paise
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client, drop tick
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickserver] upgrade error: %v", err)
			return
		}
		log.Printf("[tickserver] client connected: %s", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[tickserver] client disconnected: %s", r.RemoteAddr)
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// walkPrice applies a random walk of up to ±0.1% per tick, with an
// occasional ±1% jump so stop triggers and limit crossings actually
// happen during a demo session.
func walkPrice(rng *rand.Rand, price int64, jumpPct int) int64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	if rng.Intn(100) < jumpPct {
		pct = (rng.Float64()*2 - 1) / 100.0
	}
	newPrice := price + int64(float64(price)*pct)
	if newPrice < 100 { // floor at 1 rupee
		newPrice = 100
	}
	return newPrice
}

func runGenerator(h *hub, instruments []instrument, intervalMs, jumpPct int) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for range ticker.C {
		for i := range instruments {
			instruments[i].Price = walkPrice(rng, instruments[i].Price, jumpPct)
			b, err := json.Marshal(model.Tick{
				Token:    instruments[i].Token,
				Exchange: instruments[i].Exchange,
				Price:    instruments[i].Price,
				Qty:      int64(rng.Intn(100) + 1),
				TickTS:   time.Now().UTC(),
			})
			if err != nil {
				continue
			}
			h.broadcast(b)
		}
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickserver] starting simulated tick server...")

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	tokensEnv := envOrDefault("TICK_TOKENS", "2885:NSE,3045:NSE")
	intervalMs := envIntOrDefault("TICK_INTERVAL_MS", 100)
	jumpPct := envIntOrDefault("TICK_JUMP_PCT", 2)

	instruments := parseInstruments(tokensEnv)
	if len(instruments) == 0 {
		log.Fatalf("[tickserver] no instruments configured via TICK_TOKENS")
	}
	log.Printf("[tickserver] instruments: %+v", instruments)
	log.Printf("[tickserver] broadcast interval: %dms, jump chance: %d%%", intervalMs, jumpPct)

	h := newHub()
	go runGenerator(h, instruments, intervalMs, jumpPct)

	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})

	log.Printf("[tickserver] listening on %s (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[tickserver] server error: %v", err)
	}
}

func parseInstruments(s string) []instrument {
	// Starting prices in paise.
	defaultPrices := map[string]int64{
		"2885": 250000_00, // RELIANCE
		"3045": 82000_00,  // SBIN
		"1594": 158000_00, // INFY
	}

	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			log.Printf("[tickserver] skipping invalid token spec: %q", part)
			continue
		}
		token, exchange := strings.TrimSpace(seg[0]), strings.TrimSpace(seg[1])
		price := defaultPrices[token]
		if price == 0 {
			price = 100000_00 // ₹1000.00
		}
		result = append(result, instrument{
			Token:    token,
			Exchange: exchange,
			Price:    price,
		})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
