package marketfeed

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	heartBeatMessage  = "ping"
	heartBeatInterval = 10 * time.Second
)

// Subscription actions and modes.
const (
	SubscribeAction   = 1
	UnsubscribeAction = 0

	ModeLTP   = 1
	ModeQuote = 2
)

// Exchange type codes used on the wire.
const (
	NSE_CM = 1
	NSE_FO = 2
	BSE_CM = 3
)

// ExchangeName maps a wire exchange code to its name.
func ExchangeName(code int) string {
	switch code {
	case NSE_CM:
		return "NSE"
	case NSE_FO:
		return "NFO"
	case BSE_CM:
		return "BSE"
	default:
		return "NSE"
	}
}

// ExchangeCode maps an exchange name to its wire code.
func ExchangeCode(name string) int {
	switch name {
	case "NFO":
		return NSE_FO
	case "BSE":
		return BSE_CM
	default:
		return NSE_CM
	}
}

// TokenListEntry groups tokens by exchange for subscribe/unsubscribe frames.
type TokenListEntry struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// Tick is one price update off the wire.
type Tick struct {
	SubscriptionMode  int    `json:"subscription_mode"`
	ExchangeType      int    `json:"exchange_type"`
	Token             string `json:"token"`
	SequenceNumber    int64  `json:"sequence_number"`
	ExchangeTimestamp int64  `json:"exchange_timestamp"` // ms since epoch
	LastTradedPrice   int64  `json:"last_traded_price"`  // paise
	LastTradedQty     int64  `json:"last_traded_quantity,omitempty"`
}

// mode -> exchangeType -> tokens
type modeMap map[int][]string

// Stream is the streaming side of the feed service. It handles subscribe
// state for resubscription after reconnect, heartbeat, and both JSON and
// binary tick frames.
type Stream struct {
	URL        string
	AuthToken  string
	APIKey     string
	ClientCode string
	FeedToken  string

	conn   *websocket.Conn
	dialer *websocket.Dialer

	mu              sync.Mutex
	inputRequestMap map[int]modeMap

	maxRetryAttempt int
	retryDelay      time.Duration

	// Callbacks
	OnTick      func(t Tick)
	OnOpen      func()
	OnClose     func()
	OnError     func(err error)
	OnReconnect func() // fired after a successful reconnect + resubscribe

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStream creates a Stream. Connect must be called before Subscribe.
func NewStream(url, authToken, apiKey, clientCode, feedToken string, maxRetryAttempt int, retryDelay time.Duration) (*Stream, error) {
	if url == "" || feedToken == "" {
		return nil, errors.New("feed url and feed token are required")
	}
	if maxRetryAttempt <= 0 {
		maxRetryAttempt = 5
	}
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		URL:             url,
		AuthToken:       authToken,
		APIKey:          apiKey,
		ClientCode:      clientCode,
		FeedToken:       feedToken,
		dialer:          websocket.DefaultDialer,
		inputRequestMap: make(map[int]modeMap),
		maxRetryAttempt: maxRetryAttempt,
		retryDelay:      retryDelay,
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

// Connect establishes the websocket and starts the read and heartbeat loops.
func (s *Stream) Connect() error {
	header := http.Header{}
	header.Add("Authorization", s.AuthToken)
	header.Add("x-api-key", s.APIKey)
	header.Add("x-client-code", s.ClientCode)
	header.Add("x-feed-token", s.FeedToken)

	conn, resp, err := s.dialer.Dial(s.URL, header)
	if err != nil {
		if resp != nil {
			log.Printf("[marketfeed] dial failed, status: %s", resp.Status)
		}
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	conn.SetPongHandler(func(appData string) error { return nil })

	go s.readLoop(conn)
	go s.heartbeatLoop(conn)

	if s.OnOpen != nil {
		s.OnOpen()
	}
	return nil
}

// Close shuts the stream down. No reconnect is attempted after Close.
func (s *Stream) Close() {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	s.mu.Unlock()
}

// Subscribe sends a subscription frame and records the token state so the
// same set is resubscribed after a reconnect.
func (s *Stream) Subscribe(correlationID string, mode int, tokenList []TokenListEntry) error {
	req := map[string]interface{}{
		"correlationID": correlationID,
		"action":        SubscribeAction,
		"params": map[string]interface{}{
			"mode":      mode,
			"tokenList": tokenList,
		},
	}

	s.mu.Lock()
	if s.inputRequestMap[mode] == nil {
		s.inputRequestMap[mode] = make(modeMap)
	}
	for _, tl := range tokenList {
		s.inputRequestMap[mode][tl.ExchangeType] = mergeTokens(s.inputRequestMap[mode][tl.ExchangeType], tl.Tokens)
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return errors.New("no connection")
	}
	return conn.WriteJSON(req)
}

// Unsubscribe removes tokens from the stream and from resubscribe state.
func (s *Stream) Unsubscribe(correlationID string, mode int, tokenList []TokenListEntry) error {
	req := map[string]interface{}{
		"correlationID": correlationID,
		"action":        UnsubscribeAction,
		"params": map[string]interface{}{
			"mode":      mode,
			"tokenList": tokenList,
		},
	}

	s.mu.Lock()
	if m := s.inputRequestMap[mode]; m != nil {
		for _, tl := range tokenList {
			if tokens, ok := m[tl.ExchangeType]; ok {
				rest := filterRemove(tokens, tl.Tokens)
				if len(rest) == 0 {
					delete(m, tl.ExchangeType)
				} else {
					m[tl.ExchangeType] = rest
				}
			}
		}
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return errors.New("no connection")
	}
	return conn.WriteJSON(req)
}

// Resubscribe resends every recorded subscription request.
func (s *Stream) Resubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return errors.New("no connection")
	}
	for mode, mm := range s.inputRequestMap {
		var tokenList []TokenListEntry
		for ex, toks := range mm {
			tokenList = append(tokenList, TokenListEntry{ExchangeType: ex, Tokens: toks})
		}
		req := map[string]interface{}{
			"action": SubscribeAction,
			"params": map[string]interface{}{
				"mode":      mode,
				"tokenList": tokenList,
			},
		}
		if err := s.conn.WriteJSON(req); err != nil {
			return err
		}
	}
	return nil
}

func mergeTokens(existing, add []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := append([]string{}, existing...)
	for _, t := range existing {
		seen[t] = struct{}{}
	}
	for _, t := range add {
		if _, ok := seen[t]; !ok {
			out = append(out, t)
			seen[t] = struct{}{}
		}
	}
	return out
}

func filterRemove(src, remove []string) []string {
	m := make(map[string]struct{}, len(remove))
	for _, r := range remove {
		m[r] = struct{}{}
	}
	out := make([]string, 0, len(src))
	for _, v := range src {
		if _, ok := m[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

func (s *Stream) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		mt, message, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				if s.OnClose != nil {
					s.OnClose()
				}
				return
			}
			log.Printf("[marketfeed] read error: %v", err)
			s.reconnect()
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			tick, perr := parseBinaryTick(message)
			if perr != nil {
				log.Printf("[marketfeed] parse error: %v", perr)
				continue
			}
			if s.OnTick != nil {
				s.OnTick(tick)
			}
		case websocket.TextMessage:
			if string(message) == "pong" {
				continue
			}
			var tick Tick
			if json.Unmarshal(message, &tick) == nil && tick.Token != "" {
				if s.OnTick != nil {
					s.OnTick(tick)
				}
			}
		}
	}
}

// reconnect retries with linear backoff until maxRetryAttempt, then gives up
// and reports through OnError.
func (s *Stream) reconnect() {
	for attempt := 1; attempt <= s.maxRetryAttempt; attempt++ {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.retryDelay * time.Duration(attempt)):
		}

		if err := s.Connect(); err != nil {
			log.Printf("[marketfeed] reconnect attempt %d/%d failed: %v", attempt, s.maxRetryAttempt, err)
			continue
		}
		if err := s.Resubscribe(); err != nil {
			log.Printf("[marketfeed] resubscribe failed: %v", err)
		}
		if s.OnReconnect != nil {
			s.OnReconnect()
		}
		return
	}

	if s.OnError != nil {
		s.OnError(fmt.Errorf("max retry attempts (%d) reached, connection closed", s.maxRetryAttempt))
	}
	if s.OnClose != nil {
		s.OnClose()
	}
}

func (s *Stream) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(heartBeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, []byte(heartBeatMessage)); err != nil {
				// Read loop observes the broken connection and reconnects.
				return
			}
		}
	}
}

// parseBinaryTick decodes the fixed-layout LTP frame:
// byte 0 subscription mode, byte 1 exchange type, bytes 2:27 token (NUL
// padded), 27:35 sequence, 35:43 exchange timestamp, 43:51 LTP in paise.
func parseBinaryTick(b []byte) (Tick, error) {
	if len(b) < 51 {
		return Tick{}, errors.New("binary payload too short")
	}
	t := Tick{
		SubscriptionMode:  int(b[0]),
		ExchangeType:      int(b[1]),
		Token:             parseTokenValue(b[2:27]),
		SequenceNumber:    int64(binary.LittleEndian.Uint64(b[27:35])),
		ExchangeTimestamp: int64(binary.LittleEndian.Uint64(b[35:43])),
		LastTradedPrice:   int64(binary.LittleEndian.Uint64(b[43:51])),
	}
	if t.SubscriptionMode == ModeQuote && len(b) >= 59 {
		t.LastTradedQty = int64(binary.LittleEndian.Uint64(b[51:59]))
	}
	return t, nil
}

func parseTokenValue(b []byte) string {
	for i := 0; i < len(b); i++ {
		if b[i] == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
