package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tradesim/config"
	"tradesim/internal/api"
	"tradesim/internal/execution"
	"tradesim/internal/logger"
	"tradesim/internal/marketdata/bus"
	"tradesim/internal/marketdata/feed"
	"tradesim/internal/marketdata/feedsim"
	"tradesim/internal/marketdata/router"
	"tradesim/internal/markethours"
	"tradesim/internal/metrics"
	"tradesim/internal/model"
	"tradesim/internal/notification"
	"tradesim/internal/orderbook"
	"tradesim/internal/portfolio"
	redisstore "tradesim/internal/store/redis"
	sqlitestore "tradesim/internal/store/sqlite"
	"tradesim/internal/stream"
	"tradesim/internal/sweeper"
	"tradesim/pkg/marketfeed"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[engine] starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[engine] config load failed: %v", err)
	}
	lg := logger.Init("engine", slog.LevelInfo)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Durable store (source of truth) ----
	os.MkdirAll("data", 0o755)
	st, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[engine] sqlite init failed: %v", err)
	}
	defer st.Close()
	log.Println("[engine] sqlite store ready")

	journal, err := execution.NewJournal(cfg.JournalPath)
	if err != nil {
		log.Printf("[engine] WARNING: fill journal init failed: %v (continuing without journal)", err)
		journal = nil
	} else {
		defer journal.Close()
	}

	// ---- Notifications ----
	backends := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.WebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	notifier := notification.NewMultiNotifier(backends...)

	// ---- Execution coordinator ----
	clock := model.RealClock{}
	coord := execution.New(st, st, st, clock, journal, notifier, lg)
	coord.OnExecuted = func(variant string) {
		prom.OrdersExecuted.WithLabelValues(variant).Inc()
	}
	coord.OnDuplicate = func() { prom.DuplicateFills.Inc() }
	coord.OnFatal = func() { prom.ExecutionErrors.Inc() }

	book := orderbook.New(clock)

	// ---- Redis mirror (rebuildable; the engine runs without it) ----
	var bix *redisstore.BufferedIndex
	ix, err := redisstore.New(redisstore.IndexConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Printf("[engine] WARNING: redis init failed: %v (continuing without redis)", err)
	} else {
		cb := redisstore.NewCircuitBreaker(5, 30*time.Second)
		cb.OnStateChange = func(from, to redisstore.State) {
			prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				prom.RedisCircuitBreakerTrips.Inc()
			}
		}
		bix = redisstore.NewBufferedIndex(ctx, ix, cb, 10000)
		bix.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }
		log.Println("[engine] redis index ready")
	}

	// ---- Rebuild the order book from the durable store ----
	pending, err := st.PendingOrders(ctx)
	if err != nil {
		log.Fatalf("[engine] pending order load failed: %v", err)
	}
	book.Load(pending)
	prom.PendingOrders.Set(float64(book.PendingCount()))
	log.Printf("[engine] order book rebuilt: %d resting orders", book.PendingCount())

	if ix != nil {
		if err := ix.SyncPending(ctx, pending); err != nil {
			log.Printf("[engine] WARNING: redis pending sync failed: %v", err)
		}
	}

	// ---- Liveness checks ----
	if ix != nil {
		health.StartLivenessChecker(ctx, ix.Client(), st.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, st.DB(), 10*time.Second)
	}

	// ---- Tick router ----
	rtr := router.New(book, coord, st, lg, cfg.RingSize)
	rtr.OnTick = func() { prom.TicksTotal.Inc() }
	rtr.OnTriggered = func() { prom.OrdersTriggered.Inc() }
	rtr.OnRingOverflow = func() { prom.RingBufOverflow.Inc() }
	rtr.LTPSink = func(t model.Tick) {
		health.SetLastTickTime(time.Now())
		prom.PendingOrders.Set(float64(book.PendingCount()))
	}
	rtr.OnOrderUpdate = func(o *model.ConditionalOrder) {
		if bix != nil {
			bix.MirrorOrder(o)
		}
	}
	rtr.OnFill = func(res *execution.Result) {
		if ix == nil || res.Position == nil {
			return
		}
		payload, err := json.Marshal(res)
		if err != nil {
			return
		}
		ix.PublishFill(ctx, res.Position.UserID, payload)
		ix.PublishPosition(ctx, res.Position)
	}

	// Orders stuck TRIGGERED by a crash between trigger and fill are
	// re-executed before any new tick can race them.
	rtr.Redrive(ctx, pending)

	// ---- Tick fan-out: router (hot path) + batched LTP cache writer ----
	tickCh := make(chan model.Tick, 10000)
	fanout := bus.New(5000)
	fanout.OnDrop = func(int) { prom.FeedDrops.Inc() }
	routerIn := fanout.Subscribe()
	ltpIn := fanout.Subscribe()
	go fanout.Run(ctx, tickCh)
	go rtr.Run(ctx, routerIn)
	go runLTPBatcher(ctx, ltpIn, func(batch []model.Tick) {
		if bix != nil {
			bix.SetLTPBatch(batch)
		}
	})

	// ---- Feed ingest: sim or live ----
	var feedMu sync.Mutex
	var liveIngest *feed.Ingest

	if cfg.FeedMode == "sim" {
		log.Printf("[engine] sim tick source: %s", cfg.FeedSimURL)
		ingest, err := feedsim.New(feedsim.Config{
			URL:               cfg.FeedSimURL,
			ReconnectDelay:    2 * time.Second,
			MaxReconnectDelay: 30 * time.Second,
		})
		if err != nil {
			log.Fatalf("[engine] feedsim init failed: %v", err)
		}
		ingest.OnReconnect = func() { prom.WSReconnects.Inc() }
		health.SetFeedConnected(true)
		go func() {
			if err := ingest.Start(ctx, tickCh); err != nil {
				log.Printf("[engine] feedsim error: %v", err)
				health.SetFeedConnected(false)
			}
		}()
	} else {
		go runLiveFeed(ctx, cfg, prom, health, book, tickCh, func(ing *feed.Ingest) {
			feedMu.Lock()
			liveIngest = ing
			feedMu.Unlock()
		})
	}

	// ---- Lifecycle sweeper ----
	var sweepLTP sweeper.LTPSource
	if bix != nil {
		sweepLTP = bix
	}
	swp := sweeper.New(st, st, coord, book, sweepLTP, clock, cfg.SweepInterval(), notifier, lg)
	swp.OnIntradayClosed = func(n int) { prom.IntradayClosed.Add(float64(n)) }
	swp.OnConverted = func(n int) { prom.HoldingsCreated.Add(float64(n)) }
	swp.OnSweepDuration = func(d time.Duration) {
		prom.SweepDuration.Observe(d.Seconds())
		health.SetSweeperOK(true)
	}
	go swp.Run(ctx)

	// ---- REST API ----
	var apiLTP api.LTPSource
	if bix != nil {
		apiLTP = bix
	}
	var pfLTP portfolio.LTPSource
	if bix != nil {
		pfLTP = bix
	}
	pf := portfolio.New(st, st, pfLTP)

	apiSrv := api.New(st, st, st, coord, book, apiLTP, clock, lg)
	apiSrv.Portfolio = pf
	apiSrv.Risk = portfolio.NewRiskManager(portfolio.DefaultRiskLimits(), pf)
	apiSrv.OnFill = rtr.OnFill
	apiSrv.OnOrderPlaced = func(variant string) {
		prom.OrdersPlaced.WithLabelValues(variant).Inc()
		prom.PendingOrders.Set(float64(book.PendingCount()))
	}
	apiSrv.OnOrderCancelled = func() {
		prom.OrdersCancelled.Inc()
		prom.PendingOrders.Set(float64(book.PendingCount()))
	}
	apiSrv.MirrorOrder = func(o *model.ConditionalOrder) {
		if bix != nil {
			bix.MirrorOrder(o)
		}
	}
	apiSrv.SubscribeFeed = func(exchange string, tokens []string) {
		feedMu.Lock()
		ing := liveIngest
		feedMu.Unlock()
		if ing == nil {
			return
		}
		if err := ing.Subscribe(exchange, tokens); err != nil {
			log.Printf("[engine] feed subscribe failed: %v", err)
		}
	}
	apiSrv.CheckSQLite = func() bool {
		return st.DB().PingContext(ctx) == nil
	}
	if ix != nil {
		apiSrv.CheckRedis = func() bool {
			return ix.Client().Ping(ctx).Err() == nil
		}

		hub := stream.NewHub(ix.Client())
		go hub.Run(ctx)
		apiSrv.WSHandler = hub.ServeWS
	}
	go func() {
		if err := apiSrv.Start(cfg.APIAddr); err != nil {
			log.Fatalf("[engine] api server failed: %v", err)
		}
	}()

	// ---- Market session gauge ----
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if markethours.IsMarketOpen(time.Now()) {
					prom.MarketState.Set(1)
				} else {
					prom.MarketState.Set(0)
				}
			}
		}
	}()

	log.Printf("[engine] settlement engine ready (mode=%s, api=%s, metrics=%s)",
		cfg.FeedMode, cfg.APIAddr, cfg.MetricsAddr)

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[engine] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	apiSrv.Stop(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	if ix != nil {
		ix.Close()
	}
	log.Println("[engine] shutdown complete.")
}

// runLiveFeed keeps a live websocket session alive during market hours:
// fresh login at each open, disconnect at close, repeat. The subscription
// set is the configured instruments plus everything with a resting order.
func runLiveFeed(ctx context.Context, cfg *config.Config, prom *metrics.Metrics,
	health *metrics.HealthStatus, book *orderbook.Book, tickCh chan<- model.Tick,
	onIngest func(*feed.Ingest)) {
	wsURL := getEnv("FEED_WS_URL", "wss://feed.tradesim.local/smart-stream")

	for {
		now := time.Now()
		if !markethours.IsMarketOpen(now) {
			next := markethours.NextOpen(now)
			wait := next.Sub(now)
			if name := markethours.HolidayName(now); name != "" {
				log.Printf("[engine] market holiday (%s)", name)
			}
			log.Printf("[engine] market closed, sleeping %v until next open %s",
				wait.Truncate(time.Second), next.In(markethours.IST).Format("Mon 15:04"))
			health.SetFeedConnected(false)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		log.Println("[engine] market open, generating fresh feed session...")
		client := marketfeed.NewClient(marketfeed.Config{
			APIKey:     cfg.FeedAPIKey,
			RootURL:    cfg.FeedURL,
			ClientCode: cfg.FeedClientCode,
			Password:   cfg.FeedPassword,
			TOTPSecret: cfg.FeedTOTPSecret,
		})
		if err := client.Login(); err != nil {
			log.Printf("[engine] feed login failed: %v, retrying in 30s", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(30 * time.Second):
			}
			continue
		}

		ingest, err := feed.New(feed.Config{
			URL:           wsURL,
			AuthToken:     client.AccessToken(),
			APIKey:        cfg.FeedAPIKey,
			ClientCode:    cfg.FeedClientCode,
			FeedToken:     client.FeedToken(),
			SubscribeMode: marketfeed.ModeLTP,
			TokenList:     subscriptionList(cfg, book),
		})
		if err != nil {
			log.Printf("[engine] feed init failed: %v, retrying in 30s", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(30 * time.Second):
			}
			continue
		}
		ingest.OnReconnect = func() { prom.WSReconnects.Inc() }
		onIngest(ingest)

		closeTime := markethours.TodayClose(time.Now())
		wsCtx, wsCancel := context.WithDeadline(ctx, closeTime)
		health.SetFeedConnected(true)
		log.Printf("[engine] feed connected, session ends at %s",
			closeTime.In(markethours.IST).Format("15:04:05"))

		if err := ingest.Start(wsCtx, tickCh); err != nil {
			log.Printf("[engine] feed session ended: %v", err)
		}
		wsCancel()
		onIngest(nil)
		health.SetFeedConnected(false)
		client.Logout()
		log.Println("[engine] feed disconnected")

		if ctx.Err() != nil {
			return
		}
	}
}

// runLTPBatcher collects ticks and flushes the latest price per instrument
// to the Redis LTP cache every 500ms, keeping cache writes off the hot path.
func runLTPBatcher(ctx context.Context, in <-chan model.Tick, flush func([]model.Tick)) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	latest := make(map[string]model.Tick)
	emit := func() {
		if len(latest) == 0 {
			return
		}
		batch := make([]model.Tick, 0, len(latest))
		for _, t := range latest {
			batch = append(batch, t)
		}
		flush(batch)
		clear(latest)
	}

	for {
		select {
		case <-ctx.Done():
			emit()
			return
		case t, ok := <-in:
			if !ok {
				emit()
				return
			}
			latest[t.Key()] = t
		case <-ticker.C:
			emit()
		}
	}
}

// subscriptionList merges the configured token groups with the instruments
// that currently have resting orders, de-duplicated per exchange type.
func subscriptionList(cfg *config.Config, book *orderbook.Book) []marketfeed.TokenListEntry {
	groups := map[int]map[string]struct{}{}
	add := func(exType int, token string) {
		if exType == 0 || token == "" {
			return
		}
		m := groups[exType]
		if m == nil {
			m = make(map[string]struct{})
			groups[exType] = m
		}
		m[token] = struct{}{}
	}

	for _, g := range cfg.ParseSubscribeTokens() {
		add(g.ExchangeType, g.Token)
	}
	for exchange, tokens := range book.Instruments() {
		for _, t := range tokens {
			add(marketfeed.ExchangeCode(exchange), t)
		}
	}

	var out []marketfeed.TokenListEntry
	for exType, tokens := range groups {
		entry := marketfeed.TokenListEntry{ExchangeType: exType}
		for t := range tokens {
			entry.Tokens = append(entry.Tokens, t)
		}
		out = append(out, entry)
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
