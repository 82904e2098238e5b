package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"trading-agentv1/config"
	"trading-agentv1/internal/logger"
	"trading-agentv1/internal/markethours"
	"trading-agentv1/internal/metrics"
	"trading-agentv1/internal/model"
	"trading-agentv1/internal/notification"
	"trading-agentv1/internal/orderentry"
	"trading-agentv1/internal/quotecache"
	"trading-agentv1/internal/reconcile"
	"trading-agentv1/internal/session"
	redisstore "trading-agentv1/internal/store/redis"
	sqlitestore "trading-agentv1/internal/store/sqlite"
	"trading-agentv1/internal/symbolmaster"
	"trading-agentv1/internal/trailing"
	"trading-agentv1/internal/validation"
	smartconnect "trading-agentv1/pkg/smartconnect"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("agent", slog.LevelInfo)
	log.Println("[agent] starting...")

	cfg := config.Load()
	watchlist := cfg.ParseWatchlist()
	log.Printf("[agent] watchlist: %v", watchlist)

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

	// ---- SQLite store ----
	os.MkdirAll("data", 0o755)
	store, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[agent] sqlite init failed: %v", err)
	}
	defer store.Shutdown()
	health.CheckSQLite(ctx, store.DB())
	log.Println("[agent] sqlite store ready")

	// ---- Scrip master ----
	master, err := symbolmaster.LoadFile(cfg.ScripMaster)
	if err != nil {
		log.Printf("[agent] WARNING: scrip master load failed: %v (using builtin defaults)", err)
		master = symbolmaster.NewStatic(defaultInstruments())
	}

	// ---- Initial login + session guard ----
	auth := &session.AngelAuthenticator{
		APIKey:     cfg.AngelAPIKey,
		ClientCode: cfg.AngelClientCode,
		Password:   cfg.AngelPassword,
		TOTPSecret: cfg.AngelTOTPSecret,
	}
	log.Println("[agent] 🔑 logging in to Angel One...")
	var client model.Broker
	for attempt := 1; ; attempt++ {
		client, err = auth.Login()
		if err == nil {
			break
		}
		if attempt >= 5 {
			log.Fatalf("[agent] login failed after %d attempts: %v", attempt, err)
		}
		log.Printf("[agent] login failed: %v, retrying in 30s", err)
		time.Sleep(30 * time.Second)
	}
	sess := session.New(auth, client)
	sess.OnRelogin = func() {
		prom.Relogins.Inc()
	}
	health.SetSessionOK(true)
	log.Println("[agent] ✅ session ready")

	// ---- Quote hub: stable LTP source across per-day cache instances ----
	hub := &quoteHub{}

	// ---- Redis snapshot publisher (optional) ----
	var pub *redisstore.Publisher
	pub, err = redisstore.NewPublisher(redisstore.PublisherConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}, hub)
	if err != nil {
		log.Printf("[agent] WARNING: redis init failed: %v (continuing without redis)", err)
		pub = nil
	} else {
		pub.OnPublish = func(n int) {
			prom.SnapshotPublishes.Inc()
		}
		go pub.Run(ctx)
		log.Println("[agent] redis publisher ready")
	}

	// ---- Periodic liveness checks ----
	if pub != nil {
		health.StartLivenessChecker(ctx, pub.Client(), store.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, store.DB(), 10*time.Second)
	}

	// ---- Notifications ----
	backends := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
		log.Println("[agent] telegram notifications enabled")
	}
	if cfg.WebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.WebhookURL))
		log.Println("[agent] webhook notifications enabled")
	}
	orderEvents := notification.NewOrderEvents(notification.NewFanout(backends...))

	// ---- Trailing sell manager ----
	tm := trailing.New(trailing.Config{
		Quotes:         hub,
		Session:        sess,
		Master:         master,
		Positions:      store.Positions(),
		Notifier:       newTradeJournal(store, orderEvents, "SELL", "trailing stop"),
		UserID:         cfg.AngelClientCode,
		SMAPeriod:      cfg.TrailingSMAPeriod,
		MinPlaceGapPct: cfg.MinPlaceGapPct,
		MinImprovePct:  cfg.MinImprovePct,
	})
	tm.OnUpdate = func() {
		prom.TrailingUpdates.Inc()
	}

	// ---- Order reconciler ----
	rec := reconcile.New(reconcile.Config{
		Session:   sess,
		Orders:    store.Orders(),
		Positions: store.Positions(),
		Notifier:  newTradeJournal(store, orderEvents, "BUY", "entry fill"),
		Protector: tm,
		UserID:    cfg.AngelClientCode,
	})
	rec.OnTerminal = func(status model.OrderStatus) {
		prom.OrderTerminals.WithLabelValues(strings.ToLower(string(status))).Inc()
	}
	if err := rec.LoadPending(ctx); err != nil {
		log.Printf("[agent] WARNING: loading pending orders failed: %v", err)
	} else {
		log.Printf("[agent] reconciler tracking %d pending orders", rec.Pending())
		prom.OrdersPending.Set(float64(rec.Pending()))
	}

	// ---- Pre-trade validation gate + order entry channel ----
	gate := validation.New(validation.Config{
		Session:          sess,
		Orders:           store.Orders(),
		Positions:        store.Positions(),
		UserID:           cfg.AngelClientCode,
		MaxOpenPositions: cfg.MaxOpenPositions,
		MaxVolumeRatio:   cfg.MaxVolumeRatio,
	})
	if pub != nil {
		entry := orderentry.New(orderentry.Config{
			Gate:    gate,
			Session: sess,
			Orders:  store.Orders(),
			Tracker: rec,
			Master:  master,
			UserID:  cfg.AngelClientCode,
		})
		entry.OnPlaced = func() {
			prom.OrdersPlaced.Inc()
		}
		entry.OnBlocked = func(reason string) {
			prom.OrdersBlocked.WithLabelValues(reason).Inc()
		}
		go entry.Run(ctx, pub.Client(), cfg.OrderChannel)
	} else {
		log.Println("[agent] order channel disabled (no redis)")
	}

	// ---- Market-hours gated trading loop ----
	go func() {
		for {
			now := time.Now()
			if !markethours.IsMarketOpen(now) {
				next := markethours.NextOpen(now)
				wait := next.Sub(now)
				log.Printf("[agent] ⏸ market closed. %s", markethours.StatusString(now))
				log.Printf("[agent] sleeping %v until next open %s",
					wait.Truncate(time.Second), next.In(markethours.IST).Format("Mon 15:04"))
				health.SetWSConnected(false)
				prom.MarketState.Set(0)

				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}

			// Fresh session at each open: the streaming feed needs
			// current tokens.
			log.Println("[agent] 🔑 market open — refreshing session...")
			if !sess.ForceRelogin() {
				log.Println("[agent] relogin failed, retrying in 30s")
				health.SetSessionOK(false)
				select {
				case <-ctx.Done():
					return
				case <-time.After(30 * time.Second):
				}
				continue
			}
			health.SetSessionOK(true)

			cp, ok := sess.GetClient().(interface {
				Client() *smartconnect.SmartConnect
			})
			if !ok {
				log.Println("[agent] broker client exposes no smartconnect handle, streaming disabled")
				return
			}
			sc := cp.Client()

			stream, err := smartconnect.NewSmartStream(smartconnect.StreamConfig{
				AuthToken:  sc.AccessToken(),
				APIKey:     cfg.AngelAPIKey,
				ClientCode: sc.ClientCode(),
				FeedToken:  sc.FeedToken(),
			})
			if err != nil {
				log.Printf("[agent] stream init failed: %v, retrying in 30s", err)
				time.Sleep(30 * time.Second)
				continue
			}

			cache := quotecache.New(quotecache.Config{
				Stream:          stream,
				Master:          master,
				StaleThreshold:  cfg.StaleThreshold,
				MonitorInterval: cfg.MonitorInterval,
			})
			cache.OnReconnect = func() {
				prom.WSReconnects.Inc()
			}
			cache.OnUpdate = func() {
				prom.QuoteUpdates.Inc()
			}
			cache.OnDrop = func() {
				prom.QuoteDrops.Inc()
			}
			cache.OnStaleExclusion = func() {
				prom.StaleExclusions.Inc()
			}

			if err := cache.Start(); err != nil {
				log.Printf("[agent] quote cache start failed: %v, retrying in 30s", err)
				time.Sleep(30 * time.Second)
				continue
			}
			if err := cache.Subscribe(watchlist); err != nil {
				log.Printf("[agent] WARNING: watchlist subscribe failed: %v", err)
			}
			hub.set(cache)
			health.SetWSConnected(true)
			prom.MarketState.Set(1)

			closeAt := markethours.TodayClose(time.Now())
			cleanupAt := markethours.TodayCleanup(time.Now())
			log.Printf("[agent] 📡 streaming — cleanup at %s, close at %s",
				cleanupAt.In(markethours.IST).Format("15:04:05"),
				closeAt.In(markethours.IST).Format("15:04:05"))

			runTradingDay(ctx, cfg, prom, health, cache, tm, rec, pub, store, closeAt, cleanupAt)

			hub.set(nil)
			cache.Stop()
			health.SetWSConnected(false)
			prom.MarketState.Set(0)
			log.Println("[agent] 🔌 streaming stopped — market close")

			if ctx.Err() != nil {
				return
			}
		}
	}()

	log.Println("[agent] ╔══════════════════════════════════════════════════════════════╗")
	log.Println("[agent] ║  Trading Agent — Production Mode                             ║")
	log.Println("[agent] ║                                                              ║")
	log.Println("[agent] ║  [Quote Cache] → [Trailing Sells] + [Order Reconciler]       ║")
	log.Println("[agent] ║  Market hours: 9:15 AM – 3:30 PM IST, Mon–Fri                ║")
	log.Println("[agent] ║  Fresh login + tokens at each market open                    ║")
	log.Println("[agent] ╚══════════════════════════════════════════════════════════════╝")
	log.Printf("[agent] %s", markethours.StatusString(time.Now()))

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[agent] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	if pub != nil {
		pub.Close()
	}

	log.Println("[agent] shutdown complete.")
}

// runTradingDay drives the periodic trailing and reconciliation passes until
// market close or shutdown. The end-of-day cleanup fires once, shortly before
// close, while the session is still live.
func runTradingDay(ctx context.Context, cfg *config.Config, prom *metrics.Metrics,
	health *metrics.HealthStatus, cache *quotecache.Cache, tm *trailing.Manager,
	rec *reconcile.Reconciler, pub *redisstore.Publisher, store *sqlitestore.Store,
	closeAt, cleanupAt time.Time) {

	dayCtx, dayCancel := context.WithDeadline(ctx, closeAt)
	defer dayCancel()

	trailTicker := time.NewTicker(cfg.TrailingInterval)
	defer trailTicker.Stop()
	recTicker := time.NewTicker(cfg.ReconcileInterval)
	defer recTicker.Stop()
	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()
	cleanupTimer := time.NewTimer(time.Until(cleanupAt))
	defer cleanupTimer.Stop()

	var lastMessages int64
	lastBreaker := redisstore.StateClosed
	cleaned := false

	for {
		select {
		case <-dayCtx.Done():
			return

		case <-trailTicker.C:
			sum, err := tm.MonitorAndUpdate(dayCtx)
			if err != nil {
				log.Printf("[agent] trailing pass failed: %v", err)
				continue
			}
			if sum.Executed > 0 {
				prom.TrailingExecutions.Add(float64(sum.Executed))
			}
			prom.ActiveSells.Set(float64(len(tm.ActiveOrders())))

		case <-recTicker.C:
			if _, err := rec.PollAndReconcile(dayCtx); err != nil {
				log.Printf("[agent] reconcile pass failed: %v", err)
			}
			prom.OrdersPending.Set(float64(rec.Pending()))

		case <-statsTicker.C:
			stats := cache.GetStats()
			prom.QuoteCacheSize.Set(float64(stats.CacheSize))
			if d := stats.MessagesReceived - lastMessages; d > 0 {
				prom.QuoteMessages.Add(float64(d))
				health.SetLastQuoteTime(time.Now())
				lastMessages = stats.MessagesReceived
			}
			if pub != nil {
				state := pub.BreakerState()
				prom.RedisBreakerState.Set(float64(state))
				if state == redisstore.StateOpen && lastBreaker != redisstore.StateOpen {
					prom.RedisBreakerTrips.Inc()
				}
				lastBreaker = state
			}

		case <-cleanupTimer.C:
			if cleaned {
				continue
			}
			cleaned = true
			log.Println("[agent] 🧹 end-of-day cleanup starting")
			report := tm.Cleanup(dayCtx)
			if n := report.Failed(); n > 0 {
				log.Printf("[agent] WARNING: cleanup finished with %d failures", n)
				for _, step := range report.Steps {
					if !step.Ok {
						log.Printf("[agent]   cleanup failed for %s (%s): %v", step.Symbol, step.OrderID, step.Err)
					}
				}
			} else {
				log.Printf("[agent] cleanup complete, %d orders cancelled", len(report.Steps))
			}
			prom.ActiveSells.Set(float64(len(tm.ActiveOrders())))
			logRecentFills(dayCtx, store)
		}
	}
}

// logRecentFills prints the latest journal fills as an end-of-day recap.
func logRecentFills(ctx context.Context, store *sqlitestore.Store) {
	trades, err := store.RecentTrades(ctx, 20)
	if err != nil {
		log.Printf("[agent] reading trade journal failed: %v", err)
		return
	}
	if len(trades) == 0 {
		log.Println("[agent] no fills journalled today")
		return
	}
	log.Printf("[agent] last %d fills:", len(trades))
	for _, tr := range trades {
		log.Printf("[agent]   %s %s %s qty %.0f @ %.2f (%s)",
			tr.FilledAt.Format("15:04:05"), tr.Side, tr.Symbol, tr.Qty, tr.Price, tr.Reason)
	}
}

// quoteHub adapts the per-day quote cache instance to consumers constructed
// once at startup. Outside market hours every lookup misses.
type quoteHub struct {
	mu    sync.RWMutex
	cache *quotecache.Cache
}

func (h *quoteHub) set(c *quotecache.Cache) {
	h.mu.Lock()
	h.cache = c
	h.mu.Unlock()
}

func (h *quoteHub) GetLTP(symbol string) (float64, bool) {
	h.mu.RLock()
	c := h.cache
	h.mu.RUnlock()
	if c == nil {
		return 0, false
	}
	return c.GetLTP(symbol)
}

func (h *quoteHub) GetAllPrices() map[string]float64 {
	h.mu.RLock()
	c := h.cache
	h.mu.RUnlock()
	if c == nil {
		return map[string]float64{}
	}
	return c.GetAllPrices()
}

// tradeJournal records fills in the local trade journal before forwarding the
// event to the configured notification channels.
type tradeJournal struct {
	store  *sqlitestore.Store
	next   model.OrderNotifier
	side   string
	reason string
}

func newTradeJournal(store *sqlitestore.Store, next model.OrderNotifier, side, reason string) *tradeJournal {
	return &tradeJournal{store: store, next: next, side: side, reason: reason}
}

func (j *tradeJournal) NotifyExecution(ctx context.Context, symbol, orderID string, qty, avgPrice float64) {
	err := j.store.RecordTrade(ctx, sqlitestore.Trade{
		OrderID:  orderID,
		Symbol:   symbol,
		Side:     j.side,
		Qty:      qty,
		Price:    avgPrice,
		Reason:   j.reason,
		FilledAt: time.Now(),
	})
	if err != nil {
		log.Printf("[agent] trade journal write failed for %s (%s): %v", symbol, orderID, err)
	}
	j.next.NotifyExecution(ctx, symbol, orderID, qty, avgPrice)
}

func (j *tradeJournal) NotifyRejection(ctx context.Context, symbol, orderID, reason string) {
	j.next.NotifyRejection(ctx, symbol, orderID, reason)
}

func (j *tradeJournal) NotifyCancellation(ctx context.Context, symbol, orderID string) {
	j.next.NotifyCancellation(ctx, symbol, orderID)
}

// defaultInstruments is the fallback instrument set when no scrip-master dump
// is available. Tokens are NSE cash-segment equities.
func defaultInstruments() []model.Instrument {
	return []model.Instrument{
		{Symbol: "RELIANCE", TradingSymbol: "RELIANCE-EQ", Token: 2885, Exchange: "NSE", ExchangeSegment: symbolmaster.SegmentNSECM, LotSize: 1, TickSize: 0.05},
		{Symbol: "TCS", TradingSymbol: "TCS-EQ", Token: 11536, Exchange: "NSE", ExchangeSegment: symbolmaster.SegmentNSECM, LotSize: 1, TickSize: 0.05},
		{Symbol: "INFY", TradingSymbol: "INFY-EQ", Token: 1594, Exchange: "NSE", ExchangeSegment: symbolmaster.SegmentNSECM, LotSize: 1, TickSize: 0.05},
	}
}
