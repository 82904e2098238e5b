// Package quotecache maintains a live last-traded-price cache fed by a
// streaming market-data connection.
//
// The cache owns subscription state, filters reads by quote staleness, and
// runs a background connection monitor that resubscribes the full tracked
// symbol set after a disconnect. Vendor callbacks are adapted onto an internal
// event channel consumed by a single dispatch goroutine, so vendor threading
// never touches cache-internal locking directly.
package quotecache

import (
	"fmt"
	"log"
	"sync"
	"time"

	"trading-agentv1/internal/model"
)

const (
	defaultStaleThreshold  = 60 * time.Second
	defaultMonitorInterval = 5 * time.Second
	eventBufferSize        = 4096
	joinTimeout            = 2 * time.Second
)

// Config configures a Cache.
type Config struct {
	Stream Stream
	Master model.SymbolMaster

	// StaleThreshold is the maximum quote age before GetLTP/GetAllPrices
	// treat an entry as unavailable. Default 60s.
	StaleThreshold time.Duration

	// MonitorInterval is the delay between connection-health checks.
	// Default 5s.
	MonitorInterval time.Duration
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	MessagesReceived int64 `json:"messages_received"`
	UpdatesProcessed int64 `json:"updates_processed"`
	UpdatesDropped   int64 `json:"updates_dropped"`
	Errors           int64 `json:"errors"`
	Reconnections    int64 `json:"reconnections"`
	CacheSize        int   `json:"cache_size"`
	Subscriptions    int   `json:"subscriptions"`
	Connected        bool  `json:"connected"`
}

type eventKind int

const (
	evMessage eventKind = iota
	evOpen
	evClose
	evError
)

type event struct {
	kind    eventKind
	updates []PriceUpdate
	err     error
}

// Cache is the streaming quote cache.
type Cache struct {
	stream          Stream
	master          model.SymbolMaster
	staleThreshold  time.Duration
	monitorInterval time.Duration

	// mu guards the quote map, subscription maps and counters. Held only
	// for map/counter access, never across stream I/O.
	mu             sync.Mutex
	quotes         map[string]model.QuoteEntry
	subs           map[string]model.Subscription
	tokenToSymbol  map[int64]string
	tradingSymbols map[string]string

	messagesReceived int64
	updatesProcessed int64
	updatesDropped   int64
	errors           int64
	reconnections    int64

	// subMu serializes subscription-set mutation against the reconnect
	// routine's read of the current set.
	subMu sync.Mutex

	connected *signal
	firstData *signal

	events       chan event
	stopCh       chan struct{}
	monitorDone  chan struct{}
	dispatchDone chan struct{}

	startMu sync.Mutex
	started bool
	stopped bool

	// Optional metrics hooks.
	OnReconnect      func()
	OnUpdate         func()
	OnDrop           func()
	OnStaleExclusion func()

	now func() time.Time // test hook
}

// New creates a Cache. Start must be called before quotes flow.
func New(cfg Config) *Cache {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = defaultStaleThreshold
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = defaultMonitorInterval
	}
	return &Cache{
		stream:          cfg.Stream,
		master:          cfg.Master,
		staleThreshold:  cfg.StaleThreshold,
		monitorInterval: cfg.MonitorInterval,
		quotes:          make(map[string]model.QuoteEntry),
		subs:            make(map[string]model.Subscription),
		tokenToSymbol:   make(map[int64]string),
		tradingSymbols:  make(map[string]string),
		connected:       newSignal(),
		firstData:       newSignal(),
		events:          make(chan event, eventBufferSize),
		stopCh:          make(chan struct{}),
		monitorDone:     make(chan struct{}),
		dispatchDone:    make(chan struct{}),
		now:             time.Now,
	}
}

// Start attaches the stream callbacks, connects, and launches the dispatch
// and connection-monitor goroutines.
func (c *Cache) Start() error {
	c.startMu.Lock()
	if c.started || c.stopped {
		c.startMu.Unlock()
		return fmt.Errorf("quotecache: already started or stopped")
	}
	c.started = true
	c.startMu.Unlock()

	c.stream.SetHandlers(Handlers{
		OnMessage: func(updates []PriceUpdate) {
			c.push(event{kind: evMessage, updates: updates})
		},
		OnOpen:  func() { c.push(event{kind: evOpen}) },
		OnClose: func() { c.push(event{kind: evClose}) },
		OnError: func(err error) { c.push(event{kind: evError, err: err}) },
	})

	go c.dispatch()
	go c.monitor()

	if err := c.stream.Connect(); err != nil {
		// Not fatal: the monitor keeps retrying.
		log.Printf("[quotecache] initial connect failed: %v (monitor will retry)", err)
		c.mu.Lock()
		c.errors++
		c.mu.Unlock()
	}
	return nil
}

// push enqueues an event from a vendor callback thread. Never blocks the
// vendor thread; drops the event when the queue is saturated.
func (c *Cache) push(ev event) {
	select {
	case c.events <- ev:
	default:
		c.mu.Lock()
		c.updatesDropped += int64(len(ev.updates))
		c.mu.Unlock()
		if c.OnDrop != nil {
			c.OnDrop()
		}
	}
}

// dispatch is the single consumer of the event channel.
func (c *Cache) dispatch() {
	defer close(c.dispatchDone)
	for {
		select {
		case <-c.stopCh:
			return
		case ev := <-c.events:
			switch ev.kind {
			case evMessage:
				c.applyUpdates(ev.updates)
			case evOpen:
				c.connected.Set()
				log.Printf("[quotecache] stream connected")
			case evClose:
				c.connected.Clear()
				log.Printf("[quotecache] stream disconnected")
			case evError:
				c.mu.Lock()
				c.errors++
				c.mu.Unlock()
				log.Printf("[quotecache] stream error: %v", ev.err)
			}
		}
	}
}

// applyUpdates resolves each update's token back to a subscribed symbol and
// replaces that symbol's entry. Updates for unknown tokens are dropped
// silently; the feed may echo instruments the cache does not track.
func (c *Cache) applyUpdates(updates []PriceUpdate) {
	processed := 0
	c.mu.Lock()
	c.messagesReceived++
	for _, u := range updates {
		symbol, ok := c.tokenToSymbol[u.Token]
		if !ok {
			continue
		}
		sub := c.subs[symbol]
		at := u.At
		if at.IsZero() {
			at = c.now().UTC()
		}
		ts := c.tradingSymbols[symbol]
		if ts == "" {
			ts = symbol
		}
		c.quotes[symbol] = model.QuoteEntry{
			Symbol:        symbol,
			TradingSymbol: ts,
			Token:         sub.Token,
			LastPrice:     u.LastPrice,
			ObservedAt:    at,
		}
		c.updatesProcessed++
		processed++
	}
	c.mu.Unlock()

	if processed > 0 {
		c.firstData.Set()
		if c.OnUpdate != nil {
			c.OnUpdate()
		}
	}
}

// Subscribe resolves the symbols and sends one batched subscribe request.
// Symbols already subscribed are skipped. On a batch failure none of the new
// symbols are marked subscribed.
func (c *Cache) Subscribe(symbols []string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	var pending []model.Subscription
	tradingNames := make(map[string]string)
	c.mu.Lock()
	for _, sym := range symbols {
		if _, exists := c.subs[sym]; exists {
			continue
		}
		inst, ok := c.master.Resolve(sym)
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("quotecache: unknown symbol %q", sym)
		}
		pending = append(pending, model.Subscription{
			Symbol:          sym,
			Token:           inst.Token,
			WireToken:       inst.TokenString(),
			ExchangeSegment: inst.ExchangeSegment,
		})
		tradingNames[sym] = inst.TradingSymbol
	}
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if err := c.stream.Subscribe(groupSubscriptions(pending)); err != nil {
		return fmt.Errorf("quotecache: subscribe batch of %d: %w", len(pending), err)
	}

	c.mu.Lock()
	for _, sub := range pending {
		c.subs[sub.Symbol] = sub
		c.tokenToSymbol[sub.Token] = sub.Symbol
		c.tradingSymbols[sub.Symbol] = tradingNames[sub.Symbol]
	}
	c.mu.Unlock()
	log.Printf("[quotecache] subscribed %d new symbols", len(pending))
	return nil
}

// Unsubscribe removes the symbols locally and sends a best-effort
// unsubscribe upstream. An upstream failure does not block local removal.
func (c *Cache) Unsubscribe(symbols []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	var removing []model.Subscription
	c.mu.Lock()
	for _, sym := range symbols {
		if sub, ok := c.subs[sym]; ok {
			removing = append(removing, sub)
		}
	}
	c.mu.Unlock()

	if len(removing) == 0 {
		return
	}

	if err := c.stream.Unsubscribe(groupSubscriptions(removing)); err != nil {
		log.Printf("[quotecache] upstream unsubscribe failed (removing locally anyway): %v", err)
	}

	c.mu.Lock()
	for _, sub := range removing {
		delete(c.subs, sub.Symbol)
		delete(c.tokenToSymbol, sub.Token)
		delete(c.tradingSymbols, sub.Symbol)
		delete(c.quotes, sub.Symbol)
	}
	c.mu.Unlock()
	log.Printf("[quotecache] unsubscribed %d symbols", len(removing))
}

// GetLTP returns the cached last traded price for a symbol. ok is false when
// no entry exists or the entry is older than the staleness threshold. Stale
// entries are excluded logically, not deleted, so a later fresh tick lands in
// the same slot without resubscribing.
func (c *Cache) GetLTP(symbol string) (float64, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.quotes[symbol]
	if !ok {
		return 0, false
	}
	if e.Age(now) > c.staleThreshold {
		if c.OnStaleExclusion != nil {
			c.OnStaleExclusion()
		}
		return 0, false
	}
	return e.LastPrice, true
}

// GetAllPrices returns all non-stale cached prices. The snapshot is taken
// under the cache lock, so it never observes a partial write.
func (c *Cache) GetAllPrices() map[string]float64 {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.quotes))
	for sym, e := range c.quotes {
		if e.Age(now) > c.staleThreshold {
			if c.OnStaleExclusion != nil {
				c.OnStaleExclusion()
			}
			continue
		}
		out[sym] = e.LastPrice
	}
	return out
}

// IsConnected reports whether the streaming connection is currently up.
func (c *Cache) IsConnected() bool {
	return c.connected.IsSet()
}

// WaitForConnection blocks until the stream is connected or the timeout
// elapses. Returns true if connected in time.
func (c *Cache) WaitForConnection(timeout time.Duration) bool {
	return c.connected.Wait(timeout)
}

// WaitForData blocks until at least one price update has been applied or the
// timeout elapses.
func (c *Cache) WaitForData(timeout time.Duration) bool {
	return c.firstData.Wait(timeout)
}

// GetStats returns a snapshot of the cache counters.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		MessagesReceived: c.messagesReceived,
		UpdatesProcessed: c.updatesProcessed,
		UpdatesDropped:   c.updatesDropped,
		Errors:           c.errors,
		Reconnections:    c.reconnections,
		CacheSize:        len(c.quotes),
		Subscriptions:    len(c.subs),
		Connected:        c.connected.IsSet(),
	}
}

// monitor is the background connection-health loop. While running, a
// disconnected stream triggers a reconnect that resubscribes the full current
// subscription set. The retry sleep is interruptible by Stop.
func (c *Cache) monitor() {
	defer close(c.monitorDone)
	for {
		select {
		case <-c.stopCh:
			return
		case <-time.After(c.monitorInterval):
		}
		if !c.connected.IsSet() {
			c.reconnect()
		}
	}
}

// reconnect re-establishes the stream and re-issues the subscribe request for
// the full current subscription set. The reconnection counter advances once
// per successful resubscribe.
func (c *Cache) reconnect() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if err := c.stream.Connect(); err != nil {
		log.Printf("[quotecache] reconnect failed: %v", err)
		c.mu.Lock()
		c.errors++
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	current := make([]model.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		current = append(current, sub)
	}
	c.mu.Unlock()

	if len(current) > 0 {
		if err := c.stream.Subscribe(groupSubscriptions(current)); err != nil {
			log.Printf("[quotecache] resubscribe failed: %v", err)
			c.mu.Lock()
			c.errors++
			c.mu.Unlock()
			return
		}
	}

	c.mu.Lock()
	c.reconnections++
	c.mu.Unlock()
	if c.OnReconnect != nil {
		c.OnReconnect()
	}
	log.Printf("[quotecache] reconnected, resubscribed %d symbols", len(current))
}

// Stop shuts the cache down: signals shutdown, detaches the stream callbacks
// before any upstream teardown (so a late vendor callback cannot fire into
// freed state), best-effort unsubscribes, closes the connection, and joins
// the background goroutines with a bounded wait. Idempotent, and safe even if
// Start was never called.
func (c *Cache) Stop() {
	c.startMu.Lock()
	if c.stopped {
		c.startMu.Unlock()
		return
	}
	c.stopped = true
	wasStarted := c.started
	c.startMu.Unlock()

	close(c.stopCh)
	c.stream.SetHandlers(Handlers{})

	c.subMu.Lock()
	c.mu.Lock()
	current := make([]model.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		current = append(current, sub)
	}
	c.mu.Unlock()
	c.subMu.Unlock()

	if len(current) > 0 {
		if err := c.stream.Unsubscribe(groupSubscriptions(current)); err != nil {
			log.Printf("[quotecache] shutdown unsubscribe failed: %v", err)
		}
	}
	c.stream.Close()

	if wasStarted {
		waitClosed(c.monitorDone, joinTimeout)
		waitClosed(c.dispatchDone, joinTimeout)
	}
	log.Printf("[quotecache] stopped")
}

func waitClosed(ch <-chan struct{}, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		log.Printf("[quotecache] goroutine did not exit within %v", timeout)
	}
}

// groupSubscriptions batches subscriptions by exchange segment into the wire
// shape the stream expects.
func groupSubscriptions(subs []model.Subscription) []TokenGroup {
	bySegment := make(map[int][]string)
	for _, sub := range subs {
		bySegment[sub.ExchangeSegment] = append(bySegment[sub.ExchangeSegment], sub.WireToken)
	}
	groups := make([]TokenGroup, 0, len(bySegment))
	for seg, tokens := range bySegment {
		groups = append(groups, TokenGroup{ExchangeSegment: seg, Tokens: tokens})
	}
	return groups
}
