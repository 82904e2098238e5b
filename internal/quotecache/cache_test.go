package quotecache

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"trading-agentv1/internal/model"
)

type fakeStream struct {
	mu           sync.Mutex
	handlers     Handlers
	connects     int
	closes       int
	subscribes   [][]TokenGroup
	unsubscribes [][]TokenGroup
	connectErr   error
	subscribeErr error
	openOnDial   bool // fire OnOpen from Connect, like the real SDK
}

func (f *fakeStream) Connect() error {
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	h := f.handlers
	open := f.openOnDial
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if open && h.OnOpen != nil {
		h.OnOpen()
	}
	return nil
}

func (f *fakeStream) Subscribe(groups []TokenGroup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribes = append(f.subscribes, groups)
	return nil
}

func (f *fakeStream) Unsubscribe(groups []TokenGroup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, groups)
	return nil
}

func (f *fakeStream) SetHandlers(h Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
}

func (f *fakeStream) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakeStream) emit(updates []PriceUpdate) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	if h.OnMessage != nil {
		h.OnMessage(updates)
	}
}

func (f *fakeStream) dropConnection() {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	if h.OnClose != nil {
		h.OnClose()
	}
}

func (f *fakeStream) lastSubscribe() []TokenGroup {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subscribes) == 0 {
		return nil
	}
	return f.subscribes[len(f.subscribes)-1]
}

func (f *fakeStream) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type fakeMaster struct{ byName map[string]model.Instrument }

func (f *fakeMaster) Resolve(symbol string) (model.Instrument, bool) {
	inst, ok := f.byName[symbol]
	return inst, ok
}

func testMaster() *fakeMaster {
	return &fakeMaster{byName: map[string]model.Instrument{
		"RELIANCE": {Symbol: "RELIANCE", TradingSymbol: "RELIANCE-EQ", Token: 2885, Exchange: "NSE", ExchangeSegment: 1, TickSize: 0.05},
		"TCS":      {Symbol: "TCS", TradingSymbol: "TCS-EQ", Token: 11536, Exchange: "NSE", ExchangeSegment: 1, TickSize: 0.05},
		"INFY":     {Symbol: "INFY", TradingSymbol: "INFY-EQ", Token: 1594, Exchange: "NSE", ExchangeSegment: 1, TickSize: 0.05},
	}}
}

// clock is a mutable test clock safe for the dispatch goroutine to read.
type clock struct {
	mu  sync.Mutex
	cur time.Time
}

func newClock() *clock { return &clock{cur: time.Now()} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.cur = c.cur.Add(d)
	c.mu.Unlock()
}

func startTestCache(t *testing.T, stream *fakeStream, monitorInterval time.Duration) (*Cache, *clock) {
	t.Helper()
	clk := newClock()
	c := New(Config{
		Stream:          stream,
		Master:          testMaster(),
		StaleThreshold:  60 * time.Second,
		MonitorInterval: monitorInterval,
	})
	c.now = clk.Now
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c, clk
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubscribeAndQuoteFlow(t *testing.T) {
	stream := &fakeStream{openOnDial: true}
	c, clk := startTestCache(t, stream, time.Hour)

	if err := c.Subscribe([]string{"RELIANCE", "TCS"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	groups := stream.lastSubscribe()
	if len(groups) != 1 || groups[0].ExchangeSegment != 1 {
		t.Fatalf("unexpected token groups: %+v", groups)
	}
	tokens := append([]string(nil), groups[0].Tokens...)
	sort.Strings(tokens)
	if len(tokens) != 2 || tokens[0] != "11536" || tokens[1] != "2885" {
		t.Fatalf("unexpected tokens: %v", tokens)
	}

	stream.emit([]PriceUpdate{{Token: 2885, LastPrice: 2890.5, At: clk.Now()}})
	if !c.WaitForData(time.Second) {
		t.Fatal("no data arrived")
	}

	price, ok := c.GetLTP("RELIANCE")
	if !ok || price != 2890.5 {
		t.Fatalf("GetLTP = %v, %v", price, ok)
	}
	if _, ok := c.GetLTP("TCS"); ok {
		t.Fatal("TCS has no quote yet")
	}
}

func TestSubscribeUnknownSymbolIsAtomic(t *testing.T) {
	stream := &fakeStream{openOnDial: true}
	c, _ := startTestCache(t, stream, time.Hour)

	err := c.Subscribe([]string{"RELIANCE", "NOSUCH"})
	if err == nil {
		t.Fatal("unknown symbol must fail the batch")
	}
	if n := len(stream.subscribes); n != 0 {
		t.Fatalf("no subscribe request may reach the stream, got %d", n)
	}
	if stats := c.GetStats(); stats.Subscriptions != 0 {
		t.Fatalf("no symbol may be marked subscribed, got %d", stats.Subscriptions)
	}
}

func TestSubscribeSkipsExisting(t *testing.T) {
	stream := &fakeStream{openOnDial: true}
	c, _ := startTestCache(t, stream, time.Hour)

	if err := c.Subscribe([]string{"RELIANCE"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Subscribe([]string{"RELIANCE", "TCS"}); err != nil {
		t.Fatal(err)
	}
	groups := stream.lastSubscribe()
	if len(groups) != 1 || len(groups[0].Tokens) != 1 || groups[0].Tokens[0] != "11536" {
		t.Fatalf("second batch must carry only the new symbol, got %+v", groups)
	}
}

func TestStalenessExcludesWithoutDeleting(t *testing.T) {
	stream := &fakeStream{openOnDial: true}
	c, clk := startTestCache(t, stream, time.Hour)

	if err := c.Subscribe([]string{"RELIANCE"}); err != nil {
		t.Fatal(err)
	}
	stream.emit([]PriceUpdate{{Token: 2885, LastPrice: 2890.5, At: clk.Now()}})
	if !c.WaitForData(time.Second) {
		t.Fatal("no data arrived")
	}

	clk.Advance(61 * time.Second)
	if _, ok := c.GetLTP("RELIANCE"); ok {
		t.Fatal("stale quote must be excluded")
	}
	if all := c.GetAllPrices(); len(all) != 0 {
		t.Fatalf("stale quote must not appear in snapshot, got %v", all)
	}
	// Entry still occupies its slot.
	if stats := c.GetStats(); stats.CacheSize != 1 {
		t.Fatalf("stale entry must not be deleted, cache size %d", stats.CacheSize)
	}

	// A fresh tick revives the symbol without resubscribing.
	stream.emit([]PriceUpdate{{Token: 2885, LastPrice: 2900, At: clk.Now()}})
	waitFor(t, "fresh quote", func() bool {
		p, ok := c.GetLTP("RELIANCE")
		return ok && p == 2900
	})
}

func TestUnsubscribeDropsLateTicks(t *testing.T) {
	stream := &fakeStream{openOnDial: true}
	c, clk := startTestCache(t, stream, time.Hour)

	if err := c.Subscribe([]string{"RELIANCE"}); err != nil {
		t.Fatal(err)
	}
	stream.emit([]PriceUpdate{{Token: 2885, LastPrice: 2890.5, At: clk.Now()}})
	if !c.WaitForData(time.Second) {
		t.Fatal("no data arrived")
	}

	c.Unsubscribe([]string{"RELIANCE"})
	if len(stream.unsubscribes) != 1 {
		t.Fatalf("expected 1 upstream unsubscribe, got %d", len(stream.unsubscribes))
	}
	if _, ok := c.GetLTP("RELIANCE"); ok {
		t.Fatal("quote must be removed with the subscription")
	}

	// A tick still in flight for the removed token must be ignored.
	stream.emit([]PriceUpdate{{Token: 2885, LastPrice: 9999, At: clk.Now()}})
	waitFor(t, "late tick processed", func() bool {
		return c.GetStats().MessagesReceived == 2
	})
	if _, ok := c.GetLTP("RELIANCE"); ok {
		t.Fatal("late tick for unsubscribed symbol must not land")
	}
	if stats := c.GetStats(); stats.Subscriptions != 0 || stats.CacheSize != 0 {
		t.Fatalf("expected empty cache, got %+v", stats)
	}
}

func TestReconnectResubscribesFullSet(t *testing.T) {
	stream := &fakeStream{openOnDial: true}
	c, _ := startTestCache(t, stream, 10*time.Millisecond)

	if err := c.Subscribe([]string{"RELIANCE", "TCS", "INFY"}); err != nil {
		t.Fatal(err)
	}
	if !c.WaitForConnection(time.Second) {
		t.Fatal("not connected")
	}
	before := stream.connectCount()

	stream.dropConnection()
	waitFor(t, "reconnect", func() bool {
		return c.GetStats().Reconnections >= 1 && stream.connectCount() > before
	})

	groups := stream.lastSubscribe()
	if len(groups) != 1 {
		t.Fatalf("expected one segment group, got %+v", groups)
	}
	tokens := append([]string(nil), groups[0].Tokens...)
	sort.Strings(tokens)
	want := []string{"11536", "1594", "2885"}
	if len(tokens) != len(want) {
		t.Fatalf("resubscribe set %v, want %v", tokens, want)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("resubscribe set %v, want %v", tokens, want)
		}
	}
}

func TestSubscribeFailureLeavesNoState(t *testing.T) {
	stream := &fakeStream{openOnDial: true, subscribeErr: errors.New("socket closed")}
	c, _ := startTestCache(t, stream, time.Hour)

	if err := c.Subscribe([]string{"RELIANCE"}); err == nil {
		t.Fatal("subscribe must surface the stream error")
	}
	if stats := c.GetStats(); stats.Subscriptions != 0 {
		t.Fatalf("failed batch must not mark symbols subscribed, got %d", stats.Subscriptions)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	stream := &fakeStream{openOnDial: true}
	clk := newClock()
	c := New(Config{Stream: stream, Master: testMaster(), MonitorInterval: time.Hour})
	c.now = clk.Now
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Subscribe([]string{"RELIANCE"}); err != nil {
		t.Fatal(err)
	}

	c.Stop()
	c.Stop()

	if stream.closes == 0 {
		t.Fatal("stream must be closed")
	}
	if len(stream.unsubscribes) != 1 {
		t.Fatalf("expected one shutdown unsubscribe, got %d", len(stream.unsubscribes))
	}
	// Events arriving after Stop must be swallowed by the detached handlers.
	stream.emit([]PriceUpdate{{Token: 2885, LastPrice: 1}})

	if err := c.Start(); err == nil {
		t.Fatal("restart after Stop must fail")
	}
}

func TestStopWithoutStart(t *testing.T) {
	c := New(Config{Stream: &fakeStream{}, Master: testMaster()})
	c.Stop() // must not hang or panic
}
