// Package trailing maintains one protective sell order per open position.
//
// The reference level is a short moving average of observed last traded
// prices. On a fixed cadence the manager recomputes the level and replaces
// the standing sell only when the new level is strictly more protective for
// the holder (higher, for a long position): the stop ratchets, it never
// loosens.
package trailing

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"trading-agentv1/internal/indicator"
	"trading-agentv1/internal/model"
)

const (
	defaultSMAPeriod   = 5
	defaultMinPlaceGap = 0.005 // initial level must sit at least 0.5% below avg price
)

// LTPSource is the quote lookup the manager needs; the quote cache
// implements it.
type LTPSource interface {
	GetLTP(symbol string) (float64, bool)
}

// ClientSource provides the authenticated broker client with transparent
// re-authentication; session.Session implements it.
type ClientSource interface {
	GetClient() model.Broker
	WithReauthRetry(call func(client model.Broker) error) error
}

// Config configures a Manager.
type Config struct {
	Quotes    LTPSource
	Session   ClientSource
	Master    model.SymbolMaster
	Positions model.PositionStore
	Notifier  model.OrderNotifier // optional

	UserID      string
	ProductType string // default DELIVERY
	Variety     string // default NORMAL

	// SMAPeriod is the window of the trailing reference average. Default 5.
	SMAPeriod int

	// MinPlaceGapPct rejects an initial stop closer than this fraction below
	// the position's average price. Default 0.5%.
	MinPlaceGapPct float64

	// MinImprovePct damps replacement churn: the recomputed level must beat
	// the standing level by more than this fraction. Zero means any strictly
	// higher level replaces.
	MinImprovePct float64
}

// PlaceResult is the business outcome of a placement attempt. Declines are
// results, not errors.
type PlaceResult struct {
	Placed bool
	Reason string // set when Placed is false
	Order  model.ActiveSellOrder
}

// Summary reports one MonitorAndUpdate pass.
type Summary struct {
	Checked  int `json:"checked"`
	Updated  int `json:"updated"`
	Executed int `json:"executed"`
}

// CleanupStep is the outcome of cancelling one protective sell during
// end-of-day cleanup.
type CleanupStep struct {
	Symbol  string `json:"symbol"`
	OrderID string `json:"order_id"`
	Ok      bool   `json:"ok"`
	Err     string `json:"err,omitempty"`
}

// CleanupReport lists per-order outcomes; a failed step never aborts the
// remaining ones.
type CleanupReport struct {
	Steps []CleanupStep `json:"steps"`
}

// Failed returns the number of steps that did not succeed.
func (r CleanupReport) Failed() int {
	n := 0
	for _, s := range r.Steps {
		if !s.Ok {
			n++
		}
	}
	return n
}

type symbolState struct {
	order *model.ActiveSellOrder
	sma   *indicator.SMA
	posID int64
	qty   float64
}

// Manager owns the per-symbol protective sell state machine
// (NoOrder → Placed → Executed | Cancelled).
type Manager struct {
	cfg Config

	mu       sync.Mutex
	state    map[string]*symbolState
	symLocks map[string]*sync.Mutex

	// Optional metrics hook, called once per replaced order.
	OnUpdate func()

	now func() time.Time // test hook
}

// New creates a Manager.
func New(cfg Config) *Manager {
	if cfg.SMAPeriod <= 0 {
		cfg.SMAPeriod = defaultSMAPeriod
	}
	if cfg.MinPlaceGapPct <= 0 {
		cfg.MinPlaceGapPct = defaultMinPlaceGap
	}
	if cfg.ProductType == "" {
		cfg.ProductType = "DELIVERY"
	}
	if cfg.Variety == "" {
		cfg.Variety = "NORMAL"
	}
	return &Manager{
		cfg:      cfg,
		state:    make(map[string]*symbolState),
		symLocks: make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

// lockSymbol serializes order placement/cancellation per symbol so two
// overlapping cycles cannot race to submit duplicate sells.
func (m *Manager) lockSymbol(symbol string) func() {
	m.mu.Lock()
	lk, ok := m.symLocks[symbol]
	if !ok {
		lk = &sync.Mutex{}
		m.symLocks[symbol] = lk
	}
	m.mu.Unlock()
	lk.Lock()
	return lk.Unlock
}

// HasActiveSell reports whether a protective sell is standing for the symbol.
func (m *Manager) HasActiveSell(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[symbol]
	return ok && st.order != nil
}

// ActiveOrders returns a snapshot of the standing protective sells.
func (m *Manager) ActiveOrders() []model.ActiveSellOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ActiveSellOrder, 0, len(m.state))
	for _, st := range m.state {
		if st.order != nil {
			out = append(out, *st.order)
		}
	}
	return out
}

// PlaceInitial establishes the first protective sell for a freshly opened
// position. The computed level must sit at least MinPlaceGapPct below the
// position's average price; a level closer than that is declined, not an
// error. A missing or stale quote is likewise a decline; the next
// reconciliation or monitor pass retries.
func (m *Manager) PlaceInitial(ctx context.Context, pos model.OpenPosition) (PlaceResult, error) {
	unlock := m.lockSymbol(pos.Symbol)
	defer unlock()

	m.mu.Lock()
	if st, ok := m.state[pos.Symbol]; ok && st.order != nil {
		m.mu.Unlock()
		return PlaceResult{Reason: "protective sell already active"}, nil
	}
	m.mu.Unlock()

	ltp, ok := m.cfg.Quotes.GetLTP(pos.Symbol)
	if !ok {
		return PlaceResult{Reason: "no fresh quote"}, nil
	}

	inst, ok := m.cfg.Master.Resolve(pos.Symbol)
	if !ok {
		return PlaceResult{}, fmt.Errorf("trailing: unknown symbol %q", pos.Symbol)
	}

	sma := indicator.NewSMA(m.cfg.SMAPeriod)
	sma.Observe(ltp)
	level := roundToTick(sma.Value(), inst.TickSize)

	maxLevel := pos.AvgPrice * (1 - m.cfg.MinPlaceGapPct)
	if level > maxLevel {
		return PlaceResult{Reason: fmt.Sprintf("level %.2f too close to avg price %.2f", level, pos.AvgPrice)}, nil
	}

	orderID, err := m.placeSell(inst, pos.Qty, level)
	if err != nil {
		return PlaceResult{}, err
	}

	order := model.ActiveSellOrder{
		Symbol:         pos.Symbol,
		OrderID:        orderID,
		ReferenceLevel: level,
		PlacedAt:       m.now(),
	}
	m.mu.Lock()
	m.state[pos.Symbol] = &symbolState{order: &order, sma: sma, posID: pos.ID, qty: pos.Qty}
	m.mu.Unlock()

	log.Printf("[trailing] %s: placed protective sell %s at %.2f (avg %.2f, unrealized %.2f)",
		pos.Symbol, orderID, level, pos.AvgPrice, pos.UnrealizedPnL(ltp))
	return PlaceResult{Placed: true, Order: order}, nil
}

// MonitorAndUpdate runs one pass over all standing protective sells:
// transitions filled orders to Executed (closing the position), drops
// externally cancelled orders, and ratchets the rest upward when the
// recomputed reference level is strictly more protective.
func (m *Manager) MonitorAndUpdate(ctx context.Context) (Summary, error) {
	var summary Summary

	m.mu.Lock()
	symbols := make([]string, 0, len(m.state))
	for sym, st := range m.state {
		if st.order != nil {
			symbols = append(symbols, sym)
		}
	}
	m.mu.Unlock()

	if len(symbols) == 0 {
		return summary, nil
	}

	var reports []model.OrderReport
	err := m.cfg.Session.WithReauthRetry(func(client model.Broker) error {
		var err error
		reports, err = client.GetOrders()
		return err
	})
	if err != nil {
		return summary, fmt.Errorf("trailing: fetch order book: %w", err)
	}
	byID := make(map[string]model.OrderReport, len(reports))
	for _, r := range reports {
		byID[r.OrderID] = r
	}

	for _, sym := range symbols {
		summary.Checked++
		updated, executed := m.monitorOne(ctx, sym, byID)
		if updated {
			summary.Updated++
		}
		if executed {
			summary.Executed++
		}
	}
	return summary, nil
}

func (m *Manager) monitorOne(ctx context.Context, symbol string, byID map[string]model.OrderReport) (updated, executed bool) {
	unlock := m.lockSymbol(symbol)
	defer unlock()

	m.mu.Lock()
	st, ok := m.state[symbol]
	if !ok || st.order == nil {
		m.mu.Unlock()
		return false, false
	}
	order := *st.order
	m.mu.Unlock()

	if report, ok := byID[order.OrderID]; ok {
		switch {
		case isFilledStatus(report.Status):
			m.applyExecuted(ctx, symbol, st, order, report)
			return false, true
		case isCancelledStatus(report.Status), isRejectedStatus(report.Status):
			// Cancelled or rejected upstream: the symbol returns to NoOrder
			// so a later pass can re-establish protection.
			log.Printf("[trailing] %s: sell %s reported %s upstream, dropping local order",
				symbol, order.OrderID, report.Status)
			m.clearSymbol(symbol)
			return false, false
		}
	}

	ltp, ok := m.cfg.Quotes.GetLTP(symbol)
	if !ok {
		return false, false // stale quote: keep the standing order untouched
	}
	st.sma.Observe(ltp)

	inst, found := m.cfg.Master.Resolve(symbol)
	if !found {
		return false, false
	}
	newLevel := roundToTick(st.sma.Value(), inst.TickSize)

	if newLevel <= order.ReferenceLevel*(1+m.cfg.MinImprovePct) {
		return false, false // not strictly more protective
	}

	if err := m.replaceSell(st, inst, order, newLevel); err != nil {
		log.Printf("[trailing] %s: replace at %.2f failed: %v", symbol, newLevel, err)
		return false, false
	}
	if m.OnUpdate != nil {
		m.OnUpdate()
	}
	return true, false
}

// applyExecuted handles a filled protective sell: close the position through
// the store, notify, and remove the symbol state.
func (m *Manager) applyExecuted(ctx context.Context, symbol string, st *symbolState, order model.ActiveSellOrder, report model.OrderReport) {
	if err := m.cfg.Positions.Close(ctx, st.posID, m.now()); err != nil {
		log.Printf("[trailing] %s: closing position %d failed: %v", symbol, st.posID, err)
	}
	if m.cfg.Notifier != nil {
		m.cfg.Notifier.NotifyExecution(ctx, symbol, order.OrderID, report.FilledQty, report.AvgPrice)
	}
	m.clearSymbol(symbol)
	log.Printf("[trailing] %s: protective sell %s executed at %.2f, position closed",
		symbol, order.OrderID, report.AvgPrice)
}

// replaceSell cancels the standing order and submits a new sell at the
// tighter level. Cancel must succeed first: two simultaneous sells for the
// same shares would exceed the holding.
func (m *Manager) replaceSell(st *symbolState, inst model.Instrument, old model.ActiveSellOrder, newLevel float64) error {
	err := m.cfg.Session.WithReauthRetry(func(client model.Broker) error {
		return client.CancelOrder(old.OrderID, m.cfg.Variety)
	})
	if err != nil {
		return fmt.Errorf("cancel %s: %w", old.OrderID, err)
	}

	newID, err := m.placeSell(inst, st.qty, newLevel)
	if err != nil {
		// The old order is already cancelled upstream; drop the local entry
		// so the position can be re-covered instead of appearing protected.
		m.clearSymbol(inst.Symbol)
		return fmt.Errorf("place replacement: %w", err)
	}

	m.mu.Lock()
	st.order = &model.ActiveSellOrder{
		Symbol:         inst.Symbol,
		OrderID:        newID,
		ReferenceLevel: newLevel,
		PlacedAt:       m.now(),
	}
	m.mu.Unlock()
	log.Printf("[trailing] %s: raised protective sell %.2f -> %.2f (order %s)",
		inst.Symbol, old.ReferenceLevel, newLevel, newID)
	return nil
}

func (m *Manager) placeSell(inst model.Instrument, qty, level float64) (string, error) {
	var orderID string
	err := m.cfg.Session.WithReauthRetry(func(client model.Broker) error {
		var err error
		orderID, err = client.PlaceOrder(model.OrderParams{
			TradingSymbol:   inst.TradingSymbol,
			Token:           inst.Token,
			Exchange:        inst.Exchange,
			TransactionType: "SELL",
			OrderType:       "LIMIT",
			ProductType:     m.cfg.ProductType,
			Variety:         m.cfg.Variety,
			Qty:             qty,
			Price:           level,
		})
		return err
	})
	return orderID, err
}

func (m *Manager) clearSymbol(symbol string) {
	m.mu.Lock()
	delete(m.state, symbol)
	m.mu.Unlock()
}

// Cleanup cancels every standing protective sell, reporting each step
// individually. Used at end of day; a failed cancel never stops the rest.
// Each step holds the symbol lock and re-reads the standing order under it,
// so a concurrent replace cannot leave a fresh order live upstream after its
// local entry was cleared.
func (m *Manager) Cleanup(ctx context.Context) CleanupReport {
	orders := m.ActiveOrders()
	report := CleanupReport{Steps: make([]CleanupStep, 0, len(orders))}

	for _, order := range orders {
		report.Steps = append(report.Steps, m.cleanupOne(order.Symbol))
	}
	return report
}

func (m *Manager) cleanupOne(symbol string) CleanupStep {
	unlock := m.lockSymbol(symbol)
	defer unlock()

	step := CleanupStep{Symbol: symbol}
	m.mu.Lock()
	st, ok := m.state[symbol]
	if !ok || st.order == nil {
		m.mu.Unlock()
		step.Ok = true // already gone, nothing to cancel
		return step
	}
	order := *st.order
	m.mu.Unlock()
	step.OrderID = order.OrderID

	err := m.cfg.Session.WithReauthRetry(func(client model.Broker) error {
		return client.CancelOrder(order.OrderID, m.cfg.Variety)
	})
	if err != nil {
		step.Err = err.Error()
		log.Printf("[trailing] cleanup: cancel %s (%s) failed: %v", order.OrderID, symbol, err)
		return step
	}
	step.Ok = true
	m.clearSymbol(symbol)
	return step
}

func isFilledStatus(s string) bool {
	switch s {
	case "complete", "executed", "filled":
		return true
	}
	return false
}

func isCancelledStatus(s string) bool {
	switch s {
	case "cancelled", "canceled":
		return true
	}
	return false
}

func isRejectedStatus(s string) bool {
	return s == "rejected"
}

func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}
