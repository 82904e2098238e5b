// Package reconcile tracks pending buy orders against the broker's order
// book and drives each one to exactly one terminal state: Executed,
// Rejected, or Cancelled. Terminal transitions are written through to the
// store before any side effect, so a crash between poll cycles never
// double-applies an execution.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"trading-agentv1/internal/model"
	"trading-agentv1/internal/trailing"
)

// ClientSource provides the authenticated broker client with transparent
// re-authentication; session.Session implements it.
type ClientSource interface {
	GetClient() model.Broker
	WithReauthRetry(call func(client model.Broker) error) error
}

// SellProtector establishes the protective sell for a freshly executed buy;
// trailing.Manager implements it.
type SellProtector interface {
	HasActiveSell(symbol string) bool
	PlaceInitial(ctx context.Context, pos model.OpenPosition) (trailing.PlaceResult, error)
}

// Config configures a Reconciler.
type Config struct {
	Session   ClientSource
	Orders    model.OrderStore
	Positions model.PositionStore
	Notifier  model.OrderNotifier // optional
	Protector SellProtector       // optional
	UserID    string
}

// Summary reports one reconciliation pass.
type Summary struct {
	Checked      int `json:"checked"`
	Executed     int `json:"executed"`
	Rejected     int `json:"rejected"`
	Cancelled    int `json:"cancelled"`
	StillPending int `json:"still_pending"`

	// Protected counts protective sells re-established for open positions
	// found without one during the pass.
	Protected int `json:"protected"`
}

// Reconciler holds the in-memory set of buy orders awaiting a terminal
// state. The set is rebuilt from the store on startup via LoadPending.
type Reconciler struct {
	cfg Config

	mu      sync.Mutex
	tracked map[string]model.TrackedBuyOrder

	// Optional metrics hook, called with the terminal status applied.
	OnTerminal func(status model.OrderStatus)

	now func() time.Time // test hook
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		tracked: make(map[string]model.TrackedBuyOrder),
		now:     time.Now,
	}
}

// trackKey prefers the broker order id; orders persisted before the broker
// assigned one fall back to the store record id.
func trackKey(o model.TrackedBuyOrder) string {
	if o.OrderID != "" {
		return o.OrderID
	}
	return fmt.Sprintf("rec-%d", o.RecordID)
}

// LoadPending rebuilds the tracked set from orders still marked Placed in
// the store. Call once on startup before the first poll.
func (r *Reconciler) LoadPending(ctx context.Context) error {
	pending, err := r.cfg.Orders.List(ctx, r.cfg.UserID, model.StatusPlaced)
	if err != nil {
		return fmt.Errorf("reconcile: load pending orders: %w", err)
	}
	r.mu.Lock()
	for _, o := range pending {
		r.tracked[trackKey(o)] = o
	}
	n := len(r.tracked)
	r.mu.Unlock()
	log.Printf("[reconcile] loaded %d pending order(s)", n)
	return nil
}

// Track registers a freshly placed buy order for reconciliation.
func (r *Reconciler) Track(o model.TrackedBuyOrder) {
	r.mu.Lock()
	r.tracked[trackKey(o)] = o
	r.mu.Unlock()
}

// Pending returns the number of orders still awaiting a terminal state.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

// PollAndReconcile fetches the broker order book and applies it to the
// tracked set. The order-book fetch is skipped when nothing is tracked, but
// the protection sweep still runs.
func (r *Reconciler) PollAndReconcile(ctx context.Context) (Summary, error) {
	if r.Pending() == 0 {
		return r.Reconcile(ctx, nil), nil
	}
	var reports []model.OrderReport
	err := r.cfg.Session.WithReauthRetry(func(client model.Broker) error {
		var err error
		reports, err = client.GetOrders()
		return err
	})
	if err != nil {
		return Summary{}, fmt.Errorf("reconcile: fetch order book: %w", err)
	}
	return r.Reconcile(ctx, reports), nil
}

// Reconcile applies a batch of broker order reports to the tracked set.
// An order absent from the batch, or reported in a non-terminal broker
// status, stays tracked. Applying the same batch twice is a no-op for
// orders already transitioned.
func (r *Reconciler) Reconcile(ctx context.Context, reports []model.OrderReport) Summary {
	byID := make(map[string]model.OrderReport, len(reports))
	for _, rep := range reports {
		byID[rep.OrderID] = rep
	}

	r.mu.Lock()
	snapshot := make([]model.TrackedBuyOrder, 0, len(r.tracked))
	for _, o := range r.tracked {
		snapshot = append(snapshot, o)
	}
	r.mu.Unlock()

	var summary Summary
	for _, order := range snapshot {
		summary.Checked++
		report, ok := byID[order.OrderID]
		if !ok {
			summary.StillPending++
			continue
		}
		st := terminalStatus(report.Status)
		if !st.Terminal() {
			summary.StillPending++
			continue
		}
		switch st {
		case model.StatusExecuted:
			if r.applyExecuted(ctx, order, report) {
				summary.Executed++
			} else {
				summary.StillPending++
			}
		case model.StatusRejected:
			if r.applyRejected(ctx, order, report) {
				summary.Rejected++
			} else {
				summary.StillPending++
			}
		case model.StatusCancelled:
			if r.applyCancelled(ctx, order, report) {
				summary.Cancelled++
			} else {
				summary.StillPending++
			}
		}
	}
	summary.Protected = r.ensureProtection(ctx)
	return summary
}

// ensureProtection re-derives open positions from the store and hangs a
// protective sell on any position without one. This is what re-covers a
// position after an upstream cancel, a failed replacement, or the previous
// day's cleanup. Returns the number of sells placed.
func (r *Reconciler) ensureProtection(ctx context.Context) int {
	if r.cfg.Protector == nil {
		return 0
	}
	positions, err := r.cfg.Positions.List(ctx, r.cfg.UserID)
	if err != nil {
		log.Printf("[reconcile] listing open positions failed: %v", err)
		return 0
	}
	placed := 0
	for i := range positions {
		pos := positions[i]
		if !pos.Open() || r.cfg.Protector.HasActiveSell(pos.Symbol) {
			continue
		}
		res, perr := r.cfg.Protector.PlaceInitial(ctx, pos)
		switch {
		case perr != nil:
			log.Printf("[reconcile] %s: protective sell failed: %v", pos.Symbol, perr)
		case !res.Placed:
			log.Printf("[reconcile] %s: protective sell declined: %s", pos.Symbol, res.Reason)
		default:
			placed++
			log.Printf("[reconcile] %s: protective sell re-established (%s)", pos.Symbol, res.Order.OrderID)
		}
	}
	return placed
}

// applyExecuted performs the terminal transition for a filled buy: mark the
// store record first, then open the position and hang the protective sell.
// The store write is the commit point; if it fails the order stays tracked
// and the whole transition is retried next poll.
func (r *Reconciler) applyExecuted(ctx context.Context, order model.TrackedBuyOrder, report model.OrderReport) bool {
	qty := report.FilledQty
	if qty <= 0 {
		qty = order.Qty
	}
	details := fmt.Sprintf("filled %.2f @ %.2f", qty, report.AvgPrice)
	if err := r.cfg.Orders.MarkExecuted(ctx, order.RecordID, report.AvgPrice, details); err != nil {
		log.Printf("[reconcile] %s: mark executed failed, will retry: %v", order.OrderID, err)
		return false
	}
	r.untrack(order)
	r.terminal(model.StatusExecuted)

	pos := model.OpenPosition{
		Symbol:   order.Symbol,
		Qty:      qty,
		AvgPrice: report.AvgPrice,
		OpenedAt: r.now(),
	}
	posID, err := r.cfg.Positions.Open(ctx, r.cfg.UserID, pos)
	if err != nil {
		log.Printf("[reconcile] %s: opening position failed: %v", order.OrderID, err)
	} else {
		pos.ID = posID
	}

	if r.cfg.Notifier != nil {
		r.cfg.Notifier.NotifyExecution(ctx, order.Symbol, order.OrderID, qty, report.AvgPrice)
	}

	if r.cfg.Protector != nil && err == nil && !r.cfg.Protector.HasActiveSell(order.Symbol) {
		res, perr := r.cfg.Protector.PlaceInitial(ctx, pos)
		switch {
		case perr != nil:
			log.Printf("[reconcile] %s: protective sell failed: %v", order.Symbol, perr)
		case !res.Placed:
			log.Printf("[reconcile] %s: protective sell declined: %s", order.Symbol, res.Reason)
		}
	}

	log.Printf("[reconcile] %s: executed, %s", order.OrderID, details)
	return true
}

func (r *Reconciler) applyRejected(ctx context.Context, order model.TrackedBuyOrder, report model.OrderReport) bool {
	reason := report.StatusMessage
	if reason == "" {
		reason = "rejected by broker"
	}
	if err := r.cfg.Orders.MarkRejected(ctx, order.RecordID, reason); err != nil {
		log.Printf("[reconcile] %s: mark rejected failed, will retry: %v", order.OrderID, err)
		return false
	}
	r.untrack(order)
	r.terminal(model.StatusRejected)
	if r.cfg.Notifier != nil {
		r.cfg.Notifier.NotifyRejection(ctx, order.Symbol, order.OrderID, reason)
	}
	log.Printf("[reconcile] %s: rejected: %s", order.OrderID, reason)
	return true
}

func (r *Reconciler) applyCancelled(ctx context.Context, order model.TrackedBuyOrder, report model.OrderReport) bool {
	details := report.StatusMessage
	if err := r.cfg.Orders.MarkCancelled(ctx, order.RecordID, details); err != nil {
		log.Printf("[reconcile] %s: mark cancelled failed, will retry: %v", order.OrderID, err)
		return false
	}
	r.untrack(order)
	r.terminal(model.StatusCancelled)
	if r.cfg.Notifier != nil {
		r.cfg.Notifier.NotifyCancellation(ctx, order.Symbol, order.OrderID)
	}
	log.Printf("[reconcile] %s: cancelled", order.OrderID)
	return true
}

func (r *Reconciler) untrack(order model.TrackedBuyOrder) {
	r.mu.Lock()
	delete(r.tracked, trackKey(order))
	r.mu.Unlock()
}

func (r *Reconciler) terminal(status model.OrderStatus) {
	if r.OnTerminal != nil {
		r.OnTerminal(status)
	}
}

// terminalStatus maps a broker order-book status string to the terminal
// state it implies, or empty when the order is still working.
func terminalStatus(s string) model.OrderStatus {
	switch s {
	case "complete", "executed", "filled":
		return model.StatusExecuted
	case "rejected":
		return model.StatusRejected
	case "cancelled", "canceled":
		return model.StatusCancelled
	}
	return ""
}
