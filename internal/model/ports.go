package model

import (
	"context"
	"time"
)

// ── Collaborator Port Interfaces ──
// These interfaces decouple the execution core from concrete collaborators
// (broker SDK, scrip master, SQLite persistence, notification channels).

// Broker is the order-side surface the core requires from the vendor client.
// One adapter implements it per vendor SDK; none of the calling code reaches
// into vendor payloads directly.
type Broker interface {
	// PlaceOrder submits an order and returns the broker order id.
	PlaceOrder(p OrderParams) (string, error)

	// CancelOrder cancels an open order by broker order id.
	CancelOrder(orderID, variety string) error

	// GetOrders returns the full broker order book for the session user.
	GetOrders() ([]OrderReport, error)

	// AvailableFunds returns the cash available for new trades.
	AvailableFunds() (float64, error)

	// Logout terminates the broker session.
	Logout() error
}

// SymbolMaster resolves internal symbols to streaming-feed identities.
type SymbolMaster interface {
	// Resolve returns the instrument for a symbol, ok=false if unknown.
	Resolve(symbol string) (Instrument, bool)
}

// PositionStore is the durable record of open and closed positions.
// The reconciler re-derives open positions from here on every pass and holds
// no long-lived copy.
type PositionStore interface {
	// Open records a newly opened position and returns its row id.
	Open(ctx context.Context, userID string, pos OpenPosition) (int64, error)

	// List returns all positions for the user that are still open.
	List(ctx context.Context, userID string) ([]OpenPosition, error)

	// Close marks a position closed at the given time.
	Close(ctx context.Context, id int64, closedAt time.Time) error
}

// OrderStore is the durable record of tracked buy orders. Terminal transitions
// are written through exactly once by the reconciler.
type OrderStore interface {
	// InsertPending records a freshly placed buy order and returns its row id.
	InsertPending(ctx context.Context, userID string, o TrackedBuyOrder) (int64, error)

	// List returns the user's orders in the given status.
	List(ctx context.Context, userID string, status OrderStatus) ([]TrackedBuyOrder, error)

	// MarkExecuted / MarkRejected / MarkCancelled apply a terminal transition
	// to the order row identified by id.
	MarkExecuted(ctx context.Context, id int64, avgPrice float64, details string) error
	MarkRejected(ctx context.Context, id int64, details string) error
	MarkCancelled(ctx context.Context, id int64, details string) error
}

// OrderNotifier delivers order lifecycle events to external channels.
// Calls are fire-and-forget: implementations log delivery failures but the
// reconciler never sees them.
type OrderNotifier interface {
	NotifyExecution(ctx context.Context, symbol, orderID string, qty, avgPrice float64)
	NotifyRejection(ctx context.Context, symbol, orderID, reason string)
	NotifyCancellation(ctx context.Context, symbol, orderID string)
}
