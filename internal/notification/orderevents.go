package notification

import (
	"context"
	"fmt"
	"log"
)

// OrderEvents adapts a Notifier to the order lifecycle surface the
// reconciler and trailing manager call. Deliveries are fire-and-forget:
// failures are logged here and never reach the caller.
type OrderEvents struct {
	notifier Notifier
}

// NewOrderEvents wraps a notifier backend.
func NewOrderEvents(notifier Notifier) *OrderEvents {
	return &OrderEvents{notifier: notifier}
}

func (e *OrderEvents) NotifyExecution(ctx context.Context, symbol, orderID string, qty, avgPrice float64) {
	e.send(ctx, Alert{
		Level:   AlertInfo,
		Title:   fmt.Sprintf("Order executed: %s", symbol),
		Message: fmt.Sprintf("Order %s filled %.2f @ %.2f", orderID, qty, avgPrice),
	})
}

func (e *OrderEvents) NotifyRejection(ctx context.Context, symbol, orderID, reason string) {
	e.send(ctx, Alert{
		Level:   AlertWarning,
		Title:   fmt.Sprintf("Order rejected: %s", symbol),
		Message: fmt.Sprintf("Order %s rejected: %s", orderID, reason),
	})
}

func (e *OrderEvents) NotifyCancellation(ctx context.Context, symbol, orderID string) {
	e.send(ctx, Alert{
		Level:   AlertInfo,
		Title:   fmt.Sprintf("Order cancelled: %s", symbol),
		Message: fmt.Sprintf("Order %s was cancelled", orderID),
	})
}

func (e *OrderEvents) send(ctx context.Context, alert Alert) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Send(ctx, alert); err != nil {
		log.Printf("[notify] order event delivery failed: %v", err)
	}
}
