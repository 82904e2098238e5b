package orderentry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"trading-agentv1/internal/model"
	"trading-agentv1/internal/validation"
)

type fakeGate struct {
	decision validation.Decision
	err      error
	checked  []validation.OrderRequest
}

func (g *fakeGate) Check(ctx context.Context, req validation.OrderRequest) (validation.Decision, error) {
	g.checked = append(g.checked, req)
	return g.decision, g.err
}

type fakeBroker struct {
	placed   []model.OrderParams
	placeErr error
}

func (b *fakeBroker) PlaceOrder(p model.OrderParams) (string, error) {
	if b.placeErr != nil {
		return "", b.placeErr
	}
	b.placed = append(b.placed, p)
	return "ORD-1", nil
}

func (b *fakeBroker) CancelOrder(orderID, variety string) error { return nil }
func (b *fakeBroker) GetOrders() ([]model.OrderReport, error)  { return nil, nil }
func (b *fakeBroker) AvailableFunds() (float64, error)         { return 0, nil }
func (b *fakeBroker) Logout() error                            { return nil }

type fakeSession struct{ broker *fakeBroker }

func (s *fakeSession) GetClient() model.Broker { return s.broker }
func (s *fakeSession) WithReauthRetry(call func(client model.Broker) error) error {
	return call(s.broker)
}

type fakeOrders struct {
	inserted  []model.TrackedBuyOrder
	insertErr error
}

func (o *fakeOrders) InsertPending(ctx context.Context, userID string, ord model.TrackedBuyOrder) (int64, error) {
	if o.insertErr != nil {
		return 0, o.insertErr
	}
	o.inserted = append(o.inserted, ord)
	return int64(len(o.inserted)), nil
}

func (o *fakeOrders) List(ctx context.Context, userID string, status model.OrderStatus) ([]model.TrackedBuyOrder, error) {
	return nil, nil
}
func (o *fakeOrders) MarkExecuted(ctx context.Context, id int64, avgPrice float64, details string) error {
	return nil
}
func (o *fakeOrders) MarkRejected(ctx context.Context, id int64, details string) error  { return nil }
func (o *fakeOrders) MarkCancelled(ctx context.Context, id int64, details string) error { return nil }

type fakeTracker struct{ tracked []model.TrackedBuyOrder }

func (t *fakeTracker) Track(o model.TrackedBuyOrder) { t.tracked = append(t.tracked, o) }

type fakeMaster struct{}

func (m *fakeMaster) Resolve(symbol string) (model.Instrument, bool) {
	if symbol != "RELIANCE" {
		return model.Instrument{}, false
	}
	return model.Instrument{
		Symbol:          "RELIANCE",
		TradingSymbol:   "RELIANCE-EQ",
		Token:           2885,
		Exchange:        "NSE",
		ExchangeSegment: 1,
		TickSize:        0.05,
	}, true
}

func newTestListener(gate *fakeGate, broker *fakeBroker, orders *fakeOrders, tracker *fakeTracker) *Listener {
	return New(Config{
		Gate:    gate,
		Session: &fakeSession{broker: broker},
		Orders:  orders,
		Tracker: tracker,
		Master:  &fakeMaster{},
		UserID:  "U1",
	})
}

func TestHandlePlacesAllowedOrder(t *testing.T) {
	gate := &fakeGate{decision: validation.Decision{Allowed: true, Reason: validation.ReasonOK}}
	broker := &fakeBroker{}
	orders := &fakeOrders{}
	tracker := &fakeTracker{}
	l := newTestListener(gate, broker, orders, tracker)

	res, err := l.Handle(context.Background(), []byte(`{"symbol":"reliance","qty":10,"price":2900}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Placed || res.OrderID != "ORD-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(broker.placed) != 1 {
		t.Fatalf("expected 1 broker order, got %d", len(broker.placed))
	}
	p := broker.placed[0]
	if p.TradingSymbol != "RELIANCE-EQ" || p.TransactionType != "BUY" || p.OrderType != "LIMIT" {
		t.Fatalf("unexpected order params: %+v", p)
	}
	if len(tracker.tracked) != 1 || tracker.tracked[0].RecordID != 1 {
		t.Fatalf("expected tracked order with record id, got %+v", tracker.tracked)
	}
	if len(gate.checked) != 1 || gate.checked[0].Symbol != "RELIANCE" {
		t.Fatalf("gate saw %+v", gate.checked)
	}
}

func TestHandleBlockedOrderNeverReachesBroker(t *testing.T) {
	gate := &fakeGate{decision: validation.Decision{
		Allowed: false,
		Reason:  validation.ReasonInsufficientFunds,
		Detail:  "need 29580.00, have 1000.00",
	}}
	broker := &fakeBroker{}
	tracker := &fakeTracker{}
	l := newTestListener(gate, broker, &fakeOrders{}, tracker)

	var blockedReason string
	l.OnBlocked = func(reason string) { blockedReason = reason }

	res, err := l.Handle(context.Background(), []byte(`{"symbol":"RELIANCE","qty":10,"price":2900}`))
	if err != nil {
		t.Fatalf("blocked request must not be an error: %v", err)
	}
	if res.Placed {
		t.Fatal("blocked request was placed")
	}
	if len(broker.placed) != 0 || len(tracker.tracked) != 0 {
		t.Fatal("blocked request reached broker or tracker")
	}
	if blockedReason != string(validation.ReasonInsufficientFunds) {
		t.Fatalf("blocked reason = %q", blockedReason)
	}
}

func TestHandleRejectsMalformedPayload(t *testing.T) {
	l := newTestListener(&fakeGate{}, &fakeBroker{}, &fakeOrders{}, &fakeTracker{})

	if _, err := l.Handle(context.Background(), []byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if _, err := l.Handle(context.Background(), []byte(`{"symbol":"RELIANCE","qty":0,"price":2900}`)); err == nil {
		t.Fatal("expected error for zero qty")
	}
}

func TestHandleUnknownSymbol(t *testing.T) {
	gate := &fakeGate{decision: validation.Decision{Allowed: true}}
	l := newTestListener(gate, &fakeBroker{}, &fakeOrders{}, &fakeTracker{})

	_, err := l.Handle(context.Background(), []byte(`{"symbol":"NOSUCH","qty":5,"price":100}`))
	if err == nil || !strings.Contains(err.Error(), "unknown symbol") {
		t.Fatalf("expected unknown symbol error, got %v", err)
	}
	if len(gate.checked) != 0 {
		t.Fatal("gate consulted for unknown symbol")
	}
}

func TestHandleGateInfraFailureIsError(t *testing.T) {
	gate := &fakeGate{err: errors.New("connection refused")}
	broker := &fakeBroker{}
	l := newTestListener(gate, broker, &fakeOrders{}, &fakeTracker{})

	if _, err := l.Handle(context.Background(), []byte(`{"symbol":"RELIANCE","qty":5,"price":100}`)); err == nil {
		t.Fatal("expected infra error to surface")
	}
	if len(broker.placed) != 0 {
		t.Fatal("order placed despite gate failure")
	}
}

func TestHandleTracksOrderWhenPersistFails(t *testing.T) {
	gate := &fakeGate{decision: validation.Decision{Allowed: true}}
	broker := &fakeBroker{}
	orders := &fakeOrders{insertErr: errors.New("disk full")}
	tracker := &fakeTracker{}
	l := newTestListener(gate, broker, orders, tracker)

	res, err := l.Handle(context.Background(), []byte(`{"symbol":"RELIANCE","qty":5,"price":100}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Placed {
		t.Fatal("expected placement despite persist failure")
	}
	if len(tracker.tracked) != 1 || tracker.tracked[0].RecordID != 0 {
		t.Fatalf("expected tracked order without record id, got %+v", tracker.tracked)
	}
}
