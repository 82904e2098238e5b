package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"trading-agentv1/internal/model"
)

type fakeOrderStore struct {
	pending []model.TrackedBuyOrder
	listErr error
}

func (f *fakeOrderStore) InsertPending(ctx context.Context, userID string, o model.TrackedBuyOrder) (int64, error) {
	return 1, nil
}

func (f *fakeOrderStore) List(ctx context.Context, userID string, status model.OrderStatus) ([]model.TrackedBuyOrder, error) {
	return f.pending, f.listErr
}

func (f *fakeOrderStore) MarkExecuted(ctx context.Context, id int64, avgPrice float64, details string) error {
	return nil
}

func (f *fakeOrderStore) MarkRejected(ctx context.Context, id int64, details string) error {
	return nil
}

func (f *fakeOrderStore) MarkCancelled(ctx context.Context, id int64, details string) error {
	return nil
}

type fakePositionStore struct {
	positions []model.OpenPosition
}

func (f *fakePositionStore) Open(ctx context.Context, userID string, pos model.OpenPosition) (int64, error) {
	return 1, nil
}

func (f *fakePositionStore) List(ctx context.Context, userID string) ([]model.OpenPosition, error) {
	return f.positions, nil
}

func (f *fakePositionStore) Close(ctx context.Context, id int64, closedAt time.Time) error {
	return nil
}

type fakeBroker struct {
	funds    float64
	fundsErr error
}

func (f *fakeBroker) PlaceOrder(p model.OrderParams) (string, error) { return "", nil }
func (f *fakeBroker) CancelOrder(orderID, variety string) error      { return nil }
func (f *fakeBroker) GetOrders() ([]model.OrderReport, error)        { return nil, nil }
func (f *fakeBroker) Logout() error                                  { return nil }

func (f *fakeBroker) AvailableFunds() (float64, error) {
	return f.funds, f.fundsErr
}

type fakeSession struct{ broker *fakeBroker }

func (f *fakeSession) GetClient() model.Broker { return f.broker }

func (f *fakeSession) WithReauthRetry(call func(model.Broker) error) error {
	return call(f.broker)
}

func newTestGate(funds float64) (*Gate, *fakeOrderStore, *fakePositionStore, *fakeBroker) {
	orders := &fakeOrderStore{}
	positions := &fakePositionStore{}
	broker := &fakeBroker{funds: funds}
	g := New(Config{
		Session:          &fakeSession{broker: broker},
		Orders:           orders,
		Positions:        positions,
		UserID:           "U1",
		MaxOpenPositions: 3,
		MaxVolumeRatio:   0.01,
	})
	return g, orders, positions, broker
}

func TestGateAllows(t *testing.T) {
	g, _, _, _ := newTestGate(100000)
	d, err := g.Check(context.Background(), OrderRequest{Symbol: "RELIANCE", Qty: 10, Price: 2900, DayVolume: 500000})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed || d.Reason != ReasonOK {
		t.Fatalf("expected allow, got %+v", d)
	}
}

func TestGateInsufficientFunds(t *testing.T) {
	g, _, _, _ := newTestGate(25000)
	d, err := g.Check(context.Background(), OrderRequest{Symbol: "RELIANCE", Qty: 10, Price: 2900})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed || d.Reason != ReasonInsufficientFunds {
		t.Fatalf("expected funds denial, got %+v", d)
	}
}

func TestGateFundsBuffer(t *testing.T) {
	// Exactly notional but short of the 2% buffer.
	g, _, _, _ := newTestGate(29000)
	d, err := g.Check(context.Background(), OrderRequest{Symbol: "RELIANCE", Qty: 10, Price: 2900})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed {
		t.Fatalf("buffer must be part of required funds, got %+v", d)
	}
}

func TestGateMaxPositions(t *testing.T) {
	g, orders, positions, _ := newTestGate(1000000)
	positions.positions = []model.OpenPosition{
		{ID: 1, Symbol: "TCS", Qty: 1, AvgPrice: 3500},
		{ID: 2, Symbol: "INFY", Qty: 1, AvgPrice: 1500},
	}
	orders.pending = []model.TrackedBuyOrder{{OrderID: "B9", Symbol: "HDFCBANK", Qty: 1}}

	d, err := g.Check(context.Background(), OrderRequest{Symbol: "RELIANCE", Qty: 1, Price: 2900})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed || d.Reason != ReasonMaxPositions {
		t.Fatalf("expected capacity denial, got %+v", d)
	}
}

func TestGateDuplicatePending(t *testing.T) {
	g, orders, _, _ := newTestGate(1000000)
	orders.pending = []model.TrackedBuyOrder{{OrderID: "B1", Symbol: "RELIANCE", Qty: 5}}

	d, err := g.Check(context.Background(), OrderRequest{Symbol: "RELIANCE", Qty: 10, Price: 2900})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed || d.Reason != ReasonDuplicate {
		t.Fatalf("expected duplicate denial, got %+v", d)
	}
}

func TestGateDuplicateOpenPosition(t *testing.T) {
	g, _, positions, _ := newTestGate(1000000)
	positions.positions = []model.OpenPosition{{ID: 1, Symbol: "RELIANCE", Qty: 5, AvgPrice: 2800}}

	d, err := g.Check(context.Background(), OrderRequest{Symbol: "RELIANCE", Qty: 10, Price: 2900})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed || d.Reason != ReasonDuplicate {
		t.Fatalf("expected duplicate denial, got %+v", d)
	}
}

func TestGateClosedPositionDoesNotBlock(t *testing.T) {
	g, _, positions, _ := newTestGate(1000000)
	closed := time.Now()
	positions.positions = []model.OpenPosition{{ID: 1, Symbol: "RELIANCE", Qty: 5, AvgPrice: 2800, ClosedAt: &closed}}

	d, err := g.Check(context.Background(), OrderRequest{Symbol: "RELIANCE", Qty: 10, Price: 2900, DayVolume: 500000})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("closed position must not count, got %+v", d)
	}
}

func TestGateVolumeRatio(t *testing.T) {
	g, _, _, _ := newTestGate(100000000)
	d, err := g.Check(context.Background(), OrderRequest{Symbol: "RELIANCE", Qty: 2000, Price: 2900, DayVolume: 100000})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed || d.Reason != ReasonVolumeRatio {
		t.Fatalf("expected volume denial, got %+v", d)
	}
}

func TestGateInfrastructureFailureIsError(t *testing.T) {
	g, _, _, broker := newTestGate(100000)
	broker.fundsErr = errors.New("gateway timeout")

	_, err := g.Check(context.Background(), OrderRequest{Symbol: "RELIANCE", Qty: 10, Price: 2900})
	if err == nil {
		t.Fatal("transport failure must surface as error, not decision")
	}
}
