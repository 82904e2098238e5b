// Package validation gates every buy order before it reaches the broker.
// A blocked order is a business outcome carried in the Decision, never an
// error; errors are reserved for infrastructure failures (store, broker
// transport) that prevent the check from running at all.
package validation

import (
	"context"
	"fmt"

	"trading-agentv1/internal/model"
)

// Reason codes for a blocked order.
type Reason string

const (
	ReasonOK                Reason = "ok"
	ReasonInsufficientFunds Reason = "insufficient_funds"
	ReasonMaxPositions      Reason = "max_positions"
	ReasonDuplicate         Reason = "duplicate"
	ReasonVolumeRatio       Reason = "volume_ratio"
)

// Decision is the typed outcome of a pre-trade check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

func allow() Decision { return Decision{Allowed: true, Reason: ReasonOK} }

func deny(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ClientSource provides the authenticated broker client with transparent
// re-authentication; session.Session implements it.
type ClientSource interface {
	GetClient() model.Broker
	WithReauthRetry(call func(client model.Broker) error) error
}

// Config configures a Gate.
type Config struct {
	Session   ClientSource
	Orders    model.OrderStore
	Positions model.PositionStore
	UserID    string

	// MaxOpenPositions caps open positions plus pending buys. Default 5.
	MaxOpenPositions int

	// MaxVolumeRatio caps order quantity as a fraction of the day's traded
	// volume. Zero disables the check. Default 0.01 (1%).
	MaxVolumeRatio float64

	// FundsBufferPct inflates the required funds so a fill never drains the
	// account to zero. Default 2%.
	FundsBufferPct float64
}

// OrderRequest describes the intended buy for pre-trade checks.
type OrderRequest struct {
	Symbol    string
	Qty       float64
	Price     float64 // expected execution price
	DayVolume float64 // day's traded volume, 0 when unknown
}

// Gate runs pre-trade checks in fixed order: duplicate, capacity, volume
// ratio, funds. Local checks run before the broker round trip.
type Gate struct {
	cfg Config
}

// New creates a Gate.
func New(cfg Config) *Gate {
	if cfg.MaxOpenPositions <= 0 {
		cfg.MaxOpenPositions = 5
	}
	if cfg.MaxVolumeRatio < 0 {
		cfg.MaxVolumeRatio = 0
	}
	if cfg.FundsBufferPct <= 0 {
		cfg.FundsBufferPct = 0.02
	}
	return &Gate{cfg: cfg}
}

// Check validates the request. The returned error means a check could not
// be performed; the Decision is only meaningful when the error is nil.
func (g *Gate) Check(ctx context.Context, req OrderRequest) (Decision, error) {
	pending, err := g.cfg.Orders.List(ctx, g.cfg.UserID, model.StatusPlaced)
	if err != nil {
		return Decision{}, fmt.Errorf("validation: list pending orders: %w", err)
	}
	positions, err := g.cfg.Positions.List(ctx, g.cfg.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("validation: list positions: %w", err)
	}
	open := 0
	for _, p := range positions {
		if p.Open() {
			open++
			if p.Symbol == req.Symbol {
				return deny(ReasonDuplicate, "position already open for %s", req.Symbol), nil
			}
		}
	}
	for _, o := range pending {
		if o.Symbol == req.Symbol {
			return deny(ReasonDuplicate, "buy order %s already pending for %s", o.OrderID, req.Symbol), nil
		}
	}

	if open+len(pending) >= g.cfg.MaxOpenPositions {
		return deny(ReasonMaxPositions, "%d open/pending, limit %d", open+len(pending), g.cfg.MaxOpenPositions), nil
	}

	if g.cfg.MaxVolumeRatio > 0 && req.DayVolume > 0 {
		maxQty := req.DayVolume * g.cfg.MaxVolumeRatio
		if req.Qty > maxQty {
			return deny(ReasonVolumeRatio, "qty %.0f exceeds %.2f%% of day volume %.0f",
				req.Qty, g.cfg.MaxVolumeRatio*100, req.DayVolume), nil
		}
	}

	var funds float64
	err = g.cfg.Session.WithReauthRetry(func(client model.Broker) error {
		var err error
		funds, err = client.AvailableFunds()
		return err
	})
	if err != nil {
		return Decision{}, fmt.Errorf("validation: fetch available funds: %w", err)
	}
	required := req.Qty * req.Price * (1 + g.cfg.FundsBufferPct)
	if funds < required {
		return deny(ReasonInsufficientFunds, "need %.2f (incl. buffer), have %.2f", required, funds), nil
	}

	return allow(), nil
}
