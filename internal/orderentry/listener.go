// Package orderentry accepts buy requests from a Redis command channel, runs
// them through the pre-trade validation gate, and hands accepted orders to the
// broker and the reconciler.
package orderentry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"trading-agentv1/internal/logger"
	"trading-agentv1/internal/model"
	"trading-agentv1/internal/validation"
)

// DefaultChannel is the Redis pub/sub channel buy requests arrive on.
const DefaultChannel = "agent:orders"

// ClientSource provides the authenticated broker client with transparent
// re-authentication; session.Session implements it.
type ClientSource interface {
	GetClient() model.Broker
	WithReauthRetry(call func(client model.Broker) error) error
}

// Gate is the pre-trade check surface; validation.Gate implements it.
type Gate interface {
	Check(ctx context.Context, req validation.OrderRequest) (validation.Decision, error)
}

// Tracker follows a placed buy to its terminal state; reconcile.Reconciler
// implements it.
type Tracker interface {
	Track(o model.TrackedBuyOrder)
}

// Request is one buy instruction published on the command channel.
type Request struct {
	Symbol    string  `json:"symbol"`
	Qty       float64 `json:"qty"`
	Price     float64 `json:"price"`
	DayVolume float64 `json:"day_volume,omitempty"`
}

// Result reports what happened to one handled request.
type Result struct {
	Placed   bool
	OrderID  string
	Decision validation.Decision
}

// Config configures a Listener.
type Config struct {
	Gate    Gate
	Session ClientSource
	Orders  model.OrderStore
	Tracker Tracker
	Master  model.SymbolMaster

	UserID      string
	ProductType string // default DELIVERY
	Variety     string // default NORMAL
}

// Listener validates and places buy requests.
type Listener struct {
	cfg Config

	// Optional metrics hooks.
	OnPlaced  func()
	OnBlocked func(reason string)

	now func() time.Time
}

// New creates a Listener.
func New(cfg Config) *Listener {
	if cfg.ProductType == "" {
		cfg.ProductType = "DELIVERY"
	}
	if cfg.Variety == "" {
		cfg.Variety = "NORMAL"
	}
	return &Listener{cfg: cfg, now: time.Now}
}

// Handle processes one raw request payload. Gate denials are not errors: the
// request is logged, counted and dropped. An error means the request never
// reached a decision (bad payload, unknown symbol, broker or store failure).
func (l *Listener) Handle(ctx context.Context, raw []byte) (Result, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Result{}, fmt.Errorf("orderentry: bad payload: %w", err)
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" || req.Qty <= 0 || req.Price <= 0 {
		return Result{}, fmt.Errorf("orderentry: invalid request %+v", req)
	}

	inst, ok := l.cfg.Master.Resolve(req.Symbol)
	if !ok {
		return Result{}, fmt.Errorf("orderentry: unknown symbol %q", req.Symbol)
	}

	// One trace id per request so the gate, broker and store log lines of a
	// single buy correlate.
	trace := logger.GenerateTraceID(req.Symbol, l.now())
	ctx = logger.WithTraceID(ctx, trace)

	decision, err := l.cfg.Gate.Check(ctx, validation.OrderRequest{
		Symbol:    req.Symbol,
		Qty:       req.Qty,
		Price:     req.Price,
		DayVolume: req.DayVolume,
	})
	if err != nil {
		return Result{}, fmt.Errorf("orderentry: validation: %w", err)
	}
	if !decision.Allowed {
		log.Printf("[orderentry] %s %s blocked: %s (%s)", trace, req.Symbol, decision.Reason, decision.Detail)
		if l.OnBlocked != nil {
			l.OnBlocked(string(decision.Reason))
		}
		return Result{Decision: decision}, nil
	}

	var orderID string
	err = l.cfg.Session.WithReauthRetry(func(client model.Broker) error {
		var perr error
		orderID, perr = client.PlaceOrder(model.OrderParams{
			TradingSymbol:   inst.TradingSymbol,
			Token:           inst.Token,
			Exchange:        inst.Exchange,
			TransactionType: "BUY",
			OrderType:       "LIMIT",
			ProductType:     l.cfg.ProductType,
			Variety:         l.cfg.Variety,
			Qty:             req.Qty,
			Price:           req.Price,
		})
		return perr
	})
	if err != nil {
		return Result{Decision: decision}, fmt.Errorf("orderentry: place %s: %w", req.Symbol, err)
	}

	order := model.TrackedBuyOrder{
		OrderID:  orderID,
		Symbol:   req.Symbol,
		Qty:      req.Qty,
		Status:   model.StatusPlaced,
		PlacedAt: l.now(),
	}
	recordID, err := l.cfg.Orders.InsertPending(ctx, l.cfg.UserID, order)
	if err != nil {
		// The order is live at the broker either way; track it so the
		// reconciler still follows it to a terminal state.
		log.Printf("[orderentry] %s persist failed for %s (%s): %v", trace, req.Symbol, orderID, err)
	} else {
		order.RecordID = recordID
	}
	if l.cfg.Tracker != nil {
		l.cfg.Tracker.Track(order)
	}
	if l.OnPlaced != nil {
		l.OnPlaced()
	}

	log.Printf("[orderentry] %s placed BUY %s qty=%.2f @ %.2f id=%s", trace, req.Symbol, req.Qty, req.Price, orderID)
	return Result{Placed: true, OrderID: orderID, Decision: decision}, nil
}

// Run subscribes to the command channel and handles requests until the
// context is cancelled. Individual request failures are logged, never fatal.
func (l *Listener) Run(ctx context.Context, rdb *goredis.Client, channel string) {
	if channel == "" {
		channel = DefaultChannel
	}
	sub := rdb.Subscribe(ctx, channel)
	defer sub.Close()

	log.Printf("[orderentry] listening on %s", channel)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := l.Handle(ctx, []byte(msg.Payload)); err != nil {
				log.Printf("[orderentry] request dropped: %v", err)
			}
		}
	}
}
