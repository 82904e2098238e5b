// Package redis publishes periodic quote snapshots for dashboards and other
// processes. Writes go through a circuit breaker so a dead Redis never
// stalls the trading loop.
package redis

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultKeyPrefix = "quote"
	defaultInterval  = 1 * time.Second
	defaultTTL       = 30 * time.Second
)

// QuoteSource provides the non-stale price snapshot; the quote cache
// implements it.
type QuoteSource interface {
	GetAllPrices() map[string]float64
}

// PublisherConfig configures the Publisher.
type PublisherConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	KeyPrefix string        // default "quote"
	Interval  time.Duration // snapshot cadence, default 1s
	TTL       time.Duration // latest-key expiry, default 30s

	// Breaker settings. Defaults: 5 consecutive failures, 10s reset.
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

// Publisher pushes the latest prices to Redis on a fixed cadence:
// one SET per symbol ("<prefix>:latest:<symbol>") with TTL, plus a single
// hash ("<prefix>:snapshot") and a PUBLISH on "<prefix>:updates".
type Publisher struct {
	client  *goredis.Client
	cfg     PublisherConfig
	quotes  QuoteSource
	breaker *CircuitBreaker

	// OnPublish is an optional metrics hook, called with the number of
	// symbols in each successfully published snapshot.
	OnPublish func(n int)
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// BreakerState returns the circuit breaker state.
func (p *Publisher) BreakerState() State { return p.breaker.CurrentState() }

// NewPublisher connects to Redis and pings it.
func NewPublisher(cfg PublisherConfig, quotes QuoteSource) (*Publisher, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerResetTimeout <= 0 {
		cfg.BreakerResetTimeout = 10 * time.Second
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	breaker := NewCircuitBreaker(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout)
	breaker.OnStateChange = func(from, to State) {
		log.Printf("[redis] breaker %s -> %s", from, to)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Publisher{client: client, cfg: cfg, quotes: quotes, breaker: breaker}, nil
}

// Run publishes snapshots until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishOnce(ctx)
		}
	}
}

func (p *Publisher) publishOnce(ctx context.Context) {
	prices := p.quotes.GetAllPrices()
	if len(prices) == 0 {
		return
	}

	err := p.breaker.Execute(func() error {
		return p.writeSnapshot(ctx, prices)
	})
	switch {
	case err == ErrCircuitOpen:
		// Breaker transition already logged; skip quietly.
	case err != nil:
		log.Printf("[redis] snapshot publish error (%d symbols): %v", len(prices), err)
	default:
		if p.OnPublish != nil {
			p.OnPublish(len(prices))
		}
	}
}

func (p *Publisher) writeSnapshot(ctx context.Context, prices map[string]float64) error {
	snapshot := make(map[string]interface{}, len(prices))
	pipe := p.client.Pipeline()
	for symbol, price := range prices {
		val := strconv.FormatFloat(price, 'f', -1, 64)
		pipe.Set(ctx, p.cfg.KeyPrefix+":latest:"+symbol, val, p.cfg.TTL)
		snapshot[symbol] = val
	}
	pipe.HSet(ctx, p.cfg.KeyPrefix+":snapshot", snapshot)
	pipe.Expire(ctx, p.cfg.KeyPrefix+":snapshot", p.cfg.TTL)
	pipe.Set(ctx, p.cfg.KeyPrefix+":snapshot:ts",
		strconv.FormatInt(time.Now().Unix(), 10), p.cfg.TTL)
	pipe.Publish(ctx, p.cfg.KeyPrefix+":updates", strconv.Itoa(len(prices)))

	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
