package quotecache

import "time"

// PriceUpdate is one decoded price tick from the streaming feed. The vendor
// adapter decodes wire frames into this shape; the cache never sees raw bytes.
type PriceUpdate struct {
	Token     int64
	LastPrice float64
	At        time.Time
}

// TokenGroup batches instrument tokens by exchange segment for a single
// subscribe/unsubscribe request.
type TokenGroup struct {
	ExchangeSegment int
	Tokens          []string
}

// Handlers are the four event callback slots the cache installs on the stream.
// Nil funcs are treated as no-ops, so a zero Handlers detaches everything.
type Handlers struct {
	OnMessage func(updates []PriceUpdate)
	OnOpen    func()
	OnClose   func()
	OnError   func(err error)
}

// Stream is the surface the cache requires from a streaming market-data
// connection. One adapter implements it per vendor SDK; the cache owns
// reconnection policy, the adapter owns framing and transport.
type Stream interface {
	// Connect (re)establishes the connection. Safe to call again after a
	// disconnect; the adapter replaces any previous socket.
	Connect() error

	// Subscribe sends one batched subscribe request. An error means the
	// batch was not accepted and none of the tokens should be considered
	// subscribed upstream.
	Subscribe(groups []TokenGroup) error

	// Unsubscribe sends one batched unsubscribe request.
	Unsubscribe(groups []TokenGroup) error

	// SetHandlers installs or replaces the event callbacks.
	SetHandlers(h Handlers)

	// Close tears down the connection. Idempotent.
	Close()
}
