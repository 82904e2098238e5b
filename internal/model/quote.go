package model

import "time"

// QuoteEntry is a point-in-time last-traded-price snapshot for one symbol.
// The quote cache replaces the whole entry on every tick and hands out copies,
// so callers never observe a partially-written quote.
type QuoteEntry struct {
	Symbol        string    `json:"symbol"`
	TradingSymbol string    `json:"trading_symbol"`
	Token         int64     `json:"instrument_token"`
	LastPrice     float64   `json:"last_price"`
	ObservedAt    time.Time `json:"observed_at"` // UTC arrival time of the tick
}

// Age returns how old this quote is relative to now.
func (q QuoteEntry) Age(now time.Time) time.Duration {
	return now.Sub(q.ObservedAt)
}

// Subscription ties a symbol to its streaming identity on the feed.
// A symbol has at most one active subscription.
type Subscription struct {
	Symbol          string `json:"symbol"`
	Token           int64  `json:"instrument_token"`
	WireToken       string `json:"-"` // token in feed wire form, see Instrument.TokenString
	ExchangeSegment int    `json:"exchange_segment"`
}
