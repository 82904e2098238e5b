package model

import "time"

// OpenPosition is a holding created when a buy order executes. ClosedAt is nil
// while the position is live; the protective sell path sets it on fill.
type OpenPosition struct {
	ID       int64      `json:"id"`
	Symbol   string     `json:"symbol"`
	Qty      float64    `json:"qty"`
	AvgPrice float64    `json:"avg_price"`
	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

// Open reports whether the position is still live.
func (p *OpenPosition) Open() bool {
	return p.ClosedAt == nil
}

// UnrealizedPnL computes unrealized profit/loss at the given market price.
func (p *OpenPosition) UnrealizedPnL(lastPrice float64) float64 {
	return (lastPrice - p.AvgPrice) * p.Qty
}
