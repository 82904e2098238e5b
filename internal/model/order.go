package model

import "time"

// OrderStatus is the local lifecycle state of a tracked buy order.
type OrderStatus string

const (
	StatusPlaced    OrderStatus = "PLACED"
	StatusExecuted  OrderStatus = "EXECUTED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether the status is an end state.
func (s OrderStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusRejected || s == StatusCancelled
}

// TrackedBuyOrder is a buy order the reconciler is following to a terminal
// state. RecordID points at the durable row in the order store; OrderID is the
// broker order id when known, otherwise the internally generated id.
type TrackedBuyOrder struct {
	OrderID  string      `json:"order_id"`
	Symbol   string      `json:"symbol"`
	Qty      float64     `json:"qty"`
	Status   OrderStatus `json:"status"`
	PlacedAt time.Time   `json:"placed_at"`
	RecordID int64       `json:"record_id"`
}

// ActiveSellOrder is the single protective sell standing against an open
// position. ReferenceLevel is the trailing level the order was placed at.
type ActiveSellOrder struct {
	Symbol         string    `json:"symbol"`
	OrderID        string    `json:"order_id"`
	ReferenceLevel float64   `json:"reference_level"`
	PlacedAt       time.Time `json:"placed_at"`
}

// OrderReport is one row of the broker-reported order book.
type OrderReport struct {
	OrderID       string    `json:"order_id"`
	TradingSymbol string    `json:"trading_symbol"`
	Status        string    `json:"status"` // broker-defined, e.g. "complete", "rejected"
	StatusMessage string    `json:"status_message"`
	FilledQty     float64   `json:"filled_qty"`
	AvgPrice      float64   `json:"avg_price"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OrderParams is the request payload for placing an order with the broker.
type OrderParams struct {
	TradingSymbol   string  `json:"trading_symbol"`
	Token           int64   `json:"symbol_token"`
	Exchange        string  `json:"exchange"`         // NSE, BSE
	TransactionType string  `json:"transaction_type"` // BUY, SELL
	OrderType       string  `json:"order_type"`       // MARKET, LIMIT
	ProductType     string  `json:"product_type"`     // DELIVERY, INTRADAY
	Variety         string  `json:"variety"`          // NORMAL, AMO
	Qty             float64 `json:"qty"`
	Price           float64 `json:"price"` // limit price, 0 for market
}
