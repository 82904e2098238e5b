// Package broker adapts the Angel One SmartAPI client onto the typed Broker
// port. All vendor payload quirks (map shapes, string numbers, status
// casing) are contained here.
package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"trading-agentv1/internal/model"
	"trading-agentv1/pkg/smartconnect"
)

// orderUpdateTimeLayout is the broker's order book timestamp format (IST).
const orderUpdateTimeLayout = "02-Jan-2006 15:04:05"

// Angel implements model.Broker over a SmartConnect session.
type Angel struct {
	sc *smartconnect.SmartConnect
}

// NewAngel wraps an authenticated SmartConnect client.
func NewAngel(sc *smartconnect.SmartConnect) *Angel {
	return &Angel{sc: sc}
}

// Client exposes the underlying SmartConnect client for feed-token access.
func (a *Angel) Client() *smartconnect.SmartConnect { return a.sc }

// PlaceOrder submits an order and returns the broker order id.
func (a *Angel) PlaceOrder(p model.OrderParams) (string, error) {
	params := map[string]any{
		"tradingsymbol":   p.TradingSymbol,
		"symboltoken":     strconv.FormatInt(p.Token, 10),
		"exchange":        p.Exchange,
		"transactiontype": p.TransactionType,
		"ordertype":       p.OrderType,
		"producttype":     p.ProductType,
		"variety":         p.Variety,
		"duration":        "DAY",
		"quantity":        strconv.FormatFloat(p.Qty, 'f', -1, 64),
	}
	if p.OrderType == "LIMIT" {
		params["price"] = strconv.FormatFloat(p.Price, 'f', 2, 64)
	}
	oid, err := a.sc.PlaceOrder(params)
	if err != nil {
		return "", fmt.Errorf("broker: place %s %s: %w", p.TransactionType, p.TradingSymbol, err)
	}
	return oid, nil
}

// CancelOrder cancels an open order.
func (a *Angel) CancelOrder(orderID, variety string) error {
	if variety == "" {
		variety = "NORMAL"
	}
	if err := a.sc.CancelOrder(orderID, variety); err != nil {
		return fmt.Errorf("broker: cancel %s: %w", orderID, err)
	}
	return nil
}

// GetOrders returns the broker order book as typed reports.
func (a *Angel) GetOrders() ([]model.OrderReport, error) {
	rows, err := a.sc.OrderBook()
	if err != nil {
		return nil, fmt.Errorf("broker: order book: %w", err)
	}
	reports := make([]model.OrderReport, 0, len(rows))
	for _, row := range rows {
		reports = append(reports, model.OrderReport{
			OrderID:       asString(row["orderid"]),
			TradingSymbol: asString(row["tradingsymbol"]),
			Status:        strings.ToLower(asString(row["status"])),
			StatusMessage: asString(row["text"]),
			FilledQty:     asFloat(row["filledshares"]),
			AvgPrice:      asFloat(row["averageprice"]),
			UpdatedAt:     parseUpdateTime(asString(row["updatetime"])),
		})
	}
	return reports, nil
}

// AvailableFunds returns the cash available for new trades.
func (a *Angel) AvailableFunds() (float64, error) {
	data, err := a.sc.RMSLimit()
	if err != nil {
		return 0, fmt.Errorf("broker: rms limit: %w", err)
	}
	return asFloat(data["availablecash"]), nil
}

// Logout terminates the broker session.
func (a *Angel) Logout() error {
	return a.sc.TerminateSession()
}

func parseUpdateTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(orderUpdateTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// The order book mixes string and numeric encodings for the same fields
// across API versions; normalize both.

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case int64:
		return float64(t)
	default:
		return 0
	}
}
