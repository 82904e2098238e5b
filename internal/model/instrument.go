package model

import "strconv"

// Instrument represents a tradeable instrument from the broker scrip master.
type Instrument struct {
	Symbol          string  `json:"symbol"`         // internal name, e.g. "RELIANCE"
	TradingSymbol   string  `json:"trading_symbol"` // broker symbol, e.g. "RELIANCE-EQ"
	Token           int64   `json:"token"`
	Exchange        string  `json:"exchange"` // NSE, BSE
	ExchangeSegment int     `json:"exchange_segment"`
	LotSize         int     `json:"lot_size"`
	TickSize        float64 `json:"tick_size"` // minimum price increment
}

// TokenString returns the token in the wire form the streaming feed expects.
func (i *Instrument) TokenString() string {
	return strconv.FormatInt(i.Token, 10)
}
