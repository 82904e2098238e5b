// Package symbolmaster resolves internal symbol names to broker
// instruments. The mapping is loaded once from the Angel One scrip master
// dump (JSON array) and held in memory; lookups are read-only after load.
package symbolmaster

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"trading-agentv1/internal/model"
)

// Exchange segment codes used by the streaming feed.
const (
	SegmentNSECM = 1
	SegmentNSEFO = 2
	SegmentBSECM = 3
)

// scripRow is one entry of the scrip master dump.
type scripRow struct {
	Token          string `json:"token"`
	Symbol         string `json:"symbol"` // trading symbol, e.g. "RELIANCE-EQ"
	Name           string `json:"name"`   // e.g. "RELIANCE"
	Exchange       string `json:"exch_seg"`
	InstrumentType string `json:"instrumenttype"`
	LotSize        string `json:"lotsize"`
	TickSize       string `json:"tick_size"`
}

// Master implements model.SymbolMaster.
type Master struct {
	byName map[string]model.Instrument
}

// LoadFile reads a scrip master JSON dump and keeps NSE cash-market
// equities. Rows that fail to parse are skipped.
func LoadFile(path string) (*Master, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("symbolmaster: read %s: %w", path, err)
	}

	var rows []scripRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("symbolmaster: parse %s: %w", path, err)
	}

	byName := make(map[string]model.Instrument)
	skipped := 0
	for _, row := range rows {
		if row.Exchange != "NSE" || !strings.HasSuffix(row.Symbol, "-EQ") {
			continue
		}
		token, err := strconv.ParseInt(row.Token, 10, 64)
		if err != nil {
			skipped++
			continue
		}
		tick, err := strconv.ParseFloat(row.TickSize, 64)
		if err != nil || tick <= 0 {
			tick = 0.05
		}
		lot, err := strconv.Atoi(row.LotSize)
		if err != nil || lot <= 0 {
			lot = 1
		}
		// Scrip master quotes tick size in paise.
		byName[row.Name] = model.Instrument{
			Symbol:          row.Name,
			TradingSymbol:   row.Symbol,
			Token:           token,
			Exchange:        "NSE",
			ExchangeSegment: SegmentNSECM,
			LotSize:         lot,
			TickSize:        tick / 100,
		}
	}
	if len(byName) == 0 {
		return nil, fmt.Errorf("symbolmaster: no NSE equities found in %s", path)
	}

	log.Printf("[symbolmaster] loaded %d instruments from %s (%d rows skipped)", len(byName), path, skipped)
	return &Master{byName: byName}, nil
}

// NewStatic builds a master from a fixed instrument list. Used in tests and
// for small watchlists configured directly.
func NewStatic(instruments []model.Instrument) *Master {
	byName := make(map[string]model.Instrument, len(instruments))
	for _, inst := range instruments {
		byName[inst.Symbol] = inst
	}
	return &Master{byName: byName}
}

// Resolve returns the instrument for a symbol, ok=false if unknown.
func (m *Master) Resolve(symbol string) (model.Instrument, bool) {
	inst, ok := m.byName[symbol]
	return inst, ok
}

// Len returns the number of loaded instruments.
func (m *Master) Len() int { return len(m.byName) }
