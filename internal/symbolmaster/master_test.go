package symbolmaster

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleScrips = `[
	{"token":"2885","symbol":"RELIANCE-EQ","name":"RELIANCE","exch_seg":"NSE","instrumenttype":"","lotsize":"1","tick_size":"5.000000"},
	{"token":"11536","symbol":"TCS-EQ","name":"TCS","exch_seg":"NSE","instrumenttype":"","lotsize":"1","tick_size":"5.000000"},
	{"token":"3045","symbol":"SBIN-BE","name":"SBIN","exch_seg":"NSE","instrumenttype":"","lotsize":"1","tick_size":"5.000000"},
	{"token":"500325","symbol":"RELIANCE","name":"RELIANCE","exch_seg":"BSE","instrumenttype":"","lotsize":"1","tick_size":"5.000000"},
	{"token":"junk","symbol":"BAD-EQ","name":"BAD","exch_seg":"NSE","instrumenttype":"","lotsize":"1","tick_size":"5.000000"}
]`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scrips.json")
	if err := os.WriteFile(path, []byte(sampleScrips), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 instruments (NSE -EQ only, bad token skipped), got %d", m.Len())
	}

	inst, ok := m.Resolve("RELIANCE")
	if !ok {
		t.Fatal("RELIANCE should resolve")
	}
	if inst.Token != 2885 || inst.TradingSymbol != "RELIANCE-EQ" {
		t.Fatalf("unexpected instrument: %+v", inst)
	}
	if inst.TickSize != 0.05 {
		t.Fatalf("tick size should be converted from paise, got %v", inst.TickSize)
	}
	if inst.ExchangeSegment != SegmentNSECM {
		t.Fatalf("expected NSE cash segment, got %d", inst.ExchangeSegment)
	}

	if _, ok := m.Resolve("SBIN"); ok {
		t.Fatal("non -EQ series must be excluded")
	}
	if _, ok := m.Resolve("UNKNOWN"); ok {
		t.Fatal("unknown symbol must not resolve")
	}
}

func TestLoadFileRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scrips.json")
	if err := os.WriteFile(path, []byte(`[]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("empty scrip master must fail")
	}
}

func TestNewStatic(t *testing.T) {
	m := NewStatic(nil)
	if _, ok := m.Resolve("X"); ok {
		t.Fatal("empty static master must not resolve")
	}
}
