package symbols

import (
	"strings"
	"testing"

	"marketpulse/internal/model"
)

func TestDefaultTable_Valid(t *testing.T) {
	tbl, err := Default()
	if err != nil {
		t.Fatalf("embedded table invalid: %v", err)
	}
	if tbl.Len() == 0 {
		t.Fatal("expected non-empty table")
	}

	// Every streamable symbol has exactly one stream key and one batch symbol,
	// and the reverse lookups resolve back to it.
	for _, in := range tbl.Instruments() {
		if !in.Streamable() {
			continue
		}
		if in.BatchSymbol == "" {
			t.Errorf("%s: streamable but no batch symbol", in.Symbol)
		}
		if got, ok := tbl.SymbolForStreamKey(in.StreamKey); !ok || got != in.Symbol {
			t.Errorf("stream reverse lookup %q: got %q, want %q", in.StreamKey, got, in.Symbol)
		}
		if got, ok := tbl.SymbolForBatch(in.BatchSymbol); !ok || got != in.Symbol {
			t.Errorf("batch reverse lookup %q: got %q, want %q", in.BatchSymbol, got, in.Symbol)
		}
	}
}

func TestDefaultTable_KnownEntries(t *testing.T) {
	tbl := MustDefault()

	sym, ok := tbl.SymbolForStreamKey("NSE_INDEX|Nifty 50")
	if !ok || sym != "NIFTY 50" {
		t.Errorf("expected NIFTY 50, got %q (ok=%v)", sym, ok)
	}
	if seed := tbl.Seed("NIFTY 50"); seed != 26000 {
		t.Errorf("expected NIFTY 50 seed 26000, got %v", seed)
	}
	sym, ok = tbl.SymbolForCrypto("btcusdt")
	if !ok || sym != "BTC" {
		t.Errorf("crypto lookup should be case-insensitive, got %q (ok=%v)", sym, ok)
	}
	in, _ := tbl.Instrument("ETH")
	if in.Class != model.AssetCrypto {
		t.Errorf("expected ETH to be crypto, got %s", in.Class)
	}
}

func TestNew_RejectsAmbiguousStreamKey(t *testing.T) {
	_, err := New([]model.Instrument{
		{Symbol: "A", SeedPrice: 1, StreamKey: "X|1", BatchSymbol: "A"},
		{Symbol: "B", SeedPrice: 1, StreamKey: "X|1", BatchSymbol: "B"},
	})
	if err == nil || !strings.Contains(err.Error(), "stream key") {
		t.Fatalf("expected ambiguous stream key error, got %v", err)
	}
}

func TestNew_RejectsAmbiguousBatchSymbol(t *testing.T) {
	_, err := New([]model.Instrument{
		{Symbol: "A", SeedPrice: 1, BatchSymbol: "Z"},
		{Symbol: "B", SeedPrice: 1, BatchSymbol: "Z"},
	})
	if err == nil {
		t.Fatal("expected ambiguous batch symbol error")
	}
}

func TestNew_RejectsStreamWithoutBatch(t *testing.T) {
	_, err := New([]model.Instrument{
		{Symbol: "A", SeedPrice: 1, StreamKey: "X|1"},
	})
	if err == nil {
		t.Fatal("expected error for streamable symbol without batch id")
	}
}

func TestNew_RejectsBadSeedAndDuplicates(t *testing.T) {
	if _, err := New([]model.Instrument{{Symbol: "A", SeedPrice: 0}}); err == nil {
		t.Error("expected error for zero seed")
	}
	if _, err := New([]model.Instrument{{Symbol: "A", SeedPrice: 1}, {Symbol: "A", SeedPrice: 2}}); err == nil {
		t.Error("expected error for duplicate symbol")
	}
	if _, err := New([]model.Instrument{{Symbol: "A", SeedPrice: 1, Class: "bonds"}}); err == nil {
		t.Error("expected error for unknown asset class")
	}
}

func TestParse_DefaultsClass(t *testing.T) {
	tbl, err := Parse([]byte("instruments:\n  - {symbol: FOO, seed: 10}\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	in, ok := tbl.Instrument("FOO")
	if !ok || in.Class != model.AssetEquity {
		t.Errorf("expected FOO equity, got %+v", in)
	}
	if len(tbl.StreamKeys()) != 0 {
		t.Errorf("expected no stream keys")
	}
}
