// Package symbols holds the static mapping between application symbols and
// the identifiers used by each upstream feed. Tables are built and validated
// once at startup; lookups afterwards are read-only and safe for concurrent use.
package symbols

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"marketpulse/internal/model"
)

//go:embed symbols.yaml
var defaultTable []byte

type document struct {
	Instruments []model.Instrument `yaml:"instruments"`
}

// Table is a validated, bidirectional symbol mapping.
type Table struct {
	instruments []model.Instrument
	bySymbol    map[string]int

	streamToSymbol map[string]string
	batchToSymbol  map[string]string
	cryptoToSymbol map[string]string // keys upper-cased
}

// Default returns the embedded table.
func Default() (*Table, error) {
	return Parse(defaultTable)
}

// MustDefault is Default that panics; the embedded table is validated by tests.
func MustDefault() *Table {
	t, err := Default()
	if err != nil {
		panic(err)
	}
	return t
}

// LoadFile reads a YAML table from path.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("symbols: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML table.
func Parse(data []byte) (*Table, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("symbols: decode: %w", err)
	}
	return New(doc.Instruments)
}

// New validates instruments and builds the lookup tables.
// It fails if a streamable symbol lacks a batch id or if any reverse
// lookup would be ambiguous.
func New(instruments []model.Instrument) (*Table, error) {
	if len(instruments) == 0 {
		return nil, fmt.Errorf("symbols: empty table")
	}

	t := &Table{
		instruments:    make([]model.Instrument, 0, len(instruments)),
		bySymbol:       make(map[string]int, len(instruments)),
		streamToSymbol: make(map[string]string),
		batchToSymbol:  make(map[string]string),
		cryptoToSymbol: make(map[string]string),
	}

	for _, in := range instruments {
		if in.Symbol == "" {
			return nil, fmt.Errorf("symbols: entry with empty symbol")
		}
		if _, dup := t.bySymbol[in.Symbol]; dup {
			return nil, fmt.Errorf("symbols: duplicate symbol %q", in.Symbol)
		}
		if in.SeedPrice <= 0 {
			return nil, fmt.Errorf("symbols: %q: seed price must be positive, got %v", in.Symbol, in.SeedPrice)
		}
		if in.Class == "" {
			in.Class = model.AssetEquity
		}
		switch in.Class {
		case model.AssetEquity, model.AssetIndex, model.AssetCommodity, model.AssetCrypto, model.AssetGlobal:
		default:
			return nil, fmt.Errorf("symbols: %q: unknown asset class %q", in.Symbol, in.Class)
		}
		if in.Streamable() && in.BatchSymbol == "" {
			return nil, fmt.Errorf("symbols: %q: stream key %q has no batch symbol", in.Symbol, in.StreamKey)
		}

		if err := claim(t.streamToSymbol, in.StreamKey, in.Symbol, "stream key"); err != nil {
			return nil, err
		}
		if err := claim(t.batchToSymbol, in.BatchSymbol, in.Symbol, "batch symbol"); err != nil {
			return nil, err
		}
		in.CryptoSymbol = strings.ToUpper(in.CryptoSymbol)
		if err := claim(t.cryptoToSymbol, in.CryptoSymbol, in.Symbol, "crypto symbol"); err != nil {
			return nil, err
		}

		t.bySymbol[in.Symbol] = len(t.instruments)
		t.instruments = append(t.instruments, in)
	}
	return t, nil
}

func claim(m map[string]string, key, symbol, kind string) error {
	if key == "" {
		return nil
	}
	if prev, ok := m[key]; ok {
		return fmt.Errorf("symbols: %s %q maps to both %q and %q", kind, key, prev, symbol)
	}
	m[key] = symbol
	return nil
}

// Len returns the number of tracked symbols.
func (t *Table) Len() int { return len(t.instruments) }

// Instruments returns a copy of all entries in table order.
func (t *Table) Instruments() []model.Instrument {
	out := make([]model.Instrument, len(t.instruments))
	copy(out, t.instruments)
	return out
}

// Symbols returns every application symbol in table order.
func (t *Table) Symbols() []string {
	out := make([]string, len(t.instruments))
	for i, in := range t.instruments {
		out[i] = in.Symbol
	}
	return out
}

// Instrument looks up an application symbol.
func (t *Table) Instrument(symbol string) (model.Instrument, bool) {
	i, ok := t.bySymbol[symbol]
	if !ok {
		return model.Instrument{}, false
	}
	return t.instruments[i], true
}

// Seed returns the simulator seed price for symbol (0 if unknown).
func (t *Table) Seed(symbol string) float64 {
	in, _ := t.Instrument(symbol)
	return in.SeedPrice
}

// StreamKeys returns every provider stream key, in table order.
func (t *Table) StreamKeys() []string {
	out := make([]string, 0, len(t.streamToSymbol))
	for _, in := range t.instruments {
		if in.StreamKey != "" {
			out = append(out, in.StreamKey)
		}
	}
	return out
}

// SymbolForStreamKey is the reverse stream lookup.
func (t *Table) SymbolForStreamKey(key string) (string, bool) {
	s, ok := t.streamToSymbol[key]
	return s, ok
}

// BatchSymbols returns every batch-API symbol, in table order.
func (t *Table) BatchSymbols() []string {
	out := make([]string, 0, len(t.batchToSymbol))
	for _, in := range t.instruments {
		if in.BatchSymbol != "" {
			out = append(out, in.BatchSymbol)
		}
	}
	return out
}

// SymbolForBatch is the reverse batch lookup.
func (t *Table) SymbolForBatch(batch string) (string, bool) {
	s, ok := t.batchToSymbol[batch]
	return s, ok
}

// CryptoSymbols returns the exchange symbols, sorted.
func (t *Table) CryptoSymbols() []string {
	out := make([]string, 0, len(t.cryptoToSymbol))
	for k := range t.cryptoToSymbol {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SymbolForCrypto is the reverse crypto lookup (case-insensitive).
func (t *Table) SymbolForCrypto(exchangeSymbol string) (string, bool) {
	s, ok := t.cryptoToSymbol[strings.ToUpper(exchangeSymbol)]
	return s, ok
}
