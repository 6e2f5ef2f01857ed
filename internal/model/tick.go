package model

import (
	"math"
	"time"
)

// Source identifies which feed produced a PriceTick.
type Source string

const (
	SourceSeed      Source = "seed"      // initial seed price, nothing received yet
	SourceStream    Source = "stream"    // primary provider websocket
	SourceBatch     Source = "batch"     // secondary batch quote API
	SourceCrypto    Source = "crypto"    // exchange ticker stream for crypto symbols
	SourceSimulated Source = "simulated" // synthetic random walk
)

// IsLive reports whether ticks from this source are real market data.
func (s Source) IsLive() bool {
	switch s {
	case SourceStream, SourceBatch, SourceCrypto:
		return true
	default:
		return false
	}
}

// PriceTick is the published per-symbol price state.
// Change and ChangePercent are always relative to ReferenceClose.
type PriceTick struct {
	Symbol         string    `json:"symbol"`
	Price          float64   `json:"price"`
	Change         float64   `json:"change"`
	ChangePercent  float64   `json:"changePercent"`
	ReferenceClose float64   `json:"referenceClose"`
	Source         Source    `json:"source"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// NewPriceTick builds a tick whose change fields are derived from price and
// referenceClose. A non-positive referenceClose yields zero change.
func NewPriceTick(symbol string, price, referenceClose float64, src Source, ts time.Time) PriceTick {
	t := PriceTick{
		Symbol:         symbol,
		Price:          price,
		ReferenceClose: referenceClose,
		Source:         src,
		UpdatedAt:      ts,
	}
	if referenceClose > 0 {
		t.Change = price - referenceClose
		t.ChangePercent = t.Change / referenceClose * 100
	}
	return t
}

// Consistent reports whether ChangePercent matches Change/ReferenceClose
// within tol.
func (t PriceTick) Consistent(tol float64) bool {
	if t.ReferenceClose <= 0 {
		return t.Change == 0 && t.ChangePercent == 0
	}
	return math.Abs(t.ChangePercent-t.Change/t.ReferenceClose*100) < tol
}
