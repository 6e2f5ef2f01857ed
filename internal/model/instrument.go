package model

// AssetClass groups symbols for simulation volatility and display.
type AssetClass string

const (
	AssetEquity    AssetClass = "equity"
	AssetIndex     AssetClass = "index"
	AssetCommodity AssetClass = "commodity"
	AssetCrypto    AssetClass = "crypto"
	AssetGlobal    AssetClass = "global"
)

// Instrument is one tracked application symbol and its provider identifiers.
type Instrument struct {
	Symbol    string     `yaml:"symbol" json:"symbol"`
	Class     AssetClass `yaml:"class" json:"class"`
	SeedPrice float64    `yaml:"seed" json:"seed"`

	StreamKey    string `yaml:"stream,omitempty" json:"stream,omitempty"` // e.g. "NSE_INDEX|Nifty 50"
	BatchSymbol  string `yaml:"batch,omitempty" json:"batch,omitempty"`   // e.g. "^NSEI"
	CryptoSymbol string `yaml:"crypto,omitempty" json:"crypto,omitempty"` // e.g. "BTCUSDT"
}

// Streamable reports whether the primary feed carries this symbol.
func (i *Instrument) Streamable() bool { return i.StreamKey != "" }
