// Package fallback keeps prices moving when the primary stream is down:
// first from the batch quote API, and when that fails too, from a labelled
// random walk around each symbol's seed price.
package fallback

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/logger"
	"marketpulse/internal/model"
	"marketpulse/internal/symbols"
)

// DefaultInterval is the polling cadence.
const DefaultInterval = 5 * time.Second

// Per-step volatility bands.
const (
	CryptoVolatility  = 0.005
	DefaultVolatility = 0.002
)

// Fetcher is the batch quote surface. *BatchClient implements it.
type Fetcher interface {
	Fetch(ctx context.Context, symbols []string) ([]Quote, error)
}

// Prices reads the current published price of a symbol.
type Prices interface {
	Get(symbol string) (model.PriceTick, bool)
}

// Liveness reports whether a live source is currently connected.
type Liveness interface {
	IsOpen() bool
}

// Hooks are optional observers.
type Hooks struct {
	OnBatch    func(result string, n int) // result: ok, empty, error, skipped
	OnSimulate func(n int)
}

// Options configures a Sampler.
type Options struct {
	Interval time.Duration
	Stream   Liveness // sampling pauses while this is open
	Crypto   Liveness // crypto symbols are not simulated while this is open
	Rand     *rand.Rand
	Now      func() time.Time
	Logger   *slog.Logger
}

// Sampler merges batch or simulated ticks into a sink.
type Sampler struct {
	table  *symbols.Table
	batch  Fetcher
	prices Prices
	sink   model.TickSink
	hooks  Hooks
	opts   Options
	log    *slog.Logger

	mu        sync.Mutex // serialises samples and guards rng and lastBatch
	rng       *rand.Rand
	lastBatch bool // previous cycle merged batch data
}

// New creates a Sampler. batch may be nil, in which case only simulation runs.
func New(table *symbols.Table, batch Fetcher, prices Prices, sink model.TickSink, hooks Hooks, opts Options) *Sampler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Sampler{
		table:  table,
		batch:  batch,
		prices: prices,
		sink:   sink,
		hooks:  hooks,
		opts:   opts,
		log:    logger.Component(opts.Logger, "fallback"),
		rng:    rng,
	}
}

// Run samples every interval while the primary stream is not open.
// Blocks until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.log.Info("fallback sampler started", "interval", s.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("fallback sampler stopped")
			return
		case <-ticker.C:
			if s.opts.Stream != nil && s.opts.Stream.IsOpen() {
				continue
			}
			s.Sample(ctx)
		}
	}
}

// Sample runs one polling cycle: batch first, simulation when batch yields
// nothing. A cycle the limiter rejects right after a good batch keeps the
// batch prices as they are. It returns the source the table now carries.
func (s *Sampler) Sample(ctx context.Context) model.Source {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, limited := s.sampleBatch(ctx)
	switch {
	case n > 0:
		s.lastBatch = true
		return model.SourceBatch
	case limited && s.lastBatch:
		return model.SourceBatch
	}
	s.lastBatch = false
	s.simulateLocked()
	return model.SourceSimulated
}

// Simulate runs the simulation branch on its own and returns how many
// symbols moved.
func (s *Sampler) Simulate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.simulateLocked()
}

// sampleBatch merges one batch response. limited reports a cycle the rate
// limiter turned away.
func (s *Sampler) sampleBatch(ctx context.Context) (n int, limited bool) {
	if s.batch == nil {
		return 0, false
	}
	skipCrypto := s.cryptoLive()
	wanted := s.batchSymbols(skipCrypto)
	if len(wanted) == 0 {
		return 0, false
	}
	quotes, err := s.batch.Fetch(ctx, wanted)
	if err != nil {
		result := "error"
		if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNotConfigured) {
			result = "skipped"
		} else {
			s.log.Warn("batch quote fetch failed, simulating", "error", err)
		}
		s.batchResult(result, 0)
		return 0, errors.Is(err, ErrRateLimited)
	}

	now := s.opts.Now()
	ticks := make(map[string]model.PriceTick, len(quotes))
	for _, q := range quotes {
		sym, ok := s.table.SymbolForBatch(q.Symbol)
		if !ok || q.CurrentPrice <= 0 {
			continue
		}
		if skipCrypto && s.isCrypto(sym) {
			continue
		}
		ticks[sym] = model.NewPriceTick(sym, q.CurrentPrice, q.ReferenceClose(), model.SourceBatch, now)
	}
	if len(ticks) == 0 {
		s.log.Debug("batch quote response carried no usable quotes")
		s.batchResult("empty", 0)
		return 0, false
	}

	s.sink.Merge(ticks, model.SourceBatch)
	s.batchResult("ok", len(ticks))
	return len(ticks), false
}

// cryptoLive reports whether crypto symbols have their own live feed, in
// which case neither batch nor simulation touches them.
func (s *Sampler) cryptoLive() bool {
	return s.opts.Crypto != nil && s.opts.Crypto.IsOpen()
}

func (s *Sampler) isCrypto(symbol string) bool {
	in, ok := s.table.Instrument(symbol)
	return ok && in.CryptoSymbol != ""
}

func (s *Sampler) batchSymbols(skipCrypto bool) []string {
	if !skipCrypto {
		return s.table.BatchSymbols()
	}
	var out []string
	for _, in := range s.table.Instruments() {
		if in.BatchSymbol != "" && in.CryptoSymbol == "" {
			out = append(out, in.BatchSymbol)
		}
	}
	return out
}

func (s *Sampler) batchResult(result string, n int) {
	if s.hooks.OnBatch != nil {
		s.hooks.OnBatch(result, n)
	}
}

func (s *Sampler) simulateLocked() int {
	skipCrypto := s.cryptoLive()
	now := s.opts.Now()

	ticks := make(map[string]model.PriceTick, s.table.Len())
	for _, in := range s.table.Instruments() {
		if skipCrypto && in.CryptoSymbol != "" {
			continue
		}
		current := in.SeedPrice
		if s.prices != nil {
			if t, ok := s.prices.Get(in.Symbol); ok && t.Price > 0 {
				current = t.Price
			}
		}
		v := DefaultVolatility
		if in.Class == model.AssetCrypto {
			v = CryptoVolatility
		}
		next := roundPrice(current * (1 + (s.rng.Float64()*2-1)*v))
		ticks[in.Symbol] = model.NewPriceTick(in.Symbol, next, in.SeedPrice, model.SourceSimulated, now)
	}
	if len(ticks) == 0 {
		return 0
	}

	s.sink.Merge(ticks, model.SourceSimulated)
	if s.hooks.OnSimulate != nil {
		s.hooks.OnSimulate(len(ticks))
	}
	return len(ticks)
}

// roundPrice keeps two decimals, four below 10.
func roundPrice(p float64) float64 {
	places := int32(2)
	if p < 10 {
		places = 4
	}
	f, _ := decimal.NewFromFloat(p).Round(places).Float64()
	return f
}
