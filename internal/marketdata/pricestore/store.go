// Package pricestore is the single merged view of per-symbol prices that
// every reader consumes, plus the live/simulated flag.
package pricestore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketpulse/internal/logger"
	"marketpulse/internal/marketdata/bus"
	"marketpulse/internal/model"
	"marketpulse/internal/symbols"
)

// Update is what subscribers receive after each merge.
type Update struct {
	Seq       uint64                     `json:"seq"`
	Source    model.Source               `json:"source"`
	Live      bool                       `json:"live"`
	UpdatedAt time.Time                  `json:"ts"`
	Ticks     map[string]model.PriceTick `json:"data"` // only the merged symbols
}

// Snapshot is the full state at one instant.
type Snapshot struct {
	Seq       uint64                     `json:"seq"`
	Live      bool                       `json:"live"`
	UpdatedAt time.Time                  `json:"ts"`
	Prices    map[string]model.PriceTick `json:"data"`
}

// Connector is the primary stream as seen by Refresh.
type Connector interface {
	Connect(ctx context.Context) bool
	IsOpen() bool
}

// Simulator runs one simulation cycle.
type Simulator interface {
	Simulate() int
}

// TokenSource reports the current access token.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context) (string, error)
}

// Options configures a Store.
type Options struct {
	Now    func() time.Time
	Logger *slog.Logger

	// Tokens, when set, limits the simulation in Refresh to the case where
	// no access token is available. Without it every failed connect
	// simulates.
	Tokens TokenSource

	OnMerge func(src model.Source, n int)
	OnDrop  func()
}

// Store holds the latest tick per symbol. Merge is atomic for readers.
type Store struct {
	now     func() time.Time
	log     *slog.Logger
	onMerge func(src model.Source, n int)
	tokens  TokenSource

	mu          sync.RWMutex
	prices      map[string]model.PriceTick
	usingLive   bool
	lastUpdated time.Time
	seq         uint64

	fanout *bus.FanOut[Update]

	wireMu sync.RWMutex
	conn   Connector
	sim    Simulator
}

// New seeds every symbol at its seed price.
func New(table *symbols.Table, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		now:     opts.Now,
		log:     logger.Component(opts.Logger, "pricestore"),
		onMerge: opts.OnMerge,
		tokens:  opts.Tokens,
		prices:  make(map[string]model.PriceTick, table.Len()),
		fanout:  bus.New[Update](),
	}
	if opts.OnDrop != nil {
		s.fanout.OnDrop = func(int) { opts.OnDrop() }
	}
	ts := s.now()
	for _, in := range table.Instruments() {
		s.prices[in.Symbol] = model.NewPriceTick(in.Symbol, in.SeedPrice, in.SeedPrice, model.SourceSeed, ts)
	}
	s.lastUpdated = ts
	return s
}

// Attach wires the stream and the simulator used by Refresh. The stream
// itself writes into the store, so it is attached after construction.
func (s *Store) Attach(conn Connector, sim Simulator) {
	s.wireMu.Lock()
	s.conn, s.sim = conn, sim
	s.wireMu.Unlock()
}

// Merge applies a batch of ticks in one step and notifies subscribers.
// Stream and batch merges set the live flag, simulated merges clear it.
// Crypto merges leave it alone: they only cover the crypto symbols.
func (s *Store) Merge(ticks map[string]model.PriceTick, src model.Source) {
	if len(ticks) == 0 {
		return
	}

	s.mu.Lock()
	for sym, t := range ticks {
		s.prices[sym] = t
	}
	switch src {
	case model.SourceStream, model.SourceBatch:
		s.usingLive = true
	case model.SourceSimulated:
		s.usingLive = false
	}
	s.lastUpdated = s.now()
	s.seq++
	up := Update{
		Seq:       s.seq,
		Source:    src,
		Live:      s.usingLive,
		UpdatedAt: s.lastUpdated,
		Ticks:     copyTicks(ticks),
	}
	// Published under the lock so subscribers see updates in seq order;
	// Publish never blocks.
	s.fanout.Publish(up)
	s.mu.Unlock()

	if s.onMerge != nil {
		s.onMerge(src, len(ticks))
	}
}

// Snapshot returns a copy of the full state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Seq:       s.seq,
		Live:      s.usingLive,
		UpdatedAt: s.lastUpdated,
		Prices:    copyTicks(s.prices),
	}
}

// Get returns the latest tick for symbol.
func (s *Store) Get(symbol string) (model.PriceTick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.prices[symbol]
	return t, ok
}

// UsingLive reports whether the latest primary data is real.
func (s *Store) UsingLive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usingLive
}

// LastUpdated returns the time of the latest merge.
func (s *Store) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdated
}

// Connected reports whether the primary stream socket is open.
func (s *Store) Connected() bool {
	s.wireMu.RLock()
	conn := s.conn
	s.wireMu.RUnlock()
	return conn != nil && conn.IsOpen()
}

// Subscribe registers for updates. Slow subscribers lose updates rather
// than block merges. The returned func unsubscribes.
func (s *Store) Subscribe(buf int) (<-chan Update, func()) {
	return s.fanout.Subscribe(buf)
}

// Subscribers returns the number of active subscriptions.
func (s *Store) Subscribers() int { return s.fanout.Len() }

// Refresh tries to get the live stream up. If it cannot for lack of an
// access token, one simulation cycle runs right away so readers are never
// left on stale data. It reports whether the stream is open afterwards.
func (s *Store) Refresh(ctx context.Context) bool {
	s.wireMu.RLock()
	conn, sim := s.conn, s.sim
	s.wireMu.RUnlock()

	if conn != nil {
		if conn.IsOpen() {
			return true
		}
		if conn.Connect(ctx) {
			return true
		}
	}
	if s.tokens != nil {
		if tok, err := s.tokens.GetValidAccessToken(ctx); err == nil && tok != "" {
			s.log.Info("live feed not up yet, leaving prices to the fallback cycle")
			return false
		}
	}
	if sim != nil {
		n := sim.Simulate()
		s.log.Info("live feed unavailable on refresh, simulated", "symbols", n)
	}
	return false
}

// Close ends every subscription.
func (s *Store) Close() { s.fanout.Close() }

func copyTicks(in map[string]model.PriceTick) map[string]model.PriceTick {
	out := make(map[string]model.PriceTick, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
