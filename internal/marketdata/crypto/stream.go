// Package crypto streams 24h tickers for the crypto symbols from the
// exchange and merges them, buffered, as live ticks.
package crypto

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"

	"marketpulse/internal/logger"
	"marketpulse/internal/model"
	"marketpulse/internal/symbols"
)

const (
	DefaultFlushInterval  = 500 * time.Millisecond
	DefaultReconnectDelay = 5 * time.Second
)

// ServeFunc opens a combined ticker stream. binance.WsCombinedMarketStatServe
// has this shape.
type ServeFunc func(symbols []string, handler func(*binance.WsMarketStatEvent), errHandler func(error)) (doneC, stopC chan struct{}, err error)

func binanceServe(syms []string, h func(*binance.WsMarketStatEvent), eh func(error)) (chan struct{}, chan struct{}, error) {
	return binance.WsCombinedMarketStatServe(syms, h, eh)
}

// Hooks are optional observers.
type Hooks struct {
	OnOpen  func()
	OnClose func(err error)
	OnFlush func(n int)
}

// Options configures a Stream.
type Options struct {
	FlushInterval  time.Duration
	ReconnectDelay time.Duration
	Serve          ServeFunc
	Now            func() time.Time
	Logger         *slog.Logger
}

// Stream owns the exchange ticker connection.
type Stream struct {
	table *symbols.Table
	sink  model.TickSink
	hooks Hooks
	opts  Options
	log   *slog.Logger

	mu     sync.Mutex
	open   bool
	buffer map[string]model.PriceTick
	ref    map[string]float64 // first open price seen per symbol
}

// New creates a stopped Stream.
func New(table *symbols.Table, sink model.TickSink, hooks Hooks, opts Options) *Stream {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Serve == nil {
		opts.Serve = binanceServe
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Stream{
		table:  table,
		sink:   sink,
		hooks:  hooks,
		opts:   opts,
		log:    logger.Component(opts.Logger, "crypto"),
		buffer: make(map[string]model.PriceTick),
		ref:    make(map[string]float64),
	}
}

// IsOpen reports whether the exchange stream is connected.
func (s *Stream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Run keeps the stream connected until ctx is cancelled, reconnecting
// after ReconnectDelay on every loss.
func (s *Stream) Run(ctx context.Context) {
	streams := s.table.CryptoSymbols()
	if len(streams) == 0 {
		s.log.Info("no crypto symbols configured")
		return
	}
	for i, sym := range streams {
		streams[i] = strings.ToLower(sym)
	}

	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		s.flushLoop(ctx)
	}()
	defer func() { <-flushDone }()

	for {
		err := s.serveOnce(ctx, streams)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("crypto stream lost, reconnecting", "delay", s.opts.ReconnectDelay, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.ReconnectDelay):
		}
	}
}

func (s *Stream) serveOnce(ctx context.Context, streams []string) error {
	var (
		errMu   sync.Mutex
		lastErr error
	)
	errHandler := func(err error) {
		errMu.Lock()
		lastErr = err
		errMu.Unlock()
	}

	doneC, stopC, err := s.opts.Serve(streams, s.handle, errHandler)
	if err != nil {
		return err
	}
	s.setOpen(true, nil)
	s.log.Info("crypto stream open", "symbols", len(streams))

	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
	case <-doneC:
	}

	errMu.Lock()
	err = lastErr
	errMu.Unlock()
	s.setOpen(false, err)
	s.flush()
	return err
}

func (s *Stream) setOpen(open bool, err error) {
	s.mu.Lock()
	s.open = open
	s.mu.Unlock()
	if open && s.hooks.OnOpen != nil {
		s.hooks.OnOpen()
	}
	if !open && s.hooks.OnClose != nil {
		s.hooks.OnClose(err)
	}
}

func (s *Stream) handle(ev *binance.WsMarketStatEvent) {
	if ev == nil {
		return
	}
	sym, ok := s.table.SymbolForCrypto(ev.Symbol)
	if !ok {
		return
	}
	last, err := strconv.ParseFloat(ev.LastPrice, 64)
	if err != nil || last <= 0 {
		return
	}
	open, _ := strconv.ParseFloat(ev.OpenPrice, 64)

	s.mu.Lock()
	defer s.mu.Unlock()
	ref, seen := s.ref[sym]
	if !seen {
		ref = open
		if ref <= 0 {
			ref = last
		}
		s.ref[sym] = ref
	}
	s.buffer[sym] = model.NewPriceTick(sym, last, ref, model.SourceCrypto, s.opts.Now())
}

func (s *Stream) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *Stream) flush() {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = make(map[string]model.PriceTick, len(batch))
	s.mu.Unlock()

	s.sink.Merge(batch, model.SourceCrypto)
	if s.hooks.OnFlush != nil {
		s.hooks.OnFlush(len(batch))
	}
}
