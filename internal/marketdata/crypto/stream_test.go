package crypto

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	binance "github.com/adshao/go-binance/v2"

	"marketpulse/internal/model"
	"marketpulse/internal/symbols"
)

type merge struct {
	ticks map[string]model.PriceTick
	src   model.Source
}

type recordingSink struct {
	mu     sync.Mutex
	merges []merge
}

func (r *recordingSink) Merge(ticks map[string]model.PriceTick, src model.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merges = append(r.merges, merge{ticks, src})
}

func (r *recordingSink) all() []merge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]merge(nil), r.merges...)
}

// fakeExchange hands the handler to the test and lets it end sessions.
type fakeExchange struct {
	mu       sync.Mutex
	sessions int
	streams  []string
	handler  func(*binance.WsMarketStatEvent)
	errH     func(error)
	done     chan struct{}
	failNext bool
}

func (f *fakeExchange) serve(syms []string, h func(*binance.WsMarketStatEvent), eh func(error)) (chan struct{}, chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, nil, errors.New("dial failed")
	}
	f.sessions++
	f.streams = syms
	f.handler = h
	f.errH = eh
	done := make(chan struct{})
	stop := make(chan struct{})
	f.done = done
	go func() {
		<-stop
		select {
		case <-done:
		default:
			close(done)
		}
	}()
	return done, stop, nil
}

func (f *fakeExchange) send(ev *binance.WsMarketStatEvent) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(ev)
}

// drop ends the current session as the exchange would on error.
func (f *fakeExchange) drop(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errH(err)
	close(f.done)
}

func (f *fakeExchange) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func start(t *testing.T, ex *fakeExchange, sink *recordingSink) (*Stream, context.CancelFunc, chan struct{}) {
	t.Helper()
	s := New(symbols.MustDefault(), sink, Hooks{}, Options{
		FlushInterval:  20 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
		Serve:          ex.serve,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, cancel, done
}

func TestStream_MergesCryptoTicks(t *testing.T) {
	ex := &fakeExchange{}
	sink := &recordingSink{}
	s, _, _ := start(t, ex, sink)
	waitFor(t, s.IsOpen)

	ex.mu.Lock()
	streams := ex.streams
	ex.mu.Unlock()
	found := false
	for _, st := range streams {
		if st == "btcusdt" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected lower-case btcusdt among %v", streams)
	}

	ex.send(&binance.WsMarketStatEvent{Symbol: "BTCUSDT", LastPrice: "101000", OpenPrice: "100000"})
	waitFor(t, func() bool { return len(sink.all()) == 1 })

	m := sink.all()[0]
	if m.src != model.SourceCrypto {
		t.Errorf("expected crypto source, got %s", m.src)
	}
	btc := m.ticks["BTC"]
	if btc.Change != 1000 || btc.ChangePercent != 1 || btc.ReferenceClose != 100000 {
		t.Errorf("unexpected BTC tick %+v", btc)
	}
}

func TestStream_ReferenceIsFirstOpenSeen(t *testing.T) {
	ex := &fakeExchange{}
	sink := &recordingSink{}
	s, _, _ := start(t, ex, sink)
	waitFor(t, s.IsOpen)

	ex.send(&binance.WsMarketStatEvent{Symbol: "BTCUSDT", LastPrice: "101000", OpenPrice: "100000"})
	waitFor(t, func() bool { return len(sink.all()) == 1 })
	ex.send(&binance.WsMarketStatEvent{Symbol: "BTCUSDT", LastPrice: "99000", OpenPrice: "98000"})
	waitFor(t, func() bool { return len(sink.all()) == 2 })

	btc := sink.all()[1].ticks["BTC"]
	if btc.ReferenceClose != 100000 || btc.Change != -1000 {
		t.Errorf("reference must stay at the first open, got %+v", btc)
	}
}

func TestStream_IgnoresUnknownAndBadEvents(t *testing.T) {
	ex := &fakeExchange{}
	sink := &recordingSink{}
	s, _, _ := start(t, ex, sink)
	waitFor(t, s.IsOpen)

	ex.send(nil)
	ex.send(&binance.WsMarketStatEvent{Symbol: "XRPBTC", LastPrice: "1", OpenPrice: "1"})
	ex.send(&binance.WsMarketStatEvent{Symbol: "BTCUSDT", LastPrice: "n/a"})
	ex.send(&binance.WsMarketStatEvent{Symbol: "BTCUSDT", LastPrice: "0"})
	time.Sleep(60 * time.Millisecond)

	if n := len(sink.all()); n != 0 {
		t.Errorf("expected nothing merged, got %d merges", n)
	}
}

func TestStream_ReconnectsAfterLoss(t *testing.T) {
	ex := &fakeExchange{}
	sink := &recordingSink{}
	var closes atomic.Int32
	s := New(symbols.MustDefault(), sink, Hooks{OnClose: func(error) { closes.Add(1) }}, Options{
		FlushInterval:  20 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
		Serve:          ex.serve,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()
	defer func() { cancel(); <-done }()

	waitFor(t, s.IsOpen)
	ex.mu.Lock()
	ex.failNext = true
	ex.mu.Unlock()
	ex.drop(errors.New("read: connection reset"))

	waitFor(t, func() bool { return ex.sessionCount() == 2 && s.IsOpen() })
	if closes.Load() != 1 {
		t.Errorf("expected one close, got %d", closes.Load())
	}
}

func TestStream_StopsOnCancel(t *testing.T) {
	ex := &fakeExchange{}
	sink := &recordingSink{}
	s, cancel, done := start(t, ex, sink)
	waitFor(t, s.IsOpen)

	ex.send(&binance.WsMarketStatEvent{Symbol: "ETHUSDT", LastPrice: "3000", OpenPrice: "3000"})
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.IsOpen() {
		t.Error("stream should report closed")
	}
	if len(sink.all()) != 1 {
		t.Error("buffered ticks must be flushed on stop")
	}
}
