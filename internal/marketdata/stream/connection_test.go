package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketpulse/internal/model"
	"marketpulse/internal/symbols"
	"marketpulse/pkg/upstox"
)

// ── fakes ──

type fakeTokens struct {
	mu        sync.Mutex
	token     string
	err       error
	gate      chan struct{} // when set, GetValidAccessToken waits on it
	listeners map[int]func(string)
	next      int
}

func newFakeTokens(token string) *fakeTokens {
	return &fakeTokens{token: token, listeners: map[int]func(string){}}
}

func (f *fakeTokens) GetValidAccessToken(context.Context) (string, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, f.err
}

func (f *fakeTokens) SubscribeToRefresh(fn func(string)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeTokens) fire(token string) {
	f.mu.Lock()
	fns := make([]func(string), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(token)
	}
}

func (f *fakeTokens) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

type fakeAuth struct {
	mu    sync.Mutex
	ok    bool
	calls int
}

func (a *fakeAuth) Authorize(_ context.Context, tok string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if !a.ok {
		return "", false
	}
	return "wss://feed.example/" + tok, true
}

type fakeSocket struct {
	msgs      chan []byte
	subs      chan upstox.SubscribeRequest
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		msgs: make(chan []byte, 16),
		subs: make(chan upstox.SubscribeRequest, 1),
		done: make(chan struct{}),
	}
}

func (s *fakeSocket) Subscribe(req upstox.SubscribeRequest) error {
	s.subs <- req
	return nil
}

func (s *fakeSocket) Run(onMessage func([]byte)) error {
	for {
		select {
		case <-s.done:
			return nil
		case m, ok := <-s.msgs:
			if !ok {
				return errors.New("connection reset by peer")
			}
			onMessage(m)
		}
	}
}

func (s *fakeSocket) Close() { s.closeOnce.Do(func() { close(s.done) }) }

// drop simulates the server going away.
func (s *fakeSocket) drop() { close(s.msgs) }

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	fail    bool
	sockets []*fakeSocket
	urls    []string
}

func (d *fakeDialer) Dial(_ context.Context, u string) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, u)
	if d.fail {
		return nil, errors.New("dial tcp: connection refused")
	}
	s := newFakeSocket()
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[len(d.sockets)-1]
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool { t.stopped = true; return true }

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.timers))
	for i, t := range s.timers {
		out[i] = t.delay
	}
	return out
}

func (s *fakeScheduler) fireLast() {
	s.mu.Lock()
	t := s.timers[len(s.timers)-1]
	s.mu.Unlock()
	t.fn()
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

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
	r.merges = append(r.merges, merge{ticks: ticks, src: src})
}

func (r *recordingSink) snapshot() []merge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]merge(nil), r.merges...)
}

// ── harness ──

type rig struct {
	conn    *Connection
	tokens  *fakeTokens
	auth    *fakeAuth
	dialer  *fakeDialer
	sched   *fakeScheduler
	sink    *recordingSink
	table   *symbols.Table
	mu      sync.Mutex
	states  []model.ConnState
	unavail int
}

func newRig(t *testing.T, flush time.Duration) *rig {
	t.Helper()
	r := &rig{
		tokens: newFakeTokens("tok"),
		auth:   &fakeAuth{ok: true},
		dialer: &fakeDialer{},
		sched:  &fakeScheduler{},
		sink:   &recordingSink{},
		table:  symbols.MustDefault(),
	}
	hooks := Hooks{
		OnStateChange: func(s model.ConnState, _ model.CloseReason) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
		OnLiveUnavailable: func() {
			r.mu.Lock()
			r.unavail++
			r.mu.Unlock()
		},
	}
	r.conn = New(r.tokens, r.auth, r.table, r.sink, hooks, Options{
		FlushInterval: flush,
		Dial:          r.dialer.Dial,
		AfterFunc:     r.sched.AfterFunc,
	})
	t.Cleanup(r.conn.Close)
	return r
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

func (r *rig) waitState(t *testing.T, want model.ConnState) {
	t.Helper()
	waitFor(t, func() bool { s, _ := r.conn.State(); return s == want })
}

const feedAB = `{"type":"live_feed","feeds":{
	"NSE_INDEX|Nifty 50":{"ltpc":{"ltp":26260,"cp":26000}},
	"NSE_INDEX|Nifty Bank":{"fullFeed":{"indexFF":{"ltpc":{"ltp":54000,"cp":54500}}}}
}}`

// ── tests ──

func TestConnect_NoTokenStaysIdle(t *testing.T) {
	r := newRig(t, time.Hour)
	r.tokens.err = errors.New("auth: no stored token")

	if r.conn.Connect(context.Background()) {
		t.Fatal("expected Connect to fail")
	}
	if s, _ := r.conn.State(); s != model.StateIdle {
		t.Errorf("expected idle, got %v", s)
	}
	if r.auth.calls != 0 || r.dialer.count() != 0 || r.sched.count() != 0 {
		t.Errorf("no authorize, dial or retry expected (auth=%d dial=%d timers=%d)", r.auth.calls, r.dialer.count(), r.sched.count())
	}
}

func TestConnect_AuthorizeFailsStaysIdle(t *testing.T) {
	r := newRig(t, time.Hour)
	r.auth.ok = false

	if r.conn.Connect(context.Background()) {
		t.Fatal("expected Connect to fail")
	}
	if s, _ := r.conn.State(); s != model.StateIdle {
		t.Errorf("expected idle, got %v", s)
	}
	if r.dialer.count() != 0 || r.sched.count() != 0 {
		t.Error("no dial and no reconnect expected")
	}
}

func TestConnect_OpenSubscribesEveryStreamKey(t *testing.T) {
	r := newRig(t, time.Hour)

	if !r.conn.Connect(context.Background()) {
		t.Fatal("expected Connect to succeed")
	}
	if !r.conn.IsOpen() || r.conn.Attempt() != 0 {
		t.Errorf("expected open with attempt 0")
	}
	if r.dialer.urls[0] != "wss://feed.example/tok" {
		t.Errorf("dialed %q", r.dialer.urls[0])
	}

	sub := <-r.dialer.last().subs
	if sub.Method != "sub" || sub.Data.Mode != "full" || len(sub.GUID) != 36 {
		t.Errorf("unexpected subscribe frame %+v", sub)
	}
	got := append([]string(nil), sub.Data.InstrumentKeys...)
	want := r.table.StreamKeys()
	sort.Strings(got)
	sort.Strings(want)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("subscribed %v, want %v", got, want)
	}

	r.mu.Lock()
	states := append([]model.ConnState(nil), r.states...)
	r.mu.Unlock()
	if len(states) != 2 || states[0] != model.StateAuthorizing || states[1] != model.StateOpen {
		t.Errorf("unexpected transitions %v", states)
	}
}

func TestReconnect_BackoffSequence(t *testing.T) {
	r := newRig(t, time.Hour)
	r.dialer.fail = true

	r.conn.Connect(context.Background())
	for i := 0; i < 20 && r.sched.count() > 0; i++ {
		before := r.sched.count()
		r.sched.fireLast()
		if r.sched.count() == before {
			break
		}
	}

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30, 30, 30}
	got := r.sched.delays()
	if len(got) != len(want) {
		t.Fatalf("expected %d scheduled reconnects, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i]*time.Second {
			t.Errorf("reconnect %d: delay %v, want %v", i+1, got[i], want[i]*time.Second)
		}
	}
	if s, reason := r.conn.State(); s != model.StateClosed || reason != model.CloseExhausted {
		t.Errorf("expected closed(exhausted), got %v(%v)", s, reason)
	}
	if r.dialer.count() != 11 {
		t.Errorf("expected initial dial plus 10 reconnects, got %d", r.dialer.count())
	}
	r.mu.Lock()
	unavail := r.unavail
	r.mu.Unlock()
	if unavail != 1 {
		t.Errorf("expected one live-unavailable signal, got %d", unavail)
	}
}

func TestReconnect_ThirdLossWaitsFourSeconds(t *testing.T) {
	r := newRig(t, time.Hour)
	r.dialer.fail = true

	r.conn.Connect(context.Background()) // loss 1 -> 1s
	r.sched.fireLast()                   // loss 2 -> 2s
	r.sched.fireLast()                   // loss 3 -> 4s

	d := r.sched.delays()
	if len(d) != 3 {
		t.Fatalf("expected 3 timers, got %v", d)
	}
	if d[2] < 4000*time.Millisecond || d[2] >= 4100*time.Millisecond {
		t.Errorf("third reconnect delay %v outside [4000ms, 4100ms)", d[2])
	}
	if r.conn.Attempt() != 3 {
		t.Errorf("expected 3 reconnects scheduled, got %d", r.conn.Attempt())
	}
}

func TestReconnect_SuccessResetsAttempt(t *testing.T) {
	r := newRig(t, time.Hour)
	r.dialer.fail = true
	r.conn.Connect(context.Background())
	r.sched.fireLast()
	if r.conn.Attempt() != 2 {
		t.Fatalf("expected attempt 2, got %d", r.conn.Attempt())
	}

	r.dialer.mu.Lock()
	r.dialer.fail = false
	r.dialer.mu.Unlock()
	r.sched.fireLast()

	if !r.conn.IsOpen() || r.conn.Attempt() != 0 {
		t.Fatalf("expected open with attempt reset, got attempt %d", r.conn.Attempt())
	}

	// The next loss starts the sequence over at 1s.
	r.dialer.last().drop()
	r.waitState(t, model.StateClosed)
	d := r.sched.delays()
	if d[len(d)-1] != time.Second {
		t.Errorf("expected fresh 1s delay, got %v", d[len(d)-1])
	}
}

func TestFlush_TwoSymbolsOneMerge(t *testing.T) {
	r := newRig(t, time.Hour)
	r.conn.Connect(context.Background())
	sock := r.dialer.last()

	sock.msgs <- []byte(`{"type":"live_feed","feeds":{"NSE_INDEX|Nifty 50":{"ltpc":{"ltp":26100,"cp":26000}}}}`)
	sock.msgs <- []byte(`{"type":"live_feed","feeds":{"NSE_INDEX|Nifty Bank":{"ltpc":{"ltp":54000,"cp":54500}}}}`)
	waitFor(t, func() bool {
		r.conn.mu.Lock()
		defer r.conn.mu.Unlock()
		return len(r.conn.buffer) == 2
	})

	if n := len(r.sink.snapshot()); n != 0 {
		t.Fatalf("ticks must not be published before a flush, got %d merges", n)
	}
	r.conn.flush()

	merges := r.sink.snapshot()
	if len(merges) != 1 {
		t.Fatalf("expected one merge, got %d", len(merges))
	}
	m := merges[0]
	if len(m.ticks) != 2 || m.src != model.SourceStream {
		t.Fatalf("expected both symbols from stream, got %+v", m)
	}
	nifty := m.ticks["NIFTY 50"]
	if nifty.Change != 100 || nifty.ReferenceClose != 26000 || !nifty.Consistent(1e-6) {
		t.Errorf("unexpected NIFTY tick %+v", nifty)
	}

	r.conn.flush()
	if len(r.sink.snapshot()) != 1 {
		t.Error("empty buffer must not produce a merge")
	}
}

func TestFlush_LastWriteWins(t *testing.T) {
	r := newRig(t, time.Hour)
	r.conn.Connect(context.Background())
	sock := r.dialer.last()

	sock.msgs <- []byte(`{"type":"live_feed","feeds":{"NSE_INDEX|Nifty 50":{"ltpc":{"ltp":26100,"cp":26000}}}}`)
	sock.msgs <- []byte(`{"type":"live_feed","feeds":{"NSE_INDEX|Nifty 50":{"ltpc":{"ltp":26150,"cp":26000}}}}`)
	sock.msgs <- []byte(`{"type":"live_feed","feeds":{"NSE_INDEX|Nifty Bank":{"ltpc":{"ltp":1,"cp":1}}}}`)
	waitFor(t, func() bool {
		r.conn.mu.Lock()
		defer r.conn.mu.Unlock()
		return len(r.conn.buffer) == 2
	})
	r.conn.flush()

	if p := r.sink.snapshot()[0].ticks["NIFTY 50"].Price; p != 26150 {
		t.Errorf("expected last write 26150, got %v", p)
	}
}

func TestFlush_Periodic(t *testing.T) {
	r := newRig(t, 20*time.Millisecond)
	r.conn.Connect(context.Background())
	r.dialer.last().msgs <- []byte(feedAB)

	waitFor(t, func() bool { return len(r.sink.snapshot()) == 1 })
	if len(r.sink.snapshot()[0].ticks) != 2 {
		t.Errorf("expected both symbols in one periodic merge")
	}
}

func TestMessage_MalformedAndUnknownAreDropped(t *testing.T) {
	r := newRig(t, time.Hour)
	decodeErrs := 0
	var mu sync.Mutex
	r.conn.hooks.OnDecodeError = func() { mu.Lock(); decodeErrs++; mu.Unlock() }
	r.conn.Connect(context.Background())
	sock := r.dialer.last()

	sock.msgs <- []byte(`{not json`)
	sock.msgs <- []byte(`{"type":"live_feed","feeds":{"NSE_EQ|UNKNOWN":{"ltpc":{"ltp":1,"cp":1}}}}`)
	sock.msgs <- []byte(`{"type":"live_feed","feeds":{"NSE_INDEX|Nifty 50":{"ltpc":{"ltp":1,"cp":0}}}}`)
	sock.msgs <- []byte(`{"type":"market_info"}`)
	sock.msgs <- []byte(feedAB)

	waitFor(t, func() bool {
		r.conn.mu.Lock()
		defer r.conn.mu.Unlock()
		return len(r.conn.buffer) == 2
	})
	if !r.conn.IsOpen() {
		t.Error("a bad message must not tear the connection down")
	}
	mu.Lock()
	defer mu.Unlock()
	if decodeErrs != 1 {
		t.Errorf("expected one decode error, got %d", decodeErrs)
	}
}

func TestLoss_FlushesBufferedTicks(t *testing.T) {
	r := newRig(t, time.Hour)
	r.conn.Connect(context.Background())
	sock := r.dialer.last()
	sock.msgs <- []byte(feedAB)
	waitFor(t, func() bool {
		r.conn.mu.Lock()
		defer r.conn.mu.Unlock()
		return len(r.conn.buffer) == 2
	})

	sock.drop()
	waitFor(t, func() bool { return len(r.sink.snapshot()) == 1 })
	r.waitState(t, model.StateClosed)
	if r.sched.count() != 1 {
		t.Errorf("expected one reconnect scheduled, got %d", r.sched.count())
	}
}

func TestConnect_SupersedesOpenSocket(t *testing.T) {
	r := newRig(t, time.Hour)
	r.conn.Connect(context.Background())
	first := r.dialer.last()

	if !r.conn.Connect(context.Background()) {
		t.Fatal("second connect should succeed")
	}
	if !first.isClosed() {
		t.Error("previous socket must be closed")
	}
	if r.dialer.count() != 2 {
		t.Errorf("expected two dials, got %d", r.dialer.count())
	}

	// The old socket's read loop ends, but it belongs to an older
	// generation and must not schedule anything.
	time.Sleep(30 * time.Millisecond)
	if r.sched.count() != 0 {
		t.Errorf("superseded socket scheduled a reconnect")
	}
	if !r.conn.IsOpen() {
		t.Error("expected the new socket to stay open")
	}
}

func TestConnect_CancelsPendingReconnect(t *testing.T) {
	r := newRig(t, time.Hour)
	r.dialer.fail = true
	r.conn.Connect(context.Background())
	if r.sched.count() != 1 {
		t.Fatal("expected pending reconnect")
	}
	pending := r.sched.timers[0]

	r.dialer.mu.Lock()
	r.dialer.fail = false
	r.dialer.mu.Unlock()
	r.conn.Connect(context.Background())

	if !pending.stopped {
		t.Error("manual connect must cancel the pending timer")
	}
	// A timer that fires anyway is stale.
	pending.fn()
	if r.dialer.count() != 2 {
		t.Errorf("stale timer must not connect, dials=%d", r.dialer.count())
	}
}

func TestTokenRefresh_ReconnectsWithoutBackoff(t *testing.T) {
	r := newRig(t, time.Hour)
	r.conn.Connect(context.Background())
	first := r.dialer.last()

	r.tokens.mu.Lock()
	r.tokens.token = "tok2"
	r.tokens.mu.Unlock()
	r.tokens.fire("tok2")

	waitFor(t, func() bool { return r.dialer.count() == 2 && r.conn.IsOpen() })
	if !first.isClosed() {
		t.Error("old socket should be closed")
	}
	if r.dialer.urls[1] != "wss://feed.example/tok2" {
		t.Errorf("expected new token in url, got %q", r.dialer.urls[1])
	}
	if r.sched.count() != 0 {
		t.Error("deliberate reconnect must not go through backoff")
	}
}

func TestTokenRefresh_IgnoredWhileConnecting(t *testing.T) {
	r := newRig(t, time.Hour)
	gate := make(chan struct{})
	r.tokens.mu.Lock()
	r.tokens.gate = gate
	r.tokens.mu.Unlock()

	done := make(chan bool)
	go func() { done <- r.conn.Connect(context.Background()) }()
	r.waitState(t, model.StateAuthorizing)

	r.tokens.fire("other")
	close(gate)
	if !<-done {
		t.Fatal("connect should succeed")
	}
	time.Sleep(30 * time.Millisecond)
	if r.dialer.count() != 1 {
		t.Errorf("refresh during connect must not start a second connect, dials=%d", r.dialer.count())
	}
}

func TestTokenRefresh_RepeatedNotificationReconnectsOnce(t *testing.T) {
	r := newRig(t, time.Hour)
	r.conn.Connect(context.Background())

	gate := make(chan struct{})
	r.tokens.mu.Lock()
	r.tokens.token = "tok2"
	r.tokens.gate = gate
	r.tokens.mu.Unlock()

	// A forced and a scheduled refresh sharing one call both notify.
	r.tokens.fire("tok2")
	r.tokens.fire("tok2")
	close(gate)

	waitFor(t, func() bool { return r.dialer.count() == 2 && r.conn.IsOpen() })
	time.Sleep(30 * time.Millisecond)
	if n := r.dialer.count(); n != 2 {
		t.Errorf("one refresh should cost one reconnect, dials=%d", n)
	}
}

func TestExhausted_ManualConnectStartsFreshCycle(t *testing.T) {
	r := newRig(t, time.Hour)
	r.conn.attempt = DefaultMaxAttempts
	r.dialer.fail = true

	r.conn.Connect(context.Background())
	if _, reason := r.conn.State(); reason != model.CloseExhausted {
		t.Fatalf("expected exhausted, got %v", reason)
	}
	if r.sched.count() != 0 {
		t.Fatal("no automatic attempt once exhausted")
	}

	r.dialer.mu.Lock()
	r.dialer.fail = false
	r.dialer.mu.Unlock()
	if !r.conn.Connect(context.Background()) {
		t.Fatal("manual connect should recover")
	}
	if r.conn.Attempt() != 0 {
		t.Errorf("expected attempt reset, got %d", r.conn.Attempt())
	}
}

func TestClose_ReleasesEverything(t *testing.T) {
	r := newRig(t, time.Hour)
	r.conn.Connect(context.Background())
	sock := r.dialer.last()
	if r.tokens.listenerCount() != 1 {
		t.Fatalf("expected one refresh listener, got %d", r.tokens.listenerCount())
	}

	r.conn.Close()
	r.conn.Close()

	if !sock.isClosed() {
		t.Error("socket should be closed")
	}
	if r.tokens.listenerCount() != 0 {
		t.Error("refresh subscription leaked")
	}
	if s, reason := r.conn.State(); s != model.StateClosed || reason != model.CloseShutdown {
		t.Errorf("expected closed(shutdown), got %v(%v)", s, reason)
	}
	if r.conn.Connect(context.Background()) {
		t.Error("connect after Close must fail")
	}
	time.Sleep(30 * time.Millisecond)
	if r.sched.count() != 0 {
		t.Error("no reconnect after Close")
	}
}

func TestClose_CancelsPendingTimer(t *testing.T) {
	r := newRig(t, time.Hour)
	r.dialer.fail = true
	r.conn.Connect(context.Background())
	timer := r.sched.timers[0]

	r.conn.Close()
	if !timer.stopped {
		t.Error("Close must stop the reconnect timer")
	}
	timer.fn()
	if r.dialer.count() != 1 {
		t.Error("stale timer must not dial after Close")
	}
}

func TestBackoff(t *testing.T) {
	for attempt, want := range []time.Duration{1, 2, 4, 8, 16, 30, 30} {
		if got := backoff(attempt, time.Second, 30*time.Second); got != want*time.Second {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, want*time.Second)
		}
	}
	if backoff(-1, time.Second, 30*time.Second) != time.Second {
		t.Error("negative attempt should use base delay")
	}
}

// End to end against a real websocket server with the default dialer.
func TestConnect_RealSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subs := make(chan upstox.SubscribeRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub upstox.SubscribeRequest
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subs <- sub
		conn.WriteMessage(websocket.TextMessage, []byte(feedAB))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	tokens := newFakeTokens("tok")
	sink := &recordingSink{}
	conn := New(tokens, authFunc(func(string) (string, bool) { return wsURL, true }),
		symbols.MustDefault(), sink, Hooks{}, Options{FlushInterval: 20 * time.Millisecond})
	defer conn.Close()

	if !conn.Connect(context.Background()) {
		t.Fatal("expected open")
	}
	select {
	case sub := <-subs:
		if len(sub.Data.InstrumentKeys) == 0 {
			t.Error("empty subscription")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}
	waitFor(t, func() bool { return len(sink.snapshot()) == 1 })
	if len(sink.snapshot()[0].ticks) != 2 {
		t.Errorf("expected two ticks, got %+v", sink.snapshot()[0])
	}
}

type authFunc func(string) (string, bool)

func (f authFunc) Authorize(_ context.Context, tok string) (string, bool) { return f(tok) }
