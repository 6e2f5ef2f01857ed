// Package stream owns the primary market-data websocket: authorize, dial,
// subscribe, decode, buffer, flush, and reconnect with bounded backoff.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketpulse/internal/logger"
	"marketpulse/internal/model"
	"marketpulse/internal/symbols"
	"marketpulse/pkg/upstox"
)

// DefaultFlushInterval is how often buffered ticks are merged downstream.
const DefaultFlushInterval = 500 * time.Millisecond

// TokenSource is the auth session surface the connection uses.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context) (string, error)
	SubscribeToRefresh(fn func(token string)) func()
}

// Authorizer turns a token into a stream URL.
type Authorizer interface {
	Authorize(ctx context.Context, accessToken string) (string, bool)
}

// Socket is one open feed socket. *upstox.FeedSocket implements it.
type Socket interface {
	Subscribe(req upstox.SubscribeRequest) error
	Run(onMessage func([]byte)) error
	Close()
}

// DialFunc opens a Socket on an authorized URL.
type DialFunc func(ctx context.Context, wsURL string) (Socket, error)

// Timer is the part of *time.Timer the connection uses.
type Timer interface {
	Stop() bool
}

// Hooks are optional observers. They run outside the connection lock.
type Hooks struct {
	OnStateChange        func(state model.ConnState, reason model.CloseReason)
	OnReconnectScheduled func(attempt int, delay time.Duration)
	OnLiveUnavailable    func()
	OnTicks              func(n int)
	OnDecodeError        func()
	OnFlush              func(n int)
}

// Options configures a Connection. Zero values take the defaults.
type Options struct {
	FlushInterval time.Duration
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxAttempts   int

	Dial      DialFunc
	AfterFunc func(d time.Duration, f func()) Timer
	Now       func() time.Time
	Logger    *slog.Logger
}

// Connection holds at most one live socket. Every Connect starts a new
// generation; callbacks from an older generation are ignored, so a
// superseded socket can never schedule a reconnect.
type Connection struct {
	tokens  TokenSource
	auth    Authorizer
	symbols *symbols.Table
	keys    []string
	sink    model.TickSink
	hooks   Hooks
	log     *slog.Logger

	flushInterval time.Duration
	baseDelay     time.Duration
	maxDelay      time.Duration
	maxAttempts   int
	dial          DialFunc
	afterFunc     func(time.Duration, func()) Timer
	now           func() time.Time

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	mu         sync.Mutex
	gen        uint64
	state      model.ConnState
	reason     model.CloseReason
	attempt    int
	connecting bool
	closed     bool
	sock       Socket
	timer      Timer
	flushStop  chan struct{}
	buffer     map[string]model.PriceTick
	events     []func()
}

// New creates an idle Connection and subscribes it to token refreshes.
// Close releases the subscription.
func New(tokens TokenSource, auth Authorizer, table *symbols.Table, sink model.TickSink, hooks Hooks, opts Options) *Connection {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context, wsURL string) (Socket, error) {
			s, err := upstox.DialFeed(ctx, nil, wsURL)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		tokens:        tokens,
		auth:          auth,
		symbols:       table,
		keys:          table.StreamKeys(),
		sink:          sink,
		hooks:         hooks,
		log:           logger.Component(opts.Logger, "stream"),
		flushInterval: opts.FlushInterval,
		baseDelay:     opts.BaseDelay,
		maxDelay:      opts.MaxDelay,
		maxAttempts:   opts.MaxAttempts,
		dial:          opts.Dial,
		afterFunc:     opts.AfterFunc,
		now:           opts.Now,
		ctx:           ctx,
		cancel:        cancel,
		state:         model.StateIdle,
		buffer:        make(map[string]model.PriceTick),
	}
	c.unsubscribe = tokens.SubscribeToRefresh(c.onTokenRefresh)
	return c
}

// Connect runs one connection attempt. It closes any open socket and
// cancels a pending reconnect first. It returns true once the socket is
// open and subscribed. Without a token or a stream URL the connection
// goes Idle and nothing is retried; a failed dial takes the backoff path.
func (c *Connection) Connect(ctx context.Context) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.gen++
	gen := c.gen
	c.stopTimerLocked()
	old := c.detachLocked()
	c.connecting = true
	c.setStateLocked(model.StateAuthorizing, model.CloseNone)
	c.unlockAndFire()

	if old != nil {
		old.Close()
	}

	ctx = logger.WithConnID(ctx, logger.NewConnID())
	log := c.log.With(logger.Attrs(ctx)...)

	token, err := c.tokens.GetValidAccessToken(ctx)
	if err != nil {
		log.Info("no usable access token, staying off the live feed", "error", err)
		c.abandon(gen)
		return false
	}
	wsURL, ok := c.auth.Authorize(ctx, token)
	if !ok {
		log.Info("no authorized stream url, staying off the live feed")
		c.abandon(gen)
		return false
	}

	sock, err := c.dial(ctx, wsURL)
	if err != nil {
		log.Warn("dial failed", "error", err)
		c.handleLoss(gen, err)
		return false
	}

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		sock.Close()
		return false
	}
	c.sock = sock
	c.attempt = 0
	c.connecting = false
	stop := make(chan struct{})
	c.flushStop = stop
	c.setStateLocked(model.StateOpen, model.CloseNone)
	c.unlockAndFire()

	go c.flushLoop(stop)
	go c.readLoop(gen, sock, log)

	if err := sock.Subscribe(upstox.NewSubscribe(uuid.NewString(), c.keys)); err != nil {
		log.Warn("subscribe failed", "error", err)
		sock.Close()
		return false
	}
	log.Info("live feed open", "instruments", len(c.keys))
	return true
}

// abandon returns to Idle unless a newer Connect took over.
func (c *Connection) abandon(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.connecting = false
	c.setStateLocked(model.StateIdle, model.CloseNone)
	c.unlockAndFire()
}

func (c *Connection) readLoop(gen uint64, sock Socket, log *slog.Logger) {
	err := sock.Run(func(msg []byte) { c.handleMessage(gen, msg, log) })
	if err == nil {
		err = errors.New("socket closed")
	}
	c.handleLoss(gen, err)
}

// handleLoss stops flushing (what is buffered still goes out) and either
// schedules the next attempt or gives up for this cycle.
func (c *Connection) handleLoss(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.sock = nil
	c.connecting = false
	c.stopFlushLocked()

	if c.attempt >= c.maxAttempts {
		c.setStateLocked(model.StateClosed, model.CloseExhausted)
		c.events = append(c.events, func() {
			c.log.Error("live feed unavailable, reconnect attempts exhausted", "attempts", c.maxAttempts, "error", cause)
			if c.hooks.OnLiveUnavailable != nil {
				c.hooks.OnLiveUnavailable()
			}
		})
		c.unlockAndFire()
		return
	}

	delay := backoff(c.attempt, c.baseDelay, c.maxDelay)
	c.attempt++
	attempt := c.attempt
	c.setStateLocked(model.StateClosed, model.CloseError)
	c.timer = c.afterFunc(delay, func() { c.reconnect(gen) })
	c.events = append(c.events, func() {
		c.log.Warn("live feed lost, reconnect scheduled", "attempt", attempt, "delay", delay, "error", cause)
		if c.hooks.OnReconnectScheduled != nil {
			c.hooks.OnReconnectScheduled(attempt, delay)
		}
	})
	c.unlockAndFire()
}

func (c *Connection) reconnect(gen uint64) {
	c.mu.Lock()
	stale := gen != c.gen || c.closed
	if !stale {
		c.timer = nil
	}
	c.mu.Unlock()
	if stale {
		return
	}
	c.Connect(c.ctx)
}

// onTokenRefresh reconnects with the new token unless a connect is already
// in flight (that connect picks the token up itself). It is a deliberate
// reconnect: no backoff, counter reset.
func (c *Connection) onTokenRefresh(string) {
	c.mu.Lock()
	if c.connecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.attempt = 0
	// Claimed here so a second notification of the same refresh is ignored.
	c.connecting = true
	c.mu.Unlock()

	c.log.Info("access token refreshed, reconnecting")
	go c.Connect(c.ctx)
}

func (c *Connection) handleMessage(gen uint64, raw []byte, log *slog.Logger) {
	msg, err := upstox.DecodeFeedMessage(raw)
	if err != nil {
		log.Warn("dropping malformed feed message", "error", err, "bytes", len(raw))
		if c.hooks.OnDecodeError != nil {
			c.hooks.OnDecodeError()
		}
		return
	}
	quotes := msg.Quotes()
	if len(quotes) == 0 {
		return
	}

	now := c.now()
	ticks := make([]model.PriceTick, 0, len(quotes))
	for key, q := range quotes {
		sym, ok := c.symbols.SymbolForStreamKey(key)
		if !ok || q.CP <= 0 {
			continue
		}
		ticks = append(ticks, model.NewPriceTick(sym, q.LTP, q.CP, model.SourceStream, now))
	}
	if len(ticks) == 0 {
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	for _, t := range ticks {
		c.buffer[t.Symbol] = t
	}
	c.mu.Unlock()

	if c.hooks.OnTicks != nil {
		c.hooks.OnTicks(len(ticks))
	}
}

// flushLoop merges the buffer every flushInterval and once more on stop.
func (c *Connection) flushLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			c.flush()
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Connection) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make(map[string]model.PriceTick, len(batch))
	c.mu.Unlock()

	c.sink.Merge(batch, model.SourceStream)
	if c.hooks.OnFlush != nil {
		c.hooks.OnFlush(len(batch))
	}
}

// Close tears the connection down for good: pending reconnect, socket,
// flush loop and refresh subscription.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	c.connecting = false
	c.stopTimerLocked()
	sock := c.detachLocked()
	c.setStateLocked(model.StateClosed, model.CloseShutdown)
	c.unlockAndFire()

	if sock != nil {
		sock.Close()
	}
	c.unsubscribe()
	c.cancel()
}

// State returns the current state and close reason.
func (c *Connection) State() (model.ConnState, model.CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.reason
}

// IsOpen reports whether a subscribed socket is live.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == model.StateOpen
}

// Attempt returns the number of reconnects scheduled in the current cycle.
func (c *Connection) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connection) stopFlushLocked() {
	if c.flushStop != nil {
		close(c.flushStop)
		c.flushStop = nil
	}
}

// detachLocked forgets the current socket and stops its flush loop.
// The caller closes the returned socket after unlocking.
func (c *Connection) detachLocked() Socket {
	c.stopFlushLocked()
	s := c.sock
	c.sock = nil
	return s
}

func (c *Connection) setStateLocked(s model.ConnState, r model.CloseReason) {
	if c.state == s && c.reason == r {
		return
	}
	c.state, c.reason = s, r
	if c.hooks.OnStateChange != nil {
		c.events = append(c.events, func() { c.hooks.OnStateChange(s, r) })
	}
}

// unlockAndFire releases the lock and then runs queued hook calls.
func (c *Connection) unlockAndFire() {
	ev := c.events
	c.events = nil
	c.mu.Unlock()
	for _, fn := range ev {
		fn()
	}
}
