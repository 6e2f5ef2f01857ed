package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"marketpulse/internal/breaker"
	"marketpulse/internal/model"
)

// Publisher mirrors merged prices into redis for other consumers:
// HSET into the latest hash, PUBLISH per symbol, and the live flag.
//
// Writes go through a circuit breaker. While it is open, updates are
// coalesced per symbol (only the newest tick matters) and replayed when
// the breaker closes.
type Publisher struct {
	client goredis.Cmdable
	cb     *breaker.Breaker

	mu      sync.Mutex
	pending map[string]model.PriceTick

	write func(ctx context.Context, ticks map[string]model.PriceTick, live bool) error

	// Callbacks
	OnError func()          // called on a failed write (for metrics)
	OnFlush func(count int) // called after replaying coalesced ticks
}

// NewPublisher creates a Publisher. cb may be shared with nothing else;
// Publisher installs its own state-change hook on it.
func NewPublisher(client goredis.Cmdable, cb *breaker.Breaker) *Publisher {
	p := &Publisher{
		client:  client,
		cb:      cb,
		pending: make(map[string]model.PriceTick),
	}
	p.write = p.pipeline

	prev := cb.OnStateChange
	cb.OnStateChange = func(name string, from, to breaker.State) {
		if prev != nil {
			prev(name, from, to)
		}
		log.Printf("[redis] publisher breaker %s -> %s", from, to)
	}
	return p
}

// Publish writes ticks and the live flag. It never blocks on an open
// breaker; the update is kept for the next successful write instead.
func (p *Publisher) Publish(ctx context.Context, ticks map[string]model.PriceTick, live bool) error {
	batch, replayed := p.drain(ticks)

	err := p.cb.Execute(func() error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return p.write(ctx, batch, live)
	})
	if err == nil {
		if replayed > 0 && p.OnFlush != nil {
			p.OnFlush(replayed)
		}
		return nil
	}

	p.restore(batch)
	if errors.Is(err, breaker.ErrOpen) {
		return nil
	}
	if p.OnError != nil {
		p.OnError()
	}
	log.Printf("[redis] publish %d ticks: %v", len(batch), err)
	return err
}

// Pending returns the number of coalesced ticks awaiting a write.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// drain merges ticks over anything left from failed writes and empties
// the pending set. Newer ticks win. It returns how many pending symbols
// were folded in.
func (p *Publisher) drain(ticks map[string]model.PriceTick) (map[string]model.PriceTick, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.pending)
	if n == 0 {
		return ticks, 0
	}
	batch := p.pending
	for sym, t := range ticks {
		batch[sym] = t
	}
	p.pending = make(map[string]model.PriceTick)
	return batch, n
}

// restore puts an unwritten batch back without overwriting anything newer.
func (p *Publisher) restore(batch map[string]model.PriceTick) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sym, t := range batch {
		if cur, ok := p.pending[sym]; ok && cur.UpdatedAt.After(t.UpdatedAt) {
			continue
		}
		p.pending[sym] = t
	}
}

func (p *Publisher) pipeline(ctx context.Context, ticks map[string]model.PriceTick, live bool) error {
	pipe := p.client.Pipeline()
	for sym, t := range ticks {
		data, err := json.Marshal(t)
		if err != nil {
			continue
		}
		pipe.HSet(ctx, KeyLatest, sym, data)
		pipe.Publish(ctx, TickChannel(sym), data)
	}
	flag := "0"
	if live {
		flag = "1"
	}
	pipe.Set(ctx, KeyLive, flag, 0)
	_, err := pipe.Exec(ctx)
	return err
}
