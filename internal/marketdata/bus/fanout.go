// Package bus broadcasts values to any number of subscribers without
// letting a slow subscriber block the publisher.
package bus

import (
	"log"
	"sync"
)

// FanOut delivers every published value to every subscriber channel.
// If a subscriber's channel is full the value is dropped for that
// subscriber only.
type FanOut[T any] struct {
	mu      sync.RWMutex
	outputs map[int]chan T
	nextID  int
	closed  bool

	// OnDrop is called when a value is dropped for a subscriber.
	OnDrop func(subscriberID int)
}

// New creates an empty FanOut.
func New[T any]() *FanOut[T] {
	return &FanOut[T]{outputs: make(map[int]chan T)}
}

// Subscribe returns a channel with buffer size buf and a function that
// removes the subscription and closes the channel.
func (f *FanOut[T]) Subscribe(buf int) (<-chan T, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan T, buf)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.outputs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.outputs[id]; ok {
				delete(f.outputs, id)
				close(c)
			}
		})
	}
}

// Publish offers v to every subscriber and returns how many took it.
func (f *FanOut[T]) Publish(v T) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	delivered := 0
	for id, ch := range f.outputs {
		select {
		case ch <- v:
			delivered++
		default:
			if f.OnDrop != nil {
				f.OnDrop(id)
			} else {
				log.Printf("[bus] subscriber %d full, dropping update", id)
			}
		}
	}
	return delivered
}

// Len returns the number of subscribers.
func (f *FanOut[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.outputs)
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (f *FanOut[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.outputs {
		close(ch)
		delete(f.outputs, id)
	}
}

// ChannelStat is the fill level of one subscriber channel.
type ChannelStat struct {
	Len int
	Cap int
}

// ChannelStats returns the fill level of each subscriber channel.
func (f *FanOut[T]) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, 0, len(f.outputs))
	for _, ch := range f.outputs {
		stats = append(stats, ChannelStat{Len: len(ch), Cap: cap(ch)})
	}
	return stats
}
