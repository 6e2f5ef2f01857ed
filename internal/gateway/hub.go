package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketpulse/internal/logger"
	"marketpulse/internal/marketdata/pricestore"
	"marketpulse/internal/model"
)

// PriceSource is the price store surface the gateway serves.
type PriceSource interface {
	Snapshot() pricestore.Snapshot
	Get(symbol string) (model.PriceTick, bool)
	Subscribe(buf int) (<-chan pricestore.Update, func())
	Refresh(ctx context.Context) bool
	Connected() bool
}

// Hub fans price store updates out to dashboard websocket clients.
// Every update is kept in a replay buffer so a reconnecting client can
// resume from its last seq instead of taking a full snapshot. A snapshot
// may already include updates that are still in flight; clients ignore
// any update whose seq is not above the snapshot's.
type Hub struct {
	prices PriceSource
	log    *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]bool

	replay  *ReplayBuffer
	Latency *LatencyTracker

	// OnClientCount is called with the new count after every
	// connect/disconnect.
	OnClientCount func(n int)

	ctx context.Context
}

// NewHub creates a Hub over prices.
func NewHub(prices PriceSource, log *slog.Logger) *Hub {
	return &Hub{
		prices:  prices,
		log:     logger.Component(log, "gateway"),
		clients: make(map[*Client]bool),
		replay:  NewReplayBuffer(500),
		Latency: NewLatencyTracker(10000),
		ctx:     context.Background(),
	}
}

// Run forwards store updates to clients. Blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	updates, cancel := h.prices.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case up, ok := <-updates:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(up)
		}
	}
}

func (h *Hub) broadcast(up pricestore.Update) {
	env, err := pricesEnvelope(up)
	if err != nil {
		h.log.Error("encode update", "error", err, "seq", up.Seq)
		return
	}
	h.mu.RLock()
	h.replay.Push(up.Seq, env)
	for c := range h.clients {
		select {
		case c.send <- env:
		default:
		}
	}
	h.mu.RUnlock()

	if lat := time.Since(up.UpdatedAt); lat >= 0 {
		h.Latency.Record(lat)
	}
}

// HandleWSRequest registers an upgraded connection. With lastSeq > 0 the
// client gets the updates it missed if they are still buffered, otherwise
// a full snapshot.
func (h *Hub) HandleWSRequest(conn *websocket.Conn, lastSeq uint64) {
	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}
	conn.EnableWriteCompression(true)

	// Initial messages are queued under the write lock so no broadcast
	// can slip in ahead of them.
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	for _, msg := range h.initialState(lastSeq) {
		select {
		case client.send <- msg:
		default:
		}
	}
	h.mu.Unlock()

	h.log.Info("ws client connected", "clients", count, "last_seq", lastSeq)
	h.reportCount(count)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) initialState(lastSeq uint64) [][]byte {
	snap := h.prices.Snapshot()
	if lastSeq > 0 && lastSeq <= snap.Seq {
		if missed, ok := h.replay.Since(lastSeq); ok {
			return missed
		}
	}
	env, err := snapshotEnvelope(snap)
	if err != nil {
		h.log.Error("encode snapshot", "error", err)
		return nil
	}
	return [][]byte{env}
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("ws client disconnected", "clients", count)
	h.reportCount(count)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.reportCount(0)
}

func (h *Hub) reportCount(n int) {
	if h.OnClientCount != nil {
		h.OnClientCount(n)
	}
}

// Missed returns buffered envelopes with seq in [from, to].
func (h *Hub) Missed(from, to uint64) [][]byte {
	entries := h.replay.Range(from, to)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) context() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ctx
}
