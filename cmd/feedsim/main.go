// cmd/feedsim is a local stand-in for the provider and the batch quote API,
// for running pricesync end to end without real credentials.
//
// It serves, under /v2, the OAuth dialog and token endpoints, the feed
// authorize call and the live_feed websocket, plus /api/stock for batch
// quotes. Prices follow a small random walk from each symbol's seed.
//
// Point pricesync at it with:
//
//	UPSTOX_CLIENT_ID=sim UPSTOX_CLIENT_SECRET=sim
//	UPSTOX_API_BASE=http://localhost:9001/v2 BATCH_API_URL=http://localhost:9001
//
// Config (env vars):
//
//	FEEDSIM_ADDR         listen address (default ":9001")
//	FEEDSIM_INTERVAL_MS  feed broadcast interval (default 500)
//	FEEDSIM_TOKEN_TTL    access token lifetime (default "1h")
//	FEEDSIM_DROP_EVERY   when set, close every feed socket at this period
//	SYMBOLS_FILE         symbol table (default: built-in)
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketpulse/internal/symbols"
	"marketpulse/pkg/upstox"
)

// instrument holds per-symbol simulation state.
type instrument struct {
	streamKey string
	batch     string
	prevClose float64
	price     float64
}

type market struct {
	mu   sync.RWMutex
	byID map[string]*instrument // stream key and batch symbol both index here
	list []*instrument
}

func newMarket(table *symbols.Table) *market {
	m := &market{byID: make(map[string]*instrument)}
	for _, in := range table.Instruments() {
		if in.StreamKey == "" && in.BatchSymbol == "" {
			continue
		}
		inst := &instrument{streamKey: in.StreamKey, batch: in.BatchSymbol, prevClose: in.SeedPrice, price: in.SeedPrice}
		m.list = append(m.list, inst)
		if in.StreamKey != "" {
			m.byID[in.StreamKey] = inst
		}
		if in.BatchSymbol != "" {
			m.byID[in.BatchSymbol] = inst
		}
	}
	return m
}

// walk applies a ±0.1% random step to every price.
func (m *market) walk(rng *rand.Rand) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.list {
		pct := (rng.Float64()*0.2 - 0.1) / 100.0
		in.price = roundTo(in.price*(1+pct), 2)
		if in.price <= 0.01 {
			in.price = 0.01
		}
	}
}

func (m *market) quote(id string) (price, prev float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.byID[id]
	if !ok {
		return 0, 0, false
	}
	return in.price, in.prevClose, true
}

func roundTo(v float64, places int) float64 {
	s := strconv.FormatFloat(v, 'f', places, 64)
	r, _ := strconv.ParseFloat(s, 64)
	return r
}

// ─── OAuth & authorize ───────────────────────────────────────────────────────

type grants struct {
	mu      sync.Mutex
	ttl     time.Duration
	codes   map[string]bool
	access  map[string]time.Time // token -> expiry
	refresh map[string]bool
	feeds   map[string]bool // one-time feed URL codes
}

func newGrants(ttl time.Duration) *grants {
	return &grants{
		ttl:     ttl,
		codes:   make(map[string]bool),
		access:  make(map[string]time.Time),
		refresh: make(map[string]bool),
		feeds:   make(map[string]bool),
	}
}

func (g *grants) issue() upstox.TokenResponse {
	at, rt := uuid.NewString(), uuid.NewString()
	g.access[at] = time.Now().Add(g.ttl)
	g.refresh[rt] = true
	return upstox.TokenResponse{
		AccessToken:  at,
		TokenType:    "Bearer",
		ExpiresIn:    int64(g.ttl.Seconds()),
		RefreshToken: rt,
	}
}

func writeAPIError(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"status":"error","errors":[{"errorCode":%q,"message":%q}]}`, errCode, msg)
}

func dialogHandler(g *grants) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		redirect, err := url.Parse(q.Get("redirect_uri"))
		if err != nil || redirect.Scheme == "" {
			http.Error(w, "redirect_uri required", http.StatusBadRequest)
			return
		}
		code := uuid.NewString()
		g.mu.Lock()
		g.codes[code] = true
		g.mu.Unlock()

		back := redirect.Query()
		back.Set("code", code)
		back.Set("state", q.Get("state"))
		redirect.RawQuery = back.Encode()
		log.Printf("[feedsim] login dialog approved, redirecting to %s", redirect.Host)
		http.Redirect(w, r, redirect.String(), http.StatusFound)
	}
}

func tokenHandler(g *grants) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeAPIError(w, http.StatusMethodNotAllowed, "UDAPI100000", "method not allowed")
			return
		}
		if err := r.ParseForm(); err != nil {
			writeAPIError(w, http.StatusBadRequest, "UDAPI100016", "bad form")
			return
		}
		g.mu.Lock()
		defer g.mu.Unlock()

		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			code := r.PostForm.Get("code")
			if !g.codes[code] {
				writeAPIError(w, http.StatusUnauthorized, "UDAPI100057", "invalid auth code")
				return
			}
			delete(g.codes, code)
		case "refresh_token":
			rt := r.PostForm.Get("refresh_token")
			if !g.refresh[rt] {
				writeAPIError(w, http.StatusUnauthorized, "UDAPI100050", "invalid refresh token")
				return
			}
			delete(g.refresh, rt)
		default:
			writeAPIError(w, http.StatusBadRequest, "UDAPI100016", "unsupported grant_type")
			return
		}
		tok := g.issue()
		log.Printf("[feedsim] issued token (%s), expires in %ds", r.PostForm.Get("grant_type"), tok.ExpiresIn)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tok)
	}
}

func authorizeHandler(g *grants) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		g.mu.Lock()
		exp, ok := g.access[tok]
		valid := ok && time.Now().Before(exp)
		feedCode := uuid.NewString()
		if valid {
			g.feeds[feedCode] = true
		}
		g.mu.Unlock()

		if !valid {
			writeAPIError(w, http.StatusUnauthorized, "UDAPI100050", "Invalid token used to access API")
			return
		}
		wsURL := fmt.Sprintf("ws://%s/v2/live_feed?code=%s", r.Host, feedCode)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":{"authorizedRedirectUri":%q}}`, wsURL)
	}
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type client struct {
	send chan []byte
	mu   sync.Mutex
	keys []string
	mode string
}

func (c *client) subscribed() ([]string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys, c.mode
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{send: make(chan []byte, 256)}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		close(c.send)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

// broadcast sends each client a live_feed frame with its subscribed keys.
func (h *hub) broadcast(m *market) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		keys, mode := c.subscribed()
		if len(keys) == 0 {
			continue
		}
		msg, err := feedFrame(m, keys, mode)
		if err != nil {
			continue
		}
		select {
		case c.send <- msg:
		default: // slow client, drop frame
		}
	}
}

// dropAll closes every feed socket to exercise client reconnects.
func (h *hub) dropAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.Close()
	}
	if n := len(h.clients); n > 0 {
		log.Printf("[feedsim] dropped %d feed connections", n)
	}
}

// feedFrame mixes the two layouts the real feed uses: in full mode index
// keys carry fullFeed.indexFF, everything else a top-level ltpc. An ltpc
// subscription gets the top-level layout for every key.
func feedFrame(m *market, keys []string, mode string) ([]byte, error) {
	feeds := make(map[string]any, len(keys))
	for _, k := range keys {
		price, prev, ok := m.quote(k)
		if !ok {
			continue
		}
		ltpc := upstox.LTPC{LTP: price, CP: prev, LTT: strconv.FormatInt(time.Now().UnixMilli(), 10)}
		index := strings.HasPrefix(k, "NSE_INDEX|") || strings.HasPrefix(k, "BSE_INDEX|")
		if index && mode != upstox.ModeLTPC {
			feeds[k] = map[string]any{"fullFeed": map[string]any{"indexFF": map[string]any{"ltpc": ltpc}}}
		} else {
			feeds[k] = map[string]any{"ltpc": ltpc}
		}
	}
	return json.Marshal(map[string]any{"type": upstox.TypeLiveFeed, "feeds": feeds})
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub, g *grants) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		g.mu.Lock()
		ok := g.feeds[code]
		delete(g.feeds, code)
		g.mu.Unlock()
		if !ok {
			http.Error(w, "feed url expired", http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[feedsim] upgrade error: %v", err)
			return
		}
		log.Printf("[feedsim] feed client connected: %s", r.RemoteAddr)

		c := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[feedsim] feed client disconnected: %s", r.RemoteAddr)
		}()

		// Read pump: subscription frames.
		go func() {
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					conn.Close()
					return
				}
				var req upstox.SubscribeRequest
				if json.Unmarshal(msg, &req) != nil || req.Method != upstox.MethodSub {
					continue
				}
				c.mu.Lock()
				c.keys = append(c.keys, req.Data.InstrumentKeys...)
				c.mode = req.Data.Mode
				c.mu.Unlock()
				log.Printf("[feedsim] %s subscribed to %d keys", r.RemoteAddr, len(req.Data.InstrumentKeys))
			}
		}()

		// Write pump.
		for msg := range c.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Batch quotes ─────────────────────────────────────────────────────────────

func stockHandler(m *market) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var results []map[string]any
		for _, sym := range strings.Split(r.URL.Query().Get("symbols"), ",") {
			sym = strings.TrimSpace(sym)
			price, prev, ok := m.quote(sym)
			if !ok {
				continue
			}
			results = append(results, map[string]any{
				"symbol":        sym,
				"currentPrice":  price,
				"previousClose": prev,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[feedsim] starting provider simulator...")

	addr := envOrDefault("FEEDSIM_ADDR", ":9001")
	intervalMs := envIntOrDefault("FEEDSIM_INTERVAL_MS", 500)
	ttl := envDurationOrDefault("FEEDSIM_TOKEN_TTL", time.Hour)
	dropEvery := envDurationOrDefault("FEEDSIM_DROP_EVERY", 0)

	var table *symbols.Table
	var err error
	if path := os.Getenv("SYMBOLS_FILE"); path != "" {
		table, err = symbols.LoadFile(path)
	} else {
		table, err = symbols.Default()
	}
	if err != nil {
		log.Fatalf("[feedsim] symbols: %v", err)
	}
	m := newMarket(table)
	log.Printf("[feedsim] simulating %d instruments, interval %dms", len(m.list), intervalMs)

	h := newHub()
	g := newGrants(ttl)

	go func() {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			m.walk(rng)
			h.broadcast(m)
		}
	}()

	if dropEvery > 0 {
		go func() {
			for range time.Tick(dropEvery) {
				h.dropAll()
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/login/authorization/dialog", dialogHandler(g))
	mux.HandleFunc("/v2/login/authorization/token", tokenHandler(g))
	mux.HandleFunc("/v2/feed/market-data-feed/authorize", authorizeHandler(g))
	mux.HandleFunc("/v2/live_feed", wsHandler(h, g))
	mux.HandleFunc("/api/stock", stockHandler(m))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"feedsim"}`)
	})

	log.Printf("[feedsim] listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("[feedsim] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
