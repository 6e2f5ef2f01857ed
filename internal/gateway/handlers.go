package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"marketpulse/internal/auth"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// AuthService is the session surface behind the /auth routes.
type AuthService interface {
	LoginURL(ctx context.Context) (string, error)
	ExchangeCode(ctx context.Context, code, state string) error
	Logout(ctx context.Context) error
	Status(ctx context.Context) (auth.Status, error)
}

// Deps are the handlers' collaborators. Auth may be nil when no provider
// credentials are configured; the /auth routes then answer 503.
type Deps struct {
	Hub    *Hub
	Prices PriceSource
	Auth   AuthService
	Log    *slog.Logger

	// PostLoginRedirect is where /auth/callback sends the browser after a
	// successful login. Empty means answer with JSON.
	PostLoginRedirect string
	ProcessStart      time.Time
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// rest wraps a handler with CORS, preflight and a method check.
func rest(method string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != method {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		fn(w, r)
	}
}

// RegisterRoutes registers all HTTP routes on the provided mux.
func RegisterRoutes(mux *http.ServeMux, d Deps) {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}

	// WebSocket endpoint; ?last_seq=N resumes after a reconnect.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("ws upgrade failed", "error", err)
			return
		}
		lastSeq, _ := strconv.ParseUint(r.URL.Query().Get("last_seq"), 10, 64)
		d.Hub.HandleWSRequest(conn, lastSeq)
	})

	mux.HandleFunc("/api/prices", rest(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Prices.Snapshot())
	}))

	mux.HandleFunc("/api/prices/", rest(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		sym := strings.TrimPrefix(r.URL.Path, "/api/prices/")
		tick, ok := d.Prices.Get(sym)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown symbol "+strconv.Quote(sym))
			return
		}
		writeJSON(w, http.StatusOK, tick)
	}))

	mux.HandleFunc("/api/prices/refresh", rest(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()
		connected := d.Prices.Refresh(ctx)
		snap := d.Prices.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"connected":   connected,
			"live":        snap.Live,
			"lastUpdated": snap.UpdatedAt,
		})
	}))

	// Gap backfill: /api/missed?from=N&to=M
	mux.HandleFunc("/api/missed", rest(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		from, err1 := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
		to, err2 := strconv.ParseUint(r.URL.Query().Get("to"), 10, 64)
		if err1 != nil || err2 != nil || to < from {
			writeError(w, http.StatusBadRequest, "from and to are required, from <= to")
			return
		}
		msgs := d.Hub.Missed(from, to)
		out := make([]json.RawMessage, len(msgs))
		for i, m := range msgs {
			out[i] = m
		}
		writeJSON(w, http.StatusOK, out)
	}))

	mux.HandleFunc("/api/stats", rest(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"ws_clients":      d.Hub.ClientCount(),
			"stream_open":     d.Prices.Connected(),
			"emit_latency":    d.Hub.Latency.Summary(),
			"uptime_sec":      int64(time.Since(d.ProcessStart).Seconds()),
			"process_started": d.ProcessStart.UTC().Format(time.RFC3339),
		})
	}))

	registerAuthRoutes(mux, d, log)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		snap := d.Prices.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"live":        snap.Live,
			"connected":   d.Prices.Connected(),
			"lastUpdated": snap.UpdatedAt,
			"ws_clients":  d.Hub.ClientCount(),
			"ts":          time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}

func registerAuthRoutes(mux *http.ServeMux, d Deps, log *slog.Logger) {
	unavailable := func(w http.ResponseWriter) bool {
		if d.Auth == nil {
			writeError(w, http.StatusServiceUnavailable, "provider credentials not configured")
			return true
		}
		return false
	}

	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if unavailable(w) {
			return
		}
		u, err := d.Auth.LoginURL(r.Context())
		if err != nil {
			log.Error("build login url", "error", err)
			writeError(w, http.StatusInternalServerError, "login unavailable")
			return
		}
		http.Redirect(w, r, u, http.StatusFound)
	})

	mux.HandleFunc("/auth/callback", func(w http.ResponseWriter, r *http.Request) {
		if unavailable(w) {
			return
		}
		q := r.URL.Query()
		if e := q.Get("error"); e != "" {
			writeError(w, http.StatusBadRequest, "authorization denied: "+e)
			return
		}
		code := q.Get("code")
		if code == "" {
			writeError(w, http.StatusBadRequest, "missing code")
			return
		}
		err := d.Auth.ExchangeCode(r.Context(), code, q.Get("state"))
		switch {
		case errors.Is(err, auth.ErrStateMismatch):
			writeError(w, http.StatusBadRequest, "state mismatch")
			return
		case err != nil:
			log.Error("code exchange failed", "error", err)
			writeError(w, http.StatusBadGateway, "code exchange failed")
			return
		}
		if d.PostLoginRedirect != "" {
			http.Redirect(w, r, d.PostLoginRedirect, http.StatusFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/auth/logout", rest(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		if unavailable(w) {
			return
		}
		if err := d.Auth.Logout(r.Context()); err != nil {
			log.Error("logout failed", "error", err)
			writeError(w, http.StatusInternalServerError, "logout failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))

	mux.HandleFunc("/api/auth/status", rest(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		if unavailable(w) {
			return
		}
		st, err := d.Auth.Status(r.Context())
		if err != nil {
			log.Error("auth status", "error", err)
			writeError(w, http.StatusInternalServerError, "status unavailable")
			return
		}
		writeJSON(w, http.StatusOK, st)
	}))
}
