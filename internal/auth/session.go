// Package auth owns the provider session: token freshness, refresh, the
// background renewal scheduler, refresh listeners and the OAuth
// authorization-code round trip.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"marketpulse/internal/logger"
	"marketpulse/internal/model"
	"marketpulse/pkg/upstox"
)

const (
	// SafetyMargin is the minimum remaining lifetime for a token to be
	// handed out without a refresh.
	SafetyMargin = 5 * time.Minute
	// RefreshThreshold is when the scheduler renews proactively.
	RefreshThreshold = 10 * time.Minute
	// SchedulerInterval is the background check cadence.
	SchedulerInterval = 5 * time.Minute

	refreshTimeout = 15 * time.Second
)

var (
	ErrNoToken        = errors.New("auth: no stored token")
	ErrNoRefreshToken = errors.New("auth: no refresh token available")
	ErrSessionInvalid = errors.New("auth: session invalid, re-authentication required")
	ErrStateMismatch  = errors.New("auth: oauth state mismatch")
)

// Provider is the token endpoint surface the session needs.
type Provider interface {
	LoginURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*upstox.TokenResponse, error)
	RefreshToken(ctx context.Context, refreshToken string) (*upstox.TokenResponse, error)
}

// Refresh triggers, used for logging and metrics.
const (
	TriggerLazy      = "lazy"
	TriggerForced    = "forced"
	TriggerScheduled = "scheduled"
	TriggerLogin     = "login"
	TriggerManual    = "manual"
)

// Session is constructed once at startup and shared by every consumer.
type Session struct {
	store    model.SessionStore
	provider Provider
	log      *slog.Logger
	now      func() time.Time
	interval time.Duration

	tickerFactory func(time.Duration) ticker

	sf singleflight.Group

	mu        sync.Mutex
	listeners map[uint64]func(token string)
	nextID    uint64

	schedMu     sync.Mutex
	schedCancel context.CancelFunc
	schedDone   chan struct{}

	// Hooks (optional). Set before first use.
	OnRefresh        func(trigger string, err error)
	OnSessionInvalid func(reason string)
}

// NewSession creates a Session. log may be nil.
func NewSession(store model.SessionStore, provider Provider, log *slog.Logger) *Session {
	return &Session{
		store:     store,
		provider:  provider,
		log:       logger.Component(log, "auth"),
		now:       time.Now,
		interval:  SchedulerInterval,
		listeners: make(map[uint64]func(string)),
	}
}

// GetValidAccessToken returns the stored token when it has at least
// SafetyMargin left, without any network call. Otherwise it refreshes once;
// if that fails the store is cleared and ErrSessionInvalid returned.
// ErrNoToken means nothing is stored.
func (s *Session) GetValidAccessToken(ctx context.Context) (string, error) {
	rec, err := s.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("auth: load tokens: %w", err)
	}
	if rec == nil {
		return "", ErrNoToken
	}
	if rec.Remaining(s.now()) >= SafetyMargin {
		return rec.AccessToken, nil
	}

	fresh, err := s.refresh(ctx, TriggerLazy)
	if err != nil {
		s.invalidate(ctx, "refresh before expiry failed: "+err.Error())
		return "", fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}
	return fresh.AccessToken, nil
}

// ForceRefreshAccessToken refreshes regardless of remaining lifetime.
// Used after the provider rejected a locally valid looking token.
// On failure the store is cleared.
func (s *Session) ForceRefreshAccessToken(ctx context.Context) (string, error) {
	fresh, err := s.refresh(ctx, TriggerForced)
	if err != nil {
		s.invalidate(ctx, "forced refresh failed: "+err.Error())
		return "", fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}
	s.notify(fresh.AccessToken)
	return fresh.AccessToken, nil
}

// Refresh exchanges the stored refresh token. On success the whole record is
// replaced, keeping the old refresh token when the response has none. On
// failure storage is untouched and the error returned. Concurrent calls
// share one provider round trip.
func (s *Session) Refresh(ctx context.Context) (model.TokenRecord, error) {
	return s.refresh(ctx, TriggerManual)
}

func (s *Session) refresh(ctx context.Context, trigger string) (model.TokenRecord, error) {
	v, err, shared := s.sf.Do("refresh", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		cur, err := s.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load tokens: %w", err)
		}
		if cur == nil {
			return nil, ErrNoToken
		}
		if !cur.HasRefreshToken() {
			return nil, ErrNoRefreshToken
		}

		resp, err := s.provider.RefreshToken(ctx, cur.RefreshToken)
		if err != nil {
			return nil, err
		}
		rec := model.TokenRecord{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			ExpiresAt:    resp.ExpiresAt(s.now()),
		}
		if rec.RefreshToken == "" {
			rec.RefreshToken = cur.RefreshToken
		}
		if err := s.store.Save(ctx, rec); err != nil {
			return nil, fmt.Errorf("save tokens: %w", err)
		}
		return rec, nil
	})

	if s.OnRefresh != nil && !shared {
		s.OnRefresh(trigger, err)
	}
	if err != nil {
		s.log.Warn("token refresh failed", "trigger", trigger, "error", err)
		return model.TokenRecord{}, err
	}
	rec := v.(model.TokenRecord)
	s.log.Info("token refreshed", "trigger", trigger, "expires_at", rec.ExpiresAt)
	return rec, nil
}

// Invalidate clears the stored session. Used when a downstream call
// proves the tokens unusable.
func (s *Session) Invalidate(ctx context.Context, reason string) {
	s.invalidate(ctx, reason)
}

func (s *Session) invalidate(ctx context.Context, reason string) {
	if err := s.store.Clear(context.WithoutCancel(ctx)); err != nil {
		s.log.Error("clear tokens failed", "error", err)
	}
	s.log.Warn("session invalidated", "reason", reason)
	if s.OnSessionInvalid != nil {
		s.OnSessionInvalid(reason)
	}
}

// SubscribeToRefresh registers fn for every successful forced or scheduled
// refresh and every completed login. The returned func unsubscribes and is
// safe to call more than once.
func (s *Session) SubscribeToRefresh(fn func(token string)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// ListenerCount returns the number of registered refresh listeners.
func (s *Session) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *Session) notify(token string) {
	s.mu.Lock()
	fns := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		s.callListener(fn, token)
	}
}

func (s *Session) callListener(fn func(string), token string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("token refresh listener panicked", "panic", r)
		}
	}()
	fn(token)
}

// LoginURL stores a fresh CSRF state nonce and returns the provider's
// authorization dialog URL.
func (s *Session) LoginURL(ctx context.Context) (string, error) {
	state := uuid.NewString()
	if err := s.store.SaveState(ctx, state); err != nil {
		return "", fmt.Errorf("auth: save state: %w", err)
	}
	return s.provider.LoginURL(state), nil
}

// ExchangeCode completes the redirect round trip: the state must match the
// stored nonce (which is consumed either way), then the code is exchanged
// and the record stored. Listeners are notified so the feed can connect.
func (s *Session) ExchangeCode(ctx context.Context, code, state string) error {
	want, err := s.store.TakeState(ctx)
	if err != nil {
		return fmt.Errorf("auth: load state: %w", err)
	}
	if want == "" || state != want {
		return ErrStateMismatch
	}

	resp, err := s.provider.ExchangeCode(ctx, code)
	if s.OnRefresh != nil {
		s.OnRefresh(TriggerLogin, err)
	}
	if err != nil {
		return fmt.Errorf("auth: exchange code: %w", err)
	}
	rec := model.TokenRecord{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.ExpiresAt(s.now()),
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("auth: save tokens: %w", err)
	}
	s.log.Info("login completed", "expires_at", rec.ExpiresAt)
	s.notify(rec.AccessToken)
	return nil
}

// Logout clears the session.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("auth: logout: %w", err)
	}
	s.log.Info("logged out")
	return nil
}

// Status summarizes the stored session.
type Status struct {
	Authenticated   bool          `json:"authenticated"`
	HasRefreshToken bool          `json:"hasRefreshToken"`
	ExpiresAt       *time.Time    `json:"expiresAt,omitempty"`
	ExpiresIn       time.Duration `json:"-"`
	ExpiresInMs     int64         `json:"expiresInMs"`
}

// Status reports whether an unexpired token is stored and how long it has left.
func (s *Session) Status(ctx context.Context) (Status, error) {
	rec, err := s.store.Load(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("auth: load tokens: %w", err)
	}
	if rec == nil {
		return Status{}, nil
	}
	left := rec.Remaining(s.now())
	exp := rec.ExpiresAt
	return Status{
		Authenticated:   left > 0,
		HasRefreshToken: rec.HasRefreshToken(),
		ExpiresAt:       &exp,
		ExpiresIn:       left,
		ExpiresInMs:     left.Milliseconds(),
	}, nil
}
