package model

import (
	"context"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the auth session from concrete storage
// implementations (SQLite, Redis, memory).

// TokenStore persists the provider token record.
// Save always replaces the whole record; there are no partial updates.
type TokenStore interface {
	Save(ctx context.Context, rec TokenRecord) error

	// Load returns nil, nil when no record is stored.
	Load(ctx context.Context) (*TokenRecord, error)

	// Clear removes the token record and any pending OAuth state nonce.
	Clear(ctx context.Context) error
}

// StateStore keeps the CSRF state nonce for the authorization-code round trip.
type StateStore interface {
	SaveState(ctx context.Context, state string) error

	// TakeState returns and deletes the stored nonce ("" when none).
	TakeState(ctx context.Context) (string, error)
}

// SessionStore is what the auth session needs from a backend.
type SessionStore interface {
	TokenStore
	StateStore
}

// TickSink receives merged batches of ticks.
type TickSink interface {
	Merge(ticks map[string]PriceTick, src Source)
}
