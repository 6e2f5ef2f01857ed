package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	goredis "github.com/go-redis/redis/v8"

	"marketpulse/internal/model"
)

// TokenStore is a model.SessionStore shared by every replica pointed at the
// same server. The record is one string value, so SET replaces it whole.
type TokenStore struct {
	client goredis.Cmdable
}

var _ model.SessionStore = (*TokenStore)(nil)

// NewTokenStore wraps an existing client.
func NewTokenStore(client goredis.Cmdable) *TokenStore {
	return &TokenStore{client: client}
}

func (s *TokenStore) Save(ctx context.Context, rec model.TokenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}
	if err := s.client.Set(ctx, KeyTokens, data, 0).Err(); err != nil {
		return fmt.Errorf("redis save tokens: %w", err)
	}
	return nil
}

func (s *TokenStore) Load(ctx context.Context) (*model.TokenRecord, error) {
	data, err := s.client.Get(ctx, KeyTokens).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis load tokens: %w", err)
	}
	var rec model.TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Printf("[redis] discarding corrupt token record: %v", err)
		s.client.Del(ctx, KeyTokens)
		return nil, nil
	}
	return &rec, nil
}

func (s *TokenStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, KeyTokens, KeyState).Err(); err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	return nil
}

// SaveState stores the nonce with a TTL; an abandoned login expires.
func (s *TokenStore) SaveState(ctx context.Context, state string) error {
	if err := s.client.Set(ctx, KeyState, state, stateTTL).Err(); err != nil {
		return fmt.Errorf("redis save state: %w", err)
	}
	return nil
}

// TakeState reads and deletes the nonce atomically (GETDEL).
func (s *TokenStore) TakeState(ctx context.Context) (string, error) {
	v, err := s.client.GetDel(ctx, KeyState).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis take state: %w", err)
	}
	return v, nil
}
