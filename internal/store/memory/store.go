// Package memory is an in-process session store. Nothing survives a restart.
package memory

import (
	"context"
	"sync"

	"marketpulse/internal/model"
)

// Store implements model.SessionStore.
type Store struct {
	mu    sync.Mutex
	rec   *model.TokenRecord
	state string
}

var _ model.SessionStore = (*Store)(nil)

// New returns an empty store.
func New() *Store { return &Store{} }

func (s *Store) Save(_ context.Context, rec model.TokenRecord) error {
	s.mu.Lock()
	s.rec = &rec
	s.mu.Unlock()
	return nil
}

func (s *Store) Load(_ context.Context) (*model.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, nil
	}
	rec := *s.rec
	return &rec, nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	s.rec = nil
	s.state = ""
	s.mu.Unlock()
	return nil
}

func (s *Store) SaveState(_ context.Context, state string) error {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	return nil
}

func (s *Store) TakeState(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	s.state = ""
	return st, nil
}
