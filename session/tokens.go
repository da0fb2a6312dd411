package session

import (
	"sync"

	"mangafetch/internal"
)

// TokenStore holds the current token pair. Every mutation replaces the
// whole pair, so readers never observe a session token from one login
// next to a refresh token from another.
type TokenStore struct {
	mu        sync.Mutex
	pair      internal.TokenPair
	persister internal.TokenPersister
	logger    *internal.SecureLogger
}

// NewTokenStore creates an empty store. A non-nil persister receives a
// copy of every change.
func NewTokenStore(persister internal.TokenPersister) *TokenStore {
	return &TokenStore{
		persister: persister,
		logger:    internal.GetLogger(),
	}
}

// Set replaces the stored pair
func (s *TokenStore) Set(pair internal.TokenPair) {
	pair = pair.Normalized()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = pair

	if s.persister != nil {
		if err := s.persister.Save(pair); err != nil {
			s.logger.Warn("Failed to persist login cache: %v", err)
		}
	}
}

// Get returns a copy of the stored pair; the zero pair means anonymous
func (s *TokenStore) Get() internal.TokenPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pair
}

// Clear forgets the stored pair, including any persisted copy
func (s *TokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = internal.TokenPair{}

	if s.persister != nil {
		if err := s.persister.Clear(); err != nil {
			s.logger.Warn("Failed to clear login cache: %v", err)
		}
	}
}

// Load replaces the in-memory pair with the persisted one. Without a
// persister it is a no-op returning the current pair.
func (s *TokenStore) Load() (internal.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.persister == nil {
		return s.pair, nil
	}
	pair, err := s.persister.Load()
	if err != nil {
		return internal.TokenPair{}, err
	}
	s.pair = pair.Normalized()
	return s.pair, nil
}

// Persistent reports whether a login cache backs the store
func (s *TokenStore) Persistent() bool {
	return s.persister != nil
}
