// Package memory provides process-local implementations of the monitorauth
// store contracts. Nothing survives a restart; useful when the user opted out
// of remember-me entirely and in tests.
package memory

import (
	"errors"
	"sync"

	oa "github.com/panyam/monitorauth"
)

// ErrWriteRejected is returned by writes while a Store is set to fail them
var ErrWriteRejected = errors.New("memory store: write rejected")

// Store implements both oa.SecureStore and oa.PreferenceStore
type Store struct {
	mu         sync.RWMutex
	secrets    map[string]string
	prefs      map[string]bool
	failWrites bool
}

var (
	_ oa.SecureStore     = (*Store)(nil)
	_ oa.PreferenceStore = (*Store)(nil)
)

// New creates an empty store
func New() *Store {
	return &Store{
		secrets: make(map[string]string),
		prefs:   make(map[string]bool),
	}
}

// FailWrites makes subsequent Put and SetBool calls fail, simulating a locked
// keychain. Reads and clears keep working.
func (s *Store) FailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = fail
}

func (s *Store) Put(key, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return ErrWriteRejected
	}
	s.secrets[key] = secret
	return nil
}

func (s *Store) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[key]
	return v, ok, nil
}

func (s *Store) Clear(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, key)
	return nil
}

func (s *Store) SetBool(key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return ErrWriteRejected
	}
	s.prefs[key] = value
	return nil
}

func (s *Store) Bool(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs[key], nil
}

// Len returns the number of secrets held
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.secrets)
}
