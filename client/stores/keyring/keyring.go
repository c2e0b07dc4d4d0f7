// Package keyring stores monitorauth secrets in the operating system's
// credential store (macOS Keychain, Windows Credential Manager, Secret
// Service on Linux) via github.com/zalando/go-keyring.
package keyring

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	oa "github.com/panyam/monitorauth"
)

// Store is an oa.SecureStore backed by the OS keychain. Each key becomes
// one keychain item under the store's service name.
type Store struct {
	service string
}

var _ oa.SecureStore = (*Store)(nil)

// New creates a store for service (oa.DefaultKeyringService when empty)
func New(service string) *Store {
	if service == "" {
		service = oa.DefaultKeyringService
	}
	return &Store{service: service}
}

func (s *Store) Put(key, secret string) error {
	if err := keyring.Set(s.service, key, secret); err != nil {
		return fmt.Errorf("keyring: failed to store %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(key string) (string, bool, error) {
	v, err := keyring.Get(s.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("keyring: failed to read %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) Clear(key string) error {
	err := keyring.Delete(s.service, key)
	if err == nil || errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("keyring: failed to delete %s: %w", key, err)
}

// Service returns the keychain service name
func (s *Store) Service() string {
	return s.service
}
