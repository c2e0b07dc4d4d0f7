// Package fs provides file system-based stores for monitorauth: a sealed
// secrets file for the credential pair and a plain JSON file for preferences.
package fs

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	oa "github.com/panyam/monitorauth"
	"github.com/panyam/monitorauth/client/stores/seal"
)

const (
	secretsFileName = "secrets.json"
	keyFileName     = "secrets.key"
	prefsFileName   = "preferences.json"
)

// SecureStore keeps secrets in a JSON file whose values are sealed with
// secretbox. Every Get re-reads the file; nothing is cached.
type SecureStore struct {
	mu      sync.Mutex
	path    string
	keyPath string
	sealer  *seal.Sealer
}

var _ oa.SecureStore = (*SecureStore)(nil)

// secretsFile is the JSON structure stored on disk
type secretsFile struct {
	Version int               `json:"version"`
	Salt    string            `json:"salt,omitempty"` // base64, set when the key is passphrase-derived
	Items   map[string]string `json:"items"`
}

type storeOptions struct {
	passphrase string
	key        *seal.Key
}

// Option configures a SecureStore
type Option func(*storeOptions)

// WithPassphrase derives the sealing key from a passphrase instead of a key file
func WithPassphrase(p string) Option {
	return func(o *storeOptions) {
		o.passphrase = p
	}
}

// WithKey seals with an explicit key instead of a key file
func WithKey(k *seal.Key) Option {
	return func(o *storeOptions) {
		o.key = k
	}
}

// DefaultDir returns ~/.config/<appName> (or the platform's equivalent)
func DefaultDir(appName string) (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not determine config directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	if appName == "" {
		appName = "monitorauth"
	}
	return filepath.Join(configDir, appName), nil
}

// NewSecureStore creates a store in dir. If dir is empty, defaults to
// DefaultDir(appName). Without options the sealing key is read from (or
// created in) a key file next to the secrets file.
func NewSecureStore(dir string, appName string, opts ...Option) (*SecureStore, error) {
	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}

	if dir == "" {
		d, err := DefaultDir(appName)
		if err != nil {
			return nil, err
		}
		dir = d
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &SecureStore{
		path:    filepath.Join(dir, secretsFileName),
		keyPath: filepath.Join(dir, keyFileName),
	}

	key, err := s.resolveKey(o)
	if err != nil {
		return nil, err
	}
	s.sealer = seal.New(key)
	return s, nil
}

func (s *SecureStore) resolveKey(o storeOptions) (*seal.Key, error) {
	switch {
	case o.key != nil:
		return o.key, nil
	case o.passphrase != "":
		return s.passphraseKey(o.passphrase)
	default:
		return s.fileKey()
	}
}

// passphraseKey derives the key from the salt recorded in the secrets file,
// writing a fresh salt when the file does not exist yet
func (s *SecureStore) passphraseKey(passphrase string) (*seal.Key, error) {
	file, err := s.load()
	if err != nil {
		return nil, err
	}
	if file.Salt == "" {
		if len(file.Items) > 0 {
			return nil, errors.New("secrets file was not written with a passphrase")
		}
		salt, err := seal.NewSalt()
		if err != nil {
			return nil, err
		}
		file.Salt = base64.StdEncoding.EncodeToString(salt)
		if err := s.write(file); err != nil {
			return nil, err
		}
	}
	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return nil, fmt.Errorf("corrupt salt in secrets file: %w", err)
	}
	return seal.KeyFromPassphrase(passphrase, salt), nil
}

func (s *SecureStore) fileKey() (*seal.Key, error) {
	return seal.LoadOrCreateKeyFile(s.keyPath)
}

// load reads the secrets file; a missing file is an empty store
func (s *SecureStore) load() (*secretsFile, error) {
	file := &secretsFile{Version: 1, Items: make(map[string]string)}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return file, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	if err := json.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("failed to parse secrets file: %w", err)
	}
	if file.Items == nil {
		file.Items = make(map[string]string)
	}
	return file, nil
}

func (s *SecureStore) write(file *secretsFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize secrets: %w", err)
	}
	// Write with restricted permissions (owner read/write only)
	if err := writeFileAtomic(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write secrets: %w", err)
	}
	return nil
}

// Put seals and stores secret under key
func (s *SecureStore) Put(key, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}
	sealed, err := s.sealer.Seal([]byte(secret))
	if err != nil {
		return err
	}
	file.Items[key] = sealed
	return s.write(file)
}

// Get reads and opens the secret stored under key
func (s *SecureStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return "", false, err
	}
	sealed, ok := file.Items[key]
	if !ok {
		return "", false, nil
	}
	plain, err := s.sealer.Open(sealed)
	if err != nil {
		return "", false, fmt.Errorf("secret %q: %w", key, err)
	}
	return string(plain), true, nil
}

// Clear removes key; the file is not rewritten when key is absent
func (s *SecureStore) Clear(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := file.Items[key]; !ok {
		return nil
	}
	delete(file.Items, key)
	return s.write(file)
}

// Path returns the path to the secrets file
func (s *SecureStore) Path() string {
	return s.path
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path, so readers never see a partial file
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
