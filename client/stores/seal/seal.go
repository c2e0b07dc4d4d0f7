// Package seal encrypts stored secrets with NaCl secretbox. Keys are either
// random (kept in a key file by the caller) or derived from a passphrase
// with argon2id.
package seal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	SaltSize  = 16
	nonceSize = 24
)

// argon2id parameters (RFC 9106 second recommendation)
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// ErrOpen is returned when a sealed value fails authentication, e.g. it was
// written with another key or has been tampered with
var ErrOpen = errors.New("seal: cannot open sealed value")

// Key is a secretbox key
type Key [KeySize]byte

// NewKey returns a random key
func NewKey() (*Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return nil, fmt.Errorf("seal: failed to generate key: %w", err)
	}
	return &k, nil
}

// KeyFromBytes copies b into a key. b must be KeySize bytes long.
func KeyFromBytes(b []byte) (*Key, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("seal: key must be %d bytes, got %d", KeySize, len(b))
	}
	var k Key
	copy(k[:], b)
	return &k, nil
}

// NewSalt returns a random salt for KeyFromPassphrase
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("seal: failed to generate salt: %w", err)
	}
	return salt, nil
}

// KeyFromPassphrase derives a key with argon2id
func KeyFromPassphrase(passphrase string, salt []byte) *Key {
	var k Key
	copy(k[:], argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, KeySize))
	return &k
}

// Sealer seals and opens values with one key
type Sealer struct {
	key *[KeySize]byte
}

// New creates a Sealer
func New(key *Key) *Sealer {
	k := [KeySize]byte(*key)
	return &Sealer{key: &k}
}

// Seal encrypts plaintext and returns base64(nonce || box)
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("seal: failed to generate nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], plaintext, &nonce, s.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal
func (s *Sealer) Open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return nil, ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, s.key)
	if !ok {
		return nil, ErrOpen
	}
	return plain, nil
}

// LoadOrCreateKeyFile reads a base64 key from path, creating the file with
// a random key (mode 0600) when it does not exist
func LoadOrCreateKeyFile(path string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		raw, derr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if derr != nil {
			return nil, fmt.Errorf("seal: corrupt key file %s: %w", path, derr)
		}
		return KeyFromBytes(raw)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("seal: failed to read key file: %w", err)
	}

	key, err := NewKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("seal: failed to create key directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if os.IsExist(err) {
		// lost a race with another process creating it
		return LoadOrCreateKeyFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("seal: failed to create key file: %w", err)
	}
	_, werr := f.WriteString(base64.StdEncoding.EncodeToString(key[:]))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return nil, fmt.Errorf("seal: failed to write key file: %w", werr)
	}
	return key, nil
}
