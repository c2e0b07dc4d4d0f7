package fs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	oa "github.com/panyam/monitorauth"
)

// PreferenceStore keeps boolean preferences in a plain JSON file
type PreferenceStore struct {
	mu   sync.Mutex
	path string
}

var _ oa.PreferenceStore = (*PreferenceStore)(nil)

// NewPreferenceStore creates a store in dir (DefaultDir(appName) when empty)
func NewPreferenceStore(dir string, appName string) (*PreferenceStore, error) {
	if dir == "" {
		d, err := DefaultDir(appName)
		if err != nil {
			return nil, err
		}
		dir = d
	}
	return &PreferenceStore{path: filepath.Join(dir, prefsFileName)}, nil
}

func (s *PreferenceStore) load() (map[string]bool, error) {
	prefs := make(map[string]bool)
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return prefs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil, fmt.Errorf("failed to parse preferences: %w", err)
	}
	return prefs, nil
}

func (s *PreferenceStore) SetBool(key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefs, err := s.load()
	if err != nil {
		return err
	}
	prefs[key] = value
	data, err := json.MarshalIndent(prefs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize preferences: %w", err)
	}
	return writeFileAtomic(s.path, data, 0600)
}

func (s *PreferenceStore) Bool(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefs, err := s.load()
	if err != nil {
		return false, err
	}
	return prefs[key], nil
}

// Path returns the path to the preferences file
func (s *PreferenceStore) Path() string {
	return s.path
}
