package monitorauth

// Keys used for the persisted session
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	PrefRememberMe  = "remember_me"
)

// SecureStore is durable storage for secrets with at most one value per key.
// Implementations must not cache values: every Get reads the backing storage.
type SecureStore interface {
	// Put stores secret under key, replacing any existing value
	Put(key, secret string) error

	// Get returns the secret for key. ok is false if the key was never
	// written or has been cleared.
	Get(key string) (secret string, ok bool, err error)

	// Clear removes key. Clearing an absent key is not an error.
	Clear(key string) error
}

// PreferenceStore is durable storage for non-secret user preferences
type PreferenceStore interface {
	// SetBool stores a boolean preference
	SetBool(key string, value bool) error

	// Bool returns the stored preference, false if it was never set
	Bool(key string) (bool, error)
}
