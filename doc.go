// Package monitorauth manages the authenticated session of a monitoring client.
//
// A client holds a pair of bearer credentials (a short lived access token and
// a single-use refresh token) issued by the monitoring service's auth API.
// This module acquires that pair, keeps it in memory, mirrors it into durable
// secure storage when the user asked to be remembered, refreshes it before it
// expires and publishes a single authenticated/unauthenticated signal that the
// rest of the application gates on.
//
// # Architecture
//
// The root package holds the shared vocabulary: CredentialPair, User,
// SessionState, the error taxonomy and the storage contracts.
//
// SecureStore: opaque key/value storage for the two tokens. It is a passive
// mirror and never initiates changes. Implementations live under
// client/stores (memory, fs, keyring, gorm).
//
// PreferenceStore: durable booleans outside the secure partition, used for
// the remember-me flag.
//
// client.Transport: the HTTP binding of the auth API. It maps status codes to
// error kinds and never refreshes tokens itself.
//
// client.SessionManager: owns the in-memory pair, the background refresh
// timer and the published state. All state changes are serialized; network
// calls are not.
//
// # Basic Usage
//
//	api, err := client.NewTransport("https://monitor.example.com/auth")
//	if err != nil {
//	    return err
//	}
//	secrets, _ := fs.NewSecureStore("", "monitor")
//	prefs, _ := fs.NewPreferenceStore("", "monitor")
//
//	sm := client.NewSessionManager(api, secrets, prefs)
//	defer sm.Close()
//
//	if ok, _ := sm.ValidateAndRefreshIfNeeded(ctx); !ok {
//	    if _, err := sm.Login(ctx, "alice", "secret", true); err != nil {
//	        return err
//	    }
//	}
//
//	httpClient := sm.HTTPClient() // attaches the bearer token, refreshes on 401
//
// # Refresh Policy
//
// The access token is refreshed when the server reports 120 seconds or less
// of remaining lifetime, checked on validation and every 5 minutes while a
// session is live. Only a 401 from the refresh endpoint ends the session;
// network failures, decoding errors and 5xx responses leave the current pair
// in place and are retried on the next tick or validation.
//
// # Testing
//
// The authtest package runs an in-process implementation of the auth API
// with hooks for injecting failures and controlling token lifetimes.
package monitorauth
