// Package client implements the client side of the monitoring service's
// session: the HTTP auth transport, the session manager with its background
// refresh timer, and HTTP/oauth2 helpers for authenticated API callers.
package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	oa "github.com/panyam/monitorauth"
	"github.com/panyam/monitorauth/client/stores/memory"
)

// phase is the internal state of the session state machine. The published
// oa.SessionState is Authenticated in every phase that holds a pair.
type phase int

const (
	phaseNoSession  phase = iota
	phaseRestored         // loaded from storage, not yet confirmed by the server
	phaseLive             // confirmed by login, register, refresh or validation
	phaseRefreshing       // a refresh is in flight
)

func (p phase) String() string {
	switch p {
	case phaseRestored:
		return "restored"
	case phaseLive:
		return "live"
	case phaseRefreshing:
		return "refreshing"
	default:
		return "no-session"
	}
}

// SessionManager owns the credential pair, the background refresh timer and
// the published session state. Network calls run on the caller's goroutine;
// every change to shared state is applied under a single mutex, in the order
// the results arrive.
type SessionManager struct {
	api     AuthAPI
	secrets oa.SecureStore
	prefs   oa.PreferenceStore
	logger  zerolog.Logger

	refreshInterval  time.Duration
	refreshThreshold time.Duration
	tickTimeout      time.Duration
	baseTransport    http.RoundTripper

	mu         sync.Mutex
	pair       oa.CredentialPair
	phase      phase
	epoch      uint64 // bumped whenever a session starts or ends
	rememberMe bool
	user       *oa.User

	refreshes   singleflight.Group
	scheduler   *refreshScheduler
	broadcaster *stateBroadcaster
}

var _ TokenProvider = (*SessionManager)(nil)

// SessionOption configures a SessionManager
type SessionOption func(*SessionManager)

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) SessionOption {
	return func(m *SessionManager) {
		m.logger = l
	}
}

// WithRefreshInterval sets how often a live session checks the access
// token's remaining lifetime. Defaults to 5 minutes.
func WithRefreshInterval(d time.Duration) SessionOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.refreshInterval = d
		}
	}
}

// WithRefreshThreshold sets the remaining lifetime at or below which the
// access token is refreshed. Defaults to 2 minutes.
func WithRefreshThreshold(d time.Duration) SessionOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.refreshThreshold = d
		}
	}
}

// WithTickTimeout bounds the work done by one background tick
func WithTickTimeout(d time.Duration) SessionOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.tickTimeout = d
		}
	}
}

// WithBaseTransport sets the RoundTripper under HTTPClient's bearer handling
func WithBaseTransport(rt http.RoundTripper) SessionOption {
	return func(m *SessionManager) {
		m.baseTransport = rt
	}
}

// NewSessionManager creates a manager and restores any persisted pair.
// A restored pair is reported as authenticated but is not trusted until
// ValidateAndRefreshIfNeeded confirms it; the refresh timer starts then.
// Nil stores fall back to process memory.
func NewSessionManager(api AuthAPI, secrets oa.SecureStore, prefs oa.PreferenceStore, opts ...SessionOption) *SessionManager {
	if secrets == nil || prefs == nil {
		mem := memory.New()
		if secrets == nil {
			secrets = mem
		}
		if prefs == nil {
			prefs = mem
		}
	}

	m := &SessionManager{
		api:              api,
		secrets:          secrets,
		prefs:            prefs,
		logger:           log.Logger.With().Str("component", "session").Logger(),
		refreshInterval:  oa.DefaultRefreshInterval,
		refreshThreshold: oa.DefaultRefreshThreshold,
		tickTimeout:      3 * oa.DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.scheduler = newRefreshScheduler(m.refreshInterval, m.tick)
	m.restore()
	m.broadcaster = newStateBroadcaster(m.stateLocked())
	return m
}

// restore loads the persisted remember-me flag and pair. A half-present
// pair is discarded.
func (m *SessionManager) restore() {
	remember, err := m.prefs.Bool(oa.PrefRememberMe)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to read remember-me preference")
	}
	m.rememberMe = remember

	access, okA, errA := m.secrets.Get(oa.KeyAccessToken)
	refresh, okR, errR := m.secrets.Get(oa.KeyRefreshToken)
	if err := errors.Join(errA, errR); err != nil {
		m.logger.Warn().Err(err).Msg("failed to read stored credentials")
		return
	}

	pair := oa.CredentialPair{AccessToken: access, RefreshToken: refresh}
	switch {
	case okA && okR && pair.Complete():
		m.pair = pair
		m.phase = phaseRestored
		m.logger.Debug().Msg("restored stored credentials")
	case okA || okR:
		m.logger.Warn().Msg("discarding incomplete stored credentials")
		m.clearStoredLocked()
	}
}

// State returns the published session state
func (m *SessionManager) State() oa.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// IsAuthenticated is shorthand for State() == oa.Authenticated
func (m *SessionManager) IsAuthenticated() bool {
	return m.State() == oa.Authenticated
}

// Subscribe returns a channel that immediately yields the current state and
// then every change. Call cancel to release it; the channel is closed then.
func (m *SessionManager) Subscribe() (<-chan oa.SessionState, func()) {
	return m.broadcaster.subscribe()
}

// Credentials returns a copy of the in-memory pair (empty when there is no session)
func (m *SessionManager) Credentials() oa.CredentialPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pair
}

// AccessToken returns the current access token or oa.ErrNotAuthenticated
func (m *SessionManager) AccessToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pair.Complete() {
		return "", oa.ErrNotAuthenticated
	}
	return m.pair.AccessToken, nil
}

// RememberMe returns the recorded remember-me preference
func (m *SessionManager) RememberMe() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rememberMe
}

// CurrentUser returns the most recently fetched profile, nil if none
func (m *SessionManager) CurrentUser() *oa.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

// HTTPClient returns a client that authenticates requests with the session's
// access token and refreshes once when a request comes back 401
func (m *SessionManager) HTTPClient() *http.Client {
	return &http.Client{Transport: NewBearerTransport(m.baseTransport, m)}
}

// Close stops the refresh timer and waits for a running tick to finish.
// The in-memory session is left as is.
func (m *SessionManager) Close() {
	m.scheduler.close()
}

// Login authenticates with a username or email and password. rememberMe
// controls whether the pair is written to durable storage.
func (m *SessionManager) Login(ctx context.Context, identifier, password string, rememberMe bool) (*oa.User, error) {
	resp, err := m.api.Login(ctx, identifier, password)
	if err != nil {
		m.logger.Info().Str("kind", oa.KindOf(err).String()).Msg("login failed")
		return nil, err
	}
	return m.establish(resp, rememberMe, "login")
}

// Register creates an account and starts a session for it
func (m *SessionManager) Register(ctx context.Context, username, email, password string, rememberMe bool) (*oa.User, error) {
	resp, err := m.api.Register(ctx, username, email, password)
	if err != nil {
		m.logger.Info().Str("kind", oa.KindOf(err).String()).Msg("registration failed")
		return nil, err
	}
	return m.establish(resp, rememberMe, "register")
}

func (m *SessionManager) establish(resp *oa.AuthResponse, rememberMe bool, how string) (*oa.User, error) {
	pair := resp.Pair()
	if !pair.Complete() {
		return nil, oa.NewError(oa.KindDecoding, "response is missing tokens")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.setRememberMeLocked(rememberMe)
	m.epoch++
	m.pair = pair
	m.phase = phaseLive
	m.user = resp.User
	m.persistLocked()
	m.publishLocked()
	m.scheduler.start()

	ev := m.logger.Info().Str("via", how).Bool("remember_me", rememberMe)
	if resp.User != nil {
		ev = ev.Int64("user_id", resp.User.ID)
	}
	ev.Msg("session started")
	return resp.User, nil
}

// ValidateAndRefreshIfNeeded confirms the session with the server. With no
// pair it reports false without any network call. If the server reports more
// than the refresh threshold left, the session is live and the timer is
// (re)started. Otherwise, including when the time-left query fails, a refresh
// is attempted and its outcome reported. A transient refresh failure returns
// false with the error but keeps the current pair.
func (m *SessionManager) ValidateAndRefreshIfNeeded(ctx context.Context) (bool, error) {
	m.mu.Lock()
	pair, epoch := m.pair, m.epoch
	m.mu.Unlock()
	if !pair.Complete() {
		return false, nil
	}

	secs, err := m.api.TimeLeft(ctx, pair.AccessToken)
	if err == nil && m.outsideThreshold(secs) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.pair != pair {
			// superseded while we were asking; report whatever is current
			return m.pair.Complete(), nil
		}
		if m.phase == phaseRestored {
			m.phase = phaseLive
		}
		m.scheduler.start()
		m.logger.Debug().Int("time_left_seconds", secs).Msg("session validated")
		return true, nil
	}

	if err != nil {
		m.logger.Debug().Str("kind", oa.KindOf(err).String()).Msg("time-left query failed, refreshing")
	} else {
		m.logger.Debug().Int("time_left_seconds", secs).Msg("access token near expiry, refreshing")
	}
	if err := m.refreshFrom(ctx, pair, epoch); err != nil {
		return false, err
	}
	return m.IsAuthenticated(), nil
}

func (m *SessionManager) outsideThreshold(secs int) bool {
	return time.Duration(secs)*time.Second > m.refreshThreshold
}

// Refresh exchanges the refresh token for a new pair. On success the pair is
// replaced and persisted and the timer restarted. A 401 ends the session and
// clears storage and remember-me. Any other failure leaves the session as it
// was. Concurrent refreshes of the same pair share one network call.
func (m *SessionManager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	pair, epoch := m.pair, m.epoch
	m.mu.Unlock()
	return m.refreshFrom(ctx, pair, epoch)
}

// refreshFrom refreshes the pair the caller observed. If that pair has
// already been replaced the call succeeds without touching the network, so a
// single-use refresh token is never presented twice.
func (m *SessionManager) refreshFrom(ctx context.Context, pair oa.CredentialPair, epoch uint64) error {
	if !pair.Complete() {
		return oa.ErrNotAuthenticated
	}

	_, err, _ := m.refreshes.Do(pair.RefreshToken, func() (interface{}, error) {
		return nil, m.refresh(ctx, pair, epoch)
	})
	return err
}

func (m *SessionManager) refresh(ctx context.Context, pair oa.CredentialPair, epoch uint64) error {
	m.mu.Lock()
	if m.epoch != epoch || m.pair != pair {
		// another refresh or a logout got here first
		current := m.pair.Complete()
		m.mu.Unlock()
		if current {
			return nil
		}
		return oa.ErrNotAuthenticated
	}
	prev := m.phase
	m.phase = phaseRefreshing
	m.mu.Unlock()

	resp, err := m.api.Refresh(ctx, pair.RefreshToken)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epoch != epoch || m.pair != pair {
		m.logger.Debug().Msg("discarding refresh result for a superseded session")
		if m.pair.Complete() {
			return nil
		}
		return oa.ErrNotAuthenticated
	}

	if err != nil {
		if errors.Is(err, oa.ErrUnauthorized) {
			m.logger.Warn().Msg("refresh token rejected, ending session")
			m.setRememberMeLocked(false)
			m.endSessionLocked()
			return err
		}
		m.phase = prev
		m.logger.Warn().Str("kind", oa.KindOf(err).String()).Str("phase", prev.String()).Err(err).Msg("refresh failed, keeping current credentials")
		return err
	}

	next := resp.Pair()
	if !next.Complete() {
		m.phase = prev
		return oa.NewError(oa.KindDecoding, "refresh response is missing tokens")
	}

	m.pair = next
	m.phase = phaseLive
	if resp.User != nil {
		m.user = resp.User
	}
	m.persistLocked()
	m.publishLocked()
	m.scheduler.start()
	m.logger.Info().Msg("credentials refreshed")
	return nil
}

// HandleUnauthorized is called by authenticated API callers whose request
// carrying rejected came back 401. If the pair has moved on since, nothing
// is done; otherwise the session is refreshed.
func (m *SessionManager) HandleUnauthorized(ctx context.Context, rejected string) error {
	m.mu.Lock()
	current, epoch := m.pair, m.epoch
	m.mu.Unlock()
	if !current.Complete() {
		return oa.ErrNotAuthenticated
	}
	if rejected != "" && current.AccessToken != rejected {
		return nil
	}
	return m.refreshFrom(ctx, current, epoch)
}

// Logout ends the session locally, then tells the server on a best-effort
// basis. It always succeeds and is idempotent.
func (m *SessionManager) Logout(ctx context.Context) error {
	m.mu.Lock()
	pair := m.pair
	m.endSessionLocked()
	m.mu.Unlock()

	if pair.AccessToken == "" {
		return nil
	}
	if err := m.api.Logout(ctx, pair.AccessToken); err != nil {
		m.logger.Debug().Str("kind", oa.KindOf(err).String()).Msg("server logout failed, ignored")
	}
	m.logger.Info().Msg("logged out")
	return nil
}

// GetCurrentUser fetches the signed in user's profile and caches it
func (m *SessionManager) GetCurrentUser(ctx context.Context) (*oa.User, error) {
	var user *oa.User
	epoch, err := m.withAuth(ctx, func(token string) error {
		var err error
		user, err = m.api.CurrentUser(ctx, token)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch == epoch {
		m.user = user
	}
	return user, nil
}

// UpdateCurrentUser applies a partial profile update. When the server rotates
// the pair alongside the profile the new pair replaces the old one; the pair
// is re-persisted either way.
func (m *SessionManager) UpdateCurrentUser(ctx context.Context, req oa.UpdateUserRequest) (*oa.User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var resp *oa.AuthResponse
	epoch, err := m.withAuth(ctx, func(token string) error {
		var err error
		resp, err = m.api.UpdateCurrentUser(ctx, token, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return resp.User, nil
	}
	if next := resp.Pair(); next.Complete() {
		m.pair = next
		m.logger.Debug().Msg("profile update rotated credentials")
	}
	if resp.User != nil {
		m.user = resp.User
	}
	m.persistLocked()
	return resp.User, nil
}

// DeleteCurrentUser deletes the account after re-authenticating with the
// current password. On success the session ends as with Logout and the
// server's confirmation message is returned; on failure nothing changes.
func (m *SessionManager) DeleteCurrentUser(ctx context.Context, currentPassword string) (string, error) {
	if currentPassword == "" {
		return "", oa.NewError(oa.KindBadRequest, "current password is required")
	}

	var msg string
	epoch, err := m.withAuth(ctx, func(token string) error {
		var err error
		msg, err = m.api.DeleteCurrentUser(ctx, token, currentPassword)
		return err
	})
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch == epoch {
		m.endSessionLocked()
	}
	m.logger.Info().Msg("account deleted")
	return msg, nil
}

// withAuth runs call with the current access token. On a 401 it refreshes
// once and retries once with the new token. It returns the session epoch the
// successful call ran under.
func (m *SessionManager) withAuth(ctx context.Context, call func(accessToken string) error) (uint64, error) {
	m.mu.Lock()
	pair, epoch := m.pair, m.epoch
	m.mu.Unlock()
	if !pair.Complete() {
		return 0, oa.ErrNotAuthenticated
	}

	err := call(pair.AccessToken)
	if !errors.Is(err, oa.ErrUnauthorized) {
		return epoch, err
	}

	if rerr := m.HandleUnauthorized(ctx, pair.AccessToken); rerr != nil {
		if errors.Is(rerr, oa.ErrUnauthorized) || errors.Is(rerr, oa.ErrNotAuthenticated) {
			return 0, rerr
		}
		return 0, err
	}

	m.mu.Lock()
	retry, retryEpoch := m.pair, m.epoch
	m.mu.Unlock()
	if !retry.Complete() || retryEpoch != epoch {
		return 0, oa.ErrNotAuthenticated
	}
	return retryEpoch, call(retry.AccessToken)
}

// tick is the background check: refresh when the access token is at or
// below the threshold or was rejected; other failures wait for the next tick
func (m *SessionManager) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), m.tickTimeout)
	defer cancel()

	m.mu.Lock()
	pair, epoch := m.pair, m.epoch
	m.mu.Unlock()
	if !pair.Complete() {
		return
	}

	secs, err := m.api.TimeLeft(ctx, pair.AccessToken)
	switch {
	case err == nil && m.outsideThreshold(secs):
		m.logger.Debug().Int("time_left_seconds", secs).Msg("access token fresh")
		return
	case err == nil:
		m.logger.Debug().Int("time_left_seconds", secs).Msg("proactive refresh")
	case errors.Is(err, oa.ErrUnauthorized):
		m.logger.Debug().Msg("access token rejected, refreshing")
	default:
		m.logger.Warn().Str("kind", oa.KindOf(err).String()).Err(err).Msg("time-left check failed, retrying next tick")
		return
	}

	if err := m.refreshFrom(ctx, pair, epoch); err != nil && !errors.Is(err, oa.ErrUnauthorized) {
		m.logger.Debug().Err(err).Msg("background refresh did not complete")
	}
}

// stateLocked derives the published state from the pair. Caller holds m.mu
// (or is the constructor).
func (m *SessionManager) stateLocked() oa.SessionState {
	if m.pair.Complete() {
		return oa.Authenticated
	}
	return oa.Unauthenticated
}

func (m *SessionManager) publishLocked() {
	m.broadcaster.publish(m.stateLocked())
}

// endSessionLocked clears the pair in memory and storage, stops the timer
// and publishes Unauthenticated. Caller holds m.mu.
func (m *SessionManager) endSessionLocked() {
	m.scheduler.stop()
	m.epoch++
	m.pair = oa.CredentialPair{}
	m.user = nil
	m.phase = phaseNoSession
	m.clearStoredLocked()
	m.publishLocked()
}

// persistLocked mirrors the pair to durable storage when remember-me is on,
// and makes sure nothing is left there when it is off. Storage failures are
// logged: the in-memory pair stays authoritative for this process.
func (m *SessionManager) persistLocked() {
	if !m.rememberMe || !m.pair.Complete() {
		m.clearStoredLocked()
		return
	}
	if err := m.secrets.Put(oa.KeyAccessToken, m.pair.AccessToken); err != nil {
		m.logger.Error().Err(err).Msg("failed to persist access token")
		m.clearStoredLocked()
		return
	}
	if err := m.secrets.Put(oa.KeyRefreshToken, m.pair.RefreshToken); err != nil {
		m.logger.Error().Err(err).Msg("failed to persist refresh token")
		m.clearStoredLocked()
	}
}

func (m *SessionManager) clearStoredLocked() {
	for _, key := range []string{oa.KeyAccessToken, oa.KeyRefreshToken} {
		if err := m.secrets.Clear(key); err != nil {
			m.logger.Error().Err(err).Str("key", key).Msg("failed to clear stored credential")
		}
	}
}

func (m *SessionManager) setRememberMeLocked(v bool) {
	m.rememberMe = v
	if err := m.prefs.SetBool(oa.PrefRememberMe, v); err != nil {
		m.logger.Error().Err(err).Msg("failed to persist remember-me preference")
	}
}
