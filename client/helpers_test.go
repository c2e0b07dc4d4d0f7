package client

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	oa "github.com/panyam/monitorauth"
	"github.com/panyam/monitorauth/authtest"
	"github.com/panyam/monitorauth/client/stores/memory"
)

const (
	testUser     = "alice"
	testEmail    = "alice@example.com"
	testPassword = "correct-horse"
)

type fixture struct {
	srv   *authtest.Server
	api   *Transport
	store *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := authtest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddUser(testUser, testEmail, testPassword)

	api, err := NewTransport(srv.BaseURL(), WithTransportLogger(zerolog.Nop()))
	require.NoError(t, err)
	return &fixture{srv: srv, api: api, store: memory.New()}
}

func (f *fixture) manager(t *testing.T, opts ...SessionOption) *SessionManager {
	t.Helper()
	opts = append([]SessionOption{WithLogger(zerolog.Nop())}, opts...)
	m := NewSessionManager(f.api, f.store, f.store, opts...)
	t.Cleanup(m.Close)
	return m
}

// storePair seeds storage as a previous run with remember-me would have left it
func (f *fixture) storePair(t *testing.T) oa.CredentialPair {
	t.Helper()
	pair, err := f.srv.IssuePair(testUser)
	require.NoError(t, err)
	require.NoError(t, f.store.Put(oa.KeyAccessToken, pair.AccessToken))
	require.NoError(t, f.store.Put(oa.KeyRefreshToken, pair.RefreshToken))
	require.NoError(t, f.store.SetBool(oa.PrefRememberMe, true))
	return pair
}

func (f *fixture) storedPair(t *testing.T) oa.CredentialPair {
	t.Helper()
	access, _, err := f.store.Get(oa.KeyAccessToken)
	require.NoError(t, err)
	refresh, _, err := f.store.Get(oa.KeyRefreshToken)
	require.NoError(t, err)
	return oa.CredentialPair{AccessToken: access, RefreshToken: refresh}
}

func (f *fixture) login(t *testing.T, m *SessionManager, rememberMe bool) {
	t.Helper()
	_, err := m.Login(testCtx(t), testUser, testPassword, rememberMe)
	require.NoError(t, err)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (m *SessionManager) currentPhase() phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}
