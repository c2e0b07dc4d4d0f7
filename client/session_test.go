package client

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oa "github.com/panyam/monitorauth"
	"github.com/panyam/monitorauth/authtest"
)

func TestSession_FreshInstall(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	assert.Equal(t, oa.Unauthenticated, m.State())
	ok, err := m.ValidateAndRefreshIfNeeded(testCtx(t))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, f.srv.Calls(authtest.RouteTimeLeft), "no session means no network call")
	assert.False(t, m.scheduler.running())
}

func TestSession_RestoredAndValid(t *testing.T) {
	f := newFixture(t)
	stored := f.storePair(t)
	m := f.manager(t)

	// restored optimistically before any server round trip
	assert.Equal(t, oa.Authenticated, m.State())
	assert.Equal(t, phaseRestored, m.currentPhase())
	assert.True(t, m.RememberMe())
	assert.False(t, m.scheduler.running())

	f.srv.SetTimeLeft(300)
	ok, err := m.ValidateAndRefreshIfNeeded(testCtx(t))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, phaseLive, m.currentPhase())
	assert.Equal(t, 0, f.srv.Calls(authtest.RouteRefresh))
	assert.Equal(t, stored, m.Credentials())
	assert.True(t, m.scheduler.running())
}

func TestSession_ValidateThreshold(t *testing.T) {
	tests := []struct {
		timeLeft    int
		wantRefresh bool
	}{
		{timeLeft: 60, wantRefresh: true},
		{timeLeft: 120, wantRefresh: true}, // at the threshold refreshes
		{timeLeft: 121, wantRefresh: false},
		{timeLeft: 0, wantRefresh: true},
	}
	for _, tc := range tests {
		t.Run(time.Duration(tc.timeLeft*int(time.Second)).String(), func(t *testing.T) {
			f := newFixture(t)
			stored := f.storePair(t)
			m := f.manager(t)

			f.srv.SetTimeLeft(tc.timeLeft)
			ok, err := m.ValidateAndRefreshIfNeeded(testCtx(t))
			require.NoError(t, err)
			assert.True(t, ok)
			assert.True(t, m.scheduler.running())

			if !tc.wantRefresh {
				assert.Equal(t, 0, f.srv.Calls(authtest.RouteRefresh))
				assert.Equal(t, stored, m.Credentials())
				return
			}
			assert.Equal(t, 1, f.srv.Calls(authtest.RouteRefresh))
			fresh := m.Credentials()
			assert.NotEqual(t, stored, fresh)
			assert.Equal(t, fresh, f.storedPair(t), "refreshed pair must be persisted")
			assert.False(t, f.srv.RefreshTokenValid(stored.RefreshToken))
		})
	}
}

func TestSession_ValidateRefreshesWhenTimeLeftFails(t *testing.T) {
	f := newFixture(t)
	stored := f.storePair(t)
	m := f.manager(t)

	f.srv.FailNext(authtest.RouteTimeLeft, http.StatusInternalServerError, "boom")
	ok, err := m.ValidateAndRefreshIfNeeded(testCtx(t))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, f.srv.Calls(authtest.RouteRefresh))
	assert.NotEqual(t, stored, m.Credentials())
}

func TestSession_OfflineKeepsCredentials(t *testing.T) {
	f := newFixture(t)
	stored := f.storePair(t)
	m := f.manager(t)

	f.srv.DropNext(authtest.RouteTimeLeft)
	f.srv.DropNext(authtest.RouteRefresh)

	ok, err := m.ValidateAndRefreshIfNeeded(testCtx(t))
	assert.False(t, ok)
	assert.ErrorIs(t, err, oa.ErrNetwork)

	assert.Equal(t, oa.Authenticated, m.State())
	assert.Equal(t, phaseRestored, m.currentPhase())
	assert.Equal(t, stored, m.Credentials())
	assert.Equal(t, stored, f.storedPair(t))
	assert.True(t, m.RememberMe())
}

func TestSession_RefreshRejectedEndsSession(t *testing.T) {
	f := newFixture(t)
	f.storePair(t)
	m := f.manager(t)

	updates, cancel := m.Subscribe()
	defer cancel()
	require.Equal(t, oa.Authenticated, <-updates)

	f.srv.RevokeRefreshTokens()
	f.srv.SetTimeLeft(10)

	ok, err := m.ValidateAndRefreshIfNeeded(testCtx(t))
	assert.False(t, ok)
	assert.ErrorIs(t, err, oa.ErrUnauthorized)

	assert.Equal(t, oa.Unauthenticated, m.State())
	assert.True(t, m.Credentials().Empty())
	assert.Equal(t, 0, f.store.Len())
	assert.False(t, m.RememberMe())
	remembered, _ := f.store.Bool(oa.PrefRememberMe)
	assert.False(t, remembered)
	assert.False(t, m.scheduler.running())
	assert.Equal(t, oa.Unauthenticated, <-updates)
}

func TestSession_LoginWrongPassword(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	_, err := m.Login(testCtx(t), testUser, "wrong", true)
	assert.ErrorIs(t, err, oa.ErrUnauthorized)
	assert.Equal(t, "invalid credentials", oa.MessageOf(err))
	assert.Equal(t, oa.Unauthenticated, m.State())
	assert.Equal(t, 0, f.store.Len())
	assert.False(t, m.scheduler.running())
}

func TestSession_Login(t *testing.T) {
	for _, remember := range []bool{true, false} {
		name := "forget"
		if remember {
			name = "remember"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			m := f.manager(t)

			user, err := m.Login(testCtx(t), testEmail, testPassword, remember)
			require.NoError(t, err)
			require.NotNil(t, user)
			assert.Equal(t, testUser, user.Username)
			assert.Equal(t, user, m.CurrentUser())

			assert.Equal(t, oa.Authenticated, m.State())
			assert.Equal(t, phaseLive, m.currentPhase())
			assert.True(t, m.scheduler.running())
			assert.Equal(t, remember, m.RememberMe())

			if remember {
				assert.Equal(t, m.Credentials(), f.storedPair(t))
			} else {
				assert.Equal(t, 0, f.store.Len(), "nothing persisted without remember-me")
			}
		})
	}
}

func TestSession_LoginClearsStaleStorageWithoutRememberMe(t *testing.T) {
	f := newFixture(t)
	f.storePair(t)
	m := f.manager(t)

	f.login(t, m, false)
	assert.Equal(t, 0, f.store.Len())
	assert.False(t, m.RememberMe())
}

func TestSession_StorageFailureDoesNotFailLogin(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	f.store.FailWrites(true)

	_, err := m.Login(testCtx(t), testUser, testPassword, true)
	require.NoError(t, err)
	assert.Equal(t, oa.Authenticated, m.State())
	assert.Equal(t, 0, f.store.Len(), "a failed write must not leave half a pair")
}

func TestSession_RestoreDiscardsPartialPair(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Put(oa.KeyAccessToken, "orphan"))
	m := f.manager(t)

	assert.Equal(t, oa.Unauthenticated, m.State())
	assert.Equal(t, 0, f.store.Len())
}

func TestSession_Register(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	user, err := m.Register(testCtx(t), "bob", "bob@example.com", "pw-bob", true)
	require.NoError(t, err)
	assert.Equal(t, "bob", user.Username)
	assert.Equal(t, oa.Authenticated, m.State())
	assert.Equal(t, 2, f.srv.UserCount())

	// separate storage so nothing is restored from bob's session
	other := NewSessionManager(f.api, nil, nil, WithLogger(zerolog.Nop()))
	defer other.Close()
	_, err = other.Register(testCtx(t), testUser, "someone@example.com", "pw", false)
	assert.ErrorIs(t, err, oa.ErrConflict)
	assert.Equal(t, "username already exists", oa.MessageOf(err))
	assert.Equal(t, oa.Unauthenticated, other.State())

	_, err = other.Register(testCtx(t), "carol", "not-an-email", "pw", false)
	assert.ErrorIs(t, err, oa.ErrBadRequest)
}

func TestSession_LogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	f.login(t, m, true)
	token := m.Credentials().AccessToken

	require.NoError(t, m.Logout(testCtx(t)))
	require.NoError(t, m.Logout(testCtx(t)))

	assert.Equal(t, oa.Unauthenticated, m.State())
	assert.True(t, m.Credentials().Empty())
	assert.Equal(t, 0, f.store.Len())
	assert.False(t, m.scheduler.running())
	assert.Equal(t, 1, f.srv.Calls(authtest.RouteLogout))
	assert.True(t, m.RememberMe(), "logout keeps the remember-me preference")

	_, err := f.api.CurrentUser(testCtx(t), token)
	assert.ErrorIs(t, err, oa.ErrUnauthorized, "server side session revoked")
}

func TestSession_LogoutSucceedsOffline(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	f.login(t, m, true)

	f.srv.DropNext(authtest.RouteLogout)
	require.NoError(t, m.Logout(testCtx(t)))
	assert.Equal(t, oa.Unauthenticated, m.State())
	assert.Equal(t, 0, f.store.Len())
}

func TestSession_LogoutDuringRefresh(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	f.login(t, m, true)

	arrived, release := f.srv.HoldNext(authtest.RouteRefresh)
	defer release()

	done := make(chan error, 1)
	go func() { done <- m.Refresh(testCtx(t)) }()
	<-arrived

	require.NoError(t, m.Logout(testCtx(t)))
	release()

	err := <-done
	assert.ErrorIs(t, err, oa.ErrNotAuthenticated)
	assert.Equal(t, oa.Unauthenticated, m.State())
	assert.True(t, m.Credentials().Empty(), "a late refresh must not resurrect the session")
	assert.Equal(t, 0, f.store.Len())
	assert.False(t, m.scheduler.running())
}

func TestSession_ConcurrentValidateSharesOneRefresh(t *testing.T) {
	f := newFixture(t)
	f.storePair(t)
	m := f.manager(t)
	f.srv.SetTimeLeft(30)

	arrived, release := f.srv.HoldNext(authtest.RouteRefresh)
	defer release()

	const n = 5
	var wg sync.WaitGroup
	results := make([]bool, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.ValidateAndRefreshIfNeeded(testCtx(t))
		}(i)
	}

	<-arrived
	require.Eventually(t, func() bool {
		return f.srv.Calls(authtest.RouteTimeLeft) == n
	}, 5*time.Second, 5*time.Millisecond)
	release()
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.NoError(t, errs[i])
		assert.True(t, results[i])
	}
	assert.Equal(t, 1, f.srv.Calls(authtest.RouteRefresh))
	assert.Equal(t, oa.Authenticated, m.State())
}

func TestSession_RefreshWithoutSession(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	assert.ErrorIs(t, m.Refresh(testCtx(t)), oa.ErrNotAuthenticated)
	assert.Equal(t, 0, f.srv.Calls(authtest.RouteRefresh))
}

func TestSession_RefreshTransientFailureKeepsPair(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	f.login(t, m, true)
	before := m.Credentials()

	f.srv.FailNext(authtest.RouteRefresh, http.StatusServiceUnavailable, "try later")
	err := m.Refresh(testCtx(t))
	assert.ErrorIs(t, err, oa.ErrServer)
	assert.Equal(t, before, m.Credentials())
	assert.Equal(t, phaseLive, m.currentPhase())
	assert.Equal(t, before, f.storedPair(t))
}

func TestSession_TimerRefreshesNearExpiry(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, WithRefreshInterval(20*time.Millisecond))
	f.login(t, m, true)
	before := m.Credentials()

	f.srv.SetTimeLeft(30)
	require.Eventually(t, func() bool {
		return f.srv.Calls(authtest.RouteRefresh) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return m.Credentials() != before
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, oa.Authenticated, m.State())
}

func TestSession_TimerLeavesFreshTokenAlone(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, WithRefreshInterval(10*time.Millisecond))
	f.login(t, m, true)

	require.Eventually(t, func() bool {
		return f.srv.Calls(authtest.RouteTimeLeft) >= 3
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.srv.Calls(authtest.RouteRefresh))
}

func TestSession_TimerSkipsOnTransientError(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, WithRefreshInterval(10*time.Millisecond))
	f.login(t, m, true)

	f.srv.FailNext(authtest.RouteTimeLeft, http.StatusInternalServerError, "boom")
	require.Eventually(t, func() bool {
		return f.srv.Calls(authtest.RouteTimeLeft) >= 3
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.srv.Calls(authtest.RouteRefresh))
	assert.Equal(t, oa.Authenticated, m.State())
}

func TestSession_TimerRefreshesOnRejectedAccessToken(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, WithRefreshInterval(10*time.Millisecond))
	f.login(t, m, true)

	f.srv.FailNext(authtest.RouteTimeLeft, http.StatusUnauthorized, "token expired")
	require.Eventually(t, func() bool {
		return f.srv.Calls(authtest.RouteRefresh) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, oa.Authenticated, m.State())
}

func TestSession_CloseStopsTimer(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, WithRefreshInterval(10*time.Millisecond))
	f.login(t, m, true)

	m.Close()
	calls := f.srv.Calls(authtest.RouteTimeLeft)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, f.srv.Calls(authtest.RouteTimeLeft))
	assert.Equal(t, oa.Authenticated, m.State(), "close leaves the session in place")
}

func TestSession_GetCurrentUserRetriesAfter401(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	f.login(t, m, true)
	before := m.Credentials()

	f.srv.FailNext(authtest.RouteMe, http.StatusUnauthorized, "token expired")
	user, err := m.GetCurrentUser(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, testUser, user.Username)
	assert.Equal(t, 2, f.srv.Calls(authtest.RouteMe))
	assert.Equal(t, 1, f.srv.Calls(authtest.RouteRefresh))
	assert.NotEqual(t, before, m.Credentials())
}

func TestSession_GetCurrentUserGivesUpWhenRefreshRejected(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	f.login(t, m, true)

	f.srv.RevokeRefreshTokens()
	f.srv.FailNext(authtest.RouteMe, http.StatusUnauthorized, "token expired")
	_, err := m.GetCurrentUser(testCtx(t))
	assert.ErrorIs(t, err, oa.ErrUnauthorized)
	assert.Equal(t, oa.Unauthenticated, m.State())
	assert.Equal(t, 1, f.srv.Calls(authtest.RouteMe))
}

func TestSession_NotAuthenticated(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	_, err := m.GetCurrentUser(testCtx(t))
	assert.ErrorIs(t, err, oa.ErrNotAuthenticated)
	_, err = m.AccessToken()
	assert.ErrorIs(t, err, oa.ErrNotAuthenticated)
	_, err = m.DeleteCurrentUser(testCtx(t), testPassword)
	assert.ErrorIs(t, err, oa.ErrNotAuthenticated)
	assert.Nil(t, m.CurrentUser())
}

func TestSession_UpdateRotatesPair(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	f.login(t, m, true)
	before := m.Credentials()

	name := "alice2"
	user, err := m.UpdateCurrentUser(testCtx(t), oa.UpdateUserRequest{Username: &name})
	require.NoError(t, err)
	assert.Equal(t, name, user.Username)
	assert.Equal(t, name, m.CurrentUser().Username)

	after := m.Credentials()
	assert.NotEqual(t, before, after)
	assert.Equal(t, after, f.storedPair(t))
	assert.False(t, f.srv.RefreshTokenValid(before.RefreshToken))
	assert.True(t, f.srv.RefreshTokenValid(after.RefreshToken))

	// the rotated pair is usable
	_, err = m.GetCurrentUser(testCtx(t))
	require.NoError(t, err)
}

func TestSession_UpdatePassword(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	f.login(t, m, false)

	newPassword := "battery-staple"
	wrong := "nope"
	_, err := m.UpdateCurrentUser(testCtx(t), oa.UpdateUserRequest{Password: &newPassword, CurrentPassword: &wrong})
	assert.ErrorIs(t, err, oa.ErrBadRequest)
	assert.Equal(t, "current password is incorrect", oa.MessageOf(err))

	current := testPassword
	_, err = m.UpdateCurrentUser(testCtx(t), oa.UpdateUserRequest{Password: &newPassword, CurrentPassword: &current})
	require.NoError(t, err)

	_, err = f.api.Login(testCtx(t), testUser, newPassword)
	require.NoError(t, err)
}

func TestSession_UpdateValidation(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	f.login(t, m, true)

	_, err := m.UpdateCurrentUser(testCtx(t), oa.UpdateUserRequest{})
	assert.ErrorIs(t, err, oa.ErrBadRequest)

	pw := "new"
	_, err = m.UpdateCurrentUser(testCtx(t), oa.UpdateUserRequest{Password: &pw})
	assert.ErrorIs(t, err, oa.ErrBadRequest)
	assert.Equal(t, 0, f.srv.Calls(authtest.RouteUpdateMe))

	taken := "bob"
	f.srv.AddUser(taken, "bob@example.com", "pw")
	_, err = m.UpdateCurrentUser(testCtx(t), oa.UpdateUserRequest{Username: &taken})
	assert.ErrorIs(t, err, oa.ErrConflict)
}

func TestSession_DeleteWrongPassword(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	f.login(t, m, true)
	before := m.Credentials()

	_, err := m.DeleteCurrentUser(testCtx(t), "wrong")
	assert.ErrorIs(t, err, oa.ErrBadRequest)
	assert.Equal(t, oa.Authenticated, m.State())
	assert.Equal(t, before, m.Credentials())
	assert.Equal(t, before, f.storedPair(t))
	assert.Equal(t, 1, f.srv.UserCount())
}

func TestSession_Delete(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	f.login(t, m, true)

	msg, err := m.DeleteCurrentUser(testCtx(t), testPassword)
	require.NoError(t, err)
	assert.Equal(t, "account deleted", msg)
	assert.Equal(t, oa.Unauthenticated, m.State())
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 0, f.srv.UserCount())
	assert.False(t, m.scheduler.running())

	_, err = m.DeleteCurrentUser(testCtx(t), "")
	assert.ErrorIs(t, err, oa.ErrBadRequest)
}

func TestSession_Subscribe(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	updates, cancel := m.Subscribe()
	assert.Equal(t, oa.Unauthenticated, <-updates)

	f.login(t, m, true)
	assert.Equal(t, oa.Authenticated, <-updates)

	// refresh keeps the published state, so nothing is sent
	require.NoError(t, m.Refresh(testCtx(t)))
	select {
	case s := <-updates:
		t.Fatalf("unexpected state %v", s)
	default:
	}

	require.NoError(t, m.Logout(testCtx(t)))
	assert.Equal(t, oa.Unauthenticated, <-updates)

	cancel()
	_, open := <-updates
	assert.False(t, open)
	cancel()
}

func TestSession_TokenSource(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ts := m.TokenSource()

	_, err := ts.Token()
	assert.ErrorIs(t, err, oa.ErrNotAuthenticated)

	f.login(t, m, false)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, m.Credentials().AccessToken, tok.AccessToken)
	assert.Equal(t, "Bearer", tok.Type())
	assert.True(t, tok.Valid())
}

func TestAsync_Login(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	done := Async(func() (*oa.User, error) {
		return m.Login(testCtx(t), testUser, testPassword, false)
	})
	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, testUser, res.Value.Username)

	_, open := <-done
	assert.False(t, open)

	failed := <-Async(func() (*oa.User, error) {
		return m.Login(testCtx(t), testUser, "wrong", false)
	})
	assert.ErrorIs(t, failed.Err, oa.ErrUnauthorized)
	assert.Nil(t, failed.Value)
}
